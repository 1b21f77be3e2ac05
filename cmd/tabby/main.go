package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alagonterie/tabby/internal/pipeline"
	"github.com/alagonterie/tabby/pkg/applier"
	"github.com/alagonterie/tabby/pkg/buffer"
	"github.com/alagonterie/tabby/pkg/bulkload"
	"github.com/alagonterie/tabby/pkg/config"
	"github.com/alagonterie/tabby/pkg/errors"
	"github.com/alagonterie/tabby/pkg/logger"
	"github.com/alagonterie/tabby/pkg/mirror"
	"github.com/alagonterie/tabby/pkg/models"
	"github.com/alagonterie/tabby/pkg/publish"
	"github.com/alagonterie/tabby/pkg/rally"
	"github.com/alagonterie/tabby/pkg/schema"
	"github.com/alagonterie/tabby/pkg/webhook"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "tabby",
		Short: "Tabby - work-tracking mirror for BI export",
		Long: `Tabby keeps a local relational mirror of a Rally-style work-tracking
service in sync via webhooks, restoring chronological order to out-of-order
deliveries, and periodically publishes per-entity snapshots for BI tools.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Tabby v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var configFile string
	var once bool

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the mirror service",
		Long: `Run the mirror service: bulk-load the configured entity types, then
serve the webhook endpoint and apply live change events.

With --once the service bulk-loads and exits without serving webhooks.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile, once)
		},
	}
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to the YAML config file")
	runCmd.Flags().BoolVar(&once, "once", false, "Bulk-load once and exit without serving webhooks")
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configFile string, once bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:    cfg.Log.Level,
		Encoding: cfg.Log.Encoding,
	}); err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Debug("configuration loaded",
		zap.String("store_driver", cfg.Store.Driver),
		zap.Strings("entities", cfg.Rally.Entities))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	schemas := schema.NewRegistry()
	if cfg.Rally.RefreshOnStart {
		client, err := rally.NewClient(rally.Config{
			BaseURL: cfg.Rally.BaseURL,
			APIKey:  cfg.Rally.APIKey,
			Timeout: cfg.Rally.Timeout,
		})
		if err != nil {
			return err
		}
		loader := bulkload.New(client, store, schemas, bulkload.Config{
			Entities: cfg.Rally.Entities,
			PageSize: cfg.Rally.PageSize,
			Limit:    cfg.Rally.Limit,
		})
		if err := loader.Run(ctx); err != nil {
			// Entities that failed stay not-ready; their events buffer.
			// Only a total failure is fatal.
			return err
		}
	} else {
		logger.Warn("bulk load disabled; entities stay not-ready until a seeded run")
	}

	if once {
		logger.Info("bulk load finished, exiting (--once)")
		return nil
	}

	buf := buffer.New[*models.ChangeEvent](cfg.Buffer.Delay)
	ingestor := pipeline.NewIngestor(buf, applier.New(store, schemas), schemas)
	go func() {
		_ = ingestor.Run(ctx) // returns only on context cancellation
	}()

	if cfg.Publish.Enabled {
		snap, ok := store.(mirror.Snapshotter)
		if !ok {
			return errors.New(errors.ErrorTypeConfig, "configured store cannot produce snapshots")
		}
		publisher, err := publish.New(ctx, publish.Config{
			Bucket:    cfg.Publish.Bucket,
			Prefix:    cfg.Publish.Prefix,
			Frequency: cfg.Publish.Frequency,
			Entities:  cfg.Rally.Entities,
		}, snap)
		if err != nil {
			return err
		}
		go func() {
			_ = publisher.Run(ctx)
		}()
	}

	server := webhook.NewServer(webhook.Config{
		Addr:  cfg.Server.Addr,
		Token: cfg.Server.WebhookToken,
	}, buf)
	return server.Run(ctx)
}

// newStore builds the configured mirror backend.
func newStore(ctx context.Context, cfg *config.Config) (mirror.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		return mirror.NewSQLiteStore(cfg.Store.Dir)
	case config.DriverPostgres:
		return mirror.NewPostgresStore(ctx, cfg.Store.DSN)
	default:
		return mirror.NewMemoryStore(), nil
	}
}
