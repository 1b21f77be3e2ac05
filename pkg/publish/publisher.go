// Package publish periodically uploads per-entity mirror snapshots to an
// object store, where the downstream BI service picks them up. The BI
// service itself is not driven from here.
package publish

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/alagonterie/tabby/pkg/errors"
	"github.com/alagonterie/tabby/pkg/logger"
	"github.com/alagonterie/tabby/pkg/metrics"
	"github.com/alagonterie/tabby/pkg/mirror"
)

// Config holds publisher settings.
type Config struct {
	// Bucket is the destination S3 bucket.
	Bucket string
	// Prefix is the key prefix under which snapshots are written.
	Prefix string
	// Frequency is the time between publish rounds.
	Frequency time.Duration
	// Entities are the entity types to publish.
	Entities []string
}

// Publisher uploads consistent mirror snapshots on a fixed cadence.
type Publisher struct {
	cfg      Config
	snap     mirror.Snapshotter
	uploader *manager.Uploader
	logger   *zap.Logger
}

// New creates a publisher using ambient AWS credentials.
func New(ctx context.Context, cfg Config, snap mirror.Snapshotter) (*Publisher, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "publish bucket is required")
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = 5 * time.Minute
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load aws config")
	}

	return &Publisher{
		cfg:      cfg,
		snap:     snap,
		uploader: manager.NewUploader(s3.NewFromConfig(awsCfg)),
		logger:   logger.With(zap.String("component", "publisher")),
	}, nil
}

// Run publishes on every tick until the context is canceled. One failed
// entity does not stop the others, and a failed round does not stop the
// loop.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Frequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.publishAll(ctx)
		}
	}
}

// publishAll snapshots and uploads every configured entity.
func (p *Publisher) publishAll(ctx context.Context) {
	dir, err := os.MkdirTemp("", "tabby-snapshot-")
	if err != nil {
		p.logger.Error("failed to create snapshot directory", zap.Error(err))
		return
	}
	defer os.RemoveAll(dir)

	for _, entity := range p.cfg.Entities {
		if err := p.publishEntity(ctx, entity, dir); err != nil {
			metrics.SnapshotsPublished.WithLabelValues(entity, "failed").Inc()
			p.logger.Error("failed to publish snapshot",
				zap.String("entity", entity),
				zap.Error(err))
			continue
		}
		metrics.SnapshotsPublished.WithLabelValues(entity, "published").Inc()
	}
}

// publishEntity produces one consistent snapshot file and uploads it.
func (p *Publisher) publishEntity(ctx context.Context, entity, dir string) error {
	snapPath, err := p.snap.Snapshot(ctx, entity, dir)
	if err != nil {
		return err
	}

	f, err := os.Open(snapPath)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to open snapshot file")
	}
	defer f.Close()

	key := path.Join(p.cfg.Prefix, filepath.Base(snapPath))
	if _, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to upload snapshot").
			WithDetail("bucket", p.cfg.Bucket).
			WithDetail("key", key)
	}

	p.logger.Info("published mirror snapshot",
		zap.String("entity", entity),
		zap.String("key", key))
	return nil
}
