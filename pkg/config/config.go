// Package config provides the service configuration: which entity types
// to mirror, how long the reorder buffer delays events, how the bulk
// loader pages the upstream API, which store backend holds the mirror,
// and whether snapshots are published.
//
// Configuration is loaded from a YAML file with ${ENV_VAR} substitution,
// so secrets like the upstream API key can stay out of the file.
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alagonterie/tabby/pkg/errors"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the full service configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
	Rally   RallyConfig   `yaml:"rally"`
	Buffer  BufferConfig  `yaml:"buffer"`
	Store   StoreConfig   `yaml:"store"`
	Publish PublishConfig `yaml:"publish"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// ServerConfig controls the webhook HTTP server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// WebhookToken is the secret path segment; generated when empty.
	WebhookToken string `yaml:"webhook_token"`
}

// RallyConfig controls the upstream service client and bulk load.
type RallyConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// Entities are the entity type names to mirror.
	Entities []string `yaml:"entities"`
	// PageSize sizes each bulk fetch request.
	PageSize int `yaml:"page_size"`
	// Limit caps the total records fetched per entity type.
	Limit int `yaml:"limit"`
	// RefreshOnStart runs the bulk loader at startup. Without it, no
	// entity becomes ready and live events stay buffered.
	RefreshOnStart bool `yaml:"refresh_on_start"`
	// Timeout bounds one fetch request.
	Timeout time.Duration `yaml:"timeout"`
}

// BufferConfig controls the reorder buffer.
type BufferConfig struct {
	// Delay is how long events are held to let late deliveries sort into
	// order. The upstream service documents up to 2 seconds of latency.
	Delay time.Duration `yaml:"delay"`
}

// StoreConfig selects and configures the mirror backend.
type StoreConfig struct {
	// Driver is sqlite, postgres, or memory.
	Driver string `yaml:"driver"`
	// Dir holds the per-entity database files (sqlite).
	Dir string `yaml:"dir"`
	// DSN is the connection string (postgres).
	DSN string `yaml:"dsn"`
}

// PublishConfig controls periodic snapshot publishing.
type PublishConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Bucket    string        `yaml:"bucket"`
	Prefix    string        `yaml:"prefix"`
	Frequency time.Duration `yaml:"frequency"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:    "info",
			Encoding: "console",
		},
		Server: ServerConfig{
			Addr: ":5000",
		},
		Rally: RallyConfig{
			Entities:       []string{"Defect", "DefectSuite", "HierarchicalRequirement"},
			PageSize:       150,
			Limit:          75,
			RefreshOnStart: true,
			Timeout:        30 * time.Second,
		},
		Buffer: BufferConfig{
			Delay: 2 * time.Second,
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
			Dir:    "data_sources",
		},
		Publish: PublishConfig{
			Frequency: 5 * time.Minute,
		},
	}
}

// Load reads a YAML config file over the defaults, substituting
// ${ENV_VAR} references with environment values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file")
	}

	content := substituteEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse config file")
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if len(c.Rally.Entities) == 0 {
		return errors.New(errors.ErrorTypeConfig, "at least one entity type is required")
	}
	if c.Rally.RefreshOnStart {
		if c.Rally.BaseURL == "" {
			return errors.New(errors.ErrorTypeConfig, "rally base_url is required when refresh_on_start is set")
		}
		if c.Rally.APIKey == "" {
			return errors.New(errors.ErrorTypeConfig, "rally api_key is required when refresh_on_start is set")
		}
		if c.Rally.PageSize <= 0 || c.Rally.Limit <= 0 {
			return errors.New(errors.ErrorTypeConfig, "rally page_size and limit must be positive")
		}
	}
	if c.Buffer.Delay < 0 {
		return errors.New(errors.ErrorTypeConfig, "buffer delay must not be negative")
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Dir == "" {
			return errors.New(errors.ErrorTypeConfig, "store dir is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New(errors.ErrorTypeConfig, "store dsn is required for the postgres driver")
		}
		if c.Publish.Enabled {
			return errors.New(errors.ErrorTypeConfig, "publishing requires the sqlite driver")
		}
	case DriverMemory:
		if c.Publish.Enabled {
			return errors.New(errors.ErrorTypeConfig, "publishing requires the sqlite driver")
		}
	default:
		return errors.New(errors.ErrorTypeConfig, "unknown store driver").
			WithDetail("driver", c.Store.Driver)
	}

	if c.Publish.Enabled && c.Publish.Bucket == "" {
		return errors.New(errors.ErrorTypeConfig, "publish bucket is required when publishing is enabled")
	}
	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}
