package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":5000", cfg.Server.Addr)
	assert.Equal(t, 2*time.Second, cfg.Buffer.Delay)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, []string{"Defect", "DefectSuite", "HierarchicalRequirement"}, cfg.Rally.Entities)
}

func TestLoadOverlaysFileAndSubstitutesEnv(t *testing.T) {
	t.Setenv("TEST_RALLY_KEY", "secret-key")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rally:
  base_url: https://rally1.rallydev.com
  api_key: ${TEST_RALLY_KEY}
  entities: [Defect]
buffer:
  delay: 5s
store:
  driver: memory
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "secret-key", cfg.Rally.APIKey)
	assert.Equal(t, []string{"Defect"}, cfg.Rally.Entities)
	assert.Equal(t, 5*time.Second, cfg.Buffer.Delay)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	// Untouched sections keep their defaults.
	assert.Equal(t, ":5000", cfg.Server.Addr)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Rally.BaseURL = "https://rally1.rallydev.com"
		cfg.Rally.APIKey = "key"
		return cfg
	}

	assert.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no entities", func(c *Config) { c.Rally.Entities = nil }},
		{"refresh without base url", func(c *Config) { c.Rally.BaseURL = "" }},
		{"refresh without api key", func(c *Config) { c.Rally.APIKey = "" }},
		{"nonpositive page size", func(c *Config) { c.Rally.PageSize = 0 }},
		{"negative buffer delay", func(c *Config) { c.Buffer.Delay = -time.Second }},
		{"sqlite without dir", func(c *Config) { c.Store.Dir = "" }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "oracle" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }},
		{"publish without bucket", func(c *Config) { c.Publish.Enabled = true }},
		{"publish on memory driver", func(c *Config) {
			c.Store.Driver = DriverMemory
			c.Publish.Enabled = true
			c.Publish.Bucket = "b"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateWithoutRefreshSkipsRallyChecks(t *testing.T) {
	cfg := Default()
	cfg.Rally.RefreshOnStart = false
	assert.NoError(t, cfg.Validate())
}
