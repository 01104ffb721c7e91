package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, 24*time.Hour, cfg.Messages.DefaultTTL)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9090
  base_url: https://share.example.com
messages:
  max_views: 5
cleanup:
  attachment_grace: 1h
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "https://share.example.com", cfg.Server.BaseURL)
	assert.Equal(t, 5, cfg.Messages.MaxViews)
	assert.Equal(t, time.Hour, cfg.Cleanup.AttachmentGrace)

	// Untouched fields keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 1, cfg.Messages.DefaultViews)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("STORE_TYPE", "redis")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")
	t.Setenv("MAX_TTL", "48h")
	t.Setenv("RATE_LIMIT_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Store.Type)
	assert.Equal(t, "redis.internal:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, 48*time.Hour, cfg.Messages.MaxTTL)
	assert.False(t, cfg.RateLimit.Enabled)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"missing base url", func(c *Config) { c.Server.BaseURL = "" }},
		{"unknown store", func(c *Config) { c.Store.Type = "etcd" }},
		{"redis without addr", func(c *Config) {
			c.Store.Type = "redis"
			c.Store.Redis.Addr = ""
		}},
		{"postgres without dsn", func(c *Config) { c.Store.Type = "postgres" }},
		{"unknown blob", func(c *Config) { c.Blob.Type = "ftp" }},
		{"s3 without bucket", func(c *Config) { c.Blob.Type = "s3" }},
		{"max ttl below default", func(c *Config) { c.Messages.MaxTTL = time.Minute }},
		{"max views below default", func(c *Config) {
			c.Messages.DefaultViews = 5
			c.Messages.MaxViews = 2
		}},
		{"zero sweep interval", func(c *Config) { c.Cleanup.SweepInterval = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
