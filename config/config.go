// Package config loads service configuration from an optional YAML file,
// applies environment overrides, and validates the result.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Blob      BlobConfig      `yaml:"blob"`
	Messages  MessagesConfig  `yaml:"messages"`
	Policy    PolicyConfig    `yaml:"policy"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	BaseURL string `yaml:"base_url"`
}

type StoreConfig struct {
	Type     string         `yaml:"type"` // memory | redis | postgres
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type BlobConfig struct {
	Type string   `yaml:"type"` // memory | s3
	S3   S3Config `yaml:"s3"`
}

type S3Config struct {
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Endpoint  string `yaml:"endpoint"` // set for MinIO / S3-compatible stores
	KeyPrefix string `yaml:"key_prefix"`
}

type MessagesConfig struct {
	DefaultTTL         time.Duration `yaml:"default_ttl"`
	MaxTTL             time.Duration `yaml:"max_ttl"`
	DefaultViews       int           `yaml:"default_views"`
	MaxViews           int           `yaml:"max_views"`
	MaxCiphertextBytes int64         `yaml:"max_ciphertext_bytes"`
	MaxAttachmentBytes int64         `yaml:"max_attachment_bytes"`
}

type PolicyConfig struct {
	SuspicionWindow       time.Duration `yaml:"suspicion_window"`
	MaxAttemptsPerCountry int           `yaml:"max_attempts_per_country"`
	MaxDistinctCountries  int           `yaml:"max_distinct_countries"`
}

type CleanupConfig struct {
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	AttachmentGrace time.Duration `yaml:"attachment_grace"`
	AuditRetention  time.Duration `yaml:"audit_retention"`
}

type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
	RevealPerMin   int  `yaml:"reveal_per_min"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			BaseURL: "http://localhost:8080",
		},
		Store: StoreConfig{
			Type: "memory",
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				Password: "",
				DB:       0,
			},
		},
		Blob: BlobConfig{
			Type: "memory",
			S3: S3Config{
				Region:    "us-east-1",
				KeyPrefix: "attachments/",
			},
		},
		Messages: MessagesConfig{
			DefaultTTL:         24 * time.Hour,
			MaxTTL:             7 * 24 * time.Hour,
			DefaultViews:       1,
			MaxViews:           10,
			MaxCiphertextBytes: 256 * 1024,
			MaxAttachmentBytes: 16 * 1024 * 1024,
		},
		Policy: PolicyConfig{
			SuspicionWindow:       5 * time.Minute,
			MaxAttemptsPerCountry: 3,
			MaxDistinctCountries:  3,
		},
		Cleanup: CleanupConfig{
			SweepInterval:   30 * time.Second,
			AttachmentGrace: 24 * time.Hour,
			AuditRetention:  30 * 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 100,
			RevealPerMin:   20,
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File not found is OK, use defaults
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

func (c *Config) loadFromEnv() {
	// Server
	if v := os.Getenv("HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}

	// Store
	if v := os.Getenv("STORE_TYPE"); v != "" {
		c.Store.Type = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Store.Redis.DB = db
		}
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		c.Store.Postgres.DSN = v
	}

	// Blob
	if v := os.Getenv("BLOB_TYPE"); v != "" {
		c.Blob.Type = v
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		c.Blob.S3.Region = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		c.Blob.S3.Bucket = v
	}
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		c.Blob.S3.AccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		c.Blob.S3.SecretKey = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		c.Blob.S3.Endpoint = v
	}

	// Messages
	if v := os.Getenv("DEFAULT_TTL"); v != "" {
		if ttl, err := time.ParseDuration(v); err == nil {
			c.Messages.DefaultTTL = ttl
		}
	}
	if v := os.Getenv("MAX_TTL"); v != "" {
		if ttl, err := time.ParseDuration(v); err == nil {
			c.Messages.MaxTTL = ttl
		}
	}
	if v := os.Getenv("DEFAULT_VIEWS"); v != "" {
		if views, err := strconv.Atoi(v); err == nil {
			c.Messages.DefaultViews = views
		}
	}
	if v := os.Getenv("MAX_VIEWS"); v != "" {
		if views, err := strconv.Atoi(v); err == nil {
			c.Messages.MaxViews = views
		}
	}

	// Cleanup
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Cleanup.SweepInterval = d
		}
	}
	if v := os.Getenv("ATTACHMENT_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Cleanup.AttachmentGrace = d
		}
	}

	// Rate limiting
	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		c.RateLimit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.RequestsPerMin = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_REVEAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.RevealPerMin = n
		}
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}

	switch c.Store.Type {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required when store type is 'redis'")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("postgres dsn is required when store type is 'postgres'")
		}
	default:
		return fmt.Errorf("invalid store type: %s (must be 'memory', 'redis' or 'postgres')", c.Store.Type)
	}

	switch c.Blob.Type {
	case "memory":
	case "s3":
		if c.Blob.S3.Bucket == "" {
			return fmt.Errorf("s3 bucket is required when blob type is 's3'")
		}
	default:
		return fmt.Errorf("invalid blob type: %s (must be 'memory' or 's3')", c.Blob.Type)
	}

	if c.Messages.DefaultTTL <= 0 {
		return fmt.Errorf("default_ttl must be positive")
	}

	if c.Messages.MaxTTL < c.Messages.DefaultTTL {
		return fmt.Errorf("max_ttl must be >= default_ttl")
	}

	if c.Messages.DefaultViews < 1 {
		return fmt.Errorf("default_views must be at least 1")
	}

	if c.Messages.MaxViews < c.Messages.DefaultViews {
		return fmt.Errorf("max_views must be >= default_views")
	}

	if c.Cleanup.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}

	if c.Cleanup.AttachmentGrace <= 0 {
		return fmt.Errorf("attachment_grace must be positive")
	}

	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
