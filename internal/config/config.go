// Package config loads pipeline configuration from YAML with
// environment overrides. Platform definitions are stored in the
// database, not here; this file covers infrastructure knobs only.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the pipeline binaries.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	Validation ValidationConfig `yaml:"validation"`
	Intake     IntakeConfig     `yaml:"intake"`
	Archive    ArchiveConfig    `yaml:"archive"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the listen host, with container detection.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// RedisConfig holds the optional Redis accelerator settings. An empty
// URL disables the ready index, rate limiting falls back to allow-all,
// and the distributed lock falls back to PG advisory locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// QueueConfig holds fan-out queue tuning.
type QueueConfig struct {
	BatchSize         int `yaml:"batch_size"`          // jobs per lease
	LeaseSeconds      int `yaml:"lease_seconds"`       // lease duration
	SleepSeconds      int `yaml:"sleep_seconds"`       // idle poll sleep
	ReaperGraceSecond int `yaml:"reaper_grace_seconds"`
	MaxRetries        int `yaml:"max_retries"`
}

// Lease returns the lease duration, defaulting to 300s.
func (c QueueConfig) Lease() time.Duration {
	if c.LeaseSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.LeaseSeconds) * time.Second
}

// Sleep returns the idle poll interval, defaulting to 5s.
func (c QueueConfig) Sleep() time.Duration {
	if c.SleepSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.SleepSeconds) * time.Second
}

// ReaperGrace returns the extra age past lock expiry before a lease is
// considered stuck, defaulting to 60s.
func (c QueueConfig) ReaperGrace() time.Duration {
	if c.ReaperGraceSecond <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.ReaperGraceSecond) * time.Second
}

// ValidationConfig holds email-validation cache and budget settings.
type ValidationConfig struct {
	CacheDays  int `yaml:"cache_days"`  // registry TTL, default 30
	DailyLimit int `yaml:"daily_limit"` // provider budget, default 10000
}

// CacheTTL returns the registry TTL as a duration.
func (c ValidationConfig) CacheTTL() time.Duration {
	days := c.CacheDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

// IntakeConfig holds intake gate settings.
type IntakeConfig struct {
	// HoneypotFields are form fields real users never fill.
	HoneypotFields []string `yaml:"honeypot_fields"`
	// RedirectURL is where browser lead submissions land.
	RedirectURL string `yaml:"redirect_url"`
}

// ArchiveConfig holds S3 archive settings for cleanup --task=archive.
type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Region string `yaml:"s3_region"`
	Prefix   string `yaml:"prefix"`
}

// RateLimitConfig holds the per-API-key request budget.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// Load reads the YAML file at path and applies defaults. A missing
// file is not an error; defaults plus env overrides still apply.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadFromEnv loads the config file, then overlays .env and process
// environment variables.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env if present (no error if missing).
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("QUEUE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.BatchSize = n
		}
	}
	if v := os.Getenv("VALIDATION_CACHE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Validation.CacheDays = n
		}
	}
	if v := os.Getenv("ZEROBOUNCE_DAILY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Validation.DailyLimit = n
		}
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("INTAKE_REDIRECT_URL"); v != "" {
		cfg.Intake.RedirectURL = v
	}
	if v := os.Getenv("ARCHIVE_S3_BUCKET"); v != "" {
		cfg.Archive.S3Bucket = v
		cfg.Archive.Enabled = true
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 50
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 300
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = 100
	}
	if cfg.Queue.LeaseSeconds == 0 {
		cfg.Queue.LeaseSeconds = 300
	}
	if cfg.Queue.SleepSeconds == 0 {
		cfg.Queue.SleepSeconds = 5
	}
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = 3
	}
	if cfg.Validation.CacheDays == 0 {
		cfg.Validation.CacheDays = 30
	}
	if cfg.Validation.DailyLimit == 0 {
		cfg.Validation.DailyLimit = 10000
	}
	if len(cfg.Intake.HoneypotFields) == 0 {
		cfg.Intake.HoneypotFields = []string{"zipcode", "phonenumber"}
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "queue-archive"
	}
	if cfg.Archive.S3Region == "" {
		cfg.Archive.S3Region = "us-east-1"
	}
}
