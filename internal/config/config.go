// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	DB      DBConfig      `mapstructure:"db"`
	Archive ArchiveConfig `mapstructure:"archive"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs discovery, leasing and the courtesy delay.
type CrawlerConfig struct {
	IndexURLs         []string `mapstructure:"index_urls"`
	BatchSize         int      `mapstructure:"batch_size"`
	Schedule          string   `mapstructure:"schedule"`
	StaleAfterMinutes int      `mapstructure:"stale_after_minutes"`
	UserAgent         string   `mapstructure:"user_agent"`
	DelayMs           int      `mapstructure:"delay_ms"`
	RespectRobots     bool     `mapstructure:"respect_robots"`
}

// HTTPConfig configures HTTP client retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int    `mapstructure:"max_conns"`
	MinConns               int    `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	AutoMigrate            bool   `mapstructure:"auto_migrate"`
}

// ArchiveConfig sets where raw page HTML is kept.
type ArchiveConfig struct {
	Backend     string `mapstructure:"backend"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// RedisConfig configures the cross-process run lock. An empty Addr disables it.
type RedisConfig struct {
	Addr           string `mapstructure:"addr"`
	Password       string `mapstructure:"password"`
	DB             int    `mapstructure:"db"`
	LockKey        string `mapstructure:"lock_key"`
	LockTTLSeconds int    `mapstructure:"lock_ttl_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Backend names accepted by archive.backend and pubsub.backend.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendGCP    = "gcp"
)

// DefaultUserAgent identifies the crawler to the stamp site.
const DefaultUserAgent = "Mozilla/5.0 (compatible; EkidataBot/1.0; +https://github.com/ekidata)"

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STAMPCRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.index_urls", []string{})
	v.SetDefault("crawler.batch_size", 10)
	v.SetDefault("crawler.schedule", "0 3 * * *")
	v.SetDefault("crawler.stale_after_minutes", 30)
	v.SetDefault("crawler.user_agent", DefaultUserAgent)
	v.SetDefault("crawler.delay_ms", 2000)
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 1000)
	v.SetDefault("http.backoff_max_ms", 8000)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("db.auto_migrate", false)
	v.SetDefault("archive.backend", BackendNone)
	v.SetDefault("archive.base_dir", "data/pages")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("pubsub.backend", BackendNone)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "stamp-pages")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_key", "stampcrawler:run")
	v.SetDefault("redis.lock_ttl_seconds", 600)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.BatchSize <= 0 {
		return fmt.Errorf("crawler.batch_size must be > 0")
	}
	if c.Crawler.DelayMs < 0 {
		return fmt.Errorf("crawler.delay_ms must be >= 0")
	}
	if c.Crawler.StaleAfterMinutes <= 0 {
		return fmt.Errorf("crawler.stale_after_minutes must be > 0")
	}
	if _, err := cron.ParseStandard(c.Crawler.Schedule); err != nil {
		return fmt.Errorf("crawler.schedule is not a valid cron expression: %w", err)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	switch c.Archive.Backend {
	case BackendNone, BackendMemory, BackendLocal:
	case BackendGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set when archive.backend is gcs")
		}
	default:
		return fmt.Errorf("archive.backend %q is not one of none, memory, local, gcs", c.Archive.Backend)
	}
	switch c.PubSub.Backend {
	case BackendNone, BackendMemory:
	case BackendGCP:
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set when pubsub.backend is gcp")
		}
	default:
		return fmt.Errorf("pubsub.backend %q is not one of none, memory, gcp", c.PubSub.Backend)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// Delay returns the courtesy delay between fetch calls.
func (c Config) Delay() time.Duration {
	return time.Duration(c.Crawler.DelayMs) * time.Millisecond
}

// StaleAfter returns the age after which an in_progress lease is orphaned.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Crawler.StaleAfterMinutes) * time.Minute
}

// RequestTimeout converts the HTTP timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// LockTTL returns the run lock expiry.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.Redis.LockTTLSeconds) * time.Second
}

// BackoffInitial is the first retry delay for transient fetch failures.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps the retry delay.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond
}

// MaxConnLifetime bounds how long a pooled Postgres connection is reused.
func (c Config) MaxConnLifetime() time.Duration {
	return time.Duration(c.DB.MaxConnLifetimeMinutes) * time.Minute
}
