// Package config defines all configuration for the dispatch gateway.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via GATE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Token    TokenConfig    `mapstructure:"token"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	API      APIConfig      `mapstructure:"api"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig holds the relational store connection. Driver is "postgres"
// in production; "sqlite3" is supported for local development and tests, in
// which case the schema is created on open.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds the keyed TTL store connection.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
}

// TokenConfig controls credential minting.
//
//   - TTL: lifetime of a freshly written credential key.
//   - Namespace: prefix of every key ("tok" → keys look like tok:<opaque>).
type TokenConfig struct {
	TTL       time.Duration `mapstructure:"ttl"`
	Namespace string        `mapstructure:"namespace"`
}

// WatchdogConfig tunes the token reconciliation loop.
//
//   - Interval: loop period; one pass runs to completion per tick.
//   - RotateThreshold: when a key's remaining TTL drops at or below this,
//     the watchdog rotates it to a fresh credential.
//   - Grace: the shortened TTL applied to the superseded key after rotation,
//     so a consumer mid-request still reads identical content.
//   - ConsumedScanLimit / ActiveScanLimit: per-pass bounds on the two
//     repository scans, keeping each pass O(limit).
type WatchdogConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Interval          time.Duration `mapstructure:"interval"`
	RotateThreshold   time.Duration `mapstructure:"rotate_threshold"`
	Grace             time.Duration `mapstructure:"grace"`
	ConsumedScanLimit int           `mapstructure:"consumed_scan_limit"`
	ActiveScanLimit   int           `mapstructure:"active_scan_limit"`
}

// NotifyConfig controls the optional dispatch-outcome webhook.
// Empty WebhookURL disables notification.
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
}

// APIConfig controls the HTTP surface.
type APIConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: GATE_DATABASE_DSN, GATE_REDIS_PASSWORD.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if dsn := os.Getenv("GATE_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if pass := os.Getenv("GATE_REDIS_PASSWORD"); pass != "" {
		cfg.Redis.Password = pass
	}

	return &cfg, nil
}

// setDefaults applies the documented defaults so a minimal YAML file works.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("token.ttl", 300*time.Second)
	v.SetDefault("token.namespace", "tok")

	v.SetDefault("watchdog.enabled", true)
	v.SetDefault("watchdog.interval", time.Second)
	v.SetDefault("watchdog.rotate_threshold", 3*time.Second)
	v.SetDefault("watchdog.grace", 2*time.Second)
	v.SetDefault("watchdog.consumed_scan_limit", 200)
	v.SetDefault("watchdog.active_scan_limit", 500)

	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("notify.retry_count", 2)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite3, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (set GATE_DATABASE_DSN)")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Token.TTL <= 0 {
		return fmt.Errorf("token.ttl must be > 0")
	}
	if c.Token.Namespace == "" {
		return fmt.Errorf("token.namespace is required")
	}
	if c.Watchdog.Interval <= 0 {
		return fmt.Errorf("watchdog.interval must be > 0")
	}
	if c.Watchdog.RotateThreshold <= 0 {
		return fmt.Errorf("watchdog.rotate_threshold must be > 0")
	}
	if c.Watchdog.Grace <= 0 {
		return fmt.Errorf("watchdog.grace must be > 0")
	}
	if c.Watchdog.RotateThreshold >= c.Token.TTL {
		return fmt.Errorf("watchdog.rotate_threshold must be below token.ttl")
	}
	if c.Watchdog.ConsumedScanLimit <= 0 || c.Watchdog.ActiveScanLimit <= 0 {
		return fmt.Errorf("watchdog scan limits must be > 0")
	}
	if c.API.Enabled && c.API.Port <= 0 {
		return fmt.Errorf("api.port must be > 0 when api.enabled")
	}
	return nil
}
