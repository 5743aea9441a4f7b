package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite3
  dsn: ":memory:"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.Token.TTL != 300*time.Second {
		t.Errorf("token.ttl = %v, want 300s", cfg.Token.TTL)
	}
	if cfg.Token.Namespace != "tok" {
		t.Errorf("token.namespace = %q, want tok", cfg.Token.Namespace)
	}
	if cfg.Watchdog.Interval != time.Second {
		t.Errorf("watchdog.interval = %v, want 1s", cfg.Watchdog.Interval)
	}
	if cfg.Watchdog.RotateThreshold != 3*time.Second {
		t.Errorf("watchdog.rotate_threshold = %v, want 3s", cfg.Watchdog.RotateThreshold)
	}
	if cfg.Watchdog.Grace != 2*time.Second {
		t.Errorf("watchdog.grace = %v, want 2s", cfg.Watchdog.Grace)
	}
	if cfg.Watchdog.ConsumedScanLimit != 200 || cfg.Watchdog.ActiveScanLimit != 500 {
		t.Errorf("scan limits = %d/%d, want 200/500",
			cfg.Watchdog.ConsumedScanLimit, cfg.Watchdog.ActiveScanLimit)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis.addr = %q", cfg.Redis.Addr)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: postgres
  dsn: "postgres://u:p@localhost/gate"
token:
  ttl: 60s
  namespace: cred
watchdog:
  rotate_threshold: 5s
  interval: 2s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Token.TTL != time.Minute || cfg.Token.Namespace != "cred" {
		t.Errorf("token = %+v", cfg.Token)
	}
	if cfg.Watchdog.RotateThreshold != 5*time.Second || cfg.Watchdog.Interval != 2*time.Second {
		t.Errorf("watchdog = %+v", cfg.Watchdog)
	}
}

func TestEnvOverridesDSN(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: postgres
  dsn: "from-file"
`)

	t.Setenv("GATE_DATABASE_DSN", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.DSN != "from-env" {
		t.Errorf("dsn = %q, want env override", cfg.Database.DSN)
	}
}

func TestValidateFailures(t *testing.T) {
	base := func() *Config {
		return &Config{
			Database: DatabaseConfig{Driver: "sqlite3", DSN: ":memory:"},
			Redis:    RedisConfig{Addr: "localhost:6379"},
			Token:    TokenConfig{TTL: 300 * time.Second, Namespace: "tok"},
			Watchdog: WatchdogConfig{
				Interval:          time.Second,
				RotateThreshold:   3 * time.Second,
				Grace:             2 * time.Second,
				ConsumedScanLimit: 200,
				ActiveScanLimit:   500,
			},
			API: APIConfig{Enabled: true, Port: 8080},
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("base config must validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"missing dsn", func(c *Config) { c.Database.DSN = "" }},
		{"missing redis addr", func(c *Config) { c.Redis.Addr = "" }},
		{"zero ttl", func(c *Config) { c.Token.TTL = 0 }},
		{"missing namespace", func(c *Config) { c.Token.Namespace = "" }},
		{"zero interval", func(c *Config) { c.Watchdog.Interval = 0 }},
		{"threshold above ttl", func(c *Config) { c.Watchdog.RotateThreshold = 400 * time.Second }},
		{"zero scan limit", func(c *Config) { c.Watchdog.ActiveScanLimit = 0 }},
		{"bad api port", func(c *Config) { c.API.Port = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
