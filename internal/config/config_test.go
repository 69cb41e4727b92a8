// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, durations and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:9090"
  grpc_addr: "127.0.0.1:50051"

database:
  driver: "postgres"
  dsn: "postgres://localhost/tradepost"

auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"
  token_ttl: "2h"

realtime:
  redis_url: "redis://localhost:6379/0"
  channel: "market"
  ping_interval: "15s"

messaging:
  idempotency_ttl: "5m"
  idempotency_max_entries: 42

kafka:
  enabled: true
  brokers: ["kafka-1:9092", "kafka-2:9092"]
  topic: "market.changes"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:9090" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Driver != DriverPostgres || cfg.Database.DSN != "postgres://localhost/tradepost" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Auth.TokenTTL != 2*time.Hour {
		t.Errorf("Auth.TokenTTL = %v, want 2h", cfg.Auth.TokenTTL)
	}
	if cfg.Realtime.Channel != "market" || cfg.Realtime.PingInterval != 15*time.Second {
		t.Errorf("Realtime = %+v", cfg.Realtime)
	}
	if cfg.Messaging.IdempotencyTTL != 5*time.Minute || cfg.Messaging.IdempotencyMaxEntries != 42 {
		t.Errorf("Messaging = %+v", cfg.Messaging)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Topic != "market.changes" {
		t.Errorf("Kafka = %+v", cfg.Kafka)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "database:\n  path: ./t.db\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, DefaultHTTPAddr)
	}
	if cfg.Database.Driver != DriverSQLite {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Auth.TokenTTL != DefaultTokenTTL {
		t.Errorf("Auth.TokenTTL = %v", cfg.Auth.TokenTTL)
	}
	if cfg.Realtime.Channel != DefaultChannel || cfg.Realtime.PingInterval != DefaultPingInterval {
		t.Errorf("Realtime = %+v", cfg.Realtime)
	}
	if cfg.Messaging.IdempotencyTTL != DefaultIdempotencyTTL || cfg.Messaging.IdempotencyMaxEntries != DefaultIdempotencySize {
		t.Errorf("Messaging = %+v", cfg.Messaging)
	}
	if cfg.Logging.Format != "text" || cfg.Logging.Level != "info" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_TRADEPOST_SECRET", "secret-from-environment-32-bytes")
	t.Setenv("TEST_TRADEPOST_DB", "/var/lib/tradepost.db")

	cfg, err := Load(writeConfig(t, `
database:
  path: "${TEST_TRADEPOST_DB}"
auth:
  jwt_secret: "${TEST_TRADEPOST_SECRET}"
realtime:
  redis_url: "${TEST_TRADEPOST_UNSET_VAR}"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/var/lib/tradepost.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Auth.JWTSecret != "secret-from-environment-32-bytes" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Realtime.RedisURL != "" {
		t.Errorf("unset var should expand to empty, got %q", cfg.Realtime.RedisURL)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing sqlite path", "database:\n  driver: sqlite\n", "database.path"},
		{"missing postgres dsn", "database:\n  driver: postgres\n", "database.dsn"},
		{"unknown driver", "database:\n  driver: mongo\n  path: x\n", "database.driver"},
		{"tailscale without hostname", "tailscale:\n  enabled: true\ndatabase:\n  path: x\n", "tailscale.hostname"},
		{"short secret", "database:\n  path: x\nauth:\n  jwt_secret: short\n", "jwt_secret"},
		{"kafka without brokers", "database:\n  path: x\nkafka:\n  enabled: true\n", "kafka.brokers"},
		{"bad log format", "database:\n  path: x\nlogging:\n  format: xml\n", "logging.format"},
		{"bad duration", "database:\n  path: x\nauth:\n  token_ttl: soon\n", "auth.token_ttl"},
		{"negative duration", "database:\n  path: x\nrealtime:\n  ping_interval: -5s\n", "must be positive"},
		{"bad yaml", "database: [", "parsing config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() should have failed")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
}

func TestStarterConfigParses(t *testing.T) {
	t.Setenv("TRADEPOST_JWT_SECRET", "")
	cfg, err := Parse([]byte(Starter))
	if err != nil {
		t.Fatalf("Parse(Starter) error = %v", err)
	}
	if cfg.Database.Path != "./tradepost.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/tradepost.yaml")
	if got := DefaultPath(); got != "/etc/tradepost.yaml" {
		t.Errorf("DefaultPath() = %q", got)
	}

	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "tradepost", "gateway.yaml") {
		t.Errorf("DefaultPath() = %q", got)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := LoadDotEnv(filepath.Join(dir, ".env")); err != nil {
		t.Fatalf("missing .env should be ignored, got %v", err)
	}

	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("TEST_TRADEPOST_DOTENV=loaded\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_TRADEPOST_DOTENV", "")
	os.Unsetenv("TEST_TRADEPOST_DOTENV")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv("TEST_TRADEPOST_DOTENV"); got != "loaded" {
		t.Errorf("TEST_TRADEPOST_DOTENV = %q, want loaded", got)
	}
}
