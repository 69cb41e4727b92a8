// ABOUTME: Configuration loading and parsing for the tradepost gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the default config location
const EnvConfigPath = "TRADEPOST_CONFIG"

// Config represents the complete gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Messaging MessagingConfig `yaml:"messaging"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"` // empty disables the gRPC health service
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects and locates the row store
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"` // sqlite
	DSN    string `yaml:"dsn"`  // postgres
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-"`

	TokenTTLRaw string `yaml:"token_ttl"`
}

// RealtimeConfig controls live delivery
type RealtimeConfig struct {
	// RedisURL enables the cross-instance relay when set
	RedisURL     string        `yaml:"redis_url"`
	Channel      string        `yaml:"channel"`
	PingInterval time.Duration `yaml:"-"`

	PingIntervalRaw string `yaml:"ping_interval"`
}

// MessagingConfig controls idempotent sends
type MessagingConfig struct {
	IdempotencyTTL        time.Duration `yaml:"-"`
	IdempotencyMaxEntries int           `yaml:"idempotency_max_entries"`

	IdempotencyTTLRaw string `yaml:"idempotency_ttl"`
}

// KafkaConfig controls change event export
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text, pretty
}

// Defaults applied by Load when a field is left empty
const (
	DefaultHTTPAddr        = "0.0.0.0:8080"
	DefaultTokenTTL        = 24 * time.Hour
	DefaultChannel         = "tradepost:changes"
	DefaultPingInterval    = 30 * time.Second
	DefaultIdempotencyTTL  = 10 * time.Minute
	DefaultIdempotencySize = 10000
	DefaultKafkaTopic      = "tradepost.changes"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration bytes. See Load.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// DefaultPath returns TRADEPOST_CONFIG when set, otherwise
// $XDG_CONFIG_HOME/tradepost/gateway.yaml (~/.config when XDG_CONFIG_HOME is unset).
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "tradepost", "gateway.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "tradepost", "gateway.yaml")
}

// LoadDotEnv loads a .env file into the environment when it exists.
// Variables already set are left alone. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.Realtime.Channel == "" {
		c.Realtime.Channel = DefaultChannel
	}
	if c.Realtime.PingInterval == 0 {
		c.Realtime.PingInterval = DefaultPingInterval
	}
	if c.Messaging.IdempotencyTTL == 0 {
		c.Messaging.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if c.Messaging.IdempotencyMaxEntries == 0 {
		c.Messaging.IdempotencyMaxEntries = DefaultIdempotencySize
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = DefaultKafkaTopic
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, postgres", c.Database.Driver)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Messaging.IdempotencyMaxEntries < 0 {
		return fmt.Errorf("messaging.idempotency_max_entries must not be negative")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}

	switch c.Logging.Format {
	case "json", "text", "pretty":
	default:
		return fmt.Errorf("logging.format %q is not one of json, text, pretty", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"realtime.ping_interval", cfg.Realtime.PingIntervalRaw, &cfg.Realtime.PingInterval},
		{"messaging.idempotency_ttl", cfg.Messaging.IdempotencyTTLRaw, &cfg.Messaging.IdempotencyTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

// Starter is the config written by `tradepost init`
const Starter = `# tradepost gateway configuration
server:
  http_addr: "0.0.0.0:8080"
  grpc_addr: "127.0.0.1:50051"

tailscale:
  enabled: false
  hostname: "tradepost"
  auth_key: "${TS_AUTHKEY}"
  state_dir: ""
  ephemeral: false

database:
  driver: "sqlite"
  path: "./tradepost.db"
  dsn: "${TRADEPOST_DATABASE_URL}"

auth:
  jwt_secret: "${TRADEPOST_JWT_SECRET}"
  token_ttl: "24h"

realtime:
  redis_url: "${TRADEPOST_REDIS_URL}"
  channel: "tradepost:changes"
  ping_interval: "30s"

messaging:
  idempotency_ttl: "10m"
  idempotency_max_entries: 10000

kafka:
  enabled: false
  brokers: []
  topic: "tradepost.changes"

logging:
  level: "info"
  format: "text"
`
