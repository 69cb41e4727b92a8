// ABOUTME: Configuration loading for the tradepost Matrix notifier
// ABOUTME: Loads TOML config with ${VAR} expansion and validates it

package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Matrix  MatrixConfig  `toml:"matrix"`
	Gateway GatewayConfig `toml:"gateway"`
	Relay   RelayConfig   `toml:"relay"`
	Logging LoggingConfig `toml:"logging"`
}

type MatrixConfig struct {
	Homeserver  string `toml:"homeserver"`
	UserID      string `toml:"user_id"`
	AccessToken string `toml:"access_token"`
	RoomID      string `toml:"room_id"`
}

type GatewayConfig struct {
	URL string `toml:"url"`
	// Token is a tradepost JWT for the identity whose notifications are relayed
	Token string `toml:"token"`
}

type RelayConfig struct {
	CursorDB       string        `toml:"cursor_db"`
	ReconnectDelay time.Duration `toml:"-"`
	// ReconnectRaw is a duration string such as "5s"
	ReconnectRaw string `toml:"reconnect_delay"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads config from the given path, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(string(data))
}

// Parse decodes TOML config text
func Parse(data string) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(expandEnvVars(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Relay.ReconnectDelay = 5 * time.Second
	if cfg.Relay.ReconnectRaw != "" {
		d, err := time.ParseDuration(cfg.Relay.ReconnectRaw)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("relay.reconnect_delay: invalid duration %q", cfg.Relay.ReconnectRaw)
		}
		cfg.Relay.ReconnectDelay = d
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}"))
	})
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return errors.New("matrix.homeserver is required")
	}
	if _, err := url.Parse(c.Matrix.Homeserver); err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	if c.Matrix.UserID == "" {
		return errors.New("matrix.user_id is required")
	}
	if c.Matrix.AccessToken == "" {
		return errors.New("matrix.access_token is required")
	}
	if !strings.HasPrefix(c.Matrix.RoomID, "!") {
		return errors.New("matrix.room_id must be a room id like !abc:example.org")
	}
	if c.Gateway.URL == "" {
		return errors.New("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("gateway.url must use http or https scheme")
	}
	if c.Gateway.Token == "" {
		return errors.New("gateway.token is required")
	}
	return nil
}
