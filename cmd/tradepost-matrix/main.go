// ABOUTME: Entry point for tradepost-matrix
// ABOUTME: Relays one user's marketplace notifications into a Matrix room

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/tradepost/internal/config"
	"github.com/2389/tradepost/internal/logging"
)

// xdgPath joins elems under $envDir, or under $HOME/fallback when envDir is unset.
func xdgPath(envDir, fallback string, elems ...string) string {
	dir := os.Getenv(envDir)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(elems...)
		}
		dir = filepath.Join(home, fallback)
	}
	return filepath.Join(append([]string{dir, "tradepost"}, elems...)...)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	color.New(color.FgCyan).Print("\n    tradepost ▸ matrix notifier\n\n")

	if err := config.LoadDotEnv(""); err != nil {
		return err
	}
	configPath := os.Getenv("TRADEPOST_MATRIX_CONFIG")
	if configPath == "" {
		configPath = xdgPath("XDG_CONFIG_HOME", ".config", "matrix.toml")
	}
	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}
	logger := logging.New(config.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format}, os.Stdout)

	cursorPath := cfg.Relay.CursorDB
	if cursorPath == "" {
		cursorPath = xdgPath("XDG_DATA_HOME", filepath.Join(".local", "share"), "matrix-cursor.db")
		if err := os.MkdirAll(filepath.Dir(cursorPath), 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("Room:       %s\n", cfg.Matrix.RoomID)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:    %s\n", cfg.Gateway.URL)
	green.Print("    ▶ ")
	fmt.Printf("Cursor:     %s\n\n", cursorPath)

	client, err := mautrix.NewClient(cfg.Matrix.Homeserver, id.UserID(cfg.Matrix.UserID), cfg.Matrix.AccessToken)
	if err != nil {
		return fmt.Errorf("creating matrix client: %w", err)
	}

	cursor, err := OpenCursor(cursorPath)
	if err != nil {
		return err
	}
	defer cursor.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting matrix notifier", "room", cfg.Matrix.RoomID, "gateway", cfg.Gateway.URL)
	return NewRelay(cfg, client, cursor, logger).Run(ctx)
}
