// ABOUTME: Local record of notifications already posted to Matrix
// ABOUTME: SQLite table keyed by notification id so restarts never repost

package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Cursor remembers relayed notification ids.
type Cursor struct {
	db *sql.DB
}

// OpenCursor opens or creates the cursor database at path.
func OpenCursor(path string) (*Cursor, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening cursor db: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS relayed (
		notification_id TEXT PRIMARY KEY,
		relayed_at      TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cursor schema: %w", err)
	}
	return &Cursor{db: db}, nil
}

// Seen reports whether id was relayed before.
func (c *Cursor) Seen(ctx context.Context, id string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, `SELECT 1 FROM relayed WHERE notification_id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking cursor: %w", err)
	}
	return true, nil
}

// Mark records id as relayed. Marking twice is a no-op.
func (c *Cursor) Mark(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO relayed (notification_id, relayed_at) VALUES (?, ?)`,
		id, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("updating cursor: %w", err)
	}
	return nil
}

// Count returns how many notifications have been relayed
func (c *Cursor) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM relayed`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting cursor: %w", err)
	}
	return n, nil
}

func (c *Cursor) Close() error {
	return c.db.Close()
}
