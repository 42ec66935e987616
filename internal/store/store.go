// Package store persists the two relational entities the pipeline owns:
// bridge pairs (with their webhook credentials) and the message-identity map
// that lets edits and deletes follow a message across platforms.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var (
	// ErrNotFound reports a lookup for a bridge id that does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateBridge reports a second bridge over the same channel pair.
	ErrDuplicateBridge = errors.New("store: bridge already exists for channel pair")
)

// Open opens (creating if needed) the SQLite database at dsn and applies the
// connection pragmas. Callers run EnsureSchema before first use.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS bridge_pairs (
		id              TEXT PRIMARY KEY,
		a_channel_id    TEXT NOT NULL,
		a_guild_id      TEXT NOT NULL,
		b_channel_id    TEXT NOT NULL,
		b_guild_id      TEXT NOT NULL DEFAULT '',
		a_webhook_id    TEXT NOT NULL DEFAULT '',
		a_webhook_token TEXT NOT NULL DEFAULT '',
		b_webhook_id    TEXT NOT NULL DEFAULT '',
		b_webhook_token TEXT NOT NULL DEFAULT '',
		is_active       INTEGER NOT NULL DEFAULT 1,
		sync_uploads    INTEGER NOT NULL DEFAULT 0,
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL,
		UNIQUE (a_channel_id, b_channel_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bridge_pairs_a_channel ON bridge_pairs (a_channel_id)`,
	`CREATE INDEX IF NOT EXISTS idx_bridge_pairs_b_channel ON bridge_pairs (b_channel_id)`,
	`CREATE TABLE IF NOT EXISTS message_map (
		pair_id         TEXT NOT NULL,
		source_platform TEXT NOT NULL,
		source_msg_id   TEXT NOT NULL,
		dest_platform   TEXT NOT NULL,
		dest_msg_id     TEXT NOT NULL,
		created_at      TIMESTAMP NOT NULL,
		PRIMARY KEY (pair_id, source_platform, source_msg_id)
	)`,
}

// EnsureSchema creates missing tables and indexes. Statements are idempotent
// so it runs unconditionally on every startup.
func EnsureSchema(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}
	return nil
}

// isUniqueViolation matches SQLite's constraint error text. The driver does
// not export a typed error for it.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
