package memory

import (
	"database/sql"
	"errors"
	"fmt"
)

// migration is one schema step.
type migration struct {
	version int
	up      func(tx *sql.Tx) error
}

var migrations = []migration{
	{
		version: 1,
		up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE entries (
					id             TEXT PRIMARY KEY,
					session_id     TEXT NOT NULL,
					continuity_key TEXT NOT NULL DEFAULT '',
					role           TEXT NOT NULL,
					content        TEXT NOT NULL,
					created_at     TEXT NOT NULL
				);
				CREATE INDEX idx_entries_session ON entries (session_id, created_at DESC);
				CREATE INDEX idx_entries_continuity ON entries (continuity_key, created_at DESC);
			`)
			return err
		},
	},
	{
		version: 2,
		up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE usage (
					id            INTEGER PRIMARY KEY AUTOINCREMENT,
					session_id    TEXT NOT NULL DEFAULT '',
					provider      TEXT NOT NULL,
					model         TEXT NOT NULL DEFAULT '',
					input_tokens  INTEGER NOT NULL DEFAULT 0,
					output_tokens INTEGER NOT NULL DEFAULT 0,
					created_at    TEXT NOT NULL
				);
				CREATE INDEX idx_usage_created ON usage (created_at DESC);
			`)
			return err
		},
	},
}

// runMigrations applies every migration newer than the recorded version.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (0)"); err != nil {
			return fmt.Errorf("insert initial schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if err := m.up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec("UPDATE schema_version SET version = ?", m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("update schema version to %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}
