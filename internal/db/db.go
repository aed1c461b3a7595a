// Package db provides SQLite database access for patchlore.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/patchlore/patchlore/internal/config"
	"github.com/patchlore/patchlore/internal/logging"
)

// DB wraps the SQL database handle.
type DB struct {
	*sql.DB
	logger zerolog.Logger
}

// Open opens (or creates) the SQLite database at the configured path.
func Open(cfg config.DatabaseConfig, path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		path, cfg.BusyTimeoutMs)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxConnections)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{
		DB:     sqlDB,
		logger: logging.Component("db"),
	}, nil
}

// OpenInMemory opens an in-memory database, used by tests.
func OpenInMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}

	// A single connection keeps every query on the same in-memory store.
	sqlDB.SetMaxOpenConns(1)

	return &DB{
		DB:     sqlDB,
		logger: logging.Component("db"),
	}, nil
}

// Migrate creates the schema if it does not exist.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// Transaction runs fn inside a transaction, committing on nil error and
// rolling back otherwise.
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// querier is the subset of statement execution shared by *sql.Tx and the
// DB handle, so repository statements can run inside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// isUniqueConstraintError reports whether err is a SQLite uniqueness
// violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "constraint_unique") ||
		strings.Contains(message, "sqlite_constraint")
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS feed_messages (
		id TEXT PRIMARY KEY,
		subsystem_name TEXT NOT NULL,
		message_id_header TEXT NOT NULL UNIQUE,
		message_id TEXT,
		in_reply_to_header TEXT,
		subject TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		author_email TEXT NOT NULL DEFAULT '',
		content TEXT,
		url TEXT,
		received_at TEXT,
		is_patch INTEGER NOT NULL DEFAULT 0,
		is_reply INTEGER NOT NULL DEFAULT 0,
		is_series_patch INTEGER NOT NULL DEFAULT 0,
		is_cover_letter INTEGER NOT NULL DEFAULT 0,
		patch_version INTEGER NOT NULL DEFAULT 0,
		patch_index INTEGER,
		patch_total INTEGER,
		series_message_id TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_feed_messages_in_reply_to
		ON feed_messages(in_reply_to_header)`,
	`CREATE INDEX IF NOT EXISTS idx_feed_messages_series
		ON feed_messages(series_message_id)`,
	`CREATE TABLE IF NOT EXISTS patch_cards (
		message_id_header TEXT PRIMARY KEY,
		subsystem_name TEXT NOT NULL,
		platform_message_id TEXT NOT NULL,
		platform_channel_id TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		url TEXT,
		expires_at TEXT NOT NULL,
		is_series_patch INTEGER NOT NULL DEFAULT 0,
		series_message_id TEXT,
		patch_version INTEGER NOT NULL DEFAULT 0,
		patch_index INTEGER,
		patch_total INTEGER,
		has_thread INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_patch_cards_series
		ON patch_cards(series_message_id)`,
	`CREATE TABLE IF NOT EXISTS patch_threads (
		card_message_id_header TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL UNIQUE,
		thread_name TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		overview_message_id TEXT,
		sub_patch_messages_json TEXT,
		created_at TEXT NOT NULL,
		archived_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS filter_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		enabled INTEGER NOT NULL DEFAULT 1,
		exclusive INTEGER NOT NULL DEFAULT 0,
		conditions_json TEXT NOT NULL DEFAULT '{}',
		description TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS subsystems (
		name TEXT PRIMARY KEY,
		subscribed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}
