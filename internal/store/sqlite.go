// Package store provides storage backends for StepFlow.
//
// This file implements an SQLite-backed conversation store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	"github.com/BTreeMap/StepFlow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
	// sqliteDSNParams makes concurrent writers wait and take the write lock up front.
	sqliteDSNParams = "_busy_timeout=5000&_txlock=immediate"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

var sqliteDialect = sqlDialect{
	name: DriverSQLite,
	get: `SELECT state_json, expectation_json, pending_replies_json, created_at, updated_at
		FROM conversations WHERE id = ?`,
	load: `SELECT state_json, expectation_json, pending_replies_json, created_at, updated_at
		FROM conversations WHERE id = ?`,
	upsert: `INSERT INTO conversations (id, state_json, expectation_json, pending_replies_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state_json = excluded.state_json,
			expectation_json = excluded.expectation_json,
			pending_replies_json = excluded.pending_replies_json,
			updated_at = excluded.updated_at`,
}

// SQLiteStore persists conversations in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements ConversationStore.
var _ ConversationStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(ctx context.Context, opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	if !strings.Contains(dsn, "?") {
		dsn += "?" + sqliteDSNParams
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, storeError("open sqlite", err)
	}
	// A single connection serializes writers inside the process.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, storeError("ping sqlite", err)
	}
	slog.Debug("SQLite ping successful")

	if _, err := db.ExecContext(ctx, sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("%w: failed to run migrations: %w", ErrStateStore, err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := getConversation(ctx, s.db, sqliteDialect, id)
	if err != nil {
		slog.Error("SQLiteStore GetConversation failed", "error", err, "conversationID", id)
		return nil, err
	}
	return conv, nil
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, id string, fn UpdateFunc) (*models.Conversation, error) {
	conv, err := runConversationUpdate(ctx, s.db, sqliteDialect, id, fn)
	if err != nil {
		slog.Debug("SQLiteStore UpdateConversation aborted", "error", err, "conversationID", id)
		return nil, err
	}
	slog.Debug("SQLiteStore UpdateConversation succeeded", "conversationID", id, "keys", len(conv.State))
	return conv, nil
}

// DeleteConversation removes a conversation row.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return storeError("delete conversation", err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
