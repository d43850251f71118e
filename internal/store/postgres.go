// Package store provides storage backends for StepFlow.
//
// This file implements a PostgreSQL-backed conversation store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/StepFlow/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

var postgresDialect = sqlDialect{
	name: DriverPostgres,
	ensure: `INSERT INTO conversations (id, state_json, created_at, updated_at)
		VALUES ($1, '{}'::jsonb, $2, $2) ON CONFLICT (id) DO NOTHING`,
	get: `SELECT state_json::text, expectation_json::text, pending_replies_json::text, created_at, updated_at
		FROM conversations WHERE id = $1`,
	load: `SELECT state_json::text, expectation_json::text, pending_replies_json::text, created_at, updated_at
		FROM conversations WHERE id = $1 FOR UPDATE`,
	upsert: `INSERT INTO conversations (id, state_json, expectation_json, pending_replies_json, created_at, updated_at)
		VALUES ($1, $2::jsonb, $3::jsonb, $4::jsonb, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			state_json = EXCLUDED.state_json,
			expectation_json = EXCLUDED.expectation_json,
			pending_replies_json = EXCLUDED.pending_replies_json,
			updated_at = EXCLUDED.updated_at`,
}

// PostgresStore persists conversations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements ConversationStore.
var _ ConversationStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(ctx context.Context, opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, storeError("open postgres", err)
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, storeError("ping postgres", err)
	}
	slog.Debug("Postgres ping successful")

	if _, err := db.ExecContext(ctx, postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("%w: failed to run migrations: %w", ErrStateStore, err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := getConversation(ctx, s.db, postgresDialect, id)
	if err != nil {
		slog.Error("PostgresStore GetConversation failed", "error", err, "conversationID", id)
		return nil, err
	}
	return conv, nil
}

// UpdateConversation locks the conversation row for the duration of fn.
func (s *PostgresStore) UpdateConversation(ctx context.Context, id string, fn UpdateFunc) (*models.Conversation, error) {
	conv, err := runConversationUpdate(ctx, s.db, postgresDialect, id, fn)
	if err != nil {
		slog.Debug("PostgresStore UpdateConversation aborted", "error", err, "conversationID", id)
		return nil, err
	}
	slog.Debug("PostgresStore UpdateConversation succeeded", "conversationID", id, "keys", len(conv.State))
	return conv, nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id); err != nil {
		return storeError("delete conversation", err)
	}
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}
