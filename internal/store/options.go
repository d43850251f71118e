package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Backend type names returned by DetectDSNType.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// DefaultKeyPrefix namespaces Redis keys.
const DefaultKeyPrefix = "stepflow:"

// Opts holds configuration options for the store backends.
type Opts struct {
	DSN       string // SQLite path, Postgres DSN or Redis URL
	Driver    string // explicit driver; detected from DSN when empty
	KeyPrefix string // Redis key namespace
}

// Option defines a configuration option for the store.
type Option func(*Opts)

// WithSQLiteDSN configures a SQLite database file.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = DriverSQLite
	}
}

// WithPostgresDSN configures a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = DriverPostgres
	}
}

// WithRedisURL configures a Redis URL such as redis://localhost:6379/0.
func WithRedisURL(url string) Option {
	return func(o *Opts) {
		o.DSN = url
		o.Driver = DriverRedis
	}
}

// WithDSN sets a DSN and lets Open detect the driver.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithKeyPrefix sets the Redis key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(o *Opts) {
		o.KeyPrefix = prefix
	}
}

// DetectDSNType returns the driver name implied by a DSN.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"),
		strings.Contains(lower, "host=") && strings.Contains(lower, "dbname="):
		return DriverPostgres
	case strings.HasPrefix(lower, "redis://"), strings.HasPrefix(lower, "rediss://"):
		return DriverRedis
	default:
		return DriverSQLite
	}
}

// Open builds the backend selected by the options. With no DSN it returns an
// in-memory store.
func Open(ctx context.Context, opts ...Option) (ConversationStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Debug("store.Open: no DSN provided, using in-memory store")
		return NewInMemoryStore(), nil
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DetectDSNType(cfg.DSN)
	}
	slog.Debug("store.Open: selecting backend", "driver", driver)

	switch driver {
	case DriverPostgres:
		return NewPostgresStore(ctx, opts...)
	case DriverRedis:
		return NewRedisStore(ctx, opts...)
	case DriverSQLite:
		return NewSQLiteStore(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}
