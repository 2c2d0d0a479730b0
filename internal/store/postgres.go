package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/jackc/pgx/v5/stdlib"
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
	// DefaultPostgresDriver is the database/sql driver used when none is configured
	DefaultPostgresDriver = "postgres"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// NewPostgresStore creates a new Postgres-backed store based on provided options.
func NewPostgresStore(opts ...Option) (*Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Store.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "", "driver", cfg.Driver)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("Store.NewPostgresStore: DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}
	driver := cfg.Driver
	switch driver {
	case "":
		driver = DefaultPostgresDriver
	case "postgres", "pgx":
	default:
		return nil, fmt.Errorf("unsupported postgres driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		slog.Error("Store.NewPostgresStore: failed to open connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Store.NewPostgresStore: ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Store.NewPostgresStore: running migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Store.NewPostgresStore: failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Store.NewPostgresStore: migrations applied successfully")
	return newStore(db, dialectPostgres, cfg.Clock), nil
}
