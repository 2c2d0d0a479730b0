// Package store provides the relational persistence layer for CoachPipe.
//
// A single Store type talks to either PostgreSQL or SQLite through
// database/sql. Queries are written with '?' placeholders and rebound for the
// active dialect.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Opts holds configuration options for the store.
type Opts struct {
	DSN    string
	Driver string // "postgres" (lib/pq) or "pgx"; ignored for SQLite
	Clock  func() time.Time
}

// Option defines a configuration option for the store.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithDriver selects the PostgreSQL driver: "postgres" for lib/pq or "pgx"
// for the pgx stdlib adapter.
func WithDriver(driver string) Option {
	return func(o *Opts) { o.Driver = driver }
}

// WithClock overrides the time source used for claim and sweep timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite" for anything else (file paths).
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// Open creates a Store for the DSN in opts, choosing the backend by DSN type.
func Open(opts ...Option) (*Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Store is the CoachPipe data store.
type Store struct {
	db      *sql.DB
	dialect dialect
	clock   func() time.Time
}

func newStore(db *sql.DB, d dialect, clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: db, dialect: d, clock: clock}
}

// now returns the current time in UTC. All timestamps are stored in UTC so
// that SQLite's text comparison orders them correctly.
func (s *Store) now() time.Time {
	return s.clock().UTC()
}

// Dialect returns "postgres" or "sqlite".
func (s *Store) Dialect() string {
	return s.dialect.String()
}

// DB exposes the underlying connection pool for callers that share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	slog.Debug("Store.Close: closing database connection", "dialect", s.dialect)
	err := s.db.Close()
	if err != nil {
		slog.Error("Store.Close: failed to close database", "error", err)
	}
	return err
}

// rebind rewrites '?' placeholders to '$n' for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

// execAffected runs an update and returns the number of affected rows.
func (s *Store) execAffected(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected check failed: %w", err)
	}
	return n, nil
}
