package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a job or song row does not exist.
var ErrNotFound = errors.New("not found")

// Dialect selects SQL flavour differences between backends.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DefaultMaxRetries applies when an enqueue does not name a retry budget.
const DefaultMaxRetries = 3

// Store persists jobs and library rows in SQLite or Postgres.
type Store struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for every timestamp the store writes.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// Open connects to the database named by dsn. A postgres:// DSN uses pgx,
// anything else is treated as a SQLite file path.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	s := &Store{clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		s.dialect = DialectPostgres
		s.db, err = sql.Open("pgx", dsn)
	} else {
		s.dialect = DialectSQLite
		s.db, err = openSQLite(dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.dialect, err)
	}
	if err := s.db.PingContext(ctx); err != nil {
		_ = s.db.Close()
		return nil, fmt.Errorf("ping %s: %w", s.dialect, err)
	}
	return s, nil
}

func openSQLite(dsn string) (*sql.DB, error) {
	path, params, _ := strings.Cut(dsn, "?")
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	defaults := "_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate&_loc=UTC"
	if params != "" {
		defaults = params + "&" + defaults
	}
	db, err := sql.Open("sqlite3", path+"?"+defaults)
	if err != nil {
		return nil, err
	}
	// One writer connection per process; other processes wait on busy_timeout.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Dialect reports the backend in use.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Ping checks connectivity for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// placeholders returns "?, ?, ?" with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if v.Valid {
		return &v.String
	}
	return nil
}

func timePtr(v sql.NullTime) *time.Time {
	if v.Valid {
		t := v.Time.UTC()
		return &t
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
