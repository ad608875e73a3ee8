// ABOUTME: SQL implementation of the Store interface for SQLite (modernc) and Postgres (lib/pq)
// ABOUTME: Handles connection setup, schema creation, transactions and dialect differences

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements the Store interface on database/sql
type SQLStore struct {
	db      *sql.DB
	q       querier
	dialect dialect
	inTx    bool
	logger  *slog.Logger
}

var _ Store = (*SQLStore)(nil)

// Open creates a store for the given driver ("sqlite" or "postgres").
// For sqlite, source is a file path; for postgres it is a DSN.
func Open(driver, source string) (*SQLStore, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLiteStore(source)
	case "postgres":
		return NewPostgresStore(source)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := newSQLStore(db, dialectSQLite)
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// NewPostgresStore connects to Postgres using lib/pq and creates the schema.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	s := newSQLStore(db, dialectPostgres)
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info("Postgres store initialized")
	return s, nil
}

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		q:       db,
		dialect: d,
		logger:  slog.Default().With("component", "store"),
	}
}

// createSchema creates the database tables if they don't exist.
// Column types are chosen so the same DDL is valid for SQLite and Postgres.
func (s *SQLStore) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tool_servers (
			id                   TEXT PRIMARY KEY,
			name                 TEXT NOT NULL,
			display_name         TEXT NOT NULL,
			description          TEXT NOT NULL DEFAULT '',
			transport            TEXT NOT NULL,
			url                  TEXT,
			command              TEXT,
			args_json            TEXT,
			env_json             TEXT,
			headers_json         TEXT,
			credentials          TEXT,
			timeout_ms           INTEGER NOT NULL DEFAULT 30000,
			status               TEXT NOT NULL,
			is_builtin           BOOLEAN NOT NULL DEFAULT FALSE,
			auto_start           BOOLEAN NOT NULL DEFAULT FALSE,
			auto_update          BOOLEAN NOT NULL DEFAULT FALSE,
			last_health_check    TEXT,
			health_status        TEXT NOT NULL DEFAULT 'unknown',
			last_startup_success TEXT,
			last_startup_error   TEXT,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			max_failures         INTEGER NOT NULL DEFAULT 3,
			created_by           TEXT NOT NULL,
			created_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL,

			CHECK (status IN ('disabled', 'starting', 'enabled', 'stopping', 'error'))
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tool_servers_name ON tool_servers(name)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_servers_status ON tool_servers(status)`,

		`CREATE TABLE IF NOT EXISTS server_tools (
			id             TEXT PRIMARY KEY,
			server_id      TEXT NOT NULL REFERENCES tool_servers(id) ON DELETE CASCADE,
			name           TEXT NOT NULL,
			description    TEXT NOT NULL DEFAULT '',
			input_schema   TEXT,
			status         TEXT NOT NULL,
			is_available   BOOLEAN NOT NULL DEFAULT TRUE,
			total_calls    BIGINT NOT NULL DEFAULT 0,
			total_errors   BIGINT NOT NULL DEFAULT 0,
			avg_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_used_at   TEXT,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,

			CHECK (status IN ('enabled', 'disabled'))
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_server_tools_name ON server_tools(server_id, name)`,

		`CREATE TABLE IF NOT EXISTS tool_usage (
			id              TEXT PRIMARY KEY,
			server_id       TEXT NOT NULL REFERENCES tool_servers(id) ON DELETE CASCADE,
			tool_id         TEXT,
			tool_name       TEXT NOT NULL,
			user_id         TEXT,
			conversation_id TEXT,
			arguments       TEXT,
			result_summary  TEXT,
			latency_ms      BIGINT NOT NULL DEFAULT 0,
			success         BOOLEAN NOT NULL,
			error           TEXT,
			created_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_usage_server ON tool_usage(server_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_usage_created ON tool_usage(created_at)`,

		`CREATE TABLE IF NOT EXISTS tool_permissions (
			id                  TEXT PRIMARY KEY,
			user_id             TEXT NOT NULL,
			tool_id             TEXT REFERENCES server_tools(id) ON DELETE CASCADE,
			server_id           TEXT REFERENCES tool_servers(id) ON DELETE CASCADE,
			access_level        TEXT NOT NULL,
			rate_limit_per_hour INTEGER NOT NULL DEFAULT 0,
			rate_limit_per_day  INTEGER NOT NULL DEFAULT 0,
			allowed_hours_json  TEXT,
			allowed_days_json   TEXT,
			expires_at          TEXT,
			usage_count         BIGINT NOT NULL DEFAULT 0,
			last_used_at        TEXT,
			granted_by          TEXT NOT NULL,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL,

			CHECK ((tool_id IS NULL) <> (server_id IS NULL)),
			CHECK (access_level IN ('read_only', 'read_write', 'admin'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_permissions_user_tool ON tool_permissions(user_id, tool_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_permissions_user_server ON tool_permissions(user_id, server_id)`,

		`CREATE TABLE IF NOT EXISTS role_access_rules (
			id                  TEXT PRIMARY KEY,
			role                TEXT NOT NULL,
			tool_pattern        TEXT NOT NULL DEFAULT '',
			server_pattern      TEXT NOT NULL DEFAULT '',
			access_level        TEXT NOT NULL,
			rate_limit_per_hour INTEGER NOT NULL DEFAULT 0,
			rate_limit_per_day  INTEGER NOT NULL DEFAULT 0,
			allowed_hours_json  TEXT,
			allowed_days_json   TEXT,
			created_by          TEXT NOT NULL,
			created_at          TEXT NOT NULL,

			CHECK (access_level IN ('read_only', 'read_write', 'admin'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_role_access_rules_role ON role_access_rules(role)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	if s.inTx {
		return nil
	}
	return s.db.Close()
}

// WithTx runs fn in a transaction scoped store. The transaction is committed
// when fn returns nil and rolled back otherwise.
func (s *SQLStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	txStore := &SQLStore{
		db:      s.db,
		q:       tx,
		dialect: s.dialect,
		inTx:    true,
		logger:  s.logger,
	}

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rolling back transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.rebind(query), args...)
}

// execOne runs a statement that must affect exactly one row
func (s *SQLStore) execOne(ctx context.Context, query string, args ...any) error {
	result, err := s.exec(ctx, query, args...)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrConflict
		}
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// isConstraintViolation checks if the error is a unique constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// marshalJSON encodes v as a nullable JSON column
func marshalJSON(v any) (any, error) {
	switch val := v.(type) {
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	case []int:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(val) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding json column: %w", err)
	}
	return string(data), nil
}

func unmarshalJSON(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(ns.String), dst); err != nil {
		return fmt.Errorf("decoding json column: %w", err)
	}
	return nil
}
