package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	defaultBusyTimeout = 5000
	counterName        = "prompts"
)

// Store wraps the SQL handle backing both the service counter and the local
// simulation's key-value table.
type Store struct {
	db      *sql.DB
	dialect dialect
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// ErrEmptyKey is returned when a key-value operation is given no key.
var ErrEmptyKey = errors.New("key is required")

// NewStore opens the database at dsn. Plain paths, file: and sqlite:// DSNs
// use SQLite; postgres:// and postgresql:// DSNs use Postgres. Call Close
// when done.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = "promptstats.db"
	}
	if isPostgres(dsn) {
		return openPostgres(dsn)
	}
	db, err := sql.Open("sqlite", buildDSN(dsn))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, dialect: dialectSQLite}, nil
}

func openPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, dialect: dialectPostgres}, nil
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=journal_mode=WAL", path, separator, defaultBusyTimeout)
}

// rebind rewrites ? placeholders for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 1
	for _, r := range query {
		if r == '?' {
			sb.WriteString(fmt.Sprintf("$%d", n))
			n++
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	valueType := "BLOB"
	if s.dialect == dialectPostgres {
		valueType = "BYTEA"
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS counters (
			name TEXT PRIMARY KEY,
			value BIGINT NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value ` + valueType + ` NOT NULL
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO counters(name, value) VALUES(?, 0) ON CONFLICT(name) DO NOTHING`), counterName); err != nil {
		return err
	}
	return tx.Commit()
}

// TotalPrompts returns the persisted prompt counter.
func (s *Store) TotalPrompts(ctx context.Context) (int64, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT value FROM counters WHERE name = ?`), counterName)
	var total int64
	if err := row.Scan(&total); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return total, nil
}

// IncrementPrompts atomically adds one to the counter and returns the new
// value.
func (s *Store) IncrementPrompts(ctx context.Context) (int64, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO counters(name, value) VALUES(?, 1)
		ON CONFLICT(name) DO UPDATE SET value = counters.value + 1
		RETURNING value
	`), counterName)
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// GetValue returns the value stored under key, or nil when there is none.
func (s *Store) GetValue(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT value FROM kv WHERE key = ?`), key)
	var value []byte
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return value, nil
}

// PutValue stores value under key, replacing any previous value.
func (s *Store) PutValue(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO kv(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`), key, value)
	return err
}

// DeleteValue removes key. Missing keys are not an error.
func (s *Store) DeleteValue(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM kv WHERE key = ?`), key)
	return err
}

// listValuesQuery matches the prefix by equality on the leading characters.
// Range comparisons would follow the column collation, which on Postgres is
// usually not byte order.
const listValuesQuery = `SELECT key, value FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key ASC`

// ListValues returns every key starting with prefix.
func (s *Store) ListValues(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(listValuesQuery), utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make(map[string][]byte)
	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		values[key] = value
	}
	return values, rows.Err()
}
