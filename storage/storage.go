package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert collides with an existing row.
	ErrDuplicate = errors.New("duplicate")
)

// dialect captures what differs between the supported database backends.
type dialect interface {
	Name() string
	DriverName() string
	Rebind(query string) string
	Schema() []string
}

// DB wraps the database connection and provides storage operations.
type DB struct {
	conn    *sql.DB
	dialect dialect
}

// Open connects to the database for the given driver ("sqlite" or
// "postgres") and initializes the schema. For sqlite dsn is a file path.
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case "", "sqlite":
		return NewDB(dsn)
	case "postgres":
		return open(postgresDialect{}, dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewDB opens a SQLite database at path and initializes the schema.
func NewDB(path string) (*DB, error) {
	return open(sqliteDialect{}, sqliteDSN(path))
}

func open(d dialect, dsn string) (*DB, error) {
	conn, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if d.Name() == "sqlite" {
		// Single writer; concurrent analyzer goroutines queue on the pool.
		conn.SetMaxOpenConns(1)
	}

	db := &DB{conn: conn, dialect: d}
	if err := db.initSchema(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Driver returns the backend name.
func (db *DB) Driver() string {
	return db.dialect.Name()
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) initSchema(ctx context.Context) error {
	for _, stmt := range db.dialect.Schema() {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.conn.ExecContext(ctx, db.dialect.Rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, db.dialect.Rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, db.dialect.Rebind(query), args...)
}

// withTx runs fn inside a transaction, rolling back on error.
func (db *DB) withTx(ctx context.Context, fn func(tx *txn) error) error {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&txn{tx: sqlTx, dialect: db.dialect}); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type txn struct {
	tx      *sql.Tx
	dialect dialect
}

func (t *txn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
}

func (t *txn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...)
}

// GetSetting retrieves a setting value by key.
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := db.queryRow(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetSetting stores a setting value.
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := db.exec(ctx, `
	INSERT INTO settings (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// Timestamps are stored as UTC unix milliseconds so that ordering and
// range comparisons behave identically on every backend.
func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func sqliteDSN(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string               { return "sqlite" }
func (sqliteDialect) DriverName() string         { return "sqlite" }
func (sqliteDialect) Rebind(query string) string { return query }
func (sqliteDialect) Schema() []string           { return commonSchema("REAL") }

type postgresDialect struct{}

func (postgresDialect) Name() string       { return "postgres" }
func (postgresDialect) DriverName() string { return "pgx" }
func (postgresDialect) Schema() []string   { return commonSchema("DOUBLE PRECISION") }

// Rebind rewrites ? placeholders into $1, $2, ...
func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
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

func commonSchema(floatType string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sources (
			name TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			url TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS articles (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			title TEXT NOT NULL,
			url TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			published_at BIGINT,
			fetched_at BIGINT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			UNIQUE (source, url)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_articles_status ON articles(status, fetched_at)`,
		`CREATE INDEX IF NOT EXISTS idx_articles_fetched_at ON articles(fetched_at)`,
		`CREATE TABLE IF NOT EXISTS analyses (
			article_id TEXT PRIMARY KEY REFERENCES articles(id) ON DELETE CASCADE,
			summary TEXT NOT NULL,
			sentiment TEXT NOT NULL,
			topics TEXT NOT NULL DEFAULT '[]',
			mentioned_assets TEXT NOT NULL DEFAULT '[]',
			market_implication TEXT NOT NULL DEFAULT '',
			lexicon_score ` + floatType + ` NOT NULL DEFAULT 0,
			model TEXT NOT NULL DEFAULT '',
			analyzed_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_analyses_sentiment ON analyses(sentiment)`,
		`CREATE TABLE IF NOT EXISTS query_cache (
			query_hash TEXT PRIMARY KEY,
			question TEXT NOT NULL,
			answer TEXT NOT NULL,
			article_ids TEXT NOT NULL DEFAULT '[]',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
}
