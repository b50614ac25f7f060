// Package database opens and migrates the embedded SQL store backing the
// flags and hfi tables, wrapping either mattn/go-sqlite3 (the default,
// single-file backend) or jackc/pgx (an optional Postgres backend) behind
// the same DB type.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ctfops/flagfarm/internal/ferrors"
)

// DB wraps a database/sql handle (SqlDB) for either backend, selected by
// Type. For Postgres, Pool additionally holds a pgx connection pool; for
// SQLite, Pool is nil.
type DB struct {
	Pool   *pgxpool.Pool
	SqlDB  *sql.DB
	Type   string
	Logger *zap.Logger
}

// Config holds database connection parameters.
type Config struct {
	Type     string // "sqlite" or "postgres"
	URL      string
	MaxConns int
	MinConns int
}

// New opens the store and ensures the flags/hfi schema exists.
func New(cfg Config, logger *zap.Logger) (*DB, error) {
	var db *DB
	var err error

	switch cfg.Type {
	case "postgres", "postgresql":
		db, err = newPostgresDB(cfg, logger)
	case "sqlite", "sqlite3", "":
		db, err = newSQLiteDB(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := db.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return db, nil
}

func newPostgresDB(cfg Config, logger *zap.Logger) (*DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("postgres connection established", zap.Int("max_conns", cfg.MaxConns))

	// internal/flagstore is single-writer by design and talks database/sql
	// regardless of backend. The pgxpool above is used for schema migration
	// and Ping; lib/pq backs this one dedicated database/sql connection,
	// which Conn() hands to internal/flagstore and internal/hfi for all of
	// their reads and writes.
	writerConn, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("opening writer connection: %w", err)
	}
	writerConn.SetMaxOpenConns(1)

	return &DB{Pool: pool, SqlDB: writerConn, Type: "postgres", Logger: logger}, nil
}

func newSQLiteDB(cfg Config, logger *zap.Logger) (*DB, error) {
	path := cfg.URL
	if path == "" {
		path = ":memory:"
	}
	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// The store is single-writer by design (internal/flagstore); one
	// connection avoids SQLITE_BUSY entirely instead of retrying around it.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging sqlite database: %w", err)
	}

	logger.Info("sqlite connection established", zap.String("path", path))
	return &DB{SqlDB: sqlDB, Type: "sqlite", Logger: logger}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS flags (
	flag TEXT PRIMARY KEY,
	exploit TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	status INTEGER NOT NULL DEFAULT 0,
	submission_timestamp INTEGER,
	system_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_flags_status_timestamp ON flags(status, timestamp);

CREATE TABLE IF NOT EXISTS hfi (
	service_name TEXT NOT NULL,
	port INTEGER,
	delta TEXT PRIMARY KEY
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS flags (
	flag TEXT PRIMARY KEY,
	exploit TEXT NOT NULL,
	timestamp BIGINT NOT NULL,
	status SMALLINT NOT NULL DEFAULT 0,
	submission_timestamp BIGINT,
	system_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_flags_status_timestamp ON flags(status, timestamp);

CREATE TABLE IF NOT EXISTS hfi (
	service_name TEXT NOT NULL,
	port INTEGER,
	delta TEXT PRIMARY KEY
);
`

func (db *DB) migrate(ctx context.Context) error {
	if db.Type == "postgres" {
		_, err := db.Pool.Exec(ctx, postgresSchema)
		return err
	}
	_, err := db.SqlDB.ExecContext(ctx, sqliteSchema)
	return err
}

// Close releases the underlying connection(s).
func (db *DB) Close() {
	if db.Type == "postgres" {
		if db.Pool != nil {
			db.Pool.Close()
		}
		if db.SqlDB != nil {
			db.SqlDB.Close()
		}
		db.Logger.Info("postgres connections closed")
		return
	}
	if db.SqlDB != nil {
		db.SqlDB.Close()
		db.Logger.Info("sqlite connection closed")
	}
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	if db.Type == "postgres" {
		return db.Pool.Ping(ctx)
	}
	return db.SqlDB.PingContext(ctx)
}

// ErrNotFound is returned by single-row lookups with no match, wrapping
// ferrors.ErrNotFound so callers can branch with errors.Is.
var ErrNotFound = fmt.Errorf("row not found: %w", ferrors.ErrNotFound)

// Conn returns the single-connection database/sql handle used by the
// single-writer flag store, regardless of backend.
func (db *DB) Conn() *sql.DB {
	return db.SqlDB
}

// Postgres reports whether the backend speaks the Postgres ($1, $2, ...)
// placeholder dialect instead of SQLite's (?).
func (db *DB) Postgres() bool {
	return db.Type == "postgres"
}
