package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"                     // PostgreSQL driver
	_ "github.com/ncruces/go-sqlite3/driver"  // SQLite driver
	_ "github.com/ncruces/go-sqlite3/embed"   // Embedded SQLite runtime
)

// Backend identifies the SQL dialect behind a connection.
type Backend string

// Supported backends.
const (
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

// ErrNoDatabaseConnection is returned when a store is created without a
// connection.
var ErrNoDatabaseConnection = errors.New("database connection is required")

const healthCheckTimeout = 5 * time.Second

// Connection wraps a database handle with backend awareness. Queries are
// written once with PostgreSQL $N placeholders; Rebind translates them for
// SQLite.
type Connection struct {
	db      *sql.DB
	backend Backend
}

// NewConnection opens a database connection from the configuration. URLs
// with a postgres scheme use the PostgreSQL driver; anything else is
// treated as a SQLite file path.
func NewConnection(cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backend := detectBackend(cfg.databaseURL)

	var (
		db  *sql.DB
		err error
	)

	switch backend {
	case BackendPostgres:
		db, err = sql.Open("postgres", cfg.databaseURL)
	case BackendSQLite:
		db, err = sql.Open("sqlite3", "file:"+strings.TrimPrefix(cfg.databaseURL, "sqlite://"))
	}

	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if backend == BackendSQLite {
		// SQLite is single-writer; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	return &Connection{db: db, backend: backend}, nil
}

func detectBackend(url string) Backend {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return BackendPostgres
	}

	return BackendSQLite
}

// Backend returns the dialect behind this connection.
func (c *Connection) Backend() Backend {
	return c.backend
}

// DB exposes the raw handle for the migration runner.
func (c *Connection) DB() *sql.DB {
	return c.db
}

// Rebind translates $N placeholders to SQLite's ? form when needed.
// Queries in this package keep placeholders in strictly ascending order
// without reuse, so the positional translation is exact.
func (c *Connection) Rebind(query string) string {
	if c.backend == BackendPostgres {
		return query
	}

	var b strings.Builder

	b.Grow(len(query))

	for i := 0; i < len(query); i++ {
		if query[i] != '$' {
			b.WriteByte(query[i])

			continue
		}

		j := i + 1
		for j < len(query) && query[j] >= '0' && query[j] <= '9' {
			j++
		}

		if j == i+1 {
			b.WriteByte(query[i])

			continue
		}

		b.WriteByte('?')
		i = j - 1
	}

	return b.String()
}

// ExecContext executes a statement after placeholder translation.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, c.Rebind(query), args...)
}

// QueryContext runs a query after placeholder translation.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, c.Rebind(query), args...)
}

// QueryRowContext runs a single-row query after placeholder translation.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, c.Rebind(query), args...)
}

// BeginTx starts a transaction.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.db.BeginTx(ctx, opts)
}

// HealthCheck verifies the database answers within a bounded window.
func (c *Connection) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

// Close releases the connection pool.
func (c *Connection) Close() error {
	return c.db.Close()
}
