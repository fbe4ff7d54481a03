// Package database provides the database connection and the change log store
// that records which change scripts have been applied.
package database

import (
	"context"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver registered as "pgx"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver
)

// Supported driver names.
const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// ErrUnsupportedDriver is returned by New for a driver name it does not know.
var ErrUnsupportedDriver = errors.New("unsupported database driver")

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know about.
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Database represents a database connection together with its change log.
type Database struct {
	conn      *sqlx.DB
	changeLog *ChangeLog
}

// New creates a new Database instance with the given driver and connection string.
func New(driver, connection string) (*Database, error) {
	switch driver {
	case DriverPostgres, DriverPgx, DriverMySQL, DriverSQLite:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := sqlx.Connect(driver, connection)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to database: %w", ErrStoreUnavailable, err)
	}

	// SQLite allows a single writer at a time.
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	return &Database{conn: db, changeLog: NewChangeLog(db)}, nil
}

// Connection returns the underlying sqlx database connection.
func (db *Database) Connection() *sqlx.DB {
	return db.conn
}

// ChangeLog returns the change log store bound to this connection.
func (db *Database) ChangeLog() *ChangeLog {
	return db.changeLog
}

// Ping checks that the database is still reachable.
func (db *Database) Ping(ctx context.Context) error {
	err := db.conn.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to ping database: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the connection pool.
func (db *Database) Close() error {
	err := db.conn.Close()
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
