package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ErrLockNotAcquired is returned when another runner holds the delta set lock.
var ErrLockNotAcquired = errors.New("delta set lock is held by another runner")

// MySQLLockTimeout is how long GET_LOCK waits for another runner to finish.
var MySQLLockTimeout = 60 * time.Second //nolint:gochecknoglobals

// Unlock releases a lock taken by ChangeLog.Lock.
type Unlock func(ctx context.Context) error

func noopUnlock(context.Context) error { return nil }

// Lock takes an advisory lock keyed by delta set and holds it until the
// returned Unlock is called. Postgres uses a session-level advisory lock on a
// dedicated connection, MySQL uses GET_LOCK. SQLite is single-writer and
// needs no lock.
func (c *ChangeLog) Lock(ctx context.Context, deltaSet string) (Unlock, error) {
	switch c.db.DriverName() {
	case DriverPostgres, DriverPgx:
		return c.lockPostgres(ctx, deltaSet)
	case DriverMySQL:
		return c.lockMySQL(ctx, deltaSet)
	default:
		return noopUnlock, nil
	}
}

// LockKey is the 64-bit advisory lock key of a delta set.
func LockKey(deltaSet string) int64 {
	return int64(xxhash.Sum64String("dbupdater:" + deltaSet)) //nolint:gosec // wrap-around is fine for a lock key
}

func lockName(deltaSet string) string {
	// GET_LOCK names are limited to 64 characters.
	return fmt.Sprintf("dbupdater_%016x", uint64(LockKey(deltaSet))) //nolint:gosec
}

func (c *ChangeLog) lockPostgres(ctx context.Context, deltaSet string) (Unlock, error) {
	conn, err := c.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get lock connection: %w", ErrStoreUnavailable, err)
	}

	key := LockKey(deltaSet)
	_, err = conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", key)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: failed to take advisory lock: %w", ErrStoreUnavailable, err)
	}

	return func(ctx context.Context) error {
		defer func() { _ = conn.Close() }()

		_, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", key)
		if err != nil {
			return fmt.Errorf("failed to release advisory lock: %w", err)
		}
		return nil
	}, nil
}

func (c *ChangeLog) lockMySQL(ctx context.Context, deltaSet string) (Unlock, error) {
	conn, err := c.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get lock connection: %w", ErrStoreUnavailable, err)
	}

	name := lockName(deltaSet)
	var acquired sql.NullInt64
	err = conn.GetContext(ctx, &acquired, "SELECT GET_LOCK(?, ?)", name, int(MySQLLockTimeout.Seconds()))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: failed to take named lock: %w", ErrStoreUnavailable, err)
	}
	if !acquired.Valid || acquired.Int64 != 1 {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, deltaSet)
	}

	return func(ctx context.Context) error {
		defer func() { _ = conn.Close() }()

		_, err := conn.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", name)
		if err != nil {
			return fmt.Errorf("failed to release named lock: %w", err)
		}
		return nil
	}, nil
}
