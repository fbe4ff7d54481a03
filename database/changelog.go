package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// TableName is the table that holds one row per applied change script.
const TableName = "db_change_log"

// ErrStoreUnavailable wraps every connectivity or query failure against the change log.
var ErrStoreUnavailable = errors.New("change log store unavailable")

// Entry is a durable record proving a change script was applied.
type Entry struct {
	ChangeNumber    int    `db:"change_number"`
	ChangeTimestamp string `db:"change_timestamp"`
	DeltaSet        string `db:"delta_set"`
	Filename        string `db:"filename"`
}

type namedExecer interface {
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
}

// ChangeLog reads and appends change log entries. It has no update or delete operations.
type ChangeLog struct {
	db *sqlx.DB
}

// NewChangeLog creates a change log store over the given connection.
func NewChangeLog(db *sqlx.DB) *ChangeLog {
	return &ChangeLog{db: db}
}

// EnsureTable creates the change log table when it does not exist yet.
func (c *ChangeLog) EnsureTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS ` + TableName + ` (
			change_number INTEGER NOT NULL,
			change_timestamp VARCHAR(32) NOT NULL,
			delta_set VARCHAR(255) NOT NULL,
			filename VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`
	_, err := c.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("%w: failed to create %s table: %w", ErrStoreUnavailable, TableName, err)
	}
	return nil
}

// Watermark returns the highest change number recorded for the delta set, or 0 when there is none.
func (c *ChangeLog) Watermark(ctx context.Context, deltaSet string) (int, error) {
	query := c.db.Rebind(`SELECT COALESCE(MAX(change_number), 0) FROM ` + TableName + ` WHERE delta_set = ?`)

	var watermark int
	err := c.db.GetContext(ctx, &watermark, query, deltaSet)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to select watermark: %w", ErrStoreUnavailable, err)
	}
	return watermark, nil
}

// Record inserts one entry through tx, so that it commits or rolls back
// together with the statements of the script it describes.
func (c *ChangeLog) Record(ctx context.Context, tx namedExecer, entry Entry) error {
	query := `
		INSERT INTO ` + TableName + ` (change_number, change_timestamp, delta_set, filename)
		VALUES (:change_number, :change_timestamp, :delta_set, :filename)
	`
	_, err := tx.NamedExecContext(ctx, query, entry)
	if err != nil {
		return fmt.Errorf("%w: failed to record change %d: %w", ErrStoreUnavailable, entry.ChangeNumber, err)
	}
	return nil
}

// Entries returns the applied entries of the delta set in ascending change number order.
func (c *ChangeLog) Entries(ctx context.Context, deltaSet string) ([]Entry, error) {
	query := c.db.Rebind(`
		SELECT change_number, change_timestamp, delta_set, filename
		FROM ` + TableName + `
		WHERE delta_set = ?
		ORDER BY change_number
	`)

	entries := []Entry{}
	err := c.db.SelectContext(ctx, &entries, query, deltaSet)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to select change log: %w", ErrStoreUnavailable, err)
	}
	return entries, nil
}
