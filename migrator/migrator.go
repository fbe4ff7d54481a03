// Package migrator applies pending change scripts of a delta set, one
// transaction per script, and keeps the change log in step with what has
// durably run.
package migrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/platforma-dev/dbupdater/catalog"
	"github.com/platforma-dev/dbupdater/database"
	"github.com/platforma-dev/dbupdater/log"
	"github.com/platforma-dev/dbupdater/report"
)

// State is a step of a run.
type State string

// Run states. A successful run goes Idle, DeterminingWatermark, Cataloging,
// then Applying and Recording once per pending script, Reporting and Done.
const (
	StateIdle                 State = "Idle"
	StateDeterminingWatermark State = "DeterminingWatermark"
	StateCataloging           State = "Cataloging"
	StateApplying             State = "Applying"
	StateRecording            State = "Recording"
	StateReporting            State = "Reporting"
	StateDone                 State = "Done"
	StateFailed               State = "Failed"
)

// Result describes a finished run, successful or not.
type Result struct {
	DeltaSet       string
	TraceID        string
	State          State
	StartWatermark int
	Watermark      int
	Applied        []catalog.ChangeScript
}

// Options configures a Runner.
type Options struct {
	// Reporter renders the summary of a successful run.
	Reporter report.Reporter
	// Out receives the summary and failure reports. Defaults to io.Discard.
	Out io.Writer
	// Lock takes an advisory lock on the delta set for the duration of a run.
	Lock bool
}

// Runner applies change scripts against one database.
type Runner struct {
	db        *sqlx.DB
	changeLog *database.ChangeLog
	reporter  report.Reporter
	out       io.Writer
	lock      bool
}

// New creates a Runner for db.
func New(db *database.Database, opts Options) *Runner {
	out := opts.Out
	if out == nil {
		out = io.Discard
	}

	return &Runner{
		db:        db.Connection(),
		changeLog: db.ChangeLog(),
		reporter:  opts.Reporter,
		out:       out,
		lock:      opts.Lock,
	}
}

type run struct {
	result *Result
	event  *log.Event
}

func (r *run) enter(ctx context.Context, state State, detail ...any) {
	r.result.State = state

	name := string(state)
	if len(detail) > 0 {
		name = fmt.Sprintf("%s(%v)", state, detail[0])
	}
	r.event.AddStep(slog.LevelDebug, name)
	log.DebugContext(ctx, "migration state changed", "state", name)
}

func (r *run) fail(ctx context.Context, kind Kind, filename string, err error) (*Result, error) {
	runErr := &RunError{Phase: r.result.State, Kind: kind, Filename: filename, Err: err}

	r.result.State = StateFailed
	r.event.AddStep(slog.LevelError, string(StateFailed))
	r.event.AddError(runErr)
	log.ErrorContext(ctx, "migration failed", "phase", runErr.Phase, "kind", kind, "error", err)

	return r.result, runErr
}

// Run brings deltaSet up to date with the change scripts in fsys. Scripts
// are applied in ascending change number order, each in its own
// transaction together with its change log entry. The first failure rolls
// back the failing script, stops the run and is returned as a *RunError;
// scripts committed before it stay applied.
func (r *Runner) Run(ctx context.Context, deltaSet string, fsys fs.FS) (*Result, error) {
	traceID := uuid.NewString()
	ctx = context.WithValue(ctx, log.DeltaSetKey, deltaSet)
	ctx = context.WithValue(ctx, log.TraceIDKey, traceID)

	current := &run{
		result: &Result{DeltaSet: deltaSet, TraceID: traceID, State: StateIdle, Applied: []catalog.ChangeScript{}},
		event:  log.NewEvent("migration run"),
	}
	defer func() {
		current.event.AddAttrs(map[string]any{
			"state":          string(current.result.State),
			"startWatermark": current.result.StartWatermark,
			"watermark":      current.result.Watermark,
			"applied":        len(current.result.Applied),
		})
		log.WriteEvent(ctx, current.event)
	}()

	current.enter(ctx, StateDeterminingWatermark)

	if r.lock {
		unlock, err := r.changeLog.Lock(ctx, deltaSet)
		if err != nil {
			if errors.Is(err, database.ErrLockNotAcquired) {
				return current.fail(ctx, KindLockNotAcquired, "", err)
			}
			return current.fail(ctx, KindStoreUnavailable, "", err)
		}
		defer func() {
			err := unlock(context.WithoutCancel(ctx))
			if err != nil {
				log.WarnContext(ctx, "failed to release delta set lock", "error", err)
			}
		}()
	}

	err := r.changeLog.EnsureTable(ctx)
	if err != nil {
		return current.fail(ctx, KindStoreUnavailable, "", err)
	}

	watermark, err := r.changeLog.Watermark(ctx, deltaSet)
	if err != nil {
		return current.fail(ctx, KindStoreUnavailable, "", err)
	}
	current.result.StartWatermark = watermark
	current.result.Watermark = watermark

	current.enter(ctx, StateCataloging)

	pending, err := catalog.ListPending(fsys, watermark)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrMalformedFilename):
			return current.fail(ctx, KindMalformedFilename, "", err)
		case errors.Is(err, catalog.ErrDuplicateChangeNumber):
			return current.fail(ctx, KindDuplicateChangeNumber, "", err)
		default:
			return current.fail(ctx, KindCatalogUnavailable, "", err)
		}
	}

	log.InfoContext(ctx, "pending change scripts found", "watermark", watermark, "pending", len(pending))

	for _, script := range pending {
		kind, err := r.apply(ctx, current, script)
		if err != nil {
			return current.fail(ctx, kind, script.Filename, err)
		}

		current.result.Applied = append(current.result.Applied, script)
		current.result.Watermark = script.ChangeNumber
	}

	current.enter(ctx, StateReporting)

	err = r.reporter.Summary(r.out, deltaSet, current.result.Applied)
	if err != nil {
		return current.fail(ctx, KindReportFailure, "", err)
	}

	current.enter(ctx, StateDone)

	return current.result, nil
}

// apply runs one script and its change log entry in a single transaction.
// On failure the failure report is written and the transaction rolled back.
func (r *Runner) apply(ctx context.Context, current *run, script catalog.ChangeScript) (Kind, error) {
	ctx = context.WithValue(ctx, log.ScriptKey, script.Filename)

	current.enter(ctx, StateApplying, script.ChangeNumber)

	statements, err := script.Statements()
	if err != nil {
		r.reportFailure(ctx, script, err)
		return KindCatalogUnavailable, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return KindStoreUnavailable, fmt.Errorf("%w: failed to begin transaction: %w", database.ErrStoreUnavailable, err)
	}

	for i, statement := range statements {
		_, err := tx.ExecContext(ctx, statement)
		if err != nil {
			r.abort(ctx, tx, script, err)
			return KindStatementFailure, &StatementError{Filename: script.Filename, Index: i + 1, Statement: statement, Err: err}
		}
	}

	current.enter(ctx, StateRecording, script.ChangeNumber)

	err = r.changeLog.Record(ctx, tx, database.Entry{
		ChangeNumber:    script.ChangeNumber,
		ChangeTimestamp: script.ChangeTimestamp,
		DeltaSet:        current.result.DeltaSet,
		Filename:        script.Filename,
	})
	if err != nil {
		r.abort(ctx, tx, script, err)
		return KindStoreUnavailable, err
	}

	err = tx.Commit()
	if err != nil {
		r.abort(ctx, tx, script, err)
		return KindStoreUnavailable, fmt.Errorf("%w: failed to commit transaction: %w", database.ErrStoreUnavailable, err)
	}

	log.InfoContext(ctx, "change script applied", "changeNumber", script.ChangeNumber, "statements", len(statements))

	return "", nil
}

func (r *Runner) reportFailure(ctx context.Context, script catalog.ChangeScript, cause error) {
	err := report.Failure(r.out, script.Filename, cause)
	if err != nil {
		log.WarnContext(ctx, "failed to write failure report", "error", err)
	}
}

func (r *Runner) abort(ctx context.Context, tx *sqlx.Tx, script catalog.ChangeScript, cause error) {
	r.reportFailure(ctx, script, cause)

	err := tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.ErrorContext(ctx, "failed to roll back change script", "error", err)
	}
}
