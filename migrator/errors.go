package migrator

import (
	"errors"
	"fmt"
)

// Kind classifies why a run ended in the Failed state.
type Kind string

// Failure kinds.
const (
	KindStoreUnavailable      Kind = "StoreUnavailable"
	KindLockNotAcquired       Kind = "LockNotAcquired"
	KindCatalogUnavailable    Kind = "CatalogUnavailable"
	KindMalformedFilename     Kind = "MalformedFilename"
	KindDuplicateChangeNumber Kind = "DuplicateChangeNumber"
	KindStatementFailure      Kind = "StatementFailure"
	KindReportFailure         Kind = "ReportFailure"
)

// ErrStatementFailed matches every *StatementError.
var ErrStatementFailed = errors.New("statement failed")

// StatementError describes a statement of a change script that the database rejected.
type StatementError struct {
	Filename  string
	Index     int
	Statement string
	Err       error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("statement %d failed: %v", e.Index, e.Err)
}

// Unwrap returns ErrStatementFailed and the driver error.
func (e *StatementError) Unwrap() []error {
	return []error{ErrStatementFailed, e.Err}
}

// RunError is the terminal error of a run. Phase is the state the run was in
// when it failed; Filename is set when a particular change script was involved.
type RunError struct {
	Phase    State
	Kind     Kind
	Filename string
	Err      error
}

func (e *RunError) Error() string {
	if e.Filename != "" {
		return fmt.Sprintf("migration failed in %s (%s): %s: %v", e.Phase, e.Filename, e.Kind, e.Err)
	}
	return fmt.Sprintf("migration failed in %s: %s: %v", e.Phase, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *RunError) Unwrap() error {
	return e.Err
}
