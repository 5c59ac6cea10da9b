// Package store persists the run journal and process records in SQLite.
package store

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNotFound means no run or process record has the requested key.
	ErrNotFound = errors.New("record not found")

	// ErrRunExists means a run with the same id is already journaled.
	ErrRunExists = errors.New("run already recorded")

	// ErrConnectionFailed means the journal database could not be opened.
	ErrConnectionFailed = errors.New("journal database unavailable")

	// ErrMigrationFailed means the journal schema could not be brought up
	// to date.
	ErrMigrationFailed = errors.New("journal migration failed")
)

// StoreError names the journal operation and the record it touched.
type StoreError struct {
	Op      string // e.g. "CreateRun", "RecordProcess"
	Kind    string // "run" or "process"
	Key     string // run id or process name
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Kind, e.Key, e.Message)
	}
	if e.Kind != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a StoreError.
func NewStoreError(op, kind, key, message string, err error) *StoreError {
	return &StoreError{
		Op:      op,
		Kind:    kind,
		Key:     key,
		Message: message,
		Err:     err,
	}
}
