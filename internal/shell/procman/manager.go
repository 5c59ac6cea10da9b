// Package procman starts, supervises and removes the long-running process
// group of each deployment context.
package procman

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/branchoff/branchoff/internal/core/domain"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrProcessNotFound = errors.New("process not found")
	ErrProcessExists   = errors.New("process already exists")
	ErrStartFailed     = errors.New("process failed to start")
	ErrInvalidSpec     = errors.New("invalid process spec")
)

// ProcessError wraps errors with the operation and process name.
type ProcessError struct {
	Op      string
	Name    string
	Message string
	Err     error
}

func (e *ProcessError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Name, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// NewProcessError creates a new ProcessError.
func NewProcessError(op, name, message string, err error) *ProcessError {
	return &ProcessError{Op: op, Name: name, Message: message, Err: err}
}

// =============================================================================
// Manager
// =============================================================================

// Spec describes a process group to start.
type Spec struct {
	Name      string
	Dir       string
	Script    string
	Args      []string
	Env       map[string]string
	Port      int
	Instances int
	ExecMode  string

	RestartDelay time.Duration
	MinUptime    time.Duration
	MaxRestarts  int

	// OutFile and ErrorFile are absolute log paths. They may be equal.
	OutFile   string
	ErrorFile string

	// Image is the container image for container backends.
	Image string
}

// Validate checks the fields every backend needs.
func (s Spec) Validate() error {
	switch {
	case s.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidSpec)
	case s.Dir == "":
		return fmt.Errorf("%w: dir is required", ErrInvalidSpec)
	case s.Script == "":
		return fmt.Errorf("%w: script is required", ErrInvalidSpec)
	}
	return nil
}

// Manager is a process manager backend.
type Manager interface {
	// Start launches a new process group. Starting a name that is already
	// managed fails with ErrProcessExists.
	Start(ctx context.Context, spec Spec) error
	// Stop stops the group but keeps it known so it can be deleted.
	Stop(ctx context.Context, name string) error
	// Delete stops and forgets the group.
	Delete(ctx context.Context, name string) error
	// List returns the state of every managed group.
	List(ctx context.Context) ([]domain.ProcessRecord, error)
	// Close stops every group.
	Close() error
}

// Recorder persists process state. Backends treat a nil Recorder as
// "don't persist".
type Recorder interface {
	RecordProcess(ctx context.Context, p domain.ProcessRecord) error
	GetProcess(ctx context.Context, name string) (*domain.ProcessRecord, error)
	DeleteProcess(ctx context.Context, name string) error
}

// Replace deletes any group called spec.Name and starts spec in its place.
func Replace(ctx context.Context, m Manager, spec Spec) error {
	if err := m.Delete(ctx, spec.Name); err != nil && !errors.Is(err, ErrProcessNotFound) {
		return err
	}
	return m.Start(ctx, spec)
}
