package store

import (
	"context"

	"github.com/branchoff/branchoff/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for branchoff.
type Store interface {
	// Run journal
	CreateRun(ctx context.Context, run *domain.Run) error
	UpdateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	ListRuns(ctx context.Context, opts RunListOptions) ([]domain.Run, error)

	// Process records
	RecordProcess(ctx context.Context, p domain.ProcessRecord) error
	GetProcess(ctx context.Context, name string) (*domain.ProcessRecord, error)
	DeleteProcess(ctx context.Context, name string) error
	ListProcesses(ctx context.Context) ([]domain.ProcessRecord, error)

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// RunListOptions filters the run journal. Empty fields match everything.
type RunListOptions struct {
	ListOptions
	DeploymentID string
	Operation    domain.Operation
}
