package domain

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// =============================================================================
// Pipeline Operations
// =============================================================================

// Operation names a top-level pipeline invocation. The same names are used
// to route normalized webhook events.
type Operation string

const (
	OpCreate  Operation = "create"
	OpUpdate  Operation = "update"
	OpStage   Operation = "stage"
	OpDestroy Operation = "destroy"
	OpRestore Operation = "restore"
)

// =============================================================================
// Run Status
// =============================================================================

type RunStatus string

const (
	RunStaging    RunStatus = "staging"
	RunPassed     RunStatus = "passed"
	RunFailed     RunStatus = "failed"
	RunPromoted   RunStatus = "promoted"
	RunDestroying RunStatus = "destroying"
	RunDestroyed  RunStatus = "destroyed"
	RunRestoring  RunStatus = "restoring"
	RunRestored   RunStatus = "restored"
)

// MaxRunOutput bounds the captured hook output kept on a run.
const MaxRunOutput = 64 * 1024

var runTransitions = map[RunStatus][]RunStatus{
	RunStaging:    {RunPassed, RunFailed},
	RunPassed:     {RunPromoted},
	RunFailed:     {},
	RunPromoted:   {},
	RunDestroying: {RunDestroyed},
	RunDestroyed:  {},
	RunRestoring:  {RunRestored},
	RunRestored:   {},
}

// ValidateRunTransition checks if a run status transition is valid.
func ValidateRunTransition(from, to RunStatus) error {
	allowed, exists := runTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// IsTerminal reports whether no further transition is possible.
func (s RunStatus) IsTerminal() bool {
	allowed, ok := runTransitions[s]
	return ok && len(allowed) == 0
}

// =============================================================================
// Run
// =============================================================================

// Run is the journal entry for one pipeline invocation.
type Run struct {
	ID           string     `db:"id" json:"id"`
	Operation    Operation  `db:"operation" json:"operation"`
	DeploymentID string     `db:"deployment_id" json:"deployment_id"`
	URI          string     `db:"uri" json:"uri"`
	Branch       string     `db:"branch" json:"branch"`
	Mode         Mode       `db:"mode" json:"mode"`
	Commit       string     `db:"commit_ref" json:"commit,omitempty"`
	Status       RunStatus  `db:"status" json:"status"`
	ExitCode     int        `db:"exit_code" json:"exit_code"`
	Output       string     `db:"output" json:"output,omitempty"`
	ErrorMessage string     `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
	FinishedAt   *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

// NewRun starts a journal entry for op against c.
func NewRun(op Operation, c *Context, initial RunStatus) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:           uuid.New().String(),
		Operation:    op,
		DeploymentID: c.ID,
		URI:          c.URI,
		Branch:       c.Branch,
		Mode:         c.Mode,
		Commit:       c.Commit,
		Status:       initial,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Transition moves the run to a new status. Reaching a terminal status
// stamps FinishedAt.
func (r *Run) Transition(to RunStatus) error {
	if err := ValidateRunTransition(r.Status, to); err != nil {
		return err
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	if to.IsTerminal() {
		finished := r.UpdatedAt
		r.FinishedAt = &finished
	}
	return nil
}

// SetResult records the exit code and output that decided the run.
func (r *Run) SetResult(code int, output string) {
	r.ExitCode = code
	r.Output = TailOutput(output)
	r.UpdatedAt = time.Now().UTC()
}

// TailOutput returns the last MaxRunOutput bytes of output, starting on a
// rune boundary.
func TailOutput(output string) string {
	if len(output) <= MaxRunOutput {
		return output
	}
	tail := output[len(output)-MaxRunOutput:]
	for i := 0; i < len(tail) && i < utf8.UTFMax; i++ {
		if utf8.RuneStart(tail[i]) {
			return tail[i:]
		}
	}
	return tail
}

// RecordError keeps the first infrastructure error seen during the run.
func (r *Run) RecordError(err error) {
	if err == nil || r.ErrorMessage != "" {
		return
	}
	r.ErrorMessage = err.Error()
	r.UpdatedAt = time.Now().UTC()
}
