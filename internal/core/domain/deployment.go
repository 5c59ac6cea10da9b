package domain

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/branchoff/branchoff/internal/core/cascade"
)

// =============================================================================
// Deployment Errors
// =============================================================================

var (
	ErrInvalidCoordinates = errors.New("uri and branch are required")
	ErrInvalidMode        = errors.New("invalid deployment mode")
	ErrInvalidTransition  = errors.New("invalid status transition")
)

// =============================================================================
// Deployment Mode
// =============================================================================

// Mode selects whether a context is a promoted release or an ephemeral
// staging environment.
type Mode string

const (
	ModeRelease Mode = "release"
	ModeTest    Mode = "test"
	ModeStage   Mode = "stage"

	// ModeLocal marks a context run in the foreground from a developer
	// checkout. Its Dir is not owned by branchoff, so it is never restored
	// or removed. ParseMode does not accept it.
	ModeLocal Mode = "local"
)

// ParseMode maps user input to a Mode. Empty input is a release.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeRelease:
		return ModeRelease, nil
	case ModeTest:
		return ModeTest, nil
	case ModeStage:
		return ModeStage, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// IsStaging reports whether contexts in this mode are torn down after their
// test run and on restore.
func (m Mode) IsStaging() bool {
	return m == ModeTest || m == ModeStage
}

// IsLocal reports whether the checkout of a context in this mode belongs to
// the developer rather than to branchoff.
func (m Mode) IsLocal() bool {
	return m == ModeLocal
}

// idSuffix is the part of the id contributed by the mode. Releases keep the
// bare uri+branch id so their checkout folder is stable across modes.
func (m Mode) idSuffix() string {
	if m == ModeRelease || m == "" {
		return ""
	}
	return string(m)
}

// =============================================================================
// Deployment Context
// =============================================================================

// DefaultExecMode is the process manager execution mode used when the
// branch config does not name one.
const DefaultExecMode = "cluster"

// Context is the persistent record for one (uri, branch, mode) deployment.
// It is the unit stored in the registry and threaded through every pipeline
// step.
type Context struct {
	ID        string `json:"id"`
	URI       string `json:"uri"`
	Branch    string `json:"branch"`
	Commit    string `json:"commit,omitempty"`
	Mode      Mode   `json:"mode"`
	Cwd       string `json:"cwd"`
	Dir       string `json:"dir"`
	Folder    string `json:"folder"`
	Port      int    `json:"port"`
	Scale     int    `json:"scale"`
	Instances int    `json:"instances,omitempty"`
	ExecMode  string `json:"execMode,omitempty"`

	// Config caches the parsed branch config for the current invocation.
	// It is never persisted.
	Config *cascade.Config `json:"-"`
}

// NewContext builds a fresh context rooted at cwd. The caller assigns the
// port and scale.
func NewContext(uri, branch string, mode Mode, cwd string) (*Context, error) {
	if err := ValidateCoordinates(uri, branch); err != nil {
		return nil, err
	}
	if mode == "" {
		mode = ModeRelease
	}
	id := DeriveID(uri, branch, mode)
	return &Context{
		ID:     id,
		URI:    uri,
		Branch: branch,
		Mode:   mode,
		Cwd:    cwd,
		Dir:    filepath.Join(cwd, id),
		Folder: id,
		Scale:  1,
	}, nil
}

// ValidateCoordinates rejects an empty uri or branch.
func ValidateCoordinates(uri, branch string) error {
	if strings.TrimSpace(uri) == "" || strings.TrimSpace(branch) == "" {
		return ErrInvalidCoordinates
	}
	return nil
}

// DeriveID returns the registry key for the coordinates.
func DeriveID(uri, branch string, mode Mode) string {
	return SanitizeID(uri + branch + mode.idSuffix())
}

// ProcessName is the name the process manager knows this context by.
func (c *Context) ProcessName() string {
	return fmt.Sprintf("%d-%s-%s", c.Port, c.Branch, c.Mode)
}

// TracksHead reports whether the checkout follows the branch head rather
// than a pinned revision.
func (c *Context) TracksHead() bool {
	return IsHeadRef(c.Commit)
}

// PinnedCommit returns the revision to reset to, or "" when tracking head.
func (c *Context) PinnedCommit() string {
	if c.TracksHead() {
		return ""
	}
	return c.Commit
}

// InvalidateConfig drops the cached branch config so the next lookup reads
// the checkout again.
func (c *Context) InvalidateConfig() {
	c.Config = nil
}

// EffectiveInstances is the instance count handed to the process manager.
func (c *Context) EffectiveInstances() int {
	if c.Instances > 0 {
		return c.Instances
	}
	if c.Scale > 0 {
		return c.Scale
	}
	return 1
}

// IsHeadRef reports whether commit means "the current branch head".
func IsHeadRef(commit string) bool {
	c := strings.TrimSpace(commit)
	return c == "" || strings.EqualFold(c, "latest")
}

// ClampScale clamps a requested instance count into [1, max]. A max below 1
// is treated as 1.
func ClampScale(scale, max int) int {
	if max < 1 {
		max = 1
	}
	if scale < 1 {
		return 1
	}
	if scale > max {
		return max
	}
	return scale
}
