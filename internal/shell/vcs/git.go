// Package vcs checks out and refreshes repositories with the git CLI.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/branchoff/branchoff/internal/shell/executor"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrCloneFailed   = errors.New("clone failed")
	ErrUpdateFailed  = errors.New("update failed")
	ErrNotRepository = errors.New("not a git repository")
)

// GitError carries the output of a failed git invocation.
type GitError struct {
	Op     string
	Dir    string
	Code   int
	Output string
	Err    error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("%s %s: exit %d: %s", e.Op, e.Dir, e.Code, strings.TrimSpace(e.Output))
}

func (e *GitError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Git Client
// =============================================================================

// Git runs git through the shell executor so its output is logged like any
// other step.
type Git struct {
	exec   executor.Executor
	binary string
	logger *slog.Logger
}

// NewGit creates a git client. binary defaults to "git".
func NewGit(exec executor.Executor, binary string, logger *slog.Logger) *Git {
	if binary == "" {
		binary = "git"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Git{exec: exec, binary: binary, logger: logger.With("component", "git")}
}

// Clone checks out a single branch of uri into dest and resets to commit
// when one is given. An existing checkout at dest is left untouched.
func (g *Git) Clone(ctx context.Context, uri, branch, dest, commit string) (executor.Result, error) {
	if _, err := os.Stat(filepath.Join(dest, ".git")); err == nil {
		g.logger.Debug("checkout exists, skipping clone", "dir", dest)
		return executor.Result{Output: "already cloned"}, nil
	}

	line := `mkdir -p "$(dirname "$4")" && "$1" clone -b "$2" --single-branch "$3" "$4"`
	args := []string{g.binary, branch, uri, dest}
	if commit != "" {
		line += ` && "$1" -C "$4" reset --hard "$5"`
		args = append(args, commit)
	}

	g.logger.Info("cloning", "uri", uri, "branch", branch, "dir", dest, "commit", commit)
	return g.run(ctx, "clone", dest, line, args, ErrCloneFailed)
}

// Update hard-resets the checkout, pulls with rebase and resets to commit
// when one is given.
func (g *Git) Update(ctx context.Context, dir, commit string) (executor.Result, error) {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return executor.Result{}, &GitError{Op: "update", Dir: dir, Code: -1, Err: ErrNotRepository}
	}

	line := `"$1" -C "$2" reset --hard && "$1" -C "$2" pull --rebase`
	args := []string{g.binary, dir}
	if commit != "" {
		line += ` && "$1" -C "$2" reset --hard "$3"`
		args = append(args, commit)
	}

	g.logger.Info("updating", "dir", dir, "commit", commit)
	return g.run(ctx, "update", dir, line, args, ErrUpdateFailed)
}

// Origin returns the origin remote url and the current branch of the
// checkout at dir.
func (g *Git) Origin(ctx context.Context, dir string) (uri, branch string, err error) {
	res, err := g.exec.Run(ctx, executor.Command{
		Line:  `"$1" -C "$2" config --get remote.origin.url && "$1" -C "$2" rev-parse --abbrev-ref HEAD`,
		Args:  []string{g.binary, dir},
		Quiet: true,
	})
	if err != nil {
		return "", "", err
	}
	if res.Code != 0 {
		return "", "", &GitError{Op: "origin", Dir: dir, Code: res.Code, Output: res.Output, Err: ErrNotRepository}
	}

	lines := strings.Split(strings.TrimSpace(res.Output), "\n")
	if len(lines) < 2 {
		return "", "", &GitError{Op: "origin", Dir: dir, Output: res.Output, Err: ErrNotRepository}
	}
	return strings.TrimSpace(lines[0]), strings.TrimSpace(lines[1]), nil
}

func (g *Git) run(ctx context.Context, op, dir, line string, args []string, sentinel error) (executor.Result, error) {
	res, err := g.exec.Run(ctx, executor.Command{Line: line, Args: args})
	if err != nil {
		return res, &GitError{Op: op, Dir: dir, Code: -1, Output: res.Output, Err: errors.Join(sentinel, err)}
	}
	if res.Code != 0 {
		return res, &GitError{Op: op, Dir: dir, Code: res.Code, Output: res.Output, Err: sentinel}
	}
	return res, nil
}
