// Package executor runs shell command lines for hooks and version control.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"syscall"
)

// DefaultShell interprets command lines.
const DefaultShell = "bash"

var (
	// ErrStartFailed is returned when the shell could not be started.
	ErrStartFailed = errors.New("failed to start command")
	// ErrCancelled is returned when the context ended before the command.
	ErrCancelled = errors.New("command cancelled")
)

// Command is one shell invocation. Line is run as `<shell> -c Line` with
// Args as the positional parameters $1..$n.
type Command struct {
	Line string
	Args []string
	Dir  string

	// Env is the complete environment. Nil inherits the orchestrator's.
	Env map[string]string

	// Quiet suppresses per-line logging of the output.
	Quiet bool

	// Stream receives output as it is produced, in addition to capture.
	Stream io.Writer
}

// Result is the outcome of a command that ran to completion. A non-zero
// Code is not an error.
type Result struct {
	Code   int
	Output string
}

// Executor runs commands. Implementations must be safe for concurrent use.
type Executor interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Shell runs commands through a POSIX shell. Each command gets its own
// process group so cancellation also stops its children.
type Shell struct {
	path   string
	logger *slog.Logger
}

// NewShell creates an executor for the shell at path (DefaultShell when
// empty).
func NewShell(path string, logger *slog.Logger) *Shell {
	if path == "" {
		path = DefaultShell
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Shell{path: path, logger: logger.With("component", "executor")}
}

// Run executes cmd and waits for it. Output is the combined stdout and
// stderr.
func (s *Shell) Run(ctx context.Context, cmd Command) (Result, error) {
	args := append([]string{"-c", cmd.Line, "branchoff"}, cmd.Args...)
	c := exec.Command(s.path, args...)
	c.Dir = cmd.Dir
	if cmd.Env != nil {
		c.Env = Environ(cmd.Env)
	}
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var output bytes.Buffer
	writers := []io.Writer{&output}
	if !cmd.Quiet {
		lw := newLineWriter(s.logger, cmd.Dir)
		defer lw.Flush()
		writers = append(writers, lw)
	}
	if cmd.Stream != nil {
		writers = append(writers, cmd.Stream)
	}
	sink := &lockedWriter{w: io.MultiWriter(writers...)}
	c.Stdout = sink
	c.Stderr = sink

	if err := c.Start(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- c.Wait() }()

	var err error
	select {
	case <-ctx.Done():
		_ = syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
		<-waitCh
		return Result{Code: -1, Output: output.String()}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case err = <-waitCh:
	}

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Result{Output: output.String()}, fmt.Errorf("%w: %v", ErrStartFailed, err)
		}
		code = exitErr.ExitCode()
	}

	return Result{Code: code, Output: output.String()}, nil
}

// Environ renders env as sorted KEY=VALUE pairs.
func Environ(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// lockedWriter serializes writes from the stdout and stderr copiers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// lineWriter logs complete output lines as they arrive.
type lineWriter struct {
	logger *slog.Logger
	buf    []byte
}

func newLineWriter(logger *slog.Logger, dir string) *lineWriter {
	return &lineWriter{logger: logger.With("dir", dir)}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush logs a trailing partial line.
func (w *lineWriter) Flush() {
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	w.logger.Info("output", "line", string(bytes.TrimRight(line, "\r")))
}
