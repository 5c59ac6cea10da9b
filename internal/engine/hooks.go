package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/branchoff/branchoff/internal/core/domain"
	"github.com/branchoff/branchoff/internal/shell/executor"
)

// NoHookOutput is the output reported for an event without a hook file.
const NoHookOutput = "No file"

// hookPrefix names event hooks at the top of a checkout: branchoff@<event>.
const hookPrefix = "branchoff@"

// Trigger runs the hook for event in the checkout of c with args as its
// positional parameters. The hook is sourced by the shell so it can use
// `exit`. A missing hook yields code 0 and NoHookOutput.
func (e *Engine) Trigger(ctx context.Context, c *domain.Context, event string, args ...string) (executor.Result, error) {
	path, dir, ok := e.findHook(c, event)
	if !ok {
		e.logger.Debug("no hook for event", "id", c.ID, "event", event)
		return executor.Result{Code: 0, Output: NoHookOutput}, nil
	}

	e.logger.Info("running hook", "id", c.ID, "event", event, "path", path)
	res, err := e.exec.Run(ctx, executor.Command{
		Line: `. "$BRANCHOFF_HOOK"`,
		Args: args,
		Dir:  dir,
		Env:  e.resolver.Env(c, event, map[string]string{"BRANCHOFF_HOOK": path}),
	})
	if err != nil {
		return res, fmt.Errorf("hook %s: %w", event, err)
	}
	return res, nil
}

// findHook returns the hook file for event and the directory to run it in.
// branchoff@<event> in the checkout wins over <hooks>/<event>.
func (e *Engine) findHook(c *domain.Context, event string) (path, dir string, ok bool) {
	if c.Dir == "" || event == "" {
		return "", "", false
	}

	path = filepath.Join(c.Dir, hookPrefix+event)
	if isFile(path) {
		return path, c.Dir, true
	}

	hooks := filepath.Join(c.Dir, e.resolver.Configuration(c).Hooks())
	path = filepath.Join(hooks, event)
	if isFile(path) {
		return path, hooks, true
	}
	return "", "", false
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// RunHook runs the hook for event on the registered context id through the
// queue and waits for its result.
func (e *Engine) RunHook(ctx context.Context, id, event string, args ...string) (executor.Result, error) {
	type outcome struct {
		res executor.Result
		err error
	}
	done := make(chan outcome, 1)
	e.queue.Defer("hook:"+event+" "+id, func(taskCtx context.Context) {
		c, ok := e.registry.Lookup(id)
		if !ok {
			done <- outcome{err: fmt.Errorf("%w: %s", ErrContextNotFound, id)}
			return
		}
		res, err := e.Trigger(taskCtx, c, event, args...)
		done <- outcome{res, err}
	})

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return executor.Result{}, ctx.Err()
	}
}
