package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/branchoff/branchoff/internal/core/domain"
	"github.com/branchoff/branchoff/internal/core/pipeline"
	"github.com/branchoff/branchoff/internal/shell/procman"
)

// =============================================================================
// Scheduling
// =============================================================================

// schedule enqueues op as the task for step on c.
func (e *Engine) schedule(c *domain.Context, step pipeline.Step, op func(ctx context.Context)) {
	e.queue.Defer(step.Name()+" "+c.ID, op)
}

// enqueue schedules every step of plan for c in order.
func (e *Engine) enqueue(c *domain.Context, plan []pipeline.Step, f *flow) {
	for _, step := range plan {
		e.enqueueStep(c, step, f)
	}
}

func (e *Engine) enqueueStep(c *domain.Context, step pipeline.Step, f *flow) {
	e.schedule(c, step, func(ctx context.Context) {
		if err := e.runStep(ctx, c, step); err != nil {
			e.logger.Error("pipeline step failed", "step", step.Name(), "id", c.ID, "error", err)
			f.fail(err)
		}
	})
}

// =============================================================================
// Steps
// =============================================================================

func (e *Engine) runStep(ctx context.Context, c *domain.Context, step pipeline.Step) error {
	switch step.Kind {
	case pipeline.KindClone:
		_, err := e.vcs.Clone(ctx, c.URI, c.Branch, c.Dir, c.PinnedCommit())
		c.InvalidateConfig()
		return err

	case pipeline.KindUpdate:
		_, err := e.vcs.Update(ctx, c.Dir, c.PinnedCommit())
		c.InvalidateConfig()
		return err

	case pipeline.KindTrigger:
		res, err := e.Trigger(ctx, c, step.Event, step.Args...)
		if err != nil {
			return err
		}
		if res.Code != 0 {
			e.logger.Warn("hook exited non-zero", "id", c.ID, "event", step.Event, "code", res.Code)
		}
		return nil

	case pipeline.KindStart:
		return e.start(ctx, c)

	case pipeline.KindDestroy:
		return e.teardown(ctx, c)

	case pipeline.KindDone:
		return nil

	default:
		return fmt.Errorf("unknown pipeline step %q", step.Kind)
	}
}

// ProcessSpec derives the process group of c from its branch config.
func (e *Engine) ProcessSpec(c *domain.Context) procman.Spec {
	p := e.resolver.Configuration(c).Process.WithDefaults()

	return procman.Spec{
		Name:         c.ProcessName(),
		Dir:          c.Dir,
		Script:       p.Script,
		Args:         p.Args,
		Env:          e.resolver.Env(c, "start", nil),
		Port:         c.Port,
		Instances:    c.EffectiveInstances(),
		ExecMode:     c.ExecMode,
		RestartDelay: p.RestartDelay.Std(),
		MinUptime:    p.MinUptime.Std(),
		MaxRestarts:  *p.MaxRestarts,
		OutFile:      inDir(c.Dir, p.OutFile),
		ErrorFile:    inDir(c.Dir, p.ErrorFile),
		Image:        p.Image,
	}
}

// start replaces the process group of c.
func (e *Engine) start(ctx context.Context, c *domain.Context) error {
	spec := e.ProcessSpec(c)
	e.logger.Info("starting process", "id", c.ID, "name", spec.Name, "instances", spec.Instances, "port", spec.Port)
	return procman.Replace(ctx, e.processes, spec)
}

// teardown removes the process group, the checkout and the registry entry
// of c. Missing pieces are not errors. A local checkout is never removed.
func (e *Engine) teardown(ctx context.Context, c *domain.Context) error {
	// The preferred port of the branch config decides the process name.
	e.resolver.Configuration(c)
	name := c.ProcessName()

	var errs []error
	if err := e.processes.Stop(ctx, name); err != nil && !errors.Is(err, procman.ErrProcessNotFound) {
		errs = append(errs, err)
	}
	if err := e.processes.Delete(ctx, name); err != nil && !errors.Is(err, procman.ErrProcessNotFound) {
		errs = append(errs, err)
	}
	if c.Mode.IsLocal() {
		e.logger.Info("keeping local checkout", "id", c.ID, "dir", c.Dir)
	} else if err := os.RemoveAll(c.Dir); err != nil {
		errs = append(errs, fmt.Errorf("remove checkout: %w", err))
	}
	e.registry.Destroy(c.ID)

	e.logger.Info("context destroyed", "id", c.ID, "name", name)
	return errors.Join(errs...)
}

func inDir(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
