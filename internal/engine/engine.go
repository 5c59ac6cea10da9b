// Package engine runs the deployment pipelines. Every operation checks its
// coordinates up front and then defers typed steps on the task queue,
// starting with the registry resolve, so all work touching contexts,
// checkouts, ports and managed processes is serialized on one goroutine.
package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/branchoff/branchoff/internal/core/domain"
	"github.com/branchoff/branchoff/internal/core/pipeline"
	"github.com/branchoff/branchoff/internal/core/webhook"
	"github.com/branchoff/branchoff/internal/shell/executor"
	"github.com/branchoff/branchoff/internal/shell/procman"
	"github.com/branchoff/branchoff/internal/shell/registry"
	"github.com/branchoff/branchoff/internal/shell/resolver"
	"github.com/branchoff/branchoff/internal/shell/workers"
	"github.com/branchoff/branchoff/internal/telemetry"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrNotAccepted      = errors.New("repository or branch not accepted")
	ErrContextNotFound  = errors.New("deployment context not found")
	ErrMissingComponent = errors.New("engine component missing")
)

// =============================================================================
// Collaborators
// =============================================================================

// VCS fetches and refreshes checkouts.
type VCS interface {
	Clone(ctx context.Context, uri, branch, dest, commit string) (executor.Result, error)
	Update(ctx context.Context, dir, commit string) (executor.Result, error)
}

// Journal records pipeline runs. store.SQLiteStore implements it.
type Journal interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	UpdateRun(ctx context.Context, run *domain.Run) error
}

// Config wires the engine. Journal and Metrics are optional.
type Config struct {
	Queue     *workers.Queue
	Registry  *registry.Registry
	Resolver  *resolver.Resolver
	VCS       VCS
	Processes procman.Manager
	Executor  executor.Executor
	Journal   Journal
	Metrics   *telemetry.Metrics
	Accept    webhook.AllowList
}

// Options are the optional parts of a pipeline request.
type Options struct {
	// Mode selects the context for Stage and Destroy. Create and Update
	// always promote to the release context.
	Mode domain.Mode
	// Scale is the requested instance count; nil keeps the current one.
	Scale *int
	// Commit pins the checkout. Empty or "latest" tracks the branch head.
	Commit string
}

// Result is what a pipeline reports to its callback. Code and Output come
// from the gating test hook; Err is the first infrastructure failure.
type Result struct {
	Code   int
	Output string
	Err    error
}

// Callback receives the outcome of an operation. It runs on the queue, so
// it must not block on other queued work.
type Callback func(Result)

// Engine orchestrates the pipelines.
type Engine struct {
	queue     *workers.Queue
	registry  *registry.Registry
	resolver  *resolver.Resolver
	vcs       VCS
	processes procman.Manager
	exec      executor.Executor
	journal   Journal
	metrics   *telemetry.Metrics
	accept    webhook.AllowList
	logger    *slog.Logger

	operations map[string]operation
}

type operation func(uri, branch string, opts Options, then Callback) error

// New creates an engine.
func New(config Config, logger *slog.Logger) (*Engine, error) {
	switch {
	case config.Queue == nil:
		return nil, errors.Join(ErrMissingComponent, errors.New("queue"))
	case config.Registry == nil:
		return nil, errors.Join(ErrMissingComponent, errors.New("registry"))
	case config.Resolver == nil:
		return nil, errors.Join(ErrMissingComponent, errors.New("resolver"))
	case config.VCS == nil:
		return nil, errors.Join(ErrMissingComponent, errors.New("vcs"))
	case config.Processes == nil:
		return nil, errors.Join(ErrMissingComponent, errors.New("process manager"))
	case config.Executor == nil:
		return nil, errors.Join(ErrMissingComponent, errors.New("executor"))
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		queue:     config.Queue,
		registry:  config.Registry,
		resolver:  config.Resolver,
		vcs:       config.VCS,
		processes: config.Processes,
		exec:      config.Executor,
		journal:   config.Journal,
		metrics:   config.Metrics,
		accept:    config.Accept,
		logger:    logger.With("component", "engine"),
	}
	e.operations = map[string]operation{
		string(domain.OpCreate):  e.Create,
		string(domain.OpUpdate):  e.Update,
		string(domain.OpDestroy): e.Destroy,
		string(domain.OpStage):   e.Stage,
		"test": func(uri, branch string, opts Options, then Callback) error {
			opts.Mode = domain.ModeTest
			return e.Stage(uri, branch, opts, then)
		},
	}
	return e, nil
}

// =============================================================================
// Operations
// =============================================================================

// Stage validates a candidate in an ephemeral context: clone, create hook,
// start, test hook. The verdict fires the pass or fail hook, the context is
// torn down either way and then receives the test hook's result.
func (e *Engine) Stage(uri, branch string, opts Options, then Callback) error {
	return e.resolve(uri, branch, registry.ResolveOptions{
		Mode:   stagingMode(opts.Mode),
		Scale:  opts.Scale,
		Commit: opts.Commit,
	}, then, func(_ context.Context, staging *domain.Context) {
		f := e.begin(domain.OpStage, staging, domain.RunStaging)
		e.stage(staging, f, func(ctx context.Context) {
			e.finish(ctx, f, then)
		})
	})
}

// Create stages the branch and, when the test hook passes, promotes it to
// its release context.
func (e *Engine) Create(uri, branch string, opts Options, then Callback) error {
	return e.promote(domain.OpCreate, uri, branch, opts, pipeline.CreatePlan(), then)
}

// Update stages the branch and, when the test hook passes, refreshes the
// release checkout in place and restarts its process.
func (e *Engine) Update(uri, branch string, opts Options, then Callback) error {
	return e.promote(domain.OpUpdate, uri, branch, opts, pipeline.UpdatePlan(), then)
}

func (e *Engine) promote(op domain.Operation, uri, branch string, opts Options, plan []pipeline.Step, then Callback) error {
	return e.resolve(uri, branch, registry.ResolveOptions{
		Mode:   stagingMode(opts.Mode),
		Scale:  opts.Scale,
		Commit: opts.Commit,
	}, then, func(_ context.Context, staging *domain.Context) {
		f := e.begin(op, staging, domain.RunStaging)
		f.run.DeploymentID = domain.DeriveID(uri, branch, domain.ModeRelease)
		f.run.Mode = domain.ModeRelease

		e.stage(staging, f, func(ctx context.Context) {
			if f.code != 0 {
				e.logger.Info("tests failed, skipping deployment", "operation", op, "uri", uri, "branch", branch, "code", f.code)
				e.finish(ctx, f, then)
				return
			}

			release, err := e.registry.Resolve(uri, branch, registry.ResolveOptions{
				Mode:   domain.ModeRelease,
				Scale:  opts.Scale,
				Commit: opts.Commit,
			})
			if err != nil {
				f.fail(err)
				e.finish(ctx, f, then)
				return
			}

			e.logger.Info("tests passed, deploying branch", "operation", op, "id", release.ID, "port", release.Port)
			e.enqueue(release, plan, f)
			e.schedule(release, pipeline.Done(), func(ctx context.Context) {
				f.transition(ctx, domain.RunPromoted)
				e.finish(ctx, f, then)
			})
		})
	})
}

// Destroy fires the destroy hook of the context for (uri, branch, mode) and
// removes its process, checkout and registry entry.
func (e *Engine) Destroy(uri, branch string, opts Options, then Callback) error {
	return e.resolve(uri, branch, registry.ResolveOptions{
		Mode:  opts.Mode,
		Scale: opts.Scale,
	}, then, func(_ context.Context, c *domain.Context) {
		e.destroy(c, then)
	})
}

func (e *Engine) destroy(c *domain.Context, then Callback) {
	f := e.begin(domain.OpDestroy, c, domain.RunDestroying)
	e.enqueue(c, pipeline.TeardownPlan(), f)
	e.schedule(c, pipeline.Done(), func(ctx context.Context) {
		f.transition(ctx, domain.RunDestroyed)
		e.finish(ctx, f, then)
	})
}

// resolve checks the coordinates now and defers the registry resolve, so
// the live context is only ever touched from the queue. next runs in that
// task; a resolve failure goes to then instead.
func (e *Engine) resolve(uri, branch string, opts registry.ResolveOptions, then Callback, next func(ctx context.Context, c *domain.Context)) error {
	if err := domain.ValidateCoordinates(uri, branch); err != nil {
		return err
	}

	e.queue.Defer("resolve "+domain.DeriveID(uri, branch, opts.Mode), func(ctx context.Context) {
		c, err := e.registry.Resolve(uri, branch, opts)
		if err != nil {
			e.logger.Error("failed to resolve context", "uri", uri, "branch", branch, "mode", opts.Mode, "error", err)
			if then != nil {
				then(Result{Err: err})
			}
			return
		}
		next(ctx, c)
	})
	return nil
}

// Restore brings every persisted context back after an orchestrator
// restart. Staging contexts are destroyed; local contexts are left alone;
// the rest are cloned if missing, get their create hook and are started.
// then runs once, after all of them.
func (e *Engine) Restore(then Callback) {
	e.queue.Defer("restore", func(context.Context) {
		var firstErr error
		record := func(r Result) {
			if firstErr == nil {
				firstErr = r.Err
			}
		}

		for _, c := range e.registry.Contexts() {
			if c.Mode.IsLocal() {
				e.logger.Info("skipping local context", "id", c.ID, "dir", c.Dir)
				continue
			}
			c.InvalidateConfig()
			e.logger.Info("restoring context", "id", c.ID, "mode", c.Mode, "port", c.Port)

			if c.Mode.IsStaging() {
				e.destroy(c, record)
				continue
			}

			f := e.begin(domain.OpRestore, c, domain.RunRestoring)
			e.enqueue(c, pipeline.RestorePlan(), f)
			e.schedule(c, pipeline.Done(), func(ctx context.Context) {
				f.transition(ctx, domain.RunRestored)
				e.finish(ctx, f, record)
			})
		}

		e.queue.Defer("restore callback", func(context.Context) {
			if then != nil {
				then(Result{Err: firstErr})
			}
		})
	})
}

// stage enqueues the staging plan for c. The gate task records the verdict,
// fires pass or fail, and enqueues the teardown followed by next.
func (e *Engine) stage(c *domain.Context, f *flow, next func(ctx context.Context)) {
	for _, step := range pipeline.StagePlan(c.Mode) {
		if !step.Gate {
			e.enqueueStep(c, step, f)
			continue
		}

		e.schedule(c, step, func(ctx context.Context) {
			var res executor.Result
			if f.err != nil {
				// A broken checkout or process never passes.
				res = executor.Result{Code: 1, Output: f.err.Error()}
				e.logger.Warn("skipping test hook after failed step", "id", c.ID, "error", f.err)
			} else {
				var err error
				if res, err = e.Trigger(ctx, c, step.Event, step.Args...); err != nil {
					f.fail(err)
					if res.Code == 0 {
						res.Code = 1
					}
				}
			}
			f.verdict(ctx, res.Code, res.Output)
			e.logger.Info("test hook finished", "id", c.ID, "code", res.Code)

			verdict := pipeline.VerdictEvent(res.Code)
			if _, err := e.Trigger(ctx, c, verdict, f.verdictArgs()...); err != nil {
				f.fail(err)
			}

			e.enqueue(c, pipeline.TeardownPlan(), f)
			e.schedule(c, pipeline.Done(), next)
		})
	}
}

// stagingMode maps a requested mode onto a staging mode.
func stagingMode(m domain.Mode) domain.Mode {
	if m == domain.ModeTest {
		return domain.ModeTest
	}
	return domain.ModeStage
}
