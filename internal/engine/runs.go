package engine

import (
	"context"
	"strconv"

	"github.com/branchoff/branchoff/internal/core/domain"
)

// outcomeError labels runs that hit an infrastructure failure.
const outcomeError = "error"

// flow tracks one operation from its first queued step to its callback. It
// is only touched from queue tasks, so it needs no locking.
type flow struct {
	e   *Engine
	run *domain.Run

	code   int
	output string
	err    error
}

// begin opens a journal entry for op on c.
func (e *Engine) begin(op domain.Operation, c *domain.Context, initial domain.RunStatus) *flow {
	f := &flow{e: e, run: domain.NewRun(op, c, initial)}
	if e.journal != nil {
		if err := e.journal.CreateRun(context.Background(), f.run); err != nil {
			e.logger.Warn("failed to record run", "run", f.run.ID, "error", err)
		}
	}
	e.logger.Info("pipeline started", "run", f.run.ID, "operation", op, "id", c.ID, "mode", c.Mode)
	return f
}

// fail keeps the first infrastructure error.
func (f *flow) fail(err error) {
	if err == nil {
		return
	}
	if f.err == nil {
		f.err = err
	}
	f.run.RecordError(err)
}

// verdict records the gating hook result and moves the run to passed or
// failed.
func (f *flow) verdict(ctx context.Context, code int, output string) {
	f.code = code
	f.output = output
	f.run.SetResult(code, output)

	status := domain.RunPassed
	if code != 0 {
		status = domain.RunFailed
	}
	f.transition(ctx, status)
}

// verdictArgs are the positional args of the pass and fail hooks. The
// output is cut to its tail so a long test log stays under the kernel's
// per-argument limit.
func (f *flow) verdictArgs() []string {
	return []string{strconv.Itoa(f.code), domain.TailOutput(f.output)}
}

func (f *flow) transition(ctx context.Context, to domain.RunStatus) {
	if err := f.run.Transition(to); err != nil {
		f.e.logger.Warn("run transition rejected", "run", f.run.ID, "from", f.run.Status, "to", to)
		return
	}
	f.save(ctx)
}

func (f *flow) save(ctx context.Context) {
	if f.e.journal == nil {
		return
	}
	if err := f.e.journal.UpdateRun(context.WithoutCancel(ctx), f.run); err != nil {
		f.e.logger.Warn("failed to update run", "run", f.run.ID, "error", err)
	}
}

// finish closes the journal entry, counts the outcome and hands the result
// to then.
func (e *Engine) finish(ctx context.Context, f *flow, then Callback) {
	f.save(ctx)

	outcome := string(f.run.Status)
	if f.err != nil {
		outcome = outcomeError
	}
	e.metrics.RecordRun(string(f.run.Operation), outcome)

	e.logger.Info("pipeline finished",
		"run", f.run.ID,
		"operation", f.run.Operation,
		"id", f.run.DeploymentID,
		"status", f.run.Status,
		"code", f.code,
		"error", f.err,
	)

	if then != nil {
		then(Result{Code: f.code, Output: f.output, Err: f.err})
	}
}
