// Package workers contains the background workers of branchoff. The task
// queue is the single place where pipeline steps run.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Op is a blocking task. It completes when it returns.
type Op func(ctx context.Context)

// AsyncOp is a callback task. It completes when done is called; calling
// done more than once is harmless. A task that never calls done stalls the
// queue until Stop.
type AsyncOp func(ctx context.Context, done func())

// Observer receives queue lifecycle events, typically for metrics.
type Observer interface {
	TaskQueued(name string, depth int)
	TaskFinished(name string, elapsed time.Duration, depth int)
}

// QueueConfig configures the task queue.
type QueueConfig struct {
	// OnDrain is called each time the queue becomes empty.
	OnDrain func()

	// Observer is notified on enqueue and completion. Optional.
	Observer Observer

	// Tracer wraps every task in a span. Defaults to the global provider.
	Tracer trace.Tracer
}

type task struct {
	name     string
	op       AsyncOp
	enqueued time.Time
}

// Queue is an unbounded FIFO queue with exactly one task in flight. Tasks
// may be enqueued from any goroutine, including from inside a running task;
// they run in enqueue order.
type Queue struct {
	config QueueConfig
	tracer trace.Tracer
	logger *slog.Logger

	mu     sync.Mutex
	tasks  []task
	busy   bool
	idle   chan struct{}
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a queue. Tasks are accepted immediately but only run
// after Start.
func NewQueue(config QueueConfig, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/branchoff/branchoff/internal/shell/workers")
	}

	idle := make(chan struct{})
	close(idle)

	return &Queue{
		config: config,
		tracer: tracer,
		logger: logger.With("component", "task_queue"),
		idle:   idle,
		wake:   make(chan struct{}, 1),
	}
}

// Start launches the worker goroutine.
func (q *Queue) Start() {
	q.mu.Lock()
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.mu.Unlock()

	q.wg.Add(1)
	go q.run()

	q.logger.Info("task queue started")
}

// Stop cancels the context of the in-flight task, waits for the worker to
// exit and drops every pending task.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()

	q.mu.Lock()
	dropped := len(q.tasks)
	q.tasks = nil
	q.busy = false
	q.markIdleLocked()
	q.mu.Unlock()

	q.logger.Info("task queue stopped", "dropped", dropped)
}

// Defer enqueues a blocking task and returns immediately.
func (q *Queue) Defer(name string, op Op) {
	if op == nil {
		q.DeferAsync(name, nil)
		return
	}
	q.DeferAsync(name, func(ctx context.Context, done func()) {
		defer done()
		op(ctx)
	})
}

// DeferAsync enqueues a callback task and returns immediately.
func (q *Queue) DeferAsync(name string, op AsyncOp) {
	if op == nil {
		op = func(_ context.Context, done func()) { done() }
	}

	q.mu.Lock()
	q.tasks = append(q.tasks, task{name: name, op: op, enqueued: time.Now()})
	depth := len(q.tasks)
	select {
	case <-q.idle:
		q.idle = make(chan struct{})
	default:
	}
	q.mu.Unlock()

	if q.config.Observer != nil {
		q.config.Observer.TaskQueued(name, depth)
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of pending tasks, not counting the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// WaitIdle blocks until the queue is empty and no task is running.
func (q *Queue) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run() {
	defer q.wg.Done()

	for {
		t, ok := q.next()
		if !ok {
			select {
			case <-q.ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		q.execute(t)

		if q.ctx.Err() != nil {
			return
		}
	}
}

// next pops the head of the queue. When the queue is empty it marks the
// queue idle and fires the drain callback.
func (q *Queue) next() (task, bool) {
	q.mu.Lock()
	if len(q.tasks) > 0 {
		t := q.tasks[0]
		q.tasks[0] = task{}
		q.tasks = q.tasks[1:]
		q.busy = true
		q.mu.Unlock()
		return t, true
	}

	wasBusy := q.busy
	q.busy = false
	q.markIdleLocked()
	q.mu.Unlock()

	if wasBusy {
		q.logger.Debug("task queue drained")
		if q.config.OnDrain != nil {
			q.config.OnDrain()
		}
	}
	return task{}, false
}

func (q *Queue) markIdleLocked() {
	select {
	case <-q.idle:
	default:
		close(q.idle)
	}
}

func (q *Queue) execute(t task) {
	ctx, span := q.tracer.Start(q.ctx, "task "+t.name,
		trace.WithAttributes(
			attribute.String("task.name", t.name),
			attribute.Int64("task.wait_ms", time.Since(t.enqueued).Milliseconds()),
		),
	)
	defer span.End()

	start := time.Now()
	q.logger.Debug("task started", "task", t.name)

	finished := make(chan struct{})
	var once sync.Once
	done := func() { once.Do(func() { close(finished) }) }

	func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("task %s panicked: %v", t.name, r)
				q.logger.Error("task panicked", "task", t.name, "error", err)
				span.RecordError(err)
				span.SetStatus(codes.Error, "panic")
				done()
			}
		}()
		t.op(ctx, done)
	}()

	select {
	case <-finished:
	case <-q.ctx.Done():
		q.logger.Warn("task abandoned on shutdown", "task", t.name)
	}

	elapsed := time.Since(start)
	depth := q.Len()
	q.logger.Info("task finished", "task", t.name, "duration", elapsed, "pending", depth)
	if q.config.Observer != nil {
		q.config.Observer.TaskFinished(t.name, elapsed, depth)
	}
}
