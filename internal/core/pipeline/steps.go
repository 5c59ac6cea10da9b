// Package pipeline describes the ordered steps each pipeline operation runs.
// Plans are plain data; the engine executes them one queue task per step.
package pipeline

import "github.com/branchoff/branchoff/internal/core/domain"

// Kind is the type of a pipeline step.
type Kind string

const (
	KindClone   Kind = "clone"
	KindUpdate  Kind = "update"
	KindTrigger Kind = "trigger"
	KindStart   Kind = "start"
	KindDestroy Kind = "destroy"
	KindDone    Kind = "done"
)

// Hook events fired by the pipeline.
const (
	EventCreate  = "create"
	EventUpdate  = "update"
	EventTest    = "test"
	EventPass    = "pass"
	EventFail    = "fail"
	EventDestroy = "destroy"
	EventStart   = "start"
)

// Step is one unit of pipeline work.
type Step struct {
	Kind  Kind
	Event string
	Args  []string
	// Gate marks the trigger whose exit code decides promotion.
	Gate bool
}

// Name is used as the queue task name.
func (s Step) Name() string {
	if s.Kind == KindTrigger {
		return string(s.Kind) + ":" + s.Event
	}
	return string(s.Kind)
}

func Clone() Step   { return Step{Kind: KindClone} }
func Update() Step  { return Step{Kind: KindUpdate} }
func Start() Step   { return Step{Kind: KindStart} }
func Destroy() Step { return Step{Kind: KindDestroy} }
func Done() Step    { return Step{Kind: KindDone} }

// Trigger runs the hook for event with positional args.
func Trigger(event string, args ...string) Step {
	return Step{Kind: KindTrigger, Event: event, Args: args}
}

// =============================================================================
// Plans
// =============================================================================

// StagePlan provisions a staging context and ends with the gating test hook.
func StagePlan(mode domain.Mode) []Step {
	return []Step{
		Clone(),
		Trigger(EventCreate, string(mode)),
		Start(),
		{Kind: KindTrigger, Event: EventTest, Gate: true},
	}
}

// TeardownPlan fires the destroy hook and removes every trace of the context.
func TeardownPlan() []Step {
	return []Step{
		Trigger(EventDestroy),
		Destroy(),
	}
}

// CreatePlan promotes a release context from scratch.
func CreatePlan() []Step {
	return []Step{
		Clone(),
		Trigger(EventCreate),
		Start(),
	}
}

// UpdatePlan refreshes a release context in place and restarts it. The clone
// step is a no-op when the checkout already exists.
func UpdatePlan() []Step {
	return []Step{
		Clone(),
		Update(),
		Trigger(EventUpdate),
		Start(),
	}
}

// RestorePlan brings a persisted release context back after a restart.
func RestorePlan() []Step {
	return CreatePlan()
}

// VerdictEvent is the hook fired after the gate: pass for exit code 0, fail
// otherwise.
func VerdictEvent(code int) string {
	if code == 0 {
		return EventPass
	}
	return EventFail
}
