package engine

import (
	"fmt"
	"sort"

	"github.com/branchoff/branchoff/internal/core/webhook"
)

// Dispatch routes a normalized event to the operation of the same name.
// Events outside the allow list fail with ErrNotAccepted; unknown operation
// names are logged and reported as webhook.ErrIgnored.
func (e *Engine) Dispatch(ev webhook.Event, then Callback) error {
	if !e.accept.Accept(ev.URI, ev.Branch) {
		e.logger.Info("event not accepted", "operation", ev.Operation, "uri", ev.URI, "branch", ev.Branch)
		return fmt.Errorf("%w: %s %s", ErrNotAccepted, ev.URI, ev.Branch)
	}

	op, ok := e.operations[ev.Operation]
	if !ok {
		e.logger.Info("no operation for event", "operation", ev.Operation, "uri", ev.URI, "branch", ev.Branch)
		return fmt.Errorf("%w: unknown operation %q", webhook.ErrIgnored, ev.Operation)
	}

	e.logger.Info("dispatching event", "operation", ev.Operation, "uri", ev.URI, "branch", ev.Branch, "commit", ev.Commit)
	return op(ev.URI, ev.Branch, Options{Commit: ev.Commit}, then)
}

// Operations lists the operation names Dispatch understands.
func (e *Engine) Operations() []string {
	names := make([]string, 0, len(e.operations))
	for name := range e.operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
