package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/opgraph/pkg/schema"
)

// TransitionHook is called before or after a run status transition.
type TransitionHook func(from, to schema.RunStatus) error

// EventAppender receives the status events emitted on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event Event) error
}

// ValidRunTransitions defines the allowed run status transitions.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending: {
		schema.RunStatusRunning, schema.RunStatusIdleWithPendingRequests,
		schema.RunStatusTerminated, schema.RunStatusFailed,
	},
	schema.RunStatusRunning: {
		schema.RunStatusIdle, schema.RunStatusIdleWithPendingRequests,
		schema.RunStatusTerminated, schema.RunStatusFailed,
	},
	// A guard can fail a run before its next superstep starts.
	schema.RunStatusIdle:                    {schema.RunStatusRunning, schema.RunStatusTerminated, schema.RunStatusFailed},
	schema.RunStatusIdleWithPendingRequests: {schema.RunStatusRunning, schema.RunStatusTerminated, schema.RunStatusFailed},
	schema.RunStatusTerminated:              {},
	schema.RunStatusFailed:                  {},
}

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM validates run status transitions and emits a status event for each one.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[runHookKey][]TransitionHook
	after    []TransitionHook
}

// NewRunFSM creates a RunFSM that emits status events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before the given transition. A hook error aborts it.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after every successful transition.
func (f *RunFSM) OnAfter(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after = append(f.after, hook)
}

// Transition validates from -> to, runs hooks and emits a status event.
// The caller owns the status field and must store the new value on success.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !slices.Contains(ValidRunTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	for _, hook := range f.before[runHookKey{from, to}] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if f.appender != nil {
		ev := Event{Type: schema.EventStatus, RunID: runID, Status: to}
		if err := f.appender.AppendEvent(ctx, ev); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit status event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	return nil
}
