package engine

import (
	"encoding/json"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opgraph/pkg/schema"
)

// WorkflowContext is the per-invocation handle a handler uses to route
// messages, emit output and pause for input. Effects are buffered and only
// applied by the scheduler once the superstep's invocations have all finished.
type WorkflowContext interface {
	RunID() string
	ExecutorID() string
	Superstep() int
	// SendMessage routes payload along the executor's outgoing edges,
	// optionally restricted to the given targets.
	SendMessage(payload any, targets ...string)
	// YieldOutput appends payload to the run's output. It does not end the run.
	YieldOutput(payload any)
	// RequestInput raises an input request and returns its ID.
	RequestInput(payload any, opts ...RequestOption) string
	// Transfer hands control to target along a permitted handoff edge.
	Transfer(target string) error
	Logger() *slog.Logger
}

// RequestOption customizes an InputRequest.
type RequestOption func(*InputRequest)

// WithResponseSchema attaches a JSON Schema every response must satisfy.
func WithResponseSchema(s json.RawMessage) RequestOption {
	return func(r *InputRequest) {
		r.ResponseSchema = s
	}
}

type outgoing struct {
	payload any
	targets []string
}

// invocation implements WorkflowContext and records the effects of one handler call.
type invocation struct {
	runID      string
	executorID string
	superstep  int
	graph      *Graph
	logger     *slog.Logger

	input      any
	collection bool
	attempts   int
	elapsed    time.Duration

	sends      []outgoing
	outputs    []any
	requests   []InputRequest
	transfer   string
	terminated bool
	err        error
}

func (i *invocation) RunID() string        { return i.runID }
func (i *invocation) ExecutorID() string   { return i.executorID }
func (i *invocation) Superstep() int       { return i.superstep }
func (i *invocation) Logger() *slog.Logger { return i.logger }

func (i *invocation) SendMessage(payload any, targets ...string) {
	i.sends = append(i.sends, outgoing{payload: payload, targets: slices.Clone(targets)})
}

func (i *invocation) YieldOutput(payload any) {
	i.outputs = append(i.outputs, payload)
}

func (i *invocation) RequestInput(payload any, opts ...RequestOption) string {
	req := InputRequest{
		ID:         uuid.NewString(),
		ExecutorID: i.executorID,
		Payload:    payload,
		Superstep:  i.superstep,
	}
	for _, opt := range opts {
		opt(&req)
	}
	i.requests = append(i.requests, req)
	return req.ID
}

func (i *invocation) Transfer(target string) error {
	if !slices.Contains(i.graph.handoffs[i.executorID], target) {
		return schema.NewErrorf(schema.ErrCodeHandler,
			"transfer from %s to %s is not a permitted handoff", i.executorID, target).
			WithExecutor(i.executorID)
	}
	i.transfer = target
	return nil
}

func (i *invocation) transferTarget() string { return i.transfer }

func (i *invocation) cancelTransfer() { i.transfer = "" }

func (i *invocation) terminate() { i.terminated = true }

func (i *invocation) outcome() schema.Outcome {
	switch {
	case i.err != nil:
		return schema.OutcomeFailed
	case len(i.requests) > 0:
		return schema.OutcomeSuspended
	case len(i.outputs) > 0:
		return schema.OutcomeYielded
	default:
		return schema.OutcomeCompleted
	}
}

// emitted returns the sent payloads followed by the yielded outputs.
func (i *invocation) emitted() []any {
	if len(i.sends)+len(i.outputs) == 0 {
		return nil
	}
	out := make([]any, 0, len(i.sends)+len(i.outputs))
	for _, s := range i.sends {
		out = append(out, s.payload)
	}
	return append(out, i.outputs...)
}

// controlContext is the engine-internal surface used by handoff participants.
type controlContext interface {
	transferTarget() string
	cancelTransfer()
	terminate()
}
