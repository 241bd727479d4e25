package engine

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/opgraph/pkg/schema"
)

// RequestInterceptor may answer a nested input request itself. When handled
// is false the request is re-raised to the parent run.
type RequestInterceptor func(ctx context.Context, req InputRequest) (response any, handled bool, err error)

// SubWorkflowOption configures a sub-workflow node.
type SubWorkflowOption func(*subWorkflowConfig)

type subWorkflowConfig struct {
	mapOutput   func(output any) any
	intercept   RequestInterceptor
	nestedOpts  []Option
	nestedOnce  sync.Once
	nestedGraph *Graph
	nested      *Engine
}

// WithOutputMapper transforms every nested output before it is sent on the
// parent's outgoing edges. The default forwards outputs unchanged.
func WithOutputMapper(fn func(output any) any) SubWorkflowOption {
	return func(c *subWorkflowConfig) { c.mapOutput = fn }
}

// WithRequestInterceptor offers nested input requests to fn before they reach the parent.
func WithRequestInterceptor(fn RequestInterceptor) SubWorkflowOption {
	return func(c *subWorkflowConfig) { c.intercept = fn }
}

// WithNestedOptions configures the engine that executes nested runs.
func WithNestedOptions(opts ...Option) SubWorkflowOption {
	return func(c *subWorkflowConfig) { c.nestedOpts = append(c.nestedOpts, opts...) }
}

func (c *subWorkflowConfig) engine() *Engine {
	c.nestedOnce.Do(func() {
		c.nested = New(c.nestedGraph, c.nestedOpts...)
	})
	return c.nested
}

// NewSubWorkflow wraps g as an executor factory. Every message delivered to
// the node starts an independent nested run keyed by a fresh correlation ID.
func NewSubWorkflow(id string, g *Graph, opts ...SubWorkflowOption) Factory {
	cfg := &subWorkflowConfig{nestedGraph: g}
	for _, opt := range opts {
		opt(cfg)
	}
	return func() Executor {
		return &subWorkflow{
			id:        id,
			cfg:       cfg,
			runs:      make(map[string]*Run),
			emitted:   make(map[string]int),
			forwarded: make(map[string]forwardedRequest),
		}
	}
}

// AddSubWorkflow registers g as a nested workflow node and makes its payload
// types known to this graph's checkpoint registry.
func (b *Builder) AddSubWorkflow(id string, g *Graph, opts ...SubWorkflowOption) *Builder {
	if g == nil {
		b.issues.AddError("executors."+id, schema.ErrCodeBuild, "sub-workflow graph is nil")
		return b
	}
	b.types = append(b.types, g.registry.Types()...)
	return b.AddFactory(id, NewSubWorkflow(id, g, opts...))
}

type forwardedRequest struct {
	Correlation string `json:"correlation_id"`
	NestedID    string `json:"nested_request_id"`
}

type subWorkflow struct {
	id        string
	cfg       *subWorkflowConfig
	runs      map[string]*Run
	emitted   map[string]int
	forwarded map[string]forwardedRequest
}

func (s *subWorkflow) ID() string { return s.id }

func (s *subWorkflow) Handlers() []Handler {
	return []Handler{
		HandleFunc(s.handleResponse),
		HandleFunc(s.handleInput),
	}
}

func (s *subWorkflow) handleInput(ctx context.Context, input any, wc WorkflowContext) error {
	correlation := uuid.NewString()
	run := s.cfg.engine().newRun(correlation)

	wc.Logger().Debug("nested run started", "correlation_id", correlation, "graph", s.cfg.nestedGraph.name)
	res, err := run.Start(ctx, input)
	if err != nil {
		return err
	}
	s.runs[correlation] = run
	return s.settle(ctx, correlation, res, wc)
}

func (s *subWorkflow) handleResponse(ctx context.Context, resp InputResponse, wc WorkflowContext) error {
	fwd, ok := s.forwarded[resp.RequestID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no nested request forwarded as %s", resp.RequestID)
	}
	run, ok := s.runs[fwd.Correlation]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "nested run %s is gone", fwd.Correlation)
	}
	delete(s.forwarded, resp.RequestID)

	res, err := run.SendResponses(ctx, map[string]any{fwd.NestedID: resp.Response})
	if err != nil {
		return err
	}
	return s.settle(ctx, fwd.Correlation, res, wc)
}

// settle forwards new nested outputs, resolves or re-raises nested requests
// and forgets the nested run once it has nothing left to wait for.
func (s *subWorkflow) settle(ctx context.Context, correlation string, res *RunResult, wc WorkflowContext) error {
	run := s.runs[correlation]
	for {
		for _, out := range res.Outputs[s.emitted[correlation]:] {
			if s.cfg.mapOutput != nil {
				out = s.cfg.mapOutput(out)
			}
			wc.SendMessage(out)
		}
		s.emitted[correlation] = len(res.Outputs)

		answers := make(map[string]any)
		for _, req := range res.PendingRequests {
			if s.isForwarded(correlation, req.ID) {
				continue
			}
			if s.cfg.intercept != nil {
				resp, handled, err := s.cfg.intercept(ctx, req)
				if err != nil {
					return err
				}
				if handled {
					answers[req.ID] = resp
					continue
				}
			}
			parentID := wc.RequestInput(req.Payload, WithResponseSchema(req.ResponseSchema))
			s.forwarded[parentID] = forwardedRequest{Correlation: correlation, NestedID: req.ID}
		}
		if len(answers) == 0 {
			break
		}

		var err error
		res, err = run.SendResponses(ctx, answers)
		if err != nil {
			return err
		}
	}

	if res.Status.IsFinal() || len(res.PendingRequests) == 0 {
		delete(s.runs, correlation)
		delete(s.emitted, correlation)
		for id, fwd := range s.forwarded {
			if fwd.Correlation == correlation {
				delete(s.forwarded, id)
			}
		}
	}
	return nil
}

func (s *subWorkflow) isForwarded(correlation, nestedID string) bool {
	for _, fwd := range s.forwarded {
		if fwd.Correlation == correlation && fwd.NestedID == nestedID {
			return true
		}
	}
	return false
}

type subWorkflowState struct {
	Runs      map[string]*snapshot        `json:"runs,omitempty"`
	Emitted   map[string]int              `json:"emitted,omitempty"`
	Forwarded map[string]forwardedRequest `json:"forwarded,omitempty"`
}

func (s *subWorkflow) SaveState(ctx context.Context) (json.RawMessage, error) {
	st := subWorkflowState{
		Runs:      make(map[string]*snapshot, len(s.runs)),
		Emitted:   maps.Clone(s.emitted),
		Forwarded: maps.Clone(s.forwarded),
	}
	for _, correlation := range slices.Sorted(maps.Keys(s.runs)) {
		run := s.runs[correlation]
		run.mu.Lock()
		snap, err := run.snapshot(ctx)
		run.mu.Unlock()
		if err != nil {
			return nil, err
		}
		st.Runs[correlation] = snap
	}
	return json.Marshal(st)
}

func (s *subWorkflow) RestoreState(ctx context.Context, raw json.RawMessage) error {
	var st subWorkflowState
	if err := json.Unmarshal(raw, &st); err != nil {
		return err
	}
	for correlation, snap := range st.Runs {
		run, err := s.cfg.engine().restoreSnapshot(ctx, snap)
		if err != nil {
			return err
		}
		s.runs[correlation] = run
	}
	if st.Emitted != nil {
		s.emitted = st.Emitted
	}
	if st.Forwarded != nil {
		s.forwarded = st.Forwarded
	}
	return nil
}
