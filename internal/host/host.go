// Package host keeps named graphs and their live runs for long-lived
// front ends such as the MCP server and the cron scheduler.
package host

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/rendis/opgraph/internal/declarative"
	"github.com/rendis/opgraph/internal/diagram"
	"github.com/rendis/opgraph/internal/engine"
	"github.com/rendis/opgraph/internal/logging"
	"github.com/rendis/opgraph/pkg/schema"
)

// GraphInfo describes a registered graph.
type GraphInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Start       string   `json:"start"`
	Executors   []string `json:"executors"`
	Schedule    string   `json:"schedule,omitempty"`
}

// RunInfo is a point-in-time view of a tracked run.
type RunInfo struct {
	RunID           string                `json:"run_id"`
	Graph           string                `json:"graph"`
	Status          schema.RunStatus      `json:"status"`
	Outputs         []any                 `json:"outputs,omitempty"`
	PendingRequests []engine.InputRequest `json:"pending_requests,omitempty"`
	CheckpointID    string                `json:"checkpoint_id,omitempty"`
	Events          int                   `json:"events"`
}

type graphEntry struct {
	info   GraphInfo
	def    *schema.GraphDefinition
	engine *engine.Engine
}

type runEntry struct {
	graph string
	run   *engine.Run
}

// Host is safe for concurrent use. Calls on one run are serialized by the run itself.
type Host struct {
	opts   []engine.Option
	logger *slog.Logger

	mu     sync.RWMutex
	graphs map[string]*graphEntry
	runs   map[string]*runEntry
}

// New creates a Host whose engines all share opts.
func New(logger *slog.Logger, opts ...engine.Option) *Host {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Host{
		opts:   opts,
		logger: logger,
		graphs: make(map[string]*graphEntry),
		runs:   make(map[string]*runEntry),
	}
}

// Register makes g available under its name. def may be nil for graphs built in code.
func (h *Host) Register(def *schema.GraphDefinition, g *engine.Graph) error {
	if g == nil {
		return schema.NewError(schema.ErrCodeValidation, "graph is nil")
	}
	opts := h.opts
	info := GraphInfo{Name: g.Name(), Start: g.Start(), Executors: g.ExecutorIDs()}
	if def != nil {
		opts = append(append([]engine.Option{}, h.opts...), declarative.EngineOptions(def)...)
		info.Description = def.Description
		info.Schedule = def.Schedule
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.graphs[g.Name()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "graph %s already registered", g.Name())
	}
	h.graphs[g.Name()] = &graphEntry{info: info, def: def, engine: engine.New(g, opts...)}
	h.logger.Info("graph registered", slog.String("graph", g.Name()))
	return nil
}

// Graphs lists registered graphs sorted by name.
func (h *Host) Graphs() []GraphInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]GraphInfo, 0, len(h.graphs))
	for _, e := range h.graphs {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Definition returns the declarative form of a graph, if it has one.
func (h *Host) Definition(name string) (*schema.GraphDefinition, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.graphs[name]
	if !ok || e.def == nil {
		return nil, false
	}
	return e.def, true
}

// Run starts a new run of the named graph. The run is tracked even when it fails.
func (h *Host) Run(ctx context.Context, name string, input any) (*engine.RunResult, error) {
	eng, err := h.engineFor(name)
	if err != nil {
		return nil, err
	}
	run := eng.NewRun()
	h.track(name, run)
	h.logger.Info("run started", slog.String("graph", name), slog.String("run_id", run.ID()))
	return run.Start(ctx, input)
}

// RunScheduled runs the named graph for the cron scheduler.
func (h *Host) RunScheduled(ctx context.Context, graph string, input any) error {
	_, err := h.Run(ctx, graph, input)
	return err
}

// Resume restores a run of the named graph from a checkpoint and drives it
// as far as it can go.
func (h *Host) Resume(ctx context.Context, name, checkpointID string) (*engine.RunResult, error) {
	eng, err := h.engineFor(name)
	if err != nil {
		return nil, err
	}
	run, err := eng.Restore(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	h.track(name, run)
	return run.Continue(ctx)
}

// Respond answers pending input requests of a run.
func (h *Host) Respond(ctx context.Context, runID string, responses map[string]any) (*engine.RunResult, error) {
	e, err := h.runFor(runID)
	if err != nil {
		return nil, err
	}
	return e.run.SendResponses(ctx, responses)
}

// Cancel requests cancellation of a run.
func (h *Host) Cancel(runID string) error {
	e, err := h.runFor(runID)
	if err != nil {
		return err
	}
	e.run.Cancel()
	return nil
}

// Status returns the current view of a run.
func (h *Host) Status(runID string) (*RunInfo, error) {
	e, err := h.runFor(runID)
	if err != nil {
		return nil, err
	}
	return &RunInfo{
		RunID:           runID,
		Graph:           e.graph,
		Status:          e.run.Status(),
		Outputs:         e.run.Outputs(),
		PendingRequests: e.run.PendingRequests(),
		CheckpointID:    e.run.LastCheckpoint(),
		Events:          len(e.run.Events()),
	}, nil
}

// Events returns the full event log of a run.
func (h *Host) Events(runID string) ([]engine.Event, error) {
	e, err := h.runFor(runID)
	if err != nil {
		return nil, err
	}
	return e.run.Events(), nil
}

// Diagram models the named graph. With a run ID, nodes carry that run's progress.
func (h *Host) Diagram(name, runID string) (*diagram.DiagramModel, error) {
	eng, err := h.engineFor(name)
	if err != nil {
		return nil, err
	}
	if runID == "" {
		return diagram.Build(eng.Graph(), nil), nil
	}
	e, err := h.runFor(runID)
	if err != nil {
		return nil, err
	}
	if e.graph != name {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "run %s belongs to graph %s, not %s", runID, e.graph, name)
	}
	return diagram.Build(eng.Graph(), e.run.Events()), nil
}

// PoolMetrics reports the worker pool counters of the named graph's engine.
func (h *Host) PoolMetrics(name string) (engine.PoolMetrics, error) {
	eng, err := h.engineFor(name)
	if err != nil {
		return engine.PoolMetrics{}, err
	}
	return eng.PoolMetrics(), nil
}

// Forget stops tracking a run that has reached a final status.
func (h *Host) Forget(runID string) error {
	e, err := h.runFor(runID)
	if err != nil {
		return err
	}
	if st := e.run.Status(); !st.IsFinal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is %s", runID, st)
	}
	h.mu.Lock()
	delete(h.runs, runID)
	h.mu.Unlock()
	return nil
}

// Close shuts down the worker pools of every registered graph.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.graphs {
		e.engine.Close()
	}
}

func (h *Host) engineFor(name string) (*engine.Engine, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.graphs[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "graph %s not registered", name)
	}
	return e.engine, nil
}

func (h *Host) runFor(runID string) (*runEntry, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.runs[runID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", runID)
	}
	return e, nil
}

func (h *Host) track(graph string, run *engine.Run) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs[run.ID()] = &runEntry{graph: graph, run: run}
}
