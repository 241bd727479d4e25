package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/opgraph/internal/checkpoint"
	"github.com/rendis/opgraph/internal/streaming"
	"github.com/rendis/opgraph/internal/validation"
	"github.com/rendis/opgraph/pkg/schema"
)

// ErrorPolicy decides what happens when a handler still fails after its retries.
type ErrorPolicy string

const (
	// ErrorPolicyHalt fails the run.
	ErrorPolicyHalt ErrorPolicy = "halt"
	// ErrorPolicyRedeliver delivers a HandlerFailure to the failing executor.
	ErrorPolicyRedeliver ErrorPolicy = "redeliver"
)

const defaultPoolSize = 8

// ResponseValidator checks input responses against the schema of their request.
type ResponseValidator interface {
	ValidateValue(value any, rawSchema []byte) error
}

// Config holds engine-wide settings shared by every run.
type Config struct {
	Logger        *slog.Logger
	PoolSize      int
	ErrorPolicy   ErrorPolicy
	MaxSupersteps int // 0 means unlimited
	Checkpoints   checkpoint.Store
	Hub           streaming.EventHub
	Observers     []Observer
	Validator     ResponseValidator
}

// Option configures an Engine.
type Option func(*Config)

func WithLogger(l *slog.Logger) Option { return func(c *Config) { c.Logger = l } }

func WithPoolSize(n int) Option { return func(c *Config) { c.PoolSize = n } }

func WithErrorPolicy(p ErrorPolicy) Option { return func(c *Config) { c.ErrorPolicy = p } }

// WithMaxSupersteps fails runs that would execute more than n supersteps.
func WithMaxSupersteps(n int) Option { return func(c *Config) { c.MaxSupersteps = n } }

// WithCheckpointStore enables a checkpoint at the close of every superstep.
func WithCheckpointStore(s checkpoint.Store) Option { return func(c *Config) { c.Checkpoints = s } }

// WithEventHub publishes every run event to the hub.
func WithEventHub(h streaming.EventHub) Option { return func(c *Config) { c.Hub = h } }

func WithObserver(o Observer) Option {
	return func(c *Config) { c.Observers = append(c.Observers, o) }
}

func WithResponseValidator(v ResponseValidator) Option {
	return func(c *Config) { c.Validator = v }
}

// Engine executes runs of one Graph. It is safe for concurrent use; each run
// owns its own state and the engine only shares the worker pool.
type Engine struct {
	graph     *Graph
	cfg       Config
	pool      *WorkerPool
	observers observers

	validatorOnce   sync.Once
	schemaValidator *validation.JSONSchemaValidator
	validatorErr    error
}

// New creates an Engine for g.
func New(g *Graph, opts ...Option) *Engine {
	cfg := Config{PoolSize: defaultPoolSize, ErrorPolicy: ErrorPolicyHalt}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.ErrorPolicy == "" {
		cfg.ErrorPolicy = ErrorPolicyHalt
	}

	return &Engine{
		graph:     g,
		cfg:       cfg,
		pool:      NewWorkerPool(cfg.PoolSize),
		observers: cfg.Observers,
	}
}

// Graph returns the graph this engine executes.
func (e *Engine) Graph() *Graph { return e.graph }

// NewRun creates a PENDING run with a fresh set of executors.
func (e *Engine) NewRun() *Run {
	return e.newRun(uuid.NewString())
}

// Run starts a new run with input and drives it to its first idle point.
func (e *Engine) Run(ctx context.Context, input any) (*Run, *RunResult, error) {
	r := e.NewRun()
	res, err := r.Start(ctx, input)
	return r, res, err
}

// Restore rebuilds a run from a checkpoint. The returned run continues from
// the superstep after the checkpoint when Continue is called.
func (e *Engine) Restore(ctx context.Context, checkpointID string) (*Run, error) {
	if e.cfg.Checkpoints == nil {
		return nil, schema.NewError(schema.ErrCodeCheckpoint, "no checkpoint store configured")
	}

	blob, err := e.cfg.Checkpoints.Load(ctx, checkpointID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpoint, "load checkpoint %s: %s", checkpointID, err.Error()).
			WithCause(err)
	}

	var snap snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpoint, "decode checkpoint %s: %s", checkpointID, err.Error()).
			WithCause(err)
	}
	return e.restoreSnapshot(ctx, &snap)
}

func (e *Engine) restoreSnapshot(ctx context.Context, snap *snapshot) (*Run, error) {
	if snap.Version != snapshotVersion {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpoint, "unsupported checkpoint version %d", snap.Version)
	}
	if snap.Graph != e.graph.name {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpoint,
			"checkpoint %s belongs to graph %s, not %s", snap.CheckpointID, snap.Graph, e.graph.name)
	}

	state, err := decodeRunState(e.graph.registry, snap)
	if err != nil {
		return nil, err
	}

	r := e.newRun(snap.RunID)
	for id, raw := range snap.ExecutorState {
		cp, ok := r.executors[id].(Checkpointer)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeCheckpoint,
				"checkpoint holds state for %s, which does not restore state", id)
		}
		if err := cp.RestoreState(ctx, raw); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCheckpoint, "restore state of %s: %s", id, err.Error()).
				WithExecutor(id).WithCause(err)
		}
	}

	r.state = state
	r.lastCheckpoint = snap.CheckpointID
	switch {
	case snap.Status.IsFinal():
		r.status = snap.Status
	case state.hasWork(e.graph):
		r.status = schema.RunStatusPending
	case len(state.pending) > 0:
		r.status = schema.RunStatusIdleWithPendingRequests
	default:
		r.status = schema.RunStatusIdle
	}
	r.publishView()

	e.cfg.Logger.Debug("run restored",
		"run_id", r.id, "checkpoint_id", snap.CheckpointID, "superstep", snap.Superstep, "status", r.status)
	return r, nil
}

// PoolMetrics reports the shared worker pool's counters.
func (e *Engine) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

// Close shuts the worker pool down after in-flight supersteps finish.
func (e *Engine) Close() {
	e.pool.Shutdown()
}

func (e *Engine) validator() (ResponseValidator, error) {
	if e.cfg.Validator != nil {
		return e.cfg.Validator, nil
	}
	e.validatorOnce.Do(func() {
		e.schemaValidator, e.validatorErr = validation.NewJSONSchemaValidator()
	})
	if e.validatorErr != nil {
		return nil, e.validatorErr
	}
	return e.schemaValidator, nil
}
