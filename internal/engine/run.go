package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opgraph/internal/logging"
	"github.com/rendis/opgraph/internal/streaming"
	"github.com/rendis/opgraph/pkg/schema"
)

// RunResult summarizes one Start, Continue or SendResponses call.
type RunResult struct {
	RunID           string           `json:"run_id"`
	Status          schema.RunStatus `json:"status"`
	Outputs         []any            `json:"outputs,omitempty"`
	Events          []Event          `json:"events,omitempty"`
	PendingRequests []InputRequest   `json:"pending_requests,omitempty"`
	CheckpointID    string           `json:"checkpoint_id,omitempty"`
	Supersteps      int              `json:"supersteps"`
}

// Run is one execution of a Graph. Start, Continue, SendResponses and
// Checkpoint are serialized; the read accessors are safe at any time.
type Run struct {
	engine    *Engine
	graph     *Graph
	id        string
	executors map[string]Executor
	fsm       *RunFSM
	logger    *slog.Logger

	// mu is held by the goroutine driving the run. It owns state.
	mu         sync.Mutex
	state      *runState
	terminated bool

	viewMu         sync.RWMutex
	status         schema.RunStatus
	events         []Event
	eventSeq       int64
	outputs        []any
	pending        []InputRequest
	lastCheckpoint string

	cancelRequested atomic.Bool
}

func (e *Engine) newRun(id string) *Run {
	r := &Run{
		engine:    e,
		graph:     e.graph,
		id:        id,
		executors: make(map[string]Executor, len(e.graph.order)),
		state:     newRunState(),
		status:    schema.RunStatusPending,
		logger:    e.cfg.Logger.With("graph", e.graph.name),
	}
	for _, nodeID := range e.graph.order {
		r.executors[nodeID] = e.graph.nodes[nodeID].instantiate()
	}

	r.fsm = NewRunFSM(r)
	if len(e.observers) > 0 {
		r.fsm.OnAfter(func(from, to schema.RunStatus) error {
			e.observers.runStatusChanged(id, from, to)
			return nil
		})
	}
	return r
}

// ID returns the run ID.
func (r *Run) ID() string { return r.id }

// Status returns the current run status.
func (r *Run) Status() schema.RunStatus {
	r.viewMu.RLock()
	defer r.viewMu.RUnlock()
	return r.status
}

// Outputs returns every payload yielded so far, in order.
func (r *Run) Outputs() []any {
	r.viewMu.RLock()
	defer r.viewMu.RUnlock()
	return slices.Clone(r.outputs)
}

// PendingRequests returns the unanswered input requests.
func (r *Run) PendingRequests() []InputRequest {
	r.viewMu.RLock()
	defer r.viewMu.RUnlock()
	return slices.Clone(r.pending)
}

// Events returns the full event stream of the run.
func (r *Run) Events() []Event {
	r.viewMu.RLock()
	defer r.viewMu.RUnlock()
	return slices.Clone(r.events)
}

// LastCheckpoint returns the ID of the most recent checkpoint, if any.
func (r *Run) LastCheckpoint() string {
	r.viewMu.RLock()
	defer r.viewMu.RUnlock()
	return r.lastCheckpoint
}

// AppendEvent stamps and records an event, then publishes it to the hub.
func (r *Run) AppendEvent(ctx context.Context, ev Event) error {
	r.viewMu.Lock()
	r.eventSeq++
	ev.RunID = r.id
	ev.Sequence = r.eventSeq
	if ev.Type == schema.EventStatus {
		ev.Superstep = r.state.superstep
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	r.events = append(r.events, ev)
	r.viewMu.Unlock()

	if hub := r.engine.cfg.Hub; hub != nil {
		err := hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
			RunID:      ev.RunID,
			ExecutorID: ev.ExecutorID,
			EventType:  ev.Type,
			Sequence:   ev.Sequence,
			Payload:    ev,
		})
		if err != nil {
			r.logger.Debug("event publish failed", "run_id", r.id, "event", ev.Type, "error", err)
		}
	}
	return nil
}

func (r *Run) emit(ctx context.Context, ev Event) {
	_ = r.AppendEvent(ctx, ev)
}

// Start delivers input to the start executor and drives the run until it is
// idle, waiting for input, terminated or failed.
func (r *Run) Start(ctx context.Context, input any) (*RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st := r.Status(); st != schema.RunStatusPending || r.state.superstep > 0 || r.state.hasWork(r.graph) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s already started (status %s)", r.id, st)
	}
	start := r.graph.start
	if singleHandlerFor(r.executors[start], input) == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"start executor %s has no handler for %s", start, describe(input)).WithExecutor(start)
	}

	r.state.enqueue(start, "", input)
	return r.drive(ctx)
}

// Continue resumes a run that has queued work, such as one restored from a
// checkpoint or one whose previous call stopped on a checkpoint error.
func (r *Run) Continue(ctx context.Context) (*RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st := r.Status(); st.IsFinal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s is %s", r.id, st)
	}
	return r.drive(ctx)
}

// SendResponses answers pending input requests, keyed by request ID, and
// drives the run. Either all responses are accepted or none is.
func (r *Run) SendResponses(ctx context.Context, responses map[string]any) (*RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st := r.Status(); st.IsFinal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s is %s", r.id, st)
	}

	known := make(map[string]InputRequest, len(r.state.pending))
	for _, req := range r.state.pending {
		known[req.ID] = req
	}
	for id, resp := range responses {
		req, ok := known[id]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no pending request %s", id)
		}
		if len(req.ResponseSchema) == 0 {
			continue
		}
		v, err := r.engine.validator()
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "response validator unavailable").WithCause(err)
		}
		if err := v.ValidateValue(resp, req.ResponseSchema); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "response to %s rejected: %s", id, err.Error()).
				WithExecutor(req.ExecutorID).WithCause(err)
		}
	}

	// Responses are enqueued in request order so delivery is deterministic.
	for _, req := range slices.Clone(r.state.pending) {
		resp, ok := responses[req.ID]
		if !ok {
			continue
		}
		r.state.takePending(req.ID)
		r.deliver(ctx, "", req.ExecutorID, InputResponse{RequestID: req.ID, Request: req.Payload, Response: resp})
	}
	r.publishView()
	return r.drive(ctx)
}

// Cancel requests cooperative cancellation. A run that is not executing is
// terminated immediately; otherwise at the next superstep boundary.
func (r *Run) Cancel() {
	r.cancelRequested.Store(true)
	if !r.mu.TryLock() {
		return
	}
	defer r.mu.Unlock()
	if !r.Status().IsFinal() {
		_ = r.terminate(context.Background())
	}
}

// Checkpoint snapshots the run at its current boundary.
func (r *Run) Checkpoint(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkpoint(ctx)
}

func (r *Run) drive(ctx context.Context) (*RunResult, error) {
	mark := len(r.Events())
	first := r.state.superstep
	err := r.loop(ctx)
	// A Cancel that lost the lock to this call is applied before it returns.
	if r.cancelRequested.Load() && !r.Status().IsFinal() {
		if cerr := r.cancelled(ctx); err == nil {
			err = cerr
		}
	}

	r.viewMu.RLock()
	res := &RunResult{
		RunID:           r.id,
		Status:          r.status,
		Outputs:         slices.Clone(r.outputs),
		Events:          slices.Clone(r.events[mark:]),
		PendingRequests: slices.Clone(r.pending),
		CheckpointID:    r.lastCheckpoint,
		Supersteps:      r.state.superstep - first,
	}
	r.viewMu.RUnlock()
	return res, err
}

func (r *Run) loop(ctx context.Context) error {
	limit := r.engine.cfg.MaxSupersteps
	for {
		if r.cancelRequested.Load() || ctx.Err() != nil {
			return r.cancelled(ctx)
		}

		if !r.state.hasWork(r.graph) {
			if len(r.state.pending) > 0 {
				return r.transition(ctx, schema.RunStatusIdleWithPendingRequests)
			}
			return r.transition(ctx, schema.RunStatusIdle)
		}

		if limit > 0 && r.state.superstep >= limit {
			return r.fail(ctx, schema.NewErrorf(schema.ErrCodeMaxSupersteps,
				"run %s exceeded %d supersteps", r.id, limit))
		}

		if err := r.transition(ctx, schema.RunStatusRunning); err != nil {
			return err
		}
		if err := r.superstep(ctx); err != nil {
			return err
		}

		if r.terminated {
			return r.terminate(ctx)
		}
		if r.engine.cfg.Checkpoints != nil {
			if _, err := r.checkpoint(ctx); err != nil {
				return err
			}
		}
	}
}

func (r *Run) transition(ctx context.Context, to schema.RunStatus) error {
	from := r.Status()
	if from == to {
		return nil
	}
	if err := r.fsm.Transition(ctx, r.id, from, to); err != nil {
		return err
	}
	r.viewMu.Lock()
	r.status = to
	r.viewMu.Unlock()
	r.logger.Debug("run status changed", "run_id", r.id, "from", from, "to", to)
	return nil
}

// terminate discards pending requests and ends the run.
func (r *Run) terminate(ctx context.Context) error {
	r.state.pending = nil
	r.publishView()
	return r.transition(ctx, schema.RunStatusTerminated)
}

func (r *Run) cancelled(ctx context.Context) error {
	if err := r.terminate(ctx); err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeCancelled, "run %s cancelled", r.id).WithCause(context.Cause(ctx))
}

func (r *Run) fail(ctx context.Context, cause error) error {
	r.logger.Error("run failed", "run_id", r.id, "superstep", r.state.superstep, "error", cause)
	if err := r.transition(ctx, schema.RunStatusFailed); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (r *Run) publishView() {
	r.viewMu.Lock()
	defer r.viewMu.Unlock()
	r.outputs = slices.Clone(r.state.outputs)
	r.pending = slices.Clone(r.state.pending)
}

// --- Supersteps ---

func (r *Run) superstep(ctx context.Context) error {
	began := time.Now()
	works := r.state.takeWork(r.graph)
	r.state.superstep++
	step := r.state.superstep

	stepCtx := logging.WithSuperstep(logging.WithRunID(ctx, r.id), step)
	r.emit(stepCtx, Event{Type: schema.EventSuperstepStarted, Superstep: step})
	logging.LogWith(stepCtx, r.logger).Debug("superstep started", "executors", len(works))

	// Handlers always finish; cancellation is only observed between supersteps.
	hctx := context.WithoutCancel(stepCtx)
	results := make([][]*invocation, len(works))
	tasks := make([]func(context.Context) error, len(works))
	for i, w := range works {
		tasks[i] = func(ctx context.Context) error {
			results[i] = r.invokeAll(ctx, step, w)
			return nil
		}
	}
	for i, err := range r.engine.pool.RunAll(hctx, tasks) {
		if err != nil {
			return r.fail(ctx, schema.NewErrorf(schema.ErrCodeHandler, "dispatch %s: %s", works[i].executorID, err.Error()).
				WithExecutor(works[i].executorID).WithCause(err))
		}
	}

	for _, invs := range results {
		for _, inv := range invs {
			if err := r.apply(stepCtx, inv); err != nil {
				r.publishView()
				return err
			}
		}
	}
	r.publishView()

	elapsed := time.Since(began)
	r.emit(stepCtx, Event{Type: schema.EventSuperstepCompleted, Superstep: step})
	r.engine.observers.superstepCompleted(r.id, step, elapsed)
	return nil
}

// invokeAll runs one executor's inputs for a superstep, serially and in order.
func (r *Run) invokeAll(ctx context.Context, step int, w work) []*invocation {
	exec := r.executors[w.executorID]
	out := make([]*invocation, 0, len(w.items))
	for _, item := range w.items {
		inv := r.invoke(ctx, step, exec, item)
		if inv == nil {
			continue
		}
		out = append(out, inv)
		if inv.err != nil && r.engine.cfg.ErrorPolicy != ErrorPolicyRedeliver {
			break
		}
	}
	return out
}

func (r *Run) invoke(ctx context.Context, step int, exec Executor, item workItem) *invocation {
	id := exec.ID()
	var h Handler
	if item.collection {
		wave := item.input.([]Contribution[any])
		h = collectionHandlerFor(exec, wave[0].Payload)
	} else {
		h = singleHandlerFor(exec, item.input)
	}
	if h == nil {
		r.logger.Debug("no handler for message", "run_id", r.id, "executor_id", id, "type", describe(item.input))
		return nil
	}

	policy := r.graph.retry[id]
	for attempt := 0; ; attempt++ {
		inv := &invocation{
			runID:      r.id,
			executorID: id,
			superstep:  step,
			graph:      r.graph,
			input:      item.input,
			collection: item.collection,
			attempts:   attempt + 1,
		}
		ictx := logging.WithIDs(ctx, r.id, id, step)
		inv.logger = logging.LogWith(ictx, r.logger)
		ictx = r.engine.observers.invocationStarted(ictx, r.id, id, step)

		began := time.Now()
		err := safeHandle(ictx, h, item.input, inv)
		inv.elapsed = time.Since(began)
		if err != nil {
			inv.err = schema.NewError(schema.ErrCodeHandler, err.Error()).WithExecutor(id).WithCause(err)
		}
		r.engine.observers.invocationFinished(ictx, r.id, id, inv.outcome(), inv.elapsed, inv.err)

		if err == nil || policy == nil || attempt >= policy.Max || !IsRetryableError(err) {
			return inv
		}
		inv.logger.Warn("handler failed, retrying", "attempt", attempt+1, "max", policy.Max, "error", err)
		if werr := WaitForBackoff(ctx, ComputeBackoff(policy, attempt)); werr != nil {
			return inv
		}
	}
}

// apply commits the buffered effects of one invocation.
func (r *Run) apply(ctx context.Context, inv *invocation) error {
	id := inv.executorID
	r.emit(ctx, Event{Type: schema.EventExecutorInvoked, Superstep: inv.superstep, ExecutorID: id, Data: inv.input})

	if inv.err != nil {
		r.emit(ctx, Event{
			Type: schema.EventExecutorFailed, Superstep: inv.superstep, ExecutorID: id,
			Outcome: schema.OutcomeFailed, Error: inv.err.Error(),
		})
		if r.redeliver(ctx, inv) {
			return nil
		}
		return r.fail(ctx, inv.err)
	}

	transfer := inv.transferTarget()
	for _, out := range inv.sends {
		if err := r.route(ctx, id, out, transfer); err != nil {
			return r.fail(ctx, err)
		}
	}
	if transfer != "" {
		r.emit(ctx, Event{Type: schema.EventHandoffSent, Superstep: inv.superstep, ExecutorID: id, Source: id, Target: transfer})
	}

	for _, out := range inv.outputs {
		r.state.outputs = append(r.state.outputs, out)
		r.emit(ctx, Event{Type: schema.EventOutput, Superstep: inv.superstep, ExecutorID: id, Data: out})
	}
	for _, req := range inv.requests {
		r.state.addPending(req)
		r.emit(ctx, Event{Type: schema.EventUserInputRequest, Superstep: inv.superstep, ExecutorID: id, Request: &req})
	}
	if inv.terminated {
		r.terminated = true
	}

	r.emit(ctx, Event{
		Type: schema.EventExecutorCompleted, Superstep: inv.superstep, ExecutorID: id,
		Data: inv.emitted(), Outcome: inv.outcome(),
	})
	return nil
}

// redeliver queues a HandlerFailure for the failing executor when the error
// policy allows it. A failure raised while handling a failure is never redelivered.
func (r *Run) redeliver(ctx context.Context, inv *invocation) bool {
	if r.engine.cfg.ErrorPolicy != ErrorPolicyRedeliver {
		return false
	}
	if _, again := inv.input.(HandlerFailure); again {
		return false
	}
	failure := HandlerFailure{
		ExecutorID: inv.executorID,
		Code:       schema.ErrCodeHandler,
		Message:    inv.err.Error(),
		Input:      inv.input,
		Attempts:   inv.attempts,
	}
	var gErr *schema.GraphError
	if errors.As(inv.err, &gErr) {
		failure.Code = gErr.Code
		failure.Message = gErr.Message
	}
	if singleHandlerFor(r.executors[inv.executorID], failure) == nil {
		return false
	}
	r.state.enqueue(inv.executorID, inv.executorID, failure)
	logging.LogWith(ctx, r.logger).Warn("handler failure redelivered", "executor_id", inv.executorID)
	return true
}

// route resolves the targets of one sent message and delivers it.
func (r *Run) route(ctx context.Context, source string, out outgoing, transfer string) error {
	var fired []string
	if transfer != "" {
		fired = []string{transfer}
	} else {
		for _, grp := range r.graph.groups[source] {
			if grp.mode == modeHandoff {
				continue
			}
			targets, err := grp.route(ctx, out.payload, out.targets)
			if err != nil {
				code := schema.CodeOf(err)
				if code == "" {
					code = schema.ErrCodeHandler
				}
				return schema.NewError(code, err.Error()).WithExecutor(source).WithCause(err)
			}
			fired = append(fired, targets...)
		}
	}

	if len(fired) == 0 {
		logging.LogWith(ctx, r.logger).Debug("message dropped: no edge fired",
			"source", source, "type", describe(out.payload))
		return nil
	}
	for _, target := range fired {
		r.deliver(ctx, source, target, out.payload)
	}
	return nil
}

// deliver places payload in target's fan-in buffer or queue, or drops it when
// target has no handler for it.
func (r *Run) deliver(ctx context.Context, source, target string, payload any) {
	exec := r.executors[target]
	if slices.Contains(r.graph.producers[target], source) && collectionHandlerFor(exec, payload) != nil {
		r.state.deposit(target, source, payload)
		return
	}
	if singleHandlerFor(exec, payload) != nil {
		r.state.enqueue(target, source, payload)
		return
	}
	logging.LogWith(ctx, r.logger).Debug("message dropped: no handler",
		"source", source, "target", target, "type", describe(payload))
}

// --- Checkpoints ---

func (r *Run) boundaryStatus() schema.RunStatus {
	switch {
	case r.state.hasWork(r.graph):
		return schema.RunStatusRunning
	case len(r.state.pending) > 0:
		return schema.RunStatusIdleWithPendingRequests
	default:
		return schema.RunStatusIdle
	}
}

func (r *Run) checkpoint(ctx context.Context) (string, error) {
	store := r.engine.cfg.Checkpoints
	if store == nil {
		return "", schema.NewError(schema.ErrCodeCheckpoint, "no checkpoint store configured")
	}

	snap, err := r.snapshot(ctx)
	if err != nil {
		return "", err
	}
	blob, err := json.Marshal(snap)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeCheckpoint, "encode checkpoint: %s", err.Error()).WithCause(err)
	}
	if err := store.Save(ctx, snap.CheckpointID, blob); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeCheckpoint, "save checkpoint %s: %s", snap.CheckpointID, err.Error()).
			WithCause(err)
	}

	r.viewMu.Lock()
	r.lastCheckpoint = snap.CheckpointID
	r.viewMu.Unlock()
	r.emit(ctx, Event{Type: schema.EventCheckpoint, Superstep: r.state.superstep, CheckpointID: snap.CheckpointID})
	return snap.CheckpointID, nil
}

func (r *Run) snapshot(ctx context.Context) (*snapshot, error) {
	snap := &snapshot{
		Version:       snapshotVersion,
		CheckpointID:  uuid.NewString(),
		RunID:         r.id,
		Graph:         r.graph.name,
		Status:        r.boundaryStatus(),
		ExecutorState: make(map[string]json.RawMessage),
		CreatedAt:     time.Now().UTC(),
	}
	if st := r.Status(); st.IsFinal() {
		snap.Status = st
	}
	if err := r.state.encode(r.graph.registry, snap); err != nil {
		return nil, err
	}

	for _, id := range r.graph.order {
		cp, ok := r.executors[id].(Checkpointer)
		if !ok {
			continue
		}
		raw, err := cp.SaveState(ctx)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCheckpoint, "save state of %s: %s", id, err.Error()).
				WithExecutor(id).WithCause(err)
		}
		snap.ExecutorState[id] = raw
	}
	return snap, nil
}
