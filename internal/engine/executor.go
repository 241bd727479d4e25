package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/rendis/opgraph/pkg/schema"
)

// Executor is a named graph node. Its handlers are the only code allowed to
// touch its private state.
type Executor interface {
	ID() string
	Handlers() []Handler
}

// Handler processes one accepted message type. Collection handlers receive
// one contribution per producer for each completed fan-in wave.
type Handler interface {
	// InputType is the accepted payload type (the element type for collections).
	InputType() reflect.Type
	Collection() bool
	Accepts(payload any) bool
	Handle(ctx context.Context, input any, wc WorkflowContext) error
}

// Factory creates a fresh executor instance. Executors registered through a
// factory are re-instantiated for every run.
type Factory func() Executor

// Checkpointer is implemented by executors whose private state must survive
// checkpoint and restore.
type Checkpointer interface {
	SaveState(ctx context.Context) (json.RawMessage, error)
	RestoreState(ctx context.Context, state json.RawMessage) error
}

// Contribution is one producer's message inside a fan-in wave.
type Contribution[T any] struct {
	Source  string `json:"source"`
	Payload T      `json:"payload"`
}

// InputRequest is a pending pause-for-input raised by a handler.
type InputRequest struct {
	ID             string          `json:"request_id"`
	ExecutorID     string          `json:"executor_id"`
	Payload        any             `json:"payload,omitempty"`
	ResponseSchema json.RawMessage `json:"response_schema,omitempty"`
	Superstep      int             `json:"superstep"`
}

// InputResponse re-enters the run as a message to the executor that raised the request.
type InputResponse struct {
	RequestID string `json:"request_id"`
	Request   any    `json:"request,omitempty"`
	Response  any    `json:"response"`
}

// HandlerFailure is delivered back to a failing executor under ErrorPolicyRedeliver.
type HandlerFailure struct {
	ExecutorID string `json:"executor_id"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Input      any    `json:"input,omitempty"`
	Attempts   int    `json:"attempts"`
}

// --- Typed handlers ---

type typedHandler[T any] struct {
	fn func(ctx context.Context, msg T, wc WorkflowContext) error
}

// HandleFunc adapts a typed function into a single-item Handler.
func HandleFunc[T any](fn func(ctx context.Context, msg T, wc WorkflowContext) error) Handler {
	return typedHandler[T]{fn: fn}
}

func (h typedHandler[T]) InputType() reflect.Type { return reflect.TypeFor[T]() }
func (h typedHandler[T]) Collection() bool        { return false }

func (h typedHandler[T]) Accepts(payload any) bool {
	_, ok := payload.(T)
	return ok
}

func (h typedHandler[T]) Handle(ctx context.Context, input any, wc WorkflowContext) error {
	msg, ok := input.(T)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeHandler, "handler for %s received %T", reflect.TypeFor[T](), input)
	}
	return h.fn(ctx, msg, wc)
}

type collectionHandler[T any] struct {
	fn func(ctx context.Context, items []Contribution[T], wc WorkflowContext) error
}

// HandleCollection adapts a typed function into a fan-in Handler.
func HandleCollection[T any](fn func(ctx context.Context, items []Contribution[T], wc WorkflowContext) error) Handler {
	return collectionHandler[T]{fn: fn}
}

func (h collectionHandler[T]) InputType() reflect.Type { return reflect.TypeFor[T]() }
func (h collectionHandler[T]) Collection() bool        { return true }

func (h collectionHandler[T]) Accepts(payload any) bool {
	_, ok := payload.(T)
	return ok
}

func (h collectionHandler[T]) Handle(ctx context.Context, input any, wc WorkflowContext) error {
	wave, ok := input.([]Contribution[any])
	if !ok {
		return schema.NewErrorf(schema.ErrCodeHandler, "collection handler received %T", input)
	}
	items := make([]Contribution[T], len(wave))
	for i, c := range wave {
		p, ok := c.Payload.(T)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeHandler,
				"contribution from %s is %T, want %s", c.Source, c.Payload, reflect.TypeFor[T]())
		}
		items[i] = Contribution[T]{Source: c.Source, Payload: p}
	}
	return h.fn(ctx, items, wc)
}

// --- Function executors ---

// FuncExecutor is a stateless executor assembled from handlers.
type FuncExecutor struct {
	id       string
	handlers []Handler
}

// NewExecutor creates an executor with the given handlers, tried in order.
func NewExecutor(id string, handlers ...Handler) *FuncExecutor {
	return &FuncExecutor{id: id, handlers: handlers}
}

func (e *FuncExecutor) ID() string          { return e.id }
func (e *FuncExecutor) Handlers() []Handler { return e.handlers }

// singleHandlerFor returns the first single-item handler accepting payload.
func singleHandlerFor(exec Executor, payload any) Handler {
	for _, h := range exec.Handlers() {
		if !h.Collection() && h.Accepts(payload) {
			return h
		}
	}
	return nil
}

// collectionHandlerFor returns the first collection handler accepting payload.
func collectionHandlerFor(exec Executor, payload any) Handler {
	for _, h := range exec.Handlers() {
		if h.Collection() && h.Accepts(payload) {
			return h
		}
	}
	return nil
}

func hasCollectionHandler(exec Executor) bool {
	for _, h := range exec.Handlers() {
		if h.Collection() {
			return true
		}
	}
	return false
}

func safeHandle(ctx context.Context, h Handler, input any, wc WorkflowContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeHandler, "handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, input, wc)
}

func describe(v any) string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%T", v)
}
