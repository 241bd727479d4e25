package engine

import (
	"encoding/json"
	"reflect"
	"sync"

	"github.com/rendis/opgraph/pkg/schema"
)

// encodedPayload is the checkpoint form of a message payload. An empty Type
// means the payload was stored as plain JSON and restores as generic values.
type encodedPayload struct {
	Type string          `json:"type,omitempty"`
	Data json.RawMessage `json:"data"`
}

type encodedResponse struct {
	RequestID string         `json:"request_id"`
	Request   encodedPayload `json:"request"`
	Response  encodedPayload `json:"response"`
}

type encodedFailure struct {
	ExecutorID string         `json:"executor_id"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Input      encodedPayload `json:"input"`
	Attempts   int            `json:"attempts"`
}

var (
	responseType = reflect.TypeFor[InputResponse]()
	failureType  = reflect.TypeFor[HandlerFailure]()
)

// TypeRegistry maps payload types to stable names so checkpointed messages
// restore as the Go types their handlers accept.
type TypeRegistry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewTypeRegistry returns a registry pre-loaded with builtin and engine message types.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
	for _, t := range []reflect.Type{
		reflect.TypeFor[string](),
		reflect.TypeFor[int](),
		reflect.TypeFor[int64](),
		reflect.TypeFor[float64](),
		reflect.TypeFor[bool](),
		reflect.TypeFor[map[string]any](),
		reflect.TypeFor[[]any](),
		reflect.TypeFor[[]string](),
		responseType,
		failureType,
		reflect.TypeFor[ChatMessage](),
		reflect.TypeFor[Conversation](),
		reflect.TypeFor[HandoffUserRequest](),
	} {
		r.Register(t)
	}
	return r
}

// Register adds t. Interface types are ignored since they carry no concrete shape.
func (r *TypeRegistry) Register(t reflect.Type) {
	if t == nil || t.Kind() == reflect.Interface {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := typeName(t)
	r.byName[name] = t
	r.byType[t] = name
}

// Lookup returns the registered name of t.
func (r *TypeRegistry) Lookup(t reflect.Type) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byType[t]
	return name, ok
}

// Types returns every registered type.
func (r *TypeRegistry) Types() []reflect.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]reflect.Type, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	return out
}

func typeName(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		return "*" + typeName(t.Elem())
	}
	if t.Name() != "" && t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

func (r *TypeRegistry) encode(v any) (encodedPayload, error) {
	if v == nil {
		return encodedPayload{Data: json.RawMessage("null")}, nil
	}

	var (
		data []byte
		err  error
	)
	switch p := v.(type) {
	case InputResponse:
		data, err = r.encodeResponse(p)
	case HandlerFailure:
		data, err = r.encodeFailure(p)
	default:
		data, err = json.Marshal(v)
	}
	if err != nil {
		return encodedPayload{}, schema.NewErrorf(schema.ErrCodeCheckpoint,
			"encode payload %T: %s", v, err.Error()).WithCause(err)
	}

	name, _ := r.Lookup(reflect.TypeOf(v))
	return encodedPayload{Type: name, Data: data}, nil
}

func (r *TypeRegistry) encodeResponse(p InputResponse) ([]byte, error) {
	req, err := r.encode(p.Request)
	if err != nil {
		return nil, err
	}
	resp, err := r.encode(p.Response)
	if err != nil {
		return nil, err
	}
	return json.Marshal(encodedResponse{RequestID: p.RequestID, Request: req, Response: resp})
}

func (r *TypeRegistry) encodeFailure(p HandlerFailure) ([]byte, error) {
	in, err := r.encode(p.Input)
	if err != nil {
		return nil, err
	}
	return json.Marshal(encodedFailure{
		ExecutorID: p.ExecutorID, Code: p.Code, Message: p.Message, Input: in, Attempts: p.Attempts,
	})
}

func (r *TypeRegistry) decode(p encodedPayload) (any, error) {
	if p.Type == "" {
		var v any
		if len(p.Data) == 0 {
			return nil, nil
		}
		if err := json.Unmarshal(p.Data, &v); err != nil {
			return nil, decodeError(p.Type, err)
		}
		return v, nil
	}

	r.mu.RLock()
	t, ok := r.byName[p.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpoint, "unknown payload type %q in checkpoint", p.Type)
	}

	switch t {
	case responseType:
		return r.decodeResponse(p.Data)
	case failureType:
		return r.decodeFailure(p.Data)
	}

	ptr := reflect.New(t)
	if err := json.Unmarshal(p.Data, ptr.Interface()); err != nil {
		return nil, decodeError(p.Type, err)
	}
	return ptr.Elem().Interface(), nil
}

func (r *TypeRegistry) decodeResponse(data []byte) (any, error) {
	var raw encodedResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, decodeError(typeName(responseType), err)
	}
	req, err := r.decode(raw.Request)
	if err != nil {
		return nil, err
	}
	resp, err := r.decode(raw.Response)
	if err != nil {
		return nil, err
	}
	return InputResponse{RequestID: raw.RequestID, Request: req, Response: resp}, nil
}

func (r *TypeRegistry) decodeFailure(data []byte) (any, error) {
	var raw encodedFailure
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, decodeError(typeName(failureType), err)
	}
	in, err := r.decode(raw.Input)
	if err != nil {
		return nil, err
	}
	return HandlerFailure{
		ExecutorID: raw.ExecutorID, Code: raw.Code, Message: raw.Message, Input: in, Attempts: raw.Attempts,
	}, nil
}

func decodeError(name string, err error) error {
	return schema.NewErrorf(schema.ErrCodeCheckpoint, "decode payload %s: %s", name, err.Error()).WithCause(err)
}
