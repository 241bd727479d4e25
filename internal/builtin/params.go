package builtin

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/opgraph/internal/engine"
	"github.com/rendis/opgraph/pkg/schema"
)

// Config helpers shared by all kinds.

func stringParam(m map[string]any, key, defaultVal string) string {
	s, ok := m[key].(string)
	if !ok {
		return defaultVal
	}
	return s
}

func requiredString(m map[string]any, key string) (string, error) {
	s, ok := m[key].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("missing required string %q", key)
	}
	return s, nil
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	b, ok := m[key].(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func durationParam(m map[string]any, key string, defaultVal time.Duration) (time.Duration, error) {
	s, ok := m[key].(string)
	if !ok || s == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q for %q", s, key)
	}
	return d, nil
}

func stringMapParam(m map[string]any, key string) map[string]string {
	raw, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// Emit modes decide where a kind's result goes.
const (
	emitSend  = "send"
	emitYield = "yield"
	emitBoth  = "both"
)

type emitter func(wc engine.WorkflowContext, v any)

// emitterFor reads the "emit" config key (default send).
func emitterFor(config map[string]any) (emitter, error) {
	switch mode := stringParam(config, "emit", emitSend); mode {
	case emitSend:
		return func(wc engine.WorkflowContext, v any) { wc.SendMessage(v) }, nil
	case emitYield:
		return func(wc engine.WorkflowContext, v any) { wc.YieldOutput(v) }, nil
	case emitBoth:
		return func(wc engine.WorkflowContext, v any) {
			wc.SendMessage(v)
			wc.YieldOutput(v)
		}, nil
	default:
		return nil, fmt.Errorf("unknown emit mode %q (want send, yield or both)", mode)
	}
}

// shared wraps a stateless executor as a factory returning the same instance.
func shared(exec engine.Executor) engine.Factory {
	return func() engine.Executor { return exec }
}

// asText renders a payload as text: strings as is, everything else as JSON.
func asText(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeNonRetryable, "payload %T is not JSON-encodable", v).WithCause(err)
	}
	return string(raw), nil
}
