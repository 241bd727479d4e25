package expressions

import (
	"context"
	"encoding/json"

	"github.com/rendis/opgraph/pkg/schema"
)

// Engine evaluates expressions against a single message payload.
// Three implementations: CEL and Expr (predicates), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, msg any) (any, error)
}

// Engine names accepted by Set.Get and the declarative loader.
const (
	EngineCEL  = "cel"
	EngineExpr = "expr"
	EngineJQ   = "jq"
	EnginePath = "path"
)

// EvaluateBool runs expression and requires a boolean result.
func EvaluateBool(ctx context.Context, e Engine, expression string, msg any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, msg)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"%s expression %q returned %T, want bool", e.Name(), expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// ToJSONValue converts a payload into its generic JSON form (maps, slices,
// float64, string, bool, nil) so every engine sees structs the way they serialize.
func ToJSONValue(msg any) (any, error) {
	switch msg.(type) {
	case nil, string, bool, float64, map[string]any, []any:
		return msg, nil
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "payload %T is not JSON-encodable: %s", msg, err.Error()).
			WithCause(err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "decode payload: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

func expressionError(engine, phase, expression string, err error) *schema.GraphError {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s %s failed for %q: %s", engine, phase, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}
