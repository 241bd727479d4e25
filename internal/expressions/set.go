package expressions

import (
	"context"

	"github.com/rendis/opgraph/pkg/schema"
)

// Set bundles one instance of every engine so compiled programs are shared.
type Set struct {
	CEL  *CELEngine
	Expr *ExprEngine
	JQ   *GoJQEngine
	Path PathMatcher
}

// NewSet creates all engines.
func NewSet() (*Set, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Set{CEL: celEngine, Expr: NewExprEngine(), JQ: NewGoJQEngine()}, nil
}

// Get returns the named engine. The path matcher is not an Engine.
func (s *Set) Get(name string) (Engine, error) {
	switch name {
	case EngineCEL:
		return s.CEL, nil
	case EngineExpr:
		return s.Expr, nil
	case EngineJQ:
		return s.JQ, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "unknown expression engine %q", name)
	}
}

// Condition is a compiled message predicate.
type Condition func(ctx context.Context, msg any) (bool, error)

// Condition compiles def. Compile errors surface here, not on first use.
func (s *Set) Condition(def *schema.ConditionDefinition) (Condition, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeExpression, "condition is nil")
	}

	switch def.Engine {
	case EnginePath:
		if def.Path == "" {
			return nil, schema.NewError(schema.ErrCodeExpression, "path condition needs a path")
		}
		path, want := def.Path, def.Equals
		return func(_ context.Context, msg any) (bool, error) {
			return s.Path.Match(msg, path, want)
		}, nil

	case EngineCEL, EngineExpr:
		eng, _ := s.Get(def.Engine)
		var err error
		if def.Engine == EngineCEL {
			err = s.CEL.Compile(def.Expression)
		} else {
			err = s.Expr.Compile(def.Expression)
		}
		if err != nil {
			return nil, err
		}
		expression := def.Expression
		return func(ctx context.Context, msg any) (bool, error) {
			return EvaluateBool(ctx, eng, expression, msg)
		}, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "engine %q cannot evaluate conditions", def.Engine)
	}
}
