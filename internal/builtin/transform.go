package builtin

import (
	"context"

	"github.com/rendis/opgraph/internal/engine"
	"github.com/rendis/opgraph/internal/expressions"
)

// evalKind builds a kind that evaluates a configured expression over every
// payload and emits the result. A nil jq result emits nothing.
func evalKind(name, description string, compile func(string) error, eng expressions.Engine) Kind {
	return Kind{
		Name:        name,
		Description: description,
		New: func(id string, config map[string]any) (engine.Factory, error) {
			expression, err := requiredString(config, "expression")
			if err != nil {
				return nil, err
			}
			if err := compile(expression); err != nil {
				return nil, err
			}
			emit, err := emitterFor(config)
			if err != nil {
				return nil, err
			}
			return shared(engine.NewExecutor(id, engine.HandleFunc(
				func(ctx context.Context, msg any, wc engine.WorkflowContext) error {
					out, err := eng.Evaluate(ctx, expression, msg)
					if err != nil {
						return err
					}
					if out != nil {
						emit(wc, out)
					}
					return nil
				}))), nil
		},
	}
}

func jqKind(set *expressions.Set) Kind {
	return evalKind("jq", "Transform the payload with a jq program", set.JQ.Compile, set.JQ)
}

func exprKind(set *expressions.Set) Kind {
	return evalKind("expr", "Compute a new payload with an expr-lang expression (payload bound as msg)", set.Expr.Compile, set.Expr)
}
