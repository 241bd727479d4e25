package builtin

import (
	"context"
	"strings"

	"github.com/rendis/opgraph/internal/engine"
	"github.com/rendis/opgraph/internal/expressions"
)

func textKind(name, description string, transform func(string) string) Kind {
	return Kind{
		Name:        name,
		Description: description,
		New: func(id string, config map[string]any) (engine.Factory, error) {
			emit, err := emitterFor(config)
			if err != nil {
				return nil, err
			}
			return shared(engine.NewExecutor(id, engine.HandleFunc(
				func(_ context.Context, s string, wc engine.WorkflowContext) error {
					emit(wc, transform(s))
					return nil
				}))), nil
		},
	}
}

// Reverse reverses s by runes.
func Reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

func upperKind() Kind {
	return textKind("upper", "Upper-case a string", strings.ToUpper)
}

func reverseKind() Kind {
	return textKind("reverse", "Reverse a string", Reverse)
}

func echoKind() Kind {
	return Kind{
		Name:        "echo",
		Description: "Forward any payload unchanged",
		New: func(id string, config map[string]any) (engine.Factory, error) {
			emit, err := emitterFor(config)
			if err != nil {
				return nil, err
			}
			return shared(engine.NewExecutor(id, engine.HandleFunc(
				func(_ context.Context, msg any, wc engine.WorkflowContext) error {
					emit(wc, msg)
					return nil
				}))), nil
		},
	}
}

func outputKind() Kind {
	return Kind{
		Name:        "output",
		Description: "Yield every payload as run output",
		New: func(id string, _ map[string]any) (engine.Factory, error) {
			return shared(engine.NewOutputExecutor(id)), nil
		},
	}
}

func templateKind() Kind {
	return Kind{
		Name:        "template",
		Description: "Render a ${{msg.path}} template against the payload",
		New: func(id string, config map[string]any) (engine.Factory, error) {
			tmpl, err := requiredString(config, "template")
			if err != nil {
				return nil, err
			}
			emit, err := emitterFor(config)
			if err != nil {
				return nil, err
			}
			return shared(engine.NewExecutor(id, engine.HandleFunc(
				func(_ context.Context, msg any, wc engine.WorkflowContext) error {
					out, err := expressions.Render(tmpl, msg)
					if err != nil {
						return err
					}
					emit(wc, out)
					return nil
				}))), nil
		},
	}
}
