package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/opgraph/internal/engine"
	"github.com/rendis/opgraph/internal/expressions"
)

func askKind() Kind {
	return Kind{
		Name:        "ask",
		Description: "Pause for external input; the response is emitted when it arrives",
		New: func(id string, config map[string]any) (engine.Factory, error) {
			prompt := stringParam(config, "prompt", "${{msg}}")
			var opts []engine.RequestOption
			if rs, ok := config["response_schema"]; ok {
				raw, err := json.Marshal(rs)
				if err != nil {
					return nil, fmt.Errorf("serialize response_schema: %w", err)
				}
				opts = append(opts, engine.WithResponseSchema(raw))
			}
			emit, err := emitterFor(config)
			if err != nil {
				return nil, err
			}

			return shared(engine.NewExecutor(id,
				engine.HandleFunc(func(_ context.Context, resp engine.InputResponse, wc engine.WorkflowContext) error {
					emit(wc, resp.Response)
					return nil
				}),
				engine.HandleFunc(func(_ context.Context, msg any, wc engine.WorkflowContext) error {
					text, err := expressions.Render(prompt, msg)
					if err != nil {
						return err
					}
					wc.RequestInput(text, opts...)
					return nil
				}),
			)), nil
		},
	}
}
