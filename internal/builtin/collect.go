package builtin

import (
	"context"
	"fmt"

	"github.com/rendis/opgraph/internal/engine"
)

func collectKind() Kind {
	return Kind{
		Name:        "collect",
		Description: "Fan-in: merge one wave of contributions into a list or a map keyed by producer",
		New: func(id string, config map[string]any) (engine.Factory, error) {
			shape := stringParam(config, "as", "map")
			if shape != "map" && shape != "list" {
				return nil, fmt.Errorf("unknown collect shape %q (want map or list)", shape)
			}
			emit, err := emitterFor(map[string]any{"emit": stringParam(config, "emit", emitYield)})
			if err != nil {
				return nil, err
			}
			return shared(engine.NewExecutor(id, engine.HandleCollection(
				func(_ context.Context, items []engine.Contribution[any], wc engine.WorkflowContext) error {
					if shape == "list" {
						list := make([]any, len(items))
						for i, it := range items {
							list[i] = it.Payload
						}
						emit(wc, list)
						return nil
					}
					merged := make(map[string]any, len(items))
					for _, it := range items {
						merged[it.Source] = it.Payload
					}
					emit(wc, merged)
					return nil
				}))), nil
		},
	}
}
