package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rendis/opgraph/internal/engine"
	"github.com/rendis/opgraph/pkg/schema"
)

// ValueValidator checks values against raw JSON Schemas.
type ValueValidator interface {
	CheckSchema(rawSchema []byte) error
	ValidateValue(value any, rawSchema []byte) error
}

func validateKind(v ValueValidator) Kind {
	return Kind{
		Name:        "validate",
		Description: "Forward payloads that satisfy a JSON Schema; fail the invocation otherwise",
		New: func(id string, config map[string]any) (engine.Factory, error) {
			rawSchema, ok := config["schema"]
			if !ok {
				return nil, errors.New(`missing required "schema"`)
			}
			schemaBytes, err := json.Marshal(rawSchema)
			if err != nil {
				return nil, fmt.Errorf("serialize schema: %w", err)
			}
			if err := v.CheckSchema(schemaBytes); err != nil {
				return nil, err
			}
			message := stringParam(config, "message", "payload does not match schema")
			emit, err := emitterFor(config)
			if err != nil {
				return nil, err
			}

			return shared(engine.NewExecutor(id, engine.HandleFunc(
				func(_ context.Context, msg any, wc engine.WorkflowContext) error {
					if err := v.ValidateValue(msg, schemaBytes); err != nil {
						details := map[string]any{"error": err.Error()}
						var gErr *schema.GraphError
						if errors.As(err, &gErr) && gErr.Details != nil {
							details["violations"] = gErr.Details["violations"]
						}
						return schema.NewError(schema.ErrCodeNonRetryable, message).WithDetails(details).WithCause(err)
					}
					emit(wc, msg)
					return nil
				}))), nil
		},
	}
}
