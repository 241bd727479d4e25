package validation

import (
	"errors"

	"github.com/rendis/opgraph/pkg/schema"
)

// Validator checks graph definitions before they are built and values
// (such as input responses) against caller-supplied JSON Schemas.
type Validator interface {
	ValidateDefinition(def *schema.GraphDefinition) error
	ValidateValue(value any, rawSchema []byte) error
}

// KindLookup reports whether an executor kind is registered.
type KindLookup interface {
	Has(kind string) bool
}

// GraphValidator runs the three-stage pipeline:
// structural (JSON Schema), semantic (references, group rules) and topology (reachability).
type GraphValidator struct {
	jsonSchema *JSONSchemaValidator
	kinds      KindLookup
}

// NewGraphValidator creates a GraphValidator. kinds may be nil to skip kind checks.
func NewGraphValidator(kinds KindLookup) (*GraphValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &GraphValidator{jsonSchema: jsv, kinds: kinds}, nil
}

// Validate returns an aggregated result. Structural errors skip the later stages.
func (gv *GraphValidator) Validate(def *schema.GraphDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "graph definition is nil")
		return r
	}

	result := validateStructural(gv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, gv.kinds))
	if result.Valid() {
		result.Merge(validateTopology(def))
	}
	return result
}

// ValidateDefinition satisfies Validator.
func (gv *GraphValidator) ValidateDefinition(def *schema.GraphDefinition) error {
	return gv.Validate(def).ToError()
}

// CheckSchema delegates to the JSON Schema validator.
func (gv *GraphValidator) CheckSchema(rawSchema []byte) error {
	return gv.jsonSchema.CheckSchema(rawSchema)
}

// ValidateValue delegates to the JSON Schema validator.
func (gv *GraphValidator) ValidateValue(value any, rawSchema []byte) error {
	return gv.jsonSchema.ValidateValue(value, rawSchema)
}

func validateStructural(v *JSONSchemaValidator, def *schema.GraphDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var gErr *schema.GraphError
	if !errors.As(err, &gErr) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := gErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, gErr.Message)
	return result
}
