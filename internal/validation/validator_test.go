package validation

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opgraph/pkg/schema"
)

type kindSet map[string]bool

func (k kindSet) Has(kind string) bool { return k[kind] }

func chainDef() *schema.GraphDefinition {
	return &schema.GraphDefinition{
		Name:  "chain",
		Start: "up",
		Executors: []schema.ExecutorDefinition{
			{ID: "up", Kind: "upper"},
			{ID: "rev", Kind: "reverse"},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "up", Cases: []schema.CaseDefinition{{Target: "rev"}}},
		},
	}
}

func newValidator(t *testing.T, kinds KindLookup) *GraphValidator {
	t.Helper()
	v, err := NewGraphValidator(kinds)
	require.NoError(t, err)
	return v
}

func TestValidate_ValidChain(t *testing.T) {
	v := newValidator(t, kindSet{"upper": true, "reverse": true})
	res := v.Validate(chainDef())
	assert.True(t, res.Valid(), "%v", res.Errors)
	assert.NoError(t, v.ValidateDefinition(chainDef()))
}

func TestValidate_Nil(t *testing.T) {
	v := newValidator(t, nil)
	err := v.ValidateDefinition(nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestValidate_StructuralShortCircuits(t *testing.T) {
	v := newValidator(t, nil)
	def := chainDef()
	def.Executors = nil

	res := v.Validate(def)
	require.False(t, res.Valid())
	for _, issue := range res.Errors {
		assert.Equal(t, "/", issue.Path)
	}
}

func TestValidate_UnknownConditionEngine(t *testing.T) {
	v := newValidator(t, nil)
	def := chainDef()
	def.Edges[0].Cases[0].When = &schema.ConditionDefinition{Engine: "lua", Expression: "true"}

	assert.False(t, v.Validate(def).Valid())
}

func TestValidate_Semantic(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*schema.GraphDefinition)
		path   string
	}{
		{
			name: "duplicate executor",
			mutate: func(d *schema.GraphDefinition) {
				d.Executors = append(d.Executors, schema.ExecutorDefinition{ID: "up", Kind: "upper"})
			},
			path: "executors[2].id",
		},
		{
			name:   "missing start",
			mutate: func(d *schema.GraphDefinition) { d.Start = "nope" },
			path:   "start",
		},
		{
			name: "dangling target",
			mutate: func(d *schema.GraphDefinition) {
				d.Edges[0].Cases[0].Target = "ghost"
			},
			path: "edges[0].cases[0].target",
		},
		{
			name: "switch default not last",
			mutate: func(d *schema.GraphDefinition) {
				d.Edges[0].Mode = schema.EdgeModeSwitch
				d.Edges[0].Cases = []schema.CaseDefinition{
					{Target: "rev"},
					{Target: "rev", When: &schema.ConditionDefinition{Engine: "expr", Expression: "true"}},
				}
			},
			path: "edges[0].cases[0]",
		},
		{
			name: "multi select without condition",
			mutate: func(d *schema.GraphDefinition) {
				d.Edges[0].Mode = schema.EdgeModeMultiSelect
			},
			path: "edges[0].cases[0].when",
		},
		{
			name: "cel without expression",
			mutate: func(d *schema.GraphDefinition) {
				d.Edges[0].Cases[0].When = &schema.ConditionDefinition{Engine: "cel"}
			},
			path: "edges[0].cases[0].when.expression",
		},
		{
			name: "fan in without sources",
			mutate: func(d *schema.GraphDefinition) {
				d.Edges = append(d.Edges, schema.EdgeDefinition{Mode: schema.EdgeModeFanIn, Target: "rev"})
			},
			path: "edges[1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := chainDef()
			tt.mutate(def)
			res := validateSemantic(def, nil)
			require.False(t, res.Valid())
			assert.Equal(t, tt.path, res.Errors[0].Path)
		})
	}
}

func TestValidate_UnregisteredKind(t *testing.T) {
	v := newValidator(t, kindSet{"upper": true})
	res := v.Validate(chainDef())
	require.False(t, res.Valid())
	assert.Equal(t, "executors[1].kind", res.Errors[0].Path)
	assert.Contains(t, res.Errors[0].Message, "reverse")
}

func TestValidate_RetryWarnings(t *testing.T) {
	def := chainDef()
	def.Executors[0].Retry = &schema.RetryPolicy{Max: 20, Delay: "5s", MaxDelay: "1s"}

	res := validateSemantic(def, nil)
	assert.True(t, res.Valid())
	assert.Len(t, res.Warnings, 2)
}

func TestValidate_Unreachable(t *testing.T) {
	v := newValidator(t, nil)
	def := chainDef()
	def.Executors = append(def.Executors, schema.ExecutorDefinition{ID: "island", Kind: "echo"})

	res := v.Validate(def)
	require.False(t, res.Valid())
	assert.Contains(t, res.Errors[0].Message, "island")
}

func TestValidate_CyclesAllowed(t *testing.T) {
	def := chainDef()
	def.Edges = append(def.Edges, schema.EdgeDefinition{
		Source: "rev", Cases: []schema.CaseDefinition{{Target: "up"}},
	})
	assert.True(t, validateTopology(def).Valid())
}

func TestValidate_FanInReachability(t *testing.T) {
	def := &schema.GraphDefinition{
		Name:  "fan",
		Start: "d",
		Executors: []schema.ExecutorDefinition{
			{ID: "d", Kind: "echo"}, {ID: "a", Kind: "echo"}, {ID: "agg", Kind: "collect"},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "d", Cases: []schema.CaseDefinition{{Target: "a"}}},
			{Mode: schema.EdgeModeFanIn, Sources: []string{"a"}, Target: "agg"},
		},
	}
	assert.True(t, validateTopology(def).Valid())
}

func TestValidateValue(t *testing.T) {
	v := newValidator(t, nil)
	s := json.RawMessage(`{
		"type": "object",
		"required": ["approved"],
		"properties": {"approved": {"type": "boolean"}, "email": {"type": "string", "format": "email"}}
	}`)

	assert.NoError(t, v.ValidateValue(map[string]any{"approved": true}, s))
	assert.NoError(t, v.ValidateValue("anything", nil))

	err := v.ValidateValue(map[string]any{"approved": "yes"}, s)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = v.ValidateValue(map[string]any{"approved": true, "email": "not-an-email"}, s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/email")
}

func TestValidateValue_MultipleViolations(t *testing.T) {
	v := newValidator(t, nil)
	s := []byte(`{"type":"object","properties":{"a":{"type":"integer"},"b":{"type":"string"}}}`)

	err := v.ValidateValue(map[string]any{"a": "x", "b": 1}, s)
	require.Error(t, err)

	var gErr *schema.GraphError
	require.ErrorAs(t, err, &gErr)
	violations, ok := gErr.Details["violations"].([]string)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(violations), 2)
}

func TestValidateValue_InvalidSchema(t *testing.T) {
	v := newValidator(t, nil)
	err := v.ValidateValue(1, []byte(`{not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schema")

	assert.Error(t, v.CheckSchema([]byte(`{"type": 12}`)))
	assert.NoError(t, v.CheckSchema([]byte(`{"type":"string"}`)))
}

func TestValidateValue_CachesAndIsConcurrent(t *testing.T) {
	jsv, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	s := []byte(`{"type":"integer","minimum":0}`)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, jsv.ValidateValue(i, s))
		}()
	}
	wg.Wait()

	jsv.mu.RLock()
	defer jsv.mu.RUnlock()
	assert.Len(t, jsv.cache, 1)
}
