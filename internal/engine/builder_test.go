package engine

import (
	"context"
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opgraph/pkg/schema"
)

func buildErrors(t *testing.T, err error) []schema.ValidationIssue {
	t.Helper()
	require.Error(t, err)
	var gErr *schema.GraphError
	require.ErrorAs(t, err, &gErr)
	assert.Equal(t, schema.ErrCodeBuild, gErr.Code)
	issues, ok := gErr.Details["errors"].([]schema.ValidationIssue)
	require.True(t, ok)
	return issues
}

func TestBuild_Valid(t *testing.T) {
	g, err := NewBuilder("text").
		AddExecutor(upperExecutor()).
		AddExecutor(reverseExecutor()).
		SetStart("upper").
		AddEdge("upper", "reverse").
		Build()
	require.NoError(t, err)

	assert.Equal(t, "text", g.Name())
	assert.Equal(t, "upper", g.Start())
	assert.Equal(t, []string{"upper", "reverse"}, g.ExecutorIDs())
}

func TestBuild_Errors(t *testing.T) {
	noop := func(id string) *FuncExecutor { return forwarder(id) }

	tests := []struct {
		name    string
		build   func() *Builder
		message string
	}{
		{
			name:    "empty graph",
			build:   func() *Builder { return NewBuilder("g") },
			message: "no executors",
		},
		{
			name: "duplicate id",
			build: func() *Builder {
				return NewBuilder("g").AddExecutor(noop("a")).AddExecutor(noop("a")).SetStart("a")
			},
			message: "duplicate executor ID",
		},
		{
			name:    "no start",
			build:   func() *Builder { return NewBuilder("g").AddExecutor(noop("a")) },
			message: "no start executor",
		},
		{
			name:    "unknown start",
			build:   func() *Builder { return NewBuilder("g").AddExecutor(noop("a")).SetStart("b") },
			message: "start executor b does not exist",
		},
		{
			name: "dangling edge",
			build: func() *Builder {
				return NewBuilder("g").AddExecutor(noop("a")).SetStart("a").AddEdge("a", "ghost")
			},
			message: "edge target ghost does not exist",
		},
		{
			name: "unreachable",
			build: func() *Builder {
				return NewBuilder("g").AddExecutor(noop("a")).AddExecutor(noop("b")).SetStart("a")
			},
			message: "executor b is not reachable",
		},
		{
			name: "switch default not last",
			build: func() *Builder {
				return NewBuilder("g").
					AddExecutor(noop("a")).AddExecutor(noop("b")).AddExecutor(noop("c")).
					SetStart("a").
					AddSwitch("a", Default("b"), CaseOf("c", When(func(any) bool { return true })))
			},
			message: "default case to b must be last",
		},
		{
			name: "multi select without predicate",
			build: func() *Builder {
				return NewBuilder("g").
					AddExecutor(noop("a")).AddExecutor(noop("b")).
					SetStart("a").
					AddMultiSelect("a", Case{Target: "b"})
			},
			message: "edge to b has no predicate",
		},
		{
			name: "empty group",
			build: func() *Builder {
				return NewBuilder("g").AddExecutor(noop("a")).SetStart("a").AddSwitch("a")
			},
			message: "has no edges",
		},
		{
			name: "executor without handlers",
			build: func() *Builder {
				return NewBuilder("g").AddExecutor(NewExecutor("a")).SetStart("a")
			},
			message: "has no handlers",
		},
		{
			name: "factory id mismatch",
			build: func() *Builder {
				return NewBuilder("g").AddFactory("a", func() Executor { return noop("b") }).SetStart("a")
			},
			message: "produced executor b",
		},
		{
			name: "fan-in without producers",
			build: func() *Builder {
				agg := NewExecutor("agg", HandleCollection(func(context.Context, []Contribution[string], WorkflowContext) error {
					return nil
				}))
				return NewBuilder("g").AddExecutor(agg).SetStart("agg")
			},
			message: "fan-in executor agg has no incoming edges",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build().Build()
			issues := buildErrors(t, err)
			found := slices.ContainsFunc(issues, func(is schema.ValidationIssue) bool {
				return strings.Contains(is.Message, tt.message)
			})
			assert.True(t, found, "no issue contains %q in %v", tt.message, issues)
		})
	}
}

func TestBuild_CollectsAllErrors(t *testing.T) {
	_, err := NewBuilder("g").
		AddExecutor(forwarder("a")).
		AddExecutor(forwarder("a")).
		AddEdge("a", "x").
		AddEdge("y", "a").
		Build()

	issues := buildErrors(t, err)
	assert.GreaterOrEqual(t, len(issues), 4)
	assert.Contains(t, err.Error(), "build errors")
}

func TestBuild_GraphIsDetachedFromBuilder(t *testing.T) {
	b := NewBuilder("text").
		AddExecutor(upperExecutor()).
		AddExecutor(reverseExecutor()).
		AddExecutor(forwarder("triage")).
		SetStart("upper").
		AddEdge("upper", "reverse").
		AddEdge("reverse", "triage").
		addHandoff("triage", "reverse")
	g, err := b.Build()
	require.NoError(t, err)
	edges := g.Edges()

	b.WithRetry("upper", &schema.RetryPolicy{Max: 3}).
		AddExecutor(forwarder("late")).
		AddEdge("upper", "late").
		addHandoff("triage", "late")

	assert.Equal(t, []string{"upper", "reverse", "triage"}, g.ExecutorIDs())
	assert.NotContains(t, g.nodes, "late")
	assert.Nil(t, g.retry["upper"])
	assert.Equal(t, edges, g.Edges())
	assert.Equal(t, []string{"reverse"}, g.HandoffTargets("triage"))

	_, res, err := New(g).Run(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []any{"CBA"}, res.Outputs)

	again, err := b.Build()
	require.NoError(t, err)
	assert.Contains(t, again.ExecutorIDs(), "late")
	assert.Equal(t, []string{"reverse", "late"}, again.HandoffTargets("triage"))
}

func TestBuild_FanInErrorsFollowDeclaration(t *testing.T) {
	agg := func(id string) *FuncExecutor {
		return NewExecutor(id, HandleCollection(func(context.Context, []Contribution[string], WorkflowContext) error {
			return nil
		}))
	}
	for range 20 {
		_, err := NewBuilder("g").
			AddExecutor(forwarder("d")).
			AddExecutor(agg("zeta")).
			AddExecutor(agg("alpha")).
			AddExecutor(agg("mid")).
			SetStart("d").
			Build()

		var paths []string
		for _, issue := range buildErrors(t, err) {
			paths = append(paths, issue.Path)
		}
		require.Equal(t, []string{"executors.zeta", "executors.alpha", "executors.mid"}, paths)
	}
}

func TestBuild_FanInProducersFollowDeclaration(t *testing.T) {
	agg := NewExecutor("agg", HandleCollection(func(context.Context, []Contribution[string], WorkflowContext) error {
		return nil
	}))
	g, err := NewBuilder("g").
		AddExecutor(forwarder("d")).
		AddExecutor(forwarder("x")).
		AddExecutor(forwarder("y")).
		AddExecutor(agg).
		SetStart("d").
		AddFanOut("d", "x", "y").
		AddFanIn("agg", "y", "x").
		Build()
	require.NoError(t, err)
	assert.Equal(t, []string{"y", "x"}, g.Producers("agg"))
}

func TestBuild_ImplicitProducersFromIncomingEdges(t *testing.T) {
	agg := NewExecutor("agg", HandleCollection(func(context.Context, []Contribution[string], WorkflowContext) error {
		return nil
	}))
	g, err := NewBuilder("g").
		AddExecutor(forwarder("d")).
		AddExecutor(forwarder("x")).
		AddExecutor(forwarder("y")).
		AddExecutor(agg).
		SetStart("d").
		AddFanOut("d", "x", "y").
		AddEdge("x", "agg").
		AddEdge("y", "agg").
		Build()
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, g.Producers("agg"))
}

func TestBuild_RegistersHandlerTypes(t *testing.T) {
	type order struct{ ID string }
	exec := NewExecutor("o", HandleFunc(func(context.Context, order, WorkflowContext) error { return nil }))
	g, err := NewBuilder("g").AddExecutor(exec).SetStart("o").RegisterTypes(&order{}).Build()
	require.NoError(t, err)

	_, ok := g.Registry().Lookup(reflect.TypeOf(order{}))
	assert.True(t, ok)
	_, ok = g.Registry().Lookup(reflect.TypeOf(&order{}))
	assert.True(t, ok)
}

func TestBuild_ConditionalEdge(t *testing.T) {
	g, err := NewBuilder("g").
		AddExecutor(forwarder("a")).
		AddExecutor(tagger("b")).
		SetStart("a").
		AddEdge("a", "b", WithCondition(When(func(s string) bool { return s == "go" }))).
		Build()
	require.NoError(t, err)

	_, res, err := New(g).Run(context.Background(), "stop")
	require.NoError(t, err)
	assert.Empty(t, res.Outputs)

	_, res, err = New(g).Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, []any{"b:go"}, res.Outputs)
}

func TestGraph_Edges(t *testing.T) {
	isGo := When(func(s string) bool { return s == "go" })
	g, err := NewBuilder("g").
		AddExecutor(forwarder("a")).
		AddExecutor(tagger("b")).
		AddExecutor(tagger("c")).
		AddExecutor(tagger("d")).
		SetStart("a").
		AddSwitch("a", CaseOf("b", isGo), Default("c")).
		AddFanIn("d", "b", "c").
		Build()
	require.NoError(t, err)

	assert.Equal(t, []EdgeInfo{
		{Source: "a", Target: "b", Mode: schema.EdgeModeSwitch, Conditional: true},
		{Source: "a", Target: "c", Mode: schema.EdgeModeSwitch},
		{Source: "b", Target: "d", Mode: schema.EdgeModeAll},
		{Source: "c", Target: "d", Mode: schema.EdgeModeAll},
	}, g.Edges())
}
