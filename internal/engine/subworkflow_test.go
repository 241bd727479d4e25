package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opgraph/internal/checkpoint"
	"github.com/rendis/opgraph/pkg/schema"
)

func parentOf(t *testing.T, nested *Graph, opts ...SubWorkflowOption) *Graph {
	t.Helper()
	g, err := NewBuilder("parent").
		AddExecutor(forwarder("in")).
		AddSubWorkflow("sub", nested, opts...).
		AddExecutor(tagger("out")).
		SetStart("in").
		AddChain("in", "sub", "out").
		Build()
	require.NoError(t, err)
	return g
}

func TestSubWorkflow_OutputsFlowToParentEdges(t *testing.T) {
	_, res, err := New(parentOf(t, textGraph(t))).Run(context.Background(), "ab")
	require.NoError(t, err)
	assert.Equal(t, []any{"out:BA"}, res.Outputs)
	assert.Equal(t, schema.RunStatusIdle, res.Status)
}

func TestSubWorkflow_OutputMapper(t *testing.T) {
	g := parentOf(t, textGraph(t), WithOutputMapper(func(out any) any {
		return strings.ToLower(out.(string))
	}))
	_, res, err := New(g).Run(context.Background(), "ab")
	require.NoError(t, err)
	assert.Equal(t, []any{"out:ba"}, res.Outputs)
}

func TestSubWorkflow_IndependentNestedRuns(t *testing.T) {
	split := NewExecutor("split", HandleFunc(func(_ context.Context, s string, wc WorkflowContext) error {
		for _, part := range strings.Fields(s) {
			wc.SendMessage(part)
		}
		return nil
	}))
	g, err := NewBuilder("parent").
		AddExecutor(split).
		AddSubWorkflow("sub", textGraph(t)).
		AddExecutor(tagger("out")).
		SetStart("split").
		AddChain("split", "sub", "out").
		Build()
	require.NoError(t, err)

	_, res, err := New(g).Run(context.Background(), "one two")
	require.NoError(t, err)
	assert.Equal(t, []any{"out:ENO", "out:OWT"}, res.Outputs)
}

func TestSubWorkflow_RequestReRaisedToParent(t *testing.T) {
	ctx := context.Background()
	run, res, err := New(parentOf(t, approvalGraph(t))).Run(ctx, "doc-9")
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusIdleWithPendingRequests, res.Status)
	require.Len(t, res.PendingRequests, 1)
	req := res.PendingRequests[0]
	assert.Equal(t, "sub", req.ExecutorID)
	assert.Equal(t, "approve doc-9?", req.Payload)
	assert.NotEmpty(t, req.ResponseSchema)

	// The nested response schema is enforced at the parent boundary.
	_, err = run.SendResponses(ctx, map[string]any{req.ID: map[string]any{"approved": 1}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	res, err = run.SendResponses(ctx, map[string]any{req.ID: map[string]any{"approved": true}})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusIdle, res.Status)
	assert.Equal(t, []any{"out:approve doc-9?:true"}, res.Outputs)
}

func TestSubWorkflow_InterceptorAnswersRequest(t *testing.T) {
	var seen []string
	g := parentOf(t, approvalGraph(t), WithRequestInterceptor(
		func(_ context.Context, req InputRequest) (any, bool, error) {
			seen = append(seen, fmt.Sprint(req.Payload))
			return map[string]any{"approved": false}, true, nil
		}))

	_, res, err := New(g).Run(context.Background(), "doc-3")
	require.NoError(t, err)
	assert.Empty(t, res.PendingRequests)
	assert.Equal(t, []string{"approve doc-3?"}, seen)
	assert.Equal(t, []any{"out:approve doc-3?:false"}, res.Outputs)
}

func TestSubWorkflow_InterceptorCanDecline(t *testing.T) {
	g := parentOf(t, approvalGraph(t), WithRequestInterceptor(
		func(context.Context, InputRequest) (any, bool, error) { return nil, false, nil }))

	_, res, err := New(g).Run(context.Background(), "doc-4")
	require.NoError(t, err)
	assert.Len(t, res.PendingRequests, 1)
}

func TestSubWorkflow_NestedFailureFailsParentNode(t *testing.T) {
	boom := NewExecutor("boom", HandleFunc(func(context.Context, string, WorkflowContext) error {
		return schema.NewError(schema.ErrCodeNonRetryable, "nested kaput")
	}))
	nested, err := NewBuilder("nested").AddExecutor(boom).SetStart("boom").Build()
	require.NoError(t, err)

	run, _, err := New(parentOf(t, nested)).Run(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested kaput")
	assert.Equal(t, schema.RunStatusFailed, run.Status())
}

func TestSubWorkflow_CheckpointCarriesNestedRun(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	g := parentOf(t, approvalGraph(t))

	run, res, err := New(g, WithCheckpointStore(store)).Run(ctx, "doc-5")
	require.NoError(t, err)
	reqID := res.PendingRequests[0].ID

	restored, err := New(g, WithCheckpointStore(store)).Restore(ctx, run.LastCheckpoint())
	require.NoError(t, err)
	res, err = restored.SendResponses(ctx, map[string]any{reqID: map[string]any{"approved": true}})
	require.NoError(t, err)
	assert.Equal(t, []any{"out:approve doc-5?:true"}, res.Outputs)
}

func TestAddSubWorkflow_NilGraph(t *testing.T) {
	_, err := NewBuilder("parent").
		AddExecutor(forwarder("in")).
		AddSubWorkflow("sub", nil).
		SetStart("in").
		Build()
	assert.True(t, schema.IsCode(err, schema.ErrCodeBuild))
}
