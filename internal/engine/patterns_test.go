package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opgraph/pkg/schema"
)

func TestSequential(t *testing.T) {
	g, err := Sequential("seq", upperExecutor(), forwarder("echo")).Build()
	require.NoError(t, err)
	assert.Equal(t, []string{"upper", "echo", OutputExecutorID}, g.ExecutorIDs())

	_, res, err := New(g).Run(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []any{"ABC"}, res.Outputs)
	assert.Equal(t, 3, res.Supersteps)
}

func TestConcurrent_DefaultAggregator(t *testing.T) {
	g, err := Concurrent("conc", []Executor{forwarder("a"), forwarder("b"), forwarder("c")}, nil).Build()
	require.NoError(t, err)

	_, res, err := New(g).Run(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"a": "q", "b": "q", "c": "q"}}, res.Outputs)
	assert.Equal(t, 1, invocationsOf(res.Events, AggregatorExecutorID))
}

func TestConcurrent_CustomAggregator(t *testing.T) {
	sum := NewExecutor("sum", HandleCollection(func(_ context.Context, items []Contribution[int], wc WorkflowContext) error {
		total := 0
		for _, it := range items {
			total += it.Payload
		}
		wc.YieldOutput(total)
		return nil
	}))
	times := func(id string, k int) *FuncExecutor {
		return NewExecutor(id, HandleFunc(func(_ context.Context, n int, wc WorkflowContext) error {
			wc.SendMessage(n * k)
			return nil
		}))
	}

	g, err := Concurrent("conc", []Executor{times("x2", 2), times("x3", 3)}, sum).Build()
	require.NoError(t, err)

	_, res, err := New(g).Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []any{50}, res.Outputs)
}

func TestGroupChat_RoundRobin(t *testing.T) {
	var spoke atomic.Int32
	speaker := func(name string) Agent {
		return NewAgent(name, func(_ context.Context, history []ChatMessage, _ WorkflowContext) ([]ChatMessage, error) {
			spoke.Add(1)
			return []ChatMessage{{Text: fmt.Sprintf("%s turn %d", name, len(history))}}, nil
		})
	}

	g, err := GroupChat("panel", 2, speaker("alice"), speaker("bob"))
	require.NoError(t, err)

	_, res, err := New(g).Run(context.Background(), "topic")
	require.NoError(t, err)
	assert.Equal(t, int32(4), spoke.Load())
	require.Len(t, res.Outputs, 1)

	conv := res.Outputs[0].(Conversation)
	require.Len(t, conv.Messages, 5)
	authors := make([]string, 0, 4)
	for _, m := range conv.Messages[1:] {
		authors = append(authors, m.Author)
	}
	assert.Equal(t, []string{"alice", "bob", "alice", "bob"}, authors)
	assert.Equal(t, RoleUser, conv.Messages[0].Role)
}

func TestGroupChat_Errors(t *testing.T) {
	_, err := GroupChat("panel", 1)
	assert.True(t, schema.IsCode(err, schema.ErrCodeBuild))

	_, err = GroupChat("panel", 0, NewAgent("a", nil))
	assert.True(t, schema.IsCode(err, schema.ErrCodeBuild))
}

func TestGroupChat_AgentErrorFailsRun(t *testing.T) {
	mute := NewAgent("mute", func(context.Context, []ChatMessage, WorkflowContext) ([]ChatMessage, error) {
		return nil, schema.NewError(schema.ErrCodeNonRetryable, "no words")
	})
	g, err := GroupChat("panel", 1, mute)
	require.NoError(t, err)

	run, _, err := New(g).Run(context.Background(), "topic")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent mute")
	assert.Equal(t, schema.RunStatusFailed, run.Status())
}

func TestMagentic_PlannerDrivesSpeakers(t *testing.T) {
	order := []string{"reader", "analyst", "writer"}
	planner := func(_ context.Context, history []ChatMessage, participants []string) (Plan, error) {
		assert.ElementsMatch(t, order, participants)
		spoke := map[string]bool{}
		for _, m := range history {
			spoke[m.Author] = true
		}
		for _, name := range order {
			if !spoke[name] {
				return Plan{Next: name, Instruction: "over to " + name}, nil
			}
		}
		return Plan{Done: true}, nil
	}
	specialist := func(name string) Agent {
		return NewAgent(name, func(_ context.Context, history []ChatMessage, _ WorkflowContext) ([]ChatMessage, error) {
			last := history[len(history)-1]
			return []ChatMessage{{Text: name + " read: " + last.Text}}, nil
		})
	}

	// Declared out of order: the planner, not the declaration, picks speakers.
	g, err := Magentic("audit", planner, specialist("writer"), specialist("reader"), specialist("analyst"))
	require.NoError(t, err)

	_, res, err := New(g).Run(context.Background(), "audit project alpha")
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)

	conv := res.Outputs[0].(Conversation)
	var authors []string
	for _, m := range conv.Messages[1:] {
		authors = append(authors, m.Author)
	}
	assert.Equal(t, []string{
		ManagerExecutorID, "reader", ManagerExecutorID, "analyst", ManagerExecutorID, "writer",
	}, authors)
	assert.Equal(t, "reader read: over to reader", conv.Messages[2].Text)
	assert.Equal(t, 4, invocationsOf(res.Events, ManagerExecutorID))
}

func TestMagentic_PlannerFailures(t *testing.T) {
	echo := NewAgent("echo", func(context.Context, []ChatMessage, WorkflowContext) ([]ChatMessage, error) {
		return []ChatMessage{{Text: "hi"}}, nil
	})

	tests := []struct {
		name    string
		planner Planner
		message string
	}{
		{
			name: "unknown participant",
			planner: func(context.Context, []ChatMessage, []string) (Plan, error) {
				return Plan{Next: "ghost"}, nil
			},
			message: `unknown participant "ghost"`,
		},
		{
			name: "planner error",
			planner: func(context.Context, []ChatMessage, []string) (Plan, error) {
				return Plan{}, errors.New("ledger unavailable")
			},
			message: "planner: ledger unavailable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Magentic("m", tt.planner, echo)
			require.NoError(t, err)

			run, _, err := New(g).Run(context.Background(), "go")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
			assert.Equal(t, schema.RunStatusFailed, run.Status())
		})
	}
}

func TestMagentic_BuildErrors(t *testing.T) {
	done := func(context.Context, []ChatMessage, []string) (Plan, error) { return Plan{Done: true}, nil }

	_, err := Magentic("m", done)
	assert.True(t, schema.IsCode(err, schema.ErrCodeBuild))

	_, err = Magentic("m", nil, NewAgent("a", nil))
	assert.True(t, schema.IsCode(err, schema.ErrCodeBuild))
}
