package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opgraph/internal/checkpoint"
	"github.com/rendis/opgraph/pkg/schema"
)

func lastText(history []ChatMessage) string {
	if len(history) == 0 {
		return ""
	}
	return history[len(history)-1].Text
}

// triageAgent transfers billing questions and answers the rest itself.
func triageAgent() Agent {
	return NewAgent("triage", func(_ context.Context, history []ChatMessage, wc WorkflowContext) ([]ChatMessage, error) {
		if strings.Contains(lastText(history), "bill") {
			if err := wc.Transfer("billing"); err != nil {
				return nil, err
			}
			return []ChatMessage{{Text: "routing you to billing"}}, nil
		}
		return []ChatMessage{{Text: "how can I help?"}}, nil
	})
}

func billingAgent() Agent {
	return NewAgent("billing", func(_ context.Context, history []ChatMessage, _ WorkflowContext) ([]ChatMessage, error) {
		return []ChatMessage{{Text: "billing here"}}, nil
	})
}

func saidThanks(history []ChatMessage) bool {
	last, ok := Conversation{Messages: history}.Last()
	return ok && last.Role == RoleUser && last.Text == "thanks"
}

func TestHandoff_TransferCarriesConversation(t *testing.T) {
	g, err := NewHandoffBuilder("support", triageAgent(), billingAgent()).
		WithTerminationCondition(saidThanks).
		Build()
	require.NoError(t, err)
	assert.Equal(t, "triage", g.Start())
	assert.Equal(t, []string{"billing"}, g.HandoffTargets("triage"))
	assert.Equal(t, []string{"triage"}, g.HandoffTargets("billing"))

	ctx := context.Background()
	run, res, err := New(g).Run(ctx, "my bill is wrong")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusIdleWithPendingRequests, res.Status)

	handoffs := EventsOfType(res.Events, schema.EventHandoffSent)
	require.Len(t, handoffs, 1)
	assert.Equal(t, "triage", handoffs[0].Source)
	assert.Equal(t, "billing", handoffs[0].Target)

	require.Len(t, res.PendingRequests, 1)
	req, ok := res.PendingRequests[0].Payload.(HandoffUserRequest)
	require.True(t, ok)
	assert.Equal(t, "billing", req.Agent)
	assert.Equal(t, []ChatMessage{
		{Role: RoleUser, Text: "my bill is wrong"},
		{Role: RoleAssistant, Author: "triage", Text: "routing you to billing"},
		{Role: RoleAssistant, Author: "billing", Text: "billing here"},
	}, req.Conversation.Messages)

	res, err = run.SendResponses(ctx, map[string]any{res.PendingRequests[0].ID: "thanks"})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusTerminated, res.Status)
	require.Len(t, res.Outputs, 1)
	conv := res.Outputs[0].(Conversation)
	assert.Len(t, conv.Messages, 4)
	assert.Equal(t, "thanks", lastText(conv.Messages))
}

func TestHandoff_NoTransferAsksUser(t *testing.T) {
	g, err := NewHandoffBuilder("support", triageAgent(), billingAgent()).Build()
	require.NoError(t, err)

	_, res, err := New(g).Run(context.Background(), "hello")
	require.NoError(t, err)
	assert.Empty(t, EventsOfType(res.Events, schema.EventHandoffSent))
	require.Len(t, res.PendingRequests, 1)
	assert.Equal(t, "triage", res.PendingRequests[0].ExecutorID)
}

func TestHandoff_TransferOutsidePermittedEdgesFails(t *testing.T) {
	rogue := NewAgent("billing", func(_ context.Context, _ []ChatMessage, wc WorkflowContext) ([]ChatMessage, error) {
		return nil, wc.Transfer("refunds")
	})
	refunds := NewAgent("refunds", func(context.Context, []ChatMessage, WorkflowContext) ([]ChatMessage, error) {
		return nil, nil
	})
	g, err := NewHandoffBuilder("support", triageAgent(), rogue, refunds).
		AddHandoff("triage", "billing", "refunds").
		Build()
	require.NoError(t, err)

	run, _, err := New(g).Run(context.Background(), "bill please")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a permitted handoff")
	assert.Equal(t, schema.RunStatusFailed, run.Status())
}

func TestHandoff_TerminationBeatsTransfer(t *testing.T) {
	g, err := NewHandoffBuilder("support", triageAgent(), billingAgent()).
		WithTerminationCondition(func(history []ChatMessage) bool { return len(history) >= 2 }).
		Build()
	require.NoError(t, err)

	_, res, err := New(g).Run(context.Background(), "bill")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusTerminated, res.Status)
	assert.Empty(t, EventsOfType(res.Events, schema.EventHandoffSent))
	assert.Equal(t, 0, invocationsOf(res.Events, "billing"))
	require.Len(t, res.Outputs, 1)
	assert.Len(t, res.Outputs[0].(Conversation).Messages, 2)
}

func TestHandoff_UnknownParticipantInHandoff(t *testing.T) {
	_, err := NewHandoffBuilder("support", triageAgent(), billingAgent()).
		AddHandoff("triage", "nobody").
		Build()
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeBuild))

	_, err = NewHandoffBuilder("empty").Build()
	assert.True(t, schema.IsCode(err, schema.ErrCodeBuild))
}

func TestHandoff_CheckpointRestoresHistory(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	g, err := NewHandoffBuilder("support", triageAgent(), billingAgent()).
		WithTerminationCondition(saidThanks).
		Build()
	require.NoError(t, err)

	run, res, err := New(g, WithCheckpointStore(store)).Run(ctx, "bill")
	require.NoError(t, err)
	reqID := res.PendingRequests[0].ID

	restored, err := New(g, WithCheckpointStore(store)).Restore(ctx, run.LastCheckpoint())
	require.NoError(t, err)
	req := restored.PendingRequests()[0].Payload.(HandoffUserRequest)
	assert.Len(t, req.Conversation.Messages, 3)

	res, err = restored.SendResponses(ctx, map[string]any{reqID: "thanks"})
	require.NoError(t, err)
	assert.Len(t, res.Outputs[0].(Conversation).Messages, 4)
}
