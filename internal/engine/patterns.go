package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/rendis/opgraph/pkg/schema"
)

// Reserved executor IDs used by the orchestration patterns.
const (
	OutputExecutorID     = "output"
	DispatcherExecutorID = "dispatcher"
	AggregatorExecutorID = "aggregator"
	ManagerExecutorID    = "manager"
)

// NewOutputExecutor yields every message it receives.
func NewOutputExecutor(id string) *FuncExecutor {
	return NewExecutor(id, HandleFunc(func(_ context.Context, msg any, wc WorkflowContext) error {
		wc.YieldOutput(msg)
		return nil
	}))
}

// Sequential chains executors in order and yields whatever the last one sends.
// The first executor is the start node.
func Sequential(name string, executors ...Executor) *Builder {
	b := NewBuilder(name)
	ids := make([]string, 0, len(executors)+1)
	for _, ex := range executors {
		b.AddExecutor(ex)
		ids = append(ids, ex.ID())
	}
	b.AddExecutor(NewOutputExecutor(OutputExecutorID))
	ids = append(ids, OutputExecutorID)

	b.SetStart(ids[0])
	return b.AddChain(ids...)
}

// Concurrent broadcasts the input to every participant and invokes the
// aggregator once per wave of results. A nil aggregator yields the results
// as a map keyed by participant ID.
func Concurrent(name string, participants []Executor, aggregator Executor) *Builder {
	b := NewBuilder(name)
	b.AddExecutor(NewExecutor(DispatcherExecutorID, HandleFunc(func(_ context.Context, msg any, wc WorkflowContext) error {
		wc.SendMessage(msg)
		return nil
	})))

	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		b.AddExecutor(p)
		ids = append(ids, p.ID())
	}

	if aggregator == nil {
		aggregator = NewExecutor(AggregatorExecutorID, HandleCollection(
			func(_ context.Context, items []Contribution[any], wc WorkflowContext) error {
				merged := make(map[string]any, len(items))
				for _, it := range items {
					merged[it.Source] = it.Payload
				}
				wc.YieldOutput(merged)
				return nil
			}))
	}
	b.AddExecutor(aggregator)

	b.SetStart(DispatcherExecutorID)
	b.AddFanOut(DispatcherExecutorID, ids...)
	return b.AddFanIn(aggregator.ID(), ids...)
}

// GroupChat passes a shared conversation between agents in round-robin order
// and yields it after maxRounds full rounds.
func GroupChat(name string, maxRounds int, agents ...Agent) (*Graph, error) {
	if len(agents) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeBuild, "group chat %s has no participants", name)
	}
	if maxRounds <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeBuild, "group chat %s needs at least one round", name)
	}

	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name()
	}

	b := NewBuilder(name)
	b.AddFactory(ManagerExecutorID, func() Executor {
		return &chatManager{speakers: names, maxTurns: maxRounds * len(names)}
	})
	for _, a := range agents {
		b.AddExecutor(newChatMember(a))
		b.AddEdge(a.Name(), ManagerExecutorID)
	}
	b.AddFanOut(ManagerExecutorID, names...)
	b.SetStart(ManagerExecutorID)
	return b.Build()
}

// chatManager selects the next speaker and counts turns.
type chatManager struct {
	speakers []string
	maxTurns int
	turns    int
}

func (m *chatManager) ID() string { return ManagerExecutorID }

func (m *chatManager) Handlers() []Handler {
	return []Handler{
		HandleFunc(func(_ context.Context, prompt string, wc WorkflowContext) error {
			m.turns = 0
			conv := Conversation{Messages: []ChatMessage{{Role: RoleUser, Text: prompt}}}
			wc.SendMessage(conv, m.speakers[0])
			return nil
		}),
		HandleFunc(func(_ context.Context, conv Conversation, wc WorkflowContext) error {
			m.turns++
			if m.turns >= m.maxTurns {
				wc.YieldOutput(conv)
				return nil
			}
			next := m.speakers[m.turns%len(m.speakers)]
			wc.Logger().Debug("next speaker", "speaker", next, "turn", m.turns)
			wc.SendMessage(conv, next)
			return nil
		}),
	}
}

func (m *chatManager) SaveState(context.Context) (json.RawMessage, error) {
	return json.Marshal(m.turns)
}

func (m *chatManager) RestoreState(_ context.Context, state json.RawMessage) error {
	return json.Unmarshal(state, &m.turns)
}

// chatMember appends one agent's replies to the shared conversation.
type chatMember struct {
	agent Agent
}

func newChatMember(a Agent) *chatMember { return &chatMember{agent: a} }

func (c *chatMember) ID() string { return c.agent.Name() }

func (c *chatMember) Handlers() []Handler {
	return []Handler{
		HandleFunc(func(ctx context.Context, conv Conversation, wc WorkflowContext) error {
			replies, err := c.agent.Reply(ctx, slices.Clone(conv.Messages), wc)
			if err != nil {
				return fmt.Errorf("agent %s: %w", c.agent.Name(), err)
			}
			next := Conversation{Messages: slices.Clone(conv.Messages)}
			for _, m := range replies {
				if m.Role == "" {
					m.Role = RoleAssistant
				}
				if m.Author == "" {
					m.Author = c.agent.Name()
				}
				next.Messages = append(next.Messages, m)
			}
			wc.SendMessage(next)
			return nil
		}),
	}
}

// Plan is a planner's decision for the next turn of a Magentic run.
type Plan struct {
	// Next names the participant that speaks next. Ignored when Done is set.
	Next string
	// Instruction, when set, is added to the history as the manager's
	// message before Next replies.
	Instruction string
	Done        bool
}

// Planner inspects the conversation and chooses the next participant, or
// finishes the run.
type Planner func(ctx context.Context, history []ChatMessage, participants []string) (Plan, error)

// Magentic lets a planning manager pick the next speaker at runtime. Every
// reply returns to the manager; the run yields the conversation once the
// planner reports Done.
func Magentic(name string, planner Planner, agents ...Agent) (*Graph, error) {
	if len(agents) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeBuild, "magentic %s has no participants", name)
	}
	if planner == nil {
		return nil, schema.NewErrorf(schema.ErrCodeBuild, "magentic %s has no planner", name)
	}

	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name()
	}

	b := NewBuilder(name)
	b.AddExecutor(newMagenticManager(planner, names))
	for _, a := range agents {
		b.AddExecutor(newChatMember(a))
		b.AddEdge(a.Name(), ManagerExecutorID)
	}
	b.AddFanOut(ManagerExecutorID, names...)
	b.SetStart(ManagerExecutorID)
	return b.Build()
}

func newMagenticManager(planner Planner, participants []string) *FuncExecutor {
	decide := func(ctx context.Context, conv Conversation, wc WorkflowContext) error {
		plan, err := planner(ctx, slices.Clone(conv.Messages), slices.Clone(participants))
		if err != nil {
			return fmt.Errorf("planner: %w", err)
		}
		if plan.Done {
			wc.YieldOutput(conv)
			return nil
		}
		if !slices.Contains(participants, plan.Next) {
			return schema.NewErrorf(schema.ErrCodeNonRetryable, "planner chose unknown participant %q", plan.Next)
		}
		if plan.Instruction != "" {
			conv.Messages = append(slices.Clone(conv.Messages),
				ChatMessage{Role: RoleAssistant, Author: ManagerExecutorID, Text: plan.Instruction})
		}
		wc.Logger().Debug("next speaker", "speaker", plan.Next)
		wc.SendMessage(conv, plan.Next)
		return nil
	}

	return NewExecutor(ManagerExecutorID,
		HandleFunc(func(ctx context.Context, prompt string, wc WorkflowContext) error {
			return decide(ctx, Conversation{Messages: []ChatMessage{{Role: RoleUser, Text: prompt}}}, wc)
		}),
		HandleFunc(decide),
	)
}
