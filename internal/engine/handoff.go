package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/rendis/opgraph/pkg/schema"
)

// Chat roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	Role   string `json:"role"`
	Author string `json:"author,omitempty"`
	Text   string `json:"text"`
}

// Conversation is the full history passed between handoff participants.
type Conversation struct {
	Messages []ChatMessage `json:"messages"`
}

// Last returns the most recent message.
func (c Conversation) Last() (ChatMessage, bool) {
	if len(c.Messages) == 0 {
		return ChatMessage{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// HandoffUserRequest is the payload of the input request raised when a
// participant finishes a turn without transferring.
type HandoffUserRequest struct {
	Agent        string       `json:"agent"`
	Conversation Conversation `json:"conversation"`
}

// Agent produces the replies of a handoff or group chat participant. It may
// call wc.Transfer to hand the conversation to another participant.
type Agent interface {
	Name() string
	Reply(ctx context.Context, history []ChatMessage, wc WorkflowContext) ([]ChatMessage, error)
}

type funcAgent struct {
	name string
	fn   func(ctx context.Context, history []ChatMessage, wc WorkflowContext) ([]ChatMessage, error)
}

// NewAgent adapts a function into an Agent.
func NewAgent(name string, fn func(ctx context.Context, history []ChatMessage, wc WorkflowContext) ([]ChatMessage, error)) Agent {
	return funcAgent{name: name, fn: fn}
}

func (a funcAgent) Name() string { return a.name }

func (a funcAgent) Reply(ctx context.Context, history []ChatMessage, wc WorkflowContext) ([]ChatMessage, error) {
	return a.fn(ctx, history, wc)
}

// TerminationCondition ends a conversation when it returns true.
type TerminationCondition func(history []ChatMessage) bool

// HandoffBuilder assembles a graph of agents that pass a shared conversation
// to each other along permitted handoff edges.
type HandoffBuilder struct {
	name        string
	agents      []Agent
	start       string
	from        []string
	adjacency   map[string][]string
	termination TerminationCondition
}

// NewHandoffBuilder starts a handoff graph. The first agent is the default start.
func NewHandoffBuilder(name string, agents ...Agent) *HandoffBuilder {
	return &HandoffBuilder{name: name, agents: agents, adjacency: make(map[string][]string)}
}

// WithStart selects the agent that receives the first user message.
func (hb *HandoffBuilder) WithStart(agent string) *HandoffBuilder {
	hb.start = agent
	return hb
}

// AddHandoff permits from to transfer to each of to.
func (hb *HandoffBuilder) AddHandoff(from string, to ...string) *HandoffBuilder {
	if _, seen := hb.adjacency[from]; !seen {
		hb.from = append(hb.from, from)
	}
	hb.adjacency[from] = append(hb.adjacency[from], to...)
	return hb
}

// WithTerminationCondition sets the condition checked after every turn.
func (hb *HandoffBuilder) WithTerminationCondition(cond TerminationCondition) *HandoffBuilder {
	hb.termination = cond
	return hb
}

// Build validates the participants and returns the graph. Without explicit
// handoffs the start agent and every other agent may transfer to each other.
func (hb *HandoffBuilder) Build() (*Graph, error) {
	if len(hb.agents) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeBuild, "handoff graph %s has no participants", hb.name)
	}

	b := NewBuilder(hb.name)
	names := make([]string, 0, len(hb.agents))
	for _, agent := range hb.agents {
		b.AddFactory(agent.Name(), func() Executor {
			return newParticipant(agent, hb.termination)
		})
		names = append(names, agent.Name())
	}

	start := hb.start
	if start == "" {
		start = names[0]
	}
	b.SetStart(start)

	if len(hb.from) == 0 {
		for _, name := range names {
			if name != start {
				b.addHandoff(start, name)
				b.addHandoff(name, start)
			}
		}
	}
	for _, from := range hb.from {
		for _, to := range hb.adjacency[from] {
			if !slices.Contains(names, from) || !slices.Contains(names, to) {
				b.issues.AddError("handoffs."+from, schema.ErrCodeBuild,
					fmt.Sprintf("handoff %s -> %s is not between participants", from, to))
			}
		}
		b.addHandoff(from, hb.adjacency[from]...)
	}

	return b.Build()
}

// participant is the executor wrapping one agent. It owns the agent's view
// of the conversation.
type participant struct {
	agent       Agent
	termination TerminationCondition
	history     []ChatMessage
}

func newParticipant(agent Agent, termination TerminationCondition) *participant {
	return &participant{agent: agent, termination: termination}
}

func (p *participant) ID() string { return p.agent.Name() }

func (p *participant) Handlers() []Handler {
	return []Handler{
		HandleFunc(func(ctx context.Context, text string, wc WorkflowContext) error {
			return p.userTurn(ctx, text, wc)
		}),
		HandleFunc(func(ctx context.Context, conv Conversation, wc WorkflowContext) error {
			return p.takeTurn(ctx, slices.Clone(conv.Messages), wc)
		}),
		HandleFunc(func(ctx context.Context, resp InputResponse, wc WorkflowContext) error {
			text, ok := resp.Response.(string)
			if !ok {
				text = fmt.Sprint(resp.Response)
			}
			return p.userTurn(ctx, text, wc)
		}),
	}
}

func (p *participant) userTurn(ctx context.Context, text string, wc WorkflowContext) error {
	history := append(slices.Clone(p.history), ChatMessage{Role: RoleUser, Text: text})
	if p.done(history) {
		p.history = history
		p.finish(wc)
		return nil
	}
	return p.takeTurn(ctx, history, wc)
}

func (p *participant) takeTurn(ctx context.Context, history []ChatMessage, wc WorkflowContext) error {
	replies, err := p.agent.Reply(ctx, slices.Clone(history), wc)
	if err != nil {
		return err
	}
	for _, m := range replies {
		if m.Role == "" {
			m.Role = RoleAssistant
		}
		if m.Author == "" {
			m.Author = p.agent.Name()
		}
		history = append(history, m)
	}
	p.history = history

	ctl, _ := wc.(controlContext)
	if p.done(history) {
		if ctl != nil {
			ctl.cancelTransfer()
		}
		p.finish(wc)
		return nil
	}

	if ctl != nil && ctl.transferTarget() != "" {
		wc.SendMessage(Conversation{Messages: slices.Clone(history)})
		return nil
	}
	wc.RequestInput(HandoffUserRequest{Agent: p.agent.Name(), Conversation: Conversation{Messages: slices.Clone(history)}})
	return nil
}

func (p *participant) done(history []ChatMessage) bool {
	return p.termination != nil && p.termination(history)
}

func (p *participant) finish(wc WorkflowContext) {
	wc.YieldOutput(Conversation{Messages: slices.Clone(p.history)})
	if ctl, ok := wc.(controlContext); ok {
		ctl.terminate()
	}
}

func (p *participant) SaveState(context.Context) (json.RawMessage, error) {
	return json.Marshal(p.history)
}

func (p *participant) RestoreState(_ context.Context, state json.RawMessage) error {
	return json.Unmarshal(state, &p.history)
}
