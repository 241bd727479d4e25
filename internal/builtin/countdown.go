package builtin

import (
	"context"
	"encoding/json"

	"github.com/rendis/opgraph/internal/engine"
)

// Countdown decrements its input along a self-loop and yields 0 when it gets
// there. It remembers how many values it has seen across checkpoints.
type Countdown struct {
	id   string
	Seen int `json:"seen"`
}

func NewCountdown(id string) *Countdown { return &Countdown{id: id} }

func (c *Countdown) ID() string { return c.id }

func (c *Countdown) Handlers() []engine.Handler {
	return []engine.Handler{
		engine.HandleFunc(func(_ context.Context, n int, wc engine.WorkflowContext) error {
			c.step(n, wc)
			return nil
		}),
		// JSON inputs arrive as float64.
		engine.HandleFunc(func(_ context.Context, n float64, wc engine.WorkflowContext) error {
			c.step(int(n), wc)
			return nil
		}),
	}
}

func (c *Countdown) step(n int, wc engine.WorkflowContext) {
	c.Seen++
	if n <= 0 {
		wc.YieldOutput(0)
		return
	}
	wc.Logger().Debug("countdown", "value", n)
	wc.SendMessage(n - 1)
}

func (c *Countdown) SaveState(context.Context) (json.RawMessage, error) {
	return json.Marshal(c)
}

func (c *Countdown) RestoreState(_ context.Context, state json.RawMessage) error {
	return json.Unmarshal(state, c)
}

func countdownKind() Kind {
	return Kind{
		Name:        "countdown",
		Description: "Decrement an integer through a self-loop and yield 0",
		New: func(id string, _ map[string]any) (engine.Factory, error) {
			return func() engine.Executor { return NewCountdown(id) }, nil
		},
	}
}
