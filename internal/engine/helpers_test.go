package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/opgraph/internal/checkpoint"
	"github.com/rendis/opgraph/pkg/schema"
)

func upperExecutor() *FuncExecutor {
	return NewExecutor("upper", HandleFunc(func(_ context.Context, s string, wc WorkflowContext) error {
		wc.SendMessage(strings.ToUpper(s))
		return nil
	}))
}

func reverseExecutor() *FuncExecutor {
	return NewExecutor("reverse", HandleFunc(func(_ context.Context, s string, wc WorkflowContext) error {
		r := []rune(s)
		for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
		wc.YieldOutput(string(r))
		return nil
	}))
}

// forwarder sends every string it receives, unchanged.
func forwarder(id string) *FuncExecutor {
	return NewExecutor(id, HandleFunc(func(_ context.Context, s string, wc WorkflowContext) error {
		wc.SendMessage(s)
		return nil
	}))
}

// tagger yields "<id>:<msg>".
func tagger(id string) *FuncExecutor {
	return NewExecutor(id, HandleFunc(func(_ context.Context, s string, wc WorkflowContext) error {
		wc.YieldOutput(id + ":" + s)
		return nil
	}))
}

// countdown decrements through a self-loop and yields 0. It counts its own
// invocations so restores can be checked.
type countdown struct {
	calls int
}

func (c *countdown) ID() string { return "countdown" }

func (c *countdown) Handlers() []Handler {
	return []Handler{HandleFunc(func(_ context.Context, n int, wc WorkflowContext) error {
		c.calls++
		if n <= 0 {
			wc.YieldOutput(0)
			return nil
		}
		wc.SendMessage(n - 1)
		return nil
	})}
}

func (c *countdown) SaveState(context.Context) (json.RawMessage, error) {
	return json.Marshal(c.calls)
}

func (c *countdown) RestoreState(_ context.Context, state json.RawMessage) error {
	return json.Unmarshal(state, &c.calls)
}

func countdownGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := NewBuilder("countdown").
		AddFactory("countdown", func() Executor { return &countdown{} }).
		SetStart("countdown").
		AddEdge("countdown", "countdown").
		Build()
	require.NoError(t, err)
	return g
}

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func invocationsOf(events []Event, executorID string) int {
	n := 0
	for _, ev := range EventsOfType(events, schema.EventExecutorInvoked) {
		if ev.ExecutorID == executorID {
			n++
		}
	}
	return n
}

// flakyStore fails the first n saves, n being the initial failures count.
type flakyStore struct {
	failures atomic.Int32
	inner    checkpoint.Store
}

func (s *flakyStore) Save(ctx context.Context, id string, blob []byte) error {
	if s.failures.Add(-1) >= 0 {
		return schema.NewError(schema.ErrCodeStore, "disk full")
	}
	return s.inner.Save(ctx, id, blob)
}

func (s *flakyStore) Load(ctx context.Context, id string) ([]byte, error) {
	return s.inner.Load(ctx, id)
}
