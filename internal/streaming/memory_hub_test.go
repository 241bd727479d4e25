package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// receive reads one event or fails after a second.
func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func assertEmpty(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %+v", ev)
	default:
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := StreamEvent{
		RunID:      "run-1",
		ExecutorID: "upper",
		EventType:  "executor_completed",
		Sequence:   3,
		Payload:    map[string]any{"outcome": "completed"},
	}
	require.NoError(t, hub.Publish(ctx, event))
	assert.Equal(t, event, receive(t, ch))
}

func TestEventFilter_Matches(t *testing.T) {
	ev := StreamEvent{RunID: "r1", ExecutorID: "upper", EventType: "output"}
	tests := []struct {
		name   string
		filter EventFilter
		want   bool
	}{
		{"empty", EventFilter{}, true},
		{"run", EventFilter{RunID: "r1"}, true},
		{"other run", EventFilter{RunID: "r2"}, false},
		{"executor", EventFilter{RunID: "r1", ExecutorID: "upper"}, true},
		{"other executor", EventFilter{ExecutorID: "lower"}, false},
		{"type listed", EventFilter{EventTypes: []string{"status", "output"}}, true},
		{"type missing", EventFilter{EventTypes: []string{"status"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(ev))
		})
	}
}

func TestSubscribersSeeOnlyTheirRun(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	first, cancel1, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel1()
	all, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-2", EventType: "status"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", EventType: "status"}))

	assert.Equal(t, "run-1", receive(t, first).RunID)
	assertEmpty(t, first)
	assert.Equal(t, "run-2", receive(t, all).RunID)
	assert.Equal(t, "run-1", receive(t, all).RunID)

	st := hub.Stats()
	assert.Equal(t, HubStats{Subscribers: 2, Published: 2, Delivered: 3}, st)
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()
	cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1"}))
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, hub.Stats().Subscribers)
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	hub := NewMemoryHub(WithBuffer(4))
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := range 10 {
		require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", Sequence: int64(i)}))
	}
	for i := range 4 {
		assert.Equal(t, int64(i), receive(t, ch).Sequence)
	}
	assertEmpty(t, ch)
	assert.Equal(t, uint64(6), hub.Stats().Dropped)
}

func TestClose(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	hub.Close()
	hub.Close()
	_, open := <-ch
	assert.False(t, open)
	cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "late"}))
	_, _, err = hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, StreamEvent{}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = hub.Publish(ctx, StreamEvent{RunID: "run-concurrent", EventType: "tick"})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{"tick"}})
			if err != nil {
				return
			}
			defer cancel()
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
		}()
	}
	wg.Wait()

	st := hub.Stats()
	assert.Equal(t, uint64(500), st.Published)
	assert.Zero(t, st.Subscribers)
}
