package engine

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// BenchmarkRunAll measures one superstep's worth of dispatch and join.
func BenchmarkRunAll(b *testing.B) {
	for _, width := range []int{1, 16, 256} {
		b.Run(fmt.Sprintf("width=%d", width), func(b *testing.B) {
			pool := NewWorkerPool(8)
			defer pool.Shutdown()
			ctx := context.Background()
			tasks := make([]func(context.Context) error, width)
			for i := range tasks {
				tasks[i] = func(context.Context) error { return nil }
			}

			for b.Loop() {
				pool.RunAll(ctx, tasks)
			}
		})
	}
}

// BenchmarkRun_FanOut runs a broadcast-and-collect graph end to end.
func BenchmarkRun_FanOut(b *testing.B) {
	for _, tc := range []struct{ branches, pool int }{{4, 1}, {4, 4}, {32, 8}} {
		b.Run(fmt.Sprintf("branches=%d_pool=%d", tc.branches, tc.pool), func(b *testing.B) {
			branches := make([]Executor, tc.branches)
			for i := range branches {
				branches[i] = forwarder(fmt.Sprintf("b%d", i))
			}
			g, err := Concurrent("fan", branches, nil).Build()
			if err != nil {
				b.Fatal(err)
			}
			eng := New(g, WithPoolSize(tc.pool))
			defer eng.Close()
			ctx := context.Background()

			for b.Loop() {
				if _, _, err := eng.Run(ctx, "x"); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkRun_SlowHandlers shows how the pool overlaps blocking handlers.
func BenchmarkRun_SlowHandlers(b *testing.B) {
	branches := make([]Executor, 16)
	for i := range branches {
		branches[i] = NewExecutor(fmt.Sprintf("slow%d", i), HandleFunc(func(_ context.Context, s string, wc WorkflowContext) error {
			time.Sleep(100 * time.Microsecond)
			wc.SendMessage(s)
			return nil
		}))
	}
	g, err := Concurrent("slow", branches, nil).Build()
	if err != nil {
		b.Fatal(err)
	}
	eng := New(g, WithPoolSize(16))
	defer eng.Close()

	for b.Loop() {
		if _, _, err := eng.Run(context.Background(), "x"); err != nil {
			b.Fatal(err)
		}
	}
}
