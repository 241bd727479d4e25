package engine

import (
	"context"
	"time"

	"github.com/rendis/opgraph/pkg/schema"
)

// Observer receives execution callbacks for telemetry and metrics. Calls are
// made from the scheduler goroutine except InvocationStarted and
// InvocationFinished, which run on the worker executing the invocation.
type Observer interface {
	InvocationStarted(ctx context.Context, runID, executorID string, superstep int) context.Context
	InvocationFinished(ctx context.Context, runID, executorID string, outcome schema.Outcome, elapsed time.Duration, err error)
	SuperstepCompleted(runID string, superstep int, elapsed time.Duration)
	RunStatusChanged(runID string, from, to schema.RunStatus)
}

type observers []Observer

func (o observers) invocationStarted(ctx context.Context, runID, executorID string, superstep int) context.Context {
	for _, obs := range o {
		ctx = obs.InvocationStarted(ctx, runID, executorID, superstep)
	}
	return ctx
}

func (o observers) invocationFinished(ctx context.Context, runID, executorID string, outcome schema.Outcome, elapsed time.Duration, err error) {
	for _, obs := range o {
		obs.InvocationFinished(ctx, runID, executorID, outcome, elapsed, err)
	}
}

func (o observers) superstepCompleted(runID string, superstep int, elapsed time.Duration) {
	for _, obs := range o {
		obs.SuperstepCompleted(runID, superstep, elapsed)
	}
}

func (o observers) runStatusChanged(runID string, from, to schema.RunStatus) {
	for _, obs := range o {
		obs.RunStatusChanged(runID, from, to)
	}
}
