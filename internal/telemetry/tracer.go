// Package telemetry exports run activity as OpenTelemetry spans.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/opgraph/pkg/schema"
)

const instrumentationName = "github.com/rendis/opgraph"

// Tracer is an engine observer. Each stretch of execution between two idle
// points becomes a "opgraph.run" span; every executor invocation inside it
// becomes a child "opgraph.invoke" span.
type Tracer struct {
	tracer trace.Tracer

	mu   sync.Mutex
	runs map[string]runSpan
}

type runSpan struct {
	ctx  context.Context
	span trace.Span
}

// NewTracer uses tp, or the global provider when tp is nil.
func NewTracer(tp trace.TracerProvider) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracer{
		tracer: tp.Tracer(instrumentationName),
		runs:   make(map[string]runSpan),
	}
}

func (t *Tracer) InvocationStarted(ctx context.Context, runID, executorID string, superstep int) context.Context {
	t.mu.Lock()
	if rs, ok := t.runs[runID]; ok {
		ctx = trace.ContextWithSpan(ctx, rs.span)
	}
	t.mu.Unlock()

	ctx, _ = t.tracer.Start(ctx, "opgraph.invoke",
		trace.WithAttributes(
			attribute.String("opgraph.run_id", runID),
			attribute.String("opgraph.executor_id", executorID),
			attribute.Int("opgraph.superstep", superstep),
		))
	return ctx
}

func (t *Tracer) InvocationFinished(ctx context.Context, _, _ string, outcome schema.Outcome, elapsed time.Duration, err error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("opgraph.outcome", string(outcome)),
		attribute.Int64("opgraph.elapsed_ms", elapsed.Milliseconds()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (t *Tracer) SuperstepCompleted(runID string, superstep int, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rs, ok := t.runs[runID]; ok {
		rs.span.AddEvent("superstep", trace.WithAttributes(
			attribute.Int("opgraph.superstep", superstep),
			attribute.Int64("opgraph.elapsed_ms", elapsed.Milliseconds()),
		))
	}
}

func (t *Tracer) RunStatusChanged(runID string, from, to schema.RunStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if to == schema.RunStatusRunning {
		if _, ok := t.runs[runID]; !ok {
			ctx, span := t.tracer.Start(context.Background(), "opgraph.run",
				trace.WithAttributes(attribute.String("opgraph.run_id", runID)))
			t.runs[runID] = runSpan{ctx: ctx, span: span}
		}
		return
	}

	rs, ok := t.runs[runID]
	if !ok {
		return
	}
	rs.span.SetAttributes(attribute.String("opgraph.status", string(to)))
	if to == schema.RunStatusFailed {
		rs.span.SetStatus(codes.Error, "run failed")
	}
	if from == schema.RunStatusRunning {
		rs.span.End()
		delete(t.runs, runID)
	}
}
