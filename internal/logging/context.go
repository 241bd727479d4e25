package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	executorIDKey
	superstepKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithExecutorID returns a context with the executor ID set.
func WithExecutorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executorIDKey, id)
}

// WithSuperstep returns a context with the superstep number set.
func WithSuperstep(ctx context.Context, step int) context.Context {
	return context.WithValue(ctx, superstepKey, step)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// ExecutorID extracts the executor ID from the context, or "" if absent.
func ExecutorID(ctx context.Context) string {
	v, _ := ctx.Value(executorIDKey).(string)
	return v
}

// Superstep extracts the superstep number from the context.
func Superstep(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(superstepKey).(int)
	return v, ok
}

// WithIDs sets all correlation values on the context at once.
func WithIDs(ctx context.Context, runID, executorID string, superstep int) context.Context {
	ctx = WithRunID(ctx, runID)
	ctx = WithExecutorID(ctx, executorID)
	ctx = WithSuperstep(ctx, superstep)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only values present on the context are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := RunID(ctx); id != "" {
		logger = logger.With(slog.String("run_id", id))
	}
	if id := ExecutorID(ctx); id != "" {
		logger = logger.With(slog.String("executor_id", id))
	}
	if step, ok := Superstep(ctx); ok {
		logger = logger.With(slog.Int("superstep", step))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := ExecutorID(ctx); v != "" {
		r.AddAttrs(slog.String("executor_id", v))
	}
	if v, ok := Superstep(ctx); ok {
		r.AddAttrs(slog.Int("superstep", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps a config string to a slog level. Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a correlation-aware logger writing text or json records to w.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var inner slog.Handler
	if strings.EqualFold(format, "json") {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
