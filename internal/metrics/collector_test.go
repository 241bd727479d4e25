package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opgraph/internal/engine"
	"github.com/rendis/opgraph/pkg/schema"
)

func fanOutGraph(t *testing.T) *engine.Graph {
	t.Helper()
	echo := func(id string) engine.Executor {
		return engine.NewExecutor(id, engine.HandleFunc(func(_ context.Context, s string, wc engine.WorkflowContext) error {
			wc.SendMessage(s)
			return nil
		}))
	}
	g, err := engine.Concurrent("fan", []engine.Executor{echo("a"), echo("b")}, nil).Build()
	require.NoError(t, err)
	return g
}

func TestCollector_RecordsRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("opgraph", reg)

	_, res, err := engine.New(fanOutGraph(t), engine.WithObserver(c)).Run(context.Background(), "x")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.invocationsTotal.WithLabelValues("a", string(schema.OutcomeCompleted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.invocationsTotal.WithLabelValues("b", string(schema.OutcomeCompleted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.invocationsTotal.WithLabelValues(engine.AggregatorExecutorID, string(schema.OutcomeYielded))))
	assert.Equal(t, float64(res.Supersteps), testutil.ToFloat64(c.superstepsTotal))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitionsTotal.WithLabelValues("pending", "running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitionsTotal.WithLabelValues("running", "idle")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.runsActive))

	n, err := testutil.GatherAndCount(reg, "opgraph_invocation_duration_seconds")
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestCollector_FailedInvocation(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("opgraph", reg)

	boom := engine.NewExecutor("boom", engine.HandleFunc(func(context.Context, string, engine.WorkflowContext) error {
		return schema.NewError(schema.ErrCodeNonRetryable, "kaput")
	}))
	g, err := engine.NewBuilder("boom").AddExecutor(boom).SetStart("boom").Build()
	require.NoError(t, err)

	_, _, err = engine.New(g, engine.WithObserver(c)).Run(context.Background(), "x")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.invocationsTotal.WithLabelValues("boom", string(schema.OutcomeFailed))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitionsTotal.WithLabelValues("running", "failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.runsActive))
}

func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector("dup", reg)
	assert.Panics(t, func() { NewCollector("dup", reg) })
}
