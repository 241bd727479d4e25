// Package metrics exports Prometheus metrics for graph runs.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rendis/opgraph/pkg/schema"
)

// Collector is an engine observer that records invocations, supersteps and
// run status transitions.
type Collector struct {
	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	superstepsTotal    prometheus.Counter
	superstepDuration  prometheus.Histogram
	transitionsTotal   *prometheus.CounterVec
	runsActive         prometheus.Gauge
}

// NewCollector registers the metrics with reg. A nil reg uses the default registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		invocationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of executor invocations",
			},
			[]string{"executor", "outcome"},
		),
		invocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_seconds",
				Help:      "Executor invocation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"executor"},
		),
		superstepsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "supersteps_total",
				Help:      "Total number of completed supersteps",
			},
		),
		superstepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "superstep_duration_seconds",
				Help:      "Superstep duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "run_transitions_total",
				Help:      "Total number of run status transitions",
			},
			[]string{"from", "to"},
		),
		runsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_active",
				Help:      "Runs currently executing supersteps",
			},
		),
	}
}

func (c *Collector) InvocationStarted(ctx context.Context, _, _ string, _ int) context.Context {
	return ctx
}

func (c *Collector) InvocationFinished(_ context.Context, _, executorID string, outcome schema.Outcome, elapsed time.Duration, _ error) {
	c.invocationsTotal.WithLabelValues(executorID, string(outcome)).Inc()
	c.invocationDuration.WithLabelValues(executorID).Observe(elapsed.Seconds())
}

func (c *Collector) SuperstepCompleted(_ string, _ int, elapsed time.Duration) {
	c.superstepsTotal.Inc()
	c.superstepDuration.Observe(elapsed.Seconds())
}

func (c *Collector) RunStatusChanged(_ string, from, to schema.RunStatus) {
	c.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	switch {
	case to == schema.RunStatusRunning:
		c.runsActive.Inc()
	case from == schema.RunStatusRunning:
		c.runsActive.Dec()
	}
}
