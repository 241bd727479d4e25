package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opgraph/pkg/schema"
)

// mockRunner tracks RunScheduled calls.
type mockRunner struct {
	mu    sync.Mutex
	calls []runCall
	err   error
}

type runCall struct {
	Graph string
	Input any
}

func (r *mockRunner) RunScheduled(_ context.Context, graph string, input any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{Graph: graph, Input: input})
	return r.err
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestScheduler(runner Runner) (*Scheduler, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)}
	return NewScheduler(runner, slog.Default(), WithClock(clock.Now)), clock
}

func jobFor(t *testing.T, s *Scheduler, graph string) Job {
	t.Helper()
	for _, j := range s.Jobs() {
		if j.Graph == graph {
			return j
		}
	}
	t.Fatalf("no job for %s", graph)
	return Job{}
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched, _ := newTestScheduler(&mockRunner{})
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	// Every hour at minute 0.
	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	// Every 15 minutes.
	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	// Descriptor.
	next, err = sched.CalculateNextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestAdd(t *testing.T) {
	sched, _ := newTestScheduler(&mockRunner{})

	require.NoError(t, sched.Add("report", "*/15 * * * *", map[string]any{"env": "staging"}))
	job := jobFor(t, sched, "report")
	assert.True(t, job.Enabled)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), *job.NextRunAt)

	err := sched.Add("report", "@hourly", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	err = sched.Add("broken", "every tuesday", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	assert.True(t, sched.Remove("report"))
	assert.False(t, sched.Remove("report"))
	assert.Empty(t, sched.Jobs())
}

func TestRunDue_RunsOnlyDueJobs(t *testing.T) {
	runner := &mockRunner{}
	sched, clock := newTestScheduler(runner)
	ctx := context.Background()

	require.NoError(t, sched.Add("quarter", "*/15 * * * *", map[string]any{"env": "staging"}))
	require.NoError(t, sched.Add("hourly", "0 * * * *", nil))

	assert.Equal(t, 0, sched.RunDue(ctx))

	clock.Advance(15 * time.Minute)
	assert.Equal(t, 1, sched.RunDue(ctx))
	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, "quarter", runner.calls[0].Graph)
	assert.Equal(t, map[string]any{"env": "staging"}, runner.calls[0].Input)

	job := jobFor(t, sched, "quarter")
	assert.Equal(t, StatusSuccess, job.LastRunStatus)
	assert.Equal(t, clock.Now(), *job.LastRunAt)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 30, 0, 0, time.UTC), *job.NextRunAt)

	clock.Advance(45 * time.Minute)
	assert.Equal(t, 2, sched.RunDue(ctx))
	assert.Equal(t, 3, runner.callCount())
}

func TestRunDue_MissedRunsOnce(t *testing.T) {
	runner := &mockRunner{}
	sched, clock := newTestScheduler(runner)
	require.NoError(t, sched.Add("cleanup", "0 * * * *", nil))

	clock.Advance(5 * time.Hour)
	assert.Equal(t, 1, sched.RunDue(context.Background()))
	assert.Equal(t, 0, sched.RunDue(context.Background()))

	job := jobFor(t, sched, "cleanup")
	assert.True(t, job.NextRunAt.After(clock.Now()))
}

func TestRunDue_DisabledJobsSkipped(t *testing.T) {
	runner := &mockRunner{}
	sched, clock := newTestScheduler(runner)
	require.NoError(t, sched.Add("deploy", "0 * * * *", nil))
	require.NoError(t, sched.SetEnabled("deploy", false))
	assert.True(t, schema.IsCode(sched.SetEnabled("missing", true), schema.ErrCodeNotFound))

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 0, sched.RunDue(context.Background()))

	require.NoError(t, sched.SetEnabled("deploy", true))
	assert.Equal(t, 1, sched.RunDue(context.Background()))
}

func TestRunDue_FailureRecorded(t *testing.T) {
	runner := &mockRunner{err: assert.AnError}
	sched, clock := newTestScheduler(runner)
	require.NoError(t, sched.Add("deploy", "0 * * * *", nil))

	clock.Advance(time.Hour)
	sched.RunDue(context.Background())

	job := jobFor(t, sched, "deploy")
	assert.Equal(t, StatusError, job.LastRunStatus)
	assert.True(t, job.NextRunAt.After(clock.Now()))
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	runner := &mockRunner{}
	sched, clock := newTestScheduler(runner)
	ctx := context.Background()
	require.NoError(t, sched.Add("deploy", "0 * * * *", nil))
	clock.Advance(time.Hour)

	// Pre-acquire the job to simulate an in-flight execution.
	assert.True(t, sched.tryAcquire("deploy"))
	assert.Equal(t, 0, sched.RunDue(ctx))

	sched.releaseJob("deploy")
	assert.Equal(t, 1, sched.RunDue(ctx))
	assert.Equal(t, 1, runner.callCount())
}

func TestStartStop(t *testing.T) {
	runner := &mockRunner{}
	sched, clock := newTestScheduler(runner)
	require.NoError(t, sched.Add("deploy", "0 * * * *", nil))
	clock.Advance(time.Hour)

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))

	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	// The first tick runs immediately.
	assert.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}
