// Package scheduler triggers graph runs from cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/opgraph/pkg/schema"
)

// Runner starts one run of a named graph.
type Runner interface {
	RunScheduled(ctx context.Context, graph string, input any) error
}

// Job status values recorded after each trigger.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Job is a cron trigger for one graph.
type Job struct {
	Graph         string     `json:"graph"`
	Schedule      string     `json:"schedule"`
	Input         any        `json:"input,omitempty"`
	Enabled       bool       `json:"enabled"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// Scheduler polls its jobs and runs the due ones.
type Scheduler struct {
	runner   Runner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	jobsMu sync.Mutex
	jobs   map[string]*Job

	inflightMu sync.Mutex
	inflight   map[string]struct{} // graphs currently executing (dedup)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the polling interval (default 60s).
func WithInterval(d time.Duration) Option { return func(s *Scheduler) { s.interval = d } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// NewScheduler creates a new Scheduler.
func NewScheduler(runner Runner, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: 60 * time.Second,
		now:      time.Now,
		jobs:     make(map[string]*Job),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add schedules graph on a cron expression. Scheduled runs receive input.
func (s *Scheduler) Add(graph, expr string, input any) error {
	next, err := s.CalculateNextRun(expr, s.now().UTC())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "schedule for %s: %s", graph, err.Error()).WithCause(err)
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, exists := s.jobs[graph]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "graph %s is already scheduled", graph)
	}
	s.jobs[graph] = &Job{Graph: graph, Schedule: expr, Input: input, Enabled: true, NextRunAt: &next}
	s.logger.Info("graph scheduled", slog.String("graph", graph), slog.String("schedule", expr), slog.Time("next_run_at", next))
	return nil
}

// Remove unschedules graph.
func (s *Scheduler) Remove(graph string) bool {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	_, ok := s.jobs[graph]
	delete(s.jobs, graph)
	return ok
}

// SetEnabled pauses or resumes a job without losing its schedule.
func (s *Scheduler) SetEnabled(graph string, enabled bool) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	job, ok := s.jobs[graph]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "graph %s is not scheduled", graph)
	}
	job.Enabled = enabled
	return nil
}

// Jobs returns a snapshot of every job, sorted by graph name.
func (s *Scheduler) Jobs() []Job {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Graph < out[k].Graph })
	return out
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Jobs missed while the process was down run on the first tick.
	s.RunDue(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue runs every enabled job whose next run time has passed and returns
// how many were started.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.now().UTC()

	s.jobsMu.Lock()
	var due []Job
	for _, job := range s.jobs {
		if job.Enabled && job.NextRunAt != nil && !job.NextRunAt.After(now) {
			due = append(due, *job)
		}
	}
	s.jobsMu.Unlock()
	sort.Slice(due, func(i, k int) bool { return due[i].Graph < due[k].Graph })

	ran := 0
	for _, job := range due {
		if !s.tryAcquire(job.Graph) {
			continue // already running (dedup)
		}
		s.runJob(ctx, job, now)
		s.releaseJob(job.Graph)
		ran++
	}
	return ran
}

// runJob runs a due job and records its outcome and next run time.
func (s *Scheduler) runJob(ctx context.Context, job Job, now time.Time) {
	s.logger.Info("running scheduled graph", slog.String("graph", job.Graph))

	status := StatusSuccess
	if err := s.runner.RunScheduled(ctx, job.Graph, job.Input); err != nil {
		status = StatusError
		s.logger.Error("scheduled run failed",
			slog.String("graph", job.Graph),
			slog.String("error", err.Error()),
		)
	}

	next, err := s.CalculateNextRun(job.Schedule, now)
	if err != nil {
		s.logger.Error("failed to calculate next run", slog.String("graph", job.Graph), slog.String("error", err.Error()))
		return
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if j, ok := s.jobs[job.Graph]; ok {
		j.LastRunAt = &now
		j.NextRunAt = &next
		j.LastRunStatus = status
	}
}

func (s *Scheduler) tryAcquire(graph string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[graph]; ok {
		return false
	}
	s.inflight[graph] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(graph string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, graph)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
