package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/opgraph/internal/builtin"
	"github.com/rendis/opgraph/internal/checkpoint"
	"github.com/rendis/opgraph/internal/declarative"
	"github.com/rendis/opgraph/internal/engine"
	"github.com/rendis/opgraph/internal/expressions"
	"github.com/rendis/opgraph/internal/logging"
	"github.com/rendis/opgraph/internal/metrics"
	"github.com/rendis/opgraph/internal/streaming"
	"github.com/rendis/opgraph/internal/telemetry"
)

// stack is the set of shared collaborators every subcommand wires together.
type stack struct {
	cfg      Config
	logger   *slog.Logger
	kinds    *builtin.Registry
	compiler *declarative.Compiler
	store    checkpoint.Store
	hub      *streaming.MemoryHub
	registry *prometheus.Registry
	tracing  *telemetry.Provider
	opts     []engine.Option
}

func newStack(ctx context.Context, cfg Config, logOut io.Writer) (*stack, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := logging.New(logOut, cfg.LogLevel, cfg.LogFormat)

	exprs, err := expressions.NewSet()
	if err != nil {
		return nil, fmt.Errorf("init expressions: %w", err)
	}
	kinds := builtin.NewRegistry()
	compiler, err := declarative.NewCompiler(kinds, exprs, declarative.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := builtin.RegisterBuiltins(kinds, builtin.Deps{
		Expressions: exprs,
		Validator:   compiler.Validator(),
		HTTP:        builtin.HTTPConfig{Breakers: builtin.NewBreakers(builtin.DefaultBreakerConfig())},
	}); err != nil {
		return nil, fmt.Errorf("register kinds: %w", err)
	}

	if err := ensureStoreDir(cfg.CheckpointBackend, cfg.CheckpointDSN); err != nil {
		return nil, err
	}
	store, err := checkpoint.Open(ctx, cfg.CheckpointBackend, cfg.CheckpointDSN)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	tracing, err := telemetry.Setup(ctx, telemetry.ExportConfig{
		Endpoint:   cfg.OTLPEndpoint,
		Version:    version,
		SampleRate: cfg.TraceSampleRate,
	}, logger)
	if err != nil {
		closeStore(store)
		return nil, err
	}

	logger.Debug("stack ready",
		slog.String("checkpoint_backend", cfg.CheckpointBackend),
		slog.Int("kinds", kinds.Count()),
	)
	s := &stack{
		cfg:      cfg,
		logger:   logger,
		kinds:    kinds,
		compiler: compiler,
		store:    store,
		hub:      streaming.NewMemoryHub(),
		registry: prometheus.NewRegistry(),
		tracing:  tracing,
	}
	s.opts = s.engineOptions()
	return s, nil
}

// engineOptions builds the options shared by every engine of the stack.
// The metrics collector registers with s.registry, so it runs once.
func (s *stack) engineOptions() []engine.Option {
	return []engine.Option{
		engine.WithLogger(s.logger),
		engine.WithPoolSize(s.cfg.PoolSize),
		engine.WithErrorPolicy(engine.ErrorPolicy(s.cfg.ErrorPolicy)),
		engine.WithMaxSupersteps(s.cfg.MaxSupersteps),
		engine.WithCheckpointStore(s.store),
		engine.WithEventHub(s.hub),
		engine.WithResponseValidator(s.compiler.Validator()),
		engine.WithObserver(telemetry.NewTracer(s.tracing.TracerProvider())),
		engine.WithObserver(metrics.NewCollector(s.cfg.MetricsNamespace, s.registry)),
	}
}

func (s *stack) Close(ctx context.Context) error {
	var errs []error
	s.hub.Close()
	if err := s.tracing.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if c, ok := s.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close checkpoint store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func closeStore(store checkpoint.Store) {
	if c, ok := store.(io.Closer); ok {
		_ = c.Close()
	}
}

// ensureStoreDir creates the parent directory of a local libsql database.
func ensureStoreDir(backend, dsn string) error {
	if backend != checkpoint.BackendLibSQL || !strings.HasPrefix(dsn, "file:") {
		return nil
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	return nil
}
