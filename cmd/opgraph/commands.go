package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/opgraph/internal/checkpoint"
	"github.com/rendis/opgraph/internal/declarative"
	"github.com/rendis/opgraph/internal/diagram"
	"github.com/rendis/opgraph/internal/engine"
	"github.com/rendis/opgraph/internal/host"
	"github.com/rendis/opgraph/internal/panel"
	"github.com/rendis/opgraph/internal/scheduler"
	"github.com/rendis/opgraph/pkg/mcp"
	"github.com/rendis/opgraph/pkg/schema"
)

// streams are the process streams a command reads and writes.
type streams struct {
	in  io.Reader
	out io.Writer
	err io.Writer
}

// cmdRun executes one declarative graph file.
func cmdRun(ctx context.Context, args []string, std streams) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(std.err)
	input := fs.String("input", "", "run input as JSON (plain text is passed as a string); defaults to the graph's input")
	interactive := fs.Bool("interactive", false, "answer pending input requests from stdin")
	events := fs.Bool("events", false, "include the event stream in the result")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return schema.NewError(schema.ErrCodeValidation, "usage: opgraph run [flags] <graph.yaml>")
	}

	st, err := newStack(ctx, loadConfig(), std.err)
	if err != nil {
		return err
	}
	defer closeStack(st)

	eng, def, err := st.engineFor(fs.Arg(0))
	if err != nil {
		return err
	}
	defer eng.Close()

	value := def.Input
	if *input != "" {
		value = parseValue(*input)
	}
	run, res, err := eng.Run(ctx, value)
	if err == nil && *interactive {
		res, err = answerLoop(ctx, run, res, io)
	}
	if res != nil {
		if wErr := writeResult(std.out, res, *events); wErr != nil {
			return wErr
		}
	}
	return err
}

// cmdResume restores a run from a checkpoint and drives it on.
func cmdResume(ctx context.Context, args []string, std streams) error {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	fs.SetOutput(std.err)
	checkpointID := fs.String("checkpoint", "", "checkpoint ID to restore (required)")
	responses := fs.String("responses", "", "JSON object mapping pending request IDs to responses")
	interactive := fs.Bool("interactive", false, "answer pending input requests from stdin")
	events := fs.Bool("events", false, "include the event stream in the result")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *checkpointID == "" {
		return schema.NewError(schema.ErrCodeValidation, "usage: opgraph resume -checkpoint ID [flags] <graph.yaml>")
	}

	var answers map[string]any
	if *responses != "" {
		if err := json.Unmarshal([]byte(*responses), &answers); err != nil {
			return schema.NewError(schema.ErrCodeValidation, "responses must be a JSON object").WithCause(err)
		}
	}

	st, err := newStack(ctx, loadConfig(), std.err)
	if err != nil {
		return err
	}
	defer closeStack(st)

	eng, _, err := st.engineFor(fs.Arg(0))
	if err != nil {
		return err
	}
	defer eng.Close()

	run, err := eng.Restore(ctx, *checkpointID)
	if err != nil {
		return err
	}
	var res *engine.RunResult
	if len(answers) > 0 {
		res, err = run.SendResponses(ctx, answers)
	} else {
		res, err = run.Continue(ctx)
	}
	if err == nil && *interactive {
		res, err = answerLoop(ctx, run, res, io)
	}
	if res != nil {
		if wErr := writeResult(std.out, res, *events); wErr != nil {
			return wErr
		}
	}
	return err
}

// cmdCheckpoints lists the checkpoint IDs held by the configured store.
func cmdCheckpoints(ctx context.Context, args []string, std streams) error {
	fs := flag.NewFlagSet("checkpoints", flag.ContinueOnError)
	fs.SetOutput(std.err)
	del := fs.String("delete", "", "delete this checkpoint instead of listing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := newStack(ctx, loadConfig(), std.err)
	if err != nil {
		return err
	}
	defer closeStack(st)

	if *del != "" {
		deleter, ok := st.store.(checkpoint.Deleter)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "checkpoint backend %q cannot delete", st.cfg.CheckpointBackend)
		}
		if err := deleter.Delete(ctx, *del); err != nil {
			return err
		}
		fmt.Fprintf(std.err, "deleted %s\n", *del)
		return nil
	}

	lister, ok := st.store.(checkpoint.Lister)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "checkpoint backend %q cannot list", st.cfg.CheckpointBackend)
	}
	ids, err := lister.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(std.out, id)
	}
	return nil
}

// cmdServe registers every graph in the graphs dir, schedules the ones with a
// cron schedule and serves MCP over stdio until ctx is done.
func cmdServe(ctx context.Context, args []string, std streams) error {
	cfg := loadConfig()
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(std.err)
	dir := fs.String("dir", cfg.GraphsDir, "directory of graph definitions (.yaml, .yml, .json)")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address when set")
	httpAddr := fs.String("http", cfg.HTTPAddr, "serve the JSON API and event streams on this address when set")
	tick := fs.Duration("tick", 10*time.Second, "scheduler poll interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := newStack(ctx, cfg, std.err)
	if err != nil {
		return err
	}
	defer closeStack(st)

	h := host.New(st.logger, st.opts...)
	defer h.Close()
	if err := loadGraphs(st, h, *dir); err != nil {
		return err
	}

	sched := scheduler.NewScheduler(h, st.logger, scheduler.WithInterval(*tick))
	for _, g := range h.Graphs() {
		if g.Schedule == "" {
			continue
		}
		def, _ := h.Definition(g.Name)
		if err := sched.Add(g.Name, g.Schedule, def.Input); err != nil {
			return err
		}
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			st.logger.Warn("stop scheduler", slog.Any("error", err))
		}
	}()

	if *metricsAddr != "" {
		defer listen(ctx, st, "metrics", *metricsAddr, metricsMux(st))()
	}
	if *httpAddr != "" {
		api := panel.NewPanelServer(panel.PanelDeps{Host: h, Hub: st.hub, Logger: st.logger})
		defer listen(ctx, st, "api", *httpAddr, api.Handler())()
	}

	server := mcp.NewServer(mcp.ServerDeps{Host: h, Kinds: st.kinds, Logger: st.logger})
	st.logger.Info("serving MCP over stdio",
		slog.Int("graphs", len(h.Graphs())), slog.Int("scheduled", len(sched.Jobs())))
	if err := server.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// cmdDiagram renders a graph file without running it.
func cmdDiagram(ctx context.Context, args []string, std streams) error {
	fs := flag.NewFlagSet("diagram", flag.ContinueOnError)
	fs.SetOutput(std.err)
	format := fs.String("format", "mermaid", "output format: mermaid, ascii, png, svg")
	outPath := fs.String("o", "", "write to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return schema.NewError(schema.ErrCodeValidation, "usage: opgraph diagram [flags] <graph.yaml>")
	}

	st, err := newStack(ctx, diagramConfig(), std.err)
	if err != nil {
		return err
	}
	defer closeStack(st)

	_, g, err := st.compiler.CompileFile(fs.Arg(0))
	if err != nil {
		return err
	}
	model := diagram.Build(g, nil)

	var data []byte
	switch *format {
	case "mermaid":
		data = []byte(diagram.RenderMermaid(model))
	case "ascii":
		data = []byte(diagram.RenderASCII(model))
	case "png", "svg":
		if data, err = diagram.RenderImage(ctx, model, diagram.ImageFormat(*format)); err != nil {
			return err
		}
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q", *format)
	}

	if *outPath == "" {
		_, err = std.out.Write(data)
		return err
	}
	if err := os.WriteFile(*outPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", *outPath, err)
	}
	return nil
}

// diagramConfig is the loaded config without a persistent checkpoint store,
// since rendering never runs the graph.
func diagramConfig() Config {
	cfg := loadConfig()
	cfg.CheckpointBackend = checkpoint.BackendMemory
	return cfg
}

// cmdInit writes settings.json from flags, like a first-run installer.
func cmdInit(args []string, std streams) error {
	def := defaultConfig()
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(std.err)
	logLevel := fs.String("log-level", def.LogLevel, "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", def.LogFormat, "log format: text or json")
	poolSize := fs.Int("pool-size", def.PoolSize, "worker pool size")
	backend := fs.String("checkpoint-backend", def.CheckpointBackend, "checkpoint backend: memory, libsql, redis, blob")
	dsn := fs.String("checkpoint-dsn", def.CheckpointDSN, "checkpoint store location")
	graphsDir := fs.String("graphs-dir", def.GraphsDir, "directory of graph definitions for serve")
	force := fs.Bool("force", false, "overwrite an existing settings.json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := def
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	cfg.PoolSize = *poolSize
	cfg.CheckpointBackend = *backend
	cfg.CheckpointDSN = *dsn
	cfg.GraphsDir = *graphsDir
	if err := cfg.validate(); err != nil {
		return err
	}

	path := settingsPath()
	if _, err := os.Stat(path); err == nil && !*force {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s exists (use -force to overwrite)", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.MkdirAll(cfg.GraphsDir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", cfg.GraphsDir, err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(std.out, "Config written to %s\n", path)
	return nil
}

// --- Helpers ---

// engineFor compiles a graph file into an engine using the stack's options
// plus any limits the definition sets.
func (s *stack) engineFor(path string) (*engine.Engine, *schema.GraphDefinition, error) {
	def, g, err := s.compiler.CompileFile(path)
	if err != nil {
		return nil, nil, err
	}
	opts := append(slices.Clone(s.opts), declarative.EngineOptions(def)...)
	return engine.New(g, opts...), def, nil
}

// loadGraphs compiles every definition file in dir and registers it with h.
// A missing dir registers nothing.
func loadGraphs(st *stack, h *host.Host, dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		st.logger.Warn("graphs dir not found", slog.String("dir", dir))
		return nil
	}
	if err != nil {
		return fmt.Errorf("read graphs dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	for _, path := range files {
		def, g, err := st.compiler.CompileFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := h.Register(def, g); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		st.logger.Info("graph registered", slog.String("graph", def.Name), slog.String("file", path))
	}
	return nil
}

// listen serves handler on addr in the background and returns its shutdown func.
func listen(ctx context.Context, st *stack, name, addr string, handler http.Handler) func() {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			st.logger.Error(name+" server", slog.Any("error", err))
		}
	}()
	st.logger.Info(name+" listening", slog.String("addr", addr))
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

func metricsMux(st *stack) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(st.registry, promhttp.HandlerOpts{}))
	return mux
}

// answerLoop prompts for every pending request and feeds the answers back
// until the run stops asking.
func answerLoop(ctx context.Context, run *engine.Run, res *engine.RunResult, std streams) (*engine.RunResult, error) {
	scanner := bufio.NewScanner(std.in)
	for res.Status == schema.RunStatusIdleWithPendingRequests {
		answers := make(map[string]any, len(res.PendingRequests))
		for _, req := range res.PendingRequests {
			fmt.Fprintf(std.err, "[%s] %v\n> ", req.ExecutorID, req.Payload)
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return res, fmt.Errorf("read response: %w", err)
				}
				return res, nil
			}
			answers[req.ID] = parseValue(strings.TrimSpace(scanner.Text()))
		}
		next, err := run.SendResponses(ctx, answers)
		if err != nil {
			return res, err
		}
		res = next
	}
	return res, nil
}

// parseValue decodes JSON, falling back to the raw text.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func writeResult(w io.Writer, res *engine.RunResult, withEvents bool) error {
	out := *res
	if !withEvents {
		out.Events = nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func closeStack(st *stack) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.Close(ctx); err != nil {
		st.logger.Warn("shutdown", slog.Any("error", err))
	}
}
