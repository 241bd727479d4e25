package declarative

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/opgraph/internal/builtin"
	"github.com/rendis/opgraph/internal/engine"
	"github.com/rendis/opgraph/internal/expressions"
	"github.com/rendis/opgraph/internal/logging"
	"github.com/rendis/opgraph/internal/validation"
	"github.com/rendis/opgraph/pkg/schema"
)

// Compiler validates definitions and builds them with registered executor kinds.
type Compiler struct {
	kinds     *builtin.Registry
	exprs     *expressions.Set
	validator *validation.GraphValidator
	logger    *slog.Logger
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithLogger sets the logger used for condition evaluation failures.
func WithLogger(l *slog.Logger) Option { return func(c *Compiler) { c.logger = l } }

// NewCompiler creates a Compiler backed by kinds and the expression engines in exprs.
func NewCompiler(kinds *builtin.Registry, exprs *expressions.Set, opts ...Option) (*Compiler, error) {
	if kinds == nil || exprs == nil {
		return nil, schema.NewError(schema.ErrCodeBuild, "compiler needs a kind registry and expression engines")
	}
	gv, err := validation.NewGraphValidator(kinds)
	if err != nil {
		return nil, err
	}
	c := &Compiler{
		kinds:     kinds,
		exprs:     exprs,
		validator: gv,
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Validator exposes the graph validator, which also checks input responses.
func (c *Compiler) Validator() *validation.GraphValidator { return c.validator }

// Compile validates def and builds its graph.
func (c *Compiler) Compile(def *schema.GraphDefinition) (*engine.Graph, error) {
	if err := c.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}

	b := engine.NewBuilder(def.Name)
	for _, ex := range def.Executors {
		f, err := c.kinds.New(ex.Kind, ex.ID, ex.Config)
		if err != nil {
			return nil, err
		}
		b.AddFactory(ex.ID, f)
		if ex.Retry != nil {
			b.WithRetry(ex.ID, ex.Retry)
		}
	}
	b.SetStart(def.Start)

	for i, e := range def.Edges {
		if e.Mode == schema.EdgeModeFanIn {
			b.AddFanIn(e.Target, e.Sources...)
			continue
		}
		cases, err := c.cases(fmt.Sprintf("edges[%d]", i), e)
		if err != nil {
			return nil, err
		}
		switch e.Mode {
		case schema.EdgeModeSwitch:
			b.AddSwitch(e.Source, cases...)
		case schema.EdgeModeMultiSelect:
			b.AddMultiSelect(e.Source, cases...)
		default:
			b.AddBroadcast(e.Source, cases...)
		}
	}

	return b.Build()
}

// CompileFile parses and compiles the definition at path.
func (c *Compiler) CompileFile(path string) (*schema.GraphDefinition, *engine.Graph, error) {
	def, err := ParseFile(path)
	if err != nil {
		return nil, nil, err
	}
	g, err := c.Compile(def)
	if err != nil {
		return nil, nil, err
	}
	return def, g, nil
}

func (c *Compiler) cases(path string, e schema.EdgeDefinition) ([]engine.Case, error) {
	cases := make([]engine.Case, len(e.Cases))
	for j, cd := range e.Cases {
		if cd.When == nil {
			cases[j] = engine.Default(cd.Target)
			continue
		}
		cond, err := c.exprs.Condition(cd.When)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeBuild, "%s.cases[%d]: %s", path, j, err.Error()).WithCause(err)
		}
		cases[j] = engine.CaseOf(cd.Target, c.predicate(e.Source, cd.Target, cond))
	}
	return cases, nil
}

// predicate adapts a compiled condition. Evaluation errors fail the run.
func (c *Compiler) predicate(source, target string, cond expressions.Condition) engine.Predicate {
	return func(ctx context.Context, payload any) (bool, error) {
		ok, err := cond(ctx, payload)
		if err != nil {
			c.logger.Warn("edge condition failed", "source", source, "target", target, "error", err)
		}
		return ok, err
	}
}

// EngineOptions returns the engine options a definition carries.
func EngineOptions(def *schema.GraphDefinition) []engine.Option {
	var opts []engine.Option
	if def.MaxSupersteps > 0 {
		opts = append(opts, engine.WithMaxSupersteps(def.MaxSupersteps))
	}
	return opts
}
