package engine

import (
	"fmt"
	"maps"
	"reflect"
	"slices"

	"github.com/rendis/opgraph/pkg/schema"
)

// Graph is the immutable topology produced by Builder.Build. It is shared by
// every run; all mutable execution state lives in the Run.
type Graph struct {
	name      string
	start     string
	order     []string
	nodes     map[string]*node
	groups    map[string][]*edgeGroup
	producers map[string][]string
	handoffs  map[string][]string
	retry     map[string]*schema.RetryPolicy
	registry  *TypeRegistry
}

type node struct {
	id      string
	shared  Executor
	factory Factory
}

func (n *node) instantiate() Executor {
	if n.factory != nil {
		return n.factory()
	}
	return n.shared
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Start returns the start executor ID.
func (g *Graph) Start() string { return g.start }

// ExecutorIDs returns executor IDs in declaration order.
func (g *Graph) ExecutorIDs() []string { return slices.Clone(g.order) }

// Registry returns the payload type registry used for checkpoints.
func (g *Graph) Registry() *TypeRegistry { return g.registry }

// Producers returns the ordered producer set of a fan-in executor.
func (g *Graph) Producers(id string) []string { return slices.Clone(g.producers[id]) }

// HandoffTargets returns the permitted transfer targets of a handoff participant.
func (g *Graph) HandoffTargets(id string) []string { return slices.Clone(g.handoffs[id]) }

// EdgeInfo describes one edge for introspection.
type EdgeInfo struct {
	Source      string          `json:"source"`
	Target      string          `json:"target"`
	Mode        schema.EdgeMode `json:"mode"`
	Conditional bool            `json:"conditional,omitempty"`
}

// Edges returns every edge, by source in declaration order.
func (g *Graph) Edges() []EdgeInfo {
	var out []EdgeInfo
	for _, src := range g.order {
		for _, grp := range g.groups[src] {
			for _, e := range grp.edges {
				out = append(out, EdgeInfo{Source: src, Target: e.target, Mode: grp.mode, Conditional: e.when != nil})
			}
		}
	}
	return out
}

// Builder assembles a Graph. Errors are collected and reported together by Build.
type Builder struct {
	name     string
	start    string
	order    []string
	nodes    map[string]*node
	groups   []*sourcedGroup
	fanIns   map[string][]string
	handoffs map[string][]string
	retry    map[string]*schema.RetryPolicy
	types    []reflect.Type
	issues   schema.ValidationResult
}

type sourcedGroup struct {
	source string
	group  *edgeGroup
}

// NewBuilder starts an empty graph with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:     name,
		nodes:    make(map[string]*node),
		fanIns:   make(map[string][]string),
		handoffs: make(map[string][]string),
		retry:    make(map[string]*schema.RetryPolicy),
	}
}

// AddExecutor registers a shared executor instance. Shared executors must be stateless.
func (b *Builder) AddExecutor(exec Executor) *Builder {
	if exec == nil {
		b.issues.AddError("executors", schema.ErrCodeBuild, "nil executor")
		return b
	}
	b.addNode(&node{id: exec.ID(), shared: exec})
	return b
}

// AddFactory registers an executor that is re-created for every run.
func (b *Builder) AddFactory(id string, factory Factory) *Builder {
	if factory == nil {
		b.issues.AddError("executors."+id, schema.ErrCodeBuild, "nil factory")
		return b
	}
	b.addNode(&node{id: id, factory: factory})
	return b
}

func (b *Builder) addNode(n *node) {
	if n.id == "" {
		b.issues.AddError(fmt.Sprintf("executors[%d]", len(b.order)), schema.ErrCodeBuild, "executor has empty ID")
		return
	}
	if _, exists := b.nodes[n.id]; exists {
		b.issues.AddError("executors."+n.id, schema.ErrCodeBuild, fmt.Sprintf("duplicate executor ID: %s", n.id))
		return
	}
	b.nodes[n.id] = n
	b.order = append(b.order, n.id)
}

// SetStart designates the executor that receives the run input.
func (b *Builder) SetStart(id string) *Builder {
	b.start = id
	return b
}

// EdgeOption configures a single edge added with AddEdge.
type EdgeOption func(*Case)

// WithCondition makes the edge fire only when the predicate holds.
func WithCondition(when Predicate) EdgeOption {
	return func(c *Case) { c.When = when }
}

// AddEdge adds an edge in its own "all" group.
func (b *Builder) AddEdge(source, target string, opts ...EdgeOption) *Builder {
	c := Case{Target: target}
	for _, opt := range opts {
		opt(&c)
	}
	return b.addGroup(source, schema.EdgeModeAll, []Case{c})
}

// AddChain connects the executors in sequence.
func (b *Builder) AddChain(ids ...string) *Builder {
	for i := 0; i+1 < len(ids); i++ {
		b.AddEdge(ids[i], ids[i+1])
	}
	return b
}

// AddFanOut broadcasts every message of source to all targets.
func (b *Builder) AddFanOut(source string, targets ...string) *Builder {
	cases := make([]Case, len(targets))
	for i, t := range targets {
		cases[i] = Case{Target: t}
	}
	return b.addGroup(source, schema.EdgeModeAll, cases)
}

// AddBroadcast routes each message to every case whose predicate holds.
// Cases without a predicate always fire.
func (b *Builder) AddBroadcast(source string, cases ...Case) *Builder {
	return b.addGroup(source, schema.EdgeModeAll, cases)
}

// AddFanIn connects sources to target and fixes the producer order of its waves.
func (b *Builder) AddFanIn(target string, sources ...string) *Builder {
	if len(sources) == 0 {
		b.issues.AddError("fan_in."+target, schema.ErrCodeBuild, "fan-in has no sources")
		return b
	}
	for _, s := range sources {
		b.AddEdge(s, target)
		if !slices.Contains(b.fanIns[target], s) {
			b.fanIns[target] = append(b.fanIns[target], s)
		}
	}
	return b
}

// AddSwitch routes each message to the first case whose predicate holds.
// A Default case, if any, must be last.
func (b *Builder) AddSwitch(source string, cases ...Case) *Builder {
	return b.addGroup(source, schema.EdgeModeSwitch, cases)
}

// AddMultiSelect routes each message to every case whose predicate holds.
func (b *Builder) AddMultiSelect(source string, cases ...Case) *Builder {
	return b.addGroup(source, schema.EdgeModeMultiSelect, cases)
}

// addHandoff permits source to transfer control to each target.
func (b *Builder) addHandoff(source string, targets ...string) *Builder {
	for _, t := range targets {
		if !slices.Contains(b.handoffs[source], t) {
			b.handoffs[source] = append(b.handoffs[source], t)
		}
	}
	cases := make([]Case, len(targets))
	for i, t := range targets {
		cases[i] = Case{Target: t}
	}
	return b.addGroup(source, modeHandoff, cases)
}

// WithRetry retries failing invocations of an executor before the error policy applies.
func (b *Builder) WithRetry(id string, policy *schema.RetryPolicy) *Builder {
	b.retry[id] = policy
	return b
}

// RegisterTypes registers payload types, given as sample values, for checkpoint encoding.
// Handler input types are registered automatically.
func (b *Builder) RegisterTypes(samples ...any) *Builder {
	for _, s := range samples {
		if s != nil {
			b.types = append(b.types, reflect.TypeOf(s))
		}
	}
	return b
}

func (b *Builder) addGroup(source string, mode schema.EdgeMode, cases []Case) *Builder {
	path := fmt.Sprintf("edges[%d]", len(b.groups))
	if len(cases) == 0 {
		b.issues.AddError(path, schema.ErrCodeBuild, fmt.Sprintf("edge group from %s has no edges", source))
		return b
	}
	g := &edgeGroup{mode: mode}
	for _, c := range cases {
		g.edges = append(g.edges, edge{source: source, target: c.Target, when: c.When})
	}
	b.groups = append(b.groups, &sourcedGroup{source: source, group: g})
	return b
}

// Build validates the topology and returns the immutable Graph.
func (b *Builder) Build() (*Graph, error) {
	res := schema.ValidationResult{}
	res.Merge(&b.issues)

	if len(b.order) == 0 {
		res.AddError("executors", schema.ErrCodeBuild, "graph has no executors")
		return nil, buildError(b.name, &res)
	}

	g := &Graph{
		name:      b.name,
		start:     b.start,
		order:     slices.Clone(b.order),
		nodes:     maps.Clone(b.nodes),
		groups:    make(map[string][]*edgeGroup),
		producers: make(map[string][]string),
		handoffs:  make(map[string][]string, len(b.handoffs)),
		retry:     make(map[string]*schema.RetryPolicy, len(b.retry)),
		registry:  NewTypeRegistry(),
	}
	// The graph owns its maps; later Builder calls must not reach it.
	for id, targets := range b.handoffs {
		g.handoffs[id] = slices.Clone(targets)
	}
	for id, policy := range b.retry {
		if policy != nil {
			cp := *policy
			policy = &cp
		}
		g.retry[id] = policy
	}

	// Instantiate every node once to check its identity and collect handler types.
	samples := make(map[string]Executor, len(b.order))
	for _, id := range b.order {
		exec := b.nodes[id].instantiate()
		if exec == nil {
			res.AddError("executors."+id, schema.ErrCodeBuild, fmt.Sprintf("factory for %s returned nil", id))
			continue
		}
		if exec.ID() != id {
			res.AddError("executors."+id, schema.ErrCodeBuild,
				fmt.Sprintf("factory for %s produced executor %s", id, exec.ID()))
		}
		if len(exec.Handlers()) == 0 {
			res.AddError("executors."+id, schema.ErrCodeBuild, fmt.Sprintf("executor %s has no handlers", id))
		}
		for _, h := range exec.Handlers() {
			g.registry.Register(h.InputType())
		}
		samples[id] = exec
	}
	for _, t := range b.types {
		g.registry.Register(t)
	}

	if b.start == "" {
		res.AddError("start", schema.ErrCodeBuild, "no start executor designated")
	} else if _, ok := b.nodes[b.start]; !ok {
		res.AddError("start", schema.ErrCodeBuild, fmt.Sprintf("start executor %s does not exist", b.start))
	}

	incoming := make(map[string][]string)
	for i, sg := range b.groups {
		path := fmt.Sprintf("edges[%d]", i)
		if _, ok := b.nodes[sg.source]; !ok {
			res.AddError(path, schema.ErrCodeBuild, fmt.Sprintf("edge source %s does not exist", sg.source))
		}
		for j, e := range sg.group.edges {
			if _, ok := b.nodes[e.target]; !ok {
				res.AddError(path, schema.ErrCodeBuild, fmt.Sprintf("edge target %s does not exist", e.target))
			}
			switch sg.group.mode {
			case schema.EdgeModeSwitch:
				if e.when == nil && j != len(sg.group.edges)-1 {
					res.AddError(path, schema.ErrCodeBuild,
						fmt.Sprintf("switch from %s: default case to %s must be last", sg.source, e.target))
				}
			case schema.EdgeModeMultiSelect:
				if e.when == nil {
					res.AddError(path, schema.ErrCodeBuild,
						fmt.Sprintf("multi-select from %s: edge to %s has no predicate", sg.source, e.target))
				}
			}
			if sg.group.mode != modeHandoff && !slices.Contains(incoming[e.target], sg.source) {
				incoming[e.target] = append(incoming[e.target], sg.source)
			}
		}
		grp := &edgeGroup{mode: sg.group.mode, edges: slices.Clone(sg.group.edges)}
		g.groups[sg.source] = append(g.groups[sg.source], grp)
	}

	for _, id := range b.order {
		exec, ok := samples[id]
		if !ok || !hasCollectionHandler(exec) {
			continue
		}
		producers := b.fanIns[id]
		if len(producers) == 0 {
			producers = incoming[id]
		}
		if len(producers) == 0 {
			res.AddError("executors."+id, schema.ErrCodeBuild,
				fmt.Sprintf("fan-in executor %s has no incoming edges", id))
		}
		g.producers[id] = slices.Clone(producers)
	}

	if res.Valid() {
		for _, id := range unreachable(g) {
			res.AddError("executors."+id, schema.ErrCodeBuild,
				fmt.Sprintf("executor %s is not reachable from start %s", id, g.start))
		}
	}

	if !res.Valid() {
		return nil, buildError(b.name, &res)
	}
	return g, nil
}

// unreachable returns executors with no path from the start node, in declaration order.
func unreachable(g *Graph) []string {
	seen := map[string]bool{g.start: true}
	queue := []string{g.start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, grp := range g.groups[cur] {
			for _, e := range grp.edges {
				if !seen[e.target] {
					seen[e.target] = true
					queue = append(queue, e.target)
				}
			}
		}
	}

	var missing []string
	for _, id := range g.order {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

func buildError(name string, res *schema.ValidationResult) error {
	msg := res.Errors[0].Message
	if len(res.Errors) > 1 {
		msg = fmt.Sprintf("graph %s has %d build errors; first: %s", name, len(res.Errors), msg)
	}
	return schema.NewError(schema.ErrCodeBuild, msg).
		WithDetails(map[string]any{"graph": name, "errors": res.Errors})
}
