package schema

// GraphDefinition is the declarative (YAML or JSON) form of a workflow graph.
// The loader turns it into an engine graph through the same builder API used in code.
type GraphDefinition struct {
	Name          string               `json:"name" yaml:"name"`
	Description   string               `json:"description,omitempty" yaml:"description,omitempty"`
	Start         string               `json:"start" yaml:"start"`
	Executors     []ExecutorDefinition `json:"executors" yaml:"executors"`
	Edges         []EdgeDefinition     `json:"edges,omitempty" yaml:"edges,omitempty"`
	MaxSupersteps int                  `json:"max_supersteps,omitempty" yaml:"max_supersteps,omitempty"`
	Schedule      string               `json:"schedule,omitempty" yaml:"schedule,omitempty"` // cron expression
	Input         any                  `json:"input,omitempty" yaml:"input,omitempty"`       // input used by scheduled runs
}

// ExecutorDefinition names a node and the registered kind that implements it.
type ExecutorDefinition struct {
	ID     string         `json:"id" yaml:"id"`
	Kind   string         `json:"kind" yaml:"kind"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Retry  *RetryPolicy   `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// EdgeMode enumerates the routing modes of an edge group.
type EdgeMode string

const (
	EdgeModeAll         EdgeMode = "all"
	EdgeModeSwitch      EdgeMode = "switch"
	EdgeModeMultiSelect EdgeMode = "multi_select"
	EdgeModeFanIn       EdgeMode = "fan_in"
)

// EdgeDefinition is one edge group. For fan_in, Sources feed Target;
// for every other mode, Source routes to the Cases in declaration order.
type EdgeDefinition struct {
	Mode    EdgeMode         `json:"mode,omitempty" yaml:"mode,omitempty"` // default: all
	Source  string           `json:"source,omitempty" yaml:"source,omitempty"`
	Cases   []CaseDefinition `json:"cases,omitempty" yaml:"cases,omitempty"`
	Sources []string         `json:"sources,omitempty" yaml:"sources,omitempty"`
	Target  string           `json:"target,omitempty" yaml:"target,omitempty"`
}

// CaseDefinition is a single target with an optional condition.
type CaseDefinition struct {
	Target string               `json:"target" yaml:"target"`
	When   *ConditionDefinition `json:"when,omitempty" yaml:"when,omitempty"`
}

// ConditionDefinition is a message predicate.
// Engine is one of cel, expr or path. For path, Path is a gjson path into the
// JSON form of the message and Equals is the expected value.
type ConditionDefinition struct {
	Engine     string `json:"engine" yaml:"engine"`
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
	Path       string `json:"path,omitempty" yaml:"path,omitempty"`
	Equals     any    `json:"equals,omitempty" yaml:"equals,omitempty"`
}

// RetryPolicy configures retry behavior for an executor's handlers.
type RetryPolicy struct {
	Max      int    `json:"max" yaml:"max"`                                 // max retry attempts
	Backoff  string `json:"backoff,omitempty" yaml:"backoff,omitempty"`     // none | linear | exponential | constant
	Delay    string `json:"delay,omitempty" yaml:"delay,omitempty"`         // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty" yaml:"max_delay,omitempty"` // cap for computed delays
}
