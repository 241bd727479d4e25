package validation

import (
	"fmt"
	"time"

	"github.com/rendis/opgraph/pkg/schema"
)

// validateSemantic checks what JSON Schema cannot express: unique executor IDs,
// registered kinds, edge references, per-mode group rules and condition fields.
func validateSemantic(def *schema.GraphDefinition, kinds KindLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]bool, len(def.Executors))
	for i, ex := range def.Executors {
		path := fmt.Sprintf("executors[%d]", i)
		if ids[ex.ID] {
			result.AddError(path+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate executor id %q", ex.ID))
		}
		ids[ex.ID] = true

		if kinds != nil && !kinds.Has(ex.Kind) {
			result.AddError(path+".kind", schema.ErrCodeValidation, fmt.Sprintf("executor kind %q not registered", ex.Kind))
		}
		if ex.Retry != nil {
			validateRetry(ex.Retry, path+".retry", result)
		}
	}

	if !ids[def.Start] {
		result.AddError("start", schema.ErrCodeValidation, fmt.Sprintf("start executor %q does not exist", def.Start))
	}

	ref := func(path, id string) {
		if !ids[id] {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("references non-existent executor %q", id))
		}
	}

	for i, e := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		mode := e.Mode
		if mode == "" {
			mode = schema.EdgeModeAll
		}

		if mode == schema.EdgeModeFanIn {
			if e.Target == "" || len(e.Sources) == 0 {
				result.AddError(path, schema.ErrCodeValidation, "fan_in edge requires target and sources")
				continue
			}
			ref(path+".target", e.Target)
			for j, s := range e.Sources {
				ref(fmt.Sprintf("%s.sources[%d]", path, j), s)
			}
			continue
		}

		if e.Source == "" {
			result.AddError(path+".source", schema.ErrCodeValidation, fmt.Sprintf("%s edge requires a source", mode))
		} else {
			ref(path+".source", e.Source)
		}
		if len(e.Cases) == 0 {
			result.AddError(path+".cases", schema.ErrCodeValidation, "edge group has no cases")
		}

		for j, c := range e.Cases {
			cpath := fmt.Sprintf("%s.cases[%d]", path, j)
			ref(cpath+".target", c.Target)
			if c.When != nil {
				validateCondition(c.When, cpath+".when", result)
			}
			switch mode {
			case schema.EdgeModeSwitch:
				if c.When == nil && j != len(e.Cases)-1 {
					result.AddError(cpath, schema.ErrCodeValidation, "switch default case must be last")
				}
			case schema.EdgeModeMultiSelect:
				if c.When == nil {
					result.AddError(cpath+".when", schema.ErrCodeValidation, "multi_select cases require a condition")
				}
			}
		}
	}

	return result
}

func validateCondition(c *schema.ConditionDefinition, path string, result *schema.ValidationResult) {
	switch c.Engine {
	case "cel", "expr":
		if c.Expression == "" {
			result.AddError(path+".expression", schema.ErrCodeValidation,
				fmt.Sprintf("%s condition requires an expression", c.Engine))
		}
	case "path":
		if c.Path == "" {
			result.AddError(path+".path", schema.ErrCodeValidation, "path condition requires a path")
		}
	}
}

func validateRetry(p *schema.RetryPolicy, path string, result *schema.ValidationResult) {
	if p.Max > 10 {
		result.AddWarning(path+".max", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may stall the superstep", p.Max))
	}
	if p.Delay != "" && p.MaxDelay != "" {
		d, err1 := time.ParseDuration(p.Delay)
		m, err2 := time.ParseDuration(p.MaxDelay)
		if err1 == nil && err2 == nil && d > m {
			result.AddWarning(path+".max_delay", schema.ErrCodeValidation,
				fmt.Sprintf("max_delay (%s) is shorter than delay (%s)", p.MaxDelay, p.Delay))
		}
	}
}
