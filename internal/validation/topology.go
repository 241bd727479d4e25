package validation

import (
	"fmt"

	"github.com/rendis/opgraph/pkg/schema"
)

// validateTopology reports executors that no path from start reaches.
// Cycles are legal and are not reported.
func validateTopology(def *schema.GraphDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	adj := make(map[string][]string, len(def.Executors))
	for _, e := range def.Edges {
		if e.Mode == schema.EdgeModeFanIn {
			for _, s := range e.Sources {
				adj[s] = append(adj[s], e.Target)
			}
			continue
		}
		for _, c := range e.Cases {
			adj[e.Source] = append(adj[e.Source], c.Target)
		}
	}

	reachable := map[string]bool{def.Start: true}
	queue := []string{def.Start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for i, ex := range def.Executors {
		if !reachable[ex.ID] {
			result.AddError(fmt.Sprintf("executors[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("executor %q is unreachable from start %q", ex.ID, def.Start))
		}
	}
	return result
}
