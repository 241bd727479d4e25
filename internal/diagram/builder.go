package diagram

import (
	"github.com/rendis/opgraph/internal/engine"
	"github.com/rendis/opgraph/pkg/schema"
)

// Build constructs a DiagramModel from a built graph. When events of a run
// are given, each node carries the outcome of its last invocation.
func Build(g *engine.Graph, events []engine.Event) *DiagramModel {
	model := &DiagramModel{Title: g.Name()}
	if model.Title == "" {
		model.Title = "Graph"
	}

	model.Nodes = append(model.Nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for _, id := range g.ExecutorIDs() {
		model.Nodes = append(model.Nodes, &Node{ID: id, Label: id, Kind: kindOf(g, id)})
	}

	model.Edges = append(model.Edges, Edge{From: StartID, To: g.Start()})
	for _, e := range g.Edges() {
		model.Edges = append(model.Edges, Edge{
			From:   e.Source,
			To:     e.Target,
			Label:  edgeLabel(e),
			Dashed: e.Mode == "handoff",
		})
	}

	model.Levels = buildLevels(model.Edges, g.ExecutorIDs())
	overlayEvents(model, events)
	return model
}

func kindOf(g *engine.Graph, id string) NodeKind {
	switch {
	case len(g.Producers(id)) > 0:
		return NodeKindFanIn
	case len(g.HandoffTargets(id)) > 0:
		return NodeKindHandoff
	default:
		return NodeKindExecutor
	}
}

func edgeLabel(e engine.EdgeInfo) string {
	switch e.Mode {
	case schema.EdgeModeSwitch:
		if e.Conditional {
			return "case"
		}
		return "default"
	case schema.EdgeModeMultiSelect:
		return "select"
	case "handoff":
		return "handoff"
	}
	if e.Conditional {
		return "when"
	}
	return ""
}

// buildLevels assigns every node its shortest distance from the start node.
// Back edges of cycles do not move a node to a later level.
func buildLevels(edges []Edge, order []string) [][]string {
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	depth := map[string]int{StartID: 0}
	queue := []string{StartID}
	maxDepth := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if _, seen := depth[next]; seen {
				continue
			}
			depth[next] = depth[cur] + 1
			maxDepth = max(maxDepth, depth[next])
			queue = append(queue, next)
		}
	}

	levels := make([][]string, maxDepth+1)
	levels[0] = []string{StartID}
	for _, id := range order {
		if d, ok := depth[id]; ok {
			levels[d] = append(levels[d], id)
		}
	}
	return levels
}

func overlayEvents(model *DiagramModel, events []engine.Event) {
	for _, ev := range events {
		switch ev.Type {
		case schema.EventExecutorInvoked, schema.EventExecutorCompleted, schema.EventExecutorFailed:
		default:
			continue
		}
		node := model.Node(ev.ExecutorID)
		if node == nil {
			continue
		}
		if node.Status == nil {
			node.Status = &StatusOverlay{}
		}
		switch ev.Type {
		case schema.EventExecutorInvoked:
			node.Status.Invocations++
			node.Status.Status = "running"
		case schema.EventExecutorCompleted:
			node.Status.Status = string(ev.Outcome)
			node.Status.Error = ""
		case schema.EventExecutorFailed:
			node.Status.Status = string(schema.OutcomeFailed)
			node.Status.Error = ev.Error
		}
	}
}
