package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opgraph/internal/engine"
)

func TestRenderMermaid(t *testing.T) {
	output := RenderMermaid(Build(routingGraph(t), nil))

	assert.Contains(t, output, "graph TD")
	assert.Contains(t, output, "%% tickets")
	assert.Contains(t, output, `__start__(("Start"))`)
	assert.Contains(t, output, `intake["intake"]`)
	assert.Contains(t, output, `join[["join"]]`)
	assert.Contains(t, output, "intake -->|case| billing")
	assert.Contains(t, output, "intake -->|default| general")
	assert.Contains(t, output, "billing --> join")
	assert.Contains(t, output, "classDef failed")
	assert.NotContains(t, output, "class intake")
}

func TestRenderMermaidWithStatus(t *testing.T) {
	g := loopGraph(t)
	_, res, err := engine.New(g).Run(context.Background(), 1)
	require.NoError(t, err)

	output := RenderMermaid(Build(g, res.Events))
	assert.Contains(t, output, `tick["tick x2"]`)
	assert.Contains(t, output, "class tick yielded")
}

func TestRenderMermaidHandoffEdgesAreDashed(t *testing.T) {
	model := &DiagramModel{
		Nodes: []*Node{{ID: "triage", Label: "triage", Kind: NodeKindHandoff}, {ID: "refunds", Label: "refunds", Kind: NodeKindHandoff}},
		Edges: []Edge{{From: "triage", To: "refunds", Label: "handoff", Dashed: true}},
	}
	output := RenderMermaid(model)
	assert.Contains(t, output, `triage{{"triage"}}`)
	assert.Contains(t, output, "triage -.->|handoff| refunds")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "a_b_c_d", mermaidSafeID("a.b-c d"))
}
