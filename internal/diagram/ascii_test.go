package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opgraph/internal/engine"
)

func TestRenderASCII(t *testing.T) {
	output := RenderASCII(Build(routingGraph(t), nil))

	assert.Contains(t, output, "=== tickets ===")
	assert.Contains(t, output, "┌")
	assert.Contains(t, output, "┘")
	assert.Contains(t, output, "│ Start │")
	assert.Contains(t, output, "join (fan-in)")
	assert.Contains(t, output, "▼")
	assert.Contains(t, output, "intake ─→ billing (case)")
	assert.Contains(t, output, "general ─→ join\n")
}

func TestRenderASCIIWithStatus(t *testing.T) {
	g := loopGraph(t)
	_, res, err := engine.New(g).Run(context.Background(), 2)
	require.NoError(t, err)

	output := RenderASCII(Build(g, res.Events))
	assert.Contains(t, output, "[OUT]")
	assert.Contains(t, output, "x3")
	assert.Contains(t, output, "tick ─→ tick")
}

func TestStatusTag(t *testing.T) {
	tests := map[string]string{
		"completed": "[OK]",
		"yielded":   "[OUT]",
		"failed":    "[FAIL]",
		"running":   "[RUN]",
		"suspended": "[WAIT]",
		"other":     "",
	}
	for status, want := range tests {
		assert.Equal(t, want, statusTag(status), status)
	}
}
