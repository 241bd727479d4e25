package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opgraph/internal/engine"
)

func TestRenderImagePNG(t *testing.T) {
	png, err := RenderImage(context.Background(), Build(routingGraph(t), nil), FormatPNG)
	require.NoError(t, err)

	// PNG magic bytes: 0x89 P N G.
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestRenderImageSVGWithStatus(t *testing.T) {
	g := loopGraph(t)
	_, res, err := engine.New(g).Run(context.Background(), 1)
	require.NoError(t, err)

	svg, err := RenderImage(context.Background(), Build(g, res.Events), FormatSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
	assert.Contains(t, string(svg), "#1f6f6f")
}

func TestRenderImageUnknownFormat(t *testing.T) {
	_, err := RenderImage(context.Background(), &DiagramModel{}, "gif")
	assert.ErrorContains(t, err, "unsupported image format")
}
