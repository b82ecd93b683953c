package anchor

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/maskrcnn/internal/box"
	"github.com/born-ml/maskrcnn/internal/config"
)

func TestGenerate_Deterministic(t *testing.T) {
	cfg := config.Tiny(3)
	a := Generate(cfg, 64, 64)
	b := Generate(cfg, 64, 64)
	require.Equal(t, a, b)
	assert.Len(t, a, Count(cfg, 64, 64))
	// (16² + 8² + 4² + 2² + 1²) cells × 3 ratios
	assert.Equal(t, 341*3, len(a))
}

func TestGenerate_Order(t *testing.T) {
	cfg := config.Tiny(3)
	cfg.RPNAnchorRatios = []float64{0.5, 1, 2}
	a := Generate(cfg, 64, 64)

	// Level 0, row 0, column 0, ratio 1 is a scale×scale box at the origin.
	assert.InDeltaSlice(t, []float64{-4, -4, 4, 4},
		[]float64{a[1].X1, a[1].Y1, a[1].X2, a[1].Y2}, 1e-9)
	// Next column moves right by one stride (4 px).
	assert.InDelta(t, a[1].X1+4, a[4].X1, 1e-9)
	assert.InDelta(t, a[1].Y1, a[4].Y1, 1e-9)
	// Ratio 2 is wider than tall.
	assert.Greater(t, a[2].Width(), a[2].Height())
	// Second row starts after 16 columns.
	assert.InDelta(t, a[1].Y1+4, a[16*3+1].Y1, 1e-9)
}

func TestGenerate_AnchorStride(t *testing.T) {
	cfg := config.Tiny(3)
	cfg.RPNAnchorStride = 2
	assert.Len(t, Generate(cfg, 64, 128), Count(cfg, 64, 128))
}

func TestGenerator_Caches(t *testing.T) {
	g := NewGenerator(config.Tiny(3))
	a := g.Anchors(64, 64)
	b := g.Anchors(64, 64)
	assert.Same(t, &a[0], &b[0])
	assert.NotEqual(t, len(a), len(g.Anchors(64, 128)))
}

func TestBuildTargets(t *testing.T) {
	cfg := config.Tiny(3)
	cfg.RPNTrainAnchorsPerImage = 20
	anchors := Generate(cfg, 64, 64)
	gt := []box.Box{{X1: 10, Y1: 10, X2: 30, Y2: 30}}

	tg := BuildTargets(cfg, anchors, gt, rand.New(rand.NewSource(1)))
	require.Len(t, tg.Match, len(anchors))

	pos, neg := 0, 0
	for i, m := range tg.Match {
		switch m {
		case Positive:
			pos++
			decoded := box.Decode(anchors[i], tg.Deltas[i], box.StdDev(cfg.RPNBBoxStdDev))
			assert.InDelta(t, 10, decoded.X1, 1e-6)
			assert.InDelta(t, 30, decoded.Y2, 1e-6)
		case Negative:
			neg++
			assert.Equal(t, box.Delta{}, tg.Deltas[i])
		}
	}
	assert.GreaterOrEqual(t, pos, 1, "best anchor per GT is always positive")
	assert.LessOrEqual(t, pos, 10)
	assert.Equal(t, 20, pos+neg)
	assert.Equal(t, pos, tg.NumPositive())
}

func TestBuildTargets_NoGroundTruth(t *testing.T) {
	cfg := config.Tiny(3)
	anchors := Generate(cfg, 64, 64)
	tg := BuildTargets(cfg, anchors, nil, rand.New(rand.NewSource(1)))

	assert.Zero(t, tg.NumPositive())
	neg := 0
	for _, m := range tg.Match {
		if m == Negative {
			neg++
		}
	}
	assert.Equal(t, cfg.RPNTrainAnchorsPerImage, neg)
}
