package dataset

import (
	"image"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/maskrcnn/internal/config"
)

func TestGenerate_Deterministic(t *testing.T) {
	g := NewGenerator(64, 48, 4)
	a := g.Generate(rand.New(rand.NewSource(7)))
	b := g.Generate(rand.New(rand.NewSource(7)))
	assert.Equal(t, a.Shapes, b.Shapes)
	assert.Equal(t, a.Image.Pix, b.Image.Pix)
	assert.Equal(t, image.Rect(0, 0, 64, 48), a.Image.Bounds())
}

func TestGenerate_ShapesAndMasks(t *testing.T) {
	g := NewGenerator(64, 64, 4)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		s := g.Generate(rng)
		require.NotEmpty(t, s.Shapes)
		require.Len(t, s.Masks, len(s.Shapes))
		for _, sh := range s.Shapes {
			assert.GreaterOrEqual(t, sh.Class, Square)
			assert.LessOrEqual(t, sh.Class, Triangle)
		}
		// Visible masks never overlap.
		for p := range s.Masks[0].Pix {
			n := 0
			for _, m := range s.Masks {
				if m.Pix[p] != 0 {
					n++
				}
			}
			assert.LessOrEqual(t, n, 1)
		}
	}
}

func TestRasterize_Square(t *testing.T) {
	g := NewGenerator(32, 32, 1)
	m := g.rasterize(Shape{Class: Square, CX: 16, CY: 16, Size: 4})
	area := 0
	for _, v := range m.Pix {
		if v != 0 {
			area++
		}
	}
	assert.Equal(t, 64, area)
	assert.NotZero(t, m.AlphaAt(12, 12).A)
	assert.Zero(t, m.AlphaAt(20, 20).A)
}

func TestPrepare(t *testing.T) {
	cfg := config.Tiny(NumClasses)
	g := NewGenerator(96, 64, 3)
	ex := g.Random(cfg, rand.New(rand.NewSource(3)))

	assert.Len(t, ex.Molded.Data, 3*cfg.ImageHeight*cfg.ImageWidth)
	gt := ex.GroundTruth
	require.NoError(t, gt.Validate(cfg.ImageHeight, cfg.ImageWidth))
	for i, b := range gt.Boxes {
		assert.False(t, b.IsEmpty())
		assert.GreaterOrEqual(t, b.X1, float64(ex.Molded.Window.Min.X))
		assert.LessOrEqual(t, b.Y2, float64(ex.Molded.Window.Max.Y))
		assert.Equal(t, float32(1), maxRow(gt.Masks[i], int(b.Y1), cfg.ImageWidth))
		assert.Equal(t, float32(1), maxRow(gt.Masks[i], int(b.Y2)-1, cfg.ImageWidth))
		assert.Contains(t, []int{Square, Circle, Triangle}, gt.ClassIDs[i])
	}
}

func maxRow(mask []float32, y, width int) float32 {
	var m float32
	for _, v := range mask[y*width : (y+1)*width] {
		m = max(m, v)
	}
	return m
}

func TestMaskBox(t *testing.T) {
	mask := make([]float32, 5*4)
	mask[1*5+2] = 1
	mask[2*5+3] = 1
	b, ok := maskBox(mask, 5, 4)
	require.True(t, ok)
	assert.Equal(t, 2.0, b.X1)
	assert.Equal(t, 1.0, b.Y1)
	assert.Equal(t, 4.0, b.X2)
	assert.Equal(t, 3.0, b.Y2)

	_, ok = maskBox(make([]float32, 4), 2, 2)
	assert.False(t, ok)
}
