package model

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/maskrcnn/internal/anchor"
	"github.com/born-ml/maskrcnn/internal/autodiff"
	"github.com/born-ml/maskrcnn/internal/backend/cpu"
	"github.com/born-ml/maskrcnn/internal/box"
	"github.com/born-ml/maskrcnn/internal/config"
	"github.com/born-ml/maskrcnn/internal/targets"
)

func square(cfg *config.Config, b box.Box) []float32 {
	m := make([]float32, cfg.ImageHeight*cfg.ImageWidth)
	for y := int(b.Y1); y < int(b.Y2); y++ {
		for x := int(b.X1); x < int(b.X2); x++ {
			m[y*cfg.ImageWidth+x] = 1
		}
	}
	return m
}

func testBatch(t *testing.T, cfg *config.Config, anchors []box.Box, rng *rand.Rand) *Batch {
	t.Helper()
	b := &Batch{Images: make([]float32, 2*3*cfg.ImageHeight*cfg.ImageWidth)}
	for i := range b.Images {
		b.Images[i] = float32(rng.NormFloat64())
	}
	boxes := [][]box.Box{
		{{X1: 8, Y1: 8, X2: 40, Y2: 36}, {X1: 30, Y1: 34, X2: 60, Y2: 62}},
		{{X1: 16, Y1: 4, X2: 48, Y2: 28}},
	}
	for _, bs := range boxes {
		gt := &targets.GroundTruth{}
		for j, bx := range bs {
			gt.Boxes = append(gt.Boxes, bx)
			gt.ClassIDs = append(gt.ClassIDs, j+1)
			gt.Masks = append(gt.Masks, square(cfg, bx))
		}
		b.GroundTruth = append(b.GroundTruth, gt)
		b.RPN = append(b.RPN, anchor.BuildTargets(cfg, anchors, gt.Boxes, rng))
	}
	return b
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Tiny(3)
	cfg.Backbone = "resnet18"
	_, err := New(cfg, rand.New(rand.NewSource(1)), cpu.New())
	assert.Error(t, err)
}

func TestParameters_UniqueNames(t *testing.T) {
	m, err := New(config.Tiny(3), rand.New(rand.NewSource(1)), cpu.New())
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, p := range m.Parameters() {
		assert.False(t, seen[p.Name()], "duplicate parameter %s", p.Name())
		seen[p.Name()] = true
	}
	assert.True(t, seen["rpn.conv_class.weight"])
	assert.True(t, seen["fpn.p2_lateral.weight"])
	assert.True(t, seen["mrcnn_mask.weight"])
}

func TestSetTrainableLayers(t *testing.T) {
	cfg := config.Tiny(3)
	cfg.TrainBN = true
	m, err := New(cfg, rand.New(rand.NewSource(1)), cpu.New())
	require.NoError(t, err)
	all := len(m.TrainableParameters())
	assert.Equal(t, len(m.Parameters()), all)

	require.NoError(t, m.SetTrainableLayers(LayersHeads))
	for _, p := range m.backbone.Parameters() {
		assert.False(t, p.Trainable(), p.Name())
	}
	for _, p := range m.rpn.Parameters() {
		assert.True(t, p.Trainable(), p.Name())
	}

	require.NoError(t, m.SetTrainableLayers(Layers4Up))
	for _, p := range m.backbone.StageParameters(3) {
		assert.False(t, p.Trainable(), p.Name())
	}
	for _, p := range m.backbone.StageParameters(4) {
		assert.True(t, p.Trainable(), p.Name())
	}

	require.NoError(t, m.SetTrainableLayers(LayersAll))
	assert.Equal(t, all, len(m.TrainableParameters()))

	assert.Error(t, m.SetTrainableLayers("2+"))
}

func TestSetTrainableLayers_FrozenNorm(t *testing.T) {
	m, err := New(config.Tiny(3), rand.New(rand.NewSource(1)), cpu.New())
	require.NoError(t, err)
	require.False(t, m.cfg.TrainBN)

	for _, p := range m.Parameters() {
		if strings.HasSuffix(p.Name(), ".gamma") || strings.HasSuffix(p.Name(), ".beta") {
			assert.False(t, p.Trainable(), p.Name())
		}
	}
	assert.Less(t, len(m.TrainableParameters()), len(m.Parameters()))
}

func TestDetect_Shapes(t *testing.T) {
	cfg := config.Tiny(3)
	rng := rand.New(rand.NewSource(2))
	m, err := New(cfg, rng, cpu.New())
	require.NoError(t, err)

	images := make([]float32, 2*3*cfg.ImageHeight*cfg.ImageWidth)
	for i := range images {
		images[i] = float32(rng.NormFloat64())
	}
	out, err := m.Detect(images, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)

	mh, mw := cfg.MaskShape()
	for _, img := range out {
		require.Len(t, img.Detections, cfg.DetectionMaxInstances)
		assert.LessOrEqual(t, img.Count, cfg.DetectionMaxInstances)
		for _, d := range img.Valid() {
			assert.Greater(t, d.ClassID, 0)
			assert.Len(t, d.Mask, mh*mw)
			assert.False(t, d.Box.IsEmpty())
			assert.LessOrEqual(t, d.Box.X2, float64(cfg.ImageWidth))
		}
		for _, d := range img.Detections[img.Count:] {
			assert.Zero(t, d.ClassID)
			assert.Nil(t, d.Mask)
		}
	}

	_, err = m.Detect(images[:10], 2)
	assert.Error(t, err)
}

func TestLoss_Backward(t *testing.T) {
	cfg := config.Tiny(3)
	cfg.TrainBN = true
	rng := rand.New(rand.NewSource(3))
	backend := autodiff.New(cpu.New())
	m, err := New(cfg, rng, backend)
	require.NoError(t, err)
	m.SetTraining(true)

	batch := testBatch(t, cfg, m.Anchors(), rng)

	backend.Tape().StartRecording()
	losses, err := m.Loss(batch, rng)
	require.NoError(t, err)

	v := losses.Values()
	for _, x := range []float64{v.Total, v.RPNClass, v.RPNBBox, v.Class, v.BBox, v.Mask} {
		assert.False(t, math.IsNaN(x) || math.IsInf(x, 0))
		assert.GreaterOrEqual(t, x, 0.0)
	}
	assert.Greater(t, v.RPNClass, 0.0)
	assert.Greater(t, v.Class, 0.0)
	assert.InDelta(t, v.RPNClass+v.RPNBBox+v.Class+v.BBox+v.Mask, v.Total, 1e-4)

	grads := autodiff.Backward(losses.Total, backend)
	for _, p := range m.rpn.Parameters() {
		_, ok := grads[p.Tensor().Raw()]
		assert.True(t, ok, "no gradient for %s", p.Name())
	}
	// Box regression weights only see a gradient when positives were sampled.
	for _, p := range m.classifier.Parameters() {
		if strings.HasPrefix(p.Name(), "mrcnn_bbox_fc") {
			continue
		}
		_, ok := grads[p.Tensor().Raw()]
		assert.True(t, ok, "no gradient for %s", p.Name())
	}
}

func TestLoss_InvalidBatch(t *testing.T) {
	cfg := config.Tiny(3)
	rng := rand.New(rand.NewSource(4))
	m, err := New(cfg, rng, cpu.New())
	require.NoError(t, err)

	batch := testBatch(t, cfg, m.Anchors(), rng)
	batch.RPN = batch.RPN[:1]
	_, err = m.Loss(batch, rng)
	assert.Error(t, err)

	batch = testBatch(t, cfg, m.Anchors(), rng)
	batch.GroundTruth[0].Masks = batch.GroundTruth[0].Masks[:1]
	_, err = m.Loss(batch, rng)
	assert.Error(t, err)
}
