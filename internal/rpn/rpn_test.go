package rpn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/maskrcnn/internal/anchor"
	"github.com/born-ml/maskrcnn/internal/backend/cpu"
	"github.com/born-ml/maskrcnn/internal/box"
	"github.com/born-ml/maskrcnn/internal/config"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

func pyramid(cfg *config.Config, n, channels int, rng *rand.Rand, backend *cpu.CPUBackend) []*tensor.Tensor[*cpu.CPUBackend] {
	var levels []*tensor.Tensor[*cpu.CPUBackend]
	for _, s := range cfg.FeatureShapes() {
		levels = append(levels, tensor.Randn(tensor.Shape{n, channels, s[0], s[1]}, 1, rng, backend))
	}
	return levels
}

func TestHead_AnchorCountMatchesGenerator(t *testing.T) {
	backend := cpu.New()
	rng := rand.New(rand.NewSource(1))
	for _, stride := range []int{1, 2} {
		cfg := config.Tiny(3)
		cfg.RPNAnchorStride = stride
		h := NewHead(4, 6, cfg.AnchorsPerLocation(), stride, rng, backend)

		out := h.Forward(pyramid(cfg, 2, 4, rng, backend))
		numAnchors := len(anchor.Generate(cfg, cfg.ImageHeight, cfg.ImageWidth))
		assert.Equal(t, tensor.Shape{2, numAnchors, 2}, out.Logits.Shape())
		assert.Equal(t, tensor.Shape{2, numAnchors, 2}, out.Probs.Shape())
		assert.Equal(t, tensor.Shape{2, numAnchors, 4}, out.Deltas.Shape())
	}
}

func TestHead_ChannelToAnchorLayout(t *testing.T) {
	backend := cpu.New()
	h := NewHead(1, 1, 2, 1, rand.New(rand.NewSource(1)), backend)
	// Shared conv passes the input through (centre tap 1); the class conv
	// emits channel c as (c+1) * x.
	w := h.shared.Weight().Tensor().Data()
	for i := range w {
		w[i] = 0
	}
	w[4] = 1
	cw := h.class.Weight().Tensor().Data()
	for c := range cw {
		cw[c] = float32(c + 1)
	}

	x := tensor.MustFromSlice([]float32{1, 10}, tensor.Shape{1, 1, 1, 2}, backend)
	logits, deltas := h.ForwardLevel(x)
	require.Equal(t, tensor.Shape{1, 4, 2}, logits.Shape())
	assert.Equal(t, tensor.Shape{1, 4, 4}, deltas.Shape())
	// Anchors: (x0,a0) (x0,a1) (x1,a0) (x1,a1); pair k reads channel a·2+k.
	assert.Equal(t, []float32{1, 2, 3, 4, 10, 20, 30, 40}, logits.Data())
}

func TestProposeImage(t *testing.T) {
	cfg := config.Tiny(3)
	cfg.PreNMSLimit = 3
	cfg.RPNNMSThreshold = 0.5
	l := NewProposalLayer(cfg)

	anchors := []box.Box{
		{X1: 0, Y1: 0, X2: 16, Y2: 16},
		{X1: 1, Y1: 1, X2: 17, Y2: 17}, // overlaps the first
		{X1: 32, Y1: 32, X2: 48, Y2: 48},
		{X1: 40, Y1: 0, X2: 70, Y2: 20}, // crosses the right edge
		{X1: 0, Y1: 40, X2: 8, Y2: 48},
	}
	probs := []float32{
		0.1, 0.9,
		0.2, 0.8,
		0.7, 0.3,
		0.05, 0.95,
		0.6, 0.4,
	}
	deltas := make([]float32, len(anchors)*4)
	rois := l.ProposeImage(probs, deltas, anchors, 10)

	// Top 3 by score: 3, 0, 1; 1 is suppressed by 0.
	require.Len(t, rois, 2)
	assert.Equal(t, box.Box{X1: 40.0 / 64, Y1: 0, X2: 1, Y2: 20.0 / 64}, rois[0])
	assert.Equal(t, box.Box{X1: 0, Y1: 0, X2: 0.25, Y2: 0.25}, rois[1])

	assert.Len(t, l.ProposeImage(probs, deltas, anchors, 1), 1)
}

func TestPropose_Batch(t *testing.T) {
	backend := cpu.New()
	rng := rand.New(rand.NewSource(2))
	cfg := config.Tiny(3)
	h := NewHead(4, 6, cfg.AnchorsPerLocation(), 1, rng, backend)
	out := h.Forward(pyramid(cfg, 2, 4, rng, backend))

	l := NewProposalLayer(cfg)
	anchors := anchor.Generate(cfg, cfg.ImageHeight, cfg.ImageWidth)
	rois := Propose(l, out, anchors, true)
	require.Len(t, rois, 2)
	for _, img := range rois {
		assert.LessOrEqual(t, len(img), cfg.PostNMSRoisTraining)
		assert.NotEmpty(t, img)
		for _, r := range img {
			assert.True(t, r.X1 >= 0 && r.X2 <= 1 && r.Y1 >= 0 && r.Y2 <= 1, "%v", r)
		}
	}
	assert.Equal(t, cfg.PostNMSRoisInference, l.Limit(false))
}
