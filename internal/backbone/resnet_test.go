package backbone

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/maskrcnn/internal/backend/cpu"
	"github.com/born-ml/maskrcnn/internal/config"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

func TestDepths(t *testing.T) {
	d, err := Depths(config.ResNet101)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 23, 3}, d)

	_, err = Depths("resnet18")
	assert.ErrorContains(t, err, `unknown architecture "resnet18"`)
}

func TestNew_UnknownArchitecture(t *testing.T) {
	cfg := config.Tiny(3)
	cfg.Backbone = "vgg"
	_, err := New(cfg, rand.New(rand.NewSource(1)), cpu.New())
	assert.Error(t, err)
}

func TestResNet_OutputStrides(t *testing.T) {
	backend := cpu.New()
	cfg := config.Tiny(3)
	r, err := New(cfg, rand.New(rand.NewSource(1)), backend)
	require.NoError(t, err)

	x := tensor.Randn(tensor.Shape{1, 3, 64, 96}, 1, rand.New(rand.NewSource(2)), backend)
	outs := r.Forward(x)
	require.Len(t, outs, 4)

	base := cfg.BackboneBaseChannels
	want := []tensor.Shape{
		{1, 4 * base, 16, 24},
		{1, 8 * base, 8, 12},
		{1, 16 * base, 4, 6},
		{1, 32 * base, 2, 3},
	}
	for i, o := range outs {
		assert.Equal(t, want[i], o.Shape(), "C%d", i+2)
	}
	assert.Equal(t, []int{8, 16, 32, 64}, r.OutChannels())
}

func TestResNet_WithoutStage5(t *testing.T) {
	cfg := config.Tiny(3)
	cfg.Stage5 = false
	r, err := New(cfg, rand.New(rand.NewSource(1)), cpu.New())
	require.NoError(t, err)
	assert.Len(t, r.OutChannels(), 3)
	assert.Nil(t, r.StageParameters(5))
}

func TestResNet_ShortcutsAndNames(t *testing.T) {
	cfg := config.Tiny(3)
	r, err := New(cfg, rand.New(rand.NewSource(1)), cpu.New())
	require.NoError(t, err)

	for s, blocks := range r.stages {
		assert.True(t, blocks[0].HasShortcut(), "stage %d first block", s+2)
		for _, b := range blocks[1:] {
			assert.False(t, b.HasShortcut())
		}
	}

	names := map[string]bool{}
	for _, p := range r.Parameters() {
		assert.False(t, names[p.Name()], "duplicate %s", p.Name())
		names[p.Name()] = true
	}
	assert.True(t, names["res2.0.shortcut.weight"])
	assert.True(t, names["conv1.weight"])

	n := 0
	for s := 1; s <= 5; s++ {
		n += len(r.StageParameters(s))
	}
	assert.Equal(t, len(r.Parameters()), n)
	for name := range names {
		assert.False(t, strings.HasPrefix(name, "."), name)
	}
}

func TestResNet_BatchNormFrozenUnlessTrainBN(t *testing.T) {
	cfg := config.Tiny(3)
	r, err := New(cfg, rand.New(rand.NewSource(1)), cpu.New())
	require.NoError(t, err)
	r.SetTraining(true)
	assert.False(t, r.bn1.Training())

	cfg.TrainBN = true
	r, err = New(cfg, rand.New(rand.NewSource(1)), cpu.New())
	require.NoError(t, err)
	r.SetTraining(true)
	assert.True(t, r.bn1.Training())
	assert.True(t, r.stages[0][0].bn2.Training())
}
