package nn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/maskrcnn/internal/autodiff"
	"github.com/born-ml/maskrcnn/internal/backend/cpu"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

func TestSamePadding(t *testing.T) {
	tests := []struct {
		in, k, stride int
		before, after int
	}{
		{in: 8, k: 3, stride: 1, before: 1, after: 1},
		{in: 8, k: 3, stride: 2, before: 0, after: 1},
		{in: 7, k: 3, stride: 2, before: 1, after: 1},
		{in: 8, k: 1, stride: 2, before: 0, after: 0},
		{in: 5, k: 4, stride: 1, before: 1, after: 2},
		{in: 4, k: 3, stride: 3, before: 1, after: 1},
	}
	for _, tt := range tests {
		before, after := SamePadding(tt.in, tt.k, tt.stride)
		assert.Equal(t, tt.before, before, "in=%d k=%d s=%d", tt.in, tt.k, tt.stride)
		assert.Equal(t, tt.after, after, "in=%d k=%d s=%d", tt.in, tt.k, tt.stride)
	}
}

func TestConv2D_SameOutputSize(t *testing.T) {
	backend := cpu.New()
	rng := rand.New(rand.NewSource(1))

	for _, size := range []int{5, 6, 7, 8} {
		for _, stride := range []int{1, 2} {
			conv := NewConv2D(2, 3, 3, stride, PadSame, true, rng, backend)
			out := conv.Forward(tensor.Zeros(tensor.Shape{1, 2, size, size}, backend))
			want := (size + stride - 1) / stride
			assert.Equal(t, tensor.Shape{1, 3, want, want}, out.Shape(), "size=%d stride=%d", size, stride)
		}
	}
}

func TestConv2D_Parameters(t *testing.T) {
	backend := cpu.New()
	conv := NewConv2D(1, 6, 5, 1, PadValid, true, rand.New(rand.NewSource(1)), backend)

	params := conv.Parameters()
	require.Len(t, params, 2)
	assert.Equal(t, tensor.Shape{6, 1, 5, 5}, params[0].Tensor().Shape())
	assert.Equal(t, tensor.Shape{6}, params[1].Tensor().Shape())
	assert.Equal(t, "Conv2D(in_channels=1, out_channels=6, kernel_size=5, stride=1, padding=0, bias=true)", conv.String())

	noBias := NewConv2D(1, 6, 1, 1, PadValid, false, rand.New(rand.NewSource(1)), backend)
	assert.Len(t, noBias.Parameters(), 1)
}

func TestConvTranspose2D_PixelLayout(t *testing.T) {
	backend := cpu.New()
	d := NewConvTranspose2D(1, 1, 2, rand.New(rand.NewSource(1)), backend)
	// Kernel taps a, b (row-major in the 2x2 block) = 1, 2, 3, 4.
	copy(d.weight.Tensor().Data(), []float32{1, 2, 3, 4})

	in := tensor.MustFromSlice([]float32{1, 10}, tensor.Shape{1, 1, 1, 2}, backend)
	out := d.Forward(in)

	require.Equal(t, tensor.Shape{1, 1, 2, 4}, out.Shape())
	assert.Equal(t, []float32{
		1, 2, 10, 20,
		3, 4, 30, 40,
	}, out.Data())
}

func TestLinear_Forward(t *testing.T) {
	backend := cpu.New()
	l := NewLinear(3, 2, rand.New(rand.NewSource(1)), backend)
	copy(l.weight.Tensor().Data(), []float32{1, 0, 0, 0, 1, 1})
	copy(l.bias.Tensor().Data(), []float32{0.5, -1})

	out := l.Forward(tensor.MustFromSlice([]float32{1, 2, 3}, tensor.Shape{1, 3}, backend))
	assert.Equal(t, []float32{1.5, 4}, out.Data())
}

func TestBatchNorm2D_InferenceUsesRunningStats(t *testing.T) {
	backend := cpu.New()
	bn := NewBatchNorm2D(2, 0.001, 0.01, backend)
	require.NoError(t, bn.SetRunningStats([]float32{1, -1}, []float32{4, 1}))

	x := tensor.MustFromSlice([]float32{3, 5, 0, 1}, tensor.Shape{1, 2, 1, 2}, backend)
	out := bn.Forward(x)

	assert.InDeltaSlice(t, []float32{
		(3 - 1) / 2.000250, (5 - 1) / 2.000250,
		(0 + 1) / 1.000500, (1 + 1) / 1.000500,
	}, out.Data(), 1e-4)
	assert.Error(t, bn.SetRunningStats([]float32{1}, []float32{1}))
}

func TestBatchNorm2D_TrainingNormalizesAndUpdates(t *testing.T) {
	backend := cpu.New()
	bn := NewBatchNorm2D(1, 0.001, 0.5, backend)
	bn.SetTraining(true)

	x := tensor.MustFromSlice([]float32{1, 2, 3, 4}, tensor.Shape{1, 1, 2, 2}, backend)
	out := bn.Forward(x)

	var mean float32
	for _, v := range out.Data() {
		mean += v
	}
	assert.InDelta(t, 0, mean/4, 1e-5)

	runMean, runVar := bn.RunningStats()
	assert.InDelta(t, 0.5*2.5, runMean[0], 1e-5)
	// Biased variance 1.25, unbiased 5/3.
	assert.InDelta(t, 0.5*1+0.5*(5.0/3.0), runVar[0], 1e-4)
}

func TestSequential_GradientsReachAllParameters(t *testing.T) {
	backend := autodiff.New(cpu.New())
	rng := rand.New(rand.NewSource(3))

	type B = *autodiff.AutodiffBackend[*cpu.CPUBackend]
	model := NewSequential[B](
		NewConv2D(2, 4, 3, 1, PadSame, true, rng, backend),
		NewBatchNorm2D(4, 0.001, 0.01, backend),
		NewReLU[B](),
		NewConvTranspose2D(4, 3, 2, rng, backend),
		NewSigmoid[B](),
	)
	model.SetTraining(true)

	backend.Tape().StartRecording()
	x := tensor.Randn(tensor.Shape{2, 2, 3, 3}, 1, rng, backend)
	out := model.Forward(x)
	require.Equal(t, tensor.Shape{2, 3, 6, 6}, out.Shape())

	grads := autodiff.Backward(out.Sum(), backend)
	for _, p := range model.Parameters() {
		_, ok := grads[p.Tensor().Raw()]
		assert.True(t, ok, "no gradient for %s", p.Name())
	}
}

func TestPrefixAndTrainable(t *testing.T) {
	backend := cpu.New()
	conv := NewConv2D(1, 1, 1, 1, PadValid, true, rand.New(rand.NewSource(1)), backend)
	params := Prefix("fpn.p2", conv.Parameters())
	assert.Equal(t, "fpn.p2.weight", params[0].Name())
	assert.Equal(t, "fpn.p2.bias", params[1].Name())

	SetTrainable(params, false)
	assert.False(t, params[0].Trainable())
	assert.Equal(t, 2, NumElements(params))
}
