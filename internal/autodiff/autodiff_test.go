package autodiff

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/maskrcnn/internal/backend/cpu"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

type adBackend = *AutodiffBackend[*cpu.CPUBackend]

func newBackend() adBackend {
	return New(cpu.New())
}

func TestBackward_Square(t *testing.T) {
	backend := newBackend()
	backend.Tape().StartRecording()

	x := tensor.MustFromSlice([]float32{2, -3}, tensor.Shape{2}, backend)
	y := x.Mul(x).Sum()
	grads := Backward(y, backend)

	require.Contains(t, grads, x.Raw())
	assert.InDeltaSlice(t, []float32{4, -6}, grads[x.Raw()].Data(), 1e-6)
}

func TestBackward_ReusedTensorAccumulates(t *testing.T) {
	backend := newBackend()
	backend.Tape().StartRecording()

	x := tensor.MustFromSlice([]float32{3}, tensor.Shape{1}, backend)
	// y = x*x + x  => dy/dx = 2x + 1
	y := x.Mul(x).Add(x).Sum()
	grads := Backward(y, backend)

	assert.InDelta(t, 7.0, grads[x.Raw()].Data()[0], 1e-6)
}

func TestBackward_NoRecordingPanics(t *testing.T) {
	backend := newBackend()
	x := tensor.Ones(tensor.Shape{1}, backend)
	assert.Panics(t, func() { Backward(x.Sum(), backend) })
}

func TestBackward_DetachStopsGradient(t *testing.T) {
	backend := newBackend()
	backend.Tape().StartRecording()

	x := tensor.MustFromSlice([]float32{2}, tensor.Shape{1}, backend)
	y := x.Mul(x.Detach()).Sum()
	grads := Backward(y, backend)

	// Only the non-detached operand contributes: d(x*c)/dx = c = 2.
	assert.InDelta(t, 2.0, grads[x.Raw()].Data()[0], 1e-6)
}

func TestTape_ClearKeepsRecording(t *testing.T) {
	backend := newBackend()
	backend.Tape().StartRecording()
	x := tensor.Ones(tensor.Shape{2}, backend)
	_ = x.Add(x)
	require.Equal(t, 1, backend.Tape().NumOps())

	backend.Tape().Clear()
	assert.Equal(t, 0, backend.Tape().NumOps())
	assert.True(t, backend.Tape().IsRecording())
}

// numericGrad estimates d f / d x by central differences.
func numericGrad(x []float32, shape tensor.Shape, f func(x *tensor.Tensor[*cpu.CPUBackend]) float32) []float32 {
	const eps = 1e-2
	b := cpu.New()
	grad := make([]float32, len(x))
	for i := range x {
		plus := append([]float32(nil), x...)
		minus := append([]float32(nil), x...)
		plus[i] += eps
		minus[i] -= eps
		fp := f(tensor.MustFromSlice(plus, shape, b))
		fm := f(tensor.MustFromSlice(minus, shape, b))
		grad[i] = (fp - fm) / (2 * eps)
	}
	return grad
}

func randomData(rng *rand.Rand, n int) []float32 {
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return data
}

// checkGrad compares the tape gradient of a scalar function against a
// numerical estimate. build must use only backend-generic tensor methods.
func checkGrad(
	t *testing.T,
	x []float32,
	shape tensor.Shape,
	build func(x *tensor.Tensor[adBackend]) *tensor.Tensor[adBackend],
	buildPlain func(x *tensor.Tensor[*cpu.CPUBackend]) *tensor.Tensor[*cpu.CPUBackend],
) {
	t.Helper()
	backend := newBackend()
	backend.Tape().StartRecording()
	xt := tensor.MustFromSlice(x, shape, backend)
	out := build(xt)
	grads := Backward(out, backend)
	got, ok := grads[xt.Raw()]
	require.True(t, ok, "no gradient reached the input")

	want := numericGrad(x, shape, func(v *tensor.Tensor[*cpu.CPUBackend]) float32 {
		return buildPlain(v).Item()
	})
	for i := range want {
		tol := 2e-2 * math.Max(1, math.Abs(float64(want[i])))
		assert.InDelta(t, want[i], got.Data()[i], tol, "element %d", i)
	}
}

// weights gives every output element a distinct weight so that the scalar
// objective exercises the full Jacobian.
func weights(n int) []float32 {
	w := make([]float32, n)
	for i := range w {
		w[i] = float32(i%7)*0.3 - 0.8
	}
	return w
}

func weightedSum[B tensor.Backend](y *tensor.Tensor[B]) *tensor.Tensor[B] {
	w := tensor.MustFromSlice(weights(y.NumElements()), y.Shape(), y.Backend())
	return y.Mul(w).Sum()
}

func TestGradients_Elementwise(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	shape := tensor.Shape{2, 3}
	x := randomData(rng, 6)
	other := randomData(rng, 3)

	t.Run("broadcast_mul_add", func(t *testing.T) {
		checkGrad(t, x, shape,
			func(v *tensor.Tensor[adBackend]) *tensor.Tensor[adBackend] {
				o := tensor.MustFromSlice(other, tensor.Shape{1, 3}, v.Backend())
				return weightedSum(v.Mul(o).Add(o).Sub(v.MulScalar(0.5)))
			},
			func(v *tensor.Tensor[*cpu.CPUBackend]) *tensor.Tensor[*cpu.CPUBackend] {
				o := tensor.MustFromSlice(other, tensor.Shape{1, 3}, v.Backend())
				return weightedSum(v.Mul(o).Add(o).Sub(v.MulScalar(0.5)))
			})
	})

	t.Run("exp_log_sigmoid", func(t *testing.T) {
		checkGrad(t, x, shape,
			func(v *tensor.Tensor[adBackend]) *tensor.Tensor[adBackend] {
				return weightedSum(v.Exp().AddScalar(1).Log().Add(v.Sigmoid()))
			},
			func(v *tensor.Tensor[*cpu.CPUBackend]) *tensor.Tensor[*cpu.CPUBackend] {
				return weightedSum(v.Exp().AddScalar(1).Log().Add(v.Sigmoid()))
			})
	})

	t.Run("div_sqrt_rsqrt", func(t *testing.T) {
		checkGrad(t, x, shape,
			func(v *tensor.Tensor[adBackend]) *tensor.Tensor[adBackend] {
				p := v.Mul(v).AddScalar(1)
				return weightedSum(p.Sqrt().Add(p.Rsqrt()).Div(p))
			},
			func(v *tensor.Tensor[*cpu.CPUBackend]) *tensor.Tensor[*cpu.CPUBackend] {
				p := v.Mul(v).AddScalar(1)
				return weightedSum(p.Sqrt().Add(p.Rsqrt()).Div(p))
			})
	})

	t.Run("softmax", func(t *testing.T) {
		checkGrad(t, x, shape,
			func(v *tensor.Tensor[adBackend]) *tensor.Tensor[adBackend] {
				return weightedSum(v.Softmax(-1))
			},
			func(v *tensor.Tensor[*cpu.CPUBackend]) *tensor.Tensor[*cpu.CPUBackend] {
				return weightedSum(v.Softmax(-1))
			})
	})
}

func TestGradients_ShapeOps(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	shape := tensor.Shape{2, 3, 4}
	x := randomData(rng, 24)

	checkGrad(t, x, shape,
		func(v *tensor.Tensor[adBackend]) *tensor.Tensor[adBackend] {
			a := v.Transpose(2, 0, 1).Reshape(4, -1)
			b := v.Slice(2, 1, 3).SumDim(1, false).MeanDim(0, true)
			c := tensor.Cat([]*tensor.Tensor[adBackend]{v.Slice(0, 1, 2), v}, 0).IndexSelect([]int{2, 0, 2})
			return weightedSum(a).Add(weightedSum(b)).Add(weightedSum(c))
		},
		func(v *tensor.Tensor[*cpu.CPUBackend]) *tensor.Tensor[*cpu.CPUBackend] {
			a := v.Transpose(2, 0, 1).Reshape(4, -1)
			b := v.Slice(2, 1, 3).SumDim(1, false).MeanDim(0, true)
			c := tensor.Cat([]*tensor.Tensor[*cpu.CPUBackend]{v.Slice(0, 1, 2), v}, 0).IndexSelect([]int{2, 0, 2})
			return weightedSum(a).Add(weightedSum(b)).Add(weightedSum(c))
		})
}

func TestGradients_MatMul(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := randomData(rng, 6)
	w := randomData(rng, 12)

	checkGrad(t, x, tensor.Shape{2, 3},
		func(v *tensor.Tensor[adBackend]) *tensor.Tensor[adBackend] {
			wt := tensor.MustFromSlice(w, tensor.Shape{3, 4}, v.Backend())
			return weightedSum(v.MatMul(wt))
		},
		func(v *tensor.Tensor[*cpu.CPUBackend]) *tensor.Tensor[*cpu.CPUBackend] {
			wt := tensor.MustFromSlice(w, tensor.Shape{3, 4}, v.Backend())
			return weightedSum(v.MatMul(wt))
		})
}

func TestGradients_Conv2D(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	x := randomData(rng, 2*2*5*5)
	k := randomData(rng, 3*2*3*3)

	t.Run("input", func(t *testing.T) {
		checkGrad(t, x, tensor.Shape{2, 2, 5, 5},
			func(v *tensor.Tensor[adBackend]) *tensor.Tensor[adBackend] {
				kt := tensor.MustFromSlice(k, tensor.Shape{3, 2, 3, 3}, v.Backend())
				return weightedSum(v.Pad2D(0, 1, 1, 0).Conv2D(kt, 2, 1))
			},
			func(v *tensor.Tensor[*cpu.CPUBackend]) *tensor.Tensor[*cpu.CPUBackend] {
				kt := tensor.MustFromSlice(k, tensor.Shape{3, 2, 3, 3}, v.Backend())
				return weightedSum(v.Pad2D(0, 1, 1, 0).Conv2D(kt, 2, 1))
			})
	})

	t.Run("kernel", func(t *testing.T) {
		checkGrad(t, k, tensor.Shape{3, 2, 3, 3},
			func(v *tensor.Tensor[adBackend]) *tensor.Tensor[adBackend] {
				xt := tensor.MustFromSlice(x, tensor.Shape{2, 2, 5, 5}, v.Backend())
				return weightedSum(xt.Conv2D(v, 1, 1))
			},
			func(v *tensor.Tensor[*cpu.CPUBackend]) *tensor.Tensor[*cpu.CPUBackend] {
				xt := tensor.MustFromSlice(x, tensor.Shape{2, 2, 5, 5}, v.Backend())
				return weightedSum(xt.Conv2D(v, 1, 1))
			})
	})
}

func TestGradients_PoolUpsampleCrop(t *testing.T) {
	// Distinct, well separated values keep max-pool argmax stable under the
	// finite-difference step.
	x := make([]float32, 1*2*4*4)
	perm := rand.New(rand.NewSource(5)).Perm(len(x))
	for i, p := range perm {
		x[i] = float32(p) * 0.25
	}
	boxes := []float32{0.1, 0.2, 0.7, 0.9, 0.0, 0.0, 1.0, 1.0}

	checkGrad(t, x, tensor.Shape{1, 2, 4, 4},
		func(v *tensor.Tensor[adBackend]) *tensor.Tensor[adBackend] {
			bt := tensor.MustFromSlice(boxes, tensor.Shape{2, 4}, v.Backend())
			a := v.MaxPool2D(2, 2).Upsample2D(2)
			c := v.CropAndResize(bt, []int{0, 0}, 3, 3)
			return weightedSum(a).Add(weightedSum(c))
		},
		func(v *tensor.Tensor[*cpu.CPUBackend]) *tensor.Tensor[*cpu.CPUBackend] {
			bt := tensor.MustFromSlice(boxes, tensor.Shape{2, 4}, v.Backend())
			a := v.MaxPool2D(2, 2).Upsample2D(2)
			c := v.CropAndResize(bt, []int{0, 0}, 3, 3)
			return weightedSum(a).Add(weightedSum(c))
		})
}
