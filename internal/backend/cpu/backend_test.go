package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/maskrcnn/internal/parallel"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

func raw(t *testing.T, data []float32, shape ...int) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.RawFromSlice(data, tensor.Shape(shape), tensor.CPU)
	require.NoError(t, err)
	return r
}

func TestAdd_Broadcast(t *testing.T) {
	b := New()
	a := raw(t, []float32{1, 2, 3}, 3, 1)
	c := raw(t, []float32{10, 20}, 2)

	out := b.Add(a, c)
	assert.Equal(t, tensor.Shape{3, 2}, out.Shape())
	assert.Equal(t, []float32{11, 21, 12, 22, 13, 23}, out.Data())
}

func TestBinary_IncompatiblePanics(t *testing.T) {
	b := New()
	assert.PanicsWithValue(t,
		"mul: shapes not compatible for broadcasting: [3 4] vs [3 5] (dimension 1: 4 vs 5)",
		func() { b.Mul(raw(t, make([]float32, 12), 3, 4), raw(t, make([]float32, 15), 3, 5)) })
}

func TestMatMul(t *testing.T) {
	b := New()
	a := raw(t, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	c := raw(t, []float32{7, 8, 9, 10, 11, 12}, 3, 2)

	out := b.MatMul(a, c)
	assert.Equal(t, []float32{58, 64, 139, 154}, out.Data())
}

func TestConv2D_MatchesDirect(t *testing.T) {
	b := NewWithConfig(parallel.Sequential())
	input := make([]float32, 1*2*4*4)
	for i := range input {
		input[i] = float32(i%5) - 2
	}
	kernel := make([]float32, 3*2*3*3)
	for i := range kernel {
		kernel[i] = float32(i%3) - 1
	}
	in := raw(t, input, 1, 2, 4, 4)
	k := raw(t, kernel, 3, 2, 3, 3)

	out := b.Conv2D(in, k, 2, 1)
	require.Equal(t, tensor.Shape{1, 3, 2, 2}, out.Shape())

	for o := 0; o < 3; o++ {
		for oh := 0; oh < 2; oh++ {
			for ow := 0; ow < 2; ow++ {
				var want float32
				for c := 0; c < 2; c++ {
					for kh := 0; kh < 3; kh++ {
						for kw := 0; kw < 3; kw++ {
							h, w := oh*2-1+kh, ow*2-1+kw
							if h < 0 || h >= 4 || w < 0 || w >= 4 {
								continue
							}
							want += input[(c*4+h)*4+w] * kernel[((o*2+c)*3+kh)*3+kw]
						}
					}
				}
				assert.InDelta(t, want, out.Data()[(o*2+oh)*2+ow], 1e-5)
			}
		}
	}
}

func TestMaxPool2D_KernelOneStrideTwo(t *testing.T) {
	b := New()
	in := raw(t, []float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}, 1, 1, 3, 3)

	out := b.MaxPool2D(in, 1, 2)
	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, out.Shape())
	assert.Equal(t, []float32{1, 3, 7, 9}, out.Data())
}

func TestPad2D_Asymmetric(t *testing.T) {
	b := New()
	in := raw(t, []float32{1, 2, 3, 4}, 1, 1, 2, 2)

	out := b.Pad2D(in, 0, 1, 1, 0)
	assert.Equal(t, tensor.Shape{1, 1, 3, 3}, out.Shape())
	assert.Equal(t, []float32{
		0, 1, 2,
		0, 3, 4,
		0, 0, 0,
	}, out.Data())
}

func TestUpsample2D(t *testing.T) {
	b := New()
	in := raw(t, []float32{1, 2, 3, 4}, 1, 1, 2, 2)

	out := b.Upsample2D(in, 2)
	assert.Equal(t, []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}, out.Data())

	back := b.Upsample2DBackward(out, 2)
	assert.Equal(t, []float32{4, 8, 12, 16}, back.Data())
}

func TestCropAndResize(t *testing.T) {
	b := New()
	// 3x3 map holding its own x coordinate plus 10*y.
	feat := make([]float32, 9)
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			feat[y*3+x] = float32(x + 10*y)
		}
	}
	f := raw(t, feat, 1, 1, 3, 3)

	t.Run("full box reproduces corners", func(t *testing.T) {
		boxes := raw(t, []float32{0, 0, 1, 1}, 1, 4)
		out := b.CropAndResize(f, boxes, []int{0}, 3, 3)
		assert.InDeltaSlice(t, feat, out.Data(), 1e-6)
	})

	t.Run("bilinear interior", func(t *testing.T) {
		boxes := raw(t, []float32{0.25, 0.25, 0.75, 0.75}, 1, 4)
		out := b.CropAndResize(f, boxes, []int{0}, 2, 2)
		// Samples at 0.5 and 1.5 on each axis.
		assert.InDeltaSlice(t, []float32{5.5, 6.5, 15.5, 16.5}, out.Data(), 1e-5)
	})

	t.Run("outside samples read zero", func(t *testing.T) {
		boxes := raw(t, []float32{-1, 0, 0, 1}, 1, 4)
		out := b.CropAndResize(f, boxes, []int{0}, 1, 2)
		// x samples at -2 (outside) and 0; y at centre 1.
		assert.InDeltaSlice(t, []float32{0, 10}, out.Data(), 1e-6)
	})

	t.Run("single sample uses centre", func(t *testing.T) {
		boxes := raw(t, []float32{0, 0, 1, 1}, 1, 4)
		out := b.CropAndResize(f, boxes, []int{0}, 1, 1)
		assert.InDelta(t, 11.0, out.Data()[0], 1e-6)
	})

	t.Run("empty box set", func(t *testing.T) {
		boxes := raw(t, nil, 0, 4)
		out := b.CropAndResize(f, boxes, nil, 2, 2)
		assert.Equal(t, tensor.Shape{0, 1, 2, 2}, out.Shape())
	})
}

func TestTranspose(t *testing.T) {
	b := New()
	in := raw(t, []float32{0, 1, 2, 3, 4, 5}, 1, 2, 3)

	out := b.Transpose(in, 0, 2, 1)
	assert.Equal(t, tensor.Shape{1, 3, 2}, out.Shape())
	assert.Equal(t, []float32{0, 3, 1, 4, 2, 5}, out.Data())
}

func TestCatSlice(t *testing.T) {
	b := New()
	a := raw(t, []float32{1, 2, 3, 4}, 2, 2)
	c := raw(t, []float32{5, 6}, 2, 1)

	cat := b.Cat([]*tensor.RawTensor{a, c}, 1)
	assert.Equal(t, []float32{1, 2, 5, 3, 4, 6}, cat.Data())

	s := b.Slice(cat, 1, 1, 3)
	assert.Equal(t, []float32{2, 5, 4, 6}, s.Data())
}

func TestIndexSelectAdd(t *testing.T) {
	b := New()
	x := raw(t, []float32{1, 2, 3, 4, 5, 6}, 3, 2)

	sel := b.IndexSelect(x, []int{2, 0, 2})
	assert.Equal(t, []float32{5, 6, 1, 2, 5, 6}, sel.Data())

	back := b.IndexAdd(sel, []int{2, 0, 2}, 3)
	assert.Equal(t, []float32{1, 2, 0, 0, 10, 12}, back.Data())
}

func TestSoftmaxAndReductions(t *testing.T) {
	b := New()
	x := raw(t, []float32{1, 2, 3, 1000, 1000, 1000}, 2, 3)

	sm := b.Softmax(x, 1)
	sums := b.SumDim(sm, 1, false)
	assert.InDeltaSlice(t, []float32{1, 1}, sums.Data(), 1e-6)
	assert.InDelta(t, 1.0/3.0, sm.Data()[4], 1e-6)

	mean := b.MeanDim(raw(t, []float32{1, 2, 3, 4}, 2, 2), 0, true)
	assert.Equal(t, tensor.Shape{1, 2}, mean.Shape())
	assert.Equal(t, []float32{2, 3}, mean.Data())

	assert.InDelta(t, 10.0, b.Sum(raw(t, []float32{1, 2, 3, 4}, 4)).Item(), 1e-6)
}
