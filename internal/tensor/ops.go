package tensor

import "fmt"

// Add performs element-wise addition with broadcasting.
//
// Example:
//
//	a := tensor.Ones(Shape{3, 1}, backend)
//	b := tensor.Ones(Shape{3, 5}, backend)
//	c := a.Add(b) // Shape: [3, 5] (broadcasted)
func (t *Tensor[B]) Add(other *Tensor[B]) *Tensor[B] {
	return New(t.backend.Add(t.raw, other.raw), t.backend)
}

// Sub performs element-wise subtraction with broadcasting.
func (t *Tensor[B]) Sub(other *Tensor[B]) *Tensor[B] {
	return New(t.backend.Sub(t.raw, other.raw), t.backend)
}

// Mul performs element-wise multiplication with broadcasting.
func (t *Tensor[B]) Mul(other *Tensor[B]) *Tensor[B] {
	return New(t.backend.Mul(t.raw, other.raw), t.backend)
}

// Div performs element-wise division with broadcasting.
func (t *Tensor[B]) Div(other *Tensor[B]) *Tensor[B] {
	return New(t.backend.Div(t.raw, other.raw), t.backend)
}

// MatMul performs 2D matrix multiplication: (M, K) @ (K, N) → (M, N).
func (t *Tensor[B]) MatMul(other *Tensor[B]) *Tensor[B] {
	return New(t.backend.MatMul(t.raw, other.raw), t.backend)
}

// Reshape returns a tensor with the same data but different shape.
// At most one dimension may be -1; it is inferred from the element count.
//
// Example:
//
//	t := tensor.Zeros(Shape{12}, backend)
//	reshaped := t.Reshape(3, -1) // Shape: [3, 4]
func (t *Tensor[B]) Reshape(newShape ...int) *Tensor[B] {
	shape := resolveReshape(t.Shape(), newShape)
	return New(t.backend.Reshape(t.raw, shape), t.backend)
}

func resolveReshape(from Shape, dims []int) Shape {
	shape := make(Shape, len(dims))
	copy(shape, dims)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				panic(fmt.Sprintf("reshape: more than one inferred dimension in %v", dims))
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 {
			panic(fmt.Sprintf("reshape: cannot infer dimension of %v from %v", dims, from))
		}
		shape[infer] = from.NumElements() / known
	}
	return shape
}

// Transpose permutes dimensions. With no axes it reverses them.
func (t *Tensor[B]) Transpose(axes ...int) *Tensor[B] {
	return New(t.backend.Transpose(t.raw, axes...), t.backend)
}

// T transposes a 2D tensor.
func (t *Tensor[B]) T() *Tensor[B] {
	if len(t.Shape()) != 2 {
		panic(fmt.Sprintf("T: expected 2D tensor, got %dD", len(t.Shape())))
	}
	return t.Transpose(1, 0)
}

// MulScalar multiplies every element by s.
func (t *Tensor[B]) MulScalar(s float32) *Tensor[B] {
	return New(t.backend.MulScalar(t.raw, s), t.backend)
}

// AddScalar adds s to every element.
func (t *Tensor[B]) AddScalar(s float32) *Tensor[B] {
	return New(t.backend.AddScalar(t.raw, s), t.backend)
}

// Exp computes e^x element-wise.
func (t *Tensor[B]) Exp() *Tensor[B] {
	return New(t.backend.Exp(t.raw), t.backend)
}

// Log computes the natural logarithm element-wise.
func (t *Tensor[B]) Log() *Tensor[B] {
	return New(t.backend.Log(t.raw), t.backend)
}

// Sqrt computes the square root element-wise.
func (t *Tensor[B]) Sqrt() *Tensor[B] {
	return New(t.backend.Sqrt(t.raw), t.backend)
}

// Rsqrt computes 1/sqrt(x) element-wise.
func (t *Tensor[B]) Rsqrt() *Tensor[B] {
	return New(t.backend.Rsqrt(t.raw), t.backend)
}

// ReLU computes max(0, x) element-wise.
func (t *Tensor[B]) ReLU() *Tensor[B] {
	return New(t.backend.ReLU(t.raw), t.backend)
}

// Sigmoid computes 1/(1+e^-x) element-wise.
func (t *Tensor[B]) Sigmoid() *Tensor[B] {
	return New(t.backend.Sigmoid(t.raw), t.backend)
}

// Softmax normalizes along dim. Negative dims count from the end.
func (t *Tensor[B]) Softmax(dim int) *Tensor[B] {
	return New(t.backend.Softmax(t.raw, dim), t.backend)
}

// Sum reduces all elements to a scalar.
func (t *Tensor[B]) Sum() *Tensor[B] {
	return New(t.backend.Sum(t.raw), t.backend)
}

// SumDim sums along dim.
func (t *Tensor[B]) SumDim(dim int, keepDim bool) *Tensor[B] {
	return New(t.backend.SumDim(t.raw, dim, keepDim), t.backend)
}

// MeanDim averages along dim.
func (t *Tensor[B]) MeanDim(dim int, keepDim bool) *Tensor[B] {
	return New(t.backend.MeanDim(t.raw, dim, keepDim), t.backend)
}

// Slice returns elements [start, end) along dim.
func (t *Tensor[B]) Slice(dim, start, end int) *Tensor[B] {
	return New(t.backend.Slice(t.raw, dim, start, end), t.backend)
}

// IndexSelect gathers rows of dim 0 in the given order. Indices may repeat.
func (t *Tensor[B]) IndexSelect(indices []int) *Tensor[B] {
	return New(t.backend.IndexSelect(t.raw, indices), t.backend)
}

// Pad2D zero-pads the two spatial dimensions of an NCHW tensor.
func (t *Tensor[B]) Pad2D(top, bottom, left, right int) *Tensor[B] {
	return New(t.backend.Pad2D(t.raw, top, bottom, left, right), t.backend)
}

// Upsample2D repeats every spatial element factor×factor times.
func (t *Tensor[B]) Upsample2D(factor int) *Tensor[B] {
	return New(t.backend.Upsample2D(t.raw, factor), t.backend)
}

// Conv2D convolves t [N, C, H, W] with kernel [O, C, KH, KW].
func (t *Tensor[B]) Conv2D(kernel *Tensor[B], stride, padding int) *Tensor[B] {
	return New(t.backend.Conv2D(t.raw, kernel.raw, stride, padding), t.backend)
}

// MaxPool2D applies max pooling over square windows.
func (t *Tensor[B]) MaxPool2D(kernelSize, stride int) *Tensor[B] {
	return New(t.backend.MaxPool2D(t.raw, kernelSize, stride), t.backend)
}

// CropAndResize samples a cropH×cropW bilinear grid inside each normalized
// box of boxes [R, 4] from image boxIndices[r] of t.
func (t *Tensor[B]) CropAndResize(boxes *Tensor[B], boxIndices []int, cropH, cropW int) *Tensor[B] {
	return New(t.backend.CropAndResize(t.raw, boxes.raw, boxIndices, cropH, cropW), t.backend)
}

// Cat concatenates tensors along dim. All tensors must share a backend.
func Cat[B Backend](tensors []*Tensor[B], dim int) *Tensor[B] {
	if len(tensors) == 0 {
		panic("cat: no tensors")
	}
	raws := make([]*RawTensor, len(tensors))
	for i, t := range tensors {
		raws[i] = t.raw
	}
	b := tensors[0].backend
	return New(b.Cat(raws, dim), b)
}
