// Package autodiff implements automatic differentiation using the decorator pattern.
//
// AutodiffBackend wraps any Backend implementation and adds gradient
// tracking through a GradientTape.
//
// Architecture:
//   - Decorator pattern: AutodiffBackend[B] wraps any Backend implementation
//   - GradientTape: Records operations during forward pass
//   - Operation interface: Each op implements its backward pass (see ops)
//   - Reverse-mode AD: gradients of a scalar loss in one backward sweep
//
// Usage:
//
//	backend := autodiff.New(cpu.New())
//	backend.Tape().StartRecording()
//	x := tensor.MustFromSlice([]float32{2.0}, tensor.Shape{1}, backend)
//	y := x.Mul(x) // y = x²
//	grads := autodiff.Backward(y, backend)
//	_ = grads[x.Raw()] // dy/dx = 2x = 4.0
package autodiff

import (
	"github.com/born-ml/maskrcnn/internal/autodiff/ops"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// AutodiffBackend wraps a Backend and adds automatic differentiation.
// It implements the tensor.Backend interface and records operations in a GradientTape.
type AutodiffBackend[B tensor.Backend] struct {
	inner B
	tape  *GradientTape
}

// New creates a new AutodiffBackend wrapping the given backend.
func New[B tensor.Backend](backend B) *AutodiffBackend[B] {
	return &AutodiffBackend[B]{
		inner: backend,
		tape:  NewGradientTape(),
	}
}

// Tape returns the gradient tape for manual control:
// starting/stopping recording and clearing it between iterations.
func (b *AutodiffBackend[B]) Tape() *GradientTape {
	return b.tape
}

// Inner returns the wrapped backend.
func (b *AutodiffBackend[B]) Inner() B {
	return b.inner
}

// Name returns the backend name.
func (b *AutodiffBackend[B]) Name() string {
	return "Autodiff(" + b.inner.Name() + ")"
}

// Device returns the compute device.
func (b *AutodiffBackend[B]) Device() tensor.Device {
	return b.inner.Device()
}

func (b *AutodiffBackend[B]) record(op ops.Operation) {
	if b.tape.IsRecording() {
		b.tape.Record(op)
	}
}

// Add performs element-wise addition and records the operation.
func (b *AutodiffBackend[B]) Add(x, y *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.Add(x, y)
	b.record(ops.NewAddOp(x, y, result))
	return result
}

// Sub performs element-wise subtraction and records the operation.
func (b *AutodiffBackend[B]) Sub(x, y *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.Sub(x, y)
	b.record(ops.NewSubOp(x, y, result))
	return result
}

// Mul performs element-wise multiplication and records the operation.
func (b *AutodiffBackend[B]) Mul(x, y *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.Mul(x, y)
	b.record(ops.NewMulOp(x, y, result))
	return result
}

// Div performs element-wise division and records the operation.
func (b *AutodiffBackend[B]) Div(x, y *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.Div(x, y)
	b.record(ops.NewDivOp(x, y, result))
	return result
}

// MatMul performs matrix multiplication and records the operation.
func (b *AutodiffBackend[B]) MatMul(x, y *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.MatMul(x, y)
	b.record(ops.NewMatMulOp(x, y, result))
	return result
}

// Conv2D performs 2D convolution and records the operation.
func (b *AutodiffBackend[B]) Conv2D(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	result := b.inner.Conv2D(input, kernel, stride, padding)
	if b.tape.IsRecording() {
		b.tape.Record(ops.NewConv2DOp(input, kernel, result, stride, padding))
	}
	return result
}

// Conv2DInputBackward delegates to the inner backend (not recorded).
func (b *AutodiffBackend[B]) Conv2DInputBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	return b.inner.Conv2DInputBackward(input, kernel, grad, stride, padding)
}

// Conv2DKernelBackward delegates to the inner backend (not recorded).
func (b *AutodiffBackend[B]) Conv2DKernelBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	return b.inner.Conv2DKernelBackward(input, kernel, grad, stride, padding)
}

// MaxPool2D performs max pooling and records the operation.
func (b *AutodiffBackend[B]) MaxPool2D(input *tensor.RawTensor, kernelSize, stride int) *tensor.RawTensor {
	result := b.inner.MaxPool2D(input, kernelSize, stride)
	if b.tape.IsRecording() {
		b.tape.Record(ops.NewMaxPool2DOp(input, result, kernelSize, stride))
	}
	return result
}

// MaxPool2DBackward delegates to the inner backend (not recorded).
func (b *AutodiffBackend[B]) MaxPool2DBackward(input, grad *tensor.RawTensor, maxIndices []int, kernelSize, stride int) *tensor.RawTensor {
	return b.inner.MaxPool2DBackward(input, grad, maxIndices, kernelSize, stride)
}

// Pad2D zero-pads spatial dimensions and records the operation.
func (b *AutodiffBackend[B]) Pad2D(x *tensor.RawTensor, top, bottom, left, right int) *tensor.RawTensor {
	result := b.inner.Pad2D(x, top, bottom, left, right)
	b.record(ops.NewPad2DOp(x, result, top, left))
	return result
}

// Upsample2D upsamples by nearest neighbour and records the operation.
func (b *AutodiffBackend[B]) Upsample2D(x *tensor.RawTensor, factor int) *tensor.RawTensor {
	result := b.inner.Upsample2D(x, factor)
	b.record(ops.NewUpsample2DOp(x, result, factor))
	return result
}

// Upsample2DBackward delegates to the inner backend (not recorded).
func (b *AutodiffBackend[B]) Upsample2DBackward(grad *tensor.RawTensor, factor int) *tensor.RawTensor {
	return b.inner.Upsample2DBackward(grad, factor)
}

// CropAndResize samples RoI grids and records the operation.
func (b *AutodiffBackend[B]) CropAndResize(features, boxes *tensor.RawTensor, boxIndices []int, cropH, cropW int) *tensor.RawTensor {
	result := b.inner.CropAndResize(features, boxes, boxIndices, cropH, cropW)
	if b.tape.IsRecording() {
		b.tape.Record(ops.NewCropAndResizeOp(features, boxes, result, boxIndices))
	}
	return result
}

// CropAndResizeBackward delegates to the inner backend (not recorded).
func (b *AutodiffBackend[B]) CropAndResizeBackward(grad, boxes *tensor.RawTensor, boxIndices []int, featureShape tensor.Shape) *tensor.RawTensor {
	return b.inner.CropAndResizeBackward(grad, boxes, boxIndices, featureShape)
}

// Reshape reshapes and records the operation.
func (b *AutodiffBackend[B]) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	result := b.inner.Reshape(t, newShape)
	b.record(ops.NewReshapeOp(t, result))
	return result
}

// Transpose permutes dimensions and records the operation.
func (b *AutodiffBackend[B]) Transpose(t *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	if len(axes) == 0 {
		rank := len(t.Shape())
		axes = make([]int, rank)
		for i := range axes {
			axes[i] = rank - 1 - i
		}
	}
	result := b.inner.Transpose(t, axes...)
	if b.tape.IsRecording() {
		b.tape.Record(ops.NewTransposeOp(t, result, axes))
	}
	return result
}

// MulScalar multiplies by a scalar and records the operation.
func (b *AutodiffBackend[B]) MulScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	result := b.inner.MulScalar(x, scalar)
	b.record(ops.NewMulScalarOp(x, result, scalar))
	return result
}

// AddScalar adds a scalar and records the operation.
func (b *AutodiffBackend[B]) AddScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	result := b.inner.AddScalar(x, scalar)
	b.record(ops.NewAddScalarOp(x, result))
	return result
}

// Exp computes e^x and records the operation.
func (b *AutodiffBackend[B]) Exp(x *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.Exp(x)
	b.record(ops.NewExpOp(x, result))
	return result
}

// Log computes ln(x) and records the operation.
func (b *AutodiffBackend[B]) Log(x *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.Log(x)
	b.record(ops.NewLogOp(x, result))
	return result
}

// Sqrt computes sqrt(x) and records the operation.
func (b *AutodiffBackend[B]) Sqrt(x *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.Sqrt(x)
	b.record(ops.NewSqrtOp(x, result))
	return result
}

// Rsqrt computes 1/sqrt(x) and records the operation.
func (b *AutodiffBackend[B]) Rsqrt(x *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.Rsqrt(x)
	b.record(ops.NewRsqrtOp(x, result))
	return result
}

// ReLU applies max(0, x) and records the operation.
func (b *AutodiffBackend[B]) ReLU(x *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.ReLU(x)
	b.record(ops.NewReLUOp(x, result))
	return result
}

// Sigmoid applies the logistic function and records the operation.
func (b *AutodiffBackend[B]) Sigmoid(x *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.Sigmoid(x)
	b.record(ops.NewSigmoidOp(x, result))
	return result
}

// Softmax normalizes along dim and records the operation.
func (b *AutodiffBackend[B]) Softmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	result := b.inner.Softmax(x, dim)
	if b.tape.IsRecording() {
		dim = tensor.NormalizeDim("softmax", dim, len(x.Shape()))
		b.tape.Record(ops.NewSoftmaxOp(x, result, dim))
	}
	return result
}

// Sum reduces to a scalar and records the operation.
func (b *AutodiffBackend[B]) Sum(x *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.Sum(x)
	b.record(ops.NewSumOp(x, result))
	return result
}

// SumDim sums along dim and records the operation.
func (b *AutodiffBackend[B]) SumDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	result := b.inner.SumDim(x, dim, keepDim)
	if b.tape.IsRecording() {
		dim = tensor.NormalizeDim("sum_dim", dim, len(x.Shape()))
		b.tape.Record(ops.NewSumDimOp(x, result, dim))
	}
	return result
}

// MeanDim averages along dim and records the operation.
func (b *AutodiffBackend[B]) MeanDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	result := b.inner.MeanDim(x, dim, keepDim)
	if b.tape.IsRecording() {
		dim = tensor.NormalizeDim("mean_dim", dim, len(x.Shape()))
		b.tape.Record(ops.NewMeanDimOp(x, result, dim))
	}
	return result
}

// Cat concatenates along dim and records the operation.
func (b *AutodiffBackend[B]) Cat(tensors []*tensor.RawTensor, dim int) *tensor.RawTensor {
	result := b.inner.Cat(tensors, dim)
	if b.tape.IsRecording() {
		dim = tensor.NormalizeDim("cat", dim, len(result.Shape()))
		b.tape.Record(ops.NewCatOp(tensors, result, dim))
	}
	return result
}

// Slice takes [start, end) along dim and records the operation.
func (b *AutodiffBackend[B]) Slice(x *tensor.RawTensor, dim, start, end int) *tensor.RawTensor {
	result := b.inner.Slice(x, dim, start, end)
	if b.tape.IsRecording() {
		dim = tensor.NormalizeDim("slice", dim, len(x.Shape()))
		b.tape.Record(ops.NewSliceOp(x, result, dim, start))
	}
	return result
}

// IndexSelect gathers rows and records the operation.
func (b *AutodiffBackend[B]) IndexSelect(x *tensor.RawTensor, indices []int) *tensor.RawTensor {
	result := b.inner.IndexSelect(x, indices)
	b.record(ops.NewIndexSelectOp(x, result, indices))
	return result
}

// IndexAdd delegates to the inner backend (not recorded).
func (b *AutodiffBackend[B]) IndexAdd(grad *tensor.RawTensor, indices []int, rows int) *tensor.RawTensor {
	return b.inner.IndexAdd(grad, indices, rows)
}
