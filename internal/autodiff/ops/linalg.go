package ops

import "github.com/born-ml/maskrcnn/internal/tensor"

// MatMulOp represents matrix multiplication: output = A @ B.
//
// Backward: dA = grad @ B^T, dB = A^T @ grad.
type MatMulOp struct{ base }

// NewMatMulOp creates a new MatMulOp.
func NewMatMulOp(a, b, output *tensor.RawTensor) *MatMulOp {
	return &MatMulOp{base{[]*tensor.RawTensor{a, b}, output}}
}

// Backward computes gradients for both operands.
func (op *MatMulOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	a, b := op.inputs[0], op.inputs[1]
	return []*tensor.RawTensor{
		backend.MatMul(outputGrad, backend.Transpose(b, 1, 0)),
		backend.MatMul(backend.Transpose(a, 1, 0), outputGrad),
	}
}

// Conv2DOp records a 2D convolution.
//
// Given outputGrad ∂L/∂output [N, C_out, H_out, W_out] it produces
// ∂L/∂input [N, C_in, H, W] and ∂L/∂kernel [C_out, C_in, K_h, K_w].
//
// References:
//   - CS231n: Convolutional Neural Networks for Visual Recognition
type Conv2DOp struct {
	base
	stride  int
	padding int
}

// NewConv2DOp creates a new Conv2DOp.
func NewConv2DOp(input, kernel, output *tensor.RawTensor, stride, padding int) *Conv2DOp {
	return &Conv2DOp{base{[]*tensor.RawTensor{input, kernel}, output}, stride, padding}
}

// Backward delegates both adjoints to the backend.
func (op *Conv2DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	input, kernel := op.inputs[0], op.inputs[1]
	return []*tensor.RawTensor{
		backend.Conv2DInputBackward(input, kernel, outputGrad, op.stride, op.padding),
		backend.Conv2DKernelBackward(input, kernel, outputGrad, op.stride, op.padding),
	}
}

// MaxPool2DOp records a max pooling operation.
//
// Gradients flow only to positions that held the window maximum, so the
// argmax positions are computed when the op is recorded.
type MaxPool2DOp struct {
	base
	maxIndices []int
	kernelSize int
	stride     int
}

// NewMaxPool2DOp creates a new MaxPool2DOp and records argmax positions.
func NewMaxPool2DOp(input, output *tensor.RawTensor, kernelSize, stride int) *MaxPool2DOp {
	return &MaxPool2DOp{
		base:       base{[]*tensor.RawTensor{input}, output},
		maxIndices: computeMaxIndices(input, output, kernelSize, stride),
		kernelSize: kernelSize,
		stride:     stride,
	}
}

// computeMaxIndices finds which input position had the max value for each
// output position. Ties resolve to the first position in scan order.
func computeMaxIndices(input, output *tensor.RawTensor, kernelSize, stride int) []int {
	is, os := input.Shape(), output.Shape()
	N, C, H, W := is[0], is[1], is[2], is[3]
	HOut, WOut := os[2], os[3]
	data := input.Data()

	maxIndices := make([]int, N*C*HOut*WOut)
	outIdx := 0
	for nc := 0; nc < N*C; nc++ {
		for oh := 0; oh < HOut; oh++ {
			for ow := 0; ow < WOut; ow++ {
				maxPos := -1
				for kh := 0; kh < kernelSize; kh++ {
					for kw := 0; kw < kernelSize; kw++ {
						idx := (nc*H+oh*stride+kh)*W + ow*stride + kw
						if maxPos < 0 || data[idx] > data[maxPos] {
							maxPos = idx
						}
					}
				}
				maxIndices[outIdx] = maxPos
				outIdx++
			}
		}
	}
	return maxIndices
}

// Backward routes gradients to the recorded argmax positions.
func (op *MaxPool2DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{
		backend.MaxPool2DBackward(op.inputs[0], outputGrad, op.maxIndices, op.kernelSize, op.stride),
	}
}
