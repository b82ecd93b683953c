package ops

import "github.com/born-ml/maskrcnn/internal/tensor"

// ExpOp represents output = e^x. Backward: grad * output.
type ExpOp struct{ base }

// NewExpOp creates a new ExpOp.
func NewExpOp(x, output *tensor.RawTensor) *ExpOp {
	return &ExpOp{base{[]*tensor.RawTensor{x}, output}}
}

// Backward computes the input gradient.
func (op *ExpOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.Mul(outputGrad, op.output)}
}

// LogOp represents output = ln(x). Backward: grad / x.
type LogOp struct{ base }

// NewLogOp creates a new LogOp.
func NewLogOp(x, output *tensor.RawTensor) *LogOp {
	return &LogOp{base{[]*tensor.RawTensor{x}, output}}
}

// Backward computes the input gradient.
func (op *LogOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.Div(outputGrad, op.inputs[0])}
}

// SqrtOp represents output = sqrt(x). Backward: grad / (2 * output).
type SqrtOp struct{ base }

// NewSqrtOp creates a new SqrtOp.
func NewSqrtOp(x, output *tensor.RawTensor) *SqrtOp {
	return &SqrtOp{base{[]*tensor.RawTensor{x}, output}}
}

// Backward computes the input gradient.
func (op *SqrtOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.Div(outputGrad, backend.MulScalar(op.output, 2))}
}

// RsqrtOp represents output = 1/sqrt(x).
//
// Backward: d(x^-1/2)/dx = -1/2 * x^-3/2 = -1/2 * output³.
type RsqrtOp struct{ base }

// NewRsqrtOp creates a new RsqrtOp.
func NewRsqrtOp(x, output *tensor.RawTensor) *RsqrtOp {
	return &RsqrtOp{base{[]*tensor.RawTensor{x}, output}}
}

// Backward computes the input gradient.
func (op *RsqrtOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	y := op.output
	cube := backend.Mul(backend.Mul(y, y), y)
	return []*tensor.RawTensor{backend.Mul(outputGrad, backend.MulScalar(cube, -0.5))}
}

// ReLUOp represents output = max(0, x).
//
// Backward: d(ReLU(x))/dx = 1 if x > 0, else 0.
type ReLUOp struct{ base }

// NewReLUOp creates a new ReLUOp.
func NewReLUOp(x, output *tensor.RawTensor) *ReLUOp {
	return &ReLUOp{base{[]*tensor.RawTensor{x}, output}}
}

// Backward multiplies the gradient by the positive-input mask.
func (op *ReLUOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	m := mask(op.inputs[0], backend, func(v float32) float32 {
		if v > 0 {
			return 1
		}
		return 0
	})
	return []*tensor.RawTensor{backend.Mul(outputGrad, m)}
}

// SigmoidOp represents output = σ(x). Backward: grad * σ * (1 - σ).
type SigmoidOp struct{ base }

// NewSigmoidOp creates a new SigmoidOp.
func NewSigmoidOp(x, output *tensor.RawTensor) *SigmoidOp {
	return &SigmoidOp{base{[]*tensor.RawTensor{x}, output}}
}

// Backward computes the input gradient.
func (op *SigmoidOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	y := op.output
	oneMinus := backend.AddScalar(backend.MulScalar(y, -1), 1)
	return []*tensor.RawTensor{backend.Mul(outputGrad, backend.Mul(y, oneMinus))}
}

// SoftmaxOp represents the softmax along one dimension.
//
// Backward:
//
//	∂L/∂x_j = softmax_j * (∂L/∂softmax_j - Σ_i ∂L/∂softmax_i * softmax_i)
type SoftmaxOp struct {
	base
	dim int
}

// NewSoftmaxOp creates a new SoftmaxOp. dim must already be normalized.
func NewSoftmaxOp(x, output *tensor.RawTensor, dim int) *SoftmaxOp {
	return &SoftmaxOp{base{[]*tensor.RawTensor{x}, output}, dim}
}

// Backward computes the input gradient.
func (op *SoftmaxOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	y := op.output
	dot := backend.SumDim(backend.Mul(outputGrad, y), op.dim, true)
	return []*tensor.RawTensor{backend.Mul(y, backend.Sub(outputGrad, dot))}
}
