package ops

import "github.com/born-ml/maskrcnn/internal/tensor"

// SumOp records a full reduction to a scalar.
// Backward broadcasts the scalar gradient to the input shape.
type SumOp struct{ base }

// NewSumOp creates a new SumOp.
func NewSumOp(x, output *tensor.RawTensor) *SumOp {
	return &SumOp{base{[]*tensor.RawTensor{x}, output}}
}

// Backward computes the input gradient.
func (op *SumOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	zeros := tensor.MustRaw("sum backward", op.inputs[0].Shape(), backend.Device())
	return []*tensor.RawTensor{backend.Add(zeros, outputGrad)}
}

// SumDimOp records a sum along one dimension.
type SumDimOp struct {
	base
	dim int
}

// NewSumDimOp creates a new SumDimOp. dim must already be normalized.
func NewSumDimOp(x, output *tensor.RawTensor, dim int) *SumDimOp {
	return &SumDimOp{base{[]*tensor.RawTensor{x}, output}, dim}
}

// Backward broadcasts the gradient along the reduced dimension.
func (op *SumDimOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{expandReduced(outputGrad, op.inputs[0].Shape(), op.dim, backend)}
}

// MeanDimOp records a mean along one dimension.
type MeanDimOp struct {
	base
	dim int
}

// NewMeanDimOp creates a new MeanDimOp. dim must already be normalized.
func NewMeanDimOp(x, output *tensor.RawTensor, dim int) *MeanDimOp {
	return &MeanDimOp{base{[]*tensor.RawTensor{x}, output}, dim}
}

// Backward broadcasts grad / n along the reduced dimension.
func (op *MeanDimOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	shape := op.inputs[0].Shape()
	g := expandReduced(outputGrad, shape, op.dim, backend)
	if n := shape[op.dim]; n > 0 {
		g = backend.MulScalar(g, 1/float32(n))
	}
	return []*tensor.RawTensor{g}
}
