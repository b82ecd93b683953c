package ops

import "github.com/born-ml/maskrcnn/internal/tensor"

// ReshapeOp records a reshape. Backward reshapes the gradient back.
type ReshapeOp struct{ base }

// NewReshapeOp creates a new ReshapeOp.
func NewReshapeOp(x, output *tensor.RawTensor) *ReshapeOp {
	return &ReshapeOp{base{[]*tensor.RawTensor{x}, output}}
}

// Backward computes the input gradient.
func (op *ReshapeOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.Reshape(outputGrad, op.inputs[0].Shape())}
}

// TransposeOp records a permutation of dimensions.
// Backward applies the inverse permutation.
type TransposeOp struct {
	base
	axes []int
}

// NewTransposeOp creates a new TransposeOp. axes must be the full permutation.
func NewTransposeOp(x, output *tensor.RawTensor, axes []int) *TransposeOp {
	a := make([]int, len(axes))
	copy(a, axes)
	return &TransposeOp{base{[]*tensor.RawTensor{x}, output}, a}
}

// Backward computes the input gradient.
func (op *TransposeOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	inverse := make([]int, len(op.axes))
	for i, a := range op.axes {
		inverse[a] = i
	}
	return []*tensor.RawTensor{backend.Transpose(outputGrad, inverse...)}
}

// CatOp records concatenation along one dimension.
// Backward slices the gradient into per-input pieces.
type CatOp struct {
	base
	dim int
}

// NewCatOp creates a new CatOp. dim must already be normalized.
func NewCatOp(inputs []*tensor.RawTensor, output *tensor.RawTensor, dim int) *CatOp {
	in := make([]*tensor.RawTensor, len(inputs))
	copy(in, inputs)
	return &CatOp{base{in, output}, dim}
}

// Backward computes gradients for every input.
func (op *CatOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	grads := make([]*tensor.RawTensor, len(op.inputs))
	offset := 0
	for i, in := range op.inputs {
		size := in.Shape()[op.dim]
		grads[i] = backend.Slice(outputGrad, op.dim, offset, offset+size)
		offset += size
	}
	return grads
}

// SliceOp records a slice [start, end) along one dimension.
// Backward places the gradient into a zero tensor of the input shape.
type SliceOp struct {
	base
	dim, start int
}

// NewSliceOp creates a new SliceOp. dim must already be normalized.
func NewSliceOp(x, output *tensor.RawTensor, dim, start int) *SliceOp {
	return &SliceOp{base{[]*tensor.RawTensor{x}, output}, dim, start}
}

// Backward computes the input gradient.
func (op *SliceOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	inShape := op.inputs[0].Shape()
	size := outputGrad.Shape()[op.dim]
	parts := make([]*tensor.RawTensor, 0, 3)
	if op.start > 0 {
		s := inShape.Clone()
		s[op.dim] = op.start
		parts = append(parts, tensor.MustRaw("slice backward", s, backend.Device()))
	}
	parts = append(parts, outputGrad)
	if rest := inShape[op.dim] - op.start - size; rest > 0 {
		s := inShape.Clone()
		s[op.dim] = rest
		parts = append(parts, tensor.MustRaw("slice backward", s, backend.Device()))
	}
	if len(parts) == 1 {
		return []*tensor.RawTensor{outputGrad}
	}
	return []*tensor.RawTensor{backend.Cat(parts, op.dim)}
}

// IndexSelectOp records a row gather along dim 0.
// Backward scatter-adds rows, so repeated indices accumulate.
type IndexSelectOp struct {
	base
	indices []int
}

// NewIndexSelectOp creates a new IndexSelectOp.
func NewIndexSelectOp(x, output *tensor.RawTensor, indices []int) *IndexSelectOp {
	idx := make([]int, len(indices))
	copy(idx, indices)
	return &IndexSelectOp{base{[]*tensor.RawTensor{x}, output}, idx}
}

// Backward computes the input gradient.
func (op *IndexSelectOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.IndexAdd(outputGrad, op.indices, op.inputs[0].Shape()[0])}
}
