package ops

import "github.com/born-ml/maskrcnn/internal/tensor"

// Pad2DOp records zero padding of the spatial dimensions.
// Backward crops the padded border away.
type Pad2DOp struct {
	base
	top, left int
}

// NewPad2DOp creates a new Pad2DOp.
func NewPad2DOp(x, output *tensor.RawTensor, top, left int) *Pad2DOp {
	return &Pad2DOp{base{[]*tensor.RawTensor{x}, output}, top, left}
}

// Backward slices the gradient back to the input extent.
func (op *Pad2DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	s := op.inputs[0].Shape()
	g := backend.Slice(outputGrad, 2, op.top, op.top+s[2])
	g = backend.Slice(g, 3, op.left, op.left+s[3])
	return []*tensor.RawTensor{g}
}

// Upsample2DOp records nearest-neighbour upsampling.
// Backward sums each factor×factor block.
type Upsample2DOp struct {
	base
	factor int
}

// NewUpsample2DOp creates a new Upsample2DOp.
func NewUpsample2DOp(x, output *tensor.RawTensor, factor int) *Upsample2DOp {
	return &Upsample2DOp{base{[]*tensor.RawTensor{x}, output}, factor}
}

// Backward computes the input gradient.
func (op *Upsample2DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.Upsample2DBackward(outputGrad, op.factor)}
}

// CropAndResizeOp records bilinear RoI sampling.
//
// The gradient flows to the feature map only. Box coordinates come from the
// proposal layer and are treated as constants, so boxes get no gradient.
type CropAndResizeOp struct {
	base
	boxIndices []int
}

// NewCropAndResizeOp creates a new CropAndResizeOp.
func NewCropAndResizeOp(features, boxes, output *tensor.RawTensor, boxIndices []int) *CropAndResizeOp {
	idx := make([]int, len(boxIndices))
	copy(idx, boxIndices)
	return &CropAndResizeOp{base{[]*tensor.RawTensor{features, boxes}, output}, idx}
}

// Backward scatters the gradient onto the feature map.
func (op *CropAndResizeOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	features, boxes := op.inputs[0], op.inputs[1]
	return []*tensor.RawTensor{
		backend.CropAndResizeBackward(outputGrad, boxes, op.boxIndices, features.Shape()),
		nil,
	}
}
