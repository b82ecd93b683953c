package ops

import (
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// reduceBroadcast reduces a gradient tensor to match the target shape.
// This is necessary when broadcasting was used in the forward pass.
//
// Example:
//
//	Forward: a[3,1] + b[3,4] -> c[3,4]  (a was broadcast along dim 1)
//	Backward: grad_c[3,4] -> grad_a[3,1] (sum along dim 1)
func reduceBroadcast(grad *tensor.RawTensor, targetShape tensor.Shape, backend tensor.Backend) *tensor.RawTensor {
	gradShape := grad.Shape()
	if gradShape.Equal(targetShape) {
		return grad
	}

	if len(targetShape) == 0 {
		return backend.Sum(grad)
	}

	// Broadcasting aligns from the right: sum away extra leading dimensions.
	result := grad
	for len(result.Shape()) > len(targetShape) {
		result = backend.SumDim(result, 0, false)
	}

	// Then sum dimensions where the target had size 1.
	for i, d := range targetShape {
		if d == 1 && result.Shape()[i] != 1 {
			result = backend.SumDim(result, i, true)
		}
	}

	if !result.Shape().Equal(targetShape) {
		result = backend.Reshape(result, targetShape)
	}
	return result
}

// mask returns a tensor of x's shape holding f(v) per element.
// Used for piecewise derivatives (ReLU).
func mask(x *tensor.RawTensor, backend tensor.Backend, f func(v float32) float32) *tensor.RawTensor {
	m := tensor.MustRaw("mask", x.Shape(), backend.Device())
	out := m.Data()
	for i, v := range x.Data() {
		out[i] = f(v)
	}
	return m
}

// expandReduced broadcasts a gradient of a dim-reduced tensor back to the
// input shape.
func expandReduced(grad *tensor.RawTensor, inputShape tensor.Shape, dim int, backend tensor.Backend) *tensor.RawTensor {
	keep := inputShape.Clone()
	keep[dim] = 1
	g := backend.Reshape(grad, keep)
	zeros := tensor.MustRaw("expand", inputShape, backend.Device())
	return backend.Add(zeros, g)
}
