package autodiff

import (
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// BackwardCapable is an interface for backends that support backward pass.
// AutodiffBackend implements this interface.
type BackwardCapable interface {
	tensor.Backend
	// GetTape returns the gradient tape for backward computation.
	GetTape() *GradientTape
	// Compute returns the backend that evaluates gradient operations.
	Compute() tensor.Backend
}

// GetTape returns the gradient tape (implements BackwardCapable interface).
func (b *AutodiffBackend[B]) GetTape() *GradientTape {
	return b.tape
}

// Compute returns the wrapped backend, used to evaluate gradients without
// recording them.
func (b *AutodiffBackend[B]) Compute() tensor.Backend {
	return b.inner
}

// Backward computes gradients of t using the backend's tape.
//
// The output gradient is seeded with ones of t's shape, so for a scalar
// loss the result holds dLoss/dX for every recorded tensor X.
//
// Example:
//
//	backend := autodiff.New(cpu.New())
//	backend.Tape().StartRecording()
//	x := tensor.Ones(tensor.Shape{2}, backend)
//	y := x.Mul(x).Sum()
//	grads := autodiff.Backward(y, backend)
//	grad := grads[x.Raw()] // [2, 2]
func Backward[B BackwardCapable](t *tensor.Tensor[B], backend B) map[*tensor.RawTensor]*tensor.RawTensor {
	tape := backend.GetTape()
	if tape.NumOps() == 0 {
		panic("backward: no operations recorded (did you forget to call Tape().StartRecording()?)")
	}

	outputGrad := tensor.MustRaw("backward", t.Shape(), backend.Device())
	data := outputGrad.Data()
	for i := range data {
		data[i] = 1.0
	}
	return tape.Backward(t.Raw(), outputGrad, backend.Compute())
}
