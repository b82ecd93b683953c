// Package optim implements the optimizers that update detector weights.
//
// This package provides:
//   - Optimizer interface: Base interface for all optimizers
//   - SGD: Stochastic Gradient Descent with momentum and weight decay
//   - Adam: Adaptive Moment Estimation
//   - ClipGradNorm: global gradient-norm clipping
//
// The optimizer step is the only place parameters are mutated. Frozen
// parameters (nn.Parameter.Trainable() == false) are never touched.
//
// Example usage:
//
//	optimizer := optim.NewSGD(model.Parameters(), optim.SGDConfig{
//	    LR:          0.001,
//	    Momentum:    0.9,
//	    WeightDecay: 0.0001,
//	})
//
//	backend.Tape().StartRecording()
//	losses := model.Loss(batch)
//	grads := autodiff.Backward(losses.Total, backend)
//	optim.ClipGradNorm(model.Parameters(), grads, 5.0)
//	optimizer.Step(grads)
//	backend.Tape().Clear()
package optim

import (
	"math"

	"github.com/born-ml/maskrcnn/internal/nn"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// Optimizer is the base interface for all optimization algorithms.
type Optimizer interface {
	// Step applies gradient updates to all trainable parameters in place.
	//
	// Example:
	//   grads := autodiff.Backward(loss, backend)
	//   optimizer.Step(grads)
	Step(grads map[*tensor.RawTensor]*tensor.RawTensor)

	// ZeroGrad clears all parameter gradients.
	ZeroGrad()

	// GetLR returns the current learning rate.
	GetLR() float32

	// SetLR updates the learning rate (used for per-stage schedules).
	SetLR(lr float32)
}

// getGradient retrieves the gradient for a trainable parameter.
//
// Returns nil if the parameter is frozen or did not take part in the
// computation graph.
func getGradient[B tensor.Backend](param *nn.Parameter[B], grads map[*tensor.RawTensor]*tensor.RawTensor) *tensor.RawTensor {
	if param == nil || !param.Trainable() {
		return nil
	}
	return grads[param.Tensor().Raw()]
}

// GradNorm returns the global L2 norm of the gradients of the trainable
// parameters.
func GradNorm[B tensor.Backend](params []*nn.Parameter[B], grads map[*tensor.RawTensor]*tensor.RawTensor) float64 {
	var sq float64
	for _, p := range params {
		g := getGradient(p, grads)
		if g == nil {
			continue
		}
		for _, v := range g.Data() {
			sq += float64(v) * float64(v)
		}
	}
	return math.Sqrt(sq)
}

// ClipGradNorm rescales the gradients of params in grads so that their
// global L2 norm is at most maxNorm. It returns the norm before clipping.
//
// Gradient tensors are replaced, not modified, because a gradient may be
// shared with other entries of the map.
func ClipGradNorm[B tensor.Backend](params []*nn.Parameter[B], grads map[*tensor.RawTensor]*tensor.RawTensor, maxNorm float64) float64 {
	norm := GradNorm(params, grads)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := float32(maxNorm / (norm + 1e-6))
	for _, p := range params {
		g := getGradient(p, grads)
		if g == nil {
			continue
		}
		clipped := g.Clone()
		data := clipped.Data()
		for i := range data {
			data[i] *= scale
		}
		grads[p.Tensor().Raw()] = clipped
	}
	return norm
}
