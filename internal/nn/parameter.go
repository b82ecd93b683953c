package nn

import (
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// Parameter represents a parameter of a neural network layer.
//
// Parameters are tensors that the optimizer updates in place. A frozen
// parameter (Trainable() == false) still takes part in the forward pass
// but is skipped by the optimizer.
//
// Example:
//
//	weight := nn.NewParameter("conv1.weight", weightTensor)
//	grad := grads[weight.Tensor().Raw()]
type Parameter[B tensor.Backend] struct {
	name      string
	tensor    *tensor.Tensor[B]
	grad      *tensor.Tensor[B]
	trainable bool
}

// NewParameter creates a new trainable parameter.
func NewParameter[B tensor.Backend](name string, t *tensor.Tensor[B]) *Parameter[B] {
	return &Parameter[B]{
		name:      name,
		tensor:    t,
		trainable: true,
	}
}

// Name returns the parameter name.
func (p *Parameter[B]) Name() string {
	return p.name
}

// Tensor returns the parameter tensor.
func (p *Parameter[B]) Tensor() *tensor.Tensor[B] {
	return p.tensor
}

// Grad returns the gradient tensor, or nil before the first backward pass.
func (p *Parameter[B]) Grad() *tensor.Tensor[B] {
	return p.grad
}

// SetGrad sets the gradient tensor.
func (p *Parameter[B]) SetGrad(grad *tensor.Tensor[B]) {
	p.grad = grad
}

// ZeroGrad clears the gradient tensor.
func (p *Parameter[B]) ZeroGrad() {
	p.grad = nil
}

// Trainable reports whether the optimizer may update this parameter.
func (p *Parameter[B]) Trainable() bool {
	return p.trainable
}

// SetTrainable freezes or unfreezes the parameter.
func (p *Parameter[B]) SetTrainable(trainable bool) {
	p.trainable = trainable
}

// Prefix renames every parameter to prefix + "." + name, so that nested
// modules produce paths like "fpn.p3.weight".
func Prefix[B tensor.Backend](prefix string, params []*Parameter[B]) []*Parameter[B] {
	for _, p := range params {
		p.name = prefix + "." + p.name
	}
	return params
}

// SetTrainable applies trainable to every parameter in params.
func SetTrainable[B tensor.Backend](params []*Parameter[B], trainable bool) {
	for _, p := range params {
		p.trainable = trainable
	}
}

// NumElements returns the total number of scalar weights in params.
func NumElements[B tensor.Backend](params []*Parameter[B]) int {
	n := 0
	for _, p := range params {
		n += p.tensor.NumElements()
	}
	return n
}
