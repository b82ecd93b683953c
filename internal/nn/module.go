// Package nn implements the neural network layers the detector is built from.
//
// This package provides:
//   - Module interface: Base interface for all NN components
//   - Parameter: Trainable parameters with a trainable flag for frozen layers
//   - Conv2D (with optional TF-style "same" padding), ConvTranspose2D, Linear
//   - BatchNorm2D with running statistics
//   - Activations: ReLU, Sigmoid
//   - Sequential: Container for stacking layers
//
// Design inspired by PyTorch's nn.Module but adapted for Go generics.
package nn

import (
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// Module is the base interface for all neural network components.
//
// Modules can be composed to build complex architectures:
//
//	block := nn.NewSequential[Backend](
//	    nn.NewConv2D(64, 64, 3, 1, nn.PadSame, true, rng, backend),
//	    nn.NewBatchNorm2D(64, 0.001, 0.01, backend),
//	    nn.NewReLU[Backend](),
//	)
//
// Type parameter B must satisfy the tensor.Backend interface.
type Module[B tensor.Backend] interface {
	// Forward computes the output of the module given an input tensor.
	Forward(input *tensor.Tensor[B]) *tensor.Tensor[B]

	// Parameters returns all parameters of this module, including nested
	// modules. Frozen parameters are included; optimizers skip them.
	Parameters() []*Parameter[B]
}

// Trainer is implemented by modules whose forward pass differs between
// training and inference (batch normalization).
type Trainer interface {
	SetTraining(training bool)
}

// Sequential is a container module that chains multiple modules together.
//
// Each module's output becomes the next module's input.
type Sequential[B tensor.Backend] struct {
	modules []Module[B]
}

// NewSequential creates a new Sequential container.
func NewSequential[B tensor.Backend](modules ...Module[B]) *Sequential[B] {
	return &Sequential[B]{
		modules: modules,
	}
}

// Forward applies all modules in sequence.
func (s *Sequential[B]) Forward(input *tensor.Tensor[B]) *tensor.Tensor[B] {
	output := input
	for _, module := range s.modules {
		output = module.Forward(output)
	}
	return output
}

// Parameters returns all parameters from all modules.
func (s *Sequential[B]) Parameters() []*Parameter[B] {
	var params []*Parameter[B]
	for _, module := range s.modules {
		params = append(params, module.Parameters()...)
	}
	return params
}

// SetTraining propagates the mode to every nested module that cares.
func (s *Sequential[B]) SetTraining(training bool) {
	for _, module := range s.modules {
		if tr, ok := module.(Trainer); ok {
			tr.SetTraining(training)
		}
	}
}

// Add appends a module to the sequence.
func (s *Sequential[B]) Add(module Module[B]) {
	s.modules = append(s.modules, module)
}

// Len returns the number of modules.
func (s *Sequential[B]) Len() int {
	return len(s.modules)
}

// ReLU is a Rectified Linear Unit activation module: f(x) = max(0, x).
type ReLU[B tensor.Backend] struct{}

// NewReLU creates a new ReLU activation module.
func NewReLU[B tensor.Backend]() *ReLU[B] {
	return &ReLU[B]{}
}

// Forward applies max(0, x).
func (r *ReLU[B]) Forward(input *tensor.Tensor[B]) *tensor.Tensor[B] {
	return input.ReLU()
}

// Parameters returns nil (ReLU has no trainable parameters).
func (r *ReLU[B]) Parameters() []*Parameter[B] {
	return nil
}

// Sigmoid is a logistic activation module: f(x) = 1/(1+e^-x).
type Sigmoid[B tensor.Backend] struct{}

// NewSigmoid creates a new Sigmoid activation module.
func NewSigmoid[B tensor.Backend]() *Sigmoid[B] {
	return &Sigmoid[B]{}
}

// Forward applies the sigmoid.
func (s *Sigmoid[B]) Forward(input *tensor.Tensor[B]) *tensor.Tensor[B] {
	return input.Sigmoid()
}

// Parameters returns nil.
func (s *Sigmoid[B]) Parameters() []*Parameter[B] {
	return nil
}
