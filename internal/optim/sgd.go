package optim

import (
	"github.com/born-ml/maskrcnn/internal/nn"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// SGD implements Stochastic Gradient Descent with momentum and L2 weight decay.
//
// Update rule:
//
//	g        = gradient + weight_decay * param
//	velocity = momentum * velocity + g
//	param    = param - lr * velocity
//
// Without momentum the velocity is just g.
type SGD[B tensor.Backend] struct {
	params      []*nn.Parameter[B]
	lr          float32
	momentum    float32
	weightDecay float32
	velocities  map[*nn.Parameter[B]][]float32
}

// SGDConfig holds configuration for SGD optimizer.
type SGDConfig struct {
	LR          float32 // Learning rate (default: 0.01)
	Momentum    float32 // Momentum factor (default: 0.0, range: [0, 1))
	WeightDecay float32 // L2 penalty (default: 0)
}

// NewSGD creates a new SGD optimizer.
//
// Example:
//
//	sgd := optim.NewSGD(model.Parameters(), optim.SGDConfig{
//	    LR:       0.01,
//	    Momentum: 0.9,
//	})
func NewSGD[B tensor.Backend](params []*nn.Parameter[B], config SGDConfig) *SGD[B] {
	if config.LR == 0 {
		config.LR = 0.01
	}
	return &SGD[B]{
		params:      params,
		lr:          config.LR,
		momentum:    config.Momentum,
		weightDecay: config.WeightDecay,
		velocities:  make(map[*nn.Parameter[B]][]float32),
	}
}

// Step performs a single optimization step.
// Parameters with no gradient (frozen or unused) are skipped.
func (s *SGD[B]) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) {
	for _, param := range s.params {
		grad := getGradient(param, grads)
		if grad == nil {
			continue
		}
		s.update(param, grad.Data())
	}
}

func (s *SGD[B]) update(param *nn.Parameter[B], grad []float32) {
	data := param.Tensor().Data()

	var velocity []float32
	if s.momentum != 0 {
		velocity = s.velocities[param]
		if velocity == nil {
			velocity = make([]float32, len(data))
			s.velocities[param] = velocity
		}
	}

	for i, g := range grad {
		g += s.weightDecay * data[i]
		if velocity != nil {
			velocity[i] = s.momentum*velocity[i] + g
			g = velocity[i]
		}
		data[i] -= s.lr * g
	}
}

// ZeroGrad clears gradients for all parameters.
func (s *SGD[B]) ZeroGrad() {
	for _, param := range s.params {
		param.ZeroGrad()
	}
}

// GetLR returns the current learning rate.
func (s *SGD[B]) GetLR() float32 {
	return s.lr
}

// SetLR updates the learning rate.
func (s *SGD[B]) SetLR(lr float32) {
	s.lr = lr
}
