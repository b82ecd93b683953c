package optim

import (
	"math"

	"github.com/born-ml/maskrcnn/internal/nn"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// Adam implements the Adam optimizer (Kingma & Ba, 2014).
//
// Algorithm:
//
//	m_t = beta1 * m_{t-1} + (1-beta1) * gradient       // First moment
//	v_t = beta2 * v_{t-1} + (1-beta2) * gradient²      // Second moment
//	m_hat = m_t / (1 - beta1^t)                        // Bias correction
//	v_hat = v_t / (1 - beta2^t)                        // Bias correction
//	param = param - lr * m_hat / (sqrt(v_hat) + eps)  // Parameter update
//
// Weight decay is added to the gradient before the moment updates.
type Adam[B tensor.Backend] struct {
	params      []*nn.Parameter[B]
	lr          float32
	beta1       float32
	beta2       float32
	eps         float32
	weightDecay float32
	m           map[*nn.Parameter[B]][]float32
	v           map[*nn.Parameter[B]][]float32
	t           int
}

// AdamConfig holds configuration for Adam optimizer.
type AdamConfig struct {
	LR          float32    // Learning rate (default: 0.001)
	Betas       [2]float32 // Moment decay rates (default: [0.9, 0.999])
	Eps         float32    // Numerical stability (default: 1e-8)
	WeightDecay float32    // L2 penalty (default: 0)
}

// NewAdam creates a new Adam optimizer.
func NewAdam[B tensor.Backend](params []*nn.Parameter[B], config AdamConfig) *Adam[B] {
	if config.LR == 0 {
		config.LR = 0.001
	}
	if config.Betas == [2]float32{} {
		config.Betas = [2]float32{0.9, 0.999}
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}
	return &Adam[B]{
		params:      params,
		lr:          config.LR,
		beta1:       config.Betas[0],
		beta2:       config.Betas[1],
		eps:         config.Eps,
		weightDecay: config.WeightDecay,
		m:           make(map[*nn.Parameter[B]][]float32),
		v:           make(map[*nn.Parameter[B]][]float32),
	}
}

// Step performs a single optimization step.
func (a *Adam[B]) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) {
	a.t++
	bc1 := float32(1.0 - math.Pow(float64(a.beta1), float64(a.t)))
	bc2 := float32(1.0 - math.Pow(float64(a.beta2), float64(a.t)))

	for _, param := range a.params {
		grad := getGradient(param, grads)
		if grad == nil {
			continue
		}
		data := param.Tensor().Data()
		m, v := a.m[param], a.v[param]
		if m == nil {
			m = make([]float32, len(data))
			v = make([]float32, len(data))
			a.m[param], a.v[param] = m, v
		}
		for i, g := range grad.Data() {
			g += a.weightDecay * data[i]
			m[i] = a.beta1*m[i] + (1-a.beta1)*g
			v[i] = a.beta2*v[i] + (1-a.beta2)*g*g
			mHat := m[i] / bc1
			vHat := v[i] / bc2
			data[i] -= a.lr * mHat / (float32(math.Sqrt(float64(vHat))) + a.eps)
		}
	}
}

// ZeroGrad clears gradients for all parameters.
func (a *Adam[B]) ZeroGrad() {
	for _, param := range a.params {
		param.ZeroGrad()
	}
}

// GetLR returns the current learning rate.
func (a *Adam[B]) GetLR() float32 {
	return a.lr
}

// SetLR updates the learning rate.
func (a *Adam[B]) SetLR(lr float32) {
	a.lr = lr
}

// GetTimestep returns the number of steps taken.
func (a *Adam[B]) GetTimestep() int {
	return a.t
}
