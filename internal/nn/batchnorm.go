package nn

import (
	"fmt"
	"math"

	"github.com/born-ml/maskrcnn/internal/tensor"
)

// BatchNorm2D normalizes each channel of an NCHW tensor.
//
// In training mode the batch statistics over (N, H, W) are used and the
// running statistics are updated as
//
//	running = (1 - momentum) * running + momentum * batch
//
// In inference mode (the default) the running statistics are used, and the
// layer reduces to a per-channel affine transform.
type BatchNorm2D[B tensor.Backend] struct {
	channels int
	eps      float32
	momentum float32
	training bool

	gamma *Parameter[B] // [channels]
	beta  *Parameter[B] // [channels]

	runningMean []float32
	runningVar  []float32
	backend     B
}

// NewBatchNorm2D creates a batch normalization layer with gamma = 1, beta = 0,
// running mean 0 and running variance 1.
func NewBatchNorm2D[B tensor.Backend](channels int, eps, momentum float32, backend B) *BatchNorm2D[B] {
	if channels <= 0 {
		panic(fmt.Sprintf("batchnorm2d: invalid channels %d", channels))
	}
	runningVar := make([]float32, channels)
	for i := range runningVar {
		runningVar[i] = 1
	}
	return &BatchNorm2D[B]{
		channels:    channels,
		eps:         eps,
		momentum:    momentum,
		gamma:       NewParameter("gamma", Ones(tensor.Shape{channels}, backend)),
		beta:        NewParameter("beta", Zeros(tensor.Shape{channels}, backend)),
		runningMean: make([]float32, channels),
		runningVar:  runningVar,
		backend:     backend,
	}
}

// SetTraining switches between batch statistics and running statistics.
func (bn *BatchNorm2D[B]) SetTraining(training bool) {
	bn.training = training
}

// Training reports whether batch statistics are used.
func (bn *BatchNorm2D[B]) Training() bool {
	return bn.training
}

// Forward normalizes input [N, C, H, W].
func (bn *BatchNorm2D[B]) Forward(input *tensor.Tensor[B]) *tensor.Tensor[B] {
	shape := input.Shape()
	if len(shape) != 4 || shape[1] != bn.channels {
		panic(fmt.Sprintf("batchnorm2d: expected [N,%d,H,W], got %v", bn.channels, shape))
	}
	gamma := bn.gamma.Tensor().Reshape(1, bn.channels, 1, 1)
	beta := bn.beta.Tensor().Reshape(1, bn.channels, 1, 1)

	// A batch of one pixel per channel has no variance to estimate.
	if !bn.training || shape[0]*shape[2]*shape[3] < 2 {
		scale := make([]float32, bn.channels)
		shift := make([]float32, bn.channels)
		for c := range scale {
			scale[c] = float32(1 / math.Sqrt(float64(bn.runningVar[c]+bn.eps)))
			shift[c] = -bn.runningMean[c] * scale[c]
		}
		s := tensor.MustFromSlice(scale, tensor.Shape{1, bn.channels, 1, 1}, bn.backend)
		t := tensor.MustFromSlice(shift, tensor.Shape{1, bn.channels, 1, 1}, bn.backend)
		return input.Mul(s).Add(t).Mul(gamma).Add(beta)
	}

	mean := channelMean(input)
	centered := input.Sub(mean)
	variance := channelMean(centered.Mul(centered))
	normalized := centered.Mul(variance.AddScalar(bn.eps).Rsqrt())

	bn.updateRunning(mean.Data(), variance.Data(), shape[0]*shape[2]*shape[3])
	return normalized.Mul(gamma).Add(beta)
}

// channelMean averages over N, H and W keeping [1, C, 1, 1].
func channelMean[B tensor.Backend](x *tensor.Tensor[B]) *tensor.Tensor[B] {
	return x.MeanDim(0, true).MeanDim(2, true).MeanDim(3, true)
}

// updateRunning folds batch statistics into the running estimates. The
// running variance uses the unbiased estimator.
func (bn *BatchNorm2D[B]) updateRunning(mean, variance []float32, count int) {
	correction := float32(count) / float32(count-1)
	m := bn.momentum
	for c := 0; c < bn.channels; c++ {
		bn.runningMean[c] = (1-m)*bn.runningMean[c] + m*mean[c]
		bn.runningVar[c] = (1-m)*bn.runningVar[c] + m*variance[c]*correction
	}
}

// Parameters returns gamma and beta.
func (bn *BatchNorm2D[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{bn.gamma, bn.beta}
}

// RunningStats returns copies of the running mean and variance.
func (bn *BatchNorm2D[B]) RunningStats() (mean, variance []float32) {
	return append([]float32(nil), bn.runningMean...), append([]float32(nil), bn.runningVar...)
}

// SetRunningStats replaces the running statistics.
func (bn *BatchNorm2D[B]) SetRunningStats(mean, variance []float32) error {
	if len(mean) != bn.channels || len(variance) != bn.channels {
		return fmt.Errorf("batchnorm2d: expected %d statistics, got mean=%d var=%d", bn.channels, len(mean), len(variance))
	}
	copy(bn.runningMean, mean)
	copy(bn.runningVar, variance)
	return nil
}
