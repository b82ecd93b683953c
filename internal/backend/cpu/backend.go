// Package cpu implements the CPU backend: pure Go loops, parallelised over
// independent output slices with internal/parallel.
package cpu

import (
	"fmt"

	"github.com/born-ml/maskrcnn/internal/parallel"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// CPUBackend implements tensor operations on CPU.
type CPUBackend struct {
	device tensor.Device
	par    parallel.Config
}

// New creates a new CPU backend using all available cores.
func New() *CPUBackend {
	return &CPUBackend{
		device: tensor.CPU,
		par:    parallel.DefaultConfig(),
	}
}

// NewWithConfig creates a CPU backend with explicit parallelism settings.
func NewWithConfig(cfg parallel.Config) *CPUBackend {
	return &CPUBackend{
		device: tensor.CPU,
		par:    cfg,
	}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Device returns the compute device.
func (cpu *CPUBackend) Device() tensor.Device {
	return cpu.device
}

// Add performs element-wise addition with NumPy-style broadcasting.
func (cpu *CPUBackend) Add(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("add", a, b, func(x, y float32) float32 { return x + y })
}

// Sub performs element-wise subtraction with broadcasting.
func (cpu *CPUBackend) Sub(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("sub", a, b, func(x, y float32) float32 { return x - y })
}

// Mul performs element-wise multiplication with broadcasting.
func (cpu *CPUBackend) Mul(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("mul", a, b, func(x, y float32) float32 { return x * y })
}

// Div performs element-wise division with broadcasting.
func (cpu *CPUBackend) Div(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("div", a, b, func(x, y float32) float32 { return x / y })
}

// binary applies f element-wise, broadcasting a and b to a common shape.
func (cpu *CPUBackend) binary(op string, a, b *tensor.RawTensor, f func(x, y float32) float32) *tensor.RawTensor {
	outShape, needsBroadcast, err := tensor.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		panic(fmt.Sprintf("%s: %v", op, err))
	}

	result := tensor.MustRaw(op, outShape, cpu.device)
	out := result.Data()
	aData := a.Data()
	bData := b.Data()

	if !needsBroadcast {
		for i := range out {
			out[i] = f(aData[i], bData[i])
		}
		return result
	}

	aStrides := broadcastStrides(a.Shape(), outShape)
	bStrides := broadcastStrides(b.Shape(), outShape)
	rank := len(outShape)
	idx := make([]int, rank)
	aOff, bOff := 0, 0
	for i := range out {
		out[i] = f(aData[aOff], bData[bOff])

		// Advance the multi-index like an odometer, keeping offsets in sync.
		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			aOff += aStrides[d]
			bOff += bStrides[d]
			if idx[d] < outShape[d] {
				break
			}
			aOff -= aStrides[d] * outShape[d]
			bOff -= bStrides[d] * outShape[d]
			idx[d] = 0
		}
	}
	return result
}

// broadcastStrides returns strides of shape aligned to out, with 0 for
// broadcast dimensions.
func broadcastStrides(shape, out tensor.Shape) []int {
	strides := make([]int, len(out))
	src := shape.ComputeStrides()
	offset := len(out) - len(shape)
	for i := range shape {
		if shape[i] != 1 {
			strides[offset+i] = src[i]
		}
	}
	return strides
}
