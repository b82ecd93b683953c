package cpu

import (
	"math"

	"github.com/born-ml/maskrcnn/internal/tensor"
)

// unary applies f element-wise into a new tensor.
func (cpu *CPUBackend) unary(op string, x *tensor.RawTensor, f func(v float32) float32) *tensor.RawTensor {
	result := tensor.MustRaw(op, x.Shape(), cpu.device)
	out := result.Data()
	for i, v := range x.Data() {
		out[i] = f(v)
	}
	return result
}

// MulScalar multiplies every element by scalar.
func (cpu *CPUBackend) MulScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	return cpu.unary("mul_scalar", x, func(v float32) float32 { return v * scalar })
}

// AddScalar adds scalar to every element.
func (cpu *CPUBackend) AddScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	return cpu.unary("add_scalar", x, func(v float32) float32 { return v + scalar })
}

// Exp computes e^x element-wise.
func (cpu *CPUBackend) Exp(x *tensor.RawTensor) *tensor.RawTensor {
	return cpu.unary("exp", x, func(v float32) float32 { return float32(math.Exp(float64(v))) })
}

// Log computes the natural logarithm element-wise.
func (cpu *CPUBackend) Log(x *tensor.RawTensor) *tensor.RawTensor {
	return cpu.unary("log", x, func(v float32) float32 { return float32(math.Log(float64(v))) })
}

// Sqrt computes the square root element-wise.
func (cpu *CPUBackend) Sqrt(x *tensor.RawTensor) *tensor.RawTensor {
	return cpu.unary("sqrt", x, func(v float32) float32 { return float32(math.Sqrt(float64(v))) })
}

// Rsqrt computes 1/sqrt(x) element-wise.
func (cpu *CPUBackend) Rsqrt(x *tensor.RawTensor) *tensor.RawTensor {
	return cpu.unary("rsqrt", x, func(v float32) float32 { return float32(1 / math.Sqrt(float64(v))) })
}

// ReLU computes max(0, x) element-wise.
func (cpu *CPUBackend) ReLU(x *tensor.RawTensor) *tensor.RawTensor {
	return cpu.unary("relu", x, func(v float32) float32 {
		if v > 0 {
			return v
		}
		return 0
	})
}

// Sigmoid computes 1/(1+e^-x) element-wise in a numerically stable form.
func (cpu *CPUBackend) Sigmoid(x *tensor.RawTensor) *tensor.RawTensor {
	return cpu.unary("sigmoid", x, func(v float32) float32 {
		if v >= 0 {
			return float32(1 / (1 + math.Exp(-float64(v))))
		}
		e := math.Exp(float64(v))
		return float32(e / (1 + e))
	})
}

// Softmax normalizes along dim, subtracting the maximum for stability.
func (cpu *CPUBackend) Softmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	shape := x.Shape()
	dim = tensor.NormalizeDim("softmax", dim, len(shape))
	outer, size, inner := outerInner(shape, dim)

	result := tensor.MustRaw("softmax", shape, cpu.device)
	in := x.Data()
	out := result.Data()
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			base := o*size*inner + i
			maxVal := math.Inf(-1)
			for k := 0; k < size; k++ {
				maxVal = math.Max(maxVal, float64(in[base+k*inner]))
			}
			var sum float64
			for k := 0; k < size; k++ {
				e := math.Exp(float64(in[base+k*inner]) - maxVal)
				out[base+k*inner] = float32(e)
				sum += e
			}
			for k := 0; k < size; k++ {
				out[base+k*inner] = float32(float64(out[base+k*inner]) / sum)
			}
		}
	}
	return result
}
