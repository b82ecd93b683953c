package cpu

import (
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// Sum reduces all elements to a scalar, accumulating in float64.
func (cpu *CPUBackend) Sum(x *tensor.RawTensor) *tensor.RawTensor {
	result := tensor.MustRaw("sum", tensor.Shape{}, cpu.device)
	var sum float64
	for _, v := range x.Data() {
		sum += float64(v)
	}
	result.Data()[0] = float32(sum)
	return result
}

// SumDim sums along dim. With keepDim the reduced dimension stays as 1.
func (cpu *CPUBackend) SumDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	return cpu.reduceDim("sum_dim", x, dim, keepDim, false)
}

// MeanDim averages along dim.
func (cpu *CPUBackend) MeanDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	return cpu.reduceDim("mean_dim", x, dim, keepDim, true)
}

func (cpu *CPUBackend) reduceDim(op string, x *tensor.RawTensor, dim int, keepDim, mean bool) *tensor.RawTensor {
	shape := x.Shape()
	dim = tensor.NormalizeDim(op, dim, len(shape))
	outer, size, inner := outerInner(shape, dim)

	outShape := make(tensor.Shape, 0, len(shape))
	for i, d := range shape {
		switch {
		case i != dim:
			outShape = append(outShape, d)
		case keepDim:
			outShape = append(outShape, 1)
		}
	}

	result := tensor.MustRaw(op, outShape, cpu.device)
	in := x.Data()
	out := result.Data()
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			var sum float64
			for k := 0; k < size; k++ {
				sum += float64(in[(o*size+k)*inner+i])
			}
			if mean && size > 0 {
				sum /= float64(size)
			}
			out[o*inner+i] = float32(sum)
		}
	}
	return result
}
