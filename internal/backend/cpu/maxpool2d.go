package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/maskrcnn/internal/tensor"
)

// MaxPool2D performs 2D max pooling over square windows without padding.
//
// Input shape: [N, C, H, W]
// Output shape: [N, C, (H-k)/stride+1, (W-k)/stride+1]
//
// A kernel of 1 with stride 2 is a plain subsample, which is how the extra
// coarsest pyramid level is produced.
func (cpu *CPUBackend) MaxPool2D(input *tensor.RawTensor, kernelSize, stride int) *tensor.RawTensor {
	shape := input.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("maxpool2d: input must be 4D [N,C,H,W], got %dD", len(shape)))
	}
	if kernelSize < 1 || stride < 1 {
		panic(fmt.Sprintf("maxpool2d: kernel %d and stride %d must be >= 1", kernelSize, stride))
	}
	N, C, H, W := shape[0], shape[1], shape[2], shape[3]
	HOut := (H-kernelSize)/stride + 1
	WOut := (W-kernelSize)/stride + 1
	if HOut <= 0 || WOut <= 0 {
		panic(fmt.Sprintf("maxpool2d: invalid output dimensions: out_h=%d, out_w=%d for input %v", HOut, WOut, shape))
	}

	output := tensor.MustRaw("maxpool2d", tensor.Shape{N, C, HOut, WOut}, cpu.device)
	in := input.Data()
	out := output.Data()

	cpu.forRows(N*C, func(nc int) {
		plane := in[nc*H*W : (nc+1)*H*W]
		dst := out[nc*HOut*WOut : (nc+1)*HOut*WOut]
		for oh := 0; oh < HOut; oh++ {
			for ow := 0; ow < WOut; ow++ {
				best := float32(math.Inf(-1))
				for kh := 0; kh < kernelSize; kh++ {
					rowOff := (oh*stride + kh) * W
					for kw := 0; kw < kernelSize; kw++ {
						if v := plane[rowOff+ow*stride+kw]; v > best {
							best = v
						}
					}
				}
				dst[oh*WOut+ow] = best
			}
		}
	})
	return output
}

// MaxPool2DBackward routes each output gradient to the input position that
// held the window maximum. maxIndices holds flat input offsets, one per
// output element.
func (cpu *CPUBackend) MaxPool2DBackward(input, grad *tensor.RawTensor, maxIndices []int, _, _ int) *tensor.RawTensor {
	inputGrad := tensor.MustRaw("maxpool2d backward", input.Shape(), cpu.device)
	gradData := grad.Data()
	igData := inputGrad.Data()
	if len(maxIndices) != len(gradData) {
		panic(fmt.Sprintf("maxpool2d backward: %d max indices for %d gradients", len(maxIndices), len(gradData)))
	}
	for i, g := range gradData {
		igData[maxIndices[i]] += g
	}
	return inputGrad
}
