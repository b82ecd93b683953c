package cpu

import (
	"fmt"

	"github.com/born-ml/maskrcnn/internal/tensor"
)

// convGeometry holds the dimensions of one Conv2D call.
type convGeometry struct {
	N, CIn, H, W     int
	COut, KH, KW     int
	HOut, WOut       int
	stride, padding  int
	colRows, colCols int // im2col matrix: [CIn*KH*KW, HOut*WOut]
}

func newConvGeometry(op string, inputShape, kernelShape tensor.Shape, stride, padding int) convGeometry {
	if len(inputShape) != 4 {
		panic(fmt.Sprintf("%s: input must be 4D [N,C,H,W], got %dD", op, len(inputShape)))
	}
	if len(kernelShape) != 4 {
		panic(fmt.Sprintf("%s: kernel must be 4D [C_out,C_in,K_h,K_w], got %dD", op, len(kernelShape)))
	}
	if stride < 1 {
		panic(fmt.Sprintf("%s: stride must be >= 1, got %d", op, stride))
	}
	g := convGeometry{
		N: inputShape[0], CIn: inputShape[1], H: inputShape[2], W: inputShape[3],
		COut: kernelShape[0], KH: kernelShape[2], KW: kernelShape[3],
		stride: stride, padding: padding,
	}
	if kernelShape[1] != g.CIn {
		panic(fmt.Sprintf("%s: input channels %d != kernel channels %d", op, g.CIn, kernelShape[1]))
	}

	// out = (in + 2*padding - k) / stride + 1
	g.HOut = (g.H+2*padding-g.KH)/stride + 1
	g.WOut = (g.W+2*padding-g.KW)/stride + 1
	if g.HOut <= 0 || g.WOut <= 0 {
		panic(fmt.Sprintf("%s: invalid output dimensions: out_h=%d, out_w=%d for input %v kernel %v",
			op, g.HOut, g.WOut, inputShape, kernelShape))
	}
	g.colRows = g.CIn * g.KH * g.KW
	g.colCols = g.HOut * g.WOut
	return g
}

// Conv2D performs 2D convolution using the im2col algorithm.
//
// Input shape: [N, C_in, H, W]
// Kernel shape: [C_out, C_in, K_h, K_w]
// Output shape: [N, C_out, H_out, W_out]
//
// Per image:
//  1. Im2col: [C_in, H, W] -> col [C_in*K_h*K_w, H_out*W_out]
//  2. MatMul: kernel [C_out, C_in*K_h*K_w] @ col -> [C_out, H_out*W_out]
//
// The product is already in NCHW layout for that image.
func (cpu *CPUBackend) Conv2D(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g := newConvGeometry("conv2d", input.Shape(), kernel.Shape(), stride, padding)

	output := tensor.MustRaw("conv2d", tensor.Shape{g.N, g.COut, g.HOut, g.WOut}, cpu.device)
	inData := input.Data()
	kData := kernel.Data()
	outData := output.Data()

	col := make([]float32, g.colRows*g.colCols)
	imageSize := g.CIn * g.H * g.W
	outSize := g.COut * g.colCols
	for n := 0; n < g.N; n++ {
		im2col(col, inData[n*imageSize:(n+1)*imageSize], g)
		matmulInto(outData[n*outSize:(n+1)*outSize], kData, col, g.COut, g.colRows, g.colCols, cpu)
	}
	return output
}

// im2col unrolls one image [C, H, W] into col [C*KH*KW, HOut*WOut].
// Out-of-bounds (padding) positions are written as zero.
func im2col(col, img []float32, g convGeometry) {
	for c := 0; c < g.CIn; c++ {
		for kh := 0; kh < g.KH; kh++ {
			for kw := 0; kw < g.KW; kw++ {
				row := col[((c*g.KH+kh)*g.KW+kw)*g.colCols:]
				for oh := 0; oh < g.HOut; oh++ {
					h := oh*g.stride - g.padding + kh
					for ow := 0; ow < g.WOut; ow++ {
						w := ow*g.stride - g.padding + kw
						if h >= 0 && h < g.H && w >= 0 && w < g.W {
							row[oh*g.WOut+ow] = img[(c*g.H+h)*g.W+w]
						} else {
							row[oh*g.WOut+ow] = 0
						}
					}
				}
			}
		}
	}
}

// col2im is the adjoint of im2col: it scatter-adds col back into img.
func col2im(img, col []float32, g convGeometry) {
	for c := 0; c < g.CIn; c++ {
		for kh := 0; kh < g.KH; kh++ {
			for kw := 0; kw < g.KW; kw++ {
				row := col[((c*g.KH+kh)*g.KW+kw)*g.colCols:]
				for oh := 0; oh < g.HOut; oh++ {
					h := oh*g.stride - g.padding + kh
					if h < 0 || h >= g.H {
						continue
					}
					for ow := 0; ow < g.WOut; ow++ {
						w := ow*g.stride - g.padding + kw
						if w >= 0 && w < g.W {
							img[(c*g.H+h)*g.W+w] += row[oh*g.WOut+ow]
						}
					}
				}
			}
		}
	}
}
