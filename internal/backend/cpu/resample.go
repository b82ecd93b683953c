package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/maskrcnn/internal/tensor"
)

// Pad2D zero-pads the spatial dimensions of an NCHW tensor.
// Padding may differ per side, which is what TF-style "same" padding needs.
func (cpu *CPUBackend) Pad2D(x *tensor.RawTensor, top, bottom, left, right int) *tensor.RawTensor {
	shape := x.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("pad2d: input must be 4D [N,C,H,W], got %dD", len(shape)))
	}
	if top < 0 || bottom < 0 || left < 0 || right < 0 {
		panic(fmt.Sprintf("pad2d: negative padding (%d, %d, %d, %d)", top, bottom, left, right))
	}
	N, C, H, W := shape[0], shape[1], shape[2], shape[3]
	HOut, WOut := H+top+bottom, W+left+right

	result := tensor.MustRaw("pad2d", tensor.Shape{N, C, HOut, WOut}, cpu.device)
	in := x.Data()
	out := result.Data()
	for nc := 0; nc < N*C; nc++ {
		for h := 0; h < H; h++ {
			src := in[(nc*H+h)*W : (nc*H+h+1)*W]
			dst := out[(nc*HOut+h+top)*WOut+left:]
			copy(dst[:W], src)
		}
	}
	return result
}

// Upsample2D performs nearest-neighbour upsampling by an integer factor.
func (cpu *CPUBackend) Upsample2D(x *tensor.RawTensor, factor int) *tensor.RawTensor {
	shape := x.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("upsample2d: input must be 4D [N,C,H,W], got %dD", len(shape)))
	}
	if factor < 1 {
		panic(fmt.Sprintf("upsample2d: factor must be >= 1, got %d", factor))
	}
	N, C, H, W := shape[0], shape[1], shape[2], shape[3]
	HOut, WOut := H*factor, W*factor

	result := tensor.MustRaw("upsample2d", tensor.Shape{N, C, HOut, WOut}, cpu.device)
	in := x.Data()
	out := result.Data()
	for nc := 0; nc < N*C; nc++ {
		for oh := 0; oh < HOut; oh++ {
			src := in[(nc*H+oh/factor)*W:]
			dst := out[(nc*HOut+oh)*WOut:]
			for ow := 0; ow < WOut; ow++ {
				dst[ow] = src[ow/factor]
			}
		}
	}
	return result
}

// Upsample2DBackward sums each factor×factor block of grad.
func (cpu *CPUBackend) Upsample2DBackward(grad *tensor.RawTensor, factor int) *tensor.RawTensor {
	shape := grad.Shape()
	N, C, HOut, WOut := shape[0], shape[1], shape[2], shape[3]
	H, W := HOut/factor, WOut/factor

	result := tensor.MustRaw("upsample2d backward", tensor.Shape{N, C, H, W}, cpu.device)
	g := grad.Data()
	out := result.Data()
	for nc := 0; nc < N*C; nc++ {
		for oh := 0; oh < HOut; oh++ {
			src := g[(nc*HOut+oh)*WOut:]
			dst := out[(nc*H+oh/factor)*W:]
			for ow := 0; ow < WOut; ow++ {
				dst[ow/factor] += src[ow]
			}
		}
	}
	return result
}

// cropSample is one bilinear sample position along an axis.
type cropSample struct {
	lo, hi int
	frac   float32
	valid  bool
}

// cropAxis returns the sample positions along one axis of length size for a
// normalized interval [a, b] sampled at n points. Sample i lies at
// a*(size-1) + i*(b-a)*(size-1)/(n-1), or the interval centre when n == 1.
func cropAxis(a, b float32, size, n int) []cropSample {
	samples := make([]cropSample, n)
	scale := float32(size - 1)
	for i := range samples {
		var pos float32
		if n > 1 {
			pos = a*scale + float32(i)*(b-a)*scale/float32(n-1)
		} else {
			pos = 0.5 * (a + b) * scale
		}
		if pos < 0 || pos > scale {
			continue
		}
		lo := int(math.Floor(float64(pos)))
		hi := int(math.Ceil(float64(pos)))
		samples[i] = cropSample{lo: lo, hi: hi, frac: pos - float32(lo), valid: true}
	}
	return samples
}

func (cpu *CPUBackend) checkCrop(op string, featureShape tensor.Shape, boxes *tensor.RawTensor, boxIndices []int) {
	if len(featureShape) != 4 {
		panic(fmt.Sprintf("%s: features must be 4D [N,C,H,W], got %dD", op, len(featureShape)))
	}
	bs := boxes.Shape()
	if len(bs) != 2 || bs[1] != 4 {
		panic(fmt.Sprintf("%s: boxes must be [R, 4], got %v", op, bs))
	}
	if len(boxIndices) != bs[0] {
		panic(fmt.Sprintf("%s: %d box indices for %d boxes", op, len(boxIndices), bs[0]))
	}
	for _, b := range boxIndices {
		if b < 0 || b >= featureShape[0] {
			panic(fmt.Sprintf("%s: box index %d out of range for batch %d", op, b, featureShape[0]))
		}
	}
}

// CropAndResize bilinearly resamples a cropH×cropW grid from each box.
//
// Boxes hold normalized (x1, y1, x2, y2). Samples that fall outside the
// feature map read 0.
func (cpu *CPUBackend) CropAndResize(features, boxes *tensor.RawTensor, boxIndices []int, cropH, cropW int) *tensor.RawTensor {
	fs := features.Shape()
	cpu.checkCrop("crop_and_resize", fs, boxes, boxIndices)
	if cropH < 1 || cropW < 1 {
		panic(fmt.Sprintf("crop_and_resize: crop size must be positive, got %dx%d", cropH, cropW))
	}
	C, H, W := fs[1], fs[2], fs[3]
	R := len(boxIndices)

	result := tensor.MustRaw("crop_and_resize", tensor.Shape{R, C, cropH, cropW}, cpu.device)
	feat := features.Data()
	bx := boxes.Data()
	out := result.Data()

	cpu.forRows(R, func(r int) {
		x1, y1, x2, y2 := bx[r*4], bx[r*4+1], bx[r*4+2], bx[r*4+3]
		ys := cropAxis(y1, y2, H, cropH)
		xs := cropAxis(x1, x2, W, cropW)
		img := feat[boxIndices[r]*C*H*W:]
		for c := 0; c < C; c++ {
			plane := img[c*H*W:]
			dst := out[((r*C+c)*cropH)*cropW:]
			for i, sy := range ys {
				if !sy.valid {
					continue
				}
				for j, sx := range xs {
					if !sx.valid {
						continue
					}
					tl := plane[sy.lo*W+sx.lo]
					tr := plane[sy.lo*W+sx.hi]
					bl := plane[sy.hi*W+sx.lo]
					br := plane[sy.hi*W+sx.hi]
					top := tl + (tr-tl)*sx.frac
					bottom := bl + (br-bl)*sx.frac
					dst[i*cropW+j] = top + (bottom-top)*sy.frac
				}
			}
		}
	})
	return result
}

// CropAndResizeBackward scatters grad [R, C, cropH, cropW] back onto a
// zero tensor of featureShape using the forward bilinear weights.
func (cpu *CPUBackend) CropAndResizeBackward(grad, boxes *tensor.RawTensor, boxIndices []int, featureShape tensor.Shape) *tensor.RawTensor {
	cpu.checkCrop("crop_and_resize backward", featureShape, boxes, boxIndices)
	gs := grad.Shape()
	C, H, W := featureShape[1], featureShape[2], featureShape[3]
	cropH, cropW := gs[2], gs[3]

	result := tensor.MustRaw("crop_and_resize backward", featureShape, cpu.device)
	g := grad.Data()
	bx := boxes.Data()
	out := result.Data()

	// Boxes of the same image write overlapping regions, so this loop stays serial.
	for r := range boxIndices {
		x1, y1, x2, y2 := bx[r*4], bx[r*4+1], bx[r*4+2], bx[r*4+3]
		ys := cropAxis(y1, y2, H, cropH)
		xs := cropAxis(x1, x2, W, cropW)
		img := out[boxIndices[r]*C*H*W:]
		for c := 0; c < C; c++ {
			plane := img[c*H*W:]
			src := g[((r*C+c)*cropH)*cropW:]
			for i, sy := range ys {
				if !sy.valid {
					continue
				}
				for j, sx := range xs {
					if !sx.valid {
						continue
					}
					v := src[i*cropW+j]
					top := v * (1 - sy.frac)
					bottom := v * sy.frac
					plane[sy.lo*W+sx.lo] += top * (1 - sx.frac)
					plane[sy.lo*W+sx.hi] += top * sx.frac
					plane[sy.hi*W+sx.lo] += bottom * (1 - sx.frac)
					plane[sy.hi*W+sx.hi] += bottom * sx.frac
				}
			}
		}
	}
	return result
}
