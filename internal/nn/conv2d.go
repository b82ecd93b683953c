package nn

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/maskrcnn/internal/tensor"
)

// Padding selects how a convolution pads its input.
type Padding struct {
	same bool
	n    int
}

// PadSame is TF-style "same" padding: the output is ceil(in/stride) and the
// padding may be asymmetric, with the extra pixel on the bottom/right.
var PadSame = Padding{same: true}

// PadValid applies no padding.
var PadValid = Padding{}

// Pad returns a fixed symmetric padding of n pixels per side.
func Pad(n int) Padding {
	return Padding{n: n}
}

// String returns "same" or the symmetric pixel count.
func (p Padding) String() string {
	if p.same {
		return "same"
	}
	return fmt.Sprintf("%d", p.n)
}

// SamePadding returns the (before, after) padding along one axis so that a
// kernel of size k with the given stride produces ceil(in/stride) outputs.
//
//	out       = ceil(in / stride)
//	total     = max((out-1)*stride + k - in, 0)
//	before    = total / 2
//	after     = total - before
func SamePadding(in, k, stride int) (before, after int) {
	out := (in + stride - 1) / stride
	total := max((out-1)*stride+k-in, 0)
	before = total / 2
	return before, total - before
}

// Conv2D is a 2D convolutional layer.
//
// Performs convolution: output = Conv2D(input, weight) + bias
//
// Input shape:  [batch, in_channels, height, width]
// Weight shape: [out_channels, in_channels, kernel, kernel]
// Bias shape:   [out_channels]
// Output shape: [batch, out_channels, out_h, out_w]
//
// With PadSame the input is zero-padded explicitly (asymmetrically when
// needed) before a padding-0 convolution, so out = ceil(in/stride).
type Conv2D[B tensor.Backend] struct {
	inChannels  int
	outChannels int
	kernelSize  int
	stride      int
	padding     Padding

	weight *Parameter[B] // [out_channels, in_channels, k, k]
	bias   *Parameter[B] // [out_channels] or nil
}

// NewConv2D creates a new square-kernel 2D convolution with Kaiming
// initialization and zero bias.
func NewConv2D[B tensor.Backend](
	inChannels, outChannels int,
	kernelSize, stride int,
	padding Padding,
	useBias bool,
	rng *rand.Rand,
	backend B,
) *Conv2D[B] {
	if inChannels <= 0 || outChannels <= 0 {
		panic(fmt.Sprintf("conv2d: invalid channels in=%d, out=%d", inChannels, outChannels))
	}
	if kernelSize <= 0 {
		panic(fmt.Sprintf("conv2d: invalid kernel size %d", kernelSize))
	}
	if stride <= 0 {
		panic(fmt.Sprintf("conv2d: invalid stride %d", stride))
	}
	if padding.n < 0 {
		panic(fmt.Sprintf("conv2d: invalid padding %d", padding.n))
	}

	fanIn := inChannels * kernelSize * kernelSize
	weight := Kaiming(fanIn, tensor.Shape{outChannels, inChannels, kernelSize, kernelSize}, rng, backend)

	c := &Conv2D[B]{
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernelSize,
		stride:      stride,
		padding:     padding,
		weight:      NewParameter("weight", weight),
	}
	if useBias {
		c.bias = NewParameter("bias", Zeros(tensor.Shape{outChannels}, backend))
	}
	return c
}

// Forward performs the convolution.
func (c *Conv2D[B]) Forward(input *tensor.Tensor[B]) *tensor.Tensor[B] {
	inputShape := input.Shape()
	if len(inputShape) != 4 {
		panic(fmt.Sprintf("conv2d: expected 4D input [N,C,H,W], got %dD", len(inputShape)))
	}
	if inputShape[1] != c.inChannels {
		panic(fmt.Sprintf("conv2d: input channels %d != expected %d", inputShape[1], c.inChannels))
	}

	x := input
	pad := c.padding.n
	if c.padding.same {
		top, bottom := SamePadding(inputShape[2], c.kernelSize, c.stride)
		left, right := SamePadding(inputShape[3], c.kernelSize, c.stride)
		if top+bottom+left+right > 0 {
			x = x.Pad2D(top, bottom, left, right)
		}
		pad = 0
	}

	output := x.Conv2D(c.weight.Tensor(), c.stride, pad)
	if c.bias != nil {
		output = output.Add(c.bias.Tensor().Reshape(1, c.outChannels, 1, 1))
	}
	return output
}

// Parameters returns the weight and, if present, the bias.
func (c *Conv2D[B]) Parameters() []*Parameter[B] {
	if c.bias != nil {
		return []*Parameter[B]{c.weight, c.bias}
	}
	return []*Parameter[B]{c.weight}
}

// Weight returns the kernel parameter.
func (c *Conv2D[B]) Weight() *Parameter[B] {
	return c.weight
}

// Bias returns the bias parameter or nil.
func (c *Conv2D[B]) Bias() *Parameter[B] {
	return c.bias
}

// String returns a string representation of the layer.
func (c *Conv2D[B]) String() string {
	return fmt.Sprintf("Conv2D(in_channels=%d, out_channels=%d, kernel_size=%d, stride=%d, padding=%s, bias=%v)",
		c.inChannels, c.outChannels, c.kernelSize, c.stride, c.padding, c.bias != nil)
}

// OutChannels returns the number of output channels.
func (c *Conv2D[B]) OutChannels() int {
	return c.outChannels
}

// InChannels returns the number of input channels.
func (c *Conv2D[B]) InChannels() int {
	return c.inChannels
}

// ConvTranspose2D is a transposed convolution whose kernel equals its
// stride (the 2×2, stride-2 "deconvolution" of the mask head).
//
// With kernel == stride the output windows do not overlap, so
//
//	out[n, o, s*i+a, s*j+b] = Σ_c in[n, c, i, j] · W[c, o, a, b] + bias[o]
//
// which is computed as a 1×1 convolution to out·s·s channels followed by
// a pixel shuffle (reshape and transpose).
type ConvTranspose2D[B tensor.Backend] struct {
	inChannels  int
	outChannels int
	stride      int

	weight *Parameter[B] // [out_channels*stride*stride, in_channels, 1, 1]
	bias   *Parameter[B] // [out_channels]
}

// NewConvTranspose2D creates a transposed convolution with kernel = stride.
func NewConvTranspose2D[B tensor.Backend](inChannels, outChannels, stride int, rng *rand.Rand, backend B) *ConvTranspose2D[B] {
	if inChannels <= 0 || outChannels <= 0 || stride <= 0 {
		panic(fmt.Sprintf("conv_transpose2d: invalid in=%d out=%d stride=%d", inChannels, outChannels, stride))
	}
	s2 := stride * stride
	weight := Kaiming(inChannels, tensor.Shape{outChannels * s2, inChannels, 1, 1}, rng, backend)
	return &ConvTranspose2D[B]{
		inChannels:  inChannels,
		outChannels: outChannels,
		stride:      stride,
		weight:      NewParameter("weight", weight),
		bias:        NewParameter("bias", Zeros(tensor.Shape{outChannels}, backend)),
	}
}

// Forward upsamples [N, C, H, W] to [N, O, H*s, W*s].
func (d *ConvTranspose2D[B]) Forward(input *tensor.Tensor[B]) *tensor.Tensor[B] {
	shape := input.Shape()
	if len(shape) != 4 || shape[1] != d.inChannels {
		panic(fmt.Sprintf("conv_transpose2d: expected [N,%d,H,W], got %v", d.inChannels, shape))
	}
	n, h, w, s, o := shape[0], shape[2], shape[3], d.stride, d.outChannels

	y := input.Conv2D(d.weight.Tensor(), 1, 0) // [N, O*s*s, H, W]
	y = y.Reshape(n, o, s, s, h, w).
		Transpose(0, 1, 4, 2, 5, 3). // [N, O, H, s, W, s]
		Reshape(n, o, h*s, w*s)
	return y.Add(d.bias.Tensor().Reshape(1, o, 1, 1))
}

// Parameters returns the weight and bias.
func (d *ConvTranspose2D[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{d.weight, d.bias}
}
