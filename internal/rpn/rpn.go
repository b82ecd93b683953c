// Package rpn implements the region proposal network: a shared head that
// scores every anchor on every pyramid level, and the proposal layer that
// turns those scores into a short list of regions of interest.
package rpn

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/maskrcnn/internal/nn"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// Output holds the RPN predictions for every anchor of a batch, in anchor
// order (level → row → column → ratio).
type Output[B tensor.Backend] struct {
	Logits *tensor.Tensor[B] // [N, anchors, 2] background/foreground
	Probs  *tensor.Tensor[B] // [N, anchors, 2]
	Deltas *tensor.Tensor[B] // [N, anchors, 4] (dx, dy, dw, dh)
}

// Head is the RPN shared across pyramid levels.
type Head[B tensor.Backend] struct {
	shared  *nn.Conv2D[B]
	class   *nn.Conv2D[B]
	bbox    *nn.Conv2D[B]
	anchors int
}

// NewHead creates an RPN for inChannels-wide features with
// anchorsPerLocation anchors per cell.
func NewHead[B tensor.Backend](inChannels, sharedChannels, anchorsPerLocation, anchorStride int, rng *rand.Rand, backend B) *Head[B] {
	if anchorsPerLocation <= 0 {
		panic(fmt.Sprintf("rpn: invalid anchors per location %d", anchorsPerLocation))
	}
	h := &Head[B]{
		shared:  nn.NewConv2D(inChannels, sharedChannels, 3, anchorStride, nn.PadSame, true, rng, backend),
		class:   nn.NewConv2D(sharedChannels, 2*anchorsPerLocation, 1, 1, nn.PadValid, true, rng, backend),
		bbox:    nn.NewConv2D(sharedChannels, 4*anchorsPerLocation, 1, 1, nn.PadValid, true, rng, backend),
		anchors: anchorsPerLocation,
	}
	nn.Prefix("rpn.conv_shared", h.shared.Parameters())
	nn.Prefix("rpn.conv_class", h.class.Parameters())
	nn.Prefix("rpn.conv_bbox", h.bbox.Parameters())
	return h
}

// ForwardLevel scores one pyramid level and returns logits [N, H·W·A, 2]
// and deltas [N, H·W·A, 4].
//
// The conv outputs are permuted NCHW → NHWC before flattening, so anchor
// index (y·W + x)·A + a reads channel a·2+k of the class conv and a·4+k
// of the bbox conv.
func (h *Head[B]) ForwardLevel(p *tensor.Tensor[B]) (logits, deltas *tensor.Tensor[B]) {
	x := h.shared.Forward(p).ReLU()
	n := x.Shape()[0]
	logits = h.class.Forward(x).Transpose(0, 2, 3, 1).Reshape(n, -1, 2)
	deltas = h.bbox.Forward(x).Transpose(0, 2, 3, 1).Reshape(n, -1, 4)
	return logits, deltas
}

// Forward scores all pyramid levels and concatenates them in level order.
func (h *Head[B]) Forward(levels []*tensor.Tensor[B]) *Output[B] {
	logits := make([]*tensor.Tensor[B], len(levels))
	deltas := make([]*tensor.Tensor[B], len(levels))
	for i, p := range levels {
		logits[i], deltas[i] = h.ForwardLevel(p)
	}
	out := &Output[B]{
		Logits: tensor.Cat(logits, 1),
		Deltas: tensor.Cat(deltas, 1),
	}
	out.Probs = out.Logits.Softmax(2)
	return out
}

// Parameters returns the RPN parameters.
func (h *Head[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	params = append(params, h.shared.Parameters()...)
	params = append(params, h.class.Parameters()...)
	params = append(params, h.bbox.Parameters()...)
	return params
}

// AnchorsPerLocation returns A.
func (h *Head[B]) AnchorsPerLocation() int {
	return h.anchors
}
