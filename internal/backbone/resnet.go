// Package backbone implements the ResNet bottleneck feature extractor that
// feeds the feature pyramid.
package backbone

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/born-ml/maskrcnn/internal/config"
	"github.com/born-ml/maskrcnn/internal/nn"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// expansion is the channel multiplier of a bottleneck's last 1×1 conv.
const expansion = 4

// Depths returns the number of bottleneck blocks per stage (C2..C5) for a
// supported architecture.
func Depths(architecture string) ([]int, error) {
	switch architecture {
	case config.ResNet50:
		return []int{3, 4, 6, 3}, nil
	case config.ResNet101:
		return []int{3, 4, 23, 3}, nil
	default:
		return nil, errors.Errorf("backbone: unknown architecture %q", architecture)
	}
}

// ResNet produces the C2..C5 feature maps at strides 4, 8, 16 and 32.
//
// Stage 1 is a 7×7 stride-2 convolution (padding 3), batch norm, ReLU and
// a SAME-padded 3×3 stride-2 max-pool. Each later stage is a stack of
// bottleneck blocks whose first block carries the stage stride.
type ResNet[B tensor.Backend] struct {
	conv1  *nn.Conv2D[B]
	bn1    *nn.BatchNorm2D[B]
	stages [][]*Bottleneck[B]
	// Output channels of C2..C5.
	channels []int
	trainBN  bool
}

// New builds the backbone described by cfg. Stage 5 is built only when
// cfg.Stage5 is set.
func New[B tensor.Backend](cfg *config.Config, rng *rand.Rand, backend B) (*ResNet[B], error) {
	depths, err := Depths(cfg.Backbone)
	if err != nil {
		return nil, err
	}
	if cfg.BackboneBaseChannels <= 0 {
		return nil, errors.Errorf("backbone: invalid base channels %d", cfg.BackboneBaseChannels)
	}

	base := cfg.BackboneBaseChannels
	r := &ResNet[B]{
		conv1:   nn.NewConv2D(3, base, 7, 2, nn.Pad(3), true, rng, backend),
		bn1:     nn.NewBatchNorm2D(base, cfg.BNEps, cfg.BNMomentum, backend),
		trainBN: cfg.TrainBN,
	}
	nn.Prefix("conv1", r.conv1.Parameters())
	nn.Prefix("bn_conv1", r.bn1.Parameters())

	numStages := 4
	if !cfg.Stage5 {
		numStages = 3
	}
	inplanes := base
	for s := 0; s < numStages; s++ {
		planes := base << s
		stride := 2
		if s == 0 {
			stride = 1
		}
		var blocks []*Bottleneck[B]
		for b := 0; b < depths[s]; b++ {
			blockStride := 1
			if b == 0 {
				blockStride = stride
			}
			blk := NewBottleneck(inplanes, planes, blockStride, cfg, rng, backend)
			nn.Prefix(fmt.Sprintf("res%d.%d", s+2, b), blk.Parameters())
			blocks = append(blocks, blk)
			inplanes = planes * expansion
		}
		r.stages = append(r.stages, blocks)
		r.channels = append(r.channels, inplanes)
	}
	return r, nil
}

// Forward returns [C2, C3, C4, C5] (C5 omitted without stage 5).
func (r *ResNet[B]) Forward(x *tensor.Tensor[B]) []*tensor.Tensor[B] {
	x = r.bn1.Forward(r.conv1.Forward(x)).ReLU()
	top, bottom := nn.SamePadding(x.Shape()[2], 3, 2)
	left, right := nn.SamePadding(x.Shape()[3], 3, 2)
	x = x.Pad2D(top, bottom, left, right).MaxPool2D(3, 2)

	outs := make([]*tensor.Tensor[B], 0, len(r.stages))
	for _, blocks := range r.stages {
		for _, blk := range blocks {
			x = blk.Forward(x)
		}
		outs = append(outs, x)
	}
	return outs
}

// OutChannels returns the channel count of each returned feature map.
func (r *ResNet[B]) OutChannels() []int {
	return append([]int(nil), r.channels...)
}

// Parameters returns all backbone parameters.
func (r *ResNet[B]) Parameters() []*nn.Parameter[B] {
	params := append(r.conv1.Parameters(), r.bn1.Parameters()...)
	for s := range r.stages {
		params = append(params, r.StageParameters(s+2)...)
	}
	return params
}

// StageParameters returns the parameters of stage 1..5. Stage 1 is the
// stem convolution.
func (r *ResNet[B]) StageParameters(stage int) []*nn.Parameter[B] {
	if stage == 1 {
		return append(r.conv1.Parameters(), r.bn1.Parameters()...)
	}
	if stage < 2 || stage-2 >= len(r.stages) {
		return nil
	}
	var params []*nn.Parameter[B]
	for _, blk := range r.stages[stage-2] {
		params = append(params, blk.Parameters()...)
	}
	return params
}

// SetTraining enables batch statistics in every normalization layer when
// the backbone was configured with TrainBN; otherwise the running
// statistics stay frozen.
func (r *ResNet[B]) SetTraining(training bool) {
	training = training && r.trainBN
	r.bn1.SetTraining(training)
	for _, blocks := range r.stages {
		for _, blk := range blocks {
			blk.SetTraining(training)
		}
	}
}

// Bottleneck is a residual block: 1×1 (stride) → 3×3 SAME → 1×1 ×4, each
// followed by batch norm, with a 1×1 projection shortcut when the shape
// changes.
type Bottleneck[B tensor.Backend] struct {
	conv1, conv2, conv3 *nn.Conv2D[B]
	bn1, bn2, bn3       *nn.BatchNorm2D[B]
	down                *nn.Conv2D[B]
	downBN              *nn.BatchNorm2D[B]
}

// NewBottleneck creates a block mapping inplanes to planes*4 channels.
func NewBottleneck[B tensor.Backend](inplanes, planes, stride int, cfg *config.Config, rng *rand.Rand, backend B) *Bottleneck[B] {
	eps, mom := cfg.BNEps, cfg.BNMomentum
	b := &Bottleneck[B]{
		conv1: nn.NewConv2D(inplanes, planes, 1, stride, nn.PadValid, true, rng, backend),
		bn1:   nn.NewBatchNorm2D(planes, eps, mom, backend),
		conv2: nn.NewConv2D(planes, planes, 3, 1, nn.PadSame, true, rng, backend),
		bn2:   nn.NewBatchNorm2D(planes, eps, mom, backend),
		conv3: nn.NewConv2D(planes, planes*expansion, 1, 1, nn.PadValid, true, rng, backend),
		bn3:   nn.NewBatchNorm2D(planes*expansion, eps, mom, backend),
	}
	nn.Prefix("conv1", b.conv1.Parameters())
	nn.Prefix("bn1", b.bn1.Parameters())
	nn.Prefix("conv2", b.conv2.Parameters())
	nn.Prefix("bn2", b.bn2.Parameters())
	nn.Prefix("conv3", b.conv3.Parameters())
	nn.Prefix("bn3", b.bn3.Parameters())
	if stride != 1 || inplanes != planes*expansion {
		b.down = nn.NewConv2D(inplanes, planes*expansion, 1, stride, nn.PadValid, true, rng, backend)
		b.downBN = nn.NewBatchNorm2D(planes*expansion, eps, mom, backend)
		nn.Prefix("shortcut", b.down.Parameters())
		nn.Prefix("shortcut_bn", b.downBN.Parameters())
	}
	return b
}

// Forward applies the block.
func (b *Bottleneck[B]) Forward(x *tensor.Tensor[B]) *tensor.Tensor[B] {
	out := b.bn1.Forward(b.conv1.Forward(x)).ReLU()
	out = b.bn2.Forward(b.conv2.Forward(out)).ReLU()
	out = b.bn3.Forward(b.conv3.Forward(out))

	residual := x
	if b.down != nil {
		residual = b.downBN.Forward(b.down.Forward(x))
	}
	return out.Add(residual).ReLU()
}

// HasShortcut reports whether the block uses a projection shortcut.
func (b *Bottleneck[B]) HasShortcut() bool {
	return b.down != nil
}

// Parameters returns the block's parameters.
func (b *Bottleneck[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	for _, m := range []nn.Module[B]{b.conv1, b.bn1, b.conv2, b.bn2, b.conv3, b.bn3} {
		params = append(params, m.Parameters()...)
	}
	if b.down != nil {
		params = append(params, b.down.Parameters()...)
		params = append(params, b.downBN.Parameters()...)
	}
	return params
}

// SetTraining switches the block's normalization layers.
func (b *Bottleneck[B]) SetTraining(training bool) {
	for _, bn := range []*nn.BatchNorm2D[B]{b.bn1, b.bn2, b.bn3, b.downBN} {
		if bn != nil {
			bn.SetTraining(training)
		}
	}
}
