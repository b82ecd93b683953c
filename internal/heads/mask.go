package heads

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/maskrcnn/internal/config"
	"github.com/born-ml/maskrcnn/internal/nn"
	"github.com/born-ml/maskrcnn/internal/roialign"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// maskConvLayers is the number of 3×3 conv blocks before the upsampling.
const maskConvLayers = 4

// MaskOutput holds per-RoI, per-class mask predictions.
type MaskOutput[B tensor.Backend] struct {
	Logits *tensor.Tensor[B] // [R, K, 2P, 2P]
	Probs  *tensor.Tensor[B] // sigmoid(Logits)
}

// Mask predicts an independent binary mask for every class of every RoI.
//
//	align(P) → 4 × (conv 3×3 SAME → BN → ReLU) → deconv 2×2/2 → ReLU
//	         → conv 1×1 (K) → sigmoid
type Mask[B tensor.Backend] struct {
	convs  []*nn.Conv2D[B]
	bns    []*nn.BatchNorm2D[B]
	deconv *nn.ConvTranspose2D[B]
	out    *nn.Conv2D[B]

	poolSize   int
	numClasses int
	height     int
	width      int
	trainBN    bool
}

// NewMask creates the mask head for depth-channel pyramid features.
func NewMask[B tensor.Backend](cfg *config.Config, depth int, rng *rand.Rand, backend B) *Mask[B] {
	ch := cfg.MaskHeadChannels
	m := &Mask[B]{
		poolSize:   cfg.MaskPoolSize,
		numClasses: cfg.NumClasses,
		height:     cfg.ImageHeight,
		width:      cfg.ImageWidth,
		trainBN:    cfg.TrainBN,
	}
	in := depth
	for i := 0; i < maskConvLayers; i++ {
		conv := nn.NewConv2D(in, ch, 3, 1, nn.PadSame, true, rng, backend)
		bn := nn.NewBatchNorm2D(ch, cfg.BNEps, cfg.BNMomentum, backend)
		nn.Prefix(fmt.Sprintf("mrcnn_mask_conv%d", i+1), conv.Parameters())
		nn.Prefix(fmt.Sprintf("mrcnn_mask_bn%d", i+1), bn.Parameters())
		m.convs = append(m.convs, conv)
		m.bns = append(m.bns, bn)
		in = ch
	}
	m.deconv = nn.NewConvTranspose2D(ch, ch, 2, rng, backend)
	m.out = nn.NewConv2D(ch, cfg.NumClasses, 1, 1, nn.PadValid, true, rng, backend)
	nn.Prefix("mrcnn_mask_deconv", m.deconv.Parameters())
	nn.Prefix("mrcnn_mask", m.out.Parameters())
	return m
}

// Forward runs the mask head on the given RoIs.
func (m *Mask[B]) Forward(features []*tensor.Tensor[B], rois RoIs) *MaskOutput[B] {
	if rois.Len() == 0 {
		s := 2 * m.poolSize
		z := tensor.Zeros(tensor.Shape{0, m.numClasses, s, s}, features[0].Backend())
		return &MaskOutput[B]{Logits: z, Probs: z}
	}
	x := roialign.Align(features, rois.Boxes, rois.ImageIndex, m.poolSize, m.height, m.width)
	for i := range m.convs {
		x = m.bns[i].Forward(m.convs[i].Forward(x)).ReLU()
	}
	x = m.deconv.Forward(x).ReLU()
	logits := m.out.Forward(x)
	return &MaskOutput[B]{Logits: logits, Probs: logits.Sigmoid()}
}

// Parameters returns the head parameters.
func (m *Mask[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	for i := range m.convs {
		params = append(params, m.convs[i].Parameters()...)
		params = append(params, m.bns[i].Parameters()...)
	}
	params = append(params, m.deconv.Parameters()...)
	params = append(params, m.out.Parameters()...)
	return params
}

// SetTraining switches batch norm to batch statistics when TrainBN is set.
func (m *Mask[B]) SetTraining(training bool) {
	for _, bn := range m.bns {
		bn.SetTraining(training && m.trainBN)
	}
}
