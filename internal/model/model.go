// Package model wires the backbone, feature pyramid, RPN and heads into
// the complete Mask R-CNN network.
package model

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/maskrcnn/internal/anchor"
	"github.com/born-ml/maskrcnn/internal/backbone"
	"github.com/born-ml/maskrcnn/internal/box"
	"github.com/born-ml/maskrcnn/internal/config"
	"github.com/born-ml/maskrcnn/internal/fpn"
	"github.com/born-ml/maskrcnn/internal/heads"
	"github.com/born-ml/maskrcnn/internal/nn"
	"github.com/born-ml/maskrcnn/internal/rpn"
	"github.com/born-ml/maskrcnn/internal/targets"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// MaskRCNN is the two-stage instance segmentation network.
//
// Architecture:
//
//	images [N, 3, H, W]
//	  → ResNet          C2..C5
//	  → FPN             P2..P6
//	  → RPN             per-anchor objectness and deltas
//	  → proposal layer  normalized RoIs
//	  → classifier      class logits, per-class deltas   (RoI align on P2..P5)
//	  → mask head       per-class 2P×2P masks            (RoI align on P2..P5)
type MaskRCNN[B tensor.Backend] struct {
	cfg        *config.Config
	backbone   *backbone.ResNet[B]
	fpn        *fpn.FPN[B]
	rpn        *rpn.Head[B]
	proposals  *rpn.ProposalLayer
	classifier *heads.Classifier[B]
	mask       *heads.Mask[B]
	anchors    *anchor.Generator
	sampler    *targets.Sampler
	backend    B
}

// New builds the network. Configuration errors (unknown backbone, input
// sizes the pyramid cannot fuse) are returned here, never at run time.
func New[B tensor.Backend](cfg *config.Config, rng *rand.Rand, backend B) (*MaskRCNN[B], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := fpn.CheckShapes(cfg.FeatureShapes()[:4]); err != nil {
		return nil, errors.Wrap(err, "model")
	}

	bb, err := backbone.New(cfg, rng, backend)
	if err != nil {
		return nil, errors.Wrap(err, "model")
	}
	pyramid, err := fpn.New(bb.OutChannels(), cfg.PyramidChannels, rng, backend)
	if err != nil {
		return nil, errors.Wrap(err, "model")
	}

	m := &MaskRCNN[B]{
		cfg:        cfg,
		backbone:   bb,
		fpn:        pyramid,
		rpn:        rpn.NewHead(cfg.PyramidChannels, cfg.RPNSharedChannels, cfg.AnchorsPerLocation(), cfg.RPNAnchorStride, rng, backend),
		proposals:  rpn.NewProposalLayer(cfg),
		classifier: heads.NewClassifier(cfg, cfg.PyramidChannels, rng, backend),
		mask:       heads.NewMask(cfg, cfg.PyramidChannels, rng, backend),
		anchors:    anchor.NewGenerator(cfg),
		sampler:    targets.NewSampler(cfg, computeBackend(backend)),
		backend:    backend,
	}
	if err := m.SetTrainableLayers(LayersAll); err != nil {
		return nil, err
	}
	return m, nil
}

// Config returns the model configuration.
func (m *MaskRCNN[B]) Config() *config.Config {
	return m.cfg
}

// Backend returns the compute backend.
func (m *MaskRCNN[B]) Backend() B {
	return m.backend
}

// Anchors returns the anchors of the configured input size.
func (m *MaskRCNN[B]) Anchors() []box.Box {
	return m.anchors.Anchors(m.cfg.ImageHeight, m.cfg.ImageWidth)
}

// Features runs the backbone and pyramid and returns P2..P6.
func (m *MaskRCNN[B]) Features(images *tensor.Tensor[B]) []*tensor.Tensor[B] {
	s := images.Shape()
	if len(s) != 4 || s[1] != 3 || s[2] != m.cfg.ImageHeight || s[3] != m.cfg.ImageWidth {
		panic(fmt.Sprintf("model: expected images [N, 3, %d, %d], got %v", m.cfg.ImageHeight, m.cfg.ImageWidth, s))
	}
	return m.fpn.Forward(m.backbone.Forward(images))
}

// RPN scores every anchor for the pyramid features.
func (m *MaskRCNN[B]) RPN(features []*tensor.Tensor[B]) *rpn.Output[B] {
	return m.rpn.Forward(features)
}

// Propose returns normalized proposals per image.
func (m *MaskRCNN[B]) Propose(out *rpn.Output[B], training bool) [][]box.Box {
	return rpn.Propose(m.proposals, out, m.Anchors(), training)
}

// Parameters returns every parameter of the network.
func (m *MaskRCNN[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	params = append(params, m.backbone.Parameters()...)
	params = append(params, m.fpn.Parameters()...)
	params = append(params, m.rpn.Parameters()...)
	params = append(params, m.classifier.Parameters()...)
	params = append(params, m.mask.Parameters()...)
	return params
}

// SetTraining switches batch normalization between batch and running
// statistics. Without TrainBN the running statistics are always used.
func (m *MaskRCNN[B]) SetTraining(training bool) {
	m.backbone.SetTraining(training)
	m.classifier.SetTraining(training)
	m.mask.SetTraining(training)
}

// Layer selections for SetTrainableLayers.
const (
	LayersHeads = "heads" // pyramid, RPN and heads
	Layers3Up   = "3+"    // ResNet stage 3 and up, plus heads
	Layers4Up   = "4+"
	Layers5Up   = "5+"
	LayersAll   = "all"
)

// SetTrainableLayers freezes the backbone stages below the selection.
// Normalization scale and shift stay frozen unless TrainBN is set.
func (m *MaskRCNN[B]) SetTrainableLayers(layers string) error {
	first := map[string]int{
		LayersHeads: 6,
		Layers3Up:   3,
		Layers4Up:   4,
		Layers5Up:   5,
		LayersAll:   1,
	}
	from, ok := first[layers]
	if !ok {
		return errors.Errorf("model: unknown layer selection %q", layers)
	}
	nn.SetTrainable(m.Parameters(), true)
	for stage := 1; stage < from; stage++ {
		nn.SetTrainable(m.backbone.StageParameters(stage), false)
	}
	if !m.cfg.TrainBN {
		for _, p := range m.Parameters() {
			if isNormParam(p.Name()) {
				p.SetTrainable(false)
			}
		}
	}
	return nil
}

func isNormParam(name string) bool {
	return strings.HasSuffix(name, ".gamma") || strings.HasSuffix(name, ".beta")
}

// TrainableParameters returns the parameters the optimizer may update.
func (m *MaskRCNN[B]) TrainableParameters() []*nn.Parameter[B] {
	var out []*nn.Parameter[B]
	for _, p := range m.Parameters() {
		if p.Trainable() {
			out = append(out, p)
		}
	}
	return out
}
