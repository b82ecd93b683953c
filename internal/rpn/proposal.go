package rpn

import (
	"fmt"

	"github.com/born-ml/maskrcnn/internal/box"
	"github.com/born-ml/maskrcnn/internal/config"
	"github.com/born-ml/maskrcnn/internal/parallel"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// ProposalLayer selects regions of interest from RPN scores.
//
// Per image: take the PreNMSLimit anchors with the highest foreground
// probability, apply their deltas, clip to the image, run NMS and keep at
// most the post-NMS limit. Proposals are returned in normalized
// coordinates in descending score order. No gradient flows through them.
type ProposalLayer struct {
	cfg      *config.Config
	parallel parallel.Config
}

// NewProposalLayer creates a proposal layer.
func NewProposalLayer(cfg *config.Config) *ProposalLayer {
	return &ProposalLayer{cfg: cfg, parallel: parallel.DefaultConfig()}
}

// Limit returns the post-NMS proposal count for the given mode.
func (l *ProposalLayer) Limit(training bool) int {
	if training {
		return l.cfg.PostNMSRoisTraining
	}
	return l.cfg.PostNMSRoisInference
}

// Propose returns normalized proposals for every image in the batch.
func Propose[B tensor.Backend](l *ProposalLayer, out *Output[B], anchors []box.Box, training bool) [][]box.Box {
	shape := out.Probs.Shape()
	n, numAnchors := shape[0], shape[1]
	if numAnchors != len(anchors) {
		panic(fmt.Sprintf("rpn: %d anchor scores for %d anchors", numAnchors, len(anchors)))
	}
	probs := out.Probs.Data()
	deltas := out.Deltas.Data()

	result := make([][]box.Box, n)
	parallel.For(n, func(i int) {
		result[i] = l.ProposeImage(
			probs[i*numAnchors*2:(i+1)*numAnchors*2],
			deltas[i*numAnchors*4:(i+1)*numAnchors*4],
			anchors, l.Limit(training))
	}, l.parallel)
	return result
}

// ProposeImage runs the proposal layer for one image given its flat
// probabilities [anchors·2] and deltas [anchors·4].
func (l *ProposalLayer) ProposeImage(probs, deltas []float32, anchors []box.Box, limit int) []box.Box {
	scores := make([]float64, len(anchors))
	for a := range anchors {
		scores[a] = float64(probs[a*2+1])
	}
	top := box.TopK(scores, l.cfg.PreNMSLimit)

	std := box.StdDev(l.cfg.RPNBBoxStdDev)
	w, h := float64(l.cfg.ImageWidth), float64(l.cfg.ImageHeight)
	boxes := make([]box.Box, len(top))
	topScores := make([]float64, len(top))
	for i, a := range top {
		d := box.Delta{
			float64(deltas[a*4]), float64(deltas[a*4+1]),
			float64(deltas[a*4+2]), float64(deltas[a*4+3]),
		}
		boxes[i] = box.Clip(box.Decode(anchors[a], d, std), w, h)
		topScores[i] = scores[a]
	}

	keep := box.NMS(boxes, topScores, l.cfg.RPNNMSThreshold, limit)
	rois := make([]box.Box, len(keep))
	for i, k := range keep {
		rois[i] = box.Normalize(boxes[k], w, h)
	}
	return rois
}
