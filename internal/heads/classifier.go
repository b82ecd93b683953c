// Package heads implements the per-RoI classification, box-regression and
// mask heads.
package heads

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/maskrcnn/internal/box"
	"github.com/born-ml/maskrcnn/internal/config"
	"github.com/born-ml/maskrcnn/internal/nn"
	"github.com/born-ml/maskrcnn/internal/roialign"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// RoIs is a batch of normalized regions with their image indices.
type RoIs struct {
	Boxes      []box.Box
	ImageIndex []int
}

// Len returns the number of regions.
func (r RoIs) Len() int { return len(r.Boxes) }

// Flatten concatenates per-image RoI lists into one batch.
func Flatten(perImage [][]box.Box) RoIs {
	var r RoIs
	for i, boxes := range perImage {
		r.Boxes = append(r.Boxes, boxes...)
		for range boxes {
			r.ImageIndex = append(r.ImageIndex, i)
		}
	}
	return r
}

// ClassifierOutput holds per-RoI class and box predictions.
type ClassifierOutput[B tensor.Backend] struct {
	Logits *tensor.Tensor[B] // [R, K]
	Probs  *tensor.Tensor[B] // [R, K]
	Deltas *tensor.Tensor[B] // [R, K, 4]
}

// Classifier maps pooled RoI features to class logits and per-class box
// deltas.
//
//	align(P) → conv P×P → BN → ReLU → conv 1×1 → BN → ReLU
//	         → linear (class logits), linear (K·4 deltas)
type Classifier[B tensor.Backend] struct {
	conv1, conv2 *nn.Conv2D[B]
	bn1, bn2     *nn.BatchNorm2D[B]
	class        *nn.Linear[B]
	bbox         *nn.Linear[B]

	poolSize   int
	fc         int
	numClasses int
	height     int
	width      int
	trainBN    bool
}

// NewClassifier creates the head for depth-channel pyramid features.
func NewClassifier[B tensor.Backend](cfg *config.Config, depth int, rng *rand.Rand, backend B) *Classifier[B] {
	fc := cfg.HeadFCChannels
	c := &Classifier[B]{
		conv1:      nn.NewConv2D(depth, fc, cfg.PoolSize, 1, nn.PadValid, true, rng, backend),
		bn1:        nn.NewBatchNorm2D(fc, cfg.BNEps, cfg.BNMomentum, backend),
		conv2:      nn.NewConv2D(fc, fc, 1, 1, nn.PadValid, true, rng, backend),
		bn2:        nn.NewBatchNorm2D(fc, cfg.BNEps, cfg.BNMomentum, backend),
		class:      nn.NewLinear(fc, cfg.NumClasses, rng, backend),
		bbox:       nn.NewLinear(fc, cfg.NumClasses*4, rng, backend),
		poolSize:   cfg.PoolSize,
		fc:         fc,
		numClasses: cfg.NumClasses,
		height:     cfg.ImageHeight,
		width:      cfg.ImageWidth,
		trainBN:    cfg.TrainBN,
	}
	nn.Prefix("mrcnn_class_conv1", c.conv1.Parameters())
	nn.Prefix("mrcnn_class_bn1", c.bn1.Parameters())
	nn.Prefix("mrcnn_class_conv2", c.conv2.Parameters())
	nn.Prefix("mrcnn_class_bn2", c.bn2.Parameters())
	nn.Prefix("mrcnn_class_logits", c.class.Parameters())
	nn.Prefix("mrcnn_bbox_fc", c.bbox.Parameters())
	return c
}

// Forward runs the head on the given RoIs. features holds P2..P5 (or more).
func (c *Classifier[B]) Forward(features []*tensor.Tensor[B], rois RoIs) *ClassifierOutput[B] {
	r := rois.Len()
	if r == 0 {
		backend := features[0].Backend()
		return &ClassifierOutput[B]{
			Logits: tensor.Zeros(tensor.Shape{0, c.numClasses}, backend),
			Probs:  tensor.Zeros(tensor.Shape{0, c.numClasses}, backend),
			Deltas: tensor.Zeros(tensor.Shape{0, c.numClasses, 4}, backend),
		}
	}
	x := roialign.Align(features, rois.Boxes, rois.ImageIndex, c.poolSize, c.height, c.width)
	x = c.bn1.Forward(c.conv1.Forward(x)).ReLU()
	x = c.bn2.Forward(c.conv2.Forward(x)).ReLU()
	if s := x.Shape(); s[2] != 1 || s[3] != 1 {
		panic(fmt.Sprintf("classifier: expected 1×1 features, got %v", s))
	}
	x = x.Reshape(r, c.fc)

	logits := c.class.Forward(x)
	return &ClassifierOutput[B]{
		Logits: logits,
		Probs:  logits.Softmax(1),
		Deltas: c.bbox.Forward(x).Reshape(r, c.numClasses, 4),
	}
}

// Parameters returns the head parameters.
func (c *Classifier[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	for _, m := range []nn.Module[B]{c.conv1, c.bn1, c.conv2, c.bn2, c.class, c.bbox} {
		params = append(params, m.Parameters()...)
	}
	return params
}

// SetTraining switches batch norm to batch statistics when TrainBN is set.
func (c *Classifier[B]) SetTraining(training bool) {
	c.bn1.SetTraining(training && c.trainBN)
	c.bn2.SetTraining(training && c.trainBN)
}
