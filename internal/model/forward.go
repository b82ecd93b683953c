package model

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/born-ml/maskrcnn/internal/anchor"
	"github.com/born-ml/maskrcnn/internal/box"
	"github.com/born-ml/maskrcnn/internal/detect"
	"github.com/born-ml/maskrcnn/internal/heads"
	"github.com/born-ml/maskrcnn/internal/loss"
	"github.com/born-ml/maskrcnn/internal/parallel"
	"github.com/born-ml/maskrcnn/internal/targets"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// Batch is one training step's input.
type Batch struct {
	// Images holds N molded images, [N, 3, H, W] flattened.
	Images []float32
	// GroundTruth holds one entry per image with boxes in molded pixels.
	GroundTruth []*targets.GroundTruth
	// RPN holds the anchor targets of each image.
	RPN []*anchor.Targets
}

// Len returns the number of images.
func (b *Batch) Len() int { return len(b.GroundTruth) }

// Validate checks the batch against the model input size.
func (b *Batch) Validate(height, width, numAnchors int) error {
	n := b.Len()
	if n == 0 {
		return errors.New("batch: empty")
	}
	if len(b.Images) != n*3*height*width {
		return errors.Errorf("batch: %d image values for %d images of %dx%d", len(b.Images), n, height, width)
	}
	if len(b.RPN) != n {
		return errors.Errorf("batch: %d rpn targets for %d images", len(b.RPN), n)
	}
	for i, gt := range b.GroundTruth {
		if err := gt.Validate(height, width); err != nil {
			return errors.Wrapf(err, "batch: image %d", i)
		}
		if len(b.RPN[i].Match) != numAnchors || len(b.RPN[i].Deltas) != numAnchors {
			return errors.Errorf("batch: image %d has %d rpn targets for %d anchors", i, len(b.RPN[i].Match), numAnchors)
		}
	}
	return nil
}

// computeBackend returns the backend that evaluates without recording.
func computeBackend(b tensor.Backend) tensor.Backend {
	if c, ok := b.(interface{ Compute() tensor.Backend }); ok {
		return c.Compute()
	}
	return b
}

// Loss runs the training forward pass and returns the five losses.
//
// Detection targets are sampled per image from the RPN proposals with
// rng; mask head losses use the positive RoIs only.
func (m *MaskRCNN[B]) Loss(b *Batch, rng *rand.Rand) (*loss.Losses[B], error) {
	anchors := m.Anchors()
	if err := b.Validate(m.cfg.ImageHeight, m.cfg.ImageWidth, len(anchors)); err != nil {
		return nil, err
	}
	n := b.Len()
	images, err := tensor.FromSlice(b.Images, tensor.Shape{n, 3, m.cfg.ImageHeight, m.cfg.ImageWidth}, m.backend)
	if err != nil {
		return nil, errors.Wrap(err, "model")
	}

	features := m.Features(images)
	out := m.RPN(features)
	proposals := m.Propose(out, true)

	seeds := make([]int64, n)
	for i := range seeds {
		seeds[i] = rng.Int63()
	}
	sampled := make([]*targets.Targets, n)
	err = parallel.ForErr(n, func(i int) error {
		t, err := m.sampler.Sample(proposals[i], b.GroundTruth[i], rand.New(rand.NewSource(seeds[i])))
		if err != nil {
			return errors.Wrapf(err, "image %d", i)
		}
		sampled[i] = t
		return nil
	}, parallel.DefaultConfig())
	if err != nil {
		return nil, err
	}

	var rois, positives heads.RoIs
	var classIDs, posClassIDs []int
	var deltas []box.Delta
	var masks [][]float32
	for i, t := range sampled {
		for k, roi := range t.RoIs {
			rois.Boxes = append(rois.Boxes, roi)
			rois.ImageIndex = append(rois.ImageIndex, i)
			if k < t.NumPositive() {
				positives.Boxes = append(positives.Boxes, roi)
				positives.ImageIndex = append(positives.ImageIndex, i)
				posClassIDs = append(posClassIDs, t.ClassIDs[k])
			}
		}
		classIDs = append(classIDs, t.ClassIDs...)
		deltas = append(deltas, t.Deltas...)
		masks = append(masks, t.Masks...)
	}

	match := make([]int, 0, n*len(anchors))
	rpnDeltas := make([]box.Delta, 0, n*len(anchors))
	for _, t := range b.RPN {
		match = append(match, t.Match...)
		rpnDeltas = append(rpnDeltas, t.Deltas...)
	}

	pyramid := features[:4]
	cls := m.classifier.Forward(pyramid, rois)
	mask := m.mask.Forward(pyramid, positives)

	return loss.Sum(
		loss.RPNClass(out.Logits, match),
		loss.RPNBBox(out.Deltas, rpnDeltas, match),
		loss.Class(cls.Logits, classIDs),
		loss.BBox(cls.Deltas, deltas, classIDs),
		loss.Mask(mask.Probs, masks, posClassIDs),
	), nil
}

// Detect runs inference on n molded images [n, 3, H, W] and returns
// DetectionMaxInstances padded detections per image.
func (m *MaskRCNN[B]) Detect(images []float32, n int) ([]*detect.ImageDetections, error) {
	h, w := m.cfg.ImageHeight, m.cfg.ImageWidth
	if n <= 0 || len(images) != n*3*h*w {
		return nil, errors.Errorf("model: %d image values for %d images of %dx%d", len(images), n, h, w)
	}
	x, err := tensor.FromSlice(images, tensor.Shape{n, 3, h, w}, m.backend)
	if err != nil {
		return nil, errors.Wrap(err, "model")
	}

	features := m.Features(x)
	proposals := m.Propose(m.RPN(features), false)
	pyramid := features[:4]

	rois := heads.Flatten(proposals)
	cls := m.classifier.Forward(pyramid, rois)
	probs, deltas := cls.Probs.Data(), cls.Deltas.Data()

	k := m.cfg.NumClasses
	perImage := make([][]detect.Detection, n)
	offset := 0
	for i, p := range proposals {
		r := len(p)
		perImage[i] = detect.Refine(m.cfg, p, probs[offset*k:(offset+r)*k], deltas[offset*k*4:(offset+r)*k*4])
		offset += r
	}

	m.attachMasks(pyramid, perImage)
	result := make([]*detect.ImageDetections, n)
	for i, dets := range perImage {
		result[i] = detect.Pad(dets, m.cfg.DetectionMaxInstances)
	}
	return result, nil
}

// attachMasks runs the mask head on the refined boxes and stores each
// detection's class channel.
func (m *MaskRCNN[B]) attachMasks(pyramid []*tensor.Tensor[B], perImage [][]detect.Detection) {
	w, h := float64(m.cfg.ImageWidth), float64(m.cfg.ImageHeight)
	var rois heads.RoIs
	for i, dets := range perImage {
		for _, d := range dets {
			rois.Boxes = append(rois.Boxes, box.Normalize(d.Box, w, h))
			rois.ImageIndex = append(rois.ImageIndex, i)
		}
	}
	if rois.Len() == 0 {
		return
	}
	probs := m.mask.Forward(pyramid, rois).Probs
	s := probs.Shape()
	k, hw := s[1], s[2]*s[3]
	data := probs.Data()
	r := 0
	for _, dets := range perImage {
		for j := range dets {
			o := (r*k + dets[j].ClassID) * hw
			dets[j].Mask = append([]float32(nil), data[o:o+hw]...)
			r++
		}
	}
}
