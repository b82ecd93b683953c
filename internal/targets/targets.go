// Package targets samples training RoIs from the proposals and builds the
// class, box and mask targets of the detection heads.
package targets

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/born-ml/maskrcnn/internal/box"
	"github.com/born-ml/maskrcnn/internal/config"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// GroundTruth describes the annotated instances of one molded image.
// Boxes are in pixels; each mask is a Height×Width row-major binary map of
// the whole molded image.
type GroundTruth struct {
	Boxes    []box.Box
	ClassIDs []int
	Masks    [][]float32
}

// Len returns the number of instances.
func (g *GroundTruth) Len() int { return len(g.Boxes) }

// Validate checks that boxes, class ids and masks agree.
func (g *GroundTruth) Validate(height, width int) error {
	if len(g.ClassIDs) != len(g.Boxes) || len(g.Masks) != len(g.Boxes) {
		return errors.Errorf("ground truth: %d boxes, %d class ids, %d masks", len(g.Boxes), len(g.ClassIDs), len(g.Masks))
	}
	for i, m := range g.Masks {
		if len(m) != height*width {
			return errors.Errorf("ground truth: mask %d has %d values, want %d", i, len(m), height*width)
		}
	}
	return nil
}

// Targets are the sampled RoIs of one image and their head targets.
// Positive RoIs come first.
type Targets struct {
	RoIs     []box.Box   // normalized
	ClassIDs []int       // 0 for negatives
	Deltas   []box.Delta // zero for negatives
	Masks    [][]float32 // one per positive RoI, MaskShape sized, values in {0, 1}
}

// NumPositive returns the number of positive RoIs.
func (t *Targets) NumPositive() int { return len(t.Masks) }

// Sampler builds detection targets.
type Sampler struct {
	cfg     *config.Config
	backend tensor.Backend
}

// NewSampler returns a sampler that crops masks with backend.
func NewSampler(cfg *config.Config, backend tensor.Backend) *Sampler {
	return &Sampler{cfg: cfg, backend: backend}
}

// Sample selects training RoIs from normalized proposals.
//
// A proposal is positive when its best IoU with a GT box is at least
// ROIPositiveIoU. Up to TrainROIsPerImage·ROIPositiveRatio positives are
// kept, and negatives are added so that positives make up
// ROIPositiveRatio of the result; without positives up to
// TrainROIsPerImage negatives are kept. Selection is random via rng.
func (s *Sampler) Sample(proposals []box.Box, gt *GroundTruth, rng *rand.Rand) (*Targets, error) {
	h, w := s.cfg.ImageHeight, s.cfg.ImageWidth
	if err := gt.Validate(h, w); err != nil {
		return nil, err
	}

	gtNorm := make([]box.Box, gt.Len())
	for i, b := range gt.Boxes {
		gtNorm[i] = box.Normalize(b, float64(w), float64(h))
	}

	best := make([]int, len(proposals))
	var positives, negatives []int
	for i, p := range proposals {
		bestIoU := 0.0
		for j, g := range gtNorm {
			if iou := box.IoU(p, g); iou > bestIoU {
				bestIoU, best[i] = iou, j
			}
		}
		if gt.Len() > 0 && bestIoU >= s.cfg.ROIPositiveIoU {
			positives = append(positives, i)
		} else {
			negatives = append(negatives, i)
		}
	}

	positives = pick(positives, int(float64(s.cfg.TrainROIsPerImage)*s.cfg.ROIPositiveRatio), rng)
	negativeCount := s.cfg.TrainROIsPerImage
	if len(positives) > 0 {
		negativeCount = int(float64(len(positives))/s.cfg.ROIPositiveRatio) - len(positives)
	}
	negatives = pick(negatives, negativeCount, rng)

	t := &Targets{}
	std := box.StdDev(s.cfg.BBoxStdDev)
	for _, i := range positives {
		g := best[i]
		t.RoIs = append(t.RoIs, proposals[i])
		t.ClassIDs = append(t.ClassIDs, gt.ClassIDs[g])
		t.Deltas = append(t.Deltas, box.Encode(proposals[i], gtNorm[g], std))
	}
	for _, i := range negatives {
		t.RoIs = append(t.RoIs, proposals[i])
		t.ClassIDs = append(t.ClassIDs, 0)
		t.Deltas = append(t.Deltas, box.Delta{})
	}

	if len(positives) > 0 {
		assigned := make([]int, len(positives))
		for k, i := range positives {
			assigned[k] = best[i]
		}
		t.Masks = s.cropMasks(gt.Masks, t.RoIs[:len(positives)], assigned)
	}
	return t, nil
}

// cropMasks resamples GT masks[assigned[k]] inside rois[k] to MaskShape and
// binarizes at 0.5.
func (s *Sampler) cropMasks(masks [][]float32, rois []box.Box, assigned []int) [][]float32 {
	h, w := s.cfg.ImageHeight, s.cfg.ImageWidth
	mh, mw := s.cfg.MaskShape()

	stacked := make([]float32, 0, len(masks)*h*w)
	for _, m := range masks {
		stacked = append(stacked, m...)
	}
	features, err := tensor.RawFromSlice(stacked, tensor.Shape{len(masks), 1, h, w}, s.backend.Device())
	if err != nil {
		panic(err)
	}
	coords := make([]float32, 0, 4*len(rois))
	for _, r := range rois {
		coords = append(coords, float32(r.X1), float32(r.Y1), float32(r.X2), float32(r.Y2))
	}
	boxes, err := tensor.RawFromSlice(coords, tensor.Shape{len(rois), 4}, s.backend.Device())
	if err != nil {
		panic(err)
	}

	crops := s.backend.CropAndResize(features, boxes, assigned, mh, mw).Data()
	out := make([][]float32, len(rois))
	for k := range rois {
		m := make([]float32, mh*mw)
		for i, v := range crops[k*mh*mw : (k+1)*mh*mw] {
			if v >= 0.5 {
				m[i] = 1
			}
		}
		out[k] = m
	}
	return out
}

// pick returns at most n of idx chosen at random, in random order.
func pick(idx []int, n int, rng *rand.Rand) []int {
	if n <= 0 {
		return nil
	}
	idx = append([]int(nil), idx...)
	rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	if len(idx) > n {
		idx = idx[:n]
	}
	return idx
}
