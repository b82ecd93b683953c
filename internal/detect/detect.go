// Package detect turns classifier outputs into final detections.
package detect

import (
	"fmt"

	"github.com/born-ml/maskrcnn/internal/box"
	"github.com/born-ml/maskrcnn/internal/config"
)

// Detection is one detected instance.
type Detection struct {
	ClassID int
	Score   float64
	// Box is in molded-image pixels.
	Box box.Box
	// Mask is the mask-head probability map for ClassID, MaskShape sized.
	Mask []float32
}

// ImageDetections is the fixed-length result for one image. Only the first
// Count entries are valid; the rest are zero.
type ImageDetections struct {
	Detections []Detection
	Count      int
}

// Valid returns the non-padding detections.
func (d *ImageDetections) Valid() []Detection {
	return d.Detections[:d.Count]
}

// Pad returns dets padded with zero entries to length n.
func Pad(dets []Detection, n int) *ImageDetections {
	if len(dets) > n {
		dets = dets[:n]
	}
	out := make([]Detection, n)
	copy(out, dets)
	return &ImageDetections{Detections: out, Count: len(dets)}
}

// Refine selects detections for one image.
//
// rois are the normalized proposals fed to the classifier; probs is their
// flat [R, K] class distribution and deltas the flat [R, K, 4] box
// refinements. Each RoI takes its most likely class and that class's
// deltas; background and low-confidence RoIs are dropped; NMS runs per
// class; the DetectionMaxInstances best remain, sorted by score.
func Refine(cfg *config.Config, rois []box.Box, probs, deltas []float32) []Detection {
	k := cfg.NumClasses
	if len(probs) != len(rois)*k || len(deltas) != len(rois)*k*4 {
		panic(fmt.Sprintf("detect: %d rois with %d probs and %d deltas for %d classes", len(rois), len(probs), len(deltas), k))
	}
	std := box.StdDev(cfg.BBoxStdDev)
	w, h := float64(cfg.ImageWidth), float64(cfg.ImageHeight)

	byClass := map[int][]Detection{}
	var classes []int
	for r, roi := range rois {
		row := probs[r*k : (r+1)*k]
		cls := 0
		for c := 1; c < k; c++ {
			if row[c] > row[cls] {
				cls = c
			}
		}
		score := float64(row[cls])
		if cls == 0 || score < cfg.DetectionMinConfidence {
			continue
		}
		o := (r*k + cls) * 4
		d := box.Delta{float64(deltas[o]), float64(deltas[o+1]), float64(deltas[o+2]), float64(deltas[o+3])}
		refined := box.Clip(box.Denormalize(box.Decode(roi, d, std), w, h), w, h)
		if refined.IsEmpty() {
			continue
		}
		if _, ok := byClass[cls]; !ok {
			classes = append(classes, cls)
		}
		byClass[cls] = append(byClass[cls], Detection{ClassID: cls, Score: score, Box: refined})
	}

	var kept []Detection
	for _, cls := range classes {
		dets := byClass[cls]
		boxes := make([]box.Box, len(dets))
		scores := make([]float64, len(dets))
		for i, d := range dets {
			boxes[i], scores[i] = d.Box, d.Score
		}
		for _, i := range box.NMS(boxes, scores, cfg.DetectionNMSThreshold, cfg.DetectionMaxInstances) {
			kept = append(kept, dets[i])
		}
	}

	scores := make([]float64, len(kept))
	for i, d := range kept {
		scores[i] = d.Score
	}
	out := make([]Detection, 0, min(len(kept), cfg.DetectionMaxInstances))
	for _, i := range box.TopK(scores, cfg.DetectionMaxInstances) {
		out = append(out, kept[i])
	}
	return out
}
