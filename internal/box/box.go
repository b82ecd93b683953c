// Package box implements axis-aligned box geometry: IoU, the delta codec
// shared by the proposal and detection stages, clipping and non-maximum
// suppression.
//
// Boxes are (x1, y1, x2, y2) in pixels unless a function says otherwise.
// Deltas are (dx, dy, log(w ratio), log(h ratio)) relative to a reference
// box's centre and size, divided by a per-coordinate standard deviation.
package box

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Box is an axis-aligned rectangle.
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Delta is an encoded box offset: (dx, dy, dw, dh).
type Delta [4]float64

// Width returns x2 - x1.
func (b Box) Width() float64 { return b.X2 - b.X1 }

// Height returns y2 - y1.
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Area returns the box area, or 0 for degenerate boxes.
func (b Box) Area() float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Center returns the box centre.
func (b Box) Center() (cx, cy float64) {
	return b.X1 + 0.5*b.Width(), b.Y1 + 0.5*b.Height()
}

// IsEmpty reports whether the box has zero area.
func (b Box) IsEmpty() bool { return b.Area() == 0 }

// IoU returns the intersection over union of a and b.
func IoU(a, b Box) float64 {
	iw := math.Min(a.X2, b.X2) - math.Max(a.X1, b.X1)
	ih := math.Min(a.Y2, b.Y2) - math.Max(a.Y1, b.Y1)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Overlaps returns the IoU matrix [len(boxes)][len(others)].
func Overlaps(boxes, others []Box) [][]float64 {
	out := make([][]float64, len(boxes))
	for i, a := range boxes {
		row := make([]float64, len(others))
		for j, b := range others {
			row[j] = IoU(a, b)
		}
		out[i] = row
	}
	return out
}

// Encode computes the delta that moves ref onto target, divided by std.
func Encode(ref, target Box, std Delta) Delta {
	w, h := ref.Width(), ref.Height()
	cx, cy := ref.Center()
	gw, gh := target.Width(), target.Height()
	gcx, gcy := target.Center()
	return Delta{
		(gcx - cx) / w / std[0],
		(gcy - cy) / h / std[1],
		math.Log(gw/w) / std[2],
		math.Log(gh/h) / std[3],
	}
}

// Decode applies delta (scaled by std) to ref.
func Decode(ref Box, d Delta, std Delta) Box {
	w, h := ref.Width(), ref.Height()
	cx, cy := ref.Center()
	cx += d[0] * std[0] * w
	cy += d[1] * std[1] * h
	w *= math.Exp(d[2] * std[2])
	h *= math.Exp(d[3] * std[3])
	return Box{
		X1: cx - 0.5*w,
		Y1: cy - 0.5*h,
		X2: cx + 0.5*w,
		Y2: cy + 0.5*h,
	}
}

// StdDev converts a configuration slice to a Delta.
func StdDev(s []float64) Delta {
	var d Delta
	copy(d[:], s)
	return d
}

// Clip limits b to the window [0, width] × [0, height].
func Clip(b Box, width, height float64) Box {
	return Box{
		X1: clamp(b.X1, 0, width),
		Y1: clamp(b.Y1, 0, height),
		X2: clamp(b.X2, 0, width),
		Y2: clamp(b.Y2, 0, height),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Normalize maps a pixel box into [0, 1] coordinates: x/width, y/height.
func Normalize(b Box, width, height float64) Box {
	return Box{b.X1 / width, b.Y1 / height, b.X2 / width, b.Y2 / height}
}

// Denormalize is the inverse of Normalize.
func Denormalize(b Box, width, height float64) Box {
	return Box{b.X1 * width, b.Y1 * height, b.X2 * width, b.Y2 * height}
}

// Order returns the indices of scores sorted by descending score. Ties keep
// the lower index first.
func Order(scores []float64) []int {
	neg := make([]float64, len(scores))
	for i, s := range scores {
		neg[i] = -s
	}
	idx := make([]int, len(scores))
	floats.ArgsortStable(neg, idx)
	return idx
}

// TopK returns the indices of the k highest scores in descending order.
func TopK(scores []float64, k int) []int {
	idx := Order(scores)
	if k < len(idx) {
		idx = idx[:k]
	}
	return idx
}

// NMS performs greedy non-maximum suppression and returns the indices of
// the kept boxes in descending score order, at most limit of them
// (limit <= 0 means no limit). A box is suppressed when its IoU with an
// already kept box is greater than threshold.
func NMS(boxes []Box, scores []float64, threshold float64, limit int) []int {
	if len(boxes) != len(scores) {
		panic("nms: boxes and scores length mismatch")
	}
	var keep []int
	suppressed := make([]bool, len(boxes))
	for _, i := range Order(scores) {
		if suppressed[i] {
			continue
		}
		keep = append(keep, i)
		if limit > 0 && len(keep) == limit {
			break
		}
		for j := range boxes {
			if !suppressed[j] && j != i && IoU(boxes[i], boxes[j]) > threshold {
				suppressed[j] = true
			}
		}
	}
	return keep
}
