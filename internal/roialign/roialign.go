// Package roialign pools fixed-size features for regions of interest from
// the feature pyramid.
package roialign

import (
	"fmt"
	"math"

	"github.com/born-ml/maskrcnn/internal/box"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// Pyramid levels RoIs may be assigned to (P2..P5).
const (
	MinLevel = 2
	MaxLevel = 5
)

// canonicalSize is the box side that maps to level 4 (an ImageNet crop).
const canonicalSize = 224.0

// Level returns the pyramid level for a box of the given pixel area:
//
//	clamp(round(4 + log2(sqrt(area) / 224)), 2, 5)
//
// Non-positive areas map to the finest level.
func Level(area float64) int {
	if !(area > 0) {
		return MinLevel
	}
	k := math.Round(4 + math.Log2(math.Sqrt(area)/canonicalSize))
	return int(math.Max(MinLevel, math.Min(MaxLevel, k)))
}

// AssignLevels returns the level of every normalized RoI for an image of
// height × width pixels.
func AssignLevels(rois []box.Box, height, width int) []int {
	levels := make([]int, len(rois))
	for i, r := range rois {
		levels[i] = Level(r.Area() * float64(height) * float64(width))
	}
	return levels
}

// Align bilinearly pools a poolSize × poolSize grid for each RoI.
//
// rois are normalized boxes and imageIndex[i] is the batch index of RoI i.
// features holds P2..P5 (extra levels are ignored). The result is
// [len(rois), C, poolSize, poolSize] in input RoI order and is
// differentiable with respect to the feature maps.
func Align[B tensor.Backend](features []*tensor.Tensor[B], rois []box.Box, imageIndex []int, poolSize, height, width int) *tensor.Tensor[B] {
	if len(features) < MaxLevel-MinLevel+1 {
		panic(fmt.Sprintf("roialign: expected %d feature maps, got %d", MaxLevel-MinLevel+1, len(features)))
	}
	if len(rois) != len(imageIndex) {
		panic(fmt.Sprintf("roialign: %d rois with %d image indices", len(rois), len(imageIndex)))
	}
	backend := features[0].Backend()
	channels := features[0].Shape()[1]
	if len(rois) == 0 {
		return tensor.Zeros(tensor.Shape{0, channels, poolSize, poolSize}, backend)
	}

	levels := AssignLevels(rois, height, width)
	var (
		pooled []*tensor.Tensor[B]
		order  []int // order[j] = RoI index of pooled row j
	)
	for level := MinLevel; level <= MaxLevel; level++ {
		var coords []float32
		var idx []int
		for i, l := range levels {
			if l != level {
				continue
			}
			r := rois[i]
			coords = append(coords, float32(r.X1), float32(r.Y1), float32(r.X2), float32(r.Y2))
			idx = append(idx, imageIndex[i])
			order = append(order, i)
		}
		if len(idx) == 0 {
			continue
		}
		boxes := tensor.MustFromSlice(coords, tensor.Shape{len(idx), 4}, backend)
		pooled = append(pooled, features[level-MinLevel].CropAndResize(boxes, idx, poolSize, poolSize))
	}

	out := pooled[0]
	if len(pooled) > 1 {
		out = tensor.Cat(pooled, 0)
	}

	// Row j of out is RoI order[j]; gather back into input order.
	inverse := make([]int, len(order))
	identity := true
	for j, i := range order {
		inverse[i] = j
		identity = identity && i == j
	}
	if identity {
		return out
	}
	return out.IndexSelect(inverse)
}
