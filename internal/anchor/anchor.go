// Package anchor generates the multi-scale anchor grid and the RPN
// training targets matched against it.
package anchor

import (
	"math"
	"math/rand"
	"sync"

	"github.com/born-ml/maskrcnn/internal/box"
	"github.com/born-ml/maskrcnn/internal/config"
)

// Match labels for RPN targets.
const (
	Negative = -1
	Neutral  = 0
	Positive = 1
)

// Generate returns every anchor for a molded image of the given size.
//
// Anchors are ordered level → row → column → ratio, the same order in
// which the RPN flattens its per-level outputs. Level i uses scale
// RPNAnchorScales[i] over a grid of ceil(size/stride) cells, visiting
// every RPNAnchorStride-th cell. Anchors are centred on cell*stride.
func Generate(cfg *config.Config, height, width int) []box.Box {
	var anchors []box.Box
	for level, stride := range cfg.BackboneStrides {
		fh := (height + stride - 1) / stride
		fw := (width + stride - 1) / stride
		anchors = append(anchors, levelAnchors(cfg.RPNAnchorScales[level], cfg.RPNAnchorRatios, fh, fw, stride, cfg.RPNAnchorStride)...)
	}
	return anchors
}

func levelAnchors(scale float64, ratios []float64, fh, fw, featureStride, anchorStride int) []box.Box {
	hs := make([]float64, len(ratios))
	ws := make([]float64, len(ratios))
	for i, r := range ratios {
		hs[i] = scale / math.Sqrt(r)
		ws[i] = scale * math.Sqrt(r)
	}
	var out []box.Box
	for y := 0; y < fh; y += anchorStride {
		cy := float64(y * featureStride)
		for x := 0; x < fw; x += anchorStride {
			cx := float64(x * featureStride)
			for i := range ratios {
				out = append(out, box.Box{
					X1: cx - 0.5*ws[i],
					Y1: cy - 0.5*hs[i],
					X2: cx + 0.5*ws[i],
					Y2: cy + 0.5*hs[i],
				})
			}
		}
	}
	return out
}

// Count returns len(Generate(cfg, height, width)) without building the list.
func Count(cfg *config.Config, height, width int) int {
	n := 0
	for _, stride := range cfg.BackboneStrides {
		fh := (height + stride - 1) / stride
		fw := (width + stride - 1) / stride
		rows := (fh + cfg.RPNAnchorStride - 1) / cfg.RPNAnchorStride
		cols := (fw + cfg.RPNAnchorStride - 1) / cfg.RPNAnchorStride
		n += rows * cols * len(cfg.RPNAnchorRatios)
	}
	return n
}

// Generator caches anchors per input shape. It is safe for concurrent use.
// Returned slices are shared and must not be modified.
type Generator struct {
	cfg   *config.Config
	mu    sync.Mutex
	cache map[[2]int][]box.Box
}

// NewGenerator returns a caching generator for cfg.
func NewGenerator(cfg *config.Config) *Generator {
	return &Generator{cfg: cfg, cache: make(map[[2]int][]box.Box)}
}

// Anchors returns the anchors for a height × width input.
func (g *Generator) Anchors(height, width int) []box.Box {
	key := [2]int{height, width}
	g.mu.Lock()
	defer g.mu.Unlock()
	if a, ok := g.cache[key]; ok {
		return a
	}
	a := Generate(g.cfg, height, width)
	g.cache[key] = a
	return a
}

// Targets are the RPN training targets for one image.
type Targets struct {
	Match  []int       // per anchor: Positive, Negative or Neutral
	Deltas []box.Delta // per anchor; zero unless Match is Positive
}

// NumPositive counts positive anchors.
func (t *Targets) NumPositive() int {
	n := 0
	for _, m := range t.Match {
		if m == Positive {
			n++
		}
	}
	return n
}

// BuildTargets matches anchors to ground-truth boxes.
//
// An anchor is positive if its IoU with some GT box is at least
// RPNPositiveIoU, or if it is the best anchor for some GT box. It is
// negative if its best IoU is below RPNNegativeIoU. Positives are capped at
// half of RPNTrainAnchorsPerImage and negatives fill the rest; surplus
// anchors are reset to Neutral at random using rng.
func BuildTargets(cfg *config.Config, anchors, gt []box.Box, rng *rand.Rand) *Targets {
	t := &Targets{
		Match:  make([]int, len(anchors)),
		Deltas: make([]box.Delta, len(anchors)),
	}
	best := make([]int, len(anchors))

	if len(gt) == 0 {
		for i := range t.Match {
			t.Match[i] = Negative
		}
	} else {
		overlaps := box.Overlaps(anchors, gt)
		bestIoU := make([]float64, len(anchors))
		for i, row := range overlaps {
			for j, iou := range row {
				if j == 0 || iou > bestIoU[i] {
					bestIoU[i], best[i] = iou, j
				}
			}
			if bestIoU[i] < cfg.RPNNegativeIoU {
				t.Match[i] = Negative
			}
		}
		// The best anchor for each GT is positive regardless of its IoU.
		for j := range gt {
			arg, top := -1, 0.0
			for i := range anchors {
				if overlaps[i][j] > top {
					arg, top = i, overlaps[i][j]
				}
			}
			if arg >= 0 {
				t.Match[arg] = Positive
				best[arg] = j
			}
		}
		for i, iou := range bestIoU {
			if iou >= cfg.RPNPositiveIoU {
				t.Match[i] = Positive
			}
		}
	}

	positives := subsample(t.Match, Positive, cfg.RPNTrainAnchorsPerImage/2, rng)
	subsample(t.Match, Negative, cfg.RPNTrainAnchorsPerImage-positives, rng)

	std := box.StdDev(cfg.RPNBBoxStdDev)
	for i, m := range t.Match {
		if m == Positive {
			t.Deltas[i] = box.Encode(anchors[i], gt[best[i]], std)
		}
	}
	return t
}

// subsample resets random surplus entries equal to label to Neutral so at
// most limit remain, and returns how many remain.
func subsample(match []int, label, limit int, rng *rand.Rand) int {
	var idx []int
	for i, m := range match {
		if m == label {
			idx = append(idx, i)
		}
	}
	if len(idx) <= limit {
		return len(idx)
	}
	rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	for _, i := range idx[limit:] {
		match[i] = Neutral
	}
	return limit
}
