package dataset

import (
	"image"
	"math/rand"

	"golang.org/x/image/draw"

	"github.com/born-ml/maskrcnn/internal/box"
	"github.com/born-ml/maskrcnn/internal/config"
	"github.com/born-ml/maskrcnn/internal/imageutil"
	"github.com/born-ml/maskrcnn/internal/targets"
)

// Example is a molded image and its ground truth in molded pixels.
type Example struct {
	Molded      *imageutil.Molded
	GroundTruth *targets.GroundTruth
}

// Prepare molds s to the configured input size. Instances whose visible
// mask is empty are dropped and at most MaxGTInstances are kept.
func Prepare(cfg *config.Config, s *Sample) *Example {
	m := imageutil.Mold(s.Image, cfg.ImageHeight, cfg.ImageWidth, cfg.MeanPixel)
	gt := &targets.GroundTruth{}
	for i, sh := range s.Shapes {
		if len(gt.Boxes) == cfg.MaxGTInstances {
			break
		}
		mask := moldMask(s.Masks[i], m)
		b, ok := maskBox(mask, cfg.ImageWidth, cfg.ImageHeight)
		if !ok {
			continue
		}
		gt.Boxes = append(gt.Boxes, b)
		gt.ClassIDs = append(gt.ClassIDs, sh.Class)
		gt.Masks = append(gt.Masks, mask)
	}
	return &Example{Molded: m, GroundTruth: gt}
}

// Random generates and prepares one example.
func (g *Generator) Random(cfg *config.Config, rng *rand.Rand) *Example {
	return Prepare(cfg, g.Generate(rng))
}

// moldMask scales a source mask into the molded window and returns it as
// a row-major {0, 1} map of the molded image.
func moldMask(src *image.Alpha, m *imageutil.Molded) []float32 {
	dst := image.NewAlpha(image.Rect(0, 0, m.Width, m.Height))
	draw.NearestNeighbor.Scale(dst, m.Window, src, src.Bounds(), draw.Src, nil)
	out := make([]float32, m.Width*m.Height)
	for i, v := range dst.Pix {
		if v >= 128 {
			out[i] = 1
		}
	}
	return out
}

// maskBox returns the pixel box enclosing the set pixels of mask, with
// exclusive right and bottom edges.
func maskBox(mask []float32, width, height int) (box.Box, bool) {
	x1, y1, x2, y2 := width, height, -1, -1
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if mask[y*width+x] == 0 {
				continue
			}
			x1, y1 = min(x1, x), min(y1, y)
			x2, y2 = max(x2, x), max(y2, y)
		}
	}
	if x2 < 0 {
		return box.Box{}, false
	}
	return box.Box{X1: float64(x1), Y1: float64(y1), X2: float64(x2 + 1), Y2: float64(y2 + 1)}, true
}
