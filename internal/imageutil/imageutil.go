// Package imageutil converts between images and the network's molded
// input format, and projects detections back onto the source image.
package imageutil

import (
	"image"
	"image/color"
	"math"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	// Registered decoders for Load.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/born-ml/maskrcnn/internal/box"
	"github.com/born-ml/maskrcnn/internal/detect"
)

// Molded is an image resized and padded to the network input size.
type Molded struct {
	// Data is [3, Height, Width] with the mean pixel subtracted.
	Data   []float32
	Height int
	Width  int
	// Window is the region of the molded image holding the source image.
	Window image.Rectangle
	// Scale maps source pixels to molded pixels.
	Scale float64
	// Source size.
	SourceWidth  int
	SourceHeight int
}

// Load decodes an image file.
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode image %s", path)
	}
	return img, nil
}

// Mold resizes img to fit height × width keeping its aspect ratio, centres
// it on a zero canvas and subtracts meanPixel (RGB).
func Mold(img image.Image, height, width int, meanPixel []float32) *Molded {
	b := img.Bounds()
	sw, sh := b.Dx(), b.Dy()
	scale := math.Min(float64(width)/float64(sw), float64(height)/float64(sh))
	rw := max(1, int(math.Round(float64(sw)*scale)))
	rh := max(1, int(math.Round(float64(sh)*scale)))
	left, top := (width-rw)/2, (height-rh)/2
	window := image.Rect(left, top, left+rw, top+rh)

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(canvas, window, img, b, draw.Src, nil)

	plane := height * width
	data := make([]float32, 3*plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := canvas.PixOffset(x, y)
			p := y*width + x
			if !(image.Point{X: x, Y: y}).In(window) {
				continue
			}
			data[p] = float32(canvas.Pix[i]) - meanPixel[0]
			data[plane+p] = float32(canvas.Pix[i+1]) - meanPixel[1]
			data[2*plane+p] = float32(canvas.Pix[i+2]) - meanPixel[2]
		}
	}
	return &Molded{
		Data:         data,
		Height:       height,
		Width:        width,
		Window:       window,
		Scale:        scale,
		SourceWidth:  sw,
		SourceHeight: sh,
	}
}

// ToSource maps a molded-image box back to source-image pixels.
func (m *Molded) ToSource(b box.Box) box.Box {
	ox, oy := float64(m.Window.Min.X), float64(m.Window.Min.Y)
	out := box.Box{
		X1: (b.X1 - ox) / m.Scale,
		Y1: (b.Y1 - oy) / m.Scale,
		X2: (b.X2 - ox) / m.Scale,
		Y2: (b.Y2 - oy) / m.Scale,
	}
	return box.Clip(out, float64(m.SourceWidth), float64(m.SourceHeight))
}

// UnmoldMask resizes a mh × mw probability mask into b (source pixels) and
// thresholds it at 0.5, producing a full-size binary mask (0 or 255).
func UnmoldMask(mask []float32, mh, mw int, b box.Box, height, width int) *image.Gray {
	full := image.NewGray(image.Rect(0, 0, width, height))
	x1, y1 := int(math.Round(b.X1)), int(math.Round(b.Y1))
	x2, y2 := int(math.Round(b.X2)), int(math.Round(b.Y2))
	dst := image.Rect(x1, y1, x2, y2).Intersect(full.Bounds())
	if dst.Empty() {
		return full
	}

	small := image.NewGray(image.Rect(0, 0, mw, mh))
	for i, v := range mask[:mh*mw] {
		small.Pix[i] = uint8(math.Round(255 * math.Max(0, math.Min(1, float64(v)))))
	}
	resized := image.NewGray(image.Rect(0, 0, x2-x1, y2-y1))
	draw.BiLinear.Scale(resized, resized.Bounds(), small, small.Bounds(), draw.Src, nil)

	for y := dst.Min.Y; y < dst.Max.Y; y++ {
		for x := dst.Min.X; x < dst.Max.X; x++ {
			if resized.GrayAt(x-x1, y-y1).Y >= 128 {
				full.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return full
}

// Instance is a detection projected onto the source image.
type Instance struct {
	ClassID int
	Score   float64
	Box     box.Box
	Mask    *image.Gray
}

// Unmold projects the valid detections of one image onto its source.
// mh × mw is the mask-head output size.
func Unmold(dets *detect.ImageDetections, m *Molded, mh, mw int) []Instance {
	var out []Instance
	for _, d := range dets.Valid() {
		b := m.ToSource(d.Box)
		if b.IsEmpty() {
			continue
		}
		inst := Instance{ClassID: d.ClassID, Score: d.Score, Box: b}
		if d.Mask != nil {
			inst.Mask = UnmoldMask(d.Mask, mh, mw, b, m.SourceHeight, m.SourceWidth)
		}
		out = append(out, inst)
	}
	return out
}

// MaskArea counts the set pixels of a binary mask.
func MaskArea(m *image.Gray) int {
	n := 0
	for _, v := range m.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}
