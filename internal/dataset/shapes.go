// Package dataset generates synthetic instance segmentation data: random
// squares, circles and triangles on a plain background.
package dataset

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"golang.org/x/image/draw"
	"golang.org/x/image/vector"

	"github.com/born-ml/maskrcnn/internal/box"
)

// Shape classes. Class 0 is background.
const (
	Square   = 1
	Circle   = 2
	Triangle = 3

	NumClasses = 4
)

// ClassNames indexes class names by id.
var ClassNames = []string{"BG", "square", "circle", "triangle"}

// Shape is one drawn shape. Size is the half extent in pixels.
type Shape struct {
	Class  int
	Color  color.RGBA
	CX, CY int
	Size   int
}

// Bounds returns the shape's nominal box.
func (s Shape) Bounds() box.Box {
	return box.Box{
		X1: float64(s.CX - s.Size), Y1: float64(s.CY - s.Size),
		X2: float64(s.CX + s.Size), Y2: float64(s.CY + s.Size),
	}
}

// Sample is one generated image with its shapes in drawing order.
type Sample struct {
	Image  *image.RGBA
	Shapes []Shape
	// Masks are the visible pixels of each shape after later shapes are
	// drawn over it.
	Masks []*image.Alpha
}

// Generator draws random samples.
type Generator struct {
	width, height int
	maxShapes     int
}

// NewGenerator returns a generator of width × height images with one to
// maxShapes shapes each.
func NewGenerator(width, height, maxShapes int) *Generator {
	return &Generator{width: width, height: height, maxShapes: max(1, maxShapes)}
}

func randomColor(rng *rand.Rand) color.RGBA {
	return color.RGBA{R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256)), A: 255}
}

func (g *Generator) randomShape(rng *rand.Rand) Shape {
	buffer := 4
	minSize := max(2, min(g.width, g.height)/16)
	maxSize := max(minSize+1, min(g.width, g.height)/4)
	size := minSize + rng.Intn(maxSize-minSize)
	return Shape{
		Class: 1 + rng.Intn(NumClasses-1),
		Color: randomColor(rng),
		CX:    buffer + rng.Intn(max(1, g.width-2*buffer)),
		CY:    buffer + rng.Intn(max(1, g.height-2*buffer)),
		Size:  size,
	}
}

// Generate draws a sample. Shapes whose boxes overlap an earlier shape by
// more than 0.3 IoU are discarded.
func (g *Generator) Generate(rng *rand.Rand) *Sample {
	n := 1 + rng.Intn(g.maxShapes)
	candidates := make([]Shape, n)
	boxes := make([]box.Box, n)
	order := make([]float64, n)
	for i := range candidates {
		candidates[i] = g.randomShape(rng)
		boxes[i] = candidates[i].Bounds()
		order[i] = float64(n - i)
	}
	var shapes []Shape
	kept := box.NMS(boxes, order, 0.3, 0)
	for i := range candidates {
		for _, k := range kept {
			if k == i {
				shapes = append(shapes, candidates[i])
				break
			}
		}
	}

	img := image.NewRGBA(image.Rect(0, 0, g.width, g.height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: randomColor(rng)}, image.Point{}, draw.Src)

	masks := make([]*image.Alpha, len(shapes))
	for i, s := range shapes {
		masks[i] = g.rasterize(s)
		draw.DrawMask(img, img.Bounds(), &image.Uniform{C: s.Color}, image.Point{}, masks[i], image.Point{}, draw.Over)
		for j := 0; j < i; j++ {
			occlude(masks[j], masks[i])
		}
	}
	return &Sample{Image: img, Shapes: shapes, Masks: masks}
}

// rasterize returns the binary coverage of s.
func (g *Generator) rasterize(s Shape) *image.Alpha {
	z := vector.NewRasterizer(g.width, g.height)
	cx, cy, r := float32(s.CX), float32(s.CY), float32(s.Size)
	switch s.Class {
	case Square:
		z.MoveTo(cx-r, cy-r)
		z.LineTo(cx+r, cy-r)
		z.LineTo(cx+r, cy+r)
		z.LineTo(cx-r, cy+r)
	case Circle:
		const segments = 32
		for k := 0; k < segments; k++ {
			a := 2 * math.Pi * float64(k) / segments
			x := cx + r*float32(math.Cos(a))
			y := cy + r*float32(math.Sin(a))
			if k == 0 {
				z.MoveTo(x, y)
			} else {
				z.LineTo(x, y)
			}
		}
	case Triangle:
		sin60 := float32(math.Sin(math.Pi / 3))
		z.MoveTo(cx, cy-r)
		z.LineTo(cx-r/sin60, cy+r)
		z.LineTo(cx+r/sin60, cy+r)
	}
	z.ClosePath()

	mask := image.NewAlpha(image.Rect(0, 0, g.width, g.height))
	z.Draw(mask, mask.Bounds(), image.Opaque, image.Point{})
	for i, v := range mask.Pix {
		if v >= 128 {
			mask.Pix[i] = 255
		} else {
			mask.Pix[i] = 0
		}
	}
	return mask
}

// occlude clears the pixels of below covered by above.
func occlude(below, above *image.Alpha) {
	for i, v := range above.Pix {
		if v != 0 {
			below.Pix[i] = 0
		}
	}
}
