// Package fpn implements the feature pyramid that fuses backbone stages
// C2..C5 into P2..P6.
package fpn

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/born-ml/maskrcnn/internal/nn"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// FPN builds P2..P5 top-down from C2..C5 and P6 by subsampling P5.
//
//	P5 = lateral5(C5)
//	Pk = lateralk(Ck) + upsample(P(k+1))    k = 4, 3, 2
//	Pk = smoothk(Pk)                         3×3, SAME
//	P6 = maxpool(P5, kernel 1, stride 2)
type FPN[B tensor.Backend] struct {
	lateral  []*nn.Conv2D[B] // index 0 is P2
	smooth   []*nn.Conv2D[B]
	channels int
}

// New creates the pyramid for backbone outputs with the given channel
// counts (C2..C5).
func New[B tensor.Backend](inChannels []int, outChannels int, rng *rand.Rand, backend B) (*FPN[B], error) {
	if len(inChannels) != 4 {
		return nil, errors.Errorf("fpn: expected 4 backbone stages, got %d", len(inChannels))
	}
	if outChannels <= 0 {
		return nil, errors.Errorf("fpn: invalid channels %d", outChannels)
	}
	f := &FPN[B]{channels: outChannels}
	for i, c := range inChannels {
		lat := nn.NewConv2D(c, outChannels, 1, 1, nn.PadValid, true, rng, backend)
		sm := nn.NewConv2D(outChannels, outChannels, 3, 1, nn.PadSame, true, rng, backend)
		nn.Prefix(fmt.Sprintf("fpn.p%d_lateral", i+2), lat.Parameters())
		nn.Prefix(fmt.Sprintf("fpn.p%d_smooth", i+2), sm.Parameters())
		f.lateral = append(f.lateral, lat)
		f.smooth = append(f.smooth, sm)
	}
	return f, nil
}

// UpsampleFactor returns the integer factor that maps a coarse map of size
// (ch, cw) onto a fine map of size (fh, fw). Sizes must align exactly.
func UpsampleFactor(fh, fw, ch, cw int) (int, error) {
	if ch <= 0 || cw <= 0 || fh%ch != 0 || fw%cw != 0 || fh/ch != fw/cw || fh/ch < 1 {
		return 0, errors.Errorf("fpn: cannot upsample %dx%d onto %dx%d with an integer factor", ch, cw, fh, fw)
	}
	return fh / ch, nil
}

// CheckShapes verifies that backbone outputs of the given [height, width]
// sizes (C2..C5) can be fused.
func CheckShapes(shapes [][2]int) error {
	for i := len(shapes) - 1; i > 0; i-- {
		if _, err := UpsampleFactor(shapes[i-1][0], shapes[i-1][1], shapes[i][0], shapes[i][1]); err != nil {
			return errors.Wrapf(err, "level P%d", i+1)
		}
	}
	return nil
}

// Forward returns [P2, P3, P4, P5, P6] for backbone outputs [C2..C5].
// It panics if neighbouring sizes do not align.
func (f *FPN[B]) Forward(c []*tensor.Tensor[B]) []*tensor.Tensor[B] {
	if len(c) != len(f.lateral) {
		panic(fmt.Sprintf("fpn: expected %d feature maps, got %d", len(f.lateral), len(c)))
	}
	n := len(c)
	p := make([]*tensor.Tensor[B], n)
	p[n-1] = f.lateral[n-1].Forward(c[n-1])
	for i := n - 2; i >= 0; i-- {
		lat := f.lateral[i].Forward(c[i])
		fine, coarse := lat.Shape(), p[i+1].Shape()
		factor, err := UpsampleFactor(fine[2], fine[3], coarse[2], coarse[3])
		if err != nil {
			panic(err.Error())
		}
		up := p[i+1]
		if factor > 1 {
			up = up.Upsample2D(factor)
		}
		p[i] = lat.Add(up)
	}

	out := make([]*tensor.Tensor[B], 0, n+1)
	for i := range p {
		out = append(out, f.smooth[i].Forward(p[i]))
	}
	out = append(out, out[n-1].MaxPool2D(1, 2))
	return out
}

// Parameters returns all pyramid parameters.
func (f *FPN[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	for i := range f.lateral {
		params = append(params, f.lateral[i].Parameters()...)
		params = append(params, f.smooth[i].Parameters()...)
	}
	return params
}

// OutChannels returns the channel width of every pyramid level.
func (f *FPN[B]) OutChannels() int {
	return f.channels
}
