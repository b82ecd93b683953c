// Package loss implements the five Mask R-CNN training losses.
//
// Every loss returns a scalar tensor. When a loss has no targets (no
// non-neutral anchors, no positive RoIs, ...) it returns a constant zero
// that is not connected to the graph, so it contributes neither value nor
// gradient to the total.
package loss

import (
	"fmt"
	"math"

	"github.com/born-ml/maskrcnn/internal/anchor"
	"github.com/born-ml/maskrcnn/internal/box"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// bceEps keeps log() finite for saturated mask probabilities.
const bceEps = 1e-7

// Losses holds the individual terms and their unweighted sum.
type Losses[B tensor.Backend] struct {
	RPNClass *tensor.Tensor[B]
	RPNBBox  *tensor.Tensor[B]
	Class    *tensor.Tensor[B]
	BBox     *tensor.Tensor[B]
	Mask     *tensor.Tensor[B]
	Total    *tensor.Tensor[B]
}

// Values holds the scalar values of a Losses.
type Values struct {
	Total, RPNClass, RPNBBox, Class, BBox, Mask float64
}

// Sum returns the unweighted sum of the five terms.
func Sum[B tensor.Backend](rpnClass, rpnBBox, class, bbox, mask *tensor.Tensor[B]) *Losses[B] {
	return &Losses[B]{
		RPNClass: rpnClass,
		RPNBBox:  rpnBBox,
		Class:    class,
		BBox:     bbox,
		Mask:     mask,
		Total:    rpnClass.Add(rpnBBox).Add(class).Add(bbox).Add(mask),
	}
}

// Values reads the scalar values.
func (l *Losses[B]) Values() Values {
	return Values{
		Total:    float64(l.Total.Item()),
		RPNClass: float64(l.RPNClass.Item()),
		RPNBBox:  float64(l.RPNBBox.Item()),
		Class:    float64(l.Class.Item()),
		BBox:     float64(l.BBox.Item()),
		Mask:     float64(l.Mask.Item()),
	}
}

// String formats the values as a progress line.
func (v Values) String() string {
	return fmt.Sprintf("loss: %.5f - rpn_class: %.5f - rpn_bbox: %.5f - mrcnn_class: %.5f - mrcnn_bbox: %.5f - mrcnn_mask: %.5f",
		v.Total, v.RPNClass, v.RPNBBox, v.Class, v.BBox, v.Mask)
}

// Add accumulates o into v.
func (v Values) Add(o Values) Values {
	return Values{
		Total:    v.Total + o.Total,
		RPNClass: v.RPNClass + o.RPNClass,
		RPNBBox:  v.RPNBBox + o.RPNBBox,
		Class:    v.Class + o.Class,
		BBox:     v.BBox + o.BBox,
		Mask:     v.Mask + o.Mask,
	}
}

// Scale multiplies every value by s.
func (v Values) Scale(s float64) Values {
	return Values{v.Total * s, v.RPNClass * s, v.RPNBBox * s, v.Class * s, v.BBox * s, v.Mask * s}
}

func zero[B tensor.Backend](backend B) *tensor.Tensor[B] {
	return tensor.Zeros(tensor.Shape{}, backend)
}

// RPNClass is the anchor foreground/background cross-entropy.
//
// logits is [N, A, 2] and match holds N·A labels. Neutral anchors are
// ignored; the target is foreground for positive anchors.
func RPNClass[B tensor.Backend](logits *tensor.Tensor[B], match []int) *tensor.Tensor[B] {
	s := logits.Shape()
	rows := s[0] * s[1]
	if len(match) != rows {
		panic(fmt.Sprintf("rpn class loss: %d labels for %d anchors", len(match), rows))
	}
	var idx, labels []int
	for i, m := range match {
		if m == anchor.Neutral {
			continue
		}
		idx = append(idx, i)
		if m == anchor.Positive {
			labels = append(labels, 1)
		} else {
			labels = append(labels, 0)
		}
	}
	if len(idx) == 0 {
		return zero(logits.Backend())
	}
	return CrossEntropy(logits.Reshape(rows, 2).IndexSelect(idx), labels)
}

// RPNBBox is the smooth-L1 loss between predicted and target deltas of
// positive anchors, averaged over their coordinates.
//
// deltas is [N, A, 4]; targets and match hold N·A entries.
func RPNBBox[B tensor.Backend](deltas *tensor.Tensor[B], targets []box.Delta, match []int) *tensor.Tensor[B] {
	s := deltas.Shape()
	rows := s[0] * s[1]
	if len(match) != rows || len(targets) != rows {
		panic(fmt.Sprintf("rpn bbox loss: %d labels and %d targets for %d anchors", len(match), len(targets), rows))
	}
	var idx []int
	var want []box.Delta
	for i, m := range match {
		if m == anchor.Positive {
			idx = append(idx, i)
			want = append(want, targets[i])
		}
	}
	if len(idx) == 0 {
		return zero(deltas.Backend())
	}
	return SmoothL1(deltas.Reshape(rows, 4).IndexSelect(idx), want)
}

// Class is the cross-entropy of the head logits [R, K] over all sampled
// RoIs.
func Class[B tensor.Backend](logits *tensor.Tensor[B], classIDs []int) *tensor.Tensor[B] {
	if len(classIDs) != logits.Shape()[0] {
		panic(fmt.Sprintf("class loss: %d labels for %d rois", len(classIDs), logits.Shape()[0]))
	}
	if len(classIDs) == 0 {
		return zero(logits.Backend())
	}
	return CrossEntropy(logits, classIDs)
}

// BBox is the smooth-L1 loss of positive RoIs, evaluated only at the
// deltas predicted for their ground-truth class. deltas is [R, K, 4].
func BBox[B tensor.Backend](deltas *tensor.Tensor[B], targets []box.Delta, classIDs []int) *tensor.Tensor[B] {
	s := deltas.Shape()
	r, k := s[0], s[1]
	if len(classIDs) != r || len(targets) != r {
		panic(fmt.Sprintf("bbox loss: %d labels and %d targets for %d rois", len(classIDs), len(targets), r))
	}
	var idx []int
	var want []box.Delta
	for i, c := range classIDs {
		if c > 0 {
			idx = append(idx, i*k+c)
			want = append(want, targets[i])
		}
	}
	if len(idx) == 0 {
		return zero(deltas.Backend())
	}
	return SmoothL1(deltas.Reshape(r*k, 4).IndexSelect(idx), want)
}

// Mask is the binary cross-entropy of positive RoIs at their ground-truth
// class channel. probs is [R, K, H, W]; masks holds one H·W target per
// positive RoI, in RoI order.
func Mask[B tensor.Backend](probs *tensor.Tensor[B], masks [][]float32, classIDs []int) *tensor.Tensor[B] {
	s := probs.Shape()
	r, k, hw := s[0], s[1], s[2]*s[3]
	if len(classIDs) != r {
		panic(fmt.Sprintf("mask loss: %d labels for %d rois", len(classIDs), r))
	}
	var idx []int
	var target []float32
	for i, c := range classIDs {
		if c <= 0 {
			continue
		}
		m := masks[len(idx)]
		if len(m) != hw {
			panic(fmt.Sprintf("mask loss: target has %d values, want %d", len(m), hw))
		}
		idx = append(idx, i*k+c)
		target = append(target, m...)
	}
	if len(idx) == 0 {
		return zero(probs.Backend())
	}
	pred := probs.Reshape(r*k, hw).IndexSelect(idx)
	return BinaryCrossEntropy(pred, target)
}

// CrossEntropy returns the mean negative log-likelihood of labels under
// softmax(logits) for logits [M, K].
func CrossEntropy[B tensor.Backend](logits *tensor.Tensor[B], labels []int) *tensor.Tensor[B] {
	s := logits.Shape()
	m, k := s[0], s[1]
	backend := logits.Backend()

	// Shift by the row max (a constant) for a stable log-sum-exp.
	data := logits.Data()
	shift := make([]float32, m)
	onehot := make([]float32, m*k)
	for i := 0; i < m; i++ {
		row := data[i*k : (i+1)*k]
		mx := row[0]
		for _, v := range row[1:] {
			mx = max(mx, v)
		}
		shift[i] = mx
		if labels[i] < 0 || labels[i] >= k {
			panic(fmt.Sprintf("cross entropy: label %d out of range [0, %d)", labels[i], k))
		}
		onehot[i*k+labels[i]] = 1
	}
	z := logits.Sub(tensor.MustFromSlice(shift, tensor.Shape{m, 1}, backend))
	lse := z.Exp().SumDim(1, true).Log()
	logp := z.Sub(lse)
	picked := logp.Mul(tensor.MustFromSlice(onehot, tensor.Shape{m, k}, backend)).Sum()
	return picked.MulScalar(-1 / float32(m))
}

// SmoothL1 returns the mean smooth-L1 (β = 1) distance between pred [P, 4]
// and target.
func SmoothL1[B tensor.Backend](pred *tensor.Tensor[B], target []box.Delta) *tensor.Tensor[B] {
	backend := pred.Backend()
	flat := make([]float32, 0, 4*len(target))
	for _, d := range target {
		flat = append(flat, float32(d[0]), float32(d[1]), float32(d[2]), float32(d[3]))
	}
	diff := pred.Sub(tensor.MustFromSlice(flat, pred.Shape(), backend))

	// Branch selection is piecewise constant, so it is computed on the host.
	values := diff.Data()
	quad := make([]float32, len(values))
	lin := make([]float32, len(values))
	sign := make([]float32, len(values))
	for i, d := range values {
		switch {
		case math.Abs(float64(d)) < 1:
			quad[i] = 1
		case d > 0:
			lin[i], sign[i] = 1, 1
		default:
			lin[i], sign[i] = 1, -1
		}
	}
	quadMask := tensor.MustFromSlice(quad, diff.Shape(), backend)
	signMask := tensor.MustFromSlice(sign, diff.Shape(), backend)
	linearMask := tensor.MustFromSlice(lin, diff.Shape(), backend)

	squared := diff.Mul(diff).MulScalar(0.5).Mul(quadMask)
	linear := diff.Mul(signMask).AddScalar(-0.5).Mul(linearMask)
	return squared.Add(linear).Sum().MulScalar(1 / float32(len(values)))
}

// BinaryCrossEntropy returns the mean of
// -(y·log(p+ε) + (1-y)·log(1-p+ε)) over all elements of probs.
func BinaryCrossEntropy[B tensor.Backend](probs *tensor.Tensor[B], target []float32) *tensor.Tensor[B] {
	backend := probs.Backend()
	inverse := make([]float32, len(target))
	for i, v := range target {
		inverse[i] = 1 - v
	}
	y := tensor.MustFromSlice(target, probs.Shape(), backend)
	notY := tensor.MustFromSlice(inverse, probs.Shape(), backend)

	pos := probs.AddScalar(bceEps).Log().Mul(y)
	neg := probs.MulScalar(-1).AddScalar(1 + bceEps).Log().Mul(notY)
	return pos.Add(neg).Sum().MulScalar(-1 / float32(len(target)))
}
