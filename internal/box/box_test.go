package box

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

var std = Delta{0.1, 0.1, 0.2, 0.2}

func TestIoU(t *testing.T) {
	a := Box{0, 0, 10, 10}
	assert.InDelta(t, 1.0, IoU(a, a), 1e-12)
	assert.InDelta(t, 25.0/175.0, IoU(a, Box{5, 5, 15, 15}), 1e-12)
	assert.Zero(t, IoU(a, Box{10, 10, 20, 20}))
	assert.Zero(t, IoU(a, Box{3, 3, 3, 3}))
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	anchors := []Box{{0, 0, 32, 32}, {10, 20, 50, 40}, {100, 100, 356, 228}}
	targets := []Box{{4, -3, 40, 30}, {12, 18, 47, 44}, {90, 150, 300, 200}}
	for i := range anchors {
		d := Encode(anchors[i], targets[i], std)
		got := Decode(anchors[i], d, std)
		assert.InDelta(t, targets[i].X1, got.X1, 1e-9)
		assert.InDelta(t, targets[i].Y1, got.Y1, 1e-9)
		assert.InDelta(t, targets[i].X2, got.X2, 1e-9)
		assert.InDelta(t, targets[i].Y2, got.Y2, 1e-9)
	}
}

func TestEncode_Values(t *testing.T) {
	d := Encode(Box{0, 0, 10, 10}, Box{5, 0, 15, 20}, Delta{1, 1, 1, 1})
	assert.InDelta(t, 0.5, d[0], 1e-12)
	assert.InDelta(t, 0.5, d[1], 1e-12)
	assert.InDelta(t, 0, d[2], 1e-12)
	assert.InDelta(t, math.Log(2), d[3], 1e-12)
}

func TestClipNormalize(t *testing.T) {
	b := Clip(Box{-5, 3, 120, 70}, 100, 64)
	assert.Equal(t, Box{0, 3, 100, 64}, b)

	n := Normalize(Box{10, 8, 50, 32}, 100, 64)
	assert.Equal(t, Box{0.1, 0.125, 0.5, 0.5}, n)
	assert.Equal(t, Box{10, 8, 50, 32}, Denormalize(n, 100, 64))
}

func TestOrder_StableDescending(t *testing.T) {
	assert.Equal(t, []int{1, 0, 3, 2}, Order([]float64{0.5, 0.9, 0.1, 0.5}))
	assert.Equal(t, []int{1, 0}, TopK([]float64{0.5, 0.9, 0.1, 0.5}, 2))
	assert.Empty(t, Order(nil))
}

func TestNMS(t *testing.T) {
	boxes := []Box{
		{0, 0, 10, 10},
		{1, 1, 11, 11}, // IoU with 0 is 81/119
		{20, 20, 30, 30},
		{0, 0, 10, 9}, // IoU with 0 is 0.9
	}
	scores := []float64{0.9, 0.8, 0.7, 0.95}

	assert.Equal(t, []int{3, 2}, NMS(boxes, scores, 0.3, 0))
	assert.Equal(t, []int{3, 1, 2}, NMS(boxes, scores, 0.7, 0))
	assert.Equal(t, []int{3}, NMS(boxes, scores, 0.3, 1))
	assert.Empty(t, NMS(nil, nil, 0.5, 10))
}
