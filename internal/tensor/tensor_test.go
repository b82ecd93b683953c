package tensor_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/maskrcnn/internal/backend/cpu"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

func TestBroadcastShapes(t *testing.T) {
	tests := []struct {
		name      string
		a, b      tensor.Shape
		want      tensor.Shape
		broadcast bool
		wantErr   bool
	}{
		{"equal", tensor.Shape{3, 5}, tensor.Shape{3, 5}, tensor.Shape{3, 5}, false, false},
		{"column", tensor.Shape{3, 1}, tensor.Shape{3, 5}, tensor.Shape{3, 5}, true, false},
		{"rank", tensor.Shape{1, 4, 1, 1}, tensor.Shape{2, 4, 3, 3}, tensor.Shape{2, 4, 3, 3}, true, false},
		{"scalar", tensor.Shape{}, tensor.Shape{2}, tensor.Shape{2}, true, false},
		{"incompatible", tensor.Shape{3, 4}, tensor.Shape{3, 5}, nil, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, broadcast, err := tensor.BroadcastShapes(tt.a, tt.b)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.broadcast, broadcast)
		})
	}
}

func TestShape_ZeroSizedIsValid(t *testing.T) {
	s := tensor.Shape{0, 4}
	assert.NoError(t, s.Validate())
	assert.Equal(t, 0, s.NumElements())
	assert.Error(t, tensor.Shape{-1, 4}.Validate())
}

func TestFromSlice_SizeMismatch(t *testing.T) {
	_, err := tensor.FromSlice([]float32{1, 2, 3}, tensor.Shape{2, 2}, cpu.New())
	assert.Error(t, err)
}

func TestReshape_InfersDimension(t *testing.T) {
	b := cpu.New()
	x := tensor.Zeros(tensor.Shape{2, 3, 4}, b)

	assert.Equal(t, tensor.Shape{6, 4}, x.Reshape(-1, 4).Shape())
	assert.Equal(t, tensor.Shape{2, 12}, x.Reshape(2, -1).Shape())
	assert.Panics(t, func() { x.Reshape(-1, -1) })
}

func TestAt(t *testing.T) {
	b := cpu.New()
	x := tensor.MustFromSlice([]float32{0, 1, 2, 3, 4, 5}, tensor.Shape{2, 3}, b)

	assert.Equal(t, float32(5), x.At(1, 2))
	assert.Equal(t, float32(3), x.At(1, 0))
	assert.Panics(t, func() { x.At(2, 0) })
}

func TestRandn_Seeded(t *testing.T) {
	b := cpu.New()
	a := tensor.Randn(tensor.Shape{16}, 0.01, rand.New(rand.NewSource(7)), b)
	c := tensor.Randn(tensor.Shape{16}, 0.01, rand.New(rand.NewSource(7)), b)
	assert.Equal(t, a.Data(), c.Data())
}

func TestDetach_Copies(t *testing.T) {
	b := cpu.New()
	x := tensor.Ones(tensor.Shape{2}, b)
	d := x.Detach()
	d.Data()[0] = 5
	assert.Equal(t, float32(1), x.Data()[0])
}
