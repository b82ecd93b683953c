package tensor

import "fmt"

// Tensor is a float32 tensor bound to a backend B.
//
// Operations delegate to the backend, so a Tensor over an autodiff backend
// records its operations on that backend's tape.
//
// Example:
//
//	backend := cpu.New()
//	t := tensor.Zeros(Shape{3, 4}, backend)
//	result := t.Add(t)
type Tensor[B Backend] struct {
	raw     *RawTensor
	backend B
}

// New creates a Tensor from a RawTensor and backend.
func New[B Backend](raw *RawTensor, b B) *Tensor[B] {
	return &Tensor[B]{
		raw:     raw,
		backend: b,
	}
}

// FromSlice creates a tensor from a Go slice.
// The slice is copied into the tensor's memory.
func FromSlice[B Backend](data []float32, shape Shape, b B) (*Tensor[B], error) {
	raw, err := RawFromSlice(data, shape, b.Device())
	if err != nil {
		return nil, err
	}
	return New(raw, b), nil
}

// MustFromSlice is FromSlice for shapes known to be valid; it panics on error.
func MustFromSlice[B Backend](data []float32, shape Shape, b B) *Tensor[B] {
	t, err := FromSlice(data, shape, b)
	if err != nil {
		panic(fmt.Sprintf("from slice: %v", err))
	}
	return t
}

// Shape returns the tensor's shape.
func (t *Tensor[B]) Shape() Shape {
	return t.raw.Shape()
}

// Device returns the tensor's compute device.
func (t *Tensor[B]) Device() Device {
	return t.raw.Device()
}

// NumElements returns the total number of elements.
func (t *Tensor[B]) NumElements() int {
	return t.raw.NumElements()
}

// Raw returns the underlying RawTensor.
// Gradients are keyed by RawTensor pointer.
func (t *Tensor[B]) Raw() *RawTensor {
	return t.raw
}

// Backend returns the tensor's backend.
func (t *Tensor[B]) Backend() B {
	return t.backend
}

// Data returns the underlying buffer.
func (t *Tensor[B]) Data() []float32 {
	return t.raw.Data()
}

// Item returns the value of a one-element tensor.
func (t *Tensor[B]) Item() float32 {
	return t.raw.Item()
}

// At returns the element at the given multi-dimensional index.
func (t *Tensor[B]) At(indices ...int) float32 {
	shape := t.Shape()
	if len(indices) != len(shape) {
		panic(fmt.Sprintf("at: expected %d indices, got %d", len(shape), len(indices)))
	}
	strides := t.raw.Strides()
	offset := 0
	for i, idx := range indices {
		if idx < 0 || idx >= shape[i] {
			panic(fmt.Sprintf("at: index %d out of range for dimension %d (size %d)", idx, i, shape[i]))
		}
		offset += idx * strides[i]
	}
	return t.raw.Data()[offset]
}

// Detach returns a copy that shares no history with t: gradients do not
// flow through it.
func (t *Tensor[B]) Detach() *Tensor[B] {
	return New(t.raw.Clone(), t.backend)
}

// String returns a short description of the tensor.
func (t *Tensor[B]) String() string {
	return fmt.Sprintf("Tensor(shape=%v, backend=%s)", t.Shape(), t.backend.Name())
}
