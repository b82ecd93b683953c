package tensor

import (
	"fmt"
)

// Device represents the compute device for tensor operations.
type Device int

// Supported compute devices.
const (
	CPU Device = iota
)

// String returns a human-readable device name.
func (d Device) String() string {
	switch d {
	case CPU:
		return "CPU"
	default:
		return "Unknown"
	}
}

// RawTensor is the low-level tensor representation: a dense row-major
// float32 buffer with a shape.
//
// Detection networks only ever carry float32 activations; integer targets
// (class ids, anchor matches) stay on the host as Go slices.
type RawTensor struct {
	data   []float32
	shape  Shape
	stride []int
	device Device
}

// NewRaw creates a new zero-filled RawTensor with the given shape.
func NewRaw(shape Shape, device Device) (*RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}

	return &RawTensor{
		data:   make([]float32, shape.NumElements()),
		shape:  shape.Clone(),
		stride: shape.ComputeStrides(),
		device: device,
	}, nil
}

// MustRaw is NewRaw for shapes computed internally by an op; it panics on error.
func MustRaw(op string, shape Shape, device Device) *RawTensor {
	r, err := NewRaw(shape, device)
	if err != nil {
		panic(fmt.Sprintf("%s: failed to create result tensor: %v", op, err))
	}
	return r
}

// RawFromSlice wraps a copy of data in a RawTensor of the given shape.
func RawFromSlice(data []float32, shape Shape, device Device) (*RawTensor, error) {
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v requires %d elements, but got %d", shape, shape.NumElements(), len(data))
	}
	r, err := NewRaw(shape, device)
	if err != nil {
		return nil, err
	}
	copy(r.data, data)
	return r, nil
}

// Shape returns the tensor's shape.
func (r *RawTensor) Shape() Shape {
	return r.shape
}

// Strides returns the tensor's row-major strides.
func (r *RawTensor) Strides() []int {
	return r.stride
}

// Device returns the compute device.
func (r *RawTensor) Device() Device {
	return r.device
}

// NumElements returns the total number of elements.
func (r *RawTensor) NumElements() int {
	return len(r.data)
}

// Data returns the underlying buffer. Writes are visible to every holder of r.
func (r *RawTensor) Data() []float32 {
	return r.data
}

// Item returns the single value of a one-element tensor.
func (r *RawTensor) Item() float32 {
	if len(r.data) != 1 {
		panic(fmt.Sprintf("item: tensor has %d elements, expected 1", len(r.data)))
	}
	return r.data[0]
}

// Clone returns a deep copy.
func (r *RawTensor) Clone() *RawTensor {
	data := make([]float32, len(r.data))
	copy(data, r.data)
	return &RawTensor{
		data:   data,
		shape:  r.shape.Clone(),
		stride: append([]int(nil), r.stride...),
		device: r.device,
	}
}

// View returns a tensor sharing r's buffer under a new shape with the same
// element count.
func (r *RawTensor) View(shape Shape) *RawTensor {
	if shape.NumElements() != len(r.data) {
		panic(fmt.Sprintf("view: cannot view %v (%d elements) as %v", r.shape, len(r.data), shape))
	}
	return &RawTensor{
		data:   r.data,
		shape:  shape.Clone(),
		stride: shape.ComputeStrides(),
		device: r.device,
	}
}

// String returns a short description of the tensor.
func (r *RawTensor) String() string {
	return fmt.Sprintf("RawTensor(shape=%v, device=%s)", r.shape, r.device)
}
