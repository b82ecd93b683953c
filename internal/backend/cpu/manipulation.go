package cpu

import (
	"fmt"

	"github.com/born-ml/maskrcnn/internal/tensor"
)

// Reshape returns a copy of t with a new shape of equal element count.
func (cpu *CPUBackend) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	if newShape.NumElements() != t.NumElements() {
		panic(fmt.Sprintf("reshape: cannot reshape %v (%d elements) to %v (%d elements)",
			t.Shape(), t.NumElements(), newShape, newShape.NumElements()))
	}
	result := tensor.MustRaw("reshape", newShape, cpu.device)
	copy(result.Data(), t.Data())
	return result
}

// Transpose permutes the dimensions of t. With no axes the order is reversed.
func (cpu *CPUBackend) Transpose(t *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	shape := t.Shape()
	rank := len(shape)
	if len(axes) == 0 {
		axes = make([]int, rank)
		for i := range axes {
			axes[i] = rank - 1 - i
		}
	}
	if len(axes) != rank {
		panic(fmt.Sprintf("transpose: %d axes for rank %d tensor", len(axes), rank))
	}
	seen := make([]bool, rank)
	outShape := make(tensor.Shape, rank)
	for i, a := range axes {
		if a < 0 || a >= rank || seen[a] {
			panic(fmt.Sprintf("transpose: invalid permutation %v", axes))
		}
		seen[a] = true
		outShape[i] = shape[a]
	}

	result := tensor.MustRaw("transpose", outShape, cpu.device)
	in := t.Data()
	out := result.Data()
	if len(out) == 0 {
		return result
	}

	inStrides := t.Strides()
	// srcStrides[i] is the input stride walked by output dimension i.
	srcStrides := make([]int, rank)
	for i, a := range axes {
		srcStrides[i] = inStrides[a]
	}
	idx := make([]int, rank)
	off := 0
	for i := range out {
		out[i] = in[off]
		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			off += srcStrides[d]
			if idx[d] < outShape[d] {
				break
			}
			off -= srcStrides[d] * outShape[d]
			idx[d] = 0
		}
	}
	return result
}

// outerInner splits shape around dim into (outer, dimSize, inner) extents.
func outerInner(shape tensor.Shape, dim int) (outer, size, inner int) {
	outer, inner = 1, 1
	for i := 0; i < dim; i++ {
		outer *= shape[i]
	}
	for i := dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	return outer, shape[dim], inner
}

// Cat concatenates tensors along dim. All other dimensions must match.
func (cpu *CPUBackend) Cat(tensors []*tensor.RawTensor, dim int) *tensor.RawTensor {
	if len(tensors) == 0 {
		panic("cat: no tensors")
	}
	first := tensors[0].Shape()
	dim = tensor.NormalizeDim("cat", dim, len(first))

	outShape := first.Clone()
	outShape[dim] = 0
	for _, t := range tensors {
		s := t.Shape()
		if len(s) != len(first) {
			panic(fmt.Sprintf("cat: rank mismatch %v vs %v", s, first))
		}
		for i := range s {
			if i != dim && s[i] != first[i] {
				panic(fmt.Sprintf("cat: shape mismatch %v vs %v at dimension %d", s, first, i))
			}
		}
		outShape[dim] += s[dim]
	}

	result := tensor.MustRaw("cat", outShape, cpu.device)
	out := result.Data()
	outer, total, inner := outerInner(outShape, dim)
	offset := 0
	for _, t := range tensors {
		size := t.Shape()[dim]
		src := t.Data()
		for o := 0; o < outer; o++ {
			copy(out[(o*total+offset)*inner:(o*total+offset+size)*inner], src[o*size*inner:(o+1)*size*inner])
		}
		offset += size
	}
	return result
}

// Slice returns elements [start, end) along dim.
func (cpu *CPUBackend) Slice(x *tensor.RawTensor, dim, start, end int) *tensor.RawTensor {
	shape := x.Shape()
	dim = tensor.NormalizeDim("slice", dim, len(shape))
	if start < 0 || end > shape[dim] || start > end {
		panic(fmt.Sprintf("slice: range [%d, %d) out of bounds for dimension %d of %v", start, end, dim, shape))
	}

	outShape := shape.Clone()
	outShape[dim] = end - start
	result := tensor.MustRaw("slice", outShape, cpu.device)
	out := result.Data()
	src := x.Data()
	outer, size, inner := outerInner(shape, dim)
	n := end - start
	for o := 0; o < outer; o++ {
		copy(out[o*n*inner:(o+1)*n*inner], src[(o*size+start)*inner:(o*size+end)*inner])
	}
	return result
}

// IndexSelect gathers rows of dim 0.
func (cpu *CPUBackend) IndexSelect(x *tensor.RawTensor, indices []int) *tensor.RawTensor {
	shape := x.Shape()
	if len(shape) == 0 {
		panic("index_select: scalar input")
	}
	rowSize := 1
	for _, d := range shape[1:] {
		rowSize *= d
	}
	outShape := shape.Clone()
	outShape[0] = len(indices)

	result := tensor.MustRaw("index_select", outShape, cpu.device)
	out := result.Data()
	src := x.Data()
	for i, idx := range indices {
		if idx < 0 || idx >= shape[0] {
			panic(fmt.Sprintf("index_select: index %d out of range for %d rows", idx, shape[0]))
		}
		copy(out[i*rowSize:(i+1)*rowSize], src[idx*rowSize:(idx+1)*rowSize])
	}
	return result
}

// IndexAdd is the adjoint of IndexSelect: it returns a tensor with rows
// rows in which row indices[i] accumulates grad row i.
func (cpu *CPUBackend) IndexAdd(grad *tensor.RawTensor, indices []int, rows int) *tensor.RawTensor {
	shape := grad.Shape()
	if len(shape) == 0 || shape[0] != len(indices) {
		panic(fmt.Sprintf("index_add: gradient %v does not match %d indices", shape, len(indices)))
	}
	rowSize := 1
	for _, d := range shape[1:] {
		rowSize *= d
	}
	outShape := shape.Clone()
	outShape[0] = rows

	result := tensor.MustRaw("index_add", outShape, cpu.device)
	out := result.Data()
	g := grad.Data()
	for i, idx := range indices {
		dst := out[idx*rowSize : (idx+1)*rowSize]
		for j, v := range g[i*rowSize : (i+1)*rowSize] {
			dst[j] += v
		}
	}
	return result
}
