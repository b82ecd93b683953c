package cpu

import (
	"fmt"

	"github.com/born-ml/maskrcnn/internal/parallel"
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// MatMul performs 2D matrix multiplication: [M, K] @ [K, N] -> [M, N].
//
// Rows of the result are computed in parallel; the inner loop runs in i-k-j
// order so both operands are read sequentially.
func (cpu *CPUBackend) MatMul(a, b *tensor.RawTensor) *tensor.RawTensor {
	aShape, bShape := a.Shape(), b.Shape()
	if len(aShape) != 2 || len(bShape) != 2 {
		panic(fmt.Sprintf("matmul: expected 2D tensors, got %v and %v", aShape, bShape))
	}
	M, K := aShape[0], aShape[1]
	if bShape[0] != K {
		panic(fmt.Sprintf("matmul: inner dimensions differ: %v @ %v", aShape, bShape))
	}
	N := bShape[1]

	result := tensor.MustRaw("matmul", tensor.Shape{M, N}, cpu.device)
	matmulInto(result.Data(), a.Data(), b.Data(), M, K, N, cpu)
	return result
}

// matmulInto computes out[M,N] = a[M,K] @ b[K,N]. out must be zeroed.
func matmulInto(out, a, b []float32, M, K, N int, cpu *CPUBackend) {
	cpu.forRows(M, func(i int) {
		row := out[i*N : (i+1)*N]
		for k := 0; k < K; k++ {
			av := a[i*K+k]
			if av == 0 {
				continue
			}
			bRow := b[k*N : (k+1)*N]
			for j, bv := range bRow {
				row[j] += av * bv
			}
		}
	})
}

// forRows runs f over [0, n). Parallelism is on rows, so the per-row work
// is usually large and a small minimum chunk is used.
func (cpu *CPUBackend) forRows(n int, f func(i int)) {
	cfg := cpu.par
	cfg.MinChunkSize = 1
	if n < 2 {
		cfg.Enabled = false
	}
	parallel.For(n, f, cfg)
}
