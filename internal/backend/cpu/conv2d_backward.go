package cpu

import (
	"github.com/born-ml/maskrcnn/internal/tensor"
)

// Conv2DInputBackward computes the gradient w.r.t. the input.
//
// Per image: dcol = kernel^T @ grad, then col2im scatters dcol back onto
// the input grid (the transposed convolution).
//
// References:
//   - "A guide to convolution arithmetic for deep learning" (Dumoulin & Visin, 2016)
func (cpu *CPUBackend) Conv2DInputBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g := newConvGeometry("conv2d backward", input.Shape(), kernel.Shape(), stride, padding)

	inputGrad := tensor.MustRaw("conv2d backward", input.Shape(), cpu.device)
	gradData := grad.Data()
	kData := kernel.Data()
	igData := inputGrad.Data()

	dcol := make([]float32, g.colRows*g.colCols)
	imageSize := g.CIn * g.H * g.W
	outSize := g.COut * g.colCols
	for n := 0; n < g.N; n++ {
		clear(dcol)
		matmulTransA(dcol, kData, gradData[n*outSize:(n+1)*outSize], g.COut, g.colRows, g.colCols, cpu)
		col2im(igData[n*imageSize:(n+1)*imageSize], dcol, g)
	}
	return inputGrad
}

// Conv2DKernelBackward computes the gradient w.r.t. the kernel:
// dK += grad_n @ col_n^T summed over the batch.
func (cpu *CPUBackend) Conv2DKernelBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g := newConvGeometry("conv2d backward", input.Shape(), kernel.Shape(), stride, padding)

	kernelGrad := tensor.MustRaw("conv2d backward", kernel.Shape(), cpu.device)
	inData := input.Data()
	gradData := grad.Data()
	kgData := kernelGrad.Data()

	col := make([]float32, g.colRows*g.colCols)
	imageSize := g.CIn * g.H * g.W
	outSize := g.COut * g.colCols
	for n := 0; n < g.N; n++ {
		im2col(col, inData[n*imageSize:(n+1)*imageSize], g)
		matmulTransB(kgData, gradData[n*outSize:(n+1)*outSize], col, g.COut, g.colCols, g.colRows, cpu)
	}
	return kernelGrad
}

// matmulTransA accumulates out[M,N] += a[K,M]^T @ b[K,N].
func matmulTransA(out, a, b []float32, K, M, N int, cpu *CPUBackend) {
	cpu.forRows(M, func(i int) {
		row := out[i*N : (i+1)*N]
		for k := 0; k < K; k++ {
			av := a[k*M+i]
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

// matmulTransB accumulates out[M,N] += a[M,K] @ b[N,K]^T.
func matmulTransB(out, a, b []float32, M, K, N int, cpu *CPUBackend) {
	cpu.forRows(M, func(i int) {
		aRow := a[i*K : (i+1)*K]
		for j := 0; j < N; j++ {
			bRow := b[j*K : (j+1)*K]
			var sum float32
			for k, av := range aRow {
				sum += av * bRow[k]
			}
			out[i*N+j] += sum
		}
	})
}
