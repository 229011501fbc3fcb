package cpu

import (
	"fmt"

	"github.com/born-ml/kosmos/internal/parallel"
	"github.com/born-ml/kosmos/internal/tensor"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
)

// MatMul performs (M, K) @ (K, N) -> (M, N) through BLAS GEMM.
func (cpu *CPUBackend) MatMul(a, b *tensor.RawTensor) *tensor.RawTensor {
	aShape, bShape := a.Shape(), b.Shape()
	if len(aShape) != 2 || len(bShape) != 2 {
		panic(fmt.Sprintf("matmul: only 2D tensors supported, got %dD and %dD", len(aShape), len(bShape)))
	}
	m, k := aShape[0], aShape[1]
	k2, n := bShape[0], bShape[1]
	if k != k2 {
		panic(fmt.Sprintf("matmul: shape mismatch [%d,%d] @ [%d,%d]", m, k, k2, n))
	}
	if a.DType() != b.DType() {
		panic(fmt.Sprintf("matmul: dtype mismatch %s vs %s", a.DType(), b.DType()))
	}

	result := cpu.alloc("matmul", tensor.Shape{m, n}, a.DType())
	gemm(result, a, b, 0, 0, 0, m, k, n)
	return result
}

// BatchMatMul multiplies the trailing matrices of 3D/4D tensors whose leading
// dimensions match: [..., M, K] @ [..., K, N] -> [..., M, N].
// Batches are distributed over the backend's worker pool.
func (cpu *CPUBackend) BatchMatMul(a, b *tensor.RawTensor) *tensor.RawTensor {
	aShape, bShape := a.Shape(), b.Shape()
	rank := len(aShape)
	if rank < 3 || rank > 4 || len(bShape) != rank {
		panic(fmt.Sprintf("batchmatmul: expected matching 3D or 4D tensors, got %v @ %v", aShape, bShape))
	}
	if !aShape[:rank-2].Equal(bShape[:rank-2]) {
		panic(fmt.Sprintf("batchmatmul: batch dimensions differ %v vs %v", aShape, bShape))
	}
	m, k := aShape[rank-2], aShape[rank-1]
	k2, n := bShape[rank-2], bShape[rank-1]
	if k != k2 {
		panic(fmt.Sprintf("batchmatmul: shape mismatch [%d,%d] @ [%d,%d]", m, k, k2, n))
	}

	outShape := aShape.Clone()
	outShape[rank-1] = n
	result := cpu.alloc("batchmatmul", outShape, a.DType())

	batches := aShape[:rank-2].NumElements()
	parallel.For(batches, func(i int) {
		gemm(result, a, b, i*m*k, i*k*n, i*m*n, m, k, n)
	}, cpu.par)
	return result
}

// gemm computes one C = A·B block at the given element offsets.
func gemm(c, a, b *tensor.RawTensor, aOff, bOff, cOff, m, k, n int) {
	switch a.DType() {
	case tensor.Float32:
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			blas32.General{Rows: m, Cols: k, Stride: k, Data: a.AsFloat32()[aOff : aOff+m*k]},
			blas32.General{Rows: k, Cols: n, Stride: n, Data: b.AsFloat32()[bOff : bOff+k*n]},
			0,
			blas32.General{Rows: m, Cols: n, Stride: n, Data: c.AsFloat32()[cOff : cOff+m*n]})
	case tensor.Float64:
		blas64.Gemm(blas.NoTrans, blas.NoTrans, 1,
			blas64.General{Rows: m, Cols: k, Stride: k, Data: a.AsFloat64()[aOff : aOff+m*k]},
			blas64.General{Rows: k, Cols: n, Stride: n, Data: b.AsFloat64()[bOff : bOff+k*n]},
			0,
			blas64.General{Rows: m, Cols: n, Stride: n, Data: c.AsFloat64()[cOff : cOff+m*n]})
	default:
		panic(fmt.Sprintf("matmul: unsupported dtype %s", a.DType()))
	}
}
