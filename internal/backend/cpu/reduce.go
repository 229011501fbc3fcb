package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/kosmos/internal/tensor"
)

// SumDim sums along dim, accumulating in float64.
func (cpu *CPUBackend) SumDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	return cpu.reduce("sum", x, dim, keepDim, false)
}

// MeanDim averages along dim, accumulating in float64.
func (cpu *CPUBackend) MeanDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	return cpu.reduce("mean", x, dim, keepDim, true)
}

func (cpu *CPUBackend) reduce(op string, x *tensor.RawTensor, dim int, keepDim, mean bool) *tensor.RawTensor {
	shape := x.Shape()
	dim = tensor.NormalizeDim(dim, len(shape))
	outer, size, inner := splitAt(shape, dim)

	outShape := make(tensor.Shape, 0, len(shape))
	for i, d := range shape {
		switch {
		case i != dim:
			outShape = append(outShape, d)
		case keepDim:
			outShape = append(outShape, 1)
		}
	}
	if len(outShape) == 0 {
		outShape = tensor.Shape{1}
	}
	result := cpu.alloc(op, outShape, x.DType())

	switch x.DType() {
	case tensor.Float32:
		reduceInto(result.AsFloat32(), x.AsFloat32(), outer, size, inner, mean)
	case tensor.Float64:
		reduceInto(result.AsFloat64(), x.AsFloat64(), outer, size, inner, mean)
	case tensor.Int32:
		reduceInto(result.AsInt32(), x.AsInt32(), outer, size, inner, mean)
	case tensor.Int64:
		reduceInto(result.AsInt64(), x.AsInt64(), outer, size, inner, mean)
	default:
		panic(fmt.Sprintf("%s: unsupported dtype %s", op, x.DType()))
	}
	return result
}

func reduceInto[T number](dst, src []T, outer, size, inner int, mean bool) {
	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			var acc float64
			base := o*size*inner + in
			for s := 0; s < size; s++ {
				acc += float64(src[base+s*inner])
			}
			if mean {
				acc /= float64(size)
			}
			dst[o*inner+in] = T(acc)
		}
	}
}

// Softmax normalizes along dim. Rows are accumulated in float64 and written
// back in x's type, so float32 inputs get an elevated-precision softmax.
func (cpu *CPUBackend) Softmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	shape := x.Shape()
	dim = tensor.NormalizeDim(dim, len(shape))
	outer, size, inner := splitAt(shape, dim)
	result := cpu.alloc("softmax", shape, x.DType())

	switch x.DType() {
	case tensor.Float32:
		softmaxInto(result.AsFloat32(), x.AsFloat32(), outer, size, inner)
	case tensor.Float64:
		softmaxInto(result.AsFloat64(), x.AsFloat64(), outer, size, inner)
	default:
		panic(fmt.Sprintf("softmax: unsupported dtype %s", x.DType()))
	}
	return result
}

func softmaxInto[T ~float32 | ~float64](dst, src []T, outer, size, inner int) {
	row := make([]float64, size)
	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			base := o*size*inner + in
			for s := 0; s < size; s++ {
				row[s] = float64(src[base+s*inner])
			}
			SoftmaxRow(row)
			for s := 0; s < size; s++ {
				dst[base+s*inner] = T(row[s])
			}
		}
	}
}

// SoftmaxRow normalizes row in place with the usual max subtraction.
// A row whose entries are all -Inf becomes all zeros.
func SoftmaxRow(row []float64) {
	maxVal := math.Inf(-1)
	for _, v := range row {
		if v > maxVal {
			maxVal = v
		}
	}
	if math.IsInf(maxVal, -1) {
		for i := range row {
			row[i] = 0
		}
		return
	}
	var sum float64
	for i, v := range row {
		e := math.Exp(v - maxVal)
		row[i] = e
		sum += e
	}
	for i := range row {
		row[i] /= sum
	}
}
