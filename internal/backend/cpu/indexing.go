package cpu

import (
	"fmt"

	"github.com/born-ml/kosmos/internal/tensor"
)

// indexValues reads an int32/int64 index tensor.
func indexValues(op string, indices *tensor.RawTensor) []int {
	out := make([]int, indices.NumElements())
	switch indices.DType() {
	case tensor.Int32:
		for i, v := range indices.AsInt32() {
			out[i] = int(v)
		}
	case tensor.Int64:
		for i, v := range indices.AsInt64() {
			out[i] = int(v)
		}
	default:
		panic(fmt.Sprintf("%s: indices must be int32 or int64, got %s", op, indices.DType()))
	}
	return out
}

// Embedding looks up rows of weight [V, D] for every index, producing
// indices.shape + [D].
func (cpu *CPUBackend) Embedding(weight, indices *tensor.RawTensor) *tensor.RawTensor {
	ws := weight.Shape()
	if len(ws) != 2 {
		panic(fmt.Sprintf("embedding: weight must be 2D, got %v", ws))
	}
	vocab, dim := ws[0], ws[1]
	ids := indexValues("embedding", indices)

	outShape := append(indices.Shape().Clone(), dim)
	result := cpu.alloc("embedding", outShape, weight.DType())
	row := dim * weight.DType().Size()
	dst, src := result.Data(), weight.Data()
	for i, id := range ids {
		if id < 0 || id >= vocab {
			panic(fmt.Sprintf("embedding: index %d out of range [0, %d)", id, vocab))
		}
		copy(dst[i*row:(i+1)*row], src[id*row:(id+1)*row])
	}
	return result
}

// IndexSelect gathers entries of x along dim in the order given by a 1D index
// tensor.
func (cpu *CPUBackend) IndexSelect(x *tensor.RawTensor, dim int, indices *tensor.RawTensor) *tensor.RawTensor {
	shape := x.Shape()
	dim = tensor.NormalizeDim(dim, len(shape))
	ids := indexValues("index_select", indices)
	outer, size, inner := splitAt(shape, dim)

	outShape := shape.Clone()
	outShape[dim] = len(ids)
	result := cpu.alloc("index_select", outShape, x.DType())

	elem := x.DType().Size()
	chunk := inner * elem
	dst, src := result.Data(), x.Data()
	for o := 0; o < outer; o++ {
		for j, id := range ids {
			if id < 0 || id >= size {
				panic(fmt.Sprintf("index_select: index %d out of range [0, %d)", id, size))
			}
			to := (o*len(ids) + j) * chunk
			from := (o*size + id) * chunk
			copy(dst[to:to+chunk], src[from:from+chunk])
		}
	}
	return result
}
