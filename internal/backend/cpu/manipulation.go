package cpu

import (
	"fmt"

	"github.com/born-ml/kosmos/internal/tensor"
)

// Reshape returns a view of t with a new shape and the same element count.
func (cpu *CPUBackend) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	if newShape.NumElements() != t.NumElements() {
		panic(fmt.Sprintf("reshape: cannot reshape %v into %v", t.Shape(), newShape))
	}
	return t.WithShape(newShape)
}

// Unsqueeze inserts a size-1 dimension at dim. Negative dims count from the end
// of the result shape.
func (cpu *CPUBackend) Unsqueeze(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	shape := x.Shape()
	dim = tensor.NormalizeDim(dim, len(shape)+1)
	out := make(tensor.Shape, 0, len(shape)+1)
	out = append(out, shape[:dim]...)
	out = append(out, 1)
	out = append(out, shape[dim:]...)
	return x.WithShape(out)
}

// Transpose permutes dimensions; without axes the order is reversed.
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
		panic(fmt.Sprintf("transpose: expected %d axes, got %d", rank, len(axes)))
	}

	outShape := make(tensor.Shape, rank)
	srcStrides := t.Strides()
	permStrides := make([]int, rank)
	for i, ax := range axes {
		ax = tensor.NormalizeDim(ax, rank)
		outShape[i] = shape[ax]
		permStrides[i] = srcStrides[ax]
	}
	result := cpu.alloc("transpose", outShape, t.DType())
	gatherStrided(result.Data(), t.Data(), outShape, permStrides, t.DType().Size())
	return result
}

// Expand broadcasts size-1 dimensions of x to shape.
func (cpu *CPUBackend) Expand(x *tensor.RawTensor, shape tensor.Shape) *tensor.RawTensor {
	if out, _, err := tensor.BroadcastShapes(x.Shape(), shape); err != nil || !out.Equal(shape) {
		panic(fmt.Sprintf("expand: cannot expand %v to %v", x.Shape(), shape))
	}
	result := cpu.alloc("expand", shape, x.DType())
	gatherStrided(result.Data(), x.Data(), shape, broadcastStrides(x.Shape(), shape), x.DType().Size())
	return result
}

// gatherStrided copies elements into dst in row-major order of shape, reading
// src at the offsets described by strides (in elements).
func gatherStrided(dst, src []byte, shape tensor.Shape, strides []int, elem int) {
	n := shape.NumElements()
	idx := make([]int, len(shape))
	off := 0
	for i := 0; i < n; i++ {
		copy(dst[i*elem:(i+1)*elem], src[off*elem:(off+1)*elem])
		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			off += strides[d]
			if idx[d] < shape[d] {
				break
			}
			off -= strides[d] * shape[d]
			idx[d] = 0
		}
	}
}

// Cat concatenates tensors along dim.
func (cpu *CPUBackend) Cat(tensors []*tensor.RawTensor, dim int) *tensor.RawTensor {
	if len(tensors) == 0 {
		panic("cat: at least one tensor required")
	}
	first := tensors[0].Shape()
	dim = tensor.NormalizeDim(dim, len(first))
	outShape := first.Clone()
	outShape[dim] = 0
	for _, t := range tensors {
		s := t.Shape()
		if len(s) != len(first) || t.DType() != tensors[0].DType() {
			panic(fmt.Sprintf("cat: incompatible tensor %v (%s)", s, t.DType()))
		}
		for i := range s {
			if i != dim && s[i] != first[i] {
				panic(fmt.Sprintf("cat: shape mismatch %v vs %v on dim %d", s, first, i))
			}
		}
		outShape[dim] += s[dim]
	}

	elem := tensors[0].DType().Size()
	outer, total, inner := splitAt(outShape, dim)
	result := cpu.alloc("cat", outShape, tensors[0].DType())
	dst := result.Data()
	for o := 0; o < outer; o++ {
		pos := o * total * inner * elem
		for _, t := range tensors {
			chunk := t.Shape()[dim] * inner * elem
			copy(dst[pos:pos+chunk], t.Data()[o*chunk:(o+1)*chunk])
			pos += chunk
		}
	}
	return result
}

// Narrow copies the slice [start, start+length) of x along dim.
func (cpu *CPUBackend) Narrow(x *tensor.RawTensor, dim, start, length int) *tensor.RawTensor {
	shape := x.Shape()
	dim = tensor.NormalizeDim(dim, len(shape))
	if start < 0 || length <= 0 || start+length > shape[dim] {
		panic(fmt.Sprintf("narrow: range [%d, %d) out of bounds for dim %d of %v", start, start+length, dim, shape))
	}
	outShape := shape.Clone()
	outShape[dim] = length

	elem := x.DType().Size()
	outer, size, inner := splitAt(shape, dim)
	result := cpu.alloc("narrow", outShape, x.DType())
	dst, src := result.Data(), x.Data()
	chunk := length * inner * elem
	for o := 0; o < outer; o++ {
		from := (o*size + start) * inner * elem
		copy(dst[o*chunk:(o+1)*chunk], src[from:from+chunk])
	}
	return result
}
