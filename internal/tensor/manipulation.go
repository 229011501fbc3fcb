package tensor

// Reshape returns a view with the same data and a different shape.
// A single -1 dimension is inferred from the element count.
//
// Example:
//
//	t := tensor.Arange[int32](0, 12, backend) // Shape: [12]
//	reshaped := t.Reshape(3, -1)              // Shape: [3, 4]
func (t *Tensor[T, B]) Reshape(newShape ...int) *Tensor[T, B] {
	return New[T, B](t.backend.Reshape(t.raw, inferShape(newShape, t.NumElements())), t.backend)
}

// Transpose permutes the dimensions. With no axes the order is reversed.
//
// Example:
//
//	t := tensor.Randn[float32](Shape{2, 3, 4}, backend)
//	transposed := t.Transpose(2, 0, 1) // Shape: [4, 2, 3]
func (t *Tensor[T, B]) Transpose(axes ...int) *Tensor[T, B] {
	return New[T, B](t.backend.Transpose(t.raw, axes...), t.backend)
}

// T is a shortcut for 2D transpose.
// Panics if the tensor is not 2D.
func (t *Tensor[T, B]) T() *Tensor[T, B] {
	if len(t.Shape()) != 2 {
		panic("T() only works for 2D tensors")
	}
	return t.Transpose(1, 0)
}

// Unsqueeze inserts a dimension of size 1 at dim (negative allowed).
func (t *Tensor[T, B]) Unsqueeze(dim int) *Tensor[T, B] {
	return New[T, B](t.backend.Unsqueeze(t.raw, dim), t.backend)
}

// Expand broadcasts size-1 dimensions to shape.
//
// Example:
//
//	q := latent.Unsqueeze(0)      // [1, 64, 128]
//	qb := q.Expand(Shape{4, 64, 128})
func (t *Tensor[T, B]) Expand(shape Shape) *Tensor[T, B] {
	return New[T, B](t.backend.Expand(t.raw, shape), t.backend)
}

// Narrow returns the slice [start, start+length) along dim.
func (t *Tensor[T, B]) Narrow(dim, start, length int) *Tensor[T, B] {
	return New[T, B](t.backend.Narrow(t.raw, dim, start, length), t.backend)
}

// IndexSelect gathers the entries listed in indices (int32 or int64) along dim.
func (t *Tensor[T, B]) IndexSelect(dim int, indices *RawTensor) *Tensor[T, B] {
	return New[T, B](t.backend.IndexSelect(t.raw, dim, indices), t.backend)
}

// Cat concatenates tensors along dim.
// All tensors must match except along the concatenation dimension.
//
// Example:
//
//	a := tensor.Randn[float32](Shape{2, 3}, backend)
//	b := tensor.Randn[float32](Shape{2, 5}, backend)
//	c := tensor.Cat([]*Tensor[float32, B]{a, b}, 1) // Shape: [2, 8]
func Cat[T DType, B Backend](tensors []*Tensor[T, B], dim int) *Tensor[T, B] {
	if len(tensors) == 0 {
		panic("cat: at least one tensor required")
	}
	if len(tensors) == 1 {
		return tensors[0].Clone()
	}
	raws := make([]*RawTensor, len(tensors))
	for i, t := range tensors {
		raws[i] = t.raw
	}
	b := tensors[0].backend
	return New[T, B](b.Cat(raws, dim), b)
}

func inferShape(dims []int, numElements int) Shape {
	out := Shape(dims).Clone()
	infer := -1
	known := 1
	for i, d := range out {
		if d == -1 {
			if infer >= 0 {
				panic("reshape: only one dimension may be -1")
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		out[infer] = numElements / known
	}
	return out
}
