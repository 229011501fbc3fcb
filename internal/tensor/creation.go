package tensor

import (
	"math/rand"
)

// Zeros creates a tensor filled with zeros.
//
// Example:
//
//	backend := cpu.New()
//	t := tensor.Zeros[float32](Shape{3, 4}, backend)
func Zeros[T DType, B Backend](shape Shape, b B) *Tensor[T, B] {
	var dummy T
	raw, err := NewRaw(shape, inferDataType(dummy), b.Device())
	if err != nil {
		panic(err)
	}
	return New[T, B](raw, b)
}

// Ones creates a tensor filled with ones.
func Ones[T DType, B Backend](shape Shape, b B) *Tensor[T, B] {
	return Full[T, B](shape, fromFloat[T](1), b)
}

// Full creates a tensor filled with a specific value.
//
// Example:
//
//	t := tensor.Full[float32](Shape{3, 3}, 3.14, backend)
func Full[T DType, B Backend](shape Shape, value T, b B) *Tensor[T, B] {
	t := Zeros[T, B](shape, b)
	data := t.Data()
	for i := range data {
		data[i] = value
	}
	return t
}

// Randn creates a float tensor with standard normal values from the global source.
func Randn[T DType, B Backend](shape Shape, b B) *Tensor[T, B] {
	return RandnFrom[T, B](shape, nil, b)
}

// RandnFrom creates a float tensor with standard normal values drawn from rng.
// A nil rng uses the global math/rand source.
// Note: math/rand (not crypto/rand) is appropriate for weights and test inputs.
//
// Example:
//
//	rng := rand.New(rand.NewSource(42))
//	x := tensor.RandnFrom[float32](Shape{2, 8}, rng, backend)
func RandnFrom[T DType, B Backend](shape Shape, rng *rand.Rand, b B) *Tensor[T, B] {
	t := Zeros[T, B](shape, b)
	norm := rand.NormFloat64 //nolint:gosec // G404: ML init uses math/rand intentionally
	if rng != nil {
		norm = rng.NormFloat64
	}

	switch data := any(t.Data()).(type) {
	case []float32:
		for i := range data {
			data[i] = float32(norm())
		}
	case []float64:
		for i := range data {
			data[i] = norm()
		}
	default:
		panic("Randn only supports float32 and float64 types")
	}
	return t
}

// Arange creates a 1D tensor holding start, start+1, ..., end-1.
//
// Example:
//
//	t := tensor.Arange[int64](0, 10, backend) // [0, 1, ..., 9]
func Arange[T DType, B Backend](start, end int, b B) *Tensor[T, B] {
	if end <= start {
		panic("Arange: end must be greater than start")
	}
	t := Zeros[T, B](Shape{end - start}, b)
	data := t.Data()
	for i := range data {
		data[i] = fromFloat[T](float64(start + i))
	}
	return t
}

// fromFloat converts a float64 to any supported element type.
func fromFloat[T DType](v float64) T {
	var out T
	switch p := any(&out).(type) {
	case *float32:
		*p = float32(v)
	case *float64:
		*p = v
	case *int32:
		*p = int32(v)
	case *int64:
		*p = int64(v)
	case *uint8:
		*p = uint8(v)
	case *bool:
		*p = v != 0
	}
	return out
}
