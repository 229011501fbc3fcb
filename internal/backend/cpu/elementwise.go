package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/kosmos/internal/tensor"
)

type binaryKind int

const (
	opAdd binaryKind = iota
	opSub
	opMul
	opDiv
)

var binaryNames = [...]string{"add", "sub", "mul", "div"}

// Add performs element-wise addition with NumPy-style broadcasting.
func (cpu *CPUBackend) Add(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary(opAdd, a, b)
}

// Sub performs element-wise subtraction with broadcasting.
func (cpu *CPUBackend) Sub(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary(opSub, a, b)
}

// Mul performs element-wise multiplication with broadcasting.
func (cpu *CPUBackend) Mul(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary(opMul, a, b)
}

// Div performs element-wise division with broadcasting.
func (cpu *CPUBackend) Div(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary(opDiv, a, b)
}

func (cpu *CPUBackend) binary(k binaryKind, a, b *tensor.RawTensor) *tensor.RawTensor {
	name := binaryNames[k]
	if a.DType() != b.DType() {
		panic(fmt.Sprintf("%s: dtype mismatch %s vs %s", name, a.DType(), b.DType()))
	}
	outShape, _, err := tensor.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		panic(fmt.Sprintf("%s: %v", name, err))
	}
	result := cpu.alloc(name, outShape, a.DType())

	switch a.DType() {
	case tensor.Float32:
		broadcastBinary(result.AsFloat32(), a.AsFloat32(), b.AsFloat32(), outShape, a.Shape(), b.Shape(), k)
	case tensor.Float64:
		broadcastBinary(result.AsFloat64(), a.AsFloat64(), b.AsFloat64(), outShape, a.Shape(), b.Shape(), k)
	case tensor.Int32:
		broadcastBinary(result.AsInt32(), a.AsInt32(), b.AsInt32(), outShape, a.Shape(), b.Shape(), k)
	case tensor.Int64:
		broadcastBinary(result.AsInt64(), a.AsInt64(), b.AsInt64(), outShape, a.Shape(), b.Shape(), k)
	default:
		panic(fmt.Sprintf("%s: unsupported dtype %s", name, a.DType()))
	}
	return result
}

func applyBinary[T number](k binaryKind, x, y T) T {
	switch k {
	case opAdd:
		return x + y
	case opSub:
		return x - y
	case opMul:
		return x * y
	default:
		return x / y
	}
}

// broadcastBinary walks the output in row-major order while advancing one
// offset per operand; broadcast dimensions carry stride 0.
func broadcastBinary[T number](out, x, y []T, outShape, xs, ys tensor.Shape, k binaryKind) {
	if xs.Equal(ys) {
		for i := range out {
			out[i] = applyBinary(k, x[i], y[i])
		}
		return
	}

	xStr := broadcastStrides(xs, outShape)
	yStr := broadcastStrides(ys, outShape)
	idx := make([]int, len(outShape))
	xOff, yOff := 0, 0
	for i := range out {
		out[i] = applyBinary(k, x[xOff], y[yOff])
		for d := len(outShape) - 1; d >= 0; d-- {
			idx[d]++
			xOff += xStr[d]
			yOff += yStr[d]
			if idx[d] < outShape[d] {
				break
			}
			xOff -= xStr[d] * outShape[d]
			yOff -= yStr[d] * outShape[d]
			idx[d] = 0
		}
	}
}

// broadcastStrides right-aligns s against out and zeroes the strides of
// broadcast dimensions.
func broadcastStrides(s, out tensor.Shape) []int {
	strides := make([]int, len(out))
	own := s.ComputeStrides()
	shift := len(out) - len(s)
	for i := range s {
		if s[i] != 1 {
			strides[shift+i] = own[i]
		}
	}
	return strides
}

// MulScalar multiplies every element by scalar.
func (cpu *CPUBackend) MulScalar(x *tensor.RawTensor, scalar float64) *tensor.RawTensor {
	return cpu.mapNumeric("mul_scalar", x, func(v float64) float64 { return v * scalar })
}

// AddScalar adds scalar to every element.
func (cpu *CPUBackend) AddScalar(x *tensor.RawTensor, scalar float64) *tensor.RawTensor {
	return cpu.mapNumeric("add_scalar", x, func(v float64) float64 { return v + scalar })
}

// ClampMin raises every element below minValue to minValue.
func (cpu *CPUBackend) ClampMin(x *tensor.RawTensor, minValue float64) *tensor.RawTensor {
	return cpu.mapNumeric("clamp_min", x, func(v float64) float64 { return math.Max(v, minValue) })
}

// Exp computes e^x element-wise.
func (cpu *CPUBackend) Exp(x *tensor.RawTensor) *tensor.RawTensor {
	return cpu.mapFloat("exp", x, math.Exp)
}

// Sqrt computes the square root element-wise.
func (cpu *CPUBackend) Sqrt(x *tensor.RawTensor) *tensor.RawTensor {
	return cpu.mapFloat("sqrt", x, math.Sqrt)
}

// Rsqrt computes 1/sqrt(x) element-wise.
func (cpu *CPUBackend) Rsqrt(x *tensor.RawTensor) *tensor.RawTensor {
	return cpu.mapFloat("rsqrt", x, func(v float64) float64 { return 1 / math.Sqrt(v) })
}

// Tanh computes the hyperbolic tangent element-wise.
func (cpu *CPUBackend) Tanh(x *tensor.RawTensor) *tensor.RawTensor {
	return cpu.mapFloat("tanh", x, math.Tanh)
}

func (cpu *CPUBackend) mapFloat(op string, x *tensor.RawTensor, f func(float64) float64) *tensor.RawTensor {
	if !x.DType().IsFloat() || x.DType().IsReduced() {
		panic(fmt.Sprintf("%s: unsupported dtype %s", op, x.DType()))
	}
	return cpu.mapNumeric(op, x, f)
}

func (cpu *CPUBackend) mapNumeric(op string, x *tensor.RawTensor, f func(float64) float64) *tensor.RawTensor {
	result := cpu.alloc(op, x.Shape(), x.DType())
	switch x.DType() {
	case tensor.Float32:
		mapInto(result.AsFloat32(), x.AsFloat32(), f)
	case tensor.Float64:
		mapInto(result.AsFloat64(), x.AsFloat64(), f)
	case tensor.Int32:
		mapInto(result.AsInt32(), x.AsInt32(), f)
	case tensor.Int64:
		mapInto(result.AsInt64(), x.AsInt64(), f)
	default:
		panic(fmt.Sprintf("%s: unsupported dtype %s", op, x.DType()))
	}
	return result
}

func mapInto[T number](dst, src []T, f func(float64) float64) {
	for i, v := range src {
		dst[i] = T(f(float64(v)))
	}
}
