package cpu

import (
	"fmt"

	"github.com/born-ml/kosmos/internal/tensor"
)

// Cast converts x to dtype. Half-width targets round through float32 using
// IEEE float16 or bfloat16 encoding.
func (cpu *CPUBackend) Cast(x *tensor.RawTensor, dtype tensor.DataType) *tensor.RawTensor {
	if x.DType() == dtype {
		return x.Clone()
	}
	result := cpu.alloc("cast", x.Shape(), dtype)

	switch {
	case dtype.IsReduced():
		tensor.EncodeReduced(result.Data(), toFloat32(x), dtype)
	case x.DType().IsReduced():
		f32 := make([]float32, x.NumElements())
		tensor.DecodeReduced(f32, x.Data(), x.DType())
		writeFloat64(result, widen(f32))
	default:
		writeFloat64(result, readFloat64(x))
	}
	return result
}

func widen(src []float32) []float64 {
	out := make([]float64, len(src))
	for i, v := range src {
		out[i] = float64(v)
	}
	return out
}

func toFloat32(x *tensor.RawTensor) []float32 {
	switch {
	case x.DType() == tensor.Float32:
		return x.AsFloat32()
	case x.DType().IsReduced():
		f32 := make([]float32, x.NumElements())
		tensor.DecodeReduced(f32, x.Data(), x.DType())
		return f32
	}
	vals := readFloat64(x)
	out := make([]float32, len(vals))
	for i, v := range vals {
		out[i] = float32(v)
	}
	return out
}

func readFloat64(x *tensor.RawTensor) []float64 {
	out := make([]float64, x.NumElements())
	switch x.DType() {
	case tensor.Float32:
		for i, v := range x.AsFloat32() {
			out[i] = float64(v)
		}
	case tensor.Float64:
		copy(out, x.AsFloat64())
	case tensor.Int32:
		for i, v := range x.AsInt32() {
			out[i] = float64(v)
		}
	case tensor.Int64:
		for i, v := range x.AsInt64() {
			out[i] = float64(v)
		}
	case tensor.Uint8:
		for i, v := range x.AsUint8() {
			out[i] = float64(v)
		}
	case tensor.Bool:
		for i, v := range x.AsBool() {
			if v {
				out[i] = 1
			}
		}
	default:
		panic(fmt.Sprintf("cast: unsupported source dtype %s", x.DType()))
	}
	return out
}

func writeFloat64(dst *tensor.RawTensor, vals []float64) {
	switch dst.DType() {
	case tensor.Float32:
		d := dst.AsFloat32()
		for i, v := range vals {
			d[i] = float32(v)
		}
	case tensor.Float64:
		copy(dst.AsFloat64(), vals)
	case tensor.Int32:
		d := dst.AsInt32()
		for i, v := range vals {
			d[i] = int32(v)
		}
	case tensor.Int64:
		d := dst.AsInt64()
		for i, v := range vals {
			d[i] = int64(v)
		}
	case tensor.Uint8:
		d := dst.AsUint8()
		for i, v := range vals {
			d[i] = uint8(v)
		}
	case tensor.Bool:
		d := dst.AsBool()
		for i, v := range vals {
			d[i] = v != 0
		}
	default:
		panic(fmt.Sprintf("cast: unsupported target dtype %s", dst.DType()))
	}
}
