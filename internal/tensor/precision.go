package tensor

import (
	"encoding/binary"
	"fmt"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// EncodeReduced packs float32 values into the half-width representation dt.
// dst must hold 2*len(src) bytes.
func EncodeReduced(dst []byte, src []float32, dt DataType) {
	switch dt {
	case Float16:
		for i, v := range src {
			binary.LittleEndian.PutUint16(dst[2*i:], float16.Fromfloat32(v).Bits())
		}
	case BFloat16:
		copy(dst, bfloat16.EncodeFloat32(src))
	default:
		panic(fmt.Sprintf("EncodeReduced: %s is not a half-width float", dt))
	}
}

// DecodeReduced unpacks half-width values of type dt into dst.
func DecodeReduced(dst []float32, src []byte, dt DataType) {
	switch dt {
	case Float16:
		for i := range dst {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(src[2*i:])).Float32()
		}
	case BFloat16:
		copy(dst, bfloat16.DecodeFloat32(src[:2*len(dst)]))
	default:
		panic(fmt.Sprintf("DecodeReduced: %s is not a half-width float", dt))
	}
}

// RoundSlice rounds every value through dt and back, in place.
// Float32 and Float64 leave the values untouched.
func RoundSlice(values []float32, dt DataType) {
	if !dt.IsReduced() {
		return
	}
	buf := make([]byte, 2*len(values))
	EncodeReduced(buf, values, dt)
	DecodeReduced(values, buf, dt)
}
