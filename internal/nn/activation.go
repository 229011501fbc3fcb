package nn

import (
	"fmt"
	"math"

	"github.com/born-ml/kosmos/internal/tensor"
)

// GELUBackend is implemented by backends with a native exact GELU.
type GELUBackend interface {
	GELU(x *tensor.RawTensor) *tensor.RawTensor
}

// GELUTanhBackend is implemented by backends with a native tanh-approximate GELU.
type GELUTanhBackend interface {
	GELUTanh(x *tensor.RawTensor) *tensor.RawTensor
}

// Activation is an element-wise nonlinearity.
type Activation[B tensor.Backend] func(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]

// GELU applies the exact Gaussian error linear unit, x·Φ(x).
// Panics if the backend has no GELU support.
func GELU[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	backend := x.Backend()
	if gb, ok := any(backend).(GELUBackend); ok {
		return tensor.New[float32, B](gb.GELU(x.Raw()), backend)
	}
	panic(fmt.Sprintf("GELU: backend %s does not implement GELU", backend.Name()))
}

// GELUTanh applies the tanh approximation
//
//	0.5·x·(1 + tanh(√(2/π)·(x + 0.044715·x³)))
//
// using the backend's native op when available.
func GELUTanh[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	backend := x.Backend()
	if gb, ok := any(backend).(GELUTanhBackend); ok {
		return tensor.New[float32, B](gb.GELUTanh(x.Raw()), backend)
	}
	cube := x.Mul(x).Mul(x)
	inner := x.Add(cube.MulScalar(0.044715)).MulScalar(math.Sqrt(2 / math.Pi))
	return x.Mul(inner.Tanh().AddScalar(1)).MulScalar(0.5)
}

// ActivationByName resolves a configuration name to an activation.
// "gelu" is exact; "gelu_new", "gelu_fast" and "gelu_pytorch_tanh" use the
// tanh approximation.
func ActivationByName[B tensor.Backend](name string) (Activation[B], error) {
	switch name {
	case "gelu":
		return GELU[B], nil
	case "gelu_new", "gelu_fast", "gelu_pytorch_tanh":
		return GELUTanh[B], nil
	default:
		return nil, fmt.Errorf("unknown activation %q", name)
	}
}
