package cpu

import (
	"math"

	"github.com/born-ml/kosmos/internal/tensor"
)

// GELU applies the exact Gaussian error linear unit, x·Φ(x).
func (cpu *CPUBackend) GELU(x *tensor.RawTensor) *tensor.RawTensor {
	return cpu.mapFloat("gelu", x, func(v float64) float64 {
		return 0.5 * v * (1 + math.Erf(v/math.Sqrt2))
	})
}

// GELUTanh applies the tanh approximation of GELU used by T5-style gated MLPs.
func (cpu *CPUBackend) GELUTanh(x *tensor.RawTensor) *tensor.RawTensor {
	c := math.Sqrt(2 / math.Pi)
	return cpu.mapFloat("gelu_tanh", x, func(v float64) float64 {
		return 0.5 * v * (1 + math.Tanh(c*(v+0.044715*v*v*v)))
	})
}
