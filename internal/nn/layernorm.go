package nn

import (
	"fmt"
	"math"
	"strings"

	"github.com/born-ml/kosmos/internal/tensor"
)

// NormImplementation selects how normalization layers compute their output.
// It is resolved once when the layer is constructed.
type NormImplementation int

const (
	// NormStandard composes the normalization from backend tensor ops.
	NormStandard NormImplementation = iota
	// NormFused computes each row in a single pass over contiguous data.
	NormFused
)

// String returns the configuration name of the implementation.
func (n NormImplementation) String() string {
	if n == NormFused {
		return "fused"
	}
	return "standard"
}

// ParseNormImplementation parses "standard" or "fused" (case-insensitive).
// An empty string selects NormStandard.
func ParseNormImplementation(s string) (NormImplementation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard":
		return NormStandard, nil
	case "fused":
		return NormFused, nil
	default:
		return NormStandard, fmt.Errorf("unknown norm implementation %q", s)
	}
}

// LayerNorm implements Layer Normalization over the last dimension.
//
//	y = (x - mean) / sqrt(var + eps) * weight + bias
//
// Example:
//
//	ln := nn.NewLayerNorm(768, 1e-5, backend)
//	out := ln.Forward(x) // [..., 768] -> [..., 768]
type LayerNorm[B tensor.Backend] struct {
	dim     int
	eps     float64
	impl    NormImplementation
	weight  *Parameter[B]
	bias    *Parameter[B]
	backend B
}

// NewLayerNorm creates a LayerNorm with unit weight and zero bias.
func NewLayerNorm[B tensor.Backend](dim int, eps float64, backend B) *LayerNorm[B] {
	return NewLayerNormWith(dim, eps, NormStandard, backend)
}

// NewLayerNormWith creates a LayerNorm using the given implementation.
func NewLayerNormWith[B tensor.Backend](dim int, eps float64, impl NormImplementation, backend B) *LayerNorm[B] {
	return &LayerNorm[B]{
		dim:     dim,
		eps:     eps,
		impl:    impl,
		weight:  NewParameter("weight", Ones(tensor.Shape{dim}, backend)),
		bias:    NewParameter("bias", Zeros(tensor.Shape{dim}, backend)),
		backend: backend,
	}
}

// Forward normalizes x over its last dimension.
func (ln *LayerNorm[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	checkLastDim("LayerNorm.Forward", x, ln.dim)
	if ln.impl == NormFused {
		return ln.forwardFused(x)
	}
	mean := x.MeanDim(-1, true)
	centered := x.Sub(mean)
	variance := centered.Mul(centered).MeanDim(-1, true)
	normed := centered.Mul(variance.AddScalar(ln.eps).Rsqrt())
	return normed.Mul(ln.weight.Tensor()).Add(ln.bias.Tensor())
}

func (ln *LayerNorm[B]) forwardFused(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	src := x.Data()
	out := tensor.Zeros[float32](x.Shape().Clone(), ln.backend)
	dst := out.Data()
	w, b := ln.weight.Tensor().Data(), ln.bias.Tensor().Data()
	for off := 0; off < len(src); off += ln.dim {
		row := src[off : off+ln.dim]
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(ln.dim)
		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		inv := 1 / math.Sqrt(variance/float64(ln.dim)+ln.eps)
		for i, v := range row {
			dst[off+i] = float32((float64(v)-mean)*inv)*w[i] + b[i]
		}
	}
	return out
}

// Parameters returns weight and bias.
func (ln *LayerNorm[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{ln.weight, ln.bias}
}

// Weight returns the scale parameter.
func (ln *LayerNorm[B]) Weight() *Parameter[B] { return ln.weight }

// Bias returns the shift parameter.
func (ln *LayerNorm[B]) Bias() *Parameter[B] { return ln.bias }

func checkLastDim[B tensor.Backend](op string, x *tensor.Tensor[float32, B], dim int) {
	shape := x.Shape()
	if len(shape) == 0 || shape[len(shape)-1] != dim {
		panic(fmt.Sprintf("%s: expected last dimension %d, got shape %v", op, dim, shape))
	}
}
