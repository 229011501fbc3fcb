package nn

import (
	"math"

	"github.com/born-ml/kosmos/internal/tensor"
)

// RMSNorm is the scale-only normalization used by the vision encoder:
//
//	y = x / sqrt(mean(x²) + eps) * weight
//
// No mean is subtracted and there is no bias. The variance is always
// accumulated in full precision.
//
// Example:
//
//	norm := nn.NewRMSNorm(1536, 1e-6, backend)
//	out := norm.Forward(x)
type RMSNorm[B tensor.Backend] struct {
	dim     int
	eps     float64
	impl    NormImplementation
	weight  *Parameter[B]
	backend B
}

// NewRMSNorm creates an RMSNorm with unit weight.
func NewRMSNorm[B tensor.Backend](dim int, eps float64, backend B) *RMSNorm[B] {
	return NewRMSNormWith(dim, eps, NormStandard, backend)
}

// NewRMSNormWith creates an RMSNorm using the given implementation.
func NewRMSNormWith[B tensor.Backend](dim int, eps float64, impl NormImplementation, backend B) *RMSNorm[B] {
	return &RMSNorm[B]{
		dim:     dim,
		eps:     eps,
		impl:    impl,
		weight:  NewParameter("weight", Ones(tensor.Shape{dim}, backend)),
		backend: backend,
	}
}

// Forward normalizes x over its last dimension.
func (n *RMSNorm[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	checkLastDim("RMSNorm.Forward", x, n.dim)
	if n.impl == NormFused {
		return n.forwardFused(x)
	}
	variance := x.Mul(x).MeanDim(-1, true)
	return x.Mul(variance.AddScalar(n.eps).Rsqrt()).Mul(n.weight.Tensor())
}

func (n *RMSNorm[B]) forwardFused(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	src := x.Data()
	out := tensor.Zeros[float32](x.Shape().Clone(), n.backend)
	dst := out.Data()
	w := n.weight.Tensor().Data()
	for off := 0; off < len(src); off += n.dim {
		row := src[off : off+n.dim]
		var sq float64
		for _, v := range row {
			sq += float64(v) * float64(v)
		}
		inv := 1 / math.Sqrt(sq/float64(n.dim)+n.eps)
		for i, v := range row {
			dst[off+i] = float32(float64(v)*inv) * w[i]
		}
	}
	return out
}

// Parameters returns the scale weight.
func (n *RMSNorm[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{n.weight}
}

// Weight returns the scale parameter.
func (n *RMSNorm[B]) Weight() *Parameter[B] { return n.weight }
