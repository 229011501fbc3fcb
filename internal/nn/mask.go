package nn

import (
	"fmt"
	"math"

	"github.com/born-ml/kosmos/internal/tensor"
)

// MaskMin is the additive bias for a disallowed query/key pair.
const MaskMin = float32(-math.MaxFloat32)

// Mask is an attention mask in one of the two concrete forms kernels accept.
// A nil *Mask means no masking beyond what the attention module's own causal
// flag implies.
type Mask[B tensor.Backend] struct {
	// Bias is an additive [batch|1, 1, query, keys'] mask with keys' ≥ the
	// key length; only the leading key columns are used.
	Bias *tensor.Tensor[float32, B]
	// Padding is a [batch, keys] mask, true where the key may be attended.
	Padding *tensor.Tensor[bool, B]
}

// MaskRequest describes the inputs to BuildCausalMask.
type MaskRequest[B tensor.Backend] struct {
	Backend  B
	Strategy Strategy
	// Attention is an optional 2D [batch, length] mask, 1 for real tokens
	// and 0 for padding.
	Attention *tensor.Tensor[int64, B]
	// Custom is an optional caller-built 4D additive mask. It is trusted as
	// already inverted once its maximum has been checked.
	Custom           *tensor.Tensor[float32, B]
	Batch            int
	QueryLen         int
	PastLen          int
	StaticCapacity   int // key capacity of a fixed-size cache, 0 otherwise
	OutputAttentions bool
}

// BuildCausalMask builds the decoder self-attention mask for the requested
// strategy:
//   - fused-kernel: the 2D padding mask when anything is padded, else nil
//   - native-fused: nil when causality can be inferred from shapes alone
//   - otherwise: an additive [batch, 1, query, target] mask where key j is
//     excluded for query i when j > past+i or j is padding
func BuildCausalMask[B tensor.Backend](req MaskRequest[B]) (*Mask[B], error) {
	if req.Custom != nil {
		if err := ValidateInvertedMask(req.Custom); err != nil {
			return nil, err
		}
		if req.Strategy == StrategyFusedKernel {
			return nil, fmt.Errorf("%w: %s accepts only 2D padding masks", ErrMaskFormat, req.Strategy)
		}
		return &Mask[B]{Bias: req.Custom}, nil
	}

	if req.Strategy == StrategyFusedKernel {
		if req.Attention != nil && HasMasked(req.Attention) {
			return &Mask[B]{Padding: PaddingFromMask(req.Attention)}, nil
		}
		return nil, nil
	}

	if req.Strategy == StrategyNativeFused && req.StaticCapacity == 0 && !req.OutputAttentions {
		noPadding := req.Attention == nil || !HasMasked(req.Attention)
		if noPadding && (req.QueryLen == 1 || req.PastLen == 0) {
			return nil, nil
		}
	}

	target := req.PastLen + req.QueryLen + 1
	switch {
	case req.StaticCapacity > 0:
		target = req.StaticCapacity
	case req.Attention != nil:
		target = req.Attention.Shape()[1]
	}
	if target < req.PastLen+req.QueryLen {
		return nil, fmt.Errorf("%w: mask covers %d keys but %d are attended", ErrMaskFormat, target, req.PastLen+req.QueryLen)
	}

	bias := tensor.Zeros[float32](tensor.Shape{req.Batch, 1, req.QueryLen, target}, req.Backend)
	data := bias.Data()
	var att []int64
	attLen := 0
	if req.Attention != nil {
		att = req.Attention.Data()
		attLen = req.Attention.Shape()[1]
	}
	for b := 0; b < req.Batch; b++ {
		for i := 0; i < req.QueryLen; i++ {
			row := data[(b*req.QueryLen+i)*target : (b*req.QueryLen+i+1)*target]
			for j := range row {
				if j > req.PastLen+i || (j < attLen && att[b*attLen+j] == 0) {
					row[j] = MaskMin
				}
			}
		}
	}
	return &Mask[B]{Bias: bias}, nil
}

// BuildPaddingMask builds a bidirectional mask from a 2D padding mask.
// Nothing is returned when no position is padded. Fused kernels get the 2D
// mask itself; the other strategies get it expanded to queryLen rows.
func BuildPaddingMask[B tensor.Backend](strategy Strategy, attention *tensor.Tensor[int64, B], queryLen int) *Mask[B] {
	if attention == nil || !HasMasked(attention) {
		return nil
	}
	if strategy == StrategyFusedKernel {
		return &Mask[B]{Padding: PaddingFromMask(attention)}
	}
	return &Mask[B]{Bias: ExpandMask(attention, queryLen)}
}

// ExpandMask turns a [batch, src] 0/1 mask into an additive
// [batch, 1, tgt, src] mask.
func ExpandMask[B tensor.Backend](mask *tensor.Tensor[int64, B], tgtLen int) *tensor.Tensor[float32, B] {
	shape := mask.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("ExpandMask: expected [batch, src] mask, got %v", shape))
	}
	batch, src := shape[0], shape[1]
	out := tensor.Zeros[float32](tensor.Shape{batch, 1, tgtLen, src}, mask.Backend())
	data := out.Data()
	m := mask.Data()
	for b := 0; b < batch; b++ {
		for i := 0; i < tgtLen; i++ {
			row := data[(b*tgtLen+i)*src : (b*tgtLen+i+1)*src]
			for j := range row {
				if m[b*src+j] == 0 {
					row[j] = MaskMin
				}
			}
		}
	}
	return out
}

// ValidateInvertedMask checks that an additive mask has no positive entry.
func ValidateInvertedMask[B tensor.Backend](bias *tensor.Tensor[float32, B]) error {
	if len(bias.Shape()) != 4 {
		return fmt.Errorf("%w: additive masks must be 4D, got %v", ErrMaskFormat, bias.Shape())
	}
	for _, v := range bias.Data() {
		if v > 0 {
			return fmt.Errorf("%w (found %g)", ErrMalformedMask, v)
		}
	}
	return nil
}

// HasMasked reports whether a 2D 0/1 mask excludes any position.
func HasMasked[B tensor.Backend](mask *tensor.Tensor[int64, B]) bool {
	for _, v := range mask.Data() {
		if v == 0 {
			return true
		}
	}
	return false
}

// PaddingFromMask converts a 0/1 mask to its boolean form.
func PaddingFromMask[B tensor.Backend](mask *tensor.Tensor[int64, B]) *tensor.Tensor[bool, B] {
	out := tensor.Zeros[bool](mask.Shape().Clone(), mask.Backend())
	dst := out.Data()
	for i, v := range mask.Data() {
		dst[i] = v != 0
	}
	return out
}

// SliceKeys narrows an additive mask to its first keyLen columns.
func SliceKeys[B tensor.Backend](bias *tensor.Tensor[float32, B], keyLen int) *tensor.Tensor[float32, B] {
	shape := bias.Shape()
	last := shape[len(shape)-1]
	switch {
	case last == keyLen:
		return bias
	case last > keyLen:
		return bias.Narrow(len(shape)-1, 0, keyLen)
	default:
		panic(fmt.Sprintf("SliceKeys: mask covers %d keys, need %d", last, keyLen))
	}
}

// Materialize renders the mask as an additive [batch, 1, query, keys] bias.
// When causal is set, key j is also excluded for query i when
// j > i + (keys - query). A nil mask with causal unset yields nil.
func (m *Mask[B]) Materialize(backend B, batch, queryLen, keyLen int, causal bool) *tensor.Tensor[float32, B] {
	if m != nil && m.Bias != nil && !causal && m.Padding == nil {
		return SliceKeys(m.Bias, keyLen)
	}
	if (m == nil || (m.Bias == nil && m.Padding == nil)) && !causal {
		return nil
	}

	out := tensor.Zeros[float32](tensor.Shape{batch, 1, queryLen, keyLen}, backend)
	data := out.Data()

	var bias []float32
	biasBatch, biasKeys := 0, 0
	var pad []bool
	if m != nil && m.Bias != nil {
		bs := m.Bias.Shape()
		if bs[2] != queryLen || bs[3] < keyLen {
			panic(fmt.Sprintf("Mask.Materialize: bias %v incompatible with [%d 1 %d %d]", bs, batch, queryLen, keyLen))
		}
		bias, biasBatch, biasKeys = m.Bias.Data(), bs[0], bs[3]
	}
	if m != nil && m.Padding != nil {
		if ps := m.Padding.Shape(); ps[0] != batch || ps[1] != keyLen {
			panic(fmt.Sprintf("Mask.Materialize: padding %v incompatible with [%d %d]", ps, batch, keyLen))
		}
		pad = m.Padding.Data()
	}

	shift := keyLen - queryLen
	for b := 0; b < batch; b++ {
		for i := 0; i < queryLen; i++ {
			row := data[(b*queryLen+i)*keyLen : (b*queryLen+i+1)*keyLen]
			for j := range row {
				if bias != nil {
					bb := b
					if biasBatch == 1 {
						bb = 0
					}
					row[j] = bias[(bb*queryLen+i)*biasKeys+j]
				}
				if (pad != nil && !pad[b*keyLen+j]) || (causal && j > i+shift) {
					row[j] = MaskMin
				}
			}
		}
	}
	return out
}
