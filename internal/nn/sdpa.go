package nn

import (
	"github.com/born-ml/kosmos/internal/logger"
	"github.com/born-ml/kosmos/internal/metrics"
	"github.com/born-ml/kosmos/internal/tensor"
)

// SDPABackend is implemented by backends with a fused scaled dot-product
// attention primitive. bias is nil or an additive [B|1, H|1, S, K'≥K] mask;
// bias and isCausal are mutually exclusive.
type SDPABackend interface {
	ScaledDotProductAttention(q, k, v, bias *tensor.RawTensor, isCausal bool, scale float64) *tensor.RawTensor
}

// NativeKernel implements the native-fused strategy on top of the backend's
// SDPABackend primitive. Requests it cannot serve (attention weights, or a
// backend without the primitive) run on the reference kernel instead, with
// a one-time warning.
type NativeKernel[B tensor.Backend] struct {
	reference ReferenceKernel[B]
}

// NewNativeKernel creates a native-fused kernel.
func NewNativeKernel[B tensor.Backend]() *NativeKernel[B] {
	return &NativeKernel[B]{}
}

// Strategy implements Kernel.
func (k *NativeKernel[B]) Strategy() Strategy { return StrategyNativeFused }

// Attend implements Kernel.
func (k *NativeKernel[B]) Attend(in KernelInput[B]) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	backend := in.Query.Backend()
	sdpa, ok := any(backend).(SDPABackend)
	switch {
	case in.NeedWeights:
		logger.WarnOnce("native-fallback-weights",
			"native-fused attention cannot return attention weights; falling back to the reference kernel")
		metrics.RecordFallback(StrategyNativeFused.String(), StrategyReference.String())
		return k.reference.Attend(in)
	case !ok || in.Dropout != nil:
		logger.WarnOnce("native-fallback-backend",
			"backend has no fused scaled dot-product attention; falling back to the reference kernel",
			"backend", backend.Name())
		metrics.RecordFallback(StrategyNativeFused.String(), StrategyReference.String())
		return k.reference.Attend(in)
	}

	qs := in.Query.Shape()
	batch, seq, keyLen := qs[0], qs[2], in.Key.Shape()[2]
	causal := in.Causal
	var bias *tensor.RawTensor
	if m := in.Mask; m != nil && (m.Bias != nil || m.Padding != nil) {
		if m.Padding != nil || causal {
			bias = m.Materialize(backend, batch, seq, keyLen, causal).Raw()
			causal = false
		} else {
			bias = m.Bias.Raw()
		}
	}

	raw := sdpa.ScaledDotProductAttention(in.Query.Raw(), in.Key.Raw(), in.Value.Raw(), bias, causal, in.Scale)
	return tensor.RoundTo(tensor.New[float32, B](raw, backend), in.Precision), nil
}
