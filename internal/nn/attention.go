package nn

import (
	"fmt"
	"math"

	"github.com/born-ml/kosmos/internal/logger"
	"github.com/born-ml/kosmos/internal/metrics"
	"github.com/born-ml/kosmos/internal/tensor"
)

// KernelInput is everything a kernel needs to turn per-head queries, keys
// and values into per-head outputs.
type KernelInput[B tensor.Backend] struct {
	Query *tensor.Tensor[float32, B] // [batch, heads, seq, head_dim]
	Key   *tensor.Tensor[float32, B] // [batch, heads, keys, head_dim]
	Value *tensor.Tensor[float32, B] // [batch, heads, keys, head_dim]
	Mask  *Mask[B]
	// Causal requests bottom-right aligned causal masking in addition to Mask.
	Causal bool
	// Scale multiplies q·kᵀ; 1 when the queries are already scaled.
	Scale       float64
	NeedWeights bool
	// Precision is the pipeline precision. Reduced types round the softmax
	// output (reference) or the kernel inputs and output (fused).
	Precision tensor.DataType
	// Dropout is applied to the attention probabilities; nil disables it.
	Dropout *Dropout[B]
}

// Kernel computes softmax(q·kᵀ·scale + mask)·v for one attention call.
type Kernel[B tensor.Backend] interface {
	Strategy() Strategy
	// Attend returns the output [batch, heads, seq, head_dim] and, when
	// requested and supported, the attention weights [batch, heads, seq, keys].
	Attend(in KernelInput[B]) (out, weights *tensor.Tensor[float32, B])
}

// NewKernel returns the kernel implementing strategy.
func NewKernel[B tensor.Backend](strategy Strategy, blockSize int) Kernel[B] {
	switch strategy {
	case StrategyFusedKernel:
		return NewFusedKernel[B](blockSize)
	case StrategyNativeFused:
		return NewNativeKernel[B]()
	default:
		return ReferenceKernel[B]{}
	}
}

// ReferenceKernel materializes the score matrix. Softmax is accumulated in
// float64 and the probabilities are rounded to the pipeline precision.
type ReferenceKernel[B tensor.Backend] struct{}

// Strategy implements Kernel.
func (ReferenceKernel[B]) Strategy() Strategy { return StrategyReference }

// Attend implements Kernel.
func (ReferenceKernel[B]) Attend(in KernelInput[B]) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	qs := in.Query.Shape()
	batch, seq := qs[0], qs[2]
	keyLen := in.Key.Shape()[2]

	scores := in.Query.BatchMatMul(in.Key.Transpose(0, 1, 3, 2))
	if in.Scale != 1 {
		scores = scores.MulScalar(in.Scale)
	}
	if bias := in.Mask.Materialize(in.Query.Backend(), batch, seq, keyLen, in.Causal); bias != nil {
		scores = scores.Add(bias)
	}

	weights := tensor.RoundTo(scores.Softmax(-1), in.Precision)
	probs := weights
	if in.Dropout != nil {
		probs = in.Dropout.Forward(weights)
	}
	out := probs.BatchMatMul(in.Value)
	if !in.NeedWeights {
		return out, nil
	}
	return out, weights
}

// AttentionConfig configures an Attention module.
type AttentionConfig struct {
	EmbedDim int // width of the query input and of the output
	KVDim    int // width of the key/value input; 0 means EmbedDim
	NumHeads int
	// HeadDim is the per-head width. 0 derives EmbedDim/NumHeads, which
	// then must divide exactly.
	HeadDim int
	Bias    bool
	Causal  bool
	// ScaleQuery folds 1/sqrt(head_dim) into the projected queries instead
	// of scaling the scores.
	ScaleQuery   bool
	InnerNorm    bool // LayerNorm over the merged heads before the output projection
	LayerNormEps float64
	Norm         NormImplementation
	Dropout      float64
	Strategy     Strategy
	Precision    tensor.DataType
	LayerIdx     int // cache slot read and written by this module
	BlockSize    int // fused kernel tile length; 0 selects the default
}

// ValidateHeads reports whether embedDim splits evenly into numHeads heads.
func ValidateHeads(embedDim, numHeads int) error {
	if numHeads <= 0 || embedDim <= 0 || embedDim%numHeads != 0 {
		return fmt.Errorf("embed_dim must be divisible by num_heads (got `embed_dim`: %d and `num_heads`: %d)",
			embedDim, numHeads)
	}
	return nil
}

// Attention is multi-head scaled dot-product attention with a pluggable
// kernel. It serves bidirectional self-attention (vision), causal cached
// self-attention (text) and single-shot cross-attention (latent projection).
//
// Example:
//
//	attn := nn.NewAttention(nn.AttentionConfig{
//	    EmbedDim: 1536, NumHeads: 16, Bias: true, Causal: true,
//	    ScaleQuery: true, Strategy: nn.StrategyReference,
//	}, backend)
//	out, _ := attn.Attend(nn.AttendInput[B]{Hidden: x, Cache: cache})
type Attention[B tensor.Backend] struct {
	cfg       AttentionConfig
	headDim   int
	scaling   float64
	q, k, v   *Linear[B]
	out       *Linear[B]
	innerNorm *LayerNorm[B]
	dropout   *Dropout[B]
	kernel    Kernel[B]
	reference ReferenceKernel[B]
	backend   B
}

// NewAttention builds an attention module. Panics when EmbedDim is not
// divisible by NumHeads and no explicit HeadDim is given.
func NewAttention[B tensor.Backend](cfg AttentionConfig, backend B) *Attention[B] {
	headDim := cfg.HeadDim
	if headDim == 0 {
		if err := ValidateHeads(cfg.EmbedDim, cfg.NumHeads); err != nil {
			panic("NewAttention: " + err.Error())
		}
		headDim = cfg.EmbedDim / cfg.NumHeads
	}
	if cfg.NumHeads <= 0 || headDim <= 0 || cfg.EmbedDim <= 0 {
		panic(fmt.Sprintf("NewAttention: invalid geometry embed_dim=%d heads=%d head_dim=%d", cfg.EmbedDim, cfg.NumHeads, headDim))
	}
	if !cfg.Precision.IsFloat() {
		panic(fmt.Sprintf("NewAttention: precision must be a floating type, got %s", cfg.Precision))
	}
	if cfg.KVDim == 0 {
		cfg.KVDim = cfg.EmbedDim
	}
	inner := cfg.NumHeads * headDim

	linear := NewLinearNoBias[B]
	if cfg.Bias {
		linear = NewLinear[B]
	}
	a := &Attention[B]{
		cfg:     cfg,
		headDim: headDim,
		scaling: 1 / math.Sqrt(float64(headDim)),
		q:       linear(cfg.EmbedDim, inner, backend),
		k:       linear(cfg.KVDim, inner, backend),
		v:       linear(cfg.KVDim, inner, backend),
		out:     linear(inner, cfg.EmbedDim, backend),
		dropout: NewDropout[B](cfg.Dropout),
		kernel:  NewKernel[B](cfg.Strategy, cfg.BlockSize),
		backend: backend,
	}
	if cfg.InnerNorm {
		a.innerNorm = NewLayerNormWith(inner, cfg.LayerNormEps, cfg.Norm, backend)
	}
	return a
}

// AttendInput carries one attention call.
type AttendInput[B tensor.Backend] struct {
	// Hidden is the query source [batch, seq, EmbedDim].
	Hidden *tensor.Tensor[float32, B]
	// Context is the key/value source [batch, keys, KVDim]; nil means
	// self-attention over Hidden.
	Context *tensor.Tensor[float32, B]
	Mask    *Mask[B]
	// Cache is extended with this call's keys and values (self-attention).
	Cache Cache[B]
	// CrossCache memoizes the Context projections (cross-attention).
	CrossCache       *EncoderCache[B]
	OutputAttentions bool
}

// Attend runs the attention call and returns the output
// [batch, seq, EmbedDim] and, when requested and supported, the weights.
func (a *Attention[B]) Attend(in AttendInput[B]) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	hs := in.Hidden.Shape()
	if len(hs) != 3 || hs[2] != a.cfg.EmbedDim {
		panic(fmt.Sprintf("Attention.Attend: expected hidden [batch, seq, %d], got %v", a.cfg.EmbedDim, hs))
	}
	batch, seq := hs[0], hs[1]

	query := a.q.Forward(in.Hidden)
	if a.cfg.ScaleQuery {
		query = query.MulScalar(a.scaling)
	}
	query = a.splitHeads(query, batch, seq)
	key, value := a.keyValue(in)

	kernel := a.kernel
	needWeights := in.OutputAttentions
	if needWeights && kernel.Strategy() == StrategyFusedKernel {
		logger.WarnOnce("fused-no-weights",
			"fused-kernel attention does not return attention weights; output_attentions is ignored")
		needWeights = false
	}
	var dropout *Dropout[B]
	if a.dropout.Training() && a.dropout.P() > 0 {
		dropout = a.dropout
		if kernel.Strategy() != StrategyReference {
			metrics.RecordFallback(kernel.Strategy().String(), StrategyReference.String())
			kernel = a.reference
		}
	}

	scale := a.scaling
	if a.cfg.ScaleQuery {
		scale = 1
	}
	out, weights := kernel.Attend(KernelInput[B]{
		Query:       query,
		Key:         key,
		Value:       value,
		Mask:        in.Mask,
		Causal:      a.cfg.Causal && (in.Mask == nil || in.Mask.Bias == nil) && seq > 1,
		Scale:       scale,
		NeedWeights: needWeights,
		Precision:   a.cfg.Precision,
		Dropout:     dropout,
	})
	metrics.RecordAttention(kernel.Strategy().String())

	want := tensor.Shape{batch, a.cfg.NumHeads, seq, a.headDim}
	if !out.Shape().Equal(want) {
		panic(fmt.Sprintf("Attention.Attend: attn_output should be of size %v, but is %v", want, out.Shape()))
	}

	merged := out.Transpose(0, 2, 1, 3).Reshape(batch, seq, a.cfg.NumHeads*a.headDim)
	if a.innerNorm != nil {
		merged = a.innerNorm.Forward(merged)
	}
	return a.out.Forward(merged), weights
}

func (a *Attention[B]) keyValue(in AttendInput[B]) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	layer := a.cfg.LayerIdx
	if in.Context == nil {
		key, value := a.project(in.Hidden)
		if in.Cache != nil {
			key, value = in.Cache.Update(layer, key, value)
			if layer == 0 {
				metrics.RecordCacheLength(in.Cache.SeqLength(0))
			}
		}
		return key, value
	}

	if in.Cache != nil {
		panic("Attention.Attend: cross-attention uses CrossCache, not Cache")
	}
	if in.CrossCache == nil {
		return a.project(in.Context)
	}
	if key, value, ok := in.CrossCache.Lookup(layer, in.Context.Shape()[1]); ok {
		return key, value
	}
	key, value := a.project(in.Context)
	in.CrossCache.Store(layer, key, value)
	return key, value
}

func (a *Attention[B]) project(src *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	s := src.Shape()
	if len(s) != 3 || s[2] != a.cfg.KVDim {
		panic(fmt.Sprintf("Attention.Attend: expected key/value input [batch, keys, %d], got %v", a.cfg.KVDim, s))
	}
	return a.splitHeads(a.k.Forward(src), s[0], s[1]), a.splitHeads(a.v.Forward(src), s[0], s[1])
}

// splitHeads reshapes [batch, seq, heads*head_dim] to [batch, heads, seq, head_dim].
func (a *Attention[B]) splitHeads(x *tensor.Tensor[float32, B], batch, seq int) *tensor.Tensor[float32, B] {
	return x.Reshape(batch, seq, a.cfg.NumHeads, a.headDim).Transpose(0, 2, 1, 3)
}

// SetTraining toggles attention-probability dropout.
func (a *Attention[B]) SetTraining(training bool) {
	a.dropout.SetTraining(training)
}

// Parameters returns the projection weights and the inner norm, if any.
func (a *Attention[B]) Parameters() []*Parameter[B] {
	params := CollectParameters[B](a.q, a.k, a.v)
	if a.innerNorm != nil {
		params = append(params, a.innerNorm.Parameters()...)
	}
	return append(params, a.out.Parameters()...)
}

// Config returns the resolved configuration.
func (a *Attention[B]) Config() AttentionConfig { return a.cfg }

// HeadDim returns the per-head width.
func (a *Attention[B]) HeadDim() int { return a.headDim }

// Kernel returns the kernel selected at construction.
func (a *Attention[B]) Kernel() Kernel[B] { return a.kernel }

// Query returns the query projection.
func (a *Attention[B]) Query() *Linear[B] { return a.q }

// Key returns the key projection.
func (a *Attention[B]) Key() *Linear[B] { return a.k }

// Value returns the value projection.
func (a *Attention[B]) Value() *Linear[B] { return a.v }

// Output returns the output projection.
func (a *Attention[B]) Output() *Linear[B] { return a.out }
