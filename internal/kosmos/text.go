package kosmos

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/born-ml/kosmos/internal/logger"
	"github.com/born-ml/kosmos/internal/nn"
	"github.com/born-ml/kosmos/internal/tensor"
)

// TextBlock is one decoder layer: LayerNorm, causal self-attention, dropout,
// residual, LayerNorm, feed-forward, residual.
type TextBlock[B tensor.Backend] struct {
	selfAttnNorm *nn.LayerNorm[B]
	selfAttn     *nn.Attention[B]
	dropout      *nn.Dropout[B]
	finalNorm    *nn.LayerNorm[B]
	ffn          *nn.FFN[B]
}

// NewTextBlock creates decoder layer layerIdx.
func NewTextBlock[B tensor.Backend](cfg Config, layerIdx int, backend B) *TextBlock[B] {
	t := cfg.Text
	act, err := nn.ActivationByName[B](t.ActivationFunction)
	if err != nil {
		panic("NewTextBlock: " + err.Error())
	}
	return &TextBlock[B]{
		selfAttnNorm: nn.NewLayerNormWith(t.EmbedDim, t.LayerNormEps, cfg.Norm(), backend),
		selfAttn: nn.NewAttention(nn.AttentionConfig{
			EmbedDim:     t.EmbedDim,
			NumHeads:     t.AttentionHeads,
			Bias:         true,
			Causal:       true,
			ScaleQuery:   true,
			InnerNorm:    t.AddInnerAttnLayerNorm,
			LayerNormEps: t.LayerNormEps,
			Norm:         cfg.Norm(),
			Dropout:      t.AttentionDropout,
			Strategy:     cfg.Strategy(),
			Precision:    cfg.Precision(),
			LayerIdx:     layerIdx,
			BlockSize:    cfg.AttentionBlockSize,
		}, backend),
		dropout:   nn.NewDropout[B](t.Dropout),
		finalNorm: nn.NewLayerNormWith(t.EmbedDim, t.LayerNormEps, cfg.Norm(), backend),
		ffn: nn.NewFFN(nn.FFNConfig{
			Dim:               t.EmbedDim,
			Hidden:            t.FFNDim,
			Dropout:           t.Dropout,
			ActivationDropout: t.ActivationDropout,
			LayerNormEps:      t.LayerNormEps,
			Norm:              cfg.Norm(),
		}, act, backend),
	}
}

// Forward runs the block, extending cache when it is non-nil.
func (b *TextBlock[B]) Forward(
	hidden *tensor.Tensor[float32, B],
	mask *nn.Mask[B],
	cache nn.Cache[B],
	outputAttentions bool,
) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	attn, weights := b.selfAttn.Attend(nn.AttendInput[B]{
		Hidden:           b.selfAttnNorm.Forward(hidden),
		Mask:             mask,
		Cache:            cache,
		OutputAttentions: outputAttentions,
	})
	hidden = b.dropout.Forward(attn).Add(hidden)
	return b.ffn.Forward(b.finalNorm.Forward(hidden)).Add(hidden), weights
}

// Attention returns the block's self-attention.
func (b *TextBlock[B]) Attention() *nn.Attention[B] { return b.selfAttn }

// SetTraining toggles every dropout in the block.
func (b *TextBlock[B]) SetTraining(training bool) {
	nn.SetTraining(training, b.selfAttn, b.dropout, b.ffn)
}

// Parameters returns the block's parameters.
func (b *TextBlock[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters[B](b.selfAttnNorm, b.selfAttn, b.finalNorm, b.ffn)
}

// TextInput is the input of TextTransformer.Forward. Exactly one of
// InputIDs and InputsEmbeds must be set.
type TextInput[B tensor.Backend] struct {
	InputIDs *tensor.Tensor[int64, B] // [batch, seq]
	// InputsEmbeds are unscaled token embeddings [batch, seq, embed_dim].
	InputsEmbeds *tensor.Tensor[float32, B]
	// AttentionMask is the [batch, past+seq] 0/1 padding mask.
	AttentionMask *tensor.Tensor[int64, B]
	// CustomMask is a caller-built additive [batch|1, 1, seq, keys] mask
	// with no positive entries. It replaces the built causal mask.
	CustomMask *tensor.Tensor[float32, B]
	// ImageEmbeds [batch, latents, embed_dim] are spliced in where
	// ImageEmbedsPositionMask [batch, seq] is 1.
	ImageEmbeds             *tensor.Tensor[float32, B]
	ImageEmbedsPositionMask *tensor.Tensor[int64, B]
	PositionIDs             *tensor.Tensor[int64, B]

	Cache nn.Cache[B]
	// LegacyCache is the deprecated list form. It is converted to a
	// DynamicCache for the call and converted back in the output.
	LegacyCache nn.LegacyCache[B]

	UseCache           bool
	OutputAttentions   bool
	OutputHiddenStates bool
}

// TextOutput is the result of TextTransformer.Forward.
type TextOutput[B tensor.Backend] struct {
	LastHiddenState *tensor.Tensor[float32, B]
	// Cache is the updated cache when UseCache was set.
	Cache nn.Cache[B]
	// LegacyCache is set instead of Cache when the input used the legacy form.
	LegacyCache  nn.LegacyCache[B]
	HiddenStates []*tensor.Tensor[float32, B]
	Attentions   []*tensor.Tensor[float32, B]
}

// TextTransformer is the decoder stack: token, position and segment
// embeddings, the text blocks and a final LayerNorm.
type TextTransformer[B tensor.Backend] struct {
	cfg        TextConfig
	strategy   nn.Strategy
	embedScale float64

	embedTokens *nn.Embedding[B]
	positions   *nn.SinusoidalTable[B]
	segment     *nn.Embedding[B]
	layers      []*TextBlock[B]
	norm        *nn.LayerNorm[B]
	dropout     *nn.Dropout[B]

	training bool
	mu       sync.Mutex
	rng      *rand.Rand // layerdrop
	backend  B
}

// NewTextTransformer creates the decoder.
func NewTextTransformer[B tensor.Backend](cfg Config, backend B) *TextTransformer[B] {
	t := cfg.Text
	scale := 1.0
	if t.ScaleEmbedding {
		scale = math.Sqrt(float64(t.EmbedDim))
	}
	layers := make([]*TextBlock[B], t.Layers)
	for i := range layers {
		layers[i] = NewTextBlock(cfg, i, backend)
	}
	return &TextTransformer[B]{
		cfg:         t,
		strategy:    cfg.Strategy(),
		embedScale:  scale,
		embedTokens: nn.NewEmbeddingWithPadding(t.VocabSize, t.EmbedDim, t.PadTokenID, backend),
		positions:   nn.NewSinusoidalTable(t.MaxPositionEmbeddings, t.EmbedDim, t.PadTokenID, backend),
		segment:     nn.NewEmbedding(2, t.EmbedDim, backend),
		layers:      layers,
		norm:        nn.NewLayerNormWith(t.EmbedDim, t.LayerNormEps, cfg.Norm(), backend),
		dropout:     nn.NewDropout[B](t.Dropout),
		rng:         rand.New(rand.NewSource(rand.Int63())), //nolint:gosec // G404: layerdrop is not security-sensitive
		backend:     backend,
	}
}

// Forward runs the decoder over one chunk of tokens.
func (t *TextTransformer[B]) Forward(in TextInput[B]) (*TextOutput[B], error) {
	batch, seq, err := t.inputShape(in)
	if err != nil {
		return nil, err
	}

	cache, returnLegacy, err := t.resolveCache(in)
	if err != nil {
		return nil, err
	}
	past := 0
	if cache != nil && cache.NumLayers() > 0 {
		past = cache.SeqLength(0)
	}

	if m := in.AttentionMask; m != nil {
		if s := m.Shape(); len(s) != 2 || s[0] != batch {
			return nil, fmt.Errorf("%w: attention mask must be [%d, keys], got %v", ErrInvalidInput, batch, s)
		}
	}
	staticCapacity := 0
	if cache != nil && cache.MaxLength() > 0 {
		staticCapacity = cache.MaxLength()
	}
	mask, err := nn.BuildCausalMask(nn.MaskRequest[B]{
		Backend:          t.backend,
		Strategy:         t.strategy,
		Attention:        in.AttentionMask,
		Custom:           in.CustomMask,
		Batch:            batch,
		QueryLen:         seq,
		PastLen:          past,
		StaticCapacity:   staticCapacity,
		OutputAttentions: in.OutputAttentions,
	})
	if err != nil {
		return nil, err
	}

	hidden, err := t.embed(in, batch, seq, past)
	if err != nil {
		return nil, err
	}

	out := &TextOutput[B]{}
	for _, layer := range t.layers {
		if in.OutputHiddenStates {
			out.HiddenStates = append(out.HiddenStates, hidden)
		}
		if t.dropLayer() {
			if in.OutputAttentions {
				out.Attentions = append(out.Attentions, nil)
			}
			continue
		}
		var weights *tensor.Tensor[float32, B]
		hidden, weights = layer.Forward(hidden, mask, cache, in.OutputAttentions)
		if in.OutputAttentions {
			out.Attentions = append(out.Attentions, weights)
		}
	}
	hidden = t.norm.Forward(hidden)
	if in.OutputHiddenStates {
		out.HiddenStates = append(out.HiddenStates, hidden)
	}
	out.LastHiddenState = hidden

	if in.UseCache && cache != nil {
		if returnLegacy {
			out.LegacyCache = cache.(*nn.DynamicCache[B]).ToLegacy()
		} else {
			out.Cache = cache
		}
	}
	return out, nil
}

func (t *TextTransformer[B]) inputShape(in TextInput[B]) (batch, seq int, err error) {
	switch {
	case in.InputIDs != nil && in.InputsEmbeds != nil:
		return 0, 0, fmt.Errorf("%w: input_ids and inputs_embeds", ErrConflictingInputs)
	case in.InputIDs != nil:
		s := in.InputIDs.Shape()
		if len(s) != 2 {
			return 0, 0, fmt.Errorf("%w: input_ids must be [batch, seq], got %v", ErrInvalidInput, s)
		}
		return s[0], s[1], nil
	case in.InputsEmbeds != nil:
		s := in.InputsEmbeds.Shape()
		if len(s) != 3 || s[2] != t.cfg.EmbedDim {
			return 0, 0, fmt.Errorf("%w: inputs_embeds must be [batch, seq, %d], got %v", ErrInvalidInput, t.cfg.EmbedDim, s)
		}
		return s[0], s[1], nil
	default:
		return 0, 0, ErrMissingTextInput
	}
}

// resolveCache picks the cache the call reads and extends.
func (t *TextTransformer[B]) resolveCache(in TextInput[B]) (nn.Cache[B], bool, error) {
	if in.Cache != nil && in.LegacyCache != nil {
		return nil, false, fmt.Errorf("%w: cache and legacy cache", ErrConflictingInputs)
	}
	cache := in.Cache
	legacy := false
	if cache == nil && in.LegacyCache != nil {
		logger.WarnOnce("legacy-cache",
			"passing past key values as a per-layer list is deprecated; use a DynamicCache or StaticCache")
		cache = in.LegacyCache.ToDynamic(len(t.layers))
		legacy = true
	}
	if cache == nil && in.UseCache && !t.training {
		cache = nn.NewDynamicCache[B](len(t.layers))
	}
	if cache != nil && cache.NumLayers() != len(t.layers) {
		return nil, false, fmt.Errorf("%w: cache has %d layers, decoder has %d", ErrInvalidInput, cache.NumLayers(), len(t.layers))
	}
	return cache, legacy, nil
}

// embed builds the first block's input: scaled token embeddings with image
// embeddings spliced in, plus position and segment embeddings.
func (t *TextTransformer[B]) embed(in TextInput[B], batch, seq, past int) (*tensor.Tensor[float32, B], error) {
	embeds := in.InputsEmbeds
	if embeds == nil {
		embeds = t.embedTokens.Forward(in.InputIDs)
	}

	slots := in.ImageEmbedsPositionMask
	if slots != nil && !slots.Shape().Equal(tensor.Shape{batch, seq}) {
		return nil, fmt.Errorf("%w: image position mask %v for input [%d, %d]", ErrImageSlotMismatch, slots.Shape(), batch, seq)
	}
	if in.ImageEmbeds != nil {
		var err error
		if embeds, err = SpliceImageEmbeds(embeds, in.ImageEmbeds, slots); err != nil {
			return nil, err
		}
	}
	if t.embedScale != 1 {
		embeds = embeds.MulScalar(t.embedScale)
	}

	if ids := in.PositionIDs; ids != nil && !ids.Shape().Equal(tensor.Shape{batch, seq}) {
		return nil, fmt.Errorf("%w: position ids %v for input [%d, %d]", ErrInvalidInput, ids.Shape(), batch, seq)
	}
	positions := t.positions.Forward(nn.PositionInput[B]{
		PositionIDs: in.PositionIDs,
		InputIDs:    in.InputIDs,
		Batch:       batch,
		SeqLen:      seq,
		PastLength:  past,
	})
	positions = positions.Add(t.segment.Forward(segmentIDs(slots, batch, t.backend)))

	return t.dropout.Forward(embeds.Add(positions)), nil
}

// segmentIDs marks image slots with segment 1. Without a slot mask every
// position is text, expressed as a single broadcast column of zeros.
func segmentIDs[B tensor.Backend](slots *tensor.Tensor[int64, B], batch int, backend B) *tensor.Tensor[int64, B] {
	if slots == nil {
		return tensor.Zeros[int64](tensor.Shape{batch, 1}, backend)
	}
	ids := tensor.Zeros[int64](slots.Shape().Clone(), backend)
	dst := ids.Data()
	for i, v := range slots.Data() {
		if v != 0 {
			dst[i] = 1
		}
	}
	return ids
}

func (t *TextTransformer[B]) dropLayer() bool {
	if !t.training || t.cfg.Layerdrop == 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rng.Float64() < t.cfg.Layerdrop
}

// SpliceImageEmbeds returns a copy of embeds [batch, seq, dim] in which the
// positions where slots [batch, seq] equals 1 are filled, in row-major order,
// with the rows of image [..., dim]. slots is required. When no position is
// marked embeds is returned as is; otherwise the number of slots must equal
// the number of image rows.
func SpliceImageEmbeds[B tensor.Backend](embeds, image *tensor.Tensor[float32, B], slots *tensor.Tensor[int64, B]) (*tensor.Tensor[float32, B], error) {
	es := embeds.Shape()
	dim := es[2]
	if slots == nil {
		return nil, fmt.Errorf("%w: image embeddings given without an image position mask", ErrImageSlotMismatch)
	}
	if !slots.Shape().Equal(es[:2]) {
		return nil, fmt.Errorf("%w: image position mask %v for embeddings %v", ErrImageSlotMismatch, slots.Shape(), es)
	}
	is := image.Shape()
	if is[len(is)-1] != dim {
		return nil, fmt.Errorf("%w: image embeddings width %d, text width %d", ErrInvalidInput, is[len(is)-1], dim)
	}

	mask := slots.Data()
	count := 0
	for _, v := range mask {
		if v == 1 {
			count++
		}
	}
	if count == 0 {
		return embeds, nil
	}
	rows := image.NumElements() / dim
	if count != rows {
		return nil, fmt.Errorf("%w: %d image slots for %d image embeddings", ErrImageSlotMismatch, count, rows)
	}

	out := embeds.Clone()
	dst, src := out.Data(), image.Data()
	next := 0
	for i, v := range mask {
		if v != 1 {
			continue
		}
		copy(dst[i*dim:(i+1)*dim], src[next*dim:(next+1)*dim])
		next++
	}
	return out, nil
}

// EmbedTokens returns the token embedding table, shared with the LM head.
func (t *TextTransformer[B]) EmbedTokens() *nn.Embedding[B] { return t.embedTokens }

// Positions returns the sinusoidal position table.
func (t *TextTransformer[B]) Positions() *nn.SinusoidalTable[B] { return t.positions }

// Layers returns the decoder blocks.
func (t *TextTransformer[B]) Layers() []*TextBlock[B] { return t.layers }

// NumLayers returns the number of decoder blocks.
func (t *TextTransformer[B]) NumLayers() int { return len(t.layers) }

// SetTraining toggles dropout and layerdrop.
func (t *TextTransformer[B]) SetTraining(training bool) {
	t.training = training
	t.dropout.SetTraining(training)
	for _, l := range t.layers {
		l.SetTraining(training)
	}
}

// Parameters returns the decoder's parameters.
func (t *TextTransformer[B]) Parameters() []*nn.Parameter[B] {
	params := nn.CollectParameters[B](t.embedTokens, t.segment)
	for _, l := range t.layers {
		params = append(params, l.Parameters()...)
	}
	return append(params, t.norm.Parameters()...)
}
