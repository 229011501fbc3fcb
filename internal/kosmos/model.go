// Package kosmos assembles the Kosmos-2.5 multimodal transformer: a vision
// encoder over flattened image patches, a latent-query projection that turns
// a variable number of patches into a fixed number of text-width embeddings,
// and a causal text decoder that reads those embeddings at marked slots.
//
// Example:
//
//	backend := cpu.New()
//	model, err := kosmos.NewForConditionalGeneration(kosmos.TinyConfig(), backend)
//	if err != nil {
//	    return err
//	}
//	out, err := model.Forward(kosmos.Input[*cpu.CPUBackend]{
//	    FlattenedPatches:        patches,
//	    InputIDs:                ids,
//	    ImageEmbedsPositionMask: slots,
//	    UseCache:                true,
//	})
package kosmos

import (
	"fmt"

	"github.com/born-ml/kosmos/internal/logger"
	"github.com/born-ml/kosmos/internal/nn"
	"github.com/born-ml/kosmos/internal/tensor"
)

// l2Epsilon bounds the norm used by L2 normalization away from zero.
const l2Epsilon = 1e-12

// Input is the input of Model.Forward and ForConditionalGeneration.Forward.
type Input[B tensor.Backend] struct {
	// FlattenedPatches [batch, patches, 2+patch_dim] are encoded by the
	// vision tower. Mutually exclusive with ImageEmbeds.
	FlattenedPatches *tensor.Tensor[float32, B]
	// ImageAttentionMask is the [batch, patches] patch padding mask.
	ImageAttentionMask *tensor.Tensor[int64, B]
	// ImageEmbeds are already projected image embeddings.
	ImageEmbeds             *tensor.Tensor[float32, B]
	ImageEmbedsPositionMask *tensor.Tensor[int64, B]

	InputIDs      *tensor.Tensor[int64, B]
	InputsEmbeds  *tensor.Tensor[float32, B]
	AttentionMask *tensor.Tensor[int64, B]
	CustomMask    *tensor.Tensor[float32, B]
	PositionIDs   *tensor.Tensor[int64, B]
	// Labels [batch, seq] enable the shifted next-token loss. Positions
	// labelled nn.IgnoreIndex do not contribute.
	Labels *tensor.Tensor[int64, B]

	Cache       nn.Cache[B]
	LegacyCache nn.LegacyCache[B]

	UseCache           bool
	OutputAttentions   bool
	OutputHiddenStates bool
}

// Output is the result of a model forward pass.
type Output[B tensor.Backend] struct {
	// Loss is the [1] mean cross-entropy, set when labels were given.
	Loss *tensor.Tensor[float32, B]
	// Logits [batch, seq, vocab] are set by ForConditionalGeneration.
	Logits *tensor.Tensor[float32, B]
	// LastHiddenState is the decoder output [batch, seq, embed_dim].
	LastHiddenState      *tensor.Tensor[float32, B]
	Cache                nn.Cache[B]
	LegacyCache          nn.LegacyCache[B]
	HiddenStates         []*tensor.Tensor[float32, B]
	Attentions           []*tensor.Tensor[float32, B]
	ImageEmbeds          *tensor.Tensor[float32, B]
	ProjectionAttentions *tensor.Tensor[float32, B]
	VisionOutput         *EncoderOutput[B]
}

// Model is the vision tower, the projection and the text decoder without an
// LM head.
type Model[B tensor.Backend] struct {
	cfg        Config
	vision     *VisionModel[B]
	projection *ImageToTextProjection[B]
	text       *TextTransformer[B]
}

// NewModel validates cfg and builds the model.
func NewModel[B tensor.Backend](cfg Config, backend B) (*Model[B], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Model[B]{
		cfg:        cfg,
		vision:     NewVisionModel(cfg, backend),
		projection: NewImageToTextProjection(cfg, backend),
		text:       NewTextTransformer(cfg, backend),
	}, nil
}

// Forward encodes the image, when given, and runs the decoder.
func (m *Model[B]) Forward(in Input[B]) (*Output[B], error) {
	out, err := m.encodeImage(in)
	if err != nil {
		return nil, err
	}
	textOut, err := m.text.Forward(textInput(in, out.ImageEmbeds))
	if err != nil {
		return nil, err
	}
	out.fill(textOut)
	return out, nil
}

// EncodeImage runs the vision tower, L2 normalizes its output along the
// channel axis and projects it to [batch, latent_query_num, embed_dim].
func (m *Model[B]) EncodeImage(in VisionInput[B]) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B], *EncoderOutput[B], error) {
	visionOut, err := m.vision.Forward(in)
	if err != nil {
		return nil, nil, nil, err
	}
	features := NormalizeL2(visionOut.LastHiddenState)
	embeds, weights := m.projection.Forward(features, in.OutputAttentions)
	return embeds, weights, visionOut, nil
}

// encodeImage checks the image inputs and produces the embeddings the
// decoder splices in.
func (m *Model[B]) encodeImage(in Input[B]) (*Output[B], error) {
	if in.FlattenedPatches != nil && in.ImageEmbeds != nil {
		return nil, fmt.Errorf("%w: flattened_patches and image_embeds", ErrConflictingInputs)
	}
	out := &Output[B]{ImageEmbeds: in.ImageEmbeds}
	if in.FlattenedPatches == nil {
		if in.ImageEmbeds == nil && !imageCached(in) {
			return nil, ErrMissingImageInput
		}
		return out, nil
	}

	embeds, weights, visionOut, err := m.EncodeImage(VisionInput[B]{
		FlattenedPatches:   in.FlattenedPatches,
		AttentionMask:      in.ImageAttentionMask,
		OutputAttentions:   in.OutputAttentions,
		OutputHiddenStates: in.OutputHiddenStates,
	})
	if err != nil {
		return nil, err
	}
	out.ImageEmbeds, out.ProjectionAttentions, out.VisionOutput = embeds, weights, visionOut
	return out, nil
}

// imageCached reports whether earlier steps already wrote the image into
// the cache, which is how decode steps run without image inputs.
func imageCached[B tensor.Backend](in Input[B]) bool {
	if in.Cache != nil && in.Cache.NumLayers() > 0 {
		return in.Cache.SeqLength(0) > 0
	}
	return in.LegacyCache.SeqLength() > 0
}

func textInput[B tensor.Backend](in Input[B], imageEmbeds *tensor.Tensor[float32, B]) TextInput[B] {
	return TextInput[B]{
		InputIDs:                in.InputIDs,
		InputsEmbeds:            in.InputsEmbeds,
		AttentionMask:           in.AttentionMask,
		CustomMask:              in.CustomMask,
		ImageEmbeds:             imageEmbeds,
		ImageEmbedsPositionMask: in.ImageEmbedsPositionMask,
		PositionIDs:             in.PositionIDs,
		Cache:                   in.Cache,
		LegacyCache:             in.LegacyCache,
		UseCache:                in.UseCache,
		OutputAttentions:        in.OutputAttentions,
		OutputHiddenStates:      in.OutputHiddenStates,
	}
}

func (o *Output[B]) fill(t *TextOutput[B]) {
	o.LastHiddenState = t.LastHiddenState
	o.Cache = t.Cache
	o.LegacyCache = t.LegacyCache
	o.HiddenStates = t.HiddenStates
	o.Attentions = t.Attentions
}

// Config returns the configuration the model was built with.
func (m *Model[B]) Config() Config { return m.cfg }

// Vision returns the vision tower.
func (m *Model[B]) Vision() *VisionModel[B] { return m.vision }

// Projection returns the image-to-text projection.
func (m *Model[B]) Projection() *ImageToTextProjection[B] { return m.projection }

// Text returns the decoder.
func (m *Model[B]) Text() *TextTransformer[B] { return m.text }

// SetTraining toggles dropout everywhere.
func (m *Model[B]) SetTraining(training bool) {
	nn.SetTraining(training, m.vision, m.projection, m.text)
}

// Parameters returns every parameter of the model.
func (m *Model[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters[B](m.vision, m.projection, m.text)
}

// ForConditionalGeneration adds a language-model head, tied to the token
// embeddings, on top of Model.
type ForConditionalGeneration[B tensor.Backend] struct {
	*Model[B]
}

// NewForConditionalGeneration validates cfg and builds the model.
func NewForConditionalGeneration[B tensor.Backend](cfg Config, backend B) (*ForConditionalGeneration[B], error) {
	m, err := NewModel(cfg, backend)
	if err != nil {
		return nil, err
	}
	return &ForConditionalGeneration[B]{Model: m}, nil
}

// Forward runs the model and computes logits, plus the loss when labels are
// given. Labels disable the cache.
func (m *ForConditionalGeneration[B]) Forward(in Input[B]) (*Output[B], error) {
	if in.Labels != nil {
		if in.UseCache {
			logger.Log.Warn("use_cache is disabled because labels were provided")
		}
		in.UseCache = false
	}
	out, err := m.Model.Forward(in)
	if err != nil {
		return nil, err
	}
	out.Logits = m.LMHead(out.LastHiddenState)
	if in.Labels != nil {
		loss, err := CrossEntropyLoss(out.Logits, in.Labels)
		if err != nil {
			return nil, err
		}
		out.Loss = loss
	}
	return out, nil
}

// LMHead maps hidden states [batch, seq, embed_dim] to logits
// [batch, seq, vocab] with the token embedding matrix.
func (m *ForConditionalGeneration[B]) LMHead(hidden *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := hidden.Shape()
	w := m.text.EmbedTokens().Weight().Tensor() // [vocab, embed_dim]
	logits := hidden.Reshape(-1, s[2]).MatMul(w.T())
	return logits.Reshape(s[0], s[1], w.Shape()[0])
}

// VocabSize returns the number of logits per position.
func (m *ForConditionalGeneration[B]) VocabSize() int { return m.cfg.Text.VocabSize }

// CrossEntropyLoss is the shifted next-token loss: logits at position i
// [batch, seq, vocab] are scored against labels at i+1 [batch, seq].
// Labels equal to nn.IgnoreIndex are skipped.
func CrossEntropyLoss[B tensor.Backend](logits *tensor.Tensor[float32, B], labels *tensor.Tensor[int64, B]) (*tensor.Tensor[float32, B], error) {
	ls, ys := logits.Shape(), labels.Shape()
	if len(ls) != 3 || !ys.Equal(ls[:2]) {
		return nil, fmt.Errorf("%w: labels %v for logits %v", ErrInvalidInput, ys, ls)
	}
	batch, seq, vocab := ls[0], ls[1], ls[2]
	for _, y := range labels.Data() {
		if y != nn.IgnoreIndex && (y < 0 || y >= int64(vocab)) {
			return nil, fmt.Errorf("%w: label %d outside vocabulary of %d", ErrInvalidInput, y, vocab)
		}
	}
	if seq < 2 {
		return tensor.Zeros[float32](tensor.Shape{1}, logits.Backend()), nil
	}
	shiftLogits := logits.Narrow(1, 0, seq-1).Reshape(batch*(seq-1), vocab)
	shiftLabels := labels.Narrow(1, 1, seq-1).Reshape(batch * (seq - 1))
	return nn.CrossEntropy(shiftLogits, shiftLabels, nn.IgnoreIndex), nil
}

// NormalizeL2 divides x by its L2 norm along the last axis.
func NormalizeL2[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	norm := x.Mul(x).SumDim(-1, true).Sqrt().ClampMin(l2Epsilon)
	return x.Div(norm)
}
