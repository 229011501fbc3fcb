package kosmos

import (
	"fmt"

	"github.com/born-ml/kosmos/internal/nn"
	"github.com/born-ml/kosmos/internal/tensor"
)

// patchIndexChannels is the number of leading patch channels holding the
// row and column index of each patch.
const patchIndexChannels = 2

// VisionEmbeddings turns flattened patches [batch, patches, 2+features]
// into hidden vectors. Channel 0 indexes the row table, channel 1 the column
// table; the remaining channels are the patch pixels.
type VisionEmbeddings[B tensor.Backend] struct {
	patchProjection *nn.Linear[B]
	rowEmbedder     *nn.Embedding[B]
	columnEmbedder  *nn.Embedding[B]
	dropout         *nn.Dropout[B]
	patchDim        int
	seqLen          int
}

// NewVisionEmbeddings creates the patch embedding stage.
func NewVisionEmbeddings[B tensor.Backend](cfg VisionConfig, backend B) *VisionEmbeddings[B] {
	return &VisionEmbeddings[B]{
		patchProjection: nn.NewLinear(cfg.PatchEmbedHiddenSize, cfg.HiddenSize, backend),
		rowEmbedder:     nn.NewEmbedding(cfg.SeqLen, cfg.HiddenSize, backend),
		columnEmbedder:  nn.NewEmbedding(cfg.SeqLen, cfg.HiddenSize, backend),
		dropout:         nn.NewDropout[B](cfg.DropoutRate),
		patchDim:        cfg.PatchEmbedHiddenSize,
		seqLen:          cfg.SeqLen,
	}
}

// Forward embeds patches. The caller has validated the patch shape.
func (e *VisionEmbeddings[B]) Forward(patches *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := patches.Shape()
	batch, n, channels := s[0], s[1], s[2]

	rows := tensor.Zeros[int64](tensor.Shape{batch, n}, patches.Backend())
	cols := tensor.Zeros[int64](tensor.Shape{batch, n}, patches.Backend())
	src, rowIDs, colIDs := patches.Data(), rows.Data(), cols.Data()
	for i := range rowIDs {
		rowIDs[i] = e.patchIndex(src[i*channels])
		colIDs[i] = e.patchIndex(src[i*channels+1])
	}

	content := patches.Narrow(2, patchIndexChannels, e.patchDim)
	hidden := e.patchProjection.Forward(content)
	hidden = hidden.Add(e.rowEmbedder.Forward(rows)).Add(e.columnEmbedder.Forward(cols))
	return e.dropout.Forward(hidden)
}

func (e *VisionEmbeddings[B]) patchIndex(v float32) int64 {
	idx := int64(v)
	if idx < 0 || idx >= int64(e.seqLen) {
		panic(fmt.Sprintf("VisionEmbeddings.Forward: patch index %v outside [0, %d)", v, e.seqLen))
	}
	return idx
}

// SetTraining toggles embedding dropout.
func (e *VisionEmbeddings[B]) SetTraining(training bool) { e.dropout.SetTraining(training) }

// Parameters returns the projection and both index tables.
func (e *VisionEmbeddings[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters[B](e.patchProjection, e.rowEmbedder, e.columnEmbedder)
}

// VisionLayer is one pre-norm encoder layer: RMS norm, bidirectional
// attention, residual, RMS norm, gated MLP, residual.
type VisionLayer[B tensor.Backend] struct {
	preAttentionNorm *nn.RMSNorm[B]
	attention        *nn.Attention[B]
	preMLPNorm       *nn.RMSNorm[B]
	mlp              *nn.GatedFFN[B]
}

// NewVisionLayer creates an encoder layer.
func NewVisionLayer[B tensor.Backend](cfg Config, layerIdx int, backend B) *VisionLayer[B] {
	v := cfg.Vision
	act, err := nn.ActivationByName[B](v.DenseActFn)
	if err != nil {
		panic("NewVisionLayer: " + err.Error())
	}
	return &VisionLayer[B]{
		preAttentionNorm: nn.NewRMSNormWith(v.HiddenSize, v.LayerNormEps, cfg.Norm(), backend),
		attention: nn.NewAttention(nn.AttentionConfig{
			EmbedDim:  v.HiddenSize,
			NumHeads:  v.NumAttentionHeads,
			HeadDim:   v.DKV,
			Dropout:   v.AttentionDropout,
			Strategy:  cfg.Strategy(),
			Precision: cfg.Precision(),
			LayerIdx:  layerIdx,
			BlockSize: cfg.AttentionBlockSize,
		}, backend),
		preMLPNorm: nn.NewRMSNormWith(v.HiddenSize, v.LayerNormEps, cfg.Norm(), backend),
		mlp:        nn.NewGatedFFN(v.HiddenSize, v.DFF, v.DropoutRate, act, backend),
	}
}

// Forward runs the layer. mask is nil when no patch is padded.
func (l *VisionLayer[B]) Forward(hidden *tensor.Tensor[float32, B], mask *nn.Mask[B], outputAttentions bool) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	attn, weights := l.attention.Attend(nn.AttendInput[B]{
		Hidden:           l.preAttentionNorm.Forward(hidden),
		Mask:             mask,
		OutputAttentions: outputAttentions,
	})
	hidden = attn.Add(hidden)
	return l.mlp.Forward(l.preMLPNorm.Forward(hidden)).Add(hidden), weights
}

// Attention returns the layer's self-attention.
func (l *VisionLayer[B]) Attention() *nn.Attention[B] { return l.attention }

// SetTraining toggles attention and MLP dropout.
func (l *VisionLayer[B]) SetTraining(training bool) {
	nn.SetTraining(training, l.attention, l.mlp)
}

// Parameters returns the layer's parameters.
func (l *VisionLayer[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters[B](l.preAttentionNorm, l.attention, l.preMLPNorm, l.mlp)
}

// EncoderOutput collects what an encoder stack produced.
type EncoderOutput[B tensor.Backend] struct {
	LastHiddenState *tensor.Tensor[float32, B]
	// HiddenStates holds the input of every layer plus the final output.
	HiddenStates []*tensor.Tensor[float32, B]
	// Attentions holds each layer's weights; entries are nil for kernels
	// that do not return weights.
	Attentions []*tensor.Tensor[float32, B]
}

// VisionEncoder is the stack of vision layers.
type VisionEncoder[B tensor.Backend] struct {
	layers   []*VisionLayer[B]
	strategy nn.Strategy
}

// NewVisionEncoder creates cfg.Vision.NumHiddenLayers layers.
func NewVisionEncoder[B tensor.Backend](cfg Config, backend B) *VisionEncoder[B] {
	layers := make([]*VisionLayer[B], cfg.Vision.NumHiddenLayers)
	for i := range layers {
		layers[i] = NewVisionLayer(cfg, i, backend)
	}
	return &VisionEncoder[B]{layers: layers, strategy: cfg.Strategy()}
}

// Forward runs every layer. attentionMask is the [batch, patches] 0/1
// padding mask and may be nil.
func (e *VisionEncoder[B]) Forward(
	hidden *tensor.Tensor[float32, B],
	attentionMask *tensor.Tensor[int64, B],
	outputAttentions, outputHiddenStates bool,
) *EncoderOutput[B] {
	mask := nn.BuildPaddingMask(e.strategy, attentionMask, hidden.Shape()[1])

	out := &EncoderOutput[B]{}
	for _, layer := range e.layers {
		if outputHiddenStates {
			out.HiddenStates = append(out.HiddenStates, hidden)
		}
		var weights *tensor.Tensor[float32, B]
		hidden, weights = layer.Forward(hidden, mask, outputAttentions)
		if outputAttentions {
			out.Attentions = append(out.Attentions, weights)
		}
	}
	if outputHiddenStates {
		out.HiddenStates = append(out.HiddenStates, hidden)
	}
	out.LastHiddenState = hidden
	return out
}

// Layers returns the encoder layers.
func (e *VisionEncoder[B]) Layers() []*VisionLayer[B] { return e.layers }

// SetTraining toggles dropout in every layer.
func (e *VisionEncoder[B]) SetTraining(training bool) {
	for _, l := range e.layers {
		l.SetTraining(training)
	}
}

// Parameters returns the parameters of every layer.
func (e *VisionEncoder[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	for _, l := range e.layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

// VisionInput is the input of VisionModel.Forward.
type VisionInput[B tensor.Backend] struct {
	// FlattenedPatches is [batch, patches, 2+patch_embed_hidden_size].
	FlattenedPatches *tensor.Tensor[float32, B]
	// AttentionMask is [batch, patches]; nil derives it from the patches,
	// treating all-zero patches as padding.
	AttentionMask      *tensor.Tensor[int64, B]
	OutputAttentions   bool
	OutputHiddenStates bool
}

// VisionModel embeds patches, encodes them and applies the final RMS norm.
type VisionModel[B tensor.Backend] struct {
	cfg        VisionConfig
	embeddings *VisionEmbeddings[B]
	encoder    *VisionEncoder[B]
	norm       *nn.RMSNorm[B]
}

// NewVisionModel creates the vision tower.
func NewVisionModel[B tensor.Backend](cfg Config, backend B) *VisionModel[B] {
	return &VisionModel[B]{
		cfg:        cfg.Vision,
		embeddings: NewVisionEmbeddings(cfg.Vision, backend),
		encoder:    NewVisionEncoder(cfg, backend),
		norm:       nn.NewRMSNormWith(cfg.Vision.HiddenSize, cfg.Vision.LayerNormEps, cfg.Norm(), backend),
	}
}

// Forward encodes the patches. LastHiddenState is [batch, patches, hidden].
func (m *VisionModel[B]) Forward(in VisionInput[B]) (*EncoderOutput[B], error) {
	patches := in.FlattenedPatches
	if patches == nil {
		return nil, ErrMissingImageInput
	}
	s := patches.Shape()
	if len(s) != 3 || s[2] != patchIndexChannels+m.cfg.PatchEmbedHiddenSize {
		return nil, fmt.Errorf("%w: flattened patches must be [batch, patches, %d], got %v",
			ErrInvalidInput, patchIndexChannels+m.cfg.PatchEmbedHiddenSize, s)
	}
	mask := in.AttentionMask
	if mask == nil {
		mask = PatchMask(patches)
	} else if !mask.Shape().Equal(s[:2]) {
		return nil, fmt.Errorf("%w: image attention mask %v does not match patches %v", ErrInvalidInput, mask.Shape(), s)
	}
	if err := checkPatchIndices(patches, m.cfg.SeqLen); err != nil {
		return nil, err
	}

	out := m.encoder.Forward(m.embeddings.Forward(patches), mask, in.OutputAttentions, in.OutputHiddenStates)
	out.LastHiddenState = m.norm.Forward(out.LastHiddenState)
	return out, nil
}

// SetTraining toggles dropout in the embeddings and the encoder.
func (m *VisionModel[B]) SetTraining(training bool) {
	nn.SetTraining(training, m.embeddings, m.encoder)
}

// Parameters returns the vision tower's parameters.
func (m *VisionModel[B]) Parameters() []*nn.Parameter[B] {
	return nn.CollectParameters[B](m.embeddings, m.encoder, m.norm)
}

// Encoder returns the layer stack.
func (m *VisionModel[B]) Encoder() *VisionEncoder[B] { return m.encoder }

// checkPatchIndices rejects row or column channels that fall outside the
// index tables.
func checkPatchIndices[B tensor.Backend](patches *tensor.Tensor[float32, B], seqLen int) error {
	channels := patches.Shape()[2]
	data := patches.Data()
	for i := 0; i < len(data); i += channels {
		for c := 0; c < patchIndexChannels; c++ {
			v := data[i+c]
			if !(v >= 0 && v < float32(seqLen)) {
				return fmt.Errorf("%w: patch %d has index %v in channel %d, outside [0, %d)",
					ErrInvalidInput, i/channels, v, c, seqLen)
			}
		}
	}
	return nil
}

// PatchMask marks patches whose channels sum to a non-zero value as real (1)
// and all others as padding (0).
func PatchMask[B tensor.Backend](patches *tensor.Tensor[float32, B]) *tensor.Tensor[int64, B] {
	s := patches.Shape()
	batch, n, channels := s[0], s[1], s[2]
	mask := tensor.Zeros[int64](tensor.Shape{batch, n}, patches.Backend())
	src, dst := patches.Data(), mask.Data()
	for i := range dst {
		var sum float32
		for _, v := range src[i*channels : (i+1)*channels] {
			sum += v
		}
		if sum != 0 {
			dst[i] = 1
		}
	}
	return mask
}
