package kosmos

import (
	"fmt"

	"github.com/born-ml/kosmos/internal/nn"
	"github.com/born-ml/kosmos/internal/tensor"
)

// ImageToTextProjection compresses a variable number of image features into
// LatentQueryNum text-width embeddings. The learned latent queries attend
// over the projected features concatenated with themselves.
type ImageToTextProjection[B tensor.Backend] struct {
	dense       *nn.Linear[B]
	latentQuery *nn.Parameter[B] // [latent_query_num, embed_dim]
	xAttn       *nn.Attention[B]
}

// NewImageToTextProjection creates the projection.
func NewImageToTextProjection[B tensor.Backend](cfg Config, backend B) *ImageToTextProjection[B] {
	t := cfg.Text
	return &ImageToTextProjection[B]{
		dense: nn.NewLinear(cfg.Vision.HiddenSize, t.EmbedDim, backend),
		latentQuery: nn.NewParameter("latent_query",
			nn.Normal(1.0, tensor.Shape{cfg.LatentQueryNum, t.EmbedDim}, backend)),
		xAttn: nn.NewAttention(nn.AttentionConfig{
			EmbedDim:   t.EmbedDim,
			NumHeads:   t.AttentionHeads,
			Bias:       true,
			ScaleQuery: true,
			Dropout:    t.AttentionDropout,
			Strategy:   cfg.Strategy(),
			Precision:  cfg.Precision(),
			BlockSize:  cfg.AttentionBlockSize,
		}, backend),
	}
}

// Forward maps features [batch, patches, vision_hidden] to
// [batch, latent_query_num, embed_dim]. weights is non-nil only when
// outputAttentions is set and the kernel supports it.
func (p *ImageToTextProjection[B]) Forward(features *tensor.Tensor[float32, B], outputAttentions bool) (out, weights *tensor.Tensor[float32, B]) {
	s := features.Shape()
	if len(s) != 3 || s[2] != p.dense.InFeatures() {
		panic(fmt.Sprintf("ImageToTextProjection.Forward: expected features [batch, patches, %d], got %v", p.dense.InFeatures(), s))
	}
	hidden := p.dense.Forward(features)

	lq := p.latentQuery.Tensor()
	latent := lq.Unsqueeze(0).Expand(tensor.Shape{s[0], lq.Shape()[0], lq.Shape()[1]})
	keyValue := tensor.Cat([]*tensor.Tensor[float32, B]{hidden, latent}, 1)

	return p.xAttn.Attend(nn.AttendInput[B]{
		Hidden:           latent,
		Context:          keyValue,
		OutputAttentions: outputAttentions,
	})
}

// NumLatents returns the fixed output length.
func (p *ImageToTextProjection[B]) NumLatents() int { return p.latentQuery.Tensor().Shape()[0] }

// SetTraining toggles attention dropout.
func (p *ImageToTextProjection[B]) SetTraining(training bool) { p.xAttn.SetTraining(training) }

// Parameters returns the dense layer, the latent queries and the attention.
func (p *ImageToTextProjection[B]) Parameters() []*nn.Parameter[B] {
	params := p.dense.Parameters()
	params = append(params, p.latentQuery)
	return append(params, p.xAttn.Parameters()...)
}
