package generate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/born-ml/kosmos/internal/kosmos"
	"github.com/born-ml/kosmos/internal/logger"
	"github.com/born-ml/kosmos/internal/metrics"
	"github.com/born-ml/kosmos/internal/nn"
	"github.com/born-ml/kosmos/internal/tensor"
)

// Stop reasons reported in Result.Reason.
const (
	ReasonEOS       = "eos"
	ReasonStopToken = "stop_token"
	ReasonMaxTokens = "max_tokens"
	ReasonStopped   = "stopped"
)

var (
	// ErrEmptyPrompt is returned when a request carries no prompt tokens.
	ErrEmptyPrompt = errors.New("generate: empty prompt")
	// ErrCacheCapacity is returned when a static cache cannot hold the run.
	ErrCacheCapacity = errors.New("generate: static cache too small")
)

// GenerateConfig configures one generation run.
//
//nolint:revive // GenerateConfig is clearer than Config
type GenerateConfig struct {
	// MaxTokens is the maximum number of tokens to generate.
	MaxTokens int

	// MinTokens is the minimum number of tokens before EOS or a stop token
	// may end the run.
	MinTokens int

	// StopTokens are token IDs that trigger stopping, besides EOS.
	StopTokens []int64

	// CacheCapacity > 0 preallocates a static cache of that many positions;
	// 0 grows a dynamic cache.
	CacheCapacity int

	// Sampling is the sampling configuration.
	Sampling SamplingConfig
}

// DefaultGenerateConfig returns sensible defaults for generation.
func DefaultGenerateConfig() GenerateConfig {
	return GenerateConfig{
		MaxTokens: 256,
		Sampling:  DefaultSamplingConfig(),
	}
}

// Request is the image and prompt of one run. Exactly one of
// FlattenedPatches and ImageEmbeds must be set.
type Request[B tensor.Backend] struct {
	FlattenedPatches   *tensor.Tensor[float32, B]
	ImageAttentionMask *tensor.Tensor[int64, B]
	ImageEmbeds        *tensor.Tensor[float32, B]

	// Prompt is the token sequence of a single example.
	Prompt []int64
	// ImageSlots marks the prompt positions that receive image embeddings.
	// Nil means the prompt has no image slots.
	ImageSlots []int64
}

// StepResult is a single result from streaming generation.
type StepResult struct {
	TokenID int64
	Step    int
	Done    bool
	Reason  string
	Err     error
}

// Result is the outcome of a run.
type Result struct {
	RunID  string
	Tokens []int64
	Reason string
}

// Model is what the driver needs from the model. *kosmos.ForConditionalGeneration
// implements it.
type Model[B tensor.Backend] interface {
	Config() kosmos.Config
	EncodeImage(in kosmos.VisionInput[B]) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B], *kosmos.EncoderOutput[B], error)
	PrepareInputsForGeneration(state kosmos.GenerationState[B]) (kosmos.Input[B], error)
	Forward(in kosmos.Input[B]) (*kosmos.Output[B], error)
}

// Generator runs autoregressive decoding over a Model. It is safe for
// concurrent use: every run owns its cache.
type Generator[B tensor.Backend] struct {
	model   Model[B]
	backend B
}

// NewGenerator creates a generator.
func NewGenerator[B tensor.Backend](model Model[B], backend B) *Generator[B] {
	return &Generator[B]{model: model, backend: backend}
}

// Generate decodes until EOS, a stop token, MaxTokens or ctx is done.
// On cancellation it returns the tokens produced so far with ctx's error.
func (g *Generator[B]) Generate(ctx context.Context, req Request[B], cfg GenerateConfig) (*Result, error) {
	return g.run(ctx, req, cfg, func(StepResult) bool { return true })
}

// Stream runs Generate in a goroutine and sends every step. The channel is
// closed when the run ends; a failed run sends a final result with Err set.
func (g *Generator[B]) Stream(ctx context.Context, req Request[B], cfg GenerateConfig) (<-chan StepResult, error) {
	if err := validate(req, cfg); err != nil {
		return nil, err
	}
	ch := make(chan StepResult, 1)
	go func() {
		defer close(ch)
		_, err := g.run(ctx, req, cfg, func(res StepResult) bool {
			select {
			case ch <- res:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil {
			select {
			case ch <- StepResult{Done: true, Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

func validate[B tensor.Backend](req Request[B], cfg GenerateConfig) error {
	if len(req.Prompt) == 0 {
		return ErrEmptyPrompt
	}
	if req.ImageSlots != nil && len(req.ImageSlots) != len(req.Prompt) {
		return fmt.Errorf("%w: %d image slots for a %d token prompt", kosmos.ErrImageSlotMismatch, len(req.ImageSlots), len(req.Prompt))
	}
	if cfg.MaxTokens <= 0 {
		return fmt.Errorf("%w: max tokens must be positive, got %d", kosmos.ErrInvalidInput, cfg.MaxTokens)
	}
	if cfg.CacheCapacity > 0 && cfg.CacheCapacity < len(req.Prompt)+cfg.MaxTokens {
		return fmt.Errorf("%w: capacity %d < prompt %d + max tokens %d", ErrCacheCapacity, cfg.CacheCapacity, len(req.Prompt), cfg.MaxTokens)
	}
	return nil
}

// run is the core generation loop.
func (g *Generator[B]) run(ctx context.Context, req Request[B], cfg GenerateConfig, emit func(StepResult) bool) (*Result, error) {
	if err := validate(req, cfg); err != nil {
		return nil, err
	}
	res := &Result{RunID: uuid.NewString()}

	imageEmbeds, err := g.imageEmbeds(req)
	if err != nil {
		return nil, err
	}

	sequence := append([]int64(nil), req.Prompt...)
	slots := req.ImageSlots
	if slots == nil {
		slots = make([]int64, len(sequence))
	}
	state := kosmos.GenerationState[B]{
		InputIDs:                g.ids(sequence),
		ImageEmbeds:             imageEmbeds,
		ImageEmbedsPositionMask: g.ids(slots),
		Cache:                   g.newCache(cfg),
	}

	eos := int64(g.model.Config().Text.EOSTokenID)
	sampler := NewSampler(cfg.Sampling)
	logger.Log.Debug("generation started", "run", res.RunID, "prompt", len(req.Prompt), "max_tokens", cfg.MaxTokens)

	for step := 0; step < cfg.MaxTokens; step++ {
		if err := ctx.Err(); err != nil {
			res.Reason = ReasonStopped
			return res, err
		}
		start := time.Now()

		in, err := g.model.PrepareInputsForGeneration(state)
		if err != nil {
			return res, err
		}
		out, err := g.model.Forward(in)
		if err != nil {
			return res, fmt.Errorf("decode step %d: %w", step, err)
		}
		next, err := sampler.Sample(lastLogits(out.Logits), sequence)
		if err != nil {
			return res, fmt.Errorf("decode step %d: %w", step, err)
		}
		metrics.RecordDecodeStep(len(sequence), time.Since(start))

		sequence = append(sequence, next)
		res.Tokens = append(res.Tokens, next)
		done, reason := checkStopConditions(next, len(res.Tokens), eos, cfg)
		if !emit(StepResult{TokenID: next, Step: step, Done: done, Reason: reason}) {
			res.Reason = ReasonStopped
			break
		}
		if done {
			res.Reason = reason
			break
		}

		state.InputIDs = g.ids(sequence)
		state.Cache = out.Cache
	}

	logger.Log.Info("generation finished", "run", res.RunID, "tokens", len(res.Tokens), "reason", res.Reason)
	return res, nil
}

// imageEmbeds encodes the request image once, ahead of the first step.
func (g *Generator[B]) imageEmbeds(req Request[B]) (*tensor.Tensor[float32, B], error) {
	switch {
	case req.FlattenedPatches != nil && req.ImageEmbeds != nil:
		return nil, fmt.Errorf("%w: flattened patches and image embeds", kosmos.ErrConflictingInputs)
	case req.ImageEmbeds != nil:
		return req.ImageEmbeds, nil
	case req.FlattenedPatches != nil:
		embeds, _, _, err := g.model.EncodeImage(kosmos.VisionInput[B]{
			FlattenedPatches: req.FlattenedPatches,
			AttentionMask:    req.ImageAttentionMask,
		})
		if err != nil {
			return nil, fmt.Errorf("encode image: %w", err)
		}
		return embeds, nil
	default:
		return nil, kosmos.ErrMissingImageInput
	}
}

func (g *Generator[B]) newCache(cfg GenerateConfig) nn.Cache[B] {
	text := g.model.Config().Text
	if cfg.CacheCapacity > 0 {
		headDim := text.EmbedDim / text.AttentionHeads
		return nn.NewStaticCache(text.Layers, 1, text.AttentionHeads, cfg.CacheCapacity, headDim, g.backend)
	}
	return nn.NewDynamicCache[B](text.Layers)
}

func (g *Generator[B]) ids(values []int64) *tensor.Tensor[int64, B] {
	return tensor.MustFromSlice(append([]int64(nil), values...), tensor.Shape{1, len(values)}, g.backend)
}

// checkStopConditions checks if generation should stop.
func checkStopConditions(token int64, generated int, eos int64, cfg GenerateConfig) (bool, string) {
	if generated >= cfg.MinTokens {
		if token == eos {
			return true, ReasonEOS
		}
		for _, stop := range cfg.StopTokens {
			if token == stop {
				return true, ReasonStopToken
			}
		}
	}
	if generated >= cfg.MaxTokens {
		return true, ReasonMaxTokens
	}
	return false, ""
}

// lastLogits returns the logits of the last position of the first example.
func lastLogits[B tensor.Backend](logits *tensor.Tensor[float32, B]) []float32 {
	s := logits.Shape()
	vocab, seq := s[len(s)-1], s[len(s)-2]
	return logits.Data()[(seq-1)*vocab : seq*vocab]
}

// ImagePrompt lays out the conventional multimodal prompt: BOS, one
// imageToken per latent query marked as an image slot, then the task tokens.
func ImagePrompt(cfg kosmos.Config, imageToken int64, task ...int64) (prompt, slots []int64) {
	n := 1 + cfg.LatentQueryNum + len(task)
	prompt = make([]int64, 0, n)
	slots = make([]int64, n)
	prompt = append(prompt, int64(cfg.Text.BOSTokenID))
	for i := 0; i < cfg.LatentQueryNum; i++ {
		prompt = append(prompt, imageToken)
		slots[1+i] = 1
	}
	prompt = append(prompt, task...)
	return prompt, slots
}
