// Package generate provides autoregressive decoding for kosmos models.
//
// Example usage:
//
//	model, _ := kosmos.NewForConditionalGeneration(cfg, backend)
//	gen := generate.NewGenerator[*cpu.Backend](model, backend)
//
//	prompt, slots := generate.ImagePrompt(cfg, imageToken, taskToken)
//	res, err := gen.Generate(ctx, generate.Request[*cpu.Backend]{
//	    FlattenedPatches: patches,
//	    Prompt:           prompt,
//	    ImageSlots:       slots,
//	}, generate.DefaultGenerateConfig())
package generate

import (
	"github.com/born-ml/kosmos/internal/generate"
	"github.com/born-ml/kosmos/kosmos"
	"github.com/born-ml/kosmos/tensor"
)

// Sampling

// SamplingConfig configures the sampling strategy.
//
// Parameters:
//   - Temperature: Controls randomness (0 = greedy, 1 = unchanged logits)
//   - TopK: Limits sampling to top K tokens (0 = disabled)
//   - TopP: Nucleus sampling over the smallest set reaching mass P (1.0 = disabled)
//   - MinP: Filters tokens with prob < max_prob * MinP (0 = disabled)
//   - RepeatPenalty: Penalty for repeated tokens (1.0 = no penalty)
//   - RepeatWindow: Number of tokens to consider for the penalty (0 = all)
//   - Seed: Random seed for reproducibility (-1 = random)
type SamplingConfig = generate.SamplingConfig

// DefaultSamplingConfig returns greedy decoding.
func DefaultSamplingConfig() SamplingConfig {
	return generate.DefaultSamplingConfig()
}

// Sampler samples tokens from logits.
type Sampler = generate.Sampler

// NewSampler creates a new sampler.
func NewSampler(config SamplingConfig) *Sampler {
	return generate.NewSampler(config)
}

// Generation

// GenerateConfig configures one generation run.
//
//nolint:revive // GenerateConfig is clearer than Config
type GenerateConfig = generate.GenerateConfig

// DefaultGenerateConfig returns sensible defaults for generation.
func DefaultGenerateConfig() GenerateConfig {
	return generate.DefaultGenerateConfig()
}

// Request is the image and prompt of one run.
type Request[B tensor.Backend] = generate.Request[B]

// Result is the outcome of a run.
type Result = generate.Result

// StepResult is a single result from streaming generation.
type StepResult = generate.StepResult

// Model is what the generator needs from a model.
type Model[B tensor.Backend] = generate.Model[B]

// Generator runs autoregressive decoding.
type Generator[B tensor.Backend] = generate.Generator[B]

// NewGenerator creates a generator over model.
func NewGenerator[B tensor.Backend](model Model[B], backend B) *Generator[B] {
	return generate.NewGenerator(model, backend)
}

// ImagePrompt builds BOS, one image token per latent query, then task.
func ImagePrompt(cfg kosmos.Config, imageToken int64, task ...int64) (prompt, slots []int64) {
	return generate.ImagePrompt(cfg, imageToken, task...)
}

// Stop reasons.
const (
	ReasonEOS       = generate.ReasonEOS
	ReasonStopToken = generate.ReasonStopToken
	ReasonMaxTokens = generate.ReasonMaxTokens
	ReasonStopped   = generate.ReasonStopped
)
