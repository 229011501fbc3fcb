// Package generate drives the Kosmos decoder one token at a time.
//
// The driver owns the cache for the length of one run, feeds the model the
// inputs PrepareInputsForGeneration builds, and picks each next token with a
// Sampler (greedy, top-k, top-p or min-p).
package generate

import (
	"errors"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// ErrNoLogits is returned when a sampler is handed an empty distribution.
var ErrNoLogits = errors.New("sample: no logits provided")

// SamplingConfig configures how the next token is chosen.
type SamplingConfig struct {
	// Temperature controls randomness. 0 = greedy, 1 = unchanged logits.
	Temperature float64

	// TopK limits sampling to the K most likely tokens. 0 = disabled.
	TopK int

	// TopP keeps the smallest set of tokens whose probability mass exceeds P.
	// 1.0 = disabled.
	TopP float64

	// MinP drops tokens with prob < max_prob * MinP. 0 = disabled.
	MinP float64

	// RepeatPenalty divides positive (multiplies negative) logits of tokens
	// seen in the last RepeatWindow tokens. 1.0 = no penalty.
	RepeatPenalty float64
	RepeatWindow  int

	// Seed for reproducibility. -1 = random.
	Seed int64
}

// DefaultSamplingConfig returns greedy decoding, which is what OCR and
// markdown transcription use.
func DefaultSamplingConfig() SamplingConfig {
	return SamplingConfig{
		Temperature:   0,
		TopK:          0,
		TopP:          1.0,
		MinP:          0,
		RepeatPenalty: 1.0,
		RepeatWindow:  64,
		Seed:          -1,
	}
}

// Sampler samples tokens from logits using configurable strategies.
type Sampler struct {
	config SamplingConfig
	rng    *rand.Rand
}

// NewSampler creates a new sampler with the given configuration.
func NewSampler(config SamplingConfig) *Sampler {
	var rng *rand.Rand
	if config.Seed >= 0 {
		rng = rand.New(rand.NewSource(config.Seed)) //nolint:gosec // Intentional deterministic seed for reproducibility
	} else {
		rng = rand.New(rand.NewSource(rand.Int63())) //nolint:gosec // User requested random seed
	}
	if config.TopP <= 0 || config.TopP > 1 {
		config.TopP = 1
	}
	return &Sampler{config: config, rng: rng}
}

// Sample returns the next token id from the logits of one position.
//
// The sampling process:
//  1. Apply repetition penalty over previousTokens
//  2. Greedy argmax when temperature is 0
//  3. Temperature scaling
//  4. Top-K, then Top-P, then Min-P filtering
//  5. Draw from the renormalized distribution
func (s *Sampler) Sample(logits []float32, previousTokens []int64) (int64, error) {
	if len(logits) == 0 {
		return -1, ErrNoLogits
	}
	values := make([]float64, len(logits))
	for i, v := range logits {
		values[i] = float64(v)
	}

	if s.config.RepeatPenalty != 1.0 && s.config.RepeatPenalty > 0 && len(previousTokens) > 0 {
		s.applyRepetitionPenalty(values, previousTokens)
	}

	if s.config.Temperature <= 0 {
		return int64(floats.MaxIdx(values)), nil
	}
	if s.config.Temperature != 1.0 {
		floats.Scale(1/s.config.Temperature, values)
	}

	probs := softmax(values)
	candidates := rank(probs)
	if s.config.TopK > 0 && s.config.TopK < len(candidates) {
		candidates = candidates[:s.config.TopK]
	}
	candidates = topP(candidates, probs, s.config.TopP)
	candidates = minP(candidates, probs, s.config.MinP)

	kept := make([]float64, len(candidates))
	for i, idx := range candidates {
		kept[i] = probs[idx]
	}
	cumulative := floats.CumSum(make([]float64, len(kept)), kept)
	total := cumulative[len(cumulative)-1]
	if math.IsNaN(total) || total <= 0 {
		return -1, errors.New("sample: logits sum to NaN, check model output")
	}
	r := s.rng.Float64() * total
	i := sort.SearchFloat64s(cumulative, r)
	if i >= len(candidates) {
		i = len(candidates) - 1
	}
	return int64(candidates[i]), nil
}

// applyRepetitionPenalty penalizes tokens that appeared recently.
func (s *Sampler) applyRepetitionPenalty(logits []float64, prev []int64) {
	penalty := s.config.RepeatPenalty
	recent := prev
	if w := s.config.RepeatWindow; w > 0 && len(prev) > w {
		recent = prev[len(prev)-w:]
	}

	seen := make(map[int64]bool, len(recent))
	for _, tok := range recent {
		if seen[tok] || tok < 0 || int(tok) >= len(logits) {
			continue
		}
		seen[tok] = true
		if logits[tok] > 0 {
			logits[tok] /= penalty
		} else {
			logits[tok] *= penalty
		}
	}
}

// rank returns token ids sorted by descending probability.
func rank(probs []float64) []int {
	sorted := append([]float64(nil), probs...)
	idx := make([]int, len(probs))
	floats.Argsort(sorted, idx)
	for i, j := 0, len(idx)-1; i < j; i, j = i+1, j-1 {
		idx[i], idx[j] = idx[j], idx[i]
	}
	return idx
}

// topP keeps the shortest prefix of ranked whose mass reaches p, and always
// at least one token.
func topP(ranked []int, probs []float64, p float64) []int {
	if p >= 1 {
		return ranked
	}
	var mass float64
	for i, idx := range ranked {
		mass += probs[idx]
		if mass >= p {
			return ranked[:i+1]
		}
	}
	return ranked
}

// minP keeps tokens with prob >= max_prob * p; ranked[0] is the max.
func minP(ranked []int, probs []float64, p float64) []int {
	if p <= 0 || len(ranked) == 0 {
		return ranked
	}
	threshold := probs[ranked[0]] * p
	n := 1
	for n < len(ranked) && probs[ranked[n]] >= threshold {
		n++
	}
	return ranked[:n]
}

// softmax converts logits to probabilities, stable under large logits.
func softmax(logits []float64) []float64 {
	out := append([]float64(nil), logits...)
	floats.AddConst(-floats.Max(out), out)
	for i, v := range out {
		out[i] = math.Exp(v)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}
