package generate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleN(t *testing.T, s *Sampler, logits []float32, n int) map[int64]int {
	t.Helper()
	counts := make(map[int64]int)
	for i := 0; i < n; i++ {
		token, err := s.Sample(logits, nil)
		require.NoError(t, err)
		counts[token]++
	}
	return counts
}

func TestGreedySampling(t *testing.T) {
	sampler := NewSampler(SamplingConfig{Temperature: 0})

	logits := []float32{-1, 0, 1}
	for i := 0; i < 10; i++ {
		token, err := sampler.Sample(logits, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(2), token, "Greedy should always pick max")
	}
}

func TestGreedySampling_LargeVocab(t *testing.T) {
	sampler := NewSampler(SamplingConfig{Temperature: 0})

	logits := make([]float32, 50000)
	for i := range logits {
		logits[i] = float32(i) * 0.001
	}
	logits[12345] = 100.0

	token, err := sampler.Sample(logits, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), token)
}

func TestSampleRejectsEmptyLogits(t *testing.T) {
	_, err := NewSampler(DefaultSamplingConfig()).Sample(nil, nil)
	require.ErrorIs(t, err, ErrNoLogits)
}

func TestTopKSampling(t *testing.T) {
	sampler := NewSampler(SamplingConfig{Temperature: 1.0, TopK: 2, TopP: 1, Seed: 42})

	counts := sampleN(t, sampler, []float32{1, 2, 3, 4, 5}, 100)
	assert.Equal(t, 0, counts[0]+counts[1]+counts[2], "Should not sample from filtered tokens")
	assert.Greater(t, counts[3], 0)
	assert.Greater(t, counts[4], counts[3])
}

func TestTopPSampling(t *testing.T) {
	sampler := NewSampler(SamplingConfig{Temperature: 1.0, TopP: 0.5, Seed: 42})

	// Token 4 alone carries more than half the mass.
	counts := sampleN(t, sampler, []float32{-10, -10, -10, 0, 5}, 100)
	assert.Equal(t, 100, counts[4])
}

func TestTopPKeepsNucleus(t *testing.T) {
	sampler := NewSampler(SamplingConfig{Temperature: 1.0, TopP: 0.9, Seed: 7})

	// Tokens 2 and 3 hold ~0.84 of the mass; token 1 is needed to pass 0.9.
	logits := []float32{-10, 0, 1, 1}
	counts := sampleN(t, sampler, logits, 300)
	assert.Zero(t, counts[0])
	assert.Greater(t, counts[2]+counts[3], counts[1])
}

func TestMinPSampling(t *testing.T) {
	sampler := NewSampler(SamplingConfig{Temperature: 1.0, MinP: 0.5, Seed: 42})

	counts := sampleN(t, sampler, []float32{0, 0, 0, 0, 10}, 100)
	assert.Equal(t, 100, counts[4])
}

func TestTemperatureSampling(t *testing.T) {
	t.Run("low temperature", func(t *testing.T) {
		sampler := NewSampler(SamplingConfig{Temperature: 0.1, Seed: 42})
		counts := sampleN(t, sampler, []float32{1, 2, 3}, 100)
		assert.Greater(t, counts[2], 90, "Low temp should favor max")
	})

	t.Run("high temperature", func(t *testing.T) {
		sampler := NewSampler(SamplingConfig{Temperature: 2.0, Seed: 42})
		counts := sampleN(t, sampler, []float32{1, 2, 3}, 100)
		assert.Greater(t, counts[0]+counts[1], 5, "High temp should distribute samples")
	})
}

func TestRepetitionPenalty(t *testing.T) {
	sampler := NewSampler(SamplingConfig{Temperature: 0, RepeatPenalty: 2.0})

	token, err := sampler.Sample([]float32{1.0, 1.0, 1.0}, []int64{0, 0, 0})
	require.NoError(t, err)
	assert.NotEqual(t, int64(0), token, "Penalized token should not be chosen")
}

func TestRepetitionPenaltyOnNegativeLogits(t *testing.T) {
	sampler := NewSampler(SamplingConfig{Temperature: 0, RepeatPenalty: 3.0})

	// -1 becomes -3 and drops below -2.
	token, err := sampler.Sample([]float32{-1, -2}, []int64{0})
	require.NoError(t, err)
	assert.Equal(t, int64(1), token)
}

func TestRepeatWindow(t *testing.T) {
	sampler := NewSampler(SamplingConfig{Temperature: 0, RepeatPenalty: 10.0, RepeatWindow: 3})

	// Token 0 appeared early but outside the window.
	token, err := sampler.Sample([]float32{5.0, 1.0, 1.0}, []int64{0, 1, 2, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, int64(0), token)
}

func TestDeterministicWithSeed(t *testing.T) {
	config := SamplingConfig{Temperature: 1.0, TopK: 10, Seed: 12345}

	logits := make([]float32, 1000)
	for i := range logits {
		logits[i] = float32(i) * 0.01
	}

	sampler1 := NewSampler(config)
	sampler2 := NewSampler(config)
	for i := 0; i < 10; i++ {
		t1, err := sampler1.Sample(logits, nil)
		require.NoError(t, err)
		t2, err := sampler2.Sample(logits, nil)
		require.NoError(t, err)
		assert.Equal(t, t1, t2, "Same seed should give same results")
		assert.GreaterOrEqual(t, t1, int64(990))
	}
}

func TestSoftmax(t *testing.T) {
	t.Run("basic", func(t *testing.T) {
		for _, p := range softmax([]float64{0, 0, 0}) {
			assert.InDelta(t, 1.0/3.0, p, 1e-9)
		}
	})

	t.Run("numerical stability", func(t *testing.T) {
		probs := softmax([]float64{1000, 1001, 1002})
		var sum float64
		for _, p := range probs {
			assert.False(t, math.IsNaN(p) || math.IsInf(p, 0))
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	})

	t.Run("with negative infinity", func(t *testing.T) {
		probs := softmax([]float64{0, math.Inf(-1), 0})
		assert.InDelta(t, 0.5, probs[0], 1e-9)
		assert.Equal(t, 0.0, probs[1])
		assert.InDelta(t, 0.5, probs[2], 1e-9)
	})
}

func TestRank(t *testing.T) {
	assert.Equal(t, []int{2, 0, 1}, rank([]float64{0.3, 0.1, 0.6}))
}

func TestDefaultSamplingConfig(t *testing.T) {
	config := DefaultSamplingConfig()

	assert.Equal(t, 0.0, config.Temperature)
	assert.Equal(t, 0, config.TopK)
	assert.Equal(t, 1.0, config.TopP)
	assert.Equal(t, 0.0, config.MinP)
	assert.Equal(t, 1.0, config.RepeatPenalty)
	assert.Equal(t, 64, config.RepeatWindow)
	assert.Equal(t, int64(-1), config.Seed)
}

func TestCombinedSampling(t *testing.T) {
	sampler := NewSampler(SamplingConfig{
		Temperature:   0.8,
		TopK:          5,
		TopP:          0.9,
		RepeatPenalty: 1.1,
		Seed:          42,
	})

	logits := make([]float32, 100)
	for i := range logits {
		logits[i] = float32(i) * 0.1
	}

	token, err := sampler.Sample(logits, []int64{95, 96, 97, 98, 99})
	require.NoError(t, err)
	require.GreaterOrEqual(t, token, int64(0))
	require.Less(t, token, int64(100))
}

func BenchmarkSampling(b *testing.B) {
	sampler := NewSampler(SamplingConfig{
		Temperature:   1.0,
		TopK:          50,
		TopP:          0.9,
		RepeatPenalty: 1.1,
		Seed:          42,
	})

	logits := make([]float32, 50000)
	for i := range logits {
		logits[i] = float32(i) * 0.0001
	}
	prev := make([]int64, 100)
	for i := range prev {
		prev[i] = int64(i * 500)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = sampler.Sample(logits, prev)
	}
}
