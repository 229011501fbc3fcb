package cpu

import (
	"math"
	"math/rand"
	"testing"

	"github.com/born-ml/kosmos/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// explicitAttention computes the same contract through the generic ops.
func explicitAttention(b *CPUBackend, q, k, v, bias *tensor.RawTensor, scale float64) *tensor.RawTensor {
	scores := b.MulScalar(b.BatchMatMul(q, b.Transpose(k, 0, 1, 3, 2)), scale)
	if bias != nil {
		scores = b.Add(scores, bias)
	}
	return b.BatchMatMul(b.Softmax(scores, -1), v)
}

func TestScaledDotProductAttentionMatchesExplicit(t *testing.T) {
	backend := New()
	rng := rand.New(rand.NewSource(7))
	q := randRaw(rng, tensor.Shape{2, 3, 5, 8})
	k := randRaw(rng, tensor.Shape{2, 3, 5, 8})
	v := randRaw(rng, tensor.Shape{2, 3, 5, 8})
	scale := 1 / math.Sqrt(8)

	got := backend.ScaledDotProductAttention(q, k, v, nil, false, scale).AsFloat32()
	want := explicitAttention(backend, q, k, v, nil, scale).AsFloat32()

	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-5)
	}
}

func TestScaledDotProductAttentionCausalMatchesBias(t *testing.T) {
	backend := New()
	rng := rand.New(rand.NewSource(8))
	q := randRaw(rng, tensor.Shape{1, 2, 4, 4})
	k := randRaw(rng, tensor.Shape{1, 2, 6, 4})
	v := randRaw(rng, tensor.Shape{1, 2, 6, 4})

	// Two cached keys: query i sees keys 0..i+2.
	bias := tensor.MustRaw(tensor.Shape{1, 1, 4, 6}, tensor.Float32, tensor.CPU)
	for i := 0; i < 4; i++ {
		for j := 0; j < 6; j++ {
			if j > i+2 {
				bias.AsFloat32()[i*6+j] = -math.MaxFloat32
			}
		}
	}

	causal := backend.ScaledDotProductAttention(q, k, v, nil, true, 0.5).AsFloat32()
	biased := backend.ScaledDotProductAttention(q, k, v, bias, false, 0.5).AsFloat32()
	want := explicitAttention(backend, q, k, v, bias, 0.5).AsFloat32()

	for i := range want {
		assert.InDelta(t, want[i], causal[i], 1e-5)
		assert.InDelta(t, want[i], biased[i], 1e-5)
	}
}

func TestScaledDotProductAttentionWideBiasIsSliced(t *testing.T) {
	backend := New()
	rng := rand.New(rand.NewSource(9))
	q := randRaw(rng, tensor.Shape{1, 1, 2, 4})
	k := randRaw(rng, tensor.Shape{1, 1, 2, 4})
	v := randRaw(rng, tensor.Shape{1, 1, 2, 4})
	wide := tensor.MustRaw(tensor.Shape{1, 1, 2, 5}, tensor.Float32, tensor.CPU)

	out := backend.ScaledDotProductAttention(q, k, v, wide, false, 1)
	assert.Equal(t, tensor.Shape{1, 1, 2, 4}, out.Shape())
}

func TestScaledDotProductAttentionRejectsBiasWithCausal(t *testing.T) {
	backend := New()
	rng := rand.New(rand.NewSource(10))
	q := randRaw(rng, tensor.Shape{1, 1, 2, 4})
	bias := tensor.MustRaw(tensor.Shape{1, 1, 2, 2}, tensor.Float32, tensor.CPU)

	assert.Panics(t, func() { backend.ScaledDotProductAttention(q, q, q, bias, true, 1) })
}
