package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func softmaxWeighted(scores, values []float32, headDim int) []float32 {
	maxVal := math.Inf(-1)
	for _, s := range scores {
		maxVal = math.Max(maxVal, float64(s))
	}
	var sum float64
	w := make([]float64, len(scores))
	for i, s := range scores {
		w[i] = math.Exp(float64(s) - maxVal)
		sum += w[i]
	}
	out := make([]float32, headDim)
	for i := range scores {
		for d := 0; d < headDim; d++ {
			out[d] += float32(w[i]/sum) * values[i*headDim+d]
		}
	}
	return out
}

func TestOnlineSoftmaxMatchesSoftmax(t *testing.T) {
	scores := []float32{1, 2, 3, 0.5}
	values := []float32{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
		0.5, 0.5, 0.5,
	}
	want := softmaxWeighted(scores, values, 3)

	os := NewOnlineSoftmax(3)
	os.Update(scores[:2], values[:6])
	os.Update(scores[2:], values[6:])
	got := make([]float32, 3)
	os.Normalize(got)

	for d := range want {
		assert.InDelta(t, want[d], got[d], 1e-6)
	}
}

func TestOnlineSoftmaxMaskedBlocks(t *testing.T) {
	negInf := float32(math.Inf(-1))
	os := NewOnlineSoftmax(2)
	os.Update([]float32{negInf, negInf}, []float32{9, 9, 9, 9})
	got := []float32{7, 7}
	os.Normalize(got)
	assert.Equal(t, []float32{0, 0}, got, "fully masked row is zero")

	os.Update([]float32{0, negInf}, []float32{1, 2, 100, 100})
	os.Normalize(got)
	assert.Equal(t, []float32{1, 2}, got)

	os.Reset()
	os.Normalize(got)
	assert.Equal(t, []float32{0, 0}, got)
}
