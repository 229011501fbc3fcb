package nn

import (
	"math"
	"math/rand"
	"sync"

	"github.com/born-ml/kosmos/internal/tensor"
)

var (
	initMu  sync.Mutex
	initRng = rand.New(rand.NewSource(1)) //nolint:gosec // G404: weight init is not security-sensitive
)

// SeedInit reseeds the generator used by all weight initializers, making
// model construction reproducible.
func SeedInit(seed int64) {
	initMu.Lock()
	defer initMu.Unlock()
	initRng = rand.New(rand.NewSource(seed)) //nolint:gosec // G404: weight init is not security-sensitive
}

func fillInit(data []float32, f func(r *rand.Rand) float64) {
	initMu.Lock()
	defer initMu.Unlock()
	for i := range data {
		data[i] = float32(f(initRng))
	}
}

// Xavier (Glorot) initialization for weights.
//
// Initializes weights with values drawn from a uniform distribution:
// U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
func Xavier[B tensor.Backend](fanIn, fanOut int, shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	t := tensor.Zeros[float32](shape, backend)
	fillInit(t.Data(), func(r *rand.Rand) float64 {
		return (r.Float64()*2.0 - 1.0) * bound
	})
	return t
}

// Normal initializes a tensor from N(0, std²).
func Normal[B tensor.Backend](std float64, shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	t := tensor.Zeros[float32](shape, backend)
	fillInit(t.Data(), func(r *rand.Rand) float64 {
		return r.NormFloat64() * std
	})
	return t
}

// Zeros creates a tensor filled with zeros.
//
// This is commonly used for bias initialization.
func Zeros[B tensor.Backend](shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	return tensor.Zeros[float32](shape, backend)
}

// Ones creates a tensor filled with ones.
func Ones[B tensor.Backend](shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	return tensor.Ones[float32](shape, backend)
}
