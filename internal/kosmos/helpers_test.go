package kosmos

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/born-ml/kosmos/internal/backend/cpu"
	"github.com/born-ml/kosmos/internal/nn"
	"github.com/born-ml/kosmos/internal/tensor"
)

type cpuBackend = *cpu.CPUBackend

func tinyModel(t *testing.T, strategy nn.Strategy) *ForConditionalGeneration[cpuBackend] {
	t.Helper()
	cfg := TinyConfig()
	cfg.AttnImplementation = strategy.String()
	m, err := NewForConditionalGeneration(cfg, cpu.New())
	require.NoError(t, err)
	return m
}

// sameModels returns one model per strategy, all sharing the reference
// model's weights.
func sameModels(t *testing.T) map[nn.Strategy]*ForConditionalGeneration[cpuBackend] {
	t.Helper()
	ref := tinyModel(t, nn.StrategyReference)
	models := map[nn.Strategy]*ForConditionalGeneration[cpuBackend]{nn.StrategyReference: ref}
	for _, s := range []nn.Strategy{nn.StrategyFusedKernel, nn.StrategyNativeFused} {
		m := tinyModel(t, s)
		copyParams(t, m.Parameters(), ref.Parameters())
		models[s] = m
	}
	return models
}

func copyParams(t *testing.T, dst, src []*nn.Parameter[cpuBackend]) {
	t.Helper()
	require.Len(t, dst, len(src))
	for i := range src {
		require.NoError(t, dst[i].SetTensor(src[i].Tensor().Clone()))
	}
}

func tokens(backend cpuBackend, values ...int64) *tensor.Tensor[int64, cpuBackend] {
	return tensor.MustFromSlice(values, tensor.Shape{1, len(values)}, backend)
}

// gridPatches builds [1, n, 2+patchDim] patches laid out row-major on a grid
// of the given width, with random pixels.
func gridPatches(backend cpuBackend, seed int64, n, width, patchDim int) *tensor.Tensor[float32, cpuBackend] {
	r := rand.New(rand.NewSource(seed))
	channels := patchIndexChannels + patchDim
	data := make([]float32, n*channels)
	for i := 0; i < n; i++ {
		row := data[i*channels : (i+1)*channels]
		row[0], row[1] = float32(i/width), float32(i%width)
		for j := patchIndexChannels; j < channels; j++ {
			row[j] = float32(r.NormFloat64())
		}
	}
	return tensor.MustFromSlice(data, tensor.Shape{1, n, channels}, backend)
}

func requireClose(t *testing.T, want, got []float32, tol float64, msgAndArgs ...interface{}) {
	t.Helper()
	require.Len(t, got, len(want), msgAndArgs...)
	for i := range want {
		diff := math.Abs(float64(want[i] - got[i]))
		if diff > tol*math.Max(1, math.Abs(float64(want[i]))) {
			require.Failf(t, "values differ", "index %d: want %v, got %v (tol %g) %v", i, want[i], got[i], tol, msgAndArgs)
		}
	}
}

func requireFinite(t *testing.T, values []float32) {
	t.Helper()
	for i, v := range values {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			require.Failf(t, "non-finite value", "index %d: %v", i, v)
		}
	}
}
