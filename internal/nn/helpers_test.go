package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/born-ml/kosmos/internal/backend/cpu"
	"github.com/born-ml/kosmos/internal/tensor"
)

type cpuTensor = tensor.Tensor[float32, *cpu.CPUBackend]

func randn(backend *cpu.CPUBackend, seed int64, dims ...int) *cpuTensor {
	return tensor.RandnFrom[float32](tensor.Shape(dims), rand.New(rand.NewSource(seed)), backend)
}

func requireClose(t *testing.T, want, got []float32, tol float64, msgAndArgs ...interface{}) {
	t.Helper()
	require.Len(t, got, len(want), msgAndArgs...)
	for i := range want {
		diff := math.Abs(float64(want[i] - got[i]))
		scale := math.Max(1, math.Abs(float64(want[i])))
		if diff > tol*scale {
			require.Failf(t, "values differ", "index %d: want %v, got %v (tol %g) %v", i, want[i], got[i], tol, msgAndArgs)
		}
	}
}

// copyParameters makes dst numerically identical to src.
func copyParameters(t *testing.T, dst, src []*Parameter[*cpu.CPUBackend]) {
	t.Helper()
	require.Len(t, dst, len(src))
	for i := range src {
		require.NoError(t, dst[i].SetTensor(src[i].Tensor().Clone()))
	}
}
