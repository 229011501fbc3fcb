package tensor_test

import (
	"math/rand"
	"testing"

	"github.com/born-ml/kosmos/internal/backend/cpu"
	"github.com/born-ml/kosmos/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSlice(t *testing.T) {
	backend := cpu.New()

	x, err := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, backend)
	require.NoError(t, err)
	assert.Equal(t, tensor.Float32, x.DType())
	assert.Equal(t, float32(6), x.At(1, 2))

	x.Set(10, 0, 1)
	assert.Equal(t, []float32{1, 10, 3, 4, 5, 6}, x.Data())
	assert.Panics(t, func() { x.At(2, 0) })

	_, err = tensor.FromSlice([]float32{1, 2}, tensor.Shape{3}, backend)
	assert.Error(t, err)
}

func TestCreation(t *testing.T) {
	backend := cpu.New()

	assert.Equal(t, []int64{3, 4, 5}, tensor.Arange[int64](3, 6, backend).Data())
	assert.Equal(t, []float32{1, 1}, tensor.Ones[float32](tensor.Shape{2}, backend).Data())
	assert.Equal(t, []float32{-7, -7}, tensor.Full[float32](tensor.Shape{2}, -7, backend).Data())
	assert.Equal(t, float32(0), tensor.Zeros[float32](tensor.Shape{1}, backend).Item())

	a := tensor.RandnFrom[float32](tensor.Shape{4, 4}, rand.New(rand.NewSource(1)), backend)
	b := tensor.RandnFrom[float32](tensor.Shape{4, 4}, rand.New(rand.NewSource(1)), backend)
	assert.Equal(t, a.Data(), b.Data())
}

func TestReshapeInfersDimension(t *testing.T) {
	backend := cpu.New()
	x := tensor.Arange[float32](0, 12, backend)

	y := x.Reshape(3, -1)

	assert.Equal(t, tensor.Shape{3, 4}, y.Shape())
	assert.Equal(t, float32(7), y.At(1, 3))
}

func TestOpsReturnFreshTensors(t *testing.T) {
	backend := cpu.New()
	x := tensor.MustFromSlice([]float32{1, 2, 3}, tensor.Shape{3}, backend)

	y := x.MulScalar(2).AddScalar(1)

	assert.Equal(t, []float32{3, 5, 7}, y.Data())
	assert.Equal(t, []float32{1, 2, 3}, x.Data())
}

func TestBroadcastAdd(t *testing.T) {
	backend := cpu.New()
	scores := tensor.Zeros[float32](tensor.Shape{2, 1, 2, 3}, backend)
	bias := tensor.MustFromSlice([]float32{0, -1, -2, -3, -4, -5}, tensor.Shape{1, 1, 2, 3}, backend)

	out := scores.Add(bias)

	assert.Equal(t, tensor.Shape{2, 1, 2, 3}, out.Shape())
	assert.Equal(t, float32(-5), out.At(1, 0, 1, 2))
}

func TestCat(t *testing.T) {
	backend := cpu.New()
	a := tensor.MustFromSlice([]float32{1, 2, 3, 4}, tensor.Shape{2, 2}, backend)
	b := tensor.MustFromSlice([]float32{5, 6}, tensor.Shape{2, 1}, backend)

	out := tensor.Cat([]*tensor.Tensor[float32, *cpu.CPUBackend]{a, b}, 1)

	assert.Equal(t, tensor.Shape{2, 3}, out.Shape())
	assert.Equal(t, []float32{1, 2, 5, 3, 4, 6}, out.Data())

	single := tensor.Cat([]*tensor.Tensor[float32, *cpu.CPUBackend]{a}, 0)
	single.Set(9, 0, 0)
	assert.Equal(t, float32(1), a.At(0, 0))
}

func TestMeanAndSoftmax(t *testing.T) {
	backend := cpu.New()
	x := tensor.MustFromSlice([]float32{1, 3, 2, 2}, tensor.Shape{2, 2}, backend)

	assert.Equal(t, []float32{2, 2}, x.MeanDim(-1, false).Data())
	assert.Equal(t, tensor.Shape{2, 1}, x.MeanDim(-1, true).Shape())

	p := x.Softmax(-1).Data()
	assert.InDelta(t, 1.0, float64(p[0]+p[1]), 1e-6)
	assert.InDelta(t, 0.5, float64(p[2]), 1e-6)
}

func TestRoundTo(t *testing.T) {
	backend := cpu.New()
	x := tensor.MustFromSlice([]float32{1.0 / 3, 2}, tensor.Shape{2}, backend)

	assert.Same(t, x, tensor.RoundTo(x, tensor.Float32))

	for _, dt := range []tensor.DataType{tensor.Float16, tensor.BFloat16} {
		got := tensor.RoundTo(x, dt)
		want := append([]float32(nil), x.Data()...)
		tensor.RoundSlice(want, dt)

		assert.Equal(t, tensor.Float32, got.DType(), dt.String())
		assert.Equal(t, want, got.Data(), dt.String())
		assert.Equal(t, float32(1.0/3), x.At(0), "input must not change")
	}
}
