package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/kosmos/internal/backend/cpu"
	"github.com/born-ml/kosmos/internal/tensor"
)

func TestLinearForward(t *testing.T) {
	backend := cpu.New()
	l := NewLinear(3, 2, backend)
	require.NoError(t, l.Weight().SetTensor(tensor.MustFromSlice([]float32{
		1, 0, 1,
		0, 2, 0,
	}, tensor.Shape{2, 3}, backend)))
	require.NoError(t, l.Bias().SetTensor(tensor.MustFromSlice([]float32{0.5, -1}, tensor.Shape{2}, backend)))

	x := tensor.MustFromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{1, 2, 3}, backend)
	out := l.Forward(x)
	assert.Equal(t, tensor.Shape{1, 2, 2}, out.Shape())
	assert.Equal(t, []float32{4.5, 3, 10.5, 9}, out.Data())

	assert.Error(t, l.Weight().SetTensor(tensor.Zeros[float32](tensor.Shape{3, 2}, backend)))
	assert.Len(t, NewLinearNoBias(3, 2, backend).Parameters(), 1)
	assert.Panics(t, func() { l.Forward(tensor.Zeros[float32](tensor.Shape{2, 4}, backend)) })
}

func TestNormImplementationsAgree(t *testing.T) {
	backend := cpu.New()
	x := randn(backend, 3, 2, 5, 12)

	ln := NewLayerNorm(12, 1e-5, backend)
	lnFused := NewLayerNormWith(12, 1e-5, NormFused, backend)
	w := randn(backend, 4, 12)
	require.NoError(t, ln.Weight().SetTensor(w))
	require.NoError(t, lnFused.Weight().SetTensor(w))
	requireClose(t, ln.Forward(x).Data(), lnFused.Forward(x).Data(), 1e-5)

	rms := NewRMSNorm(12, 1e-6, backend)
	rmsFused := NewRMSNormWith(12, 1e-6, NormFused, backend)
	require.NoError(t, rms.Weight().SetTensor(w))
	require.NoError(t, rmsFused.Weight().SetTensor(w))
	requireClose(t, rms.Forward(x).Data(), rmsFused.Forward(x).Data(), 1e-5)
}

func TestLayerNormNormalizes(t *testing.T) {
	backend := cpu.New()
	out := NewLayerNorm(4, 1e-5, backend).Forward(tensor.MustFromSlice([]float32{1, 2, 3, 4}, tensor.Shape{1, 4}, backend))
	var mean, sq float64
	for _, v := range out.Data() {
		mean += float64(v)
		sq += float64(v) * float64(v)
	}
	assert.InDelta(t, 0, mean/4, 1e-6)
	assert.InDelta(t, 1, sq/4, 1e-3)
}

func TestRMSNormHasNoMeanSubtraction(t *testing.T) {
	backend := cpu.New()
	out := NewRMSNorm(2, 0, backend).Forward(tensor.MustFromSlice([]float32{3, 4}, tensor.Shape{1, 2}, backend))
	rms := math.Sqrt((9 + 16) / 2.0)
	assert.InDelta(t, 3/rms, out.Data()[0], 1e-6)
	assert.InDelta(t, 4/rms, out.Data()[1], 1e-6)
}

func TestParseNormImplementation(t *testing.T) {
	impl, err := ParseNormImplementation("FUSED")
	require.NoError(t, err)
	assert.Equal(t, NormFused, impl)
	impl, err = ParseNormImplementation("")
	require.NoError(t, err)
	assert.Equal(t, NormStandard, impl)
	_, err = ParseNormImplementation("apex")
	assert.Error(t, err)
}

func TestEmbeddingPaddingRow(t *testing.T) {
	backend := cpu.New()
	emb := NewEmbeddingWithPadding(10, 4, 1, backend)
	ids := tensor.MustFromSlice([]int64{1, 3}, tensor.Shape{1, 2}, backend)
	out := emb.Forward(ids)
	require.Equal(t, tensor.Shape{1, 2, 4}, out.Shape())
	assert.Equal(t, make([]float32, 4), out.Data()[:4])
	assert.Equal(t, emb.Weight().Tensor().Data()[12:16], out.Data()[4:])
}

func TestGELUVariants(t *testing.T) {
	backend := cpu.New()
	x := tensor.MustFromSlice([]float32{-2, -0.5, 0, 0.5, 2}, tensor.Shape{5}, backend)
	exact := GELU(x).Data()
	approx := GELUTanh(x).Data()
	for i, v := range x.Data() {
		want := float64(v) * 0.5 * (1 + math.Erf(float64(v)/math.Sqrt2))
		assert.InDelta(t, want, exact[i], 1e-6)
		assert.InDelta(t, want, approx[i], 1e-3)
	}

	act, err := ActivationByName[*cpu.CPUBackend]("gelu_new")
	require.NoError(t, err)
	assert.Equal(t, approx, act(x).Data())
	_, err = ActivationByName[*cpu.CPUBackend]("swish")
	assert.Error(t, err)
}

func TestDropout(t *testing.T) {
	backend := cpu.New()
	x := tensor.Ones[float32](tensor.Shape{1000}, backend)
	d := NewDropout[*cpu.CPUBackend](0.25)
	assert.Same(t, x, d.Forward(x))

	d.SetTraining(true)
	out := d.Forward(x).Data()
	zeros := 0
	for _, v := range out {
		if v == 0 {
			zeros++
			continue
		}
		assert.InDelta(t, 1/0.75, v, 1e-6)
	}
	assert.InDelta(t, 250, zeros, 80)
	assert.Panics(t, func() { NewDropout[*cpu.CPUBackend](1) })
}

func TestFeedForwardShapes(t *testing.T) {
	backend := cpu.New()
	x := randn(backend, 1, 2, 3, 8)

	gated := NewGatedFFN(8, 20, 0, GELUTanh[*cpu.CPUBackend], backend)
	assert.Equal(t, tensor.Shape{2, 3, 8}, gated.Forward(x).Shape())
	assert.Len(t, gated.Parameters(), 3)

	ffn := NewFFN(FFNConfig{Dim: 8, Hidden: 20, LayerNormEps: 1e-5}, GELU[*cpu.CPUBackend], backend)
	assert.Equal(t, tensor.Shape{2, 3, 8}, ffn.Forward(x).Shape())
	assert.Len(t, ffn.Parameters(), 6)
}

func TestCrossEntropy(t *testing.T) {
	backend := cpu.New()
	logits := tensor.MustFromSlice([]float32{
		0, 0, 0,
		1, 2, 3,
		5, 5, 5,
	}, tensor.Shape{3, 3}, backend)
	targets := tensor.MustFromSlice([]int64{0, 2, IgnoreIndex}, tensor.Shape{3}, backend)

	loss := CrossEntropy(logits, targets, IgnoreIndex).Item()
	lse := math.Log(math.Exp(1) + math.Exp(2) + math.Exp(3))
	want := (math.Log(3) + (lse - 3)) / 2
	assert.InDelta(t, want, loss, 1e-6)

	all := tensor.Full[int64](tensor.Shape{3}, IgnoreIndex, backend)
	assert.Equal(t, float32(0), CrossEntropy(logits, all, IgnoreIndex).Item())
}

func TestSinusoidalTableRejectsNarrowWidth(t *testing.T) {
	assert.Panics(t, func() { NewSinusoidalTable(4, 2, 1, cpu.New()) })
}

func TestCountParameters(t *testing.T) {
	backend := cpu.New()
	l := NewLinear(4, 3, backend)
	assert.Equal(t, 15, CountParameters(l.Parameters()))
}
