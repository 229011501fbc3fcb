package nn

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/kosmos/internal/backend/cpu"
	"github.com/born-ml/kosmos/internal/logger"
	"github.com/born-ml/kosmos/internal/tensor"
)

var allStrategies = []Strategy{StrategyReference, StrategyFusedKernel, StrategyNativeFused}

func textAttentionConfig(strategy Strategy) AttentionConfig {
	return AttentionConfig{
		EmbedDim:     16,
		NumHeads:     4,
		Bias:         true,
		Causal:       true,
		ScaleQuery:   true,
		InnerNorm:    true,
		LayerNormEps: 1e-5,
		Strategy:     strategy,
		BlockSize:    2,
	}
}

// sameWeights builds one attention module per strategy sharing a single set of weights.
func sameWeights(t *testing.T, cfg AttentionConfig, backend *cpu.CPUBackend) map[Strategy]*Attention[*cpu.CPUBackend] {
	t.Helper()
	cfg.Strategy = StrategyReference
	ref := NewAttention(cfg, backend)
	out := map[Strategy]*Attention[*cpu.CPUBackend]{StrategyReference: ref}
	for _, s := range allStrategies[1:] {
		cfg.Strategy = s
		a := NewAttention(cfg, backend)
		copyParameters(t, a.Parameters(), ref.Parameters())
		out[s] = a
	}
	return out
}

func TestAttentionHeadDivisibility(t *testing.T) {
	backend := cpu.New()
	assert.PanicsWithValue(t,
		"NewAttention: embed_dim must be divisible by num_heads (got `embed_dim`: 100 and `num_heads`: 7)",
		func() { NewAttention(AttentionConfig{EmbedDim: 100, NumHeads: 7}, backend) })

	assert.NotPanics(t, func() {
		a := NewAttention(AttentionConfig{EmbedDim: 128, NumHeads: 8}, backend)
		assert.Equal(t, 16, a.HeadDim())
	})
	assert.Error(t, ValidateHeads(100, 7))
	assert.NoError(t, ValidateHeads(128, 8))
}

func TestAttentionExplicitHeadDim(t *testing.T) {
	backend := cpu.New()
	a := NewAttention(AttentionConfig{EmbedDim: 12, NumHeads: 2, HeadDim: 8}, backend)
	x := randn(backend, 1, 2, 3, 12)
	out, _ := a.Attend(AttendInput[*cpu.CPUBackend]{Hidden: x})
	assert.Equal(t, tensor.Shape{2, 3, 12}, out.Shape())
}

func TestKernelsAgreeWithoutMask(t *testing.T) {
	backend := cpu.New()
	q := randn(backend, 1, 2, 3, 5, 8)
	k := randn(backend, 2, 2, 3, 7, 8)
	v := randn(backend, 3, 2, 3, 7, 8)

	for _, causal := range []bool{false, true} {
		in := KernelInput[*cpu.CPUBackend]{Query: q, Key: k, Value: v, Scale: 1 / math.Sqrt(8), Causal: causal}
		want, _ := ReferenceKernel[*cpu.CPUBackend]{}.Attend(in)
		for _, s := range allStrategies[1:] {
			got, weights := NewKernel[*cpu.CPUBackend](s, 3).Attend(in)
			assert.Nil(t, weights)
			requireClose(t, want.Data(), got.Data(), 1e-3, s.String())
		}
	}
}

func TestAttentionStrategiesAgree(t *testing.T) {
	backend := cpu.New()
	for _, causal := range []bool{false, true} {
		cfg := textAttentionConfig(StrategyReference)
		cfg.Causal = causal
		mods := sameWeights(t, cfg, backend)
		x := randn(backend, 7, 2, 5, 16)

		var mask *Mask[*cpu.CPUBackend]
		if causal {
			var err error
			mask, err = BuildCausalMask(MaskRequest[*cpu.CPUBackend]{Backend: backend, Strategy: StrategyReference, Batch: 2, QueryLen: 5})
			require.NoError(t, err)
		}
		want, _ := mods[StrategyReference].Attend(AttendInput[*cpu.CPUBackend]{Hidden: x, Mask: mask})
		for _, s := range allStrategies[1:] {
			got, _ := mods[s].Attend(AttendInput[*cpu.CPUBackend]{Hidden: x})
			requireClose(t, want.Data(), got.Data(), 1e-3, "%s causal=%v", s, causal)
		}
	}
}

func TestAttentionStrategiesAgreeWithPadding(t *testing.T) {
	backend := cpu.New()
	mods := sameWeights(t, textAttentionConfig(StrategyReference), backend)
	x := randn(backend, 11, 2, 5, 16)
	att := tensor.MustFromSlice([]int64{
		1, 1, 1, 1, 1,
		1, 1, 1, 0, 0,
	}, tensor.Shape{2, 5}, backend)

	outputs := map[Strategy][]float32{}
	for _, s := range allStrategies {
		mask, err := BuildCausalMask(MaskRequest[*cpu.CPUBackend]{
			Backend: backend, Strategy: s, Attention: att, Batch: 2, QueryLen: 5,
		})
		require.NoError(t, err)
		out, _ := mods[s].Attend(AttendInput[*cpu.CPUBackend]{Hidden: x, Mask: mask})
		outputs[s] = out.Data()
	}
	for _, s := range allStrategies[1:] {
		requireClose(t, outputs[StrategyReference], outputs[s], 1e-3, s.String())
	}
}

func TestBidirectionalPaddingAgrees(t *testing.T) {
	backend := cpu.New()
	cfg := AttentionConfig{EmbedDim: 16, NumHeads: 2, HeadDim: 8, BlockSize: 2}
	mods := sameWeights(t, cfg, backend)
	x := randn(backend, 5, 2, 6, 16)
	att := tensor.MustFromSlice([]int64{
		1, 1, 1, 1, 0, 0,
		1, 1, 1, 1, 1, 1,
	}, tensor.Shape{2, 6}, backend)

	outputs := map[Strategy][]float32{}
	for _, s := range allStrategies {
		out, _ := mods[s].Attend(AttendInput[*cpu.CPUBackend]{Hidden: x, Mask: BuildPaddingMask(s, att, 6)})
		outputs[s] = out.Data()
	}
	for _, s := range allStrategies[1:] {
		requireClose(t, outputs[StrategyReference], outputs[s], 1e-3, s.String())
	}
}

func TestCausalOutputIgnoresFuturePositions(t *testing.T) {
	backend := cpu.New()
	for _, s := range allStrategies {
		a := NewAttention(textAttentionConfig(s), backend)
		x := randn(backend, 3, 1, 6, 16)
		mask, err := BuildCausalMask(MaskRequest[*cpu.CPUBackend]{Backend: backend, Strategy: s, Batch: 1, QueryLen: 6})
		require.NoError(t, err)
		base, _ := a.Attend(AttendInput[*cpu.CPUBackend]{Hidden: x, Mask: mask})

		perturbed := x.Clone()
		data := perturbed.Data()
		for i := 4 * 16; i < 6*16; i++ {
			data[i] += 10
		}
		out, _ := a.Attend(AttendInput[*cpu.CPUBackend]{Hidden: perturbed, Mask: mask})

		requireClose(t, base.Data()[:4*16], out.Data()[:4*16], 1e-6, s.String())
		assert.NotEqual(t, base.Data()[4*16:], out.Data()[4*16:], s.String())
	}
}

func TestIncrementalDecodingMatchesFullSequence(t *testing.T) {
	backend := cpu.New()
	const steps = 5
	for _, s := range allStrategies {
		a := NewAttention(textAttentionConfig(s), backend)
		x := randn(backend, 9, 1, steps, 16)

		mask, err := BuildCausalMask(MaskRequest[*cpu.CPUBackend]{Backend: backend, Strategy: s, Batch: 1, QueryLen: steps})
		require.NoError(t, err)
		full, _ := a.Attend(AttendInput[*cpu.CPUBackend]{Hidden: x, Mask: mask})

		cache := NewDynamicCache[*cpu.CPUBackend](1)
		var got []float32
		for i := 0; i < steps; i++ {
			mask, err := BuildCausalMask(MaskRequest[*cpu.CPUBackend]{
				Backend: backend, Strategy: s, Batch: 1, QueryLen: 1, PastLen: i,
			})
			require.NoError(t, err)
			out, _ := a.Attend(AttendInput[*cpu.CPUBackend]{Hidden: x.Narrow(1, i, 1), Mask: mask, Cache: cache})
			got = append(got, out.Data()...)
			assert.Equal(t, i+1, cache.SeqLength(0))
		}
		requireClose(t, full.Data(), got, 1e-5, s.String())
	}
}

func TestStaticCacheDecodingMatchesDynamic(t *testing.T) {
	backend := cpu.New()
	a := NewAttention(textAttentionConfig(StrategyReference), backend)
	x := randn(backend, 4, 1, 3, 16)

	dynamic := NewDynamicCache[*cpu.CPUBackend](1)
	static := NewStaticCache(1, 1, 4, 8, 4, backend)
	for i := 0; i < 3; i++ {
		step := x.Narrow(1, i, 1)
		dm, err := BuildCausalMask(MaskRequest[*cpu.CPUBackend]{Backend: backend, Batch: 1, QueryLen: 1, PastLen: i})
		require.NoError(t, err)
		sm, err := BuildCausalMask(MaskRequest[*cpu.CPUBackend]{Backend: backend, Batch: 1, QueryLen: 1, PastLen: i, StaticCapacity: 8})
		require.NoError(t, err)

		want, _ := a.Attend(AttendInput[*cpu.CPUBackend]{Hidden: step, Mask: dm, Cache: dynamic})
		got, _ := a.Attend(AttendInput[*cpu.CPUBackend]{Hidden: step, Mask: sm, Cache: static})
		requireClose(t, want.Data(), got.Data(), 1e-6)
	}
	assert.Equal(t, 3, static.CurrentLength())
}

func TestAttentionWeights(t *testing.T) {
	backend := cpu.New()
	mods := sameWeights(t, textAttentionConfig(StrategyReference), backend)
	x := randn(backend, 2, 1, 4, 16)
	mask, err := BuildCausalMask(MaskRequest[*cpu.CPUBackend]{
		Backend: backend, Strategy: StrategyReference, Batch: 1, QueryLen: 4, OutputAttentions: true,
	})
	require.NoError(t, err)

	_, weights := mods[StrategyReference].Attend(AttendInput[*cpu.CPUBackend]{Hidden: x, Mask: mask, OutputAttentions: true})
	require.NotNil(t, weights)
	require.Equal(t, tensor.Shape{1, 4, 4, 4}, weights.Shape())
	for row := 0; row < 16; row++ {
		var sum float32
		for _, w := range weights.Data()[row*4 : (row+1)*4] {
			sum += w
		}
		assert.InDelta(t, 1, sum, 1e-5)
	}
	assert.Equal(t, float32(0), weights.At(0, 0, 0, 1), "first query cannot see the second key")

	_, native := mods[StrategyNativeFused].Attend(AttendInput[*cpu.CPUBackend]{Hidden: x, Mask: mask, OutputAttentions: true})
	require.NotNil(t, native, "native falls back to the reference kernel for weights")
	requireClose(t, weights.Data(), native.Data(), 1e-6)

	_, fused := mods[StrategyFusedKernel].Attend(AttendInput[*cpu.CPUBackend]{Hidden: x, OutputAttentions: true})
	assert.Nil(t, fused)
}

func TestFusedKernelRejectsBias(t *testing.T) {
	backend := cpu.New()
	a := NewAttention(textAttentionConfig(StrategyFusedKernel), backend)
	x := randn(backend, 1, 1, 2, 16)
	mask := &Mask[*cpu.CPUBackend]{Bias: tensor.Zeros[float32](tensor.Shape{1, 1, 2, 2}, backend)}
	assert.Panics(t, func() { a.Attend(AttendInput[*cpu.CPUBackend]{Hidden: x, Mask: mask}) })
}

func TestReducedPrecisionStaysClose(t *testing.T) {
	backend := cpu.New()
	for _, dt := range []tensor.DataType{tensor.Float16, tensor.BFloat16} {
		for _, s := range allStrategies {
			cfg := textAttentionConfig(s)
			ref := NewAttention(cfg, backend)
			cfg.Precision = dt
			low := NewAttention(cfg, backend)
			copyParameters(t, low.Parameters(), ref.Parameters())

			x := randn(backend, 8, 1, 4, 16)
			want, _ := ref.Attend(AttendInput[*cpu.CPUBackend]{Hidden: x})
			got, _ := low.Attend(AttendInput[*cpu.CPUBackend]{Hidden: x})
			requireClose(t, want.Data(), got.Data(), 5e-2, "%s %s", s, dt)
		}
	}
}

// captureWarnings routes the global logger into a buffer and forgets earlier
// advisories.
func captureWarnings(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logger.SetupWriter(&buf, "warn", "json")
	logger.ResetOnce()
	t.Cleanup(func() { logger.Setup("info", "console") })
	return &buf
}

func TestNativeFallbackWarnsOnce(t *testing.T) {
	buf := captureWarnings(t)
	backend := cpu.New()
	a := NewAttention(textAttentionConfig(StrategyNativeFused), backend)
	x := randn(backend, 1, 1, 3, 16)

	for i := 0; i < 3; i++ {
		_, weights := a.Attend(AttendInput[*cpu.CPUBackend]{Hidden: x, OutputAttentions: true})
		require.NotNil(t, weights)
	}

	assert.Equal(t, 1, strings.Count(buf.String(), `"advisory":"native-fallback-weights"`))
}

func TestFusedPrecisionCastWarnsOnce(t *testing.T) {
	buf := captureWarnings(t)
	backend := cpu.New()
	cfg := textAttentionConfig(StrategyFusedKernel)
	cfg.Precision = tensor.BFloat16
	a := NewAttention(cfg, backend)
	x := randn(backend, 1, 1, 3, 16)

	for i := 0; i < 3; i++ {
		a.Attend(AttendInput[*cpu.CPUBackend]{Hidden: x})
	}

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, `"advisory":"fused-precision-cast"`))
	assert.Contains(t, out, `"dtype":"bfloat16"`)
}

func TestCrossAttentionUsesEncoderCache(t *testing.T) {
	backend := cpu.New()
	a := NewAttention(AttentionConfig{EmbedDim: 8, KVDim: 12, NumHeads: 2, Bias: true}, backend)
	cache := NewEncoderCache[*cpu.CPUBackend](1)
	cond := randn(backend, 1, 1, 5, 12)

	first, _ := a.Attend(AttendInput[*cpu.CPUBackend]{Hidden: randn(backend, 2, 1, 1, 8), Context: cond, CrossCache: cache})
	assert.Equal(t, tensor.Shape{1, 1, 8}, first.Shape())
	require.True(t, cache.Cached(0))
	stored, _, _ := cache.Lookup(0, 5)

	a.Attend(AttendInput[*cpu.CPUBackend]{Hidden: randn(backend, 3, 1, 1, 8), Context: cond, CrossCache: cache})
	again, _, _ := cache.Lookup(0, 5)
	assert.Same(t, stored, again)

	other := randn(backend, 4, 1, 7, 12)
	assert.Panics(t, func() {
		a.Attend(AttendInput[*cpu.CPUBackend]{Hidden: randn(backend, 5, 1, 1, 8), Context: other, CrossCache: cache})
	}, "changing the conditioning mid-run is fatal")
}

func TestAttentionDropoutOnlyInTraining(t *testing.T) {
	backend := cpu.New()
	cfg := textAttentionConfig(StrategyFusedKernel)
	cfg.Causal = false
	cfg.Dropout = 0.5
	a := NewAttention(cfg, backend)
	x := randn(backend, 1, 1, 4, 16)

	first, _ := a.Attend(AttendInput[*cpu.CPUBackend]{Hidden: x})
	second, _ := a.Attend(AttendInput[*cpu.CPUBackend]{Hidden: x})
	assert.Equal(t, first.Data(), second.Data(), "inference is deterministic")

	a.SetTraining(true)
	trained, _ := a.Attend(AttendInput[*cpu.CPUBackend]{Hidden: x})
	assert.NotEqual(t, first.Data(), trained.Data())
}

func TestParseStrategy(t *testing.T) {
	cases := map[string]Strategy{
		"reference":         StrategyReference,
		"eager":             StrategyReference,
		"fused-kernel":      StrategyFusedKernel,
		"flash_attention_2": StrategyFusedKernel,
		"native-fused":      StrategyNativeFused,
		"SDPA":              StrategyNativeFused,
	}
	for in, want := range cases {
		got, err := ParseStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStrategy("paged")
	assert.Error(t, err)

	var s Strategy
	require.NoError(t, s.UnmarshalText([]byte("sdpa")))
	assert.Equal(t, "native-fused", s.String())
}
