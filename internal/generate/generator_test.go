package generate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/kosmos/internal/backend/cpu"
	"github.com/born-ml/kosmos/internal/kosmos"
	"github.com/born-ml/kosmos/internal/nn"
	"github.com/born-ml/kosmos/internal/tensor"
)

type cpuBackend = *cpu.CPUBackend

// mockModel replays a fixed token sequence, then EOS.
type mockModel struct {
	cfg          kosmos.Config
	backend      cpuBackend
	responseSeq  []int64
	currentIndex int
	inputs       []kosmos.Input[cpuBackend]
}

func newMockModel(responseSeq ...int64) *mockModel {
	return &mockModel{cfg: kosmos.TinyConfig(), backend: cpu.New(), responseSeq: responseSeq}
}

func (m *mockModel) Config() kosmos.Config { return m.cfg }

func (m *mockModel) EncodeImage(in kosmos.VisionInput[cpuBackend]) (*tensor.Tensor[float32, cpuBackend], *tensor.Tensor[float32, cpuBackend], *kosmos.EncoderOutput[cpuBackend], error) {
	embeds := tensor.Zeros[float32](tensor.Shape{1, m.cfg.LatentQueryNum, m.cfg.Text.EmbedDim}, m.backend)
	return embeds, nil, nil, nil
}

func (m *mockModel) PrepareInputsForGeneration(state kosmos.GenerationState[cpuBackend]) (kosmos.Input[cpuBackend], error) {
	return kosmos.Input[cpuBackend]{
		InputIDs:                state.InputIDs,
		ImageEmbeds:             state.ImageEmbeds,
		ImageEmbedsPositionMask: state.ImageEmbedsPositionMask,
		Cache:                   state.Cache,
		UseCache:                true,
	}, nil
}

func (m *mockModel) Forward(in kosmos.Input[cpuBackend]) (*kosmos.Output[cpuBackend], error) {
	m.inputs = append(m.inputs, in)
	vocab := m.cfg.Text.VocabSize
	logits := tensor.Full[float32](tensor.Shape{1, 1, vocab}, -10, m.backend)
	next := int64(m.cfg.Text.EOSTokenID)
	if m.currentIndex < len(m.responseSeq) {
		next = m.responseSeq[m.currentIndex]
		m.currentIndex++
	}
	logits.Set(10, 0, 0, int(next))
	return &kosmos.Output[cpuBackend]{Logits: logits, Cache: in.Cache}, nil
}

func imageRequest(prompt ...int64) Request[cpuBackend] {
	cfg := kosmos.TinyConfig()
	return Request[cpuBackend]{
		ImageEmbeds: tensor.Zeros[float32](tensor.Shape{1, cfg.LatentQueryNum, cfg.Text.EmbedDim}, cpu.New()),
		Prompt:      prompt,
	}
}

func TestGenerateStopsAtEOS(t *testing.T) {
	model := newMockModel(7, 9, 11)
	gen := NewGenerator[cpuBackend](model, model.backend)

	res, err := gen.Generate(context.Background(), imageRequest(0, 5), GenerateConfig{MaxTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 9, 11, 2}, res.Tokens)
	assert.Equal(t, ReasonEOS, res.Reason)
	assert.NotEmpty(t, res.RunID)

	require.Len(t, model.inputs, 4)
	assert.Equal(t, []int64{0, 5}, model.inputs[0].InputIDs.Data())
	assert.Equal(t, []int64{0, 5, 7, 9, 11}, model.inputs[3].InputIDs.Data())
	assert.Same(t, model.inputs[0].Cache, model.inputs[3].Cache)
	require.NotNil(t, model.inputs[0].ImageEmbedsPositionMask, "a prompt without slots gets an empty slot mask")
	assert.Equal(t, []int64{0, 0}, model.inputs[0].ImageEmbedsPositionMask.Data())
}

func TestGenerateStopConditions(t *testing.T) {
	tests := []struct {
		name   string
		cfg    GenerateConfig
		tokens []int64
		reason string
	}{
		{"max tokens", GenerateConfig{MaxTokens: 2}, []int64{7, 9}, ReasonMaxTokens},
		{"stop token", GenerateConfig{MaxTokens: 10, StopTokens: []int64{9}}, []int64{7, 9}, ReasonStopToken},
		{"min tokens", GenerateConfig{MaxTokens: 10, MinTokens: 5, StopTokens: []int64{9}}, []int64{7, 9, 11, 2, 2}, ReasonEOS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := newMockModel(7, 9, 11)
			res, err := NewGenerator[cpuBackend](model, model.backend).Generate(context.Background(), imageRequest(0), tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.tokens, res.Tokens)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

func TestGenerateRejectsBadRequests(t *testing.T) {
	model := newMockModel()
	gen := NewGenerator[cpuBackend](model, model.backend)
	ctx := context.Background()
	cfg := GenerateConfig{MaxTokens: 4}

	_, err := gen.Generate(ctx, imageRequest(), cfg)
	require.ErrorIs(t, err, ErrEmptyPrompt)

	_, err = gen.Generate(ctx, Request[cpuBackend]{Prompt: []int64{0}}, cfg)
	require.ErrorIs(t, err, kosmos.ErrMissingImageInput)

	req := imageRequest(0)
	req.FlattenedPatches = tensor.Zeros[float32](tensor.Shape{1, 2, 14}, model.backend)
	_, err = gen.Generate(ctx, req, cfg)
	require.ErrorIs(t, err, kosmos.ErrConflictingInputs)

	req = imageRequest(0, 3)
	req.ImageSlots = []int64{1}
	_, err = gen.Generate(ctx, req, cfg)
	require.ErrorIs(t, err, kosmos.ErrImageSlotMismatch)

	_, err = gen.Generate(ctx, imageRequest(0), GenerateConfig{})
	require.ErrorIs(t, err, kosmos.ErrInvalidInput)

	_, err = gen.Generate(ctx, imageRequest(0, 1, 2), GenerateConfig{MaxTokens: 4, CacheCapacity: 6})
	require.ErrorIs(t, err, ErrCacheCapacity)
}

func TestGenerateHonorsCancellation(t *testing.T) {
	model := newMockModel(7, 9)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := NewGenerator[cpuBackend](model, model.backend).Generate(ctx, imageRequest(0), GenerateConfig{MaxTokens: 4})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.Tokens)
	assert.Equal(t, ReasonStopped, res.Reason)
}

func TestStream(t *testing.T) {
	model := newMockModel(4, 5)
	ch, err := NewGenerator[cpuBackend](model, model.backend).Stream(context.Background(), imageRequest(0), GenerateConfig{MaxTokens: 10})
	require.NoError(t, err)

	var results []StepResult
	for res := range ch {
		results = append(results, res)
	}
	require.Len(t, results, 3)
	assert.Equal(t, int64(4), results[0].TokenID)
	assert.Equal(t, 1, results[1].Step)
	assert.True(t, results[2].Done)
	assert.Equal(t, ReasonEOS, results[2].Reason)

	_, err = NewGenerator[cpuBackend](model, model.backend).Stream(context.Background(), imageRequest(), GenerateConfig{MaxTokens: 1})
	require.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestImagePrompt(t *testing.T) {
	cfg := kosmos.TinyConfig()
	prompt, slots := ImagePrompt(cfg, 9, 20, 21)
	assert.Equal(t, []int64{0, 9, 9, 9, 9, 20, 21}, prompt)
	assert.Equal(t, []int64{0, 1, 1, 1, 1, 0, 0}, slots)
}

func TestGenerateWithTinyModel(t *testing.T) {
	backend := cpu.New()
	cfg := kosmos.TinyConfig()
	model, err := kosmos.NewForConditionalGeneration(cfg, backend)
	require.NoError(t, err)
	gen := NewGenerator[cpuBackend](model, backend)

	patches := tensor.Randn[float32](tensor.Shape{1, 6, 2 + cfg.Vision.PatchEmbedHiddenSize}, backend)
	// Row and column indices must stay inside the position tables.
	for i := 0; i < 6; i++ {
		patches.Set(float32(i/3), 0, i, 0)
		patches.Set(float32(i%3), 0, i, 1)
	}
	prompt, slots := ImagePrompt(cfg, 3, 10)
	req := Request[cpuBackend]{FlattenedPatches: patches, Prompt: prompt, ImageSlots: slots}
	genCfg := GenerateConfig{MaxTokens: 5, MinTokens: 5, Sampling: DefaultSamplingConfig()}

	dynamic, err := gen.Generate(context.Background(), req, genCfg)
	require.NoError(t, err)
	require.Len(t, dynamic.Tokens, 5)
	assert.Equal(t, ReasonMaxTokens, dynamic.Reason)

	genCfg.CacheCapacity = len(prompt) + genCfg.MaxTokens
	static, err := gen.Generate(context.Background(), req, genCfg)
	require.NoError(t, err)
	assert.Equal(t, dynamic.Tokens, static.Tokens, "static and dynamic caches decode alike")
	assert.NotEqual(t, dynamic.RunID, static.RunID)
}

func TestNewCacheFollowsConfig(t *testing.T) {
	model := newMockModel()
	gen := NewGenerator[cpuBackend](model, model.backend)

	_, ok := gen.newCache(GenerateConfig{}).(*nn.DynamicCache[cpuBackend])
	assert.True(t, ok)
	static, ok := gen.newCache(GenerateConfig{CacheCapacity: 16}).(*nn.StaticCache[cpuBackend])
	require.True(t, ok)
	assert.Equal(t, 16, static.MaxLength())
}
