package kosmos

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/kosmos/internal/backend/cpu"
	"github.com/born-ml/kosmos/internal/nn"
	"github.com/born-ml/kosmos/internal/tensor"
)

func TestDefaultConfigsValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.NoError(t, TinyConfig().Validate())

	cfg := DefaultConfig()
	assert.Equal(t, nn.StrategyReference, cfg.Strategy())
	assert.Equal(t, tensor.Float32, cfg.Precision())
	assert.Equal(t, nn.NormStandard, cfg.Norm())
}

func TestConfigResolvesAliases(t *testing.T) {
	cfg := TinyConfig()
	cfg.AttnImplementation = "flash_attention_2"
	cfg.DType = "bf16"
	cfg.NormImplementation = "fused"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, nn.StrategyFusedKernel, cfg.Strategy())
	assert.Equal(t, tensor.BFloat16, cfg.Precision())
	assert.Equal(t, nn.NormFused, cfg.Norm())
}

func TestConfigValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		substr string
	}{
		{"head divisibility", func(c *Config) { c.Text.EmbedDim, c.Text.AttentionHeads = 100, 7 }, "embed_dim must be divisible by num_heads"},
		{"unknown strategy", func(c *Config) { c.AttnImplementation = "triton" }, "triton"},
		{"integer dtype", func(c *Config) { c.DType = "int8" }, "int8"},
		{"unknown norm", func(c *Config) { c.NormImplementation = "apex" }, "apex"},
		{"dropout", func(c *Config) { c.Text.Dropout = 1 }, "dropout"},
		{"activation", func(c *Config) { c.Vision.DenseActFn = "swish" }, "swish"},
		{"latents", func(c *Config) { c.LatentQueryNum = 0 }, "latent_query_num"},
		{"pad token", func(c *Config) { c.Text.PadTokenID = c.Text.VocabSize }, "pad_token_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := TinyConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.substr)
		})
	}
}

func TestNewModelRejectsInvalidConfig(t *testing.T) {
	cfg := TinyConfig()
	cfg.Text.EmbedDim, cfg.Text.AttentionHeads = 100, 7
	_, err := NewModel(cfg, cpu.New())
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadConfigLayersFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"text_config": {"embed_dim": 64, "scale_embedding": false},
		"vision_config": {"num_hidden_layers": 4},
		"attn_implementation": "sdpa"
	}`), 0o600))
	t.Setenv("KOSMOS_TEXT_CONFIG_LAYERS", "3")
	t.Setenv("KOSMOS_TORCH_DTYPE", "float16")

	got, err := LoadConfig(path)
	require.NoError(t, err)

	want := DefaultConfig()
	want.Text.EmbedDim = 64
	want.Text.ScaleEmbedding = false
	want.Text.Layers = 3
	want.Vision.NumHiddenLayers = 4
	want.AttnImplementation = "sdpa"
	want.DType = "float16"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadConfig mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, nn.StrategyNativeFused, got.Strategy())
}

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	got, err := LoadConfig("")
	require.NoError(t, err)
	if diff := cmp.Diff(DefaultConfig(), got); diff != "" {
		t.Errorf("LoadConfig mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"text_config": {"attention_heads": 7}}`), 0o600))
	_, err = LoadConfig(path)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
