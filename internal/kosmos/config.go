package kosmos

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/born-ml/kosmos/internal/nn"
	"github.com/born-ml/kosmos/internal/tensor"
)

// EnvPrefix prefixes environment overrides read by LoadConfig, e.g.
// KOSMOS_TEXT_CONFIG_LAYERS=2.
const EnvPrefix = "KOSMOS"

// VisionConfig configures the patch encoder.
type VisionConfig struct {
	HiddenSize           int     `json:"hidden_size" mapstructure:"hidden_size"`
	PatchEmbedHiddenSize int     `json:"patch_embed_hidden_size" mapstructure:"patch_embed_hidden_size"`
	DFF                  int     `json:"d_ff" mapstructure:"d_ff"`
	DKV                  int     `json:"d_kv" mapstructure:"d_kv"`
	NumAttentionHeads    int     `json:"num_attention_heads" mapstructure:"num_attention_heads"`
	NumHiddenLayers      int     `json:"num_hidden_layers" mapstructure:"num_hidden_layers"`
	SeqLen               int     `json:"seq_len" mapstructure:"seq_len"` // rows and columns of the patch grid
	DropoutRate          float64 `json:"dropout_rate" mapstructure:"dropout_rate"`
	AttentionDropout     float64 `json:"attention_dropout" mapstructure:"attention_dropout"`
	LayerNormEps         float64 `json:"layer_norm_eps" mapstructure:"layer_norm_eps"`
	DenseActFn           string  `json:"dense_act_fn" mapstructure:"dense_act_fn"`
	MaxNumPatches        int     `json:"max_num_patches" mapstructure:"max_num_patches"`
}

// TextConfig configures the decoder.
type TextConfig struct {
	VocabSize             int     `json:"vocab_size" mapstructure:"vocab_size"`
	EmbedDim              int     `json:"embed_dim" mapstructure:"embed_dim"`
	Layers                int     `json:"layers" mapstructure:"layers"`
	FFNDim                int     `json:"ffn_dim" mapstructure:"ffn_dim"`
	AttentionHeads        int     `json:"attention_heads" mapstructure:"attention_heads"`
	ActivationFunction    string  `json:"activation_function" mapstructure:"activation_function"`
	Dropout               float64 `json:"dropout" mapstructure:"dropout"`
	AttentionDropout      float64 `json:"attention_dropout" mapstructure:"attention_dropout"`
	ActivationDropout     float64 `json:"activation_dropout" mapstructure:"activation_dropout"`
	Layerdrop             float64 `json:"layerdrop" mapstructure:"layerdrop"`
	LayerNormEps          float64 `json:"layer_norm_eps" mapstructure:"layer_norm_eps"`
	MaxPositionEmbeddings int     `json:"max_position_embeddings" mapstructure:"max_position_embeddings"`
	ScaleEmbedding        bool    `json:"scale_embedding" mapstructure:"scale_embedding"`
	PadTokenID            int     `json:"pad_token_id" mapstructure:"pad_token_id"`
	BOSTokenID            int     `json:"bos_token_id" mapstructure:"bos_token_id"`
	EOSTokenID            int     `json:"eos_token_id" mapstructure:"eos_token_id"`
	UseCache              bool    `json:"use_cache" mapstructure:"use_cache"`
	// AddInnerAttnLayerNorm inserts a LayerNorm over the merged attention
	// heads before the output projection. The published model leaves it off.
	AddInnerAttnLayerNorm bool `json:"add_inner_attn_layernorm" mapstructure:"add_inner_attn_layernorm"`
}

// Config is the full model configuration. Field names follow the published
// Hugging Face config.json so checkpoints' configs load unchanged.
type Config struct {
	Vision         VisionConfig `json:"vision_config" mapstructure:"vision_config"`
	Text           TextConfig   `json:"text_config" mapstructure:"text_config"`
	LatentQueryNum int          `json:"latent_query_num" mapstructure:"latent_query_num"`

	// AttnImplementation selects the attention kernel: reference (eager),
	// fused-kernel (flash_attention_2) or native-fused (sdpa).
	AttnImplementation string `json:"attn_implementation" mapstructure:"attn_implementation"`
	// DType is the pipeline precision: float32, float16 or bfloat16.
	DType string `json:"torch_dtype" mapstructure:"torch_dtype"`
	// NormImplementation selects the normalization code path: standard or fused.
	NormImplementation string `json:"norm_implementation" mapstructure:"norm_implementation"`
	// AttentionBlockSize is the fused kernel's key tile length; 0 selects the default.
	AttentionBlockSize int `json:"attention_block_size" mapstructure:"attention_block_size"`
}

// DefaultConfig returns the published Kosmos-2.5 model sizes.
func DefaultConfig() Config {
	return Config{
		Vision: VisionConfig{
			HiddenSize:           1536,
			PatchEmbedHiddenSize: 768,
			DFF:                  3968,
			DKV:                  64,
			NumAttentionHeads:    24,
			NumHiddenLayers:      18,
			SeqLen:               4096,
			LayerNormEps:         1e-6,
			DenseActFn:           "gelu_new",
			MaxNumPatches:        4096,
		},
		Text: TextConfig{
			VocabSize:             108481,
			EmbedDim:              1536,
			Layers:                24,
			FFNDim:                6144,
			AttentionHeads:        16,
			ActivationFunction:    "gelu",
			Dropout:               0.1,
			LayerNormEps:          1e-5,
			MaxPositionEmbeddings: 4096,
			ScaleEmbedding:        true,
			PadTokenID:            1,
			BOSTokenID:            0,
			EOSTokenID:            2,
			UseCache:              true,
		},
		LatentQueryNum:     2048,
		AttnImplementation: nn.StrategyReference.String(),
		DType:              tensor.Float32.String(),
		NormImplementation: nn.NormStandard.String(),
	}
}

// TinyConfig returns a small configuration for tests and demos.
func TinyConfig() Config {
	cfg := DefaultConfig()
	cfg.Vision = VisionConfig{
		HiddenSize:           32,
		PatchEmbedHiddenSize: 12,
		DFF:                  64,
		DKV:                  8,
		NumAttentionHeads:    4,
		NumHiddenLayers:      2,
		SeqLen:               16,
		LayerNormEps:         1e-6,
		DenseActFn:           "gelu_new",
		MaxNumPatches:        64,
	}
	cfg.Text.VocabSize = 64
	cfg.Text.EmbedDim = 32
	cfg.Text.Layers = 2
	cfg.Text.FFNDim = 64
	cfg.Text.AttentionHeads = 4
	cfg.Text.Dropout = 0
	cfg.Text.MaxPositionEmbeddings = 32
	cfg.LatentQueryNum = 4
	return cfg
}

// Strategy returns the configured attention strategy. Call Validate first;
// an unknown name resolves to the reference strategy.
func (c Config) Strategy() nn.Strategy {
	s, _ := nn.ParseStrategy(c.AttnImplementation)
	return s
}

// Precision returns the configured pipeline precision.
func (c Config) Precision() tensor.DataType {
	dt, _ := tensor.ParseDataType(c.DType)
	return dt
}

// Norm returns the configured normalization implementation.
func (c Config) Norm() nn.NormImplementation {
	n, _ := nn.ParseNormImplementation(c.NormImplementation)
	return n
}

// Validate checks the configuration and reports the first problem found.
func (c Config) Validate() error {
	v, t := c.Vision, c.Text
	checks := []struct {
		ok  bool
		msg string
	}{
		{v.HiddenSize > 0 && v.PatchEmbedHiddenSize > 0 && v.DFF > 0, "vision sizes must be positive"},
		{v.NumAttentionHeads > 0 && v.DKV > 0, "vision heads and d_kv must be positive"},
		{v.NumHiddenLayers >= 0 && t.Layers >= 0, "layer counts must not be negative"},
		{v.SeqLen > 0, "vision seq_len must be positive"},
		{t.VocabSize > 0 && t.EmbedDim > 0 && t.FFNDim > 0, "text sizes must be positive"},
		{t.MaxPositionEmbeddings > 0, "max_position_embeddings must be positive"},
		{t.EmbedDim >= 4, "text embed_dim must be at least 4"},
		{t.PadTokenID >= 0 && t.PadTokenID < t.VocabSize, "pad_token_id must index the vocabulary"},
		{c.LatentQueryNum > 0, "latent_query_num must be positive"},
		{c.AttentionBlockSize >= 0, "attention_block_size must not be negative"},
	}
	for _, chk := range checks {
		if !chk.ok {
			return fmt.Errorf("%w: %s", ErrInvalidConfig, chk.msg)
		}
	}
	for _, p := range []float64{v.DropoutRate, v.AttentionDropout, t.Dropout, t.AttentionDropout, t.ActivationDropout, t.Layerdrop} {
		if p < 0 || p >= 1 {
			return fmt.Errorf("%w: dropout probability %v outside [0, 1)", ErrInvalidConfig, p)
		}
	}
	if err := nn.ValidateHeads(t.EmbedDim, t.AttentionHeads); err != nil {
		return fmt.Errorf("%w: text: %v", ErrInvalidConfig, err)
	}
	if _, err := nn.ParseStrategy(c.AttnImplementation); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := tensor.ParseDataType(c.DType); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if dt := c.Precision(); !dt.IsFloat() {
		return fmt.Errorf("%w: torch_dtype %s is not a floating type", ErrInvalidConfig, dt)
	}
	if _, err := nn.ParseNormImplementation(c.NormImplementation); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := nn.ActivationByName[tensor.Backend](v.DenseActFn); err != nil {
		return fmt.Errorf("%w: vision: %v", ErrInvalidConfig, err)
	}
	if _, err := nn.ActivationByName[tensor.Backend](t.ActivationFunction); err != nil {
		return fmt.Errorf("%w: text: %v", ErrInvalidConfig, err)
	}
	return nil
}

// LoadConfig reads a JSON or YAML config file layered over DefaultConfig,
// then applies KOSMOS_* environment overrides. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults, err := configMap(DefaultConfig())
	if err != nil {
		return Config{}, err
	}
	if err := v.MergeConfigMap(defaults); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// configMap flattens cfg into the nested map viper layers files over, so
// every key is known to viper and can be overridden from the environment.
func configMap(cfg Config) (map[string]any, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	return m, nil
}
