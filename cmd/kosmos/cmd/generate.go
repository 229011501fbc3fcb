package cmd

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/born-ml/kosmos/internal/generate"
)

type generateOptions struct {
	numPatches    int
	patchSeed     int64
	imageToken    int64
	task          []int64
	maxTokens     int
	minTokens     int
	stopTokens    []int64
	staticCache   bool
	temperature   float64
	topK          int
	topP          float64
	minP          float64
	repeatPenalty float64
	seed          int64
}

func newGenerateCommand(a *app) *cobra.Command {
	opts := generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Decode tokens from a synthetic image prompt",
		Long: `Decode tokens autoregressively from a synthetic image.

The prompt is BOS, one image token per latent query, then the --task tokens.
The image is encoded once and the key/value cache is reused across steps.
The result is printed as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runGenerate(cmd, opts)
		},
	}
	defaults := generate.DefaultGenerateConfig()
	f := cmd.Flags()
	f.IntVar(&opts.numPatches, "num-patches", 9, "number of synthetic image patches")
	f.Int64Var(&opts.patchSeed, "patch-seed", 7, "seed for synthetic patch pixels")
	f.Int64Var(&opts.imageToken, "image-token", 3, "token id placed at image slots")
	f.Int64SliceVar(&opts.task, "task", nil, "task token ids appended after the image slots")
	f.IntVar(&opts.maxTokens, "max-tokens", 16, "maximum number of tokens to generate")
	f.IntVar(&opts.minTokens, "min-tokens", 0, "tokens to generate before EOS may stop the run")
	f.Int64SliceVar(&opts.stopTokens, "stop-tokens", nil, "token ids that stop the run besides EOS")
	f.BoolVar(&opts.staticCache, "static-cache", false, "preallocate a static cache sized for the run")
	f.Float64Var(&opts.temperature, "temperature", defaults.Sampling.Temperature, "sampling temperature; 0 is greedy")
	f.IntVar(&opts.topK, "top-k", defaults.Sampling.TopK, "keep the k most likely tokens; 0 disables")
	f.Float64Var(&opts.topP, "top-p", defaults.Sampling.TopP, "nucleus sampling mass; 1 disables")
	f.Float64Var(&opts.minP, "min-p", defaults.Sampling.MinP, "drop tokens below min-p times the top probability")
	f.Float64Var(&opts.repeatPenalty, "repeat-penalty", defaults.Sampling.RepeatPenalty, "repetition penalty; 1 disables")
	f.Int64Var(&opts.seed, "seed", defaults.Sampling.Seed, "sampling seed; -1 is random")
	return cmd
}

func (a *app) runGenerate(cmd *cobra.Command, opts generateOptions) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	prompt, slots := generate.ImagePrompt(cfg, opts.imageToken, opts.task...)
	if err := checkVocab(prompt, cfg.Text.VocabSize); err != nil {
		return err
	}

	model, backend, err := a.newModel(cfg)
	if err != nil {
		return err
	}
	patches, err := syntheticPatches(cfg.Vision, opts.numPatches, opts.patchSeed, false, backend)
	if err != nil {
		return err
	}

	gcfg := generate.DefaultGenerateConfig()
	gcfg.MaxTokens = opts.maxTokens
	gcfg.MinTokens = opts.minTokens
	gcfg.StopTokens = opts.stopTokens
	if opts.staticCache {
		gcfg.CacheCapacity = len(prompt) + opts.maxTokens
	}
	gcfg.Sampling.Temperature = opts.temperature
	gcfg.Sampling.TopK = opts.topK
	gcfg.Sampling.TopP = opts.topP
	gcfg.Sampling.MinP = opts.minP
	gcfg.Sampling.RepeatPenalty = opts.repeatPenalty
	gcfg.Sampling.Seed = opts.seed

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gen := generate.NewGenerator[cpuBackend](model, backend)
	res, err := gen.Generate(ctx, generate.Request[cpuBackend]{
		FlattenedPatches: patches,
		Prompt:           prompt,
		ImageSlots:       slots,
	}, gcfg)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		RunID  string  `json:"run_id"`
		Prompt []int64 `json:"prompt"`
		Tokens []int64 `json:"tokens"`
		Reason string  `json:"reason"`
	}{res.RunID, prompt, res.Tokens, res.Reason})
}
