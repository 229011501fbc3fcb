package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/born-ml/kosmos/internal/generate"
	"github.com/born-ml/kosmos/internal/kosmos"
	"github.com/born-ml/kosmos/internal/tensor"
)

type forwardOptions struct {
	ids        string
	numPatches int
	patchSeed  int64
	blank      bool
	imageToken int64
}

func newForwardCommand(a *app) *cobra.Command {
	var opts forwardOptions
	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Run one forward pass over a synthetic image and print a logits summary",
		Long: `Run one forward pass of the model over synthetic image patches.

Without --ids the prompt is BOS followed by one image token per latent query,
and the image embeddings are spliced into those positions. With --ids every
occurrence of --image-token marks an image slot.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runForward(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.ids, "ids", "", "comma separated prompt token ids; default is an image prompt")
	f.IntVar(&opts.numPatches, "num-patches", 9, "number of synthetic image patches")
	f.Int64Var(&opts.patchSeed, "patch-seed", 7, "seed for synthetic patch pixels")
	f.BoolVar(&opts.blank, "blank", false, "use an all-padding image")
	f.Int64Var(&opts.imageToken, "image-token", 3, "token id placed at image slots")
	return cmd
}

func (a *app) runForward(cmd *cobra.Command, opts forwardOptions) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	ids, err := parseIDs(opts.ids)
	if err != nil {
		return err
	}
	var slots []int64
	if len(ids) == 0 {
		ids, slots = generate.ImagePrompt(cfg, opts.imageToken)
	} else {
		slots = imageSlots(ids, opts.imageToken)
	}
	if err := checkVocab(ids, cfg.Text.VocabSize); err != nil {
		return err
	}

	model, backend, err := a.newModel(cfg)
	if err != nil {
		return err
	}
	patches, err := syntheticPatches(cfg.Vision, opts.numPatches, opts.patchSeed, opts.blank, backend)
	if err != nil {
		return err
	}

	in := kosmos.Input[cpuBackend]{
		FlattenedPatches:        patches,
		InputIDs:                tensor.MustFromSlice(ids, tensor.Shape{1, len(ids)}, backend),
		ImageEmbedsPositionMask: tensor.MustFromSlice(slots, tensor.Shape{1, len(slots)}, backend),
	}

	start := time.Now()
	out, err := model.Forward(in)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	shape := out.Logits.Shape()
	vocab := shape[len(shape)-1]
	data := out.Logits.Data()
	next := make([]int, len(ids))
	for i := range next {
		next[i] = argmax(data[i*vocab : (i+1)*vocab])
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "logits:       %v\n", shape)
	fmt.Fprintf(w, "image embeds: %v\n", out.ImageEmbeds.Shape())
	fmt.Fprintf(w, "argmax:       %v\n", next)
	fmt.Fprintf(w, "elapsed:      %s\n", elapsed)
	return nil
}
