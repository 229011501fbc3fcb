package cmd

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/born-ml/kosmos/internal/backend/cpu"
	"github.com/born-ml/kosmos/internal/kosmos"
	"github.com/born-ml/kosmos/internal/tensor"
)

type cpuBackend = *cpu.CPUBackend

func newBackend() cpuBackend { return cpu.New() }

// parseIDs parses a comma separated token id list such as "0,10,11,2".
func parseIDs(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// checkVocab rejects ids outside the vocabulary before they reach an
// embedding lookup.
func checkVocab(ids []int64, vocab int) error {
	for _, id := range ids {
		if id < 0 || int(id) >= vocab {
			return fmt.Errorf("%w: token id %d outside vocabulary of %d", kosmos.ErrInvalidInput, id, vocab)
		}
	}
	return nil
}

// syntheticPatches lays n patches out row-major on a near-square grid, with
// random pixel channels drawn from seed. blank zeroes every channel, which
// marks every patch as padding.
func syntheticPatches(cfg kosmos.VisionConfig, n int, seed int64, blank bool, backend cpuBackend) (*tensor.Tensor[float32, cpuBackend], error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: number of patches must be positive, got %d", kosmos.ErrInvalidInput, n)
	}
	width := 1
	for width*width < n {
		width++
	}
	if width > cfg.SeqLen {
		return nil, fmt.Errorf("%w: %d patches need a %dx%d grid but seq_len is %d", kosmos.ErrInvalidInput, n, width, width, cfg.SeqLen)
	}
	channels := 2 + cfg.PatchEmbedHiddenSize
	data := make([]float32, n*channels)
	if !blank {
		r := rand.New(rand.NewSource(seed)) //nolint:gosec // synthetic pixels
		for i := 0; i < n; i++ {
			row := data[i*channels : (i+1)*channels]
			row[0], row[1] = float32(i/width), float32(i%width)
			for j := 2; j < channels; j++ {
				row[j] = float32(r.NormFloat64())
			}
		}
	}
	return tensor.MustFromSlice(data, tensor.Shape{1, n, channels}, backend), nil
}

// imageSlots marks every position holding imageToken.
func imageSlots(ids []int64, imageToken int64) []int64 {
	slots := make([]int64, len(ids))
	for i, id := range ids {
		if id == imageToken {
			slots[i] = 1
		}
	}
	return slots
}

// argmax returns the index of the largest value.
func argmax(values []float32) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
