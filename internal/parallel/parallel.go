// Package parallel provides bounded fan-out helpers for CPU kernels.
package parallel

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Upper bound on concurrently running workers.
	MinChunkSize int  // Minimum items per worker to avoid overhead.
}

// DefaultConfig returns defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 1,
	}
}

// Sequential returns a configuration that never spawns goroutines.
func Sequential() Config {
	return Config{Enabled: false, NumWorkers: 1, MinChunkSize: 1}
}

// For executes f(i) for i in [0, n). Work is split into contiguous chunks of
// at least MinChunkSize items and run on at most NumWorkers goroutines.
// Each index is visited exactly once; f must not write shared state outside
// its own index range.
func For(n int, f func(i int), cfg Config) {
	workers := cfg.NumWorkers
	if workers < 1 {
		workers = 1
	}
	minChunk := max(cfg.MinChunkSize, 1)
	if !cfg.Enabled || workers == 1 || n <= minChunk {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	chunk := max((n+workers-1)/workers, minChunk)
	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < n; start += chunk {
		s, e := start, min(start+chunk, n)
		g.Go(func() error {
			for i := s; i < e; i++ {
				f(i)
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never return errors
}

// ForBatch iterates the batch × heads grid used by attention kernels.
func ForBatch(batch, heads int, f func(b, h int), cfg Config) {
	For(batch*heads, func(k int) {
		f(k/heads, k%heads)
	}, cfg)
}
