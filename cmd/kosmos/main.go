// Command kosmos runs the Kosmos-2.5 transformer core on the CPU backend.
//
// Weights are initialized from a seed; the command exercises the model's
// shapes, kernels and caches rather than producing meaningful text.
//
// Usage:
//
//	kosmos forward --ids 0,10,11,2          # One forward pass, prints logits summary
//	kosmos generate --max-tokens 16         # Decode with a growing cache
//	kosmos config --config config.json      # Print the resolved configuration
//	kosmos version                          # Print the version
package main

import (
	"os"

	"github.com/born-ml/kosmos/cmd/kosmos/cmd"
)

// main.version is set with -ldflags at release time.
var version = "dev"

func main() {
	cmd.Version = version
	if err := cmd.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
