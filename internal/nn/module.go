// Package nn implements the neural network building blocks shared by the
// Kosmos vision encoder, text decoder and image-to-text bridge.
//
// This package provides:
//   - Module and Parameter: the composition primitives
//   - Linear, Embedding, LayerNorm, RMSNorm, Dropout and the feed-forward blocks
//   - SinusoidalTable: offset sinusoidal position embeddings that grow on demand
//   - Mask builders for causal and bidirectional attention
//   - Cache implementations for incremental decoding
//   - Attention with reference, fused-kernel and native-fused strategies
//
// Design inspired by PyTorch's nn.Module but adapted for Go generics.
package nn

import (
	"github.com/born-ml/kosmos/internal/tensor"
)

// Module is the base interface for all neural network components.
//
// Every NN module must implement:
//   - Forward: Compute output from input
//   - Parameters: Return all trainable parameters
//
// Type parameter B must satisfy the tensor.Backend interface.
type Module[B tensor.Backend] interface {
	// Forward computes the output of the module given an input tensor.
	Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]

	// Parameters returns all trainable parameters of this module.
	// Returns an empty slice for modules without parameters.
	Parameters() []*Parameter[B]
}

// Trainable is implemented by modules whose behavior differs between
// training and inference (dropout, attention-probability dropout).
type Trainable interface {
	SetTraining(training bool)
}

// SetTraining toggles training mode on every module that supports it.
func SetTraining(training bool, modules ...any) {
	for _, m := range modules {
		if t, ok := m.(Trainable); ok {
			t.SetTraining(training)
		}
	}
}

// CollectParameters concatenates the parameters of several modules.
func CollectParameters[B tensor.Backend](modules ...interface{ Parameters() []*Parameter[B] }) []*Parameter[B] {
	var params []*Parameter[B]
	for _, m := range modules {
		if m == nil {
			continue
		}
		params = append(params, m.Parameters()...)
	}
	return params
}
