// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides the building blocks of the kosmos transformer:
// attention with pluggable kernels, masks, key/value caches, sinusoidal
// positions, normalization and feed-forward layers.
package nn

import (
	"github.com/born-ml/kosmos/internal/nn"
	"github.com/born-ml/kosmos/tensor"
)

// Parameter represents a trainable parameter in a neural network.
type Parameter[B tensor.Backend] = nn.Parameter[B]

// Module interface defines the common interface for all neural network modules.
type Module[B tensor.Backend] = nn.Module[B]

// Strategy selects the attention kernel.
type Strategy = nn.Strategy

// Attention kernel strategies.
const (
	StrategyReference   Strategy = nn.StrategyReference
	StrategyFusedKernel Strategy = nn.StrategyFusedKernel
	StrategyNativeFused Strategy = nn.StrategyNativeFused
)

// ParseStrategy resolves a strategy name, accepting the Hugging Face
// spellings ("eager", "flash_attention_2", "sdpa").
func ParseStrategy(s string) (Strategy, error) {
	return nn.ParseStrategy(s)
}

// NormImplementation selects the normalization code path.
type NormImplementation = nn.NormImplementation

// Normalization implementations.
const (
	NormStandard NormImplementation = nn.NormStandard
	NormFused    NormImplementation = nn.NormFused
)

// Attention errors.
var (
	ErrMalformedMask = nn.ErrMalformedMask
	ErrMaskFormat    = nn.ErrMaskFormat
)

// IgnoreIndex is the label skipped by the cross-entropy loss.
const IgnoreIndex = nn.IgnoreIndex

// Attention layers

// AttentionConfig configures an attention layer.
type AttentionConfig = nn.AttentionConfig

// Attention is multi-head attention with q/k/v/out projections.
type Attention[B tensor.Backend] = nn.Attention[B]

// AttendInput is the input of Attention.Attend.
type AttendInput[B tensor.Backend] = nn.AttendInput[B]

// NewAttention creates an attention layer. It panics when the embedding
// width is not divisible by the number of heads.
//
// Example:
//
//	backend := cpu.New()
//	attn := nn.NewAttention(nn.AttentionConfig{EmbedDim: 64, NumHeads: 4, Causal: true}, backend)
func NewAttention[B tensor.Backend](cfg AttentionConfig, backend B) *Attention[B] {
	return nn.NewAttention(cfg, backend)
}

// Masks

// Mask is an additive attention mask, or nil bias for unmasked attention.
type Mask[B tensor.Backend] = nn.Mask[B]

// MaskRequest describes the causal mask to build.
type MaskRequest[B tensor.Backend] = nn.MaskRequest[B]

// BuildCausalMask builds the decoder mask for req.
func BuildCausalMask[B tensor.Backend](req MaskRequest[B]) (*Mask[B], error) {
	return nn.BuildCausalMask(req)
}

// BuildPaddingMask builds the bidirectional mask of a padded batch.
func BuildPaddingMask[B tensor.Backend](strategy Strategy, attention *tensor.Tensor[int64, B], queryLen int) *Mask[B] {
	return nn.BuildPaddingMask(strategy, attention, queryLen)
}

// Caches

// Cache is a per-layer key/value cache.
type Cache[B tensor.Backend] = nn.Cache[B]

// DynamicCache grows by concatenation.
type DynamicCache[B tensor.Backend] = nn.DynamicCache[B]

// StaticCache preallocates a fixed number of positions.
type StaticCache[B tensor.Backend] = nn.StaticCache[B]

// EncoderCache holds write-once cross-attention keys and values.
type EncoderCache[B tensor.Backend] = nn.EncoderCache[B]

// LayerKV is one layer of a legacy cache.
type LayerKV[B tensor.Backend] = nn.LayerKV[B]

// LegacyCache is the per-layer (key, value) list form of a cache.
type LegacyCache[B tensor.Backend] = nn.LegacyCache[B]

// NewDynamicCache creates an empty cache for numLayers layers.
func NewDynamicCache[B tensor.Backend](numLayers int) *DynamicCache[B] {
	return nn.NewDynamicCache[B](numLayers)
}

// NewStaticCache preallocates capacity positions per layer.
func NewStaticCache[B tensor.Backend](numLayers, batch, heads, capacity, headDim int, backend B) *StaticCache[B] {
	return nn.NewStaticCache(numLayers, batch, heads, capacity, headDim, backend)
}

// NewEncoderCache creates an empty cross-attention cache.
func NewEncoderCache[B tensor.Backend](numLayers int) *EncoderCache[B] {
	return nn.NewEncoderCache[B](numLayers)
}

// Positions

// SinusoidalTable is a growable table of sinusoidal position embeddings.
type SinusoidalTable[B tensor.Backend] = nn.SinusoidalTable[B]

// NewSinusoidalTable creates a table of numPositions rows of width dim.
func NewSinusoidalTable[B tensor.Backend](numPositions, dim, paddingIdx int, backend B) *SinusoidalTable[B] {
	return nn.NewSinusoidalTable(numPositions, dim, paddingIdx, backend)
}

// PositionIDsFromInputIDs numbers non-padding tokens from paddingIdx+1+past.
func PositionIDsFromInputIDs[B tensor.Backend](ids *tensor.Tensor[int64, B], paddingIdx, past int) *tensor.Tensor[int64, B] {
	return nn.PositionIDsFromInputIDs(ids, paddingIdx, past)
}

// Loss

// CrossEntropy is the mean cross-entropy of logits [N, vocab] against
// targets [N], skipping ignoreIndex.
func CrossEntropy[B tensor.Backend](logits *tensor.Tensor[float32, B], targets *tensor.Tensor[int64, B], ignoreIndex int64) *tensor.Tensor[float32, B] {
	return nn.CrossEntropy(logits, targets, ignoreIndex)
}
