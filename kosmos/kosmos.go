// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package kosmos provides the Kosmos-2.5 multimodal transformer: a vision
// encoder over flattened image patches, a latent-query projection, and a
// causal text decoder with a tied language-model head.
//
// Example:
//
//	backend := cpu.New()
//	cfg, err := kosmos.LoadConfig("config.json")
//	if err != nil {
//	    return err
//	}
//	model, err := kosmos.NewForConditionalGeneration(cfg, backend)
//	if err != nil {
//	    return err
//	}
//	out, err := model.Forward(kosmos.Input[*cpu.Backend]{
//	    FlattenedPatches:        patches,
//	    InputIDs:                ids,
//	    ImageEmbedsPositionMask: slots,
//	})
package kosmos

import (
	"github.com/born-ml/kosmos/internal/kosmos"
	"github.com/born-ml/kosmos/tensor"
)

// Configuration

// Config is the full model configuration, with Hugging Face field names.
type Config = kosmos.Config

// VisionConfig configures the patch encoder.
type VisionConfig = kosmos.VisionConfig

// TextConfig configures the decoder.
type TextConfig = kosmos.TextConfig

// DefaultConfig returns the published Kosmos-2.5 sizes.
func DefaultConfig() Config { return kosmos.DefaultConfig() }

// TinyConfig returns a small configuration for tests and demos.
func TinyConfig() Config { return kosmos.TinyConfig() }

// LoadConfig reads a JSON config file over the defaults and applies
// KOSMOS_* environment overrides. An empty path loads the defaults.
func LoadConfig(path string) (Config, error) { return kosmos.LoadConfig(path) }

// Errors returned for invalid inputs and configurations.
var (
	ErrMissingImageInput = kosmos.ErrMissingImageInput
	ErrMissingTextInput  = kosmos.ErrMissingTextInput
	ErrConflictingInputs = kosmos.ErrConflictingInputs
	ErrImageSlotMismatch = kosmos.ErrImageSlotMismatch
	ErrInvalidInput      = kosmos.ErrInvalidInput
	ErrInvalidConfig     = kosmos.ErrInvalidConfig
)

// Models

// Model is the vision tower, the projection and the decoder.
type Model[B tensor.Backend] = kosmos.Model[B]

// ForConditionalGeneration adds the tied language-model head.
type ForConditionalGeneration[B tensor.Backend] = kosmos.ForConditionalGeneration[B]

// Input is the input of a model forward pass.
type Input[B tensor.Backend] = kosmos.Input[B]

// Output is the result of a model forward pass.
type Output[B tensor.Backend] = kosmos.Output[B]

// VisionInput is the input of the vision tower.
type VisionInput[B tensor.Backend] = kosmos.VisionInput[B]

// EncoderOutput is the output of the vision tower.
type EncoderOutput[B tensor.Backend] = kosmos.EncoderOutput[B]

// GenerationState is what a decoding loop carries between steps.
type GenerationState[B tensor.Backend] = kosmos.GenerationState[B]

// NewModel validates cfg and builds the model without an LM head.
func NewModel[B tensor.Backend](cfg Config, backend B) (*Model[B], error) {
	return kosmos.NewModel(cfg, backend)
}

// NewForConditionalGeneration validates cfg and builds the model.
func NewForConditionalGeneration[B tensor.Backend](cfg Config, backend B) (*ForConditionalGeneration[B], error) {
	return kosmos.NewForConditionalGeneration(cfg, backend)
}

// PatchMask marks patches whose channels do not sum to zero.
func PatchMask[B tensor.Backend](patches *tensor.Tensor[float32, B]) *tensor.Tensor[int64, B] {
	return kosmos.PatchMask(patches)
}

// CrossEntropyLoss is the shifted next-token loss.
func CrossEntropyLoss[B tensor.Backend](logits *tensor.Tensor[float32, B], labels *tensor.Tensor[int64, B]) (*tensor.Tensor[float32, B], error) {
	return kosmos.CrossEntropyLoss(logits, labels)
}
