package kosmos

import (
	"fmt"

	"github.com/born-ml/kosmos/internal/nn"
	"github.com/born-ml/kosmos/internal/tensor"
)

// GenerationState is what a decoding loop carries between steps.
type GenerationState[B tensor.Backend] struct {
	// InputIDs holds every token so far, prompt included [batch, len].
	InputIDs *tensor.Tensor[int64, B]
	// ImageEmbeds are the projected image embeddings; only the first step
	// reads them.
	ImageEmbeds             *tensor.Tensor[float32, B]
	ImageEmbedsPositionMask *tensor.Tensor[int64, B]
	// AttentionMask covers InputIDs; nil attends to every token.
	AttentionMask *tensor.Tensor[int64, B]
	Cache         nn.Cache[B]
}

// PrepareInputsForGeneration builds the next step's input. Once the cache
// holds earlier tokens only the last token is fed, with its position derived
// from the whole sequence, and the image inputs are dropped because they are
// already encoded in the cache. Before that, the image-slot mask is padded
// with zeros to cover tokens generated after the prompt.
func (m *ForConditionalGeneration[B]) PrepareInputsForGeneration(state GenerationState[B]) (Input[B], error) {
	ids := state.InputIDs
	if ids == nil {
		return Input[B]{}, ErrMissingTextInput
	}
	s := ids.Shape()
	if len(s) != 2 {
		return Input[B]{}, fmt.Errorf("%w: input_ids must be [batch, seq], got %v", ErrInvalidInput, s)
	}
	batch, length := s[0], s[1]

	attention := state.AttentionMask
	if attention == nil {
		attention = tensor.Ones[int64](tensor.Shape{batch, length}, ids.Backend())
	}
	in := Input[B]{
		InputIDs:      ids,
		AttentionMask: attention,
		Cache:         state.Cache,
		UseCache:      true,
	}

	if state.Cache != nil && state.Cache.NumLayers() > 0 && state.Cache.SeqLength(0) > 0 {
		positions := nn.PositionIDsFromInputIDs(ids, m.cfg.Text.PadTokenID, 0)
		in.PositionIDs = positions.Narrow(1, length-1, 1)
		in.InputIDs = ids.Narrow(1, length-1, 1)
		return in, nil
	}

	in.ImageEmbeds = state.ImageEmbeds
	slots := state.ImageEmbedsPositionMask
	if slots != nil {
		ss := slots.Shape()
		if len(ss) != 2 || ss[0] != batch || ss[1] > length {
			return Input[B]{}, fmt.Errorf("%w: image position mask %v for input %v", ErrImageSlotMismatch, ss, s)
		}
		if ss[1] < length {
			pad := tensor.Zeros[int64](tensor.Shape{batch, length - ss[1]}, ids.Backend())
			slots = tensor.Cat([]*tensor.Tensor[int64, B]{slots, pad}, 1)
		}
	}
	in.ImageEmbedsPositionMask = slots
	return in, nil
}

// ReorderCache reorders the cache along the batch axis for beam search and
// returns it.
func ReorderCache[B tensor.Backend](cache nn.Cache[B], beamIdx *tensor.Tensor[int64, B]) nn.Cache[B] {
	cache.Reorder(beamIdx)
	return cache
}

// ReorderLegacyCache returns a copy of cache with every key and value
// reordered along the batch axis.
func ReorderLegacyCache[B tensor.Backend](cache nn.LegacyCache[B], beamIdx *tensor.Tensor[int64, B]) nn.LegacyCache[B] {
	out := make(nn.LegacyCache[B], len(cache))
	for i, kv := range cache {
		out[i] = nn.LayerKV[B]{
			Key:   kv.Key.IndexSelect(0, beamIdx.Raw()),
			Value: kv.Value.IndexSelect(0, beamIdx.Raw()),
		}
	}
	return out
}
