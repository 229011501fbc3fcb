package kosmos

import "errors"

// Caller-input errors. Forward methods wrap them with context; match with
// errors.Is.
var (
	// ErrMissingImageInput is returned when neither flattened patches nor
	// precomputed image embeddings are given and no cache holds the image.
	ErrMissingImageInput = errors.New("you have to specify either flattened_patches or image_embeds")

	// ErrMissingTextInput is returned when neither input ids nor input
	// embeddings are given.
	ErrMissingTextInput = errors.New("you have to specify either input_ids or inputs_embeds")

	// ErrConflictingInputs is returned when two mutually exclusive inputs
	// are given together.
	ErrConflictingInputs = errors.New("mutually exclusive inputs specified together")

	// ErrImageSlotMismatch is returned when the image-slot mask does not
	// mark exactly one position per image embedding row.
	ErrImageSlotMismatch = errors.New("image slot count does not match image embeddings")

	// ErrInvalidInput is returned for tensors of the wrong rank or width.
	ErrInvalidInput = errors.New("invalid input tensor")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid kosmos config")
)
