package nn

import "errors"

var (
	// ErrMalformedMask is returned for an additive mask with a positive
	// entry. Additive masks must be inverted: 0 where attention is allowed,
	// large-negative elsewhere.
	ErrMalformedMask = errors.New("custom 4D attention mask should be passed in inverted form with max==0")

	// ErrMaskFormat is returned when a mask cannot be expressed in the form
	// the selected attention strategy accepts.
	ErrMaskFormat = errors.New("attention mask format not supported by strategy")
)
