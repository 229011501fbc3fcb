package nn

import (
	"fmt"

	"github.com/born-ml/kosmos/internal/tensor"
)

// Parameter is a named tensor owned by a module.
//
// Weights are loaded or overwritten through SetTensor, which checks that the
// replacement keeps the declared shape.
//
// Example:
//
//	w := tensor.Randn[float32](tensor.Shape{128, 64}, backend)
//	param := nn.NewParameter("weight", w)
type Parameter[B tensor.Backend] struct {
	name   string
	tensor *tensor.Tensor[float32, B]
}

// NewParameter creates a new parameter.
func NewParameter[B tensor.Backend](name string, t *tensor.Tensor[float32, B]) *Parameter[B] {
	return &Parameter[B]{
		name:   name,
		tensor: t,
	}
}

// Name returns the parameter's name.
func (p *Parameter[B]) Name() string {
	return p.name
}

// Tensor returns the parameter's tensor.
func (p *Parameter[B]) Tensor() *tensor.Tensor[float32, B] {
	return p.tensor
}

// SetTensor replaces the parameter's value. The shape must not change.
func (p *Parameter[B]) SetTensor(t *tensor.Tensor[float32, B]) error {
	if !t.Shape().Equal(p.tensor.Shape()) {
		return fmt.Errorf("parameter %q: shape %v does not match %v", p.name, t.Shape(), p.tensor.Shape())
	}
	p.tensor = t
	return nil
}

// NumElements returns the number of scalars held by the parameter.
func (p *Parameter[B]) NumElements() int {
	return p.tensor.NumElements()
}

// CountParameters sums the element counts of params.
func CountParameters[B tensor.Backend](params []*Parameter[B]) int {
	n := 0
	for _, p := range params {
		n += p.NumElements()
	}
	return n
}
