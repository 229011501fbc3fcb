package nn

import (
	"fmt"

	"github.com/born-ml/kosmos/internal/tensor"
)

// Linear implements a fully connected (dense) layer.
//
// Performs the transformation: y = x @ W.T + b
// where:
//   - x: input tensor [..., in_features]
//   - W: weight matrix [out_features, in_features]
//   - b: optional bias vector [out_features]
//   - y: output tensor [..., out_features]
//
// Inputs of any rank ≥ 2 are accepted; leading dimensions are flattened for
// the matrix product and restored afterwards.
//
// Example:
//
//	backend := cpu.New()
//	layer := nn.NewLinear(784, 128, backend)
//	output := layer.Forward(input) // [batch, 784] -> [batch, 128]
type Linear[B tensor.Backend] struct {
	inFeatures  int
	outFeatures int
	weight      *Parameter[B]
	bias        *Parameter[B] // nil when the layer has no bias
	backend     B
}

// NewLinear creates a new linear layer with bias and Xavier initialization.
func NewLinear[B tensor.Backend](inFeatures, outFeatures int, backend B) *Linear[B] {
	l := NewLinearNoBias(inFeatures, outFeatures, backend)
	l.bias = NewParameter("bias", Zeros(tensor.Shape{outFeatures}, backend))
	return l
}

// NewLinearNoBias creates a linear layer without a bias term.
func NewLinearNoBias[B tensor.Backend](inFeatures, outFeatures int, backend B) *Linear[B] {
	if inFeatures <= 0 || outFeatures <= 0 {
		panic(fmt.Sprintf("NewLinear: features must be positive, got in=%d out=%d", inFeatures, outFeatures))
	}
	w := Xavier(inFeatures, outFeatures, tensor.Shape{outFeatures, inFeatures}, backend)
	return &Linear[B]{
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		weight:      NewParameter("weight", w),
		backend:     backend,
	}
}

// Forward computes the linear transformation.
func (l *Linear[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	if len(shape) < 2 || shape[len(shape)-1] != l.inFeatures {
		panic(fmt.Sprintf("Linear.Forward: expected input [..., %d], got %v", l.inFeatures, shape))
	}

	flat := input
	if len(shape) > 2 {
		flat = input.Reshape(-1, l.inFeatures)
	}

	output := flat.MatMul(l.weight.Tensor().T())
	if l.bias != nil {
		output = output.Add(l.bias.Tensor().Reshape(1, l.outFeatures))
	}

	if len(shape) > 2 {
		outShape := append(shape[:len(shape)-1].Clone(), l.outFeatures)
		output = output.Reshape(outShape...)
	}
	return output
}

// Parameters returns the weight and, when present, the bias.
func (l *Linear[B]) Parameters() []*Parameter[B] {
	if l.bias == nil {
		return []*Parameter[B]{l.weight}
	}
	return []*Parameter[B]{l.weight, l.bias}
}

// Weight returns the weight parameter [out_features, in_features].
func (l *Linear[B]) Weight() *Parameter[B] {
	return l.weight
}

// Bias returns the bias parameter, or nil.
func (l *Linear[B]) Bias() *Parameter[B] {
	return l.bias
}

// InFeatures returns the number of input features.
func (l *Linear[B]) InFeatures() int {
	return l.inFeatures
}

// OutFeatures returns the number of output features.
func (l *Linear[B]) OutFeatures() int {
	return l.outFeatures
}
