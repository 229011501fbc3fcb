package nn

import (
	"github.com/born-ml/kosmos/internal/tensor"
)

// GatedFFN is the bias-free gated feed-forward block of the vision encoder:
//
//	out = Wo(dropout(act(Wi0·x) ⊙ Wi1·x))
//
// Example:
//
//	ffn := nn.NewGatedFFN(1536, 3968, 0.0, nn.GELUTanh[*cpu.CPUBackend], backend)
//	out := ffn.Forward(x) // [b, n, 1536]
type GatedFFN[B tensor.Backend] struct {
	wi0     *Linear[B]
	wi1     *Linear[B]
	wo      *Linear[B]
	dropout *Dropout[B]
	act     Activation[B]
}

// NewGatedFFN creates a gated FFN mapping dim -> hidden -> dim.
func NewGatedFFN[B tensor.Backend](dim, hidden int, dropout float64, act Activation[B], backend B) *GatedFFN[B] {
	return &GatedFFN[B]{
		wi0:     NewLinearNoBias(dim, hidden, backend),
		wi1:     NewLinearNoBias(dim, hidden, backend),
		wo:      NewLinearNoBias(hidden, dim, backend),
		dropout: NewDropout[B](dropout),
		act:     act,
	}
}

// Forward applies the gated projection.
func (f *GatedFFN[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	gate := f.act(f.wi0.Forward(x))
	h := gate.Mul(f.wi1.Forward(x))
	return f.wo.Forward(f.dropout.Forward(h))
}

// SetTraining toggles dropout.
func (f *GatedFFN[B]) SetTraining(training bool) { f.dropout.SetTraining(training) }

// Parameters returns the three projection weights.
func (f *GatedFFN[B]) Parameters() []*Parameter[B] {
	return CollectParameters[B](f.wi0, f.wi1, f.wo)
}

// FFN is the text decoder's feed-forward block. A LayerNorm sits between the
// two projections:
//
//	out = dropout(fc2(norm(dropout_act(act(fc1·x)))))
type FFN[B tensor.Backend] struct {
	fc1        *Linear[B]
	fc2        *Linear[B]
	norm       *LayerNorm[B]
	actDropout *Dropout[B]
	dropout    *Dropout[B]
	act        Activation[B]
}

// FFNConfig describes a text feed-forward block.
type FFNConfig struct {
	Dim               int
	Hidden            int
	Dropout           float64
	ActivationDropout float64
	LayerNormEps      float64
	Norm              NormImplementation
}

// NewFFN creates a text feed-forward block.
func NewFFN[B tensor.Backend](cfg FFNConfig, act Activation[B], backend B) *FFN[B] {
	return &FFN[B]{
		fc1:        NewLinear(cfg.Dim, cfg.Hidden, backend),
		fc2:        NewLinear(cfg.Hidden, cfg.Dim, backend),
		norm:       NewLayerNormWith(cfg.Hidden, cfg.LayerNormEps, cfg.Norm, backend),
		actDropout: NewDropout[B](cfg.ActivationDropout),
		dropout:    NewDropout[B](cfg.Dropout),
		act:        act,
	}
}

// Forward applies the block.
func (f *FFN[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	h := f.actDropout.Forward(f.act(f.fc1.Forward(x)))
	h = f.fc2.Forward(f.norm.Forward(h))
	return f.dropout.Forward(h)
}

// SetTraining toggles both dropouts.
func (f *FFN[B]) SetTraining(training bool) {
	f.actDropout.SetTraining(training)
	f.dropout.SetTraining(training)
}

// Parameters returns fc1, the inner norm and fc2.
func (f *FFN[B]) Parameters() []*Parameter[B] {
	return CollectParameters[B](f.fc1, f.norm, f.fc2)
}
