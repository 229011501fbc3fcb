package nn

import (
	"math/rand"
	"sync"

	"github.com/born-ml/kosmos/internal/tensor"
)

// Dropout zeroes elements with probability p during training and rescales
// the survivors by 1/(1-p). In inference mode it is the identity.
type Dropout[B tensor.Backend] struct {
	p        float64
	training bool

	mu  sync.Mutex
	rng *rand.Rand
}

// NewDropout creates a dropout layer in inference mode.
func NewDropout[B tensor.Backend](p float64) *Dropout[B] {
	if p < 0 || p >= 1 {
		panic("NewDropout: probability must be in [0, 1)")
	}
	return &Dropout[B]{
		p:   p,
		rng: rand.New(rand.NewSource(rand.Int63())), //nolint:gosec // G404: dropout masks are not security-sensitive
	}
}

// SetTraining switches between training and inference behavior.
func (d *Dropout[B]) SetTraining(training bool) {
	d.training = training
}

// Training reports whether dropout is active.
func (d *Dropout[B]) Training() bool {
	return d.training
}

// P returns the drop probability.
func (d *Dropout[B]) P() float64 {
	return d.p
}

// Forward applies dropout to x.
func (d *Dropout[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if !d.training || d.p == 0 {
		return x
	}
	mask := tensor.Zeros[float32](x.Shape().Clone(), x.Backend())
	data := mask.Data()
	keep := float32(1 / (1 - d.p))
	d.mu.Lock()
	for i := range data {
		if d.rng.Float64() >= d.p {
			data[i] = keep
		}
	}
	d.mu.Unlock()
	return x.Mul(mask)
}

// Parameters returns nil; dropout has no parameters.
func (d *Dropout[B]) Parameters() []*Parameter[B] {
	return nil
}
