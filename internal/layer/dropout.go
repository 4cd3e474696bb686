package layer

import (
	"golang.org/x/exp/rand"

	"github.com/FlavioCFOliveira/GoTransduce/internal/tensor"
)

// Dropout implements dropout regularization.
// During training, randomly sets inputs to 0 with probability p.
// A nil random source means inference: inputs pass through unchanged.
type Dropout struct {
	// Probability of dropping a unit
	p float64
}

// NewDropout creates a new dropout layer.
func NewDropout(p float64) *Dropout {
	return &Dropout{p: p}
}

// Rate returns the drop probability.
func (d *Dropout) Rate() float64 {
	return d.p
}

// Forward applies dropout to x.
func (d *Dropout) Forward(g *tensor.Graph, x *tensor.Tensor, rng *rand.Rand) *tensor.Tensor {
	return g.Dropout(x, d.p, rng)
}

// ForwardSeq applies dropout to every position of a sequence.
func (d *Dropout) ForwardSeq(g *tensor.Graph, xs []*tensor.Tensor, rng *rand.Rand) []*tensor.Tensor {
	return dropoutSeq(g, xs, d.p, rng)
}
