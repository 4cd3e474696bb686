package layer

import (
	"github.com/FlavioCFOliveira/GoTransduce/internal/tensor"
)

// LayerNorm implements layer normalization.
// Normalizes across feature dimensions (not batch dimension).
type LayerNorm struct {
	normalizedShape int
	eps             float64

	// Learnable scale and shift, [1, normalizedShape]
	gamma *tensor.Param
	beta  *tensor.Param
}

// NewLayerNorm creates a new layer normalization layer with gamma 1 and beta 0.
func NewLayerNorm(name string, normalizedShape int, eps float64) *LayerNorm {
	l := &LayerNorm{
		normalizedShape: normalizedShape,
		eps:             eps,
		gamma:           tensor.NewParam(name+".gamma", 1, normalizedShape),
		beta:            tensor.NewParam(name+".beta", 1, normalizedShape),
	}
	for i := range l.gamma.Value {
		l.gamma.Value[i] = 1
	}
	return l
}

// Forward normalizes each row of x.
func (l *LayerNorm) Forward(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
	return g.LayerNorm(x, g.Param(l.gamma), g.Param(l.beta), l.eps)
}

// ForwardSeq normalizes every position of a sequence.
func (l *LayerNorm) ForwardSeq(g *tensor.Graph, xs []*tensor.Tensor) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(xs))
	for t, x := range xs {
		out[t] = l.Forward(g, x)
	}
	return out
}

// Params returns gamma and beta.
func (l *LayerNorm) Params() []*tensor.Param {
	return []*tensor.Param{l.gamma, l.beta}
}
