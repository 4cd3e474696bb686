// Package layer provides neural network layer implementations on top of the
// tensor engine.
package layer

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/FlavioCFOliveira/GoTransduce/internal/tensor"
)

// Module is anything that owns learnable parameters.
type Module interface {
	Params() []*tensor.Param
}

// Collect flattens the parameters of several modules, skipping nil ones.
func Collect(mods ...Module) []*tensor.Param {
	var params []*tensor.Param
	for _, m := range mods {
		if m == nil {
			continue
		}
		params = append(params, m.Params()...)
	}
	return params
}

// NewRNG creates a deterministic random source for initialization, dropout
// and sampling.
func NewRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// uniformInit fills p with values from U(-scale, scale).
func uniformInit(p *tensor.Param, scale float64, rng *rand.Rand) {
	dist := distuv.Uniform{Min: -scale, Max: scale, Src: rng}
	for i := range p.Value {
		p.Value[i] = dist.Rand()
	}
}

// normalInit fills p with values from N(0, std²).
func normalInit(p *tensor.Param, std float64, rng *rand.Rand) {
	dist := distuv.Normal{Mu: 0, Sigma: std, Src: rng}
	for i := range p.Value {
		p.Value[i] = dist.Rand()
	}
}

// Linear is a fully connected layer computing x·Wᵀ + b.
// Weights are stored row-major as [out, in], so the weight for output o and
// input i is at Value[o*in + i].
type Linear struct {
	inSize  int
	outSize int

	weights *tensor.Param
	biases  *tensor.Param
}

// NewLinear creates a linear layer with Xavier/Glorot initialization.
func NewLinear(name string, in, out int, bias bool, rng *rand.Rand) *Linear {
	l := &Linear{
		inSize:  in,
		outSize: out,
		weights: tensor.NewParam(name+".weight", out, in),
	}
	uniformInit(l.weights, math.Sqrt(6.0/float64(in+out)), rng)
	if bias {
		l.biases = tensor.NewParam(name+".bias", 1, out)
	}
	return l
}

// Forward maps x [B, in] to [B, out].
func (l *Linear) Forward(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
	y := g.MatMulT(x, g.Param(l.weights))
	if l.biases != nil {
		y = g.AddRow(y, g.Param(l.biases))
	}
	return y
}

// ForwardSeq applies the layer to every position of a sequence.
func (l *Linear) ForwardSeq(g *tensor.Graph, xs []*tensor.Tensor) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(xs))
	for t, x := range xs {
		out[t] = l.Forward(g, x)
	}
	return out
}

// Params returns the weight and (optional) bias parameters.
func (l *Linear) Params() []*tensor.Param {
	if l.biases == nil {
		return []*tensor.Param{l.weights}
	}
	return []*tensor.Param{l.weights, l.biases}
}

// InSize returns the input size of the layer.
func (l *Linear) InSize() int {
	return l.inSize
}

// OutSize returns the output size of the layer.
func (l *Linear) OutSize() int {
	return l.outSize
}

// Weights exposes the weight parameter.
func (l *Linear) Weights() *tensor.Param {
	return l.weights
}

// Biases exposes the bias parameter, or nil.
func (l *Linear) Biases() *tensor.Param {
	return l.biases
}
