package layer

import (
	"golang.org/x/exp/rand"

	"github.com/FlavioCFOliveira/GoTransduce/internal/tensor"
)

// Attention is additive (Bahdanau) attention:
//
//	score_j = vᵀ tanh(W_q·q + W_k·k_j + b)
//
// Padding positions are removed before normalization, so they receive
// exactly zero weight whatever their raw score.
type Attention struct {
	querySize int
	keySize   int
	hidden    int

	query *Linear
	key   *Linear
	v     *tensor.Param
}

// NewAttention creates an attention module projecting queries of querySize
// and keys of keySize into a hidden scoring space.
func NewAttention(name string, querySize, keySize, hidden int, rng *rand.Rand) *Attention {
	a := &Attention{
		querySize: querySize,
		keySize:   keySize,
		hidden:    hidden,
		query:     NewLinear(name+".query", querySize, hidden, false, rng),
		key:       NewLinear(name+".key", keySize, hidden, true, rng),
		v:         tensor.NewParam(name+".v", 1, hidden),
	}
	uniformInit(a.v, 1/float64(hidden), rng)
	return a
}

// Keys projects the values once per encoding; the result is reused by
// every decoding step.
func (a *Attention) Keys(g *tensor.Graph, values []*tensor.Tensor) []*tensor.Tensor {
	return a.key.ForwardSeq(g, values)
}

// Forward attends from q [B, querySize] over the projected keys. pad[b][j]
// is true where position j of example b is padding. It returns the context
// vector [B, valueSize] and the attention weights [B, S].
func (a *Attention) Forward(g *tensor.Graph, q *tensor.Tensor, keys, values []*tensor.Tensor, pad [][]bool) (*tensor.Tensor, *tensor.Tensor) {
	scores := g.AdditiveScores(a.query.Forward(g, q), keys, g.Param(a.v))
	weights := g.Softmax(scores, pad)
	return g.Attend(weights, values), weights
}

// Params returns all learnable parameters.
func (a *Attention) Params() []*tensor.Param {
	return append(Collect(a.query, a.key), a.v)
}
