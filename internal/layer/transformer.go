package layer

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"github.com/FlavioCFOliveira/GoTransduce/internal/tensor"
)

// PositionalEncoding adds positional information to a sequence of embeddings.
type PositionalEncoding interface {
	Module
	// Forward adds the encoding of position offset+t to xs[t].
	Forward(g *tensor.Graph, xs []*tensor.Tensor, offset int) []*tensor.Tensor
}

// SinusoidalEncoding is the fixed sin/cos positional encoding.
type SinusoidalEncoding struct {
	dim   int
	cache [][]float64
}

// NewSinusoidalEncoding creates a sinusoidal encoding for vectors of size dim.
func NewSinusoidalEncoding(dim int) *SinusoidalEncoding {
	return &SinusoidalEncoding{dim: dim}
}

func (p *SinusoidalEncoding) row(pos int) []float64 {
	for len(p.cache) <= pos {
		t := float64(len(p.cache))
		r := make([]float64, p.dim)
		for i := 0; i < p.dim; i += 2 {
			freq := math.Pow(10000, -float64(i)/float64(p.dim))
			r[i] = math.Sin(t * freq)
			if i+1 < p.dim {
				r[i+1] = math.Cos(t * freq)
			}
		}
		p.cache = append(p.cache, r)
	}
	return p.cache[pos]
}

// Forward adds the sinusoid for each position.
func (p *SinusoidalEncoding) Forward(g *tensor.Graph, xs []*tensor.Tensor, offset int) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(xs))
	for t, x := range xs {
		out[t] = g.AddRow(x, g.Const(1, p.dim, p.row(offset+t)))
	}
	return out
}

// Params returns nothing: the encoding is fixed.
func (p *SinusoidalEncoding) Params() []*tensor.Param { return nil }

// LearnedEncoding is a trainable table of position vectors. Positions past
// the end of the table reuse its last row.
type LearnedEncoding struct {
	maxLen  int
	dim     int
	weights *tensor.Param
}

// NewLearnedEncoding creates a learned encoding for up to maxLen positions.
func NewLearnedEncoding(name string, maxLen, dim int, rng *rand.Rand) *LearnedEncoding {
	p := &LearnedEncoding{
		maxLen:  maxLen,
		dim:     dim,
		weights: tensor.NewParam(name+".weight", maxLen, dim),
	}
	normalInit(p.weights, 0.02, rng)
	return p
}

// Forward adds the learned vector for each position.
func (p *LearnedEncoding) Forward(g *tensor.Graph, xs []*tensor.Tensor, offset int) []*tensor.Tensor {
	table := g.Param(p.weights)
	out := make([]*tensor.Tensor, len(xs))
	for t, x := range xs {
		pos := offset + t
		if pos >= p.maxLen {
			pos = p.maxLen - 1
		}
		out[t] = g.AddRow(x, g.Rows(table, []int{pos}))
	}
	return out
}

// Params returns the position table.
func (p *LearnedEncoding) Params() []*tensor.Param {
	return []*tensor.Param{p.weights}
}

// MultiHeadAttention implements scaled dot-product multi-head attention.
type MultiHeadAttention struct {
	dim      int
	numHeads int
	headDim  int

	wq, wk, wv, wo *Linear
}

// NewMultiHeadAttention creates an attention module; dim must be divisible
// by numHeads.
func NewMultiHeadAttention(name string, dim, numHeads int, rng *rand.Rand) (*MultiHeadAttention, error) {
	if numHeads < 1 || dim%numHeads != 0 {
		return nil, fmt.Errorf("multi-head attention %s: dimension %d is not divisible by %d heads", name, dim, numHeads)
	}
	return &MultiHeadAttention{
		dim:      dim,
		numHeads: numHeads,
		headDim:  dim / numHeads,
		wq:       NewLinear(name+".q", dim, dim, true, rng),
		wk:       NewLinear(name+".k", dim, dim, true, rng),
		wv:       NewLinear(name+".v", dim, dim, true, rng),
		wo:       NewLinear(name+".o", dim, dim, true, rng),
	}, nil
}

// Forward attends from every query position over memory.
//
// pad[b][j] marks padding in memory. With causal set, query position t may
// only see memory positions j <= t (self-attention over a prefix). The
// second result holds, per query position, the attention weights averaged
// over heads, [B, len(memory)].
func (m *MultiHeadAttention) Forward(g *tensor.Graph, queries, memory []*tensor.Tensor, pad [][]bool, causal bool) ([]*tensor.Tensor, []*tensor.Tensor) {
	keys := m.wk.ForwardSeq(g, memory)
	values := m.wv.ForwardSeq(g, memory)
	hk := make([][]*tensor.Tensor, m.numHeads)
	hv := make([][]*tensor.Tensor, m.numHeads)
	for h := 0; h < m.numHeads; h++ {
		from, to := h*m.headDim, (h+1)*m.headDim
		hk[h] = make([]*tensor.Tensor, len(memory))
		hv[h] = make([]*tensor.Tensor, len(memory))
		for j := range memory {
			hk[h][j] = g.SliceCols(keys[j], from, to)
			hv[h][j] = g.SliceCols(values[j], from, to)
		}
	}

	scale := 1 / math.Sqrt(float64(m.headDim))
	outs := make([]*tensor.Tensor, len(queries))
	weights := make([]*tensor.Tensor, len(queries))
	for t, x := range queries {
		q := m.wq.Forward(g, x)
		mask := attentionMask(pad, x.Rows, len(memory), t, causal)
		heads := make([]*tensor.Tensor, m.numHeads)
		headWeights := make([]*tensor.Tensor, m.numHeads)
		for h := 0; h < m.numHeads; h++ {
			qh := g.SliceCols(q, h*m.headDim, (h+1)*m.headDim)
			w := g.Softmax(g.DotScores(qh, hk[h], scale), mask)
			heads[h] = g.Attend(w, hv[h])
			headWeights[h] = w
		}
		outs[t] = m.wo.Forward(g, g.Concat(heads...))
		if m.numHeads == 1 {
			weights[t] = headWeights[0]
		} else {
			weights[t] = g.Scale(g.AddN(headWeights...), 1/float64(m.numHeads))
		}
	}
	return outs, weights
}

// attentionMask combines memory padding with the causal constraint. It
// returns nil when nothing is masked.
func attentionMask(pad [][]bool, batch, width, t int, causal bool) [][]bool {
	if pad == nil && (!causal || t >= width-1) {
		return nil
	}
	mask := make([][]bool, batch)
	for b := range mask {
		row := make([]bool, width)
		for j := range row {
			row[j] = (pad != nil && pad[b][j]) || (causal && j > t)
		}
		mask[b] = row
	}
	return mask
}

// Params returns all learnable parameters.
func (m *MultiHeadAttention) Params() []*tensor.Param {
	return Collect(m.wq, m.wk, m.wv, m.wo)
}

// FeedForward is the position-wise two-layer ReLU network of a transformer
// block.
type FeedForward struct {
	in  *Linear
	out *Linear
}

// NewFeedForward creates a feed-forward network dim -> hidden -> dim.
func NewFeedForward(name string, dim, hidden int, rng *rand.Rand) *FeedForward {
	return &FeedForward{
		in:  NewLinear(name+".in", dim, hidden, true, rng),
		out: NewLinear(name+".out", hidden, dim, true, rng),
	}
}

// Forward applies the network to x.
func (f *FeedForward) Forward(g *tensor.Graph, x *tensor.Tensor, drop *Dropout, rng *rand.Rand) *tensor.Tensor {
	return f.out.Forward(g, drop.Forward(g, g.ReLU(f.in.Forward(g, x)), rng))
}

// Params returns all learnable parameters.
func (f *FeedForward) Params() []*tensor.Param {
	return Collect(f.in, f.out)
}

// TransformerBlock is a pre-norm transformer layer: self-attention,
// optional cross-attention into a memory, and a feed-forward network, each
// wrapped in a residual connection.
type TransformerBlock struct {
	selfAttn  *MultiHeadAttention
	crossAttn *MultiHeadAttention // nil for encoder blocks
	ff        *FeedForward
	norms     []*LayerNorm
	drop      *Dropout
	causal    bool
}

// NewTransformerBlock creates an encoder block, or a decoder block (causal
// self-attention plus cross-attention) when decoder is set.
func NewTransformerBlock(name string, dim, numHeads, ffDim int, dropout float64, decoder bool, rng *rand.Rand) (*TransformerBlock, error) {
	self, err := NewMultiHeadAttention(name+".self", dim, numHeads, rng)
	if err != nil {
		return nil, err
	}
	t := &TransformerBlock{
		selfAttn: self,
		ff:       NewFeedForward(name+".ff", dim, ffDim, rng),
		drop:     NewDropout(dropout),
		causal:   decoder,
		norms: []*LayerNorm{
			NewLayerNorm(name+".norm1", dim, 1e-5),
			NewLayerNorm(name+".norm2", dim, 1e-5),
		},
	}
	if decoder {
		if t.crossAttn, err = NewMultiHeadAttention(name+".cross", dim, numHeads, rng); err != nil {
			return nil, err
		}
		t.norms = append(t.norms, NewLayerNorm(name+".norm3", dim, 1e-5))
	}
	return t, nil
}

// Forward runs the block. selfPad masks padding within xs; memory and
// memoryPad are only used by decoder blocks. The returned weights are the
// cross-attention weights per position (nil for encoder blocks).
func (t *TransformerBlock) Forward(g *tensor.Graph, xs []*tensor.Tensor, selfPad [][]bool, memory []*tensor.Tensor, memoryPad [][]bool, rng *rand.Rand) ([]*tensor.Tensor, []*tensor.Tensor) {
	normed := t.norms[0].ForwardSeq(g, xs)
	attn, _ := t.selfAttn.Forward(g, normed, normed, selfPad, t.causal)
	xs = t.residual(g, xs, attn, rng)

	var weights []*tensor.Tensor
	next := 1
	if t.crossAttn != nil {
		normed = t.norms[next].ForwardSeq(g, xs)
		next++
		var cross []*tensor.Tensor
		cross, weights = t.crossAttn.Forward(g, normed, memory, memoryPad, false)
		xs = t.residual(g, xs, cross, rng)
	}

	normed = t.norms[next].ForwardSeq(g, xs)
	ff := make([]*tensor.Tensor, len(xs))
	for i, x := range normed {
		ff[i] = t.ff.Forward(g, x, t.drop, rng)
	}
	return t.residual(g, xs, ff, rng), weights
}

func (t *TransformerBlock) residual(g *tensor.Graph, xs, ys []*tensor.Tensor, rng *rand.Rand) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(xs))
	for i := range xs {
		out[i] = g.Add(xs[i], t.drop.Forward(g, ys[i], rng))
	}
	return out
}

// Params returns all learnable parameters.
func (t *TransformerBlock) Params() []*tensor.Param {
	params := Collect(t.selfAttn, t.ff)
	if t.crossAttn != nil {
		params = append(params, t.crossAttn.Params()...)
	}
	for _, n := range t.norms {
		params = append(params, n.Params()...)
	}
	return params
}

// TransformerStack is a stack of blocks followed by a final layer norm.
type TransformerStack struct {
	blocks []*TransformerBlock
	norm   *LayerNorm
}

// NewTransformerStack creates layers blocks of the given kind.
func NewTransformerStack(name string, layers, dim, numHeads, ffDim int, dropout float64, decoder bool, rng *rand.Rand) (*TransformerStack, error) {
	if layers < 1 {
		return nil, fmt.Errorf("transformer %s: need at least one layer, got %d", name, layers)
	}
	s := &TransformerStack{norm: NewLayerNorm(name+".norm", dim, 1e-5)}
	for k := 0; k < layers; k++ {
		b, err := NewTransformerBlock(fmt.Sprintf("%s.l%d", name, k), dim, numHeads, ffDim, dropout, decoder, rng)
		if err != nil {
			return nil, err
		}
		s.blocks = append(s.blocks, b)
	}
	return s, nil
}

// Forward runs every block. The cross-attention weights of the last block
// are returned for decoder stacks.
func (s *TransformerStack) Forward(g *tensor.Graph, xs []*tensor.Tensor, selfPad [][]bool, memory []*tensor.Tensor, memoryPad [][]bool, rng *rand.Rand) ([]*tensor.Tensor, []*tensor.Tensor) {
	var weights []*tensor.Tensor
	for _, b := range s.blocks {
		xs, weights = b.Forward(g, xs, selfPad, memory, memoryPad, rng)
	}
	return s.norm.ForwardSeq(g, xs), weights
}

// Params returns all learnable parameters.
func (s *TransformerStack) Params() []*tensor.Param {
	params := s.norm.Params()
	for _, b := range s.blocks {
		params = append(params, b.Params()...)
	}
	return params
}

// GlobalAveragePooling1D averages a padded sequence over its real
// positions, giving [B, D]. Rows with no real positions come out zero.
func GlobalAveragePooling1D(g *tensor.Graph, xs []*tensor.Tensor, pad [][]bool) *tensor.Tensor {
	batch, dim := xs[0].Rows, xs[0].Cols
	counts := make([]float64, batch)
	parts := make([]*tensor.Tensor, len(xs))
	for t, x := range xs {
		keep := make([]bool, batch)
		for b := range keep {
			keep[b] = pad == nil || !pad[b][t]
			if keep[b] {
				counts[b]++
			}
		}
		parts[t] = g.Blend(x, g.Zeros(batch, dim), keep)
	}
	for b, c := range counts {
		if c > 0 {
			counts[b] = 1 / c
		}
	}
	return g.MulCol(g.AddN(parts...), g.Const(batch, 1, counts))
}
