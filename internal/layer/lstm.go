package layer

import (
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/FlavioCFOliveira/GoTransduce/internal/tensor"
)

// LSTMCell is a single Long Short-Term Memory layer.
//
// Gate layout of the 4H pre-activations: [input, forget, cell, output].
// The forget gate bias starts at 1.
type LSTMCell struct {
	inSize  int
	outSize int

	input     *Linear // x -> 4H, carries the bias
	recurrent *Linear // h -> 4H
}

// NewLSTMCell creates an LSTM cell.
func NewLSTMCell(name string, inSize, outSize int, rng *rand.Rand) *LSTMCell {
	c := &LSTMCell{
		inSize:    inSize,
		outSize:   outSize,
		input:     NewLinear(name+".input", inSize, 4*outSize, true, rng),
		recurrent: NewLinear(name+".recurrent", outSize, 4*outSize, false, rng),
	}
	bias := c.input.Biases().Value
	for i := outSize; i < 2*outSize; i++ {
		bias[i] = 1
	}
	return c
}

// Step advances the cell by one position.
func (c *LSTMCell) Step(g *tensor.Graph, x, hPrev, cPrev *tensor.Tensor) (h, cell *tensor.Tensor) {
	pre := g.Add(c.input.Forward(g, x), c.recurrent.Forward(g, hPrev))
	n := c.outSize
	i := g.Sigmoid(g.SliceCols(pre, 0, n))
	f := g.Sigmoid(g.SliceCols(pre, n, 2*n))
	cand := g.Tanh(g.SliceCols(pre, 2*n, 3*n))
	o := g.Sigmoid(g.SliceCols(pre, 3*n, 4*n))

	cell = g.Add(g.Mul(f, cPrev), g.Mul(i, cand))
	h = g.Mul(o, g.Tanh(cell))
	return h, cell
}

// Run applies the cell over a whole padded sequence.
//
// keep[t][b] is false where position t of example b is padding: the state
// is carried over unchanged and the output is zero. With reverse set the
// sequence is read right to left; since padding is on the right, the state
// stays at its initial value until the first real position.
func (c *LSTMCell) Run(g *tensor.Graph, xs []*tensor.Tensor, keep [][]bool, h0, c0 *tensor.Tensor, reverse bool) ([]*tensor.Tensor, *tensor.Tensor, *tensor.Tensor) {
	outs := make([]*tensor.Tensor, len(xs))
	h, cell := h0, c0
	for k := range xs {
		t := k
		if reverse {
			t = len(xs) - 1 - k
		}
		hNew, cNew := c.Step(g, xs[t], h, cell)
		if keep != nil && !allTrue(keep[t]) {
			outs[t] = g.Blend(hNew, g.Zeros(hNew.Rows, hNew.Cols), keep[t])
			hNew = g.Blend(hNew, h, keep[t])
			cNew = g.Blend(cNew, cell, keep[t])
		} else {
			outs[t] = hNew
		}
		h, cell = hNew, cNew
	}
	return outs, h, cell
}

// Params returns all learnable parameters of the cell.
func (c *LSTMCell) Params() []*tensor.Param {
	return Collect(c.input, c.recurrent)
}

// InSize returns the input size.
func (c *LSTMCell) InSize() int {
	return c.inSize
}

// OutSize returns the hidden size.
func (c *LSTMCell) OutSize() int {
	return c.outSize
}

// LSTMState holds hidden and cell states, one entry per layer.
type LSTMState struct {
	H []*tensor.Tensor
	C []*tensor.Tensor
}

// ZeroLSTMState returns an all-zero state for batch rows.
func ZeroLSTMState(g *tensor.Graph, layers, batch, hidden int) LSTMState {
	st := LSTMState{H: make([]*tensor.Tensor, layers), C: make([]*tensor.Tensor, layers)}
	for l := 0; l < layers; l++ {
		st.H[l] = g.Zeros(batch, hidden)
		st.C[l] = g.Zeros(batch, hidden)
	}
	return st
}

// Select reorders the batch rows of every layer's state.
func (s LSTMState) Select(g *tensor.Graph, rows []int) LSTMState {
	out := LSTMState{H: make([]*tensor.Tensor, len(s.H)), C: make([]*tensor.Tensor, len(s.C))}
	for l := range s.H {
		out.H[l] = g.Rows(s.H[l], rows)
		out.C[l] = g.Rows(s.C[l], rows)
	}
	return out
}

// Top returns the hidden state of the last layer.
func (s LSTMState) Top() *tensor.Tensor {
	return s.H[len(s.H)-1]
}

// LSTM is a stack of LSTM layers, optionally bidirectional, with dropout
// between layers.
type LSTM struct {
	forward  []*LSTMCell
	backward []*LSTMCell // nil unless bidirectional
	merge    Merge
	dropout  float64
	hidden   int
}

// NewLSTM creates a stack of layers LSTM layers.
func NewLSTM(name string, inSize, hidden, layers int, bidirectional bool, merge Merge, dropout float64, rng *rand.Rand) (*LSTM, error) {
	if layers < 1 {
		return nil, fmt.Errorf("lstm %s: need at least one layer, got %d", name, layers)
	}
	if bidirectional {
		if err := merge.Validate(); err != nil {
			return nil, fmt.Errorf("lstm %s: %w", name, err)
		}
	}
	l := &LSTM{merge: merge, dropout: dropout, hidden: hidden}
	in := inSize
	for k := 0; k < layers; k++ {
		l.forward = append(l.forward, NewLSTMCell(fmt.Sprintf("%s.l%d.fwd", name, k), in, hidden, rng))
		if bidirectional {
			l.backward = append(l.backward, NewLSTMCell(fmt.Sprintf("%s.l%d.bwd", name, k), in, hidden, rng))
		}
		in = l.OutSize()
	}
	return l, nil
}

// Layers returns the number of stacked layers.
func (l *LSTM) Layers() int {
	return len(l.forward)
}

// Hidden returns the per-direction hidden size.
func (l *LSTM) Hidden() int {
	return l.hidden
}

// Bidirectional reports whether the stack reads in both directions.
func (l *LSTM) Bidirectional() bool {
	return l.backward != nil
}

// OutSize returns the size of each output position.
func (l *LSTM) OutSize() int {
	if l.backward != nil && l.merge == MergeConcat {
		return 2 * l.hidden
	}
	return l.hidden
}

// Forward encodes a padded sequence. It returns the top-layer outputs per
// position and the final state per layer; for bidirectional stacks the
// final states of both directions are summed.
func (l *LSTM) Forward(g *tensor.Graph, xs []*tensor.Tensor, keep [][]bool, rng *rand.Rand) ([]*tensor.Tensor, LSTMState) {
	batch := 0
	if len(xs) > 0 {
		batch = xs[0].Rows
	}
	st := LSTMState{H: make([]*tensor.Tensor, len(l.forward)), C: make([]*tensor.Tensor, len(l.forward))}
	zero := g.Zeros(batch, l.hidden)
	seq := xs
	for k, cell := range l.forward {
		if k > 0 {
			seq = dropoutSeq(g, seq, l.dropout, rng)
		}
		fwd, h, c := cell.Run(g, seq, keep, zero, zero, false)
		if l.backward == nil {
			seq = fwd
			st.H[k], st.C[k] = h, c
			continue
		}
		bwd, hb, cb := l.backward[k].Run(g, seq, keep, zero, zero, true)
		seq = MergeSeq(g, l.merge, fwd, bwd)
		st.H[k], st.C[k] = g.Add(h, hb), g.Add(c, cb)
	}
	return seq, st
}

// Step advances a unidirectional stack by one position.
func (l *LSTM) Step(g *tensor.Graph, x *tensor.Tensor, st LSTMState, rng *rand.Rand) (*tensor.Tensor, LSTMState) {
	if l.backward != nil {
		panic("layer: Step on a bidirectional LSTM")
	}
	next := LSTMState{H: make([]*tensor.Tensor, len(l.forward)), C: make([]*tensor.Tensor, len(l.forward))}
	in := x
	for k, cell := range l.forward {
		if k > 0 {
			in = g.Dropout(in, l.dropout, rng)
		}
		next.H[k], next.C[k] = cell.Step(g, in, st.H[k], st.C[k])
		in = next.H[k]
	}
	return in, next
}

// Params returns all learnable parameters of the stack.
func (l *LSTM) Params() []*tensor.Param {
	var params []*tensor.Param
	for k := range l.forward {
		params = append(params, l.forward[k].Params()...)
		if l.backward != nil {
			params = append(params, l.backward[k].Params()...)
		}
	}
	return params
}

func allTrue(v []bool) bool {
	for _, b := range v {
		if !b {
			return false
		}
	}
	return true
}

func dropoutSeq(g *tensor.Graph, xs []*tensor.Tensor, p float64, rng *rand.Rand) []*tensor.Tensor {
	if p <= 0 || rng == nil {
		return xs
	}
	out := make([]*tensor.Tensor, len(xs))
	for t, x := range xs {
		out[t] = g.Dropout(x, p, rng)
	}
	return out
}
