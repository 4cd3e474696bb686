// Package tensor provides a small reverse-mode automatic differentiation
// engine over dense row-major matrices.
//
// Every value in a model step is a [rows, cols] Tensor. Batches are laid out
// with one example per row, so a whole batch advances through an operation in
// lock-step. Operations are recorded on a Graph; calling Backward on a scalar
// loss propagates gradients back into the Params that produced it.
package tensor

import (
	"errors"
	"fmt"
	"math"
)

// ErrNotScalar is returned when Backward is called on a non-scalar tensor.
var ErrNotScalar = errors.New("tensor: backward requires a 1x1 tensor")

// Tensor is a node of a computation graph.
type Tensor struct {
	Rows int
	Cols int

	// Data is row-major: element (r, c) is at Data[r*Cols+c].
	Data []float64

	// Grad has the same layout as Data. It is nil for tensors that do not
	// depend on any parameter (or when the graph is not recording).
	Grad []float64

	backward func()
}

// RequiresGrad reports whether gradients flow into this tensor.
func (t *Tensor) RequiresGrad() bool {
	return t.Grad != nil
}

// OnBackward registers the function that propagates t.Grad into the
// parents of t. It is a no-op for tensors that do not require gradients.
func (t *Tensor) OnBackward(fn func()) {
	if t.Grad != nil {
		t.backward = fn
	}
}

// At returns element (r, c).
func (t *Tensor) At(r, c int) float64 {
	return t.Data[r*t.Cols+c]
}

// Row returns row r as a slice aliasing Data.
func (t *Tensor) Row(r int) []float64 {
	return t.Data[r*t.Cols : (r+1)*t.Cols]
}

// GradRow returns row r of the gradient, or nil.
func (t *Tensor) GradRow(r int) []float64 {
	if t.Grad == nil {
		return nil
	}
	return t.Grad[r*t.Cols : (r+1)*t.Cols]
}

// Scalar returns the value of a 1x1 tensor.
func (t *Tensor) Scalar() float64 {
	return t.Data[0]
}

// Shape returns (rows, cols).
func (t *Tensor) Shape() (int, int) {
	return t.Rows, t.Cols
}

// Param is a learnable parameter matrix. Gradients accumulate into Grad
// across Backward calls until ZeroGrad is called.
type Param struct {
	Name  string
	Rows  int
	Cols  int
	Value []float64
	Grad  []float64
}

// NewParam allocates a zero-initialized parameter.
func NewParam(name string, rows, cols int) *Param {
	return &Param{
		Name:  name,
		Rows:  rows,
		Cols:  cols,
		Value: make([]float64, rows*cols),
		Grad:  make([]float64, rows*cols),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Size returns the number of scalar values held by the parameter.
func (p *Param) Size() int {
	return len(p.Value)
}

// Graph records operations for backpropagation.
//
// A Graph built with grad=false records nothing and is used for inference;
// its tensors never carry gradients.
type Graph struct {
	grad  bool
	nodes []*Tensor
}

// NewGraph creates a new graph. If grad is false, no gradient bookkeeping is
// performed.
func NewGraph(grad bool) *Graph {
	return &Graph{grad: grad}
}

// Recording reports whether the graph records operations.
func (g *Graph) Recording() bool {
	return g.grad
}

// Len returns the number of recorded nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Param returns a leaf tensor aliasing the parameter's value and gradient.
func (g *Graph) Param(p *Param) *Tensor {
	t := &Tensor{Rows: p.Rows, Cols: p.Cols, Data: p.Value}
	if g.grad {
		t.Grad = p.Grad
	}
	return t
}

// Const wraps data as a constant tensor. data is not copied.
func (g *Graph) Const(rows, cols int, data []float64) *Tensor {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("tensor: const data length %d does not match shape [%d, %d]", len(data), rows, cols))
	}
	return &Tensor{Rows: rows, Cols: cols, Data: data}
}

// Zeros returns a constant tensor of zeros.
func (g *Graph) Zeros(rows, cols int) *Tensor {
	return &Tensor{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// Op allocates the output tensor of an operation over parents. The output
// requires gradients when the graph records and any parent requires them.
// Callers attach the backward pass with OnBackward.
func (g *Graph) Op(rows, cols int, parents ...*Tensor) *Tensor {
	t := &Tensor{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
	if !g.grad {
		return t
	}
	for _, p := range parents {
		if p != nil && p.Grad != nil {
			t.Grad = make([]float64, rows*cols)
			g.nodes = append(g.nodes, t)
			break
		}
	}
	return t
}

// Backward propagates gradients from a scalar loss to every parameter that
// contributed to it. Gradients are accumulated, not overwritten.
func (g *Graph) Backward(loss *Tensor) error {
	if loss.Rows != 1 || loss.Cols != 1 {
		return fmt.Errorf("%w: got [%d, %d]", ErrNotScalar, loss.Rows, loss.Cols)
	}
	if math.IsNaN(loss.Data[0]) || math.IsInf(loss.Data[0], 0) {
		return fmt.Errorf("tensor: loss is not finite (%v)", loss.Data[0])
	}
	if loss.Grad == nil {
		return nil
	}
	loss.Grad[0] += 1
	for i := len(g.nodes) - 1; i >= 0; i-- {
		if n := g.nodes[i]; n.backward != nil {
			n.backward()
		}
	}
	return nil
}

// Reset drops all recorded nodes so the graph can be reused.
func (g *Graph) Reset() {
	for i := range g.nodes {
		g.nodes[i] = nil
	}
	g.nodes = g.nodes[:0]
}

func sameShape(op string, a, b *Tensor) {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		panic(fmt.Sprintf("tensor: %s shape mismatch [%d, %d] vs [%d, %d]", op, a.Rows, a.Cols, b.Rows, b.Cols))
	}
}
