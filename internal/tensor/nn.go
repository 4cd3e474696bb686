package tensor

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/FlavioCFOliveira/GoTransduce/internal/activations"
)

// Apply applies an elementwise activation.
func (g *Graph) Apply(a *Tensor, act activations.Activation) *Tensor {
	out := g.Op(a.Rows, a.Cols, a)
	for i, v := range a.Data {
		out.Data[i] = act.Activate(v)
	}
	out.OnBackward(func() {
		for i, d := range out.Grad {
			a.Grad[i] += d * act.Derivative(a.Data[i])
		}
	})
	return out
}

// Sigmoid applies the logistic function.
func (g *Graph) Sigmoid(a *Tensor) *Tensor {
	out := g.Op(a.Rows, a.Cols, a)
	s := activations.Sigmoid{}
	for i, v := range a.Data {
		out.Data[i] = s.Activate(v)
	}
	out.OnBackward(func() {
		for i, d := range out.Grad {
			y := out.Data[i]
			a.Grad[i] += d * y * (1 - y)
		}
	})
	return out
}

// Tanh applies the hyperbolic tangent.
func (g *Graph) Tanh(a *Tensor) *Tensor {
	out := g.Op(a.Rows, a.Cols, a)
	for i, v := range a.Data {
		out.Data[i] = math.Tanh(v)
	}
	out.OnBackward(func() {
		for i, d := range out.Grad {
			y := out.Data[i]
			a.Grad[i] += d * (1 - y*y)
		}
	})
	return out
}

// ReLU applies max(0, x).
func (g *Graph) ReLU(a *Tensor) *Tensor {
	return g.Apply(a, activations.ReLU{})
}

func padRow(pad [][]bool, r int) []bool {
	if pad == nil {
		return nil
	}
	return pad[r]
}

func checkPad(op string, a *Tensor, pad [][]bool) {
	if pad == nil {
		return
	}
	if len(pad) != a.Rows {
		panic(fmt.Sprintf("tensor: %s mask has %d rows, want %d", op, len(pad), a.Rows))
	}
	for r, row := range pad {
		if row != nil && len(row) != a.Cols {
			panic(fmt.Sprintf("tensor: %s mask row %d has %d entries, want %d", op, r, len(row), a.Cols))
		}
	}
}

// Softmax normalizes each row. Entries whose pad flag is true are removed
// before normalization and come out exactly zero. pad may be nil, as may any
// of its rows.
func (g *Graph) Softmax(a *Tensor, pad [][]bool) *Tensor {
	checkPad("softmax", a, pad)
	out := g.Op(a.Rows, a.Cols, a)
	for r := 0; r < a.Rows; r++ {
		activations.Softmax(out.Row(r), a.Row(r), padRow(pad, r))
	}
	out.OnBackward(func() {
		for r := 0; r < a.Rows; r++ {
			y, dy := out.Row(r), out.GradRow(r)
			dot := floats.Dot(dy, y)
			dx := a.GradRow(r)
			for i := range dx {
				dx[i] += y[i] * (dy[i] - dot)
			}
		}
	})
	return out
}

// LogSoftmax computes row-wise log-probabilities. Excluded entries are -Inf
// and receive no gradient.
func (g *Graph) LogSoftmax(a *Tensor, pad [][]bool) *Tensor {
	checkPad("logSoftmax", a, pad)
	out := g.Op(a.Rows, a.Cols, a)
	for r := 0; r < a.Rows; r++ {
		activations.LogSoftmax(out.Row(r), a.Row(r), padRow(pad, r))
	}
	out.OnBackward(func() {
		for r := 0; r < a.Rows; r++ {
			lp, dy := out.Row(r), out.GradRow(r)
			p := padRow(pad, r)
			sum := 0.0
			for i, d := range dy {
				if p != nil && p[i] {
					continue
				}
				sum += d
			}
			dx := a.GradRow(r)
			for i := range dx {
				if p != nil && p[i] {
					continue
				}
				dx[i] += dy[i] - math.Exp(lp[i])*sum
			}
		}
	})
	return out
}

// LayerNorm normalizes each row to zero mean and unit variance, then applies
// the [1, n] gain and bias.
func (g *Graph) LayerNorm(x, gain, bias *Tensor, eps float64) *Tensor {
	n := x.Cols
	if gain.Cols != n || bias.Cols != n || gain.Rows != 1 || bias.Rows != 1 {
		panic(fmt.Sprintf("tensor: layerNorm params [%d, %d]/[%d, %d] for %d columns", gain.Rows, gain.Cols, bias.Rows, bias.Cols, n))
	}
	out := g.Op(x.Rows, n, x, gain, bias)
	xhat := make([]float64, len(x.Data))
	invStd := make([]float64, x.Rows)
	for r := 0; r < x.Rows; r++ {
		row := x.Row(r)
		mean := floats.Sum(row) / float64(n)
		variance := 0.0
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(n)
		invStd[r] = 1 / math.Sqrt(variance+eps)
		xh := xhat[r*n : (r+1)*n]
		dst := out.Row(r)
		for i, v := range row {
			xh[i] = (v - mean) * invStd[r]
			dst[i] = xh[i]*gain.Data[i] + bias.Data[i]
		}
	}
	out.OnBackward(func() {
		dxhat := make([]float64, n)
		for r := 0; r < x.Rows; r++ {
			dy := out.GradRow(r)
			xh := xhat[r*n : (r+1)*n]
			if gain.Grad != nil {
				for i := range dy {
					gain.Grad[i] += dy[i] * xh[i]
				}
			}
			if bias.Grad != nil {
				floats.Add(bias.Grad, dy)
			}
			if x.Grad == nil {
				continue
			}
			floats.MulTo(dxhat, dy, gain.Data)
			meanD := floats.Sum(dxhat) / float64(n)
			meanDX := floats.Dot(dxhat, xh) / float64(n)
			dx := x.GradRow(r)
			for i := range dx {
				dx[i] += invStd[r] * (dxhat[i] - meanD - xh[i]*meanDX)
			}
		}
	})
	return out
}

// Dropout zeroes each element with probability p and rescales the survivors
// by 1/(1-p). It is the identity when p is zero or rng is nil.
func (g *Graph) Dropout(a *Tensor, p float64, rng *rand.Rand) *Tensor {
	if p <= 0 || rng == nil {
		return a
	}
	if p >= 1 {
		return g.Scale(a, 0)
	}
	keep := distuv.Bernoulli{P: 1 - p, Src: rng}
	mask := make([]float64, len(a.Data))
	scale := 1 / (1 - p)
	for i := range mask {
		mask[i] = keep.Rand() * scale
	}
	return g.Mul(a, g.Const(a.Rows, a.Cols, mask))
}

// AdditiveScores computes vᵀ·tanh(q + k_j) for every key, giving [B, S].
// q and every key are [B, H]; v is [1, H].
func (g *Graph) AdditiveScores(q *Tensor, keys []*Tensor, v *Tensor) *Tensor {
	b, h, s := q.Rows, q.Cols, len(keys)
	if v.Rows != 1 || v.Cols != h {
		panic(fmt.Sprintf("tensor: additive scores v is [%d, %d], want [1, %d]", v.Rows, v.Cols, h))
	}
	parents := append([]*Tensor{q, v}, keys...)
	out := g.Op(b, s, parents...)
	hidden := make([]float64, b*s*h)
	for j, k := range keys {
		sameShape("additiveScores", q, k)
		for r := 0; r < b; r++ {
			t := hidden[(r*s+j)*h : (r*s+j+1)*h]
			floats.AddTo(t, q.Row(r), k.Row(r))
			for i := range t {
				t[i] = math.Tanh(t[i])
			}
			out.Data[r*s+j] = floats.Dot(t, v.Data)
		}
	}
	out.OnBackward(func() {
		pre := make([]float64, h)
		for j, k := range keys {
			for r := 0; r < b; r++ {
				d := out.Grad[r*s+j]
				if d == 0 {
					continue
				}
				t := hidden[(r*s+j)*h : (r*s+j+1)*h]
				if v.Grad != nil {
					floats.AddScaled(v.Grad, d, t)
				}
				for i := range pre {
					pre[i] = d * v.Data[i] * (1 - t[i]*t[i])
				}
				if q.Grad != nil {
					floats.Add(q.GradRow(r), pre)
				}
				if k.Grad != nil {
					floats.Add(k.GradRow(r), pre)
				}
			}
		}
	})
	return out
}

// DotScores computes scale·(q·k_j) for every key, giving [B, S].
func (g *Graph) DotScores(q *Tensor, keys []*Tensor, scale float64) *Tensor {
	b, s := q.Rows, len(keys)
	out := g.Op(b, s, append([]*Tensor{q}, keys...)...)
	for j, k := range keys {
		sameShape("dotScores", q, k)
		for r := 0; r < b; r++ {
			out.Data[r*s+j] = scale * floats.Dot(q.Row(r), k.Row(r))
		}
	}
	out.OnBackward(func() {
		for j, k := range keys {
			for r := 0; r < b; r++ {
				d := scale * out.Grad[r*s+j]
				if d == 0 {
					continue
				}
				if q.Grad != nil {
					floats.AddScaled(q.GradRow(r), d, k.Row(r))
				}
				if k.Grad != nil {
					floats.AddScaled(k.GradRow(r), d, q.Row(r))
				}
			}
		}
	})
	return out
}

// Attend computes Σ_j w[:, j]·values[j] for weights w [B, S] and values of
// shape [B, D], giving [B, D].
func (g *Graph) Attend(w *Tensor, values []*Tensor) *Tensor {
	if w.Cols != len(values) || len(values) == 0 {
		panic(fmt.Sprintf("tensor: attend %d weights over %d values", w.Cols, len(values)))
	}
	b, d, s := w.Rows, values[0].Cols, w.Cols
	out := g.Op(b, d, append([]*Tensor{w}, values...)...)
	for j, v := range values {
		if v.Rows != b || v.Cols != d {
			panic(fmt.Sprintf("tensor: attend value %d is [%d, %d], want [%d, %d]", j, v.Rows, v.Cols, b, d))
		}
		for r := 0; r < b; r++ {
			if wt := w.Data[r*s+j]; wt != 0 {
				floats.AddScaled(out.Row(r), wt, v.Row(r))
			}
		}
	}
	out.OnBackward(func() {
		for j, v := range values {
			for r := 0; r < b; r++ {
				dOut := out.GradRow(r)
				if w.Grad != nil {
					w.Grad[r*s+j] += floats.Dot(dOut, v.Row(r))
				}
				if v.Grad != nil {
					floats.AddScaled(v.GradRow(r), w.Data[r*s+j], dOut)
				}
			}
		}
	})
	return out
}
