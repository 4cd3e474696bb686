package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
)

// logFloor bounds Log away from -Inf.
const logFloor = 1e-30

func general(rows, cols int, data []float64) blas64.General {
	return blas64.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// MatMul computes a·b for a [m, k] and b [k, n].
func (g *Graph) MatMul(a, b *Tensor) *Tensor {
	if a.Cols != b.Rows {
		panic(fmt.Sprintf("tensor: matmul [%d, %d] x [%d, %d]", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	m, k, n := a.Rows, a.Cols, b.Cols
	out := g.Op(m, n, a, b)
	if m == 0 || n == 0 || k == 0 {
		return out
	}
	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, general(m, k, a.Data), general(k, n, b.Data), 0, general(m, n, out.Data))
	out.OnBackward(func() {
		dc := general(m, n, out.Grad)
		if a.Grad != nil {
			blas64.Gemm(blas.NoTrans, blas.Trans, 1, dc, general(k, n, b.Data), 1, general(m, k, a.Grad))
		}
		if b.Grad != nil {
			blas64.Gemm(blas.Trans, blas.NoTrans, 1, general(m, k, a.Data), dc, 1, general(k, n, b.Grad))
		}
	})
	return out
}

// MatMulT computes a·bᵀ for a [m, k] and b [n, k]. This is the natural form
// for weights stored as [out, in].
func (g *Graph) MatMulT(a, b *Tensor) *Tensor {
	if a.Cols != b.Cols {
		panic(fmt.Sprintf("tensor: matmulT [%d, %d] x [%d, %d]^T", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	m, k, n := a.Rows, a.Cols, b.Rows
	out := g.Op(m, n, a, b)
	if m == 0 || n == 0 || k == 0 {
		return out
	}
	blas64.Gemm(blas.NoTrans, blas.Trans, 1, general(m, k, a.Data), general(n, k, b.Data), 0, general(m, n, out.Data))
	out.OnBackward(func() {
		dc := general(m, n, out.Grad)
		if a.Grad != nil {
			blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, dc, general(n, k, b.Data), 1, general(m, k, a.Grad))
		}
		if b.Grad != nil {
			blas64.Gemm(blas.Trans, blas.NoTrans, 1, dc, general(m, k, a.Data), 1, general(n, k, b.Grad))
		}
	})
	return out
}

// Add computes a+b elementwise.
func (g *Graph) Add(a, b *Tensor) *Tensor {
	sameShape("add", a, b)
	out := g.Op(a.Rows, a.Cols, a, b)
	floats.AddTo(out.Data, a.Data, b.Data)
	out.OnBackward(func() {
		if a.Grad != nil {
			floats.Add(a.Grad, out.Grad)
		}
		if b.Grad != nil {
			floats.Add(b.Grad, out.Grad)
		}
	})
	return out
}

// AddN sums any number of same-shaped tensors.
func (g *Graph) AddN(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("tensor: AddN of nothing")
	}
	for _, t := range ts[1:] {
		sameShape("addN", ts[0], t)
	}
	out := g.Op(ts[0].Rows, ts[0].Cols, ts...)
	for _, t := range ts {
		floats.Add(out.Data, t.Data)
	}
	out.OnBackward(func() {
		for _, t := range ts {
			if t.Grad != nil {
				floats.Add(t.Grad, out.Grad)
			}
		}
	})
	return out
}

// AddRow adds the [1, n] row vector r to every row of a [m, n].
func (g *Graph) AddRow(a, r *Tensor) *Tensor {
	if r.Rows != 1 || r.Cols != a.Cols {
		panic(fmt.Sprintf("tensor: addRow [%d, %d] + [%d, %d]", a.Rows, a.Cols, r.Rows, r.Cols))
	}
	out := g.Op(a.Rows, a.Cols, a, r)
	for i := 0; i < a.Rows; i++ {
		floats.AddTo(out.Row(i), a.Row(i), r.Data)
	}
	out.OnBackward(func() {
		if a.Grad != nil {
			floats.Add(a.Grad, out.Grad)
		}
		if r.Grad != nil {
			for i := 0; i < a.Rows; i++ {
				floats.Add(r.Grad, out.GradRow(i))
			}
		}
	})
	return out
}

// Mul computes a⊙b elementwise.
func (g *Graph) Mul(a, b *Tensor) *Tensor {
	sameShape("mul", a, b)
	out := g.Op(a.Rows, a.Cols, a, b)
	floats.MulTo(out.Data, a.Data, b.Data)
	out.OnBackward(func() {
		for i, d := range out.Grad {
			if a.Grad != nil {
				a.Grad[i] += d * b.Data[i]
			}
			if b.Grad != nil {
				b.Grad[i] += d * a.Data[i]
			}
		}
	})
	return out
}

// MulCol scales row i of a [m, n] by c[i, 0], c being [m, 1].
func (g *Graph) MulCol(a, c *Tensor) *Tensor {
	if c.Cols != 1 || c.Rows != a.Rows {
		panic(fmt.Sprintf("tensor: mulCol [%d, %d] * [%d, %d]", a.Rows, a.Cols, c.Rows, c.Cols))
	}
	out := g.Op(a.Rows, a.Cols, a, c)
	for i := 0; i < a.Rows; i++ {
		floats.ScaleTo(out.Row(i), c.Data[i], a.Row(i))
	}
	out.OnBackward(func() {
		for i := 0; i < a.Rows; i++ {
			dOut := out.GradRow(i)
			if a.Grad != nil {
				floats.AddScaled(a.GradRow(i), c.Data[i], dOut)
			}
			if c.Grad != nil {
				c.Grad[i] += floats.Dot(dOut, a.Row(i))
			}
		}
	})
	return out
}

// Scale multiplies every element by s.
func (g *Graph) Scale(a *Tensor, s float64) *Tensor {
	out := g.Op(a.Rows, a.Cols, a)
	floats.ScaleTo(out.Data, s, a.Data)
	out.OnBackward(func() {
		floats.AddScaled(a.Grad, s, out.Grad)
	})
	return out
}

// OneMinus computes 1-a.
func (g *Graph) OneMinus(a *Tensor) *Tensor {
	out := g.Op(a.Rows, a.Cols, a)
	for i, v := range a.Data {
		out.Data[i] = 1 - v
	}
	out.OnBackward(func() {
		floats.Sub(a.Grad, out.Grad)
	})
	return out
}

// Log computes the natural logarithm, clamping inputs below a tiny floor.
func (g *Graph) Log(a *Tensor) *Tensor {
	out := g.Op(a.Rows, a.Cols, a)
	for i, v := range a.Data {
		out.Data[i] = math.Log(math.Max(v, logFloor))
	}
	out.OnBackward(func() {
		for i, d := range out.Grad {
			a.Grad[i] += d / math.Max(a.Data[i], logFloor)
		}
	})
	return out
}

// Concat joins tensors with the same number of rows along the columns.
func (g *Graph) Concat(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("tensor: concat of nothing")
	}
	rows, cols := ts[0].Rows, 0
	for _, t := range ts {
		if t.Rows != rows {
			panic(fmt.Sprintf("tensor: concat rows %d vs %d", t.Rows, rows))
		}
		cols += t.Cols
	}
	out := g.Op(rows, cols, ts...)
	for r := 0; r < rows; r++ {
		dst := out.Row(r)
		off := 0
		for _, t := range ts {
			copy(dst[off:off+t.Cols], t.Row(r))
			off += t.Cols
		}
	}
	out.OnBackward(func() {
		for r := 0; r < rows; r++ {
			src := out.GradRow(r)
			off := 0
			for _, t := range ts {
				if t.Grad != nil {
					floats.Add(t.GradRow(r), src[off:off+t.Cols])
				}
				off += t.Cols
			}
		}
	})
	return out
}

// SliceCols returns columns [from, to) of a.
func (g *Graph) SliceCols(a *Tensor, from, to int) *Tensor {
	if from < 0 || to > a.Cols || from > to {
		panic(fmt.Sprintf("tensor: slice [%d, %d) of %d columns", from, to, a.Cols))
	}
	w := to - from
	out := g.Op(a.Rows, w, a)
	for r := 0; r < a.Rows; r++ {
		copy(out.Row(r), a.Row(r)[from:to])
	}
	out.OnBackward(func() {
		for r := 0; r < a.Rows; r++ {
			floats.Add(a.GradRow(r)[from:to], out.GradRow(r))
		}
	})
	return out
}

// Rows gathers rows of a by index; indices may repeat. This is the
// embedding lookup and the beam reordering primitive.
func (g *Graph) Rows(a *Tensor, idx []int) *Tensor {
	out := g.Op(len(idx), a.Cols, a)
	for r, i := range idx {
		if i < 0 || i >= a.Rows {
			panic(fmt.Sprintf("tensor: row index %d out of range [0, %d)", i, a.Rows))
		}
		copy(out.Row(r), a.Row(i))
	}
	out.OnBackward(func() {
		for r, i := range idx {
			floats.Add(a.GradRow(i), out.GradRow(r))
		}
	})
	return out
}

// RowDot computes the per-row dot product of a and b, giving [m, 1].
func (g *Graph) RowDot(a, b *Tensor) *Tensor {
	sameShape("rowDot", a, b)
	out := g.Op(a.Rows, 1, a, b)
	for r := 0; r < a.Rows; r++ {
		out.Data[r] = floats.Dot(a.Row(r), b.Row(r))
	}
	out.OnBackward(func() {
		for r := 0; r < a.Rows; r++ {
			d := out.Grad[r]
			if a.Grad != nil {
				floats.AddScaled(a.GradRow(r), d, b.Row(r))
			}
			if b.Grad != nil {
				floats.AddScaled(b.GradRow(r), d, a.Row(r))
			}
		}
	})
	return out
}

// Blend picks row r from a when keep[r] is true and from b otherwise.
func (g *Graph) Blend(a, b *Tensor, keep []bool) *Tensor {
	sameShape("blend", a, b)
	if len(keep) != a.Rows {
		panic(fmt.Sprintf("tensor: blend mask length %d for %d rows", len(keep), a.Rows))
	}
	out := g.Op(a.Rows, a.Cols, a, b)
	for r, k := range keep {
		if k {
			copy(out.Row(r), a.Row(r))
		} else {
			copy(out.Row(r), b.Row(r))
		}
	}
	out.OnBackward(func() {
		for r, k := range keep {
			src := a
			if !k {
				src = b
			}
			if src.Grad != nil {
				floats.Add(src.GradRow(r), out.GradRow(r))
			}
		}
	})
	return out
}

// PickSeq builds a tensor whose row r is row r of seq[pos[r]]. All elements
// of seq must share a shape. Positions are clamped to the sequence.
func (g *Graph) PickSeq(seq []*Tensor, pos []int) *Tensor {
	if len(seq) == 0 {
		panic("tensor: pickSeq of empty sequence")
	}
	rows, cols := seq[0].Rows, seq[0].Cols
	if len(pos) != rows {
		panic(fmt.Sprintf("tensor: pickSeq %d positions for %d rows", len(pos), rows))
	}
	clamped := make([]int, rows)
	for r, p := range pos {
		clamped[r] = clampInt(p, 0, len(seq)-1)
	}
	out := g.Op(rows, cols, seq...)
	for r, p := range clamped {
		copy(out.Row(r), seq[p].Row(r))
	}
	out.OnBackward(func() {
		for r, p := range clamped {
			if seq[p].Grad != nil {
				floats.Add(seq[p].GradRow(r), out.GradRow(r))
			}
		}
	})
	return out
}

// ScatterCols adds a[r, j] into column idx[r][j] of an [m, cols] output.
// It maps attention over source positions onto vocabulary entries.
func (g *Graph) ScatterCols(a *Tensor, idx [][]int, cols int) *Tensor {
	if len(idx) != a.Rows {
		panic(fmt.Sprintf("tensor: scatter %d index rows for %d rows", len(idx), a.Rows))
	}
	out := g.Op(a.Rows, cols, a)
	for r := 0; r < a.Rows; r++ {
		dst, src := out.Row(r), a.Row(r)
		for j, c := range idx[r] {
			dst[c] += src[j]
		}
	}
	out.OnBackward(func() {
		for r := 0; r < a.Rows; r++ {
			dst, src := a.GradRow(r), out.GradRow(r)
			for j, c := range idx[r] {
				dst[j] += src[c]
			}
		}
	})
	return out
}

// Sum reduces all elements to a 1x1 tensor.
func (g *Graph) Sum(a *Tensor) *Tensor {
	out := g.Op(1, 1, a)
	out.Data[0] = floats.Sum(a.Data)
	out.OnBackward(func() {
		floats.AddConst(out.Grad[0], a.Grad)
	})
	return out
}

// Mean reduces all elements to their average.
func (g *Graph) Mean(a *Tensor) *Tensor {
	n := float64(len(a.Data))
	if n == 0 {
		return g.Zeros(1, 1)
	}
	return g.Scale(g.Sum(a), 1/n)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
