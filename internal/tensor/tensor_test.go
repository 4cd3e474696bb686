package tensor

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"
)

// checkGrad compares analytic gradients of f against central differences.
func checkGrad(t *testing.T, name string, params []*Param, f func(g *Graph) *Tensor) {
	t.Helper()
	for _, p := range params {
		p.ZeroGrad()
	}
	g := NewGraph(true)
	if err := g.Backward(f(g)); err != nil {
		t.Fatalf("%s: backward: %v", name, err)
	}
	const h = 1e-6
	for _, p := range params {
		for i := range p.Value {
			orig := p.Value[i]
			p.Value[i] = orig + h
			up := f(NewGraph(false)).Scalar()
			p.Value[i] = orig - h
			down := f(NewGraph(false)).Scalar()
			p.Value[i] = orig
			num := (up - down) / (2 * h)
			got := p.Grad[i]
			if math.Abs(num-got) > 1e-5*math.Max(1, math.Abs(num)) {
				t.Errorf("%s: d/d%s[%d] = %v, numeric %v", name, p.Name, i, got, num)
			}
		}
	}
}

func randParam(rng *rand.Rand, name string, rows, cols int) *Param {
	p := NewParam(name, rows, cols)
	for i := range p.Value {
		p.Value[i] = rng.Float64()*2 - 1
	}
	return p
}

// weightedSum turns a tensor into a scalar with fixed, non-uniform weights so
// every element's gradient is distinct.
func weightedSum(g *Graph, a *Tensor) *Tensor {
	w := make([]float64, len(a.Data))
	for i := range w {
		w[i] = 0.5 + 0.1*float64(i%7)
	}
	return g.Sum(g.Mul(a, g.Const(a.Rows, a.Cols, w)))
}

func TestMatMulGrad(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := randParam(rng, "a", 3, 4)
	b := randParam(rng, "b", 4, 2)
	c := randParam(rng, "c", 5, 4)

	checkGrad(t, "matmul", []*Param{a, b}, func(g *Graph) *Tensor {
		return weightedSum(g, g.MatMul(g.Param(a), g.Param(b)))
	})
	checkGrad(t, "matmulT", []*Param{a, c}, func(g *Graph) *Tensor {
		return weightedSum(g, g.MatMulT(g.Param(a), g.Param(c)))
	})
}

func TestMatMulValues(t *testing.T) {
	g := NewGraph(false)
	a := g.Const(2, 3, []float64{1, 2, 3, 4, 5, 6})
	b := g.Const(3, 2, []float64{7, 8, 9, 10, 11, 12})
	c := g.MatMul(a, b)
	want := []float64{58, 64, 139, 154}
	for i, v := range want {
		if c.Data[i] != v {
			t.Errorf("c[%d] = %v, want %v", i, c.Data[i], v)
		}
	}
}

func TestElementwiseGrads(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	a := randParam(rng, "a", 3, 4)
	b := randParam(rng, "b", 3, 4)
	r := randParam(rng, "r", 1, 4)
	c := randParam(rng, "c", 3, 1)

	checkGrad(t, "add/mul", []*Param{a, b}, func(g *Graph) *Tensor {
		return weightedSum(g, g.Mul(g.Add(g.Param(a), g.Param(b)), g.Param(a)))
	})
	checkGrad(t, "addRow/mulCol", []*Param{a, r, c}, func(g *Graph) *Tensor {
		return weightedSum(g, g.MulCol(g.AddRow(g.Param(a), g.Param(r)), g.Param(c)))
	})
	checkGrad(t, "sigmoid/tanh/oneMinus", []*Param{a}, func(g *Graph) *Tensor {
		x := g.Param(a)
		return weightedSum(g, g.Mul(g.Sigmoid(x), g.OneMinus(g.Tanh(x))))
	})
	checkGrad(t, "scale/log", []*Param{a}, func(g *Graph) *Tensor {
		x := g.Sigmoid(g.Param(a))
		return weightedSum(g, g.Log(g.Scale(x, 3)))
	})
}

func TestShapeOpsGrad(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	a := randParam(rng, "a", 3, 4)
	b := randParam(rng, "b", 3, 2)
	e := randParam(rng, "e", 5, 4)

	checkGrad(t, "concat/slice", []*Param{a, b}, func(g *Graph) *Tensor {
		x := g.Concat(g.Param(a), g.Param(b))
		return weightedSum(g, g.SliceCols(x, 1, 5))
	})
	checkGrad(t, "rows", []*Param{e}, func(g *Graph) *Tensor {
		return weightedSum(g, g.Rows(g.Param(e), []int{4, 0, 4, 2}))
	})
	checkGrad(t, "rowDot/blend", []*Param{a, e}, func(g *Graph) *Tensor {
		x := g.Param(a)
		y := g.Rows(g.Param(e), []int{1, 2, 3})
		return weightedSum(g, g.Mul(g.RowDot(x, y), g.RowDot(x, x)))
	})
	checkGrad(t, "blend", []*Param{a, e}, func(g *Graph) *Tensor {
		y := g.Rows(g.Param(e), []int{1, 2, 3})
		return weightedSum(g, g.Blend(g.Param(a), y, []bool{true, false, true}))
	})
}

func TestSoftmaxGrad(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	a := randParam(rng, "a", 2, 5)
	pad := [][]bool{{false, false, true, false, true}, nil}

	checkGrad(t, "softmax", []*Param{a}, func(g *Graph) *Tensor {
		return weightedSum(g, g.Softmax(g.Param(a), pad))
	})
	checkGrad(t, "logSoftmax", []*Param{a}, func(g *Graph) *Tensor {
		lp := g.LogSoftmax(g.Param(a), nil)
		return weightedSum(g, lp)
	})
}

func TestSoftmaxPaddingIsZero(t *testing.T) {
	g := NewGraph(false)
	a := g.Const(2, 3, []float64{5, 1, 9, 0, 0, 0})
	pad := [][]bool{{false, false, true}, {true, false, false}}
	s := g.Softmax(a, pad)
	if s.At(0, 2) != 0 || s.At(1, 0) != 0 {
		t.Errorf("padding weights = %v, %v; want exactly 0", s.At(0, 2), s.At(1, 0))
	}
	for r := 0; r < 2; r++ {
		sum := 0.0
		for _, v := range s.Row(r) {
			sum += v
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("row %d sums to %v", r, sum)
		}
	}
}

func TestLayerNormGrad(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	x := randParam(rng, "x", 3, 6)
	gain := randParam(rng, "gain", 1, 6)
	bias := randParam(rng, "bias", 1, 6)
	checkGrad(t, "layerNorm", []*Param{x, gain, bias}, func(g *Graph) *Tensor {
		return weightedSum(g, g.LayerNorm(g.Param(x), g.Param(gain), g.Param(bias), 1e-5))
	})
}

func TestAttentionKernelsGrad(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	q := randParam(rng, "q", 2, 3)
	v := randParam(rng, "v", 1, 3)
	k0 := randParam(rng, "k0", 2, 3)
	k1 := randParam(rng, "k1", 2, 3)
	k2 := randParam(rng, "k2", 2, 3)

	checkGrad(t, "additive", []*Param{q, v, k0, k1, k2}, func(g *Graph) *Tensor {
		keys := []*Tensor{g.Param(k0), g.Param(k1), g.Param(k2)}
		return weightedSum(g, g.AdditiveScores(g.Param(q), keys, g.Param(v)))
	})
	checkGrad(t, "dot+attend", []*Param{q, k0, k1, k2}, func(g *Graph) *Tensor {
		keys := []*Tensor{g.Param(k0), g.Param(k1), g.Param(k2)}
		w := g.Softmax(g.DotScores(g.Param(q), keys, 0.5), nil)
		return weightedSum(g, g.Attend(w, keys))
	})
}

func TestScatterAndPickSeqGrad(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	a := randParam(rng, "a", 2, 3)
	s0 := randParam(rng, "s0", 2, 2)
	s1 := randParam(rng, "s1", 2, 2)

	checkGrad(t, "scatter", []*Param{a}, func(g *Graph) *Tensor {
		return weightedSum(g, g.ScatterCols(g.Param(a), [][]int{{0, 3, 3}, {1, 2, 0}}, 4))
	})
	checkGrad(t, "pickSeq", []*Param{s0, s1}, func(g *Graph) *Tensor {
		seq := []*Tensor{g.Param(s0), g.Param(s1)}
		return weightedSum(g, g.PickSeq(seq, []int{1, 7}))
	})
}

func TestNoGradGraphRecordsNothing(t *testing.T) {
	p := NewParam("p", 2, 2)
	g := NewGraph(false)
	x := g.Tanh(g.Param(p))
	if x.RequiresGrad() {
		t.Error("inference graph produced a tensor requiring gradients")
	}
	if g.Len() != 0 {
		t.Errorf("inference graph recorded %d nodes", g.Len())
	}
}

func TestBackwardRejectsNonScalar(t *testing.T) {
	p := NewParam("p", 2, 2)
	g := NewGraph(true)
	if err := g.Backward(g.Tanh(g.Param(p))); err == nil {
		t.Error("expected error for non-scalar loss")
	}
}

func TestDropoutKeepsExpectation(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	g := NewGraph(false)
	data := make([]float64, 20000)
	for i := range data {
		data[i] = 1
	}
	out := g.Dropout(g.Const(1, len(data), data), 0.25, rng)
	mean := g.Mean(out).Scalar()
	if math.Abs(mean-1) > 0.05 {
		t.Errorf("dropout mean = %v, want ~1", mean)
	}
	if same := g.Dropout(out, 0, rng); same != out {
		t.Error("dropout with p=0 should be the identity")
	}
}

// BenchmarkMatMul benchmarks the BLAS-backed product.
func BenchmarkMatMul(b *testing.B) {
	rng := rand.New(rand.NewSource(9))
	x := randParam(rng, "x", 32, 128)
	w := randParam(rng, "w", 512, 128)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		g := NewGraph(false)
		g.MatMulT(g.Param(x), g.Param(w))
	}
}
