package loss

import (
	"math"
	"testing"

	"github.com/FlavioCFOliveira/GoTransduce/internal/tensor"
)

func logRows(g *tensor.Graph, rows ...[]float64) *tensor.Tensor {
	var data []float64
	for _, r := range rows {
		for _, p := range r {
			data = append(data, math.Log(p))
		}
	}
	return g.Const(len(rows), len(rows[0]), data)
}

func TestNLLLossForward(t *testing.T) {
	g := tensor.NewGraph(false)
	steps := []*tensor.Tensor{
		logRows(g, []float64{0.5, 0.25, 0.25}, []float64{0.1, 0.1, 0.8}),
		logRows(g, []float64{0.2, 0.2, 0.6}, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}),
	}
	gold := [][]int{{0, 2}, {2, 1}} // example 1 step 1 ignored below

	tests := []struct {
		name string
		loss NLLLoss
		want float64
	}{
		{"no ignore", NLLLoss{IgnoreIndex: -1}, -(math.Log(0.5) + math.Log(0.6) + math.Log(0.8) + math.Log(1.0/3)) / 4},
		{"ignore 1", NLLLoss{IgnoreIndex: 1}, -(math.Log(0.5) + math.Log(0.6) + math.Log(0.8)) / 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.loss.Forward(g, steps, gold)
			if err != nil {
				t.Fatal(err)
			}
			if math.Abs(got.Scalar()-tt.want) > 1e-12 {
				t.Errorf("loss = %v, want %v", got.Scalar(), tt.want)
			}
		})
	}
}

func TestNLLLossSmoothing(t *testing.T) {
	g := tensor.NewGraph(false)
	p := []float64{0.7, 0.2, 0.1}
	steps := []*tensor.Tensor{logRows(g, p)}
	eps := 0.1
	got, err := NLLLoss{IgnoreIndex: -1, Smoothing: eps}.Forward(g, steps, [][]int{{0}})
	if err != nil {
		t.Fatal(err)
	}
	smooth := -(math.Log(0.7) + math.Log(0.2) + math.Log(0.1)) / 3
	want := (1-eps)*-math.Log(0.7) + eps*smooth
	if math.Abs(got.Scalar()-want) > 1e-12 {
		t.Errorf("loss = %v, want %v", got.Scalar(), want)
	}
}

func TestNLLLossSkipsInfiniteInSmoothing(t *testing.T) {
	g := tensor.NewGraph(false)
	steps := []*tensor.Tensor{g.Const(1, 3, []float64{math.Log(0.5), math.Log(0.5), math.Inf(-1)})}
	got, err := NLLLoss{IgnoreIndex: -1, Smoothing: 0.5}.Forward(g, steps, [][]int{{1}})
	if err != nil {
		t.Fatal(err)
	}
	if math.IsInf(got.Scalar(), 0) || math.IsNaN(got.Scalar()) {
		t.Fatalf("loss = %v", got.Scalar())
	}
}

func TestNLLLossGradient(t *testing.T) {
	p := tensor.NewParam("logits", 2, 4)
	copy(p.Value, []float64{0.1, -0.3, 0.8, 0.2, 1.0, 0.0, -1.0, 0.5})
	l := NLLLoss{IgnoreIndex: 3, Smoothing: 0.2}
	gold := [][]int{{2}, {0}}
	f := func(g *tensor.Graph) *tensor.Tensor {
		out, err := l.Forward(g, []*tensor.Tensor{g.LogSoftmax(g.Param(p), nil)}, gold)
		if err != nil {
			t.Fatal(err)
		}
		return out
	}
	g := tensor.NewGraph(true)
	if err := g.Backward(f(g)); err != nil {
		t.Fatal(err)
	}
	const h = 1e-6
	for i := range p.Value {
		orig := p.Value[i]
		p.Value[i] = orig + h
		up := f(tensor.NewGraph(false)).Scalar()
		p.Value[i] = orig - h
		down := f(tensor.NewGraph(false)).Scalar()
		p.Value[i] = orig
		if num := (up - down) / (2 * h); math.Abs(num-p.Grad[i]) > 1e-6 {
			t.Errorf("grad[%d] = %v, numeric %v", i, p.Grad[i], num)
		}
	}
}

func TestNLLLossAllIgnored(t *testing.T) {
	g := tensor.NewGraph(false)
	got, err := NLLLoss{IgnoreIndex: 1}.Forward(g, []*tensor.Tensor{logRows(g, []float64{0.5, 0.5})}, [][]int{{1}})
	if err != nil {
		t.Fatal(err)
	}
	if got.Scalar() != 0 {
		t.Errorf("loss = %v, want 0", got.Scalar())
	}
}

func TestNLLLossShapeErrors(t *testing.T) {
	g := tensor.NewGraph(false)
	step := logRows(g, []float64{0.5, 0.5})
	l := NLLLoss{IgnoreIndex: -1}
	if _, err := l.Forward(g, nil, nil); err == nil {
		t.Error("expected error for no steps")
	}
	if _, err := l.Forward(g, []*tensor.Tensor{step}, [][]int{{0}, {1}}); err == nil {
		t.Error("expected error for batch mismatch")
	}
	if _, err := l.Forward(g, []*tensor.Tensor{step}, [][]int{{0, 1}}); err == nil {
		t.Error("expected error for step mismatch")
	}
	if _, err := l.Forward(g, []*tensor.Tensor{step}, [][]int{{5}}); err == nil {
		t.Error("expected error for out-of-vocabulary gold")
	}
}
