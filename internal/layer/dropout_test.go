package layer

import (
	"testing"

	"github.com/FlavioCFOliveira/GoTransduce/internal/tensor"
)

func TestDropoutForwardTraining(t *testing.T) {
	// Test that dropout zeros out units during training
	dropout := NewDropout(0.5)
	g := tensor.NewGraph(false)

	input := make([]float64, 100)
	for i := range input {
		input[i] = 1.0
	}
	output := dropout.Forward(g, g.Const(1, 100, input), NewRNG(42))

	nonZero := 0
	for _, v := range output.Data {
		switch v {
		case 0:
		case 2:
			nonZero++
		default:
			t.Fatalf("survivor scaled to %v, expected 2", v)
		}
	}
	// Approximately 50% should survive
	if nonZero < 30 || nonZero > 70 {
		t.Errorf("Expected ~50%% non-zero outputs, got %d/100", nonZero)
	}
}

func TestDropoutInference(t *testing.T) {
	d := NewDropout(0.5)
	g := tensor.NewGraph(false)
	x := g.Const(1, 3, []float64{1, 2, 3})
	if d.Forward(g, x, nil) != x {
		t.Error("dropout without a random source should be the identity")
	}
}

func TestDropoutPValue(t *testing.T) {
	for _, p := range []float64{0, 0.1, 0.5} {
		d := NewDropout(p)
		if d.Rate() != p {
			t.Errorf("Rate() = %v, expected %v", d.Rate(), p)
		}
	}
	g := tensor.NewGraph(false)
	xs := []*tensor.Tensor{g.Const(1, 2, []float64{1, 2})}
	if out := NewDropout(0).ForwardSeq(g, xs, NewRNG(1)); out[0] != xs[0] {
		t.Error("zero rate should be the identity")
	}
}

func BenchmarkDropoutForwardTraining(b *testing.B) {
	dropout := NewDropout(0.5)
	rng := NewRNG(1)
	input := make([]float64, 32*256)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		g := tensor.NewGraph(true)
		dropout.Forward(g, g.Const(32, 256, input), rng)
	}
}
