package layer

import (
	"math"
	"testing"

	"github.com/FlavioCFOliveira/GoTransduce/internal/tensor"
)

func TestSinusoidalEncoding(t *testing.T) {
	p := NewSinusoidalEncoding(4)
	g := tensor.NewGraph(false)
	out := p.Forward(g, []*tensor.Tensor{g.Zeros(1, 4), g.Zeros(1, 4)}, 0)
	if !closeSlices(out[0].Data, []float64{0, 1, 0, 1}, 1e-12) {
		t.Errorf("position 0 = %v", out[0].Data)
	}
	want := []float64{math.Sin(1), math.Cos(1), math.Sin(0.01), math.Cos(0.01)}
	if !closeSlices(out[1].Data, want, 1e-12) {
		t.Errorf("position 1 = %v, want %v", out[1].Data, want)
	}
	shifted := p.Forward(g, []*tensor.Tensor{g.Zeros(1, 4)}, 1)
	if !closeSlices(shifted[0].Data, out[1].Data, 0) {
		t.Error("offset not applied")
	}
}

func TestLearnedEncodingClamps(t *testing.T) {
	p := NewLearnedEncoding("pos", 2, 3, NewRNG(12))
	g := tensor.NewGraph(false)
	out := p.Forward(g, []*tensor.Tensor{g.Zeros(1, 3)}, 5)
	if !closeSlices(out[0].Data, p.Params()[0].Value[3:6], 0) {
		t.Error("position past the table did not reuse the last row")
	}
}

func TestMultiHeadAttentionCausal(t *testing.T) {
	m, err := NewMultiHeadAttention("mha", 4, 2, NewRNG(10))
	if err != nil {
		t.Fatal(err)
	}
	g := tensor.NewGraph(false)
	a := constSeq(g, [][][]float64{{{1, 2, 3, 4}}, {{0, 1, 0, 1}}})
	b := constSeq(g, [][][]float64{{{1, 2, 3, 4}}, {{9, 9, -9, 9}}})

	outA, wA := m.Forward(g, a, a, nil, true)
	outB, _ := m.Forward(g, b, b, nil, true)
	if !closeSlices(outA[0].Data, outB[0].Data, 1e-12) {
		t.Error("position 0 saw a later position")
	}
	if wA[0].At(0, 1) != 0 {
		t.Errorf("causal weight = %v, want 0", wA[0].At(0, 1))
	}
	if _, err := NewMultiHeadAttention("bad", 5, 2, NewRNG(10)); err == nil {
		t.Error("expected error for indivisible heads")
	}
}

func TestTransformerStackShapes(t *testing.T) {
	rng := NewRNG(11)
	enc, err := NewTransformerStack("enc", 2, 4, 2, 8, 0.1, false, rng)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := NewTransformerStack("dec", 1, 4, 2, 8, 0.1, true, rng)
	if err != nil {
		t.Fatal(err)
	}
	g := tensor.NewGraph(true)
	src := constSeq(g, [][][]float64{
		{{1, 0, 0, 0}, {0, 1, 0, 0}},
		{{0, 0, 1, 0}, {0, 0, 0, 0}},
	})
	pad := [][]bool{{false, false}, {false, true}}
	memory, none := enc.Forward(g, src, pad, nil, nil, rng)
	if none != nil || len(memory) != 2 {
		t.Fatalf("encoder returned %d positions, weights %v", len(memory), none)
	}
	tgt := constSeq(g, [][][]float64{{{0.5, 0.5, 0.5, 0.5}, {1, 1, 1, 1}}})
	out, w := dec.Forward(g, tgt, nil, memory, pad, rng)
	if r, c := out[0].Shape(); r != 2 || c != 4 {
		t.Errorf("decoder output [%d, %d], want [2, 4]", r, c)
	}
	if w[0].At(1, 1) != 0 {
		t.Errorf("cross-attention on padding = %v", w[0].At(1, 1))
	}
	if err := g.Backward(g.Sum(out[0])); err != nil {
		t.Fatal(err)
	}
}

func TestGlobalAveragePooling1D(t *testing.T) {
	g := tensor.NewGraph(false)
	xs := constSeq(g, [][][]float64{
		{{1, 2}, {4, 4}},
		{{3, 4}, {8, 8}},
	})
	pad := [][]bool{{false, false}, {false, true}}
	out := GlobalAveragePooling1D(g, xs, pad)
	if !closeSlices(out.Data, []float64{2, 3, 4, 4}, 1e-12) {
		t.Errorf("pooled = %v", out.Data)
	}
}
