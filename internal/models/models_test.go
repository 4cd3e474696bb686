package models

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/FlavioCFOliveira/GoTransduce/internal/batch"
	"github.com/FlavioCFOliveira/GoTransduce/internal/expert"
	"github.com/FlavioCFOliveira/GoTransduce/internal/opt"
	"github.com/FlavioCFOliveira/GoTransduce/internal/tensor"
	"github.com/FlavioCFOliveira/GoTransduce/internal/vocab"
)

func testIndex(features bool) *vocab.Index {
	var feats []string
	if features {
		feats = []string{vocab.FeatureSymbol("PL"), vocab.FeatureSymbol("SG")}
	}
	return vocab.NewIndex([]string{"a", "b", "c", "d"}, feats, []string{"a", "b", "c", "e"})
}

func testConfig(arch Arch) Config {
	cfg := ForArch(arch)
	cfg.EmbeddingSize = 8
	cfg.HiddenSize = 8
	cfg.Dropout = 0
	cfg.MaxDecodeLength = 10
	cfg.MaxSourceLength = 16
	cfg.OracleEMEpochs = 2
	if arch.IsTransformer() {
		cfg.AttentionHeads = 2
	}
	return cfg
}

// example is source, features (";"-separated) and target, one symbol per
// character. An empty target makes an inference item.
type example struct {
	src, feats, tgt string
}

var testExamples = []example{
	{"abc", "PL", "abc"},
	{"ba", "SG", "ab"},
	{"dca", "PL;SG", "eca"},
}

func testItems(t *testing.T, ix *vocab.Index, exs []example) []batch.Item {
	t.Helper()
	items := make([]batch.Item, len(exs))
	for i, ex := range exs {
		src, err := ix.EncodeSource(strings.Split(ex.src, ""), true)
		if err != nil {
			t.Fatal(err)
		}
		items[i].Source = src
		if ix.HasFeatures() && ex.feats != "" {
			var fs []string
			for _, f := range strings.Split(ex.feats, ";") {
				fs = append(fs, vocab.FeatureSymbol(f))
			}
			if items[i].Features, err = ix.EncodeFeatures(fs, true); err != nil {
				t.Fatal(err)
			}
		}
		if ex.tgt != "" {
			if items[i].Target, err = ix.EncodeTarget(strings.Split(ex.tgt, ""), true); err != nil {
				t.Fatal(err)
			}
		}
	}
	return items
}

func trainedExpert(t *testing.T, cfg Config, ix *vocab.Index, items []batch.Item) *expert.Expert {
	t.Helper()
	ex := NewExpert(cfg, ix)
	ex.SetLogger(nil)
	if _, err := ex.Train(ExpertPairs(items)); err != nil {
		t.Fatalf("expert training: %v", err)
	}
	return ex
}

// newTestModel builds a small model and a batch of testExamples for it.
func newTestModel(t *testing.T, cfg Config, features bool) (*Model, *batch.Batch) {
	t.Helper()
	ix := testIndex(features)
	items := testItems(t, ix, testExamples)
	var ex *expert.Expert
	if cfg.Arch == Transducer {
		ex = trainedExpert(t, cfg, ix, items)
	}
	m, err := New(cfg, ix, nil, ex)
	if err != nil {
		t.Fatalf("New(%s): %v", cfg.Arch, err)
	}
	b, err := m.Collator().Collate(items)
	if err != nil {
		t.Fatal(err)
	}
	return m, b
}

type variant struct {
	arch     Arch
	features bool
}

// variants lists every architecture with and without features.
func variants() []variant {
	var out []variant
	for _, a := range Archs {
		if a != FeatureInvariantTransformer {
			out = append(out, variant{a, false})
		}
		out = append(out, variant{a, true})
	}
	return out
}

func variantName(a Arch, features bool) string {
	if features {
		return string(a) + "+features"
	}
	return string(a)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"unknown arch", func(c *Config) { c.Arch = "gru" }, false},
		{"no encoder layers", func(c *Config) { c.EncoderLayers = 0 }, false},
		{"zero hidden", func(c *Config) { c.HiddenSize = 0 }, false},
		{"dropout one", func(c *Config) { c.Dropout = 1 }, false},
		{"negative smoothing", func(c *Config) { c.LabelSmoothing = -0.1 }, false},
		{"zero beam", func(c *Config) { c.BeamWidth = 0 }, false},
		{"bad merge", func(c *Config) { c.BidirectionalMerge = "max" }, false},
		{"heads on lstm", func(c *Config) { c.AttentionHeads = 2 }, false},
		{"transformer sizes differ", func(c *Config) { *c = ForArch(Transformer); c.HiddenSize = 64 }, false},
		{"transformer heads do not divide", func(c *Config) { *c = ForArch(Transformer); c.AttentionHeads = 3 }, false},
		{"transformer unknown positions", func(c *Config) { *c = ForArch(Transformer); c.PositionalEncoding = "rotary" }, false},
		{"transformer learned positions", func(c *Config) { *c = ForArch(Transformer); c.PositionalEncoding = LearnedPositions }, true},
		{"invariant without features", func(c *Config) { *c = ForArch(FeatureInvariantTransformer); c.Features = false }, false},
		{"transducer beam", func(c *Config) { *c = ForArch(Transducer); c.BeamWidth = 4 }, false},
		{"transducer oracle factor", func(c *Config) { *c = ForArch(Transducer); c.OracleFactor = 0 }, false},
		{"transducer", func(c *Config) { *c = ForArch(Transducer) }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate() = %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrConfig) {
				t.Fatalf("Validate() = %v, want ErrConfig", err)
			}
		})
	}
}

func TestNewRejects(t *testing.T) {
	ix := testIndex(false)
	if _, err := New(testConfig(FeatureInvariantTransformer), ix, nil, nil); !errors.Is(err, ErrConfig) {
		t.Errorf("invariant transformer without features: err = %v", err)
	}
	if _, err := New(testConfig(Transducer), ix, nil, nil); !errors.Is(err, ErrConfig) {
		t.Errorf("transducer without expert: err = %v", err)
	}
	other := vocab.NewIndex([]string{"a"}, nil, []string{"a"})
	ex := NewExpert(testConfig(Transducer), other)
	if _, err := New(testConfig(Transducer), ix, nil, ex); !errors.Is(err, ErrConfig) {
		t.Errorf("transducer with mismatched expert: err = %v", err)
	}
}

func TestParamNamesUnique(t *testing.T) {
	for _, v := range variants() {
		t.Run(variantName(v.arch, v.features), func(t *testing.T) {
			m, _ := newTestModel(t, testConfig(v.arch), v.features)
			if m.NumParams() == 0 {
				t.Fatal("model has no parameters")
			}
			if m.Config().Features != v.features {
				t.Errorf("Features = %v, want %v", m.Config().Features, v.features)
			}
		})
	}
}

func TestMix(t *testing.T) {
	g := tensor.NewGraph(false)
	gen := g.Const(1, 4, []float64{0.1, 0.2, 0.3, 0.4})
	attn := g.Const(1, 3, []float64{0.5, 0.25, 0.25})
	src := [][]int{{2, 2, 0}}

	tests := []struct {
		name string
		gate float64
		want []float64
	}{
		{"gate 1 generates", 1, []float64{0.1, 0.2, 0.3, 0.4}},
		{"gate 0 copies", 0, []float64{0.25, 0, 0.75, 0}},
		{"gate 0.3", 0.3, []float64{0.3*0.1 + 0.7*0.25, 0.3 * 0.2, 0.3*0.3 + 0.7*0.75, 0.3 * 0.4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mix(g, gen, attn, src, g.Const(1, 1, []float64{tt.gate}))
			sum := 0.0
			for i, p := range got.Data {
				if math.Abs(p-tt.want[i]) > 1e-12 {
					t.Errorf("got %v, want %v", got.Data, tt.want)
					break
				}
				sum += p
			}
			if math.Abs(sum-1) > 1e-12 {
				t.Errorf("mixture sums to %v", sum)
			}
		})
	}
}

// The gate of the pointer-generator decoder is pinned through its bias to
// check the mixture on real decoder steps.
func TestPointerGeneratorGate(t *testing.T) {
	m, b := newTestModel(t, testConfig(PointerGeneratorLSTM), false)
	s := m.net.(*seq2seq)
	dec := s.decoder.(*lstmDecoder)
	gateW, gateB := dec.gate.Params()[0], dec.gate.Params()[1]
	for i := range gateW.Value {
		gateW.Value[i] = 0
	}

	step := func(bias float64) (probs, attn []float64) {
		gateB.Value[0] = bias
		g := tensor.NewGraph(false)
		enc := s.encoder.Encode(g, b, nil)
		prev := make([]int, b.Size())
		for i := range prev {
			prev[i] = vocab.StartIdx
		}
		lp, _, weights := dec.Step(g, prev, dec.Start(g, enc), enc, nil)
		probs = make([]float64, len(lp.Data))
		for i, v := range lp.Data {
			probs[i] = math.Exp(v)
		}
		return probs, append([]float64(nil), weights.Data...)
	}

	gen, _ := step(60)
	copied, attn := step(-60)
	half, _ := step(0)

	v := m.Index().TargetSize()
	s2t := m.Index().SourceToTarget()
	for r := 0; r < b.Size(); r++ {
		sum := 0.0
		for _, p := range gen[r*v : (r+1)*v] {
			sum += p
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("row %d: generation sums to %v", r, sum)
		}

		want := make([]float64, v)
		width := len(attn) / b.Size()
		for j, x := range b.Source.Indices[r] {
			want[s2t[x]] += attn[r*width+j]
		}
		for y := 0; y < v; y++ {
			if math.Abs(copied[r*v+y]-want[y]) > 1e-9 {
				t.Fatalf("row %d: copy distribution %v, want %v", r, copied[r*v:(r+1)*v], want)
			}
			mid := 0.5*gen[r*v+y] + 0.5*copied[r*v+y]
			if math.Abs(half[r*v+y]-mid) > 1e-9 {
				t.Fatalf("row %d symbol %d: gate 0.5 gives %v, want %v", r, y, half[r*v+y], mid)
			}
		}
	}
}

func TestTrainingReducesLoss(t *testing.T) {
	for _, v := range variants() {
		t.Run(variantName(v.arch, v.features), func(t *testing.T) {
			m, b := newTestModel(t, testConfig(v.arch), v.features)
			o := opt.NewAdam(0.01)
			ctx := NewTrainContext(7, 0)

			first, err := m.TrainingStep(ctx, b)
			if err != nil {
				t.Fatal(err)
			}
			o.Step(m.Params())
			m.ZeroGrad()
			last := first
			for i := 0; i < 40; i++ {
				if last, err = m.TrainingStep(ctx, b); err != nil {
					t.Fatal(err)
				}
				o.Step(m.Params())
				m.ZeroGrad()
			}
			if math.IsNaN(last) || last >= first {
				t.Errorf("loss went from %v to %v", first, last)
			}
		})
	}
}

func TestFailedStepKeepsAccumulatedGradients(t *testing.T) {
	m, b := newTestModel(t, testConfig(AttentiveLSTM), false)
	if _, err := m.TrainingStep(NewTrainContext(1, 0), b); err != nil {
		t.Fatal(err)
	}
	before := make([][]float64, len(m.Params()))
	for i, p := range m.Params() {
		before[i] = append([]float64(nil), p.Grad...)
	}

	noTarget := &batch.Batch{Source: b.Source}
	if _, err := m.TrainingStep(NewTrainContext(1, 0), noTarget); !errors.Is(err, batch.ErrShape) {
		t.Fatalf("err = %v, want ErrShape", err)
	}
	for i, p := range m.Params() {
		if !reflect.DeepEqual(p.Grad, before[i]) {
			t.Fatalf("%s gradient changed by a failed step", p.Name)
		}
	}
}

func TestOutOfRangeIndexRejected(t *testing.T) {
	for _, v := range variants() {
		t.Run(variantName(v.arch, v.features), func(t *testing.T) {
			m, b := newTestModel(t, testConfig(v.arch), v.features)
			b.Source.Indices[0][1] = 999
			if _, err := m.TrainingStep(NewTrainContext(1, 0), b); !errors.Is(err, batch.ErrShape) {
				t.Errorf("TrainingStep err = %v, want ErrShape", err)
			}
			if _, err := m.ValidationStep(EvalContext(), b); !errors.Is(err, batch.ErrShape) {
				t.Errorf("ValidationStep err = %v, want ErrShape", err)
			}
			if _, err := m.PredictStep(EvalContext(), b); !errors.Is(err, batch.ErrShape) {
				t.Errorf("PredictStep err = %v, want ErrShape", err)
			}
			for _, p := range m.Params() {
				for _, g := range p.Grad {
					if g != 0 {
						t.Fatalf("%s received gradient from a rejected batch", p.Name)
					}
				}
			}
		})
	}
}

func TestValidationAndPredictShapes(t *testing.T) {
	for _, v := range variants() {
		t.Run(variantName(v.arch, v.features), func(t *testing.T) {
			m, b := newTestModel(t, testConfig(v.arch), v.features)
			val, err := m.ValidationStep(EvalContext(), b)
			if err != nil {
				t.Fatal(err)
			}
			if val.Eval.Predicted != b.Size() || math.IsNaN(val.Loss) || math.IsInf(val.Loss, 0) {
				t.Errorf("validation = %+v", val)
			}

			inf := &batch.Batch{Source: b.Source, Features: b.Features}
			preds, err := m.PredictStep(EvalContext(), inf)
			if err != nil {
				t.Fatal(err)
			}
			if len(preds) != b.Size() {
				t.Fatalf("%d predictions for %d examples", len(preds), b.Size())
			}
			for i, p := range preds {
				if p == nil || len(p) > m.Config().MaxDecodeLength {
					t.Errorf("prediction %d = %v", i, p)
				}
				for _, sym := range p {
					if sym == vocab.EndIdx || sym == vocab.PadIdx {
						t.Errorf("prediction %d holds %d", i, sym)
					}
				}
			}
			if len(m.Decode(preds)) != len(preds) {
				t.Error("Decode changed the batch size")
			}
		})
	}
}

func TestMissingFeaturesRejected(t *testing.T) {
	m, b := newTestModel(t, testConfig(AttentiveLSTM), true)
	b.Features = nil
	if _, err := m.PredictStep(EvalContext(), b); !errors.Is(err, batch.ErrShape) {
		t.Errorf("err = %v, want ErrShape", err)
	}
}

func TestFeatureInvariantIgnoresFeatureOrder(t *testing.T) {
	m, b := newTestModel(t, testConfig(FeatureInvariantTransformer), true)
	enc := m.net.(*seq2seq).encoder

	// Example 2 carries both features; swap them.
	row := 2
	swapped := &batch.Batch{Source: b.Source, Target: b.Target, Features: &batch.PaddedTensor{
		Indices: make([][]int, b.Size()),
		Mask:    b.Features.Mask,
	}}
	for i, r := range b.Features.Indices {
		swapped.Features.Indices[i] = append([]int(nil), r...)
	}
	f := swapped.Features.Indices[row]
	if b.Features.Mask[row][0] || b.Features.Mask[row][1] || f[0] == f[1] {
		t.Fatalf("example %d does not have two distinct features: %v", row, f)
	}
	f[0], f[1] = f[1], f[0]

	g := tensor.NewGraph(false)
	want := enc.Encode(g, b, nil)
	got := enc.Encode(g, swapped, nil)
	for pos := 0; pos < b.Source.Width(); pos++ {
		if !closeTo(got.Outputs[pos].Row(row), want.Outputs[pos].Row(row), 1e-9) {
			t.Fatalf("source position %d changed when features were reordered", pos)
		}
	}
}

func closeTo(a, b []float64, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

func sumExp(row []float64) float64 {
	s := 0.0
	for _, lp := range row {
		s += math.Exp(lp)
	}
	return s
}

func checkDistributions(t *testing.T, what string, steps []*tensor.Tensor, rows, cols int) {
	t.Helper()
	for s, lp := range steps {
		if lp.Rows != rows || lp.Cols != cols {
			t.Fatalf("%s step %d is [%d, %d], want [%d, %d]", what, s, lp.Rows, lp.Cols, rows, cols)
		}
		for r := 0; r < rows; r++ {
			if sum := sumExp(lp.Row(r)); math.Abs(sum-1) > 1e-6 {
				t.Errorf("%s step %d row %d sums to %v", what, s, r, sum)
			}
		}
	}
}
