package expert

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/FlavioCFOliveira/GoTransduce/internal/vocab"
)

func testIndex() *vocab.Index {
	return vocab.NewIndex([]string{"a", "b", "c", "d"}, nil, []string{"a", "b", "c", "e"})
}

func encode(t *testing.T, ix *vocab.Index, src, tgt string) Pair {
	t.Helper()
	var s, g []string
	for _, r := range src {
		s = append(s, string(r))
	}
	for _, r := range tgt {
		g = append(g, string(r))
	}
	x, err := ix.EncodeSource(s, true)
	if err != nil {
		t.Fatal(err)
	}
	y, err := ix.EncodeTarget(g, true)
	if err != nil {
		t.Fatal(err)
	}
	return Pair{Source: x, Target: y}
}

func quietExpert(cfg Config, ix *vocab.Index) *Expert {
	e := New(cfg, ix.SourceToTarget(), ix.TargetSize())
	e.SetLogger(nil)
	return e
}

func TestActionSetLayout(t *testing.T) {
	s := NewActionSet(vocab.NumSpecial + 2)
	if s.Size() != 7 {
		t.Fatalf("Size() = %d, want 7", s.Size())
	}
	for i := 0; i < s.Size(); i++ {
		idx, ok := s.Index(s.Action(i))
		if !ok || idx != i {
			t.Errorf("Index(Action(%d)) = %d, %v", i, idx, ok)
		}
	}
	if a := s.Action(4); a != (Action{Kind: Substitute, Symbol: vocab.NumSpecial + 1}) {
		t.Errorf("Action(4) = %v", a)
	}
	if a := s.Action(5); a != (Action{Kind: Insert, Symbol: vocab.NumSpecial}) {
		t.Errorf("Action(5) = %v", a)
	}
	if _, ok := s.Index(Action{Kind: Insert, Symbol: vocab.PadIdx}); ok {
		t.Error("reserved symbol has an insert action")
	}
}

func TestActionSetInvalid(t *testing.T) {
	s := NewActionSet(vocab.NumSpecial + 1)
	// End, Copy, Delete, Sub, Ins
	if got := s.Invalid(0, 2); !reflect.DeepEqual(got, []bool{true, false, false, false, false}) {
		t.Errorf("inside source: %v", got)
	}
	if got := s.Invalid(2, 2); !reflect.DeepEqual(got, []bool{false, true, true, true, false}) {
		t.Errorf("end of source: %v", got)
	}
}

func TestReplayErrors(t *testing.T) {
	s2t := []int{0, 1, 2, 3, 4, 5}
	if _, err := Replay([]Action{{Kind: Copy}}, []int{5}, s2t); err == nil {
		t.Error("expected error for missing end")
	}
	if _, err := Replay([]Action{{Kind: End}}, []int{5}, s2t); err == nil {
		t.Error("expected error for early end")
	}
	if _, err := Replay([]Action{{Kind: Delete}, {Kind: Delete}}, []int{5}, s2t); err == nil {
		t.Error("expected error for delete past the end")
	}
}

func TestTableReuse(t *testing.T) {
	var tab Table
	tab.Reset(4, 5)
	c := tab.Cap()
	tab.Reset(2, 3)
	if tab.Cap() != c {
		t.Errorf("table reallocated for a smaller pair: cap %d -> %d", c, tab.Cap())
	}
	if !math.IsInf(tab.At(2, 3), -1) {
		t.Error("reset did not clear the table")
	}
	if n, m := tab.Dims(); n != 2 || m != 3 {
		t.Errorf("Dims() = %d, %d", n, m)
	}
}

func TestLogAdd(t *testing.T) {
	got := logAdd(math.Log(0.25), math.Log(0.5))
	if math.Abs(got-math.Log(0.75)) > 1e-12 {
		t.Errorf("logAdd = %v", got)
	}
	if logAdd(math.Inf(-1), 1) != 1 {
		t.Error("logAdd with -Inf")
	}
}

func TestEMMonotonicSinglePair(t *testing.T) {
	ix := testIndex()
	pair := encode(t, ix, "abcd", "abce")
	s := NewSED(ix.SourceSize(), ix.TargetSize())
	report, err := s.Fit([]Pair{pair}, FitConfig{Epochs: 10})
	if err != nil {
		t.Fatal(err)
	}
	lls := report.LogLikelihoods
	if len(lls) != 10 {
		t.Fatalf("ran %d epochs, want 10", len(lls))
	}
	for i := 1; i < len(lls); i++ {
		if lls[i] < lls[i-1]-1e-9 {
			t.Errorf("log-likelihood decreased at epoch %d: %v -> %v", i, lls[i-1], lls[i])
		}
	}
	if got := s.LogLikelihood(pair.Source, pair.Target); math.Abs(got-report.Best) > 1e-9 {
		t.Errorf("model left at %v, best was %v", got, report.Best)
	}
}

func TestEMMonotonicCorpus(t *testing.T) {
	ix := testIndex()
	words := [][2]string{{"abc", "abc"}, {"abd", "abe"}, {"cab", "ca"}, {"dd", "ee"}, {"a", "ba"}}
	var pairs []Pair
	for _, w := range words {
		pairs = append(pairs, encode(t, ix, w[0], w[1]))
	}
	s := NewSED(ix.SourceSize(), ix.TargetSize())
	report, err := s.Fit(pairs, FitConfig{Epochs: 8})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(report.LogLikelihoods); i++ {
		if report.LogLikelihoods[i] < report.LogLikelihoods[i-1]-1e-9 {
			t.Errorf("corpus log-likelihood decreased at epoch %d", i)
		}
	}
	total := 0.0
	for _, p := range s.Params {
		total += math.Exp(p)
	}
	if math.Abs(total-1) > 1e-9 {
		t.Errorf("parameters sum to %v, want 1", total)
	}
}

func TestFitConvergence(t *testing.T) {
	ix := testIndex()
	pair := encode(t, ix, "ab", "ab")

	s := NewSED(ix.SourceSize(), ix.TargetSize())
	report, err := s.Fit([]Pair{pair}, FitConfig{Epochs: 1})
	if err != nil {
		t.Fatalf("non-convergence returned error: %v", err)
	}
	if report.Converged {
		t.Error("one epoch reported as converged")
	}

	s = NewSED(ix.SourceSize(), ix.TargetSize())
	report, err = s.Fit([]Pair{pair}, FitConfig{Epochs: 200, Tolerance: 1e-3})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Converged {
		t.Errorf("did not converge: %v", report.LogLikelihoods)
	}
}

func TestFitRejectsBadIndices(t *testing.T) {
	s := NewSED(6, 6)
	if _, err := s.Fit([]Pair{{Source: []int{9}, Target: []int{5}}}, FitConfig{Epochs: 1}); err == nil {
		t.Error("expected error for out-of-range source index")
	}
	if _, err := s.Fit(nil, FitConfig{Epochs: 1}); err == nil {
		t.Error("expected error for no pairs")
	}
}

func TestOracleCopy(t *testing.T) {
	ix := testIndex()
	e := quietExpert(DefaultConfig(), ix)
	pair := encode(t, ix, "abc", "abc")
	if _, err := e.Train([]Pair{pair}); err != nil {
		t.Fatal(err)
	}
	got, err := e.OracleActions(pair.Source, pair.Target)
	if err != nil {
		t.Fatal(err)
	}
	want := []Action{{Kind: Copy}, {Kind: Copy}, {Kind: Copy}, {Kind: End}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("OracleActions = %v, want %v", got, want)
	}
}

func TestOracleCompleteness(t *testing.T) {
	ix := testIndex()
	e := quietExpert(Config{OracleFactor: 1, EMEpochs: 4}, ix)
	words := [][2]string{
		{"abc", "abc"}, {"abd", "abe"}, {"cab", "ca"}, {"dd", "ee"},
		{"a", "ba"}, {"d", "eeee"}, {"abcd", "c"}, {"ba", "ab"},
	}
	var pairs []Pair
	for _, w := range words {
		pairs = append(pairs, encode(t, ix, w[0], w[1]))
	}
	if _, err := e.Train(pairs); err != nil {
		t.Fatal(err)
	}
	for k, p := range pairs {
		actions, err := e.OracleActions(p.Source, p.Target)
		if err != nil {
			t.Fatal(err)
		}
		got, err := Replay(actions, p.Source, e.SourceToTarget())
		if err != nil {
			t.Fatalf("pair %d: %v", k, err)
		}
		if !reflect.DeepEqual(got, p.Target) {
			t.Errorf("pair %d (%s -> %s): replay = %v, want %v", k, words[k][0], words[k][1], got, p.Target)
		}
	}
}

func TestOracleTieBreak(t *testing.T) {
	ix := testIndex()
	e := quietExpert(DefaultConfig(), ix)
	s := e.SED
	for i := range s.Params {
		s.Params[i] = -10
	}
	a, _ := ix.Source.Lookup("a")
	b, _ := ix.Target.Lookup("b")
	s.Params[s.endIdx()] = -3
	s.Params[s.delIdx(a)] = -1
	s.Params[s.insIdx(b)] = -1

	tests := []struct {
		name string
		sub  float64
		want Action
	}{
		{"three-way tie", -2, Action{Kind: Substitute, Symbol: b}},
		{"delete and insert tie", -2.5, Action{Kind: Delete}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.Params[s.subIdx(a, b)] = tt.sub
			o, err := e.NewOracle([]int{a}, []int{b})
			if err != nil {
				t.Fatal(err)
			}
			if got := o.Action(0, 0); got != tt.want {
				t.Errorf("Action(0, 0) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOracleOffTarget(t *testing.T) {
	ix := testIndex()
	e := quietExpert(DefaultConfig(), ix)
	p := encode(t, ix, "ab", "a")
	o, err := e.NewOracle(p.Source, p.Target)
	if err != nil {
		t.Fatal(err)
	}
	if got := o.Action(0, 3); got.Kind != Delete {
		t.Errorf("past the target = %v, want delete", got)
	}
	if got := o.Action(2, 5); got.Kind != End {
		t.Errorf("past both = %v, want end", got)
	}
	if got := o.Action(2, 0); got != (Action{Kind: Insert, Symbol: p.Target[0]}) {
		t.Errorf("source consumed = %v, want insert", got)
	}
}

func TestUnreachableTarget(t *testing.T) {
	ix := testIndex()
	e := quietExpert(DefaultConfig(), ix)
	bad := Pair{Source: []int{vocab.NumSpecial}, Target: []int{vocab.UnkIdx}}
	if _, err := e.Train([]Pair{bad}); !errors.Is(err, ErrUnreachable) {
		t.Errorf("Train err = %v, want ErrUnreachable", err)
	}
	if _, err := e.OracleActions(bad.Source, bad.Target); !errors.Is(err, ErrUnreachable) {
		t.Errorf("OracleActions err = %v, want ErrUnreachable", err)
	}
}

func TestRollInRate(t *testing.T) {
	e := New(Config{OracleFactor: 1}, []int{0}, vocab.NumSpecial)
	if got := e.RollInRate(0); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("RollInRate(0) = %v, want 0.5", got)
	}
	prev := 1.0
	for epoch := 0; epoch < 10; epoch++ {
		r := e.RollInRate(epoch)
		if r >= prev {
			t.Errorf("roll-in rate not decreasing at epoch %d", epoch)
		}
		prev = r
	}
	slow := New(Config{OracleFactor: 10}, []int{0}, vocab.NumSpecial)
	if slow.RollInRate(5) <= e.RollInRate(5) {
		t.Error("larger oracle factor should decay more slowly")
	}
}
