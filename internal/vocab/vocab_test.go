package vocab

import (
	"bytes"
	"encoding/gob"
	"errors"
	"reflect"
	"testing"
)

func TestSpecialIndices(t *testing.T) {
	m := NewSymbolMap([]string{"a", "b"})
	tests := []struct {
		sym  string
		want int
	}{
		{UNK, UnkIdx},
		{PAD, PadIdx},
		{START, StartIdx},
		{END, EndIdx},
		{MASK, MaskIdx},
		{"a", NumSpecial},
		{"b", NumSpecial + 1},
	}
	for _, tt := range tests {
		if got := m.Index(tt.sym); got != tt.want {
			t.Errorf("Index(%q) = %d, want %d", tt.sym, got, tt.want)
		}
	}
	if got := m.Index("zzz"); got != UnkIdx {
		t.Errorf("unknown symbol mapped to %d", got)
	}
}

func TestSymbolMapSkipsDuplicates(t *testing.T) {
	m := NewSymbolMap([]string{"a", "a", PAD, "b"})
	if m.Len() != NumSpecial+2 {
		t.Errorf("Len() = %d, want %d", m.Len(), NumSpecial+2)
	}
}

func TestIndexFeatures(t *testing.T) {
	ix := NewIndex([]string{"a", "b"}, []string{FeatureSymbol("PL")}, []string{"b", "c"})
	if !ix.HasFeatures() {
		t.Fatal("HasFeatures() = false")
	}
	if ix.FeaturesIdx != NumSpecial+2 {
		t.Errorf("FeaturesIdx = %d", ix.FeaturesIdx)
	}
	if ix.FeaturesSize() != 1 {
		t.Errorf("FeaturesSize() = %d", ix.FeaturesSize())
	}
	got, err := ix.EncodeFeatures([]string{"[PL]"}, true)
	if err != nil || got[0] != ix.FeaturesIdx {
		t.Errorf("EncodeFeatures = %v, %v", got, err)
	}

	plain := NewIndex([]string{"a"}, nil, []string{"a"})
	if plain.HasFeatures() || plain.FeaturesSize() != 0 {
		t.Error("index without features reports features")
	}
}

func TestSourceToTarget(t *testing.T) {
	ix := NewIndex([]string{"a", "b"}, nil, []string{"b", "c"})
	s2t := ix.SourceToTarget()
	want := []int{0, 1, 2, 3, 4, UnkIdx, NumSpecial}
	if !reflect.DeepEqual(s2t, want) {
		t.Errorf("SourceToTarget() = %v, want %v", s2t, want)
	}
}

func TestEncodeStrict(t *testing.T) {
	ix := NewIndex([]string{"a"}, nil, []string{"a"})
	if _, err := ix.EncodeSource([]string{"a", "x"}, true); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("err = %v, want ErrUnknownSymbol", err)
	}
	got, err := ix.EncodeSource([]string{"a", "x"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []int{NumSpecial, UnkIdx}) {
		t.Errorf("EncodeSource = %v", got)
	}
}

func TestDecodeTarget(t *testing.T) {
	ix := NewIndex(nil, nil, []string{"x", "y"})
	got := ix.DecodeTarget([]int{StartIdx, 5, 6, EndIdx, 5, PadIdx})
	if !reflect.DeepEqual(got, []string{"x", "y"}) {
		t.Errorf("DecodeTarget = %v", got)
	}
}

// Checkpoints gob-encode the index; lookups must work on the decoded copy.
func TestIndexGobRoundTrip(t *testing.T) {
	ix := NewIndex([]string{"a", "b"}, []string{"[F]"}, []string{"c"})
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ix); err != nil {
		t.Fatal(err)
	}
	var back Index
	if err := gob.NewDecoder(&buf).Decode(&back); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back.Source.Symbols, ix.Source.Symbols) || back.FeaturesIdx != ix.FeaturesIdx {
		t.Errorf("read back %v / %d", back.Source.Symbols, back.FeaturesIdx)
	}
	if back.Source.Index("b") != ix.Source.Index("b") {
		t.Error("lookup after decoding differs")
	}
}
