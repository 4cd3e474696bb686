// Package vocab maps symbols to indices for the source, target and feature
// alphabets of a model.
//
// Both maps start with the same reserved symbols in a fixed order, so the
// special indices are identical for source and target. Feature symbols are
// stored after the source symbols in the source map.
package vocab

import (
	"errors"
	"fmt"
	"strings"
)

// Reserved symbols.
const (
	UNK   = "<UNK>"
	PAD   = "<P>"
	START = "<S>"
	END   = "<E>"
	MASK  = "<MASK>"
)

// Indices of the reserved symbols in every map.
const (
	UnkIdx = iota
	PadIdx
	StartIdx
	EndIdx
	MaskIdx

	// NumSpecial is the number of reserved symbols.
	NumSpecial
)

// Special lists the reserved symbols in index order.
var Special = []string{UNK, PAD, START, END, MASK}

// ErrUnknownSymbol is returned by strict lookups of symbols outside the
// vocabulary.
var ErrUnknownSymbol = errors.New("unknown symbol")

// IsSpecial reports whether idx is a reserved index.
func IsSpecial(idx int) bool {
	return idx >= 0 && idx < NumSpecial
}

// FeatureSymbol wraps a feature so it cannot collide with a source symbol
// sharing the source map.
func FeatureSymbol(f string) string {
	return "[" + f + "]"
}

// SymbolMap tracks the mapping from index to symbol and symbol to index.
type SymbolMap struct {
	Symbols []string

	index map[string]int
}

// NewSymbolMap creates a map holding the reserved symbols followed by
// vocabulary. Duplicates and reserved symbols in vocabulary are skipped.
func NewSymbolMap(vocabulary []string) *SymbolMap {
	m := &SymbolMap{Symbols: append([]string(nil), Special...)}
	m.rebuild()
	for _, s := range vocabulary {
		if _, ok := m.index[s]; ok {
			continue
		}
		m.index[s] = len(m.Symbols)
		m.Symbols = append(m.Symbols, s)
	}
	return m
}

func (m *SymbolMap) rebuild() {
	m.index = make(map[string]int, len(m.Symbols))
	for i, s := range m.Symbols {
		m.index[s] = i
	}
}

// Len returns the number of symbols, reserved ones included.
func (m *SymbolMap) Len() int {
	return len(m.Symbols)
}

// Lookup returns the index of symbol.
func (m *SymbolMap) Lookup(symbol string) (int, bool) {
	if m.index == nil {
		m.rebuild()
	}
	i, ok := m.index[symbol]
	return i, ok
}

// Index returns the index of symbol, or UnkIdx.
func (m *SymbolMap) Index(symbol string) int {
	if i, ok := m.Lookup(symbol); ok {
		return i
	}
	return UnkIdx
}

// Symbol returns the symbol at idx.
func (m *SymbolMap) Symbol(idx int) string {
	return m.Symbols[idx]
}

// String pretty-prints the vocabulary.
func (m *SymbolMap) String() string {
	quoted := make([]string, len(m.Symbols))
	for i, s := range m.Symbols {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(quoted, ", ")
}

// Index is the container for the symbol maps of one model. A model and its
// index are always persisted together.
type Index struct {
	Source *SymbolMap
	Target *SymbolMap

	// FeaturesIdx is the first feature index in Source, or -1 when the
	// model has no features.
	FeaturesIdx int

	sourceToTarget []int
}

// NewIndex builds the index. For reproducible indices callers should sort
// the vocabularies first. features may be nil.
func NewIndex(source, features, target []string) *Index {
	src := NewSymbolMap(source)
	ix := &Index{Source: src, Target: NewSymbolMap(target), FeaturesIdx: -1}
	if len(features) > 0 {
		ix.FeaturesIdx = src.Len()
		for _, f := range features {
			if _, ok := src.Lookup(f); ok {
				continue
			}
			src.index[f] = len(src.Symbols)
			src.Symbols = append(src.Symbols, f)
		}
	}
	return ix
}

// HasFeatures reports whether the index has a feature alphabet.
func (ix *Index) HasFeatures() bool {
	return ix.FeaturesIdx >= 0
}

// SourceSize is the size of the source map, features included.
func (ix *Index) SourceSize() int {
	return ix.Source.Len()
}

// TargetSize is the size of the target map.
func (ix *Index) TargetSize() int {
	return ix.Target.Len()
}

// FeaturesSize is the number of feature symbols.
func (ix *Index) FeaturesSize() int {
	if !ix.HasFeatures() {
		return 0
	}
	return ix.Source.Len() - ix.FeaturesIdx
}

// SourceToTarget maps every source index to the target index of the same
// symbol. Reserved symbols map to themselves; symbols missing from the
// target alphabet map to UnkIdx.
func (ix *Index) SourceToTarget() []int {
	if ix.sourceToTarget != nil {
		return ix.sourceToTarget
	}
	m := make([]int, ix.Source.Len())
	for i, s := range ix.Source.Symbols {
		if IsSpecial(i) {
			m[i] = i
			continue
		}
		m[i] = ix.Target.Index(s)
	}
	ix.sourceToTarget = m
	return m
}

// EncodeSource maps source symbols to indices. With strict set an unknown
// symbol is an error; otherwise it becomes UnkIdx.
func (ix *Index) EncodeSource(symbols []string, strict bool) ([]int, error) {
	return encode(ix.Source, symbols, strict)
}

// EncodeFeatures maps feature symbols, already wrapped by FeatureSymbol, to
// source-map indices.
func (ix *Index) EncodeFeatures(symbols []string, strict bool) ([]int, error) {
	return encode(ix.Source, symbols, strict)
}

// EncodeTarget maps target symbols to indices.
func (ix *Index) EncodeTarget(symbols []string, strict bool) ([]int, error) {
	return encode(ix.Target, symbols, strict)
}

func encode(m *SymbolMap, symbols []string, strict bool) ([]int, error) {
	out := make([]int, len(symbols))
	for i, s := range symbols {
		idx, ok := m.Lookup(s)
		if !ok {
			if strict {
				return nil, fmt.Errorf("%w %q at position %d", ErrUnknownSymbol, s, i)
			}
			idx = UnkIdx
		}
		out[i] = idx
	}
	return out, nil
}

// DecodeTarget turns predicted target indices into symbols. Decoding stops
// at the first END; PAD and START are dropped.
func (ix *Index) DecodeTarget(indices []int) []string {
	var out []string
	for _, i := range indices {
		if i == EndIdx {
			break
		}
		if i == PadIdx || i == StartIdx {
			continue
		}
		out = append(out, ix.Target.Symbol(i))
	}
	return out
}
