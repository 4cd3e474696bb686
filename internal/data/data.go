// Package data loads delimited transduction data and indexes it into
// batches.
package data

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/exp/rand"

	"github.com/FlavioCFOliveira/GoTransduce/internal/batch"
	"github.com/FlavioCFOliveira/GoTransduce/internal/vocab"
)

// DataConfig describes the columns of a TSV file. Columns are 1-based; a
// zero column is absent.
type DataConfig struct {
	SourceCol   int
	TargetCol   int
	FeaturesCol int

	// Separators split a cell into symbols; an empty separator splits into
	// characters.
	SourceSep   string
	TargetSep   string
	FeaturesSep string
}

// DefaultDataConfig returns source in column 1, target in column 2, no
// features, character-level symbols and ';' between features.
func DefaultDataConfig() DataConfig {
	return DataConfig{
		SourceCol:   1,
		TargetCol:   2,
		FeaturesSep: ";",
	}
}

// HasFeatures reports whether a features column is configured.
func (c DataConfig) HasFeatures() bool {
	return c.FeaturesCol > 0
}

// Validate checks the column layout.
func (c DataConfig) Validate() error {
	if c.SourceCol < 1 {
		return fmt.Errorf("source column must be positive, got %d", c.SourceCol)
	}
	if c.TargetCol < 0 || c.FeaturesCol < 0 {
		return errors.New("columns cannot be negative")
	}
	cols := map[int]string{c.SourceCol: "source"}
	for name, col := range map[string]int{"target": c.TargetCol, "features": c.FeaturesCol} {
		if col == 0 {
			continue
		}
		if other, ok := cols[col]; ok {
			return fmt.Errorf("%s and %s share column %d", name, other, col)
		}
		cols[col] = name
	}
	return nil
}

// Example is one parsed row.
type Example struct {
	Source   []string
	Features []string // wrapped with vocab.FeatureSymbol
	Target   []string // nil when the file has no target column
}

func split(cell, sep string) []string {
	if sep == "" {
		var out []string
		for _, r := range cell {
			out = append(out, string(r))
		}
		return out
	}
	var out []string
	for _, s := range strings.Split(cell, sep) {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Parse reads examples from r.
func Parse(r io.Reader, cfg DataConfig) ([]Example, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	var out []Example
	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tsv: %w", err)
		}
		cell := func(col int) (string, bool) {
			if col == 0 || col > len(record) {
				return "", false
			}
			return record[col-1], true
		}
		src, ok := cell(cfg.SourceCol)
		if !ok {
			return nil, fmt.Errorf("line %d: missing source column %d", line, cfg.SourceCol)
		}
		ex := Example{Source: split(src, cfg.SourceSep)}
		if cfg.HasFeatures() {
			f, ok := cell(cfg.FeaturesCol)
			if !ok {
				return nil, fmt.Errorf("line %d: missing features column %d", line, cfg.FeaturesCol)
			}
			for _, s := range split(f, cfg.FeaturesSep) {
				ex.Features = append(ex.Features, vocab.FeatureSymbol(s))
			}
		}
		if tgt, ok := cell(cfg.TargetCol); ok {
			ex.Target = split(tgt, cfg.TargetSep)
			if ex.Target == nil {
				ex.Target = []string{}
			}
		}
		out = append(out, ex)
	}
	if len(out) == 0 {
		return nil, errors.New("tsv file has no data rows")
	}
	return out, nil
}

// LoadTSV reads examples from a file.
func LoadTSV(filename string, cfg DataConfig) ([]Example, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()
	examples, err := Parse(file, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return examples, nil
}

// BuildIndex collects the sorted source, feature and target alphabets of
// examples.
func BuildIndex(examples []Example) *vocab.Index {
	src, feats, tgt := map[string]bool{}, map[string]bool{}, map[string]bool{}
	for _, ex := range examples {
		for _, s := range ex.Source {
			src[s] = true
		}
		for _, s := range ex.Features {
			feats[s] = true
		}
		for _, s := range ex.Target {
			tgt[s] = true
		}
	}
	return vocab.NewIndex(sorted(src), sorted(feats), sorted(tgt))
}

func sorted(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Dataset is a list of indexed examples ready for batching.
type Dataset struct {
	Examples []Example
	Items    []batch.Item
	Index    *vocab.Index
	Collator batch.Collator
}

// NewDataset indexes examples. With strict set, a symbol outside the index
// is an error naming the example; otherwise it maps to UNK.
func NewDataset(examples []Example, index *vocab.Index, collator batch.Collator, strict bool) (*Dataset, error) {
	d := &Dataset{Examples: examples, Index: index, Collator: collator}
	d.Items = make([]batch.Item, len(examples))
	for i, ex := range examples {
		var it batch.Item
		var err error
		if it.Source, err = index.EncodeSource(ex.Source, strict); err != nil {
			return nil, fmt.Errorf("example %d source: %w", i, err)
		}
		if index.HasFeatures() {
			if it.Features, err = index.EncodeFeatures(ex.Features, strict); err != nil {
				return nil, fmt.Errorf("example %d features: %w", i, err)
			}
		}
		if ex.Target != nil {
			if it.Target, err = index.EncodeTarget(ex.Target, strict); err != nil {
				return nil, fmt.Errorf("example %d target: %w", i, err)
			}
		}
		d.Items[i] = it
	}
	return d, nil
}

// Unknown returns the examples whose source or features hold a symbol the
// index maps to UNK.
func (d *Dataset) Unknown() []int {
	var out []int
	for i, it := range d.Items {
		if containsUnk(it.Source) || containsUnk(it.Features) {
			out = append(out, i)
		}
	}
	return out
}

func containsUnk(seq []int) bool {
	for _, idx := range seq {
		if idx == vocab.UnkIdx {
			return true
		}
	}
	return false
}

// Len returns the number of examples.
func (d *Dataset) Len() int {
	return len(d.Items)
}

// Batches groups the dataset into batches of at most size examples. With
// rng set the order is shuffled first.
func (d *Dataset) Batches(size int, rng *rand.Rand) ([]*batch.Batch, error) {
	if size < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", size)
	}
	order := make([]int, len(d.Items))
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	var out []*batch.Batch
	for start := 0; start < len(order); start += size {
		end := start + size
		if end > len(order) {
			end = len(order)
		}
		items := make([]batch.Item, 0, end-start)
		for _, i := range order[start:end] {
			items = append(items, d.Items[i])
		}
		b, err := d.Collator.Collate(items)
		if err != nil {
			return nil, fmt.Errorf("batch starting at %d: %w", start, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// Split splits the dataset into two based on the given ratio (0.0 to 1.0).
func (d *Dataset) Split(ratio float64) (*Dataset, *Dataset) {
	n := int(float64(len(d.Items)) * ratio)
	if n < 0 {
		n = 0
	}
	if n > len(d.Items) {
		n = len(d.Items)
	}
	first := *d
	second := *d
	first.Examples, first.Items = d.Examples[:n], d.Items[:n]
	second.Examples, second.Items = d.Examples[n:], d.Items[n:]
	return &first, &second
}
