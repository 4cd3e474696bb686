// Package batch turns indexed sequences into right-padded, fixed-shape
// batches with padding masks.
package batch

import (
	"errors"
	"fmt"

	"github.com/FlavioCFOliveira/GoTransduce/internal/vocab"
)

// ErrShape reports a malformed batch.
var ErrShape = errors.New("malformed batch")

// PaddedTensor is a batch of right-padded index sequences.
//
// Indices is [B][T]. Mask[b][t] is true where position t of example b is
// padding.
type PaddedTensor struct {
	Indices [][]int
	Mask    [][]bool
}

// Pad right-pads seqs with padIdx to the length of the longest one.
func Pad(seqs [][]int, padIdx int) (*PaddedTensor, error) {
	if len(seqs) == 0 {
		return nil, fmt.Errorf("%w: no sequences to pad", ErrShape)
	}
	width := 0
	for _, s := range seqs {
		if len(s) > width {
			width = len(s)
		}
	}
	p := &PaddedTensor{
		Indices: make([][]int, len(seqs)),
		Mask:    make([][]bool, len(seqs)),
	}
	for b, s := range seqs {
		row := make([]int, width)
		mask := make([]bool, width)
		copy(row, s)
		for t := len(s); t < width; t++ {
			row[t] = padIdx
			mask[t] = true
		}
		p.Indices[b] = row
		p.Mask[b] = mask
	}
	return p, nil
}

// Size is the number of examples.
func (p *PaddedTensor) Size() int {
	return len(p.Indices)
}

// Width is the padded length.
func (p *PaddedTensor) Width() int {
	if len(p.Indices) == 0 {
		return 0
	}
	return len(p.Indices[0])
}

// Lengths returns the number of real positions of every example.
func (p *PaddedTensor) Lengths() []int {
	out := make([]int, len(p.Mask))
	for b, row := range p.Mask {
		for _, pad := range row {
			if !pad {
				out[b]++
			}
		}
	}
	return out
}

// Keep returns the transposed inverse of Mask: keep[t][b] is true where
// position t of example b is real.
func (p *PaddedTensor) Keep() [][]bool {
	keep := make([][]bool, p.Width())
	for t := range keep {
		keep[t] = make([]bool, len(p.Mask))
		for b, row := range p.Mask {
			keep[t][b] = !row[t]
		}
	}
	return keep
}

// Batch is one step's worth of examples.
type Batch struct {
	Source   *PaddedTensor
	Features *PaddedTensor // nil without features
	Target   *PaddedTensor // nil at inference
}

// Size is the number of examples.
func (b *Batch) Size() int {
	return b.Source.Size()
}

// HasFeatures reports whether the batch carries features.
func (b *Batch) HasFeatures() bool {
	return b.Features != nil
}

// HasTarget reports whether the batch carries gold targets.
func (b *Batch) HasTarget() bool {
	return b.Target != nil
}

// Validate checks that all parts agree on the batch size and that every
// padding mask matches its indices. With a non-nil index it also checks
// that every index lies inside its alphabet; features share the source
// alphabet.
func (b *Batch) Validate(ix *vocab.Index) error {
	if b.Source == nil || b.Source.Size() == 0 {
		return fmt.Errorf("%w: empty source", ErrShape)
	}
	parts := []struct {
		name string
		p    *PaddedTensor
		size int
	}{{"source", b.Source, 0}, {"features", b.Features, 0}, {"target", b.Target, 0}}
	if ix != nil {
		parts[0].size, parts[1].size, parts[2].size = ix.SourceSize(), ix.SourceSize(), ix.TargetSize()
	}
	for _, part := range parts {
		if part.p == nil {
			continue
		}
		if part.p.Size() != b.Size() {
			return fmt.Errorf("%w: %s has %d examples, source has %d", ErrShape, part.name, part.p.Size(), b.Size())
		}
		if len(part.p.Mask) != part.p.Size() {
			return fmt.Errorf("%w: %s mask has %d rows for %d examples", ErrShape, part.name, len(part.p.Mask), part.p.Size())
		}
		w := part.p.Width()
		for i, row := range part.p.Indices {
			if len(row) != w || len(part.p.Mask[i]) != w {
				return fmt.Errorf("%w: %s example %d is ragged", ErrShape, part.name, i)
			}
			if part.size == 0 {
				continue
			}
			for t, idx := range row {
				if idx < 0 || idx >= part.size {
					return fmt.Errorf("%w: %s example %d position %d index %d out of range [0, %d)", ErrShape, part.name, i, t, idx, part.size)
				}
			}
		}
	}
	return nil
}

// Item is one indexed example without boundary tags.
type Item struct {
	Source   []int
	Features []int
	Target   []int
}

// Collator pads items into batches.
type Collator struct {
	// SourceTags wraps every source in START and END. The transducer reads
	// bare sources.
	SourceTags bool
	// Features requires every item to carry features.
	Features bool
	// MaxSourceLength rejects longer sources (tags included); 0 disables.
	MaxSourceLength int
}

// Collate builds a batch. The target gets END appended; a batch where no
// item has a target has a nil Target.
func (c Collator) Collate(items []Item) (*Batch, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items to collate", ErrShape)
	}
	sources := make([][]int, len(items))
	var features, targets [][]int
	withTarget := 0
	for i, it := range items {
		if len(it.Source) == 0 {
			return nil, fmt.Errorf("%w: example %d has an empty source", ErrShape, i)
		}
		src := it.Source
		if c.SourceTags {
			src = make([]int, 0, len(it.Source)+2)
			src = append(src, vocab.StartIdx)
			src = append(src, it.Source...)
			src = append(src, vocab.EndIdx)
		}
		if c.MaxSourceLength > 0 && len(src) > c.MaxSourceLength {
			return nil, fmt.Errorf("%w: example %d source length %d exceeds %d", ErrShape, i, len(src), c.MaxSourceLength)
		}
		sources[i] = src
		if c.Features {
			if len(it.Features) == 0 {
				return nil, fmt.Errorf("%w: example %d has no features", ErrShape, i)
			}
			features = append(features, it.Features)
		}
		if it.Target != nil {
			withTarget++
			tgt := make([]int, 0, len(it.Target)+1)
			tgt = append(tgt, it.Target...)
			targets = append(targets, append(tgt, vocab.EndIdx))
		}
	}
	if withTarget != 0 && withTarget != len(items) {
		return nil, fmt.Errorf("%w: %d of %d examples have targets", ErrShape, withTarget, len(items))
	}

	b := &Batch{}
	var err error
	if b.Source, err = Pad(sources, vocab.PadIdx); err != nil {
		return nil, err
	}
	if features != nil {
		if b.Features, err = Pad(features, vocab.PadIdx); err != nil {
			return nil, err
		}
	}
	if targets != nil {
		if b.Target, err = Pad(targets, vocab.PadIdx); err != nil {
			return nil, err
		}
	}
	return b, nil
}
