package layer

import (
	"fmt"

	"github.com/FlavioCFOliveira/GoTransduce/internal/tensor"
)

// Merge selects how the two directions of a bidirectional layer combine.
type Merge string

const (
	// MergeConcat concatenates forward and backward outputs.
	MergeConcat Merge = "concat"
	// MergeSum adds forward and backward outputs.
	MergeSum Merge = "sum"
)

// Validate checks the merge mode is known.
func (m Merge) Validate() error {
	switch m {
	case MergeConcat, MergeSum:
		return nil
	}
	return fmt.Errorf("unknown bidirectional merge mode %q", m)
}

// MergeSeq combines the per-position outputs of both directions.
func MergeSeq(g *tensor.Graph, m Merge, fwd, bwd []*tensor.Tensor) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(fwd))
	for t := range fwd {
		if m == MergeSum {
			out[t] = g.Add(fwd[t], bwd[t])
		} else {
			out[t] = g.Concat(fwd[t], bwd[t])
		}
	}
	return out
}
