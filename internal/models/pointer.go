package models

import (
	"github.com/FlavioCFOliveira/GoTransduce/internal/tensor"
)

// mix computes the pointer-generator output distribution row by row
//
//	final[y] = gate·gen[y] + (1-gate)·Σ_{j: copyTo[j] = y} attn[j]
//
// gen [B, V] is a distribution over the target vocabulary, attn [B, S] one
// over source positions, copyTo[b][j] the target symbol written by copying
// position j and gate [B, 1] the generation probability. Rows of the result
// sum to 1 whenever gen and attn rows do.
func mix(g *tensor.Graph, gen, attn *tensor.Tensor, copyTo [][]int, gate *tensor.Tensor) *tensor.Tensor {
	copied := g.ScatterCols(attn, copyTo, gen.Cols)
	return g.Add(g.MulCol(gen, gate), g.MulCol(copied, g.OneMinus(gate)))
}
