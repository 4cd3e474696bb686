package layer

import (
	"math"

	"golang.org/x/exp/rand"

	"github.com/FlavioCFOliveira/GoTransduce/internal/tensor"
)

// Embedding maps integer indices to dense vectors.
// The padding row is initialized to zero and never receives gradient.
type Embedding struct {
	numEmbeddings int
	embeddingDim  int
	paddingIdx    int

	// Learnable parameters: weight matrix [numEmbeddings, embeddingDim]
	weights *tensor.Param
}

// NewEmbedding creates an embedding table initialized from N(0, 1/dim).
// paddingIdx may be negative to disable padding handling.
func NewEmbedding(name string, numEmbeddings, embeddingDim, paddingIdx int, rng *rand.Rand) *Embedding {
	e := &Embedding{
		numEmbeddings: numEmbeddings,
		embeddingDim:  embeddingDim,
		paddingIdx:    paddingIdx,
		weights:       tensor.NewParam(name+".weight", numEmbeddings, embeddingDim),
	}
	normalInit(e.weights, math.Pow(float64(embeddingDim), -0.5), rng)
	if paddingIdx >= 0 && paddingIdx < numEmbeddings {
		row := e.weights.Value[paddingIdx*embeddingDim : (paddingIdx+1)*embeddingDim]
		for i := range row {
			row[i] = 0
		}
	}
	return e
}

// Forward looks up one embedding per index, giving [len(idx), dim].
// Out-of-range indices are an error of the caller and panic.
func (e *Embedding) Forward(g *tensor.Graph, idx []int) *tensor.Tensor {
	rows := g.Rows(g.Param(e.weights), idx)
	if e.paddingIdx < 0 {
		return rows
	}
	keep := make([]bool, len(idx))
	anyPad := false
	for i, v := range idx {
		keep[i] = v != e.paddingIdx
		anyPad = anyPad || !keep[i]
	}
	if !anyPad {
		return rows
	}
	return g.Blend(rows, g.Zeros(len(idx), e.embeddingDim), keep)
}

// ForwardSeq embeds a batch of padded sequences position by position.
// indices is [B][T]; the result has T tensors of shape [B, dim].
func (e *Embedding) ForwardSeq(g *tensor.Graph, indices [][]int) []*tensor.Tensor {
	if len(indices) == 0 {
		return nil
	}
	steps := len(indices[0])
	out := make([]*tensor.Tensor, steps)
	col := make([]int, len(indices))
	for t := 0; t < steps; t++ {
		for b := range indices {
			col[b] = indices[b][t]
		}
		out[t] = e.Forward(g, append([]int(nil), col...))
	}
	return out
}

// Params returns the embedding table.
func (e *Embedding) Params() []*tensor.Param {
	return []*tensor.Param{e.weights}
}

// NumEmbeddings returns the table size.
func (e *Embedding) NumEmbeddings() int {
	return e.numEmbeddings
}

// Dim returns the embedding size.
func (e *Embedding) Dim() int {
	return e.embeddingDim
}
