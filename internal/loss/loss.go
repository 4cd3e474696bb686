// Package loss provides sequence losses over per-step log-probabilities.
package loss

import (
	"fmt"
	"math"

	"github.com/FlavioCFOliveira/GoTransduce/internal/tensor"
)

// Loss reduces the per-step log-distributions of a decoded batch against
// gold indices to a scalar.
type Loss interface {
	// Forward computes the loss. logProbs holds one [B, V] tensor per step
	// and gold is [B][T] with T == len(logProbs).
	Forward(g *tensor.Graph, logProbs []*tensor.Tensor, gold [][]int) (*tensor.Tensor, error)
}

// NLLLoss is the negative log-likelihood of gold symbols, averaged over
// every position whose gold index is not IgnoreIndex.
//
// With Smoothing ε > 0 the loss becomes
//
//	(1-ε)·NLL + ε·mean(-Σ_v log p_v)/V
//
// where only finite log-probabilities enter the sum.
type NLLLoss struct {
	IgnoreIndex int
	Smoothing   float64
}

// Forward computes the loss as a 1x1 tensor.
func (n NLLLoss) Forward(g *tensor.Graph, logProbs []*tensor.Tensor, gold [][]int) (*tensor.Tensor, error) {
	if len(logProbs) == 0 {
		return nil, fmt.Errorf("nll loss: no steps")
	}
	batch, vocabSize := logProbs[0].Rows, logProbs[0].Cols
	if len(gold) != batch {
		return nil, fmt.Errorf("nll loss: %d gold rows for batch of %d", len(gold), batch)
	}
	for b, row := range gold {
		if len(row) != len(logProbs) {
			return nil, fmt.Errorf("nll loss: gold row %d has %d steps, predictions have %d", b, len(row), len(logProbs))
		}
		for t, y := range row {
			if y != n.IgnoreIndex && (y < 0 || y >= vocabSize) {
				return nil, fmt.Errorf("nll loss: gold index %d at (%d, %d) outside vocabulary of %d", y, b, t, vocabSize)
			}
		}
	}
	for t, lp := range logProbs {
		if lp.Rows != batch || lp.Cols != vocabSize {
			return nil, fmt.Errorf("nll loss: step %d is [%d, %d], want [%d, %d]", t, lp.Rows, lp.Cols, batch, vocabSize)
		}
	}

	count := 0
	for _, row := range gold {
		for _, y := range row {
			if y != n.IgnoreIndex {
				count++
			}
		}
	}
	if count == 0 {
		return g.Zeros(1, 1), nil
	}

	eps := n.Smoothing
	nll, smooth := 0.0, 0.0
	for t, lp := range logProbs {
		for b := 0; b < batch; b++ {
			y := gold[b][t]
			if y == n.IgnoreIndex {
				continue
			}
			row := lp.Row(b)
			nll -= row[y]
			if eps > 0 {
				for _, v := range row {
					if !math.IsInf(v, 0) && !math.IsNaN(v) {
						smooth -= v
					}
				}
			}
		}
	}
	cnt := float64(count)
	out := g.Op(1, 1, logProbs...)
	out.Data[0] = (1-eps)*nll/cnt + eps*smooth/(cnt*float64(vocabSize))

	out.OnBackward(func() {
		d := out.Grad[0]
		dNLL := -(1 - eps) * d / cnt
		dSmooth := -eps * d / (cnt * float64(vocabSize))
		for t, lp := range logProbs {
			if lp.Grad == nil {
				continue
			}
			for b := 0; b < batch; b++ {
				y := gold[b][t]
				if y == n.IgnoreIndex {
					continue
				}
				grad := lp.GradRow(b)
				grad[y] += dNLL
				if eps > 0 {
					for i, v := range lp.Row(b) {
						if !math.IsInf(v, 0) && !math.IsNaN(v) {
							grad[i] += dSmooth
						}
					}
				}
			}
		}
	})
	return out, nil
}
