// Package evaluator computes exact-match accuracy of decoded predictions.
package evaluator

import (
	"fmt"

	"github.com/FlavioCFOliveira/GoTransduce/internal/vocab"
)

// Item counts exact matches over a set of predictions.
type Item struct {
	Correct   int
	Predicted int
}

// Accuracy returns Correct/Predicted, or 0 for an empty item.
func (it Item) Accuracy() float64 {
	if it.Predicted == 0 {
		return 0
	}
	return float64(it.Correct) / float64(it.Predicted)
}

// Add sums two items.
func (it Item) Add(other Item) Item {
	return Item{Correct: it.Correct + other.Correct, Predicted: it.Predicted + other.Predicted}
}

// Finalize cuts every prediction at its first END and replaces the rest
// with PAD: those symbols were decoded while the rest of the batch was
// still running. Predictions are modified in place and returned.
func Finalize(predictions [][]int) [][]int {
	for _, row := range predictions {
		ended := false
		for t, sym := range row {
			if ended {
				row[t] = vocab.PadIdx
			} else if sym == vocab.EndIdx {
				ended = true
			}
		}
	}
	return predictions
}

// Evaluate finalizes predictions and compares them with golds (END
// terminated, PAD padded). Predictions are truncated or PAD-extended to the
// gold width before comparison.
func Evaluate(predictions, golds [][]int) (Item, error) {
	if len(predictions) != len(golds) {
		return Item{}, fmt.Errorf("predictions batch size (%d) and golds batch size (%d) do not match", len(predictions), len(golds))
	}
	Finalize(predictions)
	it := Item{Predicted: len(predictions)}
	for b, gold := range golds {
		if match(predictions[b], gold) {
			it.Correct++
		}
	}
	return it, nil
}

func match(pred, gold []int) bool {
	for t, want := range gold {
		got := vocab.PadIdx
		if t < len(pred) {
			got = pred[t]
		}
		if got != want {
			return false
		}
	}
	return true
}
