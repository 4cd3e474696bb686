// Package expert derives edit-action supervision for the transducer.
//
// A stochastic edit distance model is fitted with expectation-maximization
// over the training pairs; its Viterbi cost-to-go tables then act as an
// oracle that names the best next edit from any (source, target) position.
package expert

import (
	"fmt"

	"github.com/FlavioCFOliveira/GoTransduce/internal/vocab"
)

// Kind is the type of an edit action.
type Kind int

const (
	End Kind = iota
	Copy
	Delete
	Substitute
	Insert
)

var kindNames = [...]string{"end", "copy", "delete", "substitute", "insert"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Action is one edit. Symbol is the target index written by Substitute and
// Insert and is zero otherwise.
type Action struct {
	Kind   Kind
	Symbol int
}

func (a Action) String() string {
	if a.Kind == Substitute || a.Kind == Insert {
		return fmt.Sprintf("%s(%d)", a.Kind, a.Symbol)
	}
	return a.Kind.String()
}

// Consumes reports whether the action advances the source position.
func (a Action) Consumes() bool {
	return a.Kind == Copy || a.Kind == Substitute || a.Kind == Delete
}

// ActionSet enumerates the actions over a target alphabet.
//
// Layout: 0 End, 1 Copy, 2 Delete, then Substitute(y) and Insert(y) for
// every non-reserved target symbol y in index order.
type ActionSet struct {
	targetSize int
	symbols    int
}

// Fixed action indices.
const (
	EndAction = iota
	CopyAction
	DeleteAction
	firstEdit
)

// NewActionSet creates the action set for a target alphabet of targetSize
// symbols, reserved ones included.
func NewActionSet(targetSize int) *ActionSet {
	return &ActionSet{targetSize: targetSize, symbols: targetSize - vocab.NumSpecial}
}

// Size is the number of actions.
func (s *ActionSet) Size() int {
	return firstEdit + 2*s.symbols
}

// TargetSize is the size of the target alphabet.
func (s *ActionSet) TargetSize() int {
	return s.targetSize
}

// Action returns the action at idx.
func (s *ActionSet) Action(idx int) Action {
	switch {
	case idx == EndAction:
		return Action{Kind: End}
	case idx == CopyAction:
		return Action{Kind: Copy}
	case idx == DeleteAction:
		return Action{Kind: Delete}
	case idx < firstEdit+s.symbols:
		return Action{Kind: Substitute, Symbol: idx - firstEdit + vocab.NumSpecial}
	case idx < s.Size():
		return Action{Kind: Insert, Symbol: idx - firstEdit - s.symbols + vocab.NumSpecial}
	}
	panic(fmt.Sprintf("expert: action index %d out of range [0, %d)", idx, s.Size()))
}

// Index returns the index of a. Edits of reserved or out-of-range symbols
// have no index.
func (s *ActionSet) Index(a Action) (int, bool) {
	switch a.Kind {
	case End:
		return EndAction, true
	case Copy:
		return CopyAction, true
	case Delete:
		return DeleteAction, true
	}
	if a.Symbol < vocab.NumSpecial || a.Symbol >= s.targetSize {
		return 0, false
	}
	off := a.Symbol - vocab.NumSpecial
	if a.Kind == Substitute {
		return firstEdit + off, true
	}
	return firstEdit + s.symbols + off, true
}

// Invalid marks the actions that cannot be taken at source position i of a
// source of length n: End needs i == n; Copy, Substitute and Delete need
// i < n. The result is in the form expected by masked softmax.
func (s *ActionSet) Invalid(i, n int) []bool {
	mask := make([]bool, s.Size())
	done := i >= n
	for idx := range mask {
		switch {
		case idx == EndAction:
			mask[idx] = !done
		case idx == CopyAction, idx == DeleteAction, idx < firstEdit+s.symbols:
			mask[idx] = done
		}
	}
	return mask
}

// Apply returns the target symbol written by a at source position i, if
// any. sourceToTarget maps source indices to target indices.
func Apply(a Action, source []int, i int, sourceToTarget []int) (int, bool) {
	switch a.Kind {
	case Copy:
		return sourceToTarget[source[i]], true
	case Substitute, Insert:
		return a.Symbol, true
	}
	return 0, false
}

// Replay runs actions over source and returns the target they write. It
// stops at End and fails on an action that is invalid where it is taken.
func Replay(actions []Action, source []int, sourceToTarget []int) ([]int, error) {
	var out []int
	i := 0
	for k, a := range actions {
		if a.Kind == End {
			if i != len(source) {
				return nil, fmt.Errorf("action %d: end at source position %d of %d", k, i, len(source))
			}
			return out, nil
		}
		if a.Consumes() && i >= len(source) {
			return nil, fmt.Errorf("action %d: %s past the end of the source", k, a)
		}
		if sym, ok := Apply(a, source, i, sourceToTarget); ok {
			out = append(out, sym)
		}
		if a.Consumes() {
			i++
		}
	}
	return nil, fmt.Errorf("actions do not end")
}
