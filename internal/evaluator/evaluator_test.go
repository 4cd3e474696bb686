package evaluator

import (
	"reflect"
	"testing"

	"github.com/FlavioCFOliveira/GoTransduce/internal/vocab"
)

const (
	e = vocab.EndIdx
	p = vocab.PadIdx
)

func TestFinalize(t *testing.T) {
	got := Finalize([][]int{{5, e, 6, 7}, {e, 5, 5, 5}, {5, 6, 7, 8}})
	want := [][]int{{5, e, p, p}, {e, p, p, p}, {5, 6, 7, 8}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Finalize = %v, want %v", got, want)
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name string
		pred [][]int
		gold [][]int
		want Item
	}{
		{"exact", [][]int{{5, 6, e}}, [][]int{{5, 6, e}}, Item{1, 1}},
		{"garbage after end", [][]int{{5, e, 9, 9}}, [][]int{{5, e, p}}, Item{1, 1}},
		{"short prediction", [][]int{{5, e}}, [][]int{{5, e, p, p}}, Item{1, 1}},
		{"missing end", [][]int{{5, 6, 6}}, [][]int{{5, 6, e}}, Item{0, 1}},
		{"mixed", [][]int{{5, e}, {6, e}}, [][]int{{5, e}, {5, e}}, Item{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.pred, tt.gold)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Evaluate = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestEvaluateBatchMismatch(t *testing.T) {
	if _, err := Evaluate([][]int{{e}}, nil); err == nil {
		t.Error("expected error")
	}
}

func TestItemAccuracy(t *testing.T) {
	it := Item{3, 4}.Add(Item{1, 4})
	if it.Accuracy() != 0.5 {
		t.Errorf("Accuracy() = %v, want 0.5", it.Accuracy())
	}
	if (Item{}).Accuracy() != 0 {
		t.Error("empty item accuracy should be 0")
	}
}
