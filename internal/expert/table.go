package expert

import "math"

// Table is a (n+1)×(m+1) dynamic-programming table over source and target
// positions. Its storage is reused across pairs; it only grows.
type Table struct {
	n, m int
	data []float64
}

// Reset resizes the table for a pair of lengths n and m and fills it with
// -Inf.
func (t *Table) Reset(n, m int) {
	size := (n + 1) * (m + 1)
	if cap(t.data) < size {
		t.data = make([]float64, size)
	}
	t.data = t.data[:size]
	t.n, t.m = n, m
	negInf := math.Inf(-1)
	for i := range t.data {
		t.data[i] = negInf
	}
}

// At returns cell (i, j).
func (t *Table) At(i, j int) float64 {
	return t.data[i*(t.m+1)+j]
}

// Set stores v at cell (i, j).
func (t *Table) Set(i, j int, v float64) {
	t.data[i*(t.m+1)+j] = v
}

// Dims returns (n, m).
func (t *Table) Dims() (int, int) {
	return t.n, t.m
}

// Cap returns the number of cells the table can hold without growing.
func (t *Table) Cap() int {
	return cap(t.data)
}

// logAdd returns log(exp(a) + exp(b)) without overflow.
func logAdd(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}
