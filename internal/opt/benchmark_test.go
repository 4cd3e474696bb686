// Package opt provides benchmarks for optimizers.
package opt

import (
	"testing"

	"golang.org/x/exp/rand"

	"github.com/FlavioCFOliveira/GoTransduce/internal/tensor"
)

func randomParams(n, size int) []*tensor.Param {
	rng := rand.New(rand.NewSource(1))
	params := make([]*tensor.Param, n)
	for i := range params {
		params[i] = tensor.NewParam("p", 1, size)
		for j := range params[i].Value {
			params[i].Value[j] = rng.Float64()
			params[i].Grad[j] = rng.Float64() - 0.5
		}
	}
	return params
}

// BenchmarkSGDStep benchmarks SGD Step method.
func BenchmarkSGDStep(b *testing.B) {
	sgd := NewSGD(0.01)
	params := randomParams(10, 1000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sgd.Step(params)
	}
}

// BenchmarkAdamStep benchmarks Adam Step method.
func BenchmarkAdamStep(b *testing.B) {
	adam := NewAdam(0.001)
	params := randomParams(10, 1000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		adam.Step(params)
	}
}
