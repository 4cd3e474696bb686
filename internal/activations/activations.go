// Package activations provides activation functions and the softmax kernels
// used by the tensor engine.
package activations

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Activation is an activation function with derivative.
type Activation interface {
	// Activate computes f(x)
	Activate(x float64) float64

	// Derivative computes f'(x) given the pre-activation x
	Derivative(x float64) float64
}

// ReLU activation function.
type ReLU struct{}

// Activate computes max(0, x)
func (r ReLU) Activate(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

// Derivative returns 1 if x > 0, else 0
func (r ReLU) Derivative(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

// Sigmoid activation function.
type Sigmoid struct{}

// sigmoid computes the sigmoid function, stable for large |x|.
func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Activate computes sigmoid(x)
func (s Sigmoid) Activate(x float64) float64 {
	return sigmoid(x)
}

// Derivative computes sigmoid(x) * (1 - sigmoid(x))
func (s Sigmoid) Derivative(x float64) float64 {
	sigma := sigmoid(x)
	return sigma * (1 - sigma)
}

// Tanh activation function.
type Tanh struct{}

// Activate computes tanh(x)
func (t Tanh) Activate(x float64) float64 {
	return math.Tanh(x)
}

// Derivative computes 1 - tanh(x)^2
func (t Tanh) Derivative(x float64) float64 {
	tanhX := math.Tanh(x)
	return 1 - tanhX*tanhX
}

// ByName returns the activation registered under name.
func ByName(name string) (Activation, bool) {
	switch name {
	case "relu":
		return ReLU{}, true
	case "sigmoid":
		return Sigmoid{}, true
	case "tanh":
		return Tanh{}, true
	}
	return nil, false
}

// Softmax writes softmax(x) into dst. Entries where pad is true are excluded
// before normalization and receive exactly zero; pad may be nil. A row with
// every entry excluded is all zeros.
func Softmax(dst, x []float64, pad []bool) {
	maxVal := math.Inf(-1)
	for i, v := range x {
		if pad != nil && pad[i] {
			continue
		}
		if v > maxVal {
			maxVal = v
		}
	}
	if math.IsInf(maxVal, -1) {
		for i := range dst {
			dst[i] = 0
		}
		return
	}
	for i, v := range x {
		if pad != nil && pad[i] {
			dst[i] = 0
			continue
		}
		dst[i] = math.Exp(v - maxVal)
	}
	floats.Scale(1/floats.Sum(dst), dst)
}

// LogSoftmax writes log(softmax(x)) into dst. Excluded entries are -Inf.
func LogSoftmax(dst, x []float64, pad []bool) {
	maxVal := math.Inf(-1)
	for i, v := range x {
		if pad != nil && pad[i] {
			continue
		}
		if v > maxVal {
			maxVal = v
		}
	}
	if math.IsInf(maxVal, -1) {
		for i := range dst {
			dst[i] = math.Inf(-1)
		}
		return
	}
	sum := 0.0
	for i, v := range x {
		if pad != nil && pad[i] {
			continue
		}
		sum += math.Exp(v - maxVal)
	}
	logZ := maxVal + math.Log(sum)
	for i, v := range x {
		if pad != nil && pad[i] {
			dst[i] = math.Inf(-1)
			continue
		}
		dst[i] = v - logZ
	}
}
