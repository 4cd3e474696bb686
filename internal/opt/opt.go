// Package opt provides optimization algorithms and learning rate
// schedules over model parameters.
package opt

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/FlavioCFOliveira/GoTransduce/internal/tensor"
)

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	// Step applies one update to every parameter. Gradients are left in
	// place; callers clear them.
	Step(params []*tensor.Param)

	// GetLR returns the current learning rate.
	GetLR() float64
	// SetLR replaces the learning rate; schedulers use it.
	SetLR(lr float64)
}

// SGD (Stochastic Gradient Descent) optimizer.
type SGD struct {
	LearningRate float64
}

// NewSGD creates an SGD optimizer.
func NewSGD(learningRate float64) *SGD {
	return &SGD{LearningRate: learningRate}
}

// StepInPlace updates params in-place: params = params - lr * gradients
func (s *SGD) StepInPlace(params, gradients []float64) {
	floats.AddScaled(params, -s.LearningRate, gradients)
}

// Step updates every parameter.
func (s *SGD) Step(params []*tensor.Param) {
	for _, p := range params {
		s.StepInPlace(p.Value, p.Grad)
	}
}

func (s *SGD) GetLR() float64   { return s.LearningRate }
func (s *SGD) SetLR(lr float64) { s.LearningRate = lr }

// Adam optimizer with bias-corrected moment estimates.
type Adam struct {
	LearningRate float64
	Beta1        float64 // Exponential decay rate for first moment
	Beta2        float64 // Exponential decay rate for second moment
	Epsilon      float64 // Small constant for numerical stability

	t       int
	moments map[*tensor.Param]*adamMoments
}

type adamMoments struct {
	m, v []float64
}

// NewAdam creates a new Adam optimizer with default values.
func NewAdam(learningRate float64) *Adam {
	return &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// Step updates every parameter using Adam. Moment state is kept per
// parameter across calls.
func (a *Adam) Step(params []*tensor.Param) {
	if a.moments == nil {
		a.moments = make(map[*tensor.Param]*adamMoments)
	}
	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for _, p := range params {
		st, ok := a.moments[p]
		if !ok {
			st = &adamMoments{m: make([]float64, p.Size()), v: make([]float64, p.Size())}
			a.moments[p] = st
		}
		for i, g := range p.Grad {
			st.m[i] = a.Beta1*st.m[i] + (1-a.Beta1)*g
			st.v[i] = a.Beta2*st.v[i] + (1-a.Beta2)*g*g
			p.Value[i] -= a.LearningRate * (st.m[i] / c1) / (math.Sqrt(st.v[i]/c2) + a.Epsilon)
		}
	}
}

func (a *Adam) GetLR() float64   { return a.LearningRate }
func (a *Adam) SetLR(lr float64) { a.LearningRate = lr }

// Adadelta adapts per-parameter step sizes from running averages of
// squared gradients and squared updates.
type Adadelta struct {
	LearningRate float64
	Rho          float64
	Epsilon      float64

	acc map[*tensor.Param]*adadeltaState
}

type adadeltaState struct {
	sqGrad, sqDelta []float64
}

// NewAdadelta creates an Adadelta optimizer with rho 0.9 and epsilon 1e-6.
func NewAdadelta(learningRate float64) *Adadelta {
	return &Adadelta{LearningRate: learningRate, Rho: 0.9, Epsilon: 1e-6}
}

// Step updates every parameter using Adadelta.
func (a *Adadelta) Step(params []*tensor.Param) {
	if a.acc == nil {
		a.acc = make(map[*tensor.Param]*adadeltaState)
	}
	for _, p := range params {
		st, ok := a.acc[p]
		if !ok {
			st = &adadeltaState{sqGrad: make([]float64, p.Size()), sqDelta: make([]float64, p.Size())}
			a.acc[p] = st
		}
		for i, g := range p.Grad {
			st.sqGrad[i] = a.Rho*st.sqGrad[i] + (1-a.Rho)*g*g
			delta := math.Sqrt(st.sqDelta[i]+a.Epsilon) / math.Sqrt(st.sqGrad[i]+a.Epsilon) * g
			st.sqDelta[i] = a.Rho*st.sqDelta[i] + (1-a.Rho)*delta*delta
			p.Value[i] -= a.LearningRate * delta
		}
	}
}

func (a *Adadelta) GetLR() float64   { return a.LearningRate }
func (a *Adadelta) SetLR(lr float64) { a.LearningRate = lr }

// ClipGradNorm rescales all gradients so that their global L2 norm is at
// most maxNorm. It returns the norm before clipping. A non-positive maxNorm
// disables clipping.
func ClipGradNorm(params []*tensor.Param, maxNorm float64) float64 {
	sq := 0.0
	for _, p := range params {
		sq += floats.Dot(p.Grad, p.Grad)
	}
	norm := math.Sqrt(sq)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := maxNorm / norm
	for _, p := range params {
		floats.Scale(scale, p.Grad)
	}
	return norm
}

// Config selects and configures an optimizer and its schedule.
type Config struct {
	Optimizer    string // sgd, adam or adadelta
	LearningRate float64
	Beta1        float64
	Beta2        float64
	GradientClip float64

	Scheduler   string // none, warmupinvsqrt, reduceonplateau, step or exponential
	WarmupSteps int
	Factor      float64
	Patience    int
	MinLR       float64
	StepSize    int
}

// DefaultConfig returns Adam at 0.001 without a schedule.
func DefaultConfig() Config {
	return Config{
		Optimizer:    "adam",
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Scheduler:    "none",
		WarmupSteps:  4000,
		Factor:       0.1,
		Patience:     10,
		StepSize:     1,
	}
}

// New creates the optimizer named by cfg.
func New(cfg Config) (Optimizer, error) {
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", cfg.LearningRate)
	}
	switch cfg.Optimizer {
	case "sgd":
		return NewSGD(cfg.LearningRate), nil
	case "adam":
		a := NewAdam(cfg.LearningRate)
		if cfg.Beta1 > 0 {
			a.Beta1 = cfg.Beta1
		}
		if cfg.Beta2 > 0 {
			a.Beta2 = cfg.Beta2
		}
		return a, nil
	case "adadelta":
		return NewAdadelta(cfg.LearningRate), nil
	}
	return nil, fmt.Errorf("unknown optimizer %q", cfg.Optimizer)
}
