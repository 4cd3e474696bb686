package opt

import (
	"fmt"
	"math"
)

// Scheduler defines the interface for learning rate schedulers.
type Scheduler interface {
	// Step is called after every optimizer step.
	Step()
	// StepWithLoss is called after every validation with its loss.
	StepWithLoss(loss float64)
	GetLR() float64
}

// BaseScheduler provides default implementations for Scheduler.
type BaseScheduler struct{}

func (s BaseScheduler) Step()                     {}
func (s BaseScheduler) StepWithLoss(loss float64) {}

// Constant keeps the learning rate of the optimizer.
type Constant struct {
	BaseScheduler
	optimizer Optimizer
}

func (s *Constant) GetLR() float64 {
	return s.optimizer.GetLR()
}

// WarmupInverseSquareRoot raises the learning rate linearly over the
// warmup steps and then decays it with the inverse square root of the step
// number:
//
//	lr(t) = base * min(t/warmup, sqrt(warmup/t))
type WarmupInverseSquareRoot struct {
	BaseScheduler
	optimizer Optimizer
	baseLR    float64
	warmup    int
	step      int
}

// NewWarmupInverseSquareRoot wraps optimizer, whose current learning rate
// becomes the peak rate, and sets the rate of the first step.
func NewWarmupInverseSquareRoot(optimizer Optimizer, warmupSteps int) *WarmupInverseSquareRoot {
	if warmupSteps < 1 {
		warmupSteps = 1
	}
	s := &WarmupInverseSquareRoot{optimizer: optimizer, baseLR: optimizer.GetLR(), warmup: warmupSteps}
	optimizer.SetLR(s.rate(1))
	return s
}

func (s *WarmupInverseSquareRoot) rate(t int) float64 {
	w := float64(s.warmup)
	ft := float64(t)
	return s.baseLR * math.Min(ft/w, math.Sqrt(w/ft))
}

// Step sets the rate of the next optimizer step.
func (s *WarmupInverseSquareRoot) Step() {
	s.step++
	s.optimizer.SetLR(s.rate(s.step + 1))
}

func (s *WarmupInverseSquareRoot) GetLR() float64 {
	return s.optimizer.GetLR()
}

// StepLR decays the learning rate by gamma every stepSize epochs.
type StepLR struct {
	BaseScheduler
	optimizer Optimizer
	stepSize  int
	gamma     float64
	lastEpoch int
}

func NewStepLR(optimizer Optimizer, stepSize int, gamma float64) *StepLR {
	return &StepLR{
		optimizer: optimizer,
		stepSize:  stepSize,
		gamma:     gamma,
	}
}

// StepWithLoss counts an epoch; the loss is ignored.
func (s *StepLR) StepWithLoss(float64) {
	s.lastEpoch++
	if s.lastEpoch%s.stepSize == 0 {
		s.optimizer.SetLR(s.optimizer.GetLR() * s.gamma)
	}
}

func (s *StepLR) GetLR() float64 {
	return s.optimizer.GetLR()
}

// ExponentialLR decays the learning rate by gamma every epoch.
type ExponentialLR struct {
	BaseScheduler
	optimizer Optimizer
	gamma     float64
}

func NewExponentialLR(optimizer Optimizer, gamma float64) *ExponentialLR {
	return &ExponentialLR{
		optimizer: optimizer,
		gamma:     gamma,
	}
}

func (s *ExponentialLR) StepWithLoss(float64) {
	s.optimizer.SetLR(s.optimizer.GetLR() * s.gamma)
}

func (s *ExponentialLR) GetLR() float64 {
	return s.optimizer.GetLR()
}

// ReduceLROnPlateau reduces learning rate when a metric has stopped improving.
type ReduceLROnPlateau struct {
	BaseScheduler
	optimizer Optimizer
	factor    float64
	patience  int
	threshold float64
	cooldown  int
	minLR     float64

	bestLoss        float64
	numBadEpochs    int
	cooldownCounter int
}

func NewReduceLROnPlateau(optimizer Optimizer, factor float64, patience int, threshold float64, minLR float64) *ReduceLROnPlateau {
	return &ReduceLROnPlateau{
		optimizer: optimizer,
		factor:    factor,
		patience:  patience,
		threshold: threshold,
		minLR:     minLR,
		bestLoss:  math.Inf(1),
	}
}

func (s *ReduceLROnPlateau) StepWithLoss(currentLoss float64) {
	if s.cooldownCounter > 0 {
		s.cooldownCounter--
		return
	}

	if currentLoss < s.bestLoss-s.threshold {
		s.bestLoss = currentLoss
		s.numBadEpochs = 0
	} else {
		s.numBadEpochs++
	}

	if s.numBadEpochs >= s.patience {
		newLR := math.Max(s.optimizer.GetLR()*s.factor, s.minLR)
		s.optimizer.SetLR(newLR)
		s.numBadEpochs = 0
		s.cooldownCounter = s.cooldown
	}
}

func (s *ReduceLROnPlateau) GetLR() float64 {
	return s.optimizer.GetLR()
}

// NewScheduler creates the schedule named by cfg around optimizer.
func NewScheduler(cfg Config, optimizer Optimizer) (Scheduler, error) {
	switch cfg.Scheduler {
	case "", "none":
		return &Constant{optimizer: optimizer}, nil
	case "warmupinvsqrt":
		return NewWarmupInverseSquareRoot(optimizer, cfg.WarmupSteps), nil
	case "reduceonplateau":
		return NewReduceLROnPlateau(optimizer, cfg.Factor, cfg.Patience, 0, cfg.MinLR), nil
	case "step":
		if cfg.StepSize < 1 {
			return nil, fmt.Errorf("step schedule needs a positive step size, got %d", cfg.StepSize)
		}
		return NewStepLR(optimizer, cfg.StepSize, cfg.Factor), nil
	case "exponential":
		return NewExponentialLR(optimizer, cfg.Factor), nil
	}
	return nil, fmt.Errorf("unknown scheduler %q", cfg.Scheduler)
}
