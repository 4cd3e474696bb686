package models

import (
	"golang.org/x/exp/rand"

	"github.com/FlavioCFOliveira/GoTransduce/internal/expert"
)

// StepContext carries the per-call state of a step. Models never keep
// random sources or epoch counters of their own.
type StepContext struct {
	// Rand drives dropout, roll-in and sampling. It may be nil outside
	// training.
	Rand *rand.Rand
	// Epoch is the current training epoch, starting at 0.
	Epoch int
	// Train enables dropout and the transducer roll-in schedule.
	Train bool

	// Oracle tables of the transducer, reused by every step run with this
	// context. A context must not be shared by concurrent steps.
	oracles     []*expert.Oracle
	oracleOwner *expert.Expert
}

// oracle points the i-th reusable oracle of ex at a pair. A nil context
// gets a fresh oracle every time.
func (c *StepContext) oracle(ex *expert.Expert, i int, source, target []int) (*expert.Oracle, error) {
	if c == nil {
		return ex.NewOracle(source, target)
	}
	if c.oracleOwner != ex {
		c.oracles, c.oracleOwner = c.oracles[:0], ex
	}
	if i < len(c.oracles) {
		return c.oracles[i], c.oracles[i].Reset(source, target)
	}
	o, err := ex.NewOracle(source, target)
	if err != nil {
		return nil, err
	}
	c.oracles = append(c.oracles, o)
	return o, nil
}

// dropoutRand returns the random source for dropout, nil when dropout is
// off.
func (c *StepContext) dropoutRand() *rand.Rand {
	if c == nil || !c.Train {
		return nil
	}
	return c.Rand
}

// NewTrainContext returns a training context seeded with seed.
func NewTrainContext(seed uint64, epoch int) *StepContext {
	return &StepContext{Rand: rand.New(rand.NewSource(seed)), Epoch: epoch, Train: true}
}

// EvalContext returns a context for validation and prediction.
func EvalContext() *StepContext {
	return &StepContext{}
}
