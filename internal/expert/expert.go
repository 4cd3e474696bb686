package expert

import (
	"errors"
	"fmt"
	"log"
	"math"
)

// ErrUnreachable is returned when a target cannot be written from its
// source with the available actions.
var ErrUnreachable = errors.New("target unreachable from source")

// paramFloor bounds log-probabilities seen by the oracle so that every
// edit stays possible, however unlikely EM made it.
var paramFloor = math.Log(1e-12)

// Config configures an Expert.
type Config struct {
	// OracleFactor k sets the roll-in schedule k/(k+exp(epoch/k)).
	OracleFactor float64
	// EMEpochs and EMTolerance bound the EM fit.
	EMEpochs    int
	EMTolerance float64
}

// DefaultConfig returns oracle factor 1, five EM epochs and tolerance 1e-4.
func DefaultConfig() Config {
	return Config{OracleFactor: 1, EMEpochs: 5, EMTolerance: 1e-4}
}

// Expert provides oracle edit actions for training pairs.
type Expert struct {
	Actions *ActionSet
	SED     *SED

	cfg            Config
	sourceToTarget []int
	logger         *log.Logger
}

// New creates an expert over the given alphabets. sourceToTarget maps each
// source index to the target index of the same symbol.
func New(cfg Config, sourceToTarget []int, targetSize int) *Expert {
	return &Expert{
		Actions:        NewActionSet(targetSize),
		SED:            NewSED(len(sourceToTarget), targetSize),
		cfg:            cfg,
		sourceToTarget: sourceToTarget,
		logger:         log.Default(),
	}
}

// SetLogger replaces the logger; nil silences the expert.
func (e *Expert) SetLogger(l *log.Logger) {
	e.logger = l
}

// Config returns the expert configuration.
func (e *Expert) Config() Config {
	return e.cfg
}

// SourceToTarget returns the source-to-target symbol map.
func (e *Expert) SourceToTarget() []int {
	return e.sourceToTarget
}

// Train fits the edit model on pairs. Every target must be writable with
// the action set; a pair that is not is ErrUnreachable.
func (e *Expert) Train(pairs []Pair) (FitReport, error) {
	for k, p := range pairs {
		for j, y := range p.Target {
			if _, ok := e.Actions.Index(Action{Kind: Insert, Symbol: y}); !ok {
				return FitReport{}, fmt.Errorf("%w: pair %d target symbol %d at position %d has no edit action", ErrUnreachable, k, y, j)
			}
		}
	}
	return e.SED.Fit(pairs, FitConfig{
		Epochs:    e.cfg.EMEpochs,
		Tolerance: e.cfg.EMTolerance,
		Logger:    e.logger,
	})
}

// RollInRate is the probability of following the oracle during roll-in at
// epoch: k/(k+exp(epoch/k)).
func (e *Expert) RollInRate(epoch int) float64 {
	k := e.cfg.OracleFactor
	if k <= 0 {
		return 0
	}
	return k / (k + math.Exp(float64(epoch)/k))
}

func floored(v float64) float64 {
	if v < paramFloor || math.IsNaN(v) {
		return paramFloor
	}
	return v
}

// Oracle answers best-action queries for one pair.
type Oracle struct {
	e      *Expert
	source []int
	target []int
	cost   Table
}

// NewOracle prepares the oracle for a pair.
func (e *Expert) NewOracle(source, target []int) (*Oracle, error) {
	o := &Oracle{e: e}
	if err := o.Reset(source, target); err != nil {
		return nil, err
	}
	return o, nil
}

// Reset points the oracle at another pair, reusing its table.
//
// The table holds the Viterbi cost-to-go: cost(i, j) is the best
// log-probability of reading source[i:], writing target[j:] and ending.
func (o *Oracle) Reset(source, target []int) error {
	s := o.e.SED
	for j, y := range target {
		if _, ok := o.e.Actions.Index(Action{Kind: Insert, Symbol: y}); !ok {
			return fmt.Errorf("%w: target symbol %d at position %d has no edit action", ErrUnreachable, y, j)
		}
	}
	for i, x := range source {
		if x < 0 || x >= s.SourceSize {
			return fmt.Errorf("%w: source index %d at position %d outside the model", ErrUnreachable, x, i)
		}
	}
	o.source, o.target = source, target
	n, m := len(source), len(target)
	o.cost.Reset(n, m)
	o.cost.Set(n, m, floored(s.End()))
	for i := n; i >= 0; i-- {
		for j := m; j >= 0; j-- {
			if i == n && j == m {
				continue
			}
			best := math.Inf(-1)
			if i < n && j < m {
				best = math.Max(best, o.cost.At(i+1, j+1)+floored(s.Sub(source[i], target[j])))
			}
			if i < n {
				best = math.Max(best, o.cost.At(i+1, j)+floored(s.Del(source[i])))
			}
			if j < m {
				best = math.Max(best, o.cost.At(i, j+1)+floored(s.Ins(target[j])))
			}
			o.cost.Set(i, j, best)
		}
	}
	if v := o.cost.At(0, 0); math.IsInf(v, 0) || math.IsNaN(v) {
		return fmt.Errorf("%w: no edit path (cost %v)", ErrUnreachable, v)
	}
	return nil
}

// Action returns the best action at source position i having written j
// target symbols. Ties prefer copy or substitute, then delete, then insert.
// Past the end of the target only delete and end remain.
func (o *Oracle) Action(i, j int) Action {
	n, m := len(o.source), len(o.target)
	if i >= n {
		if j >= m {
			return Action{Kind: End}
		}
		return Action{Kind: Insert, Symbol: o.target[j]}
	}
	if j >= m {
		return Action{Kind: Delete}
	}
	s := o.e.SED
	x, y := o.source[i], o.target[j]

	diag := Action{Kind: Substitute, Symbol: y}
	if o.e.sourceToTarget[x] == y {
		diag = Action{Kind: Copy}
	}
	best, score := diag, o.cost.At(i+1, j+1)+floored(s.Sub(x, y))
	if v := o.cost.At(i+1, j) + floored(s.Del(x)); v > score {
		best, score = Action{Kind: Delete}, v
	}
	if v := o.cost.At(i, j+1) + floored(s.Ins(y)); v > score {
		best = Action{Kind: Insert, Symbol: y}
	}
	return best
}

// Actions returns the full oracle action sequence for the pair, ending with
// End.
func (o *Oracle) Actions() []Action {
	var out []Action
	i, j := 0, 0
	for {
		a := o.Action(i, j)
		out = append(out, a)
		switch a.Kind {
		case End:
			return out
		case Copy, Substitute:
			i++
			j++
		case Delete:
			i++
		case Insert:
			j++
		}
	}
}

// OracleActions derives the static oracle sequence for source → target.
func (e *Expert) OracleActions(source, target []int) ([]Action, error) {
	o, err := e.NewOracle(source, target)
	if err != nil {
		return nil, err
	}
	return o.Actions(), nil
}
