package expert

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Pair is one indexed training pair without boundary tags.
type Pair struct {
	Source []int
	Target []int
}

// SED is a stochastic edit distance model: a single joint distribution,
// stored as log-probabilities, over
//
//	sub(x, y)  delete(x)  insert(y)  end
//
// for source indices x and target indices y.
type SED struct {
	SourceSize int
	TargetSize int

	// Params layout: [sub (SourceSize×TargetSize) | del (SourceSize) |
	// ins (TargetSize) | end].
	Params []float64
}

// NewSED creates a model with a uniform distribution.
func NewSED(sourceSize, targetSize int) *SED {
	s := &SED{SourceSize: sourceSize, TargetSize: targetSize}
	s.Params = make([]float64, s.size())
	uniform := -math.Log(float64(len(s.Params)))
	for i := range s.Params {
		s.Params[i] = uniform
	}
	return s
}

func (s *SED) size() int {
	return s.SourceSize*s.TargetSize + s.SourceSize + s.TargetSize + 1
}

func (s *SED) subIdx(x, y int) int { return x*s.TargetSize + y }
func (s *SED) delIdx(x int) int    { return s.SourceSize*s.TargetSize + x }
func (s *SED) insIdx(y int) int    { return s.SourceSize*s.TargetSize + s.SourceSize + y }
func (s *SED) endIdx() int         { return len(s.Params) - 1 }

// Sub returns log p(sub(x, y)).
func (s *SED) Sub(x, y int) float64 { return s.Params[s.subIdx(x, y)] }

// Del returns log p(delete(x)).
func (s *SED) Del(x int) float64 { return s.Params[s.delIdx(x)] }

// Ins returns log p(insert(y)).
func (s *SED) Ins(y int) float64 { return s.Params[s.insIdx(y)] }

// End returns log p(end).
func (s *SED) End() float64 { return s.Params[s.endIdx()] }

// Clone returns a deep copy.
func (s *SED) Clone() *SED {
	c := *s
	c.Params = append([]float64(nil), s.Params...)
	return &c
}

// Validate checks the parameter layout and every index of pairs.
func (s *SED) Validate(pairs []Pair) error {
	if len(s.Params) != s.size() {
		return fmt.Errorf("sed: %d parameters for a %d×%d alphabet", len(s.Params), s.SourceSize, s.TargetSize)
	}
	for k, p := range pairs {
		for _, x := range p.Source {
			if x < 0 || x >= s.SourceSize {
				return fmt.Errorf("sed: pair %d source index %d outside [0, %d)", k, x, s.SourceSize)
			}
		}
		for _, y := range p.Target {
			if y < 0 || y >= s.TargetSize {
				return fmt.Errorf("sed: pair %d target index %d outside [0, %d)", k, y, s.TargetSize)
			}
		}
	}
	return nil
}

// forward fills alpha: alpha(i, j) is the log-probability of all edit
// paths that read x[:i] and write y[:j].
func (s *SED) forward(alpha *Table, x, y []int) {
	n, m := len(x), len(y)
	alpha.Reset(n, m)
	alpha.Set(0, 0, 0)
	for i := 0; i <= n; i++ {
		for j := 0; j <= m; j++ {
			if i == 0 && j == 0 {
				continue
			}
			v := math.Inf(-1)
			if i > 0 {
				v = logAdd(v, alpha.At(i-1, j)+s.Del(x[i-1]))
			}
			if j > 0 {
				v = logAdd(v, alpha.At(i, j-1)+s.Ins(y[j-1]))
			}
			if i > 0 && j > 0 {
				v = logAdd(v, alpha.At(i-1, j-1)+s.Sub(x[i-1], y[j-1]))
			}
			alpha.Set(i, j, v)
		}
	}
}

// backward fills beta: beta(i, j) is the log-probability of all edit paths
// that read x[i:], write y[j:] and then end.
func (s *SED) backward(beta *Table, x, y []int) {
	n, m := len(x), len(y)
	beta.Reset(n, m)
	beta.Set(n, m, s.End())
	for i := n; i >= 0; i-- {
		for j := m; j >= 0; j-- {
			if i == n && j == m {
				continue
			}
			v := math.Inf(-1)
			if i < n {
				v = logAdd(v, beta.At(i+1, j)+s.Del(x[i]))
			}
			if j < m {
				v = logAdd(v, beta.At(i, j+1)+s.Ins(y[j]))
			}
			if i < n && j < m {
				v = logAdd(v, beta.At(i+1, j+1)+s.Sub(x[i], y[j]))
			}
			beta.Set(i, j, v)
		}
	}
}

// LogLikelihood returns log p(x → y) under the model.
func (s *SED) LogLikelihood(x, y []int) float64 {
	var alpha Table
	s.forward(&alpha, x, y)
	return alpha.At(len(x), len(y)) + s.End()
}

// Aligner runs the E-step over pairs, reusing its tables between them.
type Aligner struct {
	alpha Table
	beta  Table
}

// expect adds the expected edit counts of one pair into counts and returns
// the pair's log-likelihood.
func (a *Aligner) expect(s *SED, x, y []int, counts []float64) float64 {
	s.forward(&a.alpha, x, y)
	s.backward(&a.beta, x, y)
	n, m := len(x), len(y)
	ll := a.alpha.At(n, m) + s.End()
	if math.IsInf(ll, -1) || math.IsNaN(ll) {
		return ll
	}
	post := func(v float64) float64 {
		if math.IsInf(v, -1) {
			return 0
		}
		return math.Exp(v - ll)
	}
	for i := 0; i <= n; i++ {
		for j := 0; j <= m; j++ {
			b := a.beta.At(i, j)
			if i > 0 {
				counts[s.delIdx(x[i-1])] += post(a.alpha.At(i-1, j) + s.Del(x[i-1]) + b)
			}
			if j > 0 {
				counts[s.insIdx(y[j-1])] += post(a.alpha.At(i, j-1) + s.Ins(y[j-1]) + b)
			}
			if i > 0 && j > 0 {
				counts[s.subIdx(x[i-1], y[j-1])] += post(a.alpha.At(i-1, j-1) + s.Sub(x[i-1], y[j-1]) + b)
			}
		}
	}
	counts[s.endIdx()]++
	return ll
}

// maximize replaces the parameters with the normalized counts.
func (s *SED) maximize(counts []float64) {
	total := floats.Sum(counts)
	if total <= 0 {
		return
	}
	for i, c := range counts {
		s.Params[i] = math.Log(c / total)
	}
}

// FitConfig controls EM.
type FitConfig struct {
	// Epochs is the maximum number of EM iterations.
	Epochs int
	// Tolerance stops EM once the corpus log-likelihood changes by less.
	Tolerance float64
	// Logger receives progress lines; nil silences them.
	Logger *log.Logger
}

// FitReport summarizes an EM run.
type FitReport struct {
	// LogLikelihoods holds the corpus log-likelihood before each M-step.
	LogLikelihoods []float64
	Converged      bool
	Best           float64
}

// Fit runs EM over pairs and leaves the model at the parameters with the
// highest corpus log-likelihood seen. Failing to converge within the epoch
// budget is reported, not returned as an error.
func (s *SED) Fit(pairs []Pair, cfg FitConfig) (FitReport, error) {
	if err := s.Validate(pairs); err != nil {
		return FitReport{}, err
	}
	if len(pairs) == 0 {
		return FitReport{}, fmt.Errorf("sed: no training pairs")
	}
	logf := func(format string, args ...interface{}) {
		if cfg.Logger != nil {
			cfg.Logger.Printf(format, args...)
		}
	}

	var (
		aligner Aligner
		report  = FitReport{Best: math.Inf(-1)}
		best    = s.Params
		counts  = make([]float64, len(s.Params))
	)
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		for i := range counts {
			counts[i] = 0
		}
		ll := 0.0
		for k, p := range pairs {
			pll := aligner.expect(s, p.Source, p.Target, counts)
			if math.IsInf(pll, -1) || math.IsNaN(pll) {
				return report, fmt.Errorf("%w: pair %d has no edit path under the model", ErrUnreachable, k)
			}
			ll += pll
		}
		report.LogLikelihoods = append(report.LogLikelihoods, ll)
		logf("sed: epoch %d log-likelihood %.4f", epoch+1, ll)
		if ll > report.Best {
			report.Best = ll
			best = append([]float64(nil), s.Params...)
		}
		if epoch > 0 && math.Abs(ll-report.LogLikelihoods[epoch-1]) < cfg.Tolerance {
			report.Converged = true
			break
		}
		s.maximize(counts)
	}
	copy(s.Params, best)
	if !report.Converged {
		logf("sed: warning: EM did not converge in %d epochs, keeping best log-likelihood %.4f", cfg.Epochs, report.Best)
	}
	return report, nil
}
