// Package train drives a model through epochs of training and validation
// and notifies callbacks along the way.
package train

import (
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/FlavioCFOliveira/GoTransduce/internal/batch"
	"github.com/FlavioCFOliveira/GoTransduce/internal/data"
	"github.com/FlavioCFOliveira/GoTransduce/internal/evaluator"
	"github.com/FlavioCFOliveira/GoTransduce/internal/models"
	"github.com/FlavioCFOliveira/GoTransduce/internal/opt"
)

// Config controls the training loop.
type Config struct {
	MaxEpochs int
	BatchSize int
	// Shuffle reorders the training set every epoch.
	Shuffle bool
	// Seed drives shuffling, dropout and the transducer roll-in.
	Seed uint64
	Opt  opt.Config
}

// DefaultConfig returns 20 epochs of shuffled batches of 32.
func DefaultConfig() Config {
	return Config{
		MaxEpochs: 20,
		BatchSize: 32,
		Shuffle:   true,
		Seed:      1,
		Opt:       opt.DefaultConfig(),
	}
}

// Metrics summarizes one epoch. Validation fields are zero without a
// validation set.
type Metrics struct {
	Epoch       int
	TrainLoss   float64
	ValLoss     float64
	ValAccuracy float64
	LR          float64
	Validated   bool
}

// Trainer owns the optimizer state for one model.
type Trainer struct {
	Model     *models.Model
	Optimizer opt.Optimizer
	Scheduler opt.Scheduler
	Callbacks []Callback

	cfg     Config
	stopped bool
	steps   int
}

// New creates a trainer with the optimizer and schedule of cfg.Opt.
func New(m *models.Model, cfg Config, callbacks ...Callback) (*Trainer, error) {
	if cfg.MaxEpochs < 1 {
		return nil, fmt.Errorf("max epochs must be positive, got %d", cfg.MaxEpochs)
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	o, err := opt.New(cfg.Opt)
	if err != nil {
		return nil, err
	}
	s, err := opt.NewScheduler(cfg.Opt, o)
	if err != nil {
		return nil, err
	}
	return &Trainer{Model: m, Optimizer: o, Scheduler: s, Callbacks: callbacks, cfg: cfg}, nil
}

// Stop ends training after the current epoch.
func (t *Trainer) Stop() {
	t.stopped = true
}

// Steps returns the number of optimizer steps taken so far.
func (t *Trainer) Steps() int {
	return t.steps
}

// Fit trains on trainSet for up to MaxEpochs epochs, validating on valSet
// after each one when it is not nil. It returns the metrics of every
// completed epoch.
func (t *Trainer) Fit(trainSet, valSet *data.Dataset) ([]Metrics, error) {
	if trainSet == nil || trainSet.Len() == 0 {
		return nil, fmt.Errorf("empty training set")
	}
	rng := rand.New(rand.NewSource(t.cfg.Seed))
	var shuffle *rand.Rand
	if t.cfg.Shuffle {
		shuffle = rng
	}

	t.stopped = false
	for _, c := range t.Callbacks {
		c.OnTrainBegin(t)
	}
	defer func() {
		for _, c := range t.Callbacks {
			c.OnTrainEnd(t)
		}
	}()

	var history []Metrics
	for epoch := 0; epoch < t.cfg.MaxEpochs && !t.stopped; epoch++ {
		for _, c := range t.Callbacks {
			c.OnEpochBegin(epoch, t)
		}
		batches, err := trainSet.Batches(t.cfg.BatchSize, shuffle)
		if err != nil {
			return history, err
		}

		ctx := &models.StepContext{Rand: rng, Epoch: epoch, Train: true}
		total := 0.0
		for i, b := range batches {
			loss, err := t.step(ctx, b)
			if err != nil {
				return history, fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
			}
			total += loss
			for _, c := range t.Callbacks {
				c.OnBatchEnd(i, loss, t)
			}
		}

		m := Metrics{Epoch: epoch, TrainLoss: total / float64(len(batches))}
		monitor := m.TrainLoss
		if valSet != nil && valSet.Len() > 0 {
			loss, eval, err := Evaluate(t.Model, valSet, t.cfg.BatchSize)
			if err != nil {
				return history, fmt.Errorf("epoch %d validation: %w", epoch, err)
			}
			m.ValLoss, m.ValAccuracy, m.Validated = loss, eval.Accuracy(), true
			monitor = loss
		}
		t.Scheduler.StepWithLoss(monitor)
		m.LR = t.Optimizer.GetLR()
		history = append(history, m)

		for _, c := range t.Callbacks {
			c.OnEpochEnd(epoch, m, t)
		}
	}
	return history, nil
}

func (t *Trainer) step(ctx *models.StepContext, b *batch.Batch) (float64, error) {
	loss, err := t.Model.TrainingStep(ctx, b)
	if err != nil {
		return 0, err
	}
	params := t.Model.Params()
	opt.ClipGradNorm(params, t.cfg.Opt.GradientClip)
	t.Optimizer.Step(params)
	t.Model.ZeroGrad()
	t.Scheduler.Step()
	t.steps++
	return loss, nil
}

// Evaluate returns the per-example weighted validation loss and the exact
// match counts of ds.
func Evaluate(m *models.Model, ds *data.Dataset, batchSize int) (float64, evaluator.Item, error) {
	batches, err := ds.Batches(batchSize, nil)
	if err != nil {
		return 0, evaluator.Item{}, err
	}
	var (
		total float64
		n     int
		eval  evaluator.Item
	)
	ctx := models.EvalContext()
	for i, b := range batches {
		v, err := m.ValidationStep(ctx, b)
		if err != nil {
			return 0, evaluator.Item{}, fmt.Errorf("batch %d: %w", i, err)
		}
		total += v.Loss * float64(b.Size())
		n += b.Size()
		eval = eval.Add(v.Eval)
	}
	if n == 0 {
		return 0, eval, nil
	}
	return total / float64(n), eval, nil
}

// Predict decodes every example of ds in file order.
func Predict(m *models.Model, ds *data.Dataset, batchSize int) ([][]string, error) {
	batches, err := ds.Batches(batchSize, nil)
	if err != nil {
		return nil, err
	}
	ctx := models.EvalContext()
	out := make([][]string, 0, ds.Len())
	for i, b := range batches {
		b.Target = nil
		preds, err := m.PredictStep(ctx, b)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
		out = append(out, m.Decode(preds)...)
	}
	return out, nil
}
