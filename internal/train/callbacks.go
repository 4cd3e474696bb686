package train

import (
	"fmt"
	"io"
	"os"
)

// Callback defines the interface for training callbacks.
type Callback interface {
	OnTrainBegin(t *Trainer)
	OnTrainEnd(t *Trainer)
	OnEpochBegin(epoch int, t *Trainer)
	OnEpochEnd(epoch int, m Metrics, t *Trainer)
	OnBatchEnd(batch int, loss float64, t *Trainer)
}

// BaseCallback provides default empty implementations for Callback.
type BaseCallback struct{}

func (c BaseCallback) OnTrainBegin(t *Trainer)                        {}
func (c BaseCallback) OnTrainEnd(t *Trainer)                          {}
func (c BaseCallback) OnEpochBegin(epoch int, t *Trainer)             {}
func (c BaseCallback) OnEpochEnd(epoch int, m Metrics, t *Trainer)    {}
func (c BaseCallback) OnBatchEnd(batch int, loss float64, t *Trainer) {}

// monitored returns the value of a metric and whether larger is better.
// Validation metrics fall back to the training loss when there was no
// validation.
func monitored(m Metrics, name string) (float64, bool, error) {
	switch name {
	case "", "val_accuracy":
		if !m.Validated {
			return m.TrainLoss, false, nil
		}
		return m.ValAccuracy, true, nil
	case "val_loss":
		if !m.Validated {
			return m.TrainLoss, false, nil
		}
		return m.ValLoss, false, nil
	case "train_loss":
		return m.TrainLoss, false, nil
	}
	return 0, false, fmt.Errorf("unknown metric %q", name)
}

// tracker remembers the best value of a monitored metric.
type tracker struct {
	best float64
	seen bool
}

// improved records v and reports whether it beats the best by more than
// delta.
func (tr *tracker) improved(v float64, higher bool, delta float64) bool {
	better := !tr.seen
	if tr.seen {
		if higher {
			better = v > tr.best+delta
		} else {
			better = v < tr.best-delta
		}
	}
	if better {
		tr.best, tr.seen = v, true
	}
	return better
}

// EarlyStopping stops training when a monitored metric has stopped improving.
type EarlyStopping struct {
	BaseCallback
	Patience  int
	Threshold float64
	Monitor   string // "val_accuracy" (default), "val_loss" or "train_loss"

	best         tracker
	numBadEpochs int
	Stopped      bool
}

func NewEarlyStopping(patience int, threshold float64) *EarlyStopping {
	return &EarlyStopping{
		Patience:  patience,
		Threshold: threshold,
	}
}

func (c *EarlyStopping) OnTrainBegin(t *Trainer) {
	c.best = tracker{}
	c.numBadEpochs = 0
	c.Stopped = false
}

func (c *EarlyStopping) OnEpochEnd(epoch int, m Metrics, t *Trainer) {
	v, higher, err := monitored(m, c.Monitor)
	if err != nil {
		fmt.Printf("EarlyStopping: %v\n", err)
		return
	}
	if c.best.improved(v, higher, c.Threshold) {
		c.numBadEpochs = 0
	} else {
		c.numBadEpochs++
	}

	if c.numBadEpochs >= c.Patience {
		fmt.Printf("\nEarly stopping at epoch %d: %.6f did not improve for %d epochs\n", epoch, v, c.Patience)
		c.Stopped = true
		t.Stop()
	}
}

// ModelCheckpoint saves the model after every epoch if it's the best so far.
type ModelCheckpoint struct {
	BaseCallback
	Filename string
	Monitor  string // "val_accuracy" (default), "val_loss" or "train_loss"

	best      tracker
	BestEpoch int
}

func NewModelCheckpoint(filename string) *ModelCheckpoint {
	return &ModelCheckpoint{
		Filename:  filename,
		BestEpoch: -1,
	}
}

func (c *ModelCheckpoint) OnEpochEnd(epoch int, m Metrics, t *Trainer) {
	v, higher, err := monitored(m, c.Monitor)
	if err != nil {
		fmt.Printf("ModelCheckpoint: %v\n", err)
		return
	}
	if !c.best.improved(v, higher, 0) {
		return
	}
	if err := t.Model.Save(c.Filename); err != nil {
		fmt.Printf("Error saving checkpoint: %v\n", err)
		return
	}
	c.BestEpoch = epoch
	fmt.Printf("Checkpoint saved: %.6f is new best\n", v)
}

// Logger logs training progress to console.
type Logger struct {
	BaseCallback
	Interval int
	Out      io.Writer // os.Stdout when nil
}

func (c Logger) OnEpochEnd(epoch int, m Metrics, t *Trainer) {
	if c.Interval <= 0 || epoch%c.Interval != 0 {
		return
	}
	out := c.Out
	if out == nil {
		out = os.Stdout
	}
	if m.Validated {
		fmt.Fprintf(out, "Epoch %d: loss = %.6f, val_loss = %.6f, val_accuracy = %.4f, lr = %.3g\n", epoch, m.TrainLoss, m.ValLoss, m.ValAccuracy, m.LR)
		return
	}
	fmt.Fprintf(out, "Epoch %d: loss = %.6f, lr = %.3g\n", epoch, m.TrainLoss, m.LR)
}
