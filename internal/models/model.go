package models

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/FlavioCFOliveira/GoTransduce/internal/batch"
	"github.com/FlavioCFOliveira/GoTransduce/internal/device"
	"github.com/FlavioCFOliveira/GoTransduce/internal/evaluator"
	"github.com/FlavioCFOliveira/GoTransduce/internal/expert"
	"github.com/FlavioCFOliveira/GoTransduce/internal/layer"
	"github.com/FlavioCFOliveira/GoTransduce/internal/tensor"
	"github.com/FlavioCFOliveira/GoTransduce/internal/vocab"
)

// Model owns the parameters of one architecture together with the index
// and device it was built for. The architecture is fixed at construction.
type Model struct {
	cfg    Config
	index  *vocab.Index
	dev    device.Device
	expert *expert.Expert

	net    network
	params []*tensor.Param
	runID  uuid.UUID
}

// Validation is the result of a validation step.
type Validation struct {
	// Loss is the mean per-symbol loss of the batch.
	Loss float64
	// Eval counts exact matches of the greedy predictions.
	Eval evaluator.Item
}

// New builds a model. Features are enabled when the index has them. The
// transducer needs a trained expert; other architectures ignore ex.
func New(cfg Config, index *vocab.Index, dev device.Device, ex *expert.Expert) (*Model, error) {
	if index == nil {
		return nil, configErr("no index")
	}
	cfg.Features = index.HasFeatures()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dev == nil {
		dev = device.GetDefaultDevice()
	}

	rng := layer.NewRNG(cfg.Seed)
	m := &Model{cfg: cfg, index: index, dev: dev, runID: uuid.New()}
	if cfg.Arch == Transducer {
		if ex == nil {
			return nil, configErr("transducer needs an expert")
		}
		if ex.Actions.TargetSize() != index.TargetSize() {
			return nil, configErr("expert covers %d target symbols, index has %d", ex.Actions.TargetSize(), index.TargetSize())
		}
		net, err := newTransducer(cfg, index, ex, rng)
		if err != nil {
			return nil, err
		}
		m.net, m.expert = net, ex
	} else {
		net, err := newSeq2Seq(cfg, index, rng)
		if err != nil {
			return nil, err
		}
		m.net = net
	}
	m.params = m.net.Params()

	seen := make(map[string]bool, len(m.params))
	for _, p := range m.params {
		if seen[p.Name] {
			return nil, fmt.Errorf("models: duplicate parameter name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return m, nil
}

// Collator returns the batch collator matching the architecture: the
// transducer reads bare sources, every other architecture tagged ones.
func (m *Model) Collator() batch.Collator {
	return CollatorFor(m.cfg)
}

// CollatorFor returns the collator for cfg.
func CollatorFor(cfg Config) batch.Collator {
	return batch.Collator{
		SourceTags:      cfg.Arch != Transducer,
		Features:        cfg.Features,
		MaxSourceLength: cfg.MaxSourceLength,
	}
}

// Config returns the model configuration.
func (m *Model) Config() Config {
	return m.cfg
}

// Index returns the symbol index.
func (m *Model) Index() *vocab.Index {
	return m.index
}

// Device returns the device the model was built for.
func (m *Model) Device() device.Device {
	return m.dev
}

// Expert returns the transducer expert, or nil.
func (m *Model) Expert() *expert.Expert {
	return m.expert
}

// RunID identifies the training run the parameters come from. It survives
// a checkpoint round trip.
func (m *Model) RunID() uuid.UUID {
	return m.runID
}

// Params returns every learnable parameter.
func (m *Model) Params() []*tensor.Param {
	return m.params
}

// NumParams returns the number of scalar parameters.
func (m *Model) NumParams() int {
	n := 0
	for _, p := range m.params {
		n += p.Size()
	}
	return n
}

// ZeroGrad clears all accumulated gradients.
func (m *Model) ZeroGrad() {
	for _, p := range m.params {
		p.ZeroGrad()
	}
}

// check rejects malformed batches before any graph is built, so a bad
// index is an error rather than a panic inside a lookup.
func (m *Model) check(b *batch.Batch) error {
	if b == nil {
		return fmt.Errorf("%w: nil batch", batch.ErrShape)
	}
	return b.Validate(m.index)
}

// TrainingStep computes the loss of b and accumulates its gradients into
// the parameters. On error the gradients are left as they were, so steps
// accumulated before a failed one survive it.
func (m *Model) TrainingStep(ctx *StepContext, b *batch.Batch) (float64, error) {
	if err := m.check(b); err != nil {
		return 0, err
	}
	g := tensor.NewGraph(true)
	l, err := m.net.trainingLoss(g, ctx, b)
	if err != nil {
		return 0, err
	}
	if err := g.Backward(l); err != nil {
		return 0, fmt.Errorf("training step: %w", err)
	}
	return l.Scalar(), nil
}

// ValidationStep returns the loss of b and the exact-match counts of its
// greedy predictions.
func (m *Model) ValidationStep(ctx *StepContext, b *batch.Batch) (Validation, error) {
	if err := m.check(b); err != nil {
		return Validation{}, err
	}
	g := tensor.NewGraph(false)
	l, preds, err := m.net.validate(g, ctx, b)
	if err != nil {
		return Validation{}, err
	}
	eval, err := evaluator.Evaluate(preds, b.Target.Indices)
	if err != nil {
		return Validation{}, err
	}
	return Validation{Loss: l.Scalar(), Eval: eval}, nil
}

// PredictStep decodes b. Each prediction stops before END and holds no
// padding.
func (m *Model) PredictStep(ctx *StepContext, b *batch.Batch) ([][]int, error) {
	if err := m.check(b); err != nil {
		return nil, err
	}
	return m.net.predict(tensor.NewGraph(false), ctx, b)
}

// Decode maps predictions back to target symbols.
func (m *Model) Decode(preds [][]int) [][]string {
	out := make([][]string, len(preds))
	for i, p := range preds {
		out[i] = m.index.DecodeTarget(p)
	}
	return out
}
