package models

import (
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/FlavioCFOliveira/GoTransduce/internal/batch"
	"github.com/FlavioCFOliveira/GoTransduce/internal/expert"
	"github.com/FlavioCFOliveira/GoTransduce/internal/layer"
	"github.com/FlavioCFOliveira/GoTransduce/internal/loss"
	"github.com/FlavioCFOliveira/GoTransduce/internal/tensor"
	"github.com/FlavioCFOliveira/GoTransduce/internal/vocab"
)

// NewExpert returns an untrained expert for a transducer over index.
func NewExpert(cfg Config, index *vocab.Index) *expert.Expert {
	return expert.New(expert.Config{
		OracleFactor: cfg.OracleFactor,
		EMEpochs:     cfg.OracleEMEpochs,
		EMTolerance:  cfg.OracleEMTol,
	}, index.SourceToTarget(), index.TargetSize())
}

// ExpertPairs turns indexed items into expert training pairs.
func ExpertPairs(items []batch.Item) []expert.Pair {
	pairs := make([]expert.Pair, 0, len(items))
	for _, it := range items {
		if it.Target != nil {
			pairs = append(pairs, expert.Pair{Source: it.Source, Target: it.Target})
		}
	}
	return pairs
}

// transducer is a neural edit policy. At every step it reads the encoder
// output at the current source position and the previous action, and
// scores the edit actions valid there. It is trained by imitation of an
// expert oracle.
type transducer struct {
	cfg     Config
	expert  *expert.Expert
	actions *expert.ActionSet
	s2t     []int

	encoder    *lstmEncoder
	actEmb     *layer.Embedding
	drop       *layer.Dropout
	lstm       *layer.LSTM
	featAttn   *layer.Attention
	classifier *layer.Linear
	hidden     int
}

func newTransducer(cfg Config, index *vocab.Index, ex *expert.Expert, rng *rand.Rand) (*transducer, error) {
	enc, err := newLSTMEncoder(cfg, sourceEmbedding(cfg, index, rng), rng)
	if err != nil {
		return nil, err
	}
	enc.endPosition = true

	actions := ex.Actions
	t := &transducer{
		cfg:     cfg,
		expert:  ex,
		actions: actions,
		s2t:     index.SourceToTarget(),
		encoder: enc,
		// The extra row is the start-of-decoding marker.
		actEmb:     layer.NewEmbedding("actions.embedding", actions.Size()+1, cfg.EmbeddingSize, -1, rng),
		drop:       layer.NewDropout(cfg.Dropout),
		classifier: layer.NewLinear("decoder.classifier", cfg.HiddenSize, actions.Size(), true, rng),
		hidden:     cfg.HiddenSize,
	}
	in := cfg.EmbeddingSize + enc.OutSize()
	if cfg.Features {
		in += cfg.HiddenSize
		t.featAttn = layer.NewAttention("decoder.feature_attention", cfg.HiddenSize, cfg.HiddenSize, cfg.HiddenSize, rng)
	}
	if t.lstm, err = layer.NewLSTM("decoder", in, cfg.HiddenSize, cfg.DecoderLayers, false, layer.MergeConcat, cfg.Dropout, rng); err != nil {
		return nil, configErr("%v", err)
	}
	return t, nil
}

func (t *transducer) startAction() int {
	return t.actions.Size()
}

// policyState is one row-aligned decoding state.
type policyState struct {
	rec      layer.LSTMState
	featKeys []*tensor.Tensor
}

func (t *transducer) start(g *tensor.Graph, enc *EncoderOutput) *policyState {
	layers := t.lstm.Layers()
	st := &policyState{rec: layer.ZeroLSTMState(g, layers, enc.Size(), t.hidden)}
	for k := 0; k < layers; k++ {
		src := k
		if src >= len(enc.Final.H) {
			src = len(enc.Final.H) - 1
		}
		st.rec.H[k], st.rec.C[k] = enc.Final.H[src], enc.Final.C[src]
	}
	if t.featAttn != nil && enc.Features != nil {
		st.featKeys = t.featAttn.Keys(g, enc.Features.Outputs)
	}
	return st
}

// step scores the actions for every row at source positions pos of
// sources with the given lengths.
func (t *transducer) step(g *tensor.Graph, prev, pos, lengths []int, st *policyState, enc *EncoderOutput, rng *rand.Rand) (*tensor.Tensor, *policyState) {
	inputs := []*tensor.Tensor{
		t.drop.Forward(g, t.actEmb.Forward(g, prev), rng),
		g.PickSeq(enc.Outputs, pos),
	}
	if t.featAttn != nil {
		if enc.Features == nil {
			inputs = append(inputs, g.Zeros(enc.Size(), t.hidden))
		} else {
			ctx, _ := t.featAttn.Forward(g, st.rec.Top(), st.featKeys, enc.Features.Outputs, enc.Features.Pad)
			inputs = append(inputs, ctx)
		}
	}
	h, rec := t.lstm.Step(g, g.Concat(inputs...), st.rec, rng)
	logits := t.classifier.Forward(g, t.drop.Forward(g, h, rng))

	invalid := make([][]bool, len(pos))
	for b := range invalid {
		invalid[b] = t.actions.Invalid(pos[b], lengths[b])
	}
	return g.LogSoftmax(logits, invalid), &policyState{rec: rec, featKeys: st.featKeys}
}

// pairs splits a batch into bare sources and END-stripped targets.
func (t *transducer) pairs(b *batch.Batch) ([][]int, [][]int) {
	lengths := b.Source.Lengths()
	sources := make([][]int, b.Size())
	for i, n := range lengths {
		sources[i] = b.Source.Indices[i][:n]
	}
	if !b.HasTarget() {
		return sources, nil
	}
	targets := make([][]int, b.Size())
	for i, row := range b.Target.Indices {
		m := 0
		for m < len(row) && row[m] != vocab.EndIdx && row[m] != vocab.PadIdx {
			m++
		}
		targets[i] = row[:m]
	}
	return sources, targets
}

func (t *transducer) checkBatch(b *batch.Batch, needTarget bool) error {
	if needTarget && !b.HasTarget() {
		return fmt.Errorf("%w: batch has no target", batch.ErrShape)
	}
	if t.cfg.Features && !b.HasFeatures() {
		return fmt.Errorf("%w: transducer model needs features", batch.ErrShape)
	}
	return nil
}

// imitate rolls the policy in over a batch and returns the loss of the
// oracle actions. Each row follows the oracle with probability rate and
// samples from the policy otherwise.
func (t *transducer) imitate(g *tensor.Graph, ctx *StepContext, b *batch.Batch, rate float64, rng *rand.Rand, dropout *rand.Rand) (*tensor.Tensor, error) {
	sources, targets := t.pairs(b)
	n := b.Size()
	maxSteps := 1
	oracles := make([]*expert.Oracle, n)
	for i := 0; i < n; i++ {
		o, err := ctx.oracle(t.expert, i, sources[i], targets[i])
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", i, err)
		}
		oracles[i] = o
		if s := 2*(len(sources[i])+len(targets[i])) + 1; s > maxSteps {
			maxSteps = s
		}
	}

	enc := t.encoder.Encode(g, b, dropout)
	st := t.start(g, enc)
	lengths := b.Source.Lengths()
	pos := make([]int, n)
	written := make([]int, n)
	done := make([]bool, n)
	prev := fill(n, t.startAction())

	var logProbs []*tensor.Tensor
	var gold [][]int
	for step := 0; step < maxSteps && !allDone(done); step++ {
		lp, next := t.step(g, prev, pos, lengths, st, enc, dropout)
		st = next
		labels := fill(n, -1)
		for i := 0; i < n; i++ {
			if done[i] {
				continue
			}
			want := oracles[i].Action(pos[i], min(written[i], len(targets[i])))
			wantIdx, ok := t.actions.Index(want)
			if !ok {
				return nil, fmt.Errorf("%w: example %d oracle action %v has no index", expert.ErrUnreachable, i, want)
			}
			labels[i] = wantIdx

			taken := wantIdx
			if rng != nil && rng.Float64() >= rate {
				taken = sampleFrom(lp.Row(i), rng)
			}
			prev[i] = taken
			a := t.actions.Action(taken)
			if _, writes := expert.Apply(a, sources[i], pos[i], t.s2t); writes {
				written[i]++
			}
			switch {
			case a.Kind == expert.End:
				done[i] = true
			case a.Consumes():
				pos[i]++
			}
		}
		logProbs = append(logProbs, lp)
		gold = append(gold, labels)
	}
	if len(logProbs) == 0 {
		return nil, fmt.Errorf("%w: nothing to imitate", batch.ErrShape)
	}

	// The loss wants [B][T] gold.
	byRow := make([][]int, n)
	for i := range byRow {
		byRow[i] = column(gold, i)
	}
	return loss.NLLLoss{IgnoreIndex: -1, Smoothing: t.cfg.LabelSmoothing}.Forward(g, logProbs, byRow)
}

// decodeGreedy decodes target symbols by always taking the best valid action.
func (t *transducer) decodeGreedy(g *tensor.Graph, b *batch.Batch, maxSteps int) [][]int {
	sources, _ := t.pairs(b)
	n := b.Size()
	enc := t.encoder.Encode(g, b, nil)
	st := t.start(g, enc)
	lengths := b.Source.Lengths()
	pos := make([]int, n)
	done := make([]bool, n)
	prev := fill(n, t.startAction())
	out := make([][]int, n)
	for i := range out {
		out[i] = []int{}
	}

	for step := 0; step < maxSteps && !allDone(done); step++ {
		lp, next := t.step(g, prev, pos, lengths, st, enc, nil)
		st = next
		for i := 0; i < n; i++ {
			if done[i] {
				continue
			}
			idx := greedy(lp.Row(i))
			prev[i] = idx
			a := t.actions.Action(idx)
			if sym, writes := expert.Apply(a, sources[i], pos[i], t.s2t); writes {
				out[i] = append(out[i], sym)
			}
			switch {
			case a.Kind == expert.End:
				done[i] = true
			case a.Consumes():
				pos[i]++
			}
		}
	}
	return out
}

func allDone(done []bool) bool {
	for _, d := range done {
		if !d {
			return false
		}
	}
	return true
}

func (t *transducer) trainingLoss(g *tensor.Graph, ctx *StepContext, b *batch.Batch) (*tensor.Tensor, error) {
	if err := t.checkBatch(b, true); err != nil {
		return nil, err
	}
	rate := 1.0
	var rng *rand.Rand
	if ctx != nil && ctx.Train {
		rate = t.expert.RollInRate(ctx.Epoch)
		rng = ctx.Rand
	}
	return t.imitate(g, ctx, b, rate, rng, ctx.dropoutRand())
}

// validate scores the static oracle sequence and decodes greedily.
func (t *transducer) validate(g *tensor.Graph, ctx *StepContext, b *batch.Batch) (*tensor.Tensor, [][]int, error) {
	if err := t.checkBatch(b, true); err != nil {
		return nil, nil, err
	}
	l, err := t.imitate(g, ctx, b, 1, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	preds := t.decodeGreedy(g, b, t.cfg.MaxDecodeLength)
	for i := range preds {
		preds[i] = append(preds[i], vocab.EndIdx)
	}
	return l, preds, nil
}

func (t *transducer) predict(g *tensor.Graph, ctx *StepContext, b *batch.Batch) ([][]int, error) {
	if err := t.checkBatch(b, false); err != nil {
		return nil, err
	}
	return t.decodeGreedy(g, b, t.cfg.MaxDecodeLength), nil
}

func (t *transducer) Params() []*tensor.Param {
	params := layer.Collect(t.encoder, t.actEmb, t.lstm, t.classifier)
	if t.featAttn != nil {
		params = append(params, t.featAttn.Params()...)
	}
	return params
}
