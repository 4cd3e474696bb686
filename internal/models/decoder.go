package models

import (
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/FlavioCFOliveira/GoTransduce/internal/layer"
	"github.com/FlavioCFOliveira/GoTransduce/internal/tensor"
	"github.com/FlavioCFOliveira/GoTransduce/internal/vocab"
)

// State is the recurrent state of a decoder.
type State interface {
	// Select reorders (and may repeat) batch rows.
	Select(g *tensor.Graph, rows []int) State
}

// Decoder produces one log-distribution over the target vocabulary per
// step.
type Decoder interface {
	layer.Module
	// Start returns the initial state for an encoding.
	Start(g *tensor.Graph, enc *EncoderOutput) State
	// Step consumes the previous symbol of every row. It returns the
	// log-probabilities [B, V], the next state and the attention weights
	// over the encoder positions (nil when the decoder does not attend).
	Step(g *tensor.Graph, prev []int, st State, enc *EncoderOutput, rng *rand.Rand) (*tensor.Tensor, State, *tensor.Tensor)
}

// forcedDecoder can score a whole gold prefix in one pass.
type forcedDecoder interface {
	Forced(g *tensor.Graph, inputs [][]int, enc *EncoderOutput, rng *rand.Rand) []*tensor.Tensor
}

type lstmDecoderKind int

const (
	plainLSTM lstmDecoderKind = iota
	attentiveLSTM
	pointerGenerator
)

// lstmDecoder is the recurrent decoder of the LSTM family.
//
// The plain variant conditions every step on the final encoder state. The
// attentive variant attends over the encoder outputs with the previous
// hidden state as query. The pointer-generator adds a copy distribution
// over the source, mixed in by a learned gate.
type lstmDecoder struct {
	kind lstmDecoderKind

	emb  *layer.Embedding
	drop *layer.Dropout
	lstm *layer.LSTM
	out  *layer.Linear

	attn     *layer.Attention
	featAttn *layer.Attention
	gate     *layer.Linear

	sourceToTarget []int
	hidden         int
	features       bool
}

func newLSTMDecoder(cfg Config, kind lstmDecoderKind, encOut int, index *vocab.Index, rng *rand.Rand) (*lstmDecoder, error) {
	d := &lstmDecoder{
		kind:           kind,
		emb:            layer.NewEmbedding("target.embedding", index.TargetSize(), cfg.EmbeddingSize, vocab.PadIdx, rng),
		drop:           layer.NewDropout(cfg.Dropout),
		out:            layer.NewLinear("decoder.out", cfg.HiddenSize, index.TargetSize(), true, rng),
		sourceToTarget: index.SourceToTarget(),
		hidden:         cfg.HiddenSize,
		features:       cfg.Features,
	}
	in := cfg.EmbeddingSize
	if kind == plainLSTM {
		in += cfg.HiddenSize
	} else {
		in += encOut
		d.attn = layer.NewAttention("decoder.attention", cfg.HiddenSize, encOut, cfg.HiddenSize, rng)
	}
	if cfg.Features {
		in += cfg.HiddenSize
		if kind != plainLSTM {
			d.featAttn = layer.NewAttention("decoder.feature_attention", cfg.HiddenSize, cfg.HiddenSize, cfg.HiddenSize, rng)
		}
	}
	if kind == pointerGenerator {
		d.gate = layer.NewLinear("decoder.gate", cfg.HiddenSize+encOut+cfg.EmbeddingSize, 1, true, rng)
	}
	lstm, err := layer.NewLSTM("decoder", in, cfg.HiddenSize, cfg.DecoderLayers, false, layer.MergeConcat, cfg.Dropout, rng)
	if err != nil {
		return nil, configErr("%v", err)
	}
	d.lstm = lstm
	return d, nil
}

type lstmState struct {
	rec      layer.LSTMState
	keys     []*tensor.Tensor
	featKeys []*tensor.Tensor
}

func (s *lstmState) Select(g *tensor.Graph, rows []int) State {
	out := &lstmState{rec: s.rec.Select(g, rows)}
	out.keys = selectSeq(g, s.keys, rows)
	out.featKeys = selectSeq(g, s.featKeys, rows)
	return out
}

func selectSeq(g *tensor.Graph, xs []*tensor.Tensor, rows []int) []*tensor.Tensor {
	if xs == nil {
		return nil
	}
	out := make([]*tensor.Tensor, len(xs))
	for t, x := range xs {
		out[t] = g.Rows(x, rows)
	}
	return out
}

// Start initializes decoder layer k from encoder layer min(k, L-1), so a
// deeper decoder repeats the top encoder state.
func (d *lstmDecoder) Start(g *tensor.Graph, enc *EncoderOutput) State {
	layers := d.lstm.Layers()
	st := &lstmState{rec: layer.ZeroLSTMState(g, layers, enc.Size(), d.hidden)}
	if enc.Final != nil {
		for k := 0; k < layers; k++ {
			src := k
			if src >= len(enc.Final.H) {
				src = len(enc.Final.H) - 1
			}
			st.rec.H[k] = enc.Final.H[src]
			st.rec.C[k] = enc.Final.C[src]
		}
	}
	if d.attn != nil {
		st.keys = d.attn.Keys(g, enc.Outputs)
	}
	if d.featAttn != nil && enc.Features != nil {
		st.featKeys = d.featAttn.Keys(g, enc.Features.Outputs)
	}
	return st
}

func (d *lstmDecoder) Step(g *tensor.Graph, prev []int, s State, enc *EncoderOutput, rng *rand.Rand) (*tensor.Tensor, State, *tensor.Tensor) {
	st, ok := s.(*lstmState)
	if !ok {
		panic(fmt.Sprintf("models: lstm decoder got state %T", s))
	}
	emb := d.drop.Forward(g, d.emb.Forward(g, prev), rng)
	query := st.rec.Top()

	var ctx, weights *tensor.Tensor
	inputs := []*tensor.Tensor{emb}
	if d.attn != nil {
		ctx, weights = d.attn.Forward(g, query, st.keys, enc.Outputs, enc.Pad)
		inputs = append(inputs, ctx)
	} else {
		inputs = append(inputs, enc.Final.Top())
	}
	if d.features {
		inputs = append(inputs, d.featureContext(g, query, st, enc))
	}

	h, rec := d.lstm.Step(g, g.Concat(inputs...), st.rec, rng)
	next := &lstmState{rec: rec, keys: st.keys, featKeys: st.featKeys}
	h = d.drop.Forward(g, h, rng)
	logits := d.out.Forward(g, h)
	if d.kind != pointerGenerator {
		return g.LogSoftmax(logits, nil), next, weights
	}

	gen := g.Softmax(logits, nil)
	gate := g.Sigmoid(d.gate.Forward(g, g.Concat(h, ctx, emb)))
	return g.Log(mix(g, gen, weights, d.copyTargets(enc), gate)), next, weights
}

// featureContext summarizes the encoded features: attention for the
// attentive variants, masked mean pooling for the plain one. Rows without
// encoded features get zeros.
func (d *lstmDecoder) featureContext(g *tensor.Graph, query *tensor.Tensor, st *lstmState, enc *EncoderOutput) *tensor.Tensor {
	if enc.Features == nil || enc.Features.Width() == 0 {
		return g.Zeros(enc.Size(), d.hidden)
	}
	if d.featAttn == nil {
		return layer.GlobalAveragePooling1D(g, enc.Features.Outputs, enc.Features.Pad)
	}
	ctx, _ := d.featAttn.Forward(g, query, st.featKeys, enc.Features.Outputs, enc.Features.Pad)
	return ctx
}

// copyTargets maps every source position to the target symbol a copy of it
// would write.
func (d *lstmDecoder) copyTargets(enc *EncoderOutput) [][]int {
	out := make([][]int, len(enc.SourceIdx))
	for b, row := range enc.SourceIdx {
		out[b] = make([]int, len(row))
		for j, x := range row {
			out[b][j] = d.sourceToTarget[x]
		}
	}
	return out
}

func (d *lstmDecoder) Params() []*tensor.Param {
	params := layer.Collect(d.emb, d.lstm, d.out)
	if d.attn != nil {
		params = append(params, d.attn.Params()...)
	}
	if d.featAttn != nil {
		params = append(params, d.featAttn.Params()...)
	}
	if d.gate != nil {
		params = append(params, d.gate.Params()...)
	}
	return params
}
