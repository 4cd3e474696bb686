package models

import (
	"math"

	"golang.org/x/exp/rand"

	"github.com/FlavioCFOliveira/GoTransduce/internal/batch"
	"github.com/FlavioCFOliveira/GoTransduce/internal/layer"
	"github.com/FlavioCFOliveira/GoTransduce/internal/tensor"
	"github.com/FlavioCFOliveira/GoTransduce/internal/vocab"
)

// EncoderOutput is the read-only result of encoding a batch.
type EncoderOutput struct {
	// Outputs holds one [B, H] tensor per source position.
	Outputs []*tensor.Tensor
	// Pad[b][t] is true where position t of example b is padding.
	Pad [][]bool
	// Final is the per-layer final state of recurrent encoders.
	Final *layer.LSTMState
	// Features is the separately encoded feature sequence, if any.
	Features *EncoderOutput
	// SourceIdx is the [B][T] source the outputs were computed from.
	SourceIdx [][]int
}

// Size is the number of batch rows.
func (e *EncoderOutput) Size() int {
	return len(e.Pad)
}

// Width is the number of positions.
func (e *EncoderOutput) Width() int {
	return len(e.Outputs)
}

// Lengths returns the number of real positions per row.
func (e *EncoderOutput) Lengths() []int {
	out := make([]int, len(e.Pad))
	for b, row := range e.Pad {
		for _, p := range row {
			if !p {
				out[b]++
			}
		}
	}
	return out
}

// Select gathers batch rows, repeating them as needed. Beam search uses it
// to give every hypothesis its own copy of the encoding.
func (e *EncoderOutput) Select(g *tensor.Graph, rows []int) *EncoderOutput {
	out := &EncoderOutput{
		Outputs: make([]*tensor.Tensor, len(e.Outputs)),
		Pad:     make([][]bool, len(rows)),
	}
	for t, o := range e.Outputs {
		out.Outputs[t] = g.Rows(o, rows)
	}
	for i, r := range rows {
		out.Pad[i] = e.Pad[r]
	}
	if e.SourceIdx != nil {
		out.SourceIdx = make([][]int, len(rows))
		for i, r := range rows {
			out.SourceIdx[i] = e.SourceIdx[r]
		}
	}
	if e.Final != nil {
		st := e.Final.Select(g, rows)
		out.Final = &st
	}
	if e.Features != nil {
		out.Features = e.Features.Select(g, rows)
	}
	return out
}

// encoder turns a batch into an EncoderOutput.
type encoder interface {
	layer.Module
	Encode(g *tensor.Graph, b *batch.Batch, rng *rand.Rand) *EncoderOutput
}

// lstmEncoder embeds the source and runs a (bi)LSTM stack over it. Features,
// when present, go through their own feature encoder and share the source
// embedding.
type lstmEncoder struct {
	emb      *layer.Embedding
	drop     *layer.Dropout
	lstm     *layer.LSTM
	features *linearFeatureEncoder
	// endPosition appends one all-zero position after the outputs; the
	// transducer reads it once the source is consumed.
	endPosition bool
}

func newLSTMEncoder(cfg Config, emb *layer.Embedding, rng *rand.Rand) (*lstmEncoder, error) {
	lstm, err := layer.NewLSTM("encoder", emb.Dim(), cfg.HiddenSize, cfg.EncoderLayers, cfg.Bidirectional, cfg.BidirectionalMerge, cfg.Dropout, rng)
	if err != nil {
		return nil, configErr("%v", err)
	}
	e := &lstmEncoder{emb: emb, drop: layer.NewDropout(cfg.Dropout), lstm: lstm}
	if cfg.Features {
		e.features = newLinearFeatureEncoder(emb, cfg.HiddenSize, cfg.Dropout, rng)
	}
	return e, nil
}

// OutSize is the size of every output position.
func (e *lstmEncoder) OutSize() int {
	return e.lstm.OutSize()
}

func (e *lstmEncoder) Encode(g *tensor.Graph, b *batch.Batch, rng *rand.Rand) *EncoderOutput {
	xs := e.drop.ForwardSeq(g, e.emb.ForwardSeq(g, b.Source.Indices), rng)
	outs, final := e.lstm.Forward(g, xs, b.Source.Keep(), rng)
	out := &EncoderOutput{Outputs: outs, Pad: b.Source.Mask, Final: &final, SourceIdx: b.Source.Indices}
	if e.endPosition {
		out.Outputs = append(out.Outputs, g.Zeros(b.Size(), e.OutSize()))
		pad := make([][]bool, len(out.Pad))
		for i, row := range out.Pad {
			pad[i] = append(append([]bool(nil), row...), false)
		}
		out.Pad = pad
	}
	if e.features != nil && b.HasFeatures() {
		out.Features = e.features.Encode(g, b.Features, rng)
	}
	return out
}

func (e *lstmEncoder) Params() []*tensor.Param {
	params := layer.Collect(e.emb, e.lstm)
	if e.features != nil {
		params = append(params, e.features.Params()...)
	}
	return params
}

// linearFeatureEncoder projects embedded features to the hidden size.
// Features are an unordered set, so there is no recurrence.
type linearFeatureEncoder struct {
	emb  *layer.Embedding
	drop *layer.Dropout
	proj *layer.Linear
}

func newLinearFeatureEncoder(emb *layer.Embedding, hidden int, dropout float64, rng *rand.Rand) *linearFeatureEncoder {
	return &linearFeatureEncoder{
		emb:  emb,
		drop: layer.NewDropout(dropout),
		proj: layer.NewLinear("features.proj", emb.Dim(), hidden, true, rng),
	}
}

func (f *linearFeatureEncoder) Encode(g *tensor.Graph, p *batch.PaddedTensor, rng *rand.Rand) *EncoderOutput {
	xs := f.drop.ForwardSeq(g, f.emb.ForwardSeq(g, p.Indices), rng)
	return &EncoderOutput{Outputs: f.proj.ForwardSeq(g, xs), Pad: p.Mask, SourceIdx: p.Indices}
}

// Params returns the projection only; the embedding belongs to the source
// encoder.
func (f *linearFeatureEncoder) Params() []*tensor.Param {
	return f.proj.Params()
}

// transformerEncoder is a pre-norm self-attention stack over the scaled,
// position-encoded source embedding.
//
// Features are handled in one of two ways. By default they go through a
// separate stack without positions and are appended to the source memory.
// With invariant set the source and the features are encoded together and
// told apart only by a learned type embedding.
type transformerEncoder struct {
	emb   *layer.Embedding
	pe    layer.PositionalEncoding
	drop  *layer.Dropout
	stack *layer.TransformerStack
	scale float64

	features  *layer.TransformerStack
	invariant bool
	types     *layer.Embedding
}

func newPositionalEncoding(cfg Config, name string, rng *rand.Rand) layer.PositionalEncoding {
	if cfg.PositionalEncoding == LearnedPositions {
		return layer.NewLearnedEncoding(name, cfg.MaxSourceLength+cfg.MaxDecodeLength, cfg.EmbeddingSize, rng)
	}
	return layer.NewSinusoidalEncoding(cfg.EmbeddingSize)
}

func newTransformerEncoder(cfg Config, emb *layer.Embedding, rng *rand.Rand) (*transformerEncoder, error) {
	stack, err := layer.NewTransformerStack("encoder", cfg.EncoderLayers, cfg.EmbeddingSize, cfg.AttentionHeads, cfg.HiddenSize*4, cfg.Dropout, false, rng)
	if err != nil {
		return nil, configErr("%v", err)
	}
	e := &transformerEncoder{
		emb:   emb,
		pe:    newPositionalEncoding(cfg, "encoder.positions", rng),
		drop:  layer.NewDropout(cfg.Dropout),
		stack: stack,
		scale: math.Sqrt(float64(cfg.EmbeddingSize)),
	}
	switch {
	case cfg.Arch == FeatureInvariantTransformer:
		e.invariant = true
		e.types = layer.NewEmbedding("encoder.types", 2, cfg.EmbeddingSize, -1, rng)
	case cfg.Features:
		e.features, err = layer.NewTransformerStack("features", cfg.EncoderLayers, cfg.EmbeddingSize, cfg.AttentionHeads, cfg.HiddenSize*4, cfg.Dropout, false, rng)
		if err != nil {
			return nil, configErr("%v", err)
		}
	}
	return e, nil
}

func (e *transformerEncoder) embed(g *tensor.Graph, indices [][]int) []*tensor.Tensor {
	xs := e.emb.ForwardSeq(g, indices)
	for t, x := range xs {
		xs[t] = g.Scale(x, e.scale)
	}
	return xs
}

func (e *transformerEncoder) Encode(g *tensor.Graph, b *batch.Batch, rng *rand.Rand) *EncoderOutput {
	src := b.Source
	if e.invariant && b.HasFeatures() {
		return e.encodeInvariant(g, b, rng)
	}
	xs := e.drop.ForwardSeq(g, e.pe.Forward(g, e.embed(g, src.Indices), 0), rng)
	outs, _ := e.stack.Forward(g, xs, src.Mask, nil, nil, rng)
	out := &EncoderOutput{Outputs: outs, Pad: src.Mask, SourceIdx: src.Indices}
	if e.features == nil || !b.HasFeatures() {
		return out
	}

	// The decoder attends over source and features as one memory.
	fs := e.drop.ForwardSeq(g, e.embed(g, b.Features.Indices), rng)
	fouts, _ := e.features.Forward(g, fs, b.Features.Mask, nil, nil, rng)
	out.Outputs = append(append([]*tensor.Tensor(nil), outs...), fouts...)
	out.Pad = joinPad(src.Mask, b.Features.Mask)
	return out
}

func (e *transformerEncoder) encodeInvariant(g *tensor.Graph, b *batch.Batch, rng *rand.Rand) *EncoderOutput {
	src, feats := b.Source, b.Features
	indices := make([][]int, b.Size())
	types := make([][]int, b.Size())
	for i := range indices {
		indices[i] = append(append([]int(nil), src.Indices[i]...), feats.Indices[i]...)
		types[i] = make([]int, len(indices[i]))
		for t := src.Width(); t < len(types[i]); t++ {
			types[i][t] = 1
		}
	}
	// Features are an unordered set: only source positions get positions.
	xs := e.embed(g, indices)
	copy(xs, e.pe.Forward(g, xs[:src.Width()], 0))
	ts := e.types.ForwardSeq(g, types)
	for t := range xs {
		xs[t] = g.Add(xs[t], ts[t])
	}
	pad := joinPad(src.Mask, feats.Mask)
	outs, _ := e.stack.Forward(g, e.drop.ForwardSeq(g, xs, rng), pad, nil, nil, rng)
	return &EncoderOutput{Outputs: outs, Pad: pad, SourceIdx: indices}
}

func (e *transformerEncoder) Params() []*tensor.Param {
	params := layer.Collect(e.emb, e.pe, e.stack)
	if e.features != nil {
		params = append(params, e.features.Params()...)
	}
	if e.types != nil {
		params = append(params, e.types.Params()...)
	}
	return params
}

func joinPad(a, b [][]bool) [][]bool {
	out := make([][]bool, len(a))
	for i := range a {
		out[i] = append(append([]bool(nil), a[i]...), b[i]...)
	}
	return out
}

// sourceEmbedding is shared by the source and the feature encoders.
func sourceEmbedding(cfg Config, index *vocab.Index, rng *rand.Rand) *layer.Embedding {
	return layer.NewEmbedding("source.embedding", index.SourceSize(), cfg.EmbeddingSize, vocab.PadIdx, rng)
}
