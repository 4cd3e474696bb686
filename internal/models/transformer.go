package models

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"github.com/FlavioCFOliveira/GoTransduce/internal/layer"
	"github.com/FlavioCFOliveira/GoTransduce/internal/tensor"
	"github.com/FlavioCFOliveira/GoTransduce/internal/vocab"
)

// transformerDecoder is a causal self-attention stack with cross-attention
// over the encoder memory. It serves both transformer architectures.
type transformerDecoder struct {
	emb   *layer.Embedding
	pe    layer.PositionalEncoding
	drop  *layer.Dropout
	stack *layer.TransformerStack
	out   *layer.Linear
	scale float64
}

func newTransformerDecoder(cfg Config, index *vocab.Index, rng *rand.Rand) (*transformerDecoder, error) {
	stack, err := layer.NewTransformerStack("decoder", cfg.DecoderLayers, cfg.EmbeddingSize, cfg.AttentionHeads, cfg.HiddenSize*4, cfg.Dropout, true, rng)
	if err != nil {
		return nil, configErr("%v", err)
	}
	return &transformerDecoder{
		emb:   layer.NewEmbedding("target.embedding", index.TargetSize(), cfg.EmbeddingSize, vocab.PadIdx, rng),
		pe:    newPositionalEncoding(cfg, "decoder.positions", rng),
		drop:  layer.NewDropout(cfg.Dropout),
		stack: stack,
		out:   layer.NewLinear("decoder.out", cfg.EmbeddingSize, index.TargetSize(), true, rng),
		scale: math.Sqrt(float64(cfg.EmbeddingSize)),
	}, nil
}

// prefixState is the decoded prefix of every row. A step recomputes the
// whole prefix; there is no key/value cache.
type prefixState struct {
	prefix [][]int
}

func (s *prefixState) Select(g *tensor.Graph, rows []int) State {
	out := &prefixState{prefix: make([][]int, len(rows))}
	for i, r := range rows {
		out.prefix[i] = append([]int(nil), s.prefix[r]...)
	}
	return out
}

func (d *transformerDecoder) Start(g *tensor.Graph, enc *EncoderOutput) State {
	return &prefixState{prefix: make([][]int, enc.Size())}
}

// run decodes inputs [B][T] in one causal pass and returns the
// log-probabilities and the cross-attention weights of every position.
func (d *transformerDecoder) run(g *tensor.Graph, inputs [][]int, enc *EncoderOutput, rng *rand.Rand) ([]*tensor.Tensor, []*tensor.Tensor) {
	xs := d.emb.ForwardSeq(g, inputs)
	for t, x := range xs {
		xs[t] = g.Scale(x, d.scale)
	}
	xs = d.drop.ForwardSeq(g, d.pe.Forward(g, xs, 0), rng)

	pad := make([][]bool, len(inputs))
	for b, row := range inputs {
		pad[b] = make([]bool, len(row))
		for t, sym := range row {
			pad[b][t] = sym == vocab.PadIdx
		}
	}
	hs, weights := d.stack.Forward(g, xs, pad, enc.Outputs, enc.Pad, rng)
	out := make([]*tensor.Tensor, len(hs))
	for t, h := range hs {
		out[t] = g.LogSoftmax(d.out.Forward(g, h), nil)
	}
	return out, weights
}

func (d *transformerDecoder) Step(g *tensor.Graph, prev []int, s State, enc *EncoderOutput, rng *rand.Rand) (*tensor.Tensor, State, *tensor.Tensor) {
	st, ok := s.(*prefixState)
	if !ok {
		panic(fmt.Sprintf("models: transformer decoder got state %T", s))
	}
	next := &prefixState{prefix: make([][]int, len(st.prefix))}
	for b, row := range st.prefix {
		next.prefix[b] = append(append(make([]int, 0, len(row)+1), row...), prev[b])
	}
	logProbs, weights := d.run(g, next.prefix, enc, rng)
	last := len(logProbs) - 1
	return logProbs[last], next, weights[last]
}

// Forced scores every position of a teacher-forced input in one pass.
func (d *transformerDecoder) Forced(g *tensor.Graph, inputs [][]int, enc *EncoderOutput, rng *rand.Rand) []*tensor.Tensor {
	logProbs, _ := d.run(g, inputs, enc, rng)
	return logProbs
}

func (d *transformerDecoder) Params() []*tensor.Param {
	return layer.Collect(d.emb, d.pe, d.stack, d.out)
}
