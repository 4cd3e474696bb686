package models

import (
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/FlavioCFOliveira/GoTransduce/internal/batch"
	"github.com/FlavioCFOliveira/GoTransduce/internal/layer"
	"github.com/FlavioCFOliveira/GoTransduce/internal/loss"
	"github.com/FlavioCFOliveira/GoTransduce/internal/tensor"
	"github.com/FlavioCFOliveira/GoTransduce/internal/vocab"
)

// network is one architecture behind the Model wrapper.
type network interface {
	layer.Module
	// trainingLoss returns the scalar loss of a batch with targets.
	trainingLoss(g *tensor.Graph, ctx *StepContext, b *batch.Batch) (*tensor.Tensor, error)
	// validate returns the loss and the greedy predictions (END
	// terminated, PAD padded) of a batch with targets.
	validate(g *tensor.Graph, ctx *StepContext, b *batch.Batch) (*tensor.Tensor, [][]int, error)
	// predict decodes a batch; predictions stop before END.
	predict(g *tensor.Graph, ctx *StepContext, b *batch.Batch) ([][]int, error)
}

// seq2seq is an encoder-decoder over target symbols. It covers every
// architecture except the transducer.
type seq2seq struct {
	cfg     Config
	encoder encoder
	decoder Decoder
	loss    loss.Loss
}

func newSeq2Seq(cfg Config, index *vocab.Index, rng *rand.Rand) (*seq2seq, error) {
	s := &seq2seq{
		cfg:  cfg,
		loss: loss.NLLLoss{IgnoreIndex: vocab.PadIdx, Smoothing: cfg.LabelSmoothing},
	}
	emb := sourceEmbedding(cfg, index, rng)
	switch cfg.Arch {
	case LSTM, AttentiveLSTM, PointerGeneratorLSTM:
		enc, err := newLSTMEncoder(cfg, emb, rng)
		if err != nil {
			return nil, err
		}
		kind := map[Arch]lstmDecoderKind{LSTM: plainLSTM, AttentiveLSTM: attentiveLSTM, PointerGeneratorLSTM: pointerGenerator}[cfg.Arch]
		dec, err := newLSTMDecoder(cfg, kind, enc.OutSize(), index, rng)
		if err != nil {
			return nil, err
		}
		s.encoder, s.decoder = enc, dec
	case Transformer, FeatureInvariantTransformer:
		enc, err := newTransformerEncoder(cfg, emb, rng)
		if err != nil {
			return nil, err
		}
		dec, err := newTransformerDecoder(cfg, index, rng)
		if err != nil {
			return nil, err
		}
		s.encoder, s.decoder = enc, dec
	default:
		return nil, configErr("%s is not an encoder-decoder architecture", cfg.Arch)
	}
	return s, nil
}

func (s *seq2seq) checkBatch(b *batch.Batch, needTarget bool) error {
	if needTarget && !b.HasTarget() {
		return fmt.Errorf("%w: batch has no target", batch.ErrShape)
	}
	if s.cfg.Features && !b.HasFeatures() {
		return fmt.Errorf("%w: %s model needs features", batch.ErrShape, s.cfg.Arch)
	}
	return nil
}

func (s *seq2seq) trainingLoss(g *tensor.Graph, ctx *StepContext, b *batch.Batch) (*tensor.Tensor, error) {
	if err := s.checkBatch(b, true); err != nil {
		return nil, err
	}
	rng := ctx.dropoutRand()
	enc := s.encoder.Encode(g, b, rng)
	logProbs := teacherForced(g, s.decoder, enc, b.Target, rng)
	return s.loss.Forward(g, logProbs, b.Target.Indices)
}

func (s *seq2seq) validate(g *tensor.Graph, ctx *StepContext, b *batch.Batch) (*tensor.Tensor, [][]int, error) {
	if err := s.checkBatch(b, true); err != nil {
		return nil, nil, err
	}
	enc := s.encoder.Encode(g, b, nil)
	l, err := s.loss.Forward(g, teacherForced(g, s.decoder, enc, b.Target, nil), b.Target.Indices)
	if err != nil {
		return nil, nil, err
	}
	_, preds := autoregressive(g, s.decoder, enc, decodeOptions{steps: b.Target.Width(), fixed: true})
	return l, preds, nil
}

func (s *seq2seq) predict(g *tensor.Graph, ctx *StepContext, b *batch.Batch) ([][]int, error) {
	if err := s.checkBatch(b, false); err != nil {
		return nil, err
	}
	enc := s.encoder.Encode(g, b, nil)
	if s.cfg.BeamWidth > 1 {
		return trimAtEnd(beamSearch(g, s.decoder, enc, s.cfg.BeamWidth, s.cfg.MaxDecodeLength, s.cfg.LengthNormalization)), nil
	}
	_, preds := autoregressive(g, s.decoder, enc, decodeOptions{steps: s.cfg.MaxDecodeLength, sample: sampler(ctx)})
	return trimAtEnd(preds), nil
}

// sampler returns the sampling source of a prediction context: sampling
// happens only when a non-training context carries a random source.
func sampler(ctx *StepContext) *rand.Rand {
	if ctx == nil || ctx.Train {
		return nil
	}
	return ctx.Rand
}

func (s *seq2seq) Params() []*tensor.Param {
	return layer.Collect(s.encoder, s.decoder)
}
