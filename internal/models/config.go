// Package models implements the encoder-decoder architectures, the
// transducer policy and the Model wrapper that exposes training,
// validation and prediction steps.
package models

import (
	"errors"
	"fmt"

	"github.com/FlavioCFOliveira/GoTransduce/internal/layer"
)

// ErrConfig is returned for invalid architecture or hyperparameter
// combinations.
var ErrConfig = errors.New("invalid model configuration")

// Arch names an architecture.
type Arch string

const (
	AttentiveLSTM               Arch = "attentive_lstm"
	LSTM                        Arch = "lstm"
	PointerGeneratorLSTM        Arch = "pointer_generator_lstm"
	Transducer                  Arch = "transducer"
	Transformer                 Arch = "transformer"
	FeatureInvariantTransformer Arch = "feature_invariant_transformer"
)

// Archs lists every supported architecture.
var Archs = []Arch{AttentiveLSTM, LSTM, PointerGeneratorLSTM, Transducer, Transformer, FeatureInvariantTransformer}

// IsTransformer reports whether the architecture is self-attentive.
func (a Arch) IsTransformer() bool {
	return a == Transformer || a == FeatureInvariantTransformer
}

// Positional encodings for transformers.
const (
	SinusoidalPositions = "sinusoidal"
	LearnedPositions    = "learned"
)

// Config holds every model option. It is stored in checkpoints.
type Config struct {
	Arch Arch

	EncoderLayers  int
	DecoderLayers  int
	EmbeddingSize  int
	HiddenSize     int
	AttentionHeads int

	Bidirectional      bool
	BidirectionalMerge layer.Merge

	Dropout        float64
	LabelSmoothing float64

	// Transducer expert.
	OracleFactor   float64
	OracleEMEpochs int
	OracleEMTol    float64

	// Decoding.
	BeamWidth           int
	LengthNormalization float64
	MaxDecodeLength     int

	MaxSourceLength    int
	PositionalEncoding string

	// Features enables the feature encoder; it is set from the index.
	Features bool

	Seed uint64
}

// DefaultConfig returns the default attentive LSTM configuration.
func DefaultConfig() Config {
	return Config{
		Arch:               AttentiveLSTM,
		EncoderLayers:      1,
		DecoderLayers:      1,
		EmbeddingSize:      128,
		HiddenSize:         512,
		AttentionHeads:     1,
		Bidirectional:      true,
		BidirectionalMerge: layer.MergeConcat,
		Dropout:            0.2,
		OracleFactor:       1,
		OracleEMEpochs:     5,
		OracleEMTol:        1e-4,
		BeamWidth:          1,
		MaxDecodeLength:    128,
		MaxSourceLength:    128,
		PositionalEncoding: SinusoidalPositions,
		Seed:               1,
	}
}

func configErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// Validate rejects invalid combinations.
func (c Config) Validate() error {
	known := false
	for _, a := range Archs {
		known = known || a == c.Arch
	}
	if !known {
		return configErr("unknown architecture %q", c.Arch)
	}
	if c.EncoderLayers < 1 || c.DecoderLayers < 1 {
		return configErr("encoder and decoder need at least one layer, got %d and %d", c.EncoderLayers, c.DecoderLayers)
	}
	if c.EmbeddingSize < 1 || c.HiddenSize < 1 {
		return configErr("embedding and hidden sizes must be positive, got %d and %d", c.EmbeddingSize, c.HiddenSize)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return configErr("dropout %v outside [0, 1)", c.Dropout)
	}
	if c.LabelSmoothing < 0 || c.LabelSmoothing >= 1 {
		return configErr("label smoothing %v outside [0, 1)", c.LabelSmoothing)
	}
	if c.BeamWidth < 1 {
		return configErr("beam width must be positive, got %d", c.BeamWidth)
	}
	if c.MaxDecodeLength < 1 {
		return configErr("max decode length must be positive, got %d", c.MaxDecodeLength)
	}
	if c.LengthNormalization < 0 {
		return configErr("length normalization must not be negative, got %v", c.LengthNormalization)
	}
	if c.Bidirectional {
		if err := c.BidirectionalMerge.Validate(); err != nil {
			return configErr("%v", err)
		}
	}

	if c.Arch.IsTransformer() {
		if c.EmbeddingSize != c.HiddenSize {
			return configErr("%s needs embedding size (%d) equal to hidden size (%d)", c.Arch, c.EmbeddingSize, c.HiddenSize)
		}
		if c.AttentionHeads < 1 || c.EmbeddingSize%c.AttentionHeads != 0 {
			return configErr("embedding size %d is not divisible by %d attention heads", c.EmbeddingSize, c.AttentionHeads)
		}
		if c.PositionalEncoding != SinusoidalPositions && c.PositionalEncoding != LearnedPositions {
			return configErr("unknown positional encoding %q", c.PositionalEncoding)
		}
		if c.PositionalEncoding == LearnedPositions && c.MaxSourceLength < 1 {
			return configErr("learned positions need a positive max source length")
		}
	} else if c.AttentionHeads > 1 {
		return configErr("%s does not use multi-head attention, got %d heads", c.Arch, c.AttentionHeads)
	}

	if c.Arch == FeatureInvariantTransformer && !c.Features {
		return configErr("%s needs features", c.Arch)
	}
	if c.Arch == Transducer {
		if c.OracleFactor <= 0 {
			return configErr("oracle factor must be positive, got %v", c.OracleFactor)
		}
		if c.OracleEMEpochs < 1 {
			return configErr("oracle EM needs at least one epoch, got %d", c.OracleEMEpochs)
		}
		if c.BeamWidth > 1 {
			return configErr("transducer decodes greedily, got beam width %d", c.BeamWidth)
		}
	}
	return nil
}

// ForArch returns the defaults adjusted for arch. Transformers get equal
// embedding and hidden sizes and four heads.
func ForArch(arch Arch) Config {
	c := DefaultConfig()
	c.Arch = arch
	if arch.IsTransformer() {
		c.HiddenSize = c.EmbeddingSize
		c.AttentionHeads = 4
	}
	if arch == FeatureInvariantTransformer {
		c.Features = true
	}
	return c
}
