// Package transduce is the public entry point for building, training and
// running sequence transduction models.
package transduce

import (
	"fmt"

	"github.com/FlavioCFOliveira/GoTransduce/internal/data"
	"github.com/FlavioCFOliveira/GoTransduce/internal/device"
	"github.com/FlavioCFOliveira/GoTransduce/internal/expert"
	"github.com/FlavioCFOliveira/GoTransduce/internal/models"
	"github.com/FlavioCFOliveira/GoTransduce/internal/train"
	"github.com/FlavioCFOliveira/GoTransduce/internal/vocab"
)

// Re-export common types for easier access
type (
	Model       = models.Model
	Config      = models.Config
	Arch        = models.Arch
	Index       = vocab.Index
	DataConfig  = data.DataConfig
	Example     = data.Example
	Dataset     = data.Dataset
	TrainConfig = train.Config
	Trainer     = train.Trainer
	Metrics     = train.Metrics
	Callback    = train.Callback
	Device      = device.Device
)

// Architectures
const (
	AttentiveLSTM               = models.AttentiveLSTM
	LSTM                        = models.LSTM
	PointerGeneratorLSTM        = models.PointerGeneratorLSTM
	Transducer                  = models.Transducer
	Transformer                 = models.Transformer
	FeatureInvariantTransformer = models.FeatureInvariantTransformer
)

// UNK is the symbol that stands in for unknown input symbols.
const UNK = vocab.UNK

// Configuration
func DefaultConfig() Config           { return models.DefaultConfig() }
func ForArch(arch Arch) Config        { return models.ForArch(arch) }
func DefaultDataConfig() DataConfig   { return data.DefaultDataConfig() }
func DefaultTrainConfig() TrainConfig { return train.DefaultConfig() }

// LoadTSV reads examples from a tab-separated file.
func LoadTSV(filename string, cfg DataConfig) ([]Example, error) {
	return data.LoadTSV(filename, cfg)
}

// NewModel builds the index of examples and a fresh model over it. For the
// transducer the edit expert is fitted on examples first.
func NewModel(cfg Config, examples []Example) (*Model, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("no training examples")
	}
	index := data.BuildIndex(examples)
	var ex *expert.Expert
	if cfg.Arch == models.Transducer {
		cfg.Features = index.HasFeatures()
		ds, err := data.NewDataset(examples, index, models.CollatorFor(cfg), true)
		if err != nil {
			return nil, err
		}
		ex = models.NewExpert(cfg, index)
		if _, err := ex.Train(models.ExpertPairs(ds.Items)); err != nil {
			return nil, fmt.Errorf("failed to fit expert: %w", err)
		}
	}
	return models.New(cfg, index, GetDefaultDevice(), ex)
}

// NewDataset indexes examples for m. Strict lookup rejects unknown symbols
// instead of mapping them to UNK.
func NewDataset(m *Model, examples []Example, strict bool) (*Dataset, error) {
	return data.NewDataset(examples, m.Index(), m.Collator(), strict)
}

// NewTrainer creates a trainer for m.
func NewTrainer(m *Model, cfg TrainConfig, callbacks ...Callback) (*Trainer, error) {
	return train.New(m, cfg, callbacks...)
}

// Predict decodes ds into target symbols, one row per example.
func Predict(m *Model, ds *Dataset, batchSize int) ([][]string, error) {
	return train.Predict(m, ds, batchSize)
}

// Callbacks
func Logger(interval int) Callback {
	return train.Logger{Interval: interval}
}

func CSVLogger(filename string) Callback {
	return train.NewCSVLogger(filename, false)
}

func ModelCheckpoint(filename string) *train.ModelCheckpoint {
	return train.NewModelCheckpoint(filename)
}

func EarlyStopping(patience int, minDelta float64) *train.EarlyStopping {
	return train.NewEarlyStopping(patience, minDelta)
}

// Devices
func GetDefaultDevice() Device {
	return device.GetDefaultDevice()
}

// Model Persistence
func Load(filename string) (*Model, error) {
	return models.Load(filename)
}
