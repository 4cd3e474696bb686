// Package main trains a transduction model on a TSV file and writes the
// best checkpoint.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/FlavioCFOliveira/GoTransduce/transduce"
)

func main() {
	trainPath := flag.String("train", "", "training TSV file")
	valPath := flag.String("val", "", "validation TSV file (optional)")
	modelPath := flag.String("model", "model.ckpt", "checkpoint destination")
	csvPath := flag.String("metrics", "", "write epoch metrics to this CSV file")

	sourceCol := flag.Int("source-col", 1, "1-based source column")
	targetCol := flag.Int("target-col", 2, "1-based target column")
	featuresCol := flag.Int("features-col", 0, "1-based features column, 0 for none")
	sourceSep := flag.String("source-sep", "", "source symbol separator, empty for characters")
	targetSep := flag.String("target-sep", "", "target symbol separator, empty for characters")
	featuresSep := flag.String("features-sep", ";", "features separator")

	arch := flag.String("arch", string(transduce.AttentiveLSTM), "architecture")
	encLayers := flag.Int("encoder-layers", 1, "encoder layers")
	decLayers := flag.Int("decoder-layers", 1, "decoder layers")
	embSize := flag.Int("embedding-size", 0, "embedding size (architecture default when 0)")
	hiddenSize := flag.Int("hidden-size", 0, "hidden size (architecture default when 0)")
	heads := flag.Int("attention-heads", 0, "transformer attention heads (architecture default when 0)")
	bidirectional := flag.Bool("bidirectional", true, "bidirectional LSTM encoder")
	dropout := flag.Float64("dropout", 0.2, "dropout probability")
	smoothing := flag.Float64("label-smoothing", 0, "label smoothing")
	positions := flag.String("positional-encoding", "sinusoidal", "transformer positions: sinusoidal or learned")
	oracleFactor := flag.Float64("oracle-factor", 1, "transducer roll-in factor")
	emEpochs := flag.Int("oracle-em-epochs", 5, "transducer expert EM epochs")
	beam := flag.Int("beam-width", 1, "beam width used at prediction time")
	maxDecode := flag.Int("max-decode-length", 128, "maximum decoded length")

	epochs := flag.Int("epochs", 20, "maximum epochs")
	batchSize := flag.Int("batch-size", 32, "batch size")
	optimizer := flag.String("optimizer", "adam", "sgd, adam or adadelta")
	lr := flag.Float64("lr", 0.001, "learning rate")
	clip := flag.Float64("gradient-clip", 0, "clip gradients to this global norm, 0 disables")
	scheduler := flag.String("scheduler", "none", "none, warmupinvsqrt, reduceonplateau, step or exponential")
	warmup := flag.Int("warmup-steps", 4000, "warmup steps for warmupinvsqrt")
	patience := flag.Int("patience", 0, "early stopping patience in epochs, 0 disables")
	seed := flag.Uint64("seed", 1, "random seed")
	flag.Parse()

	if *trainPath == "" {
		log.Fatal("-train is mandatory")
	}

	dcfg := transduce.DefaultDataConfig()
	dcfg.SourceCol, dcfg.TargetCol, dcfg.FeaturesCol = *sourceCol, *targetCol, *featuresCol
	dcfg.SourceSep, dcfg.TargetSep, dcfg.FeaturesSep = *sourceSep, *targetSep, *featuresSep

	cfg := transduce.ForArch(transduce.Arch(*arch))
	cfg.EncoderLayers, cfg.DecoderLayers = *encLayers, *decLayers
	if *embSize > 0 {
		cfg.EmbeddingSize = *embSize
		if cfg.Arch.IsTransformer() {
			cfg.HiddenSize = *embSize
		}
	}
	if *hiddenSize > 0 {
		cfg.HiddenSize = *hiddenSize
	}
	if *heads > 0 {
		cfg.AttentionHeads = *heads
	}
	cfg.Bidirectional = *bidirectional
	cfg.Dropout = *dropout
	cfg.LabelSmoothing = *smoothing
	cfg.PositionalEncoding = *positions
	cfg.OracleFactor = *oracleFactor
	cfg.OracleEMEpochs = *emEpochs
	cfg.BeamWidth = *beam
	cfg.MaxDecodeLength = *maxDecode
	cfg.Seed = *seed

	examples, err := transduce.LoadTSV(*trainPath, dcfg)
	if err != nil {
		log.Fatal("Error loading training data: ", err)
	}
	fmt.Printf("Loaded %d training examples\n", len(examples))

	model, err := transduce.NewModel(cfg, examples)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Model: %s, %d parameters, run %s\n", cfg.Arch, model.NumParams(), model.RunID())
	fmt.Printf("Device: %s\n", model.Device().Name())

	trainSet, err := transduce.NewDataset(model, examples, true)
	if err != nil {
		log.Fatal(err)
	}
	var valSet *transduce.Dataset
	if *valPath != "" {
		valExamples, err := transduce.LoadTSV(*valPath, dcfg)
		if err != nil {
			log.Fatal("Error loading validation data: ", err)
		}
		if valSet, err = transduce.NewDataset(model, valExamples, false); err != nil {
			log.Fatal(err)
		}
		if unk := valSet.Unknown(); len(unk) > 0 {
			log.Printf("%d validation examples hold symbols unseen in training", len(unk))
		}
		fmt.Printf("Loaded %d validation examples\n", valSet.Len())
	}

	tcfg := transduce.DefaultTrainConfig()
	tcfg.MaxEpochs = *epochs
	tcfg.BatchSize = *batchSize
	tcfg.Seed = *seed
	tcfg.Opt.Optimizer = *optimizer
	tcfg.Opt.LearningRate = *lr
	tcfg.Opt.GradientClip = *clip
	tcfg.Opt.Scheduler = *scheduler
	tcfg.Opt.WarmupSteps = *warmup

	callbacks := []transduce.Callback{transduce.Logger(1), transduce.ModelCheckpoint(*modelPath)}
	if *csvPath != "" {
		callbacks = append(callbacks, transduce.CSVLogger(*csvPath))
	}
	if *patience > 0 {
		callbacks = append(callbacks, transduce.EarlyStopping(*patience, 0))
	}
	trainer, err := transduce.NewTrainer(model, tcfg, callbacks...)
	if err != nil {
		log.Fatal(err)
	}

	history, err := trainer.Fit(trainSet, valSet)
	if err != nil {
		log.Fatal("Training failed: ", err)
	}
	fmt.Printf("Training complete after %d epochs\n", len(history))
	fmt.Printf("Best model saved to %s\n", *modelPath)
}
