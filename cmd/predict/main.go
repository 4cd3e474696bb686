// Package main decodes a TSV file with a trained checkpoint and writes one
// prediction per line.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/FlavioCFOliveira/GoTransduce/transduce"
)

func main() {
	modelPath := flag.String("model", "model.ckpt", "checkpoint to load")
	inputPath := flag.String("input", "", "input TSV file")
	outputPath := flag.String("output", "", "output file, stdout when empty")
	sourceCol := flag.Int("source-col", 1, "1-based source column")
	featuresCol := flag.Int("features-col", 0, "1-based features column, 0 for none")
	sourceSep := flag.String("source-sep", "", "source symbol separator, empty for characters")
	featuresSep := flag.String("features-sep", ";", "features separator")
	targetSep := flag.String("target-sep", "", "separator between predicted symbols")
	batchSize := flag.Int("batch-size", 32, "batch size")
	strict := flag.Bool("strict", false, "fail on symbols missing from the model instead of mapping them to UNK")
	flag.Parse()

	if *inputPath == "" {
		log.Fatal("-input is mandatory")
	}

	model, err := transduce.Load(*modelPath)
	if err != nil {
		log.Fatal("Error loading model: ", err)
	}

	dcfg := transduce.DefaultDataConfig()
	dcfg.SourceCol, dcfg.TargetCol, dcfg.FeaturesCol = *sourceCol, 0, *featuresCol
	dcfg.SourceSep, dcfg.FeaturesSep = *sourceSep, *featuresSep
	examples, err := transduce.LoadTSV(*inputPath, dcfg)
	if err != nil {
		log.Fatal("Error loading input: ", err)
	}
	ds, err := transduce.NewDataset(model, examples, *strict)
	if err != nil {
		log.Fatal(err)
	}
	for _, i := range ds.Unknown() {
		log.Printf("example %d: unknown symbols mapped to %s", i+1, transduce.UNK)
	}

	preds, err := transduce.Predict(model, ds, *batchSize)
	if err != nil {
		log.Fatal("Prediction failed: ", err)
	}

	out := os.Stdout
	if *outputPath != "" {
		if out, err = os.Create(*outputPath); err != nil {
			log.Fatal("failed to create file: ", err)
		}
		defer out.Close()
	}
	w := bufio.NewWriter(out)
	for i, p := range preds {
		fmt.Fprintf(w, "%s\t%s\n", strings.Join(examples[i].Source, *sourceSep), strings.Join(p, *targetSep))
	}
	if err := w.Flush(); err != nil {
		log.Fatal(err)
	}
}
