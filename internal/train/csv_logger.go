package train

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CSVLogger logs epoch metrics to a CSV file.
type CSVLogger struct {
	BaseCallback
	Filename string
	Append   bool

	file   *os.File
	writer *csv.Writer
	start  time.Time
}

// NewCSVLogger creates a new CSVLogger.
func NewCSVLogger(filename string, append bool) *CSVLogger {
	return &CSVLogger{
		Filename: filename,
		Append:   append,
	}
}

var csvHeader = []string{"epoch", "train_loss", "val_loss", "val_accuracy", "lr", "time_seconds"}

func (c *CSVLogger) OnTrainBegin(t *Trainer) {
	mode := os.O_CREATE | os.O_WRONLY
	if c.Append {
		mode |= os.O_APPEND
	} else {
		mode |= os.O_TRUNC
	}

	file, err := os.OpenFile(c.Filename, mode, 0644)
	if err != nil {
		fmt.Printf("CSVLogger: failed to open file %s: %v\n", c.Filename, err)
		return
	}
	c.file = file
	c.writer = csv.NewWriter(file)
	c.start = time.Now()

	// Write header if not appending or if file is empty
	info, err := file.Stat()
	if err == nil && (info.Size() == 0 || !c.Append) {
		c.writer.Write(csvHeader)
		c.writer.Flush()
	}
}

func (c *CSVLogger) OnEpochEnd(epoch int, m Metrics, t *Trainer) {
	if c.writer == nil {
		return
	}

	valLoss, valAcc := "", ""
	if m.Validated {
		valLoss = strconv.FormatFloat(m.ValLoss, 'f', 6, 64)
		valAcc = strconv.FormatFloat(m.ValAccuracy, 'f', 6, 64)
	}
	record := []string{
		strconv.Itoa(epoch),
		strconv.FormatFloat(m.TrainLoss, 'f', 6, 64),
		valLoss,
		valAcc,
		strconv.FormatFloat(m.LR, 'g', 6, 64),
		fmt.Sprintf("%.2f", time.Since(c.start).Seconds()),
	}

	if err := c.writer.Write(record); err != nil {
		fmt.Printf("CSVLogger: failed to write record: %v\n", err)
	}
	c.writer.Flush()
}

func (c *CSVLogger) OnTrainEnd(t *Trainer) {
	if c.file != nil {
		c.writer.Flush()
		c.file.Close()
		c.file = nil
		c.writer = nil
	}
}
