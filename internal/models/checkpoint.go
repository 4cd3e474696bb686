package models

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/unixpickle/essentials"

	"github.com/FlavioCFOliveira/GoTransduce/internal/device"
	"github.com/FlavioCFOliveira/GoTransduce/internal/expert"
	"github.com/FlavioCFOliveira/GoTransduce/internal/vocab"
)

const checkpointVersion = 1

// checkpoint is everything needed to rebuild a model for inference.
type checkpoint struct {
	Version int
	RunID   string
	Device  string

	Config Config
	Index  *vocab.Index
	Params []savedParam

	// Transducer only.
	Expert expert.Config
	SED    []float64
}

type savedParam struct {
	Name  string
	Rows  int
	Cols  int
	Value []float64
}

// Save writes the model to a file using gob encoding. Gradients and
// optimizer state are not saved.
func (m *Model) Save(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if err := m.Encode(file); err != nil {
		return err
	}
	return file.Close()
}

// Encode writes the model to w using gob encoding.
func (m *Model) Encode(w io.Writer) error {
	ck := checkpoint{
		Version: checkpointVersion,
		RunID:   m.runID.String(),
		Device:  m.dev.Name(),
		Config:  m.cfg,
		Index:   m.index,
	}
	for _, p := range m.params {
		ck.Params = append(ck.Params, savedParam{Name: p.Name, Rows: p.Rows, Cols: p.Cols, Value: p.Value})
	}
	if m.expert != nil {
		ck.Expert = m.expert.Config()
		ck.SED = m.expert.SED.Params
	}
	if err := gob.NewEncoder(w).Encode(&ck); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return nil
}

// Load reads a model saved with Save. It is rebuilt on the default device.
func Load(filename string) (*Model, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()
	return Decode(file, device.GetDefaultDevice())
}

// Decode reads a model written by Encode and rebuilds it on dev.
func Decode(r io.Reader, dev device.Device) (*Model, error) {
	var ck checkpoint
	if err := gob.NewDecoder(r).Decode(&ck); err != nil {
		return nil, essentials.AddCtx("deserialize checkpoint", err)
	}
	if ck.Version != checkpointVersion {
		return nil, fmt.Errorf("deserialize checkpoint: unsupported version %d", ck.Version)
	}
	if ck.Index == nil {
		return nil, fmt.Errorf("deserialize checkpoint: no index")
	}

	var ex *expert.Expert
	if ck.Config.Arch == Transducer {
		ex = expert.New(ck.Expert, ck.Index.SourceToTarget(), ck.Index.TargetSize())
		if len(ck.SED) != len(ex.SED.Params) {
			return nil, fmt.Errorf("deserialize checkpoint: edit model has %d parameters, want %d", len(ck.SED), len(ex.SED.Params))
		}
		copy(ex.SED.Params, ck.SED)
	}
	m, err := New(ck.Config, ck.Index, dev, ex)
	if err != nil {
		return nil, essentials.AddCtx("deserialize checkpoint", err)
	}
	if m.runID, err = uuid.Parse(ck.RunID); err != nil {
		return nil, essentials.AddCtx("deserialize run id", err)
	}

	saved := make(map[string]savedParam, len(ck.Params))
	for _, p := range ck.Params {
		saved[p.Name] = p
	}
	for _, p := range m.params {
		s, ok := saved[p.Name]
		if !ok {
			return nil, fmt.Errorf("deserialize checkpoint: missing parameter %s", p.Name)
		}
		if s.Rows != p.Rows || s.Cols != p.Cols || len(s.Value) != len(p.Value) {
			return nil, fmt.Errorf("deserialize checkpoint: parameter %s is [%d, %d], want [%d, %d]", p.Name, s.Rows, s.Cols, p.Rows, p.Cols)
		}
		copy(p.Value, s.Value)
	}
	if len(saved) != len(m.params) {
		return nil, fmt.Errorf("deserialize checkpoint: %d saved parameters for a model of %d", len(saved), len(m.params))
	}
	return m, nil
}
