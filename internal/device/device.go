// Package device describes the hardware a model computes on.
//
// A Device is chosen once when a model is built and then shared read-only by
// every component of that model.
package device

import (
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// DeviceType represents the hardware device used for computation.
type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

// String returns the lower-case device type name.
func (t DeviceType) String() string {
	switch t {
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	}
	return fmt.Sprintf("device(%d)", int(t))
}

// Device manages the hardware resources for neural network operations.
type Device interface {
	Type() DeviceType
	IsAvailable() bool
	// Name is a human readable description for logs and checkpoints.
	Name() string
}

// CPUDevice handles computations on the host CPU.
type CPUDevice struct {
	brand   string
	cores   int
	vector  string
	threads int
}

// NewCPU probes the host CPU once.
func NewCPU() *CPUDevice {
	d := &CPUDevice{
		brand:   cpuid.CPU.BrandName,
		cores:   cpuid.CPU.PhysicalCores,
		threads: runtime.GOMAXPROCS(0),
		vector:  "generic",
	}
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ):
		d.vector = "avx512"
	case cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3):
		d.vector = "avx2"
	case cpuid.CPU.Supports(cpuid.ASIMD):
		d.vector = "neon"
	}
	if d.brand == "" {
		d.brand = runtime.GOARCH
	}
	return d
}

func (d *CPUDevice) Type() DeviceType  { return CPU }
func (d *CPUDevice) IsAvailable() bool { return true }

// Name describes the CPU, e.g. "cpu: AMD EPYC (8 cores, avx2)".
func (d *CPUDevice) Name() string {
	return fmt.Sprintf("cpu: %s (%d cores, %s, %d threads)", d.brand, d.cores, d.vector, d.threads)
}

// Vector returns the widest SIMD extension detected.
func (d *CPUDevice) Vector() string { return d.vector }

// GetDefaultDevice returns the best available device for the current platform.
// Only the CPU is supported; BLAS kernels come from gonum.
func GetDefaultDevice() Device {
	return NewCPU()
}
