package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// ResourceRequirements are sizing hints passed through to the chosen backend.
// CPU values are in cores ("0.5", "2"); memory values accept human readable
// sizes ("512MiB", "2 GB"). Empty fields mean "no constraint".
type ResourceRequirements struct {
	CPURequest    string `json:"cpu_request,omitempty" yaml:"cpu_request,omitempty"`
	CPULimit      string `json:"cpu_limit,omitempty" yaml:"cpu_limit,omitempty"`
	MemoryRequest string `json:"memory_request,omitempty" yaml:"memory_request,omitempty"`
	MemoryLimit   string `json:"memory_limit,omitempty" yaml:"memory_limit,omitempty"`
}

// Validate checks every set field parses to a non-negative quantity.
func (r ResourceRequirements) Validate() error {
	for name, v := range map[string]string{"cpu_request": r.CPURequest, "cpu_limit": r.CPULimit} {
		if _, err := parseCPU(v); err != nil {
			return fmt.Errorf("resource requirements: %s: %w", name, err)
		}
	}
	for name, v := range map[string]string{"memory_request": r.MemoryRequest, "memory_limit": r.MemoryLimit} {
		if _, err := parseMemory(v); err != nil {
			return fmt.Errorf("resource requirements: %s: %w", name, err)
		}
	}
	return nil
}

// IsZero reports whether no requirement is set.
func (r ResourceRequirements) IsZero() bool {
	return r == ResourceRequirements{}
}

// CPULimitCores returns the CPU limit in cores, or 0 when unset.
func (r ResourceRequirements) CPULimitCores() (float64, error) {
	return parseCPU(r.CPULimit)
}

// MemoryLimitBytes returns the memory limit in bytes, or 0 when unset.
func (r ResourceRequirements) MemoryLimitBytes() (uint64, error) {
	return parseMemory(r.MemoryLimit)
}

// String renders the requirements for logs, e.g. "cpu=1/2 mem=512 MiB/1.0 GiB".
func (r ResourceRequirements) String() string {
	mem := func(v string) string {
		b, err := parseMemory(v)
		if err != nil || b == 0 {
			return "-"
		}
		return humanize.IBytes(b)
	}
	cpu := func(v string) string {
		if v == "" {
			return "-"
		}
		return v
	}
	return fmt.Sprintf("cpu=%s/%s mem=%s/%s",
		cpu(r.CPURequest), cpu(r.CPULimit), mem(r.MemoryRequest), mem(r.MemoryLimit))
}

func parseCPU(v string) (float64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	cores, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(cores) || math.IsInf(cores, 0) {
		return 0, fmt.Errorf("invalid cpu quantity %q", v)
	}
	if cores < 0 {
		return 0, fmt.Errorf("cpu quantity %q is negative", v)
	}
	return cores, nil
}

func parseMemory(v string) (uint64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	if strings.HasPrefix(v, "-") {
		return 0, fmt.Errorf("memory quantity %q is negative", v)
	}
	b, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("invalid memory quantity %q: %w", v, err)
	}
	return b, nil
}
