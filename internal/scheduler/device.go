// Package scheduler decides which device a ready stage targets. Selection
// and allocation share one critical section so that a device can never be
// double-booked.
package scheduler

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"qplane/internal/workflow"
)

// Device describes one execution resource known to the orchestrator: a
// quantum device or simulator with its hard capabilities and the soft quality
// signals the fitness policy scores on.
type Device struct {
	ID        string   `yaml:"id"`
	Qubits    int      `yaml:"qubits"`
	Couplings [][2]int `yaml:"couplings"`
	Formats   []string `yaml:"formats"`
	Online    bool     `yaml:"online"`

	// Soft signals, refreshed out of band.
	Fidelity       float64   `yaml:"fidelity"`
	SuccessRate    float64   `yaml:"success_rate"`
	LastCalibrated time.Time `yaml:"last_calibrated"`
	QueueDepth     int       `yaml:"queue_depth"`
	EstWait        Duration  `yaml:"est_wait"`
}

// Duration accepts "45s"-style values in catalog files.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Satisfies reports whether the device meets a stage's hard constraints:
// qubit count, required connectivity subgraph, declared format support, and
// minimum fidelity. Availability is deliberately not part of this check.
func (d *Device) Satisfies(c workflow.Constraints) bool {
	if c.Qubits > d.Qubits {
		return false
	}
	if c.MinFidelity > 0 && d.Fidelity < c.MinFidelity {
		return false
	}
	if c.Format != "" && !d.supportsFormat(c.Format) {
		return false
	}
	for _, want := range c.Couplings {
		if !d.hasCoupling(want) {
			return false
		}
	}
	return true
}

func (d *Device) supportsFormat(format string) bool {
	for _, f := range d.Formats {
		if f == format {
			return true
		}
	}
	return false
}

// hasCoupling treats couplings as undirected.
func (d *Device) hasCoupling(want [2]int) bool {
	for _, have := range d.Couplings {
		if have == want || (have[0] == want[1] && have[1] == want[0]) {
			return true
		}
	}
	return false
}

// Catalog is the on-disk device inventory format.
type Catalog struct {
	Devices []Device `yaml:"devices"`
}

// LoadCatalog reads a YAML device catalog from path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse device catalog: %w", err)
	}
	for i, d := range c.Devices {
		if d.ID == "" {
			return nil, fmt.Errorf("device catalog entry %d has no id", i)
		}
	}
	return &c, nil
}
