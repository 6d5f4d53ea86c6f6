package mesh

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/qalgo/odte-trader/internal/observ"
)

// ProducerWeight is the tunable performance record for one producer.
// Weight is the 0-100 contribution when the producer triggers; WinRate
// feeds the capital allocator's buckets.
type ProducerWeight struct {
	Weight  float64 `yaml:"weight"`
	WinRate float64 `yaml:"win_rate"`
}

// WeightTable is the persisted tuning state for the whole mesh.
type WeightTable struct {
	Producers map[string]ProducerWeight `yaml:"producers"`
}

func defaultWeights() WeightTable {
	names := []string{"block", "trap", "quant", "precision", "scout"}
	t := WeightTable{Producers: map[string]ProducerWeight{}}
	for _, n := range names {
		t.Producers[n] = ProducerWeight{Weight: 20, WinRate: 0.5}
	}
	return t
}

// LoadWeights reads the yaml table, falling back to defaults when the
// file is missing or unreadable. A bad weights file should soften
// scoring, not stop trading.
func LoadWeights(path string) WeightTable {
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			observ.Warn("mesh_weights_unreadable", map[string]any{"path": path, "error": err.Error()})
		}
		return defaultWeights()
	}
	var t WeightTable
	if err := yaml.Unmarshal(b, &t); err != nil {
		observ.Warn("mesh_weights_malformed", map[string]any{"path": path, "error": err.Error()})
		return defaultWeights()
	}
	if len(t.Producers) == 0 {
		return defaultWeights()
	}
	for name, pw := range t.Producers {
		if pw.Weight < 0 || pw.Weight > 100 {
			return defaultWeights()
		}
		if pw.WinRate == 0 {
			pw.WinRate = 0.5
			t.Producers[name] = pw
		}
	}
	return t
}

// SaveWeights persists the table, used by offline tuning jobs.
func SaveWeights(path string, t WeightTable) error {
	b, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}

// MeanWinRate is the weight-averaged historical win rate across
// producers, consumed by the capital allocator.
func (t WeightTable) MeanWinRate() float64 {
	var sumW, sum float64
	for _, pw := range t.Producers {
		sumW += pw.Weight
		sum += pw.Weight * pw.WinRate
	}
	if sumW == 0 {
		return 0.5
	}
	return sum / sumW
}
