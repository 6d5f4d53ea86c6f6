package engine

import (
	"encoding/json"
	"os"

	"github.com/qalgo/odte-trader/internal/observ"
)

type baselineRecord struct {
	Date   string  `json:"date"` // YYYY-MM-DD, session the baseline belongs to
	Equity float64 `json:"equity"`
}

// loadBaseline returns the persisted equity baseline if it was captured
// on the given session date. Any other outcome means "capture fresh".
func loadBaseline(path, date string) (float64, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	var rec baselineRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		observ.Warn("baseline_unreadable", map[string]any{"path": path, "error": err.Error()})
		return 0, false
	}
	if rec.Date != date || rec.Equity <= 0 {
		return 0, false
	}
	return rec.Equity, true
}

func saveBaseline(path, date string, equity float64) {
	b, err := json.Marshal(baselineRecord{Date: date, Equity: equity})
	if err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		observ.Error("baseline_write", err, map[string]any{"path": tmp})
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		observ.Error("baseline_write", err, map[string]any{"path": path})
	}
}
