package engine

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/qalgo/odte-trader/internal/observ"
)

// Heartbeat is the runtime snapshot written for external monitors.
// A stale UpdatedAt means the process is wedged or dead.
type Heartbeat struct {
	State        string    `json:"state"`
	UpdatedAt    time.Time `json:"updated_at"`
	PID          int       `json:"pid"`
	Halted       bool      `json:"halted"`
	OpenTradeID  string    `json:"open_trade_id,omitempty"`
	Equity       float64   `json:"equity,omitempty"`
	BaselineUSD  float64   `json:"baseline_usd,omitempty"`
	FeedAgeSecs  float64   `json:"feed_age_seconds"`
	MarketClosed bool      `json:"market_closed"`
}

// StatusFile persists heartbeats with the same tmp+rename discipline as
// the ledger, so readers never see a torn write.
type StatusFile struct {
	mu   sync.Mutex
	path string
}

func NewStatusFile(path string) *StatusFile {
	return &StatusFile{path: path}
}

func (s *StatusFile) Write(hb Heartbeat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hb.UpdatedAt = time.Now().UTC()
	hb.PID = os.Getpid()

	b, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		observ.Error("status_write", err, nil)
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		observ.Error("status_write", err, map[string]any{"path": tmp})
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		observ.Error("status_write", err, map[string]any{"path": s.path})
	}
}
