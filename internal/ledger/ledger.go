package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/qalgo/odte-trader/internal/observ"
)

// Status of a tracked position. Anything other than StatusClosed counts
// against the single-position invariant.
type Status string

const (
	StatusPending Status = "pending"
	StatusOpen    Status = "open"
	StatusExiting Status = "exiting"
	StatusClosed  Status = "closed"
)

func (s Status) Live() bool {
	return s == StatusPending || s == StatusOpen || s == StatusExiting
}

// Position is one open trade tracked from submission to close.
type Position struct {
	TradeID      string             `json:"trade_id"`
	Underlying   string             `json:"underlying"`
	Symbol       string             `json:"symbol"` // option contract symbol
	Direction    string             `json:"direction"`
	Quantity     int                `json:"quantity"`
	EntryTime    time.Time          `json:"entry_time"`
	EntryPrice   float64            `json:"entry_price"`
	MeshScore    float64            `json:"mesh_score"`
	ScoredAt     time.Time          `json:"scored_at,omitzero"`
	AgentSignals map[string]float64 `json:"agent_signals,omitempty"`
	Allocation   float64            `json:"allocation"`
	OrderID      string             `json:"order_id"`
	Status       Status             `json:"status"`
	Regime       string             `json:"regime,omitempty"`
	PnL          float64            `json:"pnl"`
}

// ErrNoPosition is returned by Remove/Update for unknown trade ids.
var ErrNoPosition = errors.New("position not found")

// Ledger tracks open positions on an AppendLog. All mutation goes through
// its mutex, so the check in Add and the write it guards are one atomic
// step: concurrent adders cannot both pass the single-position check.
type Ledger struct {
	mu        sync.Mutex
	log       AppendLog
	positions map[string]Position
}

func New(log AppendLog) *Ledger {
	return &Ledger{log: log, positions: map[string]Position{}}
}

// Load replays the store at process start. Corruption resets to an empty
// ledger with a warning; reconciliation against the broker rebuilds it.
func (l *Ledger) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.positions = map[string]Position{}
	err := l.log.Scan(func(raw json.RawMessage) error {
		var p Position
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if p.TradeID == "" {
			return nil
		}
		if p.Status.Live() {
			l.positions[p.TradeID] = p
		} else {
			delete(l.positions, p.TradeID)
		}
		return nil
	})
	if err != nil {
		observ.Warn("ledger_load_reset", map[string]any{"error": err.Error()})
		l.positions = map[string]Position{}
		if r, ok := l.log.(interface{ Reset() error }); ok {
			if rerr := r.Reset(); rerr != nil {
				return fmt.Errorf("reset corrupt ledger: %w", rerr)
			}
		}
		return nil
	}
	observ.Log("ledger_loaded", map[string]any{"open": len(l.positions)})
	l.publishGauge()
	return nil
}

// Add records a new position unless a live one already exists. The bool
// reports whether the position was added; a refusal is not an error.
func (l *Ledger) Add(p Position) (bool, error) {
	if p.TradeID == "" {
		return false, errors.New("position missing trade id")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, existing := range l.positions {
		if existing.Status.Live() {
			observ.Log("position_add_skipped", map[string]any{
				"trade_id": p.TradeID,
				"existing": id,
				"reason":   "position_exists",
			})
			return false, nil
		}
	}

	if p.Status == "" {
		p.Status = StatusPending
	}
	if err := l.log.Append(p); err != nil {
		return false, fmt.Errorf("persist position: %w", err)
	}
	l.positions[p.TradeID] = p
	l.publishGauge()
	return true, nil
}

// Update rewrites a tracked position in place. A position updated to
// StatusClosed leaves the ledger and the store is compacted.
func (l *Ledger) Update(p Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.positions[p.TradeID]; !ok {
		return fmt.Errorf("%w: %s", ErrNoPosition, p.TradeID)
	}
	if p.Status == StatusClosed {
		delete(l.positions, p.TradeID)
		err := l.compactLocked()
		l.publishGauge()
		return err
	}
	if err := l.log.Append(p); err != nil {
		return fmt.Errorf("persist update: %w", err)
	}
	l.positions[p.TradeID] = p
	return nil
}

// Remove deletes a position outright (phantom cleanup).
func (l *Ledger) Remove(tradeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.positions[tradeID]; !ok {
		return fmt.Errorf("%w: %s", ErrNoPosition, tradeID)
	}
	delete(l.positions, tradeID)
	err := l.compactLocked()
	l.publishGauge()
	return err
}

// List returns a copy of all live positions.
func (l *Ledger) List() []Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	return out
}

// Open returns the single live position, if any.
func (l *Ledger) Open() (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.positions {
		if p.Status.Live() {
			return p, true
		}
	}
	return Position{}, false
}

// CompactTo atomically replaces ledger contents, used by reconciliation.
func (l *Ledger) CompactTo(positions []Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	records := make([]any, 0, len(positions))
	next := make(map[string]Position, len(positions))
	for _, p := range positions {
		records = append(records, p)
		next[p.TradeID] = p
	}
	if err := l.log.CompactTo(records); err != nil {
		return fmt.Errorf("compact ledger: %w", err)
	}
	l.positions = next
	l.publishGauge()
	return nil
}

func (l *Ledger) compactLocked() error {
	records := make([]any, 0, len(l.positions))
	for _, p := range l.positions {
		records = append(records, p)
	}
	if err := l.log.CompactTo(records); err != nil {
		return fmt.Errorf("compact ledger: %w", err)
	}
	return nil
}

func (l *Ledger) publishGauge() {
	observ.OpenPositions.Set(float64(len(l.positions)))
}
