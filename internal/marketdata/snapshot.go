// Package marketdata owns the current-price state and the feeds that keep
// it fresh. Consumers are handed a *PriceSnapshot and a *QuoteService;
// nothing reads feed internals directly.
package marketdata

import (
	"sync"
	"time"
)

// PriceSnapshot is the single owned copy of "last known price" for one
// symbol. Feeds call Update, everyone else calls Get. It replaces any
// notion of shared global price state.
type PriceSnapshot struct {
	mu        sync.RWMutex
	symbol    string
	price     float64
	volume    int64
	updatedAt time.Time
}

func NewPriceSnapshot(symbol string) *PriceSnapshot {
	return &PriceSnapshot{symbol: symbol}
}

func (s *PriceSnapshot) Symbol() string { return s.symbol }

// Update ignores regressions in time so a slow pull result can never
// overwrite a newer push tick.
func (s *PriceSnapshot) Update(price float64, volume int64, at time.Time) {
	if price <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.Before(s.updatedAt) {
		return
	}
	s.price = price
	s.volume = volume
	s.updatedAt = at
}

// Get returns the last price, its volume, and whether any tick has been
// seen at all.
func (s *PriceSnapshot) Get() (price float64, volume int64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.price, s.volume, !s.updatedAt.IsZero()
}

// Age reports how stale the snapshot is. A snapshot that has never been
// updated reports a very large age.
func (s *PriceSnapshot) Age() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.updatedAt.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(s.updatedAt)
}
