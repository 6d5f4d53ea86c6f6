// Package capital decides how much of the account one trade may use:
// a baseline allocation adjusted by historical win rate, throttled by
// drawdown, nudged by signal confidence, and converted to contracts.
package capital

import (
	"math"

	"github.com/qalgo/odte-trader/internal/observ"
)

// Config carries the allocator's bounds.
type Config struct {
	Base  float64 // starting fraction, e.g. 0.2
	Floor float64
	Ceil  float64
}

// Allocator is stateless beyond its config; equity inputs come from the
// balance cache, win rate from the mesh weight table.
type Allocator struct {
	cfg Config
}

func NewAllocator(cfg Config) *Allocator {
	if cfg.Base == 0 {
		cfg.Base = 0.2
	}
	if cfg.Floor == 0 {
		cfg.Floor = 0.05
	}
	if cfg.Ceil == 0 {
		cfg.Ceil = 1.0
	}
	return &Allocator{cfg: cfg}
}

// CurrentAllocation maps the historical win rate onto a capital fraction:
// poor performance shrinks the baseline, strong performance grows it,
// always inside [floor, ceil].
func (a *Allocator) CurrentAllocation(winRate float64) float64 {
	alloc := a.cfg.Base
	switch {
	case winRate < 0.40:
		alloc -= 0.05
	case winRate > 0.65:
		alloc += 0.10
	}
	alloc = a.clamp(alloc)
	observ.Allocation.Set(alloc)
	return alloc
}

// DrawdownThrottle returns the sizing multiplier for the current drawdown
// versus the session baseline. Monotone non-increasing in drawdown.
func (a *Allocator) DrawdownThrottle(equityNow, equityBaseline float64) float64 {
	if equityBaseline <= 0 {
		return 1.0
	}
	dd := (equityBaseline - equityNow) / equityBaseline
	observ.DrawdownPct.Set(math.Max(dd, 0) * 100)

	switch {
	case dd >= 0.30:
		return 0.2 // survival mode
	case dd >= 0.15:
		return 0.5
	case dd >= 0.10:
		return 0.75
	default:
		return 1.0
	}
}

// PositionSize nudges the throttled allocation by signal quality and
// clamps to [floor, maxFraction]. meshScore is 0-100, auxConfidence 0-1.
func (a *Allocator) PositionSize(allocation, meshScore, auxConfidence, maxFraction float64) float64 {
	size := allocation
	if meshScore >= 80 {
		size += 0.05
	} else if meshScore < 50 {
		size -= 0.05
	}
	if auxConfidence >= 0.85 {
		size += 0.05
	} else if auxConfidence < 0.5 {
		size -= 0.05
	}

	if maxFraction <= 0 || maxFraction > a.cfg.Ceil {
		maxFraction = a.cfg.Ceil
	}
	if size > maxFraction {
		size = maxFraction
	}
	if size < a.cfg.Floor {
		size = a.cfg.Floor
	}
	return round3(size)
}

// Contracts converts a capital fraction to a contract count, never below
// one: a throttled entry trades small, it doesn't silently not trade.
func (a *Allocator) Contracts(fraction float64) int {
	n := int(fraction * 10)
	if n < 1 {
		n = 1
	}
	return n
}

func (a *Allocator) clamp(v float64) float64 {
	if v < a.cfg.Floor {
		return a.cfg.Floor
	}
	if v > a.cfg.Ceil {
		return a.cfg.Ceil
	}
	return v
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
