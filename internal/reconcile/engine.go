// Package reconcile keeps the local position ledger consistent with the
// broker's ground truth. The broker wins every disagreement: missing
// entries are adopted, phantoms dropped, placeholder fields re-scored.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/qalgo/odte-trader/internal/broker"
	"github.com/qalgo/odte-trader/internal/ledger"
	"github.com/qalgo/odte-trader/internal/observ"
)

// Enrichment is the best-effort scoring backfill for adopted or
// placeholder entries.
type Enrichment struct {
	MeshScore    float64
	AgentSignals map[string]float64
	Regime       string
}

// Enricher re-runs entry scoring against current context. Failures are
// tolerated: the base record is kept either way.
type Enricher interface {
	Enrich(ctx context.Context, symbol string) (Enrichment, error)
}

// Diff summarizes one reconciliation pass.
type Diff struct {
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Rescored []string `json:"rescored"`
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Rescored) == 0
}

type auditor interface {
	Write(kind string, data map[string]any)
}

// Engine diffs ledger against broker and rewrites the ledger.
type Engine struct {
	client   broker.Client
	book     *ledger.Ledger
	enricher Enricher
	audit    auditor
}

func NewEngine(client broker.Client, book *ledger.Ledger, enricher Enricher, audit auditor) *Engine {
	return &Engine{client: client, book: book, enricher: enricher, audit: audit}
}

// Reconcile runs one full pass. It completes even when individual
// enrichment calls fail, and a second run with no broker-side change
// produces an empty diff.
func (e *Engine) Reconcile(ctx context.Context) (Diff, error) {
	var diff Diff

	brokerOpen, err := e.client.OpenPositions(ctx)
	if err != nil {
		return diff, fmt.Errorf("fetch broker positions: %w", err)
	}
	local := e.book.List()

	localByOrder := make(map[string]ledger.Position, len(local))
	for _, p := range local {
		localByOrder[p.OrderID] = p
	}
	brokerByOrder := make(map[string]broker.BrokerPosition, len(brokerOpen))
	for _, b := range brokerOpen {
		brokerByOrder[b.OrderID] = b
	}

	next := make([]ledger.Position, 0, len(brokerOpen))

	// Keep or rescore every local entry the broker still reports.
	for _, p := range local {
		if _, ok := brokerByOrder[p.OrderID]; !ok {
			diff.Removed = append(diff.Removed, p.TradeID)
			observ.Log("reconcile_phantom_removed", map[string]any{
				"trade_id": p.TradeID,
				"symbol":   p.Symbol,
			})
			continue
		}
		if placeholder(p) {
			if enr, err := e.enrich(ctx, scoringSymbol(p)); err == nil {
				p.MeshScore = enr.MeshScore
				p.AgentSignals = enr.AgentSignals
				p.Regime = enr.Regime
				p.ScoredAt = time.Now().UTC()
				diff.Rescored = append(diff.Rescored, p.TradeID)
			} else {
				observ.Warn("reconcile_rescore_failed", map[string]any{
					"trade_id": p.TradeID,
					"error":    err.Error(),
				})
			}
		}
		next = append(next, p)
	}

	// Adopt broker entries we don't know about.
	for _, b := range brokerOpen {
		if _, ok := localByOrder[b.OrderID]; ok {
			continue
		}
		p := ledger.Position{
			TradeID:    fmt.Sprintf("%s_%s", b.Symbol, b.OrderID),
			Underlying: underlyingOf(b.Symbol),
			Symbol:     b.Symbol,
			Direction:  "long",
			Quantity:   b.Quantity,
			EntryTime:  b.CreatedAt,
			OrderID:    b.OrderID,
			Status:     ledger.StatusOpen,
			Regime:     "unknown",
		}
		if enr, err := e.enrich(ctx, scoringSymbol(p)); err == nil {
			p.MeshScore = enr.MeshScore
			p.AgentSignals = enr.AgentSignals
			p.Regime = enr.Regime
			p.ScoredAt = time.Now().UTC()
		} else {
			// Base record still lands; scoring backfills next pass.
			observ.Warn("reconcile_enrich_failed", map[string]any{
				"order_id": b.OrderID,
				"error":    err.Error(),
			})
		}
		next = append(next, p)
		diff.Added = append(diff.Added, p.TradeID)
		observ.Log("reconcile_adopted", map[string]any{
			"trade_id": p.TradeID,
			"order_id": b.OrderID,
		})
	}

	if !diff.Empty() {
		if err := e.book.CompactTo(next); err != nil {
			return diff, fmt.Errorf("rewrite ledger: %w", err)
		}
	}

	for kind, n := range map[string]int{
		"added":    len(diff.Added),
		"removed":  len(diff.Removed),
		"rescored": len(diff.Rescored),
	} {
		if n > 0 {
			observ.Reconciliations.WithLabelValues(kind).Add(float64(n))
		}
	}
	if e.audit != nil {
		e.audit.Write("reconciliation", map[string]any{
			"added":        diff.Added,
			"removed":      diff.Removed,
			"rescored":     diff.Rescored,
			"broker_total": len(brokerOpen),
			"local_total":  len(local),
			"at":           time.Now().UTC().Format(time.RFC3339),
		})
	}
	return diff, nil
}

func (e *Engine) enrich(ctx context.Context, symbol string) (Enrichment, error) {
	if e.enricher == nil {
		return Enrichment{}, fmt.Errorf("no enricher configured")
	}
	return e.enricher.Enrich(ctx, symbol)
}

// placeholder reports entries never scored at all. The timestamp, not
// the score, is the marker: a legitimate zero-score entry must not be
// rescored on every pass.
func placeholder(p ledger.Position) bool {
	return p.ScoredAt.IsZero()
}

func scoringSymbol(p ledger.Position) string {
	if p.Underlying != "" {
		return p.Underlying
	}
	return p.Symbol
}

// underlyingOf strips the OCC expiry/strike suffix, e.g.
// SPY240621C00450000 -> SPY. Non-OCC symbols pass through unchanged.
func underlyingOf(symbol string) string {
	for i, r := range symbol {
		if r >= '0' && r <= '9' {
			if i == 0 {
				return symbol
			}
			return symbol[:i]
		}
	}
	return symbol
}
