// Package executor submits orders and normalizes outcomes. Every call is
// gated (kill switch, test mode, sanity checks, soft funds floor) before
// the single network submission, and fully audited after it.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/qalgo/odte-trader/internal/broker"
	"github.com/qalgo/odte-trader/internal/capital"
	"github.com/qalgo/odte-trader/internal/ledger"
	"github.com/qalgo/odte-trader/internal/observ"
)

// KillSwitch reports whether trading is externally halted.
type KillSwitch interface {
	Halted() bool
}

// Config for the executor's pre-checks.
type Config struct {
	TestMode    bool
	MinCashUSD  float64 // soft floor; broker stays authoritative
	ConfirmWait time.Duration
}

// Executor routes orders through the broker client with pre-checks and
// fill confirmation.
type Executor struct {
	cfg      Config
	client   broker.Client
	balances *capital.BalanceCache
	kill     KillSwitch
	audit    auditor
}

type auditor interface {
	Write(kind string, data map[string]any)
}

func New(cfg Config, client broker.Client, balances *capital.BalanceCache, kill KillSwitch, audit auditor) *Executor {
	if cfg.ConfirmWait <= 0 {
		cfg.ConfirmWait = 2 * time.Second
	}
	return &Executor{cfg: cfg, client: client, balances: balances, kill: kill, audit: audit}
}

// Open submits an opening order. The skipped statuses are results, not
// errors: the loop re-evaluates next cycle from scratch.
func (e *Executor) Open(ctx context.Context, optionSymbol string, quantity int) (broker.OrderResult, error) {
	if res, blocked := e.precheck(optionSymbol, quantity); blocked {
		return res, nil
	}
	return e.submit(ctx, optionSymbol, quantity, broker.SideBuyToOpen)
}

// Close submits a closing order. Close is exit management, so the kill
// switch does not block it; only test mode does.
func (e *Executor) Close(ctx context.Context, optionSymbol string, quantity int) (broker.OrderResult, error) {
	if e.cfg.TestMode {
		observ.Log("order_skipped", map[string]any{
			"symbol": optionSymbol,
			"side":   string(broker.SideSellToClose),
			"reason": "test_mode",
		})
		return broker.OrderResult{Status: broker.OrderSkipped, Reason: "test_mode"}, nil
	}
	if quantity < 1 {
		return broker.OrderResult{Status: broker.OrderSkipped, Reason: "zero_quantity"}, nil
	}
	return e.submit(ctx, optionSymbol, quantity, broker.SideSellToClose)
}

func (e *Executor) precheck(optionSymbol string, quantity int) (broker.OrderResult, bool) {
	reason := ""
	switch {
	case e.cfg.TestMode:
		reason = "test_mode"
	case e.kill != nil && e.kill.Halted():
		reason = "kill_switch"
	case quantity < 1:
		reason = "zero_quantity"
	}
	if reason == "" && e.balances != nil {
		snap, ok := e.balances.Get()
		if !ok {
			reason = "balances_unavailable"
		} else if snap.BuyingPower < e.cfg.MinCashUSD {
			// Soft floor only; the broker may still accept or reject.
			observ.Warn("order_funds_low", map[string]any{
				"symbol":       optionSymbol,
				"buying_power": snap.BuyingPower,
				"floor":        e.cfg.MinCashUSD,
			})
			reason = "insufficient_funds"
		}
	}
	if reason == "" {
		return broker.OrderResult{}, false
	}
	observ.Log("order_skipped", map[string]any{
		"symbol": optionSymbol,
		"side":   string(broker.SideBuyToOpen),
		"reason": reason,
	})
	observ.Orders.WithLabelValues(string(broker.SideBuyToOpen), broker.OrderSkipped).Inc()
	return broker.OrderResult{Status: broker.OrderSkipped, Reason: reason}, true
}

func (e *Executor) submit(ctx context.Context, optionSymbol string, quantity int, side broker.Side) (broker.OrderResult, error) {
	res, err := e.client.SubmitOrder(ctx, optionSymbol, quantity, side)
	if err != nil && res.Status == "" {
		res = broker.OrderResult{Status: broker.OrderError, Reason: err.Error()}
	}

	if e.audit != nil {
		e.audit.Write("order", map[string]any{
			"symbol":   optionSymbol,
			"side":     string(side),
			"quantity": quantity,
			"status":   res.Status,
			"order_id": res.OrderID,
			"reason":   res.Reason,
		})
	}
	observ.Orders.WithLabelValues(string(side), res.Status).Inc()

	if res.Status == broker.OrderOK && res.OrderID != "" {
		e.confirm(ctx, &res)
	}
	return res, err
}

// confirm polls the order once after a short pause so the ledger records
// a fill rather than a pending submission when the broker is quick.
func (e *Executor) confirm(ctx context.Context, res *broker.OrderResult) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(e.cfg.ConfirmWait):
	}
	status, err := e.client.OrderStatus(ctx, res.OrderID)
	if err != nil {
		observ.Warn("order_confirm_failed", map[string]any{
			"order_id": res.OrderID,
			"error":    err.Error(),
		})
		return
	}
	observ.Log("order_status", map[string]any{"order_id": res.OrderID, "status": status})
	if status == "rejected" || status == "canceled" || status == "expired" {
		res.Status = broker.OrderRejected
		res.Reason = fmt.Sprintf("broker reported %s", status)
	}
}

// BuildPosition assembles the ledger record for a confirmed open.
func BuildPosition(underlying, optionSymbol string, quantity int, entryPrice, meshScore, allocation float64, agentSignals map[string]float64, orderID string) ledger.Position {
	return ledger.Position{
		TradeID:      fmt.Sprintf("%s_%s", optionSymbol, uuid.NewString()[:8]),
		Underlying:   underlying,
		Symbol:       optionSymbol,
		Direction:    "long",
		Quantity:     quantity,
		EntryTime:    time.Now().UTC(),
		EntryPrice:   entryPrice,
		MeshScore:    meshScore,
		ScoredAt:     time.Now().UTC(),
		AgentSignals: agentSignals,
		Allocation:   allocation,
		OrderID:      orderID,
		Status:       ledger.StatusOpen,
	}
}
