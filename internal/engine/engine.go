// Package engine runs the trading loop: one evaluation cycle at a time,
// entry when flat and the mesh clears the bar, exit management while a
// position is open. Background services (feed, balance refresh,
// reconciliation, heartbeat) run on an errgroup tied to the loop's
// context so any of them failing tears the whole process down cleanly.
package engine

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qalgo/odte-trader/internal/broker"
	"github.com/qalgo/odte-trader/internal/capital"
	"github.com/qalgo/odte-trader/internal/config"
	"github.com/qalgo/odte-trader/internal/executor"
	"github.com/qalgo/odte-trader/internal/ledger"
	"github.com/qalgo/odte-trader/internal/marketdata"
	"github.com/qalgo/odte-trader/internal/mesh"
	"github.com/qalgo/odte-trader/internal/observ"
	"github.com/qalgo/odte-trader/internal/rationale"
	"github.com/qalgo/odte-trader/internal/reconcile"
)

// Trader is the order surface the loop drives. The executor satisfies it.
type Trader interface {
	Open(ctx context.Context, optionSymbol string, quantity int) (broker.OrderResult, error)
	Close(ctx context.Context, optionSymbol string, quantity int) (broker.OrderResult, error)
}

// ContractResolver picks the concrete option contract for an entry.
type ContractResolver interface {
	OptionSymbol(ctx context.Context, spot float64, callPut string) (string, error)
}

// Reconciler runs one ledger-vs-broker pass.
type Reconciler interface {
	Reconcile(ctx context.Context) (reconcile.Diff, error)
}

type auditor interface {
	Write(kind string, data map[string]any)
}

// Deps is everything the engine operates on. All fields are required
// except Feed and Status, which may be nil in tests.
type Deps struct {
	Config   config.Root
	Book     *ledger.Ledger
	Scorer   *mesh.Scorer
	Alloc    *capital.Allocator
	Balances *capital.BalanceCache
	Exec     Trader
	Resolver ContractResolver
	Quotes   QuoteSource
	Snapshot *marketdata.PriceSnapshot
	Feed     marketdata.Feed
	Calendar *marketdata.Calendar
	Recon    Reconciler
	Kill     executor.KillSwitch
	Status   *StatusFile
	Audit    auditor
	Labeler  rationale.Generator
}

type Engine struct {
	d   Deps
	cfg config.Root

	mu         sync.Mutex
	state      State
	baseline   float64
	feedCancel context.CancelFunc

	ny  *time.Location
	now func() time.Time
}

func New(d Deps) *Engine {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	e := &Engine{d: d, cfg: d.Config, ny: loc, now: time.Now}
	e.setState(StateBooting)
	return e
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	changed := e.state != s
	e.state = s
	e.mu.Unlock()
	publishState(s)
	if changed {
		observ.Log("engine_state", map[string]any{"state": string(s)})
	}
}

func (e *Engine) currentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run boots and then blocks until ctx is canceled or a background
// service fails.
func (e *Engine) Run(ctx context.Context) error {
	e.boot(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.runFeed(ctx) })
	g.Go(func() error {
		e.d.Balances.Run(ctx,
			time.Duration(e.cfg.Capital.RefreshSecs)*time.Second,
			time.Duration(e.cfg.Capital.RefreshJitterMs)*time.Millisecond)
		return nil
	})
	g.Go(func() error { e.heartbeatLoop(ctx); return nil })
	g.Go(func() error { e.reconcileLoop(ctx); return nil })
	g.Go(func() error { return e.loop(ctx) })
	return g.Wait()
}

// boot is best-effort beyond the ledger load: a broker outage at start
// must not keep the process from coming up and recovering.
func (e *Engine) boot(ctx context.Context) {
	if err := e.d.Balances.Refresh(ctx); err != nil {
		observ.Warn("boot_balances_unavailable", map[string]any{"error": err.Error()})
	}
	if err := e.d.Book.Load(); err != nil {
		observ.Error("boot_ledger_load", err, nil)
	}
	e.captureBaseline(ctx)
	if diff, err := e.d.Recon.Reconcile(ctx); err != nil {
		observ.Warn("boot_reconcile_failed", map[string]any{"error": err.Error()})
	} else if !diff.Empty() {
		observ.Log("boot_reconcile", map[string]any{
			"added": len(diff.Added), "removed": len(diff.Removed), "rescored": len(diff.Rescored),
		})
	}
	observ.Log("engine_booted", map[string]any{
		"symbol":    e.cfg.Engine.Symbol,
		"test_mode": e.cfg.Engine.TestMode,
	})
}

// captureBaseline establishes today's equity reference for the drawdown
// throttle, reusing a persisted one from earlier in the same session.
func (e *Engine) captureBaseline(ctx context.Context) {
	e.mu.Lock()
	have := e.baseline > 0
	e.mu.Unlock()
	if have {
		return
	}

	today := e.now().In(e.ny).Format("2006-01-02")
	if eq, ok := loadBaseline(e.cfg.Engine.BaselinePath, today); ok {
		e.mu.Lock()
		e.baseline = eq
		e.mu.Unlock()
		return
	}

	bal, ok := e.d.Balances.Get()
	if !ok || bal.Equity <= 0 {
		return
	}
	e.mu.Lock()
	e.baseline = bal.Equity
	e.mu.Unlock()
	saveBaseline(e.cfg.Engine.BaselinePath, today, bal.Equity)
	observ.Log("equity_baseline", map[string]any{"equity": bal.Equity, "date": today})
}

func (e *Engine) baselineEquity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baseline
}

func (e *Engine) loop(ctx context.Context) error {
	open := time.Duration(e.cfg.Engine.CycleSecs) * time.Second
	closed := time.Duration(e.cfg.Engine.ClosedPollSecs) * time.Second

	t := time.NewTicker(open)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		start := time.Now()
		e.Cycle(ctx)
		observ.CycleDuration.Observe(time.Since(start).Seconds())
		observ.Cycles.WithLabelValues(string(e.currentState())).Inc()

		// Slow down overnight, speed back up when the bell rings.
		if e.currentState() == StateMarketClosed {
			t.Reset(closed)
		} else {
			t.Reset(open)
		}
	}
}

// Cycle runs one evaluation pass. Exit management always runs for an
// open position; the kill switch and the entry window gate only entries.
func (e *Engine) Cycle(ctx context.Context) {
	if !e.d.Calendar.Open() {
		e.setState(StateMarketClosed)
		return
	}
	e.checkFeed()
	e.captureBaseline(ctx)

	if pos, ok := e.d.Book.Open(); ok {
		e.managePosition(ctx, pos)
		return
	}

	if e.d.Kill.Halted() {
		e.setState(StateHalted)
		return
	}
	e.evaluateEntry(ctx)
}

func (e *Engine) checkFeed() {
	if e.d.Snapshot == nil {
		return
	}
	age := e.d.Snapshot.Age()
	observ.FeedStaleness.Set(age.Seconds())

	stale := time.Duration(e.cfg.Feed.StaleSecs) * time.Second
	if age <= stale {
		return
	}
	e.mu.Lock()
	cancel := e.feedCancel
	e.feedCancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	observ.FeedRestarts.Inc()
	observ.Warn("feed_restart", map[string]any{"age_seconds": age.Seconds()})
}

func (e *Engine) runFeed(ctx context.Context) error {
	if e.d.Feed == nil {
		return nil
	}
	for {
		fctx, cancel := context.WithCancel(ctx)
		e.mu.Lock()
		e.feedCancel = cancel
		e.mu.Unlock()

		err := e.d.Feed.Start(fctx)
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			observ.Warn("feed_stopped", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func (e *Engine) evaluateEntry(ctx context.Context) {
	e.setState(StateEvaluating)

	if !e.d.Calendar.EntryWindow(e.cfg.Entry.WindowOpenMins, e.cfg.Entry.WindowCloseMins) {
		return
	}

	mctx, err := buildContext(ctx, e.d.Quotes, e.cfg.Engine.Symbol)
	if err != nil {
		e.setState(StateDegraded)
		observ.Warn("entry_features_unavailable", map[string]any{"error": err.Error()})
		return
	}

	res := e.d.Scorer.Score(mctx)
	if res.Score < e.cfg.Entry.ScoreThreshold {
		return
	}

	bal, ok := e.d.Balances.Get()
	if !ok {
		observ.Warn("entry_balances_unavailable", nil)
		return
	}

	baseline := e.baselineEquity()
	throttle := e.d.Alloc.DrawdownThrottle(bal.Equity, baseline)
	if baseline > 0 {
		observ.DrawdownPct.Set((baseline - bal.Equity) / baseline * 100)
	}

	allocation := e.d.Alloc.CurrentAllocation(e.d.Scorer.Weights().MeanWinRate()) * throttle
	fraction := e.d.Alloc.PositionSize(allocation, res.Score, meanChance(res.AgentSignals), e.cfg.Entry.MaxFraction)
	observ.Allocation.Set(fraction)
	quantity := e.d.Alloc.Contracts(fraction)

	callPut := "C"
	if mctx.Features.DealerFlow < 0 {
		callPut = "P"
	}
	symbol, err := e.d.Resolver.OptionSymbol(ctx, mctx.Features.Price, callPut)
	if err != nil {
		observ.Warn("contract_resolve_failed", map[string]any{"error": err.Error()})
		return
	}

	e.setState(StateEntryInFlight)
	order, err := e.d.Exec.Open(ctx, symbol, quantity)
	if err != nil {
		observ.Error("entry_submit", err, map[string]any{"symbol": symbol})
		e.setState(StateEvaluating)
		return
	}
	if order.Status != broker.OrderOK {
		observ.Log("entry_not_filled", map[string]any{
			"symbol": symbol, "status": order.Status, "reason": order.Reason,
		})
		e.setState(StateEvaluating)
		return
	}

	// Entry basis is the contract premium, not the underlying spot:
	// managePosition computes pnl from the option quote. A zero premium
	// disables pnl updates until a later quote fills it in.
	premium, _, err := e.d.Quotes.CurrentPrice(ctx, symbol)
	if err != nil {
		observ.Warn("entry_premium_unavailable", map[string]any{
			"symbol": symbol, "error": err.Error(),
		})
		premium = 0
	}

	pos := executor.BuildPosition(e.cfg.Engine.Symbol, symbol, quantity,
		premium, res.Score, fraction, res.AgentSignals, order.OrderID)
	pos.Regime = regimeOf(mctx.Features)

	added, err := e.d.Book.Add(pos)
	if err != nil {
		observ.Error("entry_ledger_add", err, map[string]any{"trade_id": pos.TradeID})
		return
	}
	if !added {
		// Lost the race to a reconciliation adoption; the broker side is
		// already tracked, nothing to do.
		observ.Warn("entry_position_exists", map[string]any{"trade_id": pos.TradeID})
		return
	}
	e.audit("position_opened", map[string]any{
		"trade_id":   pos.TradeID,
		"symbol":     symbol,
		"quantity":   quantity,
		"mesh_score": res.Score,
		"allocation": fraction,
		"audit_id":   res.AuditID,
	})
}

func (e *Engine) managePosition(ctx context.Context, pos ledger.Position) {
	e.setState(StateEvaluating)

	pnl := pos.PnL
	if price, _, err := e.d.Quotes.CurrentPrice(ctx, pos.Symbol); err == nil && price > 0 {
		if pos.EntryPrice <= 0 {
			// Premium was unavailable at entry (or the position was
			// adopted); the first good quote becomes the basis.
			pos.EntryPrice = price
			if err := e.d.Book.Update(pos); err != nil {
				observ.Warn("position_update_failed", map[string]any{"error": err.Error()})
			}
		}
		pnl = (price - pos.EntryPrice) / pos.EntryPrice
	}

	mctx, err := buildContext(ctx, e.d.Quotes, pos.Underlying)
	if err != nil {
		e.setState(StateDegraded)
		observ.Warn("exit_features_unavailable", map[string]any{"error": err.Error()})
		// A hard stop must not wait for the quote service to recover.
		if pnl <= e.cfg.Exit.StopPnL {
			e.closePosition(ctx, pos, pnl, "stop_loss", 1, "unknown", "hold")
		}
		return
	}

	exitRes := e.d.Scorer.ScoreExit(mctx, pnl, e.cfg.Exit.MeshExitConf)
	decay := e.alphaDecay(pos.EntryTime, e.now(), exitRes.Confidence)
	regime := regimeOf(mctx.Features)

	reason := ""
	switch {
	case pnl <= e.cfg.Exit.StopPnL:
		reason = "stop_loss"
	case decay >= e.cfg.Exit.DecayCutoff:
		reason = "alpha_decay"
	case regime == "panic" || regime == "compressing":
		reason = "regime_shift"
	case exitRes.Signal == "exit":
		reason = "mesh_exit"
	}

	if reason == "" {
		if math.Abs(pnl-pos.PnL) > 0.005 || regime != pos.Regime {
			pos.PnL = pnl
			pos.Regime = regime
			if err := e.d.Book.Update(pos); err != nil {
				observ.Warn("position_update_failed", map[string]any{"error": err.Error()})
			}
		}
		return
	}
	e.closePosition(ctx, pos, pnl, reason, decay, regime, exitRes.Signal)
}

func (e *Engine) closePosition(ctx context.Context, pos ledger.Position, pnl float64, reason string, decay float64, regime, meshSignal string) {
	e.setState(StateExitInFlight)

	pos.Status = ledger.StatusExiting
	if err := e.d.Book.Update(pos); err != nil {
		observ.Warn("position_update_failed", map[string]any{"error": err.Error()})
	}

	order, err := e.d.Exec.Close(ctx, pos.Symbol, pos.Quantity)
	if err != nil {
		observ.Error("exit_submit", err, map[string]any{"trade_id": pos.TradeID})
		e.setState(StateEvaluating)
		return
	}
	filled := order.Status == broker.OrderOK ||
		(order.Status == broker.OrderSkipped && order.Reason == "test_mode")
	if !filled {
		observ.Warn("exit_not_filled", map[string]any{
			"trade_id": pos.TradeID, "status": order.Status, "reason": order.Reason,
		})
		e.setState(StateEvaluating)
		return
	}

	label := reason
	if e.d.Labeler != nil {
		if l, err := e.d.Labeler.ExitLabel(ctx, rationale.ExitContext{
			Symbol:     pos.Symbol,
			PnL:        pnl,
			AlphaDecay: decay,
			MeshSignal: meshSignal,
			Regime:     regime,
		}); err == nil {
			label = l
		}
	}

	pos.Status = ledger.StatusClosed
	pos.PnL = pnl
	if err := e.d.Book.Update(pos); err != nil {
		observ.Error("exit_ledger_update", err, map[string]any{"trade_id": pos.TradeID})
	}
	e.audit("position_closed", map[string]any{
		"trade_id": pos.TradeID,
		"symbol":   pos.Symbol,
		"pnl":      pnl,
		"reason":   reason,
		"label":    label,
		"regime":   regime,
		"decay":    decay,
	})
}

// alphaDecay blends how much of the session the position has consumed
// with how convinced the exit mesh is. 0DTE premium is a melting asset,
// so elapsed time dominates.
func (e *Engine) alphaDecay(entry, now time.Time, exitConfidence float64) float64 {
	day := entry.In(e.ny)
	sessionEnd := time.Date(day.Year(), day.Month(), day.Day(), 16, 0, 0, 0, e.ny)

	frac := 1.0
	if horizon := sessionEnd.Sub(entry); horizon > 0 {
		frac = now.Sub(entry).Seconds() / horizon.Seconds()
		if frac < 0 {
			frac = 0
		} else if frac > 1 {
			frac = 1
		}
	}
	return 0.6*frac + 0.4*exitConfidence
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	if e.d.Status == nil {
		return
	}
	interval := time.Duration(e.cfg.Engine.HeartbeatSecs) * time.Second
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		e.writeHeartbeat()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (e *Engine) writeHeartbeat() {
	hb := Heartbeat{
		State:        string(e.currentState()),
		Halted:       e.d.Kill.Halted(),
		BaselineUSD:  e.baselineEquity(),
		MarketClosed: e.currentState() == StateMarketClosed,
	}
	if pos, ok := e.d.Book.Open(); ok {
		hb.OpenTradeID = pos.TradeID
	}
	if bal, ok := e.d.Balances.Get(); ok {
		hb.Equity = bal.Equity
	}
	if e.d.Snapshot != nil {
		hb.FeedAgeSecs = e.d.Snapshot.Age().Seconds()
	}
	e.d.Status.Write(hb)
}

func (e *Engine) reconcileLoop(ctx context.Context) {
	interval := time.Duration(e.cfg.Engine.ReconcileSecs) * time.Second
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if !e.d.Calendar.Open() {
			continue
		}
		if _, err := e.d.Recon.Reconcile(ctx); err != nil {
			observ.Warn("reconcile_failed", map[string]any{"error": err.Error()})
		}
	}
}

func (e *Engine) audit(kind string, data map[string]any) {
	if e.d.Audit != nil {
		e.d.Audit.Write(kind, data)
	}
	observ.Log(kind, data)
}

func meanChance(signals map[string]float64) float64 {
	if len(signals) == 0 {
		return 0.5
	}
	var sum float64
	for _, v := range signals {
		sum += v
	}
	return sum / float64(len(signals))
}
