package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qalgo/odte-trader/internal/broker"
	"github.com/qalgo/odte-trader/internal/capital"
	"github.com/qalgo/odte-trader/internal/config"
	"github.com/qalgo/odte-trader/internal/ledger"
	"github.com/qalgo/odte-trader/internal/marketdata"
	"github.com/qalgo/odte-trader/internal/mesh"
	"github.com/qalgo/odte-trader/internal/reconcile"
)

type orderCall struct {
	symbol   string
	quantity int
}

type fakeTrader struct {
	opened   []orderCall
	closed   []orderCall
	openRes  broker.OrderResult
	closeRes broker.OrderResult
}

func (f *fakeTrader) Open(_ context.Context, symbol string, qty int) (broker.OrderResult, error) {
	f.opened = append(f.opened, orderCall{symbol, qty})
	return f.openRes, nil
}

func (f *fakeTrader) Close(_ context.Context, symbol string, qty int) (broker.OrderResult, error) {
	f.closed = append(f.closed, orderCall{symbol, qty})
	return f.closeRes, nil
}

type fakeResolver struct {
	symbol  string
	spot    float64
	callPut string
}

func (f *fakeResolver) OptionSymbol(_ context.Context, spot float64, callPut string) (string, error) {
	f.spot, f.callPut = spot, callPut
	return f.symbol, nil
}

type fakeRecon struct{}

func (fakeRecon) Reconcile(context.Context) (reconcile.Diff, error) {
	return reconcile.Diff{}, nil
}

type fakeQuotes struct {
	prices  map[string]float64
	metrics map[string]marketdata.OptionMetrics
}

func (q *fakeQuotes) CurrentPrice(_ context.Context, symbol string) (float64, time.Duration, error) {
	p, ok := q.prices[symbol]
	if !ok {
		return 0, 0, fmt.Errorf("no quote for %s", symbol)
	}
	return p, 0, nil
}

func (q *fakeQuotes) OptionMetrics(_ context.Context, symbol string) (marketdata.OptionMetrics, error) {
	m, ok := q.metrics[symbol]
	if !ok {
		return marketdata.OptionMetrics{}, fmt.Errorf("no metrics for %s", symbol)
	}
	return m, nil
}

type fakeBroker struct {
	equity float64
}

func (f *fakeBroker) Balances(context.Context) (broker.Balances, error) {
	return broker.Balances{Equity: f.equity, BuyingPower: f.equity, FetchedAt: time.Now()}, nil
}

func (f *fakeBroker) OpenPositions(context.Context) ([]broker.BrokerPosition, error) {
	return nil, nil
}

func (f *fakeBroker) SubmitOrder(context.Context, string, int, broker.Side) (broker.OrderResult, error) {
	return broker.OrderResult{Status: broker.OrderOK}, nil
}

func (f *fakeBroker) OrderStatus(context.Context, string) (string, error) {
	return "filled", nil
}

func nyLoc(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func testConfig(t *testing.T) config.Root {
	t.Helper()
	dir := t.TempDir()
	return config.Root{
		Entry: config.Entry{
			ScoreThreshold:  60,
			MaxFraction:     0.5,
			MinCashUSD:      500,
			WindowOpenMins:  5,
			WindowCloseMins: 30,
		},
		Capital: config.Capital{
			BaseAllocation:  0.2,
			FloorAllocation: 0.05,
			CeilAllocation:  1.0,
			RefreshSecs:     20,
			StaleTTLSecs:    30,
		},
		Exit: config.Exit{StopPnL: -0.3, DecayCutoff: 0.6, MeshExitConf: 0.6},
		Feed: config.Feed{StaleSecs: 30},
		Engine: config.Engine{
			Symbol:        "SPY",
			CycleSecs:     1,
			HeartbeatSecs: 15,
			ReconcileSecs: 300,
			StatusPath:    filepath.Join(dir, "status.json"),
			KillPath:      filepath.Join(dir, "halt"),
			BaselinePath:  filepath.Join(dir, "baseline.json"),
			LedgerPath:    filepath.Join(dir, "ledger.jsonl"),
		},
	}
}

// hotQuotes drives all five producers past a threshold gate at 0.5:
// every trigger chance lands between 0.54 and 0.72.
func hotQuotes() *fakeQuotes {
	return &fakeQuotes{
		prices: map[string]float64{"SPY": 640},
		metrics: map[string]marketdata.OptionMetrics{
			"SPY": {ImpliedVol: 0.5, Volume: 1000, Delta: 0.7, Gamma: 0.8, Skew: 0.5, DealerFlow: 0.8},
		},
	}
}

func calmQuotes() *fakeQuotes {
	return &fakeQuotes{
		prices: map[string]float64{"SPY": 640},
		metrics: map[string]marketdata.OptionMetrics{
			"SPY": {ImpliedVol: 0.2, Volume: 1000, Delta: 0.1, Gamma: 0.1, Skew: 0.1, DealerFlow: 0.1},
		},
	}
}

type harness struct {
	eng    *Engine
	cfg    config.Root
	book   *ledger.Ledger
	trader *fakeTrader
	res    *fakeResolver
	quotes *fakeQuotes
}

func newHarness(t *testing.T, cfg config.Root, quotes *fakeQuotes, gateCutoff, equity float64) *harness {
	t.Helper()

	log, err := ledger.NewFileLog(cfg.Engine.LedgerPath)
	require.NoError(t, err)
	book := ledger.New(log)
	require.NoError(t, book.Load())

	cache := capital.NewBalanceCache(&fakeBroker{equity: equity}, time.Minute)
	require.NoError(t, cache.Refresh(context.Background()))

	weights := mesh.LoadWeights(filepath.Join(t.TempDir(), "missing.yaml"))
	scorer := mesh.NewScorer(mesh.BuiltinProducers(), weights, mesh.ThresholdGate{Cutoff: gateCutoff}, nil)

	loc := nyLoc(t)
	fixed := time.Date(2026, 8, 25, 13, 0, 0, 0, loc) // Tuesday, mid-session
	cal := marketdata.NewCalendarAt(func() time.Time { return fixed })

	trader := &fakeTrader{
		openRes:  broker.OrderResult{Status: broker.OrderOK, OrderID: "o-1"},
		closeRes: broker.OrderResult{Status: broker.OrderOK, OrderID: "o-2"},
	}
	resolver := &fakeResolver{symbol: "SPY260825C00640000"}

	eng := New(Deps{
		Config:   cfg,
		Book:     book,
		Scorer:   scorer,
		Alloc:    capital.NewAllocator(capital.Config{Base: 0.2, Floor: 0.05, Ceil: 1.0}),
		Balances: cache,
		Exec:     trader,
		Resolver: resolver,
		Quotes:   quotes,
		Calendar: cal,
		Recon:    fakeRecon{},
		Kill:     NewFileKillSwitch(cfg.Engine.KillPath),
	})
	eng.now = func() time.Time { return fixed }
	return &harness{eng: eng, cfg: cfg, book: book, trader: trader, res: resolver, quotes: quotes}
}

func TestCycleOpensPositionOnStrongScore(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg, hotQuotes(), 0.5, 95_000)

	// 5% below baseline keeps the throttle at full size.
	saveBaseline(cfg.Engine.BaselinePath, "2026-08-25", 100_000)

	h.eng.Cycle(context.Background())

	require.Len(t, h.trader.opened, 1)
	require.Equal(t, "SPY260825C00640000", h.trader.opened[0].symbol)
	// base 0.2, mesh 100 nudges to 0.25, 0.25 of capital is 2 contracts
	require.Equal(t, 2, h.trader.opened[0].quantity)
	require.Equal(t, "C", h.res.callPut)
	require.InDelta(t, 640, h.res.spot, 1e-9)

	pos, ok := h.book.Open()
	require.True(t, ok)
	require.Equal(t, 100.0, pos.MeshScore)
	require.InDelta(t, 0.25, pos.Allocation, 1e-9)
	require.Equal(t, "trending", pos.Regime)
	require.Equal(t, "o-1", pos.OrderID)
}

func TestCycleEntryRecordsPremiumBasis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Exit.MeshExitConf = 0.95 // keep the exit mesh quiet for the hold leg
	quotes := hotQuotes()
	quotes.prices["SPY260825C00640000"] = 5.0
	h := newHarness(t, cfg, quotes, 0.5, 100_000)

	h.eng.Cycle(context.Background())
	require.Len(t, h.trader.opened, 1)

	pos, ok := h.book.Open()
	require.True(t, ok)
	require.Equal(t, 5.0, pos.EntryPrice, "entry basis is the contract premium, not the spot")

	// Pin the entry time inside the session so time decay stays low.
	pos.EntryTime = time.Date(2026, 8, 25, 12, 30, 0, 0, nyLoc(t))
	require.NoError(t, h.book.Update(pos))

	// Premium ticks up 5%; a healthy position must not stop out.
	quotes.prices["SPY260825C00640000"] = 5.25
	h.eng.Cycle(context.Background())

	require.Empty(t, h.trader.closed)
	pos, ok = h.book.Open()
	require.True(t, ok)
	require.InDelta(t, 0.05, pos.PnL, 1e-9)
}

func TestCycleBackfillsMissingEntryBasis(t *testing.T) {
	cfg := testConfig(t)
	quotes := calmQuotes()
	quotes.prices["SPY260825C00640000"] = 4.0
	h := newHarness(t, cfg, quotes, 0.9, 100_000)

	added, err := h.book.Add(ledger.Position{
		TradeID:    "t-1",
		Underlying: "SPY",
		Symbol:     "SPY260825C00640000",
		Direction:  "long",
		Quantity:   1,
		EntryTime:  time.Date(2026, 8, 25, 12, 0, 0, 0, nyLoc(t)),
		Status:     ledger.StatusOpen,
	})
	require.NoError(t, err)
	require.True(t, added)

	h.eng.Cycle(context.Background())

	require.Empty(t, h.trader.closed)
	pos, ok := h.book.Open()
	require.True(t, ok)
	require.Equal(t, 4.0, pos.EntryPrice, "first good quote becomes the basis")
	require.Zero(t, pos.PnL)
}

func TestCycleEntryRejectionResetsState(t *testing.T) {
	cfg := testConfig(t)
	quotes := hotQuotes()
	quotes.prices["SPY260825C00640000"] = 5.0
	h := newHarness(t, cfg, quotes, 0.5, 100_000)
	h.trader.openRes = broker.OrderResult{Status: broker.OrderRejected, Reason: "account_rules"}

	h.eng.Cycle(context.Background())

	require.Len(t, h.trader.opened, 1)
	_, ok := h.book.Open()
	require.False(t, ok)
	require.Equal(t, StateEvaluating, h.eng.currentState())
}

func TestCycleSkipsEntryBelowThreshold(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg, hotQuotes(), 0.95, 100_000)

	h.eng.Cycle(context.Background())

	require.Empty(t, h.trader.opened)
	_, ok := h.book.Open()
	require.False(t, ok)
}

func TestCycleHaltedBlocksEntries(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg, hotQuotes(), 0.5, 100_000)
	require.NoError(t, os.WriteFile(cfg.Engine.KillPath, nil, 0o644))

	h.eng.Cycle(context.Background())

	require.Empty(t, h.trader.opened)
	require.Equal(t, StateHalted, h.eng.currentState())
}

func TestCycleStopLossClosesDespiteKillSwitch(t *testing.T) {
	cfg := testConfig(t)
	quotes := calmQuotes()
	quotes.prices["SPY260825C00640000"] = 0.6
	h := newHarness(t, cfg, quotes, 0.9, 100_000)
	require.NoError(t, os.WriteFile(cfg.Engine.KillPath, nil, 0o644))

	added, err := h.book.Add(ledger.Position{
		TradeID:    "t-1",
		Underlying: "SPY",
		Symbol:     "SPY260825C00640000",
		Direction:  "long",
		Quantity:   2,
		EntryTime:  time.Date(2026, 8, 25, 12, 0, 0, 0, nyLoc(t)),
		EntryPrice: 1.0,
		Status:     ledger.StatusOpen,
	})
	require.NoError(t, err)
	require.True(t, added)

	h.eng.Cycle(context.Background())

	require.Empty(t, h.trader.opened)
	require.Len(t, h.trader.closed, 1)
	require.Equal(t, 2, h.trader.closed[0].quantity)
	_, ok := h.book.Open()
	require.False(t, ok)
}

func TestCycleHoldsHealthyPosition(t *testing.T) {
	cfg := testConfig(t)
	quotes := calmQuotes()
	quotes.prices["SPY260825C00640000"] = 1.05
	h := newHarness(t, cfg, quotes, 0.9, 100_000)

	added, err := h.book.Add(ledger.Position{
		TradeID:    "t-1",
		Underlying: "SPY",
		Symbol:     "SPY260825C00640000",
		Direction:  "long",
		Quantity:   1,
		EntryTime:  time.Date(2026, 8, 25, 12, 0, 0, 0, nyLoc(t)),
		EntryPrice: 1.0,
		Status:     ledger.StatusOpen,
	})
	require.NoError(t, err)
	require.True(t, added)

	h.eng.Cycle(context.Background())

	require.Empty(t, h.trader.closed)
	pos, ok := h.book.Open()
	require.True(t, ok)
	require.InDelta(t, 0.05, pos.PnL, 1e-9)
}

func TestCycleMarketClosed(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg, hotQuotes(), 0.5, 100_000)

	loc := nyLoc(t)
	saturday := time.Date(2026, 8, 29, 13, 0, 0, 0, loc)
	h.eng.d.Calendar = marketdata.NewCalendarAt(func() time.Time { return saturday })

	h.eng.Cycle(context.Background())

	require.Empty(t, h.trader.opened)
	require.Equal(t, StateMarketClosed, h.eng.currentState())
}

func TestFileKillSwitch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halt")
	k := NewFileKillSwitch(path)

	require.False(t, k.Halted())

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	require.True(t, k.Halted())

	require.NoError(t, os.WriteFile(path, []byte("false\n"), 0o644))
	require.False(t, k.Halted())
}

func TestStatusFileWritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	s := NewStatusFile(path)

	s.Write(Heartbeat{State: "evaluating", OpenTradeID: "t-1"})

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var hb Heartbeat
	require.NoError(t, json.Unmarshal(b, &hb))
	require.Equal(t, "evaluating", hb.State)
	require.Equal(t, "t-1", hb.OpenTradeID)
	require.False(t, hb.UpdatedAt.IsZero())
	require.NoFileExists(t, path+".tmp")
}

func TestBaselineRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baseline.json")

	_, ok := loadBaseline(path, "2026-08-25")
	require.False(t, ok)

	saveBaseline(path, "2026-08-25", 100_000)
	eq, ok := loadBaseline(path, "2026-08-25")
	require.True(t, ok)
	require.Equal(t, 100_000.0, eq)

	// A stale date means the session rolled over; capture fresh.
	_, ok = loadBaseline(path, "2026-08-26")
	require.False(t, ok)
}

func TestAlphaDecayBlendsTimeAndConfidence(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg, calmQuotes(), 0.9, 100_000)

	loc := nyLoc(t)
	entry := time.Date(2026, 8, 25, 9, 30, 0, 0, loc)
	half := time.Date(2026, 8, 25, 12, 45, 0, 0, loc) // half the session gone

	require.InDelta(t, 0.3, h.eng.alphaDecay(entry, half, 0), 1e-9)
	require.InDelta(t, 0.5, h.eng.alphaDecay(entry, half, 0.5), 1e-9)

	afterClose := time.Date(2026, 8, 25, 17, 0, 0, 0, loc)
	require.InDelta(t, 0.6, h.eng.alphaDecay(entry, afterClose, 0), 1e-9)
}

func TestEnricherRescoresFromLiveMesh(t *testing.T) {
	weights := mesh.LoadWeights(filepath.Join(t.TempDir(), "missing.yaml"))
	scorer := mesh.NewScorer(mesh.BuiltinProducers(), weights, mesh.ThresholdGate{Cutoff: 0.5}, nil)

	enr := NewEnricher(scorer, hotQuotes())
	got, err := enr.Enrich(context.Background(), "SPY")
	require.NoError(t, err)
	require.Equal(t, 100.0, got.MeshScore)
	require.Equal(t, "trending", got.Regime)
	require.Len(t, got.AgentSignals, 5)
}

func TestEnricherPropagatesQuoteFailure(t *testing.T) {
	weights := mesh.LoadWeights(filepath.Join(t.TempDir(), "missing.yaml"))
	scorer := mesh.NewScorer(mesh.BuiltinProducers(), weights, mesh.ThresholdGate{Cutoff: 0.5}, nil)

	enr := NewEnricher(scorer, &fakeQuotes{})
	_, err := enr.Enrich(context.Background(), "SPY")
	require.Error(t, err)
}
