package observ

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_cycles_total",
			Help: "Evaluation cycles run, by engine state.",
		},
		[]string{"state"},
	)

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trader_cycle_duration_seconds",
			Help:    "Wall time of one evaluation cycle.",
			Buckets: prometheus.DefBuckets,
		},
	)

	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Order submissions by side and normalized status.",
		},
		[]string{"side", "status"},
	)

	MeshScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_mesh_score",
			Help: "Latest combined mesh score (0-100).",
		},
	)

	Equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_equity_usd",
			Help: "Last fetched account equity.",
		},
	)

	BuyingPower = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_buying_power_usd",
			Help: "Last fetched option buying power.",
		},
	)

	Allocation = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_allocation_fraction",
			Help: "Capital fraction the allocator would commit right now.",
		},
	)

	DrawdownPct = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_drawdown_pct",
			Help: "Drawdown versus the session equity baseline, percent.",
		},
	)

	FeedStaleness = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_feed_staleness_seconds",
			Help: "Age of the newest price update.",
		},
	)

	FeedRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_feed_restarts_total",
			Help: "Market-data feed restarts triggered by staleness.",
		},
	)

	Reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_reconcile_changes_total",
			Help: "Ledger corrections applied by the reconciliation engine.",
		},
		[]string{"kind"}, // added | removed | rescored
	)

	HTTPRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_http_retries_total",
			Help: "Transport-level retries by host.",
		},
		[]string{"host"},
	)

	EngineState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trader_engine_state",
			Help: "One labeled series per state, 1 for the active one.",
		},
		[]string{"state"},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_open_positions",
			Help: "Positions currently tracked by the ledger.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Cycles, CycleDuration, Orders, MeshScore,
		Equity, BuyingPower, Allocation, DrawdownPct,
		FeedStaleness, FeedRestarts, Reconciliations,
		HTTPRetries, EngineState, OpenPositions,
	)
}

// Handler serves the Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Health is a trivial liveness endpoint.
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
