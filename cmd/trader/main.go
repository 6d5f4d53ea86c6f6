package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/qalgo/odte-trader/internal/broker"
	"github.com/qalgo/odte-trader/internal/capital"
	"github.com/qalgo/odte-trader/internal/config"
	"github.com/qalgo/odte-trader/internal/engine"
	"github.com/qalgo/odte-trader/internal/executor"
	"github.com/qalgo/odte-trader/internal/ledger"
	"github.com/qalgo/odte-trader/internal/marketdata"
	"github.com/qalgo/odte-trader/internal/mesh"
	"github.com/qalgo/odte-trader/internal/observ"
	"github.com/qalgo/odte-trader/internal/rationale"
	"github.com/qalgo/odte-trader/internal/reconcile"
	"github.com/qalgo/odte-trader/internal/transport"
)

func main() {
	var cfgPath string
	var rationaleURL string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&rationaleURL, "rationale-url", "", "optional exit narrative service URL")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v (did you copy config.example.yaml?)", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	for _, p := range []string{cfg.Engine.LedgerPath, cfg.Engine.AuditPath, cfg.Engine.StatusPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			log.Fatalf("create data dir: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpClient := transport.New(transport.Config{
		Timeout:       time.Duration(cfg.Broker.TimeoutSecs) * time.Second,
		MaxAttempts:   cfg.Broker.MaxRetries,
		BackoffBase:   time.Duration(cfg.Broker.BackoffBaseMs) * time.Millisecond,
		BackoffMax:    time.Duration(cfg.Broker.BackoffMaxMs) * time.Millisecond,
		RatePerSecond: cfg.Broker.RatePerSec,
		Burst:         2,
	})

	tradier := broker.NewTradier(httpClient, cfg.Broker.BaseURL, cfg.Broker.AccountID, cfg.Engine.Symbol)

	ledgerLog, err := ledger.NewFileLog(cfg.Engine.LedgerPath)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	book := ledger.New(ledgerLog)

	auditLog, err := ledger.NewFileLog(cfg.Engine.AuditPath)
	if err != nil {
		log.Fatalf("open audit trail: %v", err)
	}
	audit := ledger.NewAuditTrail(auditLog)

	weights := mesh.LoadWeights(cfg.Mesh.WeightsPath)
	var gate mesh.Gate
	if cfg.Mesh.Gate == "stochastic" {
		gate = mesh.NewStochasticGate(cfg.Mesh.Seed)
	} else {
		gate = mesh.ThresholdGate{Cutoff: cfg.Mesh.GateCutoff}
	}
	scorer := mesh.NewScorer(mesh.BuiltinProducers(), weights, gate, audit)

	snap := marketdata.NewPriceSnapshot(cfg.Engine.Symbol)
	var feed marketdata.Feed
	if cfg.Feed.WebsocketURL != "" {
		feed = marketdata.NewWebsocketFeed(cfg.Feed.WebsocketURL, snap)
	} else if cfg.Feed.RestURL != "" {
		feed = marketdata.NewPollFeed(httpClient, cfg.Feed.RestURL,
			time.Duration(cfg.Feed.PollMs)*time.Millisecond, snap)
	}
	quotes := marketdata.NewQuoteService(httpClient, cfg.Feed.RestURL, snap,
		time.Duration(cfg.Feed.QuoteTTLSecs)*time.Second,
		time.Duration(cfg.Feed.StaleSecs)*time.Second)

	balances := capital.NewBalanceCache(tradier, time.Duration(cfg.Capital.StaleTTLSecs)*time.Second)
	alloc := capital.NewAllocator(capital.Config{
		Base:  cfg.Capital.BaseAllocation,
		Floor: cfg.Capital.FloorAllocation,
		Ceil:  cfg.Capital.CeilAllocation,
	})

	kill := engine.NewFileKillSwitch(cfg.Engine.KillPath)
	exec := executor.New(executor.Config{
		TestMode:   cfg.Engine.TestMode,
		MinCashUSD: cfg.Entry.MinCashUSD,
	}, tradier, balances, kill, audit)

	enricher := engine.NewEnricher(scorer, quotes)
	recon := reconcile.NewEngine(tradier, book, enricher, audit)

	var labeler rationale.Generator = rationale.RuleBased{}
	if rationaleURL != "" {
		labeler = rationale.NewRemote(httpClient, rationaleURL)
	}

	eng := engine.New(engine.Deps{
		Config:   cfg,
		Book:     book,
		Scorer:   scorer,
		Alloc:    alloc,
		Balances: balances,
		Exec:     exec,
		Resolver: tradier,
		Quotes:   quotes,
		Snapshot: snap,
		Feed:     feed,
		Calendar: marketdata.NewCalendar(),
		Recon:    recon,
		Kill:     kill,
		Status:   engine.NewStatusFile(cfg.Engine.StatusPath),
		Audit:    audit,
		Labeler:  labeler,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/healthz", observ.Health())
	srv := &http.Server{Addr: cfg.Engine.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observ.Error("metrics_server", err, map[string]any{"addr": cfg.Engine.MetricsAddr})
		}
	}()

	observ.Log("startup", map[string]any{
		"symbol":    cfg.Engine.Symbol,
		"test_mode": cfg.Engine.TestMode,
		"gate":      cfg.Mesh.Gate,
		"metrics":   cfg.Engine.MetricsAddr,
	})

	runErr := eng.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if runErr != nil {
		log.Fatalf("engine: %v", runErr)
	}
	observ.Log("shutdown", nil)
}
