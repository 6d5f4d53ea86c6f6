package engine

import (
	"context"
	"math"
	"time"

	"github.com/qalgo/odte-trader/internal/marketdata"
	"github.com/qalgo/odte-trader/internal/mesh"
	"github.com/qalgo/odte-trader/internal/reconcile"
)

// QuoteSource is the slice of the quote service the engine consumes.
type QuoteSource interface {
	CurrentPrice(ctx context.Context, symbol string) (float64, time.Duration, error)
	OptionMetrics(ctx context.Context, symbol string) (marketdata.OptionMetrics, error)
}

// buildContext assembles the typed feature set for one underlying.
// Either source failing fails the whole build; partial features would
// bias the producers silently.
func buildContext(ctx context.Context, quotes QuoteSource, symbol string) (mesh.Context, error) {
	price, _, err := quotes.CurrentPrice(ctx, symbol)
	if err != nil {
		return mesh.Context{}, err
	}
	om, err := quotes.OptionMetrics(ctx, symbol)
	if err != nil {
		return mesh.Context{}, err
	}
	return mesh.Context{
		Symbol: symbol,
		Features: mesh.FeatureSet{
			Price:      price,
			ImpliedVol: om.ImpliedVol,
			Volume:     om.Volume,
			Delta:      om.Delta,
			Gamma:      om.Gamma,
			Skew:       om.Skew,
			DealerFlow: om.DealerFlow,
		},
	}, nil
}

// regimeOf buckets the current tape. Panic and compressing regimes force
// exits; the rest only color the audit trail.
func regimeOf(f mesh.FeatureSet) string {
	switch {
	case f.ImpliedVol >= 0.8 || f.VIX >= 30:
		return "panic"
	case f.ImpliedVol > 0 && f.ImpliedVol <= 0.12 && math.Abs(f.Skew) < 0.05:
		return "compressing"
	case f.DealerFlow > 0.3:
		return "trending"
	default:
		return "neutral"
	}
}

// Enricher rescored adopted or placeholder ledger entries against the
// live mesh. It satisfies the reconciliation engine's backfill hook.
type Enricher struct {
	scorer *mesh.Scorer
	quotes QuoteSource
}

func NewEnricher(scorer *mesh.Scorer, quotes QuoteSource) *Enricher {
	return &Enricher{scorer: scorer, quotes: quotes}
}

func (e *Enricher) Enrich(ctx context.Context, symbol string) (reconcile.Enrichment, error) {
	mctx, err := buildContext(ctx, e.quotes, symbol)
	if err != nil {
		return reconcile.Enrichment{}, err
	}
	res := e.scorer.Score(mctx)
	return reconcile.Enrichment{
		MeshScore:    res.Score,
		AgentSignals: res.AgentSignals,
		Regime:       regimeOf(mctx.Features),
	}, nil
}
