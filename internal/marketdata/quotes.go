package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/qalgo/odte-trader/internal/transport"
)

// OptionMetrics is the typed view of the option chain features the mesh
// consumes. Missing fields arrive as zero and are treated as "no signal",
// never as lookup failures.
type OptionMetrics struct {
	ImpliedVol float64 `json:"iv"`
	Volume     int64   `json:"volume"`
	Skew       float64 `json:"skew"`
	Delta      float64 `json:"delta"`
	Gamma      float64 `json:"gamma"`
	DealerFlow float64 `json:"dealer_flow"`
}

type cachedMetrics struct {
	metrics   OptionMetrics
	fetchedAt time.Time
}

// QuoteService answers "best known value plus staleness" questions.
// CurrentPrice prefers the push snapshot and falls back to a pull fetch
// when the snapshot is stale; OptionMetrics is pull-only behind a
// single-flight TTL cache so concurrent cycles share one fetch.
type QuoteService struct {
	client   *transport.Client
	baseURL  string
	snapshot *PriceSnapshot
	ttl      time.Duration
	staleCap time.Duration

	mu      sync.RWMutex
	metrics map[string]cachedMetrics
	flight  singleflight.Group
}

func NewQuoteService(client *transport.Client, baseURL string, snap *PriceSnapshot, ttl, staleCap time.Duration) *QuoteService {
	return &QuoteService{
		client:   client,
		baseURL:  baseURL,
		snapshot: snap,
		ttl:      ttl,
		staleCap: staleCap,
		metrics:  map[string]cachedMetrics{},
	}
}

// CurrentPrice returns the freshest price available and its timestamp age.
func (q *QuoteService) CurrentPrice(ctx context.Context, symbol string) (float64, time.Duration, error) {
	if symbol == q.snapshot.Symbol() {
		if price, _, ok := q.snapshot.Get(); ok && q.snapshot.Age() <= q.staleCap {
			return price, q.snapshot.Age(), nil
		}
	}

	// Snapshot missing or stale; fall back to a single-flight pull.
	v, err, _ := q.flight.Do("price:"+symbol, func() (any, error) {
		url := fmt.Sprintf("%s/quote?symbol=%s", q.baseURL, symbol)
		body, err := q.client.Do(ctx, "GET", url, nil, nil)
		if err != nil {
			return nil, err
		}
		var t tick
		if err := json.Unmarshal(body, &t); err != nil {
			return nil, fmt.Errorf("parse quote: %w", err)
		}
		if t.Price <= 0 {
			return nil, fmt.Errorf("non-positive price for %s", symbol)
		}
		if symbol == q.snapshot.Symbol() {
			q.snapshot.Update(t.Price, t.Volume, time.Now())
		}
		return t.Price, nil
	})
	if err != nil {
		// Serve the last known value, however old, rather than nothing.
		if symbol == q.snapshot.Symbol() {
			if price, _, ok := q.snapshot.Get(); ok {
				return price, q.snapshot.Age(), nil
			}
		}
		return 0, 0, err
	}
	return v.(float64), 0, nil
}

// OptionMetrics returns chain metrics for symbol, cached for the TTL.
func (q *QuoteService) OptionMetrics(ctx context.Context, symbol string) (OptionMetrics, error) {
	q.mu.RLock()
	c, ok := q.metrics[symbol]
	q.mu.RUnlock()
	if ok && time.Since(c.fetchedAt) <= q.ttl {
		return c.metrics, nil
	}

	v, err, _ := q.flight.Do("metrics:"+symbol, func() (any, error) {
		url := fmt.Sprintf("%s/options/metrics?symbol=%s", q.baseURL, symbol)
		body, err := q.client.Do(ctx, "GET", url, nil, nil)
		if err != nil {
			return nil, err
		}
		var m OptionMetrics
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("parse option metrics: %w", err)
		}
		q.mu.Lock()
		q.metrics[symbol] = cachedMetrics{metrics: m, fetchedAt: time.Now()}
		q.mu.Unlock()
		return m, nil
	})
	if err != nil {
		if ok {
			// Stale-while-unavailable: an expired entry beats an error.
			return c.metrics, nil
		}
		return OptionMetrics{}, err
	}
	return v.(OptionMetrics), nil
}
