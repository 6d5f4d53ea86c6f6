package capital

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/qalgo/odte-trader/internal/broker"
	"github.com/qalgo/odte-trader/internal/observ"
)

// BalanceCache is a stale-while-revalidate cache over broker.Balances.
// Readers never touch the network: Get returns the last snapshot
// immediately and, when it is past the TTL, kicks a background refresh.
// Concurrent refreshes collapse into one in-flight call.
type BalanceCache struct {
	client  broker.Client
	ttl     time.Duration
	timeout time.Duration

	mu   sync.RWMutex
	last broker.Balances
	ok   bool

	flight singleflight.Group
}

func NewBalanceCache(client broker.Client, ttl time.Duration) *BalanceCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &BalanceCache{client: client, ttl: ttl, timeout: 8 * time.Second}
}

// Get returns the cached snapshot and whether any fetch has ever
// succeeded. ok=false means the system is not ready to trade and the
// zero value is intentionally conservative.
func (c *BalanceCache) Get() (broker.Balances, bool) {
	c.mu.RLock()
	snap, ok := c.last, c.ok
	c.mu.RUnlock()

	if ok && time.Since(snap.FetchedAt) > c.ttl {
		go c.refresh()
	}
	return snap, ok
}

// Refresh forces a synchronous fetch, used at boot and after fills.
func (c *BalanceCache) Refresh(ctx context.Context) error {
	_, err, _ := c.flight.Do("balances", func() (any, error) {
		return nil, c.fetch(ctx)
	})
	return err
}

func (c *BalanceCache) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	_, _, _ = c.flight.Do("balances", func() (any, error) {
		return nil, c.fetch(ctx)
	})
}

func (c *BalanceCache) fetch(ctx context.Context) error {
	b, err := c.client.Balances(ctx)
	if err != nil {
		observ.Warn("balance_refresh_failed", map[string]any{"error": err.Error()})
		return err
	}
	c.mu.Lock()
	c.last = b
	c.ok = true
	c.mu.Unlock()

	observ.Equity.Set(b.Equity)
	observ.BuyingPower.Set(b.BuyingPower)
	return nil
}

// Run refreshes on a jittered interval until ctx is cancelled, so the
// cache never ages past TTL plus one refresh cycle while the task is up.
func (c *BalanceCache) Run(ctx context.Context, interval, jitter time.Duration) {
	for {
		wait := interval
		if jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(jitter)))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			c.refresh()
		}
	}
}
