package capital

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qalgo/odte-trader/internal/broker"
)

func newAllocator() *Allocator {
	return NewAllocator(Config{Base: 0.2, Floor: 0.05, Ceil: 1.0})
}

func TestCurrentAllocationBuckets(t *testing.T) {
	a := newAllocator()

	require.InDelta(t, 0.15, a.CurrentAllocation(0.30), 1e-9, "poor win rate shrinks")
	require.InDelta(t, 0.20, a.CurrentAllocation(0.55), 1e-9, "middling win rate holds baseline")
	require.InDelta(t, 0.30, a.CurrentAllocation(0.70), 1e-9, "strong win rate grows")
}

func TestDrawdownThrottleLadder(t *testing.T) {
	a := newAllocator()
	base := 100000.0

	tests := []struct {
		equity float64
		want   float64
	}{
		{100000, 1.0},
		{95000, 1.0},  // 5% drawdown, scenario A
		{90000, 0.75}, // 10%
		{85000, 0.5},  // 15%
		{70000, 0.2},  // 30%
		{65000, 0.2},  // 35%, scenario B
	}
	for _, tt := range tests {
		require.InDelta(t, tt.want, a.DrawdownThrottle(tt.equity, base), 1e-9,
			"equity %.0f", tt.equity)
	}
}

func TestDrawdownThrottleMonotone(t *testing.T) {
	a := newAllocator()
	base := 100000.0

	prev := a.DrawdownThrottle(base, base)
	for eq := base; eq >= 0; eq -= 500 {
		cur := a.DrawdownThrottle(eq, base)
		require.LessOrEqual(t, cur, prev, "throttle must not grow as equity falls (eq=%.0f)", eq)
		prev = cur
	}
}

func TestPositionSizeNudgesAndClamps(t *testing.T) {
	a := newAllocator()

	// High mesh + high aux nudges up twice.
	require.InDelta(t, 0.30, a.PositionSize(0.20, 85, 0.9, 0.5), 1e-9)
	// Weak signal nudges down twice, then floor applies.
	require.InDelta(t, 0.10, a.PositionSize(0.20, 40, 0.3, 0.5), 1e-9)
	require.InDelta(t, 0.05, a.PositionSize(0.06, 40, 0.3, 0.5), 1e-9)
	// Ceiling wins over nudges.
	require.InDelta(t, 0.5, a.PositionSize(0.55, 90, 0.95, 0.5), 1e-9)
}

func TestContractsNeverZero(t *testing.T) {
	a := newAllocator()

	// Scenario B: 35% drawdown throttles 0.2 baseline to 0.04, which
	// still trades the configured minimum of one contract.
	alloc := a.CurrentAllocation(0.55)
	size := alloc * a.DrawdownThrottle(65000, 100000)
	require.Less(t, size, 0.1)
	require.Equal(t, 1, a.Contracts(size))

	require.Equal(t, 3, a.Contracts(0.35))
}

type fakeBroker struct {
	mu      sync.Mutex
	calls   int32
	equity  float64
	delay   time.Duration
	failing bool
}

func (f *fakeBroker) Balances(ctx context.Context) (broker.Balances, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return broker.Balances{}, context.DeadlineExceeded
	}
	return broker.Balances{Equity: f.equity, BuyingPower: f.equity / 4, FetchedAt: time.Now()}, nil
}

func (f *fakeBroker) OpenPositions(context.Context) ([]broker.BrokerPosition, error) {
	return nil, nil
}
func (f *fakeBroker) SubmitOrder(context.Context, string, int, broker.Side) (broker.OrderResult, error) {
	return broker.OrderResult{Status: broker.OrderOK}, nil
}
func (f *fakeBroker) OrderStatus(context.Context, string) (string, error) { return "filled", nil }

func TestBalanceCacheNeverFetchedIsNotReady(t *testing.T) {
	c := NewBalanceCache(&fakeBroker{equity: 100000}, time.Minute)
	snap, ok := c.Get()
	require.False(t, ok)
	require.Zero(t, snap.Equity)
}

func TestBalanceCacheServesAfterRefresh(t *testing.T) {
	fb := &fakeBroker{equity: 100000}
	c := NewBalanceCache(fb, time.Minute)
	require.NoError(t, c.Refresh(context.Background()))

	snap, ok := c.Get()
	require.True(t, ok)
	require.Equal(t, 100000.0, snap.Equity)
	require.EqualValues(t, 1, atomic.LoadInt32(&fb.calls))
}

func TestBalanceCacheSingleFlight(t *testing.T) {
	fb := &fakeBroker{equity: 100000, delay: 50 * time.Millisecond}
	c := NewBalanceCache(fb, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Refresh(context.Background())
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&fb.calls),
		"concurrent refreshes must collapse into one fetch")
}

func TestBalanceCacheServesStaleOnFailure(t *testing.T) {
	fb := &fakeBroker{equity: 100000}
	c := NewBalanceCache(fb, time.Millisecond)
	require.NoError(t, c.Refresh(context.Background()))

	fb.mu.Lock()
	fb.failing = true
	fb.mu.Unlock()

	time.Sleep(5 * time.Millisecond)
	snap, ok := c.Get() // triggers a background refresh that fails
	require.True(t, ok)
	require.Equal(t, 100000.0, snap.Equity, "stale value still served")
}
