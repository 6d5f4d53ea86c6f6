package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qalgo/odte-trader/internal/transport"
)

func TestSnapshotIgnoresTimeRegressions(t *testing.T) {
	s := NewPriceSnapshot("SPY")

	_, _, ok := s.Get()
	require.False(t, ok)

	now := time.Now()
	s.Update(640.5, 100, now)
	s.Update(639.0, 50, now.Add(-time.Second)) // late pull result

	price, volume, ok := s.Get()
	require.True(t, ok)
	require.Equal(t, 640.5, price)
	require.Equal(t, int64(100), volume)
}

func TestSnapshotAge(t *testing.T) {
	s := NewPriceSnapshot("SPY")
	require.Greater(t, s.Age(), time.Hour) // never updated reads as ancient

	s.Update(640, 1, time.Now())
	require.Less(t, s.Age(), time.Second)
}

func nyTime(t *testing.T, day, hour, min int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return time.Date(2026, 8, day, hour, min, 0, 0, loc)
}

func TestCalendarOpen(t *testing.T) {
	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"mid session", nyTime(t, 25, 13, 0), true},
		{"at the open", nyTime(t, 25, 9, 30), true},
		{"before the open", nyTime(t, 25, 9, 29), false},
		{"at the close", nyTime(t, 25, 16, 0), false},
		{"saturday", nyTime(t, 29, 13, 0), false},
		{"sunday", nyTime(t, 30, 13, 0), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewCalendarAt(func() time.Time { return tc.at })
			require.Equal(t, tc.want, c.Open())
		})
	}
}

func TestCalendarEntryWindow(t *testing.T) {
	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"inside window", nyTime(t, 25, 13, 0), true},
		{"during settle-in", nyTime(t, 25, 9, 32), false},
		{"past settle-in", nyTime(t, 25, 9, 35), true},
		{"inside cutoff", nyTime(t, 25, 15, 45), false},
		{"just before cutoff", nyTime(t, 25, 15, 29), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewCalendarAt(func() time.Time { return tc.at })
			require.Equal(t, tc.want, c.EntryWindow(5, 30))
		})
	}
}

func newQuoteClient() *transport.Client {
	return transport.New(transport.Config{
		Timeout:       2 * time.Second,
		MaxAttempts:   1,
		BackoffBase:   time.Millisecond,
		BackoffMax:    time.Millisecond,
		RatePerSecond: 1000,
		Burst:         100,
	})
}

func TestCurrentPricePrefersFreshSnapshot(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"symbol":"SPY","price":641.2,"volume":10}`))
	}))
	defer srv.Close()

	snap := NewPriceSnapshot("SPY")
	snap.Update(640.5, 100, time.Now())
	q := NewQuoteService(newQuoteClient(), srv.URL, snap, 5*time.Second, 30*time.Second)

	price, age, err := q.CurrentPrice(context.Background(), "SPY")
	require.NoError(t, err)
	require.Equal(t, 640.5, price)
	require.Less(t, age, time.Second)
	require.Zero(t, calls.Load(), "fresh snapshot must not hit the wire")
}

func TestCurrentPriceFallsBackToPull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"SPY","price":641.2,"volume":10}`))
	}))
	defer srv.Close()

	snap := NewPriceSnapshot("SPY")
	snap.Update(640.5, 100, time.Now().Add(-time.Minute)) // stale
	q := NewQuoteService(newQuoteClient(), srv.URL, snap, 5*time.Second, 30*time.Second)

	price, _, err := q.CurrentPrice(context.Background(), "SPY")
	require.NoError(t, err)
	require.Equal(t, 641.2, price)

	// The pull refreshed the snapshot too.
	p, _, ok := snap.Get()
	require.True(t, ok)
	require.Equal(t, 641.2, p)
}

func TestCurrentPriceServesStaleOnPullFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusNotFound)
	}))
	defer srv.Close()

	snap := NewPriceSnapshot("SPY")
	snap.Update(640.5, 100, time.Now().Add(-time.Minute))
	q := NewQuoteService(newQuoteClient(), srv.URL, snap, 5*time.Second, 30*time.Second)

	price, age, err := q.CurrentPrice(context.Background(), "SPY")
	require.NoError(t, err)
	require.Equal(t, 640.5, price)
	require.Greater(t, age, 30*time.Second)
}

func TestOptionMetricsCachedWithinTTL(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"iv":0.42,"volume":1000,"delta":0.55}`))
	}))
	defer srv.Close()

	snap := NewPriceSnapshot("SPY")
	q := NewQuoteService(newQuoteClient(), srv.URL, snap, time.Minute, 30*time.Second)

	for i := 0; i < 5; i++ {
		m, err := q.OptionMetrics(context.Background(), "SPY")
		require.NoError(t, err)
		require.Equal(t, 0.42, m.ImpliedVol)
	}
	require.Equal(t, int64(1), calls.Load())
}

func TestOptionMetricsSingleFlight(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{"iv":0.42}`))
	}))
	defer srv.Close()

	snap := NewPriceSnapshot("SPY")
	q := NewQuoteService(newQuoteClient(), srv.URL, snap, time.Minute, 30*time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.OptionMetrics(context.Background(), "SPY")
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), calls.Load())
}

func TestOptionMetricsServesExpiredOnFailure(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"iv":0.42}`))
	}))
	defer srv.Close()

	snap := NewPriceSnapshot("SPY")
	q := NewQuoteService(newQuoteClient(), srv.URL, snap, time.Millisecond, 30*time.Second)

	_, err := q.OptionMetrics(context.Background(), "SPY")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond) // let the entry expire
	fail.Store(true)

	m, err := q.OptionMetrics(context.Background(), "SPY")
	require.NoError(t, err)
	require.Equal(t, 0.42, m.ImpliedVol)
}

func TestPollFeedAppliesTicks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"SPY","price":640.5,"volume":10}`))
	}))
	defer srv.Close()

	snap := NewPriceSnapshot("SPY")
	f := NewPollFeed(newQuoteClient(), srv.URL, 10*time.Millisecond, snap)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = f.Start(ctx)

	price, _, ok := snap.Get()
	require.True(t, ok)
	require.Equal(t, 640.5, price)
}
