package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qalgo/odte-trader/internal/observ"
	"github.com/qalgo/odte-trader/internal/transport"
)

// Feed keeps a PriceSnapshot fresh. Start blocks until ctx is cancelled
// or the feed gives up; the engine runs it in a goroutine and restarts
// it when the snapshot goes stale.
type Feed interface {
	Start(ctx context.Context) error
	Healthy() bool
}

// tick is the wire shape both feeds normalize into.
type tick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Volume int64   `json:"volume"`
	TS     string  `json:"ts"`
}

// WebsocketFeed subscribes to a push stream of trades/quotes and applies
// every tick to the snapshot. Reconnects with capped backoff.
type WebsocketFeed struct {
	url      string
	snapshot *PriceSnapshot
	healthy  int32
}

func NewWebsocketFeed(url string, snap *PriceSnapshot) *WebsocketFeed {
	return &WebsocketFeed{url: url, snapshot: snap}
}

func (f *WebsocketFeed) Healthy() bool {
	return atomic.LoadInt32(&f.healthy) == 1
}

func (f *WebsocketFeed) Start(ctx context.Context) error {
	defer atomic.StoreInt32(&f.healthy, 0)

	backoff := time.Second
	for {
		if err := f.run(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			atomic.StoreInt32(&f.healthy, 0)
			observ.Warn("feed_disconnected", map[string]any{
				"url":   f.url,
				"error": err.Error(),
			})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + time.Duration(rand.Int63n(int64(backoff)/4+1))):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (f *WebsocketFeed) run(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}
	defer conn.Close()

	sub := map[string]any{"action": "subscribe", "symbols": []string{f.snapshot.Symbol()}}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	atomic.StoreInt32(&f.healthy, 1)
	observ.Log("feed_connected", map[string]any{"url": f.url, "symbol": f.snapshot.Symbol()})

	// Unblock ReadMessage on shutdown. The done channel keeps the
	// watcher from piling up across reconnects.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		f.apply(msg)
	}
}

func (f *WebsocketFeed) apply(msg []byte) {
	var t tick
	if err := json.Unmarshal(msg, &t); err != nil {
		observ.Warn("feed_bad_message", map[string]any{"error": err.Error()})
		return
	}
	if t.Symbol != "" && t.Symbol != f.snapshot.Symbol() {
		return
	}
	at := time.Now()
	if parsed, err := time.Parse(time.RFC3339, t.TS); err == nil {
		at = parsed
	}
	f.snapshot.Update(t.Price, t.Volume, at)
}

// PollFeed is the pull fallback: it polls a REST quote endpoint on a fixed
// interval and writes into the same snapshot. Used when no websocket URL
// is configured, and as the degraded path behind QuoteService.
type PollFeed struct {
	client   *transport.Client
	url      string
	interval time.Duration
	snapshot *PriceSnapshot
	healthy  int32
}

func NewPollFeed(client *transport.Client, url string, interval time.Duration, snap *PriceSnapshot) *PollFeed {
	return &PollFeed{client: client, url: url, interval: interval, snapshot: snap}
}

func (f *PollFeed) Healthy() bool {
	return atomic.LoadInt32(&f.healthy) == 1
}

func (f *PollFeed) Start(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	defer atomic.StoreInt32(&f.healthy, 0)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := f.pollOnce(ctx); err != nil {
				atomic.StoreInt32(&f.healthy, 0)
				observ.Warn("feed_poll_error", map[string]any{"error": err.Error()})
				continue
			}
			atomic.StoreInt32(&f.healthy, 1)
		}
	}
}

func (f *PollFeed) pollOnce(ctx context.Context) error {
	url := fmt.Sprintf("%s/quote?symbol=%s", f.url, f.snapshot.Symbol())
	body, err := f.client.Do(ctx, "GET", url, nil, nil)
	if err != nil {
		return err
	}
	var t tick
	if err := json.Unmarshal(body, &t); err != nil {
		return fmt.Errorf("parse quote: %w", err)
	}
	f.snapshot.Update(t.Price, t.Volume, time.Now())
	return nil
}
