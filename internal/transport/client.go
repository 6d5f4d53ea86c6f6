// Package transport wraps outbound HTTP with the retry, backoff and rate
// limiting policy every collaborator call goes through. Call sites never
// hand-roll retry loops; they describe the request and get back the body
// or a terminal error.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/qalgo/odte-trader/internal/observ"
)

// Config tunes the retry/backoff policy. Zero values get sane defaults
// from New.
type Config struct {
	Timeout       time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	RatePerSecond float64
	Burst         int
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

// ErrRetriesExhausted wraps the last transport failure after all attempts.
var ErrRetriesExhausted = errors.New("retries exhausted")

// StatusError is returned for terminal (non-retryable) HTTP statuses so
// callers can branch on broker rejections without re-parsing.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}
}

// Do issues the request with rate limiting and bounded retries. Network
// errors, 429 and 5xx are retried with exponential backoff plus jitter;
// other non-2xx statuses return a *StatusError immediately.
func (c *Client) Do(ctx context.Context, method, rawURL string, headers map[string]string, body []byte) ([]byte, error) {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
		} else {
			b, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				lastErr = readErr
			} else if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return b, nil
			} else if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				lastErr = &StatusError{Code: resp.StatusCode, Body: truncate(string(b), 256)}
			} else {
				return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(b), 256)}
			}
		}

		if attempt == c.cfg.MaxAttempts {
			break
		}
		delay := c.backoff(attempt)
		observ.Warn("http_retry", map[string]any{
			"method":  method,
			"host":    host,
			"attempt": attempt,
			"delay_ms": delay.Milliseconds(),
			"error":   lastErr.Error(),
		})
		observ.HTTPRetries.WithLabelValues(host).Inc()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	observ.Error("http_failure", lastErr, map[string]any{
		"method":   method,
		"host":     host,
		"attempts": c.cfg.MaxAttempts,
	})
	return nil, fmt.Errorf("%w: %s %s: %v", ErrRetriesExhausted, method, host, lastErr)
}

// backoff doubles per attempt and adds up to 20% jitter so concurrent
// retries against the same endpoint don't synchronize.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffBase << (attempt - 1)
	if d > c.cfg.BackoffMax {
		d = c.cfg.BackoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d + jitter
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
