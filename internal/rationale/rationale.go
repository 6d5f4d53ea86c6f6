// Package rationale labels exit decisions for the audit trail. A remote
// narrative service may provide richer labels, but it is strictly
// optional: any failure degrades to the rule-based labeler.
package rationale

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/qalgo/odte-trader/internal/observ"
	"github.com/qalgo/odte-trader/internal/transport"
)

// ExitContext is what the labeler sees about a closing trade.
type ExitContext struct {
	Symbol     string  `json:"symbol"`
	PnL        float64 `json:"pnl"`
	AlphaDecay float64 `json:"alpha_decay"`
	MeshSignal string  `json:"mesh_signal"`
	Regime     string  `json:"regime"`
}

// Generator produces a short qualitative exit label.
type Generator interface {
	ExitLabel(ctx context.Context, ec ExitContext) (string, error)
}

// RuleBased is the always-available fallback.
type RuleBased struct{}

func (RuleBased) ExitLabel(_ context.Context, ec ExitContext) (string, error) {
	switch {
	case ec.PnL <= -0.3:
		return "stop_loss", nil
	case ec.AlphaDecay > 0.6:
		return "alpha_decay", nil
	case ec.Regime == "panic" || ec.Regime == "compressing":
		return "regime_shift", nil
	case ec.MeshSignal == "exit":
		return "mesh_exit", nil
	case ec.PnL > 0:
		return "profit_take", nil
	default:
		return "discretionary", nil
	}
}

// Remote asks an external narrative service and falls back on any error.
type Remote struct {
	client   *transport.Client
	url      string
	fallback RuleBased
}

func NewRemote(client *transport.Client, url string) *Remote {
	return &Remote{client: client, url: url}
}

func (r *Remote) ExitLabel(ctx context.Context, ec ExitContext) (string, error) {
	body, err := json.Marshal(ec)
	if err != nil {
		return r.fallback.ExitLabel(ctx, ec)
	}
	resp, err := r.client.Do(ctx, "POST", r.url,
		map[string]string{"Content-Type": "application/json"}, body)
	if err != nil {
		observ.Warn("rationale_fallback", map[string]any{
			"symbol": ec.Symbol,
			"error":  err.Error(),
		})
		return r.fallback.ExitLabel(ctx, ec)
	}
	var parsed struct {
		Label string `json:"label"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil || parsed.Label == "" {
		observ.Warn("rationale_fallback", map[string]any{
			"symbol": ec.Symbol,
			"error":  fmt.Sprintf("bad response: %v", err),
		})
		return r.fallback.ExitLabel(ctx, ec)
	}
	return parsed.Label, nil
}
