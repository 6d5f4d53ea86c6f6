package mesh

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/qalgo/odte-trader/internal/observ"
)

// Auditor receives one record per producer per scoring pass. Satisfied
// by ledger.AuditTrail; nil disables auditing.
type Auditor interface {
	Write(kind string, data map[string]any)
}

// Scorer combines registered producers into one mesh score.
type Scorer struct {
	producers []Producer
	weights   WeightTable
	gate      Gate
	audit     Auditor
}

func NewScorer(producers []Producer, weights WeightTable, gate Gate, audit Auditor) *Scorer {
	return &Scorer{producers: producers, weights: weights, gate: gate, audit: audit}
}

// Weights exposes the current table for the capital allocator.
func (s *Scorer) Weights() WeightTable { return s.weights }

// Score runs one evaluation pass. A producer error is logged and skipped;
// it never aborts the pass. The combined score is the sum of triggered
// producers' weights, capped at 100; no triggers means score 0.
func (s *Scorer) Score(ctx Context) Result {
	auditID := uuid.NewString()
	res := Result{
		AgentSignals: make(map[string]float64, len(s.producers)),
		AuditID:      auditID,
	}

	for _, p := range s.producers {
		sig, err := p.Evaluate(ctx)
		if err != nil {
			observ.Warn("mesh_producer_error", map[string]any{
				"producer": p.Name(),
				"symbol":   ctx.Symbol,
				"error":    err.Error(),
			})
			continue
		}
		if sig == nil {
			continue
		}

		w := s.weights.Producers[p.Name()]
		chance := clamp01(w.Weight/100 + sig.Score)
		res.AgentSignals[p.Name()] = chance

		fired := s.gate.Trigger(chance)
		if fired {
			res.Triggered = append(res.Triggered, p.Name())
			res.Score += w.Weight
		}

		if s.audit != nil {
			s.audit.Write("mesh_signal", map[string]any{
				"audit_id":  auditID,
				"symbol":    ctx.Symbol,
				"producer":  p.Name(),
				"modifier":  sig.Score,
				"chance":    chance,
				"direction": sig.Direction,
				"fired":     fired,
			})
		}
	}

	if res.Score > 100 {
		res.Score = 100
	}
	sort.Strings(res.Triggered)
	observ.MeshScore.Set(res.Score)
	return res
}

// ScoreExit runs the exit variant: same producers, exit modifiers, and a
// confidence equal to the triggered weight mass normalized to [0,1].
// Confidence above the caller's cutoff means "exit".
func (s *Scorer) ScoreExit(ctx Context, pnl float64, cutoff float64) ExitResult {
	var triggered []string
	var mass float64

	for _, p := range s.producers {
		ep, ok := p.(ExitProducer)
		if !ok {
			continue
		}
		sig, err := ep.EvaluateExit(ctx, pnl)
		if err != nil {
			observ.Warn("mesh_exit_producer_error", map[string]any{
				"producer": p.Name(),
				"error":    err.Error(),
			})
			continue
		}
		if sig == nil {
			continue
		}
		w := s.weights.Producers[p.Name()]
		chance := clamp01(w.Weight/100 + sig.Score)
		if s.gate.Trigger(chance) {
			triggered = append(triggered, p.Name())
			mass += w.Weight
		}
	}

	conf := clamp01(mass / 100)
	signal := "hold"
	if conf > cutoff {
		signal = "exit"
	}
	sort.Strings(triggered)
	return ExitResult{
		Signal:     signal,
		Confidence: conf,
		Triggered:  triggered,
		Rationale:  fmt.Sprintf("%d producers triggered: %v", len(triggered), triggered),
	}
}
