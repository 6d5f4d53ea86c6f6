// Package mesh aggregates independent signal producers into one
// directional confidence score. Producers see a typed feature set, never
// raw maps; gating between stochastic and deterministic modes is a
// strategy chosen at construction.
package mesh

import "time"

// FeatureSet is the versioned, typed snapshot of market context handed
// to every producer. Absent values are zero and mean "no signal".
type FeatureSet struct {
	Price      float64 `json:"price"`
	ImpliedVol float64 `json:"iv"`
	Volume     int64   `json:"volume"`
	Delta      float64 `json:"delta"`
	Gamma      float64 `json:"gamma"`
	Skew       float64 `json:"skew"`
	DealerFlow float64 `json:"dealer_flow"`
	VIX        float64 `json:"vix"`
	AlphaDecay float64 `json:"alpha_decay"`
}

// Context is one evaluation's input.
type Context struct {
	Symbol   string
	Features FeatureSet
}

// Signal is a single producer's opinion. Score is the producer's context
// modifier in [-1,1]; the scorer combines it with the producer's tuned
// base weight to form a trigger chance.
type Signal struct {
	Producer   string             `json:"producer"`
	Score      float64            `json:"score"`
	Direction  string             `json:"direction"` // long | short | none
	Confidence float64            `json:"confidence"`
	Features   map[string]float64 `json:"features,omitempty"`
	At         time.Time          `json:"at"`
}

// Result is the aggregate of one scoring pass.
type Result struct {
	Score        float64            // 0-100
	Triggered    []string           // producers that fired
	AgentSignals map[string]float64 // producer -> final trigger chance
	AuditID      string
}

// ExitResult is the aggregate of one exit-scoring pass.
type ExitResult struct {
	Signal     string // "exit" | "hold"
	Confidence float64
	Triggered  []string
	Rationale  string
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
