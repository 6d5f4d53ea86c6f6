package mesh

import "time"

// Producer is one independent signal source. Evaluate returns nil when
// the producer has no opinion for this context.
type Producer interface {
	Name() string
	Evaluate(ctx Context) (*Signal, error)
}

// ExitProducer is implemented by producers that also score exits.
type ExitProducer interface {
	Producer
	EvaluateExit(ctx Context, pnl float64) (*Signal, error)
}

// builtin is a producer defined by a pair of feature-modifier functions.
type builtin struct {
	name    string
	entry   func(f FeatureSet) float64
	exit    func(f FeatureSet, pnl float64) float64
}

func (b *builtin) Name() string { return b.name }

func (b *builtin) Evaluate(ctx Context) (*Signal, error) {
	mod := b.entry(ctx.Features)
	if mod > 1 {
		mod = 1
	}
	if mod < -1 {
		mod = -1
	}
	dir := "long"
	if ctx.Features.DealerFlow < 0 {
		dir = "short"
	}
	return &Signal{
		Producer:   b.name,
		Score:      mod,
		Direction:  dir,
		Confidence: clamp01(mod) * 100,
		At:         time.Now().UTC(),
	}, nil
}

func (b *builtin) EvaluateExit(ctx Context, pnl float64) (*Signal, error) {
	mod := b.exit(ctx.Features, pnl)
	if mod > 1 {
		mod = 1
	}
	if mod < -1 {
		mod = -1
	}
	return &Signal{
		Producer:   b.name,
		Score:      mod,
		Direction:  "none",
		Confidence: clamp01(mod) * 100,
		At:         time.Now().UTC(),
	}, nil
}

// BuiltinProducers returns the five standing mesh agents. Each reacts to
// a different slice of the option surface: block to dealer positioning,
// trap to vol spikes, quant to directional delta, precision to gamma
// shape, scout to early dealer-flow shifts.
func BuiltinProducers() []Producer {
	return []Producer{
		&builtin{
			name:  "block",
			entry: func(f FeatureSet) float64 { return f.Gamma*0.5 + f.Skew*0.2 },
			exit:  func(f FeatureSet, pnl float64) float64 { return f.Skew*0.3 - pnl*0.05 },
		},
		&builtin{
			name:  "trap",
			entry: func(f FeatureSet) float64 { return f.ImpliedVol*0.3 + f.DealerFlow*0.4 },
			exit:  func(f FeatureSet, pnl float64) float64 { return f.ImpliedVol*0.2 + f.DealerFlow*0.3 },
		},
		&builtin{
			name:  "quant",
			entry: func(f FeatureSet) float64 { return f.Delta*0.6 + f.ImpliedVol*0.2 },
			exit:  func(f FeatureSet, pnl float64) float64 { return f.Delta*0.5 + pnl*0.1 },
		},
		&builtin{
			name:  "precision",
			entry: func(f FeatureSet) float64 { return f.Gamma*0.3 + f.Skew*0.3 },
			exit:  func(f FeatureSet, pnl float64) float64 { return f.Gamma*0.4 - pnl*0.05 },
		},
		&builtin{
			name:  "scout",
			entry: func(f FeatureSet) float64 { return f.DealerFlow*0.3 + f.ImpliedVol*0.2 },
			exit:  func(f FeatureSet, pnl float64) float64 { return f.DealerFlow*0.3 + f.ImpliedVol*0.1 },
		},
	}
}
