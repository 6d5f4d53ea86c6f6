package mesh

import (
	"math/rand"
	"sync"
)

// Gate decides whether a producer with the given trigger chance fires.
// StochasticGate reproduces live behavior; ThresholdGate makes a scoring
// pass a pure function of its inputs for tests and replays.
type Gate interface {
	Trigger(chance float64) bool
}

// StochasticGate fires with probability equal to the chance.
type StochasticGate struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewStochasticGate seeds the gate; seed 0 asks for a random seed.
func NewStochasticGate(seed int64) *StochasticGate {
	if seed == 0 {
		return &StochasticGate{rng: rand.New(rand.NewSource(rand.Int63()))}
	}
	return &StochasticGate{rng: rand.New(rand.NewSource(seed))}
}

func (g *StochasticGate) Trigger(chance float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Float64() < chance
}

// ThresholdGate fires deterministically when the chance meets the cutoff.
type ThresholdGate struct {
	Cutoff float64
}

func (g ThresholdGate) Trigger(chance float64) bool {
	return chance >= g.Cutoff
}
