package engine

import "github.com/qalgo/odte-trader/internal/observ"

// State names the engine's current phase. Exactly one is active.
type State string

const (
	StateBooting       State = "booting"
	StateMarketClosed  State = "market_closed"
	StateEvaluating    State = "evaluating"
	StateEntryInFlight State = "entry_in_flight"
	StateExitInFlight  State = "exit_in_flight"
	StateHalted        State = "halted"
	StateDegraded      State = "degraded"
)

var allStates = []State{
	StateBooting, StateMarketClosed, StateEvaluating,
	StateEntryInFlight, StateExitInFlight, StateHalted, StateDegraded,
}

func publishState(active State) {
	for _, s := range allStates {
		v := 0.0
		if s == active {
			v = 1
		}
		observ.EngineState.WithLabelValues(string(s)).Set(v)
	}
}
