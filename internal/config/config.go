package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Entry struct {
	ScoreThreshold  float64 `yaml:"score_threshold"`  // mesh score required to open, 0-100
	MaxFraction     float64 `yaml:"max_fraction"`     // ceiling on capital fraction per trade
	MinCashUSD      float64 `yaml:"min_cash_usd"`     // soft buying-power floor before submit
	WindowOpenMins  int     `yaml:"window_open_minutes"`  // minutes after open before entries allowed
	WindowCloseMins int     `yaml:"window_close_minutes"` // minutes before close when entries stop
}

type Capital struct {
	BaseAllocation  float64 `yaml:"base_allocation"` // starting fraction, e.g. 0.2
	FloorAllocation float64 `yaml:"floor_allocation"`
	CeilAllocation  float64 `yaml:"ceil_allocation"`
	RefreshSecs     int     `yaml:"balance_refresh_seconds"`
	RefreshJitterMs int     `yaml:"balance_refresh_jitter_ms"`
	StaleTTLSecs    int     `yaml:"balance_stale_ttl_seconds"`
}

type Mesh struct {
	WeightsPath string `yaml:"weights_path"`
	Gate        string `yaml:"gate"` // "threshold" | "stochastic"
	GateCutoff  float64 `yaml:"gate_cutoff"` // threshold gate trigger level
	Seed        int64  `yaml:"seed"`         // stochastic gate seed, 0 = time-based
}

type Exit struct {
	StopPnL       float64 `yaml:"stop_pnl"`        // e.g. -0.3
	DecayCutoff   float64 `yaml:"decay_cutoff"`    // alpha decay forcing exit
	MeshExitConf  float64 `yaml:"mesh_exit_confidence"`
}

type Feed struct {
	WebsocketURL  string `yaml:"websocket_url"`
	RestURL       string `yaml:"rest_url"`
	StaleSecs     int    `yaml:"stale_seconds"`    // restart feed beyond this
	QuoteTTLSecs  int    `yaml:"quote_ttl_seconds"`
	PollMs        int    `yaml:"poll_interval_ms"`
}

type Broker struct {
	BaseURL       string `yaml:"base_url"`
	AccountID     string `yaml:"account_id"`   // env fallback TRADIER_ACCOUNT_ID
	TimeoutSecs   int    `yaml:"timeout_seconds"`
	MaxRetries    int    `yaml:"max_retries"`
	BackoffBaseMs int    `yaml:"backoff_base_ms"`
	BackoffMaxMs  int    `yaml:"backoff_max_ms"`
	RatePerSec    float64 `yaml:"rate_per_second"`
}

type Engine struct {
	Symbol          string `yaml:"symbol"`
	CycleSecs       int    `yaml:"cycle_seconds"`
	ClosedPollSecs  int    `yaml:"closed_poll_seconds"`
	ReconcileSecs   int    `yaml:"reconcile_seconds"`
	HeartbeatSecs   int    `yaml:"heartbeat_seconds"`
	StatusPath      string `yaml:"status_path"`
	KillPath        string `yaml:"kill_path"`     // flag file, presence halts new entries
	BaselinePath    string `yaml:"baseline_path"` // persisted session equity baseline
	LedgerPath      string `yaml:"ledger_path"`
	AuditPath       string `yaml:"audit_path"`
	MetricsAddr     string `yaml:"metrics_addr"`
	TestMode        bool   `yaml:"test_mode"` // suppress order submission
}

type Root struct {
	Entry   Entry   `yaml:"entry"`
	Capital Capital `yaml:"capital"`
	Mesh    Mesh    `yaml:"mesh"`
	Exit    Exit    `yaml:"exit"`
	Feed    Feed    `yaml:"feed"`
	Broker  Broker  `yaml:"broker"`
	Engine  Engine  `yaml:"engine"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}

	if c.Entry.ScoreThreshold == 0 {
		c.Entry.ScoreThreshold = 60
	}
	if c.Entry.MaxFraction == 0 {
		c.Entry.MaxFraction = 0.5
	}
	if c.Entry.MinCashUSD == 0 {
		c.Entry.MinCashUSD = 500
	}
	if c.Entry.WindowCloseMins == 0 {
		c.Entry.WindowCloseMins = 30
	}

	if c.Capital.BaseAllocation == 0 {
		c.Capital.BaseAllocation = 0.2
	}
	if c.Capital.FloorAllocation == 0 {
		c.Capital.FloorAllocation = 0.05
	}
	if c.Capital.CeilAllocation == 0 {
		c.Capital.CeilAllocation = 1.0
	}
	if c.Capital.RefreshSecs == 0 {
		c.Capital.RefreshSecs = 20
	}
	if c.Capital.RefreshJitterMs == 0 {
		c.Capital.RefreshJitterMs = 3000
	}
	if c.Capital.StaleTTLSecs == 0 {
		c.Capital.StaleTTLSecs = 30
	}

	if c.Mesh.WeightsPath == "" {
		c.Mesh.WeightsPath = "data/mesh_weights.yaml"
	}
	if c.Mesh.Gate == "" {
		c.Mesh.Gate = "threshold"
	}
	if c.Mesh.GateCutoff == 0 {
		c.Mesh.GateCutoff = 0.5
	}

	if c.Exit.StopPnL == 0 {
		c.Exit.StopPnL = -0.3
	}
	if c.Exit.DecayCutoff == 0 {
		c.Exit.DecayCutoff = 0.6
	}
	if c.Exit.MeshExitConf == 0 {
		c.Exit.MeshExitConf = 0.6
	}

	if c.Feed.StaleSecs == 0 {
		c.Feed.StaleSecs = 30
	}
	if c.Feed.QuoteTTLSecs == 0 {
		c.Feed.QuoteTTLSecs = 5
	}
	if c.Feed.PollMs == 0 {
		c.Feed.PollMs = 2000
	}

	if c.Broker.BaseURL == "" {
		c.Broker.BaseURL = "https://api.tradier.com/v1"
	}
	if c.Broker.TimeoutSecs == 0 {
		c.Broker.TimeoutSecs = 8
	}
	if c.Broker.MaxRetries == 0 {
		c.Broker.MaxRetries = 3
	}
	if c.Broker.BackoffBaseMs == 0 {
		c.Broker.BackoffBaseMs = 250
	}
	if c.Broker.BackoffMaxMs == 0 {
		c.Broker.BackoffMaxMs = 5000
	}
	if c.Broker.RatePerSec == 0 {
		c.Broker.RatePerSec = 2
	}

	if c.Engine.Symbol == "" {
		c.Engine.Symbol = "SPY"
	}
	if c.Engine.CycleSecs == 0 {
		c.Engine.CycleSecs = 3
	}
	if c.Engine.ClosedPollSecs == 0 {
		c.Engine.ClosedPollSecs = 60
	}
	if c.Engine.ReconcileSecs == 0 {
		c.Engine.ReconcileSecs = 300
	}
	if c.Engine.HeartbeatSecs == 0 {
		c.Engine.HeartbeatSecs = 15
	}
	if c.Engine.StatusPath == "" {
		c.Engine.StatusPath = "data/status.json"
	}
	if c.Engine.KillPath == "" {
		c.Engine.KillPath = "data/halt"
	}
	if c.Engine.BaselinePath == "" {
		c.Engine.BaselinePath = "data/equity_baseline.json"
	}
	if c.Engine.LedgerPath == "" {
		c.Engine.LedgerPath = "data/open_positions.jsonl"
	}
	if c.Engine.AuditPath == "" {
		c.Engine.AuditPath = "data/audit.jsonl"
	}
	if c.Engine.MetricsAddr == "" {
		c.Engine.MetricsAddr = ":9090"
	}

	return c, nil
}

// Validate checks boot-fatal constraints. Anything transient (broker down,
// feed not connected) is deliberately not checked here.
func (c Root) Validate() error {
	if c.Entry.ScoreThreshold < 0 || c.Entry.ScoreThreshold > 100 {
		return fmt.Errorf("entry.score_threshold out of range: %v", c.Entry.ScoreThreshold)
	}
	if c.Entry.MaxFraction <= 0 || c.Entry.MaxFraction > 1 {
		return fmt.Errorf("entry.max_fraction out of range: %v", c.Entry.MaxFraction)
	}
	if c.Capital.FloorAllocation > c.Capital.CeilAllocation {
		return fmt.Errorf("capital.floor_allocation %v above ceiling %v",
			c.Capital.FloorAllocation, c.Capital.CeilAllocation)
	}
	if c.Mesh.Gate != "threshold" && c.Mesh.Gate != "stochastic" {
		return fmt.Errorf("mesh.gate must be threshold or stochastic, got %q", c.Mesh.Gate)
	}
	if !c.Engine.TestMode && os.Getenv("TRADIER_ACCESS_TOKEN") == "" {
		return fmt.Errorf("TRADIER_ACCESS_TOKEN not set and test_mode disabled")
	}
	return nil
}
