package model

import "time"

// SystemMode is the risk subsystem's circuit-breaker state, distinct
// from the trading mode (DRY_RUN|SANDBOX_PAPER|LIVE): it gates whether
// the engine is allowed to take on new risk at all, regardless of which
// broker environment it is pointed at.
type SystemMode string

// System modes.
const (
	SystemModeNormal   SystemMode = "NORMAL"
	SystemModeHardStop SystemMode = "HARD_STOP"
	SystemModeCooldown SystemMode = "COOLDOWN"
)

// RiskState is the persisted singleton row backing the risk subsystem:
// system_mode plus the daily counters the risk gates consult.
type RiskState struct {
	SystemMode SystemMode

	DailyRealizedPnL        float64
	DailyNewTradeCount      int
	DailyNewRiskDollars     float64
	EmergencyExitCountToday int

	// PerSymbolRiskDollars and PerExpiryRiskDollars track open-risk
	// concentration for the per-underlying and per-expiry caps; keyed
	// by underlying symbol and by expiration (RFC3339 date string)
	// respectively.
	PerSymbolRiskDollars map[string]float64
	PerExpiryRiskDollars map[string]float64

	LastProposalRun time.Time
	LastMonitorRun  time.Time
	LastOrphanRun   time.Time

	// CountersDay is the calendar day (ET) the daily counters above
	// apply to; callers reset counters when the day rolls over.
	CountersDay string
}

// RiskSnapshot is the read-only view the Proposal/Entry/Exit Engines
// consult each cycle, derived fresh from the persisted RiskState.
type RiskSnapshot struct {
	SystemMode              SystemMode
	State                   RiskState
	DailyRealizedPnL        float64
	EmergencyExitCountToday int
}
