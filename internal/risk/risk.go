// Package risk implements the Config & Risk State component's gating
// half: deriving a RiskSnapshot each cycle and applying the hard-stop,
// daily-intake, per-trade, per-underlying, per-expiry,
// open-spread-count, and max-new-trades-per-day caps the Proposal and
// Entry Engines must clear before they are allowed to take on risk.
//
// Checks are typed and additive, each returning a reason string on
// denial, evaluated fresh as a live, DB-backed gate every cycle rather
// than cached between runs.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/gekkoworks/spreadengine/internal/model"
	"github.com/gekkoworks/spreadengine/internal/store"
)

// Caps bundles the settings-table risk caps the risk subsystem
// enforces. Callers read these fresh from the settings table each
// cycle (internal/config's Key* constants name the backing rows).
type Caps struct {
	DailyMaxLoss          float64 // daily_realized_pnl <= this trips HARD_STOP
	DailyMaxNewRisk       float64
	MaxTradeLossDollars   float64
	UnderlyingMaxRisk     float64
	ExpiryMaxRisk         float64
	MaxOpenSpreadsGlobal  int
	MaxOpenSpreadsPerSym  int
	MaxNewTradesPerDay    int
}

// Gate evaluates risk caps against the live RiskState and the trade
// book. It has no broker dependency; the caller supplies fresh Caps
// read from the settings table.
type Gate struct {
	store *store.Store
}

// NewGate builds a risk Gate over the Persistence Layer.
func NewGate(s *store.Store) *Gate {
	return &Gate{store: s}
}

// Snapshot loads the persisted risk_state row and derives a
// model.RiskSnapshot, rolling daily counters over at midnight ET
// (CountersDay tracks which trading day the counters apply to).
func (g *Gate) Snapshot(ctx context.Context, today string) (*model.RiskSnapshot, *model.RiskState, error) {
	rs, err := g.store.GetRiskState(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("risk: loading risk state: %w", err)
	}
	if rs.CountersDay != today {
		rs.CountersDay = today
		rs.DailyRealizedPnL = 0
		rs.DailyNewTradeCount = 0
		rs.DailyNewRiskDollars = 0
		rs.EmergencyExitCountToday = 0
		if rs.SystemMode == model.SystemModeHardStop {
			rs.SystemMode = model.SystemModeNormal
		}
		if err := g.store.PutRiskState(ctx, rs); err != nil {
			return nil, nil, fmt.Errorf("risk: rolling daily counters: %w", err)
		}
	}
	return &model.RiskSnapshot{
		SystemMode:              rs.SystemMode,
		State:                   *rs,
		DailyRealizedPnL:        rs.DailyRealizedPnL,
		EmergencyExitCountToday: rs.EmergencyExitCountToday,
	}, rs, nil
}

// ApplyHardStop trips HARD_STOP when today's realized PnL breaches
// DailyMaxLoss. HARD_STOP is sticky for the remainder
// of the trading day; it clears only when the day rolls over in
// Snapshot.
func (g *Gate) ApplyHardStop(ctx context.Context, rs *model.RiskState, caps Caps) error {
	if rs.SystemMode == model.SystemModeHardStop {
		return nil
	}
	if rs.DailyRealizedPnL <= caps.DailyMaxLoss {
		rs.SystemMode = model.SystemModeHardStop
		return g.store.PutRiskState(ctx, rs)
	}
	return nil
}

// Decision reports whether a proposed new trade clears every risk gate,
// and if not, which one it failed (for logging/operator visibility).
type Decision struct {
	Allowed bool
	Reason  string
}

func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

var allow = Decision{Allowed: true}

// CheckEntry applies every configured risk cap to a candidate entry:
// system mode, daily new-risk intake, per-trade max loss, per-underlying
// and per-expiry concentration, open-spread counts, and the daily
// new-trade cap. tradeRiskDollars is maxLoss*quantity*100 (per-contract
// dollars); expiryKey is the RFC3339 date string the proposal's
// expiration maps to in RiskState.PerExpiryRiskDollars.
func (g *Gate) CheckEntry(
	snapshot model.RiskSnapshot,
	caps Caps,
	underlying, expiryKey string,
	tradeRiskDollars float64,
	openGlobalCount, openSymbolCount int,
) Decision {
	if snapshot.SystemMode != model.SystemModeNormal {
		return deny(fmt.Sprintf("system_mode=%s, not NORMAL", snapshot.SystemMode))
	}
	if snapshot.State.DailyNewTradeCount >= caps.MaxNewTradesPerDay {
		return deny("daily new-trade cap reached")
	}
	if snapshot.State.DailyNewRiskDollars+tradeRiskDollars > caps.DailyMaxNewRisk {
		return deny("daily new-risk intake cap would be exceeded")
	}
	if tradeRiskDollars > caps.MaxTradeLossDollars {
		return deny("per-trade max loss exceeds cap")
	}
	if snapshot.State.PerSymbolRiskDollars[underlying]+tradeRiskDollars > caps.UnderlyingMaxRisk {
		return deny("per-underlying risk cap would be exceeded")
	}
	if snapshot.State.PerExpiryRiskDollars[expiryKey]+tradeRiskDollars > caps.ExpiryMaxRisk {
		return deny("per-expiry cluster risk cap would be exceeded")
	}
	if openGlobalCount >= caps.MaxOpenSpreadsGlobal {
		return deny("global open-spread count cap reached")
	}
	if openSymbolCount >= caps.MaxOpenSpreadsPerSym {
		return deny("per-symbol open-spread count cap reached")
	}
	return allow
}

// RecordNewRisk updates the daily/per-symbol/per-expiry counters after
// an entry order is accepted (called by the Entry Engine once the
// order is submitted, not merely proposed: a rejected order must not
// consume risk budget).
func (g *Gate) RecordNewRisk(ctx context.Context, rs *model.RiskState, underlying, expiryKey string, tradeRiskDollars float64) error {
	rs.DailyNewTradeCount++
	rs.DailyNewRiskDollars += tradeRiskDollars
	if rs.PerSymbolRiskDollars == nil {
		rs.PerSymbolRiskDollars = map[string]float64{}
	}
	if rs.PerExpiryRiskDollars == nil {
		rs.PerExpiryRiskDollars = map[string]float64{}
	}
	rs.PerSymbolRiskDollars[underlying] += tradeRiskDollars
	rs.PerExpiryRiskDollars[expiryKey] += tradeRiskDollars
	return g.store.PutRiskState(ctx, rs)
}

// RecordRealizedPnL folds a closed trade's realized PnL into today's
// running total and releases its risk-dollar reservation from the
// per-underlying/per-expiry concentration counters.
func (g *Gate) RecordRealizedPnL(ctx context.Context, rs *model.RiskState, underlying, expiryKey string, realizedPnL, tradeRiskDollars float64) error {
	rs.DailyRealizedPnL += realizedPnL
	if rs.PerSymbolRiskDollars != nil {
		rs.PerSymbolRiskDollars[underlying] -= tradeRiskDollars
		if rs.PerSymbolRiskDollars[underlying] < 0 {
			rs.PerSymbolRiskDollars[underlying] = 0
		}
	}
	if rs.PerExpiryRiskDollars != nil {
		rs.PerExpiryRiskDollars[expiryKey] -= tradeRiskDollars
		if rs.PerExpiryRiskDollars[expiryKey] < 0 {
			rs.PerExpiryRiskDollars[expiryKey] = 0
		}
	}
	return g.store.PutRiskState(ctx, rs)
}

// RecordEmergencyExit bumps today's emergency-exit counter (a
// STRUCTURAL_BREAK/EMERGENCY ladder trigger), for operator visibility
// into how often the engine had to flatten defensively.
func (g *Gate) RecordEmergencyExit(ctx context.Context, rs *model.RiskState) error {
	rs.EmergencyExitCountToday++
	return g.store.PutRiskState(ctx, rs)
}

// SetStamp records the last-run heartbeat for one of the three cycles.
func (g *Gate) SetStamp(ctx context.Context, rs *model.RiskState, which string, at time.Time) error {
	switch which {
	case "proposal":
		rs.LastProposalRun = at
	case "monitor":
		rs.LastMonitorRun = at
	case "orphan":
		rs.LastOrphanRun = at
	default:
		return fmt.Errorf("risk: unknown stamp %q", which)
	}
	return g.store.PutRiskState(ctx, rs)
}

// TradingDayKey formats now (already in the trading calendar's
// location) as the CountersDay key risk_state rolls over on.
func TradingDayKey(now time.Time) string {
	return now.Format("2006-01-02")
}
