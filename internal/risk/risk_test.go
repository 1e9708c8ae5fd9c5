package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekkoworks/spreadengine/internal/model"
	"github.com/gekkoworks/spreadengine/internal/store"
)

func testCaps() Caps {
	return Caps{
		DailyMaxLoss:         -1000,
		DailyMaxNewRisk:      5000,
		MaxTradeLossDollars:  1500,
		UnderlyingMaxRisk:    3000,
		ExpiryMaxRisk:        4000,
		MaxOpenSpreadsGlobal: 10,
		MaxOpenSpreadsPerSym: 3,
		MaxNewTradesPerDay:   5,
	}
}

func TestGate_CheckEntry_AllowsWithinCaps(t *testing.T) {
	g := &Gate{}
	snap := model.RiskSnapshot{SystemMode: model.SystemModeNormal}
	d := g.CheckEntry(snap, testCaps(), "SPY", "2026-08-15", 500, 1, 0)
	assert.True(t, d.Allowed)
}

func TestGate_CheckEntry_DeniesWhenNotNormal(t *testing.T) {
	g := &Gate{}
	snap := model.RiskSnapshot{SystemMode: model.SystemModeHardStop}
	d := g.CheckEntry(snap, testCaps(), "SPY", "2026-08-15", 500, 1, 0)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "system_mode")
}

func TestGate_CheckEntry_DeniesOnDailyTradeCap(t *testing.T) {
	g := &Gate{}
	snap := model.RiskSnapshot{
		SystemMode: model.SystemModeNormal,
		State:      model.RiskState{DailyNewTradeCount: 5},
	}
	d := g.CheckEntry(snap, testCaps(), "SPY", "2026-08-15", 500, 1, 0)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "new-trade cap")
}

func TestGate_CheckEntry_DeniesOnDailyNewRiskIntake(t *testing.T) {
	g := &Gate{}
	snap := model.RiskSnapshot{
		SystemMode: model.SystemModeNormal,
		State:      model.RiskState{DailyNewRiskDollars: 4800},
	}
	d := g.CheckEntry(snap, testCaps(), "SPY", "2026-08-15", 500, 1, 0)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "daily new-risk")
}

func TestGate_CheckEntry_DeniesOnPerTradeCap(t *testing.T) {
	g := &Gate{}
	snap := model.RiskSnapshot{SystemMode: model.SystemModeNormal}
	d := g.CheckEntry(snap, testCaps(), "SPY", "2026-08-15", 1600, 1, 0)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "per-trade")
}

func TestGate_CheckEntry_DeniesOnUnderlyingConcentration(t *testing.T) {
	g := &Gate{}
	snap := model.RiskSnapshot{
		SystemMode: model.SystemModeNormal,
		State:      model.RiskState{PerSymbolRiskDollars: map[string]float64{"SPY": 2900}},
	}
	d := g.CheckEntry(snap, testCaps(), "SPY", "2026-08-15", 500, 1, 0)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "per-underlying")
}

func TestGate_CheckEntry_DeniesOnExpiryCluster(t *testing.T) {
	g := &Gate{}
	snap := model.RiskSnapshot{
		SystemMode: model.SystemModeNormal,
		State:      model.RiskState{PerExpiryRiskDollars: map[string]float64{"2026-08-15": 3900}},
	}
	d := g.CheckEntry(snap, testCaps(), "SPY", "2026-08-15", 500, 1, 0)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "per-expiry")
}

func TestGate_CheckEntry_DeniesOnOpenSpreadCounts(t *testing.T) {
	g := &Gate{}
	snap := model.RiskSnapshot{SystemMode: model.SystemModeNormal}

	global := g.CheckEntry(snap, testCaps(), "SPY", "2026-08-15", 500, 10, 0)
	assert.False(t, global.Allowed)
	assert.Contains(t, global.Reason, "global")

	perSym := g.CheckEntry(snap, testCaps(), "SPY", "2026-08-15", 500, 1, 3)
	assert.False(t, perSym.Allowed)
	assert.Contains(t, perSym.Reason, "per-symbol")
}

func TestGate_Snapshot_RollsDailyCountersOnNewDay(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	g := NewGate(s)
	ctx := context.Background()

	rs, err := s.GetRiskState(ctx)
	require.NoError(t, err)
	rs.CountersDay = "2026-07-28"
	rs.DailyNewTradeCount = 4
	rs.DailyRealizedPnL = -300
	require.NoError(t, s.PutRiskState(ctx, rs))

	snap, newRS, err := g.Snapshot(ctx, "2026-07-29")
	require.NoError(t, err)
	assert.Equal(t, "2026-07-29", newRS.CountersDay)
	assert.Zero(t, snap.DailyRealizedPnL)
	assert.Zero(t, newRS.DailyNewTradeCount)
}

func TestGate_Snapshot_SameDayPreservesCounters(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	g := NewGate(s)
	ctx := context.Background()

	rs, err := s.GetRiskState(ctx)
	require.NoError(t, err)
	rs.CountersDay = "2026-07-29"
	rs.DailyNewTradeCount = 2
	require.NoError(t, s.PutRiskState(ctx, rs))

	snap, _, err := g.Snapshot(ctx, "2026-07-29")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.State.DailyNewTradeCount)
}

func TestGate_ApplyHardStop_TripsOnLossBreach(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	g := NewGate(s)
	ctx := context.Background()

	rs := &model.RiskState{SystemMode: model.SystemModeNormal, DailyRealizedPnL: -1500}
	require.NoError(t, g.ApplyHardStop(ctx, rs, testCaps()))
	assert.Equal(t, model.SystemModeHardStop, rs.SystemMode)

	stored, err := s.GetRiskState(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SystemModeHardStop, stored.SystemMode)
}

func TestGate_ApplyHardStop_NoopWhenWithinCap(t *testing.T) {
	g := &Gate{}
	rs := &model.RiskState{SystemMode: model.SystemModeNormal, DailyRealizedPnL: -500}
	require.NoError(t, g.ApplyHardStop(context.Background(), rs, testCaps()))
	assert.Equal(t, model.SystemModeNormal, rs.SystemMode)
}

func TestGate_RecordNewRisk_AndRecordRealizedPnL_RoundTrip(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	g := NewGate(s)
	ctx := context.Background()

	rs, err := s.GetRiskState(ctx)
	require.NoError(t, err)

	require.NoError(t, g.RecordNewRisk(ctx, rs, "SPY", "2026-08-15", 500))
	assert.Equal(t, 1, rs.DailyNewTradeCount)
	assert.Equal(t, 500.0, rs.PerSymbolRiskDollars["SPY"])
	assert.Equal(t, 500.0, rs.PerExpiryRiskDollars["2026-08-15"])

	require.NoError(t, g.RecordRealizedPnL(ctx, rs, "SPY", "2026-08-15", 120, 500))
	assert.Equal(t, 120.0, rs.DailyRealizedPnL)
	assert.Zero(t, rs.PerSymbolRiskDollars["SPY"])
	assert.Zero(t, rs.PerExpiryRiskDollars["2026-08-15"])
}

func TestGate_RecordEmergencyExit(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	g := NewGate(s)
	ctx := context.Background()

	rs, err := s.GetRiskState(ctx)
	require.NoError(t, err)
	require.NoError(t, g.RecordEmergencyExit(ctx, rs))
	assert.Equal(t, 1, rs.EmergencyExitCountToday)
}

func TestGate_SetStamp(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	g := NewGate(s)
	ctx := context.Background()

	rs, err := s.GetRiskState(ctx)
	require.NoError(t, err)
	now := time.Now().Truncate(time.Second)
	require.NoError(t, g.SetStamp(ctx, rs, "monitor", now))
	assert.True(t, rs.LastMonitorRun.Equal(now))

	require.Error(t, g.SetStamp(ctx, rs, "bogus", now))
}

func TestTradingDayKey(t *testing.T) {
	d := time.Date(2026, 7, 29, 14, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-07-29", TradingDayKey(d))
}
