package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekkoworks/spreadengine/internal/broker"
	"github.com/gekkoworks/spreadengine/internal/exit"
	"github.com/gekkoworks/spreadengine/internal/model"
	"github.com/gekkoworks/spreadengine/internal/store"
)

type fakeBroker struct {
	chain []broker.OptionLeg
}

func (f *fakeBroker) GetUnderlyingQuote(context.Context, string) (broker.Quote, error) {
	return broker.Quote{}, nil
}
func (f *fakeBroker) GetExpirations(context.Context, string) ([]string, error) { return nil, nil }
func (f *fakeBroker) GetOptionChain(context.Context, string, string) ([]broker.OptionLeg, error) {
	return f.chain, nil
}
func (f *fakeBroker) PlaceSpreadOrder(context.Context, broker.SpreadOrderRequest) (*broker.PlacedOrder, error) {
	return nil, nil
}
func (f *fakeBroker) PlaceSingleLegCloseOrder(context.Context, string, string, int, string) (*broker.PlacedOrder, error) {
	return nil, nil
}
func (f *fakeBroker) GetOrder(context.Context, int) (*broker.PlacedOrder, error) { return nil, nil }
func (f *fakeBroker) GetAllOrders(context.Context, time.Time, time.Time) ([]broker.PlacedOrder, error) {
	return nil, nil
}
func (f *fakeBroker) GetOpenOrders(context.Context) ([]broker.PlacedOrder, error) { return nil, nil }
func (f *fakeBroker) CancelOrder(context.Context, int) error                      { return nil }
func (f *fakeBroker) GetPositions(context.Context) ([]model.PortfolioPosition, error) {
	return nil, nil
}
func (f *fakeBroker) GetBalances(context.Context) (broker.BalanceSnapshot, error) {
	return broker.BalanceSnapshot{}, nil
}
func (f *fakeBroker) GetGainLoss(context.Context, time.Time, time.Time) ([]broker.GainLossEntry, error) {
	return nil, nil
}
func (f *fakeBroker) GetHistoricalData(context.Context, string, time.Time, time.Time) ([]broker.HistoricalBar, error) {
	return nil, nil
}

var _ broker.Broker = (*fakeBroker)(nil)

func leg(optType string, strike, bid, ask float64) broker.OptionLeg {
	return broker.OptionLeg{OptionType: optType, Strike: strike, Bid: bid, Ask: ask, Greeks: &broker.Greeks{MidIV: 0.20}}
}

func baseThresholds() exit.Thresholds {
	return exit.Thresholds{
		TimeExitDTE: 2, TimeExitCutoffET: "15:45",
		StopLossFraction: 2.0, TrailArmProfitFraction: 0.50, TrailGivebackFraction: 0.10,
		ProfitTargetFraction: 0.50, IVCrushThreshold: 0.85, IVCrushMinPnL: 0.15,
		LowValueFloor: 0.05, ProtectiveSlippage: 0.20,
	}
}

func openTrade(now time.Time) *model.Trade {
	opened := now.Add(-1 * time.Hour)
	return &model.Trade{
		ID: "t1", Underlying: "SPY", Expiration: now.AddDate(0, 0, 30),
		ShortStrike: 485, LongStrike: 480, Width: 5, Quantity: 1,
		Strategy: model.BullPutCredit, EntryPrice: 0.80, MaxProfit: 80, MaxLoss: 420,
		IVEntry: 0.40, Status: model.StatusOpen, OpenedAt: &opened, CreatedAt: opened,
	}
}

func mirrorFor(trade *model.Trade) []model.PortfolioPosition {
	return []model.PortfolioPosition{
		{Symbol: "SPY_SHORT", Underlying: trade.Underlying, Expiration: trade.Expiration, Strike: trade.ShortStrike, Side: model.PositionShort, Quantity: 1},
		{Symbol: "SPY_LONG", Underlying: trade.Underlying, Expiration: trade.Expiration, Strike: trade.LongStrike, Side: model.PositionLong, Quantity: 1},
	}
}

// Mark falls enough to trip PROFIT_TARGET. The fake broker reports no
// positions, so the Exit Engine reconciles the trade as already flat;
// the ladder decision itself is what this test verifies.
func TestRunTrade_ProfitTargetTriggersExit(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	trade := openTrade(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, s.InsertTrade(context.Background(), trade))

	fb := &fakeBroker{chain: []broker.OptionLeg{
		leg("PUT", 485, 0.35, 0.40),
		leg("PUT", 480, 0.08, 0.10),
	}}
	exitEngine := exit.NewEngine(fb, s)
	runner := NewRunner(fb, s, exitEngine)

	cfg := Config{Thresholds: baseThresholds(), Exit: exit.Config{DryRun: true}}
	out, err := runner.RunTrade(context.Background(), trade.CreatedAt.Add(2*time.Hour), trade, mirrorFor(trade), trade.CreatedAt, cfg)
	require.NoError(t, err)
	assert.Equal(t, exit.TriggerProfitTarget, out.Trigger)
}

// Neither leg is in the chain and the grace period has elapsed: the
// monitor must move the trade to INVALID_STRUCTURE rather than silently
// passing.
func TestRunTrade_StructuralBreakAfterGrace(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	opened := now.Add(-20 * time.Minute)
	trade := openTrade(now)
	trade.OpenedAt = &opened
	require.NoError(t, s.InsertTrade(context.Background(), trade))

	fb := &fakeBroker{chain: nil} // chain fetch succeeds but returns no legs
	exitEngine := exit.NewEngine(fb, s)
	runner := NewRunner(fb, s, exitEngine)

	cfg := Config{Thresholds: baseThresholds(), Exit: exit.Config{DryRun: true}}
	out, err := runner.RunTrade(context.Background(), now, trade, nil, now, cfg)
	require.NoError(t, err)
	assert.Contains(t, out.Reason, "invalid_structure")

	stored, err := s.GetTrade(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalidStructure, stored.Status)
}

// Within the 10-minute grace period a missing mirror leg must not
// trigger STRUCTURAL_BREAK.
func TestRunTrade_WithinGraceSuppressesStructuralBreak(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	opened := now.Add(-2 * time.Minute)
	trade := openTrade(now)
	trade.OpenedAt = &opened
	trade.EntryPrice = 0.80
	require.NoError(t, s.InsertTrade(context.Background(), trade))

	fb := &fakeBroker{chain: []broker.OptionLeg{
		leg("PUT", 485, 0.78, 0.82),
		leg("PUT", 480, 0.20, 0.24),
	}}
	exitEngine := exit.NewEngine(fb, s)
	runner := NewRunner(fb, s, exitEngine)

	cfg := Config{Thresholds: baseThresholds(), Exit: exit.Config{DryRun: true}}
	out, err := runner.RunTrade(context.Background(), now, trade, nil, opened.Add(-time.Minute), cfg)
	require.NoError(t, err)
	assert.NotEqual(t, exit.TriggerStructuralBreak, out.Trigger)
}
