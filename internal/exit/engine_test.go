package exit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekkoworks/spreadengine/internal/broker"
	"github.com/gekkoworks/spreadengine/internal/model"
	"github.com/gekkoworks/spreadengine/internal/store"
)

// fakeExitBroker implements broker.Broker with per-test-configurable
// behavior for the handful of methods the Exit Engine actually calls.
type fakeExitBroker struct {
	chain        []broker.OptionLeg
	positions    []model.PortfolioPosition
	gainLoss     []broker.GainLossEntry
	gainLossErr  error
	placeSpread  func(req broker.SpreadOrderRequest) (*broker.PlacedOrder, error)
	placeSingle  func(symbol, side string) (*broker.PlacedOrder, error)
	orderResults map[int]*broker.PlacedOrder
	nextOrderID  int
	cancelled    []int
}

func (f *fakeExitBroker) GetUnderlyingQuote(context.Context, string) (broker.Quote, error) {
	return broker.Quote{}, nil
}
func (f *fakeExitBroker) GetExpirations(context.Context, string) ([]string, error) { return nil, nil }
func (f *fakeExitBroker) GetOptionChain(context.Context, string, string) ([]broker.OptionLeg, error) {
	return f.chain, nil
}
func (f *fakeExitBroker) PlaceSpreadOrder(_ context.Context, req broker.SpreadOrderRequest) (*broker.PlacedOrder, error) {
	po, err := f.placeSpread(req)
	if err == nil && po != nil {
		f.orderResults[po.ID] = po
	}
	return po, err
}
func (f *fakeExitBroker) PlaceSingleLegCloseOrder(_ context.Context, symbol, side string, _ int, _ string) (*broker.PlacedOrder, error) {
	po, err := f.placeSingle(symbol, side)
	if err == nil && po != nil {
		f.orderResults[po.ID] = po
	}
	return po, err
}
func (f *fakeExitBroker) GetOrder(_ context.Context, id int) (*broker.PlacedOrder, error) {
	if r, ok := f.orderResults[id]; ok {
		return r, nil
	}
	return nil, errors.New("no such order")
}
func (f *fakeExitBroker) GetAllOrders(context.Context, time.Time, time.Time) ([]broker.PlacedOrder, error) {
	return nil, nil
}
func (f *fakeExitBroker) GetOpenOrders(context.Context) ([]broker.PlacedOrder, error) { return nil, nil }
func (f *fakeExitBroker) CancelOrder(_ context.Context, id int) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}
func (f *fakeExitBroker) GetPositions(context.Context) ([]model.PortfolioPosition, error) {
	return f.positions, nil
}
func (f *fakeExitBroker) GetBalances(context.Context) (broker.BalanceSnapshot, error) {
	return broker.BalanceSnapshot{}, nil
}
func (f *fakeExitBroker) GetGainLoss(context.Context, time.Time, time.Time) ([]broker.GainLossEntry, error) {
	return f.gainLoss, f.gainLossErr
}
func (f *fakeExitBroker) GetHistoricalData(context.Context, string, time.Time, time.Time) ([]broker.HistoricalBar, error) {
	return nil, nil
}

var _ broker.Broker = (*fakeExitBroker)(nil)

func baseExitTrade(now time.Time) *model.Trade {
	return &model.Trade{
		ID: "t1", ProposalID: "p1", Underlying: "SPY", Expiration: now.AddDate(0, 0, 30),
		Strategy: model.BullPutCredit, ShortStrike: 440, LongStrike: 435, Width: 5,
		Quantity: 1, EntryPrice: 0.85, MaxProfit: 85, MaxLoss: 415,
		Status: model.StatusOpen, CreatedAt: now,
	}
}

func sampleChain() []broker.OptionLeg {
	return []broker.OptionLeg{
		{Symbol: "SPY_SHORT", OptionType: "PUT", Strike: 440, Bid: 0.40, Ask: 0.45},
		{Symbol: "SPY_LONG", OptionType: "PUT", Strike: 435, Bid: 0.10, Ask: 0.15},
	}
}

func defaultCfg() Config {
	return Config{OrderDuration: "day", Thresholds: Thresholds{ProtectiveSlippage: 0.05}}
}

func TestRun_DryRunDoesNotPlaceOrders(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	trade := baseExitTrade(now)
	require.NoError(t, s.InsertTrade(ctx, trade))

	fb := &fakeExitBroker{
		chain: sampleChain(),
		positions: []model.PortfolioPosition{
			{Symbol: "SPY_SHORT", Quantity: 1}, {Symbol: "SPY_LONG", Quantity: 1},
		},
		placeSpread: func(broker.SpreadOrderRequest) (*broker.PlacedOrder, error) {
			t.Fatal("dry run must not place an order")
			return nil, nil
		},
		orderResults: map[int]*broker.PlacedOrder{},
	}
	eng := NewEngine(fb, s)
	cfg := defaultCfg()
	cfg.DryRun = true

	out, err := eng.Run(ctx, now, trade, TriggerProfitTarget, cfg)
	require.NoError(t, err)
	assert.False(t, out.Closed)
}

func TestRun_NormalFillClosesTrade(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	trade := baseExitTrade(now)
	require.NoError(t, s.InsertTrade(ctx, trade))

	fb := &fakeExitBroker{
		chain: sampleChain(),
		positions: []model.PortfolioPosition{
			{Symbol: "SPY_SHORT", Quantity: 1}, {Symbol: "SPY_LONG", Quantity: 1},
		},
		orderResults: map[int]*broker.PlacedOrder{},
		placeSpread: func(req broker.SpreadOrderRequest) (*broker.PlacedOrder, error) {
			return &broker.PlacedOrder{ID: 1, Status: model.OrderFilled, AvgFillPrice: 0.30}, nil
		},
	}
	eng := NewEngine(fb, s)

	out, err := eng.Run(ctx, now, trade, TriggerProfitTarget, defaultCfg())
	require.NoError(t, err)
	assert.True(t, out.Closed)
	assert.True(t, out.NeedsSync)
	assert.Equal(t, string(model.ExitReasonNormalExit), out.Reason)

	reloaded, err := s.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, reloaded.Status)
	require.NotNil(t, reloaded.ExitPrice)
	assert.InDelta(t, 0.30, *reloaded.ExitPrice, 0.001)
	require.NotNil(t, reloaded.RealizedPnL)
	assert.InDelta(t, 0.55*100, *reloaded.RealizedPnL, 0.001)
}

func TestRun_QuantityMismatchRetriesWithRefreshedQuantity(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	trade := baseExitTrade(now)
	trade.Quantity = 2
	require.NoError(t, s.InsertTrade(ctx, trade))

	attempt := 0
	fb := &fakeExitBroker{
		chain: sampleChain(),
		positions: []model.PortfolioPosition{
			{Symbol: "SPY_SHORT", Quantity: 2}, {Symbol: "SPY_LONG", Quantity: 2},
		},
		orderResults: map[int]*broker.PlacedOrder{},
		placeSpread: func(req broker.SpreadOrderRequest) (*broker.PlacedOrder, error) {
			attempt++
			if attempt == 1 {
				return nil, errors.New("insufficient quantity for closing order")
			}
			return &broker.PlacedOrder{ID: 2, Status: model.OrderFilled, AvgFillPrice: 0.30}, nil
		},
	}
	eng := NewEngine(fb, s)

	out, err := eng.Run(ctx, now, trade, TriggerProfitTarget, defaultCfg())
	require.NoError(t, err)
	assert.True(t, out.Closed)
	assert.Equal(t, 2, attempt)
}

func TestRun_QuantityMismatchExhaustsToExitErrorTagsQuantityMismatch(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	trade := baseExitTrade(now)
	trade.Quantity = 2
	require.NoError(t, s.InsertTrade(ctx, trade))

	fb := &fakeExitBroker{
		chain: sampleChain(),
		positions: []model.PortfolioPosition{
			{Symbol: "SPY_SHORT", Quantity: 2}, {Symbol: "SPY_LONG", Quantity: 2},
		},
		orderResults: map[int]*broker.PlacedOrder{},
		placeSpread: func(req broker.SpreadOrderRequest) (*broker.PlacedOrder, error) {
			return nil, errors.New("insufficient quantity for closing order")
		},
	}
	eng := NewEngine(fb, s)

	out, err := eng.Run(ctx, now, trade, TriggerProfitTarget, defaultCfg())
	require.NoError(t, err)
	assert.False(t, out.Closed)

	reloaded, err := s.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExitError, reloaded.Status)
	assert.Equal(t, model.ExitReasonQuantityMismatch, reloaded.ExitReason)
}

func TestRun_NonQuantityRejectionFallsBackToSingleLeg(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	trade := baseExitTrade(now)
	require.NoError(t, s.InsertTrade(ctx, trade))

	fb := &fakeExitBroker{
		chain: sampleChain(),
		positions: []model.PortfolioPosition{
			{Symbol: "SPY_SHORT", Quantity: 1}, {Symbol: "SPY_LONG", Quantity: 1},
		},
		orderResults: map[int]*broker.PlacedOrder{},
		placeSpread: func(broker.SpreadOrderRequest) (*broker.PlacedOrder, error) {
			return nil, errors.New("order rejected: market closed")
		},
		placeSingle: func(symbol, side string) (*broker.PlacedOrder, error) {
			id := 200
			if side == "sell_to_close" {
				id = 201
			}
			return &broker.PlacedOrder{ID: id, Status: model.OrderFilled, AvgFillPrice: 0.20}, nil
		},
	}
	eng := NewEngine(fb, s)

	out, err := eng.Run(ctx, now, trade, TriggerProfitTarget, defaultCfg())
	require.NoError(t, err)
	assert.True(t, out.Closed)

	reloaded, err := s.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, reloaded.Status)
}

func TestRun_ExhaustsToExitErrorWhenFallbackFails(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	trade := baseExitTrade(now)
	require.NoError(t, s.InsertTrade(ctx, trade))

	fb := &fakeExitBroker{
		chain: sampleChain(),
		positions: []model.PortfolioPosition{
			{Symbol: "SPY_SHORT", Quantity: 1}, {Symbol: "SPY_LONG", Quantity: 1},
		},
		orderResults: map[int]*broker.PlacedOrder{},
		placeSpread: func(broker.SpreadOrderRequest) (*broker.PlacedOrder, error) {
			return nil, errors.New("order rejected: market closed")
		},
		placeSingle: func(symbol, side string) (*broker.PlacedOrder, error) {
			return nil, errors.New("broker unavailable")
		},
	}
	eng := NewEngine(fb, s)

	out, err := eng.Run(ctx, now, trade, TriggerProfitTarget, defaultCfg())
	require.NoError(t, err)
	assert.False(t, out.Closed)

	reloaded, err := s.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExitError, reloaded.Status)
	assert.Equal(t, model.ExitReasonMaxExitAttempts, reloaded.ExitReason)
}

func TestRun_BrokerAlreadyFlatUsesGainLossWhenAvailable(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	trade := baseExitTrade(now)
	require.NoError(t, s.InsertTrade(ctx, trade))

	fb := &fakeExitBroker{
		chain:     sampleChain(),
		positions: nil, // broker already flat
		gainLoss: []broker.GainLossEntry{
			{Symbol: "SPY_SHORT", ProceedsPnL: 40},
			{Symbol: "SPY_LONG", ProceedsPnL: 15},
		},
		orderResults: map[int]*broker.PlacedOrder{},
	}
	eng := NewEngine(fb, s)

	out, err := eng.Run(ctx, now, trade, TriggerProfitTarget, defaultCfg())
	require.NoError(t, err)
	assert.True(t, out.Closed)
	assert.Equal(t, string(model.ExitReasonBrokerAlreadyFlat), out.Reason)

	reloaded, err := s.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, reloaded.Status)
	require.NotNil(t, reloaded.RealizedPnL)
	assert.InDelta(t, 55, *reloaded.RealizedPnL, 0.01)
}

func TestRun_BrokerAlreadyFlatFallsBackToMaxProfitEstimate(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	trade := baseExitTrade(now)
	require.NoError(t, s.InsertTrade(ctx, trade))

	fb := &fakeExitBroker{
		chain:        sampleChain(),
		positions:    nil,
		gainLoss:     nil,
		orderResults: map[int]*broker.PlacedOrder{},
	}
	eng := NewEngine(fb, s)

	out, err := eng.Run(ctx, now, trade, TriggerProfitTarget, defaultCfg())
	require.NoError(t, err)
	assert.True(t, out.Closed)

	reloaded, err := s.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.ExitPrice)
	assert.InDelta(t, 0, *reloaded.ExitPrice, 0.001, "credit spread max-profit scenario is a 0 exit price")
	assert.Nil(t, reloaded.RealizedPnL, "estimated exit must not synthesize realized PnL")
}

func TestRun_ReentryFromExitErrorClosesTrade(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	trade := baseExitTrade(now)
	trade.Status = model.StatusExitError
	trade.ExitReason = model.ExitReasonMaxExitAttempts
	require.NoError(t, s.InsertTrade(ctx, trade))

	fb := &fakeExitBroker{
		chain: sampleChain(),
		positions: []model.PortfolioPosition{
			{Symbol: "SPY_SHORT", Quantity: 1}, {Symbol: "SPY_LONG", Quantity: 1},
		},
		orderResults: map[int]*broker.PlacedOrder{},
		placeSpread: func(broker.SpreadOrderRequest) (*broker.PlacedOrder, error) {
			return &broker.PlacedOrder{ID: 5, Status: model.OrderFilled, AvgFillPrice: 0.25}, nil
		},
	}
	eng := NewEngine(fb, s)

	out, err := eng.Run(ctx, now, trade, TriggerProfitTarget, defaultCfg())
	require.NoError(t, err)
	assert.True(t, out.Closed)
}

func TestFinalizePending_ClosesTradeFromSyncedFill(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	trade := baseExitTrade(now)
	trade.Status = model.StatusClosingPending
	require.NoError(t, s.InsertTrade(ctx, trade))

	p := &model.Proposal{
		ID: "p1", Underlying: "SPY", Expiration: trade.Expiration,
		ShortStrike: 440, LongStrike: 435, Width: 5, Quantity: 1,
		Strategy: model.BullPutCredit, Status: model.ProposalReady, CreatedAt: now,
	}
	_, err = s.InsertProposalIfNoneOutstanding(ctx, p)
	require.NoError(t, err)
	require.NoError(t, s.InsertOrder(ctx, &model.Order{
		ID: "o-exit", ProposalID: "p1", TradeID: trade.ID, ClientOrderID: "gekkoworks-close-x-0001",
		Side: model.OrderSideExit, Status: model.OrderFilled, AvgFillPrice: 0.25,
		CreatedAt: now, UpdatedAt: now,
	}))

	eng := NewEngine(&fakeExitBroker{orderResults: map[int]*broker.PlacedOrder{}}, s)
	out, err := eng.FinalizePending(ctx, now, trade)
	require.NoError(t, err)
	assert.True(t, out.Closed)

	reloaded, err := s.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, reloaded.Status)
	require.NotNil(t, reloaded.ExitPrice)
	assert.InDelta(t, 0.25, *reloaded.ExitPrice, 0.001)
}

func TestFinalizePending_NoFilledExitOrderIsNoop(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	trade := baseExitTrade(now)
	trade.Status = model.StatusClosingPending
	require.NoError(t, s.InsertTrade(ctx, trade))

	eng := NewEngine(&fakeExitBroker{orderResults: map[int]*broker.PlacedOrder{}}, s)
	out, err := eng.FinalizePending(ctx, now, trade)
	require.NoError(t, err)
	assert.False(t, out.Closed)

	reloaded, err := s.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosingPending, reloaded.Status)
}

func TestMaxProfitExitPrice(t *testing.T) {
	assert.Equal(t, 0.0, maxProfitExitPrice(model.BullPutCredit, 5))
	assert.Equal(t, 5.0, maxProfitExitPrice(model.BullCallDebit, 5))
}

func TestCloseSidesFor(t *testing.T) {
	shortSide, longSide := closeSidesFor(model.BullPutCredit)
	assert.Equal(t, "buy_to_close", shortSide)
	assert.Equal(t, "sell_to_close", longSide)
}

func TestSpreadCloseRequest_CreditPutsShortLegFirst(t *testing.T) {
	chain := sampleChain()
	req := spreadCloseRequest(model.BullPutCredit, chain[0], chain[1], 1, 0.5, "coid", "day")
	assert.Equal(t, chain[0].Symbol, req.Legs[0].OptionSymbol)
	assert.True(t, req.IsExit)
}

func TestSpreadCloseRequest_DebitPutsLongLegFirst(t *testing.T) {
	chain := sampleChain()
	req := spreadCloseRequest(model.BullCallDebit, chain[0], chain[1], 1, 0.5, "coid", "day")
	assert.Equal(t, chain[1].Symbol, req.Legs[0].OptionSymbol)
}
