package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekkoworks/spreadengine/internal/broker"
	"github.com/gekkoworks/spreadengine/internal/idgen"
	"github.com/gekkoworks/spreadengine/internal/model"
	"github.com/gekkoworks/spreadengine/internal/store"
)

type fakeBroker struct {
	positions    []model.PortfolioPosition
	positionsErr error
	orders       []broker.PlacedOrder
	ordersErr    error
	balances     broker.BalanceSnapshot
	cancelled    []int
}

func (f *fakeBroker) GetUnderlyingQuote(context.Context, string) (broker.Quote, error) {
	return broker.Quote{}, nil
}
func (f *fakeBroker) GetExpirations(context.Context, string) ([]string, error) { return nil, nil }
func (f *fakeBroker) GetOptionChain(context.Context, string, string) ([]broker.OptionLeg, error) {
	return nil, nil
}
func (f *fakeBroker) PlaceSpreadOrder(context.Context, broker.SpreadOrderRequest) (*broker.PlacedOrder, error) {
	return nil, nil
}
func (f *fakeBroker) PlaceSingleLegCloseOrder(context.Context, string, string, int, string) (*broker.PlacedOrder, error) {
	return nil, nil
}
func (f *fakeBroker) GetOrder(context.Context, int) (*broker.PlacedOrder, error) { return nil, nil }
func (f *fakeBroker) GetAllOrders(context.Context, time.Time, time.Time) ([]broker.PlacedOrder, error) {
	return f.orders, f.ordersErr
}
func (f *fakeBroker) GetOpenOrders(context.Context) ([]broker.PlacedOrder, error) { return nil, nil }
func (f *fakeBroker) CancelOrder(_ context.Context, id int) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}
func (f *fakeBroker) GetPositions(context.Context) ([]model.PortfolioPosition, error) {
	return f.positions, f.positionsErr
}
func (f *fakeBroker) GetBalances(context.Context) (broker.BalanceSnapshot, error) {
	return f.balances, nil
}
func (f *fakeBroker) GetGainLoss(context.Context, time.Time, time.Time) ([]broker.GainLossEntry, error) {
	return nil, nil
}
func (f *fakeBroker) GetHistoricalData(context.Context, string, time.Time, time.Time) ([]broker.HistoricalBar, error) {
	return nil, nil
}

var _ broker.Broker = (*fakeBroker)(nil)

func TestSync_PersistsPositionsOrdersAndBalances(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	fb := &fakeBroker{
		positions: []model.PortfolioPosition{
			{Symbol: "SPY240920P00440000", Underlying: "SPY", Strike: 440, Side: model.PositionShort, Quantity: 1},
		},
		balances: broker.BalanceSnapshot{Cash: 5000, Equity: 10000},
	}
	eng := NewEngine(fb, s, 7*24*time.Hour)

	now := time.Now()
	res, err := eng.Sync(context.Background(), now)
	require.NoError(t, err)
	assert.Len(t, res.Positions, 1)

	mirror, err := s.ListPortfolioPositions(context.Background())
	require.NoError(t, err)
	assert.Len(t, mirror, 1)

	snap, err := s.LatestAccountSnapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 5000.0, snap.Cash)

	fresh, err := eng.IsFresh(context.Background(), StreamPositions, time.Minute, now)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestSync_AbortsOnPositionsFailure(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	fb := &fakeBroker{positionsErr: errors.New("timeout")}
	eng := NewEngine(fb, s, 7*24*time.Hour)

	_, err = eng.Sync(context.Background(), time.Now())
	require.Error(t, err)

	fresh, err := eng.IsFresh(context.Background(), StreamPositions, time.Minute, time.Now())
	require.NoError(t, err)
	assert.False(t, fresh, "a failed sync must not record freshness")
}

func TestSync_RerunWithNoBrokerChangesIsIdempotent(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	fb := &fakeBroker{
		positions: []model.PortfolioPosition{
			{Symbol: "SPY240920P00440000", Underlying: "SPY", Strike: 440, Side: model.PositionShort, Quantity: 1},
		},
	}
	eng := NewEngine(fb, s, 7*24*time.Hour)

	now := time.Now()
	_, err = eng.Sync(context.Background(), now)
	require.NoError(t, err)
	first, err := s.ListPortfolioPositions(context.Background())
	require.NoError(t, err)

	_, err = eng.Sync(context.Background(), now.Add(time.Minute))
	require.NoError(t, err)
	second, err := s.ListPortfolioPositions(context.Background())
	require.NoError(t, err)

	require.Len(t, second, len(first))
	assert.Equal(t, first[0].Symbol, second[0].Symbol)
	assert.Equal(t, first[0].Quantity, second[0].Quantity)
}

func TestReconcileOrders_EntryFillOpensTrade(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	p := &model.Proposal{
		ID: "p1", Underlying: "SPY", Expiration: now.AddDate(0, 0, 30),
		ShortStrike: 440, LongStrike: 435, Width: 5, Quantity: 1,
		Strategy: model.BullPutCredit, Status: model.ProposalReady, CreatedAt: now,
	}
	_, err = s.InsertProposalIfNoneOutstanding(ctx, p)
	require.NoError(t, err)

	trade := &model.Trade{
		ID: "t1", ProposalID: "p1", Underlying: "SPY", Expiration: p.Expiration,
		ShortStrike: 440, LongStrike: 435, Width: 5, Quantity: 1,
		Strategy: model.BullPutCredit, Status: model.StatusEntryPending, CreatedAt: now,
	}
	require.NoError(t, s.InsertTrade(ctx, trade))

	order := &model.Order{
		ID: "o1", ProposalID: "p1", TradeID: "t1", ClientOrderID: "gekkoworks-entry-aaaa-0001",
		Side: model.OrderSideEntry, Status: model.OrderPlaced, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.InsertOrder(ctx, order))

	fb := &fakeBroker{orders: []broker.PlacedOrder{
		{ID: 777, Status: model.OrderFilled, AvgFillPrice: 0.82, Tag: "gekkoworks-entry-aaaa-0001"},
	}}
	eng := NewEngine(fb, s, 7*24*time.Hour)

	require.NoError(t, eng.reconcileOrders(ctx, fb.orders, now))

	reloadedTrade, err := s.GetTrade(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, reloadedTrade.Status)
	assert.InDelta(t, 0.82, reloadedTrade.EntryPrice, 0.001)
	assert.Equal(t, "777", reloadedTrade.BrokerOrderIDOpen)

	reloadedOrder, err := s.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, reloadedOrder.Status)
	assert.Equal(t, 777, reloadedOrder.TradierOrderID)
}

func TestReconcileOrders_EntryRejectionCancelsTrade(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	p := &model.Proposal{
		ID: "p1", Underlying: "SPY", Expiration: now.AddDate(0, 0, 30),
		Strategy: model.BullPutCredit, Status: model.ProposalReady, CreatedAt: now,
	}
	_, err = s.InsertProposalIfNoneOutstanding(ctx, p)
	require.NoError(t, err)

	trade := &model.Trade{
		ID: "t1", ProposalID: "p1", Underlying: "SPY", Expiration: p.Expiration,
		Strategy: model.BullPutCredit, Status: model.StatusEntryPending, CreatedAt: now,
	}
	require.NoError(t, s.InsertTrade(ctx, trade))

	order := &model.Order{
		ID: "o1", ProposalID: "p1", TradeID: "t1", ClientOrderID: "gekkoworks-entry-bbbb-0001",
		Side: model.OrderSideEntry, Status: model.OrderPlaced, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.InsertOrder(ctx, order))

	fb := &fakeBroker{orders: []broker.PlacedOrder{
		{ID: 888, Status: model.OrderRejected, RejectionText: "market closed", Tag: "gekkoworks-entry-bbbb-0001"},
	}}
	eng := NewEngine(fb, s, 7*24*time.Hour)
	require.NoError(t, eng.reconcileOrders(ctx, fb.orders, now))

	reloaded, err := s.GetTrade(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, reloaded.Status)
}

func TestReconcileOrders_CancelsTaggedOrphan(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	fb := &fakeBroker{orders: []broker.PlacedOrder{
		{ID: 999, Status: model.OrderPlaced, Tag: idgen.PrefixEntry + "-deadbeef-0001"},
	}}
	eng := NewEngine(fb, s, 7*24*time.Hour)
	require.NoError(t, eng.reconcileOrders(ctx, fb.orders, now))

	assert.Equal(t, []int{999}, fb.cancelled)
}

func TestReconcileOrders_LeavesUntaggedOrphansAlone(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	fb := &fakeBroker{orders: []broker.PlacedOrder{
		{ID: 1000, Status: model.OrderPlaced, Tag: ""},
	}}
	eng := NewEngine(fb, s, 7*24*time.Hour)
	require.NoError(t, eng.reconcileOrders(ctx, fb.orders, now))

	assert.Empty(t, fb.cancelled)
}

func TestReconcileOrders_BackfillsMissingEntryOrderID(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()
	exp := now.AddDate(0, 0, 30)

	p := &model.Proposal{
		ID: "p1", Underlying: "SPY", Expiration: exp,
		ShortStrike: 440, LongStrike: 435, Width: 5, Quantity: 1,
		Strategy: model.BullPutCredit, Status: model.ProposalReady, CreatedAt: now,
	}
	_, err = s.InsertProposalIfNoneOutstanding(ctx, p)
	require.NoError(t, err)

	trade := &model.Trade{
		ID: "t1", ProposalID: "p1", Underlying: "SPY", Expiration: exp,
		ShortStrike: 440, LongStrike: 435, Width: 5, Quantity: 1,
		Strategy: model.BullPutCredit, Status: model.StatusOpen, CreatedAt: now,
	}
	require.NoError(t, s.InsertTrade(ctx, trade))

	// The broker still knows the tag even though the local Order row
	// never committed; the digest base is reproducible from the trade.
	tag := idgen.ClientOrderID(idgen.PrefixEntry,
		"SPY", exp.Format("2006-01-02"), string(model.BullPutCredit), "440.00", "435.00", "1")
	fb := &fakeBroker{orders: []broker.PlacedOrder{
		{ID: 4242, Status: model.OrderFilled, AvgFillPrice: 0.82, Tag: tag},
	}}
	eng := NewEngine(fb, s, 7*24*time.Hour)
	require.NoError(t, eng.reconcileOrders(ctx, fb.orders, now))

	reloaded, err := s.GetTrade(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "4242", reloaded.BrokerOrderIDOpen)
	assert.Empty(t, fb.cancelled, "a filled order must not be treated as an orphan")
}

func TestReconcileTradeQuantities_ScalesProportionally(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()
	exp := now.AddDate(0, 0, 30)

	trade := &model.Trade{
		ID: "t1", ProposalID: "p1", Underlying: "SPY", Expiration: exp,
		ShortStrike: 440, LongStrike: 435, Width: 5, Quantity: 1,
		Strategy: model.BullPutCredit, Status: model.StatusOpen,
		MaxProfit: 85, MaxLoss: 415, CreatedAt: now,
	}
	require.NoError(t, s.InsertTrade(ctx, trade))

	mirror := []model.PortfolioPosition{
		{Underlying: "SPY", Expiration: exp, Strike: 440, Side: model.PositionShort, Quantity: 67},
		{Underlying: "SPY", Expiration: exp, Strike: 435, Side: model.PositionLong, Quantity: 67},
	}
	eng := NewEngine(&fakeBroker{}, s, 7*24*time.Hour)
	require.NoError(t, eng.ReconcileTradeQuantities(ctx, mirror, now))

	reloaded, err := s.GetTrade(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 67, reloaded.Quantity)
	assert.InDelta(t, 85*67, reloaded.MaxProfit, 0.01)
	assert.InDelta(t, 415*67, reloaded.MaxLoss, 0.01)
}

func TestReconcileTradeQuantities_NoopWhenUnchanged(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()
	exp := now.AddDate(0, 0, 30)

	trade := &model.Trade{
		ID: "t1", ProposalID: "p1", Underlying: "SPY", Expiration: exp,
		ShortStrike: 440, LongStrike: 435, Width: 5, Quantity: 2,
		Strategy: model.BullPutCredit, Status: model.StatusOpen,
		MaxProfit: 85, MaxLoss: 415, CreatedAt: now, LastCheckedAt: now,
	}
	require.NoError(t, s.InsertTrade(ctx, trade))

	mirror := []model.PortfolioPosition{
		{Underlying: "SPY", Expiration: exp, Strike: 440, Side: model.PositionShort, Quantity: 2},
		{Underlying: "SPY", Expiration: exp, Strike: 435, Side: model.PositionLong, Quantity: 2},
	}
	eng := NewEngine(&fakeBroker{}, s, 7*24*time.Hour)
	require.NoError(t, eng.ReconcileTradeQuantities(ctx, mirror, now))

	reloaded, err := s.GetTrade(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Quantity)
	assert.InDelta(t, 85.0, reloaded.MaxProfit, 0.01)
}
