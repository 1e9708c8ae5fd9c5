// Package sync implements the Sync Engine: the component every Trade
// Cycle and Monitor Cycle invocation runs first, fetching positions,
// orders, and balances from the Broker Gateway and overwriting the
// Persistence Layer's mirror of broker-side truth.
//
// Orders are matched to trades by the explicit client_order_id link
// recorded on the Order table at placement time rather than by
// strike-pair inference, which makes matching deterministic for orders
// placed by this engine. Positions, orders, and balances each follow
// the same fetch-then-mirror idiom, fanned out in parallel with
// golang.org/x/sync/errgroup.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gekkoworks/spreadengine/internal/broker"
	"github.com/gekkoworks/spreadengine/internal/engineerr"
	"github.com/gekkoworks/spreadengine/internal/model"
	"github.com/gekkoworks/spreadengine/internal/store"
)

// Freshness stream names for IsFresh.
const (
	StreamPositions = "positions"
	StreamOrders    = "orders"
	StreamBalances  = "balances"
)

const (
	keyLastPositionsSync = "SYNC_LAST_POSITIONS_AT"
	keyLastOrdersSync    = "SYNC_LAST_ORDERS_AT"
	keyLastBalancesSync  = "SYNC_LAST_BALANCES_AT"
)

// Engine is the Sync Engine. It depends only on the Broker Gateway and
// the Persistence Layer; it has no knowledge of proposals, scoring, or
// the exit ladder.
type Engine struct {
	broker      broker.Broker
	store       *store.Store
	orderWindow time.Duration
}

// NewEngine builds a Sync Engine. orderWindow is the ORDER_SYNC_WINDOW_DAYS
// lookback; a non-positive value defaults to 7 days.
func NewEngine(b broker.Broker, s *store.Store, orderWindow time.Duration) *Engine {
	if orderWindow <= 0 {
		orderWindow = 7 * 24 * time.Hour
	}
	return &Engine{broker: b, store: s, orderWindow: orderWindow}
}

// Result is everything one Sync call fetched and persisted, handed back
// to the caller so the Monitor Cycle's quantity-drift reconciliation and
// the Proposal/Entry Engines' freshness checks don't have to re-fetch.
type Result struct {
	Positions []model.PortfolioPosition
	Orders    []broker.PlacedOrder
	Balance   broker.BalanceSnapshot
	SyncedAt  time.Time
}

// Sync fans the three independent broker reads out in parallel, then
// overwrites the Persistence Layer's mirrors. Any fetch failure aborts
// the whole sync and returns an error wrapping engineerr.ErrTransient;
// callers (the Cycle Schedulers) must abort the entire cycle on this.
func (e *Engine) Sync(ctx context.Context, now time.Time) (*Result, error) {
	var positions []model.PortfolioPosition
	var orders []broker.PlacedOrder
	var balance broker.BalanceSnapshot

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if positions, err = e.broker.GetPositions(gctx); err != nil {
			return fmt.Errorf("positions: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if orders, err = e.broker.GetAllOrders(gctx, now.Add(-e.orderWindow), now); err != nil {
			return fmt.Errorf("orders: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if balance, err = e.broker.GetBalances(gctx); err != nil {
			return fmt.Errorf("balances: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("sync: %w: %v", engineerr.ErrTransient, err)
	}

	snapshotID := uuid.NewString()
	for i := range positions {
		positions[i].SnapshotID = snapshotID
		positions[i].UpdatedAt = now
	}
	if err := e.store.ReplacePortfolioPositions(ctx, snapshotID, positions); err != nil {
		return nil, fmt.Errorf("sync: persisting positions: %w", err)
	}
	if err := e.store.SetTime(ctx, keyLastPositionsSync, now); err != nil {
		return nil, fmt.Errorf("sync: recording positions freshness: %w", err)
	}

	if err := e.store.RecordAccountSnapshot(ctx, store.AccountSnapshot{
		Cash:              balance.Cash,
		BuyingPower:       balance.BuyingPower,
		Equity:            balance.Equity,
		MarginRequirement: balance.MarginRequirement,
		CreatedAt:         now,
	}); err != nil {
		return nil, fmt.Errorf("sync: persisting balance snapshot: %w", err)
	}
	if err := e.store.SetTime(ctx, keyLastBalancesSync, now); err != nil {
		return nil, fmt.Errorf("sync: recording balances freshness: %w", err)
	}

	if err := e.reconcileOrders(ctx, orders, now); err != nil {
		return nil, fmt.Errorf("sync: reconciling orders: %w", err)
	}
	if err := e.store.SetTime(ctx, keyLastOrdersSync, now); err != nil {
		return nil, fmt.Errorf("sync: recording orders freshness: %w", err)
	}

	return &Result{Positions: positions, Orders: orders, Balance: balance, SyncedAt: now}, nil
}

// SyncOrdersOnly runs just the order-sync-and-reconcile pass, used by
// the Orphan Cleanup cycle. It does not touch positions or balances.
func (e *Engine) SyncOrdersOnly(ctx context.Context, now time.Time) error {
	orders, err := e.broker.GetAllOrders(ctx, now.Add(-e.orderWindow), now)
	if err != nil {
		return fmt.Errorf("sync: %w: orphan cleanup orders fetch: %v", engineerr.ErrTransient, err)
	}
	if err := e.reconcileOrders(ctx, orders, now); err != nil {
		return fmt.Errorf("sync: orphan cleanup reconcile: %w", err)
	}
	return e.store.SetTime(ctx, keyLastOrdersSync, now)
}

// IsFresh reports whether stream's last successful sync is within
// maxAge of now, consulted by auto-mode readiness checks.
func (e *Engine) IsFresh(ctx context.Context, stream string, maxAge time.Duration, now time.Time) (bool, error) {
	key, ok := freshnessKey(stream)
	if !ok {
		return false, fmt.Errorf("sync: unknown freshness stream %q", stream)
	}
	t, ok, err := e.store.GetTime(ctx, key)
	if err != nil {
		return false, fmt.Errorf("sync: reading %s freshness: %w", stream, err)
	}
	if !ok {
		return false, nil
	}
	return now.Sub(t) <= maxAge, nil
}

// LastSyncedAt returns stream's last successful sync timestamp, for
// the operator-status surface's per-stream freshness display.
func (e *Engine) LastSyncedAt(ctx context.Context, stream string) (time.Time, bool, error) {
	key, ok := freshnessKey(stream)
	if !ok {
		return time.Time{}, false, fmt.Errorf("sync: unknown freshness stream %q", stream)
	}
	t, ok, err := e.store.GetTime(ctx, key)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("sync: reading %s freshness: %w", stream, err)
	}
	return t, ok, nil
}

func freshnessKey(stream string) (string, bool) {
	switch stream {
	case StreamPositions:
		return keyLastPositionsSync, true
	case StreamOrders:
		return keyLastOrdersSync, true
	case StreamBalances:
		return keyLastBalancesSync, true
	default:
		return "", false
	}
}

// ReconcileTradeQuantities scales quantity, max_profit, and max_loss on
// every OPEN trade to match the broker-held leg quantities in mirror,
// proportionally rather than recomputing from scratch. Called by the Monitor Cycle immediately after a
// successful Sync, before the exit ladder evaluates any trade.
func (e *Engine) ReconcileTradeQuantities(ctx context.Context, mirror []model.PortfolioPosition, now time.Time) error {
	trades, err := e.store.ListOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("sync: loading open trades for quantity reconciliation: %w", err)
	}
	for _, t := range trades {
		newQty, ok := mirrorQuantity(t, mirror)
		if !ok || newQty <= 0 || newQty == t.Quantity {
			continue
		}
		scale := float64(newQty) / float64(t.Quantity)
		t.Quantity = newQty
		t.MaxProfit *= scale
		t.MaxLoss *= scale
		t.LastCheckedAt = now
		if err := e.store.UpdateTrade(ctx, t); err != nil {
			return fmt.Errorf("sync: persisting quantity drift for trade %s: %w", t.ID, err)
		}
	}
	return nil
}
