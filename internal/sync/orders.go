package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gekkoworks/spreadengine/internal/broker"
	"github.com/gekkoworks/spreadengine/internal/idgen"
	"github.com/gekkoworks/spreadengine/internal/lifecycle"
	"github.com/gekkoworks/spreadengine/internal/model"
)

// reconcileOrders maps broker order state onto the locally-tracked
// Order and Trade rows: entry-order fills transition a
// trade ENTRY_PENDING->OPEN; entry-order rejections/cancellations
// transition it to CANCELLED. Exit-order terminal statuses update the
// Order row only; finalizing a CLOSING_PENDING trade on fill is the
// Exit Engine's job, since only it
// holds the context (limit price ladder, retry count) to compute
// realized_pnl correctly.
func (e *Engine) reconcileOrders(ctx context.Context, orders []broker.PlacedOrder, now time.Time) error {
	ctrl := lifecycle.NewController()

	for _, bo := range orders {
		if bo.Tag == "" {
			// Untagged orders are not this engine's own, and with no
			// tag there is no way to map this order to a local Order
			// row at all.
			continue
		}

		local, err := e.store.GetOrderByClientOrderID(ctx, bo.Tag)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue // handled by the orphan pass below
			}
			return fmt.Errorf("looking up local order for tag %s: %w", bo.Tag, err)
		}

		orderDirty := local.TradierOrderID == 0
		local.TradierOrderID = bo.ID
		if local.Status != bo.Status {
			local.Status = bo.Status
			orderDirty = true
		}
		if local.AvgFillPrice != bo.AvgFillPrice || local.FilledQuantity != bo.FilledQuantity || local.RemainingQuantity != bo.RemainingQuantity {
			local.AvgFillPrice = bo.AvgFillPrice
			local.FilledQuantity = bo.FilledQuantity
			local.RemainingQuantity = bo.RemainingQuantity
			orderDirty = true
		}
		if orderDirty {
			local.UpdatedAt = now
			if err := e.store.UpdateOrder(ctx, local); err != nil {
				return fmt.Errorf("updating local order %s: %w", local.ID, err)
			}
		}

		if local.TradeID == "" {
			continue
		}
		trade, err := e.store.GetTrade(ctx, local.TradeID)
		if err != nil {
			return fmt.Errorf("loading trade %s for order reconciliation: %w", local.TradeID, err)
		}

		tradeDirty := false
		if local.Side == model.OrderSideEntry && trade.BrokerOrderIDOpen == "" {
			trade.BrokerOrderIDOpen = strconv.Itoa(bo.ID)
			tradeDirty = true
		}
		if local.Side == model.OrderSideExit && trade.BrokerOrderIDClose == "" {
			trade.BrokerOrderIDClose = strconv.Itoa(bo.ID)
			tradeDirty = true
		}

		if local.Side == model.OrderSideEntry && trade.Status == model.StatusEntryPending {
			switch bo.Status {
			case model.OrderFilled:
				trade.EntryPrice = bo.AvgFillPrice
				if err := ctrl.Transition(trade, model.StatusOpen, lifecycle.ConditionOrderFilled, now); err != nil {
					return fmt.Errorf("transitioning trade %s to OPEN: %w", trade.ID, err)
				}
				tradeDirty = true
			case model.OrderRejected, model.OrderCancelled:
				cond := lifecycle.ConditionOrderRejected
				if bo.Status == model.OrderCancelled {
					cond = lifecycle.ConditionOrderCancelled
				}
				if err := ctrl.Transition(trade, model.StatusCancelled, cond, now); err != nil {
					return fmt.Errorf("transitioning trade %s to CANCELLED: %w", trade.ID, err)
				}
				tradeDirty = true
			}
		}

		if tradeDirty {
			if err := e.store.UpdateTrade(ctx, trade); err != nil {
				return fmt.Errorf("persisting trade %s reconciliation: %w", trade.ID, err)
			}
		}
	}

	if err := e.backfillEntryOrderIDs(ctx, orders, now); err != nil {
		return err
	}
	return e.cancelTaggedOrphans(ctx, orders)
}

// backfillEntryOrderIDs links trades missing broker_order_id_open to
// tagged entry orders by recomputing the deterministic digest base
// from the trade's own fields (underlying, expiration, strategy,
// strikes, quantity) and matching it against each order's tag. This
// covers trades whose placement response was lost before the id
// committed locally.
func (e *Engine) backfillEntryOrderIDs(ctx context.Context, orders []broker.PlacedOrder, now time.Time) error {
	trades, err := e.store.ListTradesByStatus(ctx, model.StatusEntryPending, model.StatusOpen)
	if err != nil {
		return fmt.Errorf("loading trades for order-id backfill: %w", err)
	}
	for _, t := range trades {
		if t.BrokerOrderIDOpen != "" {
			continue
		}
		base := idgen.Base(idgen.PrefixEntry,
			t.Underlying, t.Expiration.Format("2006-01-02"), string(t.Strategy),
			fmt.Sprintf("%.2f", t.ShortStrike), fmt.Sprintf("%.2f", t.LongStrike), strconv.Itoa(t.Quantity),
		)
		for _, bo := range orders {
			if !strings.HasPrefix(bo.Tag, base) {
				continue
			}
			t.BrokerOrderIDOpen = strconv.Itoa(bo.ID)
			t.LastCheckedAt = now
			if err := e.store.UpdateTrade(ctx, t); err != nil {
				return fmt.Errorf("persisting order-id backfill for trade %s: %w", t.ID, err)
			}
			break
		}
	}
	return nil
}

// cancelTaggedOrphans cancels every non-terminal broker order carrying
// this engine's client-order-id prefix that has no matching local Order
// row: a process crash between order placement and the local insert
// committing, or a row pruned some other way. Untagged orphans are
// left alone: they belong to the operator or another tool.
func (e *Engine) cancelTaggedOrphans(ctx context.Context, orders []broker.PlacedOrder) error {
	for _, bo := range orders {
		if bo.Status.IsTerminal() {
			continue
		}
		if !idgen.HasPrefix(bo.Tag, idgen.PrefixEntry) && !idgen.HasPrefix(bo.Tag, idgen.PrefixClose) {
			continue
		}
		_, err := e.store.GetOrderByClientOrderID(ctx, bo.Tag)
		if err == nil {
			continue // known order, not orphaned
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking order %s for orphan status: %w", bo.Tag, err)
		}
		if err := e.broker.CancelOrder(ctx, bo.ID); err != nil {
			return fmt.Errorf("cancelling orphaned order %d (tag %s): %w", bo.ID, bo.Tag, err)
		}
	}
	return nil
}
