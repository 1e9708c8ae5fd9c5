package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gekkoworks/spreadengine/internal/model"
)

// InsertOrder persists a new locally-tracked order. proposal_id is
// NOT NULL by schema constraint; trade_id may be empty
// until the fill links it.
func (s *Store) InsertOrder(ctx context.Context, o *model.Order) error {
	if o.ProposalID == "" {
		return fmt.Errorf("store: order %s has no proposal_id", o.ID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, proposal_id, trade_id, client_order_id, tradier_order_id,
			side, status, avg_fill_price, filled_quantity, remaining_quantity,
			snapshot_id, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.ProposalID, nullableID(o.TradeID), o.ClientOrderID, o.TradierOrderID,
		string(o.Side), string(o.Status), o.AvgFillPrice, o.FilledQuantity, o.RemainingQuantity,
		o.SnapshotID, formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: inserting order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateOrder overwrites an order's mutable fields (status, fill
// tracking, broker order id, trade linkage).
func (s *Store) UpdateOrder(ctx context.Context, o *model.Order) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			trade_id=?, tradier_order_id=?, status=?, avg_fill_price=?,
			filled_quantity=?, remaining_quantity=?, updated_at=?
		WHERE id=?`,
		nullableID(o.TradeID), o.TradierOrderID, string(o.Status), o.AvgFillPrice,
		o.FilledQuantity, o.RemainingQuantity, formatTime(o.UpdatedAt), o.ID,
	)
	if err != nil {
		return fmt.Errorf("store: updating order %s: %w", o.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("store: order %s not found", o.ID)
	}
	return nil
}

// GetOrder loads a single order by its local id.
func (s *Store) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.db.QueryRowContext(ctx, orderSelect+" WHERE id=?", id)
	return scanOrder(row)
}

// GetOrderByClientOrderID loads the local order carrying the given
// client_order_id, used by the Sync Engine to backfill tradier_order_id
// and reconcile status for an order this engine itself placed.
// Returns sql.ErrNoRows (unwrapped, so callers can errors.Is against
// it) when no local order carries that tag.
func (s *Store) GetOrderByClientOrderID(ctx context.Context, clientOrderID string) (*model.Order, error) {
	row := s.db.QueryRowContext(ctx, orderSelect+" WHERE client_order_id=?", clientOrderID)
	return scanOrder(row)
}

// ListOrdersByProposal loads every order back-linked to a proposal,
// used to verify the CONSUMED-implies-at-least-one-order invariant.
func (s *Store) ListOrdersByProposal(ctx context.Context, proposalID string) ([]*model.Order, error) {
	rows, err := s.db.QueryContext(ctx, orderSelect+" WHERE proposal_id=?", proposalID)
	if err != nil {
		return nil, fmt.Errorf("store: listing orders by proposal: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListOrdersByTrade loads every order linked to a trade (entry + any
// exit attempts).
func (s *Store) ListOrdersByTrade(ctx context.Context, tradeID string) ([]*model.Order, error) {
	rows, err := s.db.QueryContext(ctx, orderSelect+" WHERE trade_id=?", tradeID)
	if err != nil {
		return nil, fmt.Errorf("store: listing orders by trade: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

const orderSelect = `SELECT
	id, proposal_id, COALESCE(trade_id, ''), client_order_id, tradier_order_id,
	side, status, avg_fill_price, filled_quantity, remaining_quantity,
	snapshot_id, created_at, updated_at
	FROM orders`

func scanOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	var side, status, createdAt, updatedAt string

	err := row.Scan(
		&o.ID, &o.ProposalID, &o.TradeID, &o.ClientOrderID, &o.TradierOrderID,
		&side, &status, &o.AvgFillPrice, &o.FilledQuantity, &o.RemainingQuantity,
		&o.SnapshotID, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning order: %w", err)
	}
	o.Side = model.OrderSide(side)
	o.Status = model.OrderStatus(status)
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("store: parsing order created_at: %w", err)
	}
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("store: parsing order updated_at: %w", err)
	}
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]*model.Order, error) {
	var out []*model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullableID(id string) any {
	if id == "" {
		return nil
	}
	return id
}
