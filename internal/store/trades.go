package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gekkoworks/spreadengine/internal/model"
)

// InsertTrade persists a newly created trade, born ENTRY_PENDING with
// proposal_id set.
func (s *Store) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, proposal_id, underlying, expiration, short_strike, long_strike,
			width, quantity, strategy, entry_price, exit_price, max_profit,
			max_loss, realized_pnl, iv_entry, max_seen_profit_fraction, origin,
			managed, broker_order_id_open, broker_order_id_close, entry_limit_price,
			status, exit_reason, created_at, opened_at, closed_at, last_checked_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProposalID, t.Underlying, formatDate(t.Expiration), t.ShortStrike, t.LongStrike,
		t.Width, t.Quantity, string(t.Strategy), t.EntryPrice, t.ExitPrice, t.MaxProfit,
		t.MaxLoss, t.RealizedPnL, t.IVEntry, t.MaxSeenProfitFraction, string(t.Origin),
		t.Managed, t.BrokerOrderIDOpen, t.BrokerOrderIDClose, t.EntryLimitPrice,
		string(t.Status), string(t.ExitReason), formatTime(t.CreatedAt),
		formatTimePtr(t.OpenedAt), formatTimePtr(t.ClosedAt), formatTimePtr(&t.LastCheckedAt),
	)
	if err != nil {
		return fmt.Errorf("store: inserting trade %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTrade overwrites every mutable column of an existing trade row.
// The Lifecycle Controller is the only caller expected to change
// Status; all other fields may be updated by the Sync Engine's
// quantity-drift reconciliation or the Exit Engine.
func (s *Store) UpdateTrade(ctx context.Context, t *model.Trade) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trades SET
			proposal_id=?, short_strike=?, long_strike=?, width=?, quantity=?,
			entry_price=?, exit_price=?, max_profit=?, max_loss=?, realized_pnl=?,
			iv_entry=?, max_seen_profit_fraction=?, managed=?, broker_order_id_open=?,
			broker_order_id_close=?, entry_limit_price=?, status=?, exit_reason=?,
			opened_at=?, closed_at=?, last_checked_at=?
		WHERE id=?`,
		t.ProposalID, t.ShortStrike, t.LongStrike, t.Width, t.Quantity,
		t.EntryPrice, t.ExitPrice, t.MaxProfit, t.MaxLoss, t.RealizedPnL,
		t.IVEntry, t.MaxSeenProfitFraction, t.Managed, t.BrokerOrderIDOpen,
		t.BrokerOrderIDClose, t.EntryLimitPrice, string(t.Status), string(t.ExitReason),
		formatTimePtr(t.OpenedAt), formatTimePtr(t.ClosedAt), formatTimePtr(&t.LastCheckedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("store: updating trade %s: %w", t.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("store: trade %s not found", t.ID)
	}
	return nil
}

// GetTrade loads a single trade by id.
func (s *Store) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	row := s.db.QueryRowContext(ctx, tradeSelect+" WHERE id=?", id)
	return scanTrade(row)
}

// ListTradesByStatus loads every trade in one of the given statuses.
func (s *Store) ListTradesByStatus(ctx context.Context, statuses ...model.TradeStatus) ([]*model.Trade, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(statuses)
	rows, err := s.db.QueryContext(ctx, tradeSelect+" WHERE status IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing trades by status: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ListOpenTrades is a convenience wrapper for the Monitor Cycle's "every
// OPEN trade" pass.
func (s *Store) ListOpenTrades(ctx context.Context) ([]*model.Trade, error) {
	return s.ListTradesByStatus(ctx, model.StatusOpen)
}

const tradeSelect = `SELECT
	id, proposal_id, underlying, expiration, short_strike, long_strike,
	width, quantity, strategy, entry_price, exit_price, max_profit,
	max_loss, realized_pnl, iv_entry, max_seen_profit_fraction, origin,
	managed, broker_order_id_open, broker_order_id_close, entry_limit_price,
	status, exit_reason, created_at, opened_at, closed_at, last_checked_at
	FROM trades`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*model.Trade, error) {
	var t model.Trade
	var expiration, createdAt, openedAt, closedAt, lastChecked string
	var strategy, origin, status, exitReason string
	var exitPrice, realizedPnL sql.NullFloat64

	err := row.Scan(
		&t.ID, &t.ProposalID, &t.Underlying, &expiration, &t.ShortStrike, &t.LongStrike,
		&t.Width, &t.Quantity, &strategy, &t.EntryPrice, &exitPrice, &t.MaxProfit,
		&t.MaxLoss, &realizedPnL, &t.IVEntry, &t.MaxSeenProfitFraction, &origin,
		&t.Managed, &t.BrokerOrderIDOpen, &t.BrokerOrderIDClose, &t.EntryLimitPrice,
		&status, &exitReason, &createdAt, &openedAt, &closedAt, &lastChecked,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning trade: %w", err)
	}

	t.Strategy = model.Strategy(strategy)
	t.Origin = model.TradeOrigin(origin)
	t.Status = model.TradeStatus(status)
	t.ExitReason = model.ExitReason(exitReason)

	if t.Expiration, err = parseDate(expiration); err != nil {
		return nil, fmt.Errorf("store: parsing trade expiration: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("store: parsing trade created_at: %w", err)
	}
	if t.OpenedAt, err = parseTimePtr(openedAt); err != nil {
		return nil, fmt.Errorf("store: parsing trade opened_at: %w", err)
	}
	if t.ClosedAt, err = parseTimePtr(closedAt); err != nil {
		return nil, fmt.Errorf("store: parsing trade closed_at: %w", err)
	}
	if lc, err := parseTimePtr(lastChecked); err != nil {
		return nil, fmt.Errorf("store: parsing trade last_checked_at: %w", err)
	} else if lc != nil {
		t.LastCheckedAt = *lc
	}
	if exitPrice.Valid {
		v := exitPrice.Float64
		t.ExitPrice = &v
	}
	if realizedPnL.Valid {
		v := realizedPnL.Float64
		t.RealizedPnL = &v
	}
	return &t, nil
}

func scanTrades(rows *sql.Rows) ([]*model.Trade, error) {
	var out []*model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// inClause builds a "?,?,?" placeholder string and matching args slice
// for a variadic IN (...) clause over stringable values.
func inClause[T ~string](values []T) (string, []any) {
	placeholders := ""
	args := make([]any, len(values))
	for i, v := range values {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = string(v)
	}
	return placeholders, args
}
