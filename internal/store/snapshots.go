package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AccountSnapshot is one point-in-time read of broker account balances.
type AccountSnapshot struct {
	Cash              float64
	BuyingPower       float64
	Equity            float64
	MarginRequirement float64
	CreatedAt         time.Time
}

// RecordAccountSnapshot appends one account_snapshots row.
func (s *Store) RecordAccountSnapshot(ctx context.Context, a AccountSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_snapshots (cash, buying_power, equity, margin_requirement, created_at)
		VALUES (?,?,?,?,?)`,
		a.Cash, a.BuyingPower, a.Equity, a.MarginRequirement, formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: recording account snapshot: %w", err)
	}
	return nil
}

// LatestAccountSnapshot returns the most recent balance read, used by
// the operator-status surface.
func (s *Store) LatestAccountSnapshot(ctx context.Context) (*AccountSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cash, buying_power, equity, margin_requirement, created_at
		FROM account_snapshots ORDER BY id DESC LIMIT 1`)

	var a AccountSnapshot
	var createdAt string
	err := row.Scan(&a.Cash, &a.BuyingPower, &a.Equity, &a.MarginRequirement, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading latest account snapshot: %w", err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("store: parsing account snapshot created_at: %w", err)
	}
	return &a, nil
}

// DailySummary is one trading day's rollup.
type DailySummary struct {
	TradingDay   time.Time
	RealizedPnL  float64
	TradesOpened int
	TradesClosed int
	Wins         int
	Losses       int
}

// UpsertDailySummary writes or replaces the rollup for one trading day.
func (s *Store) UpsertDailySummary(ctx context.Context, d DailySummary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_summaries (trading_day, realized_pnl, trades_opened, trades_closed, wins, losses)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(trading_day) DO UPDATE SET
			realized_pnl=excluded.realized_pnl,
			trades_opened=excluded.trades_opened,
			trades_closed=excluded.trades_closed,
			wins=excluded.wins,
			losses=excluded.losses`,
		formatDate(d.TradingDay), d.RealizedPnL, d.TradesOpened, d.TradesClosed, d.Wins, d.Losses,
	)
	if err != nil {
		return fmt.Errorf("store: upserting daily summary: %w", err)
	}
	return nil
}

// GetDailySummary loads the rollup for one trading day, if recorded.
func (s *Store) GetDailySummary(ctx context.Context, day time.Time) (*DailySummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT trading_day, realized_pnl, trades_opened, trades_closed, wins, losses
		FROM daily_summaries WHERE trading_day = ?`, formatDate(day))

	var d DailySummary
	var tradingDay string
	err := row.Scan(&tradingDay, &d.RealizedPnL, &d.TradesOpened, &d.TradesClosed, &d.Wins, &d.Losses)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading daily summary: %w", err)
	}
	if d.TradingDay, err = parseDate(tradingDay); err != nil {
		return nil, fmt.Errorf("store: parsing daily summary trading_day: %w", err)
	}
	return &d, nil
}
