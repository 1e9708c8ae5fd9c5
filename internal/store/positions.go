package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gekkoworks/spreadengine/internal/model"
)

// ReplacePortfolioPositions overwrites the entire portfolio mirror with
// positions under a new snapshot id, then drops every row from prior
// snapshots. The broker is canonical: the
// mirror never accumulates stale legs between syncs, and a reader never
// observes a half-written snapshot because the swap runs in one
// transaction.
func (s *Store) ReplacePortfolioPositions(ctx context.Context, snapshotID string, positions []model.PortfolioPosition) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range positions {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO portfolio_positions (
					symbol, underlying, expiration, option_type, strike, side,
					quantity, cost_basis_per_contract, last_price, bid, ask,
					snapshot_id, updated_at
				) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
				p.Symbol, p.Underlying, formatDate(p.Expiration), p.OptionType, p.Strike, string(p.Side),
				p.Quantity, p.CostBasisPerContract, p.LastPrice, p.Bid, p.Ask,
				snapshotID, formatTime(p.UpdatedAt),
			)
			if err != nil {
				return fmt.Errorf("inserting position %s: %w", p.Symbol, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM portfolio_positions WHERE snapshot_id != ?`, snapshotID); err != nil {
			return fmt.Errorf("pruning prior snapshots: %w", err)
		}
		return nil
	})
}

// ListPortfolioPositions loads the current (latest-snapshot) mirror.
func (s *Store) ListPortfolioPositions(ctx context.Context) ([]model.PortfolioPosition, error) {
	rows, err := s.db.QueryContext(ctx, positionSelect)
	if err != nil {
		return nil, fmt.Errorf("store: listing portfolio positions: %w", err)
	}
	defer rows.Close()

	var out []model.PortfolioPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const positionSelect = `SELECT
	symbol, underlying, expiration, option_type, strike, side,
	quantity, cost_basis_per_contract, last_price, bid, ask,
	snapshot_id, updated_at
	FROM portfolio_positions`

func scanPosition(row rowScanner) (model.PortfolioPosition, error) {
	var p model.PortfolioPosition
	var expiration, side, updatedAt string

	err := row.Scan(
		&p.Symbol, &p.Underlying, &expiration, &p.OptionType, &p.Strike, &side,
		&p.Quantity, &p.CostBasisPerContract, &p.LastPrice, &p.Bid, &p.Ask,
		&p.SnapshotID, &updatedAt,
	)
	if err != nil {
		return p, fmt.Errorf("store: scanning position: %w", err)
	}
	p.Side = model.PositionSide(side)
	if p.Expiration, err = parseDate(expiration); err != nil {
		return p, fmt.Errorf("store: parsing position expiration: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return p, fmt.Errorf("store: parsing position updated_at: %w", err)
	}
	return p, nil
}
