package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/gekkoworks/spreadengine/internal/model"
)

// InsertProposalIfNoneOutstanding persists p as READY unless a proposal
// already exists in READY status for the same (underlying, expiration,
// strategy) bucket, enforcing the Proposal Engine's
// single-outstanding-proposal invariant via a transactional existence
// check plus insert. Returns (false, nil) if an outstanding proposal
// already exists.
func (s *Store) InsertProposalIfNoneOutstanding(ctx context.Context, p *model.Proposal) (bool, error) {
	kind := p.Kind
	if kind == "" {
		kind = model.ProposalKindEntry
	}
	inserted := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var count int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM proposals
			WHERE underlying=? AND expiration=? AND strategy=? AND status='READY'`,
			p.Underlying, formatDate(p.Expiration), string(p.Strategy),
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking outstanding proposals: %w", err)
		}
		if count > 0 {
			return nil
		}

		componentsJSON, err := json.Marshal(p.ComponentScores)
		if err != nil {
			return fmt.Errorf("marshaling component scores: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO proposals (
				id, underlying, expiration, short_strike, long_strike, width,
				quantity, strategy, credit_target, composite_score,
				component_scores_json, ev_estimate, kind, linked_trade_id,
				client_order_id, status, reason, created_at
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			p.ID, p.Underlying, formatDate(p.Expiration), p.ShortStrike, p.LongStrike, p.Width,
			p.Quantity, string(p.Strategy), p.CreditTarget, p.CompositeScore,
			string(componentsJSON), p.EVEstimate, string(kind), p.LinkedTradeID,
			p.ClientOrderID, string(p.Status), p.Reason, formatTime(p.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting proposal: %w", err)
		}
		inserted = true
		return nil
	})
	return inserted, err
}

// UpdateProposalStatus transitions a proposal to CONSUMED or
// INVALIDATED, recording reason. Transitions are terminal;
// callers must not call this on an already-terminal proposal.
func (s *Store) UpdateProposalStatus(ctx context.Context, id string, status model.ProposalStatus, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET status=?, reason=? WHERE id=? AND status='READY'`,
		string(status), reason, id,
	)
	if err != nil {
		return fmt.Errorf("store: updating proposal %s status: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("store: proposal %s not found or not READY", id)
	}
	return nil
}

// GetProposal loads a single proposal by id.
func (s *Store) GetProposal(ctx context.Context, id string) (*model.Proposal, error) {
	row := s.db.QueryRowContext(ctx, proposalSelect+" WHERE id=?", id)
	return scanProposal(row)
}

// ListReadyProposals loads every proposal awaiting entry.
func (s *Store) ListReadyProposals(ctx context.Context) ([]*model.Proposal, error) {
	rows, err := s.db.QueryContext(ctx, proposalSelect+" WHERE status='READY' ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("store: listing ready proposals: %w", err)
	}
	defer rows.Close()
	return scanProposals(rows)
}

const proposalSelect = `SELECT
	id, underlying, expiration, short_strike, long_strike, width, quantity,
	strategy, credit_target, composite_score, component_scores_json,
	ev_estimate, kind, linked_trade_id, client_order_id, status, reason, created_at
	FROM proposals`

func scanProposal(row rowScanner) (*model.Proposal, error) {
	var p model.Proposal
	var expiration, componentsJSON, strategy, kind, status, createdAt string

	err := row.Scan(
		&p.ID, &p.Underlying, &expiration, &p.ShortStrike, &p.LongStrike, &p.Width, &p.Quantity,
		&strategy, &p.CreditTarget, &p.CompositeScore, &componentsJSON,
		&p.EVEstimate, &kind, &p.LinkedTradeID, &p.ClientOrderID, &status, &p.Reason, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning proposal: %w", err)
	}

	p.Strategy = model.Strategy(strategy)
	p.Kind = model.ProposalKind(kind)
	p.Status = model.ProposalStatus(status)

	if p.Expiration, err = parseDate(expiration); err != nil {
		return nil, fmt.Errorf("store: parsing proposal expiration: %w", err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("store: parsing proposal created_at: %w", err)
	}
	if err := json.Unmarshal([]byte(componentsJSON), &p.ComponentScores); err != nil {
		return nil, fmt.Errorf("store: unmarshaling component scores: %w", err)
	}
	return &p, nil
}

func scanProposals(rows *sql.Rows) ([]*model.Proposal, error) {
	var out []*model.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
