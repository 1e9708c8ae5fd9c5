package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gekkoworks/spreadengine/internal/model"
)

// GetRiskState loads the singleton risk_state row, seeding a fresh
// NORMAL-mode row on first read.
func (s *Store) GetRiskState(ctx context.Context) (*model.RiskState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT system_mode, daily_realized_pnl, daily_new_trade_count,
			daily_new_risk_dollars, emergency_exit_count_today,
			per_symbol_risk_json, per_expiry_risk_json,
			COALESCE(last_proposal_run, ''), COALESCE(last_monitor_run, ''),
			COALESCE(last_orphan_run, ''), counters_day
		FROM risk_state WHERE id = 1`)

	rs, err := scanRiskState(row)
	if err == sql.ErrNoRows {
		rs = &model.RiskState{
			SystemMode:           model.SystemModeNormal,
			PerSymbolRiskDollars: map[string]float64{},
			PerExpiryRiskDollars: map[string]float64{},
		}
		if err := s.PutRiskState(ctx, rs); err != nil {
			return nil, fmt.Errorf("store: seeding initial risk state: %w", err)
		}
		return rs, nil
	}
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// PutRiskState overwrites the singleton risk_state row.
func (s *Store) PutRiskState(ctx context.Context, rs *model.RiskState) error {
	symJSON, err := json.Marshal(rs.PerSymbolRiskDollars)
	if err != nil {
		return fmt.Errorf("store: marshaling per-symbol risk: %w", err)
	}
	expJSON, err := json.Marshal(rs.PerExpiryRiskDollars)
	if err != nil {
		return fmt.Errorf("store: marshaling per-expiry risk: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_state (
			id, system_mode, daily_realized_pnl, daily_new_trade_count,
			daily_new_risk_dollars, emergency_exit_count_today,
			per_symbol_risk_json, per_expiry_risk_json,
			last_proposal_run, last_monitor_run, last_orphan_run, counters_day
		) VALUES (1, ?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			system_mode=excluded.system_mode,
			daily_realized_pnl=excluded.daily_realized_pnl,
			daily_new_trade_count=excluded.daily_new_trade_count,
			daily_new_risk_dollars=excluded.daily_new_risk_dollars,
			emergency_exit_count_today=excluded.emergency_exit_count_today,
			per_symbol_risk_json=excluded.per_symbol_risk_json,
			per_expiry_risk_json=excluded.per_expiry_risk_json,
			last_proposal_run=excluded.last_proposal_run,
			last_monitor_run=excluded.last_monitor_run,
			last_orphan_run=excluded.last_orphan_run,
			counters_day=excluded.counters_day`,
		string(rs.SystemMode), rs.DailyRealizedPnL, rs.DailyNewTradeCount,
		rs.DailyNewRiskDollars, rs.EmergencyExitCountToday,
		string(symJSON), string(expJSON),
		zeroableTime(rs.LastProposalRun), zeroableTime(rs.LastMonitorRun),
		zeroableTime(rs.LastOrphanRun), rs.CountersDay,
	)
	if err != nil {
		return fmt.Errorf("store: writing risk state: %w", err)
	}
	return nil
}

func scanRiskState(row rowScanner) (*model.RiskState, error) {
	var rs model.RiskState
	var systemMode, symJSON, expJSON, lastProposal, lastMonitor, lastOrphan string

	err := row.Scan(
		&systemMode, &rs.DailyRealizedPnL, &rs.DailyNewTradeCount,
		&rs.DailyNewRiskDollars, &rs.EmergencyExitCountToday,
		&symJSON, &expJSON, &lastProposal, &lastMonitor, &lastOrphan, &rs.CountersDay,
	)
	if err != nil {
		return nil, err
	}
	rs.SystemMode = model.SystemMode(systemMode)

	if err := json.Unmarshal([]byte(symJSON), &rs.PerSymbolRiskDollars); err != nil {
		return nil, fmt.Errorf("store: unmarshaling per-symbol risk: %w", err)
	}
	if err := json.Unmarshal([]byte(expJSON), &rs.PerExpiryRiskDollars); err != nil {
		return nil, fmt.Errorf("store: unmarshaling per-expiry risk: %w", err)
	}
	if t, err := parseTimePtr(lastProposal); err == nil && t != nil {
		rs.LastProposalRun = *t
	}
	if t, err := parseTimePtr(lastMonitor); err == nil && t != nil {
		rs.LastMonitorRun = *t
	}
	if t, err := parseTimePtr(lastOrphan); err == nil && t != nil {
		rs.LastOrphanRun = *t
	}
	return &rs, nil
}

// zeroableTime stores a zero time.Time as SQL NULL rather than the
// formatted zero value, so GetRiskState can distinguish "never run"
// from an actual timestamp.
func zeroableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}
