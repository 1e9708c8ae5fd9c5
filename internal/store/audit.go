package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// BrokerEvent is one logged outbound broker call, used for the audit
// trail the Broker Gateway requires around every order placement and
// cancellation attempt.
type BrokerEvent struct {
	Op         string
	Symbol     string
	OrderID    string
	StatusCode int
	OK         bool
	Duration   time.Duration
	Mode       string
	Strategy   string
	ErrorText  string
	CreatedAt  time.Time
}

// RecordBrokerEvent appends one broker_events row. Append-only: nothing
// in this package ever updates or deletes a row here.
func (s *Store) RecordBrokerEvent(ctx context.Context, e BrokerEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broker_events (
			op, symbol, order_id, status_code, ok, duration_ms, mode, strategy, error_text, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.Op, e.Symbol, e.OrderID, e.StatusCode, e.OK, e.Duration.Milliseconds(), e.Mode, e.Strategy, e.ErrorText,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: recording broker event: %w", err)
	}
	return nil
}

// SystemLogEntry is one operator-facing structured log line persisted
// for post-hoc review via enginectl audit-dump, independent of the
// process's own stderr logging.
type SystemLogEntry struct {
	Type      string
	Message   string
	Details   map[string]any
	CreatedAt time.Time
}

// RecordSystemLog appends one system_logs row.
func (s *Store) RecordSystemLog(ctx context.Context, e SystemLogEntry) error {
	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("store: marshaling system log details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO system_logs (type, message, details_json, created_at) VALUES (?,?,?,?)`,
		e.Type, e.Message, string(detailsJSON), formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: recording system log: %w", err)
	}
	return nil
}

// RecentSystemLogs returns the most recent n system_logs rows, newest
// first, for enginectl's audit-dump.
func (s *Store) RecentSystemLogs(ctx context.Context, n int) ([]SystemLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, message, details_json, created_at
		FROM system_logs ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: listing system logs: %w", err)
	}
	defer rows.Close()

	var out []SystemLogEntry
	for rows.Next() {
		var e SystemLogEntry
		var detailsJSON, createdAt string
		if err := rows.Scan(&e.Type, &e.Message, &detailsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scanning system log: %w", err)
		}
		if err := json.Unmarshal([]byte(detailsJSON), &e.Details); err != nil {
			return nil, fmt.Errorf("store: unmarshaling system log details: %w", err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("store: parsing system log created_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
