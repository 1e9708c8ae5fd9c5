// Package store is the Persistence Layer: a typed query layer over a
// relational schema. No other package issues raw SQL.
//
// Crash safety follows the same discipline a flat-file store would
// need (never observe a half-written state), implemented here with
// real SQL transactions instead of atomic temp+fsync+rename, backed by
// modernc.org/sqlite, a pure-Go driver requiring no cgo toolchain.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Store wraps a *sql.DB with the typed query methods the rest of the
// engine depends on. All methods are safe for concurrent use; SQLite's
// own locking combined with Go's connection pool serializes writers.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the SQLite database at path and applies the
// schema. Pass ":memory:" for ephemeral/test databases.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	// SQLite allows only one writer at a time; a single connection
	// avoids SQLITE_BUSY errors under the engine's own serialization
	// discipline.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrating schema: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on success and
// rolling back on any error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	proposal_id TEXT,
	underlying TEXT NOT NULL,
	expiration TEXT NOT NULL,
	short_strike REAL NOT NULL,
	long_strike REAL NOT NULL,
	width REAL NOT NULL,
	quantity INTEGER NOT NULL,
	strategy TEXT NOT NULL,
	entry_price REAL NOT NULL DEFAULT 0,
	exit_price REAL,
	max_profit REAL NOT NULL DEFAULT 0,
	max_loss REAL NOT NULL DEFAULT 0,
	realized_pnl REAL,
	iv_entry REAL NOT NULL DEFAULT 0,
	max_seen_profit_fraction REAL NOT NULL DEFAULT 0,
	origin TEXT NOT NULL DEFAULT 'ENGINE',
	managed INTEGER NOT NULL DEFAULT 1,
	broker_order_id_open TEXT NOT NULL DEFAULT '',
	broker_order_id_close TEXT NOT NULL DEFAULT '',
	entry_limit_price REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL CHECK (status IN (
		'ENTRY_PENDING','OPEN','CLOSING_PENDING','CLOSED',
		'CANCELLED','CLOSE_FAILED','INVALID_STRUCTURE','EXIT_ERROR')),
	exit_reason TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	opened_at TEXT,
	closed_at TEXT,
	last_checked_at TEXT
);

CREATE TABLE IF NOT EXISTS proposals (
	id TEXT PRIMARY KEY,
	underlying TEXT NOT NULL,
	expiration TEXT NOT NULL,
	short_strike REAL NOT NULL,
	long_strike REAL NOT NULL,
	width REAL NOT NULL,
	quantity INTEGER NOT NULL,
	strategy TEXT NOT NULL,
	credit_target REAL NOT NULL DEFAULT 0,
	composite_score REAL NOT NULL DEFAULT 0,
	component_scores_json TEXT NOT NULL DEFAULT '{}',
	ev_estimate REAL NOT NULL DEFAULT 0,
	kind TEXT NOT NULL CHECK (kind IN ('ENTRY','EXIT')),
	linked_trade_id TEXT NOT NULL DEFAULT '',
	client_order_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK (status IN ('READY','INVALIDATED','CONSUMED')),
	reason TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	proposal_id TEXT NOT NULL REFERENCES proposals(id),
	trade_id TEXT,
	client_order_id TEXT NOT NULL UNIQUE,
	tradier_order_id INTEGER NOT NULL DEFAULT 0,
	side TEXT NOT NULL CHECK (side IN ('ENTRY','EXIT')),
	status TEXT NOT NULL CHECK (status IN ('PENDING','PLACED','PARTIAL','FILLED','CANCELLED','REJECTED')),
	avg_fill_price REAL NOT NULL DEFAULT 0,
	filled_quantity INTEGER NOT NULL DEFAULT 0,
	remaining_quantity INTEGER NOT NULL DEFAULT 0,
	snapshot_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS portfolio_positions (
	symbol TEXT NOT NULL,
	underlying TEXT NOT NULL,
	expiration TEXT NOT NULL,
	option_type TEXT NOT NULL,
	strike REAL NOT NULL,
	side TEXT NOT NULL CHECK (side IN ('long','short')),
	quantity REAL NOT NULL DEFAULT 0,
	cost_basis_per_contract REAL NOT NULL DEFAULT 0,
	last_price REAL NOT NULL DEFAULT 0,
	bid REAL NOT NULL DEFAULT 0,
	ask REAL NOT NULL DEFAULT 0,
	snapshot_id TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (symbol, snapshot_id)
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS risk_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	system_mode TEXT NOT NULL DEFAULT 'NORMAL',
	daily_realized_pnl REAL NOT NULL DEFAULT 0,
	daily_new_trade_count INTEGER NOT NULL DEFAULT 0,
	daily_new_risk_dollars REAL NOT NULL DEFAULT 0,
	emergency_exit_count_today INTEGER NOT NULL DEFAULT 0,
	per_symbol_risk_json TEXT NOT NULL DEFAULT '{}',
	per_expiry_risk_json TEXT NOT NULL DEFAULT '{}',
	last_proposal_run TEXT,
	last_monitor_run TEXT,
	last_orphan_run TEXT,
	counters_day TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS broker_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	op TEXT NOT NULL,
	symbol TEXT NOT NULL DEFAULT '',
	order_id TEXT NOT NULL DEFAULT '',
	status_code INTEGER NOT NULL DEFAULT 0,
	ok INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	mode TEXT NOT NULL DEFAULT '',
	strategy TEXT NOT NULL DEFAULT '',
	error_text TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS system_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	message TEXT NOT NULL,
	details_json TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS account_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cash REAL NOT NULL,
	buying_power REAL NOT NULL,
	equity REAL NOT NULL,
	margin_requirement REAL NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_summaries (
	trading_day TEXT PRIMARY KEY,
	realized_pnl REAL NOT NULL DEFAULT 0,
	trades_opened INTEGER NOT NULL DEFAULT 0,
	trades_closed INTEGER NOT NULL DEFAULT 0,
	wins INTEGER NOT NULL DEFAULT 0,
	losses INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
CREATE INDEX IF NOT EXISTS idx_proposals_bucket ON proposals(underlying, expiration, strategy, status);
CREATE INDEX IF NOT EXISTS idx_orders_trade ON orders(trade_id);
CREATE INDEX IF NOT EXISTS idx_portfolio_snapshot ON portfolio_positions(snapshot_id);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
