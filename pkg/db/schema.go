package db

import (
	"fmt"
	"strings"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS execution_targets (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    strategy TEXT NOT NULL,
    exchange TEXT NOT NULL,
    env TEXT NOT NULL,
    is_enabled INTEGER DEFAULT 1,
    max_leverage INTEGER DEFAULT 20,
    risk_limit_pct REAL DEFAULT 30,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(user_id, strategy, exchange, env),
    FOREIGN KEY(user_id) REFERENCES users(id)
);

-- One row per (user, strategy, side, exchange). Columns are nullable on
-- purpose: a row may override a single field and inherit the rest.
CREATE TABLE IF NOT EXISTS strategy_settings (
    user_id TEXT NOT NULL,
    strategy TEXT NOT NULL,
    side TEXT NOT NULL,
    exchange TEXT NOT NULL,
    percent REAL,
    sl_percent REAL,
    tp_percent REAL,
    leverage INTEGER,
    direction TEXT,
    order_type TEXT,
    limit_offset_pct REAL,
    use_atr INTEGER,
    atr_periods INTEGER,
    atr_multiplier_sl REAL,
    atr_trigger_pct REAL,
    atr_step_pct REAL,
    be_enabled INTEGER,
    be_trigger_pct REAL,
    be_offset_pct REAL,
    dca_enabled INTEGER,
    dca_pct_1 REAL,
    dca_pct_2 REAL,
    partial_tp_enabled INTEGER,
    ptp_1_trigger_pct REAL,
    ptp_1_close_pct REAL,
    ptp_2_trigger_pct REAL,
    ptp_2_close_pct REAL,
    max_positions INTEGER,
    coins_group TEXT,
    enabled INTEGER,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(user_id, strategy, side, exchange)
);

CREATE TABLE IF NOT EXISTS positions (
    user_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    account_type TEXT NOT NULL,
    exchange TEXT NOT NULL,
    side TEXT NOT NULL,
    size REAL NOT NULL,
    entry_price REAL NOT NULL,
    mark_price REAL DEFAULT 0,
    leverage INTEGER DEFAULT 1,
    unrealized_pnl REAL DEFAULT 0,
    stop_loss REAL DEFAULT 0,
    take_profit REAL DEFAULT 0,
    strategy TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'OPEN',
    be_armed INTEGER DEFAULT 0,
    atr_activated INTEGER DEFAULT 0,
    atr_last_stop_price REAL DEFAULT 0,
    dca_count INTEGER DEFAULT 0,
    ptp_step_1_done INTEGER DEFAULT 0,
    ptp_step_2_done INTEGER DEFAULT 0,
    trailing_active INTEGER DEFAULT 0,
    closing_since DATETIME,
    opened_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(user_id, symbol, account_type, exchange)
);

CREATE TABLE IF NOT EXISTS trade_archive (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    account_type TEXT NOT NULL,
    exchange TEXT NOT NULL,
    side TEXT NOT NULL,
    size REAL NOT NULL,
    entry_price REAL NOT NULL,
    exit_price REAL NOT NULL,
    realized_pnl REAL NOT NULL,
    leverage INTEGER DEFAULT 1,
    strategy TEXT NOT NULL,
    close_reason TEXT NOT NULL,
    opened_at DATETIME,
    closed_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_targets_user_strategy ON execution_targets(user_id, strategy);
CREATE INDEX IF NOT EXISTS idx_archive_user ON trade_archive(user_id, closed_at);
`

// Columns added after the initial schema; CREATE IF NOT EXISTS does not
// reach tables that already exist, so each is retried as an ALTER.
var columnMigrations = []string{
	`ALTER TABLE positions ADD COLUMN closing_since DATETIME`,
}

// ApplyMigrations creates tables when missing and backfills added columns.
func ApplyMigrations(d *Database) error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	for _, stmt := range columnMigrations {
		if _, err := d.DB.Exec(stmt); err != nil {
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("apply migration %q: %w", stmt, err)
		}
	}
	return nil
}
