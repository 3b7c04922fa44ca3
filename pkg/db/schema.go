package db

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
    order_id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    exchange TEXT NOT NULL,
    direction TEXT NOT NULL,
    offset TEXT NOT NULL,
    volume_original INTEGER NOT NULL,
    volume_traded INTEGER DEFAULT 0,
    price REAL,
    price_type TEXT NOT NULL,
    status TEXT NOT NULL,
    status_msg TEXT,
    gateway_order_id TEXT,
    insert_time DATETIME DEFAULT CURRENT_TIMESTAMP,
    update_time DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trades (
    trade_id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    exchange TEXT NOT NULL,
    direction TEXT NOT NULL,
    offset TEXT NOT NULL,
    price REAL NOT NULL,
    volume INTEGER NOT NULL,
    trade_time DATETIME,
    trading_day TEXT,
    commission REAL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS order_cmds (
    cmd_id TEXT PRIMARY KEY,
    source_tag TEXT,
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    offset TEXT NOT NULL,
    target_volume INTEGER NOT NULL,
    filled_volume INTEGER DEFAULT 0,
    filled_price REAL DEFAULT 0,
    status TEXT NOT NULL,
    finish_reason TEXT,
    child_order_ids TEXT,
    created_at DATETIME,
    started_at DATETIME,
    finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS strategy_states (
    strategy_id TEXT PRIMARY KEY,
    state_data TEXT,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS system_params (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    grp TEXT DEFAULT '',
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// ApplyMigrations creates the schema if it does not exist yet.
func (d *Database) ApplyMigrations(ctx context.Context) error {
	if _, err := d.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
