package db

import (
	"database/sql"
	"fmt"
)

// Decimal columns are TEXT so values round-trip exactly; times are unix ms.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS credentials (
    id TEXT PRIMARY KEY,
    exchange TEXT NOT NULL DEFAULT 'binance-usdtfut',
    api_key TEXT NOT NULL,
    api_secret TEXT NOT NULL,
    testnet INTEGER NOT NULL DEFAULT 0,
    hedge_mode INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS bots (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    side_whitelist TEXT NOT NULL DEFAULT 'both',
    leverage INTEGER NOT NULL DEFAULT 1,
    risk_fraction TEXT NOT NULL DEFAULT '0',
    sizing_mode TEXT NOT NULL DEFAULT 'risk',
    fixed_notional TEXT NOT NULL DEFAULT '0',
    balance_pct TEXT NOT NULL DEFAULT '0',
    max_position_usdt TEXT NOT NULL DEFAULT '0',
    tp_r_multiple TEXT NOT NULL DEFAULT '1.5',
    credential_ref TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    updated_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_bots_route ON bots(symbol, timeframe, enabled);

CREATE TABLE IF NOT EXISTS trios (
    id TEXT PRIMARY KEY,
    bot_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    side TEXT NOT NULL,
    state TEXT NOT NULL,
    credential_ref TEXT NOT NULL,
    signal_ts INTEGER NOT NULL,
    trigger_price TEXT NOT NULL,
    stop_price TEXT NOT NULL,
    tp_price TEXT NOT NULL,
    qty TEXT NOT NULL,
    close_reason TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trios_bot ON trios(bot_id, state);
CREATE INDEX IF NOT EXISTS idx_trios_symbol ON trios(symbol, timeframe, state);

CREATE TABLE IF NOT EXISTS legs (
    trio_id TEXT NOT NULL,
    role TEXT NOT NULL,
    client_order_id TEXT NOT NULL UNIQUE,
    exchange_order_id TEXT NOT NULL DEFAULT '',
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    state TEXT NOT NULL,
    requested_qty TEXT NOT NULL,
    requested_price TEXT NOT NULL DEFAULT '0',
    stop_price TEXT NOT NULL DEFAULT '0',
    filled_qty TEXT NOT NULL DEFAULT '0',
    last_exchange_status TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (trio_id, role),
    FOREIGN KEY (trio_id) REFERENCES trios(id)
);
CREATE INDEX IF NOT EXISTS idx_legs_state ON legs(state);

CREATE TABLE IF NOT EXISTS processed_signals (
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    source_ts INTEGER NOT NULL,
    kind TEXT NOT NULL,
    stream_id TEXT NOT NULL DEFAULT '',
    processed_at INTEGER NOT NULL,
    PRIMARY KEY (symbol, timeframe, source_ts, kind)
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Idempotent column additions for DB files created by older builds.
	if err := ensureColumn(d.DB, "bots", "tp_r_multiple", "TEXT NOT NULL DEFAULT '1.5'"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "credentials", "hedge_mode", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
