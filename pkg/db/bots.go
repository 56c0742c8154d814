package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Sizing modes for a bot.
const (
	SizingRisk          = "risk"
	SizingFixedNotional = "fixed_notional"
	SizingBalancePct    = "balance_pct"
)

// Bot is a read-only trading configuration subscribed to one (symbol, timeframe).
type Bot struct {
	ID              string
	UserID          string
	Symbol          string
	Timeframe       string
	SideWhitelist   string // long, short or both
	Leverage        int
	RiskFraction    decimal.Decimal
	SizingMode      string
	FixedNotional   decimal.Decimal
	BalancePct      decimal.Decimal
	MaxPositionUSDT decimal.Decimal
	TPRMultiple     decimal.Decimal
	CredentialRef   string
	Enabled         bool
	UpdatedAt       time.Time
}

// AllowsSide reports whether the whitelist permits side (long|short).
func (b Bot) AllowsSide(side string) bool {
	switch strings.ToLower(b.SideWhitelist) {
	case "", "both":
		return side == "long" || side == "short"
	default:
		return strings.EqualFold(b.SideWhitelist, side)
	}
}

const botColumns = `id, user_id, symbol, timeframe, side_whitelist, leverage, risk_fraction, sizing_mode,
	fixed_notional, balance_pct, max_position_usdt, tp_r_multiple, credential_ref, enabled, updated_at`

func scanBot(row interface{ Scan(...any) error }) (Bot, error) {
	var (
		b       Bot
		enabled int
		updated int64
	)
	err := row.Scan(&b.ID, &b.UserID, &b.Symbol, &b.Timeframe, &b.SideWhitelist, &b.Leverage,
		&b.RiskFraction, &b.SizingMode, &b.FixedNotional, &b.BalancePct, &b.MaxPositionUSDT,
		&b.TPRMultiple, &b.CredentialRef, &enabled, &updated)
	if err != nil {
		return Bot{}, err
	}
	b.Enabled = enabled == 1
	b.UpdatedAt = time.UnixMilli(updated)
	return b, nil
}

// UpsertBots writes bots in one transaction, replacing rows with the same id.
func (d *Database) UpsertBots(ctx context.Context, bots []Bot) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bots (`+botColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			symbol = excluded.symbol,
			timeframe = excluded.timeframe,
			side_whitelist = excluded.side_whitelist,
			leverage = excluded.leverage,
			risk_fraction = excluded.risk_fraction,
			sizing_mode = excluded.sizing_mode,
			fixed_notional = excluded.fixed_notional,
			balance_pct = excluded.balance_pct,
			max_position_usdt = excluded.max_position_usdt,
			tp_r_multiple = excluded.tp_r_multiple,
			credential_ref = excluded.credential_ref,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := nowMs()
	for _, b := range bots {
		_, err := stmt.ExecContext(ctx, b.ID, b.UserID, strings.ToUpper(b.Symbol), b.Timeframe,
			strings.ToLower(b.SideWhitelist), b.Leverage, b.RiskFraction.String(), b.SizingMode,
			b.FixedNotional.String(), b.BalancePct.String(), b.MaxPositionUSDT.String(),
			b.TPRMultiple.String(), b.CredentialRef, boolInt(b.Enabled), now)
		if err != nil {
			return fmt.Errorf("upsert bot %s: %w", b.ID, err)
		}
	}
	return tx.Commit()
}

// GetBot returns one bot by id.
func (d *Database) GetBot(ctx context.Context, id string) (Bot, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = ?`, id)
	b, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Bot{}, ErrNotFound
	}
	return b, err
}

// ListBots returns every bot ordered by id.
func (d *Database) ListBots(ctx context.Context) ([]Bot, error) {
	return d.queryBots(ctx, `SELECT `+botColumns+` FROM bots ORDER BY id`)
}

// EnabledBotsFor returns enabled bots subscribed to (symbol, timeframe).
func (d *Database) EnabledBotsFor(ctx context.Context, symbol, timeframe string) ([]Bot, error) {
	return d.queryBots(ctx, `SELECT `+botColumns+` FROM bots
		WHERE symbol = ? AND timeframe = ? AND enabled = 1 ORDER BY id`,
		strings.ToUpper(symbol), timeframe)
}

// Routes returns the distinct (symbol, timeframe) pairs of enabled bots.
func (d *Database) Routes(ctx context.Context) ([][2]string, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT DISTINCT symbol, timeframe FROM bots WHERE enabled = 1 ORDER BY symbol, timeframe`)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var r [2]string
		if err := rows.Scan(&r[0], &r[1]); err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *Database) queryBots(ctx context.Context, query string, args ...any) ([]Bot, error) {
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bots: %w", err)
	}
	defer rows.Close()

	var bots []Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}
