package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound marks expected absence of a row; callers treat it as an
// optional result, not a fault.
var ErrNotFound = errors.New("db: not found")

// CreateUser inserts a new user row.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash) VALUES (?, ?, ?)
	`, u.ID, u.Email, u.PasswordHash)
	return err
}

// GetUserByEmail fetches a user by email.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, updated_at FROM users WHERE email = ?
	`, email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	return u, err
}

// ListTargets returns a user's enabled execution targets for a strategy.
func (d *Database) ListTargets(ctx context.Context, userID, strategy string) ([]ExecutionTarget, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, strategy, exchange, env, is_enabled, max_leverage, risk_limit_pct, created_at, updated_at
		FROM execution_targets
		WHERE user_id = ? AND strategy = ? AND is_enabled = 1
		ORDER BY exchange, env
	`, userID, strategy)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var out []ExecutionTarget
	for rows.Next() {
		var t ExecutionTarget
		var enabled int
		if err := rows.Scan(&t.ID, &t.UserID, &t.Strategy, &t.Exchange, &t.Env,
			&enabled, &t.MaxLeverage, &t.RiskLimitPct, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.IsEnabled = enabled == 1
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertTarget inserts or updates an execution target.
func (d *Database) UpsertTarget(ctx context.Context, t ExecutionTarget) error {
	enabled := 0
	if t.IsEnabled {
		enabled = 1
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO execution_targets (id, user_id, strategy, exchange, env, is_enabled, max_leverage, risk_limit_pct)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, strategy, exchange, env) DO UPDATE SET
			is_enabled = excluded.is_enabled,
			max_leverage = excluded.max_leverage,
			risk_limit_pct = excluded.risk_limit_pct,
			updated_at = CURRENT_TIMESTAMP
	`, t.ID, t.UserID, t.Strategy, t.Exchange, t.Env, enabled, t.MaxLeverage, t.RiskLimitPct)
	return err
}

// GetSettingsRow fetches the raw (possibly partial) settings row for a key.
// Returns ErrNotFound when the user has no explicit row.
func (d *Database) GetSettingsRow(ctx context.Context, key SettingsKey) (*StrategySettingsRow, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT percent, sl_percent, tp_percent, leverage, direction, order_type, limit_offset_pct,
		       use_atr, atr_periods, atr_multiplier_sl, atr_trigger_pct, atr_step_pct,
		       be_enabled, be_trigger_pct, be_offset_pct,
		       dca_enabled, dca_pct_1, dca_pct_2,
		       partial_tp_enabled, ptp_1_trigger_pct, ptp_1_close_pct, ptp_2_trigger_pct, ptp_2_close_pct,
		       max_positions, coins_group, enabled
		FROM strategy_settings
		WHERE user_id = ? AND strategy = ? AND side = ? AND exchange = ?
	`, key.UserID, key.Strategy, key.Side, key.Exchange)

	s := &StrategySettingsRow{SettingsKey: key}
	var useATR, beEnabled, dcaEnabled, ptpEnabled, enabled *int
	err := row.Scan(
		&s.Percent, &s.SLPercent, &s.TPPercent, &s.Leverage, &s.Direction, &s.OrderType, &s.LimitOffsetPct,
		&useATR, &s.ATRPeriods, &s.ATRMultiplierSL, &s.ATRTriggerPct, &s.ATRStepPct,
		&beEnabled, &s.BETriggerPct, &s.BEOffsetPct,
		&dcaEnabled, &s.DCAPct1, &s.DCAPct2,
		&ptpEnabled, &s.PTP1TriggerPct, &s.PTP1ClosePct, &s.PTP2TriggerPct, &s.PTP2ClosePct,
		&s.MaxPositions, &s.CoinsGroup, &enabled,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get settings row: %w", err)
	}
	s.UseATR = intToBoolPtr(useATR)
	s.BEEnabled = intToBoolPtr(beEnabled)
	s.DCAEnabled = intToBoolPtr(dcaEnabled)
	s.PartialTPEnabled = intToBoolPtr(ptpEnabled)
	s.Enabled = intToBoolPtr(enabled)
	return s, nil
}

func intToBoolPtr(v *int) *bool {
	if v == nil {
		return nil
	}
	b := *v == 1
	return &b
}

// UpsertPosition writes the durable form of an open position.
func (d *Database) UpsertPosition(ctx context.Context, p PositionRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (
			user_id, symbol, account_type, exchange, side, size, entry_price, mark_price,
			leverage, unrealized_pnl, stop_loss, take_profit, strategy, state,
			be_armed, atr_activated, atr_last_stop_price, dca_count,
			ptp_step_1_done, ptp_step_2_done, trailing_active, closing_since, opened_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), CURRENT_TIMESTAMP)
		ON CONFLICT(user_id, symbol, account_type, exchange) DO UPDATE SET
			side = excluded.side,
			size = excluded.size,
			entry_price = excluded.entry_price,
			mark_price = excluded.mark_price,
			leverage = excluded.leverage,
			unrealized_pnl = excluded.unrealized_pnl,
			stop_loss = excluded.stop_loss,
			take_profit = excluded.take_profit,
			strategy = excluded.strategy,
			state = excluded.state,
			be_armed = excluded.be_armed,
			atr_activated = excluded.atr_activated,
			atr_last_stop_price = excluded.atr_last_stop_price,
			dca_count = excluded.dca_count,
			ptp_step_1_done = excluded.ptp_step_1_done,
			ptp_step_2_done = excluded.ptp_step_2_done,
			trailing_active = excluded.trailing_active,
			closing_since = excluded.closing_since,
			updated_at = CURRENT_TIMESTAMP
	`,
		p.UserID, p.Symbol, p.AccountType, p.Exchange, p.Side, p.Size, p.EntryPrice, p.MarkPrice,
		p.Leverage, p.UnrealizedPnL, p.StopLoss, p.TakeProfit, p.Strategy, p.State,
		boolToInt(p.BEArmed), boolToInt(p.ATRActivated), p.ATRLastStopPrice, p.DCACount,
		boolToInt(p.PTPStep1Done), boolToInt(p.PTPStep2Done), boolToInt(p.TrailingActive),
		nullableTime(p.ClosingSince), nullableTime(p.OpenedAt),
	)
	return err
}

// DeletePosition removes the row for a closed position.
func (d *Database) DeletePosition(ctx context.Context, userID, symbol, accountType, exchange string) error {
	_, err := d.DB.ExecContext(ctx, `
		DELETE FROM positions WHERE user_id = ? AND symbol = ? AND account_type = ? AND exchange = ?
	`, userID, symbol, accountType, exchange)
	return err
}

// ListPositions returns all persisted positions.
func (d *Database) ListPositions(ctx context.Context) ([]PositionRow, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT user_id, symbol, account_type, exchange, side, size, entry_price, mark_price,
		       leverage, unrealized_pnl, stop_loss, take_profit, strategy, state,
		       be_armed, atr_activated, atr_last_stop_price, dca_count,
		       ptp_step_1_done, ptp_step_2_done, trailing_active, closing_since, opened_at, updated_at
		FROM positions
	`)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var p PositionRow
		var beArmed, atrActivated, ptp1, ptp2, trailing int
		var closingSince sql.NullTime
		if err := rows.Scan(
			&p.UserID, &p.Symbol, &p.AccountType, &p.Exchange, &p.Side, &p.Size, &p.EntryPrice, &p.MarkPrice,
			&p.Leverage, &p.UnrealizedPnL, &p.StopLoss, &p.TakeProfit, &p.Strategy, &p.State,
			&beArmed, &atrActivated, &p.ATRLastStopPrice, &p.DCACount,
			&ptp1, &ptp2, &trailing, &closingSince, &p.OpenedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if closingSince.Valid {
			p.ClosingSince = closingSince.Time
		}
		p.BEArmed = beArmed == 1
		p.ATRActivated = atrActivated == 1
		p.PTPStep1Done = ptp1 == 1
		p.PTPStep2Done = ptp2 == 1
		p.TrailingActive = trailing == 1
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertArchive writes the final snapshot of a closed position.
func (d *Database) InsertArchive(ctx context.Context, t ArchivedTrade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trade_archive (
			id, user_id, symbol, account_type, exchange, side, size,
			entry_price, exit_price, realized_pnl, leverage, strategy, close_reason, opened_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.UserID, t.Symbol, t.AccountType, t.Exchange, t.Side, t.Size,
		t.EntryPrice, t.ExitPrice, t.RealizedPnL, t.Leverage, t.Strategy, t.CloseReason, nullableTime(t.OpenedAt),
	)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
