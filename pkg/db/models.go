package db

import "time"

// User represents an application user.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ExecutionTarget is one routable (exchange, env) destination for a user's
// strategy orders.
type ExecutionTarget struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Strategy     string    `json:"strategy"`
	Exchange     string    `json:"exchange"`
	Env          string    `json:"env"`
	IsEnabled    bool      `json:"is_enabled"`
	MaxLeverage  int       `json:"max_leverage"`
	RiskLimitPct float64   `json:"risk_limit_pct"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SettingsKey is the 4D identity of one strategy-settings record.
type SettingsKey struct {
	UserID   string `json:"user_id"`
	Strategy string `json:"strategy"`
	Side     string `json:"side"`
	Exchange string `json:"exchange"`
}

// StrategySettingsRow is a raw, possibly partial, settings row. Nil fields
// fall back to strategy-level then global defaults during resolution.
type StrategySettingsRow struct {
	SettingsKey

	Percent          *float64 `json:"percent,omitempty"`
	SLPercent        *float64 `json:"sl_percent,omitempty"`
	TPPercent        *float64 `json:"tp_percent,omitempty"`
	Leverage         *int     `json:"leverage,omitempty"`
	Direction        *string  `json:"direction,omitempty"`
	OrderType        *string  `json:"order_type,omitempty"`
	LimitOffsetPct   *float64 `json:"limit_offset_pct,omitempty"`
	UseATR           *bool    `json:"use_atr,omitempty"`
	ATRPeriods       *int     `json:"atr_periods,omitempty"`
	ATRMultiplierSL  *float64 `json:"atr_multiplier_sl,omitempty"`
	ATRTriggerPct    *float64 `json:"atr_trigger_pct,omitempty"`
	ATRStepPct       *float64 `json:"atr_step_pct,omitempty"`
	BEEnabled        *bool    `json:"be_enabled,omitempty"`
	BETriggerPct     *float64 `json:"be_trigger_pct,omitempty"`
	BEOffsetPct      *float64 `json:"be_offset_pct,omitempty"`
	DCAEnabled       *bool    `json:"dca_enabled,omitempty"`
	DCAPct1          *float64 `json:"dca_pct_1,omitempty"`
	DCAPct2          *float64 `json:"dca_pct_2,omitempty"`
	PartialTPEnabled *bool    `json:"partial_tp_enabled,omitempty"`
	PTP1TriggerPct   *float64 `json:"ptp_1_trigger_pct,omitempty"`
	PTP1ClosePct     *float64 `json:"ptp_1_close_pct,omitempty"`
	PTP2TriggerPct   *float64 `json:"ptp_2_trigger_pct,omitempty"`
	PTP2ClosePct     *float64 `json:"ptp_2_close_pct,omitempty"`
	MaxPositions     *int     `json:"max_positions,omitempty"`
	CoinsGroup       *string  `json:"coins_group,omitempty"`
	Enabled          *bool    `json:"enabled,omitempty"`
}

// PositionRow is the durable form of an open position.
type PositionRow struct {
	UserID      string `json:"user_id"`
	Symbol      string `json:"symbol"`
	AccountType string `json:"account_type"`
	Exchange    string `json:"exchange"`

	Side          string  `json:"side"`
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	Leverage      int     `json:"leverage"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	StopLoss      float64 `json:"stop_loss"`
	TakeProfit    float64 `json:"take_profit"`
	Strategy      string  `json:"strategy"`
	State         string  `json:"state"`

	BEArmed          bool    `json:"be_armed"`
	ATRActivated     bool    `json:"atr_activated"`
	ATRLastStopPrice float64 `json:"atr_last_stop_price"`
	DCACount         int     `json:"dca_count"`
	PTPStep1Done     bool    `json:"ptp_step_1_done"`
	PTPStep2Done     bool    `json:"ptp_step_2_done"`
	TrailingActive   bool    `json:"trailing_active"`

	ClosingSince time.Time `json:"closing_since,omitempty"`

	OpenedAt  time.Time `json:"opened_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ArchivedTrade is the final snapshot written when a position closes.
type ArchivedTrade struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Symbol      string    `json:"symbol"`
	AccountType string    `json:"account_type"`
	Exchange    string    `json:"exchange"`
	Side        string    `json:"side"`
	Size        float64   `json:"size"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	RealizedPnL float64   `json:"realized_pnl"`
	Leverage    int       `json:"leverage"`
	Strategy    string    `json:"strategy"`
	CloseReason string    `json:"close_reason"`
	OpenedAt    time.Time `json:"opened_at"`
	ClosedAt    time.Time `json:"closed_at"`
}
