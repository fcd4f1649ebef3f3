// Package position keeps the durable keyed record of every open position and
// guards each record with a per-key lock so the scheduled monitor and manual
// paths never race on the same row.
package position

import (
	"time"

	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/symbols"
)

// State is the lifecycle state of a position.
type State string

const (
	StateOpening State = "OPENING"
	StateOpen    State = "OPEN"
	StateClosing State = "CLOSING"
	StateClosed  State = "CLOSED"
)

// Key uniquely identifies one position: at most one open position exists per
// (user, symbol, account type, exchange).
type Key struct {
	UserID      string      `json:"user_id"`
	Symbol      string      `json:"symbol"` // canonical form
	AccountType symbols.Env `json:"account_type"`
	Exchange    string      `json:"exchange"`
}

// Position is one open position and its lifecycle flags. The flags are
// monotonic while the position is open; they only reset by the row being
// destroyed on close.
type Position struct {
	Key

	Side          exchange.Side `json:"side"`
	Size          float64       `json:"size"`
	EntryPrice    float64       `json:"entry_price"`
	MarkPrice     float64       `json:"mark_price"`
	Leverage      int           `json:"leverage"`
	UnrealizedPnL float64       `json:"unrealized_pnl"`
	StopLoss      float64       `json:"stop_loss"`
	TakeProfit    float64       `json:"take_profit"`
	Strategy      string        `json:"strategy"`
	State         State         `json:"state"`

	BEArmed          bool    `json:"be_armed"`
	ATRActivated     bool    `json:"atr_activated"`
	ATRLastStopPrice float64 `json:"atr_last_stop_price"`
	DCACount         int     `json:"dca_count"`
	PTPStep1Done     bool    `json:"ptp_step_1_done"`
	PTPStep2Done     bool    `json:"ptp_step_2_done"`
	TrailingActive   bool    `json:"trailing_active"`

	// ClosingSince marks when the position entered CLOSING; used for the
	// stuck-close operational alert.
	ClosingSince time.Time `json:"closing_since,omitempty"`

	OpenedAt  time.Time `json:"opened_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsLong reports whether the position gains when price rises.
func (p *Position) IsLong() bool {
	return p.Side == exchange.SideBuy
}

// PnLPercent returns the price-move percent from entry at the given mark
// price, signed so profit is positive for both sides.
func (p *Position) PnLPercent(mark float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	move := (mark - p.EntryPrice) / p.EntryPrice * 100
	if !p.IsLong() {
		move = -move
	}
	return move
}

// RealizedPnL computes the realized PnL for closing qty at exitPrice.
func (p *Position) RealizedPnL(exitPrice, qty float64) float64 {
	if p.IsLong() {
		return (exitPrice - p.EntryPrice) * qty
	}
	return (p.EntryPrice - exitPrice) * qty
}

// toRow converts to the durable form.
func (p *Position) toRow() db.PositionRow {
	return db.PositionRow{
		UserID:      p.UserID,
		Symbol:      p.Symbol,
		AccountType: string(p.AccountType),
		Exchange:    p.Exchange,

		Side:          string(p.Side),
		Size:          p.Size,
		EntryPrice:    p.EntryPrice,
		MarkPrice:     p.MarkPrice,
		Leverage:      p.Leverage,
		UnrealizedPnL: p.UnrealizedPnL,
		StopLoss:      p.StopLoss,
		TakeProfit:    p.TakeProfit,
		Strategy:      p.Strategy,
		State:         string(p.State),

		BEArmed:          p.BEArmed,
		ATRActivated:     p.ATRActivated,
		ATRLastStopPrice: p.ATRLastStopPrice,
		DCACount:         p.DCACount,
		PTPStep1Done:     p.PTPStep1Done,
		PTPStep2Done:     p.PTPStep2Done,
		TrailingActive:   p.TrailingActive,

		ClosingSince: p.ClosingSince,

		OpenedAt:  p.OpenedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

// fromRow rebuilds the in-memory form from the durable row.
func fromRow(r db.PositionRow) Position {
	return Position{
		Key: Key{
			UserID:      r.UserID,
			Symbol:      r.Symbol,
			AccountType: symbols.Env(r.AccountType),
			Exchange:    r.Exchange,
		},

		Side:          exchange.Side(r.Side),
		Size:          r.Size,
		EntryPrice:    r.EntryPrice,
		MarkPrice:     r.MarkPrice,
		Leverage:      r.Leverage,
		UnrealizedPnL: r.UnrealizedPnL,
		StopLoss:      r.StopLoss,
		TakeProfit:    r.TakeProfit,
		Strategy:      r.Strategy,
		State:         State(r.State),

		BEArmed:          r.BEArmed,
		ATRActivated:     r.ATRActivated,
		ATRLastStopPrice: r.ATRLastStopPrice,
		DCACount:         r.DCACount,
		PTPStep1Done:     r.PTPStep1Done,
		PTPStep2Done:     r.PTPStep2Done,
		TrailingActive:   r.TrailingActive,

		ClosingSince: r.ClosingSince,

		OpenedAt:  r.OpenedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
