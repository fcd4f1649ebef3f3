// Package paper implements the venue adapter contract against an in-memory
// simulated account. Orders fill instantly at the supplied mark price, so the
// full routing and lifecycle machinery runs end to end without touching a
// real exchange.
package paper

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/symbols"
)

// PriceFn returns the current price for a venue-native symbol.
type PriceFn func(symbol string) (float64, bool)

// DefaultStartingBalance is the simulated account's initial equity in USDT.
const DefaultStartingBalance = 10000.0

type paperPosition struct {
	side       common.Side
	qty        float64
	entryPrice float64
	leverage   int
}

// Adapter is a simulated venue. Safe for concurrent use.
type Adapter struct {
	exchange string
	env      symbols.Env
	price    PriceFn

	mu        sync.Mutex
	balance   float64
	positions map[string]*paperPosition
	leverage  map[string]int
}

var _ common.Adapter = (*Adapter)(nil)

// New builds a paper adapter for one venue and environment.
func New(exchange string, env symbols.Env, price PriceFn) *Adapter {
	return &Adapter{
		exchange:  exchange,
		env:       env,
		price:     price,
		balance:   DefaultStartingBalance,
		positions: make(map[string]*paperPosition),
		leverage:  make(map[string]int),
	}
}

func (a *Adapter) markPrice(symbol string, fallback float64) (float64, error) {
	if p, ok := a.price(symbol); ok && p > 0 {
		return p, nil
	}
	if fallback > 0 {
		return fallback, nil
	}
	return 0, common.NewError(common.KindTransient, a.exchange, "mark_price",
		fmt.Errorf("no price available for %s", symbol))
}

// PlaceOrder fills immediately at the mark price (or the limit price when
// given). Same-side orders stack into the existing position with a
// size-weighted entry; reduce-only orders shrink it.
func (a *Adapter) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return common.OrderAck{}, common.NewError(common.KindTransient, a.exchange, "place_order", err)
	}
	if req.Qty <= 0 {
		return common.OrderAck{Status: common.StatusRejected},
			common.Validationf("place_order", "qty must be positive, got %v", req.Qty)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	fill, err := a.markPrice(req.Symbol, req.Price)
	if err != nil {
		return common.OrderAck{}, err
	}

	if req.ReduceOnly {
		return a.reduceLocked(req.Symbol, req.Qty, fill)
	}

	pos, ok := a.positions[req.Symbol]
	switch {
	case !ok:
		lev := req.Leverage
		if lev <= 0 {
			lev = a.leverage[req.Symbol]
		}
		a.positions[req.Symbol] = &paperPosition{
			side:       req.Side,
			qty:        req.Qty,
			entryPrice: fill,
			leverage:   lev,
		}
	case pos.side == req.Side:
		pos.entryPrice = (pos.entryPrice*pos.qty + fill*req.Qty) / (pos.qty + req.Qty)
		pos.qty += req.Qty
	default:
		// Opposite side without reduce-only nets against the position.
		return a.reduceLocked(req.Symbol, req.Qty, fill)
	}

	return common.OrderAck{
		ExchangeOrderID: uuid.NewString(),
		Status:          common.StatusFilled,
		AvgFillPrice:    fill,
		FilledQty:       req.Qty,
	}, nil
}

func (a *Adapter) reduceLocked(symbol string, qty, fill float64) (common.OrderAck, error) {
	pos, ok := a.positions[symbol]
	if !ok {
		return common.OrderAck{Status: common.StatusRejected},
			common.NewError(common.KindRejected, a.exchange, "reduce",
				fmt.Errorf("no open position on %s", symbol))
	}
	if qty > pos.qty {
		qty = pos.qty
	}

	var realized float64
	if pos.side == common.SideBuy {
		realized = (fill - pos.entryPrice) * qty
	} else {
		realized = (pos.entryPrice - fill) * qty
	}
	a.balance += realized

	pos.qty -= qty
	if pos.qty <= 1e-9 {
		delete(a.positions, symbol)
	}

	return common.OrderAck{
		ExchangeOrderID: uuid.NewString(),
		Status:          common.StatusFilled,
		AvgFillPrice:    fill,
		FilledQty:       qty,
	}, nil
}

// GetPositions reports open simulated positions with a live mark price.
func (a *Adapter) GetPositions(ctx context.Context, symbol string) ([]common.PositionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.NewError(common.KindTransient, a.exchange, "get_positions", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var out []common.PositionInfo
	for sym, pos := range a.positions {
		if symbol != "" && sym != symbol {
			continue
		}
		mark, err := a.markPrice(sym, pos.entryPrice)
		if err != nil {
			mark = pos.entryPrice
		}
		var upnl float64
		if pos.side == common.SideBuy {
			upnl = (mark - pos.entryPrice) * pos.qty
		} else {
			upnl = (pos.entryPrice - mark) * pos.qty
		}
		out = append(out, common.PositionInfo{
			Symbol:        sym,
			Side:          pos.side,
			Qty:           pos.qty,
			EntryPrice:    pos.entryPrice,
			MarkPrice:     mark,
			Leverage:      pos.leverage,
			UnrealizedPnL: upnl,
		})
	}
	return out, nil
}

// SetLeverage records the leverage for future orders on symbol.
func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage int, marginMode string) error {
	if err := ctx.Err(); err != nil {
		return common.NewError(common.KindTransient, a.exchange, "set_leverage", err)
	}
	if leverage <= 0 {
		return common.Validationf("set_leverage", "leverage must be positive, got %d", leverage)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.leverage[symbol] = leverage
	if pos, ok := a.positions[symbol]; ok {
		pos.leverage = leverage
	}
	return nil
}

// ClosePosition reduce-only closes qty of the position on symbol.
func (a *Adapter) ClosePosition(ctx context.Context, symbol string, qty float64, closeSide common.Side) (common.OrderAck, error) {
	return a.PlaceOrder(ctx, common.OrderRequest{
		Symbol:     symbol,
		Side:       closeSide,
		Type:       common.OrderTypeMarket,
		Qty:        qty,
		ReduceOnly: true,
	})
}

// GetBalance returns the simulated account snapshot, equity including
// unrealized PnL across open positions.
func (a *Adapter) GetBalance(ctx context.Context) (common.Balance, error) {
	if err := ctx.Err(); err != nil {
		return common.Balance{}, common.NewError(common.KindTransient, a.exchange, "get_balance", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var upnl float64
	for sym, pos := range a.positions {
		mark, err := a.markPrice(sym, pos.entryPrice)
		if err != nil {
			mark = pos.entryPrice
		}
		if pos.side == common.SideBuy {
			upnl += (mark - pos.entryPrice) * pos.qty
		} else {
			upnl += (pos.entryPrice - mark) * pos.qty
		}
	}

	return common.Balance{
		Equity:        a.balance + upnl,
		Available:     a.balance,
		UnrealizedPnL: upnl,
		Currency:      "USDT",
		Exchange:      a.exchange,
		AccountType:   a.env,
	}, nil
}
