package common

import "execution-core/pkg/symbols"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a position opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes supported order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus normalizes venue order status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
)

// OrderRequest captures an order to be sent to one venue. Symbol is in the
// venue-native form; callers denormalize before building the request.
type OrderRequest struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Type       OrderType `json:"type"`
	Qty        float64   `json:"qty"`
	Price      float64   `json:"price,omitempty"` // required for LIMIT
	Leverage   int       `json:"leverage,omitempty"`
	ReduceOnly bool      `json:"reduce_only"`
	ClientID   string    `json:"client_id,omitempty"`
}

// OrderAck is the venue acknowledgement for a submitted order.
type OrderAck struct {
	ExchangeOrderID string      `json:"exchange_order_id"`
	Status          OrderStatus `json:"status"`
	AvgFillPrice    float64     `json:"avg_fill_price,omitempty"`
	FilledQty       float64     `json:"filled_qty,omitempty"`
}

// PositionInfo is a venue-reported open position.
type PositionInfo struct {
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Qty           float64 `json:"qty"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	Leverage      int     `json:"leverage"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Balance is a venue-reported account balance snapshot.
type Balance struct {
	Equity        float64     `json:"equity"`
	Available     float64     `json:"available"`
	MarginUsed    float64     `json:"margin_used"`
	UnrealizedPnL float64     `json:"unrealized_pnl"`
	Currency      string      `json:"currency"`
	Exchange      string      `json:"exchange"`
	AccountType   symbols.Env `json:"account_type"`
}
