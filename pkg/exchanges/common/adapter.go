package common

import "context"

// Adapter abstracts one trading venue in one environment. Concrete
// HTTP/websocket implementations live outside the core; the paper adapter
// and test fakes implement the same contract. Every call is blocking but
// context-bound; failures are always typed (*Error), never silent.
type Adapter interface {
	// PlaceOrder submits an order and returns the venue ack.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)

	// GetPositions lists open positions, optionally filtered by symbol
	// (venue-native form, empty = all).
	GetPositions(ctx context.Context, symbol string) ([]PositionInfo, error)

	// SetLeverage configures leverage and margin mode for a symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int, marginMode string) error

	// ClosePosition reduce-only closes qty of the position on symbol.
	// closeSide is the order side that reduces the position.
	ClosePosition(ctx context.Context, symbol string, qty float64, closeSide Side) (OrderAck, error)

	// GetBalance returns the account balance snapshot.
	GetBalance(ctx context.Context) (Balance, error)
}
