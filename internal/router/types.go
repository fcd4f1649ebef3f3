package router

import (
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/symbols"
)

// OrderIntent is the normalized instruction produced upstream of the router.
// It is immutable once created; risk adjustment happens on a per-target copy.
type OrderIntent struct {
	UserID     string             `json:"user_id"`
	Symbol     string             `json:"symbol"` // canonical, e.g. BTCUSDT
	Side       exchange.Side      `json:"side"`
	OrderType  exchange.OrderType `json:"order_type"`
	Qty        float64            `json:"qty"`
	Price      float64            `json:"price,omitempty"` // limit orders only
	Leverage   int                `json:"leverage,omitempty"`
	SLPercent  *float64           `json:"sl_percent,omitempty"`
	TPPercent  *float64           `json:"tp_percent,omitempty"`
	Strategy   string             `json:"strategy"`
	ReduceOnly bool               `json:"reduce_only"`
}

// Result is the per-target outcome of one dispatched operation.
type Result struct {
	Exchange string      `json:"exchange"`
	Env      symbols.Env `json:"env"`
	Success  bool        `json:"success"`
	OrderID  string      `json:"order_id,omitempty"`
	Status   string      `json:"status,omitempty"`
	Error    string      `json:"error,omitempty"`
	Err      error       `json:"-"`
}

// Results aggregates per-target outcomes. Partial failure is data here,
// never an error value.
type Results []Result

// AnySuccess reports whether at least one target accepted the operation.
func (rs Results) AnySuccess() bool {
	for _, r := range rs {
		if r.Success {
			return true
		}
	}
	return false
}

// AllSuccess reports whether every target accepted the operation.
func (rs Results) AllSuccess() bool {
	if len(rs) == 0 {
		return false
	}
	for _, r := range rs {
		if !r.Success {
			return false
		}
	}
	return true
}

// Failed returns the failed per-target results.
func (rs Results) Failed() Results {
	var out Results
	for _, r := range rs {
		if !r.Success {
			out = append(out, r)
		}
	}
	return out
}
