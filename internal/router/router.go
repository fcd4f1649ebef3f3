// Package router decides which exchange accounts an intent goes to,
// dispatches it with risk normalization, and aggregates per-target results.
// One target's failure never aborts dispatch to the others.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/gateway"
	"execution-core/internal/position"
	"execution-core/internal/risk"
	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/symbols"
)

// TargetSource lists a user's routable destinations; *db.Database satisfies it.
type TargetSource interface {
	ListTargets(ctx context.Context, userID, strategy string) ([]db.ExecutionTarget, error)
}

// Router fans order intents out across execution targets. It holds no
// long-lived state beyond injected handles; it is stateless between calls.
type Router struct {
	Targets  TargetSource
	Registry *gateway.Registry
	Store    *position.Store
	Limits   *exchange.RateLimiters
	Retry    exchange.RetryConfig
	Policy   risk.Policy
	Bus      *events.Bus
	Log      *zap.Logger
}

// New wires a router.
func New(targets TargetSource, registry *gateway.Registry, store *position.Store,
	limits *exchange.RateLimiters, policy risk.Policy, bus *events.Bus, log *zap.Logger) *Router {
	return &Router{
		Targets:  targets,
		Registry: registry,
		Store:    store,
		Limits:   limits,
		Retry:    exchange.DefaultRetry(),
		Policy:   policy,
		Bus:      bus,
		Log:      log,
	}
}

// ExecutionTargets returns the user's enabled targets for a strategy.
// Zero targets is a valid answer, not an error.
func (r *Router) ExecutionTargets(ctx context.Context, userID, strategy string) ([]db.ExecutionTarget, error) {
	targets, err := r.Targets.ListTargets(ctx, userID, strategy)
	if err != nil {
		return nil, fmt.Errorf("execution targets for %s/%s: %w", userID, strategy, err)
	}
	return targets, nil
}

func validateIntent(intent OrderIntent) error {
	switch {
	case intent.UserID == "":
		return exchange.Validationf("place_order", "missing user id")
	case intent.Symbol == "":
		return exchange.Validationf("place_order", "missing symbol")
	case intent.Side != exchange.SideBuy && intent.Side != exchange.SideSell:
		return exchange.Validationf("place_order", "invalid side %q", intent.Side)
	case intent.OrderType != exchange.OrderTypeMarket && intent.OrderType != exchange.OrderTypeLimit:
		return exchange.Validationf("place_order", "invalid order type %q", intent.OrderType)
	case intent.Qty <= 0:
		return exchange.Validationf("place_order", "qty must be positive, got %v", intent.Qty)
	case intent.OrderType == exchange.OrderTypeLimit && intent.Price <= 0:
		return exchange.Validationf("place_order", "limit order requires price")
	}
	return nil
}

// PlaceOrder dispatches the intent to every enabled target. The returned
// error covers only intent validation and target discovery; per-target
// failures live inside Results.
func (r *Router) PlaceOrder(ctx context.Context, intent OrderIntent) (Results, error) {
	if err := validateIntent(intent); err != nil {
		return nil, err
	}

	targets, err := r.ExecutionTargets(ctx, intent.UserID, intent.Strategy)
	if err != nil {
		return nil, err
	}

	results := make(Results, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target db.ExecutionTarget) {
			defer wg.Done()
			results[i] = r.dispatchOne(ctx, intent, target)
		}(i, target)
	}
	wg.Wait()

	for _, res := range results {
		if !res.Success {
			r.Log.Warn("order dispatch failed on target",
				zap.String("user", intent.UserID),
				zap.String("symbol", intent.Symbol),
				zap.String("exchange", res.Exchange),
				zap.String("env", string(res.Env)),
				zap.String("error", res.Error))
		}
	}
	return results, nil
}

// dispatchOne sends the intent to one target: resolve adapter, denormalize
// symbol, apply risk policy, rate-limit, submit with bounded retry, and
// record the new position on confirmed fill.
func (r *Router) dispatchOne(ctx context.Context, intent OrderIntent, target db.ExecutionTarget) Result {
	env := symbols.Env(target.Env)
	res := Result{Exchange: target.Exchange, Env: env}

	fail := func(err error) Result {
		res.Err = err
		res.Error = err.Error()
		if r.Bus != nil {
			r.Bus.Publish(events.TopicOrderRejected, res)
		}
		return res
	}

	adapter, err := r.Registry.Resolve(target.Exchange, env)
	if err != nil {
		return fail(err)
	}

	rawSymbol, err := symbols.Denormalize(intent.Symbol, target.Exchange)
	if err != nil {
		return fail(exchange.NewError(exchange.KindValidation, target.Exchange, "place_order", err))
	}

	leverage := intent.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	if target.MaxLeverage > 0 && leverage > target.MaxLeverage {
		leverage = target.MaxLeverage
	}

	slPercent := intent.SLPercent
	if ok, msg := risk.Validate(slPercent, leverage, target.RiskLimitPct); !ok {
		if r.Policy == risk.PolicyReject {
			return fail(exchange.NewError(exchange.KindRiskRejected, target.Exchange, "place_order", errors.New(msg)))
		}
		slPercent = risk.AutoAdjustSL(slPercent, leverage, target.RiskLimitPct)
		r.Log.Info("stop-loss auto-adjusted for risk limit",
			zap.String("user", intent.UserID),
			zap.String("exchange", target.Exchange),
			zap.Float64("adjusted_sl_pct", *slPercent),
			zap.Float64("risk_limit_pct", target.RiskLimitPct))
	}

	if r.Limits != nil {
		if err := r.Limits.Wait(ctx, target.Exchange); err != nil {
			return fail(exchange.NewError(exchange.KindTransient, target.Exchange, "place_order", err))
		}
	}

	if intent.Leverage > 0 {
		err := exchange.WithRetry(ctx, r.Retry, func(ctx context.Context) error {
			return adapter.SetLeverage(ctx, rawSymbol, leverage, "isolated")
		})
		if err != nil {
			return fail(err)
		}
	}

	req := exchange.OrderRequest{
		Symbol:     rawSymbol,
		Side:       intent.Side,
		Type:       intent.OrderType,
		Qty:        intent.Qty,
		Price:      intent.Price,
		Leverage:   leverage,
		ReduceOnly: intent.ReduceOnly,
		ClientID:   uuid.NewString(),
	}
	if r.Bus != nil {
		r.Bus.Publish(events.TopicOrderSubmitted, req)
	}

	var ack exchange.OrderAck
	err = exchange.WithRetry(ctx, r.Retry, func(ctx context.Context) error {
		var callErr error
		ack, callErr = adapter.PlaceOrder(ctx, req)
		return callErr
	})
	if err != nil {
		return fail(err)
	}

	res.Success = true
	res.OrderID = ack.ExchangeOrderID
	res.Status = string(ack.Status)

	if ack.Status == exchange.StatusFilled {
		if r.Bus != nil {
			r.Bus.Publish(events.TopicOrderFilled, res)
		}
		if !intent.ReduceOnly {
			r.recordFill(ctx, intent, target, leverage, slPercent, ack, position.StateOpen)
		}
	} else if !intent.ReduceOnly {
		// Accepted but resting (limit entry): track it in OPENING; the
		// monitor promotes it once the venue reports the fill.
		r.recordFill(ctx, intent, target, leverage, slPercent, ack, position.StateOpening)
	}
	return res
}

// recordFill creates the position row for an entry order, unless a row
// already exists for the key. Filled entries start in OPEN, resting ones in
// OPENING.
func (r *Router) recordFill(ctx context.Context, intent OrderIntent, target db.ExecutionTarget,
	leverage int, slPercent *float64, ack exchange.OrderAck, state position.State) {
	if r.Store == nil {
		return
	}

	key := position.Key{
		UserID:      intent.UserID,
		Symbol:      intent.Symbol,
		AccountType: symbols.Env(target.Env),
		Exchange:    target.Exchange,
	}

	entry := ack.AvgFillPrice
	if entry == 0 {
		entry = intent.Price
	}

	err := r.Store.WithLock(key, func() error {
		if _, exists := r.Store.Get(key); exists {
			// At most one open position per key; adds go through DCA.
			return nil
		}

		pos := position.Position{
			Key:        key,
			Side:       intent.Side,
			Size:       intent.Qty,
			EntryPrice: entry,
			MarkPrice:  entry,
			Leverage:   leverage,
			Strategy:   intent.Strategy,
			State:      state,
			OpenedAt:   time.Now(),
		}
		if slPercent != nil && entry > 0 {
			if pos.IsLong() {
				pos.StopLoss = entry * (1 - *slPercent/100)
			} else {
				pos.StopLoss = entry * (1 + *slPercent/100)
			}
		}
		if intent.TPPercent != nil && entry > 0 {
			if pos.IsLong() {
				pos.TakeProfit = entry * (1 + *intent.TPPercent/100)
			} else {
				pos.TakeProfit = entry * (1 - *intent.TPPercent/100)
			}
		}
		return r.Store.Upsert(ctx, pos)
	})
	if err != nil {
		r.Log.Error("record fill failed", zap.Any("key", key), zap.Error(err))
		return
	}
	if r.Bus != nil && state == position.StateOpen {
		r.Bus.Publish(events.TopicPositionOpened, key)
	}
}

// ClosePosition fans a reduce-only close out across the user's targets that
// hold the symbol.
func (r *Router) ClosePosition(ctx context.Context, userID, strategy, symbol string, qty float64) (Results, error) {
	if symbol == "" || qty <= 0 {
		return nil, exchange.Validationf("close_position", "symbol and positive qty required")
	}
	targets, err := r.ExecutionTargets(ctx, userID, strategy)
	if err != nil {
		return nil, err
	}

	results := make(Results, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target db.ExecutionTarget) {
			defer wg.Done()
			key := position.Key{
				UserID:      userID,
				Symbol:      symbol,
				AccountType: symbols.Env(target.Env),
				Exchange:    target.Exchange,
			}
			pos, ok := r.Store.Get(key)
			if !ok {
				results[i] = Result{
					Exchange: target.Exchange, Env: symbols.Env(target.Env),
					Success: true, Status: "NO_POSITION",
				}
				return
			}
			results[i] = r.CloseAt(ctx, key, qty, pos.Side.Opposite())
		}(i, target)
	}
	wg.Wait()
	return results, nil
}

// CloseAt issues a reduce-only close of qty on one target.
func (r *Router) CloseAt(ctx context.Context, key position.Key, qty float64, closeSide exchange.Side) Result {
	res := Result{Exchange: key.Exchange, Env: key.AccountType}

	adapter, err := r.Registry.Resolve(key.Exchange, key.AccountType)
	if err != nil {
		res.Err, res.Error = err, err.Error()
		return res
	}
	rawSymbol, err := symbols.Denormalize(key.Symbol, key.Exchange)
	if err != nil {
		res.Err, res.Error = err, err.Error()
		return res
	}
	if r.Limits != nil {
		if err := r.Limits.Wait(ctx, key.Exchange); err != nil {
			res.Err, res.Error = err, err.Error()
			return res
		}
	}

	var ack exchange.OrderAck
	err = exchange.WithRetry(ctx, r.Retry, func(ctx context.Context) error {
		var callErr error
		ack, callErr = adapter.ClosePosition(ctx, rawSymbol, qty, closeSide)
		return callErr
	})
	if err != nil {
		res.Err, res.Error = err, err.Error()
		return res
	}
	res.Success = true
	res.OrderID = ack.ExchangeOrderID
	res.Status = string(ack.Status)
	return res
}

// AddAt submits a same-side market add on one target (DCA path).
func (r *Router) AddAt(ctx context.Context, pos position.Position, qty float64) Result {
	res := Result{Exchange: pos.Exchange, Env: pos.AccountType}

	adapter, err := r.Registry.Resolve(pos.Exchange, pos.AccountType)
	if err != nil {
		res.Err, res.Error = err, err.Error()
		return res
	}
	rawSymbol, err := symbols.Denormalize(pos.Symbol, pos.Exchange)
	if err != nil {
		res.Err, res.Error = err, err.Error()
		return res
	}
	if r.Limits != nil {
		if err := r.Limits.Wait(ctx, pos.Exchange); err != nil {
			res.Err, res.Error = err, err.Error()
			return res
		}
	}

	var ack exchange.OrderAck
	err = exchange.WithRetry(ctx, r.Retry, func(ctx context.Context) error {
		var callErr error
		ack, callErr = adapter.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:   rawSymbol,
			Side:     pos.Side,
			Type:     exchange.OrderTypeMarket,
			Qty:      qty,
			Leverage: pos.Leverage,
			ClientID: uuid.NewString(),
		})
		return callErr
	})
	if err != nil {
		res.Err, res.Error = err, err.Error()
		return res
	}
	res.Success = true
	res.OrderID = ack.ExchangeOrderID
	res.Status = string(ack.Status)
	return res
}

// PositionsAt lists venue-reported positions for one target, in canonical
// symbol form.
func (r *Router) PositionsAt(ctx context.Context, exchangeName string, env symbols.Env, symbol string) ([]exchange.PositionInfo, error) {
	adapter, err := r.Registry.Resolve(exchangeName, env)
	if err != nil {
		return nil, err
	}
	rawSymbol := ""
	if symbol != "" {
		rawSymbol, err = symbols.Denormalize(symbol, exchangeName)
		if err != nil {
			return nil, err
		}
	}
	if r.Limits != nil {
		if err := r.Limits.Wait(ctx, exchangeName); err != nil {
			return nil, exchange.NewError(exchange.KindTransient, exchangeName, "get_positions", err)
		}
	}

	var infos []exchange.PositionInfo
	err = exchange.WithRetry(ctx, r.Retry, func(ctx context.Context) error {
		var callErr error
		infos, callErr = adapter.GetPositions(ctx, rawSymbol)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	for i := range infos {
		canonical, err := symbols.Normalize(infos[i].Symbol, exchangeName)
		if err != nil {
			continue
		}
		infos[i].Symbol = canonical
	}
	return infos, nil
}

// SetLeverage fans a leverage change out across the user's targets, clamped
// per target.
func (r *Router) SetLeverage(ctx context.Context, userID, strategy, symbol string, leverage int) (Results, error) {
	if leverage <= 0 {
		return nil, exchange.Validationf("set_leverage", "leverage must be positive")
	}
	targets, err := r.ExecutionTargets(ctx, userID, strategy)
	if err != nil {
		return nil, err
	}

	results := make(Results, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target db.ExecutionTarget) {
			defer wg.Done()
			env := symbols.Env(target.Env)
			res := Result{Exchange: target.Exchange, Env: env}

			lv := leverage
			if target.MaxLeverage > 0 && lv > target.MaxLeverage {
				lv = target.MaxLeverage
			}

			adapter, err := r.Registry.Resolve(target.Exchange, env)
			if err != nil {
				res.Err, res.Error = err, err.Error()
				results[i] = res
				return
			}
			rawSymbol, err := symbols.Denormalize(symbol, target.Exchange)
			if err != nil {
				res.Err, res.Error = err, err.Error()
				results[i] = res
				return
			}
			err = exchange.WithRetry(ctx, r.Retry, func(ctx context.Context) error {
				return adapter.SetLeverage(ctx, rawSymbol, lv, "isolated")
			})
			if err != nil {
				res.Err, res.Error = err, err.Error()
			} else {
				res.Success = true
			}
			results[i] = res
		}(i, target)
	}
	wg.Wait()
	return results, nil
}

// TargetBalance pairs a target with its balance snapshot or error.
type TargetBalance struct {
	Exchange string           `json:"exchange"`
	Env      symbols.Env      `json:"env"`
	Balance  exchange.Balance `json:"balance,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// GetBalance fetches balances from every enabled target.
func (r *Router) GetBalance(ctx context.Context, userID, strategy string) ([]TargetBalance, error) {
	targets, err := r.ExecutionTargets(ctx, userID, strategy)
	if err != nil {
		return nil, err
	}

	out := make([]TargetBalance, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target db.ExecutionTarget) {
			defer wg.Done()
			env := symbols.Env(target.Env)
			tb := TargetBalance{Exchange: target.Exchange, Env: env}

			adapter, err := r.Registry.Resolve(target.Exchange, env)
			if err != nil {
				tb.Error = err.Error()
				out[i] = tb
				return
			}
			var bal exchange.Balance
			err = exchange.WithRetry(ctx, r.Retry, func(ctx context.Context) error {
				var callErr error
				bal, callErr = adapter.GetBalance(ctx)
				return callErr
			})
			if err != nil {
				tb.Error = err.Error()
			} else {
				bal.Exchange = target.Exchange
				bal.AccountType = env
				tb.Balance = bal
			}
			out[i] = tb
		}(i, target)
	}
	wg.Wait()
	return out, nil
}
