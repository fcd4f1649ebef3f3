package lifecycle

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/position"
	exchange "execution-core/pkg/exchanges/common"
)

// sizeEpsilon is the threshold below which a venue-reported quantity counts
// as no position.
const sizeEpsilon = 1e-9

func sideKey(s exchange.Side) string {
	return strings.ToLower(string(s))
}

// evaluate runs the six-step policy for one position under its key lock.
// The order is fixed: reconciliation, partial TP, break-even, ATR trailing,
// DCA, stop/target.
func (m *Monitor) evaluate(ctx context.Context, key position.Key) error {
	return m.Store.WithLock(key, func() error {
		pos, ok := m.Store.Get(key)
		if !ok {
			return nil
		}

		switch pos.State {
		case position.StateClosing:
			return m.confirmClose(ctx, pos)
		case position.StateOpening:
			return m.confirmOpen(ctx, pos)
		case position.StateOpen:
		default:
			return nil
		}

		// Step 1: reconciliation. Exchange truth wins; an unreachable venue
		// skips the tick rather than acting on stale state.
		live, err := m.venuePosition(ctx, key)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		flipped := live != nil && live.Side != "" && live.Side != pos.Side
		if live == nil || flipped {
			exit := pos.MarkPrice
			if exit == 0 {
				exit = pos.EntryPrice
			}
			realized := pos.RealizedPnL(exit, pos.Size)
			msg := "position no longer reported by exchange; closing from last known mark"
			if flipped {
				// The venue closed and reopened the other way; the reopened
				// position was never ours to manage.
				msg = "exchange reports the opposite side; treating local position as externally closed"
			}
			m.alert("reconciliation", key, msg)
			return m.destroy(ctx, pos, exit, realized, "reconciled")
		}
		if math.Abs(live.Qty-pos.Size) > sizeEpsilon {
			m.alert("reconciliation", key,
				fmt.Sprintf("size mismatch: local %.8f, exchange %.8f; adopting exchange size", pos.Size, live.Qty))
			pos.Size = live.Qty
		}

		mark := live.MarkPrice
		if mark == 0 {
			if p, ok := m.Prices.Mark(key.Symbol); ok {
				mark = p
			}
		}
		if mark == 0 {
			mark = pos.MarkPrice
		}
		if mark == 0 {
			// No price available yet; nothing below can run safely.
			return m.Store.Upsert(ctx, pos)
		}
		pos.MarkPrice = mark
		pos.UnrealizedPnL = pos.RealizedPnL(mark, pos.Size)

		st, err := m.Settings.Effective(ctx, key.UserID, pos.Strategy, sideKey(pos.Side), key.Exchange)
		if err != nil {
			return fmt.Errorf("resolve settings: %w", err)
		}

		pnl := pos.PnLPercent(mark)

		// Step 2: partial take-profit. Level 2 only after level 1 completed.
		if st.PartialTPEnabled {
			if !pos.PTPStep1Done && pnl >= st.PTP1TriggerPct {
				qty := pos.Size * st.PTP1ClosePct / 100
				filled, _ := m.submitReduce(ctx, &pos, "ptp1", qty)
				if filled {
					m.Log.Info("partial take-profit level 1 filled",
						zap.String("user", key.UserID), zap.String("symbol", key.Symbol),
						zap.Float64("closed_qty", qty), zap.Float64("pnl_pct", pnl))
					pos.Size -= qty
					pos.PTPStep1Done = true
				}
			} else if pos.PTPStep1Done && !pos.PTPStep2Done && pnl >= st.PTP2TriggerPct {
				qty := pos.Size * st.PTP2ClosePct / 100
				filled, _ := m.submitReduce(ctx, &pos, "ptp2", qty)
				if filled {
					m.Log.Info("partial take-profit level 2 filled",
						zap.String("user", key.UserID), zap.String("symbol", key.Symbol),
						zap.Float64("closed_qty", qty), zap.Float64("pnl_pct", pnl))
					pos.Size -= qty
					pos.PTPStep2Done = true
				}
			}
		}

		// Step 3: break-even. One-shot; never re-evaluated once armed.
		if st.BEEnabled && !pos.BEArmed && pnl >= st.BETriggerPct {
			if pos.IsLong() {
				pos.StopLoss = pos.EntryPrice * (1 + st.BEOffsetPct/100)
			} else {
				pos.StopLoss = pos.EntryPrice * (1 - st.BEOffsetPct/100)
			}
			pos.BEArmed = true
			m.Log.Info("break-even armed",
				zap.String("user", key.UserID), zap.String("symbol", key.Symbol),
				zap.Float64("stop_loss", pos.StopLoss))
		}

		// Step 4: ATR trailing. The stop only ever tightens toward the
		// favorable side, never loosens.
		if st.UseATR && pnl >= st.ATRTriggerPct {
			if pos.IsLong() {
				candidate := mark * (1 - st.ATRStepPct/100)
				if candidate > pos.StopLoss {
					pos.StopLoss = candidate
				}
			} else {
				candidate := mark * (1 + st.ATRStepPct/100)
				if pos.StopLoss == 0 || candidate < pos.StopLoss {
					pos.StopLoss = candidate
				}
			}
			pos.ATRActivated = true
			pos.TrailingActive = true
			pos.ATRLastStopPrice = pos.StopLoss
		}

		// Step 5: DCA on the loss side, at most two adds.
		if st.DCAEnabled {
			if pos.DCACount == 0 && pnl <= -st.DCAPct1 {
				m.dcaAdd(ctx, &pos, "dca1", mark, 1)
			} else if pos.DCACount == 1 && pnl <= -st.DCAPct2 {
				m.dcaAdd(ctx, &pos, "dca2", mark, 2)
			}
		}

		// Step 6: stop/target exit.
		stopHit := pos.StopLoss > 0 &&
			((pos.IsLong() && mark <= pos.StopLoss) || (!pos.IsLong() && mark >= pos.StopLoss))
		tpHit := pos.TakeProfit > 0 &&
			((pos.IsLong() && mark >= pos.TakeProfit) || (!pos.IsLong() && mark <= pos.TakeProfit))
		if stopHit || tpHit {
			reason := "stop_loss"
			if tpHit && !stopHit {
				reason = "take_profit"
			}
			filled, pending := m.submitReduce(ctx, &pos, "close", pos.Size)
			if filled {
				realized := pos.RealizedPnL(mark, pos.Size)
				return m.destroy(ctx, pos, mark, realized, reason)
			}
			if pending {
				pos.State = position.StateClosing
				if pos.ClosingSince.IsZero() {
					pos.ClosingSince = time.Now()
				}
			}
		}

		return m.Store.Upsert(ctx, pos)
	})
}

// venuePosition fetches the exchange-reported position for the key, or nil
// when the venue no longer reports it.
func (m *Monitor) venuePosition(ctx context.Context, key position.Key) (*exchange.PositionInfo, error) {
	infos, err := m.Exec.PositionsAt(ctx, key.Exchange, key.AccountType, key.Symbol)
	if err != nil {
		return nil, err
	}
	for i := range infos {
		if infos[i].Symbol == key.Symbol && infos[i].Qty > sizeEpsilon {
			return &infos[i], nil
		}
	}
	return nil, nil
}

// submitReduce issues a reduce-only close for one step, guarded by the
// in-flight marker so a pending order is never re-issued blindly.
// Returns (filled, pending).
func (m *Monitor) submitReduce(ctx context.Context, pos *position.Position, step string, qty float64) (bool, bool) {
	if qty <= 0 {
		return false, false
	}
	if m.orderPending(pos.Key, step) {
		return false, true
	}

	m.markInFlight(pos.Key, step)
	res := m.Exec.CloseAt(ctx, pos.Key, qty, pos.Side.Opposite())
	if !res.Success {
		// Order never reached the book; clear the marker so next tick retries.
		m.clearInFlight(pos.Key, step)
		m.Log.Warn("reduce order failed",
			zap.String("step", step), zap.String("symbol", pos.Symbol),
			zap.String("exchange", pos.Exchange), zap.String("error", res.Error))
		return false, false
	}
	if res.Status == string(exchange.StatusFilled) {
		m.clearInFlight(pos.Key, step)
		return true, false
	}
	// Accepted but not filled yet; flag stays unset until confirmation.
	return false, true
}

// dcaAdd issues a same-side add and, on fill, recomputes the size-weighted
// entry price and bumps dca_count to level.
func (m *Monitor) dcaAdd(ctx context.Context, pos *position.Position, step string, mark float64, level int) {
	qty := pos.Size
	if qty <= 0 {
		return
	}
	if m.orderPending(pos.Key, step) {
		return
	}

	m.markInFlight(pos.Key, step)
	res := m.Exec.AddAt(ctx, *pos, qty)
	if !res.Success {
		m.clearInFlight(pos.Key, step)
		m.Log.Warn("dca add failed",
			zap.String("step", step), zap.String("symbol", pos.Symbol),
			zap.String("exchange", pos.Exchange), zap.String("error", res.Error))
		return
	}
	if res.Status != string(exchange.StatusFilled) {
		return
	}

	m.clearInFlight(pos.Key, step)
	pos.EntryPrice = (pos.EntryPrice*pos.Size + mark*qty) / (pos.Size + qty)
	pos.Size += qty
	pos.DCACount = level
	m.Log.Info("dca add filled",
		zap.String("user", pos.UserID), zap.String("symbol", pos.Symbol),
		zap.Int("dca_count", level), zap.Float64("new_entry", pos.EntryPrice),
		zap.Float64("new_size", pos.Size))
}

// confirmOpen promotes an OPENING position once the venue reports the fill,
// adopting the exchange's size and entry. A resting entry the venue does not
// report yet stays in OPENING.
func (m *Monitor) confirmOpen(ctx context.Context, pos position.Position) error {
	live, err := m.venuePosition(ctx, pos.Key)
	if err != nil {
		return fmt.Errorf("confirm open: %w", err)
	}
	if live == nil {
		return nil
	}

	pos.Size = live.Qty
	if live.EntryPrice > 0 {
		pos.EntryPrice = live.EntryPrice
	}
	if live.MarkPrice > 0 {
		pos.MarkPrice = live.MarkPrice
	}
	pos.State = position.StateOpen
	m.Log.Info("entry filled; position open",
		zap.String("user", pos.UserID), zap.String("symbol", pos.Symbol),
		zap.String("exchange", pos.Exchange),
		zap.Float64("size", pos.Size), zap.Float64("entry", pos.EntryPrice))
	if err := m.Store.Upsert(ctx, pos); err != nil {
		return err
	}
	if m.Bus != nil {
		m.Bus.Publish(events.TopicPositionOpened, pos.Key)
	}
	return nil
}

// confirmClose drives a CLOSING position to CLOSED once the venue stops
// reporting it, resubmits the close when the pending marker expires, and
// alerts when the position is stuck.
func (m *Monitor) confirmClose(ctx context.Context, pos position.Position) error {
	live, err := m.venuePosition(ctx, pos.Key)
	if err != nil {
		return fmt.Errorf("confirm close: %w", err)
	}

	if live == nil {
		exit := pos.MarkPrice
		if exit == 0 {
			exit = pos.EntryPrice
		}
		return m.destroy(ctx, pos, exit, pos.RealizedPnL(exit, pos.Size), closeReason(pos, exit))
	}

	if !pos.ClosingSince.IsZero() && time.Since(pos.ClosingSince) > m.Cfg.ClosingAlertAfter {
		m.alert("closing_stuck", pos.Key,
			fmt.Sprintf("position stuck in CLOSING for %s", time.Since(pos.ClosingSince).Round(time.Second)))
	}

	// Resubmit when the previous close order expired unfilled.
	if !m.orderPending(pos.Key, "close") {
		if filled, _ := m.submitReduce(ctx, &pos, "close", pos.Size); filled {
			exit := pos.MarkPrice
			if exit == 0 {
				exit = pos.EntryPrice
			}
			return m.destroy(ctx, pos, exit, pos.RealizedPnL(exit, pos.Size), closeReason(pos, exit))
		}
	}
	return m.Store.Upsert(ctx, pos)
}

// closeReason infers how a deferred close finished. The original trigger is
// not carried through CLOSING, so the exit PnL sign against the target
// decides the archived reason.
func closeReason(pos position.Position, exit float64) string {
	if pos.TakeProfit > 0 && pos.PnLPercent(exit) > 0 {
		return "take_profit"
	}
	return "stop_loss"
}

// destroy transitions to CLOSED: archive the final snapshot with realized
// PnL, delete the row, and drop any in-flight markers.
func (m *Monitor) destroy(ctx context.Context, pos position.Position, exit, realized float64, reason string) error {
	pos.State = position.StateClosed
	if err := m.Store.Archive(ctx, pos, exit, realized, reason); err != nil {
		return err
	}
	m.clearAllInFlight(pos.Key)
	m.Log.Info("position closed",
		zap.String("user", pos.UserID), zap.String("symbol", pos.Symbol),
		zap.String("exchange", pos.Exchange), zap.String("reason", reason),
		zap.Float64("exit", exit), zap.Float64("realized_pnl", realized))
	if m.Bus != nil {
		m.Bus.Publish(events.TopicPositionClosed, pos)
	}
	return nil
}
