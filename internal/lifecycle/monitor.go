// Package lifecycle runs the periodic state machine that manages every open
// position: reconciliation, partial take-profit, break-even, ATR trailing,
// DCA adds and stop/target exits, in that fixed order each tick.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/position"
	"execution-core/internal/router"
	"execution-core/internal/settings"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/symbols"
)

// PriceSource supplies the latest mark price per canonical symbol.
type PriceSource interface {
	Mark(symbol string) (float64, bool)
}

// Execution is the slice of the router the monitor needs for follow-up
// orders on a single target.
type Execution interface {
	CloseAt(ctx context.Context, key position.Key, qty float64, closeSide exchange.Side) router.Result
	AddAt(ctx context.Context, pos position.Position, qty float64) router.Result
	PositionsAt(ctx context.Context, exchangeName string, env symbols.Env, symbol string) ([]exchange.PositionInfo, error)
}

// SettingsSource resolves effective settings for a position's 4D key.
type SettingsSource interface {
	Effective(ctx context.Context, userID, strategy, side, exchangeName string) (settings.Settings, error)
}

// Config bounds the monitor's scheduling and retry behavior.
type Config struct {
	TickInterval      time.Duration // period between evaluation sweeps
	Workers           int           // bounded pool size for per-position evaluation
	InFlightTimeout   time.Duration // pending order marker expiry before resubmit
	ClosingAlertAfter time.Duration // CLOSING older than this raises an alert
}

// DefaultConfig returns safe defaults; every field is runtime-configurable.
func DefaultConfig() Config {
	return Config{
		TickInterval:      3 * time.Second,
		Workers:           8,
		InFlightTimeout:   30 * time.Second,
		ClosingAlertAfter: 2 * time.Minute,
	}
}

// Alert is published on the bus for operational conditions the external
// notification layer should surface.
type Alert struct {
	Kind    string       `json:"kind"`
	Key     position.Key `json:"key"`
	Message string       `json:"message"`
}

type inflightKey struct {
	pos  position.Key
	step string
}

// Monitor evaluates all open positions on a fixed interval with a bounded
// worker pool. One position's failure never blocks the others.
type Monitor struct {
	Store    *position.Store
	Exec     Execution
	Prices   PriceSource
	Settings SettingsSource
	Bus      *events.Bus
	Log      *zap.Logger
	Cfg      Config

	mu       sync.Mutex
	inflight map[inflightKey]time.Time

	wg sync.WaitGroup
}

// New wires a monitor.
func New(store *position.Store, exec Execution, prices PriceSource, src SettingsSource,
	bus *events.Bus, log *zap.Logger, cfg Config) *Monitor {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.InFlightTimeout <= 0 {
		cfg.InFlightTimeout = DefaultConfig().InFlightTimeout
	}
	if cfg.ClosingAlertAfter <= 0 {
		cfg.ClosingAlertAfter = DefaultConfig().ClosingAlertAfter
	}
	return &Monitor{
		Store:    store,
		Exec:     exec,
		Prices:   prices,
		Settings: src,
		Bus:      bus,
		Log:      log,
		Cfg:      cfg,
		inflight: make(map[inflightKey]time.Time),
	}
}

// Run executes the tick loop until ctx is cancelled. In-flight per-position
// evaluations finish before Run returns; no new tick starts after
// cancellation.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Cfg.TickInterval)
	defer ticker.Stop()

	m.Log.Info("lifecycle monitor started",
		zap.Duration("tick_interval", m.Cfg.TickInterval),
		zap.Int("workers", m.Cfg.Workers))

	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			m.Log.Info("lifecycle monitor stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one evaluation sweep over every tracked position. Evaluations
// run in parallel on the bounded pool; Tick returns when the sweep is done.
func (m *Monitor) Tick(ctx context.Context) {
	positions := m.Store.List()
	if len(positions) == 0 {
		return
	}

	sem := make(chan struct{}, m.Cfg.Workers)
	var tickWG sync.WaitGroup
	for _, pos := range positions {
		select {
		case <-ctx.Done():
			tickWG.Wait()
			return
		default:
		}

		key := pos.Key
		sem <- struct{}{}
		tickWG.Add(1)
		m.wg.Add(1)
		go func() {
			defer func() {
				<-sem
				tickWG.Done()
				m.wg.Done()
			}()
			if err := m.evaluate(ctx, key); err != nil {
				m.Log.Error("position evaluation failed",
					zap.String("user", key.UserID),
					zap.String("symbol", key.Symbol),
					zap.String("account_type", string(key.AccountType)),
					zap.String("exchange", key.Exchange),
					zap.Error(err))
			}
		}()
	}
	tickWG.Wait()
}

// orderPending reports whether a previous order for this step is still
// within its in-flight window; expired markers are cleared so the step can
// resubmit.
func (m *Monitor) orderPending(k position.Key, step string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ik := inflightKey{pos: k, step: step}
	issued, ok := m.inflight[ik]
	if !ok {
		return false
	}
	if time.Since(issued) > m.Cfg.InFlightTimeout {
		delete(m.inflight, ik)
		return false
	}
	return true
}

func (m *Monitor) markInFlight(k position.Key, step string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight[inflightKey{pos: k, step: step}] = time.Now()
}

func (m *Monitor) clearInFlight(k position.Key, step string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, inflightKey{pos: k, step: step})
}

// clearAllInFlight drops every marker for a destroyed position.
func (m *Monitor) clearAllInFlight(k position.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ik := range m.inflight {
		if ik.pos == k {
			delete(m.inflight, ik)
		}
	}
}

func (m *Monitor) alert(kind string, key position.Key, msg string) {
	m.Log.Warn("lifecycle alert",
		zap.String("kind", kind),
		zap.String("user", key.UserID),
		zap.String("symbol", key.Symbol),
		zap.String("exchange", key.Exchange),
		zap.String("message", msg))
	if m.Bus != nil {
		m.Bus.Publish(events.TopicLifecycleAlert, Alert{Kind: kind, Key: key, Message: msg})
	}
}
