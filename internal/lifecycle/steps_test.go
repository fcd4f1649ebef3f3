package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/position"
	"execution-core/internal/router"
	"execution-core/internal/settings"
	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/symbols"
)

// fakeExec simulates one venue-side position that closes and adds mutate,
// the way a real venue would report back on the next poll.
type fakeExec struct {
	mu         sync.Mutex
	venueQty   float64
	venueSide  exchange.Side
	venueEntry float64
	mark       float64

	posErr      error
	posDelay    time.Duration
	closeStatus exchange.OrderStatus
	closeFail   bool

	closeCalls []float64
	addCalls   []float64
}

func (f *fakeExec) PositionsAt(ctx context.Context, exchangeName string, env symbols.Env, symbol string) ([]exchange.PositionInfo, error) {
	if d := f.posDelay; d > 0 {
		time.Sleep(d)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.posErr != nil {
		return nil, f.posErr
	}
	if f.venueQty <= 1e-9 {
		return nil, nil
	}
	return []exchange.PositionInfo{{
		Symbol:     symbol,
		Side:       f.venueSide,
		Qty:        f.venueQty,
		EntryPrice: f.venueEntry,
		MarkPrice:  f.mark,
	}}, nil
}

func (f *fakeExec) CloseAt(ctx context.Context, key position.Key, qty float64, closeSide exchange.Side) router.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls = append(f.closeCalls, qty)
	if f.closeFail {
		return router.Result{Exchange: key.Exchange, Env: key.AccountType, Error: "venue rejected"}
	}
	status := f.closeStatus
	if status == "" {
		status = exchange.StatusFilled
	}
	if status == exchange.StatusFilled {
		f.venueQty -= qty
		if f.venueQty < 0 {
			f.venueQty = 0
		}
	}
	return router.Result{Exchange: key.Exchange, Env: key.AccountType, Success: true, OrderID: "cls-1", Status: string(status)}
}

func (f *fakeExec) AddAt(ctx context.Context, pos position.Position, qty float64) router.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls = append(f.addCalls, qty)
	f.venueQty += qty
	return router.Result{Exchange: pos.Exchange, Env: pos.AccountType, Success: true, OrderID: "add-1", Status: string(exchange.StatusFilled)}
}

type fakePrices struct{ prices map[string]float64 }

func (f *fakePrices) Mark(symbol string) (float64, bool) {
	p, ok := f.prices[symbol]
	return p, ok
}

type fakeSettings struct{ s settings.Settings }

func (f *fakeSettings) Effective(ctx context.Context, userID, strategy, side, exchangeName string) (settings.Settings, error) {
	return f.s, nil
}

func testKey() position.Key {
	return position.Key{UserID: "u1", Symbol: "BTCUSDT", AccountType: symbols.EnvPaper, Exchange: "bybit"}
}

func newTestMonitor(t *testing.T, pos position.Position, exec *fakeExec, st settings.Settings) (*Monitor, *position.Store) {
	t.Helper()
	store := position.NewStore(nil)
	require.NoError(t, store.Upsert(context.Background(), pos))

	exec.venueSide = pos.Side
	exec.venueEntry = pos.EntryPrice
	if exec.venueQty == 0 {
		exec.venueQty = pos.Size
	}

	m := New(store, exec, &fakePrices{prices: map[string]float64{}}, &fakeSettings{s: st},
		events.NewBus(), zap.NewNop(), DefaultConfig())
	return m, store
}

func openLong(size, entry float64) position.Position {
	return position.Position{
		Key:        testKey(),
		Side:       exchange.SideBuy,
		Size:       size,
		EntryPrice: entry,
		MarkPrice:  entry,
		Leverage:   5,
		Strategy:   "trend",
		State:      position.StateOpen,
		OpenedAt:   time.Now(),
	}
}

func TestBreakEvenArmsOnceAtOffset(t *testing.T) {
	st := settings.GlobalDefaults()
	st.BEEnabled = true
	st.BETriggerPct = 1.0
	st.BEOffsetPct = 0.15

	exec := &fakeExec{mark: 50500} // +1.0%
	m, store := newTestMonitor(t, openLong(1, 50000), exec, st)

	require.NoError(t, m.evaluate(context.Background(), testKey()))
	pos, ok := store.Get(testKey())
	require.True(t, ok)
	assert.True(t, pos.BEArmed)
	assert.InDelta(t, 50075.0, pos.StopLoss, 1e-9, "stop = entry x (1 + offset/100)")

	// Profit shrinking below the trigger never re-evaluates the flag.
	exec.mark = 50200
	require.NoError(t, m.evaluate(context.Background(), testKey()))
	pos, _ = store.Get(testKey())
	assert.True(t, pos.BEArmed)
	assert.InDelta(t, 50075.0, pos.StopLoss, 1e-9)
}

func TestBreakEvenShortSide(t *testing.T) {
	st := settings.GlobalDefaults()
	st.BEEnabled = true
	st.BETriggerPct = 1.0
	st.BEOffsetPct = 0.15

	pos := openLong(1, 50000)
	pos.Side = exchange.SideSell
	exec := &fakeExec{mark: 49500} // +1.0% for a short
	m, store := newTestMonitor(t, pos, exec, st)

	require.NoError(t, m.evaluate(context.Background(), testKey()))
	got, _ := store.Get(testKey())
	assert.True(t, got.BEArmed)
	assert.InDelta(t, 50000*(1-0.0015), got.StopLoss, 1e-9)
}

func TestATRTrailingOnlyTightens(t *testing.T) {
	st := settings.GlobalDefaults()
	st.UseATR = true
	st.ATRTriggerPct = 1.0
	st.ATRStepPct = 0.5

	exec := &fakeExec{mark: 50500}
	m, store := newTestMonitor(t, openLong(1, 50000), exec, st)
	ctx := context.Background()

	require.NoError(t, m.evaluate(ctx, testKey()))
	pos, _ := store.Get(testKey())
	assert.True(t, pos.ATRActivated)
	assert.True(t, pos.TrailingActive)
	assert.InDelta(t, 50500*0.995, pos.StopLoss, 1e-6)

	// Price advances: the stop follows upward.
	exec.mark = 51000
	require.NoError(t, m.evaluate(ctx, testKey()))
	pos, _ = store.Get(testKey())
	assert.InDelta(t, 51000*0.995, pos.StopLoss, 1e-6)
	assert.InDelta(t, pos.StopLoss, pos.ATRLastStopPrice, 1e-6)

	// Price retreats but stays above the stop: the stop never loosens.
	exec.mark = 50800
	require.NoError(t, m.evaluate(ctx, testKey()))
	pos, _ = store.Get(testKey())
	assert.InDelta(t, 51000*0.995, pos.StopLoss, 1e-6)
}

func TestPartialTakeProfitSequential(t *testing.T) {
	st := settings.GlobalDefaults()
	st.PartialTPEnabled = true
	st.PTP1TriggerPct = 1.5
	st.PTP1ClosePct = 30
	st.PTP2TriggerPct = 3.0
	st.PTP2ClosePct = 30

	// +4% clears both triggers, but levels run one per tick, in order.
	exec := &fakeExec{mark: 52000}
	m, store := newTestMonitor(t, openLong(1, 50000), exec, st)
	ctx := context.Background()

	require.NoError(t, m.evaluate(ctx, testKey()))
	pos, _ := store.Get(testKey())
	assert.True(t, pos.PTPStep1Done)
	assert.False(t, pos.PTPStep2Done)
	assert.InDelta(t, 0.7, pos.Size, 1e-9)
	require.Len(t, exec.closeCalls, 1)
	assert.InDelta(t, 0.3, exec.closeCalls[0], 1e-9)

	require.NoError(t, m.evaluate(ctx, testKey()))
	pos, _ = store.Get(testKey())
	assert.True(t, pos.PTPStep2Done)
	assert.InDelta(t, 0.49, pos.Size, 1e-9, "level 2 closes a share of the remaining size")
	require.Len(t, exec.closeCalls, 2)
	assert.InDelta(t, 0.21, exec.closeCalls[1], 1e-9)

	// Both levels done: no further partial closes.
	require.NoError(t, m.evaluate(ctx, testKey()))
	assert.Len(t, exec.closeCalls, 2)
}

func TestDCAAddsAndReweightsEntry(t *testing.T) {
	st := settings.GlobalDefaults()
	st.DCAEnabled = true
	st.DCAPct1 = 3.0
	st.DCAPct2 = 6.0

	exec := &fakeExec{mark: 48500} // -3.0%
	m, store := newTestMonitor(t, openLong(1, 50000), exec, st)
	ctx := context.Background()

	require.NoError(t, m.evaluate(ctx, testKey()))
	pos, _ := store.Get(testKey())
	assert.Equal(t, 1, pos.DCACount)
	assert.InDelta(t, 2.0, pos.Size, 1e-9, "add doubles the position")
	assert.InDelta(t, 49250, pos.EntryPrice, 1e-6, "size-weighted entry")
	require.Len(t, exec.addCalls, 1)
	assert.InDelta(t, 1.0, exec.addCalls[0], 1e-9)

	// Still above the level-2 threshold against the new entry: no add.
	require.NoError(t, m.evaluate(ctx, testKey()))
	pos, _ = store.Get(testKey())
	assert.Equal(t, 1, pos.DCACount)
	assert.Len(t, exec.addCalls, 1)

	// Deep enough drawdown triggers level 2; level 3 never exists.
	exec.mark = 46000 // -6.6% vs 49250
	require.NoError(t, m.evaluate(ctx, testKey()))
	pos, _ = store.Get(testKey())
	assert.Equal(t, 2, pos.DCACount)
	assert.InDelta(t, 4.0, pos.Size, 1e-9)
	assert.InDelta(t, 47625, pos.EntryPrice, 1e-6)

	require.NoError(t, m.evaluate(ctx, testKey()))
	pos, _ = store.Get(testKey())
	assert.Equal(t, 2, pos.DCACount)
	assert.Len(t, exec.addCalls, 2)
}

func TestStopLossClosesAndArchives(t *testing.T) {
	st := settings.GlobalDefaults()

	pos := openLong(1, 50000)
	pos.StopLoss = 49000
	exec := &fakeExec{mark: 48900}
	m, store := newTestMonitor(t, pos, exec, st)

	bus := m.Bus
	closed, unsub := bus.Subscribe(events.TopicPositionClosed, 1)
	defer unsub()

	require.NoError(t, m.evaluate(context.Background(), testKey()))
	_, ok := store.Get(testKey())
	assert.False(t, ok, "closed position row is destroyed")
	require.Len(t, exec.closeCalls, 1)
	assert.InDelta(t, 1.0, exec.closeCalls[0], 1e-9)

	select {
	case msg := <-closed:
		got, isPos := msg.(position.Position)
		require.True(t, isPos)
		assert.Equal(t, position.StateClosed, got.State)
	default:
		t.Fatal("expected a position.closed event")
	}
}

func TestTakeProfitCloses(t *testing.T) {
	pos := openLong(1, 50000)
	pos.TakeProfit = 52000
	exec := &fakeExec{mark: 52100}
	m, store := newTestMonitor(t, pos, exec, settings.GlobalDefaults())

	require.NoError(t, m.evaluate(context.Background(), testKey()))
	_, ok := store.Get(testKey())
	assert.False(t, ok)
}

func TestReconciliationAdoptsVenueTruth(t *testing.T) {
	// Venue reports a different size: exchange truth wins.
	exec := &fakeExec{mark: 50000, venueQty: 0.4}
	m, store := newTestMonitor(t, openLong(1, 50000), exec, settings.GlobalDefaults())

	require.NoError(t, m.evaluate(context.Background(), testKey()))
	pos, ok := store.Get(testKey())
	require.True(t, ok)
	assert.InDelta(t, 0.4, pos.Size, 1e-9)
}

func TestReconciliationClosesExternallyFlattened(t *testing.T) {
	pos := openLong(1, 50000)
	pos.MarkPrice = 50800
	exec := &fakeExec{}
	m, store := newTestMonitor(t, pos, exec, settings.GlobalDefaults())
	exec.venueQty = 0 // liquidated or manually closed on the venue

	closed, unsub := m.Bus.Subscribe(events.TopicPositionClosed, 1)
	defer unsub()

	require.NoError(t, m.evaluate(context.Background(), testKey()))
	_, ok := store.Get(testKey())
	assert.False(t, ok, "externally closed position is archived and removed")
	assert.Empty(t, exec.closeCalls, "no close order is sent for a position the venue no longer has")

	select {
	case <-closed:
	default:
		t.Fatal("expected a position.closed event")
	}
}

func TestVenueErrorSkipsTick(t *testing.T) {
	exec := &fakeExec{posErr: errors.New("venue unreachable")}
	m, store := newTestMonitor(t, openLong(1, 50000), exec, settings.GlobalDefaults())

	err := m.evaluate(context.Background(), testKey())
	require.Error(t, err)
	// Position untouched: no action on stale state.
	pos, ok := store.Get(testKey())
	require.True(t, ok)
	assert.Equal(t, position.StateOpen, pos.State)
	assert.InDelta(t, 1.0, pos.Size, 1e-9)
}

func TestPendingCloseEntersClosingState(t *testing.T) {
	pos := openLong(1, 50000)
	pos.StopLoss = 49000
	exec := &fakeExec{mark: 48900, closeStatus: exchange.StatusNew}
	m, store := newTestMonitor(t, pos, exec, settings.GlobalDefaults())
	ctx := context.Background()

	require.NoError(t, m.evaluate(ctx, testKey()))
	got, ok := store.Get(testKey())
	require.True(t, ok)
	assert.Equal(t, position.StateClosing, got.State)
	assert.False(t, got.ClosingSince.IsZero())
	require.Len(t, exec.closeCalls, 1)

	// Order still pending: no blind resubmit on the next tick.
	require.NoError(t, m.evaluate(ctx, testKey()))
	assert.Len(t, exec.closeCalls, 1)

	// Venue finally drops the position: CLOSING resolves to CLOSED.
	exec.mu.Lock()
	exec.venueQty = 0
	exec.mu.Unlock()
	require.NoError(t, m.evaluate(ctx, testKey()))
	_, ok = store.Get(testKey())
	assert.False(t, ok)
}

func TestFailedCloseRetriesNextTick(t *testing.T) {
	pos := openLong(1, 50000)
	pos.StopLoss = 49000
	exec := &fakeExec{mark: 48900, closeFail: true}
	m, store := newTestMonitor(t, pos, exec, settings.GlobalDefaults())
	ctx := context.Background()

	require.NoError(t, m.evaluate(ctx, testKey()))
	got, ok := store.Get(testKey())
	require.True(t, ok)
	assert.Equal(t, position.StateOpen, got.State, "a failed submit keeps the position OPEN for retry")
	require.Len(t, exec.closeCalls, 1)

	// Retry succeeds once the venue accepts.
	exec.mu.Lock()
	exec.closeFail = false
	exec.mu.Unlock()
	require.NoError(t, m.evaluate(ctx, testKey()))
	_, ok = store.Get(testKey())
	assert.False(t, ok)
	assert.Len(t, exec.closeCalls, 2)
}

func TestConcurrentEvaluationsSingleDCAAdd(t *testing.T) {
	st := settings.GlobalDefaults()
	st.DCAEnabled = true
	st.DCAPct1 = 3.0
	st.DCAPct2 = 6.0

	exec := &fakeExec{mark: 48500} // -3.0% trips level 1
	m, store := newTestMonitor(t, openLong(1, 50000), exec, st)

	// Two sweeps racing on the same key: the per-key lock serializes them,
	// so the loser re-reads DCACount=1 and must not add again.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.evaluate(context.Background(), testKey()))
		}()
	}
	wg.Wait()

	pos, ok := store.Get(testKey())
	require.True(t, ok)
	assert.Equal(t, 1, pos.DCACount)
	assert.Len(t, exec.addCalls, 1, "one add per trigger level, never two")
	assert.InDelta(t, 2.0, pos.Size, 1e-9)
}

func TestRunDrainsEvaluationsOnCancel(t *testing.T) {
	exec := &fakeExec{mark: 50500, posDelay: 150 * time.Millisecond}
	m, store := newTestMonitor(t, openLong(1, 50000), exec, settings.GlobalDefaults())
	m.Cfg.TickInterval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	// Cancel while the first tick's evaluation is still inside the venue
	// call; Run must wait for it instead of abandoning it.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	pos, ok := store.Get(testKey())
	require.True(t, ok)
	assert.InDelta(t, 50500, pos.MarkPrice, 1e-9, "the in-flight evaluation ran to completion")
}

func TestOpeningPromotesWhenVenueReports(t *testing.T) {
	pos := openLong(1, 50000)
	pos.State = position.StateOpening
	exec := &fakeExec{mark: 50100}
	m, store := newTestMonitor(t, pos, exec, settings.GlobalDefaults())
	exec.mu.Lock()
	exec.venueQty = 0 // resting limit entry, not filled yet
	exec.mu.Unlock()

	opened, unsub := m.Bus.Subscribe(events.TopicPositionOpened, 1)
	defer unsub()

	require.NoError(t, m.evaluate(context.Background(), testKey()))
	got, ok := store.Get(testKey())
	require.True(t, ok)
	assert.Equal(t, position.StateOpening, got.State, "unfilled entry stays put")
	select {
	case <-opened:
		t.Fatal("no position.opened before the venue reports the fill")
	default:
	}

	// The fill lands; venue reports its size and average entry.
	exec.mu.Lock()
	exec.venueQty = 1
	exec.venueEntry = 50050
	exec.mu.Unlock()

	require.NoError(t, m.evaluate(context.Background(), testKey()))
	got, _ = store.Get(testKey())
	assert.Equal(t, position.StateOpen, got.State)
	assert.InDelta(t, 50050, got.EntryPrice, 1e-9, "venue entry is adopted on promotion")
	select {
	case <-opened:
	default:
		t.Fatal("expected a position.opened event on promotion")
	}
}

func TestReconciliationTreatsSideFlipAsClosed(t *testing.T) {
	pos := openLong(1, 50000)
	pos.MarkPrice = 50200
	exec := &fakeExec{mark: 50200}
	m, store := newTestMonitor(t, pos, exec, settings.GlobalDefaults())
	exec.mu.Lock()
	exec.venueSide = exchange.SideSell // closed and reopened short on the venue
	exec.mu.Unlock()

	closed, unsub := m.Bus.Subscribe(events.TopicPositionClosed, 1)
	defer unsub()

	require.NoError(t, m.evaluate(context.Background(), testKey()))
	_, ok := store.Get(testKey())
	assert.False(t, ok, "a side flip is an external close, not a size change")
	assert.Empty(t, exec.closeCalls, "the reopened short is not ours to manage")

	select {
	case <-closed:
	default:
		t.Fatal("expected a position.closed event")
	}
}

func TestClosingResubmitKeepsTakeProfitReason(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "lifecycle.db"))
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, db.ApplyMigrations(database))

	store := position.NewStore(database)
	pos := openLong(1, 50000)
	pos.TakeProfit = 52000
	pos.MarkPrice = 52100
	pos.State = position.StateClosing
	pos.ClosingSince = time.Now().Add(-time.Minute)
	require.NoError(t, store.Upsert(context.Background(), pos))

	exec := &fakeExec{mark: 52100, venueQty: 1, venueSide: exchange.SideBuy, venueEntry: 50000}
	m := New(store, exec, &fakePrices{prices: map[string]float64{}}, &fakeSettings{s: settings.GlobalDefaults()},
		events.NewBus(), zap.NewNop(), DefaultConfig())

	// No pending marker survives a restart, so the close is resubmitted and
	// fills at once; the archived reason must reflect the profitable exit.
	require.NoError(t, m.evaluate(context.Background(), testKey()))
	_, ok := store.Get(testKey())
	assert.False(t, ok)

	var reason string
	require.NoError(t, database.DB.QueryRow(`SELECT close_reason FROM trade_archive`).Scan(&reason))
	assert.Equal(t, "take_profit", reason)
}

func TestTickEvaluatesAllPositions(t *testing.T) {
	st := settings.GlobalDefaults()
	store := position.NewStore(nil)
	exec := &fakeExec{mark: 50000, venueQty: 1, venueSide: exchange.SideBuy, venueEntry: 50000}

	keys := []position.Key{
		{UserID: "u1", Symbol: "BTCUSDT", AccountType: symbols.EnvPaper, Exchange: "bybit"},
		{UserID: "u1", Symbol: "ETHUSDT", AccountType: symbols.EnvPaper, Exchange: "bybit"},
		{UserID: "u2", Symbol: "BTCUSDT", AccountType: symbols.EnvLive, Exchange: "binance"},
	}
	for _, k := range keys {
		require.NoError(t, store.Upsert(context.Background(), position.Position{
			Key: k, Side: exchange.SideBuy, Size: 1, EntryPrice: 50000, State: position.StateOpen,
		}))
	}

	m := New(store, exec, &fakePrices{prices: map[string]float64{}}, &fakeSettings{s: st},
		events.NewBus(), zap.NewNop(), Config{Workers: 2})
	m.Tick(context.Background())

	// Every position was refreshed with the venue mark.
	for _, k := range keys {
		pos, ok := store.Get(k)
		require.True(t, ok)
		assert.InDelta(t, 50000, pos.MarkPrice, 1e-9)
	}
}
