package position

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/symbols"
)

func testKey(symbol string) Key {
	return Key{UserID: "u1", Symbol: symbol, AccountType: symbols.EnvPaper, Exchange: "bybit"}
}

func TestStoreUpsertGetDelete(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	k := testKey("BTCUSDT")

	_, ok := s.Get(k)
	assert.False(t, ok)

	pos := Position{Key: k, Side: exchange.SideBuy, Size: 1, EntryPrice: 50000, State: StateOpen}
	require.NoError(t, s.Upsert(ctx, pos))

	got, ok := s.Get(k)
	require.True(t, ok)
	assert.Equal(t, StateOpen, got.State)
	assert.False(t, got.OpenedAt.IsZero(), "Upsert stamps OpenedAt")

	require.NoError(t, s.Delete(ctx, k))
	_, ok = s.Get(k)
	assert.False(t, ok)
}

func TestStoreListByUser(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, Position{Key: testKey("BTCUSDT"), Side: exchange.SideBuy, Size: 1, State: StateOpen}))
	require.NoError(t, s.Upsert(ctx, Position{Key: testKey("ETHUSDT"), Side: exchange.SideSell, Size: 2, State: StateOpen}))
	other := Key{UserID: "u2", Symbol: "BTCUSDT", AccountType: symbols.EnvLive, Exchange: "binance"}
	require.NoError(t, s.Upsert(ctx, Position{Key: other, Side: exchange.SideBuy, Size: 3, State: StateOpen}))

	assert.Len(t, s.List(), 3)
	assert.Len(t, s.ListByUser("u1"), 2)
	assert.Len(t, s.ListByUser("u2"), 1)
	assert.Empty(t, s.ListByUser("nobody"))
}

func TestWithLockSerializesMutations(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	k := testKey("BTCUSDT")
	require.NoError(t, s.Upsert(ctx, Position{Key: k, Side: exchange.SideBuy, Size: 0, State: StateOpen}))

	// 50 concurrent read-modify-write cycles; per-key locking makes the
	// final size exact.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithLock(k, func() error {
				p, _ := s.Get(k)
				p.Size++
				return s.Upsert(ctx, p)
			})
		}()
	}
	wg.Wait()

	got, ok := s.Get(k)
	require.True(t, ok)
	assert.InDelta(t, 50, got.Size, 1e-9)
}

func TestClosingSinceSurvivesRestart(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "positions.db"))
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, db.ApplyMigrations(database))

	ctx := context.Background()
	k := testKey("BTCUSDT")
	since := time.Now().Add(-10 * time.Minute)

	s := NewStore(database)
	require.NoError(t, s.Upsert(ctx, Position{
		Key: k, Side: exchange.SideBuy, Size: 1, EntryPrice: 50000,
		State: StateClosing, ClosingSince: since,
	}))

	// A fresh store over the same file simulates a process restart. The
	// closing timestamp must come back or the stuck-close alert can never
	// fire for positions reloaded in CLOSING.
	reloaded := NewStore(database)
	require.NoError(t, reloaded.Load(ctx))

	got, ok := reloaded.Get(k)
	require.True(t, ok)
	assert.Equal(t, StateClosing, got.State)
	require.False(t, got.ClosingSince.IsZero())
	assert.WithinDuration(t, since, got.ClosingSince, 5*time.Second)
}

func TestArchiveDestroysRow(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	k := testKey("BTCUSDT")
	pos := Position{Key: k, Side: exchange.SideBuy, Size: 1, EntryPrice: 50000, State: StateOpen, OpenedAt: time.Now()}
	require.NoError(t, s.Upsert(ctx, pos))

	require.NoError(t, s.Archive(ctx, pos, 51000, 1000, "take_profit"))
	_, ok := s.Get(k)
	assert.False(t, ok, "archived position is destroyed, not kept")
}

func TestPnLPercent(t *testing.T) {
	long := Position{Key: testKey("BTCUSDT"), Side: exchange.SideBuy, EntryPrice: 50000}
	assert.InDelta(t, 1.0, long.PnLPercent(50500), 1e-9)
	assert.InDelta(t, -2.0, long.PnLPercent(49000), 1e-9)

	short := Position{Key: testKey("BTCUSDT"), Side: exchange.SideSell, EntryPrice: 50000}
	assert.InDelta(t, 1.0, short.PnLPercent(49500), 1e-9)
	assert.InDelta(t, -2.0, short.PnLPercent(51000), 1e-9)

	// Leverage never scales the percent; it is a pure price move.
	long.Leverage = 20
	assert.InDelta(t, 1.0, long.PnLPercent(50500), 1e-9)
}

func TestRealizedPnL(t *testing.T) {
	long := Position{Key: testKey("BTCUSDT"), Side: exchange.SideBuy, EntryPrice: 50000}
	assert.InDelta(t, 500, long.RealizedPnL(51000, 0.5), 1e-9)

	short := Position{Key: testKey("BTCUSDT"), Side: exchange.SideSell, EntryPrice: 50000}
	assert.InDelta(t, 500, short.RealizedPnL(49000, 0.5), 1e-9)
	assert.InDelta(t, -500, short.RealizedPnL(51000, 0.5), 1e-9)
}
