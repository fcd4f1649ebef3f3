package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, ApplyMigrations(d))
	return d
}

func TestMigrationsIdempotent(t *testing.T) {
	d := newTestDB(t)
	assert.NoError(t, ApplyMigrations(d))
}

func TestUserRoundTrip(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	_, err := d.GetUserByEmail(ctx, "missing@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, d.CreateUser(ctx, User{ID: "u1", Email: "a@b.c", PasswordHash: "hash"}))

	got, err := d.GetUserByEmail(ctx, "a@b.c")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)
	assert.Equal(t, "hash", got.PasswordHash)

	// Email is unique.
	assert.Error(t, d.CreateUser(ctx, User{ID: "u2", Email: "a@b.c", PasswordHash: "x"}))
}

func TestListTargetsEnabledOnly(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.UpsertTarget(ctx, ExecutionTarget{
		ID: "t1", UserID: "u1", Strategy: "trend", Exchange: "bybit", Env: "paper",
		IsEnabled: true, MaxLeverage: 20, RiskLimitPct: 30,
	}))
	require.NoError(t, d.UpsertTarget(ctx, ExecutionTarget{
		ID: "t2", UserID: "u1", Strategy: "trend", Exchange: "binance", Env: "paper",
		IsEnabled: false, MaxLeverage: 10, RiskLimitPct: 30,
	}))

	targets, err := d.ListTargets(ctx, "u1", "trend")
	require.NoError(t, err)
	require.Len(t, targets, 1, "disabled targets are never routed to")
	assert.Equal(t, "bybit", targets[0].Exchange)

	// Re-enabling via upsert keeps the same (user, strategy, exchange, env) row.
	require.NoError(t, d.UpsertTarget(ctx, ExecutionTarget{
		ID: "t2-dup", UserID: "u1", Strategy: "trend", Exchange: "binance", Env: "paper",
		IsEnabled: true, MaxLeverage: 15, RiskLimitPct: 25,
	}))
	targets, err = d.ListTargets(ctx, "u1", "trend")
	require.NoError(t, err)
	assert.Len(t, targets, 2)

	// Strategy scoping.
	targets, err = d.ListTargets(ctx, "u1", "scalp")
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestGetSettingsRowPartial(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	key := SettingsKey{UserID: "u1", Strategy: "trend", Side: "buy", Exchange: "bybit"}

	_, err := d.GetSettingsRow(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	// A row overriding only leverage and be_enabled; everything else NULL.
	_, err = d.DB.ExecContext(ctx, `
		INSERT INTO strategy_settings (user_id, strategy, side, exchange, leverage, be_enabled)
		VALUES (?, ?, ?, ?, ?, ?)
	`, key.UserID, key.Strategy, key.Side, key.Exchange, 12, 1)
	require.NoError(t, err)

	row, err := d.GetSettingsRow(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, row.Leverage)
	assert.Equal(t, 12, *row.Leverage)
	require.NotNil(t, row.BEEnabled)
	assert.True(t, *row.BEEnabled)
	assert.Nil(t, row.SLPercent, "unset columns stay nil for layered resolution")
	assert.Nil(t, row.UseATR)
	assert.Nil(t, row.CoinsGroup)

	// Side is part of the key: the sell row does not exist.
	sellKey := key
	sellKey.Side = "sell"
	_, err = d.GetSettingsRow(ctx, sellKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPositionPersistence(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	row := PositionRow{
		UserID: "u1", Symbol: "BTCUSDT", AccountType: "paper", Exchange: "bybit",
		Side: "BUY", Size: 1, EntryPrice: 50000, MarkPrice: 50100,
		Leverage: 5, StopLoss: 49000, TakeProfit: 52000,
		Strategy: "trend", State: "OPEN", DCACount: 1, BEArmed: true,
	}
	require.NoError(t, d.UpsertPosition(ctx, row))

	got, err := d.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "BTCUSDT", got[0].Symbol)
	assert.True(t, got[0].BEArmed)
	assert.Equal(t, 1, got[0].DCACount)
	assert.False(t, got[0].OpenedAt.IsZero())

	// Upsert on the same key updates in place.
	row.Size = 2
	row.PTPStep1Done = true
	require.NoError(t, d.UpsertPosition(ctx, row))
	got, err = d.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 2, got[0].Size, 1e-9)
	assert.True(t, got[0].PTPStep1Done)

	require.NoError(t, d.DeletePosition(ctx, "u1", "BTCUSDT", "paper", "bybit"))
	got, err = d.ListPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestInsertArchive(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.InsertArchive(ctx, ArchivedTrade{
		ID: "a1", UserID: "u1", Symbol: "BTCUSDT", AccountType: "paper", Exchange: "bybit",
		Side: "BUY", Size: 1, EntryPrice: 50000, ExitPrice: 51000, RealizedPnL: 1000,
		Leverage: 5, Strategy: "trend", CloseReason: "take_profit",
	}))

	var count int
	require.NoError(t, d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM trade_archive WHERE user_id = 'u1'`).Scan(&count))
	assert.Equal(t, 1, count)
}
