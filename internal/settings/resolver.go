package settings

import (
	"context"
	"errors"
	"fmt"

	"execution-core/pkg/db"
)

// RowSource reads raw settings rows; *db.Database satisfies it.
type RowSource interface {
	GetSettingsRow(ctx context.Context, key db.SettingsKey) (*db.StrategySettingsRow, error)
}

// Resolver produces effective settings for a 4D key. Reads only; writes
// belong to the external configuration flow.
type Resolver struct {
	rows     RowSource
	global   Settings
	strategy map[string]*Overrides
}

// NewResolver builds a resolver over a row source and strategy-level
// defaults (may be empty).
func NewResolver(rows RowSource, strategyDefaults map[string]*Overrides) *Resolver {
	if strategyDefaults == nil {
		strategyDefaults = map[string]*Overrides{}
	}
	return &Resolver{
		rows:     rows,
		global:   GlobalDefaults(),
		strategy: strategyDefaults,
	}
}

// Effective resolves the fully populated settings for one key. A missing
// explicit row is expected and simply means "all defaults".
func (r *Resolver) Effective(ctx context.Context, userID, strategy, side, exchange string) (Settings, error) {
	out := r.global
	r.strategy[strategy].Apply(&out)

	if r.rows == nil {
		return out, nil
	}

	row, err := r.rows.GetSettingsRow(ctx, db.SettingsKey{
		UserID:   userID,
		Strategy: strategy,
		Side:     side,
		Exchange: exchange,
	})
	if errors.Is(err, db.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("resolve settings %s/%s/%s/%s: %w", userID, strategy, side, exchange, err)
	}

	rowOverrides(row).Apply(&out)
	return out, nil
}

// rowOverrides adapts a raw DB row into the override layer.
func rowOverrides(row *db.StrategySettingsRow) *Overrides {
	if row == nil {
		return nil
	}
	return &Overrides{
		Percent:        row.Percent,
		SLPercent:      row.SLPercent,
		TPPercent:      row.TPPercent,
		Leverage:       row.Leverage,
		Direction:      row.Direction,
		OrderType:      row.OrderType,
		LimitOffsetPct: row.LimitOffsetPct,

		UseATR:          row.UseATR,
		ATRPeriods:      row.ATRPeriods,
		ATRMultiplierSL: row.ATRMultiplierSL,
		ATRTriggerPct:   row.ATRTriggerPct,
		ATRStepPct:      row.ATRStepPct,

		BEEnabled:    row.BEEnabled,
		BETriggerPct: row.BETriggerPct,
		BEOffsetPct:  row.BEOffsetPct,

		DCAEnabled: row.DCAEnabled,
		DCAPct1:    row.DCAPct1,
		DCAPct2:    row.DCAPct2,

		PartialTPEnabled: row.PartialTPEnabled,
		PTP1TriggerPct:   row.PTP1TriggerPct,
		PTP1ClosePct:     row.PTP1ClosePct,
		PTP2TriggerPct:   row.PTP2TriggerPct,
		PTP2ClosePct:     row.PTP2ClosePct,

		MaxPositions: row.MaxPositions,
		CoinsGroup:   row.CoinsGroup,
		Enabled:      row.Enabled,
	}
}
