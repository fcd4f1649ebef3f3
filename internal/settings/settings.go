// Package settings resolves effective per-(user, strategy, side, exchange)
// trading parameters. Precedence is evaluated per field: explicit row field,
// then strategy-level default, then global default. Callers always receive a
// fully populated Settings value.
package settings

// Settings is the fully resolved parameter set for one 4D key. No field is
// ever left at a "missing" sentinel; resolution guarantees population.
type Settings struct {
	Percent        float64 `json:"percent"`
	SLPercent      float64 `json:"sl_percent"`
	TPPercent      float64 `json:"tp_percent"`
	Leverage       int     `json:"leverage"`
	Direction      string  `json:"direction"`
	OrderType      string  `json:"order_type"`
	LimitOffsetPct float64 `json:"limit_offset_pct"`

	UseATR          bool    `json:"use_atr"`
	ATRPeriods      int     `json:"atr_periods"`
	ATRMultiplierSL float64 `json:"atr_multiplier_sl"`
	ATRTriggerPct   float64 `json:"atr_trigger_pct"`
	ATRStepPct      float64 `json:"atr_step_pct"`

	BEEnabled    bool    `json:"be_enabled"`
	BETriggerPct float64 `json:"be_trigger_pct"`
	BEOffsetPct  float64 `json:"be_offset_pct"`

	DCAEnabled bool    `json:"dca_enabled"`
	DCAPct1    float64 `json:"dca_pct_1"`
	DCAPct2    float64 `json:"dca_pct_2"`

	PartialTPEnabled bool    `json:"partial_tp_enabled"`
	PTP1TriggerPct   float64 `json:"ptp_1_trigger_pct"`
	PTP1ClosePct     float64 `json:"ptp_1_close_pct"`
	PTP2TriggerPct   float64 `json:"ptp_2_trigger_pct"`
	PTP2ClosePct     float64 `json:"ptp_2_close_pct"`

	MaxPositions int    `json:"max_positions"`
	CoinsGroup   string `json:"coins_group"`
	Enabled      bool   `json:"enabled"`
}

// GlobalDefaults is the last-resort value for every field.
func GlobalDefaults() Settings {
	return Settings{
		Percent:        5.0,
		SLPercent:      2.0,
		TPPercent:      4.0,
		Leverage:       5,
		Direction:      "both",
		OrderType:      "market",
		LimitOffsetPct: 0.05,

		UseATR:          false,
		ATRPeriods:      14,
		ATRMultiplierSL: 1.5,
		ATRTriggerPct:   1.0,
		ATRStepPct:      0.5,

		BEEnabled:    false,
		BETriggerPct: 1.0,
		BEOffsetPct:  0.1,

		DCAEnabled: false,
		DCAPct1:    3.0,
		DCAPct2:    6.0,

		PartialTPEnabled: false,
		PTP1TriggerPct:   1.5,
		PTP1ClosePct:     30.0,
		PTP2TriggerPct:   3.0,
		PTP2ClosePct:     30.0,

		MaxPositions: 5,
		CoinsGroup:   "all",
		Enabled:      true,
	}
}
