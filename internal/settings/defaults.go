package settings

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Overrides is a partial settings fragment. Nil fields inherit from the
// next precedence level. It doubles as the YAML shape for strategy-level
// defaults files.
type Overrides struct {
	Percent        *float64 `yaml:"percent"`
	SLPercent      *float64 `yaml:"sl_percent"`
	TPPercent      *float64 `yaml:"tp_percent"`
	Leverage       *int     `yaml:"leverage"`
	Direction      *string  `yaml:"direction"`
	OrderType      *string  `yaml:"order_type"`
	LimitOffsetPct *float64 `yaml:"limit_offset_pct"`

	UseATR          *bool    `yaml:"use_atr"`
	ATRPeriods      *int     `yaml:"atr_periods"`
	ATRMultiplierSL *float64 `yaml:"atr_multiplier_sl"`
	ATRTriggerPct   *float64 `yaml:"atr_trigger_pct"`
	ATRStepPct      *float64 `yaml:"atr_step_pct"`

	BEEnabled    *bool    `yaml:"be_enabled"`
	BETriggerPct *float64 `yaml:"be_trigger_pct"`
	BEOffsetPct  *float64 `yaml:"be_offset_pct"`

	DCAEnabled *bool    `yaml:"dca_enabled"`
	DCAPct1    *float64 `yaml:"dca_pct_1"`
	DCAPct2    *float64 `yaml:"dca_pct_2"`

	PartialTPEnabled *bool    `yaml:"partial_tp_enabled"`
	PTP1TriggerPct   *float64 `yaml:"ptp_1_trigger_pct"`
	PTP1ClosePct     *float64 `yaml:"ptp_1_close_pct"`
	PTP2TriggerPct   *float64 `yaml:"ptp_2_trigger_pct"`
	PTP2ClosePct     *float64 `yaml:"ptp_2_close_pct"`

	MaxPositions *int    `yaml:"max_positions"`
	CoinsGroup   *string `yaml:"coins_group"`
	Enabled      *bool   `yaml:"enabled"`
}

// Apply layers the non-nil fields of o onto s.
func (o *Overrides) Apply(s *Settings) {
	if o == nil {
		return
	}
	applyFloat(&s.Percent, o.Percent)
	applyFloat(&s.SLPercent, o.SLPercent)
	applyFloat(&s.TPPercent, o.TPPercent)
	applyInt(&s.Leverage, o.Leverage)
	applyString(&s.Direction, o.Direction)
	applyString(&s.OrderType, o.OrderType)
	applyFloat(&s.LimitOffsetPct, o.LimitOffsetPct)

	applyBool(&s.UseATR, o.UseATR)
	applyInt(&s.ATRPeriods, o.ATRPeriods)
	applyFloat(&s.ATRMultiplierSL, o.ATRMultiplierSL)
	applyFloat(&s.ATRTriggerPct, o.ATRTriggerPct)
	applyFloat(&s.ATRStepPct, o.ATRStepPct)

	applyBool(&s.BEEnabled, o.BEEnabled)
	applyFloat(&s.BETriggerPct, o.BETriggerPct)
	applyFloat(&s.BEOffsetPct, o.BEOffsetPct)

	applyBool(&s.DCAEnabled, o.DCAEnabled)
	applyFloat(&s.DCAPct1, o.DCAPct1)
	applyFloat(&s.DCAPct2, o.DCAPct2)

	applyBool(&s.PartialTPEnabled, o.PartialTPEnabled)
	applyFloat(&s.PTP1TriggerPct, o.PTP1TriggerPct)
	applyFloat(&s.PTP1ClosePct, o.PTP1ClosePct)
	applyFloat(&s.PTP2TriggerPct, o.PTP2TriggerPct)
	applyFloat(&s.PTP2ClosePct, o.PTP2ClosePct)

	applyInt(&s.MaxPositions, o.MaxPositions)
	applyString(&s.CoinsGroup, o.CoinsGroup)
	applyBool(&s.Enabled, o.Enabled)
}

func applyFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func applyInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func applyBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func applyString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

// defaultsFile is the YAML shape of the strategy-level defaults file.
type defaultsFile struct {
	Strategies map[string]*Overrides `yaml:"strategies"`
}

// LoadStrategyDefaults reads strategy-level defaults from a YAML file.
// A missing path yields an empty map; a malformed file is an error.
func LoadStrategyDefaults(path string) (map[string]*Overrides, error) {
	if path == "" {
		return map[string]*Overrides{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Overrides{}, nil
		}
		return nil, fmt.Errorf("read strategy defaults: %w", err)
	}
	var file defaultsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse strategy defaults: %w", err)
	}
	if file.Strategies == nil {
		file.Strategies = map[string]*Overrides{}
	}
	return file.Strategies, nil
}
