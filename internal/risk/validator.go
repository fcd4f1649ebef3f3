// Package risk validates stop-loss x leverage combinations against the
// configured maximum risk policy before any order is dispatched.
package risk

import (
	"fmt"
	"strings"
)

// Policy decides what happens when an intent exceeds the risk limit.
type Policy int

const (
	// PolicyAutoAdjust clamps the stop-loss so risk lands exactly on the
	// limit.
	PolicyAutoAdjust Policy = iota
	// PolicyReject refuses the intent outright.
	PolicyReject
)

// ParsePolicy maps a config string onto a Policy. Unknown values default to
// auto-adjust.
func ParsePolicy(s string) Policy {
	if strings.EqualFold(strings.TrimSpace(s), "reject") {
		return PolicyReject
	}
	return PolicyAutoAdjust
}

// Validate checks risk = sl_percent x leverage against maxRiskPct.
// A nil slPercent, non-positive leverage, or non-positive maxRiskPct means
// "no constraint" and is always valid.
func Validate(slPercent *float64, leverage int, maxRiskPct float64) (bool, string) {
	if slPercent == nil || leverage <= 0 || maxRiskPct <= 0 {
		return true, ""
	}
	risk := *slPercent * float64(leverage)
	if risk > maxRiskPct {
		return false, fmt.Sprintf("risk %.2f%% (sl %.2f%% x %dx) exceeds max %.2f%%",
			risk, *slPercent, leverage, maxRiskPct)
	}
	return true, ""
}

// AutoAdjustSL returns the stop-loss consistent with maxRiskPct at the given
// leverage; a valid input comes back unchanged.
func AutoAdjustSL(slPercent *float64, leverage int, maxRiskPct float64) *float64 {
	ok, _ := Validate(slPercent, leverage, maxRiskPct)
	if ok {
		return slPercent
	}
	adjusted := maxRiskPct / float64(leverage)
	return &adjusted
}
