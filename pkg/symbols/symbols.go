// Package symbols canonicalizes instrument symbols and environment names
// across venues. All functions are pure: no I/O, no state, and the
// normalize/denormalize pairs round-trip exactly.
package symbols

import (
	"fmt"
	"strings"
)

// Env is the canonical environment name.
type Env string

const (
	EnvPaper Env = "paper"
	EnvLive  Env = "live"
)

// venueProfile describes how one exchange names symbols and environments.
type venueProfile struct {
	// bareBase venues quote perpetuals by base asset only ("BTC"); the
	// canonical quote suffix is stripped/added deterministically.
	bareBase    bool
	quoteSuffix string
	paperName   string
	liveName    string
}

var venues = map[string]venueProfile{
	"bybit": {
		quoteSuffix: "USDT",
		paperName:   "demo",
		liveName:    "real",
	},
	"binance": {
		quoteSuffix: "USDT",
		paperName:   "testnet",
		liveName:    "mainnet",
	},
	"hyperliquid": {
		bareBase:    true,
		quoteSuffix: "USDT",
		paperName:   "testnet",
		liveName:    "mainnet",
	},
}

func profile(exchange string) (venueProfile, error) {
	p, ok := venues[strings.ToLower(exchange)]
	if !ok {
		return venueProfile{}, fmt.Errorf("symbols: unknown exchange %q", exchange)
	}
	return p, nil
}

// Exchanges returns the set of known venue names.
func Exchanges() []string {
	out := make([]string, 0, len(venues))
	for name := range venues {
		out = append(out, name)
	}
	return out
}

// Normalize converts a venue-native symbol into canonical form
// (upper-cased, always carrying the quote-asset suffix, e.g. "BTCUSDT").
func Normalize(raw, exchange string) (string, error) {
	p, err := profile(exchange)
	if err != nil {
		return "", err
	}
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", fmt.Errorf("symbols: empty symbol for %s", exchange)
	}
	if p.bareBase {
		if strings.HasSuffix(s, p.quoteSuffix) {
			return "", fmt.Errorf("symbols: %q already carries quote suffix, expected bare base for %s", raw, exchange)
		}
		return s + p.quoteSuffix, nil
	}
	if !strings.HasSuffix(s, p.quoteSuffix) {
		return "", fmt.Errorf("symbols: %q missing %s suffix for %s", raw, p.quoteSuffix, exchange)
	}
	return s, nil
}

// Denormalize converts a canonical symbol back to the venue-native form.
// Denormalize(Normalize(s, e), e) == s for every valid s.
func Denormalize(canonical, exchange string) (string, error) {
	p, err := profile(exchange)
	if err != nil {
		return "", err
	}
	s := strings.ToUpper(strings.TrimSpace(canonical))
	if !strings.HasSuffix(s, p.quoteSuffix) || len(s) == len(p.quoteSuffix) {
		return "", fmt.Errorf("symbols: %q is not a canonical symbol", canonical)
	}
	if p.bareBase {
		return strings.TrimSuffix(s, p.quoteSuffix), nil
	}
	return s, nil
}

// NormalizeEnv maps a venue-native environment name onto {paper, live}.
func NormalizeEnv(raw string) (Env, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "paper", "demo", "testnet", "test":
		return EnvPaper, nil
	case "live", "real", "mainnet", "prod":
		return EnvLive, nil
	default:
		return "", fmt.Errorf("symbols: unknown environment %q", raw)
	}
}

// DenormalizeEnv maps the canonical environment to the name the venue uses.
func DenormalizeEnv(env Env, exchange string) (string, error) {
	p, err := profile(exchange)
	if err != nil {
		return "", err
	}
	switch env {
	case EnvPaper:
		return p.paperName, nil
	case EnvLive:
		return p.liveName, nil
	default:
		return "", fmt.Errorf("symbols: unknown canonical environment %q", env)
	}
}
