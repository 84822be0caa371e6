// Package symbols maps TradingView ticker notation to canonical venue
// symbols (BASE/QUOTE:SETTLE for derivatives, BASE/QUOTE for spot).
package symbols

import (
	"regexp"
	"strings"
)

var (
	pairRe     = regexp.MustCompile(`^([A-Z]+)(USDT|USD)$`)
	spotPairRe = regexp.MustCompile(`^([A-Z]+)(USDT)$`)
)

// ToVenue converts a TradingView ticker such as "BINANCE:ETHUSDT.P" to the
// canonical derivatives form "ETH/USDT:USDT". Already-canonical input passes
// through. The second return is false when no canonical form exists; the
// caller substitutes the configured fallback symbol.
func ToVenue(tvSymbol string) (string, bool) {
	s := strings.ToUpper(strings.TrimSpace(tvSymbol))
	if s == "" {
		return "", false
	}
	if idx := strings.LastIndex(s, ":"); idx >= 0 && !strings.Contains(s, "/") {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(s, ".P")

	m := pairRe.FindStringSubmatch(s)
	if m == nil {
		if strings.Contains(s, "/") && strings.Contains(s, ":") {
			return s, true
		}
		return "", false
	}

	base, quote := m[1], m[2]
	if quote == "USDT" {
		return base + "/USDT:USDT", true
	}
	return base + "/USD:USD", true
}

// ForExchange normalizes a symbol for the named venue. Phemex trades the
// derivatives form; spot-style venues (binance regime source) take
// BASE/USDT without the settlement suffix.
func ForExchange(sym, exchangeID, fallback string) string {
	s := strings.TrimSpace(sym)
	if s == "" {
		return fallback
	}
	switch exchangeID {
	case "phemex":
		if v, ok := ToVenue(s); ok {
			return v
		}
		return fallback
	case "binance":
		if idx := strings.Index(s, ":"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.ToUpper(s)
		if !strings.Contains(s, "/") {
			if m := spotPairRe.FindStringSubmatch(s); m != nil {
				return m[1] + "/USDT"
			}
		}
		return s
	}
	return s
}
