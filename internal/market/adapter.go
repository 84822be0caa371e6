// Package market wraps the venue client with the convenience reads the
// webhook pipeline needs: cached market constraints, live or mark price,
// current position, and a defensive equity probe that survives the venue's
// many balance payload shapes.
package market

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"phemex-relay/internal/exchange"
)

// Adapter combines a venue client with lazy per-symbol market metadata.
type Adapter struct {
	ex  exchange.Client
	log zerolog.Logger

	infoMu sync.Mutex
	info   map[string]*exchange.MarketInfo
}

// NewAdapter wraps the client.
func NewAdapter(ex exchange.Client, log zerolog.Logger) *Adapter {
	return &Adapter{ex: ex, log: log, info: make(map[string]*exchange.MarketInfo)}
}

// Client exposes the underlying venue client.
func (a *Adapter) Client() exchange.Client { return a.ex }

// Info returns cached market constraints for the symbol. A lookup failure
// yields permissive defaults so order placement can still proceed.
func (a *Adapter) Info(ctx context.Context, symbol string) *exchange.MarketInfo {
	a.infoMu.Lock()
	if mi, ok := a.info[symbol]; ok {
		a.infoMu.Unlock()
		return mi
	}
	a.infoMu.Unlock()

	// Fetch without holding the lock so one slow venue call cannot stall
	// cached reads for other symbols. Concurrent misses may fetch twice; the
	// last write wins.
	mi, err := a.ex.MarketInfo(ctx, symbol)
	if err != nil {
		a.log.Warn().Str("event", "market_info_failed").Str("symbol", symbol).Err(err).Msg("")
		mi = &exchange.MarketInfo{Symbol: symbol}
	}

	a.infoMu.Lock()
	a.info[symbol] = mi
	a.infoMu.Unlock()
	return mi
}

// RoundStep floors v to a multiple of step. A zero step passes v through.
// The epsilon keeps exact multiples from dropping a step to float error.
func RoundStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return math.Floor(v/step+1e-9) * step
}

// Price returns the trading price for the symbol, preferring the mark price
// when useMark is set and the venue reports one.
func (a *Adapter) Price(ctx context.Context, symbol string, useMark bool) (float64, error) {
	t, err := a.ex.FetchTicker(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if useMark && t.MarkPrice > 0 {
		return t.MarkPrice, nil
	}
	return t.Last, nil
}

// Position returns the open position for the symbol, nil when flat.
func (a *Adapter) Position(ctx context.Context, symbol string) (*exchange.Position, error) {
	positions, err := a.ex.FetchPositions(ctx, symbol)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Contracts > 0 {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// SideQty reports the current position as a signed-side pair: ("long", 0.4),
// ("short", 1.2) or ("", 0) when flat.
func (a *Adapter) SideQty(ctx context.Context, symbol string) (string, float64, error) {
	p, err := a.Position(ctx, symbol)
	if err != nil {
		return "", 0, err
	}
	if p == nil {
		return "", 0, nil
	}
	return p.Side, p.Contracts, nil
}

// balanceProbes are the params variants tried in order until one yields a
// usable equity figure.
var balanceProbes = []map[string]string{
	{},
	{"type": "swap"},
	{"type": "future"},
	{"type": "contract"},
}

// evFallbackKeys are raw payload fields holding scaled integer balances on
// older venue payloads. Values above 1e6 are treated as 1e8-scaled.
var evFallbackKeys = []string{
	"availableBalanceEv",
	"totalBalanceEv",
	"accountBalanceEv",
	"cashBal",
	"totalWalletBalance",
}

// Equity returns the account equity in the configured settlement currency.
// code is the currency ("USDT"); prefer names the balance field tried first
// ("free", "total", ...). All probe failures degrade to 0 with a diagnostic
// log rather than failing the signal.
func (a *Adapter) Equity(ctx context.Context, code, prefer string, debug bool) float64 {
	probes := append(balanceProbes, map[string]string{"code": code})

	for _, params := range probes {
		bal, err := a.ex.FetchBalance(ctx, params)
		if err != nil {
			if debug {
				a.log.Debug().Str("event", "equity_probe_failed").Interface("params", params).Err(err).Msg("")
			}
			continue
		}
		if v := equityFromBalance(bal, code, prefer); v > 0 {
			return v
		}
		if v := equityFromRawInfo(bal, debug, a.log); v > 0 {
			return v
		}
	}

	a.log.Warn().Str("event", "equity_unavailable").Str("code", code).Msg("")
	return 0
}

// amountFieldOrder is the per-record field preference once a currency record
// is located.
var amountFieldOrder = []string{"free", "available", "total", "cash", "used"}

func equityFromBalance(bal *exchange.Balance, code, prefer string) float64 {
	rec := lookupRecord(bal.Records, code)
	if rec == nil {
		rec = lookupRecord(bal.Nested, code)
	}
	if rec == nil {
		return 0
	}
	fields := amountFieldOrder
	if prefer != "" {
		fields = append([]string{prefer}, amountFieldOrder...)
	}
	for _, f := range fields {
		if v, ok := rec[f]; ok && v > 0 {
			return v
		}
	}
	return 0
}

func lookupRecord(records map[string]exchange.BalanceRecord, code string) exchange.BalanceRecord {
	if records == nil {
		return nil
	}
	for _, key := range []string{code, code + ":USDT", code + ":USD"} {
		if rec, ok := records[key]; ok {
			return rec
		}
	}
	upper := strings.ToUpper(code)
	for k, rec := range records {
		if strings.ToUpper(k) == upper {
			return rec
		}
	}
	return nil
}

func equityFromRawInfo(bal *exchange.Balance, debug bool, log zerolog.Logger) float64 {
	if bal.Info == nil {
		return 0
	}
	for _, key := range evFallbackKeys {
		v, ok := bal.Info[key]
		if !ok {
			continue
		}
		f, ok := asFloat(v)
		if !ok || f <= 0 {
			continue
		}
		if f > 1e6 {
			f = f / 1e8
		}
		if debug {
			log.Debug().Str("event", "equity_ev_fallback").Str("field", key).Float64("value", f).Msg("")
		}
		return f
	}
	return 0
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
