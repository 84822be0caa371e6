// Package regime classifies the market as bull, bear or neutral from 4h
// EMA-200 trend agreement between ETH and BTC, then overlays a macro gate on
// funding extremes and a VIX feed. A gated market is forced neutral.
package regime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"phemex-relay/config"
	"phemex-relay/internal/exchange"
	"phemex-relay/internal/symbols"
)

// emaLen4h is the trend EMA length on the 4h timeframe.
const emaLen4h = 200

// EMAFromCloses computes an EMA seeded with the first close. It needs at
// least two closes to be meaningful.
func EMAFromCloses(closes []float64, length int) (float64, bool) {
	if len(closes) < 2 {
		return 0, false
	}
	alpha := 2.0 / float64(length+1)
	ema := closes[0]
	for _, c := range closes[1:] {
		ema = alpha*c + (1-alpha)*ema
	}
	return ema, true
}

// Source records where the trend candles came from.
type Source struct {
	Exchange string `json:"exchange"`
	ETHSym   string `json:"eth_sym"`
	BTCSym   string `json:"btc_sym"`
}

// Meta is the full evaluation snapshot attached to webhook responses and the
// status endpoint. Pointer fields are nil when the underlying probe failed.
type Meta struct {
	Base    string   `json:"base"`
	ETHPx   *float64 `json:"eth_px"`
	BTCPx   *float64 `json:"btc_px"`
	ETHEMA  *float64 `json:"eth_ema"`
	BTCEMA  *float64 `json:"btc_ema"`
	Funding *float64 `json:"funding"`
	VIX     *float64 `json:"vix"`
	Gated   bool     `json:"gated"`
	Reason  string   `json:"reason,omitempty"`
	Source  Source   `json:"source"`
}

// Evaluator computes the current regime.
type Evaluator struct {
	cfg     config.RegimeConfig
	trade   exchange.Client
	candles exchange.CandleSource
	http    *resty.Client
	log     zerolog.Logger
}

// NewEvaluator builds an evaluator. trade supplies the funding rate from the
// venue actually traded on; candles supplies trend history and may be a
// different exchange.
func NewEvaluator(cfg config.RegimeConfig, trade exchange.Client, candles exchange.CandleSource, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		cfg:     cfg,
		trade:   trade,
		candles: candles,
		http:    resty.New().SetTimeout(3 * time.Second),
		log:     log,
	}
}

// Evaluate returns the effective regime and its snapshot. Every probe is
// best-effort; missing data degrades to neutral instead of erroring.
func (e *Evaluator) Evaluate(ctx context.Context) (string, Meta) {
	ethRaw := e.cfg.SymbolETH
	if ethRaw == "" {
		ethRaw = "ETH/USDT:USDT"
	}
	btcRaw := e.cfg.SymbolBTC
	if btcRaw == "" {
		btcRaw = "BTC/USDT:USDT"
	}
	ethSym := symbols.ForExchange(ethRaw, e.cfg.Exchange, ethRaw)
	btcSym := symbols.ForExchange(btcRaw, e.cfg.Exchange, btcRaw)

	meta := Meta{
		Base:   "neutral",
		Source: Source{Exchange: e.cfg.Exchange, ETHSym: ethSym, BTCSym: btcSym},
	}

	ethPx, ethEMA := e.trendPoint(ctx, ethSym)
	btcPx, btcEMA := e.trendPoint(ctx, btcSym)
	meta.ETHPx, meta.ETHEMA = ethPx, ethEMA
	meta.BTCPx, meta.BTCEMA = btcPx, btcEMA

	if ethPx != nil && ethEMA != nil && btcPx != nil && btcEMA != nil {
		switch {
		case *ethPx > *ethEMA && *btcPx > *btcEMA:
			meta.Base = "bull"
		case *ethPx < *ethEMA && *btcPx < *btcEMA:
			meta.Base = "bear"
		}
	}

	meta.Funding = e.fundingRate(ctx)
	meta.VIX = e.fetchVIX(ctx)

	if meta.Funding != nil && abs(*meta.Funding) > e.cfg.FundingAbsMax {
		meta.Gated = true
		meta.Reason = fmt.Sprintf("funding_abs>%g", e.cfg.FundingAbsMax)
	}
	if !meta.Gated && meta.VIX != nil && *meta.VIX > e.cfg.VIXMax {
		meta.Gated = true
		meta.Reason = fmt.Sprintf("vix>%g", e.cfg.VIXMax)
	}

	regime := meta.Base
	if meta.Gated {
		regime = "neutral"
	}
	e.log.Debug().
		Str("event", "regime_evaluated").
		Str("regime", regime).
		Str("base", meta.Base).
		Bool("gated", meta.Gated).
		Msg("")
	return regime, meta
}

// trendPoint returns the latest close and the EMA-200 over the last 200
// closes, or nils when history is too thin or unavailable.
func (e *Evaluator) trendPoint(ctx context.Context, symbol string) (*float64, *float64) {
	candles, err := e.candles.FetchOHLCV(ctx, symbol, "4h", emaLen4h)
	if err != nil {
		e.log.Warn().Str("event", "trend_fetch_failed").Str("symbol", symbol).Err(err).Msg("")
		return nil, nil
	}
	closes := make([]float64, 0, len(candles))
	for _, c := range candles {
		closes = append(closes, c.Close)
	}
	if len(closes) < emaLen4h {
		return nil, nil
	}
	closes = closes[len(closes)-emaLen4h:]
	ema, ok := EMAFromCloses(closes, emaLen4h)
	if !ok {
		return nil, nil
	}
	px := closes[len(closes)-1]
	return &px, &ema
}

func (e *Evaluator) fundingRate(ctx context.Context) *float64 {
	fr, err := e.trade.FetchFundingRate(ctx, "ETH/USDT:USDT")
	if err != nil {
		e.log.Debug().Str("event", "funding_fetch_failed").Err(err).Msg("")
		return nil
	}
	r := fr.Rate
	return &r
}

// fetchVIX reads the configured VIX feed, accepting {"vix": x} or
// {"value": x}. Any failure is silent; the gate simply does not apply.
func (e *Evaluator) fetchVIX(ctx context.Context) *float64 {
	url := strings.TrimSpace(e.cfg.VIXURL)
	if !strings.HasPrefix(strings.ToLower(url), "http://") &&
		!strings.HasPrefix(strings.ToLower(url), "https://") {
		return nil
	}
	var payload struct {
		VIX   *float64 `json:"vix"`
		Value *float64 `json:"value"`
	}
	resp, err := e.http.R().SetContext(ctx).SetResult(&payload).Get(url)
	if err != nil || resp.StatusCode() >= 400 {
		return nil
	}
	if payload.VIX != nil {
		return payload.VIX
	}
	return payload.Value
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
