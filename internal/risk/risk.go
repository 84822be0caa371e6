// Package risk holds the pre-trade gates: the slippage guard, the regime
// allocation map and the expected-edge entry filter.
package risk

import (
	"context"
	"fmt"
	"math"
	"strings"

	"phemex-relay/config"
	"phemex-relay/internal/market"
)

// SlippageError reports a live price too far from the signal's reference
// price. The webhook answers 409 and retries the entry as a banded limit.
type SlippageError struct {
	Slip float64
	Max  float64
}

func (e *SlippageError) Error() string {
	return fmt.Sprintf("slippage %.4f > MAX_SLIPPAGE %.4f", e.Slip, e.Max)
}

// SlippageGuard compares the live price against the signal's reference
// price. A missing or non-positive reference disables the check.
func SlippageGuard(ctx context.Context, cfg config.RiskConfig, mkt *market.Adapter, symbol string, refPrice float64) error {
	if refPrice <= 0 {
		return nil
	}
	px, err := mkt.Price(ctx, symbol, cfg.UseMarkPrice)
	if err != nil {
		return fmt.Errorf("fetching live price: %w", err)
	}
	slip := math.Abs(px-refPrice) / refPrice
	if slip > cfg.MaxSlippage {
		return &SlippageError{Slip: slip, Max: cfg.MaxSlippage}
	}
	return nil
}

// LimitBandPrice is the worst acceptable fill for an entry retried as a
// limit IOC after the slippage guard fired: buys cap at ref*(1+max),
// sells floor at ref*(1-max).
func LimitBandPrice(refPrice, maxSlippage float64, side string) float64 {
	if strings.EqualFold(side, "sell") {
		return refPrice * (1 - maxSlippage)
	}
	return refPrice * (1 + maxSlippage)
}

// AllocAndLeverage resolves the strategy x regime cell of the allocation
// map. Unknown strategies fall back to the flat sizing defaults.
func AllocAndLeverage(risk config.RiskConfig, sizing config.SizingConfig, strategy, regime string) (float64, int) {
	switch strings.ToLower(strategy) {
	case "bull":
		switch regime {
		case "bull":
			return risk.AllocBullBull, risk.LevBullBull
		case "bear":
			return risk.AllocBullBear, risk.LevBullBear
		default:
			return risk.AllocBullNeutral, risk.LevBullNeutral
		}
	case "bear":
		switch regime {
		case "bull":
			return risk.AllocBearBull, risk.LevBearBull
		case "bear":
			return risk.AllocBearBear, risk.LevBearBear
		default:
			return risk.AllocBearNeutral, risk.LevBearNeutral
		}
	default:
		return sizing.AllocPct, sizing.LevDefault
	}
}

// ExpectedEdgeUSDT estimates the net expected value of an entry in USDT:
// profit to the take-profit, minus round-trip taker fees and the funding
// carry over the estimated holding period. Funding accrues every 8 hours.
func ExpectedEdgeUSDT(risk config.RiskConfig, edge config.EdgeConfig, side string, entryPx float64, tpPx *float64, amount float64, leverage int, fundingRate *float64) float64 {
	if entryPx == 0 || amount == 0 || leverage == 0 {
		return 0
	}
	notional := entryPx * amount
	feeCost := notional * risk.TakerFee * 2.0

	var fr float64
	if fundingRate != nil {
		fr = *fundingRate
	}
	fundCost := notional * fr * (edge.HoldingHoursEst / 8.0)

	expProfit := 0.0
	if tpPx != nil && *tpPx > 0 {
		if strings.EqualFold(side, "buy") {
			expProfit = math.Max(0, (*tpPx-entryPx)*amount)
		} else {
			expProfit = math.Max(0, (entryPx-*tpPx)*amount)
		}
	}
	return expProfit - (feeCost + math.Abs(fundCost))
}

// DeriveTPFromATR synthesizes a take-profit at entry +/- atr*mult when the
// signal carries an ATR but no explicit target.
func DeriveTPFromATR(side string, entryPx, atr, mult float64) *float64 {
	if entryPx <= 0 || atr <= 0 || mult <= 0 {
		return nil
	}
	tp := entryPx + atr*mult
	if strings.EqualFold(side, "sell") {
		tp = entryPx - atr*mult
	}
	if tp <= 0 {
		return nil
	}
	return &tp
}
