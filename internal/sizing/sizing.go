// Package sizing resolves the order quantity for server-sized entries.
package sizing

import (
	"context"
	"fmt"
	"math"
	"strings"

	"phemex-relay/config"
	"phemex-relay/internal/market"
	"phemex-relay/internal/models"
)

// ConstraintError rejects a signal whose size cannot be resolved within the
// configured constraints. The webhook maps it to a 400.
type ConstraintError struct {
	Reason string
}

func (e *ConstraintError) Error() string { return e.Reason }

func constraintf(format string, args ...interface{}) *ConstraintError {
	return &ConstraintError{Reason: fmt.Sprintf(format, args...)}
}

// Inputs are the per-signal sizing overrides; nil fields fall back to the
// configured defaults.
type Inputs struct {
	Side     string
	Entry    float64
	Comment  models.Comment
	Mode     string
	RiskPct  *float64
	AllocPct *float64
	Leverage *int
}

// ComputeAmount resolves the order quantity from equity, leverage and the
// sizing mode, then applies the margin cap, minimum notional, fee buffer and
// the venue's amount step.
func ComputeAmount(ctx context.Context, cfg config.SizingConfig, riskCfg config.RiskConfig, mkt *market.Adapter, symbol string, in Inputs, equity float64) (float64, error) {
	mode := strings.ToLower(in.Mode)
	if mode == "" {
		mode = strings.ToLower(cfg.Mode)
	}
	riskPct := cfg.RiskPct
	if in.RiskPct != nil {
		riskPct = *in.RiskPct
	}
	allocPct := cfg.AllocPct
	if in.AllocPct != nil {
		allocPct = *in.AllocPct
	}
	lev := cfg.LevDefault
	if in.Leverage != nil && *in.Leverage != 0 {
		lev = *in.Leverage
	}

	mi := mkt.Info(ctx, symbol)
	px := in.Entry
	if px <= 0 {
		live, err := mkt.Price(ctx, symbol, riskCfg.UseMarkPrice)
		if err != nil {
			return 0, fmt.Errorf("fetching price for sizing: %w", err)
		}
		px = live
	}
	if px <= 0 {
		return 0, constraintf("no usable price for sizing")
	}

	var amt float64
	switch mode {
	case "risk":
		riskPerUnit := 0.0
		if stop := in.Comment.Num("sl"); stop != nil {
			riskPerUnit = math.Abs(px - *stop)
		} else if atr := in.Comment.Num("atr"); atr != nil && *atr > 0 && cfg.RiskATRFallbackX > 0 {
			// No stop in the signal: fall back to an ATR-derived distance.
			riskPerUnit = *atr * cfg.RiskATRFallbackX
		} else {
			return 0, constraintf("risk sizing requires stop (comment.sl)")
		}
		if minDist := float64(cfg.RiskMinDistTicks) * mi.PriceStep; riskPerUnit < minDist {
			if cfg.RiskHardReject {
				return 0, constraintf("stop distance below %d ticks", cfg.RiskMinDistTicks)
			}
			riskPerUnit = minDist
		}
		if riskPerUnit <= 0 {
			return 0, constraintf("invalid stop/entry for risk sizing")
		}
		amt = equity * riskPct / riskPerUnit
	case "notional":
		amt = equity * allocPct * float64(lev) / px
	case "fixed":
		return 0, constraintf("fixed sizing requires explicit amount from payload")
	default:
		return 0, constraintf("unknown sizing mode %q", mode)
	}

	// Margin cap before the hard rejections, mirroring the sizing order the
	// venue constraints are checked in.
	maxNotional := equity * float64(lev) * cfg.MarginBuffer
	if amt*px > maxNotional {
		amt = maxNotional / px
	}

	if equity <= 0 {
		return 0, constraintf("equity_usdt_is_zero (check balance / code / account type)")
	}
	if notional := amt * px; notional < riskCfg.MinNotionalUSDT {
		return 0, constraintf("computed notional too small: %.4f < %g", notional, riskCfg.MinNotionalUSDT)
	}

	amt = amt * (1.0 - riskCfg.FeeBuffer)
	amt = market.RoundStep(amt, mi.AmountStep)
	if mi.MinQty > 0 && amt < mi.MinQty {
		if cfg.AllowBumpToMinOrder {
			amt = mi.MinQty
		} else {
			return 0, constraintf("amount below min_qty: %g < %g", amt, mi.MinQty)
		}
	}
	if amt <= 0 {
		return 0, constraintf("computed amount <= 0")
	}
	return amt, nil
}

// ApplyExplicit rounds a payload-supplied amount to the venue step and
// validates it against the venue minimums.
func ApplyExplicit(ctx context.Context, riskCfg config.RiskConfig, mkt *market.Adapter, symbol string, amount, px float64) (float64, error) {
	if amount <= 0 {
		return 0, constraintf("explicit amount <= 0")
	}
	mi := mkt.Info(ctx, symbol)
	amt := market.RoundStep(amount, mi.AmountStep)
	if amt <= 0 {
		return 0, constraintf("explicit amount rounds to zero")
	}
	if mi.MinQty > 0 && amt < mi.MinQty {
		return 0, constraintf("amount below min_qty: %g < %g", amt, mi.MinQty)
	}
	if px > 0 && amt*px < riskCfg.MinNotionalUSDT {
		return 0, constraintf("explicit notional too small: %.4f < %g", amt*px, riskCfg.MinNotionalUSDT)
	}
	return amt, nil
}
