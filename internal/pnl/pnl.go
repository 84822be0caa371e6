// Package pnl turns exit fills into realized-PnL accounting: the daily
// totals, the per-strategy loss streak and the cooldown trigger.
package pnl

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"phemex-relay/config"
	"phemex-relay/internal/store"
)

// RealizedSimple computes the realized PnL of a round trip with taker fees
// charged on both legs.
func RealizedSimple(side string, entryPx, exitPx, amount, takerFee float64) float64 {
	var pnl float64
	if strings.EqualFold(side, "buy") {
		pnl = (exitPx - entryPx) * amount
	} else {
		pnl = (entryPx - exitPx) * amount
	}
	pnl -= (entryPx*amount + exitPx*amount) * takerFee
	return pnl
}

// AfterExitUpdate folds the realized PnL into the daily totals and drives the
// loss-streak counter: a losing exit extends the streak and arms the cooldown
// at the configured limit; any non-losing exit resets it.
func AfterExitUpdate(ctx context.Context, st store.Store, cfg config.CooldownConfig, log zerolog.Logger, strategy string, pnl float64) (store.DayTotals, error) {
	totals, err := st.UpdateDailyPnL(ctx, pnl)
	if err != nil {
		return store.DayTotals{}, err
	}

	if pnl < 0 {
		streak, err := st.LossStreak(ctx, strategy)
		if err != nil {
			return totals, err
		}
		streak++
		if err := st.SetLossStreak(ctx, strategy, streak); err != nil {
			return totals, err
		}

		limit := cfg.LossStreakLimitBear
		minutes := cfg.CooldownMinBear
		if strategy == "bull" {
			limit = cfg.LossStreakLimitBull
			minutes = cfg.CooldownMinBull
		}
		if streak >= limit {
			if err := st.StartCooldown(ctx, strategy, minutes); err != nil {
				return totals, err
			}
			log.Warn().
				Str("event", "cooldown_started").
				Str("strategy", strategy).
				Int("streak", streak).
				Int("minutes", minutes).
				Msg("")
		}
	} else {
		if err := st.SetLossStreak(ctx, strategy, 0); err != nil {
			return totals, err
		}
	}
	return totals, nil
}
