package pnl

import (
	"context"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"phemex-relay/config"
	"phemex-relay/internal/store"
)

func TestRealizedSimple(t *testing.T) {
	cases := []struct {
		name                  string
		side                  string
		entry, exit, amt, fee float64
		want                  float64
	}{
		{"long partial exit", "buy", 1000, 1100, 0.40, 0.0006, 39.496},
		{"long loss", "buy", 1000, 950, 1, 0.0006, -51.17},
		{"short win", "sell", 1000, 900, 1, 0.0006, 98.86},
		{"short loss", "sell", 1000, 1100, 0.5, 0.0006, -50.63},
		{"fee free", "buy", 100, 110, 1, 0, 10},
	}
	for _, tc := range cases {
		got := RealizedSimple(tc.side, tc.entry, tc.exit, tc.amt, tc.fee)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("%s: pnl = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func cooldownCfg() config.CooldownConfig {
	return config.CooldownConfig{
		LossStreakLimitBull: 5,
		LossStreakLimitBear: 4,
		CooldownMinBull:     90,
		CooldownMinBear:     120,
	}
}

func TestLossStreakSequence(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	log := zerolog.Nop()

	// loss, loss, win, loss leaves the streak at 1.
	for _, p := range []float64{-10, -10, 20, -10} {
		if _, err := AfterExitUpdate(ctx, st, cooldownCfg(), log, "bull", p); err != nil {
			t.Fatal(err)
		}
	}
	streak, _ := st.LossStreak(ctx, "bull")
	if streak != 1 {
		t.Errorf("streak = %d, want 1", streak)
	}
	active, _, _ := st.CooldownActive(ctx, "bull")
	if active {
		t.Error("cooldown must not arm below the limit")
	}
}

func TestCooldownArmsAtLimit(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	log := zerolog.Nop()

	for i := 0; i < 4; i++ {
		if _, err := AfterExitUpdate(ctx, st, cooldownCfg(), log, "bear", -5); err != nil {
			t.Fatal(err)
		}
	}
	active, _, _ := st.CooldownActive(ctx, "bear")
	if !active {
		t.Error("bear cooldown must arm at 4 consecutive losses")
	}

	// The bull limit is higher, 4 losses are not enough.
	st2 := store.NewMemoryStore()
	for i := 0; i < 4; i++ {
		AfterExitUpdate(ctx, st2, cooldownCfg(), log, "bull", -5)
	}
	active, _, _ = st2.CooldownActive(ctx, "bull")
	if active {
		t.Error("bull cooldown must not arm before 5 losses")
	}
}

func TestBreakevenResetsStreak(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	log := zerolog.Nop()

	AfterExitUpdate(ctx, st, cooldownCfg(), log, "bull", -5)
	AfterExitUpdate(ctx, st, cooldownCfg(), log, "bull", 0)
	streak, _ := st.LossStreak(ctx, "bull")
	if streak != 0 {
		t.Errorf("streak = %d, want 0 after breakeven exit", streak)
	}
}

func TestDailyTotalsFlowThrough(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	totals, err := AfterExitUpdate(ctx, st, cooldownCfg(), zerolog.Nop(), "bull", 39.496)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(totals.PnL-39.496) > 1e-9 || math.Abs(totals.Peak-39.496) > 1e-9 || totals.Drawdown != 0 {
		t.Errorf("totals = %+v", totals)
	}
}
