package store

import (
	"context"
	"testing"
	"time"
)

func TestClaimIdempotencyOncePerTTL(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.ClaimIdempotency(ctx, "sig-1", 15*time.Minute)
	if err != nil || !ok {
		t.Fatalf("first claim = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = s.ClaimIdempotency(ctx, "sig-1", 15*time.Minute)
	if err != nil || ok {
		t.Fatalf("second claim = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestClaimIdempotencyMissingID(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.ClaimIdempotency(context.Background(), "", time.Minute); err == nil {
		t.Fatal("empty id must be rejected")
	}
}

func TestReleaseAllowsReclaim(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.ClaimIdempotency(ctx, "sig-2", 15*time.Minute)
	if err := s.ReleaseIdempotency(ctx, "sig-2"); err != nil {
		t.Fatal(err)
	}
	ok, _ := s.ClaimIdempotency(ctx, "sig-2", 15*time.Minute)
	if !ok {
		t.Fatal("claim after release must succeed")
	}
}

func TestClaimExpires(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s.SetClock(func() time.Time { return now })

	s.ClaimIdempotency(ctx, "sig-3", 900*time.Second)
	now = base.Add(901 * time.Second)
	ok, _ := s.ClaimIdempotency(ctx, "sig-3", 900*time.Second)
	if !ok {
		t.Fatal("claim must be reclaimable after TTL expiry")
	}
}

func TestDailyPnLPeakAndDrawdown(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	deltas := []float64{10, 25, -12, 3, -30}
	var last DayTotals
	for _, d := range deltas {
		var err error
		last, err = s.UpdateDailyPnL(ctx, d)
		if err != nil {
			t.Fatal(err)
		}
		if last.Peak < last.PnL {
			t.Errorf("peak %v < pnl %v", last.Peak, last.PnL)
		}
		if last.Drawdown > 0 {
			t.Errorf("drawdown %v > 0", last.Drawdown)
		}
		if got := last.Peak + last.Drawdown; got != last.PnL {
			t.Errorf("pnl %v != peak+dd %v", last.PnL, got)
		}
	}
	if last.PnL != -4 || last.Peak != 35 || last.Drawdown != -39 {
		t.Errorf("totals = %+v, want {-4 35 -39}", last)
	}
}

func TestDailyBucketsResetAtUTCMidnight(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 23, 59, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	s.UpdateDailyPnL(ctx, 100)
	now = time.Date(2025, 3, 2, 0, 1, 0, 0, time.UTC)
	totals, _ := s.UpdateDailyPnL(ctx, -5)
	if totals.PnL != -5 || totals.Peak != 0 {
		t.Errorf("new UTC day should start fresh, got %+v", totals)
	}
}

func TestDailyDrawdownBlocked(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.UpdateDailyPnL(ctx, 50)
	s.UpdateDailyPnL(ctx, -120)

	blocked, totals, err := s.DailyDrawdownBlocked(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !blocked {
		t.Errorf("dd %v should block at limit 100", totals.Drawdown)
	}

	blocked, _, _ = s.DailyDrawdownBlocked(ctx, 0)
	if blocked {
		t.Error("limit 0 disables the check")
	}
	blocked, _, _ = s.DailyDrawdownBlocked(ctx, 500)
	if blocked {
		t.Error("dd -120 should not block at limit 500")
	}
}

func TestCooldownLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s.SetClock(func() time.Time { return now })

	active, until, _ := s.CooldownActive(ctx, "bull")
	if active || until != 0 {
		t.Fatalf("fresh store: active=%v until=%v", active, until)
	}

	s.StartCooldown(ctx, "bull", 90)
	active, until, _ = s.CooldownActive(ctx, "bull")
	if !active {
		t.Fatal("cooldown should be active")
	}
	want := base.UnixMilli() + 90*60*1000
	if until != want {
		t.Errorf("until = %d, want %d", until, want)
	}

	now = base.Add(91 * time.Minute)
	active, _, _ = s.CooldownActive(ctx, "bull")
	if active {
		t.Error("cooldown should have lapsed")
	}
}

func TestOpenEntryPopSemantics(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	e, err := s.PopOpenEntry(ctx, "bull")
	if err != nil || e != nil {
		t.Fatalf("absent snapshot = (%v, %v), want (nil, nil)", e, err)
	}

	saved := OpenEntry{Strategy: "bull", Side: "buy", Entry: 2500, Amount: 0.4}
	s.SaveOpenEntry(ctx, "bull", saved)

	e, err = s.PopOpenEntry(ctx, "bull")
	if err != nil || e == nil || *e != saved {
		t.Fatalf("pop = (%+v, %v), want saved snapshot", e, err)
	}
	e, _ = s.PopOpenEntry(ctx, "bull")
	if e != nil {
		t.Error("second pop must be nil")
	}
}
