// Package store persists the relay's small operational state: idempotency
// claims, loss streaks, cooldowns, daily PnL totals and the open-entry
// snapshot used for realized-PnL on exit. Every key carries a TTL; the venue
// remains the source of truth for positions.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrMissingID is returned by ClaimIdempotency when the payload carries no
// signal id. Any other claim error is a store failure.
var ErrMissingID = errors.New("missing signal id")

// Key TTLs. Day keys are bucketed by UTC calendar day and expire shortly
// after they stop being read.
const (
	StreakTTL    = 7 * 24 * time.Hour
	CooldownTTL  = 48 * time.Hour
	DayTTL       = 3 * 24 * time.Hour
	OpenEntryTTL = 7 * 24 * time.Hour
)

// OpenEntry is the snapshot saved after a filled entry order, consumed by the
// matching exit to compute realized PnL.
type OpenEntry struct {
	Strategy string  `json:"strategy"`
	Side     string  `json:"side"`
	Entry    float64 `json:"entry"`
	Amount   float64 `json:"amount"`
}

// DayTotals reports the running daily PnL accounting. Peak is non-decreasing
// within a day and Drawdown = PnL - Peak is never positive.
type DayTotals struct {
	PnL      float64 `json:"day_pnl"`
	Peak     float64 `json:"day_peak"`
	Drawdown float64 `json:"day_dd"`
}

// Store is the state-store capability consumed by the webhook pipeline.
type Store interface {
	// ClaimIdempotency records the signal id with a first-writer-wins write.
	// It returns false when the id was already claimed within its TTL.
	ClaimIdempotency(ctx context.Context, id string, ttl time.Duration) (bool, error)
	// ReleaseIdempotency frees the claim so the sender may retry. Every gate
	// that rejects a claimed signal must call this.
	ReleaseIdempotency(ctx context.Context, id string) error

	LossStreak(ctx context.Context, strategy string) (int, error)
	SetLossStreak(ctx context.Context, strategy string, v int) error

	// CooldownActive reports whether the strategy is suppressed and the
	// suppression deadline in epoch milliseconds (0 when none is recorded).
	CooldownActive(ctx context.Context, strategy string) (bool, int64, error)
	StartCooldown(ctx context.Context, strategy string, minutes int) error

	// UpdateDailyPnL folds a realized-PnL delta into the UTC-day totals.
	UpdateDailyPnL(ctx context.Context, delta float64) (DayTotals, error)
	// DailyDrawdownBlocked reports whether today's drawdown breached the
	// limit. A limit <= 0 disables the check.
	DailyDrawdownBlocked(ctx context.Context, limitUSDT float64) (bool, DayTotals, error)

	SaveOpenEntry(ctx context.Context, strategy string, e OpenEntry) error
	// PopOpenEntry returns and clears the snapshot, nil when absent.
	PopOpenEntry(ctx context.Context, strategy string) (*OpenEntry, error)
}

func dayKeyAt(t time.Time) string {
	return t.UTC().Format("20060102")
}

func nowMs(t time.Time) int64 {
	return t.UnixMilli()
}
