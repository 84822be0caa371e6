package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same semantics as RedisStore.
// It backs tests and lets the relay run without Redis in dry-run setups.
type MemoryStore struct {
	mu        sync.Mutex
	claims    map[string]time.Time // id -> claim expiry
	streaks   map[string]int
	cooldowns map[string]int64 // strategy -> until ms
	dayPnL    map[string]float64
	dayPeak   map[string]float64
	entries   map[string]OpenEntry
	now       func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims:    make(map[string]time.Time),
		streaks:   make(map[string]int),
		cooldowns: make(map[string]int64),
		dayPnL:    make(map[string]float64),
		dayPeak:   make(map[string]float64),
		entries:   make(map[string]OpenEntry),
		now:       time.Now,
	}
}

// SetClock overrides the time source, used by tests for TTL and day-bucket
// behavior.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) ClaimIdempotency(_ context.Context, id string, ttl time.Duration) (bool, error) {
	if id == "" {
		return false, ErrMissingID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.claims[id]; ok && s.now().Before(exp) {
		return false, nil
	}
	s.claims[id] = s.now().Add(ttl)
	return true, nil
}

func (s *MemoryStore) ReleaseIdempotency(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, id)
	return nil
}

func (s *MemoryStore) LossStreak(_ context.Context, strategy string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaks[strategy], nil
}

func (s *MemoryStore) SetLossStreak(_ context.Context, strategy string, v int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaks[strategy] = v
	return nil
}

func (s *MemoryStore) CooldownActive(_ context.Context, strategy string) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.cooldowns[strategy]
	if !ok {
		return false, 0, nil
	}
	return nowMs(s.now()) < until, until, nil
}

func (s *MemoryStore) StartCooldown(_ context.Context, strategy string, minutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[strategy] = nowMs(s.now()) + int64(minutes)*60*1000
	return nil
}

func (s *MemoryStore) UpdateDailyPnL(_ context.Context, delta float64) (DayTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dk := dayKeyAt(s.now())
	cur := s.dayPnL[dk] + delta
	s.dayPnL[dk] = cur
	peak := s.dayPeak[dk]
	if cur > peak {
		peak = cur
		s.dayPeak[dk] = peak
	}
	return DayTotals{PnL: cur, Peak: peak, Drawdown: cur - peak}, nil
}

func (s *MemoryStore) DailyDrawdownBlocked(_ context.Context, limitUSDT float64) (bool, DayTotals, error) {
	if limitUSDT <= 0 {
		return false, DayTotals{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dk := dayKeyAt(s.now())
	cur := s.dayPnL[dk]
	peak := s.dayPeak[dk]
	dd := cur - peak
	if limitUSDT < 0 {
		limitUSDT = -limitUSDT
	}
	return dd <= -limitUSDT, DayTotals{PnL: cur, Peak: peak, Drawdown: dd}, nil
}

func (s *MemoryStore) SaveOpenEntry(_ context.Context, strategy string, e OpenEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[strategy] = e
	return nil
}

func (s *MemoryStore) PopOpenEntry(_ context.Context, strategy string) (*OpenEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[strategy]
	if !ok {
		return nil, nil
	}
	delete(s.entries, strategy)
	return &e, nil
}
