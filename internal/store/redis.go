package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	bootAttempts = 10
	bootInterval = 2 * time.Second
)

// RedisStore implements Store on a Redis connection. The relay is the sole
// writer per key, so daily totals use plain read-modify-write; idempotency
// claims use SETNX for first-writer-wins.
type RedisStore struct {
	client *redis.Client
	log    zerolog.Logger
	now    func() time.Time
}

// Connect parses the Redis URL and waits for the server to answer, pinging up
// to 10 times at 2 s intervals before giving up.
func Connect(ctx context.Context, url string, log zerolog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	var lastErr error
	for i := 0; i < bootAttempts; i++ {
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			log.Info().Str("event", "redis_connected").Str("addr", opts.Addr).Msg("")
			return &RedisStore{client: client, log: log, now: time.Now}, nil
		}
		log.Warn().Str("event", "redis_ping_failed").Int("attempt", i+1).Err(lastErr).Msg("")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(bootInterval):
		}
	}
	return nil, fmt.Errorf("redis unreachable after %d attempts: %w", bootAttempts, lastErr)
}

// NewRedisStore wraps an existing client, used by tests.
func NewRedisStore(client *redis.Client, log zerolog.Logger) *RedisStore {
	return &RedisStore{client: client, log: log, now: time.Now}
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func idempKey(id string) string        { return "idemp:" + id }
func streakKey(strategy string) string { return "streak:" + strategy }
func cooldownKey(strategy string) string {
	return "cooldown_until:" + strategy
}
func openEntryKey(strategy string) string { return "pos:" + strategy }

func (s *RedisStore) ClaimIdempotency(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if id == "" {
		return false, ErrMissingID
	}
	ts := strconv.FormatInt(nowMs(s.now()), 10)
	return s.client.SetNX(ctx, idempKey(id), ts, ttl).Result()
}

func (s *RedisStore) ReleaseIdempotency(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return s.client.Del(ctx, idempKey(id)).Err()
}

func (s *RedisStore) LossStreak(ctx context.Context, strategy string) (int, error) {
	v, err := s.client.Get(ctx, streakKey(strategy)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("corrupt streak value %q: %w", v, err)
	}
	return n, nil
}

func (s *RedisStore) SetLossStreak(ctx context.Context, strategy string, v int) error {
	return s.client.Set(ctx, streakKey(strategy), strconv.Itoa(v), StreakTTL).Err()
}

func (s *RedisStore) CooldownActive(ctx context.Context, strategy string) (bool, int64, error) {
	v, err := s.client.Get(ctx, cooldownKey(strategy)).Result()
	if err == redis.Nil {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	until, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return false, 0, fmt.Errorf("corrupt cooldown value %q: %w", v, err)
	}
	return nowMs(s.now()) < until, until, nil
}

func (s *RedisStore) StartCooldown(ctx context.Context, strategy string, minutes int) error {
	until := nowMs(s.now()) + int64(minutes)*60*1000
	return s.client.Set(ctx, cooldownKey(strategy), strconv.FormatInt(until, 10), CooldownTTL).Err()
}

func (s *RedisStore) UpdateDailyPnL(ctx context.Context, delta float64) (DayTotals, error) {
	dk := dayKeyAt(s.now())
	pnlKey := "day:pnltotal:" + dk
	peakKey := "day:peak:" + dk
	ddKey := "day:dd:" + dk

	cur, err := s.getFloat(ctx, pnlKey)
	if err != nil {
		return DayTotals{}, err
	}
	cur += delta

	peak, err := s.getFloat(ctx, peakKey)
	if err != nil {
		return DayTotals{}, err
	}
	if cur > peak {
		peak = cur
	}
	dd := cur - peak

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, pnlKey, formatFloat(cur), DayTTL)
	pipe.Set(ctx, peakKey, formatFloat(peak), DayTTL)
	pipe.Set(ctx, ddKey, formatFloat(dd), DayTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return DayTotals{}, err
	}
	return DayTotals{PnL: cur, Peak: peak, Drawdown: dd}, nil
}

func (s *RedisStore) DailyDrawdownBlocked(ctx context.Context, limitUSDT float64) (bool, DayTotals, error) {
	if limitUSDT <= 0 {
		return false, DayTotals{}, nil
	}
	dk := dayKeyAt(s.now())
	cur, err := s.getFloat(ctx, "day:pnltotal:"+dk)
	if err != nil {
		return false, DayTotals{}, err
	}
	peak, err := s.getFloat(ctx, "day:peak:"+dk)
	if err != nil {
		return false, DayTotals{}, err
	}
	dd := cur - peak
	totals := DayTotals{PnL: cur, Peak: peak, Drawdown: dd}
	if limitUSDT < 0 {
		limitUSDT = -limitUSDT
	}
	return dd <= -limitUSDT, totals, nil
}

func (s *RedisStore) SaveOpenEntry(ctx context.Context, strategy string, e OpenEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling open entry: %w", err)
	}
	return s.client.Set(ctx, openEntryKey(strategy), data, OpenEntryTTL).Err()
}

func (s *RedisStore) PopOpenEntry(ctx context.Context, strategy string) (*OpenEntry, error) {
	key := openEntryKey(strategy)
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if delErr := s.client.Del(ctx, key).Err(); delErr != nil {
		s.log.Warn().Str("event", "open_entry_del_failed").Err(delErr).Msg("")
	}
	var e OpenEntry
	if err := json.Unmarshal([]byte(v), &e); err != nil {
		// Corrupt snapshot: treat as absent, the exit proceeds without
		// realized-PnL accounting.
		return nil, nil
	}
	return &e, nil
}

func (s *RedisStore) getFloat(ctx context.Context, key string) (float64, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt float value %q at %s: %w", v, key, err)
	}
	return f, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
