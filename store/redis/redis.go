// Package redis provides a Redis-backed LedgerStore.
//
// Counters live in Redis with atomic Lua scripts for the multi-key
// operations (window initialization sets start and both counts together),
// making the store safe for multi-instance deployments.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineris/relaygate"
)

// Store is a Redis-backed LedgerStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ relaygate.LedgerStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "relaygate:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a Redis-backed LedgerStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "relaygate:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) concurrencyKey(id string) string { return s.keyPrefix + "concurrency:" + id }
func (s *Store) windowKey(id string) string      { return s.keyPrefix + "rate_limit:" + id }
func (s *Store) sessionKey(hash string) string   { return s.keyPrefix + "sticky_session:" + hash }

func (s *Store) costKey(id string, period relaygate.Period, now time.Time) string {
	switch period {
	case relaygate.PeriodDaily:
		return s.keyPrefix + "usage:cost:daily:" + id + ":" + now.UTC().Format("2006-01-02")
	case relaygate.PeriodWeekly:
		year, week := now.UTC().ISOWeek()
		return s.keyPrefix + fmt.Sprintf("usage:cost:weekly:%s:%d-W%02d", id, year, week)
	case relaygate.PeriodMonthly:
		return s.keyPrefix + "usage:cost:monthly:" + id + ":" + now.UTC().Format("2006-01")
	default:
		return s.keyPrefix + "usage:cost:total:" + id
	}
}

// Concurrency leases carry a safety TTL so a crashed instance cannot pin
// a principal's budget forever.
const concurrencyTTL = 10 * time.Minute

// IncrConcurrency atomically increments the live-lease counter and bumps
// the safety TTL.
func (s *Store) IncrConcurrency(ctx context.Context, principalID string) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, s.concurrencyKey(principalID))
	pipe.Expire(ctx, s.concurrencyKey(principalID), concurrencyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("relaygate/redis: incr concurrency: %w", err)
	}
	return incr.Val(), nil
}

// decrScript clamps the counter at zero: releasing more than was acquired
// must not drive it negative.
var decrScript = goredis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current <= 0 then
    redis.call("SET", KEYS[1], "0", "KEEPTTL")
    return 0
end
return redis.call("DECR", KEYS[1])
`)

// DecrConcurrency atomically decrements the counter, clamped at zero.
func (s *Store) DecrConcurrency(ctx context.Context, principalID string) (int64, error) {
	n, err := decrScript.Run(ctx, s.client, []string{s.concurrencyKey(principalID)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("relaygate/redis: decr concurrency: %w", err)
	}
	return n, nil
}

// Concurrency returns the current live-lease count.
func (s *Store) Concurrency(ctx context.Context, principalID string) (int64, error) {
	v, err := s.client.Get(ctx, s.concurrencyKey(principalID)).Result()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("relaygate/redis: get concurrency: %w", err)
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n, nil
}

// ensureWindowScript atomically (re)initializes the rate window when it
// is absent or expired: windowStart and both counts are set in one step,
// so two racing initializations agree on a single windowStart.
// KEYS[1] = window hash key
// ARGV[1] = now (unix ms)
// ARGV[2] = duration (ms)
//
// Returns {started_at_ms, requests, tokens}.
var ensureWindowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local duration = tonumber(ARGV[2])

local started = tonumber(redis.call("HGET", key, "window_start") or "0")
if started == 0 or now - started >= duration then
    redis.call("HSET", key, "window_start", tostring(now), "requests", "0", "tokens", "0")
    redis.call("PEXPIRE", key, duration)
    return {now, 0, 0}
end

local requests = tonumber(redis.call("HGET", key, "requests") or "0")
local tokens = tonumber(redis.call("HGET", key, "tokens") or "0")
return {started, requests, tokens}
`)

// EnsureWindow initializes the window when absent or expired and returns
// the active window.
func (s *Store) EnsureWindow(ctx context.Context, principalID string, duration time.Duration) (relaygate.Window, error) {
	now := time.Now()

	vals, err := ensureWindowScript.Run(ctx, s.client,
		[]string{s.windowKey(principalID)},
		now.UnixMilli(), duration.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return relaygate.Window{}, fmt.Errorf("relaygate/redis: ensure window: %w", err)
	}
	if len(vals) != 3 {
		return relaygate.Window{}, fmt.Errorf("relaygate/redis: ensure window: unexpected reply %v", vals)
	}

	return relaygate.Window{
		StartedAt: time.UnixMilli(vals[0]),
		Duration:  duration,
		Requests:  vals[1],
		Tokens:    vals[2],
	}, nil
}

// IncrWindowRequests increments the request count of the active window.
func (s *Store) IncrWindowRequests(ctx context.Context, principalID string) (int64, error) {
	n, err := s.client.HIncrBy(ctx, s.windowKey(principalID), "requests", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("relaygate/redis: incr requests: %w", err)
	}
	return n, nil
}

// AddWindowTokens adds reported token usage to the active window.
func (s *Store) AddWindowTokens(ctx context.Context, principalID string, tokens int64) error {
	if err := s.client.HIncrBy(ctx, s.windowKey(principalID), "tokens", tokens).Err(); err != nil {
		return fmt.Errorf("relaygate/redis: add tokens: %w", err)
	}
	return nil
}

// Cost key retention, mirroring the upstream system's usage key TTLs.
const (
	costDailyTTL   = 32 * 24 * time.Hour
	costWeeklyTTL  = 60 * 24 * time.Hour
	costMonthlyTTL = 365 * 24 * time.Hour
)

// AddCost adds a completed request's dollar cost to every period bucket
// in one pipeline.
func (s *Store) AddCost(ctx context.Context, principalID string, amount float64) error {
	now := time.Now()

	pipe := s.client.TxPipeline()
	daily := s.costKey(principalID, relaygate.PeriodDaily, now)
	weekly := s.costKey(principalID, relaygate.PeriodWeekly, now)
	monthly := s.costKey(principalID, relaygate.PeriodMonthly, now)
	total := s.costKey(principalID, relaygate.PeriodTotal, now)

	pipe.IncrByFloat(ctx, daily, amount)
	pipe.Expire(ctx, daily, costDailyTTL)
	pipe.IncrByFloat(ctx, weekly, amount)
	pipe.Expire(ctx, weekly, costWeeklyTTL)
	pipe.IncrByFloat(ctx, monthly, amount)
	pipe.Expire(ctx, monthly, costMonthlyTTL)
	pipe.IncrByFloat(ctx, total, amount)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("relaygate/redis: add cost: %w", err)
	}
	return nil
}

// Costs returns the running cost per period. Period rollover is implicit:
// a new day/week/month reads a fresh bucket key.
func (s *Store) Costs(ctx context.Context, principalID string) (relaygate.CostSnapshot, error) {
	now := time.Now()

	pipe := s.client.Pipeline()
	daily := pipe.Get(ctx, s.costKey(principalID, relaygate.PeriodDaily, now))
	weekly := pipe.Get(ctx, s.costKey(principalID, relaygate.PeriodWeekly, now))
	monthly := pipe.Get(ctx, s.costKey(principalID, relaygate.PeriodMonthly, now))
	total := pipe.Get(ctx, s.costKey(principalID, relaygate.PeriodTotal, now))

	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return relaygate.CostSnapshot{}, fmt.Errorf("relaygate/redis: costs: %w", err)
	}

	return relaygate.CostSnapshot{
		Daily:   floatOrZero(daily),
		Weekly:  floatOrZero(weekly),
		Monthly: floatOrZero(monthly),
		Total:   floatOrZero(total),
	}, nil
}

func floatOrZero(cmd *goredis.StringCmd) float64 {
	v, err := cmd.Result()
	if err != nil {
		return 0
	}
	f, _ := strconv.ParseFloat(v, 64)
	return f
}

// BindSession maps a session hash to an account id for the affinity TTL.
func (s *Store) BindSession(ctx context.Context, sessionHash, accountID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.sessionKey(sessionHash), accountID, ttl).Err(); err != nil {
		return fmt.Errorf("relaygate/redis: bind session: %w", err)
	}
	return nil
}

// SessionAccount returns the account id bound to a session hash, or ""
// when no binding exists.
func (s *Store) SessionAccount(ctx context.Context, sessionHash string) (string, error) {
	v, err := s.client.Get(ctx, s.sessionKey(sessionHash)).Result()
	if err == goredis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("relaygate/redis: session account: %w", err)
	}
	return v, nil
}

// UnbindSession drops a session binding.
func (s *Store) UnbindSession(ctx context.Context, sessionHash string) error {
	if err := s.client.Del(ctx, s.sessionKey(sessionHash)).Err(); err != nil {
		return fmt.Errorf("relaygate/redis: unbind session: %w", err)
	}
	return nil
}
