package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"famsave.org/internal/obs"
)

// admitScript runs the same transition as admit on a Redis hash. It returns
// {outcome, attempts, window_reset_ms, locked_until_ms, now_ms} where outcome
// is 0 rejected, 1 allowed, 2 locked by this attempt. A zero ARGV[1] makes
// the script read the Redis server clock, so all replicas share one time
// source.
var admitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
if now == 0 then
  local t = redis.call('TIME')
  now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
end
local window = tonumber(ARGV[2])
local threshold = tonumber(ARGV[3])
local lockout = tonumber(ARGV[4])

local rec = redis.call('HMGET', KEYS[1], 'attempts', 'reset_at', 'locked_until')
local attempts = tonumber(rec[1]) or 0
local resetAt = tonumber(rec[2]) or 0
local lockedUntil = tonumber(rec[3]) or 0

if lockedUntil > 0 and now < lockedUntil then
  return {0, attempts, resetAt, lockedUntil, now}
end
if not rec[1] or now >= resetAt or lockedUntil > 0 then
  attempts = 0
  resetAt = now + window
  lockedUntil = 0
end

attempts = attempts + 1
local result = 1
if attempts > threshold then
  lockedUntil = now + lockout
  result = 2
end

redis.call('HSET', KEYS[1], 'attempts', attempts, 'reset_at', resetAt, 'locked_until', lockedUntil)
local expireAt = resetAt
if lockedUntil > expireAt then
  expireAt = lockedUntil
end
redis.call('PEXPIREAT', KEYS[1], expireAt)
return {result, attempts, resetAt, lockedUntil, now}
`)

// RedisGuard is a Limiter backed by Redis so that several API replicas share
// one view of each key. Records expire through key TTLs. Time comes from the
// Redis server unless WithRedisClock is set.
type RedisGuard struct {
	client redis.UniversalClient
	cfg    Config
	prefix string
	now    func() time.Time
}

var _ Limiter = (*RedisGuard)(nil)

// RedisOption configures a RedisGuard.
type RedisOption func(*RedisGuard)

// WithKeyPrefix namespaces the Redis keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(g *RedisGuard) {
		g.prefix = prefix
	}
}

// WithRedisClock replaces the Redis server clock with fn.
func WithRedisClock(fn func() time.Time) RedisOption {
	return func(g *RedisGuard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// NewRedis creates a RedisGuard on client.
func NewRedis(client redis.UniversalClient, cfg Config, opts ...RedisOption) (*RedisGuard, error) {
	if client == nil {
		return nil, fmt.Errorf("guard: redis client is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	g := &RedisGuard{
		client: client,
		cfg:    cfg,
		prefix: "famsave:guard:",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Admit implements Limiter.
func (g *RedisGuard) Admit(ctx context.Context, key string) (Decision, error) {
	var clientNow int64
	if g.now != nil {
		clientNow = g.now().UnixMilli()
	}
	res, err := admitScript.Run(ctx, g.client, []string{g.prefix + key},
		clientNow,
		g.cfg.Window.Milliseconds(),
		g.cfg.Threshold,
		g.cfg.Lockout.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("guard: admit: %w", err)
	}
	if len(res) != 5 {
		return Decision{}, fmt.Errorf("guard: admit: unexpected reply of %d values", len(res))
	}

	d := Decision{
		Attempts:      int(res[1]),
		WindowResetAt: time.UnixMilli(res[2]),
	}
	lockedUntil := time.UnixMilli(res[3])
	now := time.UnixMilli(res[4])
	switch res[0] {
	case 1:
		d.Allowed = true
		d.Remaining = g.cfg.Threshold - d.Attempts
	case 2:
		d.Locked = true
		d.RetryAfter = g.cfg.Lockout
		obs.Logger().Warn("guard key locked",
			zap.Int("attempts", d.Attempts),
			zap.Duration("lockout", g.cfg.Lockout))
	default:
		d.RetryAfter = lockedUntil.Sub(now)
	}
	obs.GuardDecisions.WithLabelValues(outcome(d)).Inc()
	return d, nil
}

// Reset implements Limiter.
func (g *RedisGuard) Reset(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.prefix+key).Err(); err != nil {
		return fmt.Errorf("guard: reset: %w", err)
	}
	return nil
}
