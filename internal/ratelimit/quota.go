package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"tryonhub/pkg/domain"
)

const (
	DefaultQuotaLimit  = 10
	DefaultQuotaWindow = 10 * time.Minute
)

// State lives in one hash per user: count and window_start (unix ms).
// Every script receives ARGV[1]=now_ms, ARGV[2]=window_ms.

var checkScript = redis.NewScript(`
local start = tonumber(redis.call("HGET", KEYS[1], "window_start") or "-1")
local count = tonumber(redis.call("HGET", KEYS[1], "count") or "0")
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if start < 0 then
  return {0, now}
end
if now >= start + window then
  redis.call("HSET", KEYS[1], "count", 0, "window_start", now)
  redis.call("PEXPIRE", KEYS[1], window)
  return {0, now}
end
return {count, start}
`)

var incrementScript = redis.NewScript(`
local start = tonumber(redis.call("HGET", KEYS[1], "window_start") or "-1")
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if start < 0 or now >= start + window then
  redis.call("HSET", KEYS[1], "count", 1, "window_start", now)
  redis.call("PEXPIRE", KEYS[1], window)
  return {1, now}
end
local count = redis.call("HINCRBY", KEYS[1], "count", 1)
return {count, start}
`)

var reserveScript = redis.NewScript(`
local start = tonumber(redis.call("HGET", KEYS[1], "window_start") or "-1")
local count = tonumber(redis.call("HGET", KEYS[1], "count") or "0")
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
if start < 0 or now >= start + window then
  count = 0
  start = now
  redis.call("HSET", KEYS[1], "count", 0, "window_start", now)
  redis.call("PEXPIRE", KEYS[1], window)
end
if count >= limit then
  return {0, count, start}
end
count = redis.call("HINCRBY", KEYS[1], "count", 1)
return {1, count, start}
`)

var releaseScript = redis.NewScript(`
local start = tonumber(redis.call("HGET", KEYS[1], "window_start") or "-1")
if start ~= tonumber(ARGV[1]) then
  return 0
end
local count = tonumber(redis.call("HGET", KEYS[1], "count") or "0")
if count <= 0 then
  return 0
end
redis.call("HINCRBY", KEYS[1], "count", -1)
return 1
`)

// QuotaConfig configures a QuotaLimiter.
type QuotaConfig struct {
	Client *redis.Client
	Prefix string
	Limit  int
	Window time.Duration
	// Now overrides the wall clock (tests).
	Now func() time.Time
}

// QuotaLimiter is a per-user fixed-window generation quota stored in Redis.
// All decisions run as Lua scripts, so check-and-increment is atomic per user.
type QuotaLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewQuotaLimiter builds a limiter; zero Limit/Window fall back to 10 per 10 minutes.
func NewQuotaLimiter(cfg QuotaConfig) (*QuotaLimiter, error) {
	if cfg.Client == nil {
		return nil, errors.New("quota limiter requires a redis client")
	}
	if cfg.Limit < 0 || cfg.Window < 0 {
		return nil, errors.New("quota limiter requires non-negative limit and window")
	}
	limit := cfg.Limit
	if limit == 0 {
		limit = DefaultQuotaLimit
	}
	window := cfg.Window
	if window == 0 {
		window = DefaultQuotaWindow
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "tryon:quota"
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &QuotaLimiter{client: cfg.Client, prefix: prefix, limit: limit, window: window, now: now}, nil
}

// Limit returns the per-window allowance.
func (l *QuotaLimiter) Limit() int { return l.limit }

// Check reports the user's quota without consuming it. An expired window is reset.
func (l *QuotaLimiter) Check(ctx context.Context, userID string) (domain.Quota, error) {
	vals, err := l.run(ctx, checkScript, userID)
	if err != nil {
		return domain.Quota{}, fmt.Errorf("check quota: %w", err)
	}
	if len(vals) != 2 {
		return domain.Quota{}, fmt.Errorf("check quota: unexpected reply %v", vals)
	}
	return l.quota(int(vals[0]), vals[1]), nil
}

// Increment counts one generation. It does not refuse past the limit; callers
// must Check first, or use Reserve.
func (l *QuotaLimiter) Increment(ctx context.Context, userID string) error {
	if _, err := l.run(ctx, incrementScript, userID); err != nil {
		return fmt.Errorf("increment quota: %w", err)
	}
	return nil
}

// Reserve atomically checks and, when allowed, consumes one unit. The returned
// quota reflects the state after the reservation.
func (l *QuotaLimiter) Reserve(ctx context.Context, userID string) (domain.Quota, error) {
	vals, err := l.run(ctx, reserveScript, userID, l.limit)
	if err != nil {
		return domain.Quota{}, fmt.Errorf("reserve quota: %w", err)
	}
	if len(vals) != 3 {
		return domain.Quota{}, fmt.Errorf("reserve quota: unexpected reply %v", vals)
	}
	q := l.quota(int(vals[1]), vals[2])
	q.Allowed = vals[0] == 1
	return q, nil
}

// Release refunds a unit granted by Reserve, provided the window that granted it
// is still current. Refunds into a later window are dropped.
func (l *QuotaLimiter) Release(ctx context.Context, userID string, reserved domain.Quota) error {
	windowStart := reserved.ResetAt.Add(-l.window)
	key := l.key(userID)
	if err := releaseScript.Run(ctx, l.client, []string{key}, windowStart.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

// State returns the raw counter, if the user has one.
func (l *QuotaLimiter) State(ctx context.Context, userID string) (domain.RateLimitState, bool, error) {
	data, err := l.client.HGetAll(ctx, l.key(userID)).Result()
	if err != nil {
		return domain.RateLimitState{}, false, fmt.Errorf("read quota state: %w", err)
	}
	if len(data) == 0 {
		return domain.RateLimitState{}, false, nil
	}
	var count, start int64
	if _, err := fmt.Sscan(data["count"], &count); err != nil {
		return domain.RateLimitState{}, false, fmt.Errorf("parse quota count: %w", err)
	}
	if _, err := fmt.Sscan(data["window_start"], &start); err != nil {
		return domain.RateLimitState{}, false, fmt.Errorf("parse quota window: %w", err)
	}
	return domain.RateLimitState{Count: int(count), WindowStart: time.UnixMilli(start).UTC()}, true, nil
}

func (l *QuotaLimiter) run(ctx context.Context, script *redis.Script, userID string, extra ...any) ([]int64, error) {
	args := append([]any{l.now().UnixMilli(), l.window.Milliseconds()}, extra...)
	return script.Run(ctx, l.client, []string{l.key(userID)}, args...).Int64Slice()
}

func (l *QuotaLimiter) quota(count int, windowStartMs int64) domain.Quota {
	remaining := max(0, l.limit-count)
	return domain.Quota{
		Allowed:   remaining > 0,
		Remaining: remaining,
		Limit:     l.limit,
		ResetAt:   time.UnixMilli(windowStartMs).Add(l.window).UTC(),
	}
}

func (l *QuotaLimiter) key(userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = "anonymous"
	}
	return l.prefix + ":" + userID
}
