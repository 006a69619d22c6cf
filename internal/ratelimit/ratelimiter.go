// Package ratelimit enforces per-user sliding-window request limits.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultWindow is the sliding window every limit is expressed over.
const DefaultWindow = time.Minute

// Limiter is used to enforce per-key rate limits. A limit <= 0 means
// unlimited, reported as remaining -1 and a zero resetAt.
type Limiter interface {
	AllowWithDetails(ctx context.Context, key string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
	Reset(ctx context.Context, key string) error
}

// NoopLimiter allows all requests.
type NoopLimiter struct{}

func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

func (l *NoopLimiter) Allow(ctx context.Context, key string) bool {
	return true
}

func (l *NoopLimiter) AllowWithDetails(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	return true, -1, time.Time{}, nil
}

func (l *NoopLimiter) Reset(ctx context.Context, key string) error {
	return nil
}

// slidingWindowScript trims the window, admits the request when under the
// limit and reports {allowed, count, oldest score}. Rejected requests are
// not recorded, so a client hammering the endpoint does not extend its own
// lockout.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	count = count + 1
	allowed = 1
end
redis.call('PEXPIRE', key, window * 2)

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local first = now
if oldest[2] then
	first = tonumber(oldest[2])
end
return {allowed, count, first}
`)

// RateLimiter implements distributed rate limiting using Redis sorted sets.
type RateLimiter struct {
	client redis.UniversalClient
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter creates a new rate limiter with the default window.
func NewRateLimiter(client redis.UniversalClient) *RateLimiter {
	return &RateLimiter{client: client, window: DefaultWindow, now: time.Now}
}

// WithClock overrides the clock used to place requests in the window.
func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	rl.now = now
	return rl
}

func rateLimitKey(key string) string {
	return fmt.Sprintf("ratelimit:%s", key)
}

// AllowWithDetails records a request for key when it fits in the window.
func (rl *RateLimiter) AllowWithDetails(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	if limit <= 0 {
		return true, -1, time.Time{}, nil
	}

	now := rl.now()
	res, err := slidingWindowScript.Run(ctx, rl.client,
		[]string{rateLimitKey(key)},
		now.UnixMilli(),
		rl.window.Milliseconds(),
		limit,
		fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString()),
	).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(res) != 3 {
		return false, 0, time.Time{}, fmt.Errorf("rate limit check returned %d values", len(res))
	}

	allowed := res[0] == 1
	remaining := max(limit-int(res[1]), 0)
	resetAt := time.UnixMilli(res[2]).Add(rl.window)
	return allowed, remaining, resetAt, nil
}

// GetCurrentUsage returns the current request count in the window.
func (rl *RateLimiter) GetCurrentUsage(ctx context.Context, key string) (int64, error) {
	k := rateLimitKey(key)
	windowStart := rl.now().Add(-rl.window)

	if err := rl.client.ZRemRangeByScore(ctx, k, "-inf", fmt.Sprintf("%d", windowStart.UnixMilli())).Err(); err != nil {
		return 0, fmt.Errorf("failed to clean old entries: %w", err)
	}

	count, err := rl.client.ZCard(ctx, k).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get current usage: %w", err)
	}
	return count, nil
}

// Reset resets the rate limit for a key.
func (rl *RateLimiter) Reset(ctx context.Context, key string) error {
	return rl.client.Del(ctx, rateLimitKey(key)).Err()
}

// MemoryLimiter is the single-process sliding window used when no Redis is
// configured.
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	window  time.Duration
	now     func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		entries: make(map[string][]time.Time),
		window:  DefaultWindow,
		now:     time.Now,
	}
}

// WithClock overrides the limiter clock.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

func (l *MemoryLimiter) AllowWithDetails(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	if limit <= 0 {
		return true, -1, time.Time{}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.entries[key][:0]
	for _, ts := range l.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	allowed := len(kept) < limit
	if allowed {
		kept = append(kept, now)
	}
	if len(kept) == 0 {
		delete(l.entries, key)
	} else {
		l.entries[key] = kept
	}

	resetAt := now.Add(l.window)
	if len(kept) > 0 {
		resetAt = kept[0].Add(l.window)
	}
	return allowed, max(limit-len(kept), 0), resetAt, nil
}

func (l *MemoryLimiter) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}
