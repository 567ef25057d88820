package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter bounds outbound provider requests per form instance over a
// rolling window. Allow returns a *RateLimitedError when the budget is spent.
type RateLimiter interface {
	Allow(ctx context.Context, instanceID string) error
}

// MemoryRateLimiter is a sliding-window log kept in process memory.
type MemoryRateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

// NewMemoryRateLimiter allows limit requests per instance per window.
func NewMemoryRateLimiter(limit int, window time.Duration) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// WithClock overrides the limiter clock.
func (l *MemoryRateLimiter) WithClock(now func() time.Time) *MemoryRateLimiter {
	l.now = now
	return l
}

func (l *MemoryRateLimiter) Allow(_ context.Context, instanceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.hits[instanceID][:0]
	for _, t := range l.hits[instanceID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.limit {
		l.hits[instanceID] = kept
		return &RateLimitedError{
			InstanceID: instanceID,
			Limit:      l.limit,
			RetryAfter: kept[0].Add(l.window).Sub(now),
		}
	}
	l.hits[instanceID] = append(kept, now)
	return nil
}

// slidingWindowScript trims the window, then admits the request if under the
// limit. Returns {allowed, count, oldest_ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count >= limit then
  local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
  local score = now
  if oldest[2] then score = tonumber(oldest[2]) end
  return {0, count, score}
end
redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, window)
return {1, count + 1, now}
`)

// RedisRateLimiter shares the rolling window across API replicas.
type RedisRateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
	seq    uint64
	mu     sync.Mutex
}

// NewRedisRateLimiter creates a redis-backed limiter.
func NewRedisRateLimiter(client *redis.Client, limit int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, limit: limit, window: window, now: time.Now}
}

// WithClock overrides the limiter clock.
func (l *RedisRateLimiter) WithClock(now func() time.Time) *RedisRateLimiter {
	l.now = now
	return l
}

func (l *RedisRateLimiter) nextMember(nowMs int64) string {
	l.mu.Lock()
	l.seq++
	seq := l.seq
	l.mu.Unlock()
	return strconv.FormatInt(nowMs, 10) + "-" + strconv.FormatUint(seq, 10)
}

func (l *RedisRateLimiter) Allow(ctx context.Context, instanceID string) error {
	nowMs := l.now().UnixMilli()
	windowMs := l.window.Milliseconds()
	key := fmt.Sprintf("wizard:ratelimit:%s", instanceID)

	res, err := slidingWindowScript.Run(ctx, l.client, []string{key},
		nowMs, windowMs, l.limit, l.nextMember(nowMs)).Int64Slice()
	if err != nil {
		return fmt.Errorf("scheduling: rate limit check: %w", err)
	}
	if len(res) != 3 {
		return fmt.Errorf("scheduling: rate limit check: unexpected reply length %d", len(res))
	}
	if res[0] == 1 {
		return nil
	}
	retry := time.Duration(res[2]+windowMs-nowMs) * time.Millisecond
	if retry < 0 {
		retry = 0
	}
	return &RateLimitedError{InstanceID: instanceID, Limit: l.limit, RetryAfter: retry}
}

// rateLimitedProvider charges the instance budget for data calls. Admin
// connection and health probes are exempt.
type rateLimitedProvider struct {
	next       Provider
	limiter    RateLimiter
	instanceID string
	metrics    Metrics
}

func (p *rateLimitedProvider) allow(ctx context.Context) error {
	err := p.limiter.Allow(ctx, p.instanceID)
	var rl *RateLimitedError
	if errors.As(err, &rl) && p.metrics != nil {
		p.metrics.ObserveRateLimited(p.instanceID)
	}
	return err
}

func (p *rateLimitedProvider) Mode() Mode { return p.next.Mode() }

func (p *rateLimitedProvider) GetSlots(ctx context.Context, req SlotsRequest) (*RawAvailability, error) {
	if err := p.allow(ctx); err != nil {
		return nil, err
	}
	return p.next.GetSlots(ctx, req)
}

func (p *rateLimitedProvider) ValidateAccount(ctx context.Context, req AccountRequest) (*AccountValidation, error) {
	if err := p.allow(ctx); err != nil {
		return nil, err
	}
	return p.next.ValidateAccount(ctx, req)
}

func (p *rateLimitedProvider) GetPromoCodes(ctx context.Context) ([]PromoCode, error) {
	if err := p.allow(ctx); err != nil {
		return nil, err
	}
	return p.next.GetPromoCodes(ctx)
}

func (p *rateLimitedProvider) TestConnection(ctx context.Context) (*ConnectionResult, error) {
	return p.next.TestConnection(ctx)
}

func (p *rateLimitedProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	return p.next.HealthCheck(ctx)
}

// errorOutcome labels a provider failure for metrics.
func errorOutcome(err error) string {
	var rl *RateLimitedError
	var te *TransportError
	switch {
	case errors.As(err, &rl):
		return "rate_limited"
	case errors.Is(err, ErrAccountRequired):
		return "needs_account"
	case errors.As(err, &te) && te.Timeout:
		return "timeout"
	case errors.As(err, &te) && te.Malformed:
		return "malformed"
	case errors.As(err, &te):
		return "transport_error"
	default:
		return "error"
	}
}
