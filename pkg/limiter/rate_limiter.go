package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter decides whether one more request for key may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, 0, window_start)
if redis.call('ZCARD', key) >= limit then
	return 0
end
redis.call('ZADD', key, now, ARGV[5])
redis.call('PEXPIRE', key, ttl)
return 1
`)

// SlidingWindowLimiter counts requests per key over a rolling window in redis,
// so the limit holds across replicas.
type SlidingWindowLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

// NewSlidingWindowLimiter allows limit requests per key in any window.
func NewSlidingWindowLimiter(client redis.UniversalClient, limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		client: client,
		prefix: "rate_limit:",
		limit:  limit,
		window: window,
	}
}

func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.prefix + key},
		now,
		now-l.window.Milliseconds(),
		l.limit,
		l.window.Milliseconds(),
		uuid.NewString(),
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// KeyedTokenBucket keeps one in-process token bucket per key. Buckets idle
// longer than idleTTL are dropped on the next sweep.
type KeyedTokenBucket struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	buckets map[string]*bucket
	sweptAt time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedTokenBucket refills each key at r tokens per second up to burst.
func NewKeyedTokenBucket(r rate.Limit, burst int, idleTTL time.Duration) *KeyedTokenBucket {
	return &KeyedTokenBucket{
		limit:   r,
		burst:   burst,
		idleTTL: idleTTL,
		buckets: make(map[string]*bucket),
		sweptAt: time.Now(),
	}
}

func (l *KeyedTokenBucket) Allow(_ context.Context, key string) (bool, error) {
	return l.AllowN(key, 1), nil
}

// AllowN takes n tokens from key's bucket if available.
func (l *KeyedTokenBucket) AllowN(key string, n int) bool {
	now := time.Now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	if l.idleTTL > 0 && now.Sub(l.sweptAt) > l.idleTTL {
		l.sweep(now)
	}
	l.mu.Unlock()

	return b.limiter.AllowN(now, n)
}

func (l *KeyedTokenBucket) sweep(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.buckets, k)
		}
	}
	l.sweptAt = now
}

// Len returns the number of live buckets.
func (l *KeyedTokenBucket) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// FallbackLimiter asks primary and answers from secondary while primary errors.
type FallbackLimiter struct {
	primary   RateLimiter
	secondary RateLimiter
	onError   func(err error)
}

// NewFallbackLimiter creates a fallback limiter. onError may be nil.
func NewFallbackLimiter(primary, secondary RateLimiter, onError func(err error)) *FallbackLimiter {
	return &FallbackLimiter{primary: primary, secondary: secondary, onError: onError}
}

func (l *FallbackLimiter) Allow(ctx context.Context, key string) (bool, error) {
	ok, err := l.primary.Allow(ctx, key)
	if err == nil {
		return ok, nil
	}
	if l.onError != nil {
		l.onError(err)
	}
	return l.secondary.Allow(ctx, key)
}
