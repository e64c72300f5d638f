package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/bastion/pkg/httputil"
	"github.com/platinummonkey/bastion/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate (local limiter only)
	BurstSize int
}

// DefaultRateLimitConfig returns limits for anonymous callers
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 100,
		WindowDuration:    time.Minute,
		BurstSize:         10,
	}
}

// PerKeyRateLimitConfig returns limits for authenticated API keys. Decision
// endpoints are called on every guarded request of a client service.
func PerKeyRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 5000,
		WindowDuration:    time.Minute,
		BurstSize:         100,
	}
}

// LimitResult is the outcome of a single rate limit check
type LimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetIn   time.Duration
}

// Limiter decides whether a request identified by key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (LimitResult, error)
}

// LocalLimiter is an in-process token bucket limiter
type LocalLimiter struct {
	config  RateLimitConfig
	buckets map[string]*bucket
	mu      sync.Mutex
	now     func() time.Time
}

type bucket struct {
	tokens     int
	lastUpdate time.Time
}

// NewLocalLimiter creates a token bucket limiter
func NewLocalLimiter(config RateLimitConfig) *LocalLimiter {
	return &LocalLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *LocalLimiter) capacity() int {
	return l.config.RequestsPerWindow + l.config.BurstSize
}

// Allow takes one token from key's bucket
func (l *LocalLimiter) Allow(ctx context.Context, key string) (LimitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity(), lastUpdate: now}
		l.buckets[key] = b
	}

	// Refill tokens based on elapsed time
	elapsed := now.Sub(b.lastUpdate)
	refill := int(elapsed.Seconds() * float64(l.config.RequestsPerWindow) / l.config.WindowDuration.Seconds())
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.capacity() {
			b.tokens = l.capacity()
		}
		b.lastUpdate = now
	}

	res := LimitResult{Limit: l.config.RequestsPerWindow, ResetIn: l.config.WindowDuration}
	if b.tokens > 0 {
		b.tokens--
		res.Allowed = true
	}
	res.Remaining = b.tokens
	return res, nil
}

// Cleanup removes buckets idle for more than two windows
func (l *LocalLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, b := range l.buckets {
		if now.Sub(b.lastUpdate) > l.config.WindowDuration*2 {
			delete(l.buckets, key)
		}
	}
}

// StartCleanup runs Cleanup once per window until ctx is done
func (l *LocalLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(l.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RedisLimiter is a fixed window limiter shared by all replicas through Redis
type RedisLimiter struct {
	redis  *redis.Client
	config RateLimitConfig
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter
func NewRedisLimiter(client *redis.Client, config RateLimitConfig, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "bastion:ratelimit"
	}
	return &RedisLimiter{redis: client, config: config, prefix: prefix}
}

var windowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

// Allow counts the request in the current window. The window starts at the
// first request for key.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (LimitResult, error) {
	redisKey := fmt.Sprintf("%s:%s", l.prefix, key)

	out, err := windowScript.Run(ctx, l.redis, []string{redisKey}, l.config.WindowDuration.Milliseconds()).Slice()
	if err != nil || len(out) != 2 {
		return LimitResult{Allowed: true, Limit: l.config.RequestsPerWindow}, fmt.Errorf("redis error: %v", err)
	}
	count, _ := out[0].(int64)
	pttl, _ := out[1].(int64)

	remaining := l.config.RequestsPerWindow - int(count)
	if remaining < 0 {
		remaining = 0
	}
	reset := time.Duration(pttl) * time.Millisecond
	if reset <= 0 {
		reset = l.config.WindowDuration
	}
	return LimitResult{
		Allowed:   int(count) <= l.config.RequestsPerWindow,
		Limit:     l.config.RequestsPerWindow,
		Remaining: remaining,
		ResetIn:   reset,
	}, nil
}

// Reset clears the counter for key
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, fmt.Sprintf("%s:%s", l.prefix, key)).Err()
}

// RateLimitMiddleware limits requests per API key, or per client IP for
// unauthenticated requests.
type RateLimitMiddleware struct {
	keyLimiter       Limiter
	anonymousLimiter Limiter
	failOpen         bool
	logger           *observability.Logger
}

// NewRateLimitMiddleware creates a new rate limit middleware. With failOpen
// set, limiter errors let the request through; otherwise they yield 503.
func NewRateLimitMiddleware(keyLimiter, anonymousLimiter Limiter, failOpen bool, logger *observability.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		keyLimiter:       keyLimiter,
		anonymousLimiter: anonymousLimiter,
		failOpen:         failOpen,
		logger:           logger,
	}
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, limiter := "ip:"+httputil.ClientIP(r), m.anonymousLimiter
		if authCtx := GetAuthContext(r); authCtx != nil {
			key, limiter = "key:"+authCtx.KeyID.String(), m.keyLimiter
		}

		res, err := limiter.Allow(r.Context(), key)
		if err != nil {
			if m.logger != nil {
				m.logger.WithError(err).WithField("limit_key", key).Warn("rate limiter unavailable")
			}
			if m.failOpen {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteServiceUnavailable(w, "rate limiter unavailable")
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(res.ResetIn).Unix(), 10))

		if !res.Allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", res.ResetIn.Seconds()))
			httputil.WriteErrorMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
