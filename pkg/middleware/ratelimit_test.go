package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/platinummonkey/bastion/pkg/auth"
	"github.com/platinummonkey/bastion/pkg/contextkeys"
	"github.com/platinummonkey/bastion/pkg/httputil"
)

func withAuthContext(r *http.Request, authCtx *auth.AuthContext) *http.Request {
	return r.WithContext(contextkeys.WithAuth(r.Context(), authCtx))
}

func TestLocalLimiter_Allow(t *testing.T) {
	config := RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Second, BurstSize: 2}
	limiter := NewLocalLimiter(config)
	now := time.Now()
	limiter.now = func() time.Time { return now }

	allowed := 0
	for i := 0; i < config.RequestsPerWindow+config.BurstSize+5; i++ {
		res, err := limiter.Allow(context.Background(), "k")
		if err != nil {
			t.Fatal(err)
		}
		if res.Allowed {
			allowed++
		}
	}
	if want := config.RequestsPerWindow + config.BurstSize; allowed != want {
		t.Errorf("Allowed %d requests, want %d", allowed, want)
	}

	now = now.Add(time.Second)
	if res, _ := limiter.Allow(context.Background(), "k"); !res.Allowed {
		t.Error("Should allow request after refill")
	}
}

func TestLocalLimiter_RefillCapped(t *testing.T) {
	config := RateLimitConfig{RequestsPerWindow: 5, WindowDuration: time.Second, BurstSize: 1}
	limiter := NewLocalLimiter(config)
	now := time.Now()
	limiter.now = func() time.Time { return now }

	limiter.Allow(context.Background(), "k")
	now = now.Add(time.Hour)
	res, _ := limiter.Allow(context.Background(), "k")
	if res.Remaining != config.RequestsPerWindow+config.BurstSize-1 {
		t.Errorf("Remaining = %d, want %d", res.Remaining, config.RequestsPerWindow+config.BurstSize-1)
	}
}

func TestLocalLimiter_Cleanup(t *testing.T) {
	limiter := NewLocalLimiter(RateLimitConfig{RequestsPerWindow: 10, WindowDuration: 100 * time.Millisecond})
	now := time.Now()
	limiter.now = func() time.Time { return now }

	for _, key := range []string{"a", "b", "c"} {
		limiter.Allow(context.Background(), key)
	}
	if len(limiter.buckets) != 3 {
		t.Fatalf("Expected 3 buckets, got %d", len(limiter.buckets))
	}

	now = now.Add(300 * time.Millisecond)
	limiter.Cleanup()
	if len(limiter.buckets) != 0 {
		t.Errorf("Expected 0 buckets after cleanup, got %d", len(limiter.buckets))
	}
}

func TestLocalLimiter_Concurrency(t *testing.T) {
	limiter := NewLocalLimiter(RateLimitConfig{RequestsPerWindow: 50, WindowDuration: time.Hour})

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _ := limiter.Allow(context.Background(), "shared")
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("Allowed %d concurrent requests, want 50", allowed)
	}
}

func TestRedisLimiter_Allow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := NewRedisLimiter(client, RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute}, "")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(ctx, "k")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !res.Allowed || res.Remaining != 2-i {
			t.Errorf("request %d: got %+v", i, res)
		}
	}

	res, err := limiter.Allow(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Error("fourth request should be rejected")
	}
	if res.ResetIn <= 0 || res.ResetIn > time.Minute {
		t.Errorf("ResetIn = %v", res.ResetIn)
	}

	// window expires
	mr.FastForward(time.Minute + time.Second)
	if res, _ := limiter.Allow(ctx, "k"); !res.Allowed {
		t.Error("request in new window should be allowed")
	}

	if err := limiter.Reset(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if mr.Exists("bastion:ratelimit:k") {
		t.Error("Reset should delete the counter")
	}
}

func TestRedisLimiter_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	limiter := NewRedisLimiter(client, DefaultRateLimitConfig(), "test")
	res, err := limiter.Allow(context.Background(), "k")
	if err == nil {
		t.Fatal("expected error with redis down")
	}
	if !res.Allowed {
		t.Error("result should allow when the counter is unavailable")
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(ctx context.Context, key string) (LimitResult, error) {
	return LimitResult{}, errors.New("boom")
}

func TestRateLimitMiddleware_Anonymous(t *testing.T) {
	anon := NewLocalLimiter(RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Hour})
	m := NewRateLimitMiddleware(NewLocalLimiter(PerKeyRateLimitConfig()), anon, true, nil)
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/authz/decide", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)

		if i == 2 {
			if w.Header().Get("Retry-After") == "" {
				t.Error("Retry-After header missing on 429")
			}
			if w.Header().Get("X-RateLimit-Remaining") != "0" {
				t.Errorf("X-RateLimit-Remaining = %q", w.Header().Get("X-RateLimit-Remaining"))
			}
		}
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("status codes = %v", codes)
	}

	// a forwarding header from an untrusted peer does not buy a new bucket
	req := httptest.NewRequest("GET", "/authz/decide", nil)
	req.RemoteAddr = "10.0.0.1:4321"
	req.Header.Set("X-Forwarded-For", "10.0.0.2")
	w := httptest.NewRecorder()
	httputil.ClientIPMiddleware(nil)(handler).ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("spoofed client status = %d", w.Code)
	}

	// a different address has its own bucket
	req = httptest.NewRequest("GET", "/authz/decide", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("other client status = %d", w.Code)
	}
	if _, ok := anon.buckets["ip:10.0.0.2"]; !ok {
		t.Error("anonymous requests should be limited per address")
	}
}

func TestRateLimitMiddleware_PerKey(t *testing.T) {
	keyLimiter := NewLocalLimiter(RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Hour})
	m := NewRateLimitMiddleware(keyLimiter, NewLocalLimiter(DefaultRateLimitConfig()), true, nil)
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	authCtx := &auth.AuthContext{UserID: uuid.New(), KeyID: uuid.New()}
	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := withAuthContext(httptest.NewRequest("GET", "/", nil), authCtx)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != want {
			t.Errorf("request %d status = %d, want %d", i, w.Code, want)
		}
	}

	if _, ok := keyLimiter.buckets["key:"+authCtx.KeyID.String()]; !ok {
		t.Error("authenticated requests should be limited per key")
	}
}

func TestRateLimitMiddleware_LimiterError(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	open := NewRateLimitMiddleware(failingLimiter{}, failingLimiter{}, true, nil).Handler(next)
	w := httptest.NewRecorder()
	open.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusOK {
		t.Errorf("fail-open status = %d, want 200", w.Code)
	}

	closed := NewRateLimitMiddleware(failingLimiter{}, failingLimiter{}, false, nil).Handler(next)
	w = httptest.NewRecorder()
	closed.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("fail-closed status = %d, want 503", w.Code)
	}
}

func TestRateLimitConfigs(t *testing.T) {
	if PerKeyRateLimitConfig().RequestsPerWindow <= DefaultRateLimitConfig().RequestsPerWindow {
		t.Error("per-key limit should be higher than the anonymous limit")
	}
}
