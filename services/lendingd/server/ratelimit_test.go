package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterPerCaller(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 2})
	limiter.clockNow = func() time.Time { return now }

	if !limiter.Allow("a") || !limiter.Allow("a") {
		t.Fatalf("burst should be admitted")
	}
	if limiter.Allow("a") {
		t.Fatalf("third request should be throttled")
	}
	if !limiter.Allow("b") {
		t.Fatalf("callers must not share buckets")
	}
	now = now.Add(time.Second)
	if !limiter.Allow("a") {
		t.Fatalf("token should refill after one second")
	}
}

func TestRateLimiterEvictsIdleCallers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1})
	limiter.clockNow = func() time.Time { return now }

	limiter.Allow("idle")
	now = now.Add(10 * time.Minute)
	limiter.Allow("fresh")
	limiter.mu.Lock()
	_, kept := limiter.visitors["idle"]
	size := len(limiter.visitors)
	limiter.mu.Unlock()
	if kept || size != 1 {
		t.Fatalf("idle caller not evicted: kept=%v size=%d", kept, size)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 1, Burst: 1})
	handler := limiter.Middleware("test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(ctx context.Context, remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil).WithContext(ctx)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	anon := context.Background()
	if code := send(anon, "10.0.0.1:1234"); code != http.StatusOK {
		t.Fatalf("first request: %d", code)
	}
	if code := send(anon, "10.0.0.1:5678"); code != http.StatusTooManyRequests {
		t.Fatalf("same ip should be throttled, got %d", code)
	}

	authed := context.WithValue(anon, contextKeyIdentity, Identity{Address: testAlice})
	if code := send(authed, "10.0.0.1:1234"); code != http.StatusOK {
		t.Fatalf("authenticated caller keyed by subject, got %d", code)
	}
}
