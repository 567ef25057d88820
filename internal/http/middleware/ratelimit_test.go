package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIPRateLimiterRefillsOverTime(t *testing.T) {
	now := time.Date(2026, 10, 14, 15, 0, 0, 0, time.UTC)
	l := NewIPRateLimiter(2, 2).WithClock(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow("1.2.3.4"); !ok {
			t.Fatalf("request %d should be within burst", i+1)
		}
	}
	ok, wait := l.Allow("1.2.3.4")
	if ok {
		t.Fatalf("expected third request to be refused")
	}
	if wait != 500*time.Millisecond {
		t.Fatalf("expected 500ms wait, got %s", wait)
	}
	if ok, _ := l.Allow("5.6.7.8"); !ok {
		t.Fatalf("other clients have their own bucket")
	}

	now = now.Add(500 * time.Millisecond)
	if ok, _ := l.Allow("1.2.3.4"); !ok {
		t.Fatalf("expected a token after refill")
	}
}

func TestIPRateLimiterEvictsIdleBuckets(t *testing.T) {
	now := time.Date(2026, 10, 14, 15, 0, 0, 0, time.UTC)
	l := NewIPRateLimiter(1, 1).WithClock(func() time.Time { return now })
	l.Allow("a")
	now = now.Add(idleBucketTTL + time.Second)
	l.Allow("b")
	if n := l.Evict(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	now := time.Date(2026, 10, 14, 15, 0, 0, 0, time.UTC)
	l := NewIPRateLimiter(0.5, 1).WithClock(func() time.Time { return now })
	h := RateLimit(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/instances/i/slots", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	if rec := serve(); rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}
	rec := serve()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2, got %q", got)
	}
}
