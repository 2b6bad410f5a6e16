package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/trialsites/trialsites/internal/platform/auth"
)

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func fromIP(e *echo.Echo, ip string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = ip + ":1234"
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})(okHandler)

	for i := 0; i < 5; i++ {
		c, rec := fromIP(e, "10.0.0.1")
		if err := handler(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, rec.Header().Get("X-RateLimit-Limit"))
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})(okHandler)

	for i := 0; i < 2; i++ {
		c, _ := fromIP(e, "10.0.0.1")
		if err := handler(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}

	c, rec := fromIP(e, "10.0.0.1")
	err := handler(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	retry, convErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if convErr != nil || retry < 1 {
		t.Errorf("expected a positive Retry-After, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimit_ZeroBurstRejects(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 0, BurstSize: 0})(okHandler)

	c, _ := fromIP(e, "10.0.0.1")
	if err, ok := handler(c).(*echo.HTTPError); !ok || err.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
}

func TestRateLimit_PerKeyIsolation(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})(okHandler)

	c, _ := fromIP(e, "10.0.0.1")
	if err := handler(c); err != nil {
		t.Fatalf("first IP: %v", err)
	}
	c, _ = fromIP(e, "10.0.0.2")
	if err := handler(c); err != nil {
		t.Fatalf("second IP should have its own bucket: %v", err)
	}
}

func TestRateLimit_KeysAuthenticatedCallersByOwner(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})(okHandler)

	asOrg := func(ip string) echo.Context {
		c, _ := fromIP(e, ip)
		req := c.Request()
		c.SetRequest(req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{UserID: "alice", OrgID: "org-a"})))
		return c
	}

	if err := handler(asOrg("10.0.0.1")); err != nil {
		t.Fatalf("first request: %v", err)
	}
	// Same organization from another address shares the bucket.
	if err, ok := handler(asOrg("10.0.0.9")).(*echo.HTTPError); !ok || err.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for the same owner, got %v", err)
	}
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond <= 0 || cfg.BurstSize <= 0 || cfg.IdleTTL <= 0 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLimiterStore_EvictsIdleVisitors(t *testing.T) {
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Now()
	store.now = func() time.Time { return now }

	store.get("ip:a")
	store.get("ip:b")
	if store.size() != 2 {
		t.Fatalf("expected 2 visitors, got %d", store.size())
	}

	now = now.Add(2 * time.Minute)
	store.get("ip:c")
	if store.size() != 1 {
		t.Errorf("expected idle visitors evicted, got %d", store.size())
	}
}
