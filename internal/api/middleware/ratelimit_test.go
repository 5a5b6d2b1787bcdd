package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLimiterConfig() *Config {
	return &Config{
		GlobalRPS:       100,
		ClientRPS:       2,
		CleanupInterval: time.Hour,
		IdleTimeout:     time.Hour,
		MaxClients:      100,
	}
}

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(testLimiterConfig())
	defer func() { _ = rl.Close() }()

	// Burst defaults to 2x the sustained rate.
	for i := 0; i < 4; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d rejected within burst capacity", i+1)
		}
	}

	if rl.Allow("10.0.0.1") {
		t.Error("request over burst capacity was allowed")
	}
}

func TestRateLimiterIsolatesClients(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(testLimiterConfig())
	defer func() { _ = rl.Close() }()

	for i := 0; i < 4; i++ {
		rl.Allow("10.0.0.1")
	}

	if rl.Allow("10.0.0.1") {
		t.Fatal("exhausted client still allowed")
	}

	if !rl.Allow("10.0.0.2") {
		t.Error("fresh client rejected because another client is exhausted")
	}
}

func TestRateLimiterGlobalLimit(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := testLimiterConfig()
	cfg.GlobalRPS = 1
	cfg.GlobalBurst = 2

	rl := NewInMemoryRateLimiter(cfg)
	defer func() { _ = rl.Close() }()

	allowed := 0

	for i := 0; i < 10; i++ {
		if rl.Allow("10.0.0.1") {
			allowed++
		}
	}

	if allowed > 2 {
		t.Errorf("global limit admitted %d requests, want at most the burst of 2", allowed)
	}
}

func TestRateLimiterEmptyClientUsesGlobalOnly(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(testLimiterConfig())
	defer func() { _ = rl.Close() }()

	// Well past the per-client burst; only the global bucket applies.
	for i := 0; i < 10; i++ {
		if !rl.Allow("") {
			t.Fatalf("request %d with empty client id rejected", i+1)
		}
	}
}

func TestRateLimiterMaxClientsFallback(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := testLimiterConfig()
	cfg.MaxClients = 1

	rl := NewInMemoryRateLimiter(cfg)
	defer func() { _ = rl.Close() }()

	for i := 0; i < 4; i++ {
		rl.Allow("10.0.0.1")
	}

	// The map is full; overflow clients fall back to the global limit
	// instead of being rejected.
	for i := 0; i < 10; i++ {
		if !rl.Allow("10.0.0.2") {
			t.Fatalf("overflow client rejected on request %d", i+1)
		}
	}
}

func TestRateLimiterCleanupRemovesIdleClients(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := testLimiterConfig()
	cfg.IdleTimeout = time.Nanosecond

	rl := NewInMemoryRateLimiter(cfg)
	defer func() { _ = rl.Close() }()

	rl.Allow("10.0.0.1")

	time.Sleep(time.Millisecond)
	rl.cleanup()

	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if len(rl.perClient) != 0 {
		t.Errorf("cleanup left %d idle clients behind", len(rl.perClient))
	}
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := testLimiterConfig()
	cfg.ClientRPS = 1
	cfg.ClientBurst = 1

	rl := NewInMemoryRateLimiter(cfg)
	defer func() { _ = rl.Close() }()

	handler := RateLimit(rl, slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/scans", nil)
		req.RemoteAddr = "10.0.0.1:54321"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		return rec
	}

	if rec := do(); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want application/problem+json", ct)
	}

	var problem struct {
		Status   int    `json:"status"`
		Instance string `json:"instance"`
	}

	if err := json.Unmarshal(rec.Body.Bytes(), &problem); err != nil {
		t.Fatalf("parsing problem response: %v", err)
	}

	if problem.Status != http.StatusTooManyRequests || problem.Instance != "/api/scans" {
		t.Errorf("problem = %+v", problem)
	}
}

func TestClientAddr(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:12345"

	if got := clientAddr(req); got != "192.0.2.7" {
		t.Errorf("clientAddr = %q, want host without port", got)
	}

	req.RemoteAddr = "unparseable"
	if got := clientAddr(req); got != "unparseable" {
		t.Errorf("clientAddr fallback = %q", got)
	}
}
