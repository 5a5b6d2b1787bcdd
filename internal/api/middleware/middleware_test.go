package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestApplyOrdersOutermostFirst(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var order []string

	tag := func(name string) Option {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Apply(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), tag("first"), tag("second"))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	want := []string{"first", "second", "handler"}
	if len(order) != len(want) {
		t.Fatalf("execution order = %v, want %v", order, want)
	}

	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestCorrelationIDGenerated(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var fromContext string

	handler := CorrelationID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		fromContext = GetCorrelationID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	header := rec.Header().Get("X-Correlation-ID")
	if header == "" {
		t.Fatal("no X-Correlation-ID header on response")
	}

	if len(header) != 16 {
		t.Errorf("generated correlation id %q, want 16 hex chars", header)
	}

	if fromContext != header {
		t.Errorf("context id %q differs from header %q", fromContext, header)
	}
}

func TestCorrelationIDHonorsHeader(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var fromContext string

	handler := CorrelationID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		fromContext = GetCorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "client-supplied-id")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if fromContext != "client-supplied-id" {
		t.Errorf("context id = %q, want the client-supplied value", fromContext)
	}

	if rec.Header().Get("X-Correlation-ID") != "client-supplied-id" {
		t.Error("response header does not echo the client-supplied id")
	}
}

func TestGetCorrelationIDFallback(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)

	if got := GetCorrelationID(req.Context()); got != "unknown" {
		t.Errorf("GetCorrelationID without middleware = %q, want unknown", got)
	}
}

func TestRecoveryConvertsPanicTo500(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := Recovery(slog.Default())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scans", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want application/problem+json", ct)
	}
}

// staticCORSConfig is a test double for the server's CORS settings.
type staticCORSConfig struct {
	origins []string
	methods []string
	headers []string
	maxAge  int
}

func (c *staticCORSConfig) GetAllowedOrigins() []string { return c.origins }
func (c *staticCORSConfig) GetAllowedMethods() []string { return c.methods }
func (c *staticCORSConfig) GetAllowedHeaders() []string { return c.headers }
func (c *staticCORSConfig) GetMaxAge() int              { return c.maxAge }

func TestCORSPreflight(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handlerRan := false

	handler := CORS(&staticCORSConfig{
		origins: []string{"*"},
		methods: []string{"GET", "POST"},
		headers: []string{"Content-Type"},
		maxAge:  300,
	})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		handlerRan = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/scans", nil))

	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}

	if handlerRan {
		t.Error("preflight request reached the handler")
	}

	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing wildcard allow-origin header")
	}

	if rec.Header().Get("Access-Control-Allow-Methods") != "GET, POST" {
		t.Errorf("allow-methods = %q", rec.Header().Get("Access-Control-Allow-Methods"))
	}

	if rec.Header().Get("Access-Control-Max-Age") != "300" {
		t.Errorf("max-age = %q", rec.Header().Get("Access-Control-Max-Age"))
	}
}

func TestCORSSpecificOrigin(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := CORS(&staticCORSConfig{
		origins: []string{"https://app.scanforge.io"},
	})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	t.Run("allowed origin echoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://app.scanforge.io")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.scanforge.io" {
			t.Error("allowed origin not echoed back")
		}
	})

	t.Run("unknown origin gets no header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example.com")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("unknown origin received an allow-origin header")
		}
	})
}

func TestWithRateLimitNilLimiterIsNoop(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := Apply(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), WithRateLimit(nil, slog.Default()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
