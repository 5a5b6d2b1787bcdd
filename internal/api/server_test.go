package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/scanforge-io/scanforge/internal/correlation"
	"github.com/scanforge-io/scanforge/internal/event"
	"github.com/scanforge-io/scanforge/internal/plugin"
	"github.com/scanforge-io/scanforge/internal/query"
	"github.com/scanforge-io/scanforge/internal/scan"
	"github.com/scanforge-io/scanforge/internal/storage"
)

// stubModule is a no-op module so scans launched through the API have
// something to run.
type stubModule struct{}

func (m *stubModule) Name() string { return "mod_stub" }

func (m *stubModule) Meta() plugin.Meta {
	return plugin.Meta{HumanName: "Stub", UseCases: []string{plugin.UseCasePassive}}
}

func (m *stubModule) WatchedEvents() []string  { return []string{"DOMAIN_NAME"} }
func (m *stubModule) ProducedEvents() []string { return []string{"INTERNET_NAME"} }
func (m *stubModule) ThreadSafe() bool         { return true }

func (m *stubModule) Setup(*plugin.Framework, map[string]string) error { return nil }

func (m *stubModule) HandleEvent(context.Context, *event.Event) error { return nil }

// testEnv wires a server onto a memory store with the full route table but
// no middleware, so handlers are tested in isolation.
type testEnv struct {
	store *storage.MemoryStore
	srv   *Server
	mux   *http.ServeMux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := storage.NewMemoryStore()

	registry := plugin.NewRegistry()
	registry.MustRegister(func() plugin.Module { return &stubModule{} })

	scheduler := scan.NewScheduler(store, registry, scan.Config{
		Workers:              2,
		ModuleTimeout:        2 * time.Second,
		AbortTimeout:         2 * time.Second,
		QuiescenceGrace:      50 * time.Millisecond,
		PollInterval:         10 * time.Millisecond,
		ModuleErrorThreshold: 3,
		PanicTolerance:       2,
	})

	loader := correlation.NewLoader("", slog.Default())
	if err := loader.Load(); err != nil {
		t.Fatalf("loading embedded rules: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv := &Server{
		logger: logger,
		config: &ServerConfig{
			Port:            5001,
			Host:            "127.0.0.1",
			ReadTimeout:     time.Second,
			WriteTimeout:    time.Second,
			ShutdownTimeout: time.Second,
			MaxRequestSize:  1 << 20,
		},
		scheduler: scheduler,
		queries:   query.NewService(store, logger),
		engine:    correlation.NewEngine(store, loader, logger),
		registry:  registry,
	}

	mux := http.NewServeMux()
	srv.setupRoutes(mux)

	return &testEnv{store: store, srv: srv, mux: mux}
}

// seedScan creates a scan directly in the store with a small event tree:
// a domain seed, one host and one IP hanging off the host.
func (e *testEnv) seedScan(t *testing.T) (string, []*event.Event) {
	t.Helper()

	scanID := scan.NewScanID()

	inst := &scan.Instance{
		ID:          scanID,
		Name:        "example.com",
		TargetValue: "example.com",
		TargetType:  "DOMAIN_NAME",
		Status:      scan.StatusCreated,
	}

	if err := e.store.CreateScan(context.Background(), inst, nil); err != nil {
		t.Fatalf("CreateScan: %v", err)
	}

	seed := event.NewSeed("DOMAIN_NAME", "example.com")
	host := event.New("INTERNET_NAME", "www.example.com", "mod_stub", seed)
	ip := event.New("IP_ADDRESS", "192.0.2.10", "mod_stub", host)

	for _, evt := range []*event.Event{seed, host, ip} {
		if _, err := e.store.StoreEvent(context.Background(), scanID, evt); err != nil {
			t.Fatalf("StoreEvent: %v", err)
		}
	}

	return scanID, []*event.Event{seed, host, ip}
}

// finishScan walks a seeded scan to FINISHED through the state machine.
func (e *testEnv) finishScan(t *testing.T, scanID string) {
	t.Helper()

	for _, status := range []scan.Status{scan.StatusStarting, scan.StatusRunning, scan.StatusFinished} {
		if err := e.store.SetScanStatus(context.Background(), scanID, status); err != nil {
			t.Fatalf("SetScanStatus(%s): %v", status, err)
		}
	}
}

func (e *testEnv) do(method, path, contentType, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, path, reader)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)

	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) *ProblemDetail {
	t.Helper()

	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("Content-Type = %q, want application/problem+json", ct)
	}

	var problem ProblemDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &problem); err != nil {
		t.Fatalf("decoding problem: %v", err)
	}

	return &problem
}

func TestPingHandler(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/ping", "", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Errorf("ping = %d %q, want 200 pong", rec.Code, rec.Body.String())
	}
}

// failingHealth simulates an unreachable storage backend.
type failingHealth struct{ err error }

func (h *failingHealth) HealthCheck(context.Context) error { return h.err }

func TestReadyHandler(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv(t)

	t.Run("no health checker", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/ready", "", "")
		if rec.Code != http.StatusOK || rec.Body.String() != "ready" {
			t.Errorf("ready = %d %q, want 200 ready", rec.Code, rec.Body.String())
		}
	})

	t.Run("healthy storage", func(t *testing.T) {
		env.srv.health = &failingHealth{}
		defer func() { env.srv.health = nil }()

		rec := env.do(http.MethodGet, "/ready", "", "")
		if rec.Code != http.StatusOK {
			t.Errorf("ready with healthy storage = %d, want 200", rec.Code)
		}
	})

	t.Run("unreachable storage", func(t *testing.T) {
		env.srv.health = &failingHealth{err: context.DeadlineExceeded}
		defer func() { env.srv.health = nil }()

		rec := env.do(http.MethodGet, "/ready", "", "")
		if rec.Code != http.StatusServiceUnavailable || rec.Body.String() != "storage unavailable" {
			t.Errorf("ready = %d %q, want 503 storage unavailable", rec.Code, rec.Body.String())
		}
	})
}

func TestHealthHandler(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d, want 200", rec.Code)
	}

	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decoding health: %v", err)
	}

	if status.Status != "healthy" || status.ServiceName != "scanforge" || status.Version == "" {
		t.Errorf("health = %+v", status)
	}
}

func TestUnknownRouteReturnsProblem(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/nope", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	problem := decodeProblem(t, rec)
	if problem.Status != http.StatusNotFound || problem.Instance != "/nope" {
		t.Errorf("problem = %+v", problem)
	}
}

func TestCreateScanLifecycle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/scans", "application/json",
		`{"target":"example.com","scan_name":"api test","modules":["mod_stub"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}

	var created CreateScanResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	if created.ScanID == "" {
		t.Fatal("no scan_id in create response")
	}

	// Drain the scan so the detail endpoint shows a settled state.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snapshots, err := env.srv.scheduler.StreamProgress(ctx, created.ScanID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("StreamProgress: %v", err)
	}

	var last scan.ProgressSnapshot
	for snap := range snapshots {
		last = snap
	}

	if last.Status != scan.StatusFinished {
		t.Fatalf("scan ended %s, want FINISHED", last.Status)
	}

	detail := env.do(http.MethodGet, "/api/scans/"+created.ScanID, "", "")
	if detail.Code != http.StatusOK {
		t.Fatalf("get scan = %d", detail.Code)
	}

	var body ScanDetailResponse
	if err := json.Unmarshal(detail.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding detail: %v", err)
	}

	if body.Status != scan.StatusFinished || body.Name != "api test" {
		t.Errorf("detail = %+v", body.Instance)
	}

	if len(body.ModuleStates) != 1 || body.ModuleStates[0].Module != "mod_stub" {
		t.Errorf("module states = %+v", body.ModuleStates)
	}
}

func TestCreateScanValidation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv(t)

	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{"missing target", "application/json", `{"scan_name":"x"}`},
		{"wrong content type", "text/plain", `{"target":"example.com"}`},
		{"malformed json", "application/json", `{"target":`},
		{"private address", "application/json", `{"target":"10.0.0.1"}`},
		{"unclassifiable target", "application/json", `{"target":"!!not_a_target!!"}`},
		{"unknown module", "application/json", `{"target":"example.com","modules":["mod_missing"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/scans", tt.contentType, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}

			if problem := decodeProblem(t, rec); problem.Status != http.StatusBadRequest {
				t.Errorf("problem status = %d", problem.Status)
			}
		})
	}

	// Nothing above may leave state behind.
	list := env.do(http.MethodGet, "/api/scans", "", "")

	var scans ScanListResponse
	if err := json.Unmarshal(list.Body.Bytes(), &scans); err != nil {
		t.Fatalf("decoding list: %v", err)
	}

	if len(scans.Scans) != 0 {
		t.Errorf("rejected requests created %d scans", len(scans.Scans))
	}
}

func TestCreateScanBodyTooLarge(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv(t)
	env.srv.config.MaxRequestSize = 32

	rec := env.do(http.MethodPost, "/api/scans", "application/json",
		`{"target":"example.com","scan_name":"`+strings.Repeat("x", 100)+`"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	if problem := decodeProblem(t, rec); !strings.Contains(problem.Detail, "too large") {
		t.Errorf("problem detail = %q", problem.Detail)
	}
}

func TestListScansEmptyIsArray(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/scans", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	// Empty listings serialize as [], never null.
	if !strings.Contains(rec.Body.String(), `"scans":[]`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestGetScanNotFound(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/scans/deadbeefdeadbeef", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStopScanConflicts(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv(t)
	scanID, _ := env.seedScan(t)
	env.finishScan(t, scanID)

	rec := env.do(http.MethodPost, "/api/scans/"+scanID+"/stop", "", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("stop terminal scan = %d, want 409", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/scans/deadbeefdeadbeef/stop", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("stop unknown scan = %d, want 404", rec.Code)
	}
}

func TestDeleteScanConflictsThenSucceeds(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv(t)
	scanID, _ := env.seedScan(t)

	for _, status := range []scan.Status{scan.StatusStarting, scan.StatusRunning} {
		if err := env.store.SetScanStatus(context.Background(), scanID, status); err != nil {
			t.Fatalf("SetScanStatus(%s): %v", status, err)
		}
	}

	rec := env.do(http.MethodDelete, "/api/scans/"+scanID, "", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("delete running scan = %d, want 409", rec.Code)
	}

	if err := env.store.SetScanStatus(context.Background(), scanID, scan.StatusFinished); err != nil {
		t.Fatalf("SetScanStatus: %v", err)
	}

	rec = env.do(http.MethodDelete, "/api/scans/"+scanID, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete terminal scan = %d, want 200", rec.Code)
	}

	rec = env.do(http.MethodGet, "/api/scans/"+scanID, "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("deleted scan still served: %d", rec.Code)
	}
}

func TestScanEventsHandler(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv(t)
	scanID, _ := env.seedScan(t)

	t.Run("unfiltered", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/scans/"+scanID+"/events", "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}

		var body ScanEventsResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decoding events: %v", err)
		}

		if len(body.Events) != 3 {
			t.Errorf("got %d events, want 3", len(body.Events))
		}
	})

	t.Run("type filter", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/scans/"+scanID+"/events?event_type=INTERNET_NAME", "", "")

		var body ScanEventsResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decoding events: %v", err)
		}

		if len(body.Events) != 1 || body.Events[0].Data != "www.example.com" {
			t.Errorf("filtered events = %+v", body.Events)
		}
	})

	t.Run("malformed parameters rejected", func(t *testing.T) {
		for _, q := range []string{"limit=abc", "limit=-1", "offset=x", "min_risk=high", "since=yesterday"} {
			rec := env.do(http.MethodGet, "/api/scans/"+scanID+"/events?"+q, "", "")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("%s: status = %d, want 400", q, rec.Code)
			}
		}
	})
}

func TestScanSummaryHandler(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv(t)
	scanID, _ := env.seedScan(t)

	rec := env.do(http.MethodGet, "/api/scans/"+scanID+"/summary", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var summary query.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}

	if summary.ScanID != scanID || summary.TotalTypes != 3 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestScanLogsHandler(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv(t)
	scanID, _ := env.seedScan(t)

	entries := []scan.LogEntry{
		{Generated: 1, Component: "mod_stub", Level: "INFO", Message: "starting"},
		{Generated: 2, Component: "mod_stub", Level: "ERROR", Message: "lookup failed"},
	}

	for _, entry := range entries {
		if err := env.store.AppendScanLog(context.Background(), scanID, entry); err != nil {
			t.Fatalf("AppendScanLog: %v", err)
		}
	}

	rec := env.do(http.MethodGet, "/api/scans/"+scanID+"/logs?level=error", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body ScanLogsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding logs: %v", err)
	}

	if len(body.Logs) != 1 || body.Logs[0].Message != "lookup failed" {
		t.Errorf("logs = %+v", body.Logs)
	}
}

func TestFalsePositiveHandler(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv(t)
	scanID, events := env.seedScan(t)
	env.finishScan(t, scanID)

	host := events[1]

	rec := env.do(http.MethodPost, "/api/scans/"+scanID+"/false-positive", "application/json",
		`{"hashes":["`+host.Hash+`"],"fp":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var body FalsePositiveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	if body.Updated != 1 {
		t.Errorf("updated = %d, want 1", body.Updated)
	}

	// The flag propagates to the host's IP, leaving only the seed visible.
	list := env.do(http.MethodGet, "/api/scans/"+scanID+"/events", "", "")

	var eventsBody ScanEventsResponse
	if err := json.Unmarshal(list.Body.Bytes(), &eventsBody); err != nil {
		t.Fatalf("decoding events: %v", err)
	}

	if len(eventsBody.Events) != 1 || !eventsBody.Events[0].IsSeed() {
		t.Errorf("visible events = %+v, want only the seed", eventsBody.Events)
	}

	t.Run("empty hashes rejected", func(t *testing.T) {
		rec := env.do(http.MethodPost, "/api/scans/"+scanID+"/false-positive", "application/json",
			`{"hashes":[],"fp":true}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestCorrelationsHandlers(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv(t)

	scanID := scan.NewScanID()
	inst := &scan.Instance{
		ID:          scanID,
		Name:        "1.2.3.4",
		TargetValue: "1.2.3.4",
		TargetType:  "IP_ADDRESS",
		Status:      scan.StatusCreated,
	}

	if err := env.store.CreateScan(context.Background(), inst, nil); err != nil {
		t.Fatalf("CreateScan: %v", err)
	}

	seed := event.NewSeed("IP_ADDRESS", "1.2.3.4")
	reports := []*event.Event{
		seed,
		event.New("MALICIOUS_IPADDR", "feed-a: 1.2.3.4", "mod_feed_a", seed),
		event.New("BLACKLIST_IPADDR", "feed-b: 1.2.3.4", "mod_feed_b", seed),
	}

	for _, evt := range reports {
		if _, err := env.store.StoreEvent(context.Background(), scanID, evt); err != nil {
			t.Fatalf("StoreEvent: %v", err)
		}
	}

	rec := env.do(http.MethodPost, "/api/scans/"+scanID+"/correlations", "application/json",
		`{"rules":["multiple_malicious"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("run = %d: %s", rec.Code, rec.Body.String())
	}

	var run RunCorrelationsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decoding run response: %v", err)
	}

	if run.Ran != 1 || run.Found != 1 {
		t.Errorf("run = %+v, want 1 rule and 1 result", run)
	}

	list := env.do(http.MethodGet, "/api/scans/"+scanID+"/correlations", "", "")
	if list.Code != http.StatusOK {
		t.Fatalf("list = %d", list.Code)
	}

	var body CorrelationsResponse
	if err := json.Unmarshal(list.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding correlations: %v", err)
	}

	if len(body.Correlations) != 1 || body.Correlations[0].RuleID != "multiple_malicious" {
		t.Errorf("correlations = %+v", body.Correlations)
	}

	t.Run("unknown scan", func(t *testing.T) {
		rec := env.do(http.MethodPost, "/api/scans/deadbeefdeadbeef/correlations", "", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestExportScanHandler(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv(t)
	scanID, _ := env.seedScan(t)

	t.Run("csv", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/scans/"+scanID+"/export/csv", "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}

		if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
			t.Errorf("Content-Type = %q", ct)
		}

		if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, scanID+".csv") {
			t.Errorf("Content-Disposition = %q", cd)
		}

		if !strings.HasPrefix(rec.Body.String(), "generated,") {
			t.Errorf("body does not start with the CSV header: %q", rec.Body.String())
		}
	})

	t.Run("json", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/scans/"+scanID+"/export/json", "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}

		var events []event.Event
		if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
			t.Fatalf("decoding export: %v", err)
		}

		if len(events) != 3 {
			t.Errorf("exported %d events, want 3", len(events))
		}
	})

	t.Run("unsupported format", func(t *testing.T) {
		// Format dispatch happens before any store access, so even an
		// unknown scan yields 415.
		rec := env.do(http.MethodGet, "/api/scans/deadbeefdeadbeef/export/xlsx", "", "")
		if rec.Code != http.StatusUnsupportedMediaType {
			t.Errorf("status = %d, want 415", rec.Code)
		}
	})
}

func TestProgressStreamTerminalScan(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv(t)
	scanID, _ := env.seedScan(t)
	env.finishScan(t, scanID)

	rec := env.do(http.MethodGet, "/api/scans/"+scanID+"/progress/stream", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	// A terminal scan closes the stream after a single complete frame.
	if !strings.Contains(rec.Body.String(), "event: complete") {
		t.Errorf("stream = %q, want a complete frame", rec.Body.String())
	}

	t.Run("unknown scan", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/scans/deadbeefdeadbeef/progress/stream", "", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestListModulesHandler(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/modules", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body ModulesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding modules: %v", err)
	}

	if len(body.Modules) != 1 || body.Modules[0].Name != "mod_stub" {
		t.Errorf("modules = %+v", body.Modules)
	}
}
