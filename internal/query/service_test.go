package query_test

import (
	"context"
	"errors"
	"testing"

	"github.com/scanforge-io/scanforge/internal/event"
	"github.com/scanforge-io/scanforge/internal/query"
	"github.com/scanforge-io/scanforge/internal/scan"
	"github.com/scanforge-io/scanforge/internal/storage"
)

// fixture seeds a store with one scan: a domain seed, two hosts and one
// IP address hanging off the first host.
type fixture struct {
	store  *storage.MemoryStore
	svc    *query.Service
	scanID string
	seed   *event.Event
	hostA  *event.Event
	hostB  *event.Event
	ip     *event.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := storage.NewMemoryStore()
	scanID := scan.NewScanID()

	inst := &scan.Instance{
		ID:          scanID,
		Name:        "example.com",
		TargetValue: "example.com",
		TargetType:  "DOMAIN_NAME",
		Status:      scan.StatusCreated,
	}

	if err := store.CreateScan(context.Background(), inst, map[string]string{"_maxthreads": "4"}); err != nil {
		t.Fatalf("CreateScan: %v", err)
	}

	f := &fixture{
		store:  store,
		svc:    query.NewService(store, nil),
		scanID: scanID,
		seed:   event.NewSeed("DOMAIN_NAME", "example.com"),
	}

	f.hostA = event.New("INTERNET_NAME", "a.example.com", "mod_dnsresolve", f.seed)
	f.hostB = event.New("INTERNET_NAME", "b.example.com", "mod_dnsresolve", f.seed)
	f.ip = event.New("IP_ADDRESS", "192.0.2.10", "mod_dnsresolve", f.hostA)

	for _, evt := range []*event.Event{f.seed, f.hostA, f.hostB, f.ip} {
		if _, err := store.StoreEvent(context.Background(), scanID, evt); err != nil {
			t.Fatalf("StoreEvent: %v", err)
		}
	}

	return f
}

func TestSummaryCountsPerType(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t)

	summary, err := f.svc.Summary(context.Background(), f.scanID)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}

	if summary.ScanID != f.scanID {
		t.Errorf("ScanID = %q, want %q", summary.ScanID, f.scanID)
	}

	byKey := map[string]query.TypeSummary{}
	for _, row := range summary.Types {
		byKey[row.Key] = row
	}

	if row := byKey["INTERNET_NAME"]; row.Total != 2 || row.UniqueTotal != 2 {
		t.Errorf("INTERNET_NAME = %+v, want total 2 unique 2", row)
	}

	if row := byKey["IP_ADDRESS"]; row.Total != 1 {
		t.Errorf("IP_ADDRESS total = %d, want 1", row.Total)
	}

	if summary.TotalTypes != len(summary.Types) {
		t.Errorf("TotalTypes = %d, want %d", summary.TotalTypes, len(summary.Types))
	}
}

func TestEventsFilterByTypeAndModule(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t)

	names, err := f.svc.Events(context.Background(), f.scanID, query.EventFilter{Type: "INTERNET_NAME"})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}

	if len(names) != 2 {
		t.Errorf("type filter returned %d events, want 2", len(names))
	}

	seedOnly, err := f.svc.Events(context.Background(), f.scanID, query.EventFilter{Module: event.SeedModule})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}

	if len(seedOnly) != 1 || !seedOnly[0].IsSeed() {
		t.Errorf("module filter returned %v, want only the seed", seedOnly)
	}
}

func TestEventsPagination(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t)

	page1, err := f.svc.Events(context.Background(), f.scanID, query.EventFilter{Limit: 2})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}

	page2, err := f.svc.Events(context.Background(), f.scanID, query.EventFilter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}

	if len(page1) != 2 || len(page2) != 2 {
		t.Fatalf("page sizes %d/%d, want 2/2", len(page1), len(page2))
	}

	seen := map[string]bool{}
	for _, evt := range append(page1, page2...) {
		if seen[evt.Hash] {
			t.Errorf("event %s appeared on both pages", evt.Hash)
		}

		seen[evt.Hash] = true
	}

	// Past-the-end offsets yield an empty page, not an error.
	empty, err := f.svc.Events(context.Background(), f.scanID, query.EventFilter{Offset: 100})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}

	if len(empty) != 0 {
		t.Errorf("out-of-range offset returned %d events", len(empty))
	}
}

func TestEventsUnknownScan(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t)

	if _, err := f.svc.Events(context.Background(), "deadbeefdeadbeef", query.EventFilter{}); !errors.Is(err, scan.ErrScanNotFound) {
		t.Errorf("Events(unknown scan) = %v, want ErrScanNotFound", err)
	}
}

func TestEventsUniqueCounts(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t)

	// A second path to the same hostname bumps its count.
	dup := event.New("INTERNET_NAME", "a.example.com", "mod_crawl", f.hostB)
	if _, err := f.store.StoreEvent(context.Background(), f.scanID, dup); err != nil {
		t.Fatalf("StoreEvent: %v", err)
	}

	unique, err := f.svc.EventsUnique(context.Background(), f.scanID, "INTERNET_NAME")
	if err != nil {
		t.Fatalf("EventsUnique: %v", err)
	}

	if len(unique) != 2 {
		t.Fatalf("got %d unique values, want 2", len(unique))
	}

	// Most frequent first.
	if unique[0].Data != "a.example.com" || unique[0].Count != 2 {
		t.Errorf("top value = %+v, want a.example.com x2", unique[0])
	}
}

func TestOptionsReturnsFrozenSnapshot(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t)

	opts, err := f.svc.Options(context.Background(), f.scanID)
	if err != nil {
		t.Fatalf("Options: %v", err)
	}

	if opts["_maxthreads"] != "4" {
		t.Errorf("opts = %v, want _maxthreads=4", opts)
	}
}

func TestVizGraphShape(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t)

	graph, err := f.svc.Viz(context.Background(), f.scanID)
	if err != nil {
		t.Fatalf("Viz: %v", err)
	}

	if len(graph.Nodes) != 4 {
		t.Errorf("graph has %d nodes, want 4", len(graph.Nodes))
	}

	// Every non-seed event contributes one edge from its source.
	if len(graph.Edges) != 3 {
		t.Errorf("graph has %d edges, want 3", len(graph.Edges))
	}

	for _, edge := range graph.Edges {
		if edge.Source == "" || edge.Target == "" {
			t.Errorf("dangling edge %+v", edge)
		}
	}
}

func TestLogsFilterAndOrder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t)

	entries := []scan.LogEntry{
		{Generated: 1, Component: "mod_dnsresolve", Level: "INFO", Message: "resolving"},
		{Generated: 2, Component: "mod_dnsresolve", Level: "ERROR", Message: "could not resolve"},
		{Generated: 3, Component: "scheduler", Level: "INFO", Message: "scan finished"},
	}

	for _, entry := range entries {
		if err := f.store.AppendScanLog(context.Background(), f.scanID, entry); err != nil {
			t.Fatalf("AppendScanLog: %v", err)
		}
	}

	all, err := f.svc.Logs(context.Background(), f.scanID, query.LogFilter{})
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}

	if len(all) != 3 || all[0].Message != "scan finished" {
		t.Errorf("Logs not newest-first: %+v", all)
	}

	errorsOnly, err := f.svc.Logs(context.Background(), f.scanID, query.LogFilter{Level: "error"})
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}

	if len(errorsOnly) != 1 || errorsOnly[0].Message != "could not resolve" {
		t.Errorf("level filter = %+v, want the error entry", errorsOnly)
	}
}
