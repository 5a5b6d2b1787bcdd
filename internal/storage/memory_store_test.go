package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/scanforge-io/scanforge/internal/correlation"
	"github.com/scanforge-io/scanforge/internal/event"
	"github.com/scanforge-io/scanforge/internal/query"
	"github.com/scanforge-io/scanforge/internal/scan"
	"github.com/scanforge-io/scanforge/internal/storage"
)

func newMemoryScan(t *testing.T) (*storage.MemoryStore, string) {
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

	if err := store.CreateScan(context.Background(), inst, nil); err != nil {
		t.Fatalf("CreateScan: %v", err)
	}

	return store, scanID
}

func TestMemoryStoreEventIdempotence(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store, scanID := newMemoryScan(t)
	ctx := context.Background()

	evt := event.NewSeed("DOMAIN_NAME", "example.com")

	inserted, err := store.StoreEvent(ctx, scanID, evt)
	if err != nil {
		t.Fatalf("StoreEvent: %v", err)
	}

	if !inserted {
		t.Error("first StoreEvent reported not inserted")
	}

	inserted, err = store.StoreEvent(ctx, scanID, evt)
	if err != nil {
		t.Fatalf("StoreEvent: %v", err)
	}

	if inserted {
		t.Error("duplicate StoreEvent reported inserted")
	}

	events, err := store.ScanEvents(ctx, scanID)
	if err != nil {
		t.Fatalf("ScanEvents: %v", err)
	}

	if len(events) != 1 {
		t.Errorf("store holds %d events, want exactly 1", len(events))
	}
}

func TestMemoryStoreMarkEventSeen(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store, scanID := newMemoryScan(t)
	ctx := context.Background()

	first, err := store.MarkEventSeen(ctx, scanID, "abc123")
	if err != nil {
		t.Fatalf("MarkEventSeen: %v", err)
	}

	if !first {
		t.Error("first MarkEventSeen = false, want true")
	}

	again, err := store.MarkEventSeen(ctx, scanID, "abc123")
	if err != nil {
		t.Fatalf("MarkEventSeen: %v", err)
	}

	if again {
		t.Error("second MarkEventSeen = true, want false")
	}
}

func TestMemoryStoreFalsePositivePropagation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store, scanID := newMemoryScan(t)
	ctx := context.Background()

	// seed -> host -> ip, plus an unrelated sibling host.
	seed := event.NewSeed("DOMAIN_NAME", "example.com")
	host := event.New("INTERNET_NAME", "a.example.com", "mod_dnsresolve", seed)
	ip := event.New("IP_ADDRESS", "192.0.2.10", "mod_dnsresolve", host)
	other := event.New("INTERNET_NAME", "b.example.com", "mod_dnsresolve", seed)

	for _, evt := range []*event.Event{seed, host, ip, other} {
		if _, err := store.StoreEvent(ctx, scanID, evt); err != nil {
			t.Fatalf("StoreEvent: %v", err)
		}
	}

	if err := store.SetFalsePositive(ctx, scanID, []string{host.Hash}, true); err != nil {
		t.Fatalf("SetFalsePositive: %v", err)
	}

	// ScanEvents excludes flagged events; the flag reaches descendants.
	remaining, err := store.ScanEvents(ctx, scanID)
	if err != nil {
		t.Fatalf("ScanEvents: %v", err)
	}

	got := map[string]bool{}
	for _, evt := range remaining {
		got[evt.Hash] = true
	}

	if got[host.Hash] || got[ip.Hash] {
		t.Error("false positive flag did not propagate to descendants")
	}

	if !got[seed.Hash] || !got[other.Hash] {
		t.Error("unrelated events were flagged")
	}

	// The query-facing listing applies the same exclusion.
	visible, err := store.Events(ctx, scanID, query.EventFilter{})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}

	if len(visible) != 2 {
		t.Errorf("Events listed %d events with the subtree flagged, want 2", len(visible))
	}

	// Clearing the flag restores the subtree.
	if err := store.SetFalsePositive(ctx, scanID, []string{host.Hash}, false); err != nil {
		t.Fatalf("SetFalsePositive: %v", err)
	}

	restored, err := store.ScanEvents(ctx, scanID)
	if err != nil {
		t.Fatalf("ScanEvents: %v", err)
	}

	if len(restored) != 4 {
		t.Errorf("after clearing, %d events visible, want 4", len(restored))
	}
}

func TestMemoryStoreStatusTransitions(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store, scanID := newMemoryScan(t)
	ctx := context.Background()

	// Skipping STARTING is an illegal transition.
	if err := store.SetScanStatus(ctx, scanID, scan.StatusRunning); !errors.Is(err, scan.ErrInvalidTransition) {
		t.Errorf("CREATED -> RUNNING = %v, want ErrInvalidTransition", err)
	}

	for _, status := range []scan.Status{scan.StatusStarting, scan.StatusRunning, scan.StatusFinished} {
		if err := store.SetScanStatus(ctx, scanID, status); err != nil {
			t.Fatalf("SetScanStatus(%s): %v", status, err)
		}
	}

	inst, err := store.ScanInstance(ctx, scanID)
	if err != nil {
		t.Fatalf("ScanInstance: %v", err)
	}

	if inst.Started == 0 || inst.Ended == 0 {
		t.Errorf("timestamps not stamped: started=%d ended=%d", inst.Started, inst.Ended)
	}
}

func TestMemoryStoreWriteCorrelationIdempotence(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store, scanID := newMemoryScan(t)
	ctx := context.Background()

	result := correlation.Result{
		CorrelationID: "c0ffee00c0ffee00c0ffee00c0ffee00",
		RuleID:        "test_rule",
		RuleName:      "Test rule",
		RuleRisk:      "LOW",
		Title:         "test finding",
		Events:        []string{"hash-a", "hash-b"},
	}

	if err := store.WriteCorrelation(ctx, scanID, result); err != nil {
		t.Fatalf("WriteCorrelation: %v", err)
	}

	if err := store.WriteCorrelation(ctx, scanID, result); err != nil {
		t.Fatalf("duplicate WriteCorrelation: %v", err)
	}

	results, err := store.Correlations(ctx, scanID)
	if err != nil {
		t.Fatalf("Correlations: %v", err)
	}

	if len(results) != 1 {
		t.Errorf("store holds %d correlations, want 1", len(results))
	}
}

func TestMemoryStoreDeleteScan(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store, scanID := newMemoryScan(t)
	ctx := context.Background()

	seed := event.NewSeed("DOMAIN_NAME", "example.com")
	if _, err := store.StoreEvent(ctx, scanID, seed); err != nil {
		t.Fatalf("StoreEvent: %v", err)
	}

	result := correlation.Result{CorrelationID: "feedfacefeedface", RuleID: "r", RuleName: "r", Title: "t"}
	if err := store.WriteCorrelation(ctx, scanID, result); err != nil {
		t.Fatalf("WriteCorrelation: %v", err)
	}

	if err := store.DeleteScan(ctx, scanID); err != nil {
		t.Fatalf("DeleteScan: %v", err)
	}

	if _, err := store.ScanInstance(ctx, scanID); !errors.Is(err, scan.ErrScanNotFound) {
		t.Errorf("scan still present after delete: %v", err)
	}

	if err := store.DeleteScan(ctx, scanID); !errors.Is(err, scan.ErrScanNotFound) {
		t.Errorf("second delete = %v, want ErrScanNotFound", err)
	}
}

func TestMemoryStoreModuleStateUpsert(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store, scanID := newMemoryScan(t)
	ctx := context.Background()

	if err := store.UpsertModuleState(ctx, scanID, scan.ModuleState{Module: "mod_dnsresolve", Status: scan.ModuleRunning}); err != nil {
		t.Fatalf("UpsertModuleState: %v", err)
	}

	if err := store.UpsertModuleState(ctx, scanID, scan.ModuleState{Module: "mod_dnsresolve", Status: scan.ModuleFinished, EventsProduced: 7}); err != nil {
		t.Fatalf("UpsertModuleState: %v", err)
	}

	states, err := store.ModuleStates(ctx, scanID)
	if err != nil {
		t.Fatalf("ModuleStates: %v", err)
	}

	if len(states) != 1 {
		t.Fatalf("upsert created %d rows, want 1", len(states))
	}

	if states[0].Status != scan.ModuleFinished || states[0].EventsProduced != 7 {
		t.Errorf("state = %+v, want finished with 7 events", states[0])
	}
}
