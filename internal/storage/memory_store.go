package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/scanforge-io/scanforge/internal/correlation"
	"github.com/scanforge-io/scanforge/internal/event"
	"github.com/scanforge-io/scanforge/internal/query"
	"github.com/scanforge-io/scanforge/internal/scan"
)

// Compile-time interface assertions.
var (
	_ scan.Store        = (*MemoryStore)(nil)
	_ correlation.Store = (*MemoryStore)(nil)
	_ query.Store       = (*MemoryStore)(nil)
)

// MemoryStore is an in-memory implementation of the store interfaces for
// unit tests and ephemeral runs. Safe for concurrent use.
type MemoryStore struct {
	mu sync.RWMutex

	scans        map[string]*scan.Instance
	configs      map[string]map[string]string
	events       map[string][]event.Event            // scan_id -> ordered events
	eventIndex   map[string]map[string]int           // scan_id -> hash -> index
	seen         map[string]map[string]bool          // scan_id -> hash
	moduleStates map[string]map[string]scan.ModuleState
	logs         map[string][]scan.LogEntry
	correlations map[string][]correlation.Result     // scan_id -> results
	corrIndex    map[string]bool                     // correlation_id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scans:        make(map[string]*scan.Instance),
		configs:      make(map[string]map[string]string),
		events:       make(map[string][]event.Event),
		eventIndex:   make(map[string]map[string]int),
		seen:         make(map[string]map[string]bool),
		moduleStates: make(map[string]map[string]scan.ModuleState),
		logs:         make(map[string][]scan.LogEntry),
		correlations: make(map[string][]correlation.Result),
		corrIndex:    make(map[string]bool),
	}
}

// CreateScan implements scan.Store.
func (m *MemoryStore) CreateScan(_ context.Context, inst *scan.Instance, config map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.scans[inst.ID]; exists {
		return fmt.Errorf("%w: duplicate scan %s", ErrScanStoreFailed, inst.ID)
	}

	cp := *inst
	cp.Modules = append([]string(nil), inst.Modules...)
	m.scans[inst.ID] = &cp

	snapshot := make(map[string]string, len(config))
	for k, v := range config {
		snapshot[k] = v
	}

	m.configs[inst.ID] = snapshot
	m.eventIndex[inst.ID] = make(map[string]int)
	m.seen[inst.ID] = make(map[string]bool)
	m.moduleStates[inst.ID] = make(map[string]scan.ModuleState)

	return nil
}

// ScanInstance implements scan.Store and query.Store.
func (m *MemoryStore) ScanInstance(_ context.Context, scanID string) (*scan.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.scans[scanID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", scan.ErrScanNotFound, scanID)
	}

	cp := *inst
	cp.Modules = append([]string(nil), inst.Modules...)

	return &cp, nil
}

// ListScans implements scan.Store and query.Store.
func (m *MemoryStore) ListScans(_ context.Context) ([]scan.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]scan.Instance, 0, len(m.scans))
	for _, inst := range m.scans {
		out = append(out, *inst)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created != out[j].Created {
			return out[i].Created > out[j].Created
		}

		return out[i].ID < out[j].ID
	})

	return out, nil
}

// SetScanStatus implements scan.Store.
func (m *MemoryStore) SetScanStatus(_ context.Context, scanID string, status scan.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.scans[scanID]
	if !ok {
		return fmt.Errorf("%w: %s", scan.ErrScanNotFound, scanID)
	}

	if !inst.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", scan.ErrInvalidTransition, inst.Status, status)
	}

	now := time.Now().Unix()
	inst.Status = status

	if status == scan.StatusRunning && inst.Started == 0 {
		inst.Started = now
	}

	if status.Terminal() {
		inst.Ended = now
	}

	return nil
}

// StoreEvent implements scan.Store.
func (m *MemoryStore) StoreEvent(_ context.Context, scanID string, evt *event.Event) (bool, error) {
	if evt == nil {
		return false, event.ErrNilEvent
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	index, ok := m.eventIndex[scanID]
	if !ok {
		return false, fmt.Errorf("%w: %s", scan.ErrScanNotFound, scanID)
	}

	if _, dup := index[evt.Hash]; dup {
		return false, nil
	}

	index[evt.Hash] = len(m.events[scanID])
	m.events[scanID] = append(m.events[scanID], *evt)

	return true, nil
}

// MarkEventSeen implements scan.Store.
func (m *MemoryStore) MarkEventSeen(_ context.Context, scanID, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	witnesses, ok := m.seen[scanID]
	if !ok {
		return false, fmt.Errorf("%w: %s", scan.ErrScanNotFound, scanID)
	}

	if witnesses[hash] {
		return false, nil
	}

	witnesses[hash] = true

	return true, nil
}

// UpsertModuleState implements scan.Store.
func (m *MemoryStore) UpsertModuleState(_ context.Context, scanID string, state scan.ModuleState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	states, ok := m.moduleStates[scanID]
	if !ok {
		return fmt.Errorf("%w: %s", scan.ErrScanNotFound, scanID)
	}

	states[state.Module] = state

	return nil
}

// ModuleStates implements scan.Store and query.Store.
func (m *MemoryStore) ModuleStates(_ context.Context, scanID string) ([]scan.ModuleState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := m.moduleStates[scanID]
	out := make([]scan.ModuleState, 0, len(states))

	for _, st := range states {
		out = append(out, st)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })

	return out, nil
}

// AppendScanLog implements scan.Store.
func (m *MemoryStore) AppendScanLog(_ context.Context, scanID string, entry scan.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logs[scanID] = append(m.logs[scanID], entry)

	return nil
}

// SetFalsePositive implements scan.Store, propagating to descendants.
func (m *MemoryStore) SetFalsePositive(_ context.Context, scanID string, hashes []string, fp bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.events[scanID]

	children := make(map[string][]int, len(events))
	for i := range events {
		if events[i].SourceHash != "" {
			children[events[i].SourceHash] = append(children[events[i].SourceHash], i)
		}
	}

	index := m.eventIndex[scanID]
	queue := make([]string, 0, len(hashes))
	visited := make(map[string]bool)

	for _, h := range hashes {
		if _, ok := index[h]; ok {
			queue = append(queue, h)
		}
	}

	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]

		if visited[h] {
			continue
		}

		visited[h] = true
		events[index[h]].FalsePositive = fp

		for _, childIdx := range children[h] {
			queue = append(queue, events[childIdx].Hash)
		}
	}

	return nil
}

// DeleteScan implements scan.Store.
func (m *MemoryStore) DeleteScan(_ context.Context, scanID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.scans[scanID]; !ok {
		return fmt.Errorf("%w: %s", scan.ErrScanNotFound, scanID)
	}

	for _, res := range m.correlations[scanID] {
		delete(m.corrIndex, res.CorrelationID)
	}

	delete(m.scans, scanID)
	delete(m.configs, scanID)
	delete(m.events, scanID)
	delete(m.eventIndex, scanID)
	delete(m.seen, scanID)
	delete(m.moduleStates, scanID)
	delete(m.logs, scanID)
	delete(m.correlations, scanID)

	return nil
}

// ScanEvents implements correlation.Store.
func (m *MemoryStore) ScanEvents(_ context.Context, scanID string) ([]event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.events[scanID]
	out := make([]event.Event, 0, len(events))

	for _, evt := range events {
		if !evt.FalsePositive {
			out = append(out, evt)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })

	return out, nil
}

// WriteCorrelation implements correlation.Store, idempotent on id.
func (m *MemoryStore) WriteCorrelation(_ context.Context, scanID string, result correlation.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.corrIndex[result.CorrelationID] {
		return nil
	}

	m.corrIndex[result.CorrelationID] = true
	result.Events = append([]string(nil), result.Events...)
	m.correlations[scanID] = append(m.correlations[scanID], result)

	return nil
}

// Events implements query.Store. Flagged false positives are excluded,
// same as ScanEvents.
func (m *MemoryStore) Events(_ context.Context, scanID string, filter query.EventFilter) ([]event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []event.Event

	for _, evt := range m.events[scanID] {
		if evt.FalsePositive {
			continue
		}

		if filter.Type != "" && evt.Type != filter.Type {
			continue
		}

		if filter.Module != "" && evt.Module != filter.Module {
			continue
		}

		if filter.MinRisk > 0 && evt.Risk < filter.MinRisk {
			continue
		}

		if filter.Since > 0 && evt.Generated < filter.Since {
			continue
		}

		matched = append(matched, evt)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Generated != matched[j].Generated {
			return matched[i].Generated < matched[j].Generated
		}

		return matched[i].Hash < matched[j].Hash
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultEventPageSize
	}

	if filter.Offset >= len(matched) {
		return nil, nil
	}

	matched = matched[filter.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}

	return matched, nil
}

// EventsUnique implements query.Store.
func (m *MemoryStore) EventsUnique(_ context.Context, scanID, eventType string) ([]query.UniqueValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)

	for _, evt := range m.events[scanID] {
		if evt.Type == eventType {
			counts[evt.Data]++
		}
	}

	out := make([]query.UniqueValue, 0, len(counts))
	for data, n := range counts {
		out = append(out, query.UniqueValue{Data: data, Count: n})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}

		return out[i].Data < out[j].Data
	})

	return out, nil
}

// Logs implements query.Store, newest first.
func (m *MemoryStore) Logs(_ context.Context, scanID string, filter query.LogFilter) ([]scan.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []scan.LogEntry

	for _, entry := range m.logs[scanID] {
		if filter.Level != "" && !strings.EqualFold(entry.Level, filter.Level) {
			continue
		}

		matched = append(matched, entry)
	}

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Generated > matched[j].Generated })

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	return matched, nil
}

// ScanConfig implements query.Store.
func (m *MemoryStore) ScanConfig(_ context.Context, scanID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.configs[scanID]))
	for k, v := range m.configs[scanID] {
		out[k] = v
	}

	return out, nil
}

// Correlations implements query.Store.
func (m *MemoryStore) Correlations(_ context.Context, scanID string) ([]correlation.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := append([]correlation.Result(nil), m.correlations[scanID]...)

	sort.Slice(out, func(i, j int) bool {
		if out[i].RuleID != out[j].RuleID {
			return out[i].RuleID < out[j].RuleID
		}

		return out[i].CorrelationID < out[j].CorrelationID
	})

	return out, nil
}
