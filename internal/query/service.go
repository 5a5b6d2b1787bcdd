// Package query serves read operations over stored scans: summaries,
// event browsing, logs, the visualization graph and exports. It never
// writes; all mutation flows through the scheduler and the correlation
// engine.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/scanforge-io/scanforge/internal/correlation"
	"github.com/scanforge-io/scanforge/internal/event"
	"github.com/scanforge-io/scanforge/internal/scan"
)

// ErrUnsupportedFormat is returned for export formats the engine does not
// render. The API maps it to 415.
var ErrUnsupportedFormat = errors.New("unsupported export format")

type (
	// EventFilter narrows an event listing.
	EventFilter struct {
		Type    string
		Module  string
		MinRisk int
		Since   float64
		Limit   int
		Offset  int
	}

	// LogFilter narrows a log listing.
	LogFilter struct {
		Level string
		Limit int
	}

	// TypeSummary is one row of a scan summary: per-type totals.
	TypeSummary struct {
		Key         string `json:"key"`
		Description string `json:"description"`
		Total       int    `json:"total"`
		UniqueTotal int    `json:"uniqueTotal"`
	}

	// Summary is the per-scan rollup.
	Summary struct {
		ScanID     string        `json:"scanId"`
		Types      []TypeSummary `json:"types"`
		TotalTypes int           `json:"totalTypes"`
	}

	// UniqueValue is one row of a unique-values listing.
	UniqueValue struct {
		Data  string `json:"data"`
		Count int    `json:"count"`
	}

	// VizNode and VizEdge form the source-graph visualization payload.
	VizNode struct {
		ID    string `json:"id"`
		Label string `json:"label"`
		Type  string `json:"type"`
		Risk  int    `json:"risk"`
	}

	VizEdge struct {
		Source string `json:"source"`
		Target string `json:"target"`
	}

	VizGraph struct {
		Nodes []VizNode `json:"nodes"`
		Edges []VizEdge `json:"edges"`
	}
)

// Store is the read interface the query layer depends on. Implemented by
// internal/storage.
type Store interface {
	// ScanInstance loads one scan; scan.ErrScanNotFound when absent.
	ScanInstance(ctx context.Context, scanID string) (*scan.Instance, error)

	// ListScans returns all scans, newest first.
	ListScans(ctx context.Context) ([]scan.Instance, error)

	// ModuleStates returns the per-module rows for a scan.
	ModuleStates(ctx context.Context, scanID string) ([]scan.ModuleState, error)

	// Events returns a filtered, paginated event listing.
	Events(ctx context.Context, scanID string, filter EventFilter) ([]event.Event, error)

	// EventsUnique returns distinct data values of one event type with
	// occurrence counts, most frequent first.
	EventsUnique(ctx context.Context, scanID, eventType string) ([]UniqueValue, error)

	// Logs returns scan log records, newest first.
	Logs(ctx context.Context, scanID string, filter LogFilter) ([]scan.LogEntry, error)

	// ScanConfig returns the frozen option snapshot.
	ScanConfig(ctx context.Context, scanID string) (map[string]string, error)

	// Correlations returns the scan's correlation results.
	Correlations(ctx context.Context, scanID string) ([]correlation.Result, error)
}

// Service answers read queries for the API and CLI adapters.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a query service over the given store.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{store: store, logger: logger.With(slog.String("component", "query"))}
}

// Scan returns one scan instance.
func (s *Service) Scan(ctx context.Context, scanID string) (*scan.Instance, error) {
	return s.store.ScanInstance(ctx, scanID)
}

// Scans lists all scans.
func (s *Service) Scans(ctx context.Context) ([]scan.Instance, error) {
	return s.store.ListScans(ctx)
}

// ModuleStates returns the per-module breakdown of a scan.
func (s *Service) ModuleStates(ctx context.Context, scanID string) ([]scan.ModuleState, error) {
	if _, err := s.store.ScanInstance(ctx, scanID); err != nil {
		return nil, err
	}

	return s.store.ModuleStates(ctx, scanID)
}

// Summary computes per-type totals and unique counts for one scan.
func (s *Service) Summary(ctx context.Context, scanID string) (*Summary, error) {
	if _, err := s.store.ScanInstance(ctx, scanID); err != nil {
		return nil, err
	}

	events, err := s.allEvents(ctx, scanID)
	if err != nil {
		return nil, err
	}

	type counter struct {
		total  int
		unique map[string]bool
	}

	byType := make(map[string]*counter)

	for _, evt := range events {
		c := byType[evt.Type]
		if c == nil {
			c = &counter{unique: make(map[string]bool)}
			byType[evt.Type] = c
		}

		c.total++
		c.unique[evt.Data] = true
	}

	types := make([]TypeSummary, 0, len(byType))

	for key, c := range byType {
		types = append(types, TypeSummary{
			Key:         key,
			Description: event.TypeDescription(key),
			Total:       c.total,
			UniqueTotal: len(c.unique),
		})
	}

	sort.Slice(types, func(i, j int) bool { return types[i].Key < types[j].Key })

	return &Summary{ScanID: scanID, Types: types, TotalTypes: len(types)}, nil
}

// Events returns a filtered event page.
func (s *Service) Events(ctx context.Context, scanID string, filter EventFilter) ([]event.Event, error) {
	if _, err := s.store.ScanInstance(ctx, scanID); err != nil {
		return nil, err
	}

	return s.store.Events(ctx, scanID, filter)
}

// EventsUnique returns distinct data values of one type.
func (s *Service) EventsUnique(ctx context.Context, scanID, eventType string) ([]UniqueValue, error) {
	if _, err := s.store.ScanInstance(ctx, scanID); err != nil {
		return nil, err
	}

	return s.store.EventsUnique(ctx, scanID, eventType)
}

// Logs returns scan log records.
func (s *Service) Logs(ctx context.Context, scanID string, filter LogFilter) ([]scan.LogEntry, error) {
	if _, err := s.store.ScanInstance(ctx, scanID); err != nil {
		return nil, err
	}

	return s.store.Logs(ctx, scanID, filter)
}

// Options returns the frozen option snapshot taken at scan start.
func (s *Service) Options(ctx context.Context, scanID string) (map[string]string, error) {
	if _, err := s.store.ScanInstance(ctx, scanID); err != nil {
		return nil, err
	}

	return s.store.ScanConfig(ctx, scanID)
}

// Correlations returns the scan's correlation results.
func (s *Service) Correlations(ctx context.Context, scanID string) ([]correlation.Result, error) {
	if _, err := s.store.ScanInstance(ctx, scanID); err != nil {
		return nil, err
	}

	return s.store.Correlations(ctx, scanID)
}

// Viz derives the node/edge graph from the events' source links. Edges
// whose source fell outside the scan (never the case in practice) are
// dropped rather than left dangling.
func (s *Service) Viz(ctx context.Context, scanID string) (*VizGraph, error) {
	if _, err := s.store.ScanInstance(ctx, scanID); err != nil {
		return nil, err
	}

	events, err := s.allEvents(ctx, scanID)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(events))
	nodes := make([]VizNode, 0, len(events))

	for _, evt := range events {
		known[evt.Hash] = true
		nodes = append(nodes, VizNode{
			ID:    evt.Hash,
			Label: evt.Data,
			Type:  evt.Type,
			Risk:  evt.Risk,
		})
	}

	edges := make([]VizEdge, 0, len(events))

	for _, evt := range events {
		if evt.SourceHash != "" && known[evt.SourceHash] {
			edges = append(edges, VizEdge{Source: evt.SourceHash, Target: evt.Hash})
		}
	}

	return &VizGraph{Nodes: nodes, Edges: edges}, nil
}

// allEvents pages through the full event set of a scan.
func (s *Service) allEvents(ctx context.Context, scanID string) ([]event.Event, error) {
	const pageSize = 5000

	var out []event.Event

	for offset := 0; ; offset += pageSize {
		page, err := s.store.Events(ctx, scanID, EventFilter{Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("listing events: %w", err)
		}

		out = append(out, page...)

		if len(page) < pageSize {
			return out, nil
		}
	}
}
