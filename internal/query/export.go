package query

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"

	"github.com/scanforge-io/scanforge/internal/event"
)

// Export formats the engine renders. Anything else returns
// ErrUnsupportedFormat.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatGEXF = "gexf"
)

// ExportEvents streams a scan's events to w in the given format.
func (s *Service) ExportEvents(ctx context.Context, w io.Writer, scanID, format string) error {
	if _, err := s.store.ScanInstance(ctx, scanID); err != nil {
		return err
	}

	events, err := s.allEvents(ctx, scanID)
	if err != nil {
		return err
	}

	switch format {
	case FormatCSV:
		return exportCSV(w, events)
	case FormatJSON:
		return exportJSON(w, events)
	case FormatGEXF:
		return exportGEXF(w, events)
	}

	return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

func exportCSV(w io.Writer, events []event.Event) error {
	cw := csv.NewWriter(w)

	header := []string{
		"generated", "type", "module", "data",
		"hash", "source_hash", "confidence", "visibility", "risk", "false_positive",
	}

	if err := cw.Write(header); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}

	for _, evt := range events {
		record := []string{
			strconv.FormatFloat(evt.Generated, 'f', 3, 64),
			evt.Type,
			evt.Module,
			evt.Data,
			evt.Hash,
			evt.SourceHash,
			strconv.Itoa(evt.Confidence),
			strconv.Itoa(evt.Visibility),
			strconv.Itoa(evt.Risk),
			strconv.FormatBool(evt.FalsePositive),
		}

		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing csv record: %w", err)
		}
	}

	cw.Flush()

	return cw.Error()
}

func exportJSON(w io.Writer, events []event.Event) error {
	enc := json.NewEncoder(w)

	if events == nil {
		events = []event.Event{}
	}

	return enc.Encode(events)
}

// GEXF document structure, one node per event and one edge per source link.
type (
	gexfDoc struct {
		XMLName xml.Name  `xml:"gexf"`
		XMLNS   string    `xml:"xmlns,attr"`
		Version string    `xml:"version,attr"`
		Graph   gexfGraph `xml:"graph"`
	}

	gexfGraph struct {
		EdgeType string     `xml:"defaultedgetype,attr"`
		Nodes    []gexfNode `xml:"nodes>node"`
		Edges    []gexfEdge `xml:"edges>edge"`
	}

	gexfNode struct {
		ID    string `xml:"id,attr"`
		Label string `xml:"label,attr"`
	}

	gexfEdge struct {
		ID     int    `xml:"id,attr"`
		Source string `xml:"source,attr"`
		Target string `xml:"target,attr"`
	}
)

func exportGEXF(w io.Writer, events []event.Event) error {
	doc := gexfDoc{
		XMLNS:   "http://www.gexf.net/1.3",
		Version: "1.3",
		Graph:   gexfGraph{EdgeType: "directed"},
	}

	known := make(map[string]bool, len(events))

	for _, evt := range events {
		known[evt.Hash] = true
		doc.Graph.Nodes = append(doc.Graph.Nodes, gexfNode{
			ID:    evt.Hash,
			Label: evt.Type + ": " + evt.Data,
		})
	}

	for _, evt := range events {
		if evt.SourceHash == "" || !known[evt.SourceHash] {
			continue
		}

		doc.Graph.Edges = append(doc.Graph.Edges, gexfEdge{
			ID:     len(doc.Graph.Edges),
			Source: evt.SourceHash,
			Target: evt.Hash,
		})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("writing gexf header: %w", err)
	}

	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")

	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding gexf: %w", err)
	}

	return enc.Close()
}
