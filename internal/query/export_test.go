package query_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/scanforge-io/scanforge/internal/event"
	"github.com/scanforge-io/scanforge/internal/query"
)

func TestExportEventsCSV(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t)

	var buf bytes.Buffer
	if err := f.svc.ExportEvents(context.Background(), &buf, f.scanID, query.FormatCSV); err != nil {
		t.Fatalf("ExportEvents: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parsing exported csv: %v", err)
	}

	// Header plus four events.
	if len(records) != 5 {
		t.Fatalf("csv has %d rows, want 5", len(records))
	}

	header := records[0]
	if header[0] != "generated" || header[1] != "type" || header[3] != "data" {
		t.Errorf("unexpected header: %v", header)
	}

	found := false

	for _, rec := range records[1:] {
		if rec[1] == "IP_ADDRESS" && rec[3] == "192.0.2.10" {
			found = true

			if rec[5] != f.hostA.Hash {
				t.Errorf("ip source_hash = %q, want %q", rec[5], f.hostA.Hash)
			}
		}
	}

	if !found {
		t.Error("exported csv is missing the IP_ADDRESS row")
	}
}

func TestExportEventsJSON(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t)

	var buf bytes.Buffer
	if err := f.svc.ExportEvents(context.Background(), &buf, f.scanID, query.FormatJSON); err != nil {
		t.Fatalf("ExportEvents: %v", err)
	}

	var events []event.Event
	if err := json.Unmarshal(buf.Bytes(), &events); err != nil {
		t.Fatalf("parsing exported json: %v", err)
	}

	if len(events) != 4 {
		t.Fatalf("json export has %d events, want 4", len(events))
	}

	for _, evt := range events {
		if err := evt.Validate(); err != nil {
			t.Errorf("exported event %s fails validation: %v", evt.Hash, err)
		}
	}
}

func TestExportEventsGEXF(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t)

	var buf bytes.Buffer
	if err := f.svc.ExportEvents(context.Background(), &buf, f.scanID, query.FormatGEXF); err != nil {
		t.Fatalf("ExportEvents: %v", err)
	}

	out := buf.String()

	if !strings.HasPrefix(out, "<?xml") {
		t.Error("gexf export is missing the XML declaration")
	}

	for _, want := range []string{
		`<gexf xmlns="http://www.gexf.net/1.3" version="1.3">`,
		`defaultedgetype="directed"`,
		"INTERNET_NAME: a.example.com",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("gexf export missing %q", want)
		}
	}

	// Three source links, three edges.
	if got := strings.Count(out, "<edge "); got != 3 {
		t.Errorf("gexf export has %d edges, want 3", got)
	}
}

func TestExportEventsUnsupportedFormat(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t)

	var buf bytes.Buffer

	err := f.svc.ExportEvents(context.Background(), &buf, f.scanID, "xlsx")
	if !errors.Is(err, query.ErrUnsupportedFormat) {
		t.Errorf("ExportEvents(xlsx) = %v, want ErrUnsupportedFormat", err)
	}

	if buf.Len() != 0 {
		t.Error("unsupported format still wrote output")
	}
}
