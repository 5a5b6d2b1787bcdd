package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/scanforge-io/scanforge/internal/query"
)

// exportContentTypes maps supported formats to their response media types.
var exportContentTypes = map[string]string{
	query.FormatCSV:  "text/csv",
	query.FormatJSON: "application/json",
	query.FormatGEXF: "application/xml",
}

// handleExportScan renders a scan's events in the requested format.
// Formats the engine does not render (xlsx, stix) yield 415.
func (s *Server) handleExportScan(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")
	format := r.PathValue("format")

	contentType, ok := exportContentTypes[format]
	if !ok {
		WriteErrorResponse(w, r, s.logger,
			UnsupportedMediaType(fmt.Sprintf("Export format %q is not supported", format)))

		return
	}

	// Render into a buffer first so store errors still produce a clean
	// problem response instead of a half-written body.
	var buf bytes.Buffer

	if err := s.queries.ExportEvents(r.Context(), &buf, scanID, format); err != nil {
		WriteErrorResponse(w, r, s.logger, problemFromError(err))

		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%s.%s", scanID, format))
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Error("Failed to write export response")
	}
}
