package api

import (
	"net/http"
	"strconv"

	"github.com/scanforge-io/scanforge/internal/event"
	"github.com/scanforge-io/scanforge/internal/query"
	"github.com/scanforge-io/scanforge/internal/scan"
)

type (
	// ScanEventsResponse is one page of a scan's event listing.
	ScanEventsResponse struct {
		Events []event.Event `json:"events"`
	}

	// ScanLogsResponse is a scan's log listing.
	ScanLogsResponse struct {
		Logs []scan.LogEntry `json:"logs"`
	}
)

// handleScanEvents returns a filtered, paginated event listing.
//
// Query parameters: event_type, module, min_risk, since, limit, offset.
func (s *Server) handleScanEvents(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")
	q := r.URL.Query()

	filter := query.EventFilter{
		Type:   q.Get("event_type"),
		Module: q.Get("module"),
	}

	if v := q.Get("min_risk"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest("min_risk must be an integer"))

			return
		}

		filter.MinRisk = n
	}

	if v := q.Get("since"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest("since must be a number"))

			return
		}

		filter.Since = f
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteErrorResponse(w, r, s.logger, BadRequest("limit must be a non-negative integer"))

			return
		}

		filter.Limit = n
	}

	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteErrorResponse(w, r, s.logger, BadRequest("offset must be a non-negative integer"))

			return
		}

		filter.Offset = n
	}

	events, err := s.queries.Events(r.Context(), scanID, filter)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, problemFromError(err))

		return
	}

	if events == nil {
		events = []event.Event{}
	}

	s.writeJSON(w, r, http.StatusOK, ScanEventsResponse{Events: events})
}

// handleScanSummary returns per-type event totals for one scan.
func (s *Server) handleScanSummary(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")

	summary, err := s.queries.Summary(r.Context(), scanID)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, problemFromError(err))

		return
	}

	s.writeJSON(w, r, http.StatusOK, summary)
}

// handleScanLogs returns scan log records, newest first.
//
// Query parameters: level, limit.
func (s *Server) handleScanLogs(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")
	q := r.URL.Query()

	filter := query.LogFilter{Level: q.Get("level")}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteErrorResponse(w, r, s.logger, BadRequest("limit must be a non-negative integer"))

			return
		}

		filter.Limit = n
	}

	logs, err := s.queries.Logs(r.Context(), scanID, filter)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, problemFromError(err))

		return
	}

	if logs == nil {
		logs = []scan.LogEntry{}
	}

	s.writeJSON(w, r, http.StatusOK, ScanLogsResponse{Logs: logs})
}
