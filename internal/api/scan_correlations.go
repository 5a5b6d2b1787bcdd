package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/scanforge-io/scanforge/internal/api/middleware"
	"github.com/scanforge-io/scanforge/internal/correlation"
)

type (
	// CorrelationsResponse lists a scan's correlation results.
	CorrelationsResponse struct {
		Correlations []correlation.Result `json:"correlations"`
	}

	// RunCorrelationsRequest optionally narrows a correlation run to
	// specific rule ids. Empty means all loaded rules.
	RunCorrelationsRequest struct {
		Rules []string `json:"rules,omitempty"`
	}

	// RunCorrelationsResponse reports how many rules ran and how many
	// results they produced.
	RunCorrelationsResponse struct {
		Ran   int `json:"ran"`
		Found int `json:"found"`
	}
)

// handleGetCorrelations returns stored correlation results for one scan.
func (s *Server) handleGetCorrelations(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")

	results, err := s.queries.Correlations(r.Context(), scanID)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, problemFromError(err))

		return
	}

	if results == nil {
		results = []correlation.Result{}
	}

	s.writeJSON(w, r, http.StatusOK, CorrelationsResponse{Correlations: results})
}

// handleRunCorrelations evaluates correlation rules against one scan on
// demand. Re-runs are idempotent: identical findings collapse onto the
// same correlation ids.
func (s *Server) handleRunCorrelations(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")
	correlationID := middleware.GetCorrelationID(r.Context())

	var req RunCorrelationsRequest

	if r.ContentLength > 0 {
		if !hasJSONContentType(r.Header.Get("Content-Type")) {
			WriteErrorResponse(w, r, s.logger, BadRequest("Content-Type must be application/json"))

			return
		}

		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)).Decode(&req); err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest("Malformed JSON body"))

			return
		}
	}

	// Existence check so an unknown scan yields 404, not an empty run.
	if _, err := s.queries.Scan(r.Context(), scanID); err != nil {
		WriteErrorResponse(w, r, s.logger, problemFromError(err))

		return
	}

	ran, found, err := s.engine.Run(r.Context(), []string{scanID}, req.Rules)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, problemFromError(err))

		return
	}

	s.logger.Info("Correlation run completed",
		slog.String("correlation_id", correlationID),
		slog.String("scan_id", scanID),
		slog.Int("rules_ran", ran),
		slog.Int("results_found", found),
	)

	s.writeJSON(w, r, http.StatusOK, RunCorrelationsResponse{Ran: ran, Found: found})
}
