package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/scanforge-io/scanforge/internal/api/middleware"
)

type (
	// FalsePositiveRequest is the POST /api/scans/{id}/false-positive payload.
	FalsePositiveRequest struct {
		Hashes []string `json:"hashes"`
		FP     bool     `json:"fp"`
	}

	// FalsePositiveResponse reports how many events were requested for update.
	FalsePositiveResponse struct {
		Updated int `json:"updated"`
	}
)

// handleFalsePositive flags events and their transitive descendants as
// false positives (or clears the flag). Only terminal scans accept updates.
func (s *Server) handleFalsePositive(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")
	correlationID := middleware.GetCorrelationID(r.Context())

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, BadRequest("Content-Type must be application/json"))

		return
	}

	var req FalsePositiveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)).Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Malformed JSON body"))

		return
	}

	if len(req.Hashes) == 0 {
		WriteErrorResponse(w, r, s.logger, BadRequest("hashes is required"))

		return
	}

	if err := s.scheduler.SetFalsePositive(r.Context(), scanID, req.Hashes, req.FP); err != nil {
		WriteErrorResponse(w, r, s.logger, problemFromError(err))

		return
	}

	s.logger.Info("False positive flags updated",
		slog.String("correlation_id", correlationID),
		slog.String("scan_id", scanID),
		slog.Int("hashes", len(req.Hashes)),
		slog.Bool("fp", req.FP),
	)

	s.writeJSON(w, r, http.StatusOK, FalsePositiveResponse{Updated: len(req.Hashes)})
}
