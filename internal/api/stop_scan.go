package api

import (
	"log/slog"
	"net/http"

	"github.com/scanforge-io/scanforge/internal/api/middleware"
)

// handleStopScan aborts a running scan, responding once it has reached a
// terminal state. Stopping an already terminal scan yields 409.
func (s *Server) handleStopScan(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")
	correlationID := middleware.GetCorrelationID(r.Context())

	if err := s.scheduler.StopScan(r.Context(), scanID); err != nil {
		WriteErrorResponse(w, r, s.logger, problemFromError(err))

		return
	}

	s.logger.Info("Scan stop requested",
		slog.String("correlation_id", correlationID),
		slog.String("scan_id", scanID),
	)

	s.writeJSON(w, r, http.StatusOK, struct{}{})
}

// handleDeleteScan removes a terminal scan and all attached rows. Deleting
// a running scan yields 409.
func (s *Server) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")
	correlationID := middleware.GetCorrelationID(r.Context())

	if err := s.scheduler.DeleteScan(r.Context(), scanID); err != nil {
		WriteErrorResponse(w, r, s.logger, problemFromError(err))

		return
	}

	s.logger.Info("Scan deleted",
		slog.String("correlation_id", correlationID),
		slog.String("scan_id", scanID),
	)

	s.writeJSON(w, r, http.StatusOK, struct{}{})
}
