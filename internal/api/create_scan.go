package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/scanforge-io/scanforge/internal/api/middleware"
	"github.com/scanforge-io/scanforge/internal/scan"
)

type (
	// CreateScanRequest is the POST /api/scans payload.
	CreateScanRequest struct {
		Target        string                       `json:"target"`
		ScanName      string                       `json:"scan_name"`
		ScanType      string                       `json:"scan_type"`
		Modules       []string                     `json:"modules,omitempty"`
		Options       map[string]string            `json:"options,omitempty"`
		ModuleOptions map[string]map[string]string `json:"module_options,omitempty"`
	}

	// CreateScanResponse carries the new scan id.
	CreateScanResponse struct {
		ScanID string `json:"scan_id"`
	}
)

// handleCreateScan launches a new scan.
//
// The target is classified and validated before anything is persisted; a bad
// target or an unknown module yields 400 and no state change.
func (s *Server) handleCreateScan(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, BadRequest("Content-Type must be application/json"))

		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize))
	if err != nil {
		if maxBytesExceeded(err) {
			WriteErrorResponse(w, r, s.logger, BadRequest("Request body too large"))

			return
		}

		WriteErrorResponse(w, r, s.logger, BadRequest("Failed to read request body"))

		return
	}

	var req CreateScanRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Malformed JSON body"))

		return
	}

	if req.Target == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("target is required"))

		return
	}

	scanID, err := s.scheduler.StartScan(r.Context(), scan.StartRequest{
		Name:          req.ScanName,
		Target:        req.Target,
		Modules:       req.Modules,
		UseCase:       req.ScanType,
		Options:       req.Options,
		ModuleOptions: req.ModuleOptions,
	})
	if err != nil {
		s.logger.Warn("Scan creation rejected",
			slog.String("correlation_id", correlationID),
			slog.String("target", req.Target),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, problemFromError(err))

		return
	}

	s.logger.Info("Scan created",
		slog.String("correlation_id", correlationID),
		slog.String("scan_id", scanID),
		slog.String("target", req.Target),
	)

	s.writeJSON(w, r, http.StatusCreated, CreateScanResponse{ScanID: scanID})
}

// maxBytesExceeded reports whether err came from http.MaxBytesReader.
func maxBytesExceeded(err error) bool {
	var maxErr *http.MaxBytesError

	return errors.As(err, &maxErr)
}
