// Package api provides the HTTP API server for the ScanForge scan engine.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/scanforge-io/scanforge/internal/api/middleware"
)

const healthCheckTimeout = 2 * time.Second

type (
	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// HealthChecker verifies a storage backend is reachable. Implemented by
	// storage.Connection; nil disables the deep readiness check.
	HealthChecker interface {
		HealthCheck(ctx context.Context) error
	}
)

// setupRoutes sets up all HTTP routes for the API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Health endpoints
	mux.HandleFunc("GET /ping", s.handlePing)     // liveness probe
	mux.HandleFunc("GET /ready", s.handleReady)   // readiness probe
	mux.HandleFunc("GET /health", s.handleHealth) // status, uptime, version
	mux.HandleFunc("/", s.handleNotFound)         // catch-all 404

	// Scan lifecycle
	mux.HandleFunc("POST /api/scans", s.handleCreateScan)
	mux.HandleFunc("GET /api/scans", s.handleListScans)
	mux.HandleFunc("GET /api/scans/{id}", s.handleGetScan)
	mux.HandleFunc("POST /api/scans/{id}/stop", s.handleStopScan)
	mux.HandleFunc("DELETE /api/scans/{id}", s.handleDeleteScan)

	// Scan results
	mux.HandleFunc("GET /api/scans/{id}/events", s.handleScanEvents)
	mux.HandleFunc("GET /api/scans/{id}/summary", s.handleScanSummary)
	mux.HandleFunc("GET /api/scans/{id}/logs", s.handleScanLogs)
	mux.HandleFunc("POST /api/scans/{id}/false-positive", s.handleFalsePositive)

	// Correlations
	mux.HandleFunc("GET /api/scans/{id}/correlations", s.handleGetCorrelations)
	mux.HandleFunc("POST /api/scans/{id}/correlations", s.handleRunCorrelations)

	// Export and progress
	mux.HandleFunc("GET /api/scans/{id}/export/{format}", s.handleExportScan)
	mux.HandleFunc("GET /api/scans/{id}/progress/stream", s.handleProgressStream)

	// Module catalog
	mux.HandleFunc("GET /api/modules", s.handleListModules)
}

// writeJSON marshals v and writes it with the given status code. Marshal
// errors surface as 500 problems before any header is written.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		correlationID := middleware.GetCorrelationID(r.Context())
		s.logger.Error("Failed to encode response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		// Headers already sent, log only
		correlationID := middleware.GetCorrelationID(r.Context())
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleReady responds to readiness probes with a storage health check.
//
// Response codes:
//   - 200 OK: storage is healthy and ready to accept traffic
//   - 503 Service Unavailable: storage backend is unhealthy or unreachable
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if s.health == nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)

		_, _ = w.Write([]byte("ready"))

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.health.HealthCheck(ctx); err != nil {
		s.logger.Error("Storage health check failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)

		_, _ = w.Write([]byte("storage unavailable"))

		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write([]byte("ready"))
}

// handleHealth returns detailed health status information.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string

	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	s.writeJSON(w, r, http.StatusOK, HealthStatus{
		Status:      "healthy",
		ServiceName: "scanforge",
		Version:     Version,
		Uptime:      uptime,
	})
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// hasJSONContentType checks if Content-Type header starts with "application/json".
// This allows charset parameters (e.g., "application/json; charset=utf-8").
func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "application/json")
}
