// Package api provides the HTTP API server for the ScanForge scan engine.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/scanforge-io/scanforge/internal/api/middleware"
	"github.com/scanforge-io/scanforge/internal/plugin"
	"github.com/scanforge-io/scanforge/internal/query"
	"github.com/scanforge-io/scanforge/internal/scan"
	"github.com/scanforge-io/scanforge/internal/target"
)

// ProblemDetail represents an RFC 7807 Problem Details structure.
// See https://tools.ietf.org/html/rfc7807 for specification.
type ProblemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// NewProblemDetail creates a new RFC 7807 Problem Detail.
func NewProblemDetail(status int, title, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:   fmt.Sprintf("https://scanforge.io/problems/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

// WriteErrorResponse writes an RFC 7807 compliant error response.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, problem *ProblemDetail) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if problem.CorrelationID == "" {
		problem.CorrelationID = correlationID
	}

	if problem.Instance == "" {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("Failed to encode error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Any("encode_error", err),
			slog.Int("status", problem.Status),
		)

		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// Common error constructors for frequently used errors.

// InternalServerError creates a 500 Internal Server Error problem.
func InternalServerError(detail string) *ProblemDetail {
	return NewProblemDetail(
		http.StatusInternalServerError,
		"Internal Server Error",
		detail,
	)
}

// BadRequest creates a 400 Bad Request problem.
func BadRequest(detail string) *ProblemDetail {
	return NewProblemDetail(
		http.StatusBadRequest,
		"Bad Request",
		detail,
	)
}

// NotFound creates a 404 Not Found problem.
func NotFound(detail string) *ProblemDetail {
	return NewProblemDetail(
		http.StatusNotFound,
		"Not Found",
		detail,
	)
}

// Conflict creates a 409 Conflict problem.
func Conflict(detail string) *ProblemDetail {
	return NewProblemDetail(
		http.StatusConflict,
		"Conflict",
		detail,
	)
}

// UnsupportedMediaType creates a 415 Unsupported Media Type problem.
func UnsupportedMediaType(detail string) *ProblemDetail {
	return NewProblemDetail(
		http.StatusUnsupportedMediaType,
		"Unsupported Media Type",
		detail,
	)
}

// problemFromError maps domain sentinel errors onto RFC 7807 problems.
// Unknown errors map to 500 with a generic detail so internals do not leak.
func problemFromError(err error) *ProblemDetail {
	switch {
	case errors.Is(err, scan.ErrScanNotFound):
		return NotFound("Scan not found")
	case errors.Is(err, scan.ErrScanRunning):
		return Conflict("Scan is currently running")
	case errors.Is(err, scan.ErrScanTerminal):
		return Conflict("Scan has already reached a terminal state")
	case errors.Is(err, query.ErrUnsupportedFormat):
		return UnsupportedMediaType("Export format not supported")
	case errors.Is(err, target.ErrEmptyTarget),
		errors.Is(err, target.ErrUnclassifiable),
		errors.Is(err, target.ErrPrivateAddress),
		errors.Is(err, plugin.ErrUnknownModule):
		return BadRequest(err.Error())
	default:
		return InternalServerError("An unexpected error occurred while processing the request")
	}
}
