package api

import (
	"net/http"

	"github.com/scanforge-io/scanforge/internal/scan"
)

type (
	// ScanListResponse is the GET /api/scans payload.
	ScanListResponse struct {
		Scans []scan.Instance `json:"scans"`
	}

	// ScanDetailResponse is the GET /api/scans/{id} payload: the instance
	// plus its per-module state breakdown.
	ScanDetailResponse struct {
		scan.Instance

		ModuleStates []scan.ModuleState `json:"moduleStates"`
	}
)

// handleListScans returns all scans, newest first.
func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	scans, err := s.queries.Scans(r.Context())
	if err != nil {
		WriteErrorResponse(w, r, s.logger, problemFromError(err))

		return
	}

	if scans == nil {
		scans = []scan.Instance{}
	}

	s.writeJSON(w, r, http.StatusOK, ScanListResponse{Scans: scans})
}

// handleGetScan returns one scan with its module-state breakdown.
func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")

	inst, err := s.queries.Scan(r.Context(), scanID)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, problemFromError(err))

		return
	}

	states, err := s.queries.ModuleStates(r.Context(), scanID)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, problemFromError(err))

		return
	}

	if states == nil {
		states = []scan.ModuleState{}
	}

	s.writeJSON(w, r, http.StatusOK, ScanDetailResponse{Instance: *inst, ModuleStates: states})
}
