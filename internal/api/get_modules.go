package api

import (
	"net/http"

	"github.com/scanforge-io/scanforge/internal/plugin"
)

// ModulesResponse lists the registered module descriptors.
type ModulesResponse struct {
	Modules []plugin.Descriptor `json:"modules"`
}

// handleListModules returns the catalog of registered modules with their
// metadata, watched and produced event types.
func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	descriptors := s.registry.Descriptors()
	if descriptors == nil {
		descriptors = []plugin.Descriptor{}
	}

	s.writeJSON(w, r, http.StatusOK, ModulesResponse{Modules: descriptors})
}
