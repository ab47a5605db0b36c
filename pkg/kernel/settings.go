package kernel

import (
	"encoding/json"
	"net/http"

	"github.com/manthysbr/jobpipe/internal/core/domain"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Settings.GetMaskedConfig())
}

// handleUpdateSettings applies a partial update: fields missing from the
// body keep their current values. Masked API keys are left untouched.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	update := s.deps.Settings.GetMaskedConfig()
	if err := json.NewDecoder(r.Body).Decode(update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if update.Providers == nil {
		update.Providers = map[domain.Provider]domain.ProviderCredentials{}
	}

	if err := s.deps.Settings.UpdateConfig(r.Context(), update); err != nil {
		s.writeDomainError(w, "update settings", err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Settings.GetMaskedConfig())
}
