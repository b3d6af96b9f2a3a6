package server

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.GetMasked())
}

// handleUpdateSettings replaces the LLM settings. Fields missing from the
// body keep their current value; a blank or masked api_key keeps the stored
// key.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	update := s.settings.Get()
	update.APIKey = ""
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if err := s.settings.Update(r.Context(), update); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.settings.GetMasked())
}
