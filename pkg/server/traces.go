package server

import (
	"net/http"

	"github.com/manthysbr/datalens/internal/core/domain"
)

// handleListTraces returns recent trace summaries.
// GET /v1/traces?limit=N
func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if limit <= 0 {
		limit = 50
	}

	traces, err := s.tracer.ListTraces(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if traces == nil {
		traces = []domain.TraceSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"traces": traces,
		"count":  len(traces),
	})
}

// handleGetTrace returns a single trace with all spans.
// GET /v1/traces/{id}
func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	var id string
	if err := pathParam(r, "id", &id); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	trace, err := s.tracer.GetTrace(r.Context(), domain.TraceID(id))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trace)
}
