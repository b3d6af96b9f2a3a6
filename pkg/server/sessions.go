package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/oapi-codegen/runtime"

	"github.com/manthysbr/datalens/internal/core/domain"
	"github.com/manthysbr/datalens/internal/core/services"
)

type sessionCreated struct {
	Session domain.SessionInfo      `json:"session"`
	Preview services.DatasetPreview `json:"preview"`
}

type sessionDetail struct {
	Session   domain.SessionInfo      `json:"session"`
	Dataset   services.DatasetPreview `json:"dataset"`
	Exchanges int                     `json:"exchanges"`
}

// recordView is a ResponseRecord as the API returns it, with a link to the
// chart bytes.
type recordView struct {
	domain.ResponseRecord
	ChartURL string `json:"chart_url,omitempty"`
}

type exchangeView struct {
	Query    string     `json:"query"`
	Record   recordView `json:"record"`
	Markdown string     `json:"markdown"`
	At       time.Time  `json:"at"`
}

type askRequest struct {
	Query string `json:"query"`
}

type replayRequest struct {
	Query string            `json:"query"`
	Trace domain.AgentTrace `json:"trace"`
}

func pathParam(r *http.Request, name string, dest any) error {
	err := runtime.BindStyledParameterWithOptions("simple", name, r.PathValue(name), dest, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	return nil
}

func sessionID(r *http.Request) (domain.SessionID, error) {
	var id string
	if err := pathParam(r, "id", &id); err != nil {
		return "", err
	}
	return domain.SessionID(id), nil
}

func queryLimit(r *http.Request) (int, error) {
	var limit *int
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limit); err != nil {
		return 0, fmt.Errorf("invalid limit: %w", err)
	}
	if limit == nil {
		return 0, nil
	}
	return *limit, nil
}

func chartURL(sessionID domain.SessionID, chartID domain.ChartID) string {
	return "/v1/sessions/" + string(sessionID) + "/charts/" + string(chartID)
}

func viewOf(sessionID domain.SessionID, rec domain.ResponseRecord) recordView {
	v := recordView{ResponseRecord: rec}
	if rec.Chart != nil {
		v.ChartURL = chartURL(sessionID, rec.Chart.ID)
	}
	return v
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "upload exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid multipart form: " + err.Error()})
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing file field"})
		return
	}
	defer file.Close()

	sess, err := s.sessions.CreateSession(r.Context(), header.Filename, file)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionCreated{
		Session: sess.Info(),
		Preview: services.Preview(sess.Dataset, s.opts.PreviewRows),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.ListSessions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []domain.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	sess, err := s.sessions.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sess.Lock()
	detail := sessionDetail{
		Session:   sess.Info(),
		Dataset:   services.Preview(sess.Dataset, s.opts.PreviewRows),
		Exchanges: sess.History.Len(),
	}
	sess.Unlock()
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := s.sessions.DeleteSession(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}

	rec, err := s.sessions.Ask(r.Context(), id, req.Query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(id, rec))
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}

	rec, err := s.sessions.Replay(r.Context(), id, req.Query, &req.Trace)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(id, rec))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	history, err := s.sessions.History(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]exchangeView, 0, len(history))
	for _, ex := range history {
		out = append(out, exchangeView{
			Query:    ex.Query,
			Record:   viewOf(id, ex.Record),
			Markdown: ex.Record.Markdown(),
			At:       ex.At,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResetHistory(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := s.sessions.ResetSession(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	var chart string
	if err := pathParam(r, "chart", &chart); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	c, err := s.sessions.Chart(r.Context(), id, domain.ChartID(chart))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", c.MIMEType)
	w.Header().Set("Cache-Control", "private, max-age=86400, immutable")
	w.Header().Set("Content-Length", strconv.Itoa(len(c.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(c.Data)
}
