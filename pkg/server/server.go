// Package server exposes sessions, queries, charts, settings and traces over
// HTTP.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/getkin/kin-openapi/routers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manthysbr/datalens/internal/config"
	"github.com/manthysbr/datalens/internal/core/domain"
	"github.com/manthysbr/datalens/internal/core/services"
)

const defaultMaxUpload = 32 << 20

// Options tunes the HTTP surface.
type Options struct {
	MaxUploadBytes int64
	PreviewRows    int
}

type Server struct {
	logger   *slog.Logger
	sessions *services.SessionService
	tracer   *services.TraceCollector
	eventBus *services.EventBus
	settings *config.SettingsStore
	gatherer prometheus.Gatherer
	router   routers.Router
	opts     Options
}

func NewServer(
	logger *slog.Logger,
	sessions *services.SessionService,
	tracer *services.TraceCollector,
	eventBus *services.EventBus,
	settings *config.SettingsStore,
	gatherer prometheus.Gatherer,
	opts Options,
) (*Server, error) {
	router, err := newRouter()
	if err != nil {
		return nil, err
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUpload
	}
	if opts.PreviewRows <= 0 {
		opts.PreviewRows = 5
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		logger:   logger,
		sessions: sessions,
		tracer:   tracer,
		eventBus: eventBus,
		settings: settings,
		gatherer: gatherer,
		router:   router,
		opts:     opts,
	}, nil
}

// Handler returns the HTTP handler with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /v1/sessions/{id}/queries", s.handleAsk)
	mux.HandleFunc("POST /v1/sessions/{id}/traces", s.handleReplay)
	mux.HandleFunc("GET /v1/sessions/{id}/history", s.handleHistory)
	mux.HandleFunc("DELETE /v1/sessions/{id}/history", s.handleResetHistory)
	mux.HandleFunc("GET /v1/sessions/{id}/charts/{chart}", s.handleChart)

	// SSE bypasses the JSON helpers; it streams until the client goes away
	mux.HandleFunc("GET /v1/sessions/{id}/events", s.handleSessionSSE)

	mux.HandleFunc("GET /v1/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /v1/settings", s.handleUpdateSettings)

	mux.HandleFunc("GET /v1/traces", s.handleListTraces)
	mux.HandleFunc("GET /v1/traces/{id}", s.handleGetTrace)

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return s.validateRequests(mux)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Debug("failed to encode response", "error", err)
	}
}

// writeError maps domain errors to HTTP statuses. Unexpected errors are
// logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrDatasetNotFound),
		errors.Is(err, domain.ErrChartNotFound),
		errors.Is(err, domain.ErrTraceNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrEmptyQuery),
		errors.Is(err, domain.ErrUnsupportedFormat),
		errors.Is(err, config.ErrInvalidSettings):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrReasoningEngine):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrNoEngine):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
