package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/maypok86/otter"
	"golang.org/x/sync/singleflight"

	"github.com/manthysbr/datalens/internal/core/domain"
	"github.com/manthysbr/datalens/internal/core/ports"
)

// SessionConfig bounds the in-memory session cache.
type SessionConfig struct {
	TTL           time.Duration
	MaxCached     int
	HistoryWindow int // exchanges handed to the reasoning engine
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
	if c.MaxCached <= 0 {
		c.MaxCached = 128
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = historyWindow
	}
	return c
}

// SessionService owns the lifecycle of sessions: creation from an upload,
// the hot cache, rehydration from storage, and handling queries.
type SessionService struct {
	logger   *slog.Logger
	repo     ports.Repository
	loader   ports.DatasetLoader
	engine   ports.ReasoningEngine
	pipeline *QueryPipeline
	tracer   *TraceCollector
	bus      *EventBus
	cfg      SessionConfig

	cache otter.Cache[domain.SessionID, *domain.Session]
	loads singleflight.Group
}

func NewSessionService(
	logger *slog.Logger,
	repo ports.Repository,
	loader ports.DatasetLoader,
	engine ports.ReasoningEngine,
	pipeline *QueryPipeline,
	tracer *TraceCollector,
	bus *EventBus,
	cfg SessionConfig,
) (*SessionService, error) {
	cfg = cfg.withDefaults()
	cache, err := otter.MustBuilder[domain.SessionID, *domain.Session](cfg.MaxCached).
		WithTTL(cfg.TTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build session cache: %w", err)
	}

	return &SessionService{
		logger:   logger,
		repo:     repo,
		loader:   loader,
		engine:   engine,
		pipeline: pipeline,
		tracer:   tracer,
		bus:      bus,
		cfg:      cfg,
		cache:    cache,
	}, nil
}

// Close releases the session cache.
func (s *SessionService) Close() {
	s.cache.Close()
}

// CreateSession loads an uploaded dataset and opens a session over it.
func (s *SessionService) CreateSession(ctx context.Context, filename string, r io.Reader) (*domain.Session, error) {
	ds, err := s.loader.Load(ctx, filename, r)
	if err != nil {
		return nil, err
	}

	sess := domain.NewSession(ds)
	if err := s.repo.SaveSession(ctx, sess.Info()); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	s.cache.Set(sess.ID, sess)

	s.logger.Info("session created", "session_id", sess.ID, "dataset_id", ds.ID)
	return sess, nil
}

// GetSession returns the live session, rehydrating it from storage when it is
// not cached. Concurrent misses for one ID share a single load.
func (s *SessionService) GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	if sess, ok := s.cache.Get(id); ok {
		return sess, nil
	}

	v, err, _ := s.loads.Do(string(id), func() (any, error) {
		if sess, ok := s.cache.Get(id); ok {
			return sess, nil
		}
		sess, err := s.rehydrate(ctx, id)
		if err != nil {
			return nil, err
		}
		s.cache.Set(id, sess)
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Session), nil
}

func (s *SessionService) rehydrate(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	info, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	ds, err := s.repo.GetDataset(ctx, info.DatasetID)
	if err != nil {
		return nil, fmt.Errorf("load dataset for session %s: %w", id, err)
	}
	history, err := s.repo.ListExchanges(ctx, id, 0)
	if err != nil {
		return nil, fmt.Errorf("load history for session %s: %w", id, err)
	}

	s.logger.Debug("session rehydrated", "session_id", id, "exchanges", len(history))
	return domain.RestoreSession(id, ds, history, info.CreatedAt), nil
}

// Ask answers query within the session: the reasoning engine produces a
// trace and the pipeline turns it into the stored response.
func (s *SessionService) Ask(ctx context.Context, id domain.SessionID, query string) (domain.ResponseRecord, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return domain.ResponseRecord{}, domain.ErrEmptyQuery
	}
	if s.engine == nil {
		return domain.ResponseRecord{}, domain.ErrNoEngine
	}

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return domain.ResponseRecord{}, err
	}
	sess.Lock()
	defer sess.Unlock()

	ctx, traceID := s.tracer.StartTrace(ctx, traceName(query), id, map[string]string{"session_id": string(id)})
	s.bus.PublishStatus(id, StatusReceived, map[string]any{"query": query})
	s.bus.PublishStatus(id, StatusThinking, nil)

	trace, err := s.engine.Invoke(ctx, sess.Dataset, query, sess.History.Last(s.cfg.HistoryWindow))
	if err != nil {
		s.tracer.EndTrace(traceID, domain.SpanStatusError, err.Error())
		s.bus.PublishStatus(id, StatusDone, map[string]any{"error": err.Error()})
		return domain.ResponseRecord{}, fmt.Errorf("%w: %w", domain.ErrReasoningEngine, err)
	}

	rec := s.finish(ctx, query, trace, sess)
	s.tracer.EndTrace(traceID, domain.SpanStatusOK, "")
	return rec, nil
}

// Replay runs a trace produced outside this process through the pipeline,
// exactly as if the built-in engine had returned it.
func (s *SessionService) Replay(ctx context.Context, id domain.SessionID, query string, trace *domain.AgentTrace) (domain.ResponseRecord, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return domain.ResponseRecord{}, domain.ErrEmptyQuery
	}

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return domain.ResponseRecord{}, err
	}
	sess.Lock()
	defer sess.Unlock()

	ctx, traceID := s.tracer.StartTrace(ctx, traceName(query), id, map[string]string{
		"session_id": string(id),
		"source":     "replay",
	})
	s.bus.PublishStatus(id, StatusReceived, map[string]any{"query": query})

	rec := s.finish(ctx, query, trace, sess)
	s.tracer.EndTrace(traceID, domain.SpanStatusOK, "")
	return rec, nil
}

func (s *SessionService) finish(ctx context.Context, query string, trace *domain.AgentTrace, sess *domain.Session) domain.ResponseRecord {
	rec := s.pipeline.Handle(ctx, query, trace, sess)

	if err := s.repo.SaveSession(context.WithoutCancel(ctx), sess.Info()); err != nil {
		s.logger.Warn("failed to touch session", "session_id", sess.ID, "error", err)
	}

	fields := map[string]any{"has_chart": rec.HasChart()}
	if rec.Chart != nil {
		fields["chart_id"] = rec.Chart.ID
	}
	s.bus.PublishStatus(sess.ID, StatusDone, fields)
	return rec
}

// History returns the last limit exchanges of the session, all when limit
// is not positive.
func (s *SessionService) History(ctx context.Context, id domain.SessionID, limit int) ([]domain.Exchange, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Lock()
	defer sess.Unlock()
	return sess.History.Last(limit), nil
}

// ResetSession clears the session's conversation history.
func (s *SessionService) ResetSession(ctx context.Context, id domain.SessionID) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	sess.Lock()
	defer sess.Unlock()

	if err := s.repo.ClearExchanges(ctx, id); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	sess.History.Reset()
	s.logger.Info("session history reset", "session_id", id)
	return nil
}

// DeleteSession removes the session, its history, charts and dataset.
func (s *SessionService) DeleteSession(ctx context.Context, id domain.SessionID) error {
	info, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := s.repo.DeleteDataset(ctx, info.DatasetID); err != nil && !errors.Is(err, domain.ErrDatasetNotFound) {
		s.logger.Warn("failed to delete dataset", "dataset_id", info.DatasetID, "error", err)
	}
	s.cache.Delete(id)
	s.logger.Info("session deleted", "session_id", id)
	return nil
}

// ListSessions returns all stored sessions, most recently used first.
func (s *SessionService) ListSessions(ctx context.Context) ([]domain.SessionInfo, error) {
	return s.repo.ListSessions(ctx)
}

// Chart returns a chart of the session, from live history or storage.
func (s *SessionService) Chart(ctx context.Context, sessionID domain.SessionID, chartID domain.ChartID) (*domain.ChartHandle, error) {
	if sess, ok := s.cache.Get(sessionID); ok {
		sess.Lock()
		for _, ex := range sess.History.All() {
			if c := ex.Record.Chart; c != nil && c.ID == chartID && len(c.Data) > 0 {
				sess.Unlock()
				return c, nil
			}
		}
		sess.Unlock()
	}
	return s.repo.GetChart(ctx, sessionID, chartID)
}

func traceName(query string) string {
	name := "query: " + query
	if len(name) > 80 {
		name = cutUTF8(name, 80) + "..."
	}
	return name
}
