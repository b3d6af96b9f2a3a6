package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/datalens/internal/adapters/duckdb"
	"github.com/manthysbr/datalens/internal/core/domain"
)

type MockReasoningEngine struct {
	mock.Mock
}

func (m *MockReasoningEngine) Invoke(ctx context.Context, ds *domain.Dataset, query string, history []domain.Exchange) (*domain.AgentTrace, error) {
	args := m.Called(ctx, ds, query, history)
	trace, _ := args.Get(0).(*domain.AgentTrace)
	return trace, args.Error(1)
}

type sessionFixture struct {
	repo    *duckdb.Repository
	engine  *MockReasoningEngine
	bus     *EventBus
	tracer  *TraceCollector
	service *SessionService
}

func newSessionFixture(t *testing.T, cfg SessionConfig) *sessionFixture {
	t.Helper()
	repo, err := duckdb.NewRepository("")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	bus := NewEventBus(discardLogger())
	tracer := NewTraceCollector(discardLogger(), bus, repo)
	pipeline := newSandboxPipeline(WithResponseStore(repo), WithTracer(tracer), WithEventBus(bus))
	loader := NewDatasetService(discardLogger(), repo, nil)
	engine := new(MockReasoningEngine)

	svc, err := NewSessionService(discardLogger(), repo, loader, engine, pipeline, tracer, bus, cfg)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &sessionFixture{repo: repo, engine: engine, bus: bus, tracer: tracer, service: svc}
}

func (f *sessionFixture) upload(t *testing.T) *domain.Session {
	t.Helper()
	sess, err := f.service.CreateSession(context.Background(), "sales.csv", strings.NewReader("x,y\na,3\nb,5\n"))
	require.NoError(t, err)
	return sess
}

func TestSessionService_AskRendersChartAndPersists(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	sess := f.upload(t)
	ctx := context.Background()

	f.engine.On("Invoke", mock.Anything, mock.Anything, "plot y by x", mock.Anything).
		Return(singleStep("Here you go", "plt.bar(df['x'], df['y'])"), nil).Once()

	rec, err := f.service.Ask(ctx, sess.ID, "  plot y by x  ")
	require.NoError(t, err)
	assert.Equal(t, "Here you go", rec.Text)
	require.True(t, rec.HasChart())
	require.NotNil(t, rec.Code)

	stored, err := f.repo.ListExchanges(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "plot y by x", stored[0].Query)

	chart, err := f.service.Chart(ctx, sess.ID, rec.Chart.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, chart.Data)

	f.tracer.Flush()
	traces, err := f.repo.ListTraces(ctx, 10)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, string(sess.ID), traces[0].SessionID)

	f.engine.AssertExpectations(t)
}

func TestSessionService_HistoryIsPassedToEngine(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{HistoryWindow: 1})
	sess := f.upload(t)
	ctx := context.Background()

	f.engine.On("Invoke", mock.Anything, mock.Anything, "first", mock.MatchedBy(func(h []domain.Exchange) bool {
		return len(h) == 0
	})).Return(&domain.AgentTrace{Output: "one"}, nil).Once()
	f.engine.On("Invoke", mock.Anything, mock.Anything, "second", mock.MatchedBy(func(h []domain.Exchange) bool {
		return len(h) == 1 && h[0].Query == "first"
	})).Return(&domain.AgentTrace{Output: "two"}, nil).Once()
	f.engine.On("Invoke", mock.Anything, mock.Anything, "third", mock.MatchedBy(func(h []domain.Exchange) bool {
		return len(h) == 1 && h[0].Query == "second"
	})).Return(&domain.AgentTrace{Output: "three"}, nil).Once()

	for _, q := range []string{"first", "second", "third"} {
		_, err := f.service.Ask(ctx, sess.ID, q)
		require.NoError(t, err)
	}

	history, err := f.service.History(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "three", history[2].Record.Text)
	f.engine.AssertExpectations(t)
}

func TestSessionService_EngineFailure(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	sess := f.upload(t)

	f.engine.On("Invoke", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("rate limited")).Once()

	_, err := f.service.Ask(context.Background(), sess.ID, "anything")
	require.ErrorIs(t, err, domain.ErrReasoningEngine)
	assert.Contains(t, err.Error(), "rate limited")

	history, err := f.service.History(context.Background(), sess.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history, "failed queries are not recorded")
}

func TestSessionService_EmptyQuery(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	sess := f.upload(t)

	_, err := f.service.Ask(context.Background(), sess.ID, "   ")
	assert.ErrorIs(t, err, domain.ErrEmptyQuery)
	f.engine.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSessionService_UnknownSession(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})

	_, err := f.service.Ask(context.Background(), "sess-missing", "hello")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSessionService_RehydratesFromStorage(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	sess := f.upload(t)
	ctx := context.Background()

	f.engine.On("Invoke", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(singleStep("chart", "plt.plot(df['y'])"), nil).Once()
	rec, err := f.service.Ask(ctx, sess.ID, "line of y")
	require.NoError(t, err)
	require.True(t, rec.HasChart())

	// A second service over the same storage starts with a cold cache.
	pipeline := newSandboxPipeline(WithResponseStore(f.repo))
	cold, err := NewSessionService(discardLogger(), f.repo, NewDatasetService(discardLogger(), f.repo, nil), f.engine, pipeline, nil, nil, SessionConfig{})
	require.NoError(t, err)
	defer cold.Close()

	var wg sync.WaitGroup
	got := make([]*domain.Session, 4)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := cold.GetSession(ctx, sess.ID)
			assert.NoError(t, err)
			got[i] = s
		}(i)
	}
	wg.Wait()

	require.NotNil(t, got[0])
	for _, s := range got[1:] {
		assert.Same(t, got[0], s)
	}
	assert.Equal(t, 2, got[0].Dataset.RowCount)
	require.Equal(t, 1, got[0].History.Len())

	chart, err := cold.Chart(ctx, sess.ID, rec.Chart.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, chart.Data)
}

func TestSessionService_Replay(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	sess := f.upload(t)

	var trace domain.AgentTrace
	raw := `{"output":"done","intermediate_steps":[[{"tool":"python_repl_ast","tool_input":{"query":"plt.bar(df['x'], df['nope'])"}},""]]}`
	require.NoError(t, json.Unmarshal([]byte(raw), &trace))

	rec, err := f.service.Replay(context.Background(), sess.ID, "replayed", &trace)
	require.NoError(t, err)
	assert.Equal(t, "done", rec.Text)
	assert.Nil(t, rec.Chart)
	assert.Contains(t, rec.ExecutionError, "KeyError")
	f.engine.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSessionService_ResetAndDelete(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	sess := f.upload(t)
	ctx := context.Background()

	f.engine.On("Invoke", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&domain.AgentTrace{Output: "ok"}, nil)

	_, err := f.service.Ask(ctx, sess.ID, "q")
	require.NoError(t, err)

	require.NoError(t, f.service.ResetSession(ctx, sess.ID))
	history, err := f.service.History(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
	stored, err := f.repo.ListExchanges(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, stored)

	sessions, err := f.service.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	require.NoError(t, f.service.DeleteSession(ctx, sess.ID))
	_, err = f.service.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = f.repo.GetDataset(ctx, sess.Dataset.ID)
	assert.ErrorIs(t, err, domain.ErrDatasetNotFound)
}

func TestSessionService_PublishesStatusEvents(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	sess := f.upload(t)

	events, unsub := f.bus.Subscribe(sess.ID)
	defer unsub()

	f.engine.On("Invoke", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&domain.AgentTrace{Output: "ok"}, nil).Once()
	_, err := f.service.Ask(context.Background(), sess.ID, "q")
	require.NoError(t, err)

	var statuses []string
	timeout := time.After(time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != EventTypeStatus {
				continue
			}
			var payload map[string]any
			require.NoError(t, json.Unmarshal([]byte(e.Data), &payload))
			statuses = append(statuses, payload["status"].(string))
			if payload["status"] == StatusDone {
				assert.Equal(t, []string{StatusReceived, StatusThinking, StatusDone}, statuses)
				return
			}
		case <-timeout:
			t.Fatalf("no done event, got %v", statuses)
		}
	}
}
