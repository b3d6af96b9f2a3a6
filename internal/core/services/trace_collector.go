package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/manthysbr/datalens/internal/core/domain"
)

const (
	maxTraces      = 500  // ring buffer size
	maxInputOutput = 2000 // truncate span input/output
)

// TraceRepository persists completed traces.
type TraceRepository interface {
	SaveTrace(ctx context.Context, trace *domain.Trace) error
	GetTrace(ctx context.Context, id domain.TraceID) (*domain.Trace, error)
	ListTraces(ctx context.Context, limit int) ([]domain.TraceSummary, error)
}

// TraceCollector records the spans of recent queries in a ring buffer.
// Completed traces are handed to the repository, when there is one.
// A nil *TraceCollector is valid: spans are not recorded.
type TraceCollector struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	eventBus *EventBus
	repo     TraceRepository

	traces     map[domain.TraceID]*domain.Trace
	spans      map[domain.SpanID]*domain.Span
	traceOrder []domain.TraceID // oldest first, for eviction

	persist sync.WaitGroup
}

// NewTraceCollector creates a collector. eventBus and repo may be nil.
func NewTraceCollector(logger *slog.Logger, eventBus *EventBus, repo TraceRepository) *TraceCollector {
	return &TraceCollector{
		logger:   logger,
		eventBus: eventBus,
		repo:     repo,
		traces:   make(map[domain.TraceID]*domain.Trace, maxTraces),
		spans:    make(map[domain.SpanID]*domain.Span, maxTraces*8),
	}
}

type traceCtxKey struct{}
type spanCtxKey struct{}

// ContextWithTrace stores trace and span IDs in context for propagation.
func ContextWithTrace(ctx context.Context, traceID domain.TraceID, spanID domain.SpanID) context.Context {
	ctx = context.WithValue(ctx, traceCtxKey{}, traceID)
	ctx = context.WithValue(ctx, spanCtxKey{}, spanID)
	return ctx
}

// TraceFromContext extracts trace and current span ID from context.
func TraceFromContext(ctx context.Context) (domain.TraceID, domain.SpanID, bool) {
	traceID, ok1 := ctx.Value(traceCtxKey{}).(domain.TraceID)
	spanID, ok2 := ctx.Value(spanCtxKey{}).(domain.SpanID)
	return traceID, spanID, ok1 && ok2
}

// StartTrace opens the root span of one query.
func (tc *TraceCollector) StartTrace(ctx context.Context, name string, sessionID domain.SessionID, attrs map[string]string) (context.Context, domain.TraceID) {
	if tc == nil {
		return ctx, ""
	}

	traceID := domain.TraceID(uuid.New().String())
	rootID := domain.SpanID(uuid.New().String())
	now := time.Now()

	tc.mu.Lock()
	tc.evictIfNeeded()
	tc.traces[traceID] = &domain.Trace{
		ID:         traceID,
		RootSpanID: rootID,
		Name:       name,
		Status:     domain.SpanStatusRunning,
		SessionID:  string(sessionID),
		StartTime:  now,
		SpanCount:  1,
	}
	tc.spans[rootID] = &domain.Span{
		ID:         rootID,
		TraceID:    traceID,
		Name:       name,
		Kind:       domain.SpanKindQuery,
		Status:     domain.SpanStatusRunning,
		Attributes: attrs,
		StartTime:  now,
	}
	tc.traceOrder = append(tc.traceOrder, traceID)
	tc.mu.Unlock()

	tc.publish(sessionID, "trace_start", map[string]any{"trace_id": traceID, "name": name})
	tc.logger.Debug("trace started", "trace_id", string(traceID), "name", name)

	return ContextWithTrace(ctx, traceID, rootID), traceID
}

// EndTrace closes a trace and its root span, then persists it in the
// background.
func (tc *TraceCollector) EndTrace(traceID domain.TraceID, status domain.SpanStatus, errMsg string) {
	if tc == nil || traceID == "" {
		return
	}

	tc.mu.Lock()
	trace, ok := tc.traces[traceID]
	if !ok {
		tc.mu.Unlock()
		return
	}

	now := time.Now()
	trace.Status = status
	trace.EndTime = &now
	trace.DurationMs = now.Sub(trace.StartTime).Milliseconds()
	if root, ok := tc.spans[trace.RootSpanID]; ok {
		finishSpan(root, status, "", errMsg, now)
	}

	var snapshot *domain.Trace
	if tc.repo != nil {
		snapshot = tc.snapshotLocked(trace)
	}
	sessionID := domain.SessionID(trace.SessionID)
	duration := trace.DurationMs
	tc.mu.Unlock()

	tc.publish(sessionID, "trace_end", map[string]any{
		"trace_id":    traceID,
		"status":      status,
		"duration_ms": duration,
	})

	if snapshot != nil {
		tc.persist.Add(1)
		go func() {
			defer tc.persist.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := tc.repo.SaveTrace(ctx, snapshot); err != nil {
				tc.logger.Warn("failed to persist trace", "trace_id", traceID, "error", err)
			}
		}()
	}
}

// StartSpan opens a child of the context's current span. Without a trace in
// ctx it returns an empty span ID, which EndSpan ignores.
func (tc *TraceCollector) StartSpan(ctx context.Context, name string, kind domain.SpanKind, attrs map[string]string) (context.Context, domain.SpanID) {
	if tc == nil {
		return ctx, ""
	}
	traceID, parentID, ok := TraceFromContext(ctx)
	if !ok {
		return ctx, ""
	}

	spanID := domain.SpanID(uuid.New().String())
	span := &domain.Span{
		ID:         spanID,
		ParentID:   parentID,
		TraceID:    traceID,
		Name:       name,
		Kind:       kind,
		Status:     domain.SpanStatusRunning,
		Attributes: attrs,
		StartTime:  time.Now(),
	}

	tc.mu.Lock()
	tc.spans[spanID] = span
	if trace, ok := tc.traces[traceID]; ok {
		trace.SpanCount++
	}
	tc.mu.Unlock()

	return ContextWithTrace(ctx, traceID, spanID), spanID
}

// EndSpan closes a span with its output and status.
func (tc *TraceCollector) EndSpan(spanID domain.SpanID, status domain.SpanStatus, output, errMsg string) {
	if tc == nil || spanID == "" {
		return
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	if span, ok := tc.spans[spanID]; ok {
		finishSpan(span, status, output, errMsg, time.Now())
	}
}

// SetSpanInput records what a span was given.
func (tc *TraceCollector) SetSpanInput(spanID domain.SpanID, input string) {
	if tc == nil || spanID == "" {
		return
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if span, ok := tc.spans[spanID]; ok {
		span.Input = truncate(input, maxInputOutput)
	}
}

// ListTraces returns summaries of recent traces, newest first. When the ring
// buffer is empty and a repository is configured, it reads from storage.
func (tc *TraceCollector) ListTraces(ctx context.Context, limit int) ([]domain.TraceSummary, error) {
	if tc == nil {
		return nil, nil
	}
	tc.mu.RLock()
	n := limit
	if n <= 0 || n > len(tc.traceOrder) {
		n = len(tc.traceOrder)
	}
	result := make([]domain.TraceSummary, 0, n)
	for i := len(tc.traceOrder) - 1; i >= 0 && len(result) < n; i-- {
		if trace, ok := tc.traces[tc.traceOrder[i]]; ok {
			result = append(result, domain.TraceSummary{
				ID:         trace.ID,
				Name:       trace.Name,
				Status:     trace.Status,
				SessionID:  trace.SessionID,
				StartTime:  trace.StartTime,
				DurationMs: trace.DurationMs,
				SpanCount:  trace.SpanCount,
			})
		}
	}
	tc.mu.RUnlock()

	if len(result) == 0 && tc.repo != nil {
		return tc.repo.ListTraces(ctx, limit)
	}
	return result, nil
}

// GetTrace returns a trace with all its spans, from memory or storage.
func (tc *TraceCollector) GetTrace(ctx context.Context, traceID domain.TraceID) (*domain.Trace, error) {
	if tc == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrTraceNotFound, traceID)
	}
	tc.mu.RLock()
	trace, ok := tc.traces[traceID]
	var result *domain.Trace
	if ok {
		result = tc.snapshotLocked(trace)
	}
	tc.mu.RUnlock()

	if result != nil {
		return result, nil
	}
	if tc.repo != nil {
		return tc.repo.GetTrace(ctx, traceID)
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrTraceNotFound, traceID)
}

// Flush waits for background persistence to finish.
func (tc *TraceCollector) Flush() {
	if tc != nil {
		tc.persist.Wait()
	}
}

func (tc *TraceCollector) snapshotLocked(trace *domain.Trace) *domain.Trace {
	cp := *trace
	cp.Spans = nil
	for _, span := range tc.spans {
		if span.TraceID == trace.ID {
			cp.Spans = append(cp.Spans, *span)
		}
	}
	return &cp
}

func (tc *TraceCollector) evictIfNeeded() {
	for len(tc.traceOrder) >= maxTraces {
		oldID := tc.traceOrder[0]
		tc.traceOrder = tc.traceOrder[1:]
		for sid, span := range tc.spans {
			if span.TraceID == oldID {
				delete(tc.spans, sid)
			}
		}
		delete(tc.traces, oldID)
	}
}

func (tc *TraceCollector) publish(sessionID domain.SessionID, kind string, data map[string]any) {
	if tc.eventBus == nil || sessionID == "" {
		return
	}
	data["event"] = kind
	payload, _ := json.Marshal(data)
	tc.eventBus.Publish(Event{
		SessionID: sessionID,
		Type:      EventTypeTrace,
		Data:      string(payload),
		Timestamp: time.Now().UnixMilli(),
	})
}

func finishSpan(span *domain.Span, status domain.SpanStatus, output, errMsg string, now time.Time) {
	span.Status = status
	if output != "" {
		span.Output = truncate(output, maxInputOutput)
	}
	span.EndTime = &now
	span.DurationMs = now.Sub(span.StartTime).Milliseconds()
	if errMsg != "" {
		span.Error = errMsg
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return cutUTF8(s, maxLen) + "...[truncated]"
}

// cutUTF8 returns the longest prefix of s no longer than n bytes that does
// not split a multi-byte character.
func cutUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
