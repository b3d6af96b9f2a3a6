package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/manthysbr/datalens/internal/core/domain"
	"github.com/manthysbr/datalens/internal/core/ports"
)

// ResponseStore persists what the pipeline produces. Failures are logged and
// never reach the caller.
type ResponseStore interface {
	AppendExchange(ctx context.Context, sessionID domain.SessionID, ex domain.Exchange) error
	SaveChart(ctx context.Context, sessionID domain.SessionID, chart *domain.ChartHandle) error
}

// QueryPipeline turns a reasoning trace into the record shown to the user
// and appended to the session history. It is the only place plot code is
// executed.
type QueryPipeline struct {
	logger     *slog.Logger
	executor   ports.CodeExecutor
	classifier *ActionClassifier

	store   ResponseStore
	tracer  *TraceCollector
	bus     *EventBus
	metrics *PipelineMetrics
}

type PipelineOption func(*QueryPipeline)

func WithResponseStore(s ResponseStore) PipelineOption {
	return func(p *QueryPipeline) { p.store = s }
}

func WithTracer(tc *TraceCollector) PipelineOption {
	return func(p *QueryPipeline) { p.tracer = tc }
}

func WithEventBus(b *EventBus) PipelineOption {
	return func(p *QueryPipeline) { p.bus = b }
}

func WithMetrics(m *PipelineMetrics) PipelineOption {
	return func(p *QueryPipeline) { p.metrics = m }
}

func NewQueryPipeline(logger *slog.Logger, executor ports.CodeExecutor, classifier *ActionClassifier, opts ...PipelineOption) *QueryPipeline {
	if classifier == nil {
		classifier = NewActionClassifier()
	}
	p := &QueryPipeline{
		logger:     logger,
		executor:   executor,
		classifier: classifier,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle processes one answered query for sess. A nil trace is handled as an
// answer with no text and no steps. Execution failures are recorded on the
// returned record; Handle itself cannot fail.
func (p *QueryPipeline) Handle(ctx context.Context, query string, trace *domain.AgentTrace, sess *domain.Session) domain.ResponseRecord {
	start := time.Now()

	var output string
	if trace != nil {
		output = trace.Output
	}

	_, extractSpan := p.tracer.StartSpan(ctx, "pipeline.extract", domain.SpanKindPipeline, nil)
	action := ExtractAction(trace)
	isPlot := p.classifier.IsPlotAction(action)
	p.tracer.EndSpan(extractSpan, domain.SpanStatusOK, fmt.Sprintf("action=%t plot=%t", action != nil, isPlot), "")

	var (
		chart   *domain.ChartHandle
		execErr error
	)
	switch {
	case isPlot:
		p.metrics.incPlotAction()
		chart, execErr = p.execute(ctx, *action, sess)
	case action != nil:
		p.logger.Debug("action is not plotting code, not executed", "session_id", sess.ID, "action", *action)
	}

	rec := AssembleResponse(output, action, isPlot, chart, execErr)
	if rec.Code != nil {
		rec.Language = p.executor.Language()
	}

	ex := sess.History.Append(query, rec)
	p.persist(ctx, sess.ID, ex)

	p.metrics.observeQuery(outcomeOf(rec), time.Since(start).Seconds())
	return rec
}

func (p *QueryPipeline) execute(ctx context.Context, code string, sess *domain.Session) (*domain.ChartHandle, error) {
	ctx, span := p.tracer.StartSpan(ctx, "pipeline.execute", domain.SpanKindExecutor, map[string]string{
		"language": p.executor.Language(),
	})
	p.tracer.SetSpanInput(span, code)
	p.bus.PublishStatus(sess.ID, StatusExecuting, nil)

	chart, err := p.executor.Execute(ctx, code, sess.Dataset)
	if err != nil {
		p.tracer.EndSpan(span, domain.SpanStatusError, "", err.Error())
		p.metrics.incFailure()
		p.logger.Warn("plot execution failed", "session_id", sess.ID, "error", err)
		p.bus.PublishStatus(sess.ID, StatusExecutionFailed, map[string]any{"error": err.Error()})
		return nil, err
	}

	if chart == nil {
		p.tracer.EndSpan(span, domain.SpanStatusOK, "no figure", "")
		return nil, nil
	}

	p.tracer.EndSpan(span, domain.SpanStatusOK, string(chart.ID), "")
	p.metrics.incChart()
	p.bus.PublishStatus(sess.ID, StatusChartReady, map[string]any{"chart_id": chart.ID})
	return chart, nil
}

func (p *QueryPipeline) persist(ctx context.Context, sessionID domain.SessionID, ex domain.Exchange) {
	if p.store == nil {
		return
	}
	// The answer is already in memory; finish writing it even if the
	// caller has gone away.
	ctx = context.WithoutCancel(ctx)

	if ex.Record.Chart != nil {
		if err := p.store.SaveChart(ctx, sessionID, ex.Record.Chart); err != nil {
			p.logger.Warn("failed to persist chart", "session_id", sessionID, "chart_id", ex.Record.Chart.ID, "error", err)
		}
	}
	if err := p.store.AppendExchange(ctx, sessionID, ex); err != nil {
		p.logger.Warn("failed to persist exchange", "session_id", sessionID, "error", err)
	}
}

func outcomeOf(rec domain.ResponseRecord) string {
	switch {
	case rec.ExecutionError != "":
		return OutcomeError
	case rec.Chart != nil:
		return OutcomeChart
	case rec.Code != nil:
		return OutcomeCode
	default:
		return OutcomeText
	}
}
