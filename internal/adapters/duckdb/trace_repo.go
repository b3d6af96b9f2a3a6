package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/manthysbr/datalens/internal/core/domain"
)

// SaveTrace persists a completed query trace and all its spans.
func (r *Repository) SaveTrace(ctx context.Context, trace *domain.Trace) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO traces (id, name, status, session_id, root_span_id,
		                    start_time, end_time, duration_ms, span_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status      = excluded.status,
			end_time    = excluded.end_time,
			duration_ms = excluded.duration_ms,
			span_count  = excluded.span_count`,
		string(trace.ID),
		trace.Name,
		string(trace.Status),
		trace.SessionID,
		string(trace.RootSpanID),
		trace.StartTime,
		trace.EndTime,
		trace.DurationMs,
		trace.SpanCount,
	)
	if err != nil {
		return fmt.Errorf("upsert trace: %w", err)
	}

	for _, span := range trace.Spans {
		attrJSON, _ := json.Marshal(span.Attributes)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO spans (id, trace_id, parent_id, name, kind, status,
			                   input, output, error, attributes, start_time, end_time, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				status      = excluded.status,
				output      = excluded.output,
				error       = excluded.error,
				end_time    = excluded.end_time,
				duration_ms = excluded.duration_ms`,
			string(span.ID),
			string(span.TraceID),
			string(span.ParentID),
			span.Name,
			string(span.Kind),
			string(span.Status),
			span.Input,
			span.Output,
			span.Error,
			string(attrJSON),
			span.StartTime,
			span.EndTime,
			span.DurationMs,
		)
		if err != nil {
			return fmt.Errorf("upsert span %s: %w", span.ID, err)
		}
	}

	return tx.Commit()
}

// ListTraces returns summaries of the most recent traces, newest first.
func (r *Repository) ListTraces(ctx context.Context, limit int) ([]domain.TraceSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, status, session_id, start_time,
		       COALESCE(duration_ms, 0), COALESCE(span_count, 0)
		FROM traces
		ORDER BY start_time DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	out := []domain.TraceSummary{}
	for rows.Next() {
		var s domain.TraceSummary
		var id, status string
		if err := rows.Scan(&id, &s.Name, &status, &s.SessionID, &s.StartTime, &s.DurationMs, &s.SpanCount); err != nil {
			return nil, err
		}
		s.ID = domain.TraceID(id)
		s.Status = domain.SpanStatus(status)
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetTrace returns a full trace with its spans ordered by start time.
func (r *Repository) GetTrace(ctx context.Context, id domain.TraceID) (*domain.Trace, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT name, status, session_id, root_span_id, start_time, end_time,
		       COALESCE(duration_ms, 0), COALESCE(span_count, 0)
		FROM traces WHERE id = ?`, string(id))

	t := domain.Trace{ID: id}
	var status, rootSpanID string
	var endTime sql.NullTime
	err := row.Scan(&t.Name, &status, &t.SessionID, &rootSpanID, &t.StartTime, &endTime, &t.DurationMs, &t.SpanCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTraceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get trace: %w", err)
	}
	t.Status = domain.SpanStatus(status)
	t.RootSpanID = domain.SpanID(rootSpanID)
	t.EndTime = timePtr(endTime)

	spans, err := r.loadSpans(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Spans = spans
	return &t, nil
}

func (r *Repository) loadSpans(ctx context.Context, traceID domain.TraceID) ([]domain.Span, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, parent_id, name, kind, status, input, output, error,
		       attributes, start_time, end_time, COALESCE(duration_ms, 0)
		FROM spans WHERE trace_id = ?
		ORDER BY start_time ASC`, string(traceID))
	if err != nil {
		return nil, fmt.Errorf("load spans: %w", err)
	}
	defer rows.Close()

	var out []domain.Span
	for rows.Next() {
		s := domain.Span{TraceID: traceID}
		var id, parentID, kind, status, attrJSON string
		var endTime sql.NullTime
		err := rows.Scan(
			&id, &parentID, &s.Name, &kind, &status,
			&s.Input, &s.Output, &s.Error,
			&attrJSON, &s.StartTime, &endTime, &s.DurationMs,
		)
		if err != nil {
			return nil, err
		}
		s.ID = domain.SpanID(id)
		s.ParentID = domain.SpanID(parentID)
		s.Kind = domain.SpanKind(kind)
		s.Status = domain.SpanStatus(status)
		s.EndTime = timePtr(endTime)
		if attrJSON != "" && attrJSON != "null" {
			_ = json.Unmarshal([]byte(attrJSON), &s.Attributes)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
