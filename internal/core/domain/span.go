package domain

import "time"

// TraceID uniquely identifies an observability trace (one per handled query).
type TraceID string

// SpanID uniquely identifies a span within a trace.
type SpanID string

// SpanKind classifies the type of operation a span represents.
type SpanKind string

const (
	SpanKindQuery    SpanKind = "query"    // Root span of one user query
	SpanKindEngine   SpanKind = "engine"   // Reasoning engine invocation
	SpanKindLLM      SpanKind = "llm"      // Chat model round trip
	SpanKindTool     SpanKind = "tool"     // Agent tool execution
	SpanKindPipeline SpanKind = "pipeline" // Response pipeline stage
	SpanKindExecutor SpanKind = "executor" // Plot code execution
)

// SpanStatus indicates completion state of a span.
type SpanStatus string

const (
	SpanStatusRunning SpanStatus = "running"
	SpanStatusOK      SpanStatus = "ok"
	SpanStatusError   SpanStatus = "error"
)

// Span is a single unit of work within a trace.
type Span struct {
	ID         SpanID            `json:"id"`
	ParentID   SpanID            `json:"parent_id,omitempty"` // empty = root
	TraceID    TraceID           `json:"trace_id"`
	Name       string            `json:"name"`
	Kind       SpanKind          `json:"kind"`
	Status     SpanStatus        `json:"status"`
	Input      string            `json:"input,omitempty"`
	Output     string            `json:"output,omitempty"`
	Error      string            `json:"error,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    *time.Time        `json:"end_time,omitempty"`
	DurationMs int64             `json:"duration_ms,omitempty"`
}

// Trace groups all spans of a single query.
type Trace struct {
	ID         TraceID    `json:"id"`
	RootSpanID SpanID     `json:"root_span_id"`
	Name       string     `json:"name"`
	Status     SpanStatus `json:"status"`
	SessionID  string     `json:"session_id,omitempty"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
	SpanCount  int        `json:"span_count"`
	Spans      []Span     `json:"spans,omitempty"` // populated only on detail view
}

// TraceSummary is a lightweight view for listing traces.
type TraceSummary struct {
	ID         TraceID    `json:"id"`
	Name       string     `json:"name"`
	Status     SpanStatus `json:"status"`
	SessionID  string     `json:"session_id,omitempty"`
	StartTime  time.Time  `json:"start_time"`
	DurationMs int64      `json:"duration_ms"`
	SpanCount  int        `json:"span_count"`
}
