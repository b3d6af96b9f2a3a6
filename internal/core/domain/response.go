package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChartID identifies a rendered chart.
type ChartID string

// NewChartID returns a fresh chart identifier.
func NewChartID() ChartID {
	return ChartID("chart-" + uuid.New().String())
}

// ChartHandle is an in-memory reference to a rendered figure.
type ChartHandle struct {
	ID        ChartID         `json:"id"`
	MIMEType  string          `json:"mime_type"`
	Data      []byte          `json:"-"`
	Spec      json.RawMessage `json:"spec,omitempty"` // figure model the image was rendered from, if any
	CreatedAt time.Time       `json:"created_at"`
}

// ResponseRecord is the normalized answer to one query, as stored in history.
//
// Chart is only ever set together with Code.
type ResponseRecord struct {
	Text     string       `json:"text"`
	Code     *string      `json:"code,omitempty"`
	Language string       `json:"language,omitempty"`
	Chart    *ChartHandle `json:"chart,omitempty"`

	// DebugAction keeps a non-plot action for display only; it is never executed.
	DebugAction *string `json:"debug_action,omitempty"`

	// ExecutionError is the reason plot code failed, empty on success.
	ExecutionError string `json:"execution_error,omitempty"`
}

// HasChart reports whether the record carries a rendered chart.
func (r ResponseRecord) HasChart() bool {
	return r.Chart != nil
}

// Markdown renders the record the way a chat transcript shows it: the answer
// followed by the executed code in a fenced block.
func (r ResponseRecord) Markdown() string {
	if r.Code == nil {
		return r.Text
	}
	lang := r.Language
	if lang == "" {
		lang = "python"
	}
	var sb strings.Builder
	sb.Grow(len(r.Text) + len(*r.Code) + 16)
	sb.WriteString(r.Text)
	sb.WriteString("\n```")
	sb.WriteString(lang)
	sb.WriteByte('\n')
	sb.WriteString(*r.Code)
	sb.WriteString("\n```")
	return sb.String()
}

// ExecutionError reports why plot code could not produce a chart.
type ExecutionError struct {
	Reason string
}

func (e *ExecutionError) Error() string {
	return "execution failed: " + e.Reason
}
