package domain

import (
	"context"
	"errors"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrDatasetNotFound   = errors.New("dataset not found")
	ErrChartNotFound     = errors.New("chart not found")
	ErrEmptyQuery        = errors.New("query must not be empty")
	ErrUnsupportedFormat = errors.New("unsupported dataset format")
	ErrSettingNotFound   = errors.New("setting not found")
	ErrTraceNotFound     = errors.New("trace not found")
	ErrReasoningEngine   = errors.New("reasoning engine failed")
	ErrNoEngine          = errors.New("no reasoning engine configured")
)

// ChatRole defines who authored a chat message.
type ChatRole string

const (
	RoleSystem    ChatRole = "system"
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
	RoleTool      ChatRole = "tool"
)

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON object
}

// ChatMessage is one message of a chat-model exchange.
type ChatMessage struct {
	Role       ChatRole   `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on RoleTool replies
}

// ToolSpec describes a tool the model may call.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON schema object
}

// ChatModel is a tool-calling language model.
type ChatModel interface {
	Complete(ctx context.Context, messages []ChatMessage, tools []ToolSpec) (ChatMessage, error)
}
