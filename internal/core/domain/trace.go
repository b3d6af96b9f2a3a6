package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// AgentTrace is what a reasoning engine returns for one query: the final
// answer plus the ordered tool-call steps that led to it.
type AgentTrace struct {
	Output string             `json:"output"`
	Steps  []IntermediateStep `json:"intermediate_steps"`
}

// ToolInputer is implemented by actions that carry structured tool arguments.
type ToolInputer interface {
	ToolInput() map[string]any
}

// IntermediateStep is one (action, observation) pair of a trace.
// Action is engine specific and may be nil; only actions implementing
// ToolInputer expose tool input.
type IntermediateStep struct {
	Action      any `json:"action"`
	Observation any `json:"observation"`
}

// ToolAction is a tool invocation issued by the agent.
type ToolAction struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"tool_input"`
	Log   string         `json:"log,omitempty"`
}

// ToolInput implements ToolInputer.
func (a ToolAction) ToolInput() map[string]any {
	return a.Input
}

// NewToolStep builds a step for a tool call and its observation.
func NewToolStep(tool string, input map[string]any, log string, observation any) IntermediateStep {
	return IntermediateStep{
		Action:      ToolAction{Tool: tool, Input: input, Log: log},
		Observation: observation,
	}
}

// UnmarshalJSON accepts both the pair form [action, observation] and the
// object form {"action": ..., "observation": ...}. An action is decoded as a
// ToolAction only when it is an object whose tool_input is itself an object;
// anything else is kept as the raw decoded value.
func (s *IntermediateStep) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*s = IntermediateStep{}
		return nil
	}

	var actionRaw, observationRaw json.RawMessage
	switch trimmed[0] {
	case '[':
		var pair []json.RawMessage
		if err := json.Unmarshal(trimmed, &pair); err != nil {
			return fmt.Errorf("decode step pair: %w", err)
		}
		if len(pair) > 0 {
			actionRaw = pair[0]
		}
		if len(pair) > 1 {
			observationRaw = pair[1]
		}
	case '{':
		var obj struct {
			Action      json.RawMessage `json:"action"`
			Observation json.RawMessage `json:"observation"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return fmt.Errorf("decode step object: %w", err)
		}
		actionRaw, observationRaw = obj.Action, obj.Observation
	default:
		// A scalar step carries no action at all.
		*s = IntermediateStep{}
		return nil
	}

	s.Action = decodeAction(actionRaw)
	s.Observation = decodeAny(observationRaw)
	return nil
}

func decodeAction(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var probe struct {
		Tool      string          `json:"tool"`
		ToolInput json.RawMessage `json:"tool_input"`
		Log       string          `json:"log"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && len(probe.ToolInput) > 0 {
		var input map[string]any
		if err := json.Unmarshal(probe.ToolInput, &input); err == nil && input != nil {
			return ToolAction{Tool: probe.Tool, Input: input, Log: probe.Log}
		}
	}
	return decodeAny(raw)
}

func decodeAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
