package services

import "github.com/manthysbr/datalens/internal/core/domain"

// ToolInputQueryKey is the tool input field that carries the code an agent
// step ran.
const ToolInputQueryKey = "query"

// ExtractAction returns the code submitted by the final step of the trace,
// or nil when there is none. Only the last step is consulted; earlier
// exploratory steps are ignored.
func ExtractAction(trace *domain.AgentTrace) *string {
	if trace == nil || len(trace.Steps) == 0 {
		return nil
	}

	inputer, ok := trace.Steps[len(trace.Steps)-1].Action.(domain.ToolInputer)
	if !ok {
		return nil
	}
	input := inputer.ToolInput()
	if input == nil {
		return nil
	}

	// An empty or non-text query means there is nothing worth executing.
	code, ok := input[ToolInputQueryKey].(string)
	if !ok || code == "" {
		return nil
	}
	return &code
}
