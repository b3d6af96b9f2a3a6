package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntermediateStep_UnmarshalPairForm(t *testing.T) {
	raw := `{"output":"done","intermediate_steps":[
		[{"tool":"python_repl_ast","tool_input":{"query":"plt.bar(df['x'], df['y'])"},"log":"plotting"}, "ok"]
	]}`

	var trace AgentTrace
	require.NoError(t, json.Unmarshal([]byte(raw), &trace))
	require.Len(t, trace.Steps, 1)

	action, ok := trace.Steps[0].Action.(ToolAction)
	require.True(t, ok, "action should decode as ToolAction")
	assert.Equal(t, "python_repl_ast", action.Tool)
	assert.Equal(t, "plt.bar(df['x'], df['y'])", action.Input["query"])
	assert.Equal(t, "ok", trace.Steps[0].Observation)
}

func TestIntermediateStep_UnmarshalObjectForm(t *testing.T) {
	raw := `{"action":{"tool":"python_repl_ast","tool_input":{"query":"df.shape"}},"observation":[10,2]}`

	var step IntermediateStep
	require.NoError(t, json.Unmarshal([]byte(raw), &step))

	_, ok := step.Action.(ToolInputer)
	assert.True(t, ok)
	assert.Equal(t, []any{float64(10), float64(2)}, step.Observation)
}

func TestIntermediateStep_ActionsWithoutToolInput(t *testing.T) {
	cases := map[string]string{
		"string tool_input": `[{"tool":"python_repl_ast","tool_input":"df.head()"}, null]`,
		"no tool_input":     `[{"log":"thinking"}, null]`,
		"scalar action":     `["finish", null]`,
		"empty pair":        `[]`,
		"null step":         `null`,
		"scalar step":       `42`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var step IntermediateStep
			require.NoError(t, json.Unmarshal([]byte(raw), &step))
			_, ok := step.Action.(ToolInputer)
			assert.False(t, ok)
		})
	}
}

func TestIntermediateStep_RoundTrip(t *testing.T) {
	step := NewToolStep("python_repl_ast", map[string]any{"query": "plt.plot(df['a'])"}, "", "None")

	data, err := json.Marshal(step)
	require.NoError(t, err)

	var back IntermediateStep
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, step.Action, back.Action)
}
