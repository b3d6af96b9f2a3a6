package services

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/datalens/internal/core/domain"
)

func strPtr(s string) *string { return &s }

func TestExtractAction(t *testing.T) {
	tests := []struct {
		name  string
		trace *domain.AgentTrace
		want  *string
	}{
		{"nil trace", nil, nil},
		{"no steps", &domain.AgentTrace{Output: "5 rows"}, nil},
		{
			name:  "action without tool input",
			trace: &domain.AgentTrace{Steps: []domain.IntermediateStep{{Action: "finish"}}},
			want:  nil,
		},
		{
			name: "missing query key",
			trace: &domain.AgentTrace{Steps: []domain.IntermediateStep{
				domain.NewToolStep("python_repl_ast", map[string]any{"code": "df.head()"}, "", nil),
			}},
			want: nil,
		},
		{
			name: "non-string query",
			trace: &domain.AgentTrace{Steps: []domain.IntermediateStep{
				domain.NewToolStep("python_repl_ast", map[string]any{"query": 42}, "", nil),
			}},
			want: nil,
		},
		{
			name: "empty query",
			trace: &domain.AgentTrace{Steps: []domain.IntermediateStep{
				domain.NewToolStep("python_repl_ast", map[string]any{"query": ""}, "", nil),
			}},
			want: nil,
		},
		{
			name: "last step wins",
			trace: &domain.AgentTrace{Steps: []domain.IntermediateStep{
				domain.NewToolStep("python_repl_ast", map[string]any{"query": "df.shape"}, "", "(3, 2)"),
				domain.NewToolStep("python_repl_ast", map[string]any{"query": "plt.plot(df['y'])"}, "", ""),
			}},
			want: strPtr("plt.plot(df['y'])"),
		},
		{
			name: "earlier tool step is ignored",
			trace: &domain.AgentTrace{Steps: []domain.IntermediateStep{
				domain.NewToolStep("python_repl_ast", map[string]any{"query": "plt.plot(df['y'])"}, "", ""),
				{Action: nil, Observation: "done"},
			}},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractAction(tt.trace))
		})
	}
}

func TestActionClassifier(t *testing.T) {
	c := NewActionClassifier()

	assert.False(t, c.IsPlotAction(nil))
	assert.False(t, c.IsPlotAction(strPtr("df.describe()")))
	assert.True(t, c.IsPlotAction(strPtr("plt.bar(df['x'], df['y'])")))
	// A marker in a comment still counts.
	assert.True(t, c.IsPlotAction(strPtr("df.head() // no plt here")))

	custom := NewActionClassifier("", "chart(")
	assert.True(t, custom.IsPlotAction(strPtr("chart(df)")))
	assert.False(t, custom.IsPlotAction(strPtr("plt.plot(df['y'])")))
}

func TestAssembleResponse(t *testing.T) {
	chart := &domain.ChartHandle{ID: "chart-1"}

	t.Run("plot with chart", func(t *testing.T) {
		rec := AssembleResponse("done", strPtr("plt.plot(df['y'])"), true, chart, nil)
		require.NotNil(t, rec.Code)
		assert.Equal(t, "plt.plot(df['y'])", *rec.Code)
		assert.Same(t, chart, rec.Chart)
		assert.Nil(t, rec.DebugAction)
	})

	t.Run("plot that failed", func(t *testing.T) {
		rec := AssembleResponse("done", strPtr("plt.plot(df['z'])"), true, chart, errors.New("KeyError: 'z'"))
		require.NotNil(t, rec.Code)
		assert.Nil(t, rec.Chart)
		assert.Equal(t, "KeyError: 'z'", rec.ExecutionError)
	})

	t.Run("non plot action", func(t *testing.T) {
		rec := AssembleResponse("done", strPtr("df.describe()"), false, chart, nil)
		assert.Nil(t, rec.Code)
		assert.Nil(t, rec.Chart)
		require.NotNil(t, rec.DebugAction)
		assert.Equal(t, "df.describe()", *rec.DebugAction)
	})

	t.Run("no action", func(t *testing.T) {
		rec := AssembleResponse("5 rows", nil, true, chart, nil)
		assert.Equal(t, domain.ResponseRecord{Text: "5 rows"}, rec)
	})
}
