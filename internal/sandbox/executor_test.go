package sandbox

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/datalens/internal/core/domain"
)

func testDataset(t *testing.T) *domain.Dataset {
	t.Helper()
	ds, err := domain.NewDataset(domain.NewDatasetID(), "sales.csv", []domain.Column{
		{Name: "x", Type: domain.ColumnString, Values: []any{"a", "b", "c"}},
		{Name: "y", Type: domain.ColumnNumber, Values: []any{1.0, 4.0, 2.0}},
	})
	require.NoError(t, err)
	return ds
}

func newTestExecutor() *Executor {
	return NewExecutor(slog.New(slog.NewTextHandler(io.Discard, nil)), Options{Timeout: 2 * time.Second})
}

func TestExecute_BarChart(t *testing.T) {
	e := newTestExecutor()

	chart, err := e.Execute(context.Background(), "plt.bar(df['x'], df['y'])", testDataset(t))
	require.NoError(t, err)
	require.NotNil(t, chart)

	assert.Equal(t, MIMEType, chart.MIMEType)
	assert.True(t, strings.HasPrefix(string(chart.Data), "<svg"))

	var fig Figure
	require.NoError(t, json.Unmarshal(chart.Spec, &fig))
	require.Len(t, fig.Series, 1)
	assert.Equal(t, KindBar, fig.Series[0].Kind)
	assert.Equal(t, []any{"a", "b", "c"}, fig.Series[0].X)
	assert.Equal(t, []float64{1, 4, 2}, fig.Series[0].Y)
}

func TestExecute_FigureDoesNotLeakIntoNextCall(t *testing.T) {
	e := newTestExecutor()
	ds := testDataset(t)

	chart, err := e.Execute(context.Background(), "plt.plot(df['y'])", ds)
	require.NoError(t, err)
	require.NotNil(t, chart)

	chart, err = e.Execute(context.Background(), "df['y'].length", ds)
	require.NoError(t, err)
	assert.Nil(t, chart)
}

func TestExecute_Failures(t *testing.T) {
	tests := []struct {
		name   string
		code   string
		reason string
	}{
		{"missing column", "plt.bar(df['x'], df['missing'])", "KeyError: 'missing'"},
		{"syntax error", "plt.bar(df['x'], ", "SyntaxError"},
		{"non numeric heights", "plt.bar(df['x'], df['x'])", "TypeError"},
		{"shape mismatch", "plt.bar(df['x'], [1, 2])", "ValueError"},
		{"no require", "require('fs')", "ReferenceError"},
		{"no console", "console.log(1)", "ReferenceError"},
	}

	e := newTestExecutor()
	ds := testDataset(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chart, err := e.Execute(context.Background(), tt.code, ds)
			assert.Nil(t, chart)

			var execErr *domain.ExecutionError
			require.ErrorAs(t, err, &execErr)
			assert.Contains(t, execErr.Reason, tt.reason)
		})
	}
}

func TestExecute_FailedRunLeavesNoFigure(t *testing.T) {
	e := newTestExecutor()
	ds := testDataset(t)

	_, err := e.Execute(context.Background(), "plt.plot(df['y']); throw new Error('boom')", ds)
	require.Error(t, err)

	chart, err := e.Execute(context.Background(), "plt.title('empty')", ds)
	require.NoError(t, err)
	assert.Nil(t, chart, "titles alone do not make a chart")
}

func TestExecute_TimeoutInterruptsScript(t *testing.T) {
	e := NewExecutor(slog.New(slog.NewTextHandler(io.Discard, nil)), Options{Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := e.Execute(context.Background(), "for (;;) {}", testDataset(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interrupted")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecute_StripsImportLines(t *testing.T) {
	e := newTestExecutor()
	code := "import matplotlib.pyplot as plt\nfrom pandas import DataFrame\nplt.scatter(df['y'], df['y'])"

	chart, err := e.Execute(context.Background(), code, testDataset(t))
	require.NoError(t, err)
	assert.NotNil(t, chart)
}

func TestExecute_MissingCellsStillChart(t *testing.T) {
	e := newTestExecutor()
	ds, err := domain.NewDataset(domain.NewDatasetID(), "gaps.csv", []domain.Column{
		domain.InferColumn("x", []string{"a", "b", "c"}),
		domain.InferColumn("y", []string{"1", "", "2"}),
	})
	require.NoError(t, err)

	for _, code := range []string{
		"plt.bar(df['x'], df['y'])",
		"plt.plot(df['y'])",
		"plt.scatter([0, 1, 2], df['y'])",
		"plt.hist(df['y'])",
		"plt.pie(df['y'])",
	} {
		t.Run(code, func(t *testing.T) {
			chart, err := e.Execute(context.Background(), code, ds)
			require.NoError(t, err)
			require.NotNil(t, chart)
			assert.NotContains(t, string(chart.Data), "NaN")
			assert.True(t, json.Valid(chart.Spec))
		})
	}

	chart, err := e.Execute(context.Background(), "plt.bar(df['x'], df['y'])", ds)
	require.NoError(t, err)
	assert.Contains(t, string(chart.Spec), `"y":[1,null,2]`)
}

func TestExecute_NonFiniteValues(t *testing.T) {
	e := newTestExecutor()
	ds := testDataset(t)

	tests := map[string]string{
		"hist with infinity":    "plt.hist([1, 2, Infinity])",
		"line with NaN":         "plt.plot([0, 1, 2], [1, NaN, 3])",
		"bar with -infinity":    "plt.bar(['a', 'b'], [-Infinity, 2])",
		"scatter at infinite x": "plt.scatter([0, Infinity], [1, 2])",
	}
	for name, code := range tests {
		t.Run(name, func(t *testing.T) {
			chart, err := e.Execute(context.Background(), code, ds)
			require.NoError(t, err)
			require.NotNil(t, chart)

			svg := string(chart.Data)
			assert.NotContains(t, svg, "NaN")
			assert.NotContains(t, svg, "Inf")

			var fig Figure
			require.NoError(t, json.Unmarshal(chart.Spec, &fig))
			require.Len(t, fig.Series, 1)
		})
	}
}

func TestSeries_JSONRoundTripKeepsGaps(t *testing.T) {
	data, err := json.Marshal(Series{Kind: KindLine, X: []any{0.0, math.Inf(1)}, Y: []float64{math.NaN(), 2}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"line","x":[0,null],"y":[null,2]}`, string(data))

	var s Series
	require.NoError(t, json.Unmarshal(data, &s))
	require.Len(t, s.Y, 2)
	assert.True(t, math.IsNaN(s.Y[0]))
	assert.Equal(t, 2.0, s.Y[1])
}

func TestExecute_RunsDoNotBlockEachOther(t *testing.T) {
	e := NewExecutor(slog.New(slog.NewTextHandler(io.Discard, nil)), Options{Timeout: 3 * time.Second})
	ds := testDataset(t)

	slow := make(chan error, 1)
	go func() {
		_, err := e.Evaluate(context.Background(), "while (true) {}", ds)
		slow <- err
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	chart, err := e.Execute(context.Background(), "plt.bar(df['x'], df['y'])", ds)
	require.NoError(t, err)
	require.NotNil(t, chart)
	assert.Less(t, time.Since(start), time.Second)

	require.Error(t, <-slow)
}

func TestEvaluate(t *testing.T) {
	e := newTestExecutor()
	ds := testDataset(t)

	tests := map[string]string{
		"df.shape":             "[3,2]",
		"df.columns":           `["x","y"]`,
		"df['y'].mean()":       "2.3333333333333335",
		"df['y'].max()":        "4",
		"df['x'].unique()":     `["a","b","c"]`,
		"'rows: ' + df.length": "rows: 3",
		"var z = 1":            "",
	}
	for code, want := range tests {
		t.Run(code, func(t *testing.T) {
			got, err := e.Evaluate(context.Background(), code, ds)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestFrame_ProtocolKeysDoNotRaise(t *testing.T) {
	e := newTestExecutor()

	got, err := e.Evaluate(context.Background(), "typeof df.toJSON", testDataset(t))
	require.NoError(t, err)
	assert.Equal(t, "undefined", got)
}

func TestRenderSVG_Kinds(t *testing.T) {
	figs := map[string]*Figure{
		"line":    {Series: []Series{{Kind: KindLine, X: []any{0.0, 1.0, 2.0}, Y: []float64{1, 3, 2}}}},
		"hist":    {Series: []Series{{Kind: KindHist, Y: []float64{1, 2, 2, 3, 9}, Bins: 3}}},
		"pie":     {Series: []Series{{Kind: KindPie, Y: []float64{1, 1}, Labels: []string{"a", "b"}}}},
		"flat":    {Series: []Series{{Kind: KindBar, X: []any{"a"}, Y: []float64{0}}}},
		"escaped": {Title: "<b>&", Series: []Series{{Kind: KindScatter, X: []any{1.0}, Y: []float64{1}}}},
	}
	for name, fig := range figs {
		t.Run(name, func(t *testing.T) {
			svg := string(RenderSVG(fig, 320, 200))
			assert.True(t, strings.HasPrefix(svg, "<svg"))
			assert.True(t, strings.HasSuffix(svg, "</svg>"))
			assert.NotContains(t, svg, "NaN")
			assert.NotContains(t, svg, "<b>")
		})
	}
}
