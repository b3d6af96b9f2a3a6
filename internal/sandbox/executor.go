// Package sandbox runs plotting snippets in an embedded script runtime.
//
// Each call gets a fresh runtime whose only non-standard globals are plt,
// a pyplot-style drawing namespace, and df, the session dataset. There is
// no module loader, filesystem, network or console.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/grafana/sobek"

	"github.com/manthysbr/datalens/internal/core/domain"
)

const (
	PlotBinding    = "plt"
	DatasetBinding = "df"

	// Language is the dialect snippets run as.
	Language = "javascript"

	MIMEType = "image/svg+xml"
)

// Options tunes the executor.
type Options struct {
	Timeout time.Duration
	Width   int
	Height  int
}

// DefaultOptions returns the settings used when none are configured.
func DefaultOptions() Options {
	return Options{Timeout: 10 * time.Second, Width: 640, Height: 420}
}

// Executor evaluates code against a dataset and captures the figure it draws.
// It is safe for concurrent use; every run gets its own runtime and figure.
type Executor struct {
	logger *slog.Logger
	opts   Options
}

func NewExecutor(logger *slog.Logger, opts Options) *Executor {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Width <= 0 {
		opts.Width = def.Width
	}
	if opts.Height <= 0 {
		opts.Height = def.Height
	}
	return &Executor{logger: logger, opts: opts}
}

func (e *Executor) Language() string { return Language }

// Execute runs code and returns the chart it drew, or nil when the code
// finished without drawing anything.
func (e *Executor) Execute(ctx context.Context, code string, ds *domain.Dataset) (*domain.ChartHandle, error) {
	start := time.Now()
	_, plt, err := e.run(ctx, code, ds)
	if err != nil {
		e.logger.Debug("plot code failed", "error", err, "duration", time.Since(start))
		return nil, err
	}

	fig := plt.slot.captured()
	if fig == nil {
		return nil, nil
	}

	chart := &domain.ChartHandle{
		ID:        domain.NewChartID(),
		MIMEType:  MIMEType,
		Data:      RenderSVG(fig, e.opts.Width, e.opts.Height),
		CreatedAt: time.Now(),
	}
	if spec, err := json.Marshal(fig); err == nil {
		chart.Spec = spec
	} else {
		e.logger.Warn("figure model not encodable, keeping image only", "chart_id", chart.ID, "error", err)
	}
	e.logger.Debug("chart rendered", "chart_id", chart.ID, "series", len(fig.Series), "duration", time.Since(start))
	return chart, nil
}

// Evaluate runs code and returns its completion value as text, the way an
// interactive shell echoes the last expression. Figures are discarded.
func (e *Executor) Evaluate(ctx context.Context, code string, ds *domain.Dataset) (string, error) {
	v, _, err := e.run(ctx, code, ds)
	if err != nil {
		return "", err
	}
	return formatValue(v), nil
}

func (e *Executor) run(ctx context.Context, code string, ds *domain.Dataset) (result sobek.Value, plt *pyplot, err error) {
	if ds == nil {
		return nil, nil, &domain.ExecutionError{Reason: "no dataset loaded"}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, &domain.ExecutionError{Reason: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	vm := sobek.New()
	plt = newPyplot(vm)
	if err := vm.Set(PlotBinding, plt.namespace()); err != nil {
		return nil, nil, fmt.Errorf("bind %s: %w", PlotBinding, err)
	}
	if err := vm.Set(DatasetBinding, newFrame(vm, ds)); err != nil {
		return nil, nil, fmt.Errorf("bind %s: %w", DatasetBinding, err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in script runtime", "panic", r)
			result, plt, err = nil, nil, &domain.ExecutionError{Reason: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	v, runErr := vm.RunString(stripImports(code))
	if runErr != nil {
		return nil, nil, describe(runErr)
	}
	return v, plt, nil
}

// describe reduces a runtime error to the one-line reason shown to users.
func describe(err error) error {
	var interrupted *sobek.InterruptedError
	if errors.As(err, &interrupted) {
		return &domain.ExecutionError{Reason: fmt.Sprintf("interrupted: %v", interrupted.Value())}
	}
	var exc *sobek.Exception
	if errors.As(err, &exc) {
		return &domain.ExecutionError{Reason: exc.Value().String()}
	}
	return &domain.ExecutionError{Reason: err.Error()}
}

// throw raises a script-side error with the given name from a Go callback.
func throw(vm *sobek.Runtime, name, format string, args ...any) {
	e := vm.NewTypeError(fmt.Sprintf(format, args...))
	if name != "TypeError" {
		_ = e.Set("name", name)
	}
	panic(e)
}

// Models habitually open snippets with import lines; they carry no meaning
// here and would otherwise be syntax errors.
var importLine = regexp.MustCompile(`^\s*(import\s+\S+.*|from\s+\S+\s+import\s+.*)$`)

func stripImports(code string) string {
	lines := strings.Split(code, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if !importLine.MatchString(l) {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

func formatValue(v sobek.Value) string {
	if v == nil || sobek.IsUndefined(v) {
		return ""
	}
	if sobek.IsNull(v) {
		return "null"
	}
	switch exported := v.Export().(type) {
	case string:
		return exported
	case bool, int64, float64:
		return v.String()
	default:
		if data, err := json.Marshal(exported); err == nil {
			return string(data)
		}
	}
	return v.String()
}
