package sandbox

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/grafana/sobek"
)

// pyplot is the plt namespace of one runtime. Drawing calls mutate its
// current figure, which lives and dies with the run.
type pyplot struct {
	vm   *sobek.Runtime
	slot figureSlot
}

func newPyplot(vm *sobek.Runtime) *pyplot {
	return &pyplot{vm: vm}
}

func (p *pyplot) namespace() *sobek.Object {
	obj := p.vm.NewObject()

	fns := map[string]func(sobek.FunctionCall) sobek.Value{
		"bar":     p.bar,
		"barh":    p.barh,
		"plot":    p.plot,
		"scatter": p.scatter,
		"hist":    p.hist,
		"pie":     p.pie,
		"title":   p.text(func(f *Figure, s string) { f.Title = s }),
		"xlabel":  p.text(func(f *Figure, s string) { f.XLabel = s }),
		"ylabel":  p.text(func(f *Figure, s string) { f.YLabel = s }),
		"legend":  p.legend,
		"grid":    p.grid,
		"figure":  p.figure,
		"clf":     p.figure,
		"close":   p.close,

		// Layout and output calls have nothing to do in this model.
		"show":         p.noop,
		"savefig":      p.noop,
		"tight_layout": p.noop,
		"xticks":       p.noop,
		"yticks":       p.noop,
	}
	for name, fn := range fns {
		_ = obj.Set(name, fn)
	}
	return obj
}

// plotArgs splits a call into positional values and a trailing options
// object, the script-side spelling of keyword arguments.
type plotArgs struct {
	pos []any
	kw  map[string]any
}

func (p *pyplot) args(call sobek.FunctionCall) plotArgs {
	a := plotArgs{kw: map[string]any{}}
	for i, v := range call.Arguments {
		if sobek.IsUndefined(v) || sobek.IsNull(v) {
			a.pos = append(a.pos, nil)
			continue
		}
		exported := v.Export()
		if m, ok := exported.(map[string]any); ok && i == len(call.Arguments)-1 {
			a.kw = m
			continue
		}
		a.pos = append(a.pos, exported)
	}
	return a
}

func (a plotArgs) at(i int) any {
	if i < len(a.pos) {
		return a.pos[i]
	}
	return nil
}

func (a plotArgs) str(key string) string {
	if s, ok := a.kw[key].(string); ok {
		return s
	}
	return ""
}

// style reads a color from the options or from a trailing format string
// such as 'r-' or 'green'.
func (a plotArgs) style(from int) string {
	if c := a.str("color"); c != "" {
		return c
	}
	for _, v := range a.pos[min(from, len(a.pos)):] {
		if s, ok := v.(string); ok {
			return parseColor(s)
		}
	}
	return ""
}

func (p *pyplot) bar(call sobek.FunctionCall) sobek.Value {
	p.categorical(KindBar, "height", call)
	return sobek.Undefined()
}

func (p *pyplot) barh(call sobek.FunctionCall) sobek.Value {
	p.categorical(KindBarH, "width", call)
	return sobek.Undefined()
}

func (p *pyplot) categorical(kind SeriesKind, valueName string, call sobek.FunctionCall) {
	a := p.args(call)
	if len(a.pos) < 2 {
		throw(p.vm, "TypeError", "%s() missing required argument: '%s'", kind, valueName)
	}
	labels := p.sequence(a.at(0), "x")
	values := p.floats(a.at(1), valueName)
	if len(labels) != len(values) {
		throw(p.vm, "ValueError", "shape mismatch: %d labels but %d values", len(labels), len(values))
	}
	p.add(Series{Kind: kind, Label: a.str("label"), X: labels, Y: values, Color: a.style(2)})
}

func (p *pyplot) plot(call sobek.FunctionCall) sobek.Value {
	p.xy(KindLine, call)
	return sobek.Undefined()
}

func (p *pyplot) scatter(call sobek.FunctionCall) sobek.Value {
	a := p.args(call)
	if len(a.pos) < 2 {
		throw(p.vm, "TypeError", "scatter() missing required argument: 'y'")
	}
	p.xy(KindScatter, call)
	return sobek.Undefined()
}

// xy handles plot(y), plot(x, y) and plot(x, y, fmt).
func (p *pyplot) xy(kind SeriesKind, call sobek.FunctionCall) {
	a := p.args(call)
	if len(a.pos) == 0 {
		throw(p.vm, "TypeError", "%s() missing required argument: 'y'", kind)
	}

	var xs []any
	var ys []float64
	styleFrom := 1
	if _, isFmt := a.at(1).(string); len(a.pos) == 1 || isFmt {
		ys = p.floats(a.at(0), "y")
		xs = make([]any, len(ys))
		for i := range xs {
			xs[i] = float64(i)
		}
	} else {
		xs = numericPositions(p.sequence(a.at(0), "x"))
		ys = p.floats(a.at(1), "y")
		styleFrom = 2
	}
	if len(xs) != len(ys) {
		throw(p.vm, "ValueError", "x and y must have same first dimension, but have shapes (%d,) and (%d,)", len(xs), len(ys))
	}
	p.add(Series{Kind: kind, Label: a.str("label"), X: xs, Y: ys, Color: a.style(styleFrom)})
}

func (p *pyplot) hist(call sobek.FunctionCall) sobek.Value {
	a := p.args(call)
	if len(a.pos) == 0 {
		throw(p.vm, "TypeError", "hist() missing required argument: 'x'")
	}
	bins := 10
	if n, ok := toFloat(a.kw["bins"]); ok && n >= 1 {
		bins = int(n)
	} else if n, ok := toFloat(a.at(1)); ok && n >= 1 {
		bins = int(n)
	}
	p.add(Series{Kind: KindHist, Label: a.str("label"), Y: p.floats(a.at(0), "x"), Bins: bins, Color: a.str("color")})
	return sobek.Undefined()
}

func (p *pyplot) pie(call sobek.FunctionCall) sobek.Value {
	a := p.args(call)
	if len(a.pos) == 0 {
		throw(p.vm, "TypeError", "pie() missing required argument: 'x'")
	}
	values := p.floats(a.at(0), "x")
	var labels []string
	if raw, ok := a.kw["labels"]; ok {
		for _, l := range p.sequence(raw, "labels") {
			labels = append(labels, fmt.Sprint(l))
		}
	}
	if labels != nil && len(labels) != len(values) {
		throw(p.vm, "ValueError", "'label' must be of length 'x'")
	}
	p.add(Series{Kind: KindPie, Y: values, Labels: labels})
	return sobek.Undefined()
}

func (p *pyplot) text(set func(*Figure, string)) func(sobek.FunctionCall) sobek.Value {
	return func(call sobek.FunctionCall) sobek.Value {
		set(p.slot.active(), call.Argument(0).String())
		return sobek.Undefined()
	}
}

func (p *pyplot) legend(sobek.FunctionCall) sobek.Value {
	p.slot.active().Legend = true
	return sobek.Undefined()
}

func (p *pyplot) grid(call sobek.FunctionCall) sobek.Value {
	on := true
	if arg := call.Argument(0); !sobek.IsUndefined(arg) {
		on = arg.ToBoolean()
	}
	p.slot.active().Grid = on
	return sobek.Undefined()
}

func (p *pyplot) figure(sobek.FunctionCall) sobek.Value {
	p.slot.reset()
	return sobek.Undefined()
}

func (p *pyplot) close(sobek.FunctionCall) sobek.Value {
	p.slot.discard()
	return sobek.Undefined()
}

func (p *pyplot) noop(sobek.FunctionCall) sobek.Value {
	return sobek.Undefined()
}

func (p *pyplot) add(s Series) {
	fig := p.slot.active()
	fig.Series = append(fig.Series, s)
}

func (p *pyplot) sequence(v any, name string) []any {
	switch s := v.(type) {
	case []any:
		return s
	case nil:
		throw(p.vm, "TypeError", "'%s' must be a sequence", name)
	case map[string]any:
		throw(p.vm, "TypeError", "'%s' must be a sequence, not an object", name)
	}
	return []any{v}
}

func (p *pyplot) floats(v any, name string) []float64 {
	items := p.sequence(v, name)
	out := make([]float64, len(items))
	for i, item := range items {
		f, ok := toFloat(item)
		if !ok {
			throw(p.vm, "TypeError", "'%s' values must be numeric, got %q", name, fmt.Sprint(item))
		}
		out[i] = f
	}
	return out
}

// numericPositions converts x values to float64 when every one of them is a
// number, so they plot on a continuous axis. Anything else stays categorical.
func numericPositions(xs []any) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		switch x.(type) {
		case float64, float32, int64, int, int32:
			out[i], _ = toFloat(x)
		default:
			return xs
		}
	}
	return out
}

// toFloat converts a script value to a number. Missing values become NaN;
// they and non-finite numbers are skipped when drawing.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case nil:
		return math.NaN(), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

var shortColors = map[byte]string{
	'b': "#1f77b4", 'g': "#2ca02c", 'r': "#d62728", 'c': "#17becf",
	'm': "#9467bd", 'y': "#bcbd22", 'k': "#000000", 'w': "#ffffff",
}

func parseColor(s string) string {
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "#") || len(s) > 3 {
		return s
	}
	if c, ok := shortColors[s[0]]; ok {
		return c
	}
	return ""
}
