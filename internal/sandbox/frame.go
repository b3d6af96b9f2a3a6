package sandbox

import (
	"fmt"
	"math"
	"sort"

	"github.com/grafana/sobek"

	"github.com/manthysbr/datalens/internal/core/domain"
)

// protocolKeys are looked up by the runtime itself (string conversion,
// JSON encoding, iteration); they must resolve to undefined instead of
// raising like an unknown column would.
var protocolKeys = map[string]bool{
	"toString": true, "valueOf": true, "toJSON": true, "toLocaleString": true,
	"constructor": true, "then": true,
}

// frame exposes a dataset as df. df['col'] yields the column as an array,
// plus a few helpers that mirror the usual dataframe vocabulary.
type frame struct {
	vm      *sobek.Runtime
	ds      *domain.Dataset
	methods map[string]sobek.Value
}

func newFrame(vm *sobek.Runtime, ds *domain.Dataset) *sobek.Object {
	f := &frame{vm: vm, ds: ds}
	f.methods = map[string]sobek.Value{
		"col":      vm.ToValue(f.col),
		"head":     vm.ToValue(f.head),
		"describe": vm.ToValue(f.describe),
		"columns":  vm.ToValue(ds.ColumnNames()),
		"shape":    vm.ToValue([]any{ds.RowCount, len(ds.Columns)}),
		"length":   vm.ToValue(ds.RowCount),
	}
	return vm.NewDynamicObject(f)
}

func (f *frame) Get(key string) sobek.Value {
	if col, ok := f.ds.Column(key); ok {
		return f.series(col)
	}
	if m, ok := f.methods[key]; ok {
		return m
	}
	if protocolKeys[key] {
		return nil
	}
	throw(f.vm, "KeyError", "'%s'", key)
	return nil
}

func (f *frame) Set(string, sobek.Value) bool { return false }

func (f *frame) Has(key string) bool {
	_, col := f.ds.Column(key)
	_, m := f.methods[key]
	return col || m
}

func (f *frame) Delete(string) bool { return false }

func (f *frame) Keys() []string { return f.ds.ColumnNames() }

// series builds a fresh array per access so scripts cannot write back
// into the dataset.
func (f *frame) series(col domain.Column) sobek.Value {
	values := make([]any, len(col.Values))
	copy(values, col.Values)
	arr := f.vm.NewArray(values...)

	numbers := func() []float64 {
		out := make([]float64, 0, len(values))
		for _, v := range values {
			if n, ok := toFloat(v); ok && !math.IsNaN(n) {
				out = append(out, n)
			}
		}
		return out
	}
	reduce := func(fn func([]float64) float64) func() sobek.Value {
		return func() sobek.Value {
			ns := numbers()
			if len(ns) == 0 {
				return f.vm.ToValue(math.NaN())
			}
			return f.vm.ToValue(fn(ns))
		}
	}

	_ = arr.Set("name", col.Name)
	_ = arr.Set("sum", reduce(sum))
	_ = arr.Set("mean", reduce(mean))
	_ = arr.Set("min", reduce(func(ns []float64) float64 { return quantile(ns, 0) }))
	_ = arr.Set("max", reduce(func(ns []float64) float64 { return quantile(ns, 1) }))
	_ = arr.Set("median", reduce(func(ns []float64) float64 { return quantile(ns, 0.5) }))
	_ = arr.Set("count", func() int { return len(numbers()) })
	_ = arr.Set("tolist", func() []any { return values })
	_ = arr.Set("unique", func() []any { return unique(values) })
	_ = arr.Set("value_counts", func() map[string]any { return valueCounts(values) })
	return arr
}

func (f *frame) col(call sobek.FunctionCall) sobek.Value {
	name := call.Argument(0).String()
	c, ok := f.ds.Column(name)
	if !ok {
		throw(f.vm, "KeyError", "'%s'", name)
	}
	return f.series(c)
}

func (f *frame) head(call sobek.FunctionCall) sobek.Value {
	n := 5
	if arg := call.Argument(0); !sobek.IsUndefined(arg) {
		n = int(arg.ToInteger())
	}
	rows := f.ds.Head(n)
	names := f.ds.ColumnNames()
	out := make([]any, len(rows))
	for i, row := range rows {
		rec := make(map[string]any, len(names))
		for j, name := range names {
			rec[name] = row[j]
		}
		out[i] = rec
	}
	return f.vm.ToValue(out)
}

// describe summarizes the numeric columns the same way a dataframe does.
func (f *frame) describe(sobek.FunctionCall) sobek.Value {
	out := map[string]any{}
	for _, col := range f.ds.Columns {
		if col.Type != domain.ColumnNumber {
			continue
		}
		var ns []float64
		for _, v := range col.Values {
			if n, ok := toFloat(v); ok && !math.IsNaN(n) {
				ns = append(ns, n)
			}
		}
		if len(ns) == 0 {
			continue
		}
		out[col.Name] = map[string]any{
			"count": len(ns),
			"mean":  mean(ns),
			"std":   stddev(ns),
			"min":   quantile(ns, 0),
			"25%":   quantile(ns, 0.25),
			"50%":   quantile(ns, 0.5),
			"75%":   quantile(ns, 0.75),
			"max":   quantile(ns, 1),
		}
	}
	return f.vm.ToValue(out)
}

func sum(ns []float64) float64 {
	var s float64
	for _, n := range ns {
		s += n
	}
	return s
}

func mean(ns []float64) float64 { return sum(ns) / float64(len(ns)) }

// stddev is the sample standard deviation.
func stddev(ns []float64) float64 {
	if len(ns) < 2 {
		return math.NaN()
	}
	m := mean(ns)
	var acc float64
	for _, n := range ns {
		acc += (n - m) * (n - m)
	}
	return math.Sqrt(acc / float64(len(ns)-1))
}

// quantile uses linear interpolation between closest ranks.
func quantile(ns []float64, q float64) float64 {
	sorted := append([]float64(nil), ns...)
	sort.Float64s(sorted)
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

func unique(values []any) []any {
	seen := map[string]bool{}
	var out []any
	for _, v := range values {
		k := fmt.Sprint(v)
		if !seen[k] {
			seen[k] = true
			out = append(out, v)
		}
	}
	return out
}

func valueCounts(values []any) map[string]any {
	counts := map[string]any{}
	for _, v := range values {
		k := fmt.Sprint(v)
		n, _ := counts[k].(int)
		counts[k] = n + 1
	}
	return counts
}
