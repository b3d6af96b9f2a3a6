package sandbox

import (
	"encoding/json"
	"math"
)

// SeriesKind is the mark used to draw a series.
type SeriesKind string

const (
	KindBar     SeriesKind = "bar"
	KindBarH    SeriesKind = "barh"
	KindLine    SeriesKind = "line"
	KindScatter SeriesKind = "scatter"
	KindHist    SeriesKind = "hist"
	KindPie     SeriesKind = "pie"
)

// Series is one drawn data series. For bars X holds category labels, for
// lines and scatters it holds x positions; hist series only use Y.
type Series struct {
	Kind   SeriesKind `json:"kind"`
	Label  string     `json:"label,omitempty"`
	X      []any      `json:"x,omitempty"`
	Y      []float64  `json:"y"`
	Color  string     `json:"color,omitempty"`
	Bins   int        `json:"bins,omitempty"`
	Labels []string   `json:"labels,omitempty"` // pie slice labels
}

// Figure is the plotting model a script builds through plt.
type Figure struct {
	Title  string   `json:"title,omitempty"`
	XLabel string   `json:"xlabel,omitempty"`
	YLabel string   `json:"ylabel,omitempty"`
	Legend bool     `json:"legend,omitempty"`
	Grid   bool     `json:"grid,omitempty"`
	Series []Series `json:"series"`
}

// MarshalJSON writes missing and non-finite values as null, which
// encoding/json would otherwise reject.
func (s Series) MarshalJSON() ([]byte, error) {
	type plain Series
	out := struct {
		plain
		X []any      `json:"x,omitempty"`
		Y []*float64 `json:"y"`
	}{plain: plain(s), Y: make([]*float64, len(s.Y))}
	for i, v := range s.Y {
		if !missing(v) {
			out.Y[i] = &v
		}
	}
	if len(s.X) > 0 {
		out.X = make([]any, len(s.X))
		for i, x := range s.X {
			if f, ok := x.(float64); ok && missing(f) {
				continue
			}
			out.X[i] = x
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads null values back as NaN.
func (s *Series) UnmarshalJSON(data []byte) error {
	type plain Series
	in := struct {
		*plain
		Y []*float64 `json:"y"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	s.Y = make([]float64, len(in.Y))
	for i, v := range in.Y {
		s.Y[i] = math.NaN()
		if v != nil {
			s.Y[i] = *v
		}
	}
	return nil
}

// missing reports values that are not drawn: empty cells and non-finite numbers.
func missing(v float64) bool { return math.IsNaN(v) || math.IsInf(v, 0) }

// figureSlot is the "current figure" register of one script run.
type figureSlot struct {
	current *Figure
}

// active returns the current figure, creating one on first draw.
func (s *figureSlot) active() *Figure {
	if s.current == nil {
		s.current = &Figure{}
	}
	return s.current
}

// captured returns the current figure if anything was drawn on it.
func (s *figureSlot) captured() *Figure {
	if s.current == nil || len(s.current.Series) == 0 {
		return nil
	}
	return s.current
}

func (s *figureSlot) reset()   { s.current = &Figure{} }
func (s *figureSlot) discard() { s.current = nil }
