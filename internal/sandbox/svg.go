package sandbox

import (
	"bytes"
	"fmt"
	"html"
	"math"
	"strconv"
)

var palette = []string{
	"#1f77b4", "#ff7f0e", "#2ca02c", "#d62728", "#9467bd",
	"#8c564b", "#e377c2", "#7f7f7f", "#bcbd22", "#17becf",
}

const (
	marginLeft   = 64.0
	marginRight  = 24.0
	marginTop    = 40.0
	marginBottom = 56.0
)

// canvas maps data coordinates onto the plot area.
type canvas struct {
	buf          bytes.Buffer
	w, h         float64
	xmin, xmax   float64
	ymin, ymax   float64
	categories   []string
	categoricalX bool
}

func (c *canvas) px(x float64) float64 {
	if c.xmax == c.xmin {
		return marginLeft + (c.w-marginLeft-marginRight)/2
	}
	return marginLeft + (x-c.xmin)/(c.xmax-c.xmin)*(c.w-marginLeft-marginRight)
}

func (c *canvas) py(y float64) float64 {
	if c.ymax == c.ymin {
		return c.h - marginBottom
	}
	return c.h - marginBottom - (y-c.ymin)/(c.ymax-c.ymin)*(c.h-marginTop-marginBottom)
}

func (c *canvas) printf(format string, args ...any) {
	fmt.Fprintf(&c.buf, format, args...)
}

// RenderSVG draws a figure as a standalone SVG document.
func RenderSVG(fig *Figure, width, height int) []byte {
	c := &canvas{w: float64(width), h: float64(height)}
	c.printf(`<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d" font-family="sans-serif" font-size="12">`, width, height, width, height)
	c.printf(`<rect width="100%%" height="100%%" fill="#ffffff"/>`)

	if len(fig.Series) > 0 && fig.Series[0].Kind == KindPie {
		c.pie(fig.Series[0])
	} else {
		series := expandHistograms(fig.Series)
		c.fit(series)
		c.axes(fig)
		for i, s := range series {
			c.draw(s, i, len(series))
		}
		if fig.Legend {
			c.legend(series)
		}
	}

	if fig.Title != "" {
		c.printf(`<text x="%.1f" y="24" text-anchor="middle" font-size="15">%s</text>`, c.w/2, html.EscapeString(fig.Title))
	}
	c.printf(`</svg>`)
	return c.buf.Bytes()
}

// expandHistograms turns hist series into bar series over bin centers.
func expandHistograms(in []Series) []Series {
	out := make([]Series, 0, len(in))
	for _, s := range in {
		if s.Kind != KindHist {
			out = append(out, s)
			continue
		}
		lo, hi := bounds(s.Y)
		bins := max(s.Bins, 1)
		counts := make([]float64, bins)
		width := (hi - lo) / float64(bins)
		for _, v := range s.Y {
			if missing(v) {
				continue
			}
			i := bins - 1
			if width > 0 {
				i = min(int((v-lo)/width), bins-1)
			}
			counts[i]++
		}
		labels := make([]any, bins)
		for i := range labels {
			labels[i] = formatTick(lo + width*(float64(i)+0.5))
		}
		out = append(out, Series{Kind: KindBar, Label: s.Label, X: labels, Y: counts, Color: s.Color})
	}
	return out
}

func (c *canvas) fit(series []Series) {
	c.ymin, c.ymax = 0, 0
	first := true
	for _, s := range series {
		if s.Kind == KindBar || s.Kind == KindBarH {
			c.categoricalX = true
		}
		lo, hi := bounds(s.Y)
		if first {
			c.ymin, c.ymax, first = lo, hi, false
		} else {
			c.ymin, c.ymax = math.Min(c.ymin, lo), math.Max(c.ymax, hi)
		}
	}
	if c.categoricalX {
		c.ymin = math.Min(c.ymin, 0)
	}
	if c.ymax == c.ymin {
		c.ymax = c.ymin + 1
	}

	numericX := true
	for _, s := range series {
		for _, x := range s.X {
			if _, ok := x.(float64); !ok {
				numericX = false
			}
		}
	}
	if c.categoricalX || !numericX {
		c.categoricalX = true
		seen := map[string]bool{}
		for _, s := range series {
			for _, x := range s.X {
				label := fmt.Sprint(x)
				if !seen[label] {
					seen[label] = true
					c.categories = append(c.categories, label)
				}
			}
		}
		c.xmin, c.xmax = -0.5, float64(len(c.categories))-0.5
		return
	}

	first = true
	for _, s := range series {
		for _, x := range s.X {
			v := x.(float64)
			if missing(v) {
				continue
			}
			if first {
				c.xmin, c.xmax, first = v, v, false
			} else {
				c.xmin, c.xmax = math.Min(c.xmin, v), math.Max(c.xmax, v)
			}
		}
	}
}

func (c *canvas) axes(fig *Figure) {
	left, right := marginLeft, c.w-marginRight
	top, bottom := marginTop, c.h-marginBottom

	for i := 0; i <= 5; i++ {
		v := c.ymin + (c.ymax-c.ymin)*float64(i)/5
		y := c.py(v)
		if fig.Grid {
			c.printf(`<line x1="%.1f" y1="%.1f" x2="%.1f" y2="%.1f" stroke="#e0e0e0"/>`, left, y, right, y)
		}
		c.printf(`<text x="%.1f" y="%.1f" text-anchor="end">%s</text>`, left-6, y+4, formatTick(v))
	}
	if c.categoricalX {
		for i, label := range c.categories {
			c.printf(`<text x="%.1f" y="%.1f" text-anchor="middle">%s</text>`, c.px(float64(i)), bottom+16, html.EscapeString(label))
		}
	} else {
		for i := 0; i <= 5; i++ {
			v := c.xmin + (c.xmax-c.xmin)*float64(i)/5
			c.printf(`<text x="%.1f" y="%.1f" text-anchor="middle">%s</text>`, c.px(v), bottom+16, formatTick(v))
		}
	}

	c.printf(`<line x1="%.1f" y1="%.1f" x2="%.1f" y2="%.1f" stroke="#333"/>`, left, bottom, right, bottom)
	c.printf(`<line x1="%.1f" y1="%.1f" x2="%.1f" y2="%.1f" stroke="#333"/>`, left, top, left, bottom)

	if fig.XLabel != "" {
		c.printf(`<text x="%.1f" y="%.1f" text-anchor="middle">%s</text>`, (left+right)/2, c.h-12, html.EscapeString(fig.XLabel))
	}
	if fig.YLabel != "" {
		c.printf(`<text transform="translate(16 %.1f) rotate(-90)" text-anchor="middle">%s</text>`, (top+bottom)/2, html.EscapeString(fig.YLabel))
	}
}

// xpos returns NaN for points whose x position cannot be drawn.
func (c *canvas) xpos(s Series, i int) float64 {
	if !c.categoricalX {
		if x := s.X[i].(float64); !missing(x) {
			return c.px(x)
		}
		return math.NaN()
	}
	label := fmt.Sprint(s.X[i])
	for j, cat := range c.categories {
		if cat == label {
			return c.px(float64(j))
		}
	}
	return c.px(float64(i))
}

func (c *canvas) draw(s Series, index, total int) {
	color := s.Color
	if color == "" {
		color = palette[index%len(palette)]
	}
	color = html.EscapeString(color)

	switch s.Kind {
	case KindBar, KindBarH:
		slot := (c.px(1) - c.px(0)) * 0.8
		bw := slot / float64(total)
		for i, v := range s.Y {
			if missing(v) {
				continue
			}
			x := c.xpos(s, i) - slot/2 + bw*float64(index)
			y0, y1 := c.py(math.Max(v, 0)), c.py(math.Min(v, 0))
			c.printf(`<rect x="%.1f" y="%.1f" width="%.1f" height="%.1f" fill="%s"/>`, x, y0, bw, y1-y0, color)
		}
	case KindLine:
		c.printf(`<polyline fill="none" stroke="%s" stroke-width="2" points="`, color)
		for i, v := range s.Y {
			x := c.xpos(s, i)
			if missing(v) || missing(x) {
				continue
			}
			c.printf("%.1f,%.1f ", x, c.py(v))
		}
		c.printf(`"/>`)
	case KindScatter:
		for i, v := range s.Y {
			x := c.xpos(s, i)
			if missing(v) || missing(x) {
				continue
			}
			c.printf(`<circle cx="%.1f" cy="%.1f" r="3.5" fill="%s"/>`, x, c.py(v), color)
		}
	}
}

func (c *canvas) legend(series []Series) {
	x := c.w - marginRight - 140
	y := marginTop + 8
	for i, s := range series {
		if s.Label == "" {
			continue
		}
		color := s.Color
		if color == "" {
			color = palette[i%len(palette)]
		}
		c.printf(`<rect x="%.1f" y="%.1f" width="10" height="10" fill="%s"/>`, x, y, html.EscapeString(color))
		c.printf(`<text x="%.1f" y="%.1f">%s</text>`, x+16, y+9, html.EscapeString(s.Label))
		y += 16
	}
}

func (c *canvas) pie(s Series) {
	cx, cy := c.w/2, (c.h+marginTop)/2
	r := math.Min(c.w, c.h-marginTop)/2 - 24
	total := 0.0
	for _, v := range s.Y {
		if !missing(v) && v > 0 {
			total += v
		}
	}
	if total == 0 {
		return
	}
	angle := -math.Pi / 2
	for i, v := range s.Y {
		if missing(v) || v <= 0 {
			continue
		}
		sweep := v / total * 2 * math.Pi
		x0, y0 := cx+r*math.Cos(angle), cy+r*math.Sin(angle)
		x1, y1 := cx+r*math.Cos(angle+sweep), cy+r*math.Sin(angle+sweep)
		large := 0
		if sweep > math.Pi {
			large = 1
		}
		if sweep >= 2*math.Pi-1e-9 {
			c.printf(`<circle cx="%.1f" cy="%.1f" r="%.1f" fill="%s"/>`, cx, cy, r, palette[i%len(palette)])
		} else {
			c.printf(`<path d="M%.1f,%.1f L%.1f,%.1f A%.1f,%.1f 0 %d 1 %.1f,%.1f Z" fill="%s"/>`,
				cx, cy, x0, y0, r, r, large, x1, y1, palette[i%len(palette)])
		}
		if i < len(s.Labels) {
			mid := angle + sweep/2
			c.printf(`<text x="%.1f" y="%.1f" text-anchor="middle">%s</text>`,
				cx+(r+14)*math.Cos(mid), cy+(r+14)*math.Sin(mid), html.EscapeString(s.Labels[i]))
		}
		angle += sweep
	}
}

func bounds(vs []float64) (lo, hi float64) {
	first := true
	for _, v := range vs {
		if missing(v) {
			continue
		}
		if first {
			lo, hi, first = v, v, false
			continue
		}
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	return lo, hi
}

func formatTick(v float64) string {
	if math.Abs(v) >= 1e6 || (v != 0 && math.Abs(v) < 1e-3) {
		return strconv.FormatFloat(v, 'e', 1, 64)
	}
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}
