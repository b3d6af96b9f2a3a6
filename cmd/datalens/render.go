package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/dustin/go-humanize"

	"github.com/manthysbr/datalens/internal/core/domain"
)

// printer writes answers to a terminal and charts to a directory.
type printer struct {
	w      io.Writer
	outDir string
	md     *glamour.TermRenderer
}

func newPrinter(w io.Writer, outDir string) *printer {
	md, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"), // avoid OSC background queries
		glamour.WithWordWrap(100),
	)
	return &printer{w: w, outDir: outDir, md: md}
}

func (p *printer) dataset(ds *domain.Dataset) {
	names := make([]string, 0, len(ds.Columns))
	for _, c := range ds.Columns {
		names = append(names, fmt.Sprintf("%s (%s)", c.Name, c.Type))
	}
	fmt.Fprintf(p.w, "Loaded %s: %s rows, %d columns\n  %s\n\n",
		ds.Name, humanize.Comma(int64(ds.RowCount)), len(ds.Columns), strings.Join(names, ", "))
}

func (p *printer) answer(query string, rec domain.ResponseRecord) error {
	doc := "## " + query + "\n\n" + rec.Markdown()
	if rec.DebugAction != nil {
		doc += "\n\n> last action (not run): `" + strings.ReplaceAll(*rec.DebugAction, "`", "'") + "`"
	}
	p.print(doc)

	if rec.ExecutionError != "" {
		fmt.Fprintf(p.w, "chart failed: %s\n", rec.ExecutionError)
	}
	if rec.Chart == nil {
		return nil
	}
	path, err := writeChart(p.outDir, rec.Chart)
	if err != nil {
		return err
	}
	fmt.Fprintf(p.w, "chart saved to %s (%s)\n\n", path, humanize.Bytes(uint64(len(rec.Chart.Data))))
	return nil
}

func (p *printer) print(markdown string) {
	if p.md != nil {
		if out, err := p.md.Render(markdown); err == nil {
			fmt.Fprint(p.w, out)
			return
		}
	}
	fmt.Fprintln(p.w, markdown)
}

// writeChart stores the chart as <id>.<ext> in dir and returns the path.
func writeChart(dir string, chart *domain.ChartHandle) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(dir, string(chart.ID)+chartExt(chart.MIMEType))
	if err := os.WriteFile(path, chart.Data, 0o644); err != nil {
		return "", fmt.Errorf("write chart: %w", err)
	}
	return path, nil
}

func chartExt(mimeType string) string {
	switch mimeType {
	case "image/svg+xml":
		return ".svg"
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	default:
		return ".bin"
	}
}
