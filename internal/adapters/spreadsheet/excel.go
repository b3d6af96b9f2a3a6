// Package spreadsheet reads Excel workbooks into dataset columns.
package spreadsheet

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/manthysbr/datalens/internal/core/domain"
)

// ReadXLSX reads the first sheet of a workbook. The first row is the header;
// short rows are padded with empty cells.
func ReadXLSX(r io.Reader) ([]domain.Column, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %q is empty", sheets[0])
	}

	// GetRows drops trailing empty cells, so the header can be shorter than
	// the widest row.
	width := 0
	for _, row := range rows {
		width = max(width, len(row))
	}
	header := make([]string, width)
	copy(header, rows[0])

	names := headerNames(header)
	body := rows[1:]
	columns := make([]domain.Column, len(names))
	for j, name := range names {
		cells := make([]string, len(body))
		for i, row := range body {
			if j < len(row) {
				cells[i] = row[j]
			}
		}
		columns[j] = domain.InferColumn(name, cells)
	}
	return columns, nil
}

// headerNames fills blank headers and makes duplicates unique.
func headerNames(header []string) []string {
	seen := make(map[string]int, len(header))
	names := make([]string, len(header))
	for i, h := range header {
		name := strings.TrimSpace(h)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		if n := seen[name]; n > 0 {
			seen[name]++
			name = fmt.Sprintf("%s_%d", name, n+1)
		} else {
			seen[name] = 1
		}
		names[i] = name
	}
	return names
}
