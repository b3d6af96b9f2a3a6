package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DatasetID uniquely identifies an uploaded dataset.
type DatasetID string

// NewDatasetID returns a fresh dataset identifier.
func NewDatasetID() DatasetID {
	return DatasetID(uuid.New().String())
}

// ColumnType is the inferred logical type of a column.
type ColumnType string

const (
	ColumnNumber ColumnType = "number"
	ColumnString ColumnType = "string"
	ColumnBool   ColumnType = "bool"
	ColumnTime   ColumnType = "time"
)

// Column holds one named column of values. Values are float64, string,
// bool, time.Time or nil for missing cells.
type Column struct {
	Name   string     `json:"name"`
	Type   ColumnType `json:"type"`
	Values []any      `json:"-"`
}

// Dataset is an in-memory column-oriented table. Once built it is treated
// as immutable.
type Dataset struct {
	ID        DatasetID `json:"id"`
	Name      string    `json:"name"`
	Columns   []Column  `json:"columns"`
	RowCount  int       `json:"row_count"`
	CreatedAt time.Time `json:"created_at"`

	index map[string]int
}

// NewDataset validates that all columns have the same length and indexes
// them by name.
func NewDataset(id DatasetID, name string, columns []Column) (*Dataset, error) {
	ds := &Dataset{
		ID:        id,
		Name:      name,
		Columns:   columns,
		CreatedAt: time.Now(),
		index:     make(map[string]int, len(columns)),
	}
	for i, c := range columns {
		if _, dup := ds.index[c.Name]; dup {
			return nil, fmt.Errorf("duplicate column %q", c.Name)
		}
		if i == 0 {
			ds.RowCount = len(c.Values)
		} else if len(c.Values) != ds.RowCount {
			return nil, fmt.Errorf("column %q has %d values, want %d", c.Name, len(c.Values), ds.RowCount)
		}
		ds.index[c.Name] = i
	}
	return ds, nil
}

// Column returns the named column.
func (d *Dataset) Column(name string) (Column, bool) {
	i, ok := d.index[name]
	if !ok {
		return Column{}, false
	}
	return d.Columns[i], true
}

// ColumnNames returns column names in table order.
func (d *Dataset) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// Row returns the values of row i in column order.
func (d *Dataset) Row(i int) []any {
	row := make([]any, len(d.Columns))
	for j, c := range d.Columns {
		row[j] = c.Values[i]
	}
	return row
}

// Head returns the first n rows.
func (d *Dataset) Head(n int) [][]any {
	if n > d.RowCount || n < 0 {
		n = d.RowCount
	}
	rows := make([][]any, n)
	for i := 0; i < n; i++ {
		rows[i] = d.Row(i)
	}
	return rows
}

// InferColumn builds a column from raw text cells. The column is numeric
// when every non-empty cell parses as a number, boolean when every one is
// true/false, and text otherwise. Empty cells become nil.
func InferColumn(name string, cells []string) Column {
	numeric, boolean := true, true
	for _, c := range cells {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, err := strconv.ParseFloat(c, 64); err != nil {
			numeric = false
		}
		if _, err := strconv.ParseBool(strings.ToLower(c)); err != nil || isDigitBool(c) {
			boolean = false
		}
	}

	col := Column{Name: name, Type: ColumnString, Values: make([]any, len(cells))}
	switch {
	case numeric:
		col.Type = ColumnNumber
	case boolean:
		col.Type = ColumnBool
	}
	for i, c := range cells {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		switch col.Type {
		case ColumnNumber:
			col.Values[i], _ = strconv.ParseFloat(c, 64)
		case ColumnBool:
			col.Values[i], _ = strconv.ParseBool(strings.ToLower(c))
		default:
			col.Values[i] = c
		}
	}
	return col
}

// isDigitBool reports cells strconv.ParseBool accepts that are numbers here.
func isDigitBool(c string) bool { return c == "1" || c == "0" }
