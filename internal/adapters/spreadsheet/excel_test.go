package spreadsheet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/manthysbr/datalens/internal/core/domain"
)

func workbook(t *testing.T, cells map[string]any) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for ref, v := range cells {
		require.NoError(t, f.SetCellValue("Sheet1", ref, v))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf
}

func TestReadXLSX(t *testing.T) {
	buf := workbook(t, map[string]any{
		"A1": "region", "B1": "sales", "C1": "",
		"A2": "north", "B2": 10,
		"A3": "south", "B3": 12.5, "C3": "x",
	})

	cols, err := ReadXLSX(buf)
	require.NoError(t, err)
	require.Len(t, cols, 3)

	assert.Equal(t, "region", cols[0].Name)
	assert.Equal(t, domain.ColumnString, cols[0].Type)
	assert.Equal(t, []any{"north", "south"}, cols[0].Values)

	assert.Equal(t, domain.ColumnNumber, cols[1].Type)
	assert.Equal(t, []any{10.0, 12.5}, cols[1].Values)

	assert.Equal(t, "column_3", cols[2].Name)
	assert.Equal(t, []any{nil, "x"}, cols[2].Values)
}

func TestReadXLSX_Errors(t *testing.T) {
	_, err := ReadXLSX(bytes.NewBufferString("not a workbook"))
	assert.Error(t, err)

	_, err = ReadXLSX(workbook(t, nil))
	assert.Error(t, err)
}

func TestHeaderNames(t *testing.T) {
	assert.Equal(t, []string{"a", "a_2", "column_3", "a_3"}, headerNames([]string{"a", "a", " ", "a"}))
}
