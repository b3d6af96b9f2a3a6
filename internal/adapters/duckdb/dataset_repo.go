package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/marcboeker/go-duckdb"

	"github.com/manthysbr/datalens/internal/core/domain"
)

func tableFor(id domain.DatasetID) string {
	return "ds_" + strings.ReplaceAll(string(id), "-", "_")
}

// columnMeta is the stored column header; values live in the dataset table.
type columnMeta struct {
	Name string            `json:"name"`
	Type domain.ColumnType `json:"type"`
}

// ImportCSV lets DuckDB sniff and load the CSV file, then reads the table
// back as a dataset.
func (r *Repository) ImportCSV(ctx context.Context, name, path string) (*domain.Dataset, error) {
	id := domain.NewDatasetID()
	table := tableFor(id)

	create := fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM read_csv_auto(%s)", quoteIdent(table), quoteLiteral(path))
	if _, err := r.db.ExecContext(ctx, create); err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}

	cols, err := r.describeTable(ctx, table)
	if err != nil {
		return nil, err
	}
	ds, err := r.loadTable(ctx, id, name, table, cols)
	if err != nil {
		return nil, err
	}
	if err := r.saveDatasetMeta(ctx, ds, table); err != nil {
		return nil, err
	}
	return ds, nil
}

// SaveDataset creates the dataset table and bulk loads it with the appender.
func (r *Repository) SaveDataset(ctx context.Context, ds *domain.Dataset) error {
	table := tableFor(ds.ID)

	defs := make([]string, len(ds.Columns))
	for i, c := range ds.Columns {
		defs[i] = quoteIdent(c.Name) + " " + sqlType(c.Type)
	}
	create := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), strings.Join(defs, ", "))
	if _, err := r.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create dataset table: %w", err)
	}

	conn, err := r.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	err = conn.Raw(func(driverConn any) error {
		appender, err := duckdb.NewAppenderFromConn(driverConn.(driver.Conn), "", table)
		if err != nil {
			return err
		}
		row := make([]driver.Value, len(ds.Columns))
		for i := 0; i < ds.RowCount; i++ {
			for j, c := range ds.Columns {
				row[j] = appendValue(c.Type, c.Values[i])
			}
			if err := appender.AppendRow(row...); err != nil {
				appender.Close()
				return fmt.Errorf("row %d: %w", i, err)
			}
		}
		return appender.Close()
	})
	if err != nil {
		return fmt.Errorf("append dataset rows: %w", err)
	}

	return r.saveDatasetMeta(ctx, ds, table)
}

func (r *Repository) saveDatasetMeta(ctx context.Context, ds *domain.Dataset, table string) error {
	meta := make([]columnMeta, len(ds.Columns))
	for i, c := range ds.Columns {
		meta[i] = columnMeta{Name: c.Name, Type: c.Type}
	}
	colsJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode columns: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO datasets (id, name, table_name, row_count, columns, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name      = excluded.name,
			row_count = excluded.row_count,
			columns   = excluded.columns`,
		string(ds.ID), ds.Name, table, ds.RowCount, string(colsJSON), ds.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save dataset: %w", err)
	}
	return nil
}

// GetDataset loads a dataset with all its rows.
func (r *Repository) GetDataset(ctx context.Context, id domain.DatasetID) (*domain.Dataset, error) {
	var name, table, colsJSON string
	var createdAt time.Time
	err := r.db.QueryRowContext(ctx,
		`SELECT name, table_name, columns, created_at FROM datasets WHERE id = ?`, string(id),
	).Scan(&name, &table, &colsJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrDatasetNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset: %w", err)
	}

	var cols []columnMeta
	if err := json.Unmarshal([]byte(colsJSON), &cols); err != nil {
		return nil, fmt.Errorf("decode columns: %w", err)
	}
	ds, err := r.loadTable(ctx, id, name, table, cols)
	if err != nil {
		return nil, err
	}
	ds.CreatedAt = createdAt
	return ds, nil
}

// DeleteDataset drops the dataset table and its metadata.
func (r *Repository) DeleteDataset(ctx context.Context, id domain.DatasetID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM datasets WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("delete dataset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrDatasetNotFound, id)
	}
	if _, err := r.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(tableFor(id))); err != nil {
		return fmt.Errorf("drop dataset table: %w", err)
	}
	return nil
}

func (r *Repository) describeTable(ctx context.Context, table string) ([]columnMeta, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_name = ?
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	defer rows.Close()

	var out []columnMeta
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, err
		}
		out = append(out, columnMeta{Name: name, Type: columnType(typ)})
	}
	return out, rows.Err()
}

func (r *Repository) loadTable(ctx context.Context, id domain.DatasetID, name, table string, meta []columnMeta) (*domain.Dataset, error) {
	quoted := make([]string, len(meta))
	for i, c := range meta {
		quoted[i] = quoteIdent(c.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY rowid", strings.Join(quoted, ", "), quoteIdent(table))
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read dataset table: %w", err)
	}
	defer rows.Close()

	cols := make([]domain.Column, len(meta))
	for i, c := range meta {
		cols[i] = domain.Column{Name: c.Name, Type: c.Type}
	}

	vals := make([]any, len(meta))
	ptrs := make([]any, len(meta))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan dataset row: %w", err)
		}
		for i, v := range vals {
			cols[i].Values = append(cols[i].Values, normalize(v))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return domain.NewDataset(id, name, cols)
}

// columnType maps a DuckDB type name onto a column type.
func columnType(duckType string) domain.ColumnType {
	t := strings.ToUpper(duckType)
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	switch t {
	case "TINYINT", "SMALLINT", "INTEGER", "BIGINT", "HUGEINT",
		"UTINYINT", "USMALLINT", "UINTEGER", "UBIGINT", "UHUGEINT",
		"FLOAT", "DOUBLE", "REAL", "DECIMAL", "NUMERIC":
		return domain.ColumnNumber
	case "BOOLEAN":
		return domain.ColumnBool
	case "DATE", "TIME":
		return domain.ColumnTime
	}
	if strings.HasPrefix(t, "TIMESTAMP") {
		return domain.ColumnTime
	}
	return domain.ColumnString
}

func sqlType(t domain.ColumnType) string {
	switch t {
	case domain.ColumnNumber:
		return "DOUBLE"
	case domain.ColumnBool:
		return "BOOLEAN"
	case domain.ColumnTime:
		return "TIMESTAMP"
	default:
		return "VARCHAR"
	}
}

// appendValue coerces a cell to the Go type the appender expects for the
// column's SQL type.
func appendValue(t domain.ColumnType, v any) driver.Value {
	if v == nil {
		return nil
	}
	switch t {
	case domain.ColumnNumber:
		if f, ok := normalize(v).(float64); ok && !math.IsNaN(f) {
			return f
		}
		return nil
	case domain.ColumnBool, domain.ColumnTime:
		return v
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// normalize converts scanned values to the dataset's cell types: numbers are
// float64, text is string.
func normalize(v any) any {
	switch n := v.(type) {
	case nil, string, bool, float64, time.Time:
		return n
	case float32:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case []byte:
		return string(n)
	case interface{ Float64() float64 }:
		return n.Float64()
	case fmt.Stringer:
		return n.String()
	}
	if f, err := strconv.ParseFloat(fmt.Sprint(v), 64); err == nil {
		return f
	}
	return fmt.Sprint(v)
}
