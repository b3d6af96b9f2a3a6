package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/manthysbr/datalens/internal/core/ports"
)

// Repository stores datasets, sessions, history, charts, settings and traces
// in one DuckDB database. Dataset rows live in one table per dataset.
type Repository struct {
	db *sql.DB
}

// Ensure Repository implements Repository interface
var _ ports.Repository = (*Repository)(nil)

// NewRepository opens (or creates) the database at path and applies the
// schema. An empty path opens a private in-memory database.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	r := &Repository{db: db}
	if err := r.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS datasets (
		id         VARCHAR PRIMARY KEY,
		name       VARCHAR NOT NULL,
		table_name VARCHAR NOT NULL,
		row_count  BIGINT NOT NULL,
		columns    VARCHAR NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id           VARCHAR PRIMARY KEY,
		dataset_id   VARCHAR NOT NULL,
		dataset_name VARCHAR NOT NULL,
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL
	)`,
	`CREATE SEQUENCE IF NOT EXISTS exchange_seq`,
	`CREATE TABLE IF NOT EXISTS exchanges (
		seq        BIGINT DEFAULT nextval('exchange_seq'),
		session_id VARCHAR NOT NULL,
		query      VARCHAR NOT NULL,
		record     VARCHAR NOT NULL,
		at         TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS charts (
		id         VARCHAR PRIMARY KEY,
		session_id VARCHAR NOT NULL,
		mime_type  VARCHAR NOT NULL,
		data       BLOB NOT NULL,
		spec       VARCHAR,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key        VARCHAR PRIMARY KEY,
		value      VARCHAR NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS traces (
		id           VARCHAR PRIMARY KEY,
		name         VARCHAR NOT NULL,
		status       VARCHAR NOT NULL,
		session_id   VARCHAR NOT NULL,
		root_span_id VARCHAR NOT NULL,
		start_time   TIMESTAMP NOT NULL,
		end_time     TIMESTAMP,
		duration_ms  BIGINT,
		span_count   INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS spans (
		id          VARCHAR PRIMARY KEY,
		trace_id    VARCHAR NOT NULL,
		parent_id   VARCHAR NOT NULL,
		name        VARCHAR NOT NULL,
		kind        VARCHAR NOT NULL,
		status      VARCHAR NOT NULL,
		input       VARCHAR NOT NULL,
		output      VARCHAR NOT NULL,
		error       VARCHAR NOT NULL,
		attributes  VARCHAR NOT NULL,
		start_time  TIMESTAMP NOT NULL,
		end_time    TIMESTAMP,
		duration_ms BIGINT
	)`,
}

func (r *Repository) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}
