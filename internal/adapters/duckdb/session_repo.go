package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/manthysbr/datalens/internal/core/domain"
)

// SaveSession inserts or updates a session row.
func (r *Repository) SaveSession(ctx context.Context, info domain.SessionInfo) error {
	if info.UpdatedAt.IsZero() {
		info.UpdatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, dataset_id, dataset_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			dataset_id   = excluded.dataset_id,
			dataset_name = excluded.dataset_name,
			updated_at   = excluded.updated_at`,
		string(info.ID), string(info.DatasetID), info.DatasetName, info.CreatedAt, info.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession returns the stored view of one session.
func (r *Repository) GetSession(ctx context.Context, id domain.SessionID) (domain.SessionInfo, error) {
	info := domain.SessionInfo{ID: id}
	var datasetID string
	err := r.db.QueryRowContext(ctx, `
		SELECT dataset_id, dataset_name, created_at, updated_at
		FROM sessions WHERE id = ?`, string(id),
	).Scan(&datasetID, &info.DatasetName, &info.CreatedAt, &info.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SessionInfo{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if err != nil {
		return domain.SessionInfo{}, fmt.Errorf("get session: %w", err)
	}
	info.DatasetID = domain.DatasetID(datasetID)
	return info, nil
}

// ListSessions returns all sessions, most recently used first.
func (r *Repository) ListSessions(ctx context.Context) ([]domain.SessionInfo, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, dataset_id, dataset_name, created_at, updated_at
		FROM sessions
		ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []domain.SessionInfo{}
	for rows.Next() {
		var info domain.SessionInfo
		var id, datasetID string
		if err := rows.Scan(&id, &datasetID, &info.DatasetName, &info.CreatedAt, &info.UpdatedAt); err != nil {
			return nil, err
		}
		info.ID = domain.SessionID(id)
		info.DatasetID = domain.DatasetID(datasetID)
		out = append(out, info)
	}
	return out, rows.Err()
}

// DeleteSession removes a session together with its history and charts.
func (r *Repository) DeleteSession(ctx context.Context, id domain.SessionID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM exchanges WHERE session_id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete exchanges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM charts WHERE session_id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete charts: %w", err)
	}
	return tx.Commit()
}

// AppendExchange stores one exchange at the end of the session's history.
func (r *Repository) AppendExchange(ctx context.Context, sessionID domain.SessionID, ex domain.Exchange) error {
	record, err := json.Marshal(ex.Record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO exchanges (session_id, query, record, at)
		VALUES (?, ?, ?, ?)`,
		string(sessionID), ex.Query, string(record), ex.At,
	)
	if err != nil {
		return fmt.Errorf("append exchange: %w", err)
	}
	return nil
}

// ListExchanges returns the last limit exchanges oldest first, or all of them
// when limit is not positive.
func (r *Repository) ListExchanges(ctx context.Context, sessionID domain.SessionID, limit int) ([]domain.Exchange, error) {
	query := `
		SELECT query, record, at FROM exchanges
		WHERE session_id = ?
		ORDER BY seq DESC`
	args := []any{string(sessionID)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list exchanges: %w", err)
	}
	defer rows.Close()

	var out []domain.Exchange
	for rows.Next() {
		var ex domain.Exchange
		var record string
		if err := rows.Scan(&ex.Query, &record, &ex.At); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(record), &ex.Record); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ClearExchanges empties the session's history. Charts are kept until the
// session itself is deleted.
func (r *Repository) ClearExchanges(ctx context.Context, sessionID domain.SessionID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM exchanges WHERE session_id = ?`, string(sessionID)); err != nil {
		return fmt.Errorf("clear exchanges: %w", err)
	}
	return nil
}

// SaveChart stores a rendered chart.
func (r *Repository) SaveChart(ctx context.Context, sessionID domain.SessionID, chart *domain.ChartHandle) error {
	var spec any
	if len(chart.Spec) > 0 {
		spec = string(chart.Spec)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO charts (id, session_id, mime_type, data, spec, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			mime_type = excluded.mime_type,
			data      = excluded.data,
			spec      = excluded.spec`,
		string(chart.ID), string(sessionID), chart.MIMEType, chart.Data, spec, chart.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save chart: %w", err)
	}
	return nil
}

// GetChart loads a chart of the session including its image bytes.
func (r *Repository) GetChart(ctx context.Context, sessionID domain.SessionID, id domain.ChartID) (*domain.ChartHandle, error) {
	c := &domain.ChartHandle{ID: id}
	var spec sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT mime_type, data, spec, created_at
		FROM charts WHERE id = ? AND session_id = ?`, string(id), string(sessionID),
	).Scan(&c.MIMEType, &c.Data, &spec, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrChartNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get chart: %w", err)
	}
	if spec.Valid {
		c.Spec = json.RawMessage(spec.String)
	}
	return c, nil
}

// GetSetting returns a stored setting value.
func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", domain.ErrSettingNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SaveSetting inserts or replaces a setting value.
func (r *Repository) SaveSetting(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value      = excluded.value,
			updated_at = excluded.updated_at`,
		key, value, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save setting: %w", err)
	}
	return nil
}
