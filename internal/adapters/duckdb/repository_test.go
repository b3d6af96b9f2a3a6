package duckdb

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/datalens/internal/core/domain"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository("")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sampleDataset(t *testing.T) *domain.Dataset {
	t.Helper()
	ds, err := domain.NewDataset(domain.NewDatasetID(), "sales.xlsx", []domain.Column{
		{Name: "region", Type: domain.ColumnString, Values: []any{"north", "south", nil}},
		{Name: "total", Type: domain.ColumnNumber, Values: []any{10.5, 3.0, 7.25}},
		{Name: "open", Type: domain.ColumnBool, Values: []any{true, false, true}},
	})
	require.NoError(t, err)
	return ds
}

func TestRepository_Datasets(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	ds := sampleDataset(t)

	require.NoError(t, repo.SaveDataset(ctx, ds))

	got, err := repo.GetDataset(ctx, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, ds.Name, got.Name)
	assert.Equal(t, 3, got.RowCount)
	assert.Equal(t, []string{"region", "total", "open"}, got.ColumnNames())

	region, _ := got.Column("region")
	assert.Equal(t, []any{"north", "south", nil}, region.Values)
	total, _ := got.Column("total")
	assert.Equal(t, domain.ColumnNumber, total.Type)
	assert.Equal(t, []any{10.5, 3.0, 7.25}, total.Values)
	open, _ := got.Column("open")
	assert.Equal(t, []any{true, false, true}, open.Values)

	require.NoError(t, repo.DeleteDataset(ctx, ds.ID))
	_, err = repo.GetDataset(ctx, ds.ID)
	assert.ErrorIs(t, err, domain.ErrDatasetNotFound)
	assert.ErrorIs(t, repo.DeleteDataset(ctx, ds.ID), domain.ErrDatasetNotFound)
}

func TestRepository_ImportCSV(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "upload.csv")
	require.NoError(t, os.WriteFile(path, []byte("city,visits\nLisbon,12\nPorto,7\n"), 0o644))

	ds, err := repo.ImportCSV(ctx, "visits.csv", path)
	require.NoError(t, err)
	assert.Equal(t, "visits.csv", ds.Name)
	assert.Equal(t, 2, ds.RowCount)

	visits, ok := ds.Column("visits")
	require.True(t, ok)
	assert.Equal(t, domain.ColumnNumber, visits.Type)
	assert.Equal(t, []any{12.0, 7.0}, visits.Values)

	reloaded, err := repo.GetDataset(ctx, ds.ID)
	require.NoError(t, err)
	city, _ := reloaded.Column("city")
	assert.Equal(t, []any{"Lisbon", "Porto"}, city.Values)
}

func TestRepository_SessionsAndHistory(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	created := time.Now().UTC().Truncate(time.Millisecond)
	info := domain.SessionInfo{
		ID:          domain.NewSessionID(),
		DatasetID:   domain.NewDatasetID(),
		DatasetName: "sales.csv",
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	require.NoError(t, repo.SaveSession(ctx, info))

	got, err := repo.GetSession(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, info.DatasetID, got.DatasetID)
	assert.Equal(t, "sales.csv", got.DatasetName)

	code := "plt.bar(df['x'], df['y'])"
	for _, q := range []string{"first", "second", "third"} {
		rec := domain.ResponseRecord{Text: "answer to " + q, Code: &code, Language: "javascript"}
		require.NoError(t, repo.AppendExchange(ctx, info.ID, domain.Exchange{Query: q, Record: rec, At: time.Now()}))
	}

	all, err := repo.ListExchanges(ctx, info.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "first", all[0].Query)
	assert.Equal(t, code, *all[2].Record.Code)

	last, err := repo.ListExchanges(ctx, info.ID, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "second", last[0].Query)
	assert.Equal(t, "third", last[1].Query)

	require.NoError(t, repo.ClearExchanges(ctx, info.ID))
	all, err = repo.ListExchanges(ctx, info.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, all)

	sessions, err := repo.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	require.NoError(t, repo.DeleteSession(ctx, info.ID))
	_, err = repo.GetSession(ctx, info.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestRepository_Charts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	sid := domain.NewSessionID()

	chart := &domain.ChartHandle{
		ID:        domain.NewChartID(),
		MIMEType:  "image/svg+xml",
		Data:      []byte("<svg></svg>"),
		Spec:      json.RawMessage(`{"title":"t"}`),
		CreatedAt: time.Now(),
	}
	require.NoError(t, repo.SaveChart(ctx, sid, chart))

	got, err := repo.GetChart(ctx, sid, chart.ID)
	require.NoError(t, err)
	assert.Equal(t, chart.Data, got.Data)
	assert.JSONEq(t, `{"title":"t"}`, string(got.Spec))

	_, err = repo.GetChart(ctx, domain.NewSessionID(), chart.ID)
	assert.ErrorIs(t, err, domain.ErrChartNotFound)
}

func TestRepository_Settings(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.GetSetting(ctx, "llm")
	assert.ErrorIs(t, err, domain.ErrSettingNotFound)

	require.NoError(t, repo.SaveSetting(ctx, "llm", "a"))
	require.NoError(t, repo.SaveSetting(ctx, "llm", "b"))
	v, err := repo.GetSetting(ctx, "llm")
	require.NoError(t, err)
	assert.Equal(t, "b", v)
}

func TestRepository_Traces(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	start := time.Now().UTC()
	end := start.Add(120 * time.Millisecond)
	trace := &domain.Trace{
		ID:         "trace-1",
		RootSpanID: "span-root",
		Name:       "query: total by region",
		Status:     domain.SpanStatusOK,
		SessionID:  "sess-1",
		StartTime:  start,
		EndTime:    &end,
		DurationMs: 120,
		SpanCount:  2,
		Spans: []domain.Span{
			{ID: "span-root", TraceID: "trace-1", Name: "query", Kind: domain.SpanKindQuery, Status: domain.SpanStatusOK, StartTime: start, EndTime: &end},
			{ID: "span-exec", TraceID: "trace-1", ParentID: "span-root", Name: "pipeline.execute", Kind: domain.SpanKindExecutor,
				Status: domain.SpanStatusError, Error: "KeyError: 'y'", Attributes: map[string]string{"language": "javascript"},
				StartTime: start.Add(time.Millisecond)},
		},
	}
	require.NoError(t, repo.SaveTrace(ctx, trace))

	list, err := repo.ListTraces(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sess-1", list[0].SessionID)
	assert.Equal(t, int64(120), list[0].DurationMs)

	got, err := repo.GetTrace(ctx, "trace-1")
	require.NoError(t, err)
	require.Len(t, got.Spans, 2)
	assert.Equal(t, domain.SpanID("span-root"), got.Spans[1].ParentID)
	assert.Equal(t, "javascript", got.Spans[1].Attributes["language"])
	assert.Nil(t, got.Spans[1].EndTime)

	_, err = repo.GetTrace(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTraceNotFound)
}
