package ports

import (
	"context"
	"io"

	"github.com/manthysbr/datalens/internal/core/domain"
)

// CodeExecutor runs an extracted plotting snippet against a dataset.
//
// Execute returns the rendered chart, or nil when the snippet ran but left no
// figure. A non-nil error is an execution failure: the caller must treat it
// as non-fatal and still deliver the textual answer.
type CodeExecutor interface {
	Execute(ctx context.Context, code string, ds *domain.Dataset) (*domain.ChartHandle, error)

	// Language names the dialect snippets are run as ("javascript", "python").
	Language() string
}

// ReasoningEngine answers a query about a dataset and returns its full trace.
type ReasoningEngine interface {
	Invoke(ctx context.Context, ds *domain.Dataset, query string, history []domain.Exchange) (*domain.AgentTrace, error)
}

// DatasetLoader materializes an uploaded file into a dataset.
type DatasetLoader interface {
	// Load parses r; name is the original file name and selects the format.
	Load(ctx context.Context, name string, r io.Reader) (*domain.Dataset, error)
}

// Repository abstracts the persistent storage (DuckDB)
type Repository interface {
	// Datasets
	SaveDataset(ctx context.Context, ds *domain.Dataset) error
	ImportCSV(ctx context.Context, name, path string) (*domain.Dataset, error)
	GetDataset(ctx context.Context, id domain.DatasetID) (*domain.Dataset, error)
	DeleteDataset(ctx context.Context, id domain.DatasetID) error

	// Sessions
	SaveSession(ctx context.Context, info domain.SessionInfo) error
	GetSession(ctx context.Context, id domain.SessionID) (domain.SessionInfo, error)
	ListSessions(ctx context.Context) ([]domain.SessionInfo, error)
	DeleteSession(ctx context.Context, id domain.SessionID) error

	// History
	AppendExchange(ctx context.Context, sessionID domain.SessionID, ex domain.Exchange) error
	ListExchanges(ctx context.Context, sessionID domain.SessionID, limit int) ([]domain.Exchange, error)
	ClearExchanges(ctx context.Context, sessionID domain.SessionID) error

	// Charts
	SaveChart(ctx context.Context, sessionID domain.SessionID, chart *domain.ChartHandle) error
	GetChart(ctx context.Context, sessionID domain.SessionID, id domain.ChartID) (*domain.ChartHandle, error)

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error

	// Traces
	SaveTrace(ctx context.Context, trace *domain.Trace) error
	ListTraces(ctx context.Context, limit int) ([]domain.TraceSummary, error)
	GetTrace(ctx context.Context, id domain.TraceID) (*domain.Trace, error)
}
