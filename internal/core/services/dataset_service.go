package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/manthysbr/datalens/internal/core/domain"
)

// DatasetRepository is the storage the dataset service needs.
type DatasetRepository interface {
	SaveDataset(ctx context.Context, ds *domain.Dataset) error
	ImportCSV(ctx context.Context, name, path string) (*domain.Dataset, error)
}

// ColumnReader parses a file format into columns.
type ColumnReader func(r io.Reader) ([]domain.Column, error)

// DatasetService turns uploaded files into stored datasets. CSV files are
// imported by the storage engine directly; other formats go through a
// registered ColumnReader keyed by file extension.
type DatasetService struct {
	logger  *slog.Logger
	repo    DatasetRepository
	readers map[string]ColumnReader
}

func NewDatasetService(logger *slog.Logger, repo DatasetRepository, readers map[string]ColumnReader) *DatasetService {
	normalized := make(map[string]ColumnReader, len(readers))
	for ext, r := range readers {
		normalized[strings.ToLower(ext)] = r
	}
	return &DatasetService{logger: logger, repo: repo, readers: normalized}
}

// Load implements ports.DatasetLoader.
func (s *DatasetService) Load(ctx context.Context, name string, r io.Reader) (*domain.Dataset, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".csv" {
		return s.importCSV(ctx, name, r)
	}

	read, ok := s.readers[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedFormat, ext)
	}
	cols, err := read(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	ds, err := domain.NewDataset(domain.NewDatasetID(), name, cols)
	if err != nil {
		return nil, fmt.Errorf("build dataset: %w", err)
	}
	if err := s.repo.SaveDataset(ctx, ds); err != nil {
		return nil, fmt.Errorf("save dataset: %w", err)
	}

	s.logger.Info("dataset loaded", "dataset_id", ds.ID, "name", name, "rows", ds.RowCount, "columns", len(ds.Columns))
	return ds, nil
}

func (s *DatasetService) importCSV(ctx context.Context, name string, r io.Reader) (*domain.Dataset, error) {
	tmp, err := os.CreateTemp("", "datalens-*.csv")
	if err != nil {
		return nil, fmt.Errorf("stage upload: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("stage upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("stage upload: %w", err)
	}

	ds, err := s.repo.ImportCSV(ctx, name, tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", name, err)
	}

	s.logger.Info("dataset imported", "dataset_id", ds.ID, "name", name, "rows", ds.RowCount, "columns", len(ds.Columns))
	return ds, nil
}

// DatasetPreview is the summary shown right after an upload.
type DatasetPreview struct {
	ID       domain.DatasetID `json:"id"`
	Name     string           `json:"name"`
	RowCount int              `json:"row_count"`
	Columns  []domain.Column  `json:"columns"`
	Rows     [][]any          `json:"rows"`
}

// Preview returns the dataset summary with its first n rows.
func Preview(ds *domain.Dataset, n int) DatasetPreview {
	return DatasetPreview{
		ID:       ds.ID,
		Name:     ds.Name,
		RowCount: ds.RowCount,
		Columns:  ds.Columns,
		Rows:     ds.Head(n),
	}
}
