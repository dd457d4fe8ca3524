package usecase

import (
	"context"

	"github.com/rs/zerolog"

	"ensemble-inference-scheduler/internal/domain/model"
	"ensemble-inference-scheduler/internal/domain/ports/repository"
)

// Compile-time check
var _ ReportUseCase = (*reportUC)(nil)

// CellProgress is the reporting view of one work cell.
type CellProgress struct {
	Cell        *model.WorkCell             `json:"cell"`
	TaskCounts  map[model.RowTaskStatus]int `json:"task_counts"`
	Predictions int                         `json:"predictions"`
}

// DatasetSummary aggregates every cell scheduled over one dataset.
type DatasetSummary struct {
	Dataset *model.Dataset  `json:"dataset"`
	Rows    int             `json:"rows"`
	Cells   []*CellProgress `json:"cells"`
}

// ReportUseCase is the read-only surface over the store. Downstream
// consumers (ensemble aggregation, metrics, significance tests) read the
// predictions log directly; this surface exists for operators.
type ReportUseCase interface {
	CellProgress(ctx context.Context, cellID string) (*CellProgress, error)
	ListCells(ctx context.Context) ([]*CellProgress, error)
	FailedTasks(ctx context.Context, cellID string) ([]*model.RowTask, error)
	// LatestPredictions returns the authoritative (most recent) prediction
	// per row of one cell.
	LatestPredictions(ctx context.Context, cellID string) ([]*model.Prediction, error)
	// DatasetSummary reports every cell of one dataset's run.
	DatasetSummary(ctx context.Context, datasetName string) (*DatasetSummary, error)
}

type reportUC struct {
	datasets    repository.DatasetRepository
	cells       repository.WorkCellRepository
	tasks       repository.RowTaskRepository
	predictions repository.PredictionRepository
	log         *zerolog.Logger
}

func NewReportUseCase(
	datasets repository.DatasetRepository,
	cells repository.WorkCellRepository,
	tasks repository.RowTaskRepository,
	predictions repository.PredictionRepository,
	logger *zerolog.Logger,
) *reportUC {
	l := logger.With().Str("component", "Report").Logger()
	return &reportUC{datasets: datasets, cells: cells, tasks: tasks, predictions: predictions, log: &l}
}

func (uc *reportUC) CellProgress(ctx context.Context, cellID string) (*CellProgress, error) {
	cell, err := uc.cells.FindByID(ctx, repository.NoTX, cellID)
	if err != nil {
		return nil, err
	}
	return uc.progressFor(ctx, cell)
}

func (uc *reportUC) ListCells(ctx context.Context) ([]*CellProgress, error) {
	cells, err := uc.cells.List(ctx, repository.NoTX)
	if err != nil {
		return nil, err
	}
	out := make([]*CellProgress, 0, len(cells))
	for _, cell := range cells {
		p, err := uc.progressFor(ctx, cell)
		if err != nil {
			// One unreadable cell must not hide the rest.
			uc.log.Error().Err(err).Str("cell_id", cell.ID).Msg("could not build cell progress")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (uc *reportUC) progressFor(ctx context.Context, cell *model.WorkCell) (*CellProgress, error) {
	counts, err := uc.tasks.CountByStatus(ctx, repository.NoTX, cell.ID)
	if err != nil {
		return nil, err
	}
	n, err := uc.predictions.CountByCell(ctx, repository.NoTX, cell.ID)
	if err != nil {
		return nil, err
	}
	return &CellProgress{Cell: cell, TaskCounts: counts, Predictions: n}, nil
}

func (uc *reportUC) FailedTasks(ctx context.Context, cellID string) ([]*model.RowTask, error) {
	return uc.tasks.ListFailed(ctx, repository.NoTX, cellID)
}

func (uc *reportUC) LatestPredictions(ctx context.Context, cellID string) ([]*model.Prediction, error) {
	return uc.predictions.LatestByCell(ctx, repository.NoTX, cellID)
}

func (uc *reportUC) DatasetSummary(ctx context.Context, datasetName string) (*DatasetSummary, error) {
	ds, err := uc.datasets.FindByName(ctx, repository.NoTX, datasetName)
	if err != nil {
		return nil, err
	}
	rows, err := uc.datasets.CountRows(ctx, repository.NoTX, ds.ID)
	if err != nil {
		return nil, err
	}
	cells, err := uc.cells.List(ctx, repository.NoTX)
	if err != nil {
		return nil, err
	}
	summary := &DatasetSummary{Dataset: ds, Rows: rows}
	for _, cell := range cells {
		if cell.DatasetID != ds.ID {
			continue
		}
		p, err := uc.progressFor(ctx, cell)
		if err != nil {
			uc.log.Error().Err(err).Str("cell_id", cell.ID).Msg("could not build cell progress")
			continue
		}
		summary.Cells = append(summary.Cells, p)
	}
	return summary, nil
}
