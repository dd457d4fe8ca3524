package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"ensemble-inference-scheduler/internal/domain"
	"ensemble-inference-scheduler/internal/domain/model"
	"ensemble-inference-scheduler/internal/domain/ports/repository"
)

// Compile-time check
var _ ExpanderUseCase = (*expanderUC)(nil)

// ExpanderUseCase materializes the work matrix: datasets, models, prompts,
// and the (model, prompt, dataset) work cells with their full row-task
// fan-out.
type ExpanderUseCase interface {
	// RegisterDataset idempotently ensures the named dataset and every given
	// row exist. Rows without ids are identified by their content, so
	// re-registering the same file is a no-op.
	RegisterDataset(ctx context.Context, name string, rows []*model.Row) (*model.Dataset, error)

	RegisterModel(ctx context.Context, name, family string) (*model.AIModel, error)
	RegisterPrompt(ctx context.Context, name, template string) (*model.Prompt, error)

	// RegisterWorkCell creates the cell for one (model, prompt, dataset)
	// triple plus one pending RowTask per dataset row, atomically: no worker
	// can observe the cell before its fan-out exists. A duplicate triple is
	// a no-op.
	RegisterWorkCell(ctx context.Context, modelName, promptName, datasetName string) (*model.WorkCell, error)

	// RegisterMatrix registers the full cross product of the given models and
	// prompts over one dataset.
	RegisterMatrix(ctx context.Context, modelNames, promptNames []string, datasetName string) (int, error)
}

type expanderUC struct {
	datasets repository.DatasetRepository
	models   repository.ModelRepository
	prompts  repository.PromptRepository
	cells    repository.WorkCellRepository
	tasks    repository.RowTaskRepository
	tm       repository.TransactionManager
	log      *zerolog.Logger
}

func NewExpanderUseCase(
	datasets repository.DatasetRepository,
	models repository.ModelRepository,
	prompts repository.PromptRepository,
	cells repository.WorkCellRepository,
	tasks repository.RowTaskRepository,
	tm repository.TransactionManager,
	logger *zerolog.Logger,
) *expanderUC {
	l := logger.With().Str("component", "Expander").Logger()
	return &expanderUC{
		datasets: datasets,
		models:   models,
		prompts:  prompts,
		cells:    cells,
		tasks:    tasks,
		tm:       tm,
		log:      &l,
	}
}

func (uc *expanderUC) RegisterDataset(ctx context.Context, name string, rows []*model.Row) (*model.Dataset, error) {
	if name == "" {
		return nil, domain.ErrInvalidArgument
	}
	ds := &model.Dataset{Name: name}

	err := uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := uc.datasets.Save(ctx, tx, ds); err != nil {
			return err
		}
		existing, err := uc.datasets.FindByName(ctx, tx, name)
		if err != nil {
			return err
		}
		ds = existing
		for _, r := range rows {
			r.DatasetID = ds.ID
			if r.ID == "" {
				r.ID = rowIdentity(ds.ID, r.Text)
			}
		}
		return uc.datasets.SaveRows(ctx, tx, rows)
	})
	if err != nil {
		return nil, fmt.Errorf("register dataset %q: %w", name, err)
	}
	uc.log.Info().Str("dataset", name).Int("rows", len(rows)).Msg("dataset registered")
	return ds, nil
}

// rowIdentity derives a stable row id from the dataset and the row text, so
// re-registering the same file never inserts duplicates. Callers that supply
// their own ids keep them.
func rowIdentity(datasetID, text string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(datasetID+"\x00"+text)).String()
}

func (uc *expanderUC) RegisterModel(ctx context.Context, name, family string) (*model.AIModel, error) {
	if name == "" || family == "" {
		return nil, domain.ErrInvalidArgument
	}
	m := &model.AIModel{Name: name, Family: family}
	if err := uc.models.Save(ctx, repository.NoTX, m); err != nil {
		return nil, fmt.Errorf("register model %q: %w", name, err)
	}
	return uc.models.FindByName(ctx, repository.NoTX, name)
}

func (uc *expanderUC) RegisterPrompt(ctx context.Context, name, template string) (*model.Prompt, error) {
	if name == "" || template == "" {
		return nil, domain.ErrInvalidArgument
	}
	p := &model.Prompt{Name: name, Template: template}
	if err := uc.prompts.Save(ctx, repository.NoTX, p); err != nil {
		return nil, fmt.Errorf("register prompt %q: %w", name, err)
	}
	return uc.prompts.FindByName(ctx, repository.NoTX, name)
}

func (uc *expanderUC) RegisterWorkCell(ctx context.Context, modelName, promptName, datasetName string) (*model.WorkCell, error) {
	m, err := uc.models.FindByName(ctx, repository.NoTX, modelName)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", modelName, err)
	}
	p, err := uc.prompts.FindByName(ctx, repository.NoTX, promptName)
	if err != nil {
		return nil, fmt.Errorf("prompt %q: %w", promptName, err)
	}
	ds, err := uc.datasets.FindByName(ctx, repository.NoTX, datasetName)
	if err != nil {
		return nil, fmt.Errorf("dataset %q: %w", datasetName, err)
	}

	cell := &model.WorkCell{ModelID: m.ID, PromptID: p.ID, DatasetID: ds.ID}

	// Cell insert and task fan-out share one transaction so a worker can
	// never claim a cell that looks fully drained because its tasks are
	// still being created.
	err = uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := uc.cells.Create(ctx, tx, cell); err != nil {
			return err
		}
		rows, err := uc.datasets.ListRows(ctx, tx, ds.ID)
		if err != nil {
			return err
		}
		tasks := make([]*model.RowTask, 0, len(rows))
		for _, r := range rows {
			tasks = append(tasks, &model.RowTask{WorkCellID: cell.ID, RowID: r.ID})
		}
		return uc.tasks.CreateBatch(ctx, tx, tasks)
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			uc.log.Debug().
				Str("model", modelName).Str("prompt", promptName).Str("dataset", datasetName).
				Msg("work cell already registered")
			return nil, domain.ErrAlreadyExists
		}
		return nil, fmt.Errorf("register work cell: %w", err)
	}

	uc.log.Info().
		Str("cell_id", cell.ID).
		Str("model", modelName).Str("prompt", promptName).Str("dataset", datasetName).
		Msg("work cell registered")
	return cell, nil
}

func (uc *expanderUC) RegisterMatrix(ctx context.Context, modelNames, promptNames []string, datasetName string) (int, error) {
	created := 0
	for _, mn := range modelNames {
		for _, pn := range promptNames {
			_, err := uc.RegisterWorkCell(ctx, mn, pn, datasetName)
			if errors.Is(err, domain.ErrAlreadyExists) {
				continue
			}
			if err != nil {
				return created, err
			}
			created++
		}
	}
	return created, nil
}
