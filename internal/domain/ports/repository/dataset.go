package repository

import (
	"context"

	"ensemble-inference-scheduler/internal/domain/model"
)

type DatasetRepository interface {
	Save(ctx context.Context, tx Tx, ds *model.Dataset) error
	FindByName(ctx context.Context, tx Tx, name string) (*model.Dataset, error)
	// SaveRows idempotently upserts rows for a dataset; re-ingesting the same
	// file is a no-op.
	SaveRows(ctx context.Context, tx Tx, rows []*model.Row) error
	ListRows(ctx context.Context, tx Tx, datasetID string) ([]*model.Row, error)
	FindRow(ctx context.Context, tx Tx, rowID string) (*model.Row, error)
	CountRows(ctx context.Context, tx Tx, datasetID string) (int, error)
}

type ModelRepository interface {
	Save(ctx context.Context, tx Tx, m *model.AIModel) error
	FindByName(ctx context.Context, tx Tx, name string) (*model.AIModel, error)
	FindByID(ctx context.Context, tx Tx, id string) (*model.AIModel, error)
	List(ctx context.Context, tx Tx) ([]*model.AIModel, error)
}

type PromptRepository interface {
	Save(ctx context.Context, tx Tx, p *model.Prompt) error
	FindByName(ctx context.Context, tx Tx, name string) (*model.Prompt, error)
	FindByID(ctx context.Context, tx Tx, id string) (*model.Prompt, error)
	List(ctx context.Context, tx Tx) ([]*model.Prompt, error)
}
