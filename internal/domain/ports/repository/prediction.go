package repository

import (
	"context"

	"ensemble-inference-scheduler/internal/domain/model"
)

type PredictionRepository interface {
	// Save appends one prediction record. The log is append-only; retries
	// write a new record rather than overwriting.
	Save(ctx context.Context, tx Tx, p *model.Prediction) error

	// LatestByCell returns the most recent (authoritative) prediction per row
	// for one work cell.
	LatestByCell(ctx context.Context, tx Tx, cellID string) ([]*model.Prediction, error)

	CountByCell(ctx context.Context, tx Tx, cellID string) (int, error)
}
