package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/oklog/ulid/v2"

	"ensemble-inference-scheduler/internal/domain"
	"ensemble-inference-scheduler/internal/domain/model"
	"ensemble-inference-scheduler/internal/domain/ports/repository"
)

var _ repository.PredictionRepository = (*predictionRepo)(nil)

type predictionRepo struct {
	pool *pgxpool.Pool
}

func NewPredictionRepo(pool *pgxpool.Pool) *predictionRepo {
	return &predictionRepo{pool: pool}
}

func (r *predictionRepo) Save(ctx context.Context, tx repository.Tx, p *model.Prediction) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.ID == "" {
		p.ID = ulid.Make().String()
	}
	const q = `
INSERT INTO predictions (id, work_cell_id, row_id, label, latency_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6);`
	_, err := execSQL(ctx, r.pool, tx, q, p.ID, p.WorkCellID, p.RowID, p.Label, p.LatencyMs, p.CreatedAt)
	return err
}

// LatestByCell returns the most recent record per row: retried tasks append
// new records, and the newest one wins.
func (r *predictionRepo) LatestByCell(ctx context.Context, tx repository.Tx, cellID string) ([]*model.Prediction, error) {
	const q = `
SELECT DISTINCT ON (row_id) id, work_cell_id, row_id, label, latency_ms, created_at
  FROM predictions
 WHERE work_cell_id = $1
 ORDER BY row_id, created_at DESC, id DESC;`

	rows, err := queryRows(ctx, r.pool, tx, q, cellID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Prediction
	for rows.Next() {
		var p model.Prediction
		if err := rows.Scan(&p.ID, &p.WorkCellID, &p.RowID, &p.Label, &p.LatencyMs, &p.CreatedAt); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *predictionRepo) CountByCell(ctx context.Context, tx repository.Tx, cellID string) (int, error) {
	row := pickRow(ctx, r.pool, tx, `SELECT COUNT(*) FROM predictions WHERE work_cell_id=$1;`, cellID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count predictions: %w", err)
	}
	return n, nil
}
