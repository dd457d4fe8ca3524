package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"ensemble-inference-scheduler/internal/domain"
	"ensemble-inference-scheduler/internal/domain/model"
	"ensemble-inference-scheduler/internal/domain/ports/repository"
)

var _ repository.DatasetRepository = (*datasetRepo)(nil)

type datasetRepo struct {
	pool *pgxpool.Pool
}

func NewDatasetRepo(pool *pgxpool.Pool) *datasetRepo {
	return &datasetRepo{pool: pool}
}

func (r *datasetRepo) Save(ctx context.Context, tx repository.Tx, ds *model.Dataset) error {
	if ds.ID == "" {
		ds.ID = uuid.NewString()
	}
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = time.Now()
	}
	const q = `
INSERT INTO datasets (id, name, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO NOTHING;`
	_, err := execSQL(ctx, r.pool, tx, q, ds.ID, ds.Name, ds.CreatedAt)
	return err
}

func (r *datasetRepo) FindByName(ctx context.Context, tx repository.Tx, name string) (*model.Dataset, error) {
	const q = `SELECT id, name, created_at FROM datasets WHERE name=$1;`
	row := pickRow(ctx, r.pool, tx, q, name)
	var ds model.Dataset
	if err := row.Scan(&ds.ID, &ds.Name, &ds.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &ds, nil
}

func (r *datasetRepo) SaveRows(ctx context.Context, tx repository.Tx, rows []*model.Row) error {
	const q = `
INSERT INTO dataset_rows (id, dataset_id, text, expected, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING;`
	now := time.Now()
	for _, rw := range rows {
		if rw.DatasetID == "" {
			return domain.ErrRowWithoutDataset
		}
		if rw.ID == "" {
			rw.ID = uuid.NewString()
		}
		if rw.CreatedAt.IsZero() {
			rw.CreatedAt = now
		}
		if _, err := execSQL(ctx, r.pool, tx, q, rw.ID, rw.DatasetID, rw.Text, rw.Expected, rw.CreatedAt); err != nil {
			return fmt.Errorf("save row %s: %w", rw.ID, err)
		}
	}
	return nil
}

func (r *datasetRepo) ListRows(ctx context.Context, tx repository.Tx, datasetID string) ([]*model.Row, error) {
	const q = `
SELECT id, dataset_id, text, expected, created_at
  FROM dataset_rows WHERE dataset_id=$1 ORDER BY created_at, id;`
	rows, err := queryRows(ctx, r.pool, tx, q, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Row
	for rows.Next() {
		var rw model.Row
		if err := rows.Scan(&rw.ID, &rw.DatasetID, &rw.Text, &rw.Expected, &rw.CreatedAt); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, &rw)
	}
	return out, rows.Err()
}

func (r *datasetRepo) FindRow(ctx context.Context, tx repository.Tx, rowID string) (*model.Row, error) {
	const q = `SELECT id, dataset_id, text, expected, created_at FROM dataset_rows WHERE id=$1;`
	row := pickRow(ctx, r.pool, tx, q, rowID)
	var rw model.Row
	if err := row.Scan(&rw.ID, &rw.DatasetID, &rw.Text, &rw.Expected, &rw.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &rw, nil
}

func (r *datasetRepo) CountRows(ctx context.Context, tx repository.Tx, datasetID string) (int, error) {
	row := pickRow(ctx, r.pool, tx, `SELECT COUNT(*) FROM dataset_rows WHERE dataset_id=$1;`, datasetID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}
