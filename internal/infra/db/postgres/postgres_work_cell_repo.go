package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"ensemble-inference-scheduler/internal/domain"
	"ensemble-inference-scheduler/internal/domain/model"
	"ensemble-inference-scheduler/internal/domain/ports/repository"
)

var _ repository.WorkCellRepository = (*workCellRepo)(nil)

type workCellRepo struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
}

func NewWorkCellRepo(pool *pgxpool.Pool, tm repository.TransactionManager) *workCellRepo {
	return &workCellRepo{pool: pool, tm: tm}
}

const workCellColumns = `id, model_id, prompt_id, dataset_id, status, active_workers, created_at, updated_at`

func scanWorkCell(row pgx.Row) (*model.WorkCell, error) {
	var c model.WorkCell
	var status string
	err := row.Scan(&c.ID, &c.ModelID, &c.PromptID, &c.DatasetID, &status, &c.ActiveWorkers, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = model.WorkCellStatus(status)
	return &c, nil
}

func (r *workCellRepo) Create(ctx context.Context, tx repository.Tx, cell *model.WorkCell) error {
	if cell.ID == "" {
		cell.ID = uuid.NewString()
	}
	now := time.Now()
	if cell.CreatedAt.IsZero() {
		cell.CreatedAt = now
	}
	cell.UpdatedAt = now
	cell.Status = model.WorkCellAvailable
	cell.ActiveWorkers = 0

	const q = `
INSERT INTO work_cells (id, model_id, prompt_id, dataset_id, status, active_workers, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 0, $6, $7);`
	_, err := execSQL(ctx, r.pool, tx, q,
		cell.ID, cell.ModelID, cell.PromptID, cell.DatasetID, string(cell.Status), cell.CreatedAt, cell.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505: unique violation on the (model,prompt,dataset) triple.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *workCellRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.WorkCell, error) {
	row := pickRow(ctx, r.pool, tx, `SELECT `+workCellColumns+` FROM work_cells WHERE id=$1;`, id)
	c, err := scanWorkCell(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return c, err
}

func (r *workCellRepo) List(ctx context.Context, tx repository.Tx) ([]*model.WorkCell, error) {
	return r.list(ctx, tx, `SELECT `+workCellColumns+` FROM work_cells ORDER BY created_at;`)
}

func (r *workCellRepo) ListDone(ctx context.Context, tx repository.Tx) ([]*model.WorkCell, error) {
	return r.list(ctx, tx, `SELECT `+workCellColumns+` FROM work_cells WHERE status='done' ORDER BY updated_at;`)
}

func (r *workCellRepo) list(ctx context.Context, tx repository.Tx, q string) ([]*model.WorkCell, error) {
	rows, err := queryRows(ctx, r.pool, tx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.WorkCell
	for rows.Next() {
		c, err := scanWorkCell(rows)
		if err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClaimAvailable is a single conditional UPDATE: the inner SELECT takes the
// row lock with SKIP LOCKED, so two workers racing on the same cell cannot
// both observe 'available'. The loser simply claims the next cell or comes
// back empty.
func (r *workCellRepo) ClaimAvailable(ctx context.Context, families []string) (*model.WorkCell, error) {
	const q = `
UPDATE work_cells wc
SET status = 'in_use', active_workers = wc.active_workers + 1, updated_at = now()
WHERE wc.id = (
  SELECT c.id
    FROM work_cells c
    JOIN models m ON m.id = c.model_id
   WHERE c.status = 'available' AND m.family = ANY($1)
   ORDER BY c.created_at
   LIMIT 1
   FOR UPDATE OF c SKIP LOCKED
)
RETURNING ` + workCellColumns + `;`

	cell, err := scanWorkCell(r.pool.QueryRow(ctx, q, families))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNoEligibleWork
		}
		return nil, err
	}
	return cell, nil
}

// Release decrements active_workers and resolves the cell's next status in
// one transaction. The FOR UPDATE on the cell row serializes concurrently
// releasing workers so the done/available decision cannot be raced.
func (r *workCellRepo) Release(ctx context.Context, cellID string) (model.WorkCellStatus, error) {
	var settled model.WorkCellStatus

	err := r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		var active int
		row := pickRow(ctx, r.pool, tx, `SELECT active_workers FROM work_cells WHERE id=$1 FOR UPDATE;`, cellID)
		if err := row.Scan(&active); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return err
		}
		if active > 0 {
			active--
		}

		var remaining bool
		row = pickRow(ctx, r.pool, tx,
			`SELECT EXISTS(SELECT 1 FROM row_tasks WHERE work_cell_id=$1 AND status IN ('pending','in_progress'));`, cellID)
		if err := row.Scan(&remaining); err != nil {
			return err
		}

		switch {
		case active == 0 && !remaining:
			settled = model.WorkCellDone
		case active == 0:
			settled = model.WorkCellAvailable
		default:
			settled = model.WorkCellInUse
		}

		_, err := execSQL(ctx, r.pool, tx,
			`UPDATE work_cells SET active_workers=$2, status=$3, updated_at=now() WHERE id=$1;`,
			cellID, active, string(settled))
		return err
	})
	if err != nil {
		return "", err
	}
	return settled, nil
}

// ReclaimAbandoned rescues cells stranded by worker crashes: in_use, last
// touched before olderThan, pending tasks waiting, nothing in_progress. A
// single conditional UPDATE so it cannot race a claim or release; a cell a
// worker touches concurrently no longer matches the WHERE clause.
func (r *workCellRepo) ReclaimAbandoned(ctx context.Context, olderThan time.Time) ([]string, error) {
	const q = `
UPDATE work_cells wc
SET status = 'available', active_workers = 0, updated_at = now()
WHERE wc.status = 'in_use'
  AND wc.updated_at < $1
  AND EXISTS (SELECT 1 FROM row_tasks t WHERE t.work_cell_id = wc.id AND t.status = 'pending')
  AND NOT EXISTS (SELECT 1 FROM row_tasks t WHERE t.work_cell_id = wc.id AND t.status = 'in_progress')
RETURNING wc.id;`

	rows, err := r.pool.Query(ctx, q, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Reopen moves a done cell back into rotation when one of its tasks is
// pending again. Guarded by the row lock plus a status recheck so a cell
// that is no longer done is left untouched.
func (r *workCellRepo) Reopen(ctx context.Context, cellID string) (bool, error) {
	reopened := false

	err := r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		var status string
		var active int
		row := pickRow(ctx, r.pool, tx, `SELECT status, active_workers FROM work_cells WHERE id=$1 FOR UPDATE;`, cellID)
		if err := row.Scan(&status, &active); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return err
		}
		if model.WorkCellStatus(status) != model.WorkCellDone {
			return nil
		}

		var pending bool
		row = pickRow(ctx, r.pool, tx,
			`SELECT EXISTS(SELECT 1 FROM row_tasks WHERE work_cell_id=$1 AND status='pending');`, cellID)
		if err := row.Scan(&pending); err != nil {
			return err
		}
		if !pending {
			// All tasks terminal: the cell stays done forever.
			return nil
		}

		next := model.WorkCellAvailable
		if active > 0 {
			next = model.WorkCellInUse
		}
		if _, err := execSQL(ctx, r.pool, tx,
			`UPDATE work_cells SET status=$2, updated_at=now() WHERE id=$1;`, cellID, string(next)); err != nil {
			return err
		}
		reopened = true
		return nil
	})
	return reopened, err
}
