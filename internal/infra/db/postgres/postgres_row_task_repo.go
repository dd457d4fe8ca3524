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

var _ repository.RowTaskRepository = (*rowTaskRepo)(nil)

type rowTaskRepo struct {
	pool *pgxpool.Pool
}

func NewRowTaskRepo(pool *pgxpool.Pool) *rowTaskRepo {
	return &rowTaskRepo{pool: pool}
}

const rowTaskColumns = `id, work_cell_id, row_id, status, retry_count, claimed_at, last_error, created_at, updated_at`

func scanRowTask(row pgx.Row) (*model.RowTask, error) {
	var t model.RowTask
	var status string
	err := row.Scan(&t.ID, &t.WorkCellID, &t.RowID, &status, &t.RetryCount, &t.ClaimedAt, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = model.RowTaskStatus(status)
	return &t, nil
}

func (r *rowTaskRepo) CreateBatch(ctx context.Context, tx repository.Tx, tasks []*model.RowTask) error {
	const q = `
INSERT INTO row_tasks (id, work_cell_id, row_id, status, retry_count, last_error, created_at, updated_at)
VALUES ($1, $2, $3, 'pending', 0, '', $4, $4)
ON CONFLICT (work_cell_id, row_id) DO NOTHING;`
	now := time.Now()
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.Status = model.RowTaskPending
		if _, err := execSQL(ctx, r.pool, tx, q, t.ID, t.WorkCellID, t.RowID, now); err != nil {
			return fmt.Errorf("create row task for row %s: %w", t.RowID, err)
		}
	}
	return nil
}

// ClaimBatch marks up to `limit` pending tasks of one cell in_progress in a
// single statement. SKIP LOCKED keeps competing workers (and the watchdog)
// from ever double-claiming; a cell with one pending task hands it to exactly
// one of two racing callers and gives the other an empty batch.
func (r *rowTaskRepo) ClaimBatch(ctx context.Context, cellID string, limit int) ([]*model.RowTask, error) {
	const q = `
UPDATE row_tasks rt
SET status = 'in_progress', claimed_at = now(), updated_at = now()
WHERE rt.id IN (
  SELECT t.id
    FROM row_tasks t
   WHERE t.work_cell_id = $1 AND t.status = 'pending'
   ORDER BY t.created_at, t.id
   LIMIT $2
   FOR UPDATE SKIP LOCKED
)
RETURNING ` + rowTaskColumns + `;`

	rows, err := r.pool.Query(ctx, q, cellID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.RowTask
	for rows.Next() {
		t, err := scanRowTask(rows)
		if err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *rowTaskRepo) MarkDone(ctx context.Context, tx repository.Tx, taskID string) error {
	// failed is terminal; a worker finishing after the watchdog already
	// exhausted the task does not resurrect it.
	const q = `
UPDATE row_tasks SET status='done', updated_at=now()
WHERE id=$1 AND status <> 'failed';`
	tag, err := execSQL(ctx, r.pool, tx, q, taskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Requeue handles a predict failure the worker saw itself: back to pending
// with the retry counter bumped immediately, or failed past the ceiling.
// One conditional UPDATE so it cannot race the watchdog.
func (r *rowTaskRepo) Requeue(ctx context.Context, taskID string, lastError string, maxRetries int) (model.RowTaskStatus, int, error) {
	const q = `
UPDATE row_tasks
SET status      = CASE WHEN retry_count + 1 > $3 THEN 'failed' ELSE 'pending' END,
    retry_count = retry_count + 1,
    claimed_at  = NULL,
    last_error  = $2,
    updated_at  = now()
WHERE id = $1 AND status = 'in_progress'
RETURNING status, retry_count;`

	var status string
	var retries int
	if err := r.pool.QueryRow(ctx, q, taskID, lastError, maxRetries).Scan(&status, &retries); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already moved on (watchdog reset won the race); nothing to do.
			return "", 0, domain.ErrNotFound
		}
		return "", 0, err
	}
	return model.RowTaskStatus(status), retries, nil
}

// ResetStale recovers tasks whose claiming worker died or hung. Candidates
// are read first, then each one is reset by a compare-and-set guarded by the
// observed claimed_at: a task the worker finished (or re-claimed) in the gap
// is skipped. Errors are isolated per task.
func (r *rowTaskRepo) ResetStale(ctx context.Context, olderThan time.Time, maxRetries int) ([]repository.StaleReset, error) {
	const pick = `
SELECT id, work_cell_id, claimed_at
  FROM row_tasks
 WHERE status = 'in_progress' AND claimed_at < $1;`

	rows, err := r.pool.Query(ctx, pick, olderThan)
	if err != nil {
		return nil, err
	}
	type candidate struct {
		id, cellID string
		claimedAt  time.Time
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.cellID, &c.claimedAt); err != nil {
			rows.Close()
			return nil, domain.ErrReadDatabaseRow
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	const reset = `
UPDATE row_tasks
SET status      = CASE WHEN retry_count + 1 > $3 THEN 'failed' ELSE 'pending' END,
    retry_count = retry_count + 1,
    claimed_at  = NULL,
    last_error  = 'stale claim reset by watchdog',
    updated_at  = now()
WHERE id = $1 AND status = 'in_progress' AND claimed_at = $2
RETURNING status, retry_count;`

	var resets []repository.StaleReset
	var firstErr error
	for _, c := range candidates {
		var status string
		var retries int
		err := r.pool.QueryRow(ctx, reset, c.id, c.claimedAt, maxRetries).Scan(&status, &retries)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue // the worker beat us to it
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("reset task %s: %w", c.id, err)
			}
			continue
		}
		resets = append(resets, repository.StaleReset{
			TaskID:     c.id,
			WorkCellID: c.cellID,
			RetryCount: retries,
			Failed:     model.RowTaskStatus(status) == model.RowTaskFailed,
		})
	}
	return resets, firstErr
}

func (r *rowTaskRepo) CountByStatus(ctx context.Context, tx repository.Tx, cellID string) (map[model.RowTaskStatus]int, error) {
	rows, err := queryRows(ctx, r.pool, tx,
		`SELECT status, COUNT(*) FROM row_tasks WHERE work_cell_id=$1 GROUP BY status;`, cellID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[model.RowTaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out[model.RowTaskStatus(status)] = n
	}
	return out, rows.Err()
}

func (r *rowTaskRepo) ListFailed(ctx context.Context, tx repository.Tx, cellID string) ([]*model.RowTask, error) {
	rows, err := queryRows(ctx, r.pool, tx,
		`SELECT `+rowTaskColumns+` FROM row_tasks WHERE work_cell_id=$1 AND status='failed' ORDER BY updated_at;`, cellID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.RowTask
	for rows.Next() {
		t, err := scanRowTask(rows)
		if err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
