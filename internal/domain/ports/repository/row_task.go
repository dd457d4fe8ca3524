package repository

import (
	"context"
	"time"

	"ensemble-inference-scheduler/internal/domain/model"
)

// StaleReset describes one watchdog reset of an abandoned task.
type StaleReset struct {
	TaskID     string
	WorkCellID string
	RetryCount int
	Failed     bool // true when the reset pushed the task past the retry ceiling
}

type RowTaskRepository interface {
	// CreateBatch inserts the full fan-out for a cell. Must be called inside
	// the same transaction that creates the cell so a worker never observes a
	// cell whose tasks do not all exist yet.
	CreateBatch(ctx context.Context, tx Tx, tasks []*model.RowTask) error

	// ClaimBatch atomically selects up to `limit` pending tasks of one cell
	// and marks them in_progress with claimed_at=now. An empty result means
	// the cell is drained from this worker's point of view.
	ClaimBatch(ctx context.Context, cellID string, limit int) ([]*model.RowTask, error)

	// MarkDone finishes a task the claiming worker completed.
	MarkDone(ctx context.Context, tx Tx, taskID string) error

	// Requeue puts a task the worker failed on back to pending and increments
	// its retry count immediately; past maxRetries the task becomes failed
	// instead. Reports the status and retry count the task ended on, as
	// stored; the caller's copy of the task may be stale.
	Requeue(ctx context.Context, taskID string, lastError string, maxRetries int) (model.RowTaskStatus, int, error)

	// ResetStale is the watchdog pass: every in_progress task whose
	// claimed_at is older than `olderThan` is reset to pending (or failed past
	// the ceiling). The update is guarded by the observed claimed_at so a
	// task a worker just finished is left alone. Errors are isolated
	// per task; the pass never aborts as a whole.
	ResetStale(ctx context.Context, olderThan time.Time, maxRetries int) ([]StaleReset, error)

	CountByStatus(ctx context.Context, tx Tx, cellID string) (map[model.RowTaskStatus]int, error)
	ListFailed(ctx context.Context, tx Tx, cellID string) ([]*model.RowTask, error)
}
