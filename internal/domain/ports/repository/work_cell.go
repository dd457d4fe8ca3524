package repository

import (
	"context"
	"time"

	"ensemble-inference-scheduler/internal/domain/model"
)

type WorkCellRepository interface {
	// Create inserts a cell with status=available, active_workers=0.
	// Returns domain.ErrAlreadyExists when the (model,prompt,dataset) triple
	// is already registered.
	Create(ctx context.Context, tx Tx, cell *model.WorkCell) error

	FindByID(ctx context.Context, tx Tx, id string) (*model.WorkCell, error)
	List(ctx context.Context, tx Tx) ([]*model.WorkCell, error)

	// ClaimAvailable atomically picks one cell with status=available whose
	// model family is in `families`, marks it in_use, increments
	// active_workers and returns it. Returns domain.ErrNoEligibleWork when
	// nothing matches. Two racing workers can never both observe `available`
	// on the same cell, but both may legitimately hold the same cell in_use
	// (parallel draining of a large backlog).
	ClaimAvailable(ctx context.Context, families []string) (*model.WorkCell, error)

	// Release atomically decrements active_workers and resolves the cell's
	// next status: done when every task is terminal and no worker remains,
	// otherwise available (or in_use while other workers are still active).
	// Returns the status the cell settled on.
	Release(ctx context.Context, cellID string) (model.WorkCellStatus, error)

	// Reopen moves a done cell back into rotation if any of its tasks is
	// pending again. Reports whether the cell was actually reopened.
	Reopen(ctx context.Context, cellID string) (bool, error)

	// ReclaimAbandoned returns in_use cells whose workers all died without
	// releasing: pending tasks remain, none is in_progress, and the cell has
	// not been touched since olderThan. Each reclaimed cell goes back to
	// available with active_workers zeroed; the ids of the reclaimed cells
	// are returned. A live worker that loses its cell this way is harmless:
	// task claims stay exclusive and its release settles the counters.
	ReclaimAbandoned(ctx context.Context, olderThan time.Time) ([]string, error)

	// ListDone returns cells currently marked done, for the watchdog's
	// re-opening pass.
	ListDone(ctx context.Context, tx Tx) ([]*model.WorkCell, error)
}
