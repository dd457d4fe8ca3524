package sched

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"ensemble-inference-scheduler/internal/domain/model"
	"ensemble-inference-scheduler/internal/domain/ports/repository"
	"ensemble-inference-scheduler/internal/infra/metrics"
)

// Watchdog is the periodic reconciliation pass. It races against every
// worker by design; all of its writes are claimed_at-guarded or row-locked
// compare-and-sets, so a worker that finished a task in the gap between the
// watchdog's read and write always wins.
type Watchdog struct {
	tasks          repository.RowTaskRepository
	cells          repository.WorkCellRepository
	staleThreshold time.Duration
	maxRetries     int
	log            *zerolog.Logger
}

func NewWatchdog(
	tasks repository.RowTaskRepository,
	cells repository.WorkCellRepository,
	staleThreshold time.Duration,
	maxRetries int,
	logger *zerolog.Logger,
) *Watchdog {
	l := logger.With().Str("component", "Watchdog").Logger()
	return &Watchdog{
		tasks:          tasks,
		cells:          cells,
		staleThreshold: staleThreshold,
		maxRetries:     maxRetries,
		log:            &l,
	}
}

// Run schedules reconciliation passes on the given cron spec and blocks
// until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context, cronSpec string) error {
	c := cron.New()
	_, err := c.AddFunc(cronSpec, func() { w.RunOnce(ctx) })
	if err != nil {
		return err
	}
	w.log.Info().Str("cron", cronSpec).Dur("stale_threshold", w.staleThreshold).Msg("watchdog started")
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	w.log.Info().Msg("watchdog stopped")
	return ctx.Err()
}

// RunOnce executes one full reconciliation pass: stuck-task recovery, then
// abandoned-cell reclaim, then cell re-opening. Each entity is handled
// independently; one malformed task or cell never aborts the pass. Task
// recovery runs first so a cell whose dead worker held the last in_progress
// tasks becomes reclaimable within the same pass.
func (w *Watchdog) RunOnce(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.ObserveWatchdogPass(time.Since(start).Seconds()) }()

	w.recoverStaleTasks(ctx)
	w.reclaimAbandonedCells(ctx)
	w.reopenInvalidatedCells(ctx)
}

// recoverStaleTasks returns abandoned in_progress tasks to the pending pool.
// A task whose claiming worker died or hung sits in_progress past the stale
// threshold; resetting it is the deliberate backward transition in the
// otherwise forward-only task state machine, so every reset is logged.
func (w *Watchdog) recoverStaleTasks(ctx context.Context) {
	cutoff := time.Now().Add(-w.staleThreshold)
	resets, err := w.tasks.ResetStale(ctx, cutoff, w.maxRetries)
	if err != nil {
		// Partial results still arrive; log and keep going.
		w.log.Error().Err(err).Msg("stale-task recovery saw errors")
	}
	for _, reset := range resets {
		status := model.RowTaskPending
		if reset.Failed {
			status = model.RowTaskFailed
			metrics.IncRowTask(string(model.RowTaskFailed))
		}
		metrics.IncWatchdogReset(string(status))
		w.log.Warn().
			Str("task_id", reset.TaskID).
			Str("cell_id", reset.WorkCellID).
			Int("retries", reset.RetryCount).
			Str("reset_to", string(status)).
			Msg("stale task reset")
	}
}

// reclaimAbandonedCells rescues cells whose workers died between claim and
// release: the cell sits in_use with a leaked active_workers count, its
// pending tasks invisible to ClaimAvailable. Once the recovery pass above has
// returned the dead worker's tasks to pending, such a cell has pending work,
// nothing in_progress, and an updated_at older than the stale threshold; it
// goes back to available with the counter zeroed.
func (w *Watchdog) reclaimAbandonedCells(ctx context.Context) {
	cutoff := time.Now().Add(-w.staleThreshold)
	ids, err := w.cells.ReclaimAbandoned(ctx, cutoff)
	if err != nil {
		w.log.Error().Err(err).Msg("abandoned-cell reclaim failed")
		return
	}
	for _, id := range ids {
		metrics.IncCellReclaimed()
		w.log.Warn().Str("cell_id", id).Msg("abandoned in_use cell reclaimed")
	}
}

// reopenInvalidatedCells walks every done cell and moves it back into
// rotation when one of its tasks went back to pending — typically because
// the recovery pass above reset the cell's last draining task after the
// cell was already marked done.
func (w *Watchdog) reopenInvalidatedCells(ctx context.Context) {
	done, err := w.cells.ListDone(ctx, repository.NoTX)
	if err != nil {
		w.log.Error().Err(err).Msg("could not list done cells")
		return
	}
	for _, cell := range done {
		reopened, err := w.cells.Reopen(ctx, cell.ID)
		if err != nil {
			w.log.Error().Err(err).Str("cell_id", cell.ID).Msg("reopen check failed")
			continue
		}
		if reopened {
			metrics.IncCellReopened()
			w.log.Warn().Str("cell_id", cell.ID).Msg("done cell reopened: a task is pending again")
		}
	}
}
