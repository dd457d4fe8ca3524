package worker

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"ensemble-inference-scheduler/internal/domain"
	"ensemble-inference-scheduler/internal/domain/model"
	"ensemble-inference-scheduler/internal/domain/ports/adapter"
	"ensemble-inference-scheduler/internal/domain/ports/repository"
	"ensemble-inference-scheduler/internal/infra/metrics"
)

// Options tune one worker loop.
type Options struct {
	Families       []string
	BatchSize      int
	PredictTimeout time.Duration
	PollInterval   time.Duration
	MaxRetries     int
	// Drain makes Run return once no eligible cell remains instead of
	// parking on the poll ticker.
	Drain bool
}

// Runner is one worker loop: claim an eligible cell, drain its pending tasks
// in batches, release the cell, repeat. Many runners — in this process or in
// independent processes — coordinate only through the store's atomic claim
// operations; there is no shared in-memory state between them.
type Runner struct {
	cells    repository.WorkCellRepository
	tasks    repository.RowTaskRepository
	preds    repository.PredictionRepository
	models   repository.ModelRepository
	prompts  repository.PromptRepository
	datasets repository.DatasetRepository
	tm       repository.TransactionManager
	registry adapter.Registry
	opts     Options
	log      *zerolog.Logger
}

func NewRunner(
	cells repository.WorkCellRepository,
	tasks repository.RowTaskRepository,
	preds repository.PredictionRepository,
	models repository.ModelRepository,
	prompts repository.PromptRepository,
	datasets repository.DatasetRepository,
	tm repository.TransactionManager,
	registry adapter.Registry,
	opts Options,
	logger *zerolog.Logger,
) *Runner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	l := logger.With().Str("component", "Runner").Logger()
	return &Runner{
		cells:    cells,
		tasks:    tasks,
		preds:    preds,
		models:   models,
		prompts:  prompts,
		datasets: datasets,
		tm:       tm,
		registry: registry,
		opts:     opts,
		log:      &l,
	}
}

// Run executes the outer worker loop until the context is cancelled, or —
// in drain mode — until no eligible cell remains. A cancelled worker simply
// stops; its in_progress tasks stay claimed until the watchdog reclaims them.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cell, err := r.cells.ClaimAvailable(ctx, r.opts.Families)
		if errors.Is(err, domain.ErrNoEligibleWork) {
			if r.opts.Drain {
				r.log.Info().Msg("no eligible work left, draining out")
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.opts.PollInterval):
			}
			continue
		}
		if err != nil {
			r.log.Error().Err(err).Msg("claim failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.opts.PollInterval):
			}
			continue
		}

		r.processCell(ctx, cell)

		settled, err := r.cells.Release(ctx, cell.ID)
		if err != nil {
			r.log.Error().Err(err).Str("cell_id", cell.ID).Msg("release failed")
			continue
		}
		metrics.IncCellReleased(string(settled))
		r.log.Info().Str("cell_id", cell.ID).Str("status", string(settled)).Msg("cell released")
	}
}

// processCell drains the cell's pending tasks in batches until a claim comes
// back empty. Failures of a single task never fail the batch.
func (r *Runner) processCell(ctx context.Context, cell *model.WorkCell) {
	aiModel, err := r.models.FindByID(ctx, repository.NoTX, cell.ModelID)
	if err != nil {
		r.log.Error().Err(err).Str("cell_id", cell.ID).Msg("model lookup failed")
		return
	}
	prompt, err := r.prompts.FindByID(ctx, repository.NoTX, cell.PromptID)
	if err != nil {
		r.log.Error().Err(err).Str("cell_id", cell.ID).Msg("prompt lookup failed")
		return
	}
	predictor, ok := r.registry.For(aiModel.Family)
	if !ok {
		// Claim eligibility is keyed by family, so this indicates a
		// misconfigured registry rather than a scheduling bug.
		r.log.Error().Str("family", aiModel.Family).Str("cell_id", cell.ID).Msg("no predictor for family")
		return
	}
	metrics.IncCellClaimed(aiModel.Family)
	r.log.Info().
		Str("cell_id", cell.ID).
		Str("model", aiModel.Name).Str("prompt", prompt.Name).
		Msg("processing cell")

	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := r.tasks.ClaimBatch(ctx, cell.ID, r.opts.BatchSize)
		if err != nil {
			r.log.Error().Err(err).Str("cell_id", cell.ID).Msg("batch claim failed")
			return
		}
		if len(batch) == 0 {
			return
		}
		for _, task := range batch {
			if ctx.Err() != nil {
				// Leave the rest of the batch in_progress; the watchdog
				// reclaims abandoned tasks by claimed_at.
				return
			}
			r.executeTask(ctx, predictor, task, aiModel, prompt)
		}
	}
}

func (r *Runner) executeTask(ctx context.Context, predictor adapter.Predictor, task *model.RowTask, aiModel *model.AIModel, prompt *model.Prompt) {
	row, err := r.datasets.FindRow(ctx, repository.NoTX, task.RowID)
	if err != nil {
		r.failTask(ctx, task, aiModel.Family, err)
		return
	}

	callCtx := ctx
	if r.opts.PredictTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.opts.PredictTimeout)
		defer cancel()
	}

	label, latency, err := predictor.Predict(callCtx, aiModel, prompt, row)
	latencyMs := latency.Milliseconds()
	metrics.ObservePredict(aiModel.Family, aiModel.Name, latencyMs, err == nil)
	if err != nil {
		r.failTask(ctx, task, aiModel.Family, err)
		return
	}

	// Prediction append and task completion share one transaction; a crash
	// in between would only cost a duplicate prediction on retry, but the
	// pairing keeps the common path clean.
	err = r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		p := &model.Prediction{
			WorkCellID: task.WorkCellID,
			RowID:      task.RowID,
			Label:      label,
			LatencyMs:  latencyMs,
		}
		if err := r.preds.Save(ctx, tx, p); err != nil {
			return err
		}
		return r.tasks.MarkDone(ctx, tx, task.ID)
	})
	if err != nil {
		r.log.Error().Err(err).Str("task_id", task.ID).Msg("could not record prediction")
		return
	}
	metrics.IncRowTask(string(model.RowTaskDone))
	r.log.Debug().
		Str("task_id", task.ID).Str("label", label).Int64("latency_ms", latencyMs).
		Msg("task done")
}

// failTask requeues a task the predict call failed on, bumping the retry
// counter immediately rather than waiting for the watchdog.
func (r *Runner) failTask(ctx context.Context, task *model.RowTask, family string, cause error) {
	status, retries, err := r.tasks.Requeue(ctx, task.ID, cause.Error(), r.opts.MaxRetries)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			r.log.Error().Err(err).Str("task_id", task.ID).Msg("requeue failed")
		}
		return
	}
	metrics.IncRowTaskRequeued(family)
	if status == model.RowTaskFailed {
		metrics.IncRowTask(string(model.RowTaskFailed))
		// retries comes from the store; the local task copy may be stale.
		r.log.Warn().Err(cause).Str("task_id", task.ID).Int("retries", retries).
			Msg("task exhausted its retries")
		return
	}
	r.log.Warn().Err(cause).Str("task_id", task.ID).Msg("task requeued after predict failure")
}
