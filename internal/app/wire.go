// Package app wires the store backend selected by config into the repository
// ports shared by every binary.
package app

import (
	"context"
	"fmt"

	"ensemble-inference-scheduler/internal/config"
	"ensemble-inference-scheduler/internal/domain/ports/repository"
	"ensemble-inference-scheduler/internal/infra/db/memory"
	pg "ensemble-inference-scheduler/internal/infra/db/postgres"
)

// Stores bundles every repository port plus the transaction manager they
// share. All three binaries (worker, watchdog, ingest) run on the same bundle.
type Stores struct {
	Datasets    repository.DatasetRepository
	Models      repository.ModelRepository
	Prompts     repository.PromptRepository
	Cells       repository.WorkCellRepository
	Tasks       repository.RowTaskRepository
	Predictions repository.PredictionRepository
	TM          repository.TransactionManager

	closer func()
}

func (s *Stores) Close() {
	if s.closer != nil {
		s.closer()
	}
}

// BuildStores selects the backend from config. "postgres" is the shared
// multi-process store; "memory" serves single-process runs and has no
// cross-process coordination.
func BuildStores(ctx context.Context, cfg *config.Config) (*Stores, error) {
	switch cfg.Database.Backend {
	case "postgres":
		pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, 10)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		tm := pg.NewTxManager(pool)
		return &Stores{
			Datasets:    pg.NewDatasetRepo(pool),
			Models:      pg.NewModelRepo(pool),
			Prompts:     pg.NewPromptRepo(pool),
			Cells:       pg.NewWorkCellRepo(pool, tm),
			Tasks:       pg.NewRowTaskRepo(pool),
			Predictions: pg.NewPredictionRepo(pool),
			TM:          tm,
			closer:      pool.Close,
		}, nil
	case "memory":
		store := memory.NewStore()
		return &Stores{
			Datasets:    store.Datasets(),
			Models:      store.Models(),
			Prompts:     store.Prompts(),
			Cells:       store.WorkCells(),
			Tasks:       store.RowTasks(),
			Predictions: store.Predictions(),
			TM:          store,
		}, nil
	default:
		return nil, fmt.Errorf("unknown database backend %q", cfg.Database.Backend)
	}
}
