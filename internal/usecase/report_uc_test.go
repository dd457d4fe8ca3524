package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"ensemble-inference-scheduler/internal/domain"
	"ensemble-inference-scheduler/internal/domain/model"
	"ensemble-inference-scheduler/internal/domain/ports/repository"
	"ensemble-inference-scheduler/internal/infra/db/memory"
)

func newReportFixture(t *testing.T) (*memory.Store, ReportUseCase, *model.WorkCell) {
	t.Helper()
	ctx := context.Background()
	s, expander := newExpanderFixture()

	if _, err := expander.RegisterDataset(ctx, "sst2", sampleRows(4)); err != nil {
		t.Fatalf("dataset: %v", err)
	}
	if _, err := expander.RegisterModel(ctx, "gpt-4o-mini", "openai"); err != nil {
		t.Fatalf("model: %v", err)
	}
	if _, err := expander.RegisterPrompt(ctx, "zero-shot", "classify: {{text}}"); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	cell, err := expander.RegisterWorkCell(ctx, "gpt-4o-mini", "zero-shot", "sst2")
	if err != nil {
		t.Fatalf("cell: %v", err)
	}

	logger := zerolog.Nop()
	return s, NewReportUseCase(s.Datasets(), s.WorkCells(), s.RowTasks(), s.Predictions(), &logger), cell
}

func TestReport_CellProgress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, uc, cell := newReportFixture(t)

	// Finish one task, fail another, leave two pending.
	batch, err := s.RowTasks().ClaimBatch(ctx, cell.ID, 2)
	if err != nil || len(batch) != 2 {
		t.Fatalf("claim batch: %v (%d tasks)", err, len(batch))
	}
	if err := s.RowTasks().MarkDone(ctx, repository.NoTX, batch[0].ID); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if err := s.Predictions().Save(ctx, repository.NoTX, &model.Prediction{
		WorkCellID: cell.ID, RowID: batch[0].RowID, Label: "positive", LatencyMs: 12,
	}); err != nil {
		t.Fatalf("save prediction: %v", err)
	}
	if _, _, err := s.RowTasks().Requeue(ctx, batch[1].ID, "provider 500", 0); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	progress, err := uc.CellProgress(ctx, cell.ID)
	if err != nil {
		t.Fatalf("CellProgress: %v", err)
	}
	want := map[model.RowTaskStatus]int{
		model.RowTaskPending: 2,
		model.RowTaskDone:    1,
		model.RowTaskFailed:  1,
	}
	for status, n := range want {
		if progress.TaskCounts[status] != n {
			t.Fatalf("count[%s] = %d, want %d (all: %v)", status, progress.TaskCounts[status], n, progress.TaskCounts)
		}
	}
	if progress.Predictions != 1 {
		t.Fatalf("predictions = %d, want 1", progress.Predictions)
	}

	failed, err := uc.FailedTasks(ctx, cell.ID)
	if err != nil {
		t.Fatalf("FailedTasks: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != batch[1].ID {
		t.Fatalf("failed tasks = %v, want exactly task %s", failed, batch[1].ID)
	}
	if failed[0].LastError != "provider 500" {
		t.Fatalf("last error %q not preserved", failed[0].LastError)
	}
}

func TestReport_LatestPredictionWinsPerRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, uc, cell := newReportFixture(t)

	// Two predictions for the same row: the log is append-only and the most
	// recent record is authoritative.
	for _, label := range []string{"negative", "positive"} {
		if err := s.Predictions().Save(ctx, repository.NoTX, &model.Prediction{
			WorkCellID: cell.ID, RowID: "row-1", Label: label,
		}); err != nil {
			t.Fatalf("save prediction: %v", err)
		}
	}

	latest, err := uc.LatestPredictions(ctx, cell.ID)
	if err != nil {
		t.Fatalf("LatestPredictions: %v", err)
	}
	if len(latest) != 1 {
		t.Fatalf("got %d predictions, want 1", len(latest))
	}
	if latest[0].Label != "positive" {
		t.Fatalf("latest label = %q, want the second write", latest[0].Label)
	}
}

func TestReport_DatasetSummary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, uc, cell := newReportFixture(t)

	batch, err := s.RowTasks().ClaimBatch(ctx, cell.ID, 1)
	if err != nil || len(batch) != 1 {
		t.Fatalf("claim batch: %v (%d tasks)", err, len(batch))
	}
	if err := s.RowTasks().MarkDone(ctx, repository.NoTX, batch[0].ID); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	summary, err := uc.DatasetSummary(ctx, "sst2")
	if err != nil {
		t.Fatalf("DatasetSummary: %v", err)
	}
	if summary.Rows != 4 {
		t.Fatalf("summary rows = %d, want 4", summary.Rows)
	}
	if len(summary.Cells) != 1 || summary.Cells[0].Cell.ID != cell.ID {
		t.Fatalf("summary cells = %+v, want exactly cell %s", summary.Cells, cell.ID)
	}
	if summary.Cells[0].TaskCounts[model.RowTaskDone] != 1 {
		t.Fatalf("summary task counts = %v", summary.Cells[0].TaskCounts)
	}

	if _, err := uc.DatasetSummary(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("summary of unknown dataset: %v, want ErrNotFound", err)
	}
}

func TestReport_UnknownCell(t *testing.T) {
	t.Parallel()
	_, uc, _ := newReportFixture(t)
	if _, err := uc.CellProgress(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
