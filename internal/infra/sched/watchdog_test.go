package sched

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ensemble-inference-scheduler/internal/domain/model"
	"ensemble-inference-scheduler/internal/domain/ports/repository"
	"ensemble-inference-scheduler/internal/infra/db/memory"
)

func seedCell(t *testing.T, s *memory.Store, n int) *model.WorkCell {
	t.Helper()
	ctx := context.Background()

	ds := &model.Dataset{Name: "sst2"}
	if err := s.Datasets().Save(ctx, repository.NoTX, ds); err != nil {
		t.Fatalf("save dataset: %v", err)
	}
	rows := make([]*model.Row, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, &model.Row{DatasetID: ds.ID, Text: "x"})
	}
	if err := s.Datasets().SaveRows(ctx, repository.NoTX, rows); err != nil {
		t.Fatalf("save rows: %v", err)
	}
	m := &model.AIModel{Name: "gpt-4o-mini", Family: "openai"}
	if err := s.Models().Save(ctx, repository.NoTX, m); err != nil {
		t.Fatalf("save model: %v", err)
	}
	p := &model.Prompt{Name: "zero-shot", Template: "{{text}}"}
	if err := s.Prompts().Save(ctx, repository.NoTX, p); err != nil {
		t.Fatalf("save prompt: %v", err)
	}
	cell := &model.WorkCell{ModelID: m.ID, PromptID: p.ID, DatasetID: ds.ID}
	if err := s.WorkCells().Create(ctx, repository.NoTX, cell); err != nil {
		t.Fatalf("create cell: %v", err)
	}
	tasks := make([]*model.RowTask, 0, n)
	for _, r := range rows {
		tasks = append(tasks, &model.RowTask{WorkCellID: cell.ID, RowID: r.ID})
	}
	if err := s.RowTasks().CreateBatch(ctx, repository.NoTX, tasks); err != nil {
		t.Fatalf("create tasks: %v", err)
	}
	return cell
}

func newWatchdog(s *memory.Store, staleThreshold time.Duration, maxRetries int) *Watchdog {
	logger := zerolog.Nop()
	return NewWatchdog(s.RowTasks(), s.WorkCells(), staleThreshold, maxRetries, &logger)
}

func TestWatchdog_ResetsAbandonedTasks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.NewStore()
	cell := seedCell(t, s, 3)

	// A worker claims the whole cell and dies.
	if _, err := s.WorkCells().ClaimAvailable(ctx, []string{"openai"}); err != nil {
		t.Fatalf("claim cell: %v", err)
	}
	if batch, err := s.RowTasks().ClaimBatch(ctx, cell.ID, 3); err != nil || len(batch) != 3 {
		t.Fatalf("claim batch: %v (%d tasks)", err, len(batch))
	}

	time.Sleep(5 * time.Millisecond)
	wd := newWatchdog(s, time.Millisecond, 3)
	wd.RunOnce(ctx)

	counts, err := s.RowTasks().CountByStatus(ctx, repository.NoTX, cell.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[model.RowTaskPending] != 3 {
		t.Fatalf("counts after reset: %v, want 3 pending", counts)
	}

	// The reset bumped every task's retry counter once.
	batch, err := s.RowTasks().ClaimBatch(ctx, cell.ID, 3)
	if err != nil || len(batch) != 3 {
		t.Fatalf("reclaim: %v (%d tasks)", err, len(batch))
	}
	for _, task := range batch {
		if task.RetryCount != 1 {
			t.Fatalf("task %s retry count = %d, want 1", task.ID, task.RetryCount)
		}
	}
}

func TestWatchdog_LeavesFreshClaimsAlone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.NewStore()
	cell := seedCell(t, s, 2)

	if _, err := s.WorkCells().ClaimAvailable(ctx, []string{"openai"}); err != nil {
		t.Fatalf("claim cell: %v", err)
	}
	if _, err := s.RowTasks().ClaimBatch(ctx, cell.ID, 2); err != nil {
		t.Fatalf("claim batch: %v", err)
	}

	wd := newWatchdog(s, time.Hour, 3)
	wd.RunOnce(ctx)

	counts, err := s.RowTasks().CountByStatus(ctx, repository.NoTX, cell.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[model.RowTaskInProgress] != 2 {
		t.Fatalf("counts after pass: %v, want 2 in_progress", counts)
	}
}

func TestWatchdog_FailsTaskAfterRetryBudget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.NewStore()
	cell := seedCell(t, s, 1)
	const maxRetries = 1

	if _, err := s.WorkCells().ClaimAvailable(ctx, []string{"openai"}); err != nil {
		t.Fatalf("claim cell: %v", err)
	}
	wd := newWatchdog(s, time.Millisecond, maxRetries)

	// Pass 1: reset to pending (retry 1). Pass 2: budget exhausted, failed.
	for pass := 0; pass < 2; pass++ {
		if _, err := s.RowTasks().ClaimBatch(ctx, cell.ID, 1); err != nil {
			t.Fatalf("claim batch (pass %d): %v", pass, err)
		}
		time.Sleep(5 * time.Millisecond)
		wd.RunOnce(ctx)
	}

	counts, err := s.RowTasks().CountByStatus(ctx, repository.NoTX, cell.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[model.RowTaskFailed] != 1 {
		t.Fatalf("counts after passes: %v, want 1 failed", counts)
	}
}

func TestWatchdog_ReclaimsCellAfterWorkerDeath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.NewStore()
	cell := seedCell(t, s, 2)

	// The worker claims the cell and its tasks, then dies before releasing.
	// The cell is stuck in_use with a leaked worker count; ClaimAvailable
	// cannot see it.
	if _, err := s.WorkCells().ClaimAvailable(ctx, []string{"openai"}); err != nil {
		t.Fatalf("claim cell: %v", err)
	}
	if batch, err := s.RowTasks().ClaimBatch(ctx, cell.ID, 2); err != nil || len(batch) != 2 {
		t.Fatalf("claim batch: %v (%d tasks)", err, len(batch))
	}

	// One pass must both recover the tasks and return the cell to rotation.
	time.Sleep(5 * time.Millisecond)
	wd := newWatchdog(s, time.Millisecond, 3)
	wd.RunOnce(ctx)

	got, err := s.WorkCells().FindByID(ctx, repository.NoTX, cell.ID)
	if err != nil {
		t.Fatalf("find cell: %v", err)
	}
	if got.Status != model.WorkCellAvailable || got.ActiveWorkers != 0 {
		t.Fatalf("cell is %s with %d workers after pass, want available/0", got.Status, got.ActiveWorkers)
	}
	counts, err := s.RowTasks().CountByStatus(ctx, repository.NoTX, cell.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[model.RowTaskPending] != 2 {
		t.Fatalf("counts after pass: %v, want 2 pending", counts)
	}
	reclaimed, err := s.WorkCells().ClaimAvailable(ctx, []string{"openai"})
	if err != nil {
		t.Fatalf("reclaimed cell is not claimable: %v", err)
	}
	if reclaimed.ID != cell.ID {
		t.Fatalf("claimed cell %s, want %s", reclaimed.ID, cell.ID)
	}
}

func TestWatchdog_ReopensDoneCellWithPendingWork(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.NewStore()
	cell := seedCell(t, s, 1)

	// Drive the cell to done.
	if _, err := s.WorkCells().ClaimAvailable(ctx, []string{"openai"}); err != nil {
		t.Fatalf("claim cell: %v", err)
	}
	batch, err := s.RowTasks().ClaimBatch(ctx, cell.ID, 1)
	if err != nil || len(batch) != 1 {
		t.Fatalf("claim batch: %v (%d tasks)", err, len(batch))
	}
	if err := s.RowTasks().MarkDone(ctx, repository.NoTX, batch[0].ID); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	status, err := s.WorkCells().Release(ctx, cell.ID)
	if err != nil || status != model.WorkCellDone {
		t.Fatalf("release: %v (status %s)", err, status)
	}

	// New pending work appears on the done cell.
	err = s.RowTasks().CreateBatch(ctx, repository.NoTX, []*model.RowTask{
		{WorkCellID: cell.ID, RowID: "late-row"},
	})
	if err != nil {
		t.Fatalf("create late task: %v", err)
	}

	wd := newWatchdog(s, time.Hour, 3)
	wd.RunOnce(ctx)

	got, err := s.WorkCells().FindByID(ctx, repository.NoTX, cell.ID)
	if err != nil {
		t.Fatalf("find cell: %v", err)
	}
	if got.Status != model.WorkCellAvailable {
		t.Fatalf("cell is %s after pass, want available", got.Status)
	}
}
