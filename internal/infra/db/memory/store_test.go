package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ensemble-inference-scheduler/internal/domain"
	"ensemble-inference-scheduler/internal/domain/model"
	"ensemble-inference-scheduler/internal/domain/ports/repository"
)

// seedCell creates a dataset with n rows, one model of the given family, one
// prompt and one work cell with its full task fan-out.
func seedCell(t *testing.T, s *Store, family string, n int) *model.WorkCell {
	t.Helper()
	ctx := context.Background()

	ds := &model.Dataset{Name: "ds-" + family}
	if err := s.Datasets().Save(ctx, repository.NoTX, ds); err != nil {
		t.Fatalf("save dataset: %v", err)
	}
	rows := make([]*model.Row, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, &model.Row{DatasetID: ds.ID, Text: string(rune('a' + i))})
	}
	if err := s.Datasets().SaveRows(ctx, repository.NoTX, rows); err != nil {
		t.Fatalf("save rows: %v", err)
	}

	m := &model.AIModel{Name: "model-" + family, Family: family}
	if err := s.Models().Save(ctx, repository.NoTX, m); err != nil {
		t.Fatalf("save model: %v", err)
	}
	p := &model.Prompt{Name: "prompt-" + family, Template: "classify: {{text}}"}
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

func TestClaimAvailable_FiltersByFamily(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()
	seedCell(t, s, "openai", 1)
	gemini := seedCell(t, s, "gemini", 1)

	got, err := s.WorkCells().ClaimAvailable(ctx, []string{"gemini"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.ID != gemini.ID {
		t.Fatalf("claimed cell %s, want %s", got.ID, gemini.ID)
	}
	if got.Status != model.WorkCellInUse || got.ActiveWorkers != 1 {
		t.Fatalf("claimed cell not in_use with one worker: %+v", got)
	}

	// The only gemini cell is now in_use.
	if _, err := s.WorkCells().ClaimAvailable(ctx, []string{"gemini"}); !errors.Is(err, domain.ErrNoEligibleWork) {
		t.Fatalf("expected ErrNoEligibleWork, got %v", err)
	}
}

func TestClaimAvailable_NoFamilies(t *testing.T) {
	t.Parallel()
	s := NewStore()
	seedCell(t, s, "openai", 1)
	if _, err := s.WorkCells().ClaimAvailable(context.Background(), []string{"local"}); !errors.Is(err, domain.ErrNoEligibleWork) {
		t.Fatalf("expected ErrNoEligibleWork, got %v", err)
	}
}

func TestClaimBatch_NeverDoubleClaims(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()
	const n = 100
	cell := seedCell(t, s, "openai", n)

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := s.RowTasks().ClaimBatch(ctx, cell.ID, 7)
				if err != nil {
					t.Errorf("claim batch: %v", err)
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, task := range batch {
					claimed[task.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != n {
		t.Fatalf("claimed %d distinct tasks, want %d", len(claimed), n)
	}
	for id, c := range claimed {
		if c != 1 {
			t.Fatalf("task %s claimed %d times", id, c)
		}
	}
}

func TestRequeue_RetryCeiling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()
	cell := seedCell(t, s, "openai", 1)
	const maxRetries = 1

	batch, err := s.RowTasks().ClaimBatch(ctx, cell.ID, 1)
	if err != nil || len(batch) != 1 {
		t.Fatalf("claim batch: %v (%d tasks)", err, len(batch))
	}
	task := batch[0]

	status, retries, err := s.RowTasks().Requeue(ctx, task.ID, "boom", maxRetries)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if status != model.RowTaskPending || retries != 1 {
		t.Fatalf("first requeue settled to %s with %d retries, want pending/1", status, retries)
	}

	if batch, err = s.RowTasks().ClaimBatch(ctx, cell.ID, 1); err != nil || len(batch) != 1 {
		t.Fatalf("reclaim: %v (%d tasks)", err, len(batch))
	}
	status, retries, err = s.RowTasks().Requeue(ctx, task.ID, "boom again", maxRetries)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if status != model.RowTaskFailed {
		t.Fatalf("second requeue settled to %s, want failed", status)
	}
	// The reported count is the stored one, not the caller's copy.
	if retries != 2 {
		t.Fatalf("second requeue reported %d retries, want 2", retries)
	}

	// failed is terminal: neither done nor requeue may touch it again
	if err := s.RowTasks().MarkDone(ctx, repository.NoTX, task.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("MarkDone on failed task: %v, want ErrNotFound", err)
	}
	if _, _, err := s.RowTasks().Requeue(ctx, task.ID, "x", maxRetries); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Requeue on failed task: %v, want ErrNotFound", err)
	}
}

func TestRelease_SettlesCellStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()
	cell := seedCell(t, s, "openai", 2)

	if _, err := s.WorkCells().ClaimAvailable(ctx, []string{"openai"}); err != nil {
		t.Fatalf("claim cell: %v", err)
	}
	batch, err := s.RowTasks().ClaimBatch(ctx, cell.ID, 2)
	if err != nil || len(batch) != 2 {
		t.Fatalf("claim batch: %v (%d tasks)", err, len(batch))
	}

	// One task finished, one requeued: releasing must keep the cell available.
	if err := s.RowTasks().MarkDone(ctx, repository.NoTX, batch[0].ID); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if _, _, err := s.RowTasks().Requeue(ctx, batch[1].ID, "transient", 3); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	status, err := s.WorkCells().Release(ctx, cell.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if status != model.WorkCellAvailable {
		t.Fatalf("released to %s, want available", status)
	}

	// Finish the remaining task: releasing must settle the cell to done.
	if _, err := s.WorkCells().ClaimAvailable(ctx, []string{"openai"}); err != nil {
		t.Fatalf("reclaim cell: %v", err)
	}
	if batch, err = s.RowTasks().ClaimBatch(ctx, cell.ID, 2); err != nil || len(batch) != 1 {
		t.Fatalf("reclaim batch: %v (%d tasks)", err, len(batch))
	}
	if err := s.RowTasks().MarkDone(ctx, repository.NoTX, batch[0].ID); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if status, err = s.WorkCells().Release(ctx, cell.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if status != model.WorkCellDone {
		t.Fatalf("released to %s, want done", status)
	}
}

func TestReopen_OnlyWithPendingTasks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()
	cell := seedCell(t, s, "openai", 1)

	if _, err := s.WorkCells().ClaimAvailable(ctx, []string{"openai"}); err != nil {
		t.Fatalf("claim cell: %v", err)
	}
	batch, _ := s.RowTasks().ClaimBatch(ctx, cell.ID, 1)
	if err := s.RowTasks().MarkDone(ctx, repository.NoTX, batch[0].ID); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if _, err := s.WorkCells().Release(ctx, cell.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	// Fully drained: nothing to reopen.
	reopened, err := s.WorkCells().Reopen(ctx, cell.ID)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened {
		t.Fatal("reopened a cell with no pending tasks")
	}

	// A late fan-out (dataset grew) makes the done cell eligible again.
	err = s.RowTasks().CreateBatch(ctx, repository.NoTX, []*model.RowTask{
		{WorkCellID: cell.ID, RowID: "late-row"},
	})
	if err != nil {
		t.Fatalf("create late task: %v", err)
	}
	if reopened, err = s.WorkCells().Reopen(ctx, cell.ID); err != nil || !reopened {
		t.Fatalf("reopen: %v (reopened=%v)", err, reopened)
	}
	got, err := s.WorkCells().FindByID(ctx, repository.NoTX, cell.ID)
	if err != nil {
		t.Fatalf("find cell: %v", err)
	}
	if got.Status != model.WorkCellAvailable {
		t.Fatalf("reopened cell is %s, want available", got.Status)
	}
}

func TestReclaimAbandoned_RescuesOrphanedCell(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()
	cell := seedCell(t, s, "openai", 2)

	// A worker claims the cell and its tasks, then dies without releasing.
	if _, err := s.WorkCells().ClaimAvailable(ctx, []string{"openai"}); err != nil {
		t.Fatalf("claim cell: %v", err)
	}
	if batch, err := s.RowTasks().ClaimBatch(ctx, cell.ID, 2); err != nil || len(batch) != 2 {
		t.Fatalf("claim batch: %v (%d tasks)", err, len(batch))
	}

	// Tasks still in_progress: the cell is not reclaimable yet.
	ids, err := s.WorkCells().ReclaimAbandoned(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("reclaimed %d cells with in_progress tasks, want 0", len(ids))
	}

	// The watchdog's task pass returns the dead worker's tasks to pending.
	if _, err := s.RowTasks().ResetStale(ctx, time.Now().Add(time.Second), 3); err != nil {
		t.Fatalf("reset stale: %v", err)
	}

	// A recently touched cell is left alone.
	if ids, err = s.WorkCells().ReclaimAbandoned(ctx, time.Now().Add(-time.Hour)); err != nil || len(ids) != 0 {
		t.Fatalf("reclaimed %d fresh cells (%v), want 0", len(ids), err)
	}

	// Past the threshold the cell goes back into rotation with the leaked
	// worker count zeroed.
	if ids, err = s.WorkCells().ReclaimAbandoned(ctx, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(ids) != 1 || ids[0] != cell.ID {
		t.Fatalf("reclaimed %v, want exactly cell %s", ids, cell.ID)
	}
	got, err := s.WorkCells().FindByID(ctx, repository.NoTX, cell.ID)
	if err != nil {
		t.Fatalf("find cell: %v", err)
	}
	if got.Status != model.WorkCellAvailable || got.ActiveWorkers != 0 {
		t.Fatalf("reclaimed cell is %s with %d workers, want available/0", got.Status, got.ActiveWorkers)
	}
	if _, err := s.WorkCells().ClaimAvailable(ctx, []string{"openai"}); err != nil {
		t.Fatalf("reclaimed cell is not claimable: %v", err)
	}
}

func TestResetStale_GuardsByClaimTime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()
	cell := seedCell(t, s, "openai", 3)

	batch, err := s.RowTasks().ClaimBatch(ctx, cell.ID, 3)
	if err != nil || len(batch) != 3 {
		t.Fatalf("claim batch: %v (%d tasks)", err, len(batch))
	}
	// One task finished before the watchdog pass.
	if err := s.RowTasks().MarkDone(ctx, repository.NoTX, batch[0].ID); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	cutoff := time.Now().Add(time.Second) // everything claimed so far is stale
	resets, err := s.RowTasks().ResetStale(ctx, cutoff, 3)
	if err != nil {
		t.Fatalf("reset stale: %v", err)
	}
	if len(resets) != 2 {
		t.Fatalf("reset %d tasks, want 2 (done task must win)", len(resets))
	}
	counts, err := s.RowTasks().CountByStatus(ctx, repository.NoTX, cell.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[model.RowTaskPending] != 2 || counts[model.RowTaskDone] != 1 {
		t.Fatalf("unexpected counts after reset: %v", counts)
	}

	// A fresh claim must survive a pass with a realistic threshold.
	if batch, err = s.RowTasks().ClaimBatch(ctx, cell.ID, 2); err != nil || len(batch) != 2 {
		t.Fatalf("reclaim: %v (%d tasks)", err, len(batch))
	}
	resets, err = s.RowTasks().ResetStale(ctx, time.Now().Add(-time.Hour), 3)
	if err != nil {
		t.Fatalf("reset stale: %v", err)
	}
	if len(resets) != 0 {
		t.Fatalf("reset %d fresh tasks, want 0", len(resets))
	}
}
