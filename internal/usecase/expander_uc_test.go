package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"ensemble-inference-scheduler/internal/domain"
	"ensemble-inference-scheduler/internal/domain/model"
	"ensemble-inference-scheduler/internal/domain/ports/repository"
	"ensemble-inference-scheduler/internal/infra/db/memory"
)

// Unit tests run against the memory backend, which implements the same
// claim/release state machine as Postgres behind identical ports.

func newExpanderFixture() (*memory.Store, ExpanderUseCase) {
	s := memory.NewStore()
	logger := zerolog.Nop()
	uc := NewExpanderUseCase(s.Datasets(), s.Models(), s.Prompts(), s.WorkCells(), s.RowTasks(), s, &logger)
	return s, uc
}

// sampleRows builds rows the way ingest does: no ids, content only. Each
// call returns fresh structs, like re-parsing the same file.
func sampleRows(n int) []*model.Row {
	rows := make([]*model.Row, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, &model.Row{Text: fmt.Sprintf("row %d", i)})
	}
	return rows
}

func TestExpander_RegisterDataset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, uc := newExpanderFixture()

	rows := sampleRows(5)
	ds, err := uc.RegisterDataset(ctx, "sst2", rows)
	if err != nil {
		t.Fatalf("RegisterDataset: %v", err)
	}
	if ds.ID == "" {
		t.Fatal("dataset ID not assigned")
	}
	n, err := s.Datasets().CountRows(ctx, repository.NoTX, ds.ID)
	if err != nil {
		t.Fatalf("CountRows: %v", err)
	}
	if n != 5 {
		t.Fatalf("stored %d rows, want 5", n)
	}

	// Re-registering the same file re-parses it into fresh structs with no
	// ids; content identity keeps the row set stable.
	if _, err := uc.RegisterDataset(ctx, "sst2", sampleRows(5)); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if n, _ = s.Datasets().CountRows(ctx, repository.NoTX, ds.ID); n != 5 {
		t.Fatalf("re-register grew rows to %d, want 5", n)
	}

	// And a grown file only adds the new rows.
	if _, err := uc.RegisterDataset(ctx, "sst2", sampleRows(7)); err != nil {
		t.Fatalf("register grown file: %v", err)
	}
	if n, _ = s.Datasets().CountRows(ctx, repository.NoTX, ds.ID); n != 7 {
		t.Fatalf("grown file left %d rows, want 7", n)
	}
}

func TestExpander_RegisterDataset_KeepsExplicitRowIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, uc := newExpanderFixture()

	rows := []*model.Row{{ID: "row-1", Text: "hand-picked"}}
	ds, err := uc.RegisterDataset(ctx, "curated", rows)
	if err != nil {
		t.Fatalf("RegisterDataset: %v", err)
	}
	got, err := s.Datasets().FindRow(ctx, repository.NoTX, "row-1")
	if err != nil {
		t.Fatalf("FindRow: %v", err)
	}
	if got.DatasetID != ds.ID {
		t.Fatalf("row bound to dataset %s, want %s", got.DatasetID, ds.ID)
	}
}

func TestExpander_RegisterDataset_EmptyName(t *testing.T) {
	t.Parallel()
	_, uc := newExpanderFixture()
	if _, err := uc.RegisterDataset(context.Background(), "", nil); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestExpander_RegisterWorkCell_FanOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, uc := newExpanderFixture()

	if _, err := uc.RegisterDataset(ctx, "sst2", sampleRows(3)); err != nil {
		t.Fatalf("dataset: %v", err)
	}
	if _, err := uc.RegisterModel(ctx, "gpt-4o-mini", "openai"); err != nil {
		t.Fatalf("model: %v", err)
	}
	if _, err := uc.RegisterPrompt(ctx, "zero-shot", "classify: {{text}}"); err != nil {
		t.Fatalf("prompt: %v", err)
	}

	cell, err := uc.RegisterWorkCell(ctx, "gpt-4o-mini", "zero-shot", "sst2")
	if err != nil {
		t.Fatalf("RegisterWorkCell: %v", err)
	}
	if cell.Status != model.WorkCellAvailable {
		t.Fatalf("new cell is %s, want available", cell.Status)
	}

	counts, err := s.RowTasks().CountByStatus(ctx, repository.NoTX, cell.ID)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[model.RowTaskPending] != 3 {
		t.Fatalf("fan-out created %d pending tasks, want 3", counts[model.RowTaskPending])
	}

	// Same triple again is a duplicate.
	if _, err := uc.RegisterWorkCell(ctx, "gpt-4o-mini", "zero-shot", "sst2"); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestExpander_RegisterWorkCell_UnknownReferences(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, uc := newExpanderFixture()

	if _, err := uc.RegisterWorkCell(ctx, "nope", "nope", "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExpander_RegisterMatrix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, uc := newExpanderFixture()

	if _, err := uc.RegisterDataset(ctx, "sst2", sampleRows(2)); err != nil {
		t.Fatalf("dataset: %v", err)
	}
	models := []string{"gpt-4o-mini", "gemini-2.0-flash"}
	families := []string{"openai", "gemini"}
	for i, name := range models {
		if _, err := uc.RegisterModel(ctx, name, families[i]); err != nil {
			t.Fatalf("model %s: %v", name, err)
		}
	}
	prompts := []string{"zero-shot", "few-shot"}
	for _, name := range prompts {
		if _, err := uc.RegisterPrompt(ctx, name, "classify: {{text}}"); err != nil {
			t.Fatalf("prompt %s: %v", name, err)
		}
	}

	created, err := uc.RegisterMatrix(ctx, models, prompts, "sst2")
	if err != nil {
		t.Fatalf("RegisterMatrix: %v", err)
	}
	if created != 4 {
		t.Fatalf("created %d cells, want 4", created)
	}
	cells, err := s.WorkCells().List(ctx, repository.NoTX)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(cells) != 4 {
		t.Fatalf("store holds %d cells, want 4", len(cells))
	}

	// A second expansion over the same matrix creates nothing.
	if created, err = uc.RegisterMatrix(ctx, models, prompts, "sst2"); err != nil {
		t.Fatalf("re-register matrix: %v", err)
	}
	if created != 0 {
		t.Fatalf("re-register created %d cells, want 0", created)
	}
}

func TestExpander_RegisterModel_Validation(t *testing.T) {
	t.Parallel()
	_, uc := newExpanderFixture()
	if _, err := uc.RegisterModel(context.Background(), "", "openai"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := uc.RegisterPrompt(context.Background(), "p", ""); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
