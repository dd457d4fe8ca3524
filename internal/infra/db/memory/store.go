// Package memory implements every repository port on a single mutex-guarded
// in-memory structure. It runs the identical claim/release/reset state
// machine as the Postgres backend and backs single-node deployments and the
// concurrency tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/oklog/ulid/v2"

	"ensemble-inference-scheduler/internal/domain"
	"ensemble-inference-scheduler/internal/domain/model"
	"ensemble-inference-scheduler/internal/domain/ports/repository"
)

type Store struct {
	mu sync.Mutex

	datasets      map[string]*model.Dataset
	datasetByName map[string]string
	rows          map[string]*model.Row
	models        map[string]*model.AIModel
	modelByName   map[string]string
	prompts       map[string]*model.Prompt
	promptByName  map[string]string
	cells         map[string]*model.WorkCell
	cellByTriple  map[[3]string]string
	tasks         map[string]*model.RowTask
	predictions   []*model.Prediction
}

func NewStore() *Store {
	return &Store{
		datasets:      make(map[string]*model.Dataset),
		datasetByName: make(map[string]string),
		rows:          make(map[string]*model.Row),
		models:        make(map[string]*model.AIModel),
		modelByName:   make(map[string]string),
		prompts:       make(map[string]*model.Prompt),
		promptByName:  make(map[string]string),
		cells:         make(map[string]*model.WorkCell),
		cellByTriple:  make(map[[3]string]string),
		tasks:         make(map[string]*model.RowTask),
	}
}

// memTx marks calls made inside WithTx: the callback already holds the lock,
// so repository methods must not re-acquire it.
type memTx struct{}

var _ repository.TransactionManager = (*Store)(nil)

// WithTx holds the store lock for the whole callback, which gives the same
// all-or-nothing visibility the Postgres transaction provides: a worker can
// never observe a work cell before its task fan-out exists. There is no
// rollback; callers treat a mid-callback error as fatal for the entity.
func (s *Store) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx, memTx{})
}

func (s *Store) lock(tx repository.Tx) func() {
	if _, ok := tx.(memTx); ok {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// ---- DatasetRepository ----

type DatasetRepo struct{ s *Store }

var _ repository.DatasetRepository = (*DatasetRepo)(nil)

func (s *Store) Datasets() *DatasetRepo { return &DatasetRepo{s} }

func (r *DatasetRepo) Save(ctx context.Context, tx repository.Tx, ds *model.Dataset) error {
	defer r.s.lock(tx)()
	if id, ok := r.s.datasetByName[ds.Name]; ok {
		*ds = *r.s.datasets[id]
		return nil
	}
	if ds.ID == "" {
		ds.ID = uuid.NewString()
	}
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = time.Now()
	}
	cp := *ds
	r.s.datasets[ds.ID] = &cp
	r.s.datasetByName[ds.Name] = ds.ID
	return nil
}

func (r *DatasetRepo) FindByName(ctx context.Context, tx repository.Tx, name string) (*model.Dataset, error) {
	defer r.s.lock(tx)()
	id, ok := r.s.datasetByName[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r.s.datasets[id]
	return &cp, nil
}

func (r *DatasetRepo) SaveRows(ctx context.Context, tx repository.Tx, rows []*model.Row) error {
	defer r.s.lock(tx)()
	now := time.Now()
	for _, rw := range rows {
		if rw.DatasetID == "" {
			return domain.ErrRowWithoutDataset
		}
		if _, ok := r.s.datasets[rw.DatasetID]; !ok {
			return domain.ErrRowWithoutDataset
		}
		if rw.ID == "" {
			rw.ID = uuid.NewString()
		}
		if _, ok := r.s.rows[rw.ID]; ok {
			continue
		}
		if rw.CreatedAt.IsZero() {
			rw.CreatedAt = now
		}
		cp := *rw
		r.s.rows[rw.ID] = &cp
	}
	return nil
}

func (r *DatasetRepo) ListRows(ctx context.Context, tx repository.Tx, datasetID string) ([]*model.Row, error) {
	defer r.s.lock(tx)()
	var out []*model.Row
	for _, rw := range r.s.rows {
		if rw.DatasetID == datasetID {
			cp := *rw
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *DatasetRepo) FindRow(ctx context.Context, tx repository.Tx, rowID string) (*model.Row, error) {
	defer r.s.lock(tx)()
	rw, ok := r.s.rows[rowID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rw
	return &cp, nil
}

func (r *DatasetRepo) CountRows(ctx context.Context, tx repository.Tx, datasetID string) (int, error) {
	defer r.s.lock(tx)()
	n := 0
	for _, rw := range r.s.rows {
		if rw.DatasetID == datasetID {
			n++
		}
	}
	return n, nil
}

// ---- ModelRepository / PromptRepository ----

type ModelRepo struct{ s *Store }

var _ repository.ModelRepository = (*ModelRepo)(nil)

func (s *Store) Models() *ModelRepo { return &ModelRepo{s} }

func (r *ModelRepo) Save(ctx context.Context, tx repository.Tx, m *model.AIModel) error {
	defer r.s.lock(tx)()
	if id, ok := r.s.modelByName[m.Name]; ok {
		*m = *r.s.models[id]
		return nil
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	cp := *m
	r.s.models[m.ID] = &cp
	r.s.modelByName[m.Name] = m.ID
	return nil
}

func (r *ModelRepo) FindByName(ctx context.Context, tx repository.Tx, name string) (*model.AIModel, error) {
	defer r.s.lock(tx)()
	id, ok := r.s.modelByName[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r.s.models[id]
	return &cp, nil
}

func (r *ModelRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.AIModel, error) {
	defer r.s.lock(tx)()
	m, ok := r.s.models[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *ModelRepo) List(ctx context.Context, tx repository.Tx) ([]*model.AIModel, error) {
	defer r.s.lock(tx)()
	var out []*model.AIModel
	for _, m := range r.s.models {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type PromptRepo struct{ s *Store }

var _ repository.PromptRepository = (*PromptRepo)(nil)

func (s *Store) Prompts() *PromptRepo { return &PromptRepo{s} }

func (r *PromptRepo) Save(ctx context.Context, tx repository.Tx, p *model.Prompt) error {
	defer r.s.lock(tx)()
	if id, ok := r.s.promptByName[p.Name]; ok {
		*p = *r.s.prompts[id]
		return nil
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	cp := *p
	r.s.prompts[p.ID] = &cp
	r.s.promptByName[p.Name] = p.ID
	return nil
}

func (r *PromptRepo) FindByName(ctx context.Context, tx repository.Tx, name string) (*model.Prompt, error) {
	defer r.s.lock(tx)()
	id, ok := r.s.promptByName[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r.s.prompts[id]
	return &cp, nil
}

func (r *PromptRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Prompt, error) {
	defer r.s.lock(tx)()
	p, ok := r.s.prompts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *PromptRepo) List(ctx context.Context, tx repository.Tx) ([]*model.Prompt, error) {
	defer r.s.lock(tx)()
	var out []*model.Prompt
	for _, p := range r.s.prompts {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ---- WorkCellRepository ----

type WorkCellRepo struct{ s *Store }

var _ repository.WorkCellRepository = (*WorkCellRepo)(nil)

func (s *Store) WorkCells() *WorkCellRepo { return &WorkCellRepo{s} }

func (r *WorkCellRepo) Create(ctx context.Context, tx repository.Tx, cell *model.WorkCell) error {
	defer r.s.lock(tx)()
	triple := [3]string{cell.ModelID, cell.PromptID, cell.DatasetID}
	if _, ok := r.s.cellByTriple[triple]; ok {
		return domain.ErrAlreadyExists
	}
	if cell.ID == "" {
		cell.ID = uuid.NewString()
	}
	now := time.Now()
	if cell.CreatedAt.IsZero() {
		cell.CreatedAt = now
	}
	cell.UpdatedAt = now
	cell.Status = model.WorkCellAvailable
	cell.ActiveWorkers = 0
	cp := *cell
	r.s.cells[cell.ID] = &cp
	r.s.cellByTriple[triple] = cell.ID
	return nil
}

func (r *WorkCellRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.WorkCell, error) {
	defer r.s.lock(tx)()
	c, ok := r.s.cells[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *WorkCellRepo) List(ctx context.Context, tx repository.Tx) ([]*model.WorkCell, error) {
	defer r.s.lock(tx)()
	return r.s.listCellsLocked(func(*model.WorkCell) bool { return true }), nil
}

func (r *WorkCellRepo) ListDone(ctx context.Context, tx repository.Tx) ([]*model.WorkCell, error) {
	defer r.s.lock(tx)()
	return r.s.listCellsLocked(func(c *model.WorkCell) bool { return c.Status == model.WorkCellDone }), nil
}

func (s *Store) listCellsLocked(keep func(*model.WorkCell) bool) []*model.WorkCell {
	var out []*model.WorkCell
	for _, c := range s.cells {
		if keep(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *WorkCellRepo) ClaimAvailable(ctx context.Context, families []string) (*model.WorkCell, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	allowed := make(map[string]bool, len(families))
	for _, f := range families {
		allowed[f] = true
	}
	candidates := r.s.listCellsLocked(func(c *model.WorkCell) bool {
		if c.Status != model.WorkCellAvailable {
			return false
		}
		m, ok := r.s.models[c.ModelID]
		return ok && allowed[m.Family]
	})
	if len(candidates) == 0 {
		return nil, domain.ErrNoEligibleWork
	}
	cell := r.s.cells[candidates[0].ID]
	cell.Status = model.WorkCellInUse
	cell.ActiveWorkers++
	cell.UpdatedAt = time.Now()
	cp := *cell
	return &cp, nil
}

func (r *WorkCellRepo) Release(ctx context.Context, cellID string) (model.WorkCellStatus, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cell, ok := r.s.cells[cellID]
	if !ok {
		return "", domain.ErrNotFound
	}
	if cell.ActiveWorkers > 0 {
		cell.ActiveWorkers--
	}
	remaining := false
	for _, t := range r.s.tasks {
		if t.WorkCellID == cellID && !t.Terminal() {
			remaining = true
			break
		}
	}
	switch {
	case cell.ActiveWorkers == 0 && !remaining:
		cell.Status = model.WorkCellDone
	case cell.ActiveWorkers == 0:
		cell.Status = model.WorkCellAvailable
	default:
		cell.Status = model.WorkCellInUse
	}
	cell.UpdatedAt = time.Now()
	return cell.Status, nil
}

func (r *WorkCellRepo) ReclaimAbandoned(ctx context.Context, olderThan time.Time) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var ids []string
	for _, cell := range r.s.cells {
		if cell.Status != model.WorkCellInUse || !cell.UpdatedAt.Before(olderThan) {
			continue
		}
		pending, inProgress := false, false
		for _, t := range r.s.tasks {
			if t.WorkCellID != cell.ID {
				continue
			}
			switch t.Status {
			case model.RowTaskPending:
				pending = true
			case model.RowTaskInProgress:
				inProgress = true
			}
		}
		if !pending || inProgress {
			continue
		}
		cell.Status = model.WorkCellAvailable
		cell.ActiveWorkers = 0
		cell.UpdatedAt = time.Now()
		ids = append(ids, cell.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *WorkCellRepo) Reopen(ctx context.Context, cellID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cell, ok := r.s.cells[cellID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if cell.Status != model.WorkCellDone {
		return false, nil
	}
	pending := false
	for _, t := range r.s.tasks {
		if t.WorkCellID == cellID && t.Status == model.RowTaskPending {
			pending = true
			break
		}
	}
	if !pending {
		return false, nil
	}
	if cell.ActiveWorkers > 0 {
		cell.Status = model.WorkCellInUse
	} else {
		cell.Status = model.WorkCellAvailable
	}
	cell.UpdatedAt = time.Now()
	return true, nil
}

// ---- RowTaskRepository ----

type RowTaskRepo struct{ s *Store }

var _ repository.RowTaskRepository = (*RowTaskRepo)(nil)

func (s *Store) RowTasks() *RowTaskRepo { return &RowTaskRepo{s} }

func (r *RowTaskRepo) CreateBatch(ctx context.Context, tx repository.Tx, tasks []*model.RowTask) error {
	defer r.s.lock(tx)()
	now := time.Now()
	for _, t := range tasks {
		exists := false
		for _, have := range r.s.tasks {
			if have.WorkCellID == t.WorkCellID && have.RowID == t.RowID {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.Status = model.RowTaskPending
		t.RetryCount = 0
		t.CreatedAt = now
		t.UpdatedAt = now
		cp := *t
		r.s.tasks[t.ID] = &cp
	}
	return nil
}

func (r *RowTaskRepo) ClaimBatch(ctx context.Context, cellID string, limit int) ([]*model.RowTask, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var pending []*model.RowTask
	for _, t := range r.s.tasks {
		if t.WorkCellID == cellID && t.Status == model.RowTaskPending {
			pending = append(pending, t)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}

	now := time.Now()
	out := make([]*model.RowTask, 0, len(pending))
	for _, t := range pending {
		t.Status = model.RowTaskInProgress
		claimed := now
		t.ClaimedAt = &claimed
		t.UpdatedAt = now
		cp := *t
		cpClaimed := claimed
		cp.ClaimedAt = &cpClaimed
		out = append(out, &cp)
	}
	return out, nil
}

func (r *RowTaskRepo) MarkDone(ctx context.Context, tx repository.Tx, taskID string) error {
	defer r.s.lock(tx)()
	t, ok := r.s.tasks[taskID]
	if !ok || t.Status == model.RowTaskFailed {
		return domain.ErrNotFound
	}
	t.Status = model.RowTaskDone
	t.UpdatedAt = time.Now()
	return nil
}

func (r *RowTaskRepo) Requeue(ctx context.Context, taskID string, lastError string, maxRetries int) (model.RowTaskStatus, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tasks[taskID]
	if !ok || t.Status != model.RowTaskInProgress {
		return "", 0, domain.ErrNotFound
	}
	t.RetryCount++
	t.LastError = lastError
	t.ClaimedAt = nil
	t.UpdatedAt = time.Now()
	if t.RetryCount > maxRetries {
		t.Status = model.RowTaskFailed
	} else {
		t.Status = model.RowTaskPending
	}
	return t.Status, t.RetryCount, nil
}

func (r *RowTaskRepo) ResetStale(ctx context.Context, olderThan time.Time, maxRetries int) ([]repository.StaleReset, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var resets []repository.StaleReset
	for _, t := range r.s.tasks {
		if t.Status != model.RowTaskInProgress || t.ClaimedAt == nil || !t.ClaimedAt.Before(olderThan) {
			continue
		}
		t.RetryCount++
		t.ClaimedAt = nil
		t.LastError = "stale claim reset by watchdog"
		t.UpdatedAt = time.Now()
		if t.RetryCount > maxRetries {
			t.Status = model.RowTaskFailed
		} else {
			t.Status = model.RowTaskPending
		}
		resets = append(resets, repository.StaleReset{
			TaskID:     t.ID,
			WorkCellID: t.WorkCellID,
			RetryCount: t.RetryCount,
			Failed:     t.Status == model.RowTaskFailed,
		})
	}
	return resets, nil
}

func (r *RowTaskRepo) CountByStatus(ctx context.Context, tx repository.Tx, cellID string) (map[model.RowTaskStatus]int, error) {
	defer r.s.lock(tx)()
	out := make(map[model.RowTaskStatus]int)
	for _, t := range r.s.tasks {
		if t.WorkCellID == cellID {
			out[t.Status]++
		}
	}
	return out, nil
}

func (r *RowTaskRepo) ListFailed(ctx context.Context, tx repository.Tx, cellID string) ([]*model.RowTask, error) {
	defer r.s.lock(tx)()
	var out []*model.RowTask
	for _, t := range r.s.tasks {
		if t.WorkCellID == cellID && t.Status == model.RowTaskFailed {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- PredictionRepository ----

type PredictionRepo struct{ s *Store }

var _ repository.PredictionRepository = (*PredictionRepo)(nil)

func (s *Store) Predictions() *PredictionRepo { return &PredictionRepo{s} }

func (r *PredictionRepo) Save(ctx context.Context, tx repository.Tx, p *model.Prediction) error {
	defer r.s.lock(tx)()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.ID == "" {
		p.ID = ulid.Make().String()
	}
	cp := *p
	r.s.predictions = append(r.s.predictions, &cp)
	return nil
}

func (r *PredictionRepo) LatestByCell(ctx context.Context, tx repository.Tx, cellID string) ([]*model.Prediction, error) {
	defer r.s.lock(tx)()
	latest := make(map[string]*model.Prediction)
	for _, p := range r.s.predictions {
		if p.WorkCellID != cellID {
			continue
		}
		if have, ok := latest[p.RowID]; !ok || p.ID > have.ID {
			// ULIDs sort by creation time.
			latest[p.RowID] = p
		}
	}
	var out []*model.Prediction
	for _, p := range latest {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowID < out[j].RowID })
	return out, nil
}

func (r *PredictionRepo) CountByCell(ctx context.Context, tx repository.Tx, cellID string) (int, error) {
	defer r.s.lock(tx)()
	n := 0
	for _, p := range r.s.predictions {
		if p.WorkCellID == cellID {
			n++
		}
	}
	return n, nil
}
