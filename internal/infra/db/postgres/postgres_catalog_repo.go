package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"ensemble-inference-scheduler/internal/domain"
	"ensemble-inference-scheduler/internal/domain/model"
	"ensemble-inference-scheduler/internal/domain/ports/repository"
)

// Model and prompt reference data; both are write-once catalogs.

var _ repository.ModelRepository = (*modelRepo)(nil)

type modelRepo struct {
	pool *pgxpool.Pool
}

func NewModelRepo(pool *pgxpool.Pool) *modelRepo {
	return &modelRepo{pool: pool}
}

func (r *modelRepo) Save(ctx context.Context, tx repository.Tx, m *model.AIModel) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	const q = `
INSERT INTO models (id, name, family, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO NOTHING;`
	_, err := execSQL(ctx, r.pool, tx, q, m.ID, m.Name, m.Family, m.CreatedAt)
	return err
}

func (r *modelRepo) FindByName(ctx context.Context, tx repository.Tx, name string) (*model.AIModel, error) {
	return r.findOne(ctx, tx, `SELECT id, name, family, created_at FROM models WHERE name=$1;`, name)
}

func (r *modelRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.AIModel, error) {
	return r.findOne(ctx, tx, `SELECT id, name, family, created_at FROM models WHERE id=$1;`, id)
}

func (r *modelRepo) findOne(ctx context.Context, tx repository.Tx, q, arg string) (*model.AIModel, error) {
	row := pickRow(ctx, r.pool, tx, q, arg)
	var m model.AIModel
	if err := row.Scan(&m.ID, &m.Name, &m.Family, &m.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (r *modelRepo) List(ctx context.Context, tx repository.Tx) ([]*model.AIModel, error) {
	rows, err := queryRows(ctx, r.pool, tx, `SELECT id, name, family, created_at FROM models ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.AIModel
	for rows.Next() {
		var m model.AIModel
		if err := rows.Scan(&m.ID, &m.Name, &m.Family, &m.CreatedAt); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

var _ repository.PromptRepository = (*promptRepo)(nil)

type promptRepo struct {
	pool *pgxpool.Pool
}

func NewPromptRepo(pool *pgxpool.Pool) *promptRepo {
	return &promptRepo{pool: pool}
}

func (r *promptRepo) Save(ctx context.Context, tx repository.Tx, p *model.Prompt) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	const q = `
INSERT INTO prompts (id, name, template, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO NOTHING;`
	_, err := execSQL(ctx, r.pool, tx, q, p.ID, p.Name, p.Template, p.CreatedAt)
	return err
}

func (r *promptRepo) FindByName(ctx context.Context, tx repository.Tx, name string) (*model.Prompt, error) {
	return r.findOne(ctx, tx, `SELECT id, name, template, created_at FROM prompts WHERE name=$1;`, name)
}

func (r *promptRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Prompt, error) {
	return r.findOne(ctx, tx, `SELECT id, name, template, created_at FROM prompts WHERE id=$1;`, id)
}

func (r *promptRepo) findOne(ctx context.Context, tx repository.Tx, q, arg string) (*model.Prompt, error) {
	row := pickRow(ctx, r.pool, tx, q, arg)
	var p model.Prompt
	if err := row.Scan(&p.ID, &p.Name, &p.Template, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *promptRepo) List(ctx context.Context, tx repository.Tx) ([]*model.Prompt, error) {
	rows, err := queryRows(ctx, r.pool, tx, `SELECT id, name, template, created_at FROM prompts ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Prompt
	for rows.Next() {
		var p model.Prompt
		if err := rows.Scan(&p.ID, &p.Name, &p.Template, &p.CreatedAt); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
