package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rat-data/rat/platform/internal/domain"
)

// PipelineStore implements CRUD access to the pipelines table.
type PipelineStore struct {
	pool *pgxpool.Pool
}

// NewPipelineStore creates a PipelineStore backed by the given pool.
func NewPipelineStore(pool *pgxpool.Pool) *PipelineStore {
	return &PipelineStore{pool: pool}
}

func (s *PipelineStore) CreatePipeline(ctx context.Context, p *domain.Pipeline) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO pipelines (name, description) VALUES ($1, $2) RETURNING id, created_at`,
		p.Name, p.Description)
	if err := row.Scan(&p.ID, &p.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: pipeline name %q", domain.ErrAlreadyExists, p.Name)
		}
		return fmt.Errorf("create pipeline: %w", err)
	}
	return nil
}

func (s *PipelineStore) GetPipeline(ctx context.Context, id uuid.UUID) (*domain.Pipeline, error) {
	var p domain.Pipeline
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, created_at FROM pipelines WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	return &p, nil
}

func (s *PipelineStore) GetPipelineByName(ctx context.Context, name string) (*domain.Pipeline, error) {
	var p domain.Pipeline
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, created_at FROM pipelines WHERE name = $1`, name,
	).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get pipeline by name: %w", err)
	}
	return &p, nil
}

func (s *PipelineStore) ListPipelines(ctx context.Context, limit, offset int) ([]domain.Pipeline, error) {
	query := `SELECT id, name, description, created_at FROM pipelines ORDER BY created_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT $1 OFFSET $2"
		args = append(args, limit, offset)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	result := []domain.Pipeline{}
	for rows.Next() {
		var p domain.Pipeline
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *PipelineStore) UpdatePipeline(ctx context.Context, id uuid.UUID, description string) (*domain.Pipeline, error) {
	var p domain.Pipeline
	err := s.pool.QueryRow(ctx,
		`UPDATE pipelines SET description = $1 WHERE id = $2 RETURNING id, name, description, created_at`,
		description, id,
	).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("update pipeline: %w", err)
	}
	return &p, nil
}

func (s *PipelineStore) DeletePipeline(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete pipeline: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
