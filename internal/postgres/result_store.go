package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rat-data/rat/platform/internal/domain"
)

// ResultStore implements CRUD access to the results table.
type ResultStore struct {
	pool *pgxpool.Pool
}

// NewResultStore creates a ResultStore backed by the given pool.
func NewResultStore(pool *pgxpool.Pool) *ResultStore {
	return &ResultStore{pool: pool}
}

func (s *ResultStore) CreateResult(ctx context.Context, r *domain.Result) error {
	if !domain.ValidResultType(string(r.ResultType)) {
		return fmt.Errorf("%w: unknown result_type %q", domain.ErrValidation, r.ResultType)
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO results (name, description, result_type) VALUES ($1, $2, $3) RETURNING id, created_at`,
		r.Name, r.Description, string(r.ResultType))
	if err := row.Scan(&r.ID, &r.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: result name %q", domain.ErrAlreadyExists, r.Name)
		}
		return fmt.Errorf("create result: %w", err)
	}
	return nil
}

func (s *ResultStore) GetResult(ctx context.Context, id uuid.UUID) (*domain.Result, error) {
	var r domain.Result
	var resultType string
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, result_type, created_at FROM results WHERE id = $1`, id,
	).Scan(&r.ID, &r.Name, &r.Description, &resultType, &r.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get result: %w", err)
	}
	r.ResultType = domain.ResultType(resultType)
	return &r, nil
}

func (s *ResultStore) ListResults(ctx context.Context) ([]domain.Result, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, description, result_type, created_at FROM results ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	result := []domain.Result{}
	for rows.Next() {
		var r domain.Result
		var resultType string
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &resultType, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.ResultType = domain.ResultType(resultType)
		result = append(result, r)
	}
	return result, rows.Err()
}

// TemplateResultStore implements CRUD access to the template_results table.
type TemplateResultStore struct {
	pool *pgxpool.Pool
}

// NewTemplateResultStore creates a TemplateResultStore backed by the given pool.
func NewTemplateResultStore(pool *pgxpool.Pool) *TemplateResultStore {
	return &TemplateResultStore{pool: pool}
}

func (s *TemplateResultStore) CreateTemplateResult(ctx context.Context, tr *domain.TemplateResult) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO template_results (template_id, result_id, output_key) VALUES ($1, $2, $3) RETURNING id, created_at`,
		tr.TemplateID, tr.ResultID, tr.OutputKey)
	if err := row.Scan(&tr.ID, &tr.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: output_key %q already mapped for this template", domain.ErrAlreadyExists, tr.OutputKey)
		}
		return fmt.Errorf("create template_result: %w", err)
	}
	return nil
}

func (s *TemplateResultStore) ListByTemplate(ctx context.Context, templateID uuid.UUID) ([]domain.TemplateResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, template_id, result_id, output_key, created_at FROM template_results WHERE template_id = $1`, templateID)
	if err != nil {
		return nil, fmt.Errorf("list template_results: %w", err)
	}
	defer rows.Close()

	result := []domain.TemplateResult{}
	for rows.Next() {
		var tr domain.TemplateResult
		if err := rows.Scan(&tr.ID, &tr.TemplateID, &tr.ResultID, &tr.OutputKey, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan template_result: %w", err)
		}
		result = append(result, tr)
	}
	return result, rows.Err()
}

func (s *TemplateResultStore) DeleteTemplateResult(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM template_results WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete template_result: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
