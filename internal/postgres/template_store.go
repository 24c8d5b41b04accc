package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rat-data/rat/platform/internal/domain"
)

// TemplateStore implements CRUD access to the templates table. Edits to the
// WDL location columns are rejected once any non-failed run exists against
// one of the template's tests (invariant 3) — the orchestrator reasserts
// this even though the API layer already enforces it.
type TemplateStore struct {
	pool *pgxpool.Pool
}

// NewTemplateStore creates a TemplateStore backed by the given pool.
func NewTemplateStore(pool *pgxpool.Pool) *TemplateStore {
	return &TemplateStore{pool: pool}
}

const templateColumns = `id, pipeline_id, name, description, test_wdl, test_wdl_dependencies, eval_wdl, eval_wdl_dependencies, created_at`

func scanTemplate(row pgx.Row) (*domain.Template, error) {
	var t domain.Template
	var testDeps, evalDeps pgtype.Text
	err := row.Scan(&t.ID, &t.PipelineID, &t.Name, &t.Description, &t.TestWDL, &testDeps, &t.EvalWDL, &evalDeps, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.TestWDLDependencies = nullableTextToString(testDeps)
	t.EvalWDLDependencies = nullableTextToString(evalDeps)
	return &t, nil
}

func (s *TemplateStore) CreateTemplate(ctx context.Context, t *domain.Template) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO templates (pipeline_id, name, description, test_wdl, test_wdl_dependencies, eval_wdl, eval_wdl_dependencies)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at`,
		t.PipelineID, t.Name, t.Description, t.TestWDL, textOrNull(t.TestWDLDependencies), t.EvalWDL, textOrNull(t.EvalWDLDependencies))
	if err := row.Scan(&t.ID, &t.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: template name %q in this pipeline", domain.ErrAlreadyExists, t.Name)
		}
		return fmt.Errorf("create template: %w", err)
	}
	return nil
}

func (s *TemplateStore) GetTemplate(ctx context.Context, id uuid.UUID) (*domain.Template, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM templates WHERE id = $1`, id)
	t, err := scanTemplate(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

func (s *TemplateStore) ListTemplatesByPipeline(ctx context.Context, pipelineID uuid.UUID) ([]domain.Template, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+templateColumns+` FROM templates WHERE pipeline_id = $1 ORDER BY created_at DESC`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	result := []domain.Template{}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

// HasNonFailedRun reports whether any run against one of this template's
// tests has ever existed outside the failed terminal states — the precondition
// for invariant 3's immutability.
func (s *TemplateStore) HasNonFailedRun(ctx context.Context, templateID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM runs r
			JOIN tests t ON r.test_id = t.id
			WHERE t.template_id = $1
			  AND r.status NOT IN ('build_failed', 'carrot_failed', 'test_failed', 'eval_failed', 'test_aborted', 'eval_aborted')
		)`, templateID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check non-failed runs: %w", err)
	}
	return exists, nil
}

// UpdateDescription edits only the mutable description field.
func (s *TemplateStore) UpdateDescription(ctx context.Context, id uuid.UUID, description string) (*domain.Template, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE templates SET description = $1 WHERE id = $2 RETURNING `+templateColumns,
		description, id)
	t, err := scanTemplate(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("update template description: %w", err)
	}
	return t, nil
}

// UpdateWDLLocations edits the four frozen-on-use WDL fields. Callers must
// check HasNonFailedRun first (invariant 3); this method re-enforces it in
// the same transaction so a race against a concurrent run creation cannot
// slip an edit through.
func (s *TemplateStore) UpdateWDLLocations(ctx context.Context, id uuid.UUID, testWDL, testWDLDeps, evalWDL, evalWDLDeps string) (*domain.Template, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin template update tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var blocked bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM runs r
			JOIN tests t ON r.test_id = t.id
			WHERE t.template_id = $1
			  AND r.status NOT IN ('build_failed', 'carrot_failed', 'test_failed', 'eval_failed', 'test_aborted', 'eval_aborted')
		)`, id).Scan(&blocked)
	if err != nil {
		return nil, fmt.Errorf("check non-failed runs: %w", err)
	}
	if blocked {
		return nil, fmt.Errorf("%w: template has a non-failed run", domain.ErrImmutable)
	}

	row := tx.QueryRow(ctx,
		`UPDATE templates SET test_wdl = $1, test_wdl_dependencies = $2, eval_wdl = $3, eval_wdl_dependencies = $4
		 WHERE id = $5 RETURNING `+templateColumns,
		testWDL, textOrNull(testWDLDeps), evalWDL, textOrNull(evalWDLDeps), id)
	t, err := scanTemplate(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("update template wdl: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit template update: %w", err)
	}
	return t, nil
}
