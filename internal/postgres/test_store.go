package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rat-data/rat/platform/internal/domain"
)

// TestStore implements CRUD access to the tests table. Like TemplateStore,
// input/option JSON is frozen once any non-failed run exists (invariant 3).
type TestStore struct {
	pool *pgxpool.Pool
}

// NewTestStore creates a TestStore backed by the given pool.
func NewTestStore(pool *pgxpool.Pool) *TestStore {
	return &TestStore{pool: pool}
}

const testColumns = `id, template_id, name, description, test_input, eval_input, test_options, eval_options, created_at`

func scanTest(row pgx.Row) (*domain.Test, error) {
	var t domain.Test
	err := row.Scan(&t.ID, &t.TemplateID, &t.Name, &t.Description, &t.TestInput, &t.EvalInput, &t.TestOptions, &t.EvalOptions, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TestStore) CreateTest(ctx context.Context, t *domain.Test) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO tests (template_id, name, description, test_input, eval_input, test_options, eval_options)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at`,
		t.TemplateID, t.Name, t.Description, t.TestInput, t.EvalInput, t.TestOptions, t.EvalOptions)
	if err := row.Scan(&t.ID, &t.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: test name %q in this template", domain.ErrAlreadyExists, t.Name)
		}
		return fmt.Errorf("create test: %w", err)
	}
	return nil
}

func (s *TestStore) GetTest(ctx context.Context, id uuid.UUID) (*domain.Test, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+testColumns+` FROM tests WHERE id = $1`, id)
	t, err := scanTest(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get test: %w", err)
	}
	return t, nil
}

// GetTestByName resolves a test by its bare name, for the GitHub coordinator
// (spec.md §4.5: the pubsub message names a test by test_name alone, not a
// (template, test) pair). Test names are only unique within a template, so
// this returns the most recently created match when more than one template
// happens to reuse the name.
func (s *TestStore) GetTestByName(ctx context.Context, name string) (*domain.Test, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+testColumns+` FROM tests WHERE name = $1 ORDER BY created_at DESC LIMIT 1`, name)
	t, err := scanTest(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get test by name: %w", err)
	}
	return t, nil
}

func (s *TestStore) ListTestsByTemplate(ctx context.Context, templateID uuid.UUID) ([]domain.Test, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+testColumns+` FROM tests WHERE template_id = $1 ORDER BY created_at DESC`, templateID)
	if err != nil {
		return nil, fmt.Errorf("list tests: %w", err)
	}
	defer rows.Close()

	result := []domain.Test{}
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan test: %w", err)
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

// HasNonFailedRun mirrors TemplateStore.HasNonFailedRun, scoped to one test.
func (s *TestStore) HasNonFailedRun(ctx context.Context, testID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM runs
			WHERE test_id = $1
			  AND status NOT IN ('build_failed', 'carrot_failed', 'test_failed', 'eval_failed', 'test_aborted', 'eval_aborted')
		)`, testID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check non-failed runs: %w", err)
	}
	return exists, nil
}

func (s *TestStore) UpdateDescription(ctx context.Context, id uuid.UUID, description string) (*domain.Test, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE tests SET description = $1 WHERE id = $2 RETURNING `+testColumns, description, id)
	t, err := scanTest(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("update test description: %w", err)
	}
	return t, nil
}

// UpdateInputs edits the four frozen-on-use JSON fields, re-checking
// invariant 3 inside the same transaction.
func (s *TestStore) UpdateInputs(ctx context.Context, id uuid.UUID, testInput, evalInput, testOptions, evalOptions []byte) (*domain.Test, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin test update tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var blocked bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM runs
			WHERE test_id = $1
			  AND status NOT IN ('build_failed', 'carrot_failed', 'test_failed', 'eval_failed', 'test_aborted', 'eval_aborted')
		)`, id).Scan(&blocked)
	if err != nil {
		return nil, fmt.Errorf("check non-failed runs: %w", err)
	}
	if blocked {
		return nil, fmt.Errorf("%w: test has a non-failed run", domain.ErrImmutable)
	}

	row := tx.QueryRow(ctx,
		`UPDATE tests SET test_input = $1, eval_input = $2, test_options = $3, eval_options = $4
		 WHERE id = $5 RETURNING `+testColumns,
		testInput, evalInput, testOptions, evalOptions, id)
	t, err := scanTest(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("update test inputs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit test update: %w", err)
	}
	return t, nil
}
