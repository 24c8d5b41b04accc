package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rat-data/rat/platform/internal/domain"
)

// RunStore implements CRUD and lookup access to the runs table. Unlike the
// pipeline/template/test stores, state transitions do NOT go through this
// type — those are RunTransitioner's job (tx.go), since they carry the CAS
// precondition and the atomic run_errors append.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore creates a RunStore backed by the given pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

const runColumns = `id, test_id, name, status, retries,
       test_input, test_options, eval_input, eval_options,
       test_wdl, test_wdl_dependencies, eval_wdl, eval_wdl_dependencies,
       test_cromwell_job_id, eval_cromwell_job_id, created_by, finished_at, created_at`

func scanRun(row pgx.Row) (*domain.Run, error) {
	var (
		r                     domain.Run
		testWDLDeps, evalWDLDeps pgtype.Text
		testJobID, evalJobID  pgtype.Text
		finishedAt            *time.Time
	)
	err := row.Scan(
		&r.ID, &r.TestID, &r.Name, &r.Status, &r.Retries,
		&r.TestInput, &r.TestOptions, &r.EvalInput, &r.EvalOptions,
		&r.TestWDL, &testWDLDeps, &r.EvalWDL, &evalWDLDeps,
		&testJobID, &evalJobID, &r.CreatedBy, &finishedAt, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.TestWDLDependencies = nullableTextToString(testWDLDeps)
	r.EvalWDLDependencies = nullableTextToString(evalWDLDeps)
	r.TestCromwellJobID = nullableTextToPtr(testJobID)
	r.EvalCromwellJobID = nullableTextToPtr(evalJobID)
	r.FinishedAt = finishedAt
	return &r, nil
}

// CreateRun inserts a new run in the created state, freezing the WDL
// locations and input/option JSON verbatim (invariant 5).
func (s *RunStore) CreateRun(ctx context.Context, run *domain.Run) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO runs (test_id, name, status, test_input, test_options, eval_input, eval_options,
		                    test_wdl, test_wdl_dependencies, eval_wdl, eval_wdl_dependencies, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id, created_at`,
		run.TestID, run.Name, string(domain.RunStatusCreated),
		run.TestInput, run.TestOptions, run.EvalInput, run.EvalOptions,
		run.TestWDL, textOrNull(run.TestWDLDependencies), run.EvalWDL, textOrNull(run.EvalWDLDependencies),
		run.CreatedBy)

	if err := row.Scan(&run.ID, &run.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: run name %q", domain.ErrAlreadyExists, run.Name)
		}
		return fmt.Errorf("create run: %w", err)
	}
	run.Status = domain.RunStatusCreated
	return nil
}

// GetRun fetches a run by id, returning nil (no error) if not found.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// GetRunByName fetches a run by its globally-unique name.
func (s *RunStore) GetRunByName(ctx context.Context, name string) (*domain.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE name = $1`, name)
	run, err := scanRun(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get run by name: %w", err)
	}
	return run, nil
}

// RunFilter narrows ListRuns by test, status and whether the run is still
// active, with optional paging.
type RunFilter struct {
	TestID     *uuid.UUID
	Status     domain.RunStatus
	OnlyActive bool // status not in the terminal set
	Limit      int
	Offset     int
}

// ListRuns returns runs matching filter, newest first.
func (s *RunStore) ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argN := 1

	if filter.TestID != nil {
		where += fmt.Sprintf(" AND test_id = $%d", argN)
		args = append(args, *filter.TestID)
		argN++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, string(filter.Status))
		argN++
	}
	if filter.OnlyActive {
		where += " AND finished_at IS NULL"
	}

	query := `SELECT ` + runColumns + ` FROM runs` + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argN, argN+1)
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	result := []domain.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, *run)
	}
	return result, rows.Err()
}

// ListActiveForSweep returns every run not yet in a terminal state, for the
// status manager's periodic sweep (spec.md §4.2).
func (s *RunStore) ListActiveForSweep(ctx context.Context) ([]domain.Run, error) {
	return s.ListRuns(ctx, RunFilter{OnlyActive: true})
}

// SetCromwellJobID records the Cromwell job id for the test or eval phase.
// A second call for the same phase overwrites the stored job id; callers
// that must not resubmit check the run's job id field before calling.
func (s *RunStore) SetCromwellJobID(ctx context.Context, runID uuid.UUID, isEval bool, jobID string) error {
	column := "test_cromwell_job_id"
	if isEval {
		column = "eval_cromwell_job_id"
	}
	_, err := s.pool.Exec(ctx, `UPDATE runs SET `+column+` = $1 WHERE id = $2`, jobID, runID)
	if err != nil {
		return fmt.Errorf("set cromwell job id: %w", err)
	}
	return nil
}

// IncrementRetries bumps the per-phase transient-failure counter and returns
// the new value, used against the status manager's retry budget (default 5).
func (s *RunStore) IncrementRetries(ctx context.Context, runID uuid.UUID) (int, error) {
	var retries int
	err := s.pool.QueryRow(ctx,
		`UPDATE runs SET retries = retries + 1 WHERE id = $1 RETURNING retries`, runID).Scan(&retries)
	if err != nil {
		return 0, fmt.Errorf("increment retries: %w", err)
	}
	return retries, nil
}

// ResetRetries zeroes the retry counter, called whenever a run advances to a
// new phase so a fresh phase starts with a full retry budget.
func (s *RunStore) ResetRetries(ctx context.Context, runID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE runs SET retries = 0 WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("reset retries: %w", err)
	}
	return nil
}

