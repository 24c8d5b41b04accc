package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rat-data/rat/platform/internal/domain"
)

// RunResultStore implements access to run_results (captured typed outputs)
// and run_software_versions (build dependencies a run was submitted against).
type RunResultStore struct {
	pool *pgxpool.Pool
}

// NewRunResultStore creates a RunResultStore backed by the given pool.
func NewRunResultStore(pool *pgxpool.Pool) *RunResultStore {
	return &RunResultStore{pool: pool}
}

// RecordResult inserts a (run, result) → value row, called by the run
// submitter once test- or eval-phase output pulling resolves a
// template_result's output_key to a value (spec.md §4.4). An existing row
// for the same (run, result) is kept, so a value recorded from test outputs
// is not replaced by a later eval-phase value.
func (s *RunResultStore) RecordResult(ctx context.Context, runID, resultID uuid.UUID, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_results (run_id, result_id, value) VALUES ($1, $2, $3)
		 ON CONFLICT (run_id, result_id) DO NOTHING`,
		runID, resultID, value)
	if err != nil {
		return fmt.Errorf("record run_result: %w", err)
	}
	return nil
}

// ListForRun returns a run's captured results.
func (s *RunResultStore) ListForRun(ctx context.Context, runID uuid.UUID) ([]domain.RunResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, result_id, value, created_at FROM run_results WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run_results: %w", err)
	}
	defer rows.Close()

	result := []domain.RunResult{}
	for rows.Next() {
		var rr domain.RunResult
		if err := rows.Scan(&rr.ID, &rr.RunID, &rr.ResultID, &rr.Value, &rr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run_result: %w", err)
		}
		result = append(result, rr)
	}
	return result, rows.Err()
}

// AttachSoftwareVersion records a software build dependency for a run,
// idempotently — invoked once per resolved ImageBuildRef (spec.md §4.3).
func (s *RunResultStore) AttachSoftwareVersion(ctx context.Context, runID, softwareVersionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_software_versions (run_id, software_version_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		runID, softwareVersionID)
	if err != nil {
		return fmt.Errorf("attach run_software_version: %w", err)
	}
	return nil
}

// ListSoftwareVersionsForRun returns the software_version ids a run depends on.
func (s *RunResultStore) ListSoftwareVersionsForRun(ctx context.Context, runID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT software_version_id FROM run_software_versions WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run_software_versions: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run_software_version: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
