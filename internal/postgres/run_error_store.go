package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rat-data/rat/platform/internal/domain"
)

// RunErrorStore implements read access to the append-only run_errors log.
// Writes go through RunTransitioner (tx.go) so a status change and its
// accompanying error message commit atomically; this store only reads.
type RunErrorStore struct {
	pool *pgxpool.Pool
}

// NewRunErrorStore creates a RunErrorStore backed by the given pool.
func NewRunErrorStore(pool *pgxpool.Pool) *RunErrorStore {
	return &RunErrorStore{pool: pool}
}

// ListForRun returns a run's error log, oldest first.
func (s *RunErrorStore) ListForRun(ctx context.Context, runID uuid.UUID) ([]domain.RunError, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, message, created_at FROM run_errors WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run_errors: %w", err)
	}
	defer rows.Close()

	result := []domain.RunError{}
	for rows.Next() {
		var e domain.RunError
		if err := rows.Scan(&e.ID, &e.RunID, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run_error: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
