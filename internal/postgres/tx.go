package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rat-data/rat/platform/internal/domain"
)

// RunTransitioner applies run state transitions transactionally: the status
// CAS update and the run_error append (when present) commit or roll back
// together. This answers Open Question 1 from spec.md §9 — the source left
// the consistency guarantee between the two undeclared; here it is a single
// transaction (see DESIGN.md).
type RunTransitioner struct {
	pool     *pgxpool.Pool
	EventBus EventBus // optional — publishes run_transitioned on success
}

// NewRunTransitioner creates a RunTransitioner backed by the given pool.
func NewRunTransitioner(pool *pgxpool.Pool) *RunTransitioner {
	return &RunTransitioner{pool: pool}
}

// ErrStaleTransition is returned when the optimistic CAS precondition
// (run_id, prior_status) no longer matches the current row — another
// process already advanced (or is advancing) this run (spec.md §5: "a
// losing updater logs and yields").
var ErrStaleTransition = fmt.Errorf("run transition: stale prior status")

// Transition atomically: validates prior->next via domain.CanTransition,
// updates runs.status (and finished_at if next is terminal) using
// (id, status) as the optimistic precondition, and appends an errMsg row to
// run_errors when errMsg is non-empty. Returns ErrStaleTransition if another
// process already moved the row off of prior.
func (t *RunTransitioner) Transition(ctx context.Context, runID uuid.UUID, prior, next domain.RunStatus, errMsg string) error {
	if !domain.CanTransition(prior, next) {
		return fmt.Errorf("%w: illegal transition %s -> %s", domain.ErrCarrotInternal, prior, next)
	}

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var finishedAtSQL string
	if next.Terminal() {
		finishedAtSQL = ", finished_at = now()"
	}

	tag, err := tx.Exec(ctx,
		`UPDATE runs SET status = $1`+finishedAtSQL+`
		 WHERE id = $2 AND status = $3`,
		string(next), runID, string(prior))
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}

	if errMsg != "" {
		if _, err := tx.Exec(ctx,
			`INSERT INTO run_errors (run_id, message) VALUES ($1, $2)`,
			runID, errMsg); err != nil {
			return fmt.Errorf("append run error: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transition tx: %w", err)
	}

	if t.EventBus != nil {
		// Best-effort: event publishing failure must not fail the transition.
		_ = t.EventBus.Publish(ctx, ChannelRunTransitioned, RunTransitionedPayload{
			RunID:  runID.String(),
			Status: string(next),
		})
	}
	return nil
}

// AppendRunError appends a run_error row without a state transition, used
// for ExternalTransient failures that increment the retry budget but do not
// move the run (spec.md §4.2: "Failure of a single row's reconciliation is
// recorded in run_error and MUST NOT abort the sweep").
func (t *RunTransitioner) AppendRunError(ctx context.Context, runID uuid.UUID, message string) error {
	_, err := t.pool.Exec(ctx, `INSERT INTO run_errors (run_id, message) VALUES ($1, $2)`, runID, message)
	if err != nil {
		return fmt.Errorf("append run error: %w", err)
	}
	return nil
}
