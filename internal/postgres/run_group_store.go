package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rat-data/rat/platform/internal/domain"
)

// RunGroupStore implements CRUD access to run_groups and their run_in_groups
// membership rows.
type RunGroupStore struct {
	pool *pgxpool.Pool
}

// NewRunGroupStore creates a RunGroupStore backed by the given pool.
func NewRunGroupStore(pool *pgxpool.Pool) *RunGroupStore {
	return &RunGroupStore{pool: pool}
}

func scanRunGroup(row pgx.Row) (*domain.RunGroup, error) {
	var (
		g                                                          domain.RunGroup
		owner, repo, author, baseCommit, headCommit                *string
		issueNumber                                                *int
		commentPosted                                              bool
		queryFilter                                                []byte
	)
	if err := row.Scan(&g.ID, &owner, &repo, &issueNumber, &author, &baseCommit, &headCommit, &commentPosted, &queryFilter, &g.CreatedAt); err != nil {
		return nil, err
	}
	if owner != nil {
		g.FromGithub = &domain.RunGroupGithub{
			Owner: *owner, Repo: *repo, Author: derefOrEmpty(author),
			BaseCommit: derefOrEmpty(baseCommit), HeadCommit: derefOrEmpty(headCommit),
			CommentPosted: commentPosted,
		}
		if issueNumber != nil {
			g.FromGithub.IssueNumber = *issueNumber
		}
	}
	if len(queryFilter) > 0 {
		g.FromQuery = json.RawMessage(queryFilter)
	}
	return &g, nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

const runGroupColumns = `id, github_owner, github_repo, github_issue_number, github_author, github_base_commit, github_head_commit, github_comment_posted, query_filter, created_at`

// CreateFromGithub creates a run_group carrying PR provenance.
func (s *RunGroupStore) CreateFromGithub(ctx context.Context, g *domain.RunGroupGithub) (*domain.RunGroup, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO run_groups (github_owner, github_repo, github_issue_number, github_author, github_base_commit, github_head_commit, github_comment_posted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING `+runGroupColumns,
		g.Owner, g.Repo, g.IssueNumber, g.Author, g.BaseCommit, g.HeadCommit, g.CommentPosted)
	return scanRunGroup(row)
}

// CreateFromQuery creates a run_group carrying a stored-query filter.
func (s *RunGroupStore) CreateFromQuery(ctx context.Context, filter json.RawMessage) (*domain.RunGroup, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO run_groups (query_filter) VALUES ($1) RETURNING `+runGroupColumns, filter)
	return scanRunGroup(row)
}

func (s *RunGroupStore) GetRunGroup(ctx context.Context, id uuid.UUID) (*domain.RunGroup, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runGroupColumns+` FROM run_groups WHERE id = $1`, id)
	g, err := scanRunGroup(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get run_group: %w", err)
	}
	return g, nil
}

// AddRunToGroup records many-to-many membership, idempotently.
func (s *RunGroupStore) AddRunToGroup(ctx context.Context, runID, runGroupID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_in_groups (run_id, run_group_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		runID, runGroupID)
	if err != nil {
		return fmt.Errorf("add run to group: %w", err)
	}
	return nil
}

// ListRunsInGroup returns the run ids belonging to a run_group.
func (s *RunGroupStore) ListRunsInGroup(ctx context.Context, runGroupID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT run_id FROM run_in_groups WHERE run_group_id = $1`, runGroupID)
	if err != nil {
		return nil, fmt.Errorf("list runs in group: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run_in_group: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AllRunsTerminal reports whether every run in the group has reached a
// terminal FSM state, the precondition for the report trigger's
// run-group-scoped report generation (spec.md §4.6).
func (s *RunGroupStore) AllRunsTerminal(ctx context.Context, runGroupID uuid.UUID) (bool, error) {
	var allTerminal bool
	err := s.pool.QueryRow(ctx,
		`SELECT NOT EXISTS (
			SELECT 1 FROM run_in_groups rig
			JOIN runs r ON r.id = rig.run_id
			WHERE rig.run_group_id = $1 AND r.finished_at IS NULL
		)`, runGroupID).Scan(&allTerminal)
	if err != nil {
		return false, fmt.Errorf("check all runs terminal: %w", err)
	}
	return allTerminal, nil
}

// AnySucceeded reports whether at least one run in the group reached succeeded.
func (s *RunGroupStore) AnySucceeded(ctx context.Context, runGroupID uuid.UUID) (bool, error) {
	var any bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM run_in_groups rig
			JOIN runs r ON r.id = rig.run_id
			WHERE rig.run_group_id = $1 AND r.status = $2
		)`, runGroupID, string(domain.RunStatusSucceeded)).Scan(&any)
	if err != nil {
		return false, fmt.Errorf("check any succeeded: %w", err)
	}
	return any, nil
}

// FindGroupForRun returns the run_group a run belongs to, if any — the
// GitHub coordinator's reverse lookup from a run_transitioned event back to
// the group it needs to check for completion.
func (s *RunGroupStore) FindGroupForRun(ctx context.Context, runID uuid.UUID) (*uuid.UUID, error) {
	var groupID uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT run_group_id FROM run_in_groups WHERE run_id = $1 LIMIT 1`, runID).Scan(&groupID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find group for run: %w", err)
	}
	return &groupID, nil
}

// MarkGithubCommentPosted flips comment_posted once the GitHub collaborator
// has successfully posted the lifecycle comment, so a later sweep does not
// repost it.
func (s *RunGroupStore) MarkGithubCommentPosted(ctx context.Context, runGroupID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE run_groups SET github_comment_posted = true WHERE id = $1`, runGroupID)
	if err != nil {
		return fmt.Errorf("mark github comment posted: %w", err)
	}
	return nil
}
