// Package rungroup implements the run group / GitHub coordinator: creating
// run groups from GitHub PR pubsub messages, posting lifecycle comments, and
// detecting when a group's runs have all reached a terminal state (spec.md
// §4.5).
package rungroup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/rat-data/rat/platform/internal/domain"
	"github.com/rat-data/rat/platform/internal/postgres"
)

// RunLister is the run read surface the coordinator needs.
type RunLister interface {
	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
}

// GroupStore is the run_group read/write surface the coordinator needs —
// satisfied by *postgres.RunGroupStore.
type GroupStore interface {
	FindGroupForRun(ctx context.Context, runID uuid.UUID) (*uuid.UUID, error)
	GetRunGroup(ctx context.Context, id uuid.UUID) (*domain.RunGroup, error)
	AllRunsTerminal(ctx context.Context, runGroupID uuid.UUID) (bool, error)
	AnySucceeded(ctx context.Context, runGroupID uuid.UUID) (bool, error)
	MarkGithubCommentPosted(ctx context.Context, runGroupID uuid.UUID) error
}

// ErrorRecorder appends a non-fatal run_error without transitioning state —
// satisfied by *postgres.RunTransitioner.
type ErrorRecorder interface {
	AppendRunError(ctx context.Context, runID uuid.UUID, message string) error
}

// Commenter posts a GitHub comment — satisfied by *github.Client.
type Commenter interface {
	CreateComment(ctx context.Context, owner, repo string, issueNumber int, body string) error
}

// Coordinator reacts to run_transitioned events, posting per-run and
// group-summary GitHub comments and publishing run_group_completed once a
// GitHub-provenance group finishes.
type Coordinator struct {
	runs      RunLister
	groups    GroupStore
	errors    ErrorRecorder
	commenter Commenter // nil disables commenting entirely (GITHUB_ENABLED=false)
	bus       postgres.EventBus

	cancel func()
	done   chan struct{}
}

// New creates a Coordinator. commenter may be nil.
func New(runs RunLister, groups GroupStore, errors ErrorRecorder, commenter Commenter, bus postgres.EventBus) *Coordinator {
	return &Coordinator{runs: runs, groups: groups, errors: errors, commenter: commenter, bus: bus}
}

// Start subscribes to run_transitioned events and reacts to each in a
// background goroutine, returning immediately.
func (c *Coordinator) Start(ctx context.Context) {
	ch, cancel := c.bus.Subscribe(postgres.ChannelRunTransitioned)
	c.done = make(chan struct{})
	c.cancel = cancel

	go func() {
		defer close(c.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				c.handle(ctx, event)
			}
		}
	}()
}

// Stop unsubscribes from the event bus and waits for the handler loop to drain.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
}

func (c *Coordinator) handle(ctx context.Context, event postgres.Event) {
	var payload postgres.RunTransitionedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		slog.Warn("rungroup: invalid run_transitioned payload", "error", err)
		return
	}
	status := domain.RunStatus(payload.Status)
	if !status.Terminal() {
		return
	}
	runID, err := uuid.Parse(payload.RunID)
	if err != nil {
		slog.Warn("rungroup: invalid run id in event", "run_id", payload.RunID, "error", err)
		return
	}

	groupID, err := c.groups.FindGroupForRun(ctx, runID)
	if err != nil {
		slog.Error("rungroup: failed to look up group for run", "run_id", runID, "error", err)
		return
	}
	if groupID == nil {
		return
	}

	group, err := c.groups.GetRunGroup(ctx, *groupID)
	if err != nil {
		slog.Error("rungroup: failed to load run group", "run_group_id", *groupID, "error", err)
		return
	}
	if group == nil || group.FromGithub == nil {
		return // only github-provenance groups get comments and completion events
	}

	run, err := c.runs.GetRun(ctx, runID)
	if err != nil || run == nil {
		slog.Error("rungroup: failed to load run", "run_id", runID, "error", err)
		return
	}

	c.postComment(ctx, run, runRunComment(run, status))

	allTerminal, err := c.groups.AllRunsTerminal(ctx, *groupID)
	if err != nil {
		slog.Error("rungroup: failed to check group terminal state", "run_group_id", *groupID, "error", err)
		return
	}
	if !allTerminal {
		return
	}

	anySucceeded, err := c.groups.AnySucceeded(ctx, *groupID)
	if err != nil {
		slog.Error("rungroup: failed to check group success state", "run_group_id", *groupID, "error", err)
		return
	}

	if !group.FromGithub.CommentPosted {
		c.postComment(ctx, run, summaryComment(group.FromGithub, anySucceeded))
		if err := c.groups.MarkGithubCommentPosted(ctx, *groupID); err != nil {
			slog.Error("rungroup: failed to mark comment posted", "run_group_id", *groupID, "error", err)
		}
	}

	if err := c.bus.Publish(ctx, postgres.ChannelRunGroupCompleted, postgres.RunGroupCompletedPayload{
		RunGroupID: groupID.String(), AnySucceeded: anySucceeded,
	}); err != nil {
		slog.Error("rungroup: failed to publish run_group_completed", "run_group_id", *groupID, "error", err)
	}
}

// postComment posts body to the group's PR, recording a non-fatal run_error
// on failure instead of propagating (spec.md §4.5: "Comment posting failure
// does NOT fail the run — it appends to run_error").
func (c *Coordinator) postComment(ctx context.Context, run *domain.Run, body string) {
	if c.commenter == nil {
		return
	}
	groupID, err := c.groups.FindGroupForRun(ctx, run.ID)
	if err != nil || groupID == nil {
		return
	}
	group, err := c.groups.GetRunGroup(ctx, *groupID)
	if err != nil || group == nil || group.FromGithub == nil {
		return
	}
	g := group.FromGithub
	if err := c.commenter.CreateComment(ctx, g.Owner, g.Repo, g.IssueNumber, body); err != nil {
		slog.Warn("rungroup: github comment failed", "run_id", run.ID, "error", err)
		if appendErr := c.errors.AppendRunError(ctx, run.ID, fmt.Sprintf("github comment failed: %v", err)); appendErr != nil {
			slog.Error("rungroup: failed to record comment failure", "run_id", run.ID, "error", appendErr)
		}
	}
}

func runRunComment(run *domain.Run, status domain.RunStatus) string {
	if status == domain.RunStatusSucceeded {
		return fmt.Sprintf("Run `%s` succeeded.", run.Name)
	}
	return fmt.Sprintf("Run `%s` reached `%s`.", run.Name, status)
}

func summaryComment(g *domain.RunGroupGithub, anySucceeded bool) string {
	if anySucceeded {
		return fmt.Sprintf("All comparison runs for %s...%s have finished; at least one succeeded.", g.BaseCommit, g.HeadCommit)
	}
	return fmt.Sprintf("All comparison runs for %s...%s have finished; none succeeded.", g.BaseCommit, g.HeadCommit)
}
