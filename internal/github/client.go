// Package github implements the GitHub collaborator: posting PR comments on
// run/run-group lifecycle events (spec.md §4.5). CARROT never reads PR
// content or diffs — commenting is the only capability needed.
package github

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/go-github/v66/github"
	"github.com/rat-data/rat/platform/internal/domain"
	"golang.org/x/oauth2"
)

// Commenter posts a comment on a PR/issue. Failures are always treated as
// transient (spec.md §4.5: "comment posting failure does NOT fail the run —
// it appends to run_error"), since GitHub outages and rate limits are the
// overwhelming majority of real failure modes here and the caller's retry
// budget already bounds how long a comment attempt is retried.
type Commenter interface {
	CreateComment(ctx context.Context, owner, repo string, issueNumber int, body string) error
}

// Client implements Commenter over the GitHub REST API.
type Client struct {
	gh *github.Client
}

// New creates a Client authenticated with a personal-access or GitHub App
// installation token.
func New(token string) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), ts)
	return &Client{gh: github.NewClient(httpClient)}
}

// SetBaseURL points the client at an alternate API root — used by tests to
// target an httptest server instead of github.com.
func SetBaseURL(c *Client, base *url.URL) {
	c.gh.BaseURL = base
}

// CreateComment posts body as a new issue/PR comment.
func (c *Client) CreateComment(ctx context.Context, owner, repo string, issueNumber int, body string) error {
	_, _, err := c.gh.Issues.CreateComment(ctx, owner, repo, issueNumber, &github.IssueComment{Body: &body})
	if err != nil {
		return fmt.Errorf("%w: post github comment: %v", domain.ErrExternalTransient, err)
	}
	return nil
}
