package git_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	carrotgit "github.com/rat-data/rat/platform/internal/git"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireGit skips the test if the git binary isn't on PATH — mirror.go
// shells out to it for clone/fetch.
func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not found, skipping integration test")
	}
}

// newSourceRepo creates a local repository with one commit and a tag,
// usable as a mirror clone source without any network access.
func newSourceRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-q")
	run("config", "user.email", "carrot@example.com")
	run("config", "user.name", "carrot")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "WORKFLOW.wdl"), []byte("workflow t {}"), 0o644))
	run("add", "WORKFLOW.wdl")
	run("commit", "-q", "-m", "initial")
	run("tag", "v1.0.0")
	return dir
}

func TestMirrors_RefreshThenResolveTag(t *testing.T) {
	requireGit(t)
	source := newSourceRepo(t)

	mirrors, err := carrotgit.NewMirrors(t.TempDir())
	require.NoError(t, err)

	softwareID := uuid.New()
	ctx := context.Background()
	require.NoError(t, mirrors.Refresh(ctx, softwareID, source))

	commit, err := mirrors.ResolveTag(softwareID, "v1.0.0")
	require.NoError(t, err)
	assert.Len(t, commit, 40)
}

func TestMirrors_ResolveTag_UnknownTag(t *testing.T) {
	requireGit(t)
	source := newSourceRepo(t)

	mirrors, err := carrotgit.NewMirrors(t.TempDir())
	require.NoError(t, err)

	softwareID := uuid.New()
	ctx := context.Background()
	require.NoError(t, mirrors.Refresh(ctx, softwareID, source))

	_, err = mirrors.ResolveTag(softwareID, "v9.9.9")
	assert.True(t, errors.Is(err, carrotgit.ErrTagNotFound))
}

func TestMirrors_CommitDate(t *testing.T) {
	requireGit(t)
	source := newSourceRepo(t)

	mirrors, err := carrotgit.NewMirrors(t.TempDir())
	require.NoError(t, err)

	softwareID := uuid.New()
	ctx := context.Background()
	require.NoError(t, mirrors.Refresh(ctx, softwareID, source))

	commit, err := mirrors.ResolveTag(softwareID, "v1.0.0")
	require.NoError(t, err)

	when, err := mirrors.CommitDate(softwareID, commit)
	require.NoError(t, err)
	assert.False(t, when.IsZero())
}

func TestMirrors_Refresh_IsIdempotentOnSecondCall(t *testing.T) {
	requireGit(t)
	source := newSourceRepo(t)

	mirrors, err := carrotgit.NewMirrors(t.TempDir())
	require.NoError(t, err)

	softwareID := uuid.New()
	ctx := context.Background()
	require.NoError(t, mirrors.Refresh(ctx, softwareID, source))
	require.NoError(t, mirrors.Refresh(ctx, softwareID, source))

	_, err = mirrors.ResolveTag(softwareID, "v1.0.0")
	require.NoError(t, err)
}
