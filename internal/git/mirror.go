// Package git maintains one bare mirror clone per software repository on
// local disk, refreshed on demand, and resolves tags and commits against it
// for the software build coordinator (spec.md §4.3).
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/uuid"
)

// ErrTagNotFound is returned by ResolveTag when the mirror has no such tag.
var ErrTagNotFound = errors.New("git: tag not found")

// Mirrors manages bare mirror clones under root, one directory per
// software id, each refreshed under its own lock (spec.md §5: "the
// git-mirror cache is a per-software directory held under a per-software
// advisory lock during refresh; reads are lock-free").
type Mirrors struct {
	root string

	mu    sync.Mutex // guards the locks map itself, not the mirrors
	locks map[uuid.UUID]*sync.Mutex
}

// NewMirrors creates a Mirrors rooted at dir, creating it if absent.
func NewMirrors(dir string) (*Mirrors, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create git mirror root %s: %w", dir, err)
	}
	return &Mirrors{root: dir, locks: make(map[uuid.UUID]*sync.Mutex)}, nil
}

func (m *Mirrors) lockFor(softwareID uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[softwareID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[softwareID] = l
	}
	return l
}

func (m *Mirrors) path(softwareID uuid.UUID) string {
	return filepath.Join(m.root, softwareID.String())
}

// Refresh ensures a bare mirror of repoURL exists at softwareID's mirror
// directory and fetches its latest tags, cloning first if the mirror has
// never been created. Safe for concurrent callers on different software
// ids; serialized per software id.
func (m *Mirrors) Refresh(ctx context.Context, softwareID uuid.UUID, repoURL string) error {
	lock := m.lockFor(softwareID)
	lock.Lock()
	defer lock.Unlock()

	path := m.path(softwareID)
	if _, err := os.Stat(filepath.Join(path, "HEAD")); errors.Is(err, os.ErrNotExist) {
		cmd := exec.CommandContext(ctx, "git", "clone", "--mirror", repoURL, path)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("clone mirror for %s: %w: %s", repoURL, err, out)
		}
		return nil
	}

	cmd := exec.CommandContext(ctx, "git", "--git-dir", path, "fetch", "--tags", "--prune")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("fetch tags for %s: %w: %s", repoURL, err, out)
	}
	return nil
}

// ResolveTag returns the commit hash a tag points at in software's mirror.
// Reads are lock-free — only Refresh mutates the mirror directory.
func (m *Mirrors) ResolveTag(softwareID uuid.UUID, tag string) (string, error) {
	repo, err := git.PlainOpen(m.path(softwareID))
	if err != nil {
		return "", fmt.Errorf("open mirror: %w", err)
	}

	ref, err := repo.Tag(tag)
	if err != nil {
		if errors.Is(err, git.ErrTagNotFound) {
			return "", ErrTagNotFound
		}
		return "", fmt.Errorf("resolve tag %s: %w", tag, err)
	}

	hash := ref.Hash()
	// Annotated tags point at a tag object, not the commit directly —
	// dereference it to the commit it annotates.
	if obj, err := repo.TagObject(ref.Hash()); err == nil {
		hash = obj.Target
	}
	return hash.String(), nil
}

// CommitDate returns the commit time for commit in software's mirror.
func (m *Mirrors) CommitDate(softwareID uuid.UUID, commit string) (time.Time, error) {
	repo, err := git.PlainOpen(m.path(softwareID))
	if err != nil {
		return time.Time{}, fmt.Errorf("open mirror: %w", err)
	}

	c, err := repo.CommitObject(plumbing.NewHash(commit))
	if err != nil {
		return time.Time{}, fmt.Errorf("resolve commit %s: %w", commit, err)
	}
	return c.Committer.When, nil
}

// ResolveBranchHead returns the current tip commit hash of branch in
// software's mirror. A `--mirror` clone keeps branches under refs/heads.
func (m *Mirrors) ResolveBranchHead(softwareID uuid.UUID, branch string) (string, error) {
	repo, err := git.PlainOpen(m.path(softwareID))
	if err != nil {
		return "", fmt.Errorf("open mirror: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return "", fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	return ref.Hash().String(), nil
}
