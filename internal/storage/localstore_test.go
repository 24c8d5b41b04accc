package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rat-data/rat/platform/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_PutAndGet(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	location, err := store.Put(ctx, "abc123.wdl", []byte("workflow test {}"))
	require.NoError(t, err)

	content, err := store.Get(ctx, location)
	require.NoError(t, err)
	assert.Equal(t, "workflow test {}", string(content))
}

func TestLocalStore_Get_NotFoundReturnsErrNotFound(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Get(ctx, store.LocationFor("nonexistent.wdl"))
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestLocalStore_Exists(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	exists, err := store.Exists(ctx, "def456.wdl")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.Put(ctx, "def456.wdl", []byte("workflow eval {}"))
	require.NoError(t, err)

	exists, err = store.Exists(ctx, "def456.wdl")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestLocalStore_Put_CreatesParentDirs(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Put(ctx, "deeply/nested/key.wdl", []byte("workflow t {}"))
	require.NoError(t, err)
}

func TestLocalStore_Put_RejectsPathEscape(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	// filepath.Clean("/" + key) collapses ".." segments so a malicious key
	// can't escape the store root.
	loc, err := store.Put(ctx, "../../../etc/passwd", []byte("pwned"))
	require.NoError(t, err)
	assert.NotContains(t, loc, "..")
}
