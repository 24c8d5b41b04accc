package report_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rat-data/rat/platform/internal/domain"
	"github.com/rat-data/rat/platform/internal/report"
	"github.com/rat-data/rat/platform/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestBundle_UploadsSixFilesInOrder(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	run := &domain.Run{
		ID:          uuid.New(),
		Name:        "nightly-1",
		Status:      domain.RunStatusSucceeded,
		CreatedBy:   "alice@example.com",
		TestInput:   []byte(`{"t.threads":4}`),
		EvalInput:   []byte(`{"e.ref":"hg38"}`),
		TestOptions: []byte(`{}`),
		EvalOptions: []byte(`{}`),
		CreatedAt:   time.Now(),
	}
	resultID := uuid.New()
	data := []report.RunData{{
		Run:     run,
		Results: []domain.RunResult{{RunID: run.ID, ResultID: resultID, Value: "42"}},
	}}

	locations, err := report.Bundle(context.Background(), store, "reports", "rm-1", data)
	require.NoError(t, err)
	require.Len(t, locations, 6)

	metadata, err := store.Get(context.Background(), locations[0])
	require.NoError(t, err)
	require.Contains(t, string(metadata), run.ID.String())
	require.Contains(t, string(metadata), "succeeded")

	results, err := store.Get(context.Background(), locations[5])
	require.NoError(t, err)
	require.Contains(t, string(results), "42")
}

func TestBundle_EmptyRunsStillProducesHeaders(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	locations, err := report.Bundle(context.Background(), store, "reports", "rm-2", nil)
	require.NoError(t, err)

	metadata, err := store.Get(context.Background(), locations[0])
	require.NoError(t, err)
	require.Equal(t, "run_id,name,status,created_by,created_at,finished_at\n", string(metadata))
}
