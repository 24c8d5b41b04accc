package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rat-data/rat/platform/internal/postgres"
)

// testPool returns a pgxpool.Pool connected to the test database.
// It skips the test if DATABASE_URL is not set (so `go test ./...` runs without a database).
// It runs migrations and cleans all tables before returning.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, url)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := postgres.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cleanTables(t, pool)

	return pool
}

// cleanTables truncates all tables in FK-safe order.
func cleanTables(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	ctx := context.Background()
	tables := []string{
		"report_maps", "subscriptions",
		"run_in_groups", "run_groups",
		"run_results", "run_errors", "run_software_versions", "runs",
		"software_builds", "software_version_tags", "software_versions", "software",
		"template_reports", "report_sections", "sections", "reports",
		"template_results", "results",
		"tests", "templates", "pipelines",
		"wdl_hashes",
	}
	for _, table := range tables {
		if _, err := pool.Exec(ctx, "TRUNCATE "+table+" CASCADE"); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
}

// seedRun inserts a minimal pipeline/template/test/run chain and returns the
// run's id, for tests that only need a row to transition.
func seedRun(t *testing.T, pool *pgxpool.Pool, runName, status string) string {
	t.Helper()
	ctx := context.Background()

	var pipelineID, templateID, testID, runID string
	err := pool.QueryRow(ctx,
		`INSERT INTO pipelines (name) VALUES ($1) RETURNING id`, runName+"-pipeline").Scan(&pipelineID)
	if err != nil {
		t.Fatalf("seed pipeline: %v", err)
	}
	err = pool.QueryRow(ctx,
		`INSERT INTO templates (pipeline_id, name, test_wdl, eval_wdl) VALUES ($1, $2, 'test.wdl', 'eval.wdl') RETURNING id`,
		pipelineID, runName+"-template").Scan(&templateID)
	if err != nil {
		t.Fatalf("seed template: %v", err)
	}
	err = pool.QueryRow(ctx,
		`INSERT INTO tests (template_id, name) VALUES ($1, $2) RETURNING id`,
		templateID, runName+"-test").Scan(&testID)
	if err != nil {
		t.Fatalf("seed test: %v", err)
	}
	err = pool.QueryRow(ctx,
		`INSERT INTO runs (test_id, name, status, test_input, test_options, eval_input, eval_options, test_wdl, eval_wdl)
		 VALUES ($1, $2, $3, '{}', '{}', '{}', '{}', 'test.wdl', 'eval.wdl') RETURNING id`,
		testID, runName, status).Scan(&runID)
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}
	return runID
}
