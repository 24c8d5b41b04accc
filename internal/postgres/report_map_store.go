package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rat-data/rat/platform/internal/domain"
)

// ReportMapStore implements CRUD access to report_maps — the record of one
// generated report against a run or run_group.
type ReportMapStore struct {
	pool *pgxpool.Pool
}

// NewReportMapStore creates a ReportMapStore backed by the given pool.
func NewReportMapStore(pool *pgxpool.Pool) *ReportMapStore {
	return &ReportMapStore{pool: pool}
}

const reportMapColumns = `id, report_id, reportable_type, reportable_id, status, cromwell_job_id, results, created_at, finished_at`

func scanReportMap(row pgx.Row) (*domain.ReportMap, error) {
	var rm domain.ReportMap
	var reportable, status string
	err := row.Scan(&rm.ID, &rm.ReportID, &reportable, &rm.ReportableID, &status, &rm.CromwellJobID, &rm.Results, &rm.CreatedAt, &rm.FinishedAt)
	if err != nil {
		return nil, err
	}
	rm.Reportable = domain.ReportableType(reportable)
	rm.Status = domain.ReportMapStatus(status)
	return &rm, nil
}

// CreateReportMap records a newly submitted report generation. A second
// generation for the same (reportable, report) is rejected by the table's
// unique constraint — the report trigger checks existence first so this is
// a defensive backstop, not the primary dedup path.
func (s *ReportMapStore) CreateReportMap(ctx context.Context, rm *domain.ReportMap) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO report_maps (report_id, reportable_type, reportable_id, status, cromwell_job_id, results)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+reportMapColumns,
		rm.ReportID, string(rm.Reportable), rm.ReportableID, string(rm.Status), rm.CromwellJobID, rm.Results)
	scanned, err := scanReportMap(row)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: report already generated for this entity", domain.ErrAlreadyExists)
		}
		return fmt.Errorf("create report_map: %w", err)
	}
	*rm = *scanned
	return nil
}

func (s *ReportMapStore) GetReportMap(ctx context.Context, id uuid.UUID) (*domain.ReportMap, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reportMapColumns+` FROM report_maps WHERE id = $1`, id)
	rm, err := scanReportMap(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get report_map: %w", err)
	}
	return rm, nil
}

// ExistsFor reports whether a report_map row already exists for (reportable,
// report_id) — the report trigger's own idempotency check.
func (s *ReportMapStore) ExistsFor(ctx context.Context, reportable domain.ReportableType, reportableID, reportID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM report_maps WHERE reportable_type = $1 AND reportable_id = $2 AND report_id = $3)`,
		string(reportable), reportableID, reportID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check report_map existence: %w", err)
	}
	return exists, nil
}

// ListNonTerminal returns every report_map still in submitted or running —
// the report trigger's own status-sweep scope, separate from
// statusmanager's runs/software_builds sweep since report_maps is a
// distinct table with its own two-state (submitted/running) progression.
func (s *ReportMapStore) ListNonTerminal(ctx context.Context) ([]domain.ReportMap, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+reportMapColumns+` FROM report_maps WHERE status IN ($1, $2)`,
		string(domain.ReportMapStatusSubmitted), string(domain.ReportMapStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("list non-terminal report_maps: %w", err)
	}
	defer rows.Close()

	result := []domain.ReportMap{}
	for rows.Next() {
		rm, err := scanReportMap(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report_map: %w", err)
		}
		result = append(result, *rm)
	}
	return result, rows.Err()
}

// UpdateStatus transitions a report_map's status, setting finished_at when
// the new status is succeeded or failed.
func (s *ReportMapStore) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.ReportMapStatus, results []byte) error {
	finishedAtSQL := ""
	if status == domain.ReportMapStatusSucceeded || status == domain.ReportMapStatusFailed {
		finishedAtSQL = ", finished_at = now()"
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE report_maps SET status = $1, results = COALESCE($2, results)`+finishedAtSQL+` WHERE id = $3`,
		string(status), results, id)
	if err != nil {
		return fmt.Errorf("update report_map status: %w", err)
	}
	return nil
}
