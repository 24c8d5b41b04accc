package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rat-data/rat/platform/internal/domain"
)

// ReportStore implements CRUD access to reports, sections, report_sections,
// and template_reports — the four tables backing the report trigger
// (internal/reporttrigger) and its REST surface.
type ReportStore struct {
	pool *pgxpool.Pool
}

// NewReportStore creates a ReportStore backed by the given pool.
func NewReportStore(pool *pgxpool.Pool) *ReportStore {
	return &ReportStore{pool: pool}
}

func (s *ReportStore) CreateReport(ctx context.Context, r *domain.Report) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO reports (name, description, notebook, runtime_config) VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		r.Name, r.Description, r.Notebook, r.Config)
	if err := row.Scan(&r.ID, &r.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: report name %q", domain.ErrAlreadyExists, r.Name)
		}
		return fmt.Errorf("create report: %w", err)
	}
	return nil
}

func (s *ReportStore) GetReport(ctx context.Context, id uuid.UUID) (*domain.Report, error) {
	var r domain.Report
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, notebook, runtime_config, created_at FROM reports WHERE id = $1`, id,
	).Scan(&r.ID, &r.Name, &r.Description, &r.Notebook, &r.Config, &r.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get report: %w", err)
	}
	return &r, nil
}

func (s *ReportStore) CreateSection(ctx context.Context, sec *domain.Section) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO sections (name, contents) VALUES ($1, $2) RETURNING id, created_at`,
		sec.Name, sec.Contents)
	if err := row.Scan(&sec.ID, &sec.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: section name %q", domain.ErrAlreadyExists, sec.Name)
		}
		return fmt.Errorf("create section: %w", err)
	}
	return nil
}

func (s *ReportStore) GetSection(ctx context.Context, id uuid.UUID) (*domain.Section, error) {
	var sec domain.Section
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, contents, created_at FROM sections WHERE id = $1`, id,
	).Scan(&sec.ID, &sec.Name, &sec.Contents, &sec.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get section: %w", err)
	}
	return &sec, nil
}

// AttachSection inserts a report_section ordering row.
func (s *ReportStore) AttachSection(ctx context.Context, rs *domain.ReportSection) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO report_sections (report_id, section_id, position) VALUES ($1, $2, $3) RETURNING id`,
		rs.ReportID, rs.SectionID, rs.Position)
	if err := row.Scan(&rs.ID); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: position %d already used in this report", domain.ErrAlreadyExists, rs.Position)
		}
		return fmt.Errorf("attach section: %w", err)
	}
	return nil
}

// ListSectionsForReport returns a report's sections ordered by position.
func (s *ReportStore) ListSectionsForReport(ctx context.Context, reportID uuid.UUID) ([]domain.Section, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sec.id, sec.name, sec.contents, sec.created_at
		 FROM report_sections rs JOIN sections sec ON sec.id = rs.section_id
		 WHERE rs.report_id = $1 ORDER BY rs.position`, reportID)
	if err != nil {
		return nil, fmt.Errorf("list report sections: %w", err)
	}
	defer rows.Close()

	result := []domain.Section{}
	for rows.Next() {
		var sec domain.Section
		if err := rows.Scan(&sec.ID, &sec.Name, &sec.Contents, &sec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		result = append(result, sec)
	}
	return result, rows.Err()
}

func (s *ReportStore) CreateTemplateReport(ctx context.Context, tr *domain.TemplateReport) error {
	if !domain.ValidReportTrigger(string(tr.ReportTrigger)) {
		return fmt.Errorf("%w: unknown report_trigger %q", domain.ErrValidation, tr.ReportTrigger)
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO template_reports (template_id, report_id, report_trigger, input_map) VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		tr.TemplateID, tr.ReportID, string(tr.ReportTrigger), tr.InputMap)
	if err := row.Scan(&tr.ID, &tr.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: template/report/trigger combination", domain.ErrAlreadyExists)
		}
		return fmt.Errorf("create template_report: %w", err)
	}
	return nil
}

// ListTemplateReportsForTrigger returns the template_reports wired to fire
// for the given template and trigger kind — the report trigger's lookup
// (spec.md §4.6).
func (s *ReportStore) ListTemplateReportsForTrigger(ctx context.Context, templateID uuid.UUID, trigger domain.ReportTrigger) ([]domain.TemplateReport, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, template_id, report_id, report_trigger, input_map, created_at
		 FROM template_reports WHERE template_id = $1 AND report_trigger = $2`,
		templateID, string(trigger))
	if err != nil {
		return nil, fmt.Errorf("list template_reports: %w", err)
	}
	defer rows.Close()

	result := []domain.TemplateReport{}
	for rows.Next() {
		var tr domain.TemplateReport
		var trig string
		if err := rows.Scan(&tr.ID, &tr.TemplateID, &tr.ReportID, &trig, &tr.InputMap, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan template_report: %w", err)
		}
		tr.ReportTrigger = domain.ReportTrigger(trig)
		result = append(result, tr)
	}
	return result, rows.Err()
}
