package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rat-data/rat/platform/internal/domain"
)

// ReportStore is the report/section/template_report read/write surface the
// API needs — satisfied by *postgres.ReportStore.
type ReportStore interface {
	CreateReport(ctx context.Context, r *domain.Report) error
	GetReport(ctx context.Context, id uuid.UUID) (*domain.Report, error)
	CreateSection(ctx context.Context, sec *domain.Section) error
	GetSection(ctx context.Context, id uuid.UUID) (*domain.Section, error)
	AttachSection(ctx context.Context, rs *domain.ReportSection) error
	ListSectionsForReport(ctx context.Context, reportID uuid.UUID) ([]domain.Section, error)
	CreateTemplateReport(ctx context.Context, tr *domain.TemplateReport) error
	ListTemplateReportsForTrigger(ctx context.Context, templateID uuid.UUID, trigger domain.ReportTrigger) ([]domain.TemplateReport, error)
}

// ReportMapStore is the report_map read surface the API needs — satisfied
// by *postgres.ReportMapStore. Writes are driven internally by
// internal/reporttrigger.
type ReportMapStore interface {
	GetReportMap(ctx context.Context, id uuid.UUID) (*domain.ReportMap, error)
}

// MountReportRoutes mounts /reports, /sections, and
// /templates/{templateID}/reports.
func MountReportRoutes(r chi.Router, srv *Server) {
	r.Route("/reports", func(r chi.Router) {
		r.Post("/", srv.HandleCreateReport)
		r.Get("/{reportID}", srv.HandleGetReport)
		r.Get("/{reportID}/sections", srv.HandleListReportSections)
		r.Post("/{reportID}/sections", srv.HandleAttachSection)
	})
	r.Route("/sections", func(r chi.Router) {
		r.Post("/", srv.HandleCreateSection)
		r.Get("/{sectionID}", srv.HandleGetSection)
	})
	r.Route("/templates/{templateID}/reports", func(r chi.Router) {
		r.Post("/", srv.HandleCreateTemplateReport)
		r.Get("/", srv.HandleListTemplateReports)
	})
	r.Get("/report_maps/{reportMapID}", srv.HandleGetReportMap)
}

type createReportRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Notebook    json.RawMessage `json:"notebook"`
	Config      json.RawMessage `json:"runtime_config"`
}

func (s *Server) HandleCreateReport(w http.ResponseWriter, r *http.Request) {
	var req createReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Name == "" || len(req.Notebook) == 0 {
		errorJSON(w, "name and notebook are required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	rep := &domain.Report{
		Name:        req.Name,
		Description: req.Description,
		Notebook:    req.Notebook,
		Config:      rawOrEmpty(req.Config),
	}
	if err := s.Reports.CreateReport(r.Context(), rep); err != nil {
		writeDomainError(w, "create report", err)
		return
	}
	writeJSON(w, http.StatusCreated, rep)
}

func (s *Server) HandleGetReport(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "reportID"))
	if err != nil {
		errorJSON(w, "invalid report id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	rep, err := s.Reports.GetReport(r.Context(), id)
	if err != nil {
		internalError(w, "get report", err)
		return
	}
	if rep == nil {
		errorJSON(w, "report not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type createSectionRequest struct {
	Name     string          `json:"name"`
	Contents json.RawMessage `json:"contents"`
}

func (s *Server) HandleCreateSection(w http.ResponseWriter, r *http.Request) {
	var req createSectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Name == "" || len(req.Contents) == 0 {
		errorJSON(w, "name and contents are required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	sec := &domain.Section{Name: req.Name, Contents: req.Contents}
	if err := s.Reports.CreateSection(r.Context(), sec); err != nil {
		writeDomainError(w, "create section", err)
		return
	}
	writeJSON(w, http.StatusCreated, sec)
}

func (s *Server) HandleGetSection(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "sectionID"))
	if err != nil {
		errorJSON(w, "invalid section id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	sec, err := s.Reports.GetSection(r.Context(), id)
	if err != nil {
		internalError(w, "get section", err)
		return
	}
	if sec == nil {
		errorJSON(w, "section not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sec)
}

type attachSectionRequest struct {
	SectionID uuid.UUID `json:"section_id"`
	Position  int       `json:"position"`
}

func (s *Server) HandleAttachSection(w http.ResponseWriter, r *http.Request) {
	reportID, err := uuid.Parse(chi.URLParam(r, "reportID"))
	if err != nil {
		errorJSON(w, "invalid report id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	var req attachSectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	rs := &domain.ReportSection{ReportID: reportID, SectionID: req.SectionID, Position: req.Position}
	if err := s.Reports.AttachSection(r.Context(), rs); err != nil {
		writeDomainError(w, "attach section", err)
		return
	}
	writeJSON(w, http.StatusCreated, rs)
}

func (s *Server) HandleListReportSections(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "reportID"))
	if err != nil {
		errorJSON(w, "invalid report id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	sections, err := s.Reports.ListSectionsForReport(r.Context(), id)
	if err != nil {
		internalError(w, "list report sections", err)
		return
	}
	writeJSON(w, http.StatusOK, sections)
}

type createTemplateReportRequest struct {
	ReportID      uuid.UUID       `json:"report_id"`
	ReportTrigger string          `json:"report_trigger"`
	InputMap      json.RawMessage `json:"input_map"`
}

func (s *Server) HandleCreateTemplateReport(w http.ResponseWriter, r *http.Request) {
	templateID, err := uuid.Parse(chi.URLParam(r, "templateID"))
	if err != nil {
		errorJSON(w, "invalid template id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	var req createTemplateReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	tr := &domain.TemplateReport{
		TemplateID:    templateID,
		ReportID:      req.ReportID,
		ReportTrigger: domain.ReportTrigger(req.ReportTrigger),
		InputMap:      rawOrEmpty(req.InputMap),
	}
	if err := s.Reports.CreateTemplateReport(r.Context(), tr); err != nil {
		writeDomainError(w, "create template report", err)
		return
	}
	writeJSON(w, http.StatusCreated, tr)
}

func (s *Server) HandleListTemplateReports(w http.ResponseWriter, r *http.Request) {
	templateID, err := uuid.Parse(chi.URLParam(r, "templateID"))
	if err != nil {
		errorJSON(w, "invalid template id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	trigger := domain.ReportTrigger(r.URL.Query().Get("trigger"))
	if trigger == "" {
		trigger = domain.ReportTriggerSingle
	}
	reports, err := s.Reports.ListTemplateReportsForTrigger(r.Context(), templateID, trigger)
	if err != nil {
		internalError(w, "list template reports", err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) HandleGetReportMap(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "reportMapID"))
	if err != nil {
		errorJSON(w, "invalid report_map id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	rm, err := s.ReportMaps.GetReportMap(r.Context(), id)
	if err != nil {
		internalError(w, "get report_map", err)
		return
	}
	if rm == nil {
		errorJSON(w, "report_map not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rm)
}
