package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rat-data/rat/platform/internal/domain"
)

// TemplateStore is the template read/write surface the API needs —
// satisfied by *postgres.TemplateStore.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, t *domain.Template) error
	GetTemplate(ctx context.Context, id uuid.UUID) (*domain.Template, error)
	ListTemplatesByPipeline(ctx context.Context, pipelineID uuid.UUID) ([]domain.Template, error)
	HasNonFailedRun(ctx context.Context, templateID uuid.UUID) (bool, error)
	UpdateDescription(ctx context.Context, id uuid.UUID, description string) (*domain.Template, error)
	UpdateWDLLocations(ctx context.Context, id uuid.UUID, testWDL, testWDLDeps, evalWDL, evalWDLDeps string) (*domain.Template, error)
}

// MountTemplateRoutes mounts /pipelines/{pipelineID}/templates and /templates/{templateID}.
func MountTemplateRoutes(r chi.Router, srv *Server) {
	r.Route("/pipelines/{pipelineID}/templates", func(r chi.Router) {
		r.Get("/", srv.HandleListTemplates)
		r.Post("/", srv.HandleCreateTemplate)
	})
	r.Route("/templates/{templateID}", func(r chi.Router) {
		r.Get("/", srv.HandleGetTemplate)
		r.Patch("/", srv.HandleUpdateTemplate)
	})
}

// wdlPayload carries base64-encoded WDL source and an optional zipped
// dependency bundle for one phase (test or eval) of a template.
type wdlPayload struct {
	WDL          string `json:"wdl"`                    // base64-encoded WDL source
	Dependencies string `json:"dependencies,omitempty"` // base64-encoded zip, optional
}

type createTemplateRequest struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Test        wdlPayload `json:"test"`
	Eval        wdlPayload `json:"eval"`
}

type updateTemplateRequest struct {
	Description *string     `json:"description,omitempty"`
	Test        *wdlPayload `json:"test,omitempty"`
	Eval        *wdlPayload `json:"eval,omitempty"`
}

// writeWDLPayload decodes and persists one phase's WDL payload, returning
// its content-addressed location and dependency bundle location.
func (s *Server) writeWDLPayload(ctx context.Context, p wdlPayload) (wdlLoc, depsLoc string, err error) {
	wdl, err := base64.StdEncoding.DecodeString(p.WDL)
	if err != nil {
		return "", "", err
	}
	wdlLoc, err = s.Submitter.WriteWDL(ctx, wdl)
	if err != nil {
		return "", "", err
	}
	if p.Dependencies != "" {
		deps, err := base64.StdEncoding.DecodeString(p.Dependencies)
		if err != nil {
			return "", "", err
		}
		depsLoc, err = s.Submitter.WriteWDL(ctx, deps)
		if err != nil {
			return "", "", err
		}
	}
	return wdlLoc, depsLoc, nil
}

func (s *Server) HandleListTemplates(w http.ResponseWriter, r *http.Request) {
	pipelineID, err := uuid.Parse(chi.URLParam(r, "pipelineID"))
	if err != nil {
		errorJSON(w, "invalid pipeline id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	templates, err := s.Templates.ListTemplatesByPipeline(r.Context(), pipelineID)
	if err != nil {
		internalError(w, "list templates", err)
		return
	}
	writeJSON(w, http.StatusOK, templates)
}

func (s *Server) HandleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	pipelineID, err := uuid.Parse(chi.URLParam(r, "pipelineID"))
	if err != nil {
		errorJSON(w, "invalid pipeline id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	var req createTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Test.WDL == "" || req.Eval.WDL == "" {
		errorJSON(w, "name, test.wdl and eval.wdl are required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	testWDL, testDeps, err := s.writeWDLPayload(r.Context(), req.Test)
	if err != nil {
		errorJSON(w, "invalid test wdl payload: "+err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	evalWDL, evalDeps, err := s.writeWDLPayload(r.Context(), req.Eval)
	if err != nil {
		errorJSON(w, "invalid eval wdl payload: "+err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	t := &domain.Template{
		PipelineID:          pipelineID,
		Name:                req.Name,
		Description:         req.Description,
		TestWDL:             testWDL,
		TestWDLDependencies: testDeps,
		EvalWDL:             evalWDL,
		EvalWDLDependencies: evalDeps,
	}
	if err := s.Templates.CreateTemplate(r.Context(), t); err != nil {
		writeDomainError(w, "create template", err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) HandleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "templateID"))
	if err != nil {
		errorJSON(w, "invalid template id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	t, err := s.Templates.GetTemplate(r.Context(), id)
	if err != nil {
		internalError(w, "get template", err)
		return
	}
	if t == nil {
		errorJSON(w, "template not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// HandleUpdateTemplate edits description freely. Editing the WDL locations
// is rejected once any non-failed run exists against the template's tests
// (invariant 3) — UpdateWDLLocations itself re-checks this atomically, but
// checking first here avoids writing orphaned WDL content to object storage.
func (s *Server) HandleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "templateID"))
	if err != nil {
		errorJSON(w, "invalid template id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	var req updateTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	if req.Description != nil {
		if len(*req.Description) > maxDescriptionLength {
			errorJSON(w, "description too long", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		t, err := s.Templates.UpdateDescription(r.Context(), id, *req.Description)
		if err != nil {
			writeDomainError(w, "update template description", err)
			return
		}
		if t == nil {
			errorJSON(w, "template not found", "NOT_FOUND", http.StatusNotFound)
			return
		}
	}

	if req.Test == nil && req.Eval == nil {
		t, err := s.Templates.GetTemplate(r.Context(), id)
		if err != nil {
			internalError(w, "get template", err)
			return
		}
		writeJSON(w, http.StatusOK, t)
		return
	}

	blocked, err := s.Templates.HasNonFailedRun(r.Context(), id)
	if err != nil {
		internalError(w, "check template runs", err)
		return
	}
	if blocked {
		errorJSON(w, "template has a non-failed run", "IMMUTABLE", http.StatusConflict)
		return
	}

	existing, err := s.Templates.GetTemplate(r.Context(), id)
	if err != nil {
		internalError(w, "get template", err)
		return
	}
	if existing == nil {
		errorJSON(w, "template not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	testWDL, testDeps := existing.TestWDL, existing.TestWDLDependencies
	if req.Test != nil {
		testWDL, testDeps, err = s.writeWDLPayload(r.Context(), *req.Test)
		if err != nil {
			errorJSON(w, "invalid test wdl payload: "+err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
	}
	evalWDL, evalDeps := existing.EvalWDL, existing.EvalWDLDependencies
	if req.Eval != nil {
		evalWDL, evalDeps, err = s.writeWDLPayload(r.Context(), *req.Eval)
		if err != nil {
			errorJSON(w, "invalid eval wdl payload: "+err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
	}

	t, err := s.Templates.UpdateWDLLocations(r.Context(), id, testWDL, testDeps, evalWDL, evalDeps)
	if err != nil {
		writeDomainError(w, "update template wdl", err)
		return
	}
	if t == nil {
		errorJSON(w, "template not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
