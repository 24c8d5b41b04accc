package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rat-data/rat/platform/internal/domain"
)

// PipelineStore is the pipeline read/write surface the API needs — satisfied
// by *postgres.PipelineStore.
type PipelineStore interface {
	CreatePipeline(ctx context.Context, p *domain.Pipeline) error
	GetPipeline(ctx context.Context, id uuid.UUID) (*domain.Pipeline, error)
	GetPipelineByName(ctx context.Context, name string) (*domain.Pipeline, error)
	ListPipelines(ctx context.Context, limit, offset int) ([]domain.Pipeline, error)
	UpdatePipeline(ctx context.Context, id uuid.UUID, description string) (*domain.Pipeline, error)
	DeletePipeline(ctx context.Context, id uuid.UUID) (bool, error)
}

// MountPipelineRoutes mounts /pipelines under r.
func MountPipelineRoutes(r chi.Router, srv *Server) {
	r.Route("/pipelines", func(r chi.Router) {
		r.Get("/", srv.HandleListPipelines)
		r.Post("/", srv.HandleCreatePipeline)
		r.Route("/{pipelineID}", func(r chi.Router) {
			r.Get("/", srv.HandleGetPipeline)
			r.Patch("/", srv.HandleUpdatePipeline)
			r.Delete("/", srv.HandleDeletePipeline)
		})
	})
}

type createPipelineRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type updatePipelineRequest struct {
	Description string `json:"description"`
}

func (s *Server) HandleListPipelines(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	pipelines, err := s.Pipelines.ListPipelines(r.Context(), limit, offset)
	if err != nil {
		internalError(w, "list pipelines", err)
		return
	}
	writeJSON(w, http.StatusOK, pipelines)
}

func (s *Server) HandleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	var req createPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		errorJSON(w, "name is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if len(req.Description) > maxDescriptionLength {
		errorJSON(w, "description too long", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	p := &domain.Pipeline{Name: req.Name, Description: req.Description}
	if err := s.Pipelines.CreatePipeline(r.Context(), p); err != nil {
		writeDomainError(w, "create pipeline", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) HandleGetPipeline(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "pipelineID"))
	if err != nil {
		errorJSON(w, "invalid pipeline id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	p, err := s.Pipelines.GetPipeline(r.Context(), id)
	if err != nil {
		internalError(w, "get pipeline", err)
		return
	}
	if p == nil {
		errorJSON(w, "pipeline not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) HandleUpdatePipeline(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "pipelineID"))
	if err != nil {
		errorJSON(w, "invalid pipeline id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	var req updatePipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if len(req.Description) > maxDescriptionLength {
		errorJSON(w, "description too long", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	p, err := s.Pipelines.UpdatePipeline(r.Context(), id, req.Description)
	if err != nil {
		writeDomainError(w, "update pipeline", err)
		return
	}
	if p == nil {
		errorJSON(w, "pipeline not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) HandleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "pipelineID"))
	if err != nil {
		errorJSON(w, "invalid pipeline id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	deleted, err := s.Pipelines.DeletePipeline(r.Context(), id)
	if err != nil {
		writeDomainError(w, "delete pipeline", err)
		return
	}
	if !deleted {
		errorJSON(w, "pipeline not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
