package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rat-data/rat/platform/internal/domain"
)

// SoftwareStore is the software/build read surface the API needs — satisfied
// by *postgres.SoftwareStore. The write surface for software_builds
// (CreateSoftwareBuild, UpdateBuildStatus) is driven internally by
// internal/buildcoordinator, not exposed over HTTP.
type SoftwareStore interface {
	CreateSoftware(ctx context.Context, sw *domain.Software) error
	GetSoftware(ctx context.Context, id uuid.UUID) (*domain.Software, error)
	GetSoftwareByName(ctx context.Context, name string) (*domain.Software, error)
	ListSoftware(ctx context.Context) ([]domain.Software, error)
	GetSoftwareVersion(ctx context.Context, id uuid.UUID) (*domain.SoftwareVersion, error)
	FindActiveBuild(ctx context.Context, softwareVersionID uuid.UUID) (*domain.SoftwareBuild, error)
	GetSoftwareBuild(ctx context.Context, id uuid.UUID) (*domain.SoftwareBuild, error)
}

// MountSoftwareRoutes mounts /software.
func MountSoftwareRoutes(r chi.Router, srv *Server) {
	r.Route("/software", func(r chi.Router) {
		r.Get("/", srv.HandleListSoftware)
		r.Post("/", srv.HandleCreateSoftware)
		r.Get("/{softwareID}", srv.HandleGetSoftware)
		r.Get("/versions/{versionID}", srv.HandleGetSoftwareVersion)
		r.Get("/versions/{versionID}/active_build", srv.HandleGetActiveBuild)
	})
	r.Get("/software_builds/{buildID}", srv.HandleGetSoftwareBuild)
}

type createSoftwareRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Repository  string `json:"repository"`
	MachineType string `json:"machine_type,omitempty"`
}

func (s *Server) HandleListSoftware(w http.ResponseWriter, r *http.Request) {
	software, err := s.Software.ListSoftware(r.Context())
	if err != nil {
		internalError(w, "list software", err)
		return
	}
	writeJSON(w, http.StatusOK, software)
}

func (s *Server) HandleCreateSoftware(w http.ResponseWriter, r *http.Request) {
	var req createSoftwareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Repository == "" {
		errorJSON(w, "name and repository are required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	sw := &domain.Software{
		Name:        req.Name,
		Description: req.Description,
		Repository:  req.Repository,
		MachineType: domain.MachineType(req.MachineType),
	}
	if err := s.Software.CreateSoftware(r.Context(), sw); err != nil {
		writeDomainError(w, "create software", err)
		return
	}
	writeJSON(w, http.StatusCreated, sw)
}

func (s *Server) HandleGetSoftware(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "softwareID"))
	if err != nil {
		errorJSON(w, "invalid software id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	sw, err := s.Software.GetSoftware(r.Context(), id)
	if err != nil {
		internalError(w, "get software", err)
		return
	}
	if sw == nil {
		errorJSON(w, "software not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sw)
}

func (s *Server) HandleGetSoftwareVersion(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "versionID"))
	if err != nil {
		errorJSON(w, "invalid software version id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	v, err := s.Software.GetSoftwareVersion(r.Context(), id)
	if err != nil {
		internalError(w, "get software version", err)
		return
	}
	if v == nil {
		errorJSON(w, "software version not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) HandleGetActiveBuild(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "versionID"))
	if err != nil {
		errorJSON(w, "invalid software version id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	b, err := s.Software.FindActiveBuild(r.Context(), id)
	if err != nil {
		internalError(w, "find active build", err)
		return
	}
	if b == nil {
		errorJSON(w, "no active build for this software version", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) HandleGetSoftwareBuild(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "buildID"))
	if err != nil {
		errorJSON(w, "invalid software build id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	b, err := s.Software.GetSoftwareBuild(r.Context(), id)
	if err != nil {
		internalError(w, "get software build", err)
		return
	}
	if b == nil {
		errorJSON(w, "software build not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
