package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rat-data/rat/platform/internal/domain"
)

// RunGroupStore is the run_group read/write surface the API needs —
// satisfied by *postgres.RunGroupStore. CreateFromGithub is driven
// internally by internal/rungroup's pull-request coordinator, not exposed
// over HTTP.
type RunGroupStore interface {
	CreateFromQuery(ctx context.Context, filter json.RawMessage) (*domain.RunGroup, error)
	GetRunGroup(ctx context.Context, id uuid.UUID) (*domain.RunGroup, error)
	AddRunToGroup(ctx context.Context, runID, runGroupID uuid.UUID) error
	ListRunsInGroup(ctx context.Context, runGroupID uuid.UUID) ([]uuid.UUID, error)
}

// MountRunGroupRoutes mounts /run_groups.
func MountRunGroupRoutes(r chi.Router, srv *Server) {
	r.Route("/run_groups", func(r chi.Router) {
		r.Post("/", srv.HandleCreateRunGroup)
		r.Route("/{runGroupID}", func(r chi.Router) {
			r.Get("/", srv.HandleGetRunGroup)
			r.Get("/runs", srv.HandleListRunGroupRuns)
			r.Post("/runs/{runID}", srv.HandleAddRunToGroup)
		})
	})
}

type createRunGroupRequest struct {
	Filter json.RawMessage `json:"filter"`
}

// HandleCreateRunGroup creates an ad-hoc cohort from a stored query filter.
// PR-triggered cohorts are created internally by the GitHub coordinator.
func (s *Server) HandleCreateRunGroup(w http.ResponseWriter, r *http.Request) {
	var req createRunGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if len(req.Filter) == 0 {
		errorJSON(w, "filter is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	g, err := s.RunGroups.CreateFromQuery(r.Context(), req.Filter)
	if err != nil {
		writeDomainError(w, "create run group", err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) HandleGetRunGroup(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "runGroupID"))
	if err != nil {
		errorJSON(w, "invalid run group id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	g, err := s.RunGroups.GetRunGroup(r.Context(), id)
	if err != nil {
		internalError(w, "get run group", err)
		return
	}
	if g == nil {
		errorJSON(w, "run group not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) HandleListRunGroupRuns(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "runGroupID"))
	if err != nil {
		errorJSON(w, "invalid run group id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	runIDs, err := s.RunGroups.ListRunsInGroup(r.Context(), id)
	if err != nil {
		internalError(w, "list run group runs", err)
		return
	}
	writeJSON(w, http.StatusOK, runIDs)
}

func (s *Server) HandleAddRunToGroup(w http.ResponseWriter, r *http.Request) {
	groupID, err := uuid.Parse(chi.URLParam(r, "runGroupID"))
	if err != nil {
		errorJSON(w, "invalid run group id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		errorJSON(w, "invalid run id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if err := s.RunGroups.AddRunToGroup(r.Context(), runID, groupID); err != nil {
		writeDomainError(w, "add run to group", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
