package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rat-data/rat/platform/internal/domain"
	"github.com/rat-data/rat/platform/internal/postgres"
)

// RunStore is the run read/write surface the API needs — satisfied by
// *postgres.RunStore. State transitions do not go through this interface;
// they are driven internally by statusmanager/runsubmitter via
// postgres.RunTransitioner.
type RunStore interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	GetRunByName(ctx context.Context, name string) (*domain.Run, error)
	ListRuns(ctx context.Context, filter postgres.RunFilter) ([]domain.Run, error)
}

// RunResultStore is the result-read surface the API needs — satisfied by
// *postgres.RunResultStore.
type RunResultStore interface {
	ListForRun(ctx context.Context, runID uuid.UUID) ([]domain.RunResult, error)
}

// RunErrorStore is the error-log read surface the API needs — satisfied by
// *postgres.RunErrorStore.
type RunErrorStore interface {
	ListForRun(ctx context.Context, runID uuid.UUID) ([]domain.RunError, error)
}

// RunSubmitter composes and submits a created run's test phase, and writes
// new WDL content ahead of template/test publication — satisfied by
// *runsubmitter.Submitter.
type RunSubmitter interface {
	SubmitTest(ctx context.Context, run *domain.Run) error
	WriteWDL(ctx context.Context, wdl []byte) (location string, err error)
}

// MountRunRoutes mounts /tests/{testID}/runs and /runs/{runID}.
func MountRunRoutes(r chi.Router, srv *Server) {
	r.Route("/tests/{testID}/runs", func(r chi.Router) {
		r.Get("/", srv.HandleListRuns)
		r.Post("/", srv.HandleCreateRun)
	})
	r.Route("/runs/{runID}", func(r chi.Router) {
		r.Get("/", srv.HandleGetRun)
		r.Get("/results", srv.HandleListRunResults)
		r.Get("/errors", srv.HandleListRunErrors)
	})
}

type createRunRequest struct {
	Name      string `json:"name,omitempty"`
	CreatedBy string `json:"created_by"`
}

// HandleCreateRun creates a run against a test, freezing the test's current
// input/option JSON and the template's current WDL locations (invariant 5),
// then submits the test phase to the engine.
func (s *Server) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	testID, err := uuid.Parse(chi.URLParam(r, "testID"))
	if err != nil {
		errorJSON(w, "invalid test id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	var req createRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
	}
	if req.CreatedBy == "" {
		errorJSON(w, "created_by is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	test, err := s.Tests.GetTest(r.Context(), testID)
	if err != nil {
		internalError(w, "get test", err)
		return
	}
	if test == nil {
		errorJSON(w, "test not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	template, err := s.Templates.GetTemplate(r.Context(), test.TemplateID)
	if err != nil {
		internalError(w, "get template", err)
		return
	}
	if template == nil {
		errorJSON(w, "template not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	name := req.Name
	if name == "" {
		name = "run-" + uuid.New().String()
	}
	run := &domain.Run{
		TestID:              testID,
		Name:                name,
		TestInput:           test.TestInput,
		TestOptions:         test.TestOptions,
		EvalInput:           test.EvalInput,
		EvalOptions:         test.EvalOptions,
		TestWDL:             template.TestWDL,
		TestWDLDependencies: template.TestWDLDependencies,
		EvalWDL:             template.EvalWDL,
		EvalWDLDependencies: template.EvalWDLDependencies,
		CreatedBy:           req.CreatedBy,
	}
	if err := s.Runs.CreateRun(r.Context(), run); err != nil {
		writeDomainError(w, "create run", err)
		return
	}
	if err := s.Submitter.SubmitTest(r.Context(), run); err != nil {
		writeDomainError(w, "submit run", err)
		return
	}

	run, err = s.Runs.GetRun(r.Context(), run.ID)
	if err != nil {
		internalError(w, "get run", err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	testID, err := uuid.Parse(chi.URLParam(r, "testID"))
	if err != nil {
		errorJSON(w, "invalid test id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	limit, offset := parsePagination(r)
	runs, err := s.Runs.ListRuns(r.Context(), postgres.RunFilter{TestID: &testID, Limit: limit, Offset: offset})
	if err != nil {
		internalError(w, "list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		errorJSON(w, "invalid run id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	run, err := s.Runs.GetRun(r.Context(), id)
	if err != nil {
		internalError(w, "get run", err)
		return
	}
	if run == nil {
		errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) HandleListRunResults(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		errorJSON(w, "invalid run id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	results, err := s.RunResults.ListForRun(r.Context(), id)
	if err != nil {
		internalError(w, "list run results", err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) HandleListRunErrors(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		errorJSON(w, "invalid run id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	errs, err := s.RunErrors.ListForRun(r.Context(), id)
	if err != nil {
		internalError(w, "list run errors", err)
		return
	}
	writeJSON(w, http.StatusOK, errs)
}
