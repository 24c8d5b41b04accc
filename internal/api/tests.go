package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rat-data/rat/platform/internal/domain"
)

// TestStore is the test read/write surface the API needs — satisfied by
// *postgres.TestStore.
type TestStore interface {
	CreateTest(ctx context.Context, t *domain.Test) error
	GetTest(ctx context.Context, id uuid.UUID) (*domain.Test, error)
	GetTestByName(ctx context.Context, name string) (*domain.Test, error)
	ListTestsByTemplate(ctx context.Context, templateID uuid.UUID) ([]domain.Test, error)
	HasNonFailedRun(ctx context.Context, testID uuid.UUID) (bool, error)
	UpdateDescription(ctx context.Context, id uuid.UUID, description string) (*domain.Test, error)
	UpdateInputs(ctx context.Context, id uuid.UUID, testInput, evalInput, testOptions, evalOptions []byte) (*domain.Test, error)
}

// MountTestRoutes mounts /templates/{templateID}/tests and /tests/{testID}.
func MountTestRoutes(r chi.Router, srv *Server) {
	r.Route("/templates/{templateID}/tests", func(r chi.Router) {
		r.Get("/", srv.HandleListTests)
		r.Post("/", srv.HandleCreateTest)
	})
	r.Route("/tests/{testID}", func(r chi.Router) {
		r.Get("/", srv.HandleGetTest)
		r.Patch("/", srv.HandleUpdateTest)
	})
}

type createTestRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	TestInput   json.RawMessage `json:"test_input"`
	EvalInput   json.RawMessage `json:"eval_input"`
	TestOptions json.RawMessage `json:"test_options"`
	EvalOptions json.RawMessage `json:"eval_options"`
}

type updateTestRequest struct {
	Description *string          `json:"description,omitempty"`
	TestInput   *json.RawMessage `json:"test_input,omitempty"`
	EvalInput   *json.RawMessage `json:"eval_input,omitempty"`
	TestOptions *json.RawMessage `json:"test_options,omitempty"`
	EvalOptions *json.RawMessage `json:"eval_options,omitempty"`
}

func rawOrEmpty(m json.RawMessage) json.RawMessage {
	if len(m) == 0 {
		return json.RawMessage(`{}`)
	}
	return m
}

func (s *Server) HandleListTests(w http.ResponseWriter, r *http.Request) {
	templateID, err := uuid.Parse(chi.URLParam(r, "templateID"))
	if err != nil {
		errorJSON(w, "invalid template id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	tests, err := s.Tests.ListTestsByTemplate(r.Context(), templateID)
	if err != nil {
		internalError(w, "list tests", err)
		return
	}
	writeJSON(w, http.StatusOK, tests)
}

func (s *Server) HandleCreateTest(w http.ResponseWriter, r *http.Request) {
	templateID, err := uuid.Parse(chi.URLParam(r, "templateID"))
	if err != nil {
		errorJSON(w, "invalid template id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	var req createTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		errorJSON(w, "name is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	t := &domain.Test{
		TemplateID:  templateID,
		Name:        req.Name,
		Description: req.Description,
		TestInput:   rawOrEmpty(req.TestInput),
		EvalInput:   rawOrEmpty(req.EvalInput),
		TestOptions: rawOrEmpty(req.TestOptions),
		EvalOptions: rawOrEmpty(req.EvalOptions),
	}
	if err := s.Tests.CreateTest(r.Context(), t); err != nil {
		writeDomainError(w, "create test", err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) HandleGetTest(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "testID"))
	if err != nil {
		errorJSON(w, "invalid test id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	t, err := s.Tests.GetTest(r.Context(), id)
	if err != nil {
		internalError(w, "get test", err)
		return
	}
	if t == nil {
		errorJSON(w, "test not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// HandleUpdateTest edits description freely, but rejects input/option edits
// once any non-failed run exists against this test (invariant 3).
func (s *Server) HandleUpdateTest(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "testID"))
	if err != nil {
		errorJSON(w, "invalid test id", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	var req updateTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	if req.Description != nil {
		if len(*req.Description) > maxDescriptionLength {
			errorJSON(w, "description too long", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		if _, err := s.Tests.UpdateDescription(r.Context(), id, *req.Description); err != nil {
			writeDomainError(w, "update test description", err)
			return
		}
	}

	if req.TestInput == nil && req.EvalInput == nil && req.TestOptions == nil && req.EvalOptions == nil {
		t, err := s.Tests.GetTest(r.Context(), id)
		if err != nil {
			internalError(w, "get test", err)
			return
		}
		if t == nil {
			errorJSON(w, "test not found", "NOT_FOUND", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, t)
		return
	}

	blocked, err := s.Tests.HasNonFailedRun(r.Context(), id)
	if err != nil {
		internalError(w, "check test runs", err)
		return
	}
	if blocked {
		errorJSON(w, "test has a non-failed run", "IMMUTABLE", http.StatusConflict)
		return
	}

	existing, err := s.Tests.GetTest(r.Context(), id)
	if err != nil {
		internalError(w, "get test", err)
		return
	}
	if existing == nil {
		errorJSON(w, "test not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	testInput, evalInput, testOptions, evalOptions := existing.TestInput, existing.EvalInput, existing.TestOptions, existing.EvalOptions
	if req.TestInput != nil {
		testInput = *req.TestInput
	}
	if req.EvalInput != nil {
		evalInput = *req.EvalInput
	}
	if req.TestOptions != nil {
		testOptions = *req.TestOptions
	}
	if req.EvalOptions != nil {
		evalOptions = *req.EvalOptions
	}

	t, err := s.Tests.UpdateInputs(r.Context(), id, testInput, evalInput, testOptions, evalOptions)
	if err != nil {
		writeDomainError(w, "update test inputs", err)
		return
	}
	if t == nil {
		errorJSON(w, "test not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
