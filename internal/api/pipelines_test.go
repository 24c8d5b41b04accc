package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rat-data/rat/platform/internal/api"
	"github.com/rat-data/rat/platform/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryPipelineStore is an in-memory PipelineStore for tests.
type memoryPipelineStore struct {
	mu        sync.Mutex
	pipelines []domain.Pipeline
}

func newMemoryPipelineStore() *memoryPipelineStore {
	return &memoryPipelineStore{}
}

func (m *memoryPipelineStore) CreatePipeline(_ context.Context, p *domain.Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.pipelines {
		if existing.Name == p.Name {
			return fmt.Errorf("pipeline %s: %w", p.Name, domain.ErrAlreadyExists)
		}
	}
	p.ID = uuid.New()
	m.pipelines = append(m.pipelines, *p)
	return nil
}

func (m *memoryPipelineStore) GetPipeline(_ context.Context, id uuid.UUID) (*domain.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pipelines {
		if p.ID == id {
			return &p, nil
		}
	}
	return nil, nil
}

func (m *memoryPipelineStore) GetPipelineByName(_ context.Context, name string) (*domain.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pipelines {
		if p.Name == name {
			return &p, nil
		}
	}
	return nil, nil
}

func (m *memoryPipelineStore) ListPipelines(_ context.Context, limit, offset int) ([]domain.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset >= len(m.pipelines) {
		return []domain.Pipeline{}, nil
	}
	end := offset + limit
	if end > len(m.pipelines) {
		end = len(m.pipelines)
	}
	return m.pipelines[offset:end], nil
}

func (m *memoryPipelineStore) UpdatePipeline(_ context.Context, id uuid.UUID, description string) (*domain.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.pipelines {
		if p.ID == id {
			m.pipelines[i].Description = description
			result := m.pipelines[i]
			return &result, nil
		}
	}
	return nil, nil
}

func (m *memoryPipelineStore) DeletePipeline(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.pipelines {
		if p.ID == id {
			m.pipelines = append(m.pipelines[:i], m.pipelines[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// newTestServer wires a Server with in-memory stores for every resource, so
// each _test.go file only needs to seed the one store it exercises.
func newTestServer() *api.Server {
	return &api.Server{
		Pipelines:     newMemoryPipelineStore(),
		Templates:     newMemoryTemplateStore(),
		Tests:         newMemoryTestStore(),
		Software:      newMemorySoftwareStore(),
		Runs:          newMemoryRunStore(),
		RunResults:    newMemoryRunResultStore(),
		RunErrors:     newMemoryRunErrorStore(),
		RunGroups:     newMemoryRunGroupStore(),
		Reports:       newMemoryReportStore(),
		ReportMaps:    newMemoryReportMapStore(),
		Subscriptions: newMemorySubscriptionStore(),
		Submitter:     newMemorySubmitter(),
	}
}

func TestListPipelines_EmptyStore_ReturnsEmptyList(t *testing.T) {
	srv := newTestServer()
	router := api.NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pipelines", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body []domain.Pipeline
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Empty(t, body)
}

func TestCreatePipeline_ValidRequest_Returns201(t *testing.T) {
	srv := newTestServer()
	router := api.NewRouter(srv)

	body := `{"name":"variant-calling","description":"calls germline variants"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/pipelines", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	var resp domain.Pipeline
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "variant-calling", resp.Name)
	assert.NotEqual(t, uuid.Nil, resp.ID)
}

func TestCreatePipeline_MissingName_Returns400(t *testing.T) {
	srv := newTestServer()
	router := api.NewRouter(srv)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pipelines", bytes.NewBufferString(`{"description":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePipeline_Duplicate_Returns409(t *testing.T) {
	srv := newTestServer()
	pipelineStore := srv.Pipelines.(*memoryPipelineStore)
	pipelineStore.pipelines = []domain.Pipeline{{ID: uuid.New(), Name: "variant-calling"}}
	router := api.NewRouter(srv)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pipelines", bytes.NewBufferString(`{"name":"variant-calling"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetPipeline_NotFound_Returns404(t *testing.T) {
	srv := newTestServer()
	router := api.NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pipelines/"+uuid.New().String(), http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetPipeline_InvalidID_Returns400(t *testing.T) {
	srv := newTestServer()
	router := api.NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pipelines/not-a-uuid", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdatePipeline_UpdatesDescription(t *testing.T) {
	srv := newTestServer()
	pipelineStore := srv.Pipelines.(*memoryPipelineStore)
	id := uuid.New()
	pipelineStore.pipelines = []domain.Pipeline{{ID: id, Name: "variant-calling", Description: "old"}}
	router := api.NewRouter(srv)

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/pipelines/"+id.String(), bytes.NewBufferString(`{"description":"new"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp domain.Pipeline
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "new", resp.Description)
}

func TestDeletePipeline_Exists_Returns204(t *testing.T) {
	srv := newTestServer()
	pipelineStore := srv.Pipelines.(*memoryPipelineStore)
	id := uuid.New()
	pipelineStore.pipelines = []domain.Pipeline{{ID: id, Name: "variant-calling"}}
	router := api.NewRouter(srv)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/pipelines/"+id.String(), http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDeletePipeline_NotFound_Returns404(t *testing.T) {
	srv := newTestServer()
	router := api.NewRouter(srv)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/pipelines/"+uuid.New().String(), http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
