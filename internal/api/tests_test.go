package api_test

import (
	"bytes"
	"context"
	"encoding/json"
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

type memoryTestStore struct {
	mu      sync.Mutex
	tests   []domain.Test
	blocked map[uuid.UUID]bool
}

func newMemoryTestStore() *memoryTestStore {
	return &memoryTestStore{blocked: make(map[uuid.UUID]bool)}
}

func (m *memoryTestStore) CreateTest(_ context.Context, t *domain.Test) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = uuid.New()
	m.tests = append(m.tests, *t)
	return nil
}

func (m *memoryTestStore) GetTest(_ context.Context, id uuid.UUID) (*domain.Test, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, test := range m.tests {
		if test.ID == id {
			return &test, nil
		}
	}
	return nil, nil
}

func (m *memoryTestStore) GetTestByName(_ context.Context, name string) (*domain.Test, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, test := range m.tests {
		if test.Name == name {
			return &test, nil
		}
	}
	return nil, nil
}

func (m *memoryTestStore) ListTestsByTemplate(_ context.Context, templateID uuid.UUID) ([]domain.Test, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []domain.Test
	for _, test := range m.tests {
		if test.TemplateID == templateID {
			result = append(result, test)
		}
	}
	return result, nil
}

func (m *memoryTestStore) HasNonFailedRun(_ context.Context, testID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked[testID], nil
}

func (m *memoryTestStore) UpdateDescription(_ context.Context, id uuid.UUID, description string) (*domain.Test, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, test := range m.tests {
		if test.ID == id {
			m.tests[i].Description = description
			result := m.tests[i]
			return &result, nil
		}
	}
	return nil, nil
}

func (m *memoryTestStore) UpdateInputs(_ context.Context, id uuid.UUID, testInput, evalInput, testOptions, evalOptions []byte) (*domain.Test, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, test := range m.tests {
		if test.ID == id {
			m.tests[i].TestInput = testInput
			m.tests[i].EvalInput = evalInput
			m.tests[i].TestOptions = testOptions
			m.tests[i].EvalOptions = evalOptions
			result := m.tests[i]
			return &result, nil
		}
	}
	return nil, nil
}

func TestCreateTest_ValidRequest_Returns201(t *testing.T) {
	srv := newTestServer()
	templateID := uuid.New()
	router := api.NewRouter(srv)

	body := `{"name":"na12878","test_input":{"x":1},"eval_input":{"y":2}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/templates/"+templateID.String()+"/tests", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	var resp domain.Test
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "na12878", resp.Name)
	assert.Equal(t, templateID, resp.TemplateID)
	assert.JSONEq(t, `{"x":1}`, string(resp.TestInput))
	// unspecified option fields default to an empty object, not null
	assert.JSONEq(t, `{}`, string(resp.TestOptions))
}

func TestCreateTest_MissingName_Returns400(t *testing.T) {
	srv := newTestServer()
	router := api.NewRouter(srv)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/templates/"+uuid.New().String()+"/tests", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateTest_InputEditBlockedByNonFailedRun_Returns409(t *testing.T) {
	srv := newTestServer()
	testStore := srv.Tests.(*memoryTestStore)
	id := uuid.New()
	testStore.tests = []domain.Test{{ID: id, Name: "na12878", TestInput: []byte(`{}`)}}
	testStore.blocked[id] = true
	router := api.NewRouter(srv)

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/tests/"+id.String(), bytes.NewBufferString(`{"test_input":{"z":3}}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdateTest_DescriptionOnly_NotBlocked(t *testing.T) {
	srv := newTestServer()
	testStore := srv.Tests.(*memoryTestStore)
	id := uuid.New()
	testStore.tests = []domain.Test{{ID: id, Name: "na12878"}}
	testStore.blocked[id] = true
	router := api.NewRouter(srv)

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/tests/"+id.String(), bytes.NewBufferString(`{"description":"a trio sample"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetTest_NotFound_Returns404(t *testing.T) {
	srv := newTestServer()
	router := api.NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tests/"+uuid.New().String(), http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
