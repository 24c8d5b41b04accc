package api_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
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

type memoryTemplateStore struct {
	mu        sync.Mutex
	templates []domain.Template
	blocked   map[uuid.UUID]bool
}

func newMemoryTemplateStore() *memoryTemplateStore {
	return &memoryTemplateStore{blocked: make(map[uuid.UUID]bool)}
}

func (m *memoryTemplateStore) CreateTemplate(_ context.Context, t *domain.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = uuid.New()
	m.templates = append(m.templates, *t)
	return nil
}

func (m *memoryTemplateStore) GetTemplate(_ context.Context, id uuid.UUID) (*domain.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.templates {
		if t.ID == id {
			return &t, nil
		}
	}
	return nil, nil
}

func (m *memoryTemplateStore) ListTemplatesByPipeline(_ context.Context, pipelineID uuid.UUID) ([]domain.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []domain.Template
	for _, t := range m.templates {
		if t.PipelineID == pipelineID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (m *memoryTemplateStore) HasNonFailedRun(_ context.Context, templateID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked[templateID], nil
}

func (m *memoryTemplateStore) UpdateDescription(_ context.Context, id uuid.UUID, description string) (*domain.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.templates {
		if t.ID == id {
			m.templates[i].Description = description
			result := m.templates[i]
			return &result, nil
		}
	}
	return nil, nil
}

func (m *memoryTemplateStore) UpdateWDLLocations(_ context.Context, id uuid.UUID, testWDL, testWDLDeps, evalWDL, evalWDLDeps string) (*domain.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.templates {
		if t.ID == id {
			m.templates[i].TestWDL = testWDL
			m.templates[i].TestWDLDependencies = testWDLDeps
			m.templates[i].EvalWDL = evalWDL
			m.templates[i].EvalWDLDependencies = evalWDLDeps
			result := m.templates[i]
			return &result, nil
		}
	}
	return nil, nil
}

// memorySubmitter is an in-memory RunSubmitter: WriteWDL content-addresses
// into a map, SubmitTest just records the call.
type memorySubmitter struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	submitted []uuid.UUID
	submitErr error
}

func newMemorySubmitter() *memorySubmitter {
	return &memorySubmitter{blobs: make(map[string][]byte)}
}

func (m *memorySubmitter) WriteWDL(_ context.Context, wdl []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := sha256.Sum256(wdl)
	loc := "memory://wdl/" + hex.EncodeToString(sum[:])
	m.blobs[loc] = wdl
	return loc, nil
}

func (m *memorySubmitter) SubmitTest(_ context.Context, run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return m.submitErr
	}
	m.submitted = append(m.submitted, run.ID)
	return nil
}

func TestCreateTemplate_ValidRequest_Returns201(t *testing.T) {
	srv := newTestServer()
	pipelineID := uuid.New()
	router := api.NewRouter(srv)

	testWDL := base64.StdEncoding.EncodeToString([]byte("workflow test {}"))
	evalWDL := base64.StdEncoding.EncodeToString([]byte("workflow eval {}"))
	body := fmt.Sprintf(`{"name":"alignment","test":{"wdl":"%s"},"eval":{"wdl":"%s"}}`, testWDL, evalWDL)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pipelines/"+pipelineID.String()+"/templates", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	var resp domain.Template
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "alignment", resp.Name)
	assert.Equal(t, pipelineID, resp.PipelineID)
	assert.NotEmpty(t, resp.TestWDL)
	assert.NotEmpty(t, resp.EvalWDL)
}

func TestCreateTemplate_MissingWDL_Returns400(t *testing.T) {
	srv := newTestServer()
	router := api.NewRouter(srv)

	body := `{"name":"alignment","test":{"wdl":""},"eval":{"wdl":""}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/pipelines/"+uuid.New().String()+"/templates", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTemplate_InvalidBase64_Returns400(t *testing.T) {
	srv := newTestServer()
	router := api.NewRouter(srv)

	body := `{"name":"alignment","test":{"wdl":"not-valid-base64!!"},"eval":{"wdl":"YWJj"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/pipelines/"+uuid.New().String()+"/templates", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateTemplate_DescriptionOnly_DoesNotRequireWDLCheck(t *testing.T) {
	srv := newTestServer()
	templateStore := srv.Templates.(*memoryTemplateStore)
	id := uuid.New()
	templateStore.templates = []domain.Template{{ID: id, Name: "alignment"}}
	templateStore.blocked[id] = true // would reject a WDL edit, but description edit should still pass
	router := api.NewRouter(srv)

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/templates/"+id.String(), bytes.NewBufferString(`{"description":"updated"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp domain.Template
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "updated", resp.Description)
}

func TestUpdateTemplate_WDLEditBlockedByNonFailedRun_Returns409(t *testing.T) {
	srv := newTestServer()
	templateStore := srv.Templates.(*memoryTemplateStore)
	id := uuid.New()
	templateStore.templates = []domain.Template{{ID: id, Name: "alignment"}}
	templateStore.blocked[id] = true
	router := api.NewRouter(srv)

	newWDL := base64.StdEncoding.EncodeToString([]byte("workflow test2 {}"))
	body := fmt.Sprintf(`{"test":{"wdl":"%s"}}`, newWDL)
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/templates/"+id.String(), bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetTemplate_NotFound_Returns404(t *testing.T) {
	srv := newTestServer()
	router := api.NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/templates/"+uuid.New().String(), http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
