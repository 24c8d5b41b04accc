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

type memoryReportStore struct {
	mu              sync.Mutex
	reports         []domain.Report
	sections        []domain.Section
	reportSections  []domain.ReportSection
	templateReports []domain.TemplateReport
}

func newMemoryReportStore() *memoryReportStore {
	return &memoryReportStore{}
}

func (m *memoryReportStore) CreateReport(_ context.Context, r *domain.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = uuid.New()
	m.reports = append(m.reports, *r)
	return nil
}

func (m *memoryReportStore) GetReport(_ context.Context, id uuid.UUID) (*domain.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reports {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *memoryReportStore) CreateSection(_ context.Context, sec *domain.Section) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sec.ID = uuid.New()
	m.sections = append(m.sections, *sec)
	return nil
}

func (m *memoryReportStore) GetSection(_ context.Context, id uuid.UUID) (*domain.Section, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sec := range m.sections {
		if sec.ID == id {
			return &sec, nil
		}
	}
	return nil, nil
}

func (m *memoryReportStore) AttachSection(_ context.Context, rs *domain.ReportSection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs.ID = uuid.New()
	m.reportSections = append(m.reportSections, *rs)
	return nil
}

func (m *memoryReportStore) ListSectionsForReport(_ context.Context, reportID uuid.UUID) ([]domain.Section, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []domain.Section
	for _, rs := range m.reportSections {
		if rs.ReportID != reportID {
			continue
		}
		for _, sec := range m.sections {
			if sec.ID == rs.SectionID {
				result = append(result, sec)
			}
		}
	}
	return result, nil
}

func (m *memoryReportStore) CreateTemplateReport(_ context.Context, tr *domain.TemplateReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr.ID = uuid.New()
	m.templateReports = append(m.templateReports, *tr)
	return nil
}

func (m *memoryReportStore) ListTemplateReportsForTrigger(_ context.Context, templateID uuid.UUID, trigger domain.ReportTrigger) ([]domain.TemplateReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []domain.TemplateReport
	for _, tr := range m.templateReports {
		if tr.TemplateID == templateID && tr.ReportTrigger == trigger {
			result = append(result, tr)
		}
	}
	return result, nil
}

type memoryReportMapStore struct {
	mu         sync.Mutex
	reportMaps map[uuid.UUID]domain.ReportMap
}

func newMemoryReportMapStore() *memoryReportMapStore {
	return &memoryReportMapStore{reportMaps: make(map[uuid.UUID]domain.ReportMap)}
}

func (m *memoryReportMapStore) GetReportMap(_ context.Context, id uuid.UUID) (*domain.ReportMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rm, ok := m.reportMaps[id]; ok {
		return &rm, nil
	}
	return nil, nil
}

func TestCreateReport_ValidRequest_Returns201(t *testing.T) {
	srv := newTestServer()
	router := api.NewRouter(srv)

	body := `{"name":"concordance","notebook":{"cells":[]}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	var resp domain.Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "concordance", resp.Name)
}

func TestCreateReport_MissingNotebook_Returns400(t *testing.T) {
	srv := newTestServer()
	router := api.NewRouter(srv)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports", bytes.NewBufferString(`{"name":"concordance"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAttachSection_ThenListReportSections_ReturnsAttached(t *testing.T) {
	srv := newTestServer()
	reportStore := srv.Reports.(*memoryReportStore)
	reportID := uuid.New()
	sectionID := uuid.New()
	reportStore.reports = []domain.Report{{ID: reportID, Name: "concordance"}}
	reportStore.sections = []domain.Section{{ID: sectionID, Name: "summary"}}
	router := api.NewRouter(srv)

	body := `{"section_id":"` + sectionID.String() + `","position":0}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports/"+reportID.String()+"/sections", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/reports/"+reportID.String()+"/sections", http.NoBody)
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, listReq)

	assert.Equal(t, http.StatusOK, listRec.Code)
	var sections []domain.Section
	require.NoError(t, json.NewDecoder(listRec.Body).Decode(&sections))
	require.Len(t, sections, 1)
	assert.Equal(t, sectionID, sections[0].ID)
}

func TestCreateTemplateReport_ListByTrigger_ReturnsMatching(t *testing.T) {
	srv := newTestServer()
	templateID := uuid.New()
	reportID := uuid.New()
	router := api.NewRouter(srv)

	body := `{"report_id":"` + reportID.String() + `","report_trigger":"pr","input_map":{}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/templates/"+templateID.String()+"/reports", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/templates/"+templateID.String()+"/reports?trigger=pr", http.NoBody)
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, listReq)

	assert.Equal(t, http.StatusOK, listRec.Code)
	var trs []domain.TemplateReport
	require.NoError(t, json.NewDecoder(listRec.Body).Decode(&trs))
	require.Len(t, trs, 1)
	assert.Equal(t, domain.ReportTriggerPR, trs[0].ReportTrigger)
}

func TestGetReportMap_NotFound_Returns404(t *testing.T) {
	srv := newTestServer()
	router := api.NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/report_maps/"+uuid.New().String(), http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
