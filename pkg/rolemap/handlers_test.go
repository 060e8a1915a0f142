package rolemap

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/fedgate/pkg/audit"
)

func (r *recordingAudit) last() *audit.Event {
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

func newTestHandlers(t *testing.T) (sqlmock.Sqlmock, *mux.Router, *recordingAudit) {
	t.Helper()
	db, mock := setupMockDB(t)

	rec := &recordingAudit{}
	service := NewService(NewStore(db), nil, rec, nil)
	handlers := NewHandlers(service, nil, rec, nil)
	router := mux.NewRouter()
	handlers.RegisterRoutes(router)
	return mock, router, rec
}

func TestMappingRoutesRegistered(t *testing.T) {
	_, router, _ := newTestHandlers(t)

	tests := []struct {
		method string
		path   string
	}{
		{"GET", "/api/v1/tenants/tenant-1/role-mappings"},
		{"POST", "/api/v1/tenants/tenant-1/role-mappings"},
		{"POST", "/api/v1/tenants/tenant-1/role-mappings/resolve"},
		{"POST", "/api/v1/tenants/tenant-1/role-mappings/sync"},
		{"POST", "/api/v1/tenants/tenant-1/role-mappings/presets/okta"},
		{"PUT", "/api/v1/tenants/tenant-1/role-mappings/3"},
		{"DELETE", "/api/v1/tenants/tenant-1/role-mappings/3"},
		{"GET", "/api/v1/tenants/tenant-1/users/42/roles"},
		{"GET", "/api/v1/role-mappings/presets"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		var match mux.RouteMatch
		assert.True(t, router.Match(req, &match), "route %s %s should be registered", tt.method, tt.path)
	}
}

func TestCreateMappingIsAudited(t *testing.T) {
	mock, router, rec := newTestHandlers(t)

	mock.ExpectQuery("INSERT INTO role_mappings").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))

	body := `{"name":"admins","source_type":"group","source_value":"Admins","target_role":"ADMIN","priority":1,"enabled":true}`
	req := httptest.NewRequest("POST", "/api/v1/tenants/tenant-1/role-mappings", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusCreated, rr.Code)
	event := rec.last()
	require.NotNil(t, event)
	assert.Equal(t, audit.EventTypeConfigMappingCreate, event.EventType)
	assert.Equal(t, "3", event.ResourceID)
}

func TestCreateMappingRejectsInvalid(t *testing.T) {
	_, router, rec := newTestHandlers(t)

	body := `{"name":"admins","source_type":"group","source_value":"Admins"}`
	req := httptest.NewRequest("POST", "/api/v1/tenants/tenant-1/role-mappings", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "target_role is required")
	assert.Nil(t, rec.last())
}

func TestResolvePreview(t *testing.T) {
	mock, router, _ := newTestHandlers(t)

	now := time.Now()
	rows := sqlmock.NewRows(mappingColumns).
		AddRow(int64(1), "tenant-1", "admins", "group", "", "Admins", "", "ADMIN", `[]`, 1, true, now, now)
	mock.ExpectQuery("SELECT (.+) FROM role_mappings").
		WithArgs("tenant-1").
		WillReturnRows(rows)

	req := httptest.NewRequest("POST", "/api/v1/tenants/tenant-1/role-mappings/resolve",
		strings.NewReader(`{"groups":["Admins","Engineering"]}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"roles":["ADMIN"]`)
	assert.Contains(t, rr.Body.String(), `"matched_value":"Admins"`)
}

func TestResolvePreviewFallback(t *testing.T) {
	mock, router, _ := newTestHandlers(t)

	mock.ExpectQuery("SELECT (.+) FROM role_mappings").
		WillReturnRows(sqlmock.NewRows(mappingColumns))

	req := httptest.NewRequest("POST", "/api/v1/tenants/tenant-1/role-mappings/resolve",
		strings.NewReader(`{"groups":["Engineering"]}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"fallback_applied":true`)
}

func TestDeleteMappingNotFound(t *testing.T) {
	mock, router, _ := newTestHandlers(t)

	mock.ExpectExec("DELETE FROM role_mappings").
		WithArgs("tenant-1", int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	req := httptest.NewRequest("DELETE", "/api/v1/tenants/tenant-1/role-mappings/99", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListPresetsIncludesBuiltins(t *testing.T) {
	_, router, _ := newTestHandlers(t)

	req := httptest.NewRequest("GET", "/api/v1/role-mappings/presets", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	for _, provider := range []string{"azuread", "okta", "google"} {
		assert.Contains(t, rr.Body.String(), provider)
	}
}

func TestApplyUnknownPreset(t *testing.T) {
	_, router, _ := newTestHandlers(t)

	req := httptest.NewRequest("POST", "/api/v1/tenants/tenant-1/role-mappings/presets/unknown", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "unknown mapping preset")
}
