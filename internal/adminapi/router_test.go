package adminapi_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypershell/hypershell/internal/adminapi"
	"github.com/hypershell/hypershell/internal/domain"
	"github.com/hypershell/hypershell/internal/health"
	"github.com/hypershell/hypershell/internal/store"
)

type fakeStore struct {
	store.Store
	tasks   []*domain.Task
	updated store.UpdateFields
}

func (f *fakeStore) Query(_ context.Context, filter store.QueryFilter) ([]*domain.Task, error) {
	if len(filter.IDs) == 0 {
		return f.tasks, nil
	}
	var out []*domain.Task
	for _, t := range f.tasks {
		for _, id := range filter.IDs {
			if t.ID == id {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) Update(_ context.Context, _ store.QueryFilter, fields store.UpdateFields) (int, error) {
	f.updated = fields
	return len(f.tasks), nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testRouter(t *testing.T, fs *fakeStore) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	checker := health.NewChecker(fs, "sqlite", nil, testLogger(), prometheus.NewRegistry())
	return adminapi.NewRouter(fs, checker, "secret", testLogger())
}

func mustToken(t *testing.T, secret string) string {
	t.Helper()
	tok, err := adminapi.MintToken(secret, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestHealthzDoesNotRequireAuth(t *testing.T) {
	r := testRouter(t, &fakeStore{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminTasksRequiresAuth(t *testing.T) {
	r := testRouter(t, &fakeStore{})
	req := httptest.NewRequest(http.MethodGet, "/admin/tasks", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminTasksSearchReturnsTasksWithDerivedStatus(t *testing.T) {
	fs := &fakeStore{tasks: []*domain.Task{{ID: "t1", Args: "x"}}}
	r := testRouter(t, fs)

	req := httptest.NewRequest(http.MethodGet, "/admin/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+mustToken(t, "secret"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Tasks []struct {
			Status string `json:"status"`
		} `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Tasks, 1)
	assert.Equal(t, "schedulable", body.Tasks[0].Status)
}

func TestAdminTasksCancel(t *testing.T) {
	fs := &fakeStore{tasks: []*domain.Task{{ID: "t1"}}}
	r := testRouter(t, fs)

	req := httptest.NewRequest(http.MethodPost, "/admin/tasks/cancel", strings.NewReader(`{"ids":["t1"]}`))
	req.Header.Set("Authorization", "Bearer "+mustToken(t, "secret"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, fs.updated.Cancel)
}

func TestAdminTasksWrongTokenRejected(t *testing.T) {
	r := testRouter(t, &fakeStore{})
	req := httptest.NewRequest(http.MethodGet, "/admin/tasks", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
