package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/mapharvest/internal/metrics"
	"github.com/JakeFAU/mapharvest/internal/state"
	"github.com/JakeFAU/mapharvest/internal/store"
)

type fakeStateLoader struct {
	st  *state.ExecutionState
	err error
}

func (f fakeStateLoader) Peek() (*state.ExecutionState, error) { return f.st, f.err }

func serve(t *testing.T, srv *Server, method, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServerHealthAndRequestID(t *testing.T) {
	t.Parallel()

	srv := NewServer(Options{})
	rec := serve(t, srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(t, srv, http.MethodGet, "/healthz", http.Header{"X-Request-Id": {"abc"}})
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestServerReadiness(t *testing.T) {
	t.Parallel()

	ok := NewServer(Options{Ready: func(context.Context) error { return nil }})
	assert.Equal(t, http.StatusOK, serve(t, ok, http.MethodGet, "/readyz", nil).Code)

	down := NewServer(Options{Ready: func(context.Context) error { return errors.New("pool closed") }})
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, down, http.MethodGet, "/readyz", nil).Code)
}

func TestServerMetricsRoute(t *testing.T) {
	t.Parallel()

	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	srv := NewServer(Options{Metrics: m})

	serve(t, srv, http.MethodGet, "/healthz", nil)
	rec := serve(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mapharvest_http_requests_total")

	assert.Equal(t, http.StatusNotFound, serve(t, NewServer(Options{}), http.MethodGet, "/metrics", nil).Code)
}

func TestServerStateRoute(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	st := state.New(now)
	st.MarkCategoryComplete("rosario", "Rosario", "cafe", 1, now)
	srv := NewServer(Options{
		State:      fakeStateLoader{st: st},
		Targets:    []state.Target{{Key: "rosario", Name: "Rosario"}},
		Categories: []string{"cafe", "bar"},
	})

	rec := serve(t, srv, http.MethodGet, "/v1/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sum state.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	require.Len(t, sum.Locations, 1)
	assert.Equal(t, []string{"bar"}, sum.Locations[0].Pending)

	failing := NewServer(Options{State: fakeStateLoader{err: errors.New("disk")}})
	assert.Equal(t, http.StatusInternalServerError, serve(t, failing, http.MethodGet, "/v1/state", nil).Code)

	missing := NewServer(Options{})
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, missing, http.MethodGet, "/v1/state", nil).Code)
}

func TestServerRunRoutes(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	repo := &mockRunRepo{
		runs:  []store.Run{{ID: runID, Status: store.RunRunning, StartedAt: time.Now()}},
		tasks: []store.TaskStats{{RunID: runID, Location: "rosario", Category: "cafe"}},
	}
	srv := NewServer(Options{Runs: repo})

	assert.Equal(t, http.StatusOK, serve(t, srv, http.MethodGet, "/v1/runs", nil).Code)
	assert.Equal(t, http.StatusOK, serve(t, srv, http.MethodGet, "/v1/runs/"+runID.String(), nil).Code)

	rec := serve(t, srv, http.MethodGet, "/v1/runs/"+runID.String()+"/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"location":"rosario"`)
}

func TestServerAPIKey(t *testing.T) {
	t.Parallel()

	srv := NewServer(Options{Runs: &mockRunRepo{}, APIKey: "secret"})

	assert.Equal(t, http.StatusForbidden, serve(t, srv, http.MethodGet, "/v1/runs", nil).Code)
	assert.Equal(t, http.StatusOK,
		serve(t, srv, http.MethodGet, "/v1/runs", http.Header{"X-Api-Key": {"secret"}}).Code)
	assert.Equal(t, http.StatusOK, serve(t, srv, http.MethodGet, "/v1/runs?api_key=secret", nil).Code)
	assert.Equal(t, http.StatusOK, serve(t, srv, http.MethodGet, "/healthz", nil).Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
