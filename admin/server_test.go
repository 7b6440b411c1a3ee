package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowwatch/rowwatch/directory"
	"github.com/rowwatch/rowwatch/store"
	"github.com/rowwatch/rowwatch/watch"
)

type fakePipeline struct {
	state   watch.State
	healthy bool
}

func (f fakePipeline) State() watch.State { return f.state }
func (f fakePipeline) HealthCheck() bool { return f.healthy }
func (f fakePipeline) ChannelCount() int { return 2 }

type fakeMarks map[string]time.Time

func (f fakeMarks) Watermarks() map[string]time.Time { return f }

type fakeTasks []string

func (f fakeTasks) Running() []string { return f }

type pingStore struct {
	store.Store
	err error
}

func (p pingStore) Ping(context.Context) error { return p.err }

func testHandlers(t *testing.T, pingErr error) *Handlers {
	t.Helper()

	dir, err := directory.Load(filepath.Join(t.TempDir(), "subs.json"))
	require.NoError(t, err)

	cache, err := store.NewCache(10, time.Minute)
	require.NoError(t, err)

	return &Handlers{
		Reader:     pingStore{err: pingErr},
		Cache:      cache,
		Directory:  dir,
		Listener:   fakePipeline{state: watch.StateConnected, healthy: true},
		Watermarks: fakeMarks{"orders_new": time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)},
		Tasks:      fakeTasks{"poller", "supervisor"},
		StartedAt:  time.Now().Add(-time.Minute),
	}
}

func testMux(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.handleHealthz)
	r.Get("/stats", h.handleStats)
	r.Get("/watermarks", h.handleWatermarks)
	r.Post("/cache/clear", h.handleClearCache)
	return r
}

func TestHealthzReportsOK(t *testing.T) {
	mux := testMux(testHandlers(t, nil))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["store_healthy"])
	assert.Equal(t, "connected", body["listener_state"])
}

func TestHealthzDegradesWithoutStore(t *testing.T) {
	mux := testMux(testHandlers(t, fmt.Errorf("connection refused")))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, false, body["store_healthy"])
}

func TestWatermarksEndpoint(t *testing.T) {
	mux := testMux(testHandlers(t, nil))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/watermarks", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Watermarks map[string]string `json:"watermarks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "2026-08-30T10:00:00Z", body.Watermarks["orders_new"])
}

func TestStatsEndpoint(t *testing.T) {
	h := testHandlers(t, nil)
	require.NoError(t, h.Directory.Subscribe("-100", "Ops", "42"))
	mux := testMux(h)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"channels":2`)
	assert.Contains(t, rec.Body.String(), `"poller"`)
}

func TestCacheClearEndpoint(t *testing.T) {
	h := testHandlers(t, nil)
	h.Cache.Set("a", 1)
	h.Cache.Set("b", 2)
	mux := testMux(h)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cache/clear", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cleared":2`)
	assert.Zero(t, h.Cache.Len())

	// GET is not accepted for a mutating endpoint.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cache/clear", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
