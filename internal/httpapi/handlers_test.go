package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noelle-silva/PicaComic/internal/audit"
	"github.com/noelle-silva/PicaComic/internal/bandwidth"
	"github.com/noelle-silva/PicaComic/internal/config"
	"github.com/noelle-silva/PicaComic/internal/policy"
	"github.com/noelle-silva/PicaComic/internal/scheduler"
	"github.com/noelle-silva/PicaComic/internal/stats"
	"github.com/noelle-silva/PicaComic/internal/store"
)

// newTestServer builds a full Server over a fresh temp-dir store, with the
// scheduler never Start()ed so no background worker touches the network
// during a handler test.
func newTestServer(t *testing.T, apiKey string) *Server {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditLogger, err := audit.Open(dir, logger)
	require.NoError(t, err)
	t.Cleanup(func() { auditLogger.Close() })

	policyStore := policy.NewStore(policy.FromEnv())
	sched := scheduler.New(st, policyStore, dir, logger, bandwidth.FromEnv())
	statsTracker := stats.New(st)

	cfg := config.Config{Bind: "127.0.0.1", Port: "0", StorageDir: dir, APIKey: apiKey}
	return New(cfg, st, sched, auditLogger, statsTracker, logger)
}

func doRequest(s *Server, method, path string, body any, apiKey string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAPIKeyMiddlewareRejectsMissingKey(t *testing.T) {
	s := newTestServer(t, "secret")
	rec := doRequest(s, http.MethodGet, "/api/v1/tasks", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKeyMiddlewarePassesWithCorrectKey(t *testing.T) {
	s := newTestServer(t, "secret")
	rec := doRequest(s, http.MethodGet, "/api/v1/tasks", nil, "secret")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyMiddlewareDisabledWhenUnconfigured(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(s, http.MethodGet, "/api/v1/tasks", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateTaskRequiresSourceAndTarget(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(s, http.MethodPost, "/api/v1/tasks/download", map[string]any{"source": "nhentai"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTaskRejectsUnknownSource(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(s, http.MethodPost, "/api/v1/tasks/download",
		map[string]any{"source": "bogus", "target": "x"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTaskThenGetAndList(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(s, http.MethodPost, "/api/v1/tasks/download",
		map[string]any{"source": "nhentai", "target": "https://nhentai.net/g/1/"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	taskID, _ := body["taskId"].(string)
	require.NotEmpty(t, taskID)
	assert.GreaterOrEqual(t, len(taskID), 24, "a base64url encoding of 18 bytes is at least 24 chars")

	rec = doRequest(s, http.MethodGet, "/api/v1/tasks/"+taskID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/v1/tasks", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	tasks, _ := body["tasks"].([]any)
	assert.Len(t, tasks, 1)
}

func TestCreateTaskDuplicateReturnsConflict(t *testing.T) {
	s := newTestServer(t, "")
	req := map[string]any{"source": "nhentai", "target": "https://nhentai.net/g/1/"}

	rec := doRequest(s, http.MethodPost, "/api/v1/tasks/download", req, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodPost, "/api/v1/tasks/download", req, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(s, http.MethodGet, "/api/v1/tasks/does-not-exist", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskControlLifecycle(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(s, http.MethodPost, "/api/v1/tasks/download",
		map[string]any{"source": "nhentai", "target": "https://nhentai.net/g/1/"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	taskID := decodeBody(t, rec)["taskId"].(string)

	rec = doRequest(s, http.MethodPost, "/api/v1/tasks/"+taskID+"/pause", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodPost, "/api/v1/tasks/"+taskID+"/resume", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodPost, "/api/v1/tasks/"+taskID+"/cancel", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodPost, "/api/v1/tasks/"+taskID+"/retry", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodDelete, "/api/v1/tasks/"+taskID, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestControlOnUnknownTaskIs404(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(s, http.MethodPost, "/api/v1/tasks/nope/pause", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfigGetAndPut(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(s, http.MethodGet, "/api/v1/tasks/config", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodPut, "/api/v1/tasks/config", map[string]any{"maxConcurrent": 2}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 2, body["maxConcurrent"])
}

func TestAuthPutAndGet(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(s, http.MethodGet, "/api/v1/auth/picacg", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["exists"])

	rec = doRequest(s, http.MethodPut, "/api/v1/auth/picacg", map[string]any{"token": "abc"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/v1/auth/picacg", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, true, body["exists"])
}

func TestStatsEndpointOnEmptyStore(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(s, http.MethodGet, "/api/v1/stats", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 0, body["lifetimeBytes"])
}
