package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/core/internal/cancel"
	"github.com/ocx/core/internal/config"
	"github.com/ocx/core/internal/supervisor"
)

type fakeSupervisor struct {
	spawnErr    error
	spawned     *supervisor.WorkerInfo
	stopOK      bool
	workers     []map[string]any
	knownWorker *supervisor.WorkerInfo
	killResult  supervisor.KillByPathResult
}

func (f *fakeSupervisor) Spawn(ctx context.Context, modelPath string, userKwargs map[string]any) (*supervisor.WorkerInfo, error) {
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	return f.spawned, nil
}
func (f *fakeSupervisor) Stop(ctx context.Context, id string) bool { return f.stopOK }
func (f *fakeSupervisor) StopAll(ctx context.Context) int          { return 0 }
func (f *fakeSupervisor) RequestKillByPath(ctx context.Context, modelPath string, includeReady bool) supervisor.KillByPathResult {
	return f.killResult
}
func (f *fakeSupervisor) List() []map[string]any { return f.workers }
func (f *fakeSupervisor) GetWorker(id string) (*supervisor.WorkerInfo, bool) {
	if f.knownWorker == nil {
		return nil, false
	}
	return f.knownWorker, true
}
func (f *fakeSupervisor) GetAddr(id string) (string, int, bool) { return "", 0, false }
func (f *fakeSupervisor) GetPort(id string) (int, bool)         { return 0, false }
func (f *fakeSupervisor) AnyReady() (string, bool)              { return "", false }

func newTestServer(sup supervisor.Supervisor) *Server {
	cfg := &config.Config{}
	return NewServer(cfg, sup, nil, cancel.NewRegistry(), nil, nil, nil, nil)
}

func TestHandleSpawnWorker_MissingModelPath(t *testing.T) {
	s := newTestServer(&fakeSupervisor{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workers", strings.NewReader(`{}`))

	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSpawnWorker_Success(t *testing.T) {
	sup := &fakeSupervisor{spawned: &supervisor.WorkerInfo{ID: "w1", Port: 9001, ModelPath: "model.gguf"}}
	s := newTestServer(sup)
	rec := httptest.NewRecorder()
	body := `{"model_path":"model.gguf","kwargs":{"n_ctx":4096}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workers", strings.NewReader(body))

	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "w1", out["id"])
}

func TestHandleListWorkers(t *testing.T) {
	sup := &fakeSupervisor{workers: []map[string]any{{"id": "w1"}}}
	s := newTestServer(sup)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/workers", nil)

	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "w1")
}

func TestHandleStopWorker_Unknown(t *testing.T) {
	sup := &fakeSupervisor{stopOK: false}
	s := newTestServer(sup)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/workers/missing", nil)

	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCancel_SetsFlag(t *testing.T) {
	s := newTestServer(&fakeSupervisor{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cancel/s1", nil)

	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, s.cancels.IsSet("s1"))
}

func TestHandleHealthz(t *testing.T) {
	sup := &fakeSupervisor{workers: []map[string]any{{"id": "w1"}}}
	s := newTestServer(sup)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestHandleGenerate_MissingFields(t *testing.T) {
	s := newTestServer(&fakeSupervisor{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/generate", strings.NewReader(`{}`))

	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
