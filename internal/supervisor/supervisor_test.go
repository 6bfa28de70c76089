package supervisor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/core/internal/config"
	"github.com/ocx/core/internal/gpuprobe"
	"github.com/ocx/core/internal/settings"
)

func newTestSupervisor(t *testing.T) *ModelWorkerSupervisor {
	t.Helper()
	store, err := settings.New(settings.Defaults(), "")
	require.NoError(t, err)
	cfg := config.WorkerConfig{BinaryPath: "/bin/does-not-matter", BindHost: "127.0.0.1", ClientHost: "127.0.0.1"}
	return New(cfg, store, nil)
}

func TestList_EmptyInitially(t *testing.T) {
	s := newTestSupervisor(t)
	assert.Empty(t, s.List())
}

func TestGetWorker_MissingReturnsFalse(t *testing.T) {
	s := newTestSupervisor(t)
	_, ok := s.GetWorker("nope")
	assert.False(t, ok)
}

func TestRequestKillByPath_QueuesWhenNoLiveWorker(t *testing.T) {
	s := newTestSupervisor(t)
	res := s.RequestKillByPath(context.Background(), "/models/foo.gguf", true)
	assert.Empty(t, res.Killed)
	assert.True(t, res.Queued)

	// A second request for the same path is idempotent: still queued, no duplicate bookkeeping.
	res2 := s.RequestKillByPath(context.Background(), "/models/foo.gguf", true)
	assert.True(t, res2.Queued)
}

func TestToPublic_ReflectsStatusAndKwargs(t *testing.T) {
	w := &WorkerInfo{
		ID:         "abc123",
		Port:       9001,
		ModelPath:  "/models/foo.gguf",
		HostBind:   "127.0.0.1",
		HostClient: "127.0.0.1",
		status:     StatusReady,
	}
	w.Kwargs.NGPULayers = 12
	w.Kwargs.Accel = "cuda"

	pub := w.ToPublic()
	assert.Equal(t, "abc123", pub["id"])
	assert.Equal(t, "ready", pub["status"])
	kwargs := pub["kwargs"].(map[string]any)
	assert.Equal(t, 12, kwargs["n_gpu_layers"])
	assert.Equal(t, "cuda", kwargs["accel"])
}

func TestGuardrailAbortError_MessageIncludesBudget(t *testing.T) {
	err := &GuardrailAbortError{}
	assert.Contains(t, err.Error(), "VRAM_BUDGET_EXCEEDED")
}
