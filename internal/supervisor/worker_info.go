package supervisor

import (
	"os/exec"
	"sync"
	"time"

	"github.com/ocx/core/internal/guardrail"
)

// Status mirrors original_source's worker_types.py status constants.
type Status string

const (
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusStopped Status = "stopped"
	StatusUnknown Status = "unknown"
)

// Defaults grounded on worker_types.py's module constants.
const (
	DefaultBindHost    = "127.0.0.1"
	DefaultClientHost  = "127.0.0.1"
	DefaultWaitReady   = 120 * time.Second
	ReadinessPollEvery = 250 * time.Millisecond
)

// WorkerInfo is the supervisor's record of one spawned worker process.
// Field set mirrors worker_types.py's WorkerInfo dataclass.
type WorkerInfo struct {
	ID         string
	Port       int
	ModelPath  string
	HostBind   string
	HostClient string
	Kwargs     guardrail.LaunchKwargs

	mu       sync.Mutex
	cmd      *exec.Cmd
	status   Status
	exited   bool
	exitErr  error
	spawnedAt time.Time
}

// PID returns the underlying process ID, or 0 if the process never started.
// The ID is still returned after the process has exited.
func (w *WorkerInfo) PID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil || w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// StatusNow returns the worker's current lifecycle status.
func (w *WorkerInfo) StatusNow() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *WorkerInfo) markLoading() {
	w.mu.Lock()
	w.status = StatusLoading
	w.mu.Unlock()
}

func (w *WorkerInfo) markReady() {
	w.mu.Lock()
	w.status = StatusReady
	w.mu.Unlock()
}

func (w *WorkerInfo) markStopped() {
	w.mu.Lock()
	w.status = StatusStopped
	w.mu.Unlock()
}

// hasExited reports whether the backing process has already exited, per
// the exit-tracking goroutine started at spawn time.
func (w *WorkerInfo) hasExited() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exited
}

func (w *WorkerInfo) markExited(err error) {
	w.mu.Lock()
	w.exited = true
	w.exitErr = err
	w.mu.Unlock()
}

// ToPublic renders the worker as the JSON-serializable shape the admin
// HTTP surface returns, mirroring worker_types.py's to_public_dict().
func (w *WorkerInfo) ToPublic() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	var pid int
	if w.cmd != nil && w.cmd.Process != nil {
		pid = w.cmd.Process.Pid
	}
	return map[string]any{
		"id":          w.ID,
		"port":        w.Port,
		"model_path":  w.ModelPath,
		"status":      string(w.status),
		"pid":         pid,
		"host_bind":   w.HostBind,
		"host_client": w.HostClient,
		"kwargs": map[string]any{
			"n_gpu_layers":    w.Kwargs.NGPULayers,
			"n_ctx":           w.Kwargs.NCtx,
			"n_threads":       w.Kwargs.NThreads,
			"n_batch":         w.Kwargs.NBatch,
			"rope_freq_base":  w.Kwargs.RopeFreqBase,
			"rope_freq_scale": w.Kwargs.RopeFreqScale,
			"kv_offload":      w.Kwargs.KVOffload,
			"device":          w.Kwargs.Device,
			"accel":           string(w.Kwargs.Accel),
		},
	}
}
