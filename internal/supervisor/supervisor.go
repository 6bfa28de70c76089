// Package supervisor implements the worker process supervisor (C5):
// spawn/stop/list/kill-by-path over model worker subprocesses, VRAM
// guardrail integration, and pending-VRAM accounting while workers are
// still loading. Grounded on original_source/workers/supervisor.py's
// ModelWorkerSupervisor, restructured from Docker-container pooling
// (internal/ghostpool/pool_manager.go, now adapted away from Docker) to
// os/exec subprocess supervision.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/core/internal/config"
	"github.com/ocx/core/internal/gpuprobe"
	"github.com/ocx/core/internal/guardrail"
	"github.com/ocx/core/internal/settings"
)

// Supervisor is the declared interface the admin HTTP surface depends on.
// Spec §9's redesign flag replaces the source's duck-typed module-level
// functions with an explicit interface so callers (and tests) can swap in
// a fake.
type Supervisor interface {
	Spawn(ctx context.Context, modelPath string, userKwargs map[string]any) (*WorkerInfo, error)
	Stop(ctx context.Context, id string) bool
	StopAll(ctx context.Context) int
	RequestKillByPath(ctx context.Context, modelPath string, includeReady bool) KillByPathResult
	List() []map[string]any
	GetWorker(id string) (*WorkerInfo, bool)
	GetAddr(id string) (host string, port int, ok bool)
	GetPort(id string) (int, bool)
	AnyReady() (id string, ok bool)
}

// KillByPathResult mirrors supervisor.py's request_kill_by_path() return shape.
type KillByPathResult struct {
	Killed []string
	Queued bool
}

// GuardrailAbortError is returned by Spawn when the guardrail planner
// decides the requested launch cannot fit, mirroring the source's
// VRAM_BUDGET_EXCEEDED RuntimeError.
type GuardrailAbortError struct {
	Diagnostics guardrail.Diagnostics
}

func (e *GuardrailAbortError) Error() string {
	return fmt.Sprintf("VRAM_BUDGET_EXCEEDED: projGB=%.2f budgetGB=%.2f",
		e.Diagnostics.ProjGB, e.Diagnostics.BudgetGB)
}

var _ Supervisor = (*ModelWorkerSupervisor)(nil)

// ModelWorkerSupervisor is the concrete Supervisor implementation.
type ModelWorkerSupervisor struct {
	cfg      config.WorkerConfig
	settings *settings.Store
	probe    *gpuprobe.Probe
	client   *http.Client
	logger   *slog.Logger

	mu               sync.Mutex
	workers          map[string]*WorkerInfo
	killOnSpawnPaths map[string]struct{}
	pendingVRAMGB    map[string]float64
	lastDiag         guardrail.Diagnostics
}

// New creates a supervisor. probe and settingsStore back GPU-state and
// guardrail-config reads at spawn time.
func New(cfg config.WorkerConfig, settingsStore *settings.Store, probe *gpuprobe.Probe) *ModelWorkerSupervisor {
	return &ModelWorkerSupervisor{
		cfg:              cfg,
		settings:         settingsStore,
		probe:            probe,
		client:           &http.Client{Timeout: 200 * time.Millisecond},
		logger:           slog.Default().With("component", "supervisor"),
		workers:          make(map[string]*WorkerInfo),
		killOnSpawnPaths: make(map[string]struct{}),
		pendingVRAMGB:    make(map[string]float64),
	}
}

// --------------------------
// Lookup / snapshot helpers
// --------------------------

func findFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", host+":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func (s *ModelWorkerSupervisor) isWorkerReady(host string, port int) bool {
	url := fmt.Sprintf("http://%s:%d/api/worker/health", host, port)
	resp, err := s.client.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.OK
}

func (s *ModelWorkerSupervisor) findWorkersByPathLocked(modelPath string) []*WorkerInfo {
	var out []*WorkerInfo
	for _, w := range s.workers {
		if w.ModelPath == modelPath && w.StatusNow() != StatusStopped {
			out = append(out, w)
		}
	}
	return out
}

// --------------------------
// Public introspection API
// --------------------------

// List returns a public snapshot of every tracked worker, reconciling
// liveness and readiness as a side effect (mirrors supervisor.py's list()).
func (s *ModelWorkerSupervisor) List() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]map[string]any, 0, len(s.workers))
	for _, w := range s.workers {
		if w.hasExited() {
			w.markStopped()
		} else if w.StatusNow() != StatusReady {
			if s.isWorkerReady(w.HostClient, w.Port) {
				w.markReady()
			}
		}
		out = append(out, w.ToPublic())
	}
	return out
}

// AnyReady returns the ID of an arbitrary ready worker, for callers (like
// the retitle queue) that need a model to talk to but don't care which.
func (s *ModelWorkerSupervisor) AnyReady() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.workers {
		if w.StatusNow() == StatusReady {
			return id, true
		}
	}
	return "", false
}

func (s *ModelWorkerSupervisor) GetWorker(id string) (*WorkerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	return w, ok
}

func (s *ModelWorkerSupervisor) GetAddr(id string) (string, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return "", 0, false
	}
	return w.HostClient, w.Port, true
}

func (s *ModelWorkerSupervisor) GetPort(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return 0, false
	}
	return w.Port, true
}

// pendingSumExcludingLocked sums the VRAM reserved by other still-loading
// live workers, for the budget formula's "other concurrently loading
// workers" term. Caller must hold s.mu.
func (s *ModelWorkerSupervisor) pendingSumExcludingLocked(excludeID string) float64 {
	total := 0.0
	for id, gb := range s.pendingVRAMGB {
		if id == excludeID {
			continue
		}
		w, ok := s.workers[id]
		if !ok {
			continue
		}
		if w.StatusNow() == StatusLoading && !w.hasExited() {
			total += gb
		}
	}
	return total
}

// --------------------------
// Kill APIs
// --------------------------

func (s *ModelWorkerSupervisor) killWorkerInfo(w *WorkerInfo) bool {
	start := time.Now()
	s.logger.Info("workers.kill begin", "id", w.ID, "pid", w.PID(), "status", w.StatusNow(), "path", w.ModelPath)

	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()

	ok := sendSigtermThenKill(cmd, 10*time.Second)
	if !ok {
		s.logger.Warn("workers: error stopping worker", "id", w.ID)
		return false
	}
	w.markStopped()
	s.logger.Info("workers.kill finished", "id", w.ID, "status", w.StatusNow(), "dt_ms", time.Since(start).Milliseconds())
	return true
}

// Stop stops a single worker by ID. It returns false for an unknown ID and
// for a worker whose process is already stopped or exited.
func (s *ModelWorkerSupervisor) Stop(ctx context.Context, id string) bool {
	s.mu.Lock()
	w, ok := s.workers[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if w.StatusNow() == StatusStopped || w.hasExited() {
		w.markStopped()
		return false
	}
	return s.killWorkerInfo(w)
}

// StopAll stops every tracked worker and returns the count successfully stopped.
func (s *ModelWorkerSupervisor) StopAll(ctx context.Context) int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if s.Stop(ctx, id) {
			n++
		}
	}
	return n
}

// RequestKillByPath kills any live worker serving modelPath; if none is
// currently live, it queues a kill-on-spawn so the next spawn for that
// path is stopped immediately after launch (mirrors supervisor.py).
func (s *ModelWorkerSupervisor) RequestKillByPath(ctx context.Context, modelPath string, includeReady bool) KillByPathResult {
	s.mu.Lock()
	candidates := s.findWorkersByPathLocked(modelPath)
	s.mu.Unlock()

	var killed []string
	for _, w := range candidates {
		if includeReady || w.StatusNow() == StatusLoading {
			if s.killWorkerInfo(w) {
				killed = append(killed, w.ID)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(killed) == 0 {
		if _, already := s.killOnSpawnPaths[modelPath]; !already {
			s.killOnSpawnPaths[modelPath] = struct{}{}
			s.logger.Info("workers.kill_by_path queued", "model_path", modelPath)
		}
	}
	_, queued := s.killOnSpawnPaths[modelPath]
	return KillByPathResult{Killed: killed, Queued: queued}
}

// --------------------------
// Spawn path
// --------------------------

func (s *ModelWorkerSupervisor) waitReady(ctx context.Context, w *WorkerInfo, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if w.hasExited() {
			return false
		}
		if s.isWorkerReady(w.HostClient, w.Port) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(ReadinessPollEvery):
		}
	}
	s.logger.Info("workers.wait_ready timeout", "id", w.ID, "host", w.HostClient, "port", w.Port)
	return false
}

// Spawn launches a new worker subprocess for modelPath, applying the
// guardrail plan to userKwargs. Mirrors supervisor.py's spawn_worker.
func (s *ModelWorkerSupervisor) Spawn(ctx context.Context, modelPath string, userKwargs map[string]any) (*WorkerInfo, error) {
	s.mu.Lock()
	existingLoading := s.findWorkersByPathLocked(modelPath)
	for _, w := range existingLoading {
		if w.StatusNow() == StatusLoading {
			s.mu.Unlock()
			s.logger.Info("workers.spawn dedupe: model already loading", "id", w.ID)
			return w, nil
		}
	}
	s.mu.Unlock()

	hostBind := firstNonEmpty(os.Getenv("WORKER_BIND_HOST"), s.cfg.BindHost, DefaultBindHost)
	hostClient := firstNonEmpty(os.Getenv("WORKER_CLIENT_HOST"), s.cfg.ClientHost, DefaultClientHost)

	port, err := findFreePort(hostBind)
	if err != nil {
		return nil, fmt.Errorf("supervisor: find free port: %w", err)
	}

	// 20 hex chars of the UUID's 32 (hyphens stripped) = 80 bits, of which
	// the version nibble and two variant bits are fixed, leaving 74 bits of
	// randomness, hex encoded, above spec.md §3's 64-bit floor for WorkerInfo.id.
	wid := strings.ReplaceAll(uuid.New().String(), "-", "")[:20]
	s.logger.Info("workers spawning", "id", wid, "host", hostBind, "port", port, "model_path", modelPath)

	s.mu.Lock()
	pendingOther := s.pendingSumExcludingLocked("")
	s.mu.Unlock()

	planInput := guardrail.Input{
		ModelPath:      modelPath,
		ModelSizeGB:    modelSizeGB(modelPath),
		UserKwargs:     userKwargs,
		PendingOtherGB: pendingOther,
		Settings:       s.settings.Effective(""),
	}
	if s.probe != nil {
		free, total, _ := s.probe.FreeBytesNow(ctx)
		planInput.GPUFreeBytes = free
		planInput.GPUTotalBytes = total
	}

	result := guardrail.Plan(planInput)

	s.mu.Lock()
	s.lastDiag = result.Diagnostics
	s.mu.Unlock()
	s.logger.Info("supervisor.spawn guardrail diag",
		"decision", result.Diagnostics.Decision, "proj_gb", result.Diagnostics.ProjGB, "budget_gb", result.Diagnostics.BudgetGB)

	if result.Decision == guardrail.DecisionAbortOverBudgetHardPins {
		return nil, &GuardrailAbortError{Diagnostics: result.Diagnostics}
	}

	env := buildWorkerEnv(result, modelPath, wid, hostClient, port, s.cfg.StartupEnv)

	cmd := exec.CommandContext(context.Background(), s.cfg.BinaryPath)
	cmd.Env = env
	if os.Getenv("WORKER_DEBUG") == "1" {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start worker: %w", err)
	}

	info := &WorkerInfo{
		ID:         wid,
		Port:       port,
		ModelPath:  modelPath,
		HostBind:   hostBind,
		HostClient: hostClient,
		Kwargs:     result.Kwargs,
		cmd:        cmd,
		status:     StatusLoading,
		spawnedAt:  time.Now(),
	}

	exitCh := make(chan error, 1)
	go func() {
		exitCh <- cmd.Wait()
	}()
	go func() {
		err := <-exitCh
		info.markExited(err)
	}()

	time.Sleep(50 * time.Millisecond)
	if info.hasExited() {
		return nil, fmt.Errorf("supervisor: worker exited immediately; set WORKER_DEBUG=1 to see logs")
	}

	s.mu.Lock()
	s.workers[wid] = info
	kvGB := guardrail.KVGB(result.Kwargs.NCtx, result.Kwargs.KVOffload)
	s.pendingVRAMGB[wid] = maxFloat64(result.Diagnostics.ProjGB-kvGB, 0)

	if _, queued := s.killOnSpawnPaths[modelPath]; queued {
		delete(s.killOnSpawnPaths, modelPath)
		s.mu.Unlock()
		s.logger.Info("workers.spawn kill-on-spawn", "id", wid, "model_path", modelPath)
		s.killWorkerInfo(info)
		s.mu.Lock()
		delete(s.pendingVRAMGB, wid)
		s.mu.Unlock()
		return info, nil
	}
	s.mu.Unlock()

	go func() {
		if s.waitReady(context.Background(), info, DefaultWaitReady) {
			info.markReady()
		}
		s.mu.Lock()
		delete(s.pendingVRAMGB, wid)
		s.mu.Unlock()
	}()

	return info, nil
}

func buildWorkerEnv(result guardrail.Result, modelPath, wid, hostClient string, port int, startupEnv []string) []string {
	env := os.Environ()
	env = append(env, startupEnv...)
	env = append(env,
		"MODEL_PATH="+modelPath,
		"WORKER_ID="+wid,
		"WORKER_HOST="+hostClient,
		"WORKER_PORT="+strconv.Itoa(port),
	)
	for k, v := range result.EnvPatch {
		env = append(env, k+"="+v)
	}
	env = append(env, mirrorLlamaKwargsToEnv(result.Kwargs)...)
	if kwargsJSON, err := dumpLlamaKwargsJSON(result.Kwargs); err == nil {
		env = append(env, "LLAMA_KWARGS_JSON="+kwargsJSON)
	}
	return env
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func maxFloat64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// modelSizeGB estimates a model's on-disk size from its GGUF file size.
// The guardrail planner only needs an approximate per-layer cost; reading
// the real stat is cheap and avoids threading a second lookup path through
// the spawn call.
func modelSizeGB(modelPath string) float64 {
	fi, err := os.Stat(modelPath)
	if err != nil {
		return 0
	}
	return float64(fi.Size()) / (1024 * 1024 * 1024)
}
