// Package httpapi wires the supervisor, streaming bridge, cancel registry,
// retitle queue, and GPU probe into the public HTTP admin surface (C9),
// grounded on cmd/api/main.go's router/middleware/graceful-shutdown shape
// and internal/handlers/infra.go's handler style.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/core/internal/cancel"
	"github.com/ocx/core/internal/config"
	"github.com/ocx/core/internal/engine"
	"github.com/ocx/core/internal/gpuprobe"
	"github.com/ocx/core/internal/retitle"
	"github.com/ocx/core/internal/streaming"
	"github.com/ocx/core/internal/supervisor"
)

// Server bundles every component the admin surface routes into.
type Server struct {
	cfg     *config.Config
	sup     supervisor.Supervisor
	bridge  *streaming.Bridge
	cancels *cancel.Registry
	retitle *retitle.Worker
	index   *retitle.FileIndexStore
	probe   *gpuprobe.Probe
	metrics *Metrics
}

// NewServer constructs a Server. Any of retitle/index/probe may be nil —
// their routes/metrics degrade gracefully (healthz omits what it can't
// read, generate skips retitle enqueueing).
func NewServer(cfg *config.Config, sup supervisor.Supervisor, bridge *streaming.Bridge, cancels *cancel.Registry, retitleWorker *retitle.Worker, index *retitle.FileIndexStore, probe *gpuprobe.Probe, metrics *Metrics) *Server {
	return &Server{
		cfg:     cfg,
		sup:     sup,
		bridge:  bridge,
		cancels: cancels,
		retitle: retitleWorker,
		index:   index,
		probe:   probe,
		metrics: metrics,
	}
}

// Router builds the gorilla/mux router with every route and the CORS +
// logging middleware applied, mirroring cmd/api/main.go's wiring shape.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/workers", s.handleSpawnWorker).Methods(http.MethodPost)
	api.HandleFunc("/workers", s.handleListWorkers).Methods(http.MethodGet)
	api.HandleFunc("/workers/{id}", s.handleStopWorker).Methods(http.MethodDelete)
	api.HandleFunc("/workers/kill-by-path", s.handleKillByPath).Methods(http.MethodPost)
	api.HandleFunc("/generate", s.handleGenerate).Methods(http.MethodPost)
	api.HandleFunc("/cancel/{session_id}", s.handleCancel).Methods(http.MethodPost)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	router.Use(corsMiddleware(s.cfg))
	router.Use(loggingMiddleware)
	return router
}

// spawnRequest is the POST /api/v1/workers body.
type spawnRequest struct {
	ModelPath string         `json:"model_path"`
	Kwargs    map[string]any `json:"kwargs"`
}

func (s *Server) handleSpawnWorker(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ModelPath == "" {
		writeError(w, http.StatusBadRequest, "model_path is required")
		return
	}

	info, err := s.sup.Spawn(r.Context(), req.ModelPath, req.Kwargs)
	if err != nil {
		if abort, ok := err.(*supervisor.GuardrailAbortError); ok {
			if s.metrics != nil {
				s.metrics.SpawnTotal.WithLabelValues("guardrail_abort").Inc()
			}
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":       "VRAM_BUDGET_EXCEEDED",
				"diagnostics": abort.Diagnostics,
			})
			return
		}
		if s.metrics != nil {
			s.metrics.SpawnTotal.WithLabelValues("error").Inc()
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.SpawnTotal.WithLabelValues("ok").Inc()
	}
	writeJSON(w, http.StatusCreated, info.ToPublic())
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workers": s.sup.List()})
}

func (s *Server) handleStopWorker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.sup.Stop(r.Context(), id) {
		writeError(w, http.StatusNotFound, "unknown or already stopped worker")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": id})
}

type killByPathRequest struct {
	ModelPath    string `json:"model_path"`
	IncludeReady bool   `json:"include_ready"`
}

func (s *Server) handleKillByPath(w http.ResponseWriter, r *http.Request) {
	var req killByPathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ModelPath == "" {
		writeError(w, http.StatusBadRequest, "model_path is required")
		return
	}
	result := s.sup.RequestKillByPath(r.Context(), req.ModelPath, req.IncludeReady)
	writeJSON(w, http.StatusOK, map[string]any{
		"killed": result.Killed,
		"queued": result.Queued,
	})
}

// generateRequest is the POST /api/v1/generate body.
type generateRequest struct {
	SessionID        string               `json:"session_id"`
	WorkerID         string               `json:"worker_id"`
	SystemText       string               `json:"system_text"`
	Summary          string               `json:"summary"`
	Recent           []engine.ChatMessage `json:"recent"`
	Ephemeral        []engine.ChatMessage `json:"ephemeral,omitempty"`
	MaxTokens        int                  `json:"max_tokens"`
	Temperature      float64              `json:"temperature"`
	TopP             float64              `json:"top_p"`
	ShowCancelNotice bool                 `json:"show_cancel_notice"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "session_id and worker_id are required")
		return
	}

	maxCtx := 4096
	if info, ok := s.sup.GetWorker(req.WorkerID); ok && info.Kwargs.NCtx > 0 {
		maxCtx = info.Kwargs.NCtx
	}
	outBudget := s.cfg.Stream.MinOutTokens
	if outBudget <= 0 {
		outBudget = 512
	}

	bridgeReq := streaming.GenerateRequest{
		SessionID:        req.SessionID,
		WorkerID:         req.WorkerID,
		SystemText:       req.SystemText,
		Summary:          req.Summary,
		Recent:           req.Recent,
		Ephemeral:        req.Ephemeral,
		MaxCtx:           maxCtx,
		OutBudget:        outBudget,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		ShowCancelNotice: req.ShowCancelNotice || s.cfg.Stream.ShowCancelNotice,
	}

	start := time.Now()
	if s.metrics != nil {
		s.metrics.StreamsActive.Inc()
		defer s.metrics.StreamsActive.Dec()
	}

	_, err := s.bridge.GenerateStream(r.Context(), s.sup, bridgeReq, w)

	if s.metrics != nil {
		s.metrics.StreamDuration.Observe(time.Since(start).Seconds())
		outcome := "completed"
		if err != nil {
			outcome = "error"
		} else if r.Context().Err() != nil {
			outcome = "cancelled"
		}
		s.metrics.StreamsTotal.WithLabelValues(outcome).Inc()
	}

	if err != nil {
		slog.Error("generate stream failed", "session_id", req.SessionID, "worker_id", req.WorkerID, "error", err)
	}

	if s.retitle != nil {
		snapshot := append([]engine.ChatMessage{}, req.Recent...)
		seq := len(snapshot)
		if s.index != nil {
			s.index.EnsureSession(req.SessionID)
			_ = s.index.SetSeq(req.SessionID, seq)
		}
		s.retitle.Enqueue(req.SessionID, snapshot, seq)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	s.cancels.Set(sessionID)
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": sessionID})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.probe != nil {
		snap := s.probe.Snapshot()
		body["gpu_count"] = len(snap.GPUs)
		body["cpu_count"] = snap.CPUCount
		body["ram_free_b"] = snap.RAMFreeB
		body["ram_total_b"] = snap.RAMTotalB
	}
	if s.sup != nil {
		body["workers"] = len(s.sup.List())
	}
	if s.metrics != nil && s.retitle != nil {
		s.metrics.RetitleQueueDepth.Set(float64(s.retitle.QueueDepth()))
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
