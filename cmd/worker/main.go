// Command worker is the per-model llama runtime process (C4): it loads a
// single model and serves health/generate/cancel/shutdown over HTTP on the
// port the supervisor assigned it at spawn time. Grounded on
// original_source/workers/worker_entry.py's FastAPI worker, restructured
// onto gorilla/mux and the teacher's cmd/api/main.go graceful-shutdown
// shape.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/core/internal/cancel"
	"github.com/ocx/core/internal/engine"
)

type workerCfg struct {
	modelPath  string
	workerID   string
	host       string
	port       string
	kwargsJSON map[string]any
}

func cfgFromEnv() (workerCfg, error) {
	modelPath := os.Getenv("MODEL_PATH")
	if modelPath == "" {
		return workerCfg{}, errRequiredEnv("MODEL_PATH")
	}
	kwargs := map[string]any{}
	if raw := os.Getenv("LLAMA_KWARGS_JSON"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &kwargs)
	}
	return workerCfg{
		modelPath:  modelPath,
		workerID:   os.Getenv("WORKER_ID"),
		host:       envOr("WORKER_HOST", "127.0.0.1"),
		port:       envOr("WORKER_PORT", "0"),
		kwargsJSON: kwargs,
	}, nil
}

type errRequiredEnv string

func (e errRequiredEnv) Error() string { return string(e) + " env is required for worker" }

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	cfg, err := cfgFromEnv()
	if err != nil {
		log.Fatalf("worker: %v", err)
	}

	eng := engine.NewStub()
	ctx, cancelLoad := context.WithTimeout(context.Background(), 60*time.Second)
	if err := eng.LoadModel(ctx, cfg.modelPath, cfg.kwargsJSON); err != nil {
		cancelLoad()
		log.Fatalf("worker: load model: %v", err)
	}
	cancelLoad()
	slog.Info("worker model loaded", "model_path", cfg.modelPath, "worker_id", cfg.workerID)

	cancels := cancel.NewRegistry()
	h := &workerHandlers{engine: eng, cancels: cancels, cfg: cfg}

	router := mux.NewRouter()
	router.HandleFunc("/api/worker/health", h.health).Methods("GET")
	router.HandleFunc("/api/worker/diag", h.diag).Methods("GET")
	router.HandleFunc("/api/worker/generate/stream", h.generateStream).Methods("POST")
	router.HandleFunc("/api/worker/cancel/{session_id}", h.cancelSession).Methods("POST")
	router.HandleFunc("/api/worker/shutdown", h.shutdown).Methods("POST")
	router.Use(loggingMiddleware)

	addr := cfg.host + ":" + cfg.port
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses can run arbitrarily long
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("worker received shutdown signal")
		shutCtx, cancelShut := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShut()
		_ = server.Shutdown(shutCtx)
		_ = eng.Close()
		os.Exit(0)
	}()

	slog.Info("worker starting", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("worker: server failed: %v", err)
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("worker request", "method", r.Method, "path", r.URL.Path, "dt_ms", time.Since(start).Milliseconds())
	})
}
