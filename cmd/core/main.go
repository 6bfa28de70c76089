// Command core is the process bootstrap (C9): it wires the settings store,
// GPU probe, supervisor, cancel registry, streaming bridge, and retitle
// queue into one runnable service and serves the admin HTTP surface.
// Grounded on cmd/api/main.go's construction-order/router/graceful-shutdown
// shape, adapted from the teacher's Redis/fabric/escrow stack to this
// domain's components.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ocx/core/internal/cancel"
	"github.com/ocx/core/internal/config"
	"github.com/ocx/core/internal/gpuprobe"
	"github.com/ocx/core/internal/httpapi"
	"github.com/ocx/core/internal/retitle"
	"github.com/ocx/core/internal/settings"
	"github.com/ocx/core/internal/streaming"
	"github.com/ocx/core/internal/supervisor"
)

func main() {
	cfg := config.Get()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("core: create data dir: %v", err)
	}
	runtimeDir := filepath.Join(cfg.DataDir, ".runtime")
	if err := os.MkdirAll(runtimeDir, 0o755); err != nil {
		log.Fatalf("core: create runtime dir: %v", err)
	}

	// C1 — settings store.
	settingsStore, err := settings.New(settings.Defaults(), filepath.Join(cfg.DataDir, "settings_overrides.json"))
	if err != nil {
		log.Fatalf("core: settings store: %v", err)
	}

	// C2 — GPU probe (background-refreshed, best-effort).
	probe := gpuprobe.New()
	defer probe.Close()

	// C3 is guardrail.Plan, a stateless pure function consumed directly by
	// the supervisor — nothing to construct here.

	// C5 — supervisor, depends on C2/C3.
	sup := supervisor.New(cfg.Worker, settingsStore, probe)

	// C7 — cancel registry.
	cancels := cancel.NewRegistry()

	// C6 — streaming bridge, depends on C1/C5/C7.
	packingCfg := streaming.PackingConfig{
		ModelCtx:             4096,
		OutBudget:            cfg.Stream.MinOutTokens,
		ReservedSystemTokens: cfg.Stream.ReservedSystem,
		MinInputBudget:       512,
		CharsPerToken:        4,
		PerMessageOverhead:   4,
		RollupSkipThreshold:  cfg.Packing.RollupSkipThreshold,
		RollupMinPeel:        cfg.Packing.RollupMinPeel,
		RollupMaxPeel:        cfg.Packing.RollupMaxPeel,
		RollupPeelRatio:      cfg.Packing.RollupPeelRatio,
		SummaryMaxChars:      cfg.Packing.SummaryMaxChars,
		SummaryShrinkRatio:   cfg.Packing.SummaryShrinkRatio,
		SummaryFloorChars:    cfg.Packing.SummaryFloorChars,
		SummaryHeaderPrefix:  "Conversation summary so far:\n",
		BulletPrefix:         "- ",
		HeuristicMaxBullets:  8,
		HeuristicMaxWords:    24,
	}
	if packingCfg.OutBudget <= 0 {
		packingCfg.OutBudget = 512
	}
	if packingCfg.ReservedSystemTokens <= 0 {
		packingCfg.ReservedSystemTokens = 256
	}
	summarizer := streaming.NewHeuristicSummarizer(packingCfg)
	permits := cfg.Stream.GenSemaphorePermits
	bridge := streaming.NewBridge(permits, packingCfg, summarizer, cancels)

	// C8 — retitle queue, depends on C6's active-session signal and C5 (for
	// the worker address the title generator calls into).
	indexStore := retitle.NewFileIndexStore(filepath.Join(cfg.DataDir, "title_index.json"))
	var retitleWorker *retitle.Worker
	if cfg.Retitle.Enable {
		titleWorkerID := settingsStore.GetString("retitle_worker_id", "")
		generator := retitle.NewWorkerTitleGenerator(sup, titleWorkerID,
			settingsStore.GetInt("retitle_llm_max_tokens", 16),
			settingsStore.GetFloat("retitle_llm_temperature", 0.2),
			settingsStore.GetFloat("retitle_llm_top_p", 0.9))
		retitleWorker = retitle.NewWorker(cfg.Retitle, settingsStore, indexStore, bridge.IsActive, generator)
		retitleCtx, retitleCancel := context.WithCancel(context.Background())
		defer retitleCancel()

		workerCount := cfg.Retitle.WorkerCount
		if workerCount <= 0 {
			workerCount = 1
		}
		for i := 0; i < workerCount; i++ {
			go retitleWorker.Start(retitleCtx)
		}
	}

	metrics := httpapi.NewMetrics()
	server := httpapi.NewServer(cfg, sup, bridge, cancels, retitleWorker, indexStore, probe, metrics)
	router := server.Router()

	listener, err := net.Listen("tcp", cfg.Server.Interface+":"+cfg.Server.Port)
	if err != nil {
		log.Fatalf("core: listen: %v", err)
	}
	actualPort := listener.Addr().(*net.TCPAddr).Port

	portsFile := filepath.Join(runtimeDir, "ports.json")
	portsJSON, _ := json.Marshal(map[string]int{"api_port": actualPort})
	if err := os.WriteFile(portsFile, portsJSON, 0o644); err != nil {
		slog.Warn("core: failed to write ports.json", "path", portsFile, "error", err)
	}

	httpServer := &http.Server{
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("core: shutdown signal received")

		ctx, cancelShutdown := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancelShutdown()

		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("core: http server shutdown error", "error", err)
		}
		stopped := sup.StopAll(ctx)
		slog.Info("core: stopped workers on shutdown", "count", stopped)
	}()

	slog.Info("core: starting", "port", actualPort, "data_dir", cfg.DataDir)
	if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		log.Fatalf("core: server failed: %v", err)
	}
	slog.Info("core: stopped")
}
