package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/core/internal/cancel"
	"github.com/ocx/core/internal/engine"
	"github.com/ocx/core/internal/runjson"
)

type workerHandlers struct {
	engine  engine.Engine
	cancels *cancel.Registry
	cfg     workerCfg
}

func (h *workerHandlers) health(w http.ResponseWriter, r *http.Request) {
	accel, _ := h.cfg.kwargsJSON["accel"].(string)
	kvOffload, _ := h.cfg.kwargsJSON["kv_offload"].(bool)
	nCtx := 0
	switch v := h.cfg.kwargsJSON["n_ctx"].(type) {
	case float64:
		nCtx = int(v)
	case int:
		nCtx = v
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"ok":         true,
		"model":      filepath.Base(h.cfg.modelPath),
		"path":       h.cfg.modelPath,
		"accel":      accel,
		"kwargs":     h.cfg.kwargsJSON,
		"n_ctx":      nCtx,
		"kv_offload": kvOffload,
		// The stub engine loads synchronously before the server starts
		// serving, so by the time /health is reachable loading is complete.
		"progress": map[string]any{"pct": 100, "hits": 0},
	})
}

func (h *workerHandlers) diag(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"worker_id": h.cfg.workerID,
		"model":     h.cfg.modelPath,
		"kwargs":    h.cfg.kwargsJSON,
	})
}

// chatRequest mirrors worker_entry.py's ChatBody payload.
type chatRequest struct {
	SessionID   string               `json:"session_id"`
	Messages    []engine.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature float64              `json:"temperature"`
	TopP        float64              `json:"top_p"`
}

// generateStream implements the exact wire contract spec §6 freezes:
// Content-Type: text/plain, body = concatenated UTF-8 token deltas,
// terminated by the RUNJSON trailer, optionally followed by the
// "⏹ stopped" line. The core process (C6) is responsible for message
// packing/roll-up before calling this endpoint, and relays this same wire
// format straight through to its own caller rather than re-framing it.
func (h *workerHandlers) generateStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	predictionConfig := runjson.Fields(map[string]any{
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
		"top_p":       req.TopP,
	})
	loadModelConfig := runjson.Fields(h.cfg.kwargsJSON)

	trailer := runjson.Trailer{
		IndexedModelIdentifier: h.cfg.workerID,
		Identifier:             req.SessionID,
		LoadModelConfig:        loadModelConfig,
		PredictionConfig:       predictionConfig,
		Stats: runjson.Stats{
			Budget: map[string]any{},
		},
	}

	start := time.Now()
	tokens, err := h.engine.CreateChatCompletionStream(r.Context(), engine.ChatRequest{
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	})
	if err != nil {
		fmt.Fprintf(w, "[error] %s", err.Error())
		flusher.Flush()
		msg := err.Error()
		trailer.Stats.StopReason = "error"
		trailer.Stats.Error = &msg
		trailer.Stats.TotalTimeSec = time.Since(start).Seconds()
		_ = runjson.Write(w, trailer, false)
		flusher.Flush()
		return
	}

	flag := h.cancels.GetOrCreate(req.SessionID)

	var predicted int
	var firstTokenAt time.Time
	cancelled := false

loop:
	for {
		select {
		case <-r.Context().Done():
			cancelled = true
			break loop
		case tok, open := <-tokens:
			if !open {
				break loop
			}
			if flag.IsSet() {
				cancelled = true
				break loop
			}
			if tok.Done {
				trailer.Stats.PredictedTokensCount = tok.Usage.CompletionTokens
				prompt := tok.Usage.PromptTokens
				trailer.Stats.PromptTokensCount = &prompt
				total := prompt + tok.Usage.CompletionTokens
				trailer.Stats.TotalTokensCount = &total
				switch tok.Usage.FinishReason {
				case "stop", "":
					trailer.Stats.StopReason = "eosFound"
				default:
					trailer.Stats.StopReason = "finish:" + tok.Usage.FinishReason
				}
				predicted = tok.Usage.CompletionTokens
				break loop
			}
			if predicted == 0 && tok.Text != "" {
				firstTokenAt = time.Now()
			}
			predicted++
			fmt.Fprint(w, tok.Text)
			flusher.Flush()
		}
	}

	if cancelled {
		trailer.Stats.StopReason = "user_cancel"
		trailer.Stats.PredictedTokensCount = predicted
	} else if trailer.Stats.StopReason == "" {
		// tokens channel closed without a Done token (shouldn't happen with
		// a well-behaved Engine); treat as a natural end.
		trailer.Stats.StopReason = "eosFound"
		trailer.Stats.PredictedTokensCount = predicted
	}

	totalTime := time.Since(start).Seconds()
	trailer.Stats.TotalTimeSec = totalTime
	if !firstTokenAt.IsZero() {
		trailer.Stats.TimeToFirstTokenSec = firstTokenAt.Sub(start).Seconds()
	}
	if totalTime > 0 && trailer.Stats.PredictedTokensCount > 0 {
		tps := float64(trailer.Stats.PredictedTokensCount) / totalTime
		trailer.Stats.TokensPerSecond = &tps
	}

	_ = runjson.Write(w, trailer, cancelled)
	flusher.Flush()
}

func (h *workerHandlers) cancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	h.cancels.Set(sessionID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "session_id": sessionID})
}

func (h *workerHandlers) shutdown(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true})
	go func() {
		_ = h.engine.Close()
		os.Exit(0)
	}()
}
