package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ocx/core/internal/cancel"
	"github.com/ocx/core/internal/engine"
	"github.com/ocx/core/internal/runjson"
)

// WorkerAddr resolves a worker ID to an (host, port) pair; satisfied by
// internal/supervisor.Supervisor without importing it directly, keeping
// this package's dependency graph one-directional.
type WorkerAddr interface {
	GetAddr(id string) (host string, port int, ok bool)
}

// GenerateRequest is everything the bridge needs to pack, forward, and
// stream one turn.
type GenerateRequest struct {
	SessionID        string
	WorkerID         string
	SystemText       string
	Summary          string
	Recent           []engine.ChatMessage
	Ephemeral        []engine.ChatMessage
	MaxCtx           int
	OutBudget        int
	MaxTokens        int
	Temperature      float64
	TopP             float64
	ShowCancelNotice bool
}

// Bridge owns the generation semaphore and forwards packed requests to a
// worker's streaming endpoint, relaying the worker's token bytes verbatim
// to the HTTP client and re-emitting a RUNJSON trailer built from the
// worker's own reported stats plus the packing/session context only the
// bridge knows. Grounded on internal/handlers/infra.go's HandleSSEStream
// (Flusher + context.Done disconnect watch) and internal/events/bus.go's
// producer/consumer shape — generalized here to the byte-oriented proxy
// internal/runjson.Proxy implements instead of a line-framed event bus,
// since spec §6 fixes the wire format as plain concatenated token bytes.
type Bridge struct {
	sem        chan struct{}
	cfg        PackingConfig
	summarizer Summarizer
	cancels    *cancel.Registry
	client     *http.Client
	logger     *slog.Logger

	activeMu sync.Mutex
	active   map[string]bool
}

// NewBridge creates a Bridge with permits concurrent generations allowed
// (spec.md's default is 1 — all generation is serialized).
func NewBridge(permits int, cfg PackingConfig, summarizer Summarizer, cancels *cancel.Registry) *Bridge {
	if permits < 1 {
		permits = 1
	}
	return &Bridge{
		sem:        make(chan struct{}, permits),
		cfg:        cfg,
		summarizer: summarizer,
		cancels:    cancels,
		client:     &http.Client{Timeout: 0},
		logger:     slog.Default().With("component", "streaming"),
		active:     make(map[string]bool),
	}
}

// IsActive reports whether sessionID currently has a generation in flight.
// Satisfies internal/retitle.ActiveFunc so the retitle queue backs off
// while a session is actively streaming.
func (b *Bridge) IsActive(sessionID string) bool {
	b.activeMu.Lock()
	defer b.activeMu.Unlock()
	return b.active[sessionID]
}

func (b *Bridge) setActive(sessionID string, v bool) {
	b.activeMu.Lock()
	defer b.activeMu.Unlock()
	if v {
		b.active[sessionID] = true
	} else {
		delete(b.active, sessionID)
	}
}

// cancelPollInterval bounds how quickly a core-level cancellation (explicit
// /cancel call or client disconnect) is forwarded to the worker process.
const cancelPollInterval = 20 * time.Millisecond

// forceCloseGrace bounds how long the bridge waits for the worker to wind
// down cleanly after being told to cancel before it gives up and forcibly
// closes the connection — the I6 liveness bound, now time-based rather than
// queue-depth-based since this proxy has no intermediate frame queue.
const forceCloseGrace = 3 * time.Second

// GenerateStream packs req, forwards it to the worker, and relays the
// worker's token bytes to w verbatim, finishing with a RUNJSON trailer.
// Returns the updated rolling summary so the caller can persist it.
func (b *Bridge) GenerateStream(ctx context.Context, addrs WorkerAddr, req GenerateRequest, w http.ResponseWriter) (newSummary string, err error) {
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return req.Summary, ctx.Err()
	}
	defer func() { <-b.sem }()

	b.setActive(req.SessionID, true)
	defer b.setActive(req.SessionID, false)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return req.Summary, fmt.Errorf("streaming: response writer does not support flushing")
	}

	flag := b.cancels.Clear(req.SessionID)

	packed, inputBudget := PackMessages(b.cfg, req.SystemText, req.Summary, req.Recent, req.MaxCtx, req.OutBudget)
	packed, newSummary = RollSummaryIfNeeded(b.cfg, b.summarizer, packed, req.Recent, req.Summary, inputBudget, req.SystemText)
	packed = injectEphemeral(packed, req.Ephemeral)

	host, port, ok := addrs.GetAddr(req.WorkerID)
	if !ok {
		return newSummary, fmt.Errorf("streaming: unknown worker %q", req.WorkerID)
	}

	body, _ := json.Marshal(map[string]any{
		"session_id":  req.SessionID,
		"messages":    packed,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
		"top_p":       req.TopP,
	})

	workerReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://%s:%d/api/worker/generate/stream", host, port), bytes.NewReader(body))
	if err != nil {
		return newSummary, err
	}
	workerReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(workerReq)
	if err != nil {
		return newSummary, fmt.Errorf("streaming: worker request failed: %w", err)
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	proxyDone := make(chan struct{})
	var workerTrailer runjson.Trailer
	var proxyErr error
	go func() {
		defer close(proxyDone)
		workerTrailer, proxyErr = runjson.Proxy(resp.Body, w, flusher.Flush)
	}()

	cancelled := b.watchForCancel(ctx, flag, host, port, req.SessionID, proxyDone, resp)

	budget := map[string]any{
		"input_budget": inputBudget,
		"out_budget":   req.OutBudget,
	}

	trailer := workerTrailer
	trailer.IndexedModelIdentifier = req.WorkerID
	trailer.Identifier = req.SessionID
	trailer.Stats.Budget = budget

	switch {
	case cancelled:
		// Cancellation is its own disposition (spec §7), not stream_error —
		// leave any partial token bytes as-is with no synthetic error chunk.
		trailer.Stats.StopReason = "user_cancel"
	case proxyErr != nil:
		msg := proxyErr.Error()
		fmt.Fprintf(w, "[error] %s", msg)
		flusher.Flush()
		trailer.Stats.Error = &msg
		trailer.Stats.StopReason = "error"
		b.logger.Warn("streaming: worker stream ended abnormally", "session_id", req.SessionID, "err", proxyErr)
	}

	if err := runjson.Write(w, trailer, cancelled && req.ShowCancelNotice); err != nil {
		b.logger.Warn("streaming: failed writing trailer", "session_id", req.SessionID, "err", err)
	}
	flusher.Flush()

	return newSummary, nil
}

// watchForCancel observes ctx and the session's cancel flag, forwarding
// cancellation to the worker process (so its own trailer ends up carrying
// accurate token counts) and, if the worker hasn't wound down within
// forceCloseGrace, forcibly closing the response body to unblock the proxy
// goroutine. Returns whether the stream ended on a cancellation.
func (b *Bridge) watchForCancel(ctx context.Context, flag *cancel.Flag, host string, port int, sessionID string, proxyDone <-chan struct{}, resp *http.Response) bool {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-proxyDone:
			return flag.IsSet()
		case <-ctx.Done():
			flag.Set()
			b.forwardCancel(host, port, sessionID)
			return b.waitOrForceClose(proxyDone, resp)
		case <-ticker.C:
			if flag.IsSet() {
				b.forwardCancel(host, port, sessionID)
				return b.waitOrForceClose(proxyDone, resp)
			}
		}
	}
}

func (b *Bridge) waitOrForceClose(proxyDone <-chan struct{}, resp *http.Response) bool {
	select {
	case <-proxyDone:
	case <-time.After(forceCloseGrace):
		resp.Body.Close()
		<-proxyDone
	}
	return true
}

// forwardCancel tells the worker process to stop generating for sessionID,
// best-effort: a failed delivery just means the bridge falls back to the
// forceCloseGrace timeout in waitOrForceClose.
func (b *Bridge) forwardCancel(host string, port int, sessionID string) {
	cancelCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := fmt.Sprintf("http://%s:%d/api/worker/cancel/%s", host, port, sessionID)
	req, err := http.NewRequestWithContext(cancelCtx, http.MethodPost, url, nil)
	if err != nil {
		return
	}
	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Warn("streaming: failed to forward cancel to worker", "session_id", sessionID, "err", err)
		return
	}
	resp.Body.Close()
}

func injectEphemeral(packed []engine.ChatMessage, ephemeral []engine.ChatMessage) []engine.ChatMessage {
	if len(ephemeral) == 0 {
		return packed
	}
	lastUser := -1
	for i := len(packed) - 1; i >= 0; i-- {
		if packed[i].Role == "user" {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		return append(packed, ephemeral...)
	}
	out := make([]engine.ChatMessage, 0, len(packed)+len(ephemeral))
	out = append(out, packed[:lastUser]...)
	out = append(out, ephemeral...)
	out = append(out, packed[lastUser:]...)
	return out
}
