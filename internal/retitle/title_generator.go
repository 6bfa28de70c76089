package retitle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ocx/core/internal/engine"
	"github.com/ocx/core/internal/runjson"
	"github.com/ocx/core/internal/streaming"
)

// WorkerResolver is what WorkerTitleGenerator needs from the supervisor:
// address lookup for a fixed worker ID, plus a fallback pick of any ready
// worker when no fixed ID is configured (titling rarely needs a specific
// model — any loaded one will do).
type WorkerResolver interface {
	streaming.WorkerAddr
	AnyReady() (id string, ok bool)
}

// WorkerTitleGenerator implements TitleGenerator by issuing a one-shot
// request against a worker process's streaming endpoint (the worker binary
// has no separate non-streaming route) and concatenating the token text.
// Serialization with interactive generation is the caller's job: construct
// this to target the same worker ID the streaming.Bridge serializes through,
// or leave workerID empty to use whichever worker is currently ready.
type WorkerTitleGenerator struct {
	addrs       WorkerResolver
	workerID    string
	client      *http.Client
	maxTokens   int
	temperature float64
	topP        float64
}

func NewWorkerTitleGenerator(addrs WorkerResolver, workerID string, maxTokens int, temperature, topP float64) *WorkerTitleGenerator {
	return &WorkerTitleGenerator{
		addrs:       addrs,
		workerID:    workerID,
		client:      &http.Client{Timeout: 30 * time.Second},
		maxTokens:   maxTokens,
		temperature: temperature,
		topP:        topP,
	}
}

func (g *WorkerTitleGenerator) GenerateTitle(ctx context.Context, systemText, userText string) (string, error) {
	workerID := g.workerID
	if workerID == "" {
		id, ok := g.addrs.AnyReady()
		if !ok {
			return "", fmt.Errorf("retitle: no ready worker available")
		}
		workerID = id
	}
	host, port, ok := g.addrs.GetAddr(workerID)
	if !ok {
		return "", fmt.Errorf("retitle: unknown worker %q", workerID)
	}

	body, _ := json.Marshal(map[string]any{
		"session_id": "retitle",
		"messages": []engine.ChatMessage{
			{Role: "system", Content: systemText},
			{Role: "user", Content: userText},
		},
		"max_tokens":  g.maxTokens,
		"temperature": g.temperature,
		"top_p":       g.topP,
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://%s:%d/api/worker/generate/stream", host, port), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("retitle: worker request failed: %w", err)
	}
	defer resp.Body.Close()

	var sb strings.Builder
	trailer, err := runjson.Proxy(resp.Body, &sb, func() {})
	if err != nil {
		return "", fmt.Errorf("retitle: reading worker stream: %w", err)
	}
	if trailer.Stats.Error != nil {
		return "", fmt.Errorf("retitle: worker reported error: %s", *trailer.Stats.Error)
	}

	return strings.TrimSpace(sb.String()), nil
}
