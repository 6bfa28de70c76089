package engine

import (
	"context"
	"strings"
	"sync"
	"time"
)

// StubEngine is a deterministic Engine used when no native runtime binding
// is wired in (the default for this repo — see package doc). It tokenizes
// by splitting on whitespace and echoes the last user message back,
// prefixed to make it obvious in manual testing that no real model ran.
type StubEngine struct {
	mu        sync.Mutex
	modelPath string
	loaded    bool
}

var _ Engine = (*StubEngine)(nil)

// NewStub returns a ready-to-use StubEngine; LoadModel still must be called
// before streaming, mirroring a real engine's lifecycle.
func NewStub() *StubEngine {
	return &StubEngine{}
}

func (e *StubEngine) LoadModel(ctx context.Context, modelPath string, kwargs map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.modelPath = modelPath
	e.loaded = true
	return nil
}

func (e *StubEngine) CreateChatCompletionStream(ctx context.Context, req ChatRequest) (<-chan Token, error) {
	e.mu.Lock()
	loaded := e.loaded
	e.mu.Unlock()

	out := make(chan Token, 8)
	if !loaded {
		close(out)
		return out, errNotLoaded
	}

	reply := stubReply(req)
	words := strings.Fields(reply)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = len(words)
	}
	finishReason := "stop"
	if len(words) > maxTokens {
		words = words[:maxTokens]
		finishReason = "length"
	}

	go func() {
		defer close(out)
		for i, w := range words {
			text := w
			if i > 0 {
				text = " " + w
			}
			select {
			case <-ctx.Done():
				return
			case out <- Token{Text: text}:
			}
			time.Sleep(5 * time.Millisecond)
		}
		select {
		case <-ctx.Done():
		case out <- Token{Done: true, Usage: Usage{
			PromptTokens:     promptTokenEstimate(req),
			CompletionTokens: len(words),
			FinishReason:     finishReason,
		}}:
		}
	}()
	return out, nil
}

func (e *StubEngine) Reset(ctx context.Context) error {
	return nil
}

func (e *StubEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = false
	return nil
}

func stubReply(req ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" && strings.TrimSpace(req.Messages[i].Content) != "" {
			return "(stub) " + req.Messages[i].Content
		}
	}
	return "(stub) hello"
}

func promptTokenEstimate(req ChatRequest) int {
	n := 0
	for _, m := range req.Messages {
		n += len(strings.Fields(m.Content))
	}
	return n
}

type stubError string

func (e stubError) Error() string { return string(e) }

const errNotLoaded = stubError("engine: model not loaded")
