package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubEngine_StreamsLoadedModel(t *testing.T) {
	e := NewStub()
	require.NoError(t, e.LoadModel(context.Background(), "/models/fake.gguf", nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tokens, err := e.CreateChatCompletionStream(ctx, ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hello there"}},
	})
	require.NoError(t, err)

	var text string
	var gotDone bool
	for tok := range tokens {
		if tok.Done {
			gotDone = true
			assert.Greater(t, tok.Usage.CompletionTokens, 0)
			continue
		}
		text += tok.Text
	}
	assert.True(t, gotDone)
	assert.Contains(t, text, "hello there")
}

func TestStubEngine_ErrorsWhenNotLoaded(t *testing.T) {
	e := NewStub()
	_, err := e.CreateChatCompletionStream(context.Background(), ChatRequest{})
	assert.Error(t, err)
}

func TestStubEngine_CloseUnloads(t *testing.T) {
	e := NewStub()
	require.NoError(t, e.LoadModel(context.Background(), "/models/fake.gguf", nil))
	require.NoError(t, e.Close())
	_, err := e.CreateChatCompletionStream(context.Background(), ChatRequest{})
	assert.Error(t, err)
}
