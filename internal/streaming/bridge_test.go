package streaming

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/core/internal/cancel"
	"github.com/ocx/core/internal/engine"
	"github.com/ocx/core/internal/runjson"
)

type fakeAddrs struct {
	host string
	port int
}

func (f fakeAddrs) GetAddr(id string) (string, int, bool) {
	if id != "w1" {
		return "", 0, false
	}
	return f.host, f.port, true
}

// newFakeWorker spins up an httptest server that emits the literal §6 wire
// contract: plain token bytes followed by a RUNJSON trailer.
func newFakeWorker(t *testing.T, tokenText string, trailer runjson.Trailer) fakeAddrs {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, tokenText)
		_ = runjson.Write(w, trailer, false)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return fakeAddrs{host: u.Hostname(), port: port}
}

func TestBridge_GenerateStream_RelaysTokensAndTrailer(t *testing.T) {
	addrs := newFakeWorker(t, "hi", runjson.Trailer{
		Stats: runjson.Stats{StopReason: "eosFound", PredictedTokensCount: 1},
	})

	b := NewBridge(1, DefaultPackingConfig(), NewHeuristicSummarizer(DefaultPackingConfig()), cancel.NewRegistry())
	rec := httptest.NewRecorder()

	req := GenerateRequest{
		SessionID:  "s1",
		WorkerID:   "w1",
		SystemText: "sys",
		Recent:     []engine.ChatMessage{{Role: "user", Content: "hi"}},
		MaxCtx:     4096,
		OutBudget:  512,
		MaxTokens:  16,
	}

	_, err := b.GenerateStream(context.Background(), addrs, req, rec)
	require.NoError(t, err)

	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))

	out := rec.Body.String()
	assert.Contains(t, out, "hi")
	assert.Contains(t, out, "\n"+runjson.Start+"\n")
	assert.Contains(t, out, "\n"+runjson.End+"\n")
	assert.NotContains(t, out, "event: token")
	assert.NotContains(t, out, "data:")

	trailer, err := runjson.Proxy(bytes.NewReader(rec.Body.Bytes()), io.Discard, func() {})
	require.NoError(t, err)
	assert.Equal(t, "s1", trailer.Identifier)
	assert.Equal(t, "w1", trailer.IndexedModelIdentifier)
	assert.Equal(t, "eosFound", trailer.Stats.StopReason)
	assert.Equal(t, 1, trailer.Stats.PredictedTokensCount)
}

func TestBridge_GenerateStream_UnknownWorkerErrors(t *testing.T) {
	b := NewBridge(1, DefaultPackingConfig(), NewHeuristicSummarizer(DefaultPackingConfig()), cancel.NewRegistry())
	rec := httptest.NewRecorder()

	req := GenerateRequest{SessionID: "s1", WorkerID: "missing"}
	_, err := b.GenerateStream(context.Background(), fakeAddrs{}, req, rec)
	assert.Error(t, err)
}

func TestBridge_GenerateStream_CancelPropagatesAndTrailerReflectsIt(t *testing.T) {
	cancels := cancel.NewRegistry()
	cancelCalled := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/worker/generate/stream":
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, "partial")
			w.(http.Flusher).Flush()
			// Cancel mid-stream: the bridge clears the flag when the stream
			// starts, so a cancel set earlier would not carry over.
			cancels.Set("s1")
			<-cancelCalled
			_ = runjson.Write(w, runjson.Trailer{
				Stats: runjson.Stats{StopReason: "user_cancel", PredictedTokensCount: 1},
			}, false)
		case "/api/worker/cancel/s1":
			select {
			case cancelCalled <- struct{}{}:
			default:
			}
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	addrs := fakeAddrs{host: u.Hostname(), port: port}

	b := NewBridge(1, DefaultPackingConfig(), NewHeuristicSummarizer(DefaultPackingConfig()), cancels)
	rec := httptest.NewRecorder()

	req := GenerateRequest{SessionID: "s1", WorkerID: "w1", MaxCtx: 4096, OutBudget: 512}
	_, err = b.GenerateStream(context.Background(), addrs, req, rec)
	require.NoError(t, err)

	trailer, err := runjson.Proxy(bytes.NewReader(rec.Body.Bytes()), io.Discard, func() {})
	require.NoError(t, err)
	assert.Equal(t, "user_cancel", trailer.Stats.StopReason)
}
