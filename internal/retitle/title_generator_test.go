package retitle

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/core/internal/runjson"
)

type fakeResolver struct {
	host     string
	port     int
	readyID  string
	hasReady bool
}

func (f fakeResolver) GetAddr(id string) (string, int, bool) {
	if id != "w1" {
		return "", 0, false
	}
	return f.host, f.port, true
}

func (f fakeResolver) AnyReady() (string, bool) {
	return f.readyID, f.hasReady
}

// newFakeWorkerResolver spins up a fake worker emitting the literal §6 wire
// contract: plain token text followed by a RUNJSON trailer.
func newFakeWorkerResolver(t *testing.T, tokenText string, trailer runjson.Trailer) fakeResolver {
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
	return fakeResolver{host: u.Hostname(), port: port, readyID: "w1", hasReady: true}
}

func TestWorkerTitleGenerator_FixedWorkerID(t *testing.T) {
	resolver := newFakeWorkerResolver(t, "Police Station", runjson.Trailer{
		Stats: runjson.Stats{StopReason: "eosFound", PredictedTokensCount: 2},
	})

	gen := NewWorkerTitleGenerator(resolver, "w1", 16, 0.2, 0.9)
	title, err := gen.GenerateTitle(context.Background(), "sys", "user text")
	require.NoError(t, err)
	assert.Equal(t, "Police Station", title)
}

func TestWorkerTitleGenerator_FallsBackToAnyReady(t *testing.T) {
	resolver := newFakeWorkerResolver(t, "Fire Trucks", runjson.Trailer{
		Stats: runjson.Stats{StopReason: "eosFound", PredictedTokensCount: 2},
	})

	gen := NewWorkerTitleGenerator(resolver, "", 16, 0.2, 0.9)
	title, err := gen.GenerateTitle(context.Background(), "sys", "user text")
	require.NoError(t, err)
	assert.Equal(t, "Fire Trucks", title)
}

func TestWorkerTitleGenerator_NoReadyWorkerErrors(t *testing.T) {
	resolver := fakeResolver{hasReady: false}
	gen := NewWorkerTitleGenerator(resolver, "", 16, 0.2, 0.9)
	_, err := gen.GenerateTitle(context.Background(), "sys", "user text")
	assert.Error(t, err)
}

func TestWorkerTitleGenerator_WorkerErrorPropagates(t *testing.T) {
	errMsg := "model not loaded"
	resolver := newFakeWorkerResolver(t, "", runjson.Trailer{
		Stats: runjson.Stats{StopReason: "error", Error: &errMsg},
	})

	gen := NewWorkerTitleGenerator(resolver, "w1", 16, 0.2, 0.9)
	_, err := gen.GenerateTitle(context.Background(), "sys", "user text")
	assert.Error(t, err)
}
