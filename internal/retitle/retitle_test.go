package retitle

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/core/internal/config"
	"github.com/ocx/core/internal/engine"
	"github.com/ocx/core/internal/settings"
)

type fakeStore struct {
	mu     sync.Mutex
	seq    map[string]int
	titles map[string]string
	known  map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{seq: map[string]int{}, titles: map[string]string{}, known: map[string]bool{}}
}

func (f *fakeStore) CurrentSeq(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq[sessionID]
}

func (f *fakeStore) Title(sessionID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.titles[sessionID]
	return t, ok
}

func (f *fakeStore) SetTitle(sessionID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles[sessionID] = title
	f.known[sessionID] = true
	return nil
}

type fakeGenerator struct {
	title string
	calls int
	mu    sync.Mutex
}

func (g *fakeGenerator) GenerateTitle(ctx context.Context, systemText, userText string) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return g.title, nil
}

func testSettings(t *testing.T) *settings.Store {
	t.Helper()
	store, err := settings.New(settings.Defaults(), "")
	require.NoError(t, err)
	return store
}

func fastCfg() config.RetitleConfig {
	return config.RetitleConfig{
		Enable:               true,
		QueueMaxSize:         16,
		GraceMs:              1,
		ActiveBackoffStartMs: 1,
		ActiveBackoffMaxMs:   2,
		ActiveBackoffTotalMs: 5,
		ActiveBackoffGrowth:  1.5,
		MinUserChars:         3,
		MinSubstantialChars:  3,
		RequireAlpha:         true,
		PreviewChars:         80,
		SanitizeMaxWords:     5,
		SanitizeMaxChars:     40,
	}
}

func TestEnqueue_CoalescesBurstsForSameSession(t *testing.T) {
	gen := &fakeGenerator{title: "Police Station"}
	store := newFakeStore()
	w := NewWorker(fastCfg(), testSettings(t), store, func(string) bool { return false }, gen)

	msgs1 := []engine.ChatMessage{{Role: "user", Content: "tell me about police stations"}}
	msgs2 := []engine.ChatMessage{{Role: "user", Content: "tell me about fire trucks instead"}}
	w.Enqueue("s1", msgs1, 1)
	w.Enqueue("s1", msgs2, 2)

	w.mu.Lock()
	_, enq := w.enqueued["s1"]
	pending := w.pending["s1"]
	qlen := len(w.queue)
	w.mu.Unlock()

	assert.True(t, enq)
	assert.Equal(t, 2, pending.jobSeq)
	assert.Equal(t, 1, qlen, "second enqueue for the same session should not double-queue")
}

func TestProcessSession_WritesTitleWhenSourceSubstantial(t *testing.T) {
	gen := &fakeGenerator{title: "Police Station"}
	store := newFakeStore()
	store.known["s1"] = true
	w := NewWorker(fastCfg(), testSettings(t), store, func(string) bool { return false }, gen)

	w.Enqueue("s1", []engine.ChatMessage{{Role: "user", Content: "tell me about police stations please"}}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Start(ctx)
	defer cancel()

	require.Eventually(t, func() bool {
		title, ok := store.Title("s1")
		return ok && title != ""
	}, time.Second, 5*time.Millisecond)

	title, _ := store.Title("s1")
	assert.Equal(t, "Police Station", title)
	assert.Equal(t, 1, gen.calls)
}

func TestProcessSession_SkipsStaleJob(t *testing.T) {
	gen := &fakeGenerator{title: "Should Not Be Used"}
	store := newFakeStore()
	store.seq["s1"] = 99

	w := NewWorker(fastCfg(), testSettings(t), store, func(string) bool { return false }, gen)
	w.Enqueue("s1", []engine.ChatMessage{{Role: "user", Content: "a stale message about something"}}, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Start(ctx)

	_, ok := store.Title("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, gen.calls)
}

func TestProcessSession_SkipsWhenNoSubstantialSource(t *testing.T) {
	gen := &fakeGenerator{title: "X"}
	store := newFakeStore()
	w := NewWorker(fastCfg(), testSettings(t), store, func(string) bool { return false }, gen)

	w.Enqueue("s1", []engine.ChatMessage{{Role: "user", Content: "hi"}}, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Start(ctx)

	assert.Equal(t, 0, gen.calls)
}

func TestSanitizeTitle_StripsQuotesAndCaps(t *testing.T) {
	store := newFakeStore()
	w := NewWorker(fastCfg(), testSettings(t), store, nil, &fakeGenerator{})
	out := w.sanitizeTitle(`"Node Installation Windows Guide Extended Title"`)
	assert.NotContains(t, out, `"`)
	assert.LessOrEqual(t, len(strings.Fields(out)), w.cfg.SanitizeMaxWords)
	assert.LessOrEqual(t, len(out), w.cfg.SanitizeMaxChars)
}
