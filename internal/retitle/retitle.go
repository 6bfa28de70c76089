// Package retitle implements the coalesced per-session auto-title queue
// (C8): after a turn finishes, the caller enqueues the session's latest
// message snapshot; a single background worker debounces, waits out any
// still-active generation, and asks an LLM for a short title. Grounded on
// original_source/aimodel/file_read/workers/retitle_worker.py (the
// settings-driven revision, not the earlier fixed-constant one) and
// internal/escrow/kill_switch.go's mutex-guarded-map/prefixed-logger shape.
package retitle

import (
	"context"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ocx/core/internal/config"
	"github.com/ocx/core/internal/engine"
	"github.com/ocx/core/internal/settings"
)

// IndexStore is the session title ledger the worker reads/writes. Grounded
// on store/index.py's load_index/save_index plus store/chats.py's seq
// watermark lookup.
type IndexStore interface {
	// CurrentSeq returns the session's current message-sequence watermark,
	// used to detect and skip stale (superseded) retitle jobs.
	CurrentSeq(sessionID string) int
	// Title returns the session's current title, if the session exists.
	Title(sessionID string) (string, bool)
	// SetTitle persists a new title for the session.
	SetTitle(sessionID, title string) error
}

// ActiveFunc reports whether a session currently has generation in flight;
// the worker backs off while true so retitling never contends with
// interactive streaming. Grounded on services/cancel.py's is_active.
type ActiveFunc func(sessionID string) bool

// TitleGenerator produces a raw title from a system/user prompt pair. The
// default implementation (WorkerTitleGenerator) calls a worker process the
// same way the streaming bridge does; tests substitute a fake.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, systemText, userText string) (string, error)
}

type job struct {
	messages []engine.ChatMessage
	jobSeq   int
}

// Worker runs the coalesced retitle queue. Only the latest snapshot per
// session is kept — a burst of enqueues for the same session collapses to
// one job (last write wins), mirroring _PENDING/_ENQUEUED in the source.
// Start may be launched from multiple goroutines sharing one Worker to form
// a consumer pool; pending/enqueued are mutex-guarded and queue delivery is
// arbitrated by the channel, so concurrent consumers are safe.
type Worker struct {
	mu       sync.Mutex
	pending  map[string]job
	enqueued map[string]struct{}
	queue    chan string

	cfg      config.RetitleConfig
	settings *settings.Store
	store    IndexStore
	active   ActiveFunc
	gen      TitleGenerator
	logger   *log.Logger

	dropPrefixRe       *regexp.Regexp
	replaceNotAllowedRe *regexp.Regexp
}

// NewWorker constructs a Worker. settingsStore supplies the hot-reloadable
// prompt wording and sanitize regexes; cfg supplies the static backoff/queue
// sizing knobs loaded once at process bootstrap.
func NewWorker(cfg config.RetitleConfig, settingsStore *settings.Store, store IndexStore, active ActiveFunc, gen TitleGenerator) *Worker {
	maxSize := cfg.QueueMaxSize
	if maxSize <= 0 {
		maxSize = 256
	}
	w := &Worker{
		pending:  make(map[string]job),
		enqueued: make(map[string]struct{}),
		queue:    make(chan string, maxSize),
		cfg:      cfg,
		settings: settingsStore,
		store:    store,
		active:   active,
		gen:      gen,
		logger:   log.New(log.Writer(), "[RETITLE] ", log.LstdFlags),
	}
	if dp := settingsStore.GetString("retitle_sanitize_drop_prefix_regex", ""); dp != "" {
		if re, err := regexp.Compile(dp); err == nil {
			w.dropPrefixRe = re
		} else {
			w.logger.Printf("invalid drop-prefix regex %q: %v", dp, err)
		}
	}
	if rn := settingsStore.GetString("retitle_sanitize_replace_not_allowed_regex", ""); rn != "" {
		if re, err := regexp.Compile(rn); err == nil {
			w.replaceNotAllowedRe = re
		} else {
			w.logger.Printf("invalid replace-not-allowed regex %q: %v", rn, err)
		}
	}
	return w
}

// Enqueue records messages as the latest snapshot for sessionID and, if the
// session isn't already queued, schedules it for processing. jobSeq is the
// caller's message-sequence watermark (e.g. the highest message id in
// messages) used later to detect staleness.
func (w *Worker) Enqueue(sessionID string, messages []engine.ChatMessage, jobSeq int) {
	if sessionID == "" {
		return
	}
	w.mu.Lock()
	w.pending[sessionID] = job{messages: messages, jobSeq: jobSeq}
	_, already := w.enqueued[sessionID]
	if !already {
		w.enqueued[sessionID] = struct{}{}
	}
	w.mu.Unlock()

	if already {
		return
	}
	select {
	case w.queue <- sessionID:
	default:
		w.logger.Printf("queue full, dropping enqueue for session=%s", sessionID)
		w.mu.Lock()
		delete(w.enqueued, sessionID)
		w.mu.Unlock()
	}
}

// QueueDepth reports how many sessions are currently queued for retitling,
// for the admin surface's gauge metric.
func (w *Worker) QueueDepth() int {
	return len(w.queue)
}

// Start runs the single-worker consume loop until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sid := <-w.queue:
			w.runSession(ctx, sid)
		}
	}
}

// runSession recovers from a panic in a single job so the worker loop
// survives a bad session the way start_worker()'s try/except does.
func (w *Worker) runSession(ctx context.Context, sessionID string) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Printf("retitle worker panic: session=%s err=%v", sessionID, r)
		}
	}()
	w.processSession(ctx, sessionID)
}

func (w *Worker) processSession(ctx context.Context, sessionID string) {
	if !w.settings.GetBool("retitle_enable", true) {
		return
	}

	if !sleepOrDone(ctx, time.Duration(w.cfg.GraceMs)*time.Millisecond) {
		return
	}

	waited := 0
	backoff := w.cfg.ActiveBackoffStartMs
	if backoff <= 0 {
		backoff = 75
	}
	for w.active != nil && w.active(sessionID) && waited < w.cfg.ActiveBackoffTotalMs {
		if !sleepOrDone(ctx, time.Duration(backoff)*time.Millisecond) {
			return
		}
		waited += backoff
		backoff = minInt(int(float64(backoff)*growthOr(w.cfg.ActiveBackoffGrowth, 1.6)), maxOr(w.cfg.ActiveBackoffMaxMs, 600))
	}

	w.mu.Lock()
	j, ok := w.pending[sessionID]
	delete(w.pending, sessionID)
	delete(w.enqueued, sessionID)
	w.mu.Unlock()
	if !ok {
		return
	}

	if w.store != nil {
		if cur := w.store.CurrentSeq(sessionID); cur > j.jobSeq {
			w.logger.Printf("skip stale session=%s job_seq=%d current_seq=%d", sessionID, j.jobSeq, cur)
			return
		}
	}

	src := w.pickSource(j.messages)
	if strings.TrimSpace(src) == "" {
		return
	}

	w.logger.Printf("start session=%s job_seq=%d src=%q", sessionID, j.jobSeq, w.preview(src))

	hard := w.settings.GetString("retitle_llm_hard_prefix", defaultHardPrefix)
	sysInst := w.settings.GetString("retitle_llm_sys_inst", "")
	sys := strings.TrimSpace(hard + "\n\n" + sysInst)
	userText := w.settings.GetString("retitle_user_prefix", "") + src + w.settings.GetString("retitle_user_suffix", "")

	genCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	raw, err := w.gen.GenerateTitle(genCtx, sys, userText)
	cancel()
	if err != nil {
		w.logger.Printf("llm error session=%s: %v", sessionID, err)
		return
	}

	title := raw
	if w.settings.GetBool("retitle_enable_sanitize", true) {
		title = w.sanitizeTitle(raw)
	}
	title = strings.TrimRight(title, ".:;,- \t")
	if title == "" {
		return
	}

	w.logger.Printf("finish session=%s -> %q", sessionID, title)

	if w.store == nil {
		return
	}
	if existing, ok := w.store.Title(sessionID); ok && strings.TrimSpace(existing) == title {
		return
	}
	if err := w.store.SetTitle(sessionID, title); err != nil {
		w.logger.Printf("failed to persist title session=%s: %v", sessionID, err)
	}
}

const defaultHardPrefix = "You generate ultra-concise chat titles.\n" +
	"Rules: 2-5 words, Title Case, nouns/adjectives only.\n" +
	"No articles (a, an, the). No verbs. No punctuation. One line.\n" +
	"Output only the title."

// pickSource mirrors _pick_source: first substantial user message,
// falling back to the latest substantial assistant message.
func (w *Worker) pickSource(messages []engine.ChatMessage) string {
	minUserChars := w.settings.GetInt("retitle_min_user_chars", 3)
	for i := 0; i < len(messages); i++ {
		m := messages[i]
		if m.Role != "user" {
			continue
		}
		txt := strings.TrimSpace(m.Content)
		if len(txt) >= minUserChars && w.isSubstantial(txt) {
			return txt
		}
	}
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != "assistant" {
			continue
		}
		txt := strings.TrimSpace(m.Content)
		if w.isSubstantial(txt) {
			return txt
		}
	}
	return ""
}

var hasAlpha = regexp.MustCompile(`[A-Za-z]`)

func (w *Worker) isSubstantial(text string) bool {
	t := strings.TrimSpace(text)
	minChars := w.settings.GetInt("retitle_min_substantial_chars", 3)
	if len(t) < minChars {
		return false
	}
	if w.settings.GetBool("retitle_require_alpha", true) {
		return hasAlpha.MatchString(t)
	}
	return true
}

func (w *Worker) preview(s string) string {
	n := w.settings.GetInt("retitle_preview_chars", 80)
	ell := w.settings.GetString("retitle_preview_ellipsis", "...")
	if len(s) > n {
		return s[:n] + ell
	}
	return s
}

var collapseSpace = regexp.MustCompile(`\s+`)

// sanitizeTitle mirrors _sanitize_title: drop a leading "Title:"-style
// prefix, strip wrapping quotes, scrub disallowed characters, collapse
// whitespace, and cap to a max word/char count.
func (w *Worker) sanitizeTitle(s string) string {
	if s == "" {
		return ""
	}
	s = strings.TrimSpace(s)
	if w.dropPrefixRe != nil {
		s = w.dropPrefixRe.ReplaceAllString(s, "")
	}
	if w.settings.GetBool("retitle_sanitize_strip_quotes", true) {
		s = strings.Trim(strings.TrimSpace(s), `"'`)
		s = strings.TrimSpace(s)
	}
	if w.replaceNotAllowedRe != nil {
		s = w.replaceNotAllowedRe.ReplaceAllString(s, w.settings.GetString("retitle_sanitize_replace_with", ""))
	}
	s = strings.TrimSpace(collapseSpace.ReplaceAllString(s, " "))

	if maxWords := w.cfg.SanitizeMaxWords; maxWords > 0 {
		words := strings.Fields(s)
		if len(words) > maxWords {
			words = words[:maxWords]
		}
		s = strings.Join(words, " ")
	}
	if maxChars := w.cfg.SanitizeMaxChars; maxChars > 0 && len(s) > maxChars {
		s = strings.TrimSpace(s[:maxChars])
	}
	return s
}

// sleepOrDone waits for d, returning false early if ctx is cancelled first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func growthOr(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
