// Package streaming implements the streaming bridge (C6): message packing
// with bounded roll-up summarization, the generation semaphore, and the
// byte-proxy bridge that relays the worker's token stream and RUNJSON
// trailer. Packing is grounded
// on original_source/file_read/core/packing_ops.py and
// packing_memory_core.py.
package streaming

import (
	"math"
	"strings"

	"github.com/ocx/core/internal/engine"
)

// PackingConfig mirrors config.PackingConfig plus the token-estimation
// constants packing_memory_core.py reads off its settings cache.
type PackingConfig struct {
	ModelCtx             int
	OutBudget            int
	ReservedSystemTokens int
	MinInputBudget       int
	CharsPerToken        int
	PerMessageOverhead   int

	RollupSkipThreshold float64 // carried from config; RollSummaryIfNeeded does not read it, so any overage triggers a roll-up
	RollupMinPeel       int
	RollupMaxPeel       int
	RollupPeelRatio     float64
	SummaryMaxChars     int
	SummaryShrinkRatio  float64
	SummaryFloorChars   int

	SummaryHeaderPrefix string
	BulletPrefix        string
	HeuristicMaxBullets int
	HeuristicMaxWords   int
}

// DefaultPackingConfig returns sane defaults mirroring the source's
// settings-cache keys, used when the caller doesn't override via
// internal/settings.
func DefaultPackingConfig() PackingConfig {
	return PackingConfig{
		ModelCtx:             4096,
		OutBudget:            512,
		ReservedSystemTokens: 256,
		MinInputBudget:       512,
		CharsPerToken:        4,
		PerMessageOverhead:   4,
		RollupSkipThreshold:  1.1,
		RollupMinPeel:        3,
		RollupMaxPeel:        12,
		RollupPeelRatio:      0.2,
		SummaryMaxChars:      4000,
		SummaryShrinkRatio:   0.5,
		SummaryFloorChars:    200,
		SummaryHeaderPrefix:  "Conversation summary so far:\n",
		BulletPrefix:         "- ",
		HeuristicMaxBullets:  8,
		HeuristicMaxWords:    24,
	}
}

// Summarizer condenses a run of peeled messages into a short bullet block.
// The default implementation is heuristic/extractive only (spec §9 design
// note: model-backed summarization against a second worker is explicitly
// out of scope); this is an extension point for a future LLM-backed one.
type Summarizer interface {
	Summarize(chunks []engine.ChatMessage) string
}

// HeuristicSummarizer implements packing_memory_core.py's _heuristic_bullets.
type HeuristicSummarizer struct {
	cfg PackingConfig
}

func NewHeuristicSummarizer(cfg PackingConfig) *HeuristicSummarizer {
	return &HeuristicSummarizer{cfg: cfg}
}

func (h *HeuristicSummarizer) Summarize(chunks []engine.ChatMessage) string {
	var bullets []string
	seen := make(map[string]struct{})
	for _, m := range chunks {
		txt := strings.Join(strings.Fields(m.Content), " ")
		if txt == "" {
			continue
		}
		words := strings.Fields(txt)
		if len(words) > h.cfg.HeuristicMaxWords {
			words = words[:h.cfg.HeuristicMaxWords]
		}
		snippet := strings.Join(words, " ")
		key := strings.ToLower(snippet)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if snippet == "" {
			bullets = append(bullets, strings.TrimSpace(h.cfg.BulletPrefix))
		} else {
			bullets = append(bullets, h.cfg.BulletPrefix+snippet)
		}
		if len(bullets) >= h.cfg.HeuristicMaxBullets {
			break
		}
	}
	if len(bullets) == 0 {
		return strings.TrimSpace(h.cfg.BulletPrefix)
	}
	return strings.Join(bullets, "\n")
}

func approxTokens(cfg PackingConfig, text string) int {
	cpt := cfg.CharsPerToken
	if cpt <= 0 {
		cpt = 4
	}
	n := int(math.Ceil(float64(len(text)) / float64(cpt)))
	if n < 1 {
		n = 1
	}
	return n
}

func countPromptTokens(cfg PackingConfig, msgs []engine.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += approxTokens(cfg, m.Content) + cfg.PerMessageOverhead
	}
	return total
}

// PackMessages builds the prologue (system text + optional summary block)
// followed by the recent message window, mirroring pack_messages().
func PackMessages(cfg PackingConfig, systemText, summary string, recent []engine.ChatMessage, maxCtx, outBudget int) ([]engine.ChatMessage, int) {
	modelCtx := maxCtx
	if modelCtx <= 0 {
		modelCtx = cfg.ModelCtx
	}
	genBudget := outBudget
	if genBudget <= 0 {
		genBudget = cfg.OutBudget
	}
	inputBudget := modelCtx - genBudget - cfg.ReservedSystemTokens
	if inputBudget < cfg.MinInputBudget {
		inputBudget = cfg.MinInputBudget
	}

	packed := []engine.ChatMessage{{Role: "user", Content: systemText}}
	if summary != "" {
		packed = append(packed, engine.ChatMessage{Role: "user", Content: cfg.SummaryHeaderPrefix + summary})
	}
	packed = append(packed, recent...)
	return packed, inputBudget
}

// RollSummaryIfNeeded peels the oldest recent messages into a rolling
// summary once the packed prompt overruns inputBudget at all (cfg's
// RollupSkipThreshold is not consulted), then applies the final safety
// trim. Mirrors roll_summary_if_needed().
func RollSummaryIfNeeded(cfg PackingConfig, summarizer Summarizer, packed []engine.ChatMessage, recent []engine.ChatMessage, summary string, inputBudget int, systemText string) ([]engine.ChatMessage, string) {
	startTokens := countPromptTokens(cfg, packed)
	overage := startTokens - inputBudget

	if overage <= 0 {
		return finalSafetyTrim(cfg, packed, inputBudget), summary
	}

	if len(recent) > 6 {
		target := maxInt(cfg.RollupMinPeel, minInt(cfg.RollupMaxPeel, int(math.Ceil(float64(len(recent))*cfg.RollupPeelRatio))))
		if target > len(recent) {
			target = len(recent)
		}
		peel := recent[:target]
		remaining := recent[target:]

		newSummary := summarizer.Summarize(peel)
		if strings.HasPrefix(newSummary, cfg.BulletPrefix) && summary != "" {
			summary = strings.TrimSpace(summary + "\n" + newSummary)
		} else {
			summary = newSummary
		}
		summary = compressSummaryBlock(cfg, summary)

		packed = []engine.ChatMessage{
			{Role: "user", Content: systemText},
			{Role: "user", Content: cfg.SummaryHeaderPrefix + summary},
		}
		packed = append(packed, remaining...)
	}

	packed = finalSafetyTrim(cfg, packed, inputBudget)
	return packed, summary
}

// finalSafetyTrim mirrors _final_safety_trim(): drop messages after the
// head (system + optional summary), then shrink the summary block, then
// drop it outright, until the packed prompt fits inputBudget.
func finalSafetyTrim(cfg PackingConfig, packed []engine.ChatMessage, inputBudget int) []engine.ChatMessage {
	toks := func() int { return countPromptTokens(cfg, packed) }

	keepHead := 1
	if len(packed) >= 2 && strings.HasPrefix(packed[1].Content, cfg.SummaryHeaderPrefix) {
		keepHead = 2
	}

	for toks() > inputBudget && len(packed) > keepHead+1 {
		packed = append(packed[:keepHead], packed[keepHead+1:]...)
	}

	if toks() > inputBudget && keepHead == 2 && len(packed) >= 2 {
		txt := packed[1].Content
		n := maxInt(cfg.SummaryFloorChars, int(float64(len(txt))*cfg.SummaryShrinkRatio))
		if n < len(txt) {
			packed[1].Content = txt[len(txt)-n:]
		}
	}

	if toks() > inputBudget && keepHead == 2 && len(packed) >= 2 {
		packed = append(packed[:1], packed[2:]...)
	}

	for toks() > inputBudget && len(packed) > 2 {
		idx := 2
		if len(packed) <= 3 {
			idx = 1
		}
		packed = append(packed[:idx], packed[idx+1:]...)
	}

	return packed
}

func compressSummaryBlock(cfg PackingConfig, s string) string {
	lines := strings.Split(s, "\n")
	seen := make(map[string]struct{})
	var out []string
	for _, ln := range lines {
		ln = strings.TrimSpace(ln)
		if !strings.HasPrefix(ln, cfg.BulletPrefix) {
			continue
		}
		norm := strings.ToLower(strings.Join(strings.Fields(ln[len(cfg.BulletPrefix):]), " "))
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, ln)
	}
	text := strings.Join(out, "\n")
	if len(text) <= cfg.SummaryMaxChars {
		return text
	}
	var kept []string
	total := 0
	for i := len(out) - 1; i >= 0; i-- {
		ln := out[i]
		if total+len(ln)+1 > cfg.SummaryMaxChars {
			break
		}
		kept = append([]string{ln}, kept...)
		total += len(ln) + 1
	}
	return strings.Join(kept, "\n")
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
