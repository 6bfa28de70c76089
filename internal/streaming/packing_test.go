package streaming

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ocx/core/internal/engine"
)

func TestPackMessages_BuildsPrologueAndBudget(t *testing.T) {
	cfg := DefaultPackingConfig()
	recent := []engine.ChatMessage{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	packed, budget := PackMessages(cfg, "you are helpful", "", recent, 4096, 512)

	assert.Equal(t, 4096-512-cfg.ReservedSystemTokens, budget)
	assert.Equal(t, "you are helpful", packed[0].Content)
	assert.Equal(t, recent, packed[1:])
}

func TestPackMessages_IncludesSummaryHeaderWhenPresent(t *testing.T) {
	cfg := DefaultPackingConfig()
	packed, _ := PackMessages(cfg, "sys", "earlier stuff", nil, 4096, 512)
	assert.True(t, strings.HasPrefix(packed[1].Content, cfg.SummaryHeaderPrefix))
	assert.Contains(t, packed[1].Content, "earlier stuff")
}

func TestRollSummaryIfNeeded_NoOverageLeavesPackedAlone(t *testing.T) {
	cfg := DefaultPackingConfig()
	recent := []engine.ChatMessage{{Role: "user", Content: "short"}}
	packed, budget := PackMessages(cfg, "sys", "", recent, 4096, 512)

	out, summary := RollSummaryIfNeeded(cfg, NewHeuristicSummarizer(cfg), packed, recent, "", budget, "sys")
	assert.Equal(t, "", summary)
	assert.Equal(t, packed, out)
}

func TestRollSummaryIfNeeded_PeelsOldestWhenOverBudget(t *testing.T) {
	cfg := DefaultPackingConfig()
	cfg.ModelCtx = 200
	cfg.OutBudget = 50
	cfg.ReservedSystemTokens = 10
	cfg.MinInputBudget = 1

	var recent []engine.ChatMessage
	for i := 0; i < 20; i++ {
		recent = append(recent, engine.ChatMessage{Role: "user", Content: strings.Repeat("word ", 40)})
	}
	packed, budget := PackMessages(cfg, "sys", "", recent, cfg.ModelCtx, cfg.OutBudget)

	out, summary := RollSummaryIfNeeded(cfg, NewHeuristicSummarizer(cfg), packed, recent, "", budget, "sys")

	assert.NotEmpty(t, summary)
	assert.True(t, strings.HasPrefix(out[1].Content, cfg.SummaryHeaderPrefix))
	assert.Less(t, countPromptTokens(cfg, out), countPromptTokens(cfg, packed))
}

func TestHeuristicSummarizer_DedupsAndCapsBullets(t *testing.T) {
	cfg := DefaultPackingConfig()
	h := NewHeuristicSummarizer(cfg)
	chunks := []engine.ChatMessage{
		{Role: "user", Content: "buy milk"},
		{Role: "user", Content: "buy milk"},
		{Role: "user", Content: ""},
	}
	out := h.Summarize(chunks)
	assert.Equal(t, 1, strings.Count(out, "buy milk"))
}

func TestCompressSummaryBlock_DedupesAndCaps(t *testing.T) {
	cfg := DefaultPackingConfig()
	s := "- one\n- two\n- one\n- three"
	out := compressSummaryBlock(cfg, s)
	assert.Equal(t, 1, strings.Count(out, "- one"))

	cfg.SummaryMaxChars = 6
	capped := compressSummaryBlock(cfg, s)
	assert.LessOrEqual(t, len(capped), cfg.SummaryMaxChars)
}
