package contextmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/sage/unifiedllm"
)

func smallConfig() Config {
	return Config{
		Enabled:                true,
		MaxContextTokens:       2000,
		ReservedForResponse:    200,
		PreserveRecentCount:    5,
		MinMessagesToKeep:      10,
		PreserveSystemMessages: true,
		TargetAfterCompact:     0.5,
		CharsPerToken:          4,
	}
}

// padded returns a 400-char text starting with label.
func padded(label string) string {
	return label + " " + strings.Repeat("x", 399-len(label))
}

func conversation(n int) []unifiedllm.Message {
	msgs := make([]unifiedllm.Message, 0, n)
	for i := range n {
		if i%2 == 0 {
			msgs = append(msgs, unifiedllm.UserMessage(padded(fmt.Sprintf("user prompt %02d", i))))
		} else {
			msgs = append(msgs, unifiedllm.AssistantMessage(padded(fmt.Sprintf("assistant reply %02d", i))))
		}
	}
	return msgs
}

func callMsg(ids ...string) unifiedllm.Message {
	m := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
	for _, id := range ids {
		m.Content = append(m.Content, unifiedllm.ToolCallPart(id, "read_file", json.RawMessage(`{"path":"a.go"}`)))
	}
	return m
}

func summaries(msgs []unifiedllm.Message) []unifiedllm.Message {
	var out []unifiedllm.Message
	for _, m := range msgs {
		if IsSummary(m) {
			out = append(out, m)
		}
	}
	return out
}

// assertToolPairs checks that every kept tool result has its call and every
// kept call has its result.
func assertToolPairs(t *testing.T, msgs []unifiedllm.Message) {
	t.Helper()
	calls := map[string]bool{}
	results := map[string]bool{}
	for _, m := range msgs {
		for _, tc := range m.ToolCalls() {
			calls[tc.ID] = true
		}
		if m.Role == unifiedllm.RoleTool {
			results[m.ToolCallID] = true
		}
	}
	for id := range results {
		assert.True(t, calls[id], "tool result %s kept without its call", id)
	}
}

func TestPrepareBelowThresholdIsNoop(t *testing.T) {
	m := New(smallConfig())
	msgs := conversation(4)

	out, res, err := m.Prepare(context.Background(), msgs, nil)
	require.NoError(t, err)
	assert.False(t, res.WasCompacted)
	assert.Equal(t, msgs, out)
	assert.Equal(t, 0, m.Stats().TotalCompactions)
}

func TestPrepareCompactsOverThreshold(t *testing.T) {
	cfg := smallConfig()
	m := New(cfg)
	msgs := conversation(20)

	before := m.Estimate(msgs, nil)
	require.GreaterOrEqual(t, before.CurrentTokens, cfg.ThresholdTokens()+100)

	out, res, err := m.Prepare(context.Background(), msgs, nil)
	require.NoError(t, err)
	require.True(t, res.WasCompacted)

	after := m.Estimate(out, nil)
	assert.LessOrEqual(t, after.CurrentTokens, cfg.TargetTokens())
	assert.Equal(t, after.CurrentTokens, res.TokensAfter)

	require.Len(t, out, 6)
	assert.Equal(t, msgs[len(msgs)-5:], out[1:], "recent messages kept byte-for-byte")

	summary := out[0]
	assert.Equal(t, unifiedllm.RoleUser, summary.Role)
	assert.True(t, IsSummary(summary))
	assert.True(t, strings.HasPrefix(summary.TextContent(), SummaryHeader))
	assert.Equal(t, ModeFallback, summary.Metadata[MetaMode])
	assert.Equal(t, "15", summary.Metadata[MetaMessagesCompacted])
	assert.NotEmpty(t, summary.Metadata[MetaCompactID])

	stats := m.Stats()
	assert.Equal(t, 1, stats.TotalCompactions)
	assert.Equal(t, 15, stats.TotalMessagesCompacted)
	assert.Equal(t, res.CompactID, stats.LastCompactID)
	assert.Positive(t, res.TokensSaved())
	assert.Less(t, res.CompressionRatio(), 1.0)
}

func TestPrepareDisabled(t *testing.T) {
	cfg := smallConfig()
	cfg.Enabled = false
	m := New(cfg)
	msgs := conversation(20)

	out, res, err := m.Prepare(context.Background(), msgs, nil)
	require.NoError(t, err)
	assert.False(t, res.WasCompacted)
	assert.Len(t, out, 20)
}

func TestCompactionPreservesSystemMessages(t *testing.T) {
	m := New(smallConfig())
	msgs := append([]unifiedllm.Message{unifiedllm.SystemMessage("you are sage")}, conversation(20)...)

	out, res, err := m.Prepare(context.Background(), msgs, nil)
	require.NoError(t, err)
	require.True(t, res.WasCompacted)
	assert.Equal(t, unifiedllm.RoleSystem, out[0].Role)
	assert.Equal(t, "you are sage", out[0].TextContent())
	assert.True(t, IsSummary(out[1]))
}

func TestCompactionKeepsToolPairsTogether(t *testing.T) {
	cfg := smallConfig()
	cfg.MinMessagesToKeep = 0
	m := New(cfg)

	msgs := conversation(6)
	msgs = append(msgs,
		callMsg("c1", "c2"),
		unifiedllm.ToolResultMessage("c1", "one", false),
		unifiedllm.ToolResultMessage("c2", "two", false),
		unifiedllm.AssistantMessage("done reading"),
		unifiedllm.UserMessage("next please"),
		unifiedllm.AssistantMessage("ok"),
	)
	// Keeping only five would start at the first tool result.
	out, res, err := m.ForceCompact(context.Background(), msgs, nil)
	require.NoError(t, err)
	require.True(t, res.WasCompacted)

	assertToolPairs(t, out)
	assert.Equal(t, msgs[6:], out[1:], "the call and both results stay together")
}

func TestCompactionKeepsUnansweredCalls(t *testing.T) {
	cfg := smallConfig()
	cfg.PreserveRecentCount = 2
	cfg.MinMessagesToKeep = 0
	m := New(cfg)

	msgs := []unifiedllm.Message{
		unifiedllm.UserMessage("please look at the repository layout"),
		unifiedllm.AssistantMessage("sure, starting"),
		callMsg("pending"),
		unifiedllm.UserMessage("also check the tests directory"),
		unifiedllm.AssistantMessage("will do"),
		unifiedllm.UserMessage("thanks a lot for that"),
		unifiedllm.AssistantMessage("any time"),
	}
	out, res, err := m.ForceCompact(context.Background(), msgs, nil)
	require.NoError(t, err)
	require.True(t, res.WasCompacted)
	assert.Equal(t, 2, res.MessagesCompacted)
	assert.Equal(t, msgs[2:], out[1:])
}

func TestCompactionNothingToSummarize(t *testing.T) {
	m := New(smallConfig())
	msgs := conversation(3)

	out, res, err := m.ForceCompact(context.Background(), msgs, nil)
	require.NoError(t, err)
	assert.False(t, res.WasCompacted)
	assert.Equal(t, msgs, out)
	assert.Equal(t, 1, m.Stats().Skipped)
}

func TestCompactionWarnsWhenRecentMessagesExceedTarget(t *testing.T) {
	var logs bytes.Buffer
	cfg := smallConfig()
	m := New(cfg, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	msgs := conversation(20)
	for i := len(msgs) - 5; i < len(msgs); i++ {
		msgs[i] = unifiedllm.UserMessage(strings.Repeat("y", 2000))
	}

	out, res, err := m.Prepare(context.Background(), msgs, nil)
	require.NoError(t, err)
	require.True(t, res.WasCompacted)
	assert.Equal(t, msgs[len(msgs)-5:], out[len(out)-5:], "recent messages are never rewritten")
	assert.True(t, res.OverTarget)
	assert.Greater(t, res.TokensAfter, cfg.TargetTokens())
	assert.Contains(t, logs.String(), "context still over target after compaction")

	_, res, err = New(cfg).Prepare(context.Background(), conversation(20), nil)
	require.NoError(t, err)
	assert.False(t, res.OverTarget)
}

func TestCompactionUsesSummarizer(t *testing.T) {
	cfg := smallConfig()
	cfg.MaxContextTokens = 100_000
	var prompt string
	m := New(cfg, WithSummarizer(SummarizerFunc(func(_ context.Context, p string) (string, error) {
		prompt = p
		return "<analysis>thinking</analysis>\n<summary>The gist of it.</summary>", nil
	})))

	out, res, err := m.CompactWithInstructions(context.Background(), conversation(20), nil, "Focus on tests.")
	require.NoError(t, err)
	require.True(t, res.WasCompacted)
	assert.Equal(t, ModeLLM, res.Mode)

	text := out[0].TextContent()
	assert.Contains(t, text, "The gist of it.")
	assert.NotContains(t, text, "<analysis>")
	assert.Contains(t, text, "## User Prompts")
	assert.Contains(t, text, "- "+padded("user prompt 00"))

	assert.Contains(t, prompt, "Focus on tests.")
	assert.Contains(t, prompt, "CONVERSATION TO SUMMARIZE:")
	assert.Contains(t, prompt, "[USER]: user prompt 00")
	assert.Equal(t, "The gist of it.", res.SummaryPreview)
}

func TestCompactionFallsBackWhenSummarizerFails(t *testing.T) {
	m := New(smallConfig(), WithSummarizer(SummarizerFunc(func(context.Context, string) (string, error) {
		return "", errors.New("provider down")
	})))

	out, res, err := m.Prepare(context.Background(), conversation(20), nil)
	require.NoError(t, err)
	require.True(t, res.WasCompacted)
	assert.Equal(t, ModeFallback, res.Mode)
	assert.Contains(t, out[0].TextContent(), "## Overview")
}

func TestCompactionPropagatesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := New(smallConfig(), WithSummarizer(SummarizerFunc(func(ctx context.Context, _ string) (string, error) {
		cancel()
		return "", ctx.Err()
	})))

	_, _, err := m.Prepare(ctx, conversation(20), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompactionFoldsPreviousSummary(t *testing.T) {
	cfg := smallConfig()
	cfg.MaxContextTokens = 100_000
	cfg.MinMessagesToKeep = 0
	m := New(cfg)

	first, _, err := m.ForceCompact(context.Background(), conversation(10), nil)
	require.NoError(t, err)
	require.Len(t, summaries(first), 1)

	more := append(first,
		unifiedllm.UserMessage("second round of work begins"),
		unifiedllm.AssistantMessage("on it"),
		unifiedllm.UserMessage("and a follow-up question"),
		unifiedllm.AssistantMessage("answered"),
		unifiedllm.UserMessage("final nudge for this round"),
		unifiedllm.AssistantMessage("done"),
	)
	second, res, err := m.ForceCompact(context.Background(), more, nil)
	require.NoError(t, err)
	require.True(t, res.WasCompacted)

	folded := summaries(second)
	require.Len(t, folded, 1)
	assert.Equal(t, "11", folded[0].Metadata[MetaMessagesCompacted])

	var prompts []string
	require.NoError(t, json.Unmarshal([]byte(folded[0].Metadata[MetaPrompts]), &prompts))
	assert.Equal(t, padded("user prompt 00"), prompts[0])
	assert.Contains(t, prompts, "second round of work begins")
	assert.Equal(t, 2, m.Stats().TotalCompactions)
}

func TestLastBoundary(t *testing.T) {
	msgs := conversation(3)
	assert.Equal(t, -1, LastBoundary(msgs))

	s := unifiedllm.UserMessage("summary")
	s.Metadata = map[string]string{MetaSummary: "true"}
	msgs = append(msgs, s, unifiedllm.UserMessage("after"))
	assert.Equal(t, 3, LastBoundary(msgs))
}
