package contextmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/sage/unifiedllm"
)

// Metadata keys stamped on a summary message.
const (
	MetaSummary           = "compact_summary"
	MetaCompactID         = "compact_id"
	MetaCompactTimestamp  = "compact_timestamp"
	MetaMessagesCompacted = "messages_compacted"
	MetaPrompts           = "compact_prompts"
	MetaMode              = "compact_mode"
)

// Summary modes.
const (
	ModeLLM      = "llm"
	ModeFallback = "fallback"
)

const summaryPreviewLen = 200

// CompactResult describes one compaction attempt.
type CompactResult struct {
	WasCompacted      bool      `json:"was_compacted"`
	MessagesBefore    int       `json:"messages_before"`
	MessagesAfter     int       `json:"messages_after"`
	TokensBefore      int       `json:"tokens_before"`
	TokensAfter       int       `json:"tokens_after"`
	MessagesCompacted int       `json:"messages_compacted"`
	CompactedAt       time.Time `json:"compacted_at,omitzero"`
	SummaryPreview    string    `json:"summary_preview,omitempty"`
	CompactID         string    `json:"compact_id,omitempty"`
	Mode              string    `json:"mode,omitempty"`
	// OverTarget is set when the kept recent messages alone leave the
	// context above the compaction target.
	OverTarget        bool      `json:"over_target,omitempty"`
}

// TokensSaved is the estimated reduction.
func (r CompactResult) TokensSaved() int {
	return max(r.TokensBefore-r.TokensAfter, 0)
}

// CompressionRatio is TokensAfter / TokensBefore, or 1 when nothing was
// measured.
func (r CompactResult) CompressionRatio() float64 {
	if r.TokensBefore == 0 {
		return 1
	}
	return float64(r.TokensAfter) / float64(r.TokensBefore)
}

// IsSummary reports whether m is a compaction summary.
func IsSummary(m unifiedllm.Message) bool {
	return m.Metadata[MetaSummary] == "true"
}

// LastBoundary returns the index of the most recent summary message, or -1.
func LastBoundary(msgs []unifiedllm.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if IsSummary(msgs[i]) {
			return i
		}
	}
	return -1
}

// Compactor replaces the older part of a conversation with a summary.
type Compactor struct {
	cfg        Config
	est        Estimator
	summarizer Summarizer
	logger     *slog.Logger
	now        func() time.Time
}

// NewCompactor creates a compactor. A nil summarizer always produces the
// deterministic summary.
func NewCompactor(cfg Config, summarizer Summarizer, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		cfg:        cfg,
		est:        Estimator{CharsPerToken: cfg.CharsPerToken},
		summarizer: summarizer,
		logger:     logger,
		now:        time.Now,
	}
}

// Compact rewrites msgs. overhead is the token cost outside the message
// list (tool schemas, request framing) counted against the target.
// The returned slice shares no backing array with msgs.
func (c *Compactor) Compact(ctx context.Context, msgs []unifiedllm.Message, overhead int, instructions string) ([]unifiedllm.Message, CompactResult, error) {
	res := CompactResult{
		MessagesBefore: len(msgs),
		MessagesAfter:  len(msgs),
		TokensBefore:   c.est.Messages(msgs) + overhead,
	}
	res.TokensAfter = res.TokensBefore

	start := max(LastBoundary(msgs), 0)
	prefix, active := msgs[:start], msgs[start:]
	cut := c.partition(active, overhead)

	var systems, compactible []unifiedllm.Message
	var previous *unifiedllm.Message
	fresh := 0
	for i := range active[:cut] {
		m := active[i]
		switch {
		case m.Role == unifiedllm.RoleSystem && c.cfg.PreserveSystemMessages:
			systems = append(systems, m)
		case IsSummary(m):
			previous = &active[i]
			compactible = append(compactible, m)
		default:
			fresh++
			compactible = append(compactible, m)
		}
	}

	c.logger.Debug("compaction check",
		"messages", len(msgs),
		"boundary", start,
		"compactible", len(compactible),
		"kept", len(active)-cut,
		"tokens", res.TokensBefore,
		"target", c.cfg.TargetTokens(),
	)
	if fresh == 0 {
		c.logger.Debug("compaction skipped: nothing new to summarize")
		return msgs, res, nil
	}

	prompts := carriedPrompts(previous)
	for _, m := range compactible {
		if m.Role == unifiedllm.RoleUser && !IsSummary(m) {
			if text := m.TextContent(); text != "" {
				prompts = append(prompts, text)
			}
		}
	}

	body, mode, err := c.summarize(ctx, compactible, instructions)
	if err != nil {
		return nil, res, err
	}

	total := len(compactible)
	if previous != nil {
		prev, _ := strconv.Atoi(previous.Metadata[MetaMessagesCompacted])
		total += prev - 1
	}

	id := uuid.NewString()
	at := c.now().UTC()
	build := func(body string, prompts []string) []unifiedllm.Message {
		summary := unifiedllm.UserMessage(renderSummary(body, prompts, total, mode))
		encoded, _ := json.Marshal(prompts)
		summary.Metadata = map[string]string{
			MetaSummary:           "true",
			MetaCompactID:         id,
			MetaCompactTimestamp:  at.Format(time.RFC3339),
			MetaMessagesCompacted: strconv.Itoa(total),
			MetaPrompts:           string(encoded),
			MetaMode:              mode,
		}
		out := make([]unifiedllm.Message, 0, len(prefix)+len(systems)+1+len(active)-cut)
		out = append(out, prefix...)
		out = append(out, systems...)
		out = append(out, summary)
		return append(out, active[cut:]...)
	}

	target := c.cfg.TargetTokens()
	out := build(body, prompts)
	for len(prompts) > 0 && c.est.Messages(out)+overhead > target {
		prompts = prompts[1:]
		out = build(body, prompts)
	}
	for c.est.Messages(out)+overhead > target && body != "" {
		excess := c.est.Messages(out) + overhead - target
		runes := []rune(body)
		keep := len(runes) - int(math.Ceil(float64(excess)*c.charsPerToken())) - 32
		if keep <= 0 {
			body = ""
		} else {
			body = string(runes[:keep]) + "\n... (summary truncated)"
		}
		out = build(body, prompts)
	}

	res.WasCompacted = true
	res.MessagesAfter = len(out)
	res.TokensAfter = c.est.Messages(out) + overhead
	res.MessagesCompacted = len(compactible)
	res.CompactedAt = at
	res.SummaryPreview = truncate(body, summaryPreviewLen)
	res.CompactID = id
	res.Mode = mode
	res.OverTarget = res.TokensAfter > target

	if res.OverTarget {
		c.logger.Warn("context still over target after compaction",
			"compact_id", id,
			"tokens_after", res.TokensAfter,
			"target", target,
			"kept", len(active)-cut,
		)
	}
	c.logger.Info("context compacted",
		"compact_id", id,
		"mode", mode,
		"messages_before", res.MessagesBefore,
		"messages_after", res.MessagesAfter,
		"tokens_before", res.TokensBefore,
		"tokens_after", res.TokensAfter,
	)
	return out, res, nil
}

func (c *Compactor) charsPerToken() float64 {
	if c.cfg.CharsPerToken <= 0 {
		return 4.0
	}
	return c.cfg.CharsPerToken
}

func (c *Compactor) summarize(ctx context.Context, msgs []unifiedllm.Message, instructions string) (string, string, error) {
	if c.summarizer == nil {
		return SimpleSummary(msgs), ModeFallback, nil
	}
	resp, err := c.summarizer.Summarize(ctx, BuildPrompt(msgs, instructions))
	if err != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		c.logger.Warn("summarization failed, using fallback summary",
			"error", unifiedllm.SanitizeError(err))
		return SimpleSummary(msgs), ModeFallback, nil
	}
	body := ExtractSummary(resp)
	if body == "" {
		c.logger.Warn("summarizer returned empty summary, using fallback summary")
		return SimpleSummary(msgs), ModeFallback, nil
	}
	return body, ModeLLM, nil
}

// partition returns the index in active before which messages may be
// compacted. Messages at or after the cut are kept verbatim.
func (c *Compactor) partition(active []unifiedllm.Message, overhead int) int {
	cut := max(len(active)-c.cfg.PreserveRecentCount, 0)
	cut = c.settle(active, cut)

	half := c.cfg.TargetTokens() / 2
	for len(active)-cut < c.cfg.MinMessagesToKeep && cut > 0 {
		next := c.settle(active, cut-1)
		if next >= cut || c.est.Messages(active[next:])+overhead > half {
			break
		}
		cut = next
	}
	return cut
}

// settle moves cut backwards until no kept tool result answers a
// compacted call and no compacted assistant message has calls still
// owed a reply.
func (c *Compactor) settle(active []unifiedllm.Message, cut int) int {
	issuer := make(map[string]int)
	answered := make(map[string]bool)
	for i, m := range active {
		for _, tc := range m.ToolCalls() {
			issuer[tc.ID] = i
		}
		if m.Role == unifiedllm.RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}

	for {
		for cut > 0 && cut < len(active) && active[cut].Role == unifiedllm.RoleTool {
			cut--
		}
		moved := false
		for i := cut; i < len(active); i++ {
			if active[i].Role != unifiedllm.RoleTool {
				continue
			}
			if j, ok := issuer[active[i].ToolCallID]; ok && j < cut {
				cut, moved = j, true
			}
		}
		for i := 0; i < cut; i++ {
			for _, tc := range active[i].ToolCalls() {
				if !answered[tc.ID] {
					cut, moved = i, true
					break
				}
			}
			if moved {
				break
			}
		}
		if !moved {
			return cut
		}
	}
}

func carriedPrompts(previous *unifiedllm.Message) []string {
	if previous == nil {
		return nil
	}
	var prompts []string
	if raw := previous.Metadata[MetaPrompts]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &prompts); err != nil {
			return nil
		}
	}
	return prompts
}

func (r CompactResult) String() string {
	if !r.WasCompacted {
		return "not compacted"
	}
	return fmt.Sprintf("compacted %d messages (%d -> %d tokens, %s)",
		r.MessagesCompacted, r.TokensBefore, r.TokensAfter, r.Mode)
}
