package contextmgr

import (
	"context"
	"fmt"
	"strings"

	"github.com/martinemde/sage/unifiedllm"
)

// SummaryHeader opens every compaction summary message.
const SummaryHeader = "# Previous Conversation Summary"

const summaryPrompt = `Summarize the conversation so far so that the work can continue without it.
Be thorough about technical detail: file names, code snippets, function signatures, edits made, commands run and their results.

Think it through inside <analysis> tags first, then write the summary inside <summary> tags with these sections:

1. Primary Request and Intent
2. Key Technical Concepts
3. Files and Code Sections
4. Errors and Fixes
5. Problem Solving
6. All User Messages (every user message that is not a tool result)
7. Pending Tasks
8. Current Work (what was happening immediately before this summary)
9. Next Step (only if it follows directly from the most recent request; quote the request verbatim)`

// Summarizer produces a summary from a fully rendered prompt.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, prompt string) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// ChatClient is the subset of unifiedllm.Client used for summarization.
type ChatClient interface {
	Chat(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)
}

// LLMSummarizer asks a model for the summary with a single user message.
type LLMSummarizer struct {
	client   ChatClient
	provider string
	model    string
}

// NewLLMSummarizer creates a summarizer. Empty provider and model use the
// client's defaults.
func NewLLMSummarizer(client ChatClient, provider, model string) *LLMSummarizer {
	return &LLMSummarizer{client: client, provider: provider, model: model}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	resp, err := s.client.Chat(ctx, unifiedllm.Request{
		Provider: s.provider,
		Model:    s.model,
		Messages: []unifiedllm.Message{unifiedllm.UserMessage(prompt)},
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// BuildPrompt renders the summarization request for msgs.
func BuildPrompt(msgs []unifiedllm.Message, instructions string) string {
	var sb strings.Builder
	sb.WriteString(summaryPrompt)
	if instructions != "" {
		sb.WriteString("\n\n## Additional Instructions\n")
		sb.WriteString(instructions)
	}
	sb.WriteString("\n\n---\nCONVERSATION TO SUMMARIZE:\n")
	sb.WriteString(formatConversation(msgs))
	sb.WriteString("\n---")
	return sb.String()
}

func formatConversation(msgs []unifiedllm.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == unifiedllm.RoleSystem {
			continue
		}
		info := ""
		if calls := m.ToolCalls(); len(calls) > 0 {
			names := make([]string, len(calls))
			for i, c := range calls {
				names[i] = c.Name
			}
			info = " [Tools: " + strings.Join(names, ", ") + "]"
		} else if m.ToolCallID != "" {
			info = " [Response to: " + m.ToolCallID + "]"
		}
		content := m.TextContent()
		if m.Role == unifiedllm.RoleTool {
			content = m.ToolResultText()
		}
		parts = append(parts, fmt.Sprintf("[%s%s]: %s", strings.ToUpper(string(m.Role)), info, truncate(content, 1000)))
	}
	return strings.Join(parts, "\n\n")
}

// ExtractSummary returns the text inside <summary> tags, or the whole
// response when the tags are missing.
func ExtractSummary(response string) string {
	start := strings.Index(response, "<summary>")
	end := strings.Index(response, "</summary>")
	if start >= 0 && end > start+len("<summary>") {
		return strings.TrimSpace(response[start+len("<summary>") : end])
	}
	return strings.TrimSpace(response)
}

// SimpleSummary is the deterministic fallback used when no summarizer is
// configured or the summarizer fails.
func SimpleSummary(msgs []unifiedllm.Message) string {
	var users, assistants, tools int
	var lines []string
	for _, m := range msgs {
		switch m.Role {
		case unifiedllm.RoleUser:
			if IsSummary(m) {
				continue
			}
			users++
			first, _, _ := strings.Cut(m.TextContent(), "\n")
			if len(first) > 10 && len(lines) < 10 {
				lines = append(lines, "- "+truncate(first, 100))
			}
		case unifiedllm.RoleAssistant:
			assistants++
		case unifiedllm.RoleTool:
			tools++
		}
	}
	if len(lines) == 0 {
		lines = []string{"- (No significant user messages captured)"}
	}
	return fmt.Sprintf("## Overview\n- %d user messages\n- %d assistant responses\n- %d tool interactions\n\n## User Messages\n%s",
		users, assistants, tools, strings.Join(lines, "\n"))
}

func renderSummary(body string, prompts []string, compacted int, mode string) string {
	var sb strings.Builder
	sb.WriteString(SummaryHeader)
	sb.WriteString("\n\n")
	sb.WriteString(body)
	if len(prompts) > 0 {
		sb.WriteString("\n\n## User Prompts\n")
		for _, p := range prompts {
			sb.WriteString("- ")
			sb.WriteString(strings.ReplaceAll(p, "\n", "\n  "))
			sb.WriteString("\n")
		}
	} else {
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\n---\n*Summarized %d messages via auto-compact (%s)*", compacted, mode)
	return sb.String()
}

// truncate cuts s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:max(n-3, 0)]) + "..."
}
