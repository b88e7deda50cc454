package agentloop

import (
	"time"

	"github.com/martinemde/sage/unifiedllm"
)

// Metadata keys the loop stamps on messages it synthesizes.
const (
	MetaSteering  = "steering"
	MetaSynthetic = "synthetic"
)

// Turn is one assistant response plus the tool results it triggered.
type Turn struct {
	Step      int                `json:"step"`
	Timestamp time.Time          `json:"timestamp"`
	Assistant unifiedllm.Message `json:"assistant"`
	Results   []ToolResult       `json:"results,omitempty"`
	Usage     unifiedllm.Usage   `json:"usage"`
	Model     string             `json:"model,omitempty"`
	Provider  string             `json:"provider,omitempty"`
	// TimeToFirstToken is set for streamed turns.
	TimeToFirstToken time.Duration `json:"ttft,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// Text returns the assistant text of the turn.
func (t Turn) Text() string { return t.Assistant.TextContent() }

// ToolCalls returns the calls the assistant requested.
func (t Turn) ToolCalls() []unifiedllm.ToolCallData { return t.Assistant.ToolCalls() }

// NewSteeringMessage wraps an injected instruction. Steering is sent as a
// user message so the model treats it as additional instructions.
func NewSteeringMessage(content string) unifiedllm.Message {
	m := unifiedllm.UserMessage(content)
	m.Metadata = map[string]string{MetaSteering: "true"}
	return m
}

// IsSteering reports whether m was injected by Steer or loop detection.
func IsSteering(m unifiedllm.Message) bool {
	return m.Metadata[MetaSteering] == "true"
}

// syntheticUserMessage is a user message the loop wrote on the user's
// behalf, such as an answer relayed from the input channel.
func syntheticUserMessage(content string) unifiedllm.Message {
	m := unifiedllm.UserMessage(content)
	m.Metadata = map[string]string{MetaSynthetic: "true"}
	return m
}

// unansweredCalls returns the tool calls of the last assistant message that
// have no tool result after it.
func unansweredCalls(msgs []unifiedllm.Message) []unifiedllm.ToolCallData {
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == unifiedllm.RoleAssistant {
			last = i
			break
		}
	}
	if last < 0 {
		return nil
	}
	answered := make(map[string]bool)
	for _, m := range msgs[last+1:] {
		if m.Role == unifiedllm.RoleTool {
			answered[m.ToolCallID] = true
		}
	}
	var out []unifiedllm.ToolCallData
	for _, tc := range msgs[last].ToolCalls() {
		if !answered[tc.ID] {
			out = append(out, tc)
		}
	}
	return out
}
