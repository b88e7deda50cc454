package contextmgr

import (
	"encoding/json"
	"math"

	"github.com/martinemde/sage/unifiedllm"
)

const (
	messageOverhead  = 4
	toolCallOverhead = 10
	schemaOverhead   = 20
	requestOverhead  = 10
)

// Usage is a snapshot of context consumption.
type Usage struct {
	CurrentTokens    int     `json:"current_tokens"`
	MaxTokens        int     `json:"max_tokens"`
	ThresholdTokens  int     `json:"threshold_tokens"`
	Percentage       float64 `json:"percentage"`
	MessageCount     int     `json:"message_count"`
	ApproachingLimit bool    `json:"approaching_limit"`
	OverLimit        bool    `json:"over_limit"`
}

// Estimator converts characters to tokens at a fixed ratio.
type Estimator struct {
	CharsPerToken float64
}

func (e Estimator) tokens(chars int) int {
	cpt := e.CharsPerToken
	if cpt <= 0 {
		cpt = 4.0
	}
	return int(math.Ceil(float64(chars) / cpt))
}

// Message estimates one message including role overhead.
func (e Estimator) Message(m unifiedllm.Message) int {
	n := messageOverhead
	for _, p := range m.Content {
		switch p.Kind {
		case unifiedllm.ContentText:
			n += e.tokens(len(p.Text))
		case unifiedllm.ContentThinking:
			if p.Thinking != nil {
				n += e.tokens(len(p.Thinking.Text))
			}
		case unifiedllm.ContentToolCall:
			if p.ToolCall != nil {
				n += e.tokens(len(p.ToolCall.Name)) + e.tokens(len(p.ToolCall.Arguments)) + toolCallOverhead
			}
		case unifiedllm.ContentToolResult:
			if p.ToolResult != nil {
				n += e.tokens(len(p.ToolResult.Content))
			}
		}
	}
	return n
}

// Messages sums Message over msgs.
func (e Estimator) Messages(msgs []unifiedllm.Message) int {
	total := 0
	for _, m := range msgs {
		total += e.Message(m)
	}
	return total
}

// Tools estimates tool schemas at their serialized length.
func (e Estimator) Tools(tools []unifiedllm.ToolDefinition) int {
	total := 0
	for _, t := range tools {
		params, _ := json.Marshal(t.Parameters)
		total += e.tokens(len(t.Name)) + e.tokens(len(t.Description)) + e.tokens(len(params)) + schemaOverhead
	}
	return total
}

// Request estimates a full provider request.
func (e Estimator) Request(msgs []unifiedllm.Message, tools []unifiedllm.ToolDefinition) int {
	return e.Messages(msgs) + e.Tools(tools) + requestOverhead
}
