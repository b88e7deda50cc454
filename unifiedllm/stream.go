package unifiedllm

import (
	"encoding/json"
	"strings"
	"time"
)

// StreamAccumulator assembles streamed chunks into a Response and records
// time-to-first-token.
type StreamAccumulator struct {
	start      time.Time
	firstToken time.Time
	text       strings.Builder
	reasoning  strings.Builder
	calls      []*ToolCall
	byID       map[string]*ToolCall
	finish     FinishReason
	usage      Usage
	final      *Response
	err        error
}

// NewStreamAccumulator starts timing at the moment of the call.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{start: time.Now(), byID: make(map[string]*ToolCall)}
}

// Add folds one event into the accumulated state.
func (a *StreamAccumulator) Add(ev StreamEvent) {
	switch ev.Type {
	case TextDelta:
		if ev.Delta != "" {
			a.markFirstToken()
			a.text.WriteString(ev.Delta)
		}
	case ReasoningDelta:
		a.markFirstToken()
		a.reasoning.WriteString(ev.Delta)
	case ToolCallStart, ToolCallDelta, ToolCallEnd:
		if ev.ToolCall != nil {
			a.markFirstToken()
			a.mergeToolCall(ev)
		}
	case StreamFinish:
		if ev.FinishReason != nil {
			a.finish = *ev.FinishReason
		}
		if ev.Usage != nil {
			a.usage = *ev.Usage
		}
		if ev.Response != nil {
			a.final = ev.Response
		}
	case StreamError:
		a.err = ev.Error
	}
}

func (a *StreamAccumulator) markFirstToken() {
	if a.firstToken.IsZero() {
		a.firstToken = time.Now()
	}
}

func (a *StreamAccumulator) mergeToolCall(ev StreamEvent) {
	tc := ev.ToolCall
	var cur *ToolCall
	if tc.ID != "" {
		cur = a.byID[tc.ID]
	} else if ev.Index >= 0 && ev.Index < len(a.calls) {
		cur = a.calls[ev.Index]
	}
	if cur == nil {
		cur = &ToolCall{ID: tc.ID, Name: tc.Name}
		a.calls = append(a.calls, cur)
		if tc.ID != "" {
			a.byID[tc.ID] = cur
		}
	}
	if tc.Name != "" {
		cur.Name = tc.Name
	}
	cur.RawArguments += tc.RawArguments
	if len(tc.Arguments) > 0 {
		cur.Arguments = tc.Arguments
	}
}

// TimeToFirstToken is zero until content has arrived.
func (a *StreamAccumulator) TimeToFirstToken() time.Duration {
	if a.firstToken.IsZero() {
		return 0
	}
	return a.firstToken.Sub(a.start)
}

// Err returns the stream error, if one was received.
func (a *StreamAccumulator) Err() error { return a.err }

// Response returns the assembled response. A finish event carrying a full
// Response takes precedence over the accumulated deltas.
func (a *StreamAccumulator) Response() *Response {
	if a.final != nil {
		return a.final
	}
	msg := Message{Role: RoleAssistant}
	if a.reasoning.Len() > 0 {
		msg.Content = append(msg.Content, ThinkingPart(a.reasoning.String(), ""))
	}
	if a.text.Len() > 0 {
		msg.Content = append(msg.Content, TextPart(a.text.String()))
	}
	for _, tc := range a.calls {
		args := tc.Arguments
		if len(args) == 0 {
			raw := strings.TrimSpace(tc.RawArguments)
			if raw == "" {
				raw = "{}"
			}
			args = json.RawMessage(raw)
		}
		msg.Content = append(msg.Content, ToolCallPart(tc.ID, tc.Name, args))
	}
	finish := a.finish
	if finish.Reason == "" {
		finish.Reason = "stop"
		if len(a.calls) > 0 {
			finish.Reason = "tool_calls"
		}
	}
	return &Response{Message: msg, FinishReason: finish, Usage: a.usage}
}
