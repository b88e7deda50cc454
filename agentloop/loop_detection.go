package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/martinemde/sage/unifiedllm"
)

// toolCallSignature computes a deterministic signature for a tool call
// (name + hash of arguments).
func toolCallSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(arguments)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// extractToolCallSignatures returns the signatures of the most recent count
// tool calls in chronological order.
func extractToolCallSignatures(history []unifiedllm.Message, count int) []string {
	var sigs []string
	for i := len(history) - 1; i >= 0 && len(sigs) < count; i-- {
		if history[i].Role != unifiedllm.RoleAssistant {
			continue
		}
		calls := history[i].ToolCalls()
		for j := len(calls) - 1; j >= 0 && len(sigs) < count; j-- {
			sigs = append(sigs, toolCallSignature(calls[j].Name, calls[j].Arguments))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop checks if the last windowSize tool calls follow a repeating
// pattern of length 1, 2, or 3.
func DetectLoop(history []unifiedllm.Message, windowSize int) bool {
	if windowSize <= 0 {
		return false
	}
	sigs := extractToolCallSignatures(history, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		pattern := sigs[:patternLen]
		allMatch := true
		for i := patternLen; i < windowSize && allMatch; i += patternLen {
			for j := 0; j < patternLen; j++ {
				if sigs[i+j] != pattern[j] {
					allMatch = false
					break
				}
			}
		}
		if allMatch {
			return true
		}
	}
	return false
}

const (
	repetitionWindow    = 3
	repetitionThreshold = 2
	repetitionMinLen    = 10
	repetitionKeyLen    = 200
)

// repetitionTracker remembers recent assistant texts. A text already seen
// repetitionThreshold times in the window means the model is stuck.
type repetitionTracker struct {
	recent []string
}

// observe records text and reports whether it is a repeat. Short texts are
// ignored since tool-only turns are often empty.
func (r *repetitionTracker) observe(text string) bool {
	text = strings.TrimSpace(text)
	if len(text) < repetitionMinLen {
		return false
	}
	key := text
	if runes := []rune(text); len(runes) > repetitionKeyLen {
		key = string(runes[:repetitionKeyLen])
	}

	seen := 0
	for _, o := range r.recent {
		if o == key {
			seen++
		}
	}
	if len(r.recent) >= repetitionWindow {
		r.recent = r.recent[1:]
	}
	r.recent = append(r.recent, key)
	return seen >= repetitionThreshold
}
