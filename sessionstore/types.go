// Package sessionstore persists conversations as an append-only JSONL log
// with a JSON header per session, plus file-snapshot checkpoints for undo.
//
// Layout:
//
//	<root>/<session-id>/
//	    metadata.json
//	    messages.jsonl
//	    snapshots/
//	        <checkpoint-id>.json
//	        content/<hash>
package sessionstore

import (
	"time"

	"github.com/martinemde/sage/agenterr"
	"github.com/martinemde/sage/contextmgr"
	"github.com/martinemde/sage/unifiedllm"
)

// Version is written to every header.
const Version = "1"

// Sentinel errors. Each carries agenterr.KindNotFound.
var (
	ErrSessionNotFound    = &agenterr.Error{Kind: agenterr.KindNotFound, Op: "sessionstore", Message: "session not found"}
	ErrMessageNotFound    = &agenterr.Error{Kind: agenterr.KindNotFound, Op: "sessionstore", Message: "message not found"}
	ErrCheckpointNotFound = &agenterr.Error{Kind: agenterr.KindNotFound, Op: "sessionstore", Message: "checkpoint not found"}
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateAbandoned State = "abandoned"
)

// Message is one record in messages.jsonl. Records are never rewritten; a
// correction is a new record naming the one it supersedes.
type Message struct {
	ID         string                    `json:"id"`
	ParentID   string                    `json:"parent_id,omitempty"`
	Role       unifiedllm.Role           `json:"role"`
	Content    string                    `json:"content"`
	Thinking   string                    `json:"thinking,omitempty"`
	ToolCalls  []unifiedllm.ToolCallData `json:"tool_calls,omitempty"`
	RespondsTo string                    `json:"responds_to,omitempty"`
	IsError    bool                      `json:"is_error,omitempty"`
	Timestamp  time.Time                 `json:"timestamp"`
	Usage      *unifiedllm.Usage         `json:"usage,omitempty"`
	Model      string                    `json:"model,omitempty"`
	Provider   string                    `json:"provider,omitempty"`
	Supersedes string                    `json:"supersedes,omitempty"`
	// Keeps is set on a compaction summary: the ids of the earlier records
	// that stay live after it. Every other earlier record is summarized.
	Keeps      []string                  `json:"keeps,omitempty"`
	Metadata   map[string]string         `json:"metadata,omitempty"`
}

// FromLLM converts a provider message into a record. ID, parent and
// timestamp are filled in by Append when empty.
func FromLLM(m unifiedllm.Message) Message {
	rec := Message{
		Role:      m.Role,
		ToolCalls: m.ToolCalls(),
		Metadata:  m.Metadata,
	}
	if m.Role == unifiedllm.RoleTool {
		rec.Content = m.ToolResultText()
		rec.RespondsTo = m.ToolCallID
		rec.IsError = m.IsToolResultError()
	} else {
		rec.Content = m.TextContent()
	}
	for _, p := range m.Content {
		if p.Kind == unifiedllm.ContentThinking && p.Thinking != nil {
			rec.Thinking += p.Thinking.Text
		}
	}
	return rec
}

// IsBoundary reports whether the record is a compaction summary.
func (m Message) IsBoundary() bool {
	return m.Metadata[contextmgr.MetaSummary] == "true"
}

// LLM converts the record back into a provider message.
func (m Message) LLM() unifiedllm.Message {
	if m.Role == unifiedllm.RoleTool {
		out := unifiedllm.ToolResultMessage(m.RespondsTo, m.Content, m.IsError)
		out.Metadata = m.Metadata
		return out
	}
	out := unifiedllm.Message{Role: m.Role, Metadata: m.Metadata}
	if m.Thinking != "" {
		out.Content = append(out.Content, unifiedllm.ThinkingPart(m.Thinking, ""))
	}
	if m.Content != "" || len(m.ToolCalls) == 0 {
		out.Content = append(out.Content, unifiedllm.TextPart(m.Content))
	}
	for _, tc := range m.ToolCalls {
		out.Content = append(out.Content, unifiedllm.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}
	return out
}

// ModelSwitch records a fallback from one model to another.
type ModelSwitch struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Header is the content of metadata.json.
type Header struct {
	ID              string           `json:"id"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	WorkingDir      string           `json:"working_dir"`
	GitBranch       string           `json:"git_branch,omitempty"`
	Model           string           `json:"model,omitempty"`
	Provider        string           `json:"provider,omitempty"`
	Version         string           `json:"version"`
	FirstPrompt     string           `json:"first_prompt,omitempty"`
	LastPrompt      string           `json:"last_prompt,omitempty"`
	Summary         string           `json:"summary,omitempty"`
	Usage           unifiedllm.Usage `json:"usage"`
	MessageCount    int              `json:"message_count"`
	ParentID        string           `json:"parent_id,omitempty"`
	BranchMessageID string           `json:"branch_message_id,omitempty"`
	State           State            `json:"state"`
	ModelSwitches   []ModelSwitch    `json:"model_switches,omitempty"`
}

// CheckpointType says what created a checkpoint.
type CheckpointType string

const (
	CheckpointManual  CheckpointType = "manual"
	CheckpointAuto    CheckpointType = "auto"
	CheckpointPreTool CheckpointType = "pre_tool"
)

// FileState is the recorded content of one file. Small text files are
// inlined; everything else is referenced by hash in the content store.
// Missing marks a path that did not exist, which restore removes.
type FileState struct {
	Hash    string  `json:"hash,omitempty"`
	Size    int64   `json:"size"`
	Mode    uint32  `json:"mode,omitempty"`
	Content *string `json:"content,omitempty"`
	Ref     string  `json:"ref,omitempty"`
	Missing bool    `json:"missing,omitempty"`
}

// FileSnapshot pairs a path with its recorded state.
type FileSnapshot struct {
	Path  string    `json:"path"`
	State FileState `json:"state"`
}

// GitState is the repository state at checkpoint time.
type GitState struct {
	Branch   string   `json:"branch"`
	Commit   string   `json:"commit"`
	IsDirty  bool     `json:"is_dirty"`
	Staged   []string `json:"staged,omitempty"`
	Modified []string `json:"modified,omitempty"`
}

// Checkpoint is a bundle of file snapshots taken before a change.
type Checkpoint struct {
	ID          string         `json:"id"`
	Type        CheckpointType `json:"type"`
	Description string         `json:"description"`
	Timestamp   time.Time      `json:"timestamp"`
	Files       []FileSnapshot `json:"files"`
	GitState    *GitState      `json:"git_state,omitempty"`
	CanRestore  bool           `json:"can_restore"`
}
