package agentloop

import (
	"errors"
	"fmt"
	"time"

	"github.com/martinemde/sage/agenterr"
	"github.com/martinemde/sage/unifiedllm"
)

// OutcomeKind is the terminal state of a task.
type OutcomeKind string

const (
	OutcomeSuccess         OutcomeKind = "success"
	OutcomeFailed          OutcomeKind = "failed"
	OutcomeInterrupted     OutcomeKind = "interrupted"
	OutcomeMaxSteps        OutcomeKind = "max_steps_reached"
	OutcomeUserCancelled   OutcomeKind = "user_cancelled"
	OutcomeNeedsUserInput  OutcomeKind = "needs_user_input"
)

// Failure codes carried by Failed outcomes.
const (
	CodeEmptyResponse   = "empty_response"
	CodeNoFileOps       = "no_file_operations"
	CodeContextOverflow = "context_overflow"
	CodeHookDenied      = "hook_denied"
	CodeTaskTimeout     = "task_timeout"
	CodeProvider        = "provider_error"
	CodeConfig          = "config_error"
	CodeSession         = "session_error"
)

// Outcome is how a task ended.
type Outcome struct {
	Kind OutcomeKind `json:"kind"`
	// FinalText is the completion summary or last assistant text (Success).
	FinalText string `json:"final_text,omitempty"`
	// LastResponse is the assistant text left unanswered (NeedsUserInput).
	LastResponse string `json:"last_response,omitempty"`
	// Reason explains Interrupted and UserCancelled outcomes.
	Reason string `json:"reason,omitempty"`
	// Err and Code describe a Failed outcome.
	Err  error  `json:"-"`
	Code string `json:"code,omitempty"`

	Steps    int              `json:"steps"`
	Usage    unifiedllm.Usage `json:"usage"`
	Duration time.Duration    `json:"duration"`
}

// Success reports whether the task completed.
func (o Outcome) Success() bool { return o.Kind == OutcomeSuccess }

// Retryable reports whether running the same task again may succeed.
func (o Outcome) Retryable() bool {
	switch o.Kind {
	case OutcomeInterrupted, OutcomeMaxSteps:
		return true
	case OutcomeFailed:
		if o.Code == CodeContextOverflow || o.Code == CodeTaskTimeout {
			return true
		}
		return o.Err != nil && unifiedllm.IsRetryable(o.Err)
	}
	return false
}

// Message is a one-line description for the CLI.
func (o Outcome) Message() string {
	switch o.Kind {
	case OutcomeSuccess:
		return "Task completed successfully"
	case OutcomeFailed:
		if o.Err != nil {
			return fmt.Sprintf("Task failed (%s): %s", o.Code, agenterr.FirstLine(o.Err))
		}
		return fmt.Sprintf("Task failed (%s)", o.Code)
	case OutcomeInterrupted:
		if o.Reason != "" {
			return "Task interrupted: " + o.Reason
		}
		return "Task interrupted"
	case OutcomeMaxSteps:
		return fmt.Sprintf("Task reached maximum steps (%d)", o.Steps)
	case OutcomeUserCancelled:
		return "Task cancelled by user"
	case OutcomeNeedsUserInput:
		return "Task is waiting for user input"
	}
	return string(o.Kind)
}

func (o Outcome) String() string { return o.Message() }

func failed(code string, err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Code: code, Err: err}
}

// failedFrom classifies err into a Failed outcome.
func failedFrom(err error) Outcome {
	if unifiedllm.IsContextOverflow(err) {
		return failed(CodeContextOverflow, err)
	}
	var aerr *agenterr.Error
	if errors.As(err, &aerr) && aerr.Code != "" {
		return failed(aerr.Code, err)
	}
	switch agenterr.KindOf(err) {
	case agenterr.KindConfig:
		return failed(CodeConfig, err)
	case agenterr.KindTimeout:
		return failed(CodeTaskTimeout, err)
	case agenterr.KindNotFound:
		return failed(CodeSession, err)
	}
	return failed(CodeProvider, err)
}
