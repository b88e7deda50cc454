package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// DefaultOutputCap is the soft cap for tools without their own limit.
const DefaultOutputCap = 30000

// DefaultToolCharLimits are per-tool character caps.
var DefaultToolCharLimits = map[string]int{
	ToolReadFile:  50000,
	ToolShell:     30000,
	ToolGrep:      20000,
	ToolGlob:      20000,
	ToolEditFile:  10000,
	ToolWriteFile: 1000,
}

// DefaultTruncationModes are per-tool truncation modes.
var DefaultTruncationModes = map[string]TruncationMode{
	ToolReadFile:  TruncateHeadTail,
	ToolShell:     TruncateHeadTail,
	ToolGrep:      TruncateTail,
	ToolGlob:      TruncateTail,
	ToolEditFile:  TruncateTail,
	ToolWriteFile: TruncateTail,
}

// DefaultToolLineLimits apply after character truncation.
var DefaultToolLineLimits = map[string]int{
	ToolShell: 256,
	ToolGrep:  200,
	ToolGlob:  500,
}

// reconstructHint tells the model how to get at what was elided.
func reconstructHint(tool string) string {
	switch tool {
	case ToolReadFile:
		return "Use read_file with offset and limit to page through the file."
	case ToolShell:
		return "Re-run the command piped through head, tail or grep to see specific parts."
	case ToolGrep, ToolGlob:
		return "Narrow the pattern or path to see the rest."
	}
	return "Re-run the tool with more targeted parameters to see specific parts."
}

// TruncateOutput applies character-based truncation to output.
func TruncateOutput(output string, maxChars int, mode TruncationMode, hint string) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars

	if mode == TruncateTail {
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed. %s]\n\n",
			removed, hint) +
			output[len(output)-maxChars:]
	}
	half := maxChars / 2
	return output[:half] +
		fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. %s]\n\n",
			removed, hint) +
		output[len(output)-half:]
}

// TruncateLines applies line-based truncation using head/tail split.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateToolOutput applies character then line truncation for a tool.
// Overrides take precedence over the defaults.
func TruncateToolOutput(output string, toolName string, charLimits map[string]int, lineLimits map[string]int) string {
	maxChars, ok := charLimits[toolName]
	if !ok {
		maxChars, ok = DefaultToolCharLimits[toolName]
		if !ok {
			maxChars = DefaultOutputCap
		}
	}
	mode, ok := DefaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}

	result := TruncateOutput(output, maxChars, mode, reconstructHint(toolName))

	maxLines, ok := lineLimits[toolName]
	if !ok {
		maxLines = DefaultToolLineLimits[toolName]
	}
	return TruncateLines(result, maxLines)
}
