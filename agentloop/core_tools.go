package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/martinemde/sage/unifiedllm"
)

// Core tool names.
const (
	ToolReadFile  = "read_file"
	ToolWriteFile = "write_file"
	ToolEditFile  = "edit_file"
	ToolShell     = "shell"
	ToolGrep      = "grep"
	ToolGlob      = "glob"
	// ToolTaskDone is the completion tool: calling it ends the task.
	ToolTaskDone = "task_done"
	// ToolAskUser blocks the loop on the input channel.
	ToolAskUser = "ask_user"
)

// fileModifyingTools count as file operations for completion checks.
var fileModifyingTools = map[string]bool{
	ToolWriteFile: true,
	ToolEditFile:  true,
}

// ShellTimeouts bounds the shell tool.
type ShellTimeouts struct {
	Default time.Duration
	Max     time.Duration
}

// DefaultShellTimeouts returns 120s default and 10 minute maximum.
func DefaultShellTimeouts() ShellTimeouts {
	return ShellTimeouts{Default: 120 * time.Second, Max: 10 * time.Minute}
}

// RegisterCoreTools registers the built-in tools on reg.
func RegisterCoreTools(reg *ToolRegistry, shell ShellTimeouts) {
	registerReadFile(reg)
	registerWriteFile(reg)
	registerEditFile(reg)
	registerShell(reg, shell)
	registerGrep(reg)
	registerGlob(reg)
	registerTaskDone(reg)
	registerAskUser(reg)
}

func pathTarget(args map[string]any) []string {
	for _, key := range []string{"file_path", "path"} {
		if p, ok := GetStringArg(args, key); ok && p != "" {
			return []string{p}
		}
	}
	return nil
}

type readFileArgs struct {
	FilePath string `json:"file_path" validate:"required" jsonschema:"description=Path of the file to read"`
	Offset   int    `json:"offset,omitempty" validate:"gte=0" jsonschema:"description=1-based line number to start reading from"`
	Limit    int    `json:"limit,omitempty" validate:"gte=0" jsonschema:"description=Maximum number of lines to read. Default 2000"`
}

func registerReadFile(reg *ToolRegistry) {
	reg.Register(Tool{
		Definition: unifiedllm.ToolDefinition{
			Name:        ToolReadFile,
			Description: "Read a file from the filesystem. Returns line-numbered content.",
			Parameters:  SchemaFor(&readFileArgs{}),
		},
		ReadOnly:     true,
		ParallelSafe: true,
		Executor: func(_ context.Context, arguments json.RawMessage, env ExecutionEnvironment) (string, error) {
			var args readFileArgs
			if err := DecodeArgs(arguments, &args); err != nil {
				return "", err
			}
			if args.Limit == 0 {
				args.Limit = 2000
			}
			return env.ReadFile(args.FilePath, args.Offset, args.Limit)
		},
	})
}

type writeFileArgs struct {
	FilePath string `json:"file_path" validate:"required" jsonschema:"description=Path to write to"`
	Content  string `json:"content" jsonschema:"description=The full file content to write"`
}

func registerWriteFile(reg *ToolRegistry) {
	reg.Register(Tool{
		Definition: unifiedllm.ToolDefinition{
			Name:        ToolWriteFile,
			Description: "Write content to a file. Creates the file and parent directories if needed.",
			Parameters:  SchemaFor(&writeFileArgs{}),
		},
		Targets: pathTarget,
		Executor: func(_ context.Context, arguments json.RawMessage, env ExecutionEnvironment) (string, error) {
			var args writeFileArgs
			if err := DecodeArgs(arguments, &args); err != nil {
				return "", err
			}
			verb := "Created"
			if env.FileExists(args.FilePath) {
				verb = "Updated"
			}
			if err := env.WriteFile(args.FilePath, args.Content); err != nil {
				return "", err
			}
			return fmt.Sprintf("%s %s (%d bytes)", verb, args.FilePath, len(args.Content)), nil
		},
	})
}

type editFileArgs struct {
	FilePath   string `json:"file_path" validate:"required" jsonschema:"description=Path to the file to edit"`
	OldString  string `json:"old_string" validate:"required" jsonschema:"description=Exact text to find in the file"`
	NewString  string `json:"new_string" jsonschema:"description=Replacement text"`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace every occurrence instead of requiring a unique match"`
}

func registerEditFile(reg *ToolRegistry) {
	reg.Register(Tool{
		Definition: unifiedllm.ToolDefinition{
			Name:        ToolEditFile,
			Description: "Replace an exact string occurrence in a file. The old_string must be unique in the file unless replace_all is true.",
			Parameters:  SchemaFor(&editFileArgs{}),
		},
		Targets: pathTarget,
		Executor: func(_ context.Context, arguments json.RawMessage, env ExecutionEnvironment) (string, error) {
			var args editFileArgs
			if err := DecodeArgs(arguments, &args); err != nil {
				return "", err
			}
			content, err := env.ReadRaw(args.FilePath)
			if err != nil {
				return "", err
			}

			count := strings.Count(content, args.OldString)
			if count == 0 {
				return "", fmt.Errorf("old_string not found in %s", args.FilePath)
			}
			if count > 1 && !args.ReplaceAll {
				return "", fmt.Errorf("old_string found %d times in %s; provide more context to make it unique or set replace_all", count, args.FilePath)
			}

			replacements := 1
			if args.ReplaceAll {
				content = strings.ReplaceAll(content, args.OldString, args.NewString)
				replacements = count
			} else {
				content = strings.Replace(content, args.OldString, args.NewString, 1)
			}
			if err := env.WriteFile(args.FilePath, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Replaced %d occurrence(s) in %s", replacements, args.FilePath), nil
		},
	})
}

type shellArgs struct {
	Command     string `json:"command" validate:"required" jsonschema:"description=The command to run"`
	TimeoutMs   int    `json:"timeout_ms,omitempty" validate:"gte=0" jsonschema:"description=Override the default command timeout in milliseconds"`
	Description string `json:"description,omitempty" jsonschema:"description=What this command does"`
}

func registerShell(reg *ToolRegistry, limits ShellTimeouts) {
	if limits.Default <= 0 {
		limits.Default = DefaultShellTimeouts().Default
	}
	if limits.Max < limits.Default {
		limits.Max = limits.Default
	}
	reg.Register(Tool{
		Definition: unifiedllm.ToolDefinition{
			Name:        ToolShell,
			Description: "Execute a shell command. Returns stdout, stderr, and exit code.",
			Parameters:  SchemaFor(&shellArgs{}),
		},
		MaxDuration: limits.Max,
		Executor: func(ctx context.Context, arguments json.RawMessage, env ExecutionEnvironment) (string, error) {
			var args shellArgs
			if err := DecodeArgs(arguments, &args); err != nil {
				return "", err
			}
			timeout := limits.Default
			if args.TimeoutMs > 0 {
				timeout = min(time.Duration(args.TimeoutMs)*time.Millisecond, limits.Max)
			}

			res, err := env.ExecCommand(ctx, args.Command, timeout, "", nil)
			if err != nil {
				return "", err
			}
			if res.Cancelled {
				return "", context.Canceled
			}

			var sb strings.Builder
			sb.WriteString(res.Output())
			switch {
			case res.TimedOut:
				fmt.Fprintf(&sb, "\n\n[ERROR: Command timed out after %s. Partial output is shown above.\n"+
					"You can retry with a longer timeout by setting the timeout_ms parameter.]", timeout)
			case res.ResourceLimited:
				sb.WriteString("\n\n[ERROR: Command exceeded its resource limits.]")
			case res.ExitCode != 0:
				fmt.Fprintf(&sb, "\n\n[Exit code: %d]", res.ExitCode)
			}
			return sb.String(), nil
		},
	})
}

type grepArgs struct {
	Pattern         string `json:"pattern" validate:"required" jsonschema:"description=Regex pattern to search for"`
	Path            string `json:"path,omitempty" jsonschema:"description=Directory or file to search. Default: working directory"`
	GlobFilter      string `json:"glob_filter,omitempty" jsonschema:"description=File pattern filter such as *.py"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty" jsonschema:"description=Case insensitive search"`
	MaxResults      int    `json:"max_results,omitempty" validate:"gte=0" jsonschema:"description=Maximum matches per file. Default 100"`
}

func registerGrep(reg *ToolRegistry) {
	reg.Register(Tool{
		Definition: unifiedllm.ToolDefinition{
			Name:        ToolGrep,
			Description: "Search file contents using regex patterns. Returns matching lines with file paths and line numbers.",
			Parameters:  SchemaFor(&grepArgs{}),
		},
		ReadOnly:     true,
		ParallelSafe: true,
		MaxDuration:  time.Minute,
		Executor: func(ctx context.Context, arguments json.RawMessage, env ExecutionEnvironment) (string, error) {
			var args grepArgs
			if err := DecodeArgs(arguments, &args); err != nil {
				return "", err
			}
			if args.MaxResults == 0 {
				args.MaxResults = 100
			}
			out, err := env.Grep(ctx, args.Pattern, args.Path, GrepOptions{
				GlobFilter:      args.GlobFilter,
				CaseInsensitive: args.CaseInsensitive,
				MaxResults:      args.MaxResults,
			})
			if err != nil {
				return "", err
			}
			if out == "" {
				return "No matches found.", nil
			}
			return out, nil
		},
	})
}

type globArgs struct {
	Pattern string `json:"pattern" validate:"required" jsonschema:"description=Glob pattern such as **/*.go"`
	Path    string `json:"path,omitempty" jsonschema:"description=Base directory. Default: working directory"`
}

func registerGlob(reg *ToolRegistry) {
	reg.Register(Tool{
		Definition: unifiedllm.ToolDefinition{
			Name:        ToolGlob,
			Description: "Find files matching a glob pattern. Returns sorted paths relative to the working directory.",
			Parameters:  SchemaFor(&globArgs{}),
		},
		ReadOnly:     true,
		ParallelSafe: true,
		Executor: func(_ context.Context, arguments json.RawMessage, env ExecutionEnvironment) (string, error) {
			var args globArgs
			if err := DecodeArgs(arguments, &args); err != nil {
				return "", err
			}
			matches, err := env.Glob(args.Pattern, args.Path)
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No files matched the pattern.", nil
			}
			return strings.Join(matches, "\n"), nil
		},
	})
}

type taskDoneArgs struct {
	Summary string `json:"summary" validate:"required" jsonschema:"description=What was done"`
}

func registerTaskDone(reg *ToolRegistry) {
	reg.Register(Tool{
		Definition: unifiedllm.ToolDefinition{
			Name:        ToolTaskDone,
			Description: "Call when the task is complete. Give a short summary of what was done.",
			Parameters:  SchemaFor(&taskDoneArgs{}),
		},
		ReadOnly: true,
		Executor: func(_ context.Context, arguments json.RawMessage, _ ExecutionEnvironment) (string, error) {
			var args taskDoneArgs
			if err := DecodeArgs(arguments, &args); err != nil {
				return "", err
			}
			return args.Summary, nil
		},
	})
}

type askUserArgs struct {
	Question string   `json:"question" validate:"required" jsonschema:"description=The question to ask"`
	Options  []string `json:"options,omitempty" jsonschema:"description=Choices to offer"`
	Multi    bool     `json:"multi,omitempty" jsonschema:"description=Allow several options to be selected"`
}

// registerAskUser registers the user-question tool. It has no executor:
// the Loop answers it through the input channel.
func registerAskUser(reg *ToolRegistry) {
	reg.Register(Tool{
		Definition: unifiedllm.ToolDefinition{
			Name:        ToolAskUser,
			Description: "Ask the user a question and wait for the answer. Use when a decision needs their input.",
			Parameters:  SchemaFor(&askUserArgs{}),
		},
		ReadOnly:                true,
		RequiresUserInteraction: true,
	})
}
