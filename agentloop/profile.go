package agentloop

import (
	"fmt"
	"strings"
)

// Profile is the provider-aligned prompt configuration for one model.
type Profile struct {
	Provider string
	Model    string
	// InstructionFiles are loaded from the repository root down to the
	// working directory, in addition to AGENTS.md.
	InstructionFiles []string
	// ParallelToolCalls tells the model it may request several read-only
	// calls in one turn.
	ParallelToolCalls bool
}

// ProfileFor returns the profile for provider. Unknown providers get the
// generic profile.
func ProfileFor(provider, model string) Profile {
	p := Profile{Provider: provider, Model: model, ParallelToolCalls: true}
	switch provider {
	case "anthropic":
		p.InstructionFiles = []string{"CLAUDE.md"}
	case "gemini", "google":
		p.InstructionFiles = []string{"GEMINI.md"}
	case "openai":
		p.InstructionFiles = []string{".codex/instructions.md"}
	}
	return p
}

// BuildSystemPrompt assembles the base instructions, environment and git
// context, the tool list, project docs and user instructions, in that order.
func (p Profile) BuildSystemPrompt(env ExecutionEnvironment, tools *ToolRegistry, userInstructions string) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)
	if p.ParallelToolCalls {
		sb.WriteString("\n- Independent read-only lookups (read_file, grep, glob) may be requested together in one turn.")
	}
	sb.WriteString("\n\n")

	sb.WriteString(BuildEnvironmentContext(env, p.Model))
	sb.WriteString("\n\n")

	if gitCtx := GetGitContext(env.WorkingDirectory()); gitCtx != "" {
		sb.WriteString(gitCtx)
		sb.WriteString("\n\n")
	}

	if tools != nil && tools.Count() > 0 {
		sb.WriteString("# Available Tools\n\n")
		for _, def := range tools.Definitions() {
			fmt.Fprintf(&sb, "## %s\n%s\n\n", def.Name, def.Description)
		}
	}

	if docs := DiscoverProjectDocs(env.WorkingDirectory(), p.InstructionFiles); docs != "" {
		sb.WriteString("# Project Instructions\n\n")
		sb.WriteString(docs)
		sb.WriteString("\n\n")
	}

	if userInstructions != "" {
		sb.WriteString("# User Instructions\n\n")
		sb.WriteString(userInstructions)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

const basePrompt = `You are sage, an autonomous coding agent. You carry one task from the user's request to completion by reading files, editing code and running commands. You do not hand control back to the user until the task is done.

# Core Principles

- Read files before editing them. Understand existing code before changing it.
- Prefer editing existing files over creating new ones.
- Use edit_file for modifications. old_string must match the file exactly and be unique; add surrounding lines when it is not.
- Keep changes minimal and focused on what was asked.
- After making changes, verify them by reading the file back or running the relevant tests.
- Prefer short-running shell commands and pass a timeout for anything that may run long.

# Finishing

- When the task is complete, call task_done with a short summary of what you changed.
- If you cannot proceed without information only the user has, call ask_user with one clear question. Do not ask for things you can find out yourself.

# Error Handling

- A failed tool call is not the end of the task. Read the error and try a different approach.
- If edit_file cannot find old_string, re-read the file to get its current content.
- A denied tool call will stay denied. Find another way or explain why the task cannot be done.`
