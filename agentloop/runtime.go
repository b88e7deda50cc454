package agentloop

import (
	"context"
	"log/slog"

	"github.com/martinemde/sage/contextmgr"
	"github.com/martinemde/sage/hooks"
	"github.com/martinemde/sage/permission"
	"github.com/martinemde/sage/sessionstore"
	"github.com/martinemde/sage/unifiedllm"
)

// ChatClient is the provider surface the loop needs. *unifiedllm.Client
// satisfies it.
type ChatClient interface {
	Chat(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)
	ChatStream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error)
}

// Runtime holds everything one task runs against. It replaces process-wide
// registries: tools, hooks and rules are registered here and passed to the
// Loop explicitly.
type Runtime struct {
	Client  ChatClient
	Tools   *ToolRegistry
	Env     ExecutionEnvironment
	Context *contextmgr.Manager

	// Optional. A nil Session keeps the conversation in memory only; nil
	// Hooks runs none; nil Checkpoints disables pre-tool snapshots.
	Session     *sessionstore.Session
	Hooks       *hooks.Engine
	Permissions *permission.Engine
	Checkpoints *sessionstore.CheckpointManager

	Logger *slog.Logger
}

// NewRuntime creates a runtime with the core tools, default context
// settings, the builtin permission rules and the default logger.
func NewRuntime(client ChatClient, env ExecutionEnvironment) *Runtime {
	tools := NewToolRegistry()
	RegisterCoreTools(tools, DefaultShellTimeouts())
	return &Runtime{
		Client:      client,
		Tools:       tools,
		Env:         env,
		Context:     contextmgr.New(contextmgr.DefaultConfig()),
		Permissions: permission.NewEngine(),
		Logger:      slog.Default(),
	}
}

func (rt *Runtime) logger() *slog.Logger {
	if rt.Logger == nil {
		return slog.Default()
	}
	return rt.Logger
}
