// Package agentloop drives a single coding task from the user's prompt to a
// terminal Outcome.
//
// The Loop asks the model for an assistant turn, hands every requested tool
// call to the Orchestrator, appends the results and repeats until the model
// calls the completion tool, answers without tool calls, or a limit fires.
// The Loop never returns to its caller mid-task: when the model asks the
// user a question it blocks on an InputChannel instead.
//
// # Architecture
//
//   - Runtime: the explicit set of collaborators a Loop uses (provider
//     client, tool registry, execution environment, context manager,
//     session log, hook and permission engines, checkpoints).
//   - Loop: the step loop, steering queue, repetition and loop detection.
//   - Orchestrator: the per-call pipeline (pre-tool hooks, permission,
//     checkpoint, sandboxed execution, post-tool hooks, truncation).
//   - ToolRegistry: registration and lookup of Tool values.
//   - ExecutionEnvironment: where file and command operations run.
//   - EventEmitter: a droppable event stream for an attached UI.
//
// # Quick Start
//
//	env := agentloop.NewLocalEnvironment("/path/to/project", sandbox.New())
//	rt := agentloop.NewRuntime(client, env)
//	loop := agentloop.NewLoop(rt, agentloop.DefaultLoopConfig())
//	defer loop.Close()
//
//	outcome := loop.Execute(ctx, "Create a hello.py file", agentloop.ModeNonInteractive)
//	fmt.Println(outcome.Message())
package agentloop
