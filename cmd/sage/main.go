// Sage drives a coding task with a language model.
//
// Usage:
//
//	sage run <prompt>                          Run one task in the current directory
//	sage sessions list                         List recorded sessions
//	sage sessions prune                        Delete old sessions
//	sage checkpoint list <session>             List a session's checkpoints
//	sage checkpoint restore <session> <id>     Restore files from a checkpoint
//
// Configuration is read from the first file found in
// [config.DefaultSearchPaths], then overridden by SAGE_* variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/martinemde/sage/agentloop"
	"github.com/martinemde/sage/config"
)

// main builds the OS environment and hands off to run, so tests can drive
// the whole command with their own streams and arguments.
func main() {
	err := run(context.Background(), os.Stdin, os.Stdout, os.Stderr, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(exitCode(err))
	}
}

// app carries the streams and global flags shared by every subcommand.
type app struct {
	stdin          io.Reader
	stdout, stderr io.Writer

	configPath string
	logLevel   string
}

func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "sage",
		Short:         "Drive a coding task with a language model",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to config file (default: auto-discover)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	root.AddCommand(a.runCommand(), a.sessionsCommand(), a.checkpointCommand())
	return root
}

// load finds and loads the configuration and builds the logger. Logs go
// to stderr so stdout carries only the model's answer.
func (a *app) load() (*config.Config, *slog.Logger, error) {
	path, err := config.FindConfig(a.configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	logger, err := cfg.Log.Logger(a.stderr)
	if err != nil {
		return nil, nil, err
	}
	if path != "" {
		logger.Debug("config loaded", "path", path)
	}
	return cfg, logger, nil
}

// outcomeError reports a task that ended without success.
type outcomeError struct {
	outcome agentloop.Outcome
}

func (e *outcomeError) Error() string { return e.outcome.Message() }

// exitCode maps an error to the process status: 130 for an interrupted
// task, 3 when the task is waiting on the user, 1 otherwise.
func exitCode(err error) int {
	var oe *outcomeError
	if errors.As(err, &oe) {
		switch oe.outcome.Kind {
		case agentloop.OutcomeInterrupted, agentloop.OutcomeUserCancelled:
			return 130
		case agentloop.OutcomeNeedsUserInput:
			return 3
		}
	}
	return 1
}
