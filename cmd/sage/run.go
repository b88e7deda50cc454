package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/martinemde/sage/agentloop"
	"github.com/martinemde/sage/config"
	"github.com/martinemde/sage/contextmgr"
	"github.com/martinemde/sage/hooks"
	"github.com/martinemde/sage/permission"
	"github.com/martinemde/sage/sandbox"
	"github.com/martinemde/sage/sessionstore"
	"github.com/martinemde/sage/unifiedllm"
)

type runFlags struct {
	model          string
	provider       string
	maxSteps       int
	timeout        time.Duration
	stream         bool
	nonInteractive bool
	resume         string
	dir            string
}

func (a *app) runCommand() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run one task to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTask(cmd.Context(), f, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "model id (overrides the config)")
	cmd.Flags().StringVar(&f.provider, "provider", "", "provider name (overrides the config)")
	cmd.Flags().IntVar(&f.maxSteps, "max-steps", 0, "maximum assistant turns")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "end-to-end task budget")
	cmd.Flags().BoolVar(&f.stream, "stream", false, "stream the model's text as it arrives")
	cmd.Flags().BoolVarP(&f.nonInteractive, "non-interactive", "n", false, "never ask the user; stop when input is needed")
	cmd.Flags().StringVar(&f.resume, "resume", "", "continue an existing session by id")
	cmd.Flags().StringVarP(&f.dir, "dir", "C", "", "working directory (default: current)")
	return cmd
}

func (a *app) runTask(ctx context.Context, f runFlags, prompt string) error {
	cfg, logger, err := a.load()
	if err != nil {
		return err
	}
	if f.provider != "" {
		cfg.Provider.Name = f.provider
	}
	if f.model != "" {
		cfg.Provider.Model = f.model
		cfg.Fallback = nil
	}

	workDir := f.dir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return err
		}
	}
	if workDir, err = filepath.Abs(workDir); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	for _, cs := range [][]prometheus.Collector{unifiedllm.Collectors(), contextmgr.Collectors(), agentloop.Collectors()} {
		registry.MustRegister(cs...)
	}

	// The client is built before the loop exists; the observer forwards
	// fallback switches once it does.
	var loop *agentloop.Loop
	client, err := newClient(cfg, logger, func(ev unifiedllm.FallbackEvent) {
		if loop != nil {
			loop.HandleFallback(ev)
		}
	})
	if err != nil {
		return err
	}
	defer client.Close()

	store, err := sessionstore.NewStore(cfg.Session.Dir, sessionstore.WithSync(cfg.Session.Sync), sessionstore.WithLogger(logger))
	if err != nil {
		return err
	}
	sess, resumed, err := openSession(store, cfg, f.resume, workDir)
	if err != nil {
		return err
	}
	defer sess.Close()

	profile, err := cfg.SandboxProfile()
	if err != nil {
		return err
	}
	sb := sandbox.New(
		sandbox.WithLimits(cfg.Sandbox.Limits),
		sandbox.WithProfile(profile),
		sandbox.WithWorkDir(workDir),
		sandbox.WithLogger(logger),
	)

	hookList, err := loadHooks(cfg)
	if err != nil {
		return err
	}
	perms, stopWatch, err := loadPermissions(cfg, workDir, logger)
	if err != nil {
		return err
	}
	defer stopWatch()

	lc := cfg.LoopConfig()
	if len(cfg.Models()) > 1 {
		// The fallback chain picks the model per request.
		lc.Model = ""
	}
	if f.maxSteps > 0 {
		lc.MaxSteps = f.maxSteps
	}
	if f.timeout > 0 {
		lc.TaskTimeout = f.timeout
	}
	if f.stream {
		lc.Stream = true
	}

	rt := agentloop.NewRuntime(client, agentloop.NewLocalEnvironment(workDir, sb))
	rt.Logger = logger
	rt.Session = sess
	rt.Permissions = perms
	rt.Context = contextmgr.New(cfg.ContextConfig(),
		contextmgr.WithSummarizer(contextmgr.NewLLMSummarizer(client, cfg.Provider.Name, cfg.Provider.Model)),
		contextmgr.WithLogger(logger),
	)
	if len(hookList) > 0 {
		rt.Hooks = hooks.NewEngine(hookList,
			hooks.WithSandbox(sb),
			hooks.WithChatClient(client),
			hooks.WithLogger(logger),
		)
	}
	if cfg.Session.Checkpoints {
		rt.Checkpoints = sess.Checkpoints(sessionstore.WithGitState(cfg.Session.GitState))
	}

	loop = agentloop.NewLoop(rt, lc)
	if len(resumed) > 0 {
		loop.Resume(resumed)
	}

	mode := agentloop.ModeInteractive
	var input *agentloop.InputChannel
	if f.nonInteractive {
		mode = agentloop.ModeNonInteractive
	} else {
		input = agentloop.NewInputChannel()
		loop.SetInputChannel(input)
		go answerInput(input, a.stdin, a.stderr)
	}

	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		renderEvents(loop.Events(), a.stdout, a.stderr, lc.Stream)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	taskDone := make(chan struct{})
	go func() {
		select {
		case <-sigs:
			logger.Info("interrupt received, stopping task")
			loop.Cancel()
		case <-taskDone:
		}
	}()

	out := loop.Execute(ctx, prompt, mode)
	close(taskDone)
	if input != nil {
		input.Close()
	}
	loop.Close()
	<-rendered

	if !lc.Stream && out.FinalText != "" {
		fmt.Fprintln(a.stdout, out.FinalText)
	}
	logger.Info("task finished",
		"session_id", sess.ID(),
		"outcome", out.Kind,
		"steps", out.Steps,
		"input_tokens", out.Usage.InputTokens,
		"output_tokens", out.Usage.OutputTokens,
		"elapsed", out.Duration.Round(time.Millisecond),
	)
	logMetrics(logger, registry)

	if deleted, err := store.Prune(cfg.Session.Rotation, sess.ID()); err != nil {
		logger.Warn("session prune failed", "error", err)
	} else if len(deleted) > 0 {
		logger.Debug("pruned sessions", "count", len(deleted))
	}

	if !out.Success() {
		return &outcomeError{outcome: out}
	}
	return nil
}

// openSession creates a fresh session, or reopens id and returns its
// active messages for the loop to continue from.
func openSession(store *sessionstore.Store, cfg *config.Config, id, workDir string) (*sessionstore.Session, []unifiedllm.Message, error) {
	if id == "" {
		sess, err := store.Create(sessionstore.Header{
			WorkingDir: workDir,
			GitBranch:  sessionstore.CurrentBranch(workDir),
			Model:      cfg.Provider.Model,
			Provider:   cfg.Provider.Name,
		})
		return sess, nil, err
	}

	sess, err := store.Open(id)
	if err != nil {
		return nil, nil, err
	}
	records, err := sess.Active()
	if err != nil {
		sess.Close()
		return nil, nil, err
	}
	msgs := make([]unifiedllm.Message, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, r.LLM())
	}
	if err := sess.SetState(sessionstore.StateActive); err != nil {
		sess.Close()
		return nil, nil, err
	}
	return sess, msgs, nil
}

func loadHooks(cfg *config.Config) ([]hooks.Hook, error) {
	list := append([]hooks.Hook(nil), cfg.Hooks.Hooks...)
	for _, path := range cfg.Hooks.Files {
		hs, err := hooks.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		list = append(list, hs...)
	}
	return list, nil
}

// loadPermissions builds the engine from the inline and user rules, then
// loads the project rules file, following it when watching is enabled.
// The returned func stops the watcher.
func loadPermissions(cfg *config.Config, workDir string, logger *slog.Logger) (*permission.Engine, func(), error) {
	engine := permission.NewEngine(
		permission.WithDefault(cfg.DefaultBehavior()),
		permission.WithLogger(logger),
	)
	noop := func() {}

	user := append([]permission.Rule(nil), cfg.Permissions.Rules...)
	if cfg.Permissions.UserFile != "" {
		rules, err := permission.LoadRules(cfg.Permissions.UserFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, noop, err
		default:
			user = append(user, rules...)
		}
	}
	engine.SetRules(permission.SourceUser, user)

	project := cfg.Permissions.ProjectFile
	if project == "" {
		return engine, noop, nil
	}
	if !filepath.IsAbs(project) {
		project = filepath.Join(workDir, project)
	}

	if cfg.Permissions.Watch {
		if _, err := os.Stat(filepath.Dir(project)); err == nil {
			w, err := permission.NewWatcher(engine, project,
				permission.WithSource(permission.SourceProject),
				permission.WithWatcherLogger(logger),
			)
			if err != nil {
				return nil, noop, err
			}
			if err := w.Start(); err != nil {
				w.Close()
				return nil, noop, err
			}
			return engine, func() { w.Close() }, nil
		}
	}

	rules, err := permission.LoadRules(project)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, noop, err
	default:
		engine.SetRules(permission.SourceProject, rules)
	}
	return engine, noop, nil
}

// logMetrics writes a debug line per metric family that saw samples.
func logMetrics(logger *slog.Logger, registry *prometheus.Registry) {
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	families, err := registry.Gather()
	if err != nil {
		logger.Debug("gather metrics failed", "error", err)
		return
	}
	for _, mf := range families {
		logger.Debug("metric", "name", mf.GetName(), "series", len(mf.GetMetric()))
	}
}
