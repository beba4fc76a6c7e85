package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskforge/internal/backend"
	"github.com/aristath/taskforge/internal/capacity"
	"github.com/aristath/taskforge/internal/config"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/health"
	"github.com/aristath/taskforge/internal/logging"
	"github.com/aristath/taskforge/internal/orchestrator"
	"github.com/aristath/taskforge/internal/persistence"
	"github.com/aristath/taskforge/internal/pool"
	"github.com/aristath/taskforge/internal/process"
	"github.com/aristath/taskforge/internal/quality"
	"github.com/aristath/taskforge/internal/routing"
	"github.com/aristath/taskforge/internal/server"
	"github.com/aristath/taskforge/internal/tui"
	"github.com/aristath/taskforge/internal/worktree"
)

const tuiShutdownTimeout = 10 * time.Second

type runOptions struct {
	configPath string
	interval   time.Duration
	tui        bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the dispatcher until interrupted",
		Long: `Run loads the configuration, provisions the working-copy pool and
dispatches approved tasks until SIGINT or SIGTERM. In-flight tasks are
drained before exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.configPath = configPath(cmd)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, stop, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "poll interval (overrides dispatcher.poll_interval)")
	cmd.Flags().BoolVar(&opts.tui, "tui", false, "show the terminal dashboard")
	return cmd
}

// runDaemon wires every component and blocks until ctx ends or the
// dashboard is closed. stop cancels ctx.
func runDaemon(ctx context.Context, stop context.CancelFunc, opts runOptions) error {
	cfg, v, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	logCfg := cfg.Logging
	if opts.tui && logCfg.File == "" {
		// The dashboard owns the terminal.
		logCfg.File = filepath.Join(filepath.Dir(cfg.Store.Path), "taskforge.log")
	}
	logger, closer, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	store, err := persistence.NewSQLiteStore(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	if n, err := store.RequeueInterrupted(ctx); err != nil {
		return fmt.Errorf("failed to requeue interrupted tasks: %w", err)
	} else if n > 0 {
		logger.Warn("requeued tasks interrupted by a previous run", "count", n)
	}

	procs := process.NewManager()
	defer func() {
		if err := procs.KillAll(); err != nil {
			logger.Error("failed to kill subprocesses", "error", err)
		}
	}()
	runner := process.NewRunner(procs, cfg.Stages.RetryableExitCodes, logger)

	wtCfg, err := worktreeConfig(cfg)
	if err != nil {
		return err
	}
	slots := worktree.NewManager(wtCfg, logger)
	policy, err := pool.ParseCleanupPolicy(cfg.Pool.CleanupPolicy)
	if err != nil {
		return err
	}
	p := pool.New(slots, pool.Options{
		Enabled:         cfg.Pool.Enabled,
		CleanupPolicy:   policy,
		InitConcurrency: cfg.Pool.InitConcurrency,
	}, logger)
	if err := slots.Prune(slotIDs(cfg.Pool.Size)); err != nil {
		logger.Warn("failed to prune stale slots", "error", err)
	}
	if err := p.Initialize(ctx, cfg.Pool.Size); err != nil {
		return err
	}
	defer func() {
		if err := p.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("pool shutdown failed", "error", err)
		}
	}()

	gate := capacity.New(capacity.Config{
		Limits:       cfg.Capacity.Classes,
		DefaultLimit: cfg.Capacity.DefaultLimit,
		Aliases:      cfg.Capacity.Aliases,
		PollInterval: cfg.Capacity.PollInterval,
	}, logger)

	generators, err := buildRegistry(cfg, gate.Normalize, runner)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	defer bus.Close()

	coord := orchestrator.NewCoordinator(orchestrator.CoordinatorConfig{
		Router:          routing.NewHeuristic(routingConfig(cfg.Routing)),
		Generator:       generators,
		Applier:         worktree.NewApplier(wtCfg, runner, logger),
		Publisher:       worktree.NewPublisher(wtCfg, runner, logger),
		Validator:       quality.NewCommandValidator(cfg.Validator.Command, cfg.Validator.Args, runner, logger),
		Store:           store,
		Bus:             bus,
		CapacityWait:    cfg.Capacity.WaitTimeout,
		GenerateTimeout: cfg.Stages.GenerateTimeout,
		ApplyTimeout:    cfg.Stages.ApplyTimeout,
		PublishTimeout:  cfg.Stages.PublishTimeout,
		ValidateTimeout: cfg.Stages.ValidateTimeout,
		PassScore:       cfg.Validator.PassScore,
		Retry:           retryConfig(cfg.Stages),
	}, p, gate, logger)

	pollInterval := cfg.Dispatcher.PollInterval
	if opts.interval > 0 {
		pollInterval = opts.interval
	}
	disp := orchestrator.NewDispatcher(orchestrator.DispatcherConfig{
		MaxConcurrent:  cfg.Dispatcher.MaxConcurrentTasks,
		PollInterval:   pollInterval,
		DrainTimeout:   cfg.Dispatcher.DrainTimeout,
		ExclusiveFiles: cfg.Dispatcher.ExclusiveFiles,
	}, store, coord, bus, logger)

	monitor := health.New(health.Config{
		Interval:            cfg.Health.Interval,
		StuckLeaseThreshold: cfg.Health.StuckLeaseThreshold,
		ExhaustedThreshold:  cfg.Health.ExhaustedThreshold,
	}, p, gate, bus, logger)

	if cfg.Server.Addr != "" {
		srv := server.New(cfg.Server.Addr, server.Sources{
			Pool:       p,
			Gate:       gate,
			Health:     monitor,
			Dispatcher: disp,
			Outcomes:   store,
		}, logger)
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Shutdown(context.WithoutCancel(ctx))
	}

	if v.ConfigFileUsed() != "" {
		config.Watch(v, logger, func(next *config.Config) {
			gate.SetLimits(next.Capacity.Classes, next.Capacity.DefaultLimit)
			p.SetEnabled(next.Pool.Enabled)
		})
	}

	// The dispatcher keeps its tasks alive past ctx and drains them itself.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return disp.Run(gctx) })

	if opts.tui {
		runDashboard(ctx, stop, bus, logger)
	}

	<-gctx.Done()
	logger.Info("shutting down, draining in-flight tasks")
	stop()
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// runDashboard shows the TUI until it is closed or ctx ends. Closing the
// dashboard stops the daemon.
func runDashboard(ctx context.Context, stop context.CancelFunc, bus *events.Bus, logger *slog.Logger) {
	prog := tea.NewProgram(tui.New(bus), tea.WithAltScreen())

	errChan := make(chan error, 1)
	go func() {
		_, err := prog.Run()
		errChan <- err
	}()

	select {
	case err := <-errChan:
		if err != nil {
			logger.Error("dashboard failed", "error", err)
		}
		stop()
	case <-ctx.Done():
		prog.Quit()
		select {
		case err := <-errChan:
			if err != nil {
				logger.Error("dashboard exit error", "error", err)
			}
		case <-time.After(tuiShutdownTimeout):
			logger.Warn("dashboard did not exit in time")
		}
	}
}

func worktreeConfig(cfg *config.Config) (worktree.Config, error) {
	repo := cfg.Git.Repo
	if repo == "" {
		repo = "."
	}
	if _, err := os.Stat(repo); err == nil {
		abs, err := filepath.Abs(repo)
		if err != nil {
			return worktree.Config{}, fmt.Errorf("failed to resolve repository path: %w", err)
		}
		repo = abs
	}
	return worktree.Config{
		Repo:         repo,
		Dir:          cfg.Pool.Dir,
		Remote:       cfg.Git.Remote,
		BaseBranch:   cfg.Git.BaseBranch,
		BranchPrefix: cfg.Git.BranchPrefix,
		ApplyCommand: cfg.Git.ApplyCommand,
		AuthorName:   cfg.Git.AuthorName,
		AuthorEmail:  cfg.Git.AuthorEmail,
		Push:         cfg.Git.Push,
		PullRequest:  cfg.Git.PullRequest,
	}, nil
}

// buildRegistry binds every configured class to a generator on its provider.
func buildRegistry(cfg *config.Config, normalize func(string) string, runner *process.Runner) (*backend.Registry, error) {
	reg := backend.NewRegistry(normalize)
	for name, class := range cfg.Classes {
		prov := cfg.Providers[class.Provider]
		typ := prov.Type
		if typ == "" {
			typ = class.Provider
		}
		g, err := backend.New(backend.Config{
			Type:         typ,
			Command:      prov.Command,
			Args:         prov.Args,
			Model:        class.Model,
			SystemPrompt: class.SystemPrompt,
		}, runner)
		if err != nil {
			return nil, fmt.Errorf("class %s: %w", name, err)
		}
		reg.Register(name, g)
	}
	return reg, nil
}

func routingConfig(rc config.RoutingConfig) routing.Config {
	rules := make([]routing.Rule, 0, len(rc.Rules))
	for _, r := range rc.Rules {
		rules = append(rules, routing.Rule{Class: r.Class, MaxComplexity: r.MaxComplexity})
	}
	return routing.Config{
		CriteriaWeight: rc.CriteriaWeight,
		FilesWeight:    rc.FilesWeight,
		ContextWeight:  rc.ContextWeight,
		DefaultClass:   rc.DefaultClass,
		Rules:          rules,
	}
}

func retryConfig(sc config.StagesConfig) orchestrator.RetryConfig {
	rc := orchestrator.DefaultRetryConfig()
	rc.MaxAttempts = sc.MaxAttempts
	if sc.Retry.InitialInterval > 0 {
		rc.InitialInterval = sc.Retry.InitialInterval
	}
	if sc.Retry.MaxInterval > 0 {
		rc.MaxInterval = sc.Retry.MaxInterval
	}
	if sc.Retry.Multiplier > 0 {
		rc.Multiplier = sc.Retry.Multiplier
	}
	rc.RandomizationFactor = sc.Retry.RandomizationFactor
	return rc
}

func slotIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("slot-%d", i+1)
	}
	return ids
}
