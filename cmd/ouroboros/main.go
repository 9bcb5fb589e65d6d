// Package main is the Ouroboros entry point. The same binary is both the
// supervisor (the long-running control process) and, re-executed with the
// hidden worker subcommand, one worker process of the pool.
//
// Start the runtime:
//
//	ouroboros run
//
// # Environment Variables
//
// Configuration comes from the environment; only a bot token is required:
//
//   - CHAT_BOT_TOKEN: Telegram bot token (required)
//   - RUNTIME_DIR: runtime state root (default: ./.runtime)
//   - REPO_DIR: the runtime's own repository (default: cwd)
//   - TOTAL_BUDGET_USD: process-wide spend ceiling (default: 50)
//   - MAX_WORKERS: worker pool size (default: 2)
//   - OPENROUTER_API_KEY and friends: LLM provider credentials
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/ouroboros/internal/agent"
	"github.com/haasonsaas/ouroboros/internal/chat"
	"github.com/haasonsaas/ouroboros/internal/chat/telegram"
	"github.com/haasonsaas/ouroboros/internal/config"
	"github.com/haasonsaas/ouroboros/internal/events"
	"github.com/haasonsaas/ouroboros/internal/gitops"
	"github.com/haasonsaas/ouroboros/internal/llm"
	"github.com/haasonsaas/ouroboros/internal/observability"
	"github.com/haasonsaas/ouroboros/internal/state"
	"github.com/haasonsaas/ouroboros/internal/supervisor"
	"github.com/haasonsaas/ouroboros/internal/tasks"
	"github.com/haasonsaas/ouroboros/internal/tools"
	"github.com/haasonsaas/ouroboros/internal/usage"
	"github.com/haasonsaas/ouroboros/internal/workers"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ouroboros",
		Short: "Ouroboros - self-modifying agent runtime",
		Long: `Ouroboros is a self-modifying agent runtime. Its owner addresses it over
Telegram; messages become tasks dispatched to a pool of LLM-driven workers
that can read and edit the runtime's own repository, commit to a dev
branch, spend against a shared budget, and restart the process to pick up
their own changes.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildRunCmd(), buildWorkerCmd())
	return root
}

func buildRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSupervisor(cmd.Context())
		},
	}
}

func buildWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run one worker process (spawned by the supervisor)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runSupervisor(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, shutdownTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    "ouroboros",
		ServiceVersion: version,
		Endpoint:       cfg.OTELEndpoint,
	})
	if err != nil {
		logger.Warn("tracing unavailable", "error", err)
	} else {
		defer func() { _ = shutdownTracer(context.Background()) }()
	}

	layout := state.Layout{Root: cfg.RuntimeDir}
	if err := layout.Ensure(); err != nil {
		return err
	}
	store, err := state.NewStore(layout, logger)
	if err != nil {
		return err
	}
	// The budget ceiling follows config; spend survives restarts. Each
	// incarnation gets a fresh session id.
	if err := store.Mutate(func(sn *state.Snapshot) {
		sn.BudgetTotalUSD = cfg.TotalBudgetUSD
		sn.SessionID = uuid.NewString()
	}); err != nil {
		logger.Warn("startup state write failed", "error", err)
	}

	transport, err := telegram.New(cfg.ChatBotToken)
	if err != nil {
		return err
	}

	// The supervisor estimates costs for usage records that arrive without
	// one, so pricing overrides apply here as well as in workers.
	if override, err := config.LoadModels(cfg.ModelsFile); err != nil {
		logger.Warn("models file ignored", "path", cfg.ModelsFile, "error", err)
	} else {
		for model, cost := range override.Pricing {
			usage.SetPricing(model, cost)
		}
	}

	git := gitops.New(gitops.Options{
		RepoDir:      cfg.RepoDir,
		DevBranch:    cfg.BranchDev,
		StableBranch: cfg.BranchStable,
		LockPath:     layout.GitLock(),
		Logger:       logger,
	})
	logger.Info("supervisor starting",
		"version", version,
		"repo", cfg.RepoDir,
		"dev_branch", git.DevBranch(),
		"stable_branch", git.StableBranch(),
		"workers", cfg.MaxWorkers)

	metrics := observability.NewMetrics()
	queue := tasks.NewQueue(tasks.Options{
		SnapshotPath: layout.QueueSnapshot(),
		SoftTimeout:  cfg.SoftTimeout,
		HardTimeout:  cfg.HardTimeout,
		Logger:       logger,
		Metrics:      metrics,
	})

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	pool := workers.NewPool(workers.PoolOptions{
		Size:   cfg.MaxWorkers,
		Binary: exe,
		Args:   []string{"worker"},
		Env:    os.Environ(),
		Logger: logger,
	})

	sup := supervisor.New(supervisor.Options{
		Config:    cfg,
		Store:     store,
		Transport: transport,
		Queue:     queue,
		Pool:      pool,
		Git:       git,
		Metrics:   metrics,
		Logger:    logger,
	})
	return sup.Run(ctx)
}

func runWorker(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	workerID, _ := strconv.Atoi(os.Getenv("WORKER_ID"))

	// stdout is the event pipe; logs go to stderr.
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stderr,
	}).With("worker_id", workerID)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	layout := state.Layout{Root: cfg.RuntimeDir}
	store, err := state.NewStore(layout, logger)
	if err != nil {
		return err
	}

	git := gitops.New(gitops.Options{
		RepoDir:      cfg.RepoDir,
		DevBranch:    cfg.BranchDev,
		StableBranch: cfg.BranchStable,
		LockPath:     layout.GitLock(),
		Logger:       logger,
	})

	var transport chat.Transport
	if cfg.TypingEnabled {
		tg, err := telegram.New(cfg.ChatBotToken)
		if err != nil {
			return err
		}
		transport = tg
	}

	override, err := config.LoadModels(cfg.ModelsFile)
	if err != nil {
		logger.Warn("models file ignored", "path", cfg.ModelsFile, "error", err)
		override = &config.ModelsOverride{}
	}
	for model, cost := range override.Pricing {
		usage.SetPricing(model, cost)
	}
	llmClient := llm.NewClient(llm.Options{
		Registry:   llm.LoadRegistry(override),
		Profiles:   llm.LoadProfiles(override),
		Preference: os.Getenv("OUROBOROS_PROVIDER"),
		Logger:     logger,
	})

	// The runtime is assigned below; tools and the agent emit through it.
	var rt *workers.Runtime
	emit := func(ev events.Event) { rt.Emit(ev) }

	registry := tools.NewRegistry(store, nil, logger)
	if err := tools.RegisterBuiltins(registry, &tools.Env{
		RepoDir:     cfg.RepoDir,
		DriveDir:    layout.MemoryDir(),
		Git:         git,
		Emit:        emit,
		CodeEditCmd: cfg.CodeEditCmd,
		Logger:      logger,
	}); err != nil {
		return err
	}

	loop := agent.New(agent.Options{
		LLM:     llmClient,
		Tools:   registry,
		Journal: store,
		Emit:    emit,
		RemainingBudget: func() float64 {
			// Reload picks up budget updates the supervisor persisted.
			snap, _ := store.Reload()
			return snap.RemainingBudget()
		},
		Repo:    git,
		RepoDir: cfg.RepoDir,
		Layout:  layout,
		Config: agent.Config{
			MaxToolRounds: cfg.MaxToolRounds,
			LLMMaxRetries: cfg.LLMMaxRetries,
		},
		Logger: logger,
	})

	rt = workers.NewRuntime(workers.RuntimeOptions{
		ID:        workerID,
		Runner:    loop,
		Journal:   store,
		Transport: transport,
		Layout:    layout,
		In:        os.Stdin,
		Out:       os.Stdout,
		Logger:    logger,
	})
	return rt.Run(ctx)
}
