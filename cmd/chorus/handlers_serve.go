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

	"github.com/haasonsaas/chorus/internal/agent"
	"github.com/haasonsaas/chorus/internal/channels/discord"
	"github.com/haasonsaas/chorus/internal/config"
	"github.com/haasonsaas/chorus/internal/llm"
	"github.com/haasonsaas/chorus/internal/observability"
	"github.com/haasonsaas/chorus/internal/process"
	"github.com/haasonsaas/chorus/internal/store"
	"github.com/haasonsaas/chorus/internal/tools"
	"github.com/haasonsaas/chorus/pkg/models"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe implements the serve command logic.
// It handles configuration loading, runtime assembly, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug, hostExecution bool) error {
	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(buildLogger(cfg.Logging, debug))
	logger := slog.Default()

	slog.Info("starting Chorus runtime",
		"version", version,
		"commit", commit,
		"home", cfg.Home,
		"debug", debug,
	)

	if err := cfg.RequireDiscordToken(); err != nil {
		return err
	}

	// Global agent defaults live in <home>/config.json so runtime edits
	// survive restarts; the config file only seeds them.
	defaults, err := config.LoadGlobalDefaults(cfg.DefaultsPath(), cfg.Defaults)
	if err != nil {
		return fmt.Errorf("load global defaults: %w", err)
	}

	st, err := store.Open(cfg.Database.URL, filepath.Join(cfg.Home, "chorus.db"), storeOptions(cfg.Database))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var (
		metrics    *observability.Metrics
		metricsSrv *observability.Server
	)
	if cfg.Metrics.Enabled {
		metrics = observability.New(nil)
		metricsSrv = observability.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port), nil, logger)
		st = observability.InstrumentStore(st, metrics)
	}

	dir := agent.NewDirectory(cfg.Home, templateDir(cfg.Home), logger)
	agents := agent.NewManager(agent.ManagerConfig{
		Directory: dir,
		Store:     st,
		Defaults:  defaults,
		Refine:    agent.RefinePrompt,
		Logger:    logger,
	})

	procSup := process.NewSupervisor(process.Config{
		Home:          cfg.Home,
		Store:         st,
		HostExecution: hostExecution,
		Logger:        logger,
	})

	router, err := llm.NewRouterFromKeys(cfg.LLM.Anthropic.APIKey, cfg.LLM.OpenAI.APIKey)
	if err != nil {
		slog.Warn("interjection router disabled", "error", err)
		router = nil
	}

	adapter, err := discord.New(discord.Config{
		Token:         cfg.Discord.Token,
		DevGuildID:    cfg.Discord.DevGuildID,
		Agents:        agents,
		Dir:           dir,
		Store:         st,
		Home:          cfg.Home,
		HostExecution: hostExecution,
		Registry:      observability.InstrumentRegistry(tools.DefaultRegistry(), metrics),
		Router:        router,
		Processes:     procSup,
		Callbacks:     process.NewBuilder(logger).Build,
		Metrics:       metrics,
		Defaults:      *defaults,
		AnthropicKey:  cfg.LLM.Anthropic.APIKey,
		OpenAIKey:     cfg.LLM.OpenAI.APIKey,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("create discord adapter: %w", err)
	}

	// The dispatcher routes process events to hook actions; the adapter
	// supplies the branch-facing side.
	var observer process.Observer
	if metrics != nil {
		observer = metrics
	}
	dispatcher := process.NewDispatcher(process.DispatcherConfig{
		Supervisor: procSup,
		Spawner:    adapter,
		KillBranch: func(agentName string, branchID int64) {
			adapter.SupervisorFor(agentName).Kill(branchID)
		},
		Inject: func(agentName string, branchID int64, text string) {
			if b, ok := adapter.SupervisorFor(agentName).Get(branchID); ok {
				b.Inject(models.Message{Role: models.RoleUser, Content: text})
			}
		},
		Notify: func(agentName, text string, tracked *models.TrackedProcess) {
			notifyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := adapter.NotifyAgent(notifyCtx, agentName, text); err != nil {
				slog.Warn("hook notification failed", "agent", agentName, "error", err)
			}
		},
		Observer: observer,
		Logger:   logger,
	})
	dispatcher.Wire()

	// Create a context that cancels on shutdown signals.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Rows from the previous run cannot be reattached; mark them lost
	// before new spawns reuse their PIDs.
	if lost, err := procSup.RecoverOnStartup(ctx); err != nil {
		slog.Warn("process recovery failed", "error", err)
	} else if lost > 0 {
		slog.Info("marked orphaned processes lost", "count", lost)
	}

	if metricsSrv != nil {
		if err := metricsSrv.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		slog.Info("metrics server listening", "addr", metricsSrv.Addr())
	}

	if err := adapter.Start(ctx); err != nil {
		return fmt.Errorf("start discord adapter: %w", err)
	}

	// Model discovery runs in the background; agents start on cached
	// results until it lands.
	go func() {
		discoverCtx, discoverCancel := context.WithTimeout(ctx, 30*time.Second)
		defer discoverCancel()
		if _, err := llm.DiscoverFromKeys(discoverCtx, cfg.Home, cfg.LLM.Anthropic.APIKey, cfg.LLM.OpenAI.APIKey); err != nil {
			slog.Warn("model discovery failed", "error", err)
		}
	}()

	slog.Info("Chorus runtime started")

	// Wait for a shutdown signal.
	<-ctx.Done()
	slog.Info("shutdown signal received, initiating graceful shutdown")

	// Create a timeout context for graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := adapter.Stop(shutdownCtx); err != nil {
		slog.Warn("discord adapter shutdown failed", "error", err)
	}
	if metricsSrv != nil {
		metricsSrv.Stop(shutdownCtx)
	}

	slog.Info("Chorus runtime stopped gracefully")
	return nil
}

// buildLogger constructs the slog handler per the logging config. The
// debug flag overrides the configured level.
func buildLogger(lc config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// storeOptions maps the database config onto pool options, keeping
// defaults for anything unset.
func storeOptions(dc config.DatabaseConfig) *store.Options {
	opts := store.DefaultOptions()
	if dc.MaxConnections > 0 {
		opts.MaxOpenConns = dc.MaxConnections
	}
	if dc.ConnMaxLifetime > 0 {
		opts.ConnMaxLifetime = dc.ConnMaxLifetime
	}
	return opts
}

// templateDir resolves the agent template directory: CHORUS_TEMPLATE_DIR
// when set, otherwise <home>/template.
func templateDir(home string) string {
	if dir := os.Getenv("CHORUS_TEMPLATE_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(home, "template")
}
