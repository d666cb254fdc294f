package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/haasonsaas/chorus/internal/agent"
	"github.com/haasonsaas/chorus/internal/config"
	"github.com/haasonsaas/chorus/internal/store"
)

// =============================================================================
// Shared CLI Helpers
// =============================================================================

// loadConfig resolves and loads the configuration for offline commands.
// Unlike serve, no Discord token is required.
func loadConfig(configPath string) (*config.Config, error) {
	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured store: Postgres when database.url is
// set, otherwise sqlite under the home directory.
func openStore(cfg *config.Config) (store.Store, error) {
	st, err := store.Open(cfg.Database.URL, filepath.Join(cfg.Home, "chorus.db"), storeOptions(cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// openManager assembles an agent manager for offline commands. Prompt
// refinement is disabled; CLI commands never call an LLM.
func openManager(cfg *config.Config, st store.Store) (*agent.Manager, error) {
	defaults, err := config.LoadGlobalDefaults(cfg.DefaultsPath(), cfg.Defaults)
	if err != nil {
		return nil, fmt.Errorf("load global defaults: %w", err)
	}
	dir := agent.NewDirectory(cfg.Home, templateDir(cfg.Home), slog.Default())
	return agent.NewManager(agent.ManagerConfig{
		Directory: dir,
		Store:     st,
		Defaults:  defaults,
		Logger:    slog.Default(),
	}), nil
}

// truncate shortens s to max runes, ending with an ellipsis when cut.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

// valueOrDash substitutes "-" for empty table cells.
func valueOrDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
