package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/haasonsaas/chorus/internal/llm"
)

// =============================================================================
// Models Command Handlers
// =============================================================================

// runModelsList prints the cached discovery results per provider.
func runModelsList(out io.Writer, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	cache := llm.ReadModelCache(cfg.Home)
	if cache == nil {
		fmt.Fprintln(out, `No model cache. Run "chorus models refresh".`)
		return nil
	}

	fmt.Fprintf(out, "Last updated: %s\n\n", cache.LastUpdated)
	printModelCache(out, cache)

	return nil
}

// runModelsRefresh validates keys, queries each provider's model list,
// and rewrites the cache.
func runModelsRefresh(ctx context.Context, out io.Writer, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.LLM.Anthropic.APIKey == "" && cfg.LLM.OpenAI.APIKey == "" {
		return fmt.Errorf("no API keys configured; set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}

	cache, err := llm.DiscoverFromKeys(ctx, cfg.Home, cfg.LLM.Anthropic.APIKey, cfg.LLM.OpenAI.APIKey)
	if err != nil {
		return err
	}

	printModelCache(out, cache)
	fmt.Fprintf(out, "Cache written: %s\n", cfg.ModelCachePath())

	return nil
}

// printModelCache prints providers in stable order with their models.
func printModelCache(out io.Writer, cache *llm.ModelCache) {
	names := make([]string, 0, len(cache.Providers))
	for name := range cache.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		status := cache.Providers[name]
		if !status.Valid {
			fmt.Fprintf(out, "%s: key invalid\n", name)
			continue
		}
		fmt.Fprintf(out, "%s: %d model(s)\n", name, len(status.Models))
		for _, m := range status.Models {
			fmt.Fprintf(out, "  - %s\n", m)
		}
	}
}
