package main

import (
	"context"
	"fmt"
	"io"

	"github.com/haasonsaas/chorus/internal/agent"
)

// =============================================================================
// Agent Command Handlers
// =============================================================================

// runAgentsList prints the registered agents as a table.
func runAgentsList(ctx context.Context, out io.Writer, configPath, guildID string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	mgr, err := openManager(cfg, st)
	if err != nil {
		return err
	}

	agents, err := mgr.List(ctx, guildID)
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Fprintln(out, "No agents defined.")
		return nil
	}

	fmt.Fprintln(out, "Name            Model                        Permissions  Web  Channel")
	fmt.Fprintln(out, "--------------  ---------------------------  -----------  ---  -------------------")
	for _, ag := range agents {
		web := "off"
		if ag.WebSearch {
			web = "on"
		}
		fmt.Fprintf(out, "%-14s  %-27s  %-11s  %-3s  %s\n",
			truncate(ag.Name, 14),
			truncate(valueOrDash(ag.Model), 27),
			ag.Permissions,
			web,
			valueOrDash(ag.ChannelID),
		)
	}
	fmt.Fprintln(out)

	return nil
}

// runAgentsCreate creates an agent and reports the resulting identity.
func runAgentsCreate(ctx context.Context, out io.Writer, configPath, name, description, model, permissions string, webSearch *bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	mgr, err := openManager(cfg, st)
	if err != nil {
		return err
	}

	ag, err := mgr.Create(ctx, name, "", "", agent.CreateOverrides{
		SystemPrompt: description,
		Model:        model,
		Permissions:  permissions,
		WebSearch:    webSearch,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Created agent: %s\n", ag.Name)
	fmt.Fprintf(out, "  Model: %s\n", valueOrDash(ag.Model))
	fmt.Fprintf(out, "  Permissions: %s\n", ag.Permissions)
	fmt.Fprintf(out, "  Web search: %v\n", ag.WebSearch)
	fmt.Fprintln(out, "The agent gets its channel when the runtime next connects.")

	return nil
}

// runAgentsDestroy removes an agent.
func runAgentsDestroy(ctx context.Context, out io.Writer, configPath, name string, keepFiles bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	mgr, err := openManager(cfg, st)
	if err != nil {
		return err
	}

	if err := mgr.Destroy(ctx, name, keepFiles); err != nil {
		return err
	}
	if keepFiles {
		fmt.Fprintf(out, "Destroyed agent %s (files moved to trash).\n", name)
	} else {
		fmt.Fprintf(out, "Destroyed agent %s.\n", name)
	}

	return nil
}

// runAgentsConfigure sets one configuration key on an agent.
func runAgentsConfigure(ctx context.Context, out io.Writer, configPath, name, key, value string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	mgr, err := openManager(cfg, st)
	if err != nil {
		return err
	}

	if err := mgr.Configure(ctx, name, key, value); err != nil {
		return err
	}
	fmt.Fprintf(out, "Configured %s: %s = %s\n", name, key, value)

	return nil
}
