package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/chorus/internal/config"
	"github.com/haasonsaas/chorus/internal/store"
	"github.com/haasonsaas/chorus/pkg/models"
)

// configurableKeys is the configure allowlist. Everything else on an
// agent is immutable after creation.
var configurableKeys = map[string]bool{
	"system_prompt": true,
	"model":         true,
	"permissions":   true,
	"web_search":    true,
}

// CreateOverrides carries per-agent settings supplied at creation. Zero
// values defer to the template and global defaults.
type CreateOverrides struct {
	// SystemPrompt doubles as the user description fed to prompt
	// refinement.
	SystemPrompt string
	Model        string
	Permissions  string
	WebSearch    *bool
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Directory *Directory
	Store     store.Store

	// Defaults supplies the global model and permission preset for agents
	// created without overrides.
	Defaults *config.GlobalDefaults

	// Refine tailors the template system prompt at creation. Nil disables
	// refinement.
	Refine RefineFunc

	Logger *slog.Logger
}

// Manager coordinates agent lifecycle across the filesystem and the
// store: the identity file is the source of truth for prompt and
// settings, the store row for channel routing.
type Manager struct {
	directory *Directory
	store     store.Store
	defaults  *config.GlobalDefaults
	refine    RefineFunc
	logger    *slog.Logger
}

// NewManager creates an agent lifecycle manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		directory: cfg.Directory,
		store:     cfg.Store,
		defaults:  cfg.Defaults,
		refine:    cfg.Refine,
		logger:    logger.With("component", "agent-manager"),
	}
}

// Create makes a new agent: validates the name, scaffolds the directory,
// refines the system prompt, applies overrides and global defaults, and
// registers the agent in the store.
func (m *Manager) Create(ctx context.Context, name, guildID, channelID string, overrides CreateOverrides) (*models.Agent, error) {
	if err := models.ValidateAgentName(name); err != nil {
		return nil, err
	}

	agent, err := m.directory.Create(name)
	if err != nil {
		return nil, err
	}
	agent.ChannelID = channelID
	agent.GuildID = guildID

	if m.refine != nil {
		refined, err := m.refine(ctx, name, overrides.SystemPrompt, agent.SystemPrompt)
		if err != nil {
			m.logger.Warn("prompt refinement failed", "agent", name, "error", err)
			if overrides.SystemPrompt != "" {
				refined = overrides.SystemPrompt
			}
		}
		agent.SystemPrompt = refined
	} else if overrides.SystemPrompt != "" {
		agent.SystemPrompt = overrides.SystemPrompt
	}

	if overrides.Model != "" {
		agent.Model = overrides.Model
	} else if agent.Model == "" && m.defaults != nil {
		agent.Model = m.defaults.DefaultModel
	}
	if overrides.Permissions != "" {
		agent.Permissions = overrides.Permissions
	} else if m.defaults != nil && m.defaults.DefaultPermissions != "" {
		agent.Permissions = m.defaults.DefaultPermissions
	}
	if overrides.WebSearch != nil {
		agent.WebSearch = *overrides.WebSearch
	}

	if err := m.directory.WriteIdentity(agent); err != nil {
		return nil, err
	}
	if m.store != nil {
		if err := m.store.RegisterAgent(ctx, agent); err != nil {
			return nil, fmt.Errorf("register agent: %w", err)
		}
	}

	m.logger.Info("created agent", "agent", name, "channel_id", channelID, "guild_id", guildID)
	return agent, nil
}

// Destroy removes an agent from the filesystem and the store. With
// keepFiles the directory is moved to trash instead of deleted.
func (m *Manager) Destroy(ctx context.Context, name string, keepFiles bool) error {
	if _, ok := m.directory.Get(name); !ok {
		return fmt.Errorf("%w: %q", models.ErrAgentNotFound, name)
	}
	if err := m.directory.Destroy(name, keepFiles); err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.RemoveAgent(ctx, name); err != nil {
			return fmt.Errorf("remove agent row: %w", err)
		}
	}
	m.logger.Info("destroyed agent", "agent", name, "keep_files", keepFiles)
	return nil
}

// List returns the registered agents, optionally filtered by guild.
func (m *Manager) List(ctx context.Context, guildID string) ([]*models.Agent, error) {
	if m.store == nil {
		names, err := m.directory.List()
		if err != nil {
			return nil, err
		}
		agents := make([]*models.Agent, 0, len(names))
		for _, name := range names {
			agent, err := m.directory.ReadIdentity(name)
			if err != nil {
				continue
			}
			agents = append(agents, agent)
		}
		return agents, nil
	}
	return m.store.ListAgents(ctx, guildID)
}

// Get returns an agent's full identity by name.
func (m *Manager) Get(name string) (*models.Agent, error) {
	return m.directory.ReadIdentity(name)
}

// ByChannel resolves the agent bound to a channel. The store row carries
// routing fields only, so the identity file supplies the prompt and
// settings when readable.
func (m *Manager) ByChannel(ctx context.Context, channelID string) (*models.Agent, error) {
	if m.store == nil {
		return nil, fmt.Errorf("%w: channel %s", models.ErrAgentNotFound, channelID)
	}
	row, err := m.store.GetAgentByChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	identity, err := m.directory.ReadIdentity(row.Name)
	if err != nil {
		return row, nil
	}
	identity.ChannelID = row.ChannelID
	identity.GuildID = row.GuildID
	return identity, nil
}

// Configure updates one configuration key on an agent. Allowed keys:
// system_prompt, model, permissions, web_search. Model and permissions
// changes are mirrored into the store row.
func (m *Manager) Configure(ctx context.Context, name, key, value string) error {
	if !configurableKeys[key] {
		return fmt.Errorf("cannot configure key %q; allowed: model, permissions, system_prompt, web_search", key)
	}
	agent, err := m.directory.ReadIdentity(name)
	if err != nil {
		return err
	}

	switch key {
	case "system_prompt":
		agent.SystemPrompt = value
	case "model":
		agent.Model = value
	case "permissions":
		agent.Permissions = value
	case "web_search":
		agent.WebSearch = parseWebSearch(value)
	}

	if err := m.directory.WriteIdentity(agent); err != nil {
		return err
	}
	if m.store != nil && (key == "model" || key == "permissions") {
		if err := m.store.UpdateAgentField(ctx, name, key, value); err != nil {
			return fmt.Errorf("update agent row: %w", err)
		}
	}

	m.logger.Info("configured agent", "agent", name, "key", key, "value", value)
	return nil
}

// parseWebSearch interprets the configure value for the web_search flag.
func parseWebSearch(value string) bool {
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	}
	return false
}
