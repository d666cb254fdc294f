// Package models defines the shared data model for the Chorus agent runtime:
// agents, conversation messages, execution branches, tracked subprocesses,
// process callbacks, and session snapshots.
package models

import (
	"fmt"
	"regexp"
	"time"
)

// DefaultSystemPrompt seeds agents created without an explicit prompt.
const DefaultSystemPrompt = "You are a general-purpose AI agent. You have access to a workspace directory " +
	"where you can create, edit, and view files, run commands, and manage a git " +
	"repository. Use your tools to accomplish tasks. Maintain notes about your " +
	"workspace in your docs/ directory."

// DefaultPermissions is the profile preset assigned to new agents.
const DefaultPermissions = "standard"

// Agent names: lowercase alphanumerics and hyphens, 2-32 chars, no leading
// or trailing hyphen. Names become directory names and Discord channel names.
var agentNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,30}[a-z0-9]$`)

// Agent is a named, durable entity with its own workspace, docs directory,
// model, permission profile, and channel binding.
type Agent struct {
	Name         string    `json:"name"`
	ChannelID    string    `json:"channel_id"`
	GuildID      string    `json:"guild_id,omitempty"`
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"system_prompt"`
	Permissions  string    `json:"permissions"`
	WebSearch    bool      `json:"web_search"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewAgent returns an agent with runtime defaults applied.
func NewAgent(name string) *Agent {
	return &Agent{
		Name:         name,
		SystemPrompt: DefaultSystemPrompt,
		Permissions:  DefaultPermissions,
		CreatedAt:    time.Now().UTC(),
	}
}

// ValidateAgentName checks a name against the naming rules.
func ValidateAgentName(name string) error {
	if !agentNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q (want lowercase letters, digits and hyphens, 2-32 chars, no leading or trailing hyphen)",
			ErrInvalidAgentName, name)
	}
	return nil
}
