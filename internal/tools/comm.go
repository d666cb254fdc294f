package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Inter-agent communication: fire-and-forget messages, docs reading, and
// agent listing. Messages run in the target agent's channel as a new
// branch under the target's own permissions.

// extractFirstParagraph returns the first prose line of a markdown
// document, skipping headings, emphasis-only lines, and blockquotes,
// capped at 200 characters.
func extractFirstParagraph(markdown string) string {
	for _, line := range strings.Split(markdown, "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			continue
		}
		if strings.HasPrefix(stripped, "#") ||
			strings.HasPrefix(stripped, "*") ||
			strings.HasPrefix(stripped, ">") {
			continue
		}
		if runes := []rune(stripped); len(runes) > 200 {
			return string(runes[:197]) + "..."
		}
		return stripped
	}
	return ""
}

func agentDirExists(chorusHome, agent string) bool {
	info, err := os.Stat(filepath.Join(chorusHome, "agents", agent))
	return err == nil && info.IsDir()
}

// SendToAgent delivers a message to another agent by spawning a branch
// in its channel. The result is always a JSON document.
func SendToAgent(ctx context.Context, targetAgent, message string, exec ExecContext) string {
	if targetAgent == exec.AgentName {
		return errorResult("Cannot send a message to your own agent.")
	}
	if exec.ChorusHome != "" && !agentDirExists(exec.ChorusHome, targetAgent) {
		return errorResult(fmt.Sprintf("Agent '%s' not found.", targetAgent))
	}
	if exec.Messenger == nil {
		return errorResult("Messenger not available: cannot deliver messages.")
	}

	attributed := fmt.Sprintf("Message from agent '%s': %s", exec.AgentName, message)
	if err := exec.Messenger.SpawnAgentBranch(ctx, targetAgent, attributed, exec.AgentName); err != nil {
		return errorResult(fmt.Sprintf("Failed to deliver message to '%s': %v", targetAgent, err))
	}

	out, _ := json.Marshal(map[string]any{"delivered": true, "target": targetAgent})
	return string(out)
}

// ReadAgentDocs returns every .md file under another agent's docs/
// directory keyed by relative path.
func ReadAgentDocs(targetAgent string, exec ExecContext) string {
	if targetAgent == exec.AgentName {
		return errorResult("Use your own docs/ directory directly.")
	}
	if exec.ChorusHome == "" {
		return errorResult("chorus_home not configured.")
	}
	if !agentDirExists(exec.ChorusHome, targetAgent) {
		return errorResult(fmt.Sprintf("Agent '%s' not found.", targetAgent))
	}

	docsDir := filepath.Join(exec.ChorusHome, "agents", targetAgent, "docs")
	docs := map[string]string{}
	_ = filepath.WalkDir(docsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		rel, relErr := filepath.Rel(docsDir, path)
		if relErr != nil {
			return nil
		}
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			docs[rel] = "(unreadable)"
			return nil
		}
		docs[rel] = string(raw)
		return nil
	})

	out, _ := json.Marshal(map[string]any{"agent": targetAgent, "docs": docs})
	return string(out)
}

// agentListing is one row of the list_agents result.
type agentListing struct {
	Name        string `json:"name"`
	Model       string `json:"model"`
	Description string `json:"description"`
}

// ListAgents returns all agents except the caller, with model and a
// short description pulled from docs/README.md.
func ListAgents(exec ExecContext) string {
	empty, _ := json.Marshal(map[string]any{"agents": []agentListing{}})
	if exec.ChorusHome == "" {
		return string(empty)
	}
	agentsDir := filepath.Join(exec.ChorusHome, "agents")
	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		return string(empty)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && entry.Name() != exec.AgentName {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	listings := make([]agentListing, 0, len(names))
	for _, name := range names {
		listing := agentListing{Name: name}

		if raw, err := os.ReadFile(filepath.Join(agentsDir, name, "agent.json")); err == nil {
			var data map[string]any
			if json.Unmarshal(raw, &data) == nil {
				listing.Model, _ = data["model"].(string)
			}
		}
		if raw, err := os.ReadFile(filepath.Join(agentsDir, name, "docs", "README.md")); err == nil {
			listing.Description = extractFirstParagraph(string(raw))
		}

		listings = append(listings, listing)
	}

	out, _ := json.Marshal(map[string]any{"agents": listings})
	return string(out)
}

func handleSendToAgent(ctx context.Context, inv Invocation) (string, error) {
	return SendToAgent(ctx, stringArg(inv.Args, "target_agent"), stringArg(inv.Args, "message"), inv.Exec), nil
}

func handleReadAgentDocs(ctx context.Context, inv Invocation) (string, error) {
	return ReadAgentDocs(stringArg(inv.Args, "target_agent"), inv.Exec), nil
}

func handleListAgents(ctx context.Context, inv Invocation) (string, error) {
	return ListAgents(inv.Exec), nil
}
