package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/chorus/internal/llm"
	"github.com/haasonsaas/chorus/internal/permissions"
	"github.com/haasonsaas/chorus/internal/store"
)

// SelfEditResult is the structured result of a self-edit operation.
// Failed edits are results, not errors: the model reads the message and
// error code and decides what to do next.
type SelfEditResult struct {
	Success  bool   `json:"success"`
	EditType string `json:"edit_type"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
	Message  string `json:"message"`
	Error    string `json:"error,omitempty"`
}

// readAgentJSON loads agent.json from the workspace's parent directory.
func readAgentJSON(workspace string) (string, map[string]any, error) {
	path := filepath.Join(filepath.Dir(workspace), "agent.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read agent.json: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", nil, fmt.Errorf("parse agent.json: %w", err)
	}
	return path, data, nil
}

// atomicWriteJSON writes JSON via tmp file + rename.
func atomicWriteJSON(path string, data map[string]any) error {
	raw, err := json.MarshalIndent(data, "", "    ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func auditSelfEdit(ctx context.Context, st store.Store, agent, editType, oldValue, newValue, userID string) {
	if st == nil {
		return
	}
	// Audit failures never fail the edit itself.
	_ = st.LogSelfEdit(ctx, agent, editType, oldValue, newValue, userID)
}

// EditSystemPrompt updates the agent's system prompt in agent.json.
func EditSystemPrompt(ctx context.Context, newPrompt string, exec ExecContext) (*SelfEditResult, error) {
	if strings.TrimSpace(newPrompt) == "" {
		return &SelfEditResult{
			EditType: "system_prompt",
			Message:  "System prompt cannot be empty.",
			Error:    "empty_prompt",
		}, nil
	}

	path, data, err := readAgentJSON(exec.Workspace)
	if err != nil {
		return nil, err
	}
	oldPrompt, _ := data["system_prompt"].(string)
	data["system_prompt"] = newPrompt
	if err := atomicWriteJSON(path, data); err != nil {
		return nil, err
	}

	auditSelfEdit(ctx, exec.Store, exec.AgentName, "system_prompt", oldPrompt, newPrompt, exec.UserID)

	return &SelfEditResult{
		Success:  true,
		EditType: "system_prompt",
		OldValue: oldPrompt,
		NewValue: newPrompt,
		Message:  "System prompt updated.",
	}, nil
}

// EditDocs creates or updates a file in the agent's docs/ directory.
func EditDocs(ctx context.Context, path, content string, exec ExecContext) (*SelfEditResult, error) {
	docsDir := filepath.Join(filepath.Dir(exec.Workspace), "docs")
	if err := os.MkdirAll(docsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create docs dir: %w", err)
	}

	resolved, err := ResolveInWorkspace(docsDir, path)
	if err != nil {
		return &SelfEditResult{
			EditType: "docs",
			Message:  fmt.Sprintf("Path traversal denied: %q", path),
			Error:    "path_traversal",
		}, nil
	}

	oldValue := ""
	if raw, err := os.ReadFile(resolved); err == nil {
		oldValue = string(raw)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write doc file: %w", err)
	}

	auditSelfEdit(ctx, exec.Store, exec.AgentName, "docs", oldValue, content, exec.UserID)

	action := "created"
	if oldValue != "" {
		action = "updated"
	}
	return &SelfEditResult{
		Success:  true,
		EditType: "docs",
		OldValue: oldValue,
		NewValue: content,
		Message:  fmt.Sprintf("Doc file %s: %s", action, path),
	}, nil
}

// EditPermissions switches the agent to a named permission preset.
// Anyone can pick the restrictive presets; "open" requires an admin.
func EditPermissions(ctx context.Context, profile string, exec ExecContext) (*SelfEditResult, error) {
	if !permissions.ValidPreset(profile) {
		return &SelfEditResult{
			EditType: "permissions",
			NewValue: profile,
			Message: fmt.Sprintf("Unknown permission preset: %q. Available: %s",
				profile, strings.Join(permissions.PresetNames(), ", ")),
			Error: "unknown_preset",
		}, nil
	}
	if profile == "open" && !exec.IsAdmin {
		return &SelfEditResult{
			EditType: "permissions",
			NewValue: profile,
			Message:  "Only admins (Manage Server) can set 'open' permissions.",
			Error:    "insufficient_role",
		}, nil
	}

	path, data, err := readAgentJSON(exec.Workspace)
	if err != nil {
		return nil, err
	}
	oldProfile, _ := data["permissions"].(string)
	if oldProfile == "" {
		oldProfile = "standard"
	}
	data["permissions"] = profile
	if err := atomicWriteJSON(path, data); err != nil {
		return nil, err
	}

	if exec.Store != nil {
		if err := exec.Store.UpdateAgentField(ctx, exec.AgentName, "permissions", profile); err != nil {
			return nil, fmt.Errorf("update agent record: %w", err)
		}
	}
	auditSelfEdit(ctx, exec.Store, exec.AgentName, "permissions", oldProfile, profile, exec.UserID)

	return &SelfEditResult{
		Success:  true,
		EditType: "permissions",
		OldValue: oldProfile,
		NewValue: profile,
		Message:  fmt.Sprintf("Permissions updated to '%s'.", profile),
	}, nil
}

// resolveShortModelName expands a short model name ("opus", "haiku") to
// a full model ID via the discovery cache. Exact matches and unknown
// names pass through unchanged.
func resolveShortModelName(model, chorusHome string) string {
	if chorusHome == "" {
		return model
	}
	cached := llm.CachedModels(chorusHome)
	if len(cached) == 0 {
		return model
	}
	for _, m := range cached {
		if m == model {
			return model
		}
	}
	needle := strings.ToLower(model)
	for _, m := range cached {
		if strings.Contains(strings.ToLower(m), needle) {
			return m
		}
	}
	return model
}

// modelAvailable checks the discovery cache for a model, across every
// provider entry whether or not its key validated.
func modelAvailable(model, chorusHome string) bool {
	cache := llm.ReadModelCache(chorusHome)
	if cache == nil {
		return false
	}
	for _, prov := range cache.Providers {
		for _, m := range prov.Models {
			if m == model {
				return true
			}
		}
	}
	return false
}

// EditModel updates the agent's model, resolving short names against the
// discovery cache and rejecting models that are not available.
func EditModel(ctx context.Context, model string, exec ExecContext) (*SelfEditResult, error) {
	resolved := resolveShortModelName(model, exec.ChorusHome)

	if exec.ChorusHome != "" && !modelAvailable(resolved, exec.ChorusHome) {
		return &SelfEditResult{
			EditType: "model",
			NewValue: model,
			Message: fmt.Sprintf("Model %q is not available. "+
				"Run /settings validate-keys to refresh the model list.", model),
			Error: "unavailable_model",
		}, nil
	}

	path, data, err := readAgentJSON(exec.Workspace)
	if err != nil {
		return nil, err
	}
	oldModel, _ := data["model"].(string)
	data["model"] = resolved
	if err := atomicWriteJSON(path, data); err != nil {
		return nil, err
	}

	if exec.Store != nil {
		if err := exec.Store.UpdateAgentField(ctx, exec.AgentName, "model", resolved); err != nil {
			return nil, fmt.Errorf("update agent record: %w", err)
		}
	}
	auditSelfEdit(ctx, exec.Store, exec.AgentName, "model", oldModel, resolved, exec.UserID)

	return &SelfEditResult{
		Success:  true,
		EditType: "model",
		OldValue: oldModel,
		NewValue: resolved,
		Message:  fmt.Sprintf("Model updated to '%s'.", resolved),
	}, nil
}

// EditWebSearch toggles the agent's web search capability.
func EditWebSearch(ctx context.Context, enabled bool, exec ExecContext) (*SelfEditResult, error) {
	path, data, err := readAgentJSON(exec.Workspace)
	if err != nil {
		return nil, err
	}
	oldEnabled, _ := data["web_search"].(bool)
	data["web_search"] = enabled
	if err := atomicWriteJSON(path, data); err != nil {
		return nil, err
	}

	oldValue := fmt.Sprintf("%t", oldEnabled)
	newValue := fmt.Sprintf("%t", enabled)
	auditSelfEdit(ctx, exec.Store, exec.AgentName, "web_search", oldValue, newValue, exec.UserID)

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	return &SelfEditResult{
		Success:  true,
		EditType: "web_search",
		OldValue: oldValue,
		NewValue: newValue,
		Message:  fmt.Sprintf("Web search %s.", state),
	}, nil
}

func handleSelfEditSystemPrompt(ctx context.Context, inv Invocation) (string, error) {
	result, err := EditSystemPrompt(ctx, stringArg(inv.Args, "new_prompt"), inv.Exec)
	if err != nil {
		return "", err
	}
	return marshalResult(result)
}

func handleSelfEditDocs(ctx context.Context, inv Invocation) (string, error) {
	result, err := EditDocs(ctx, stringArg(inv.Args, "path"), stringArg(inv.Args, "content"), inv.Exec)
	if err != nil {
		return "", err
	}
	return marshalResult(result)
}

func handleSelfEditPermissions(ctx context.Context, inv Invocation) (string, error) {
	profile := stringArg(inv.Args, "profile")
	result, err := EditPermissions(ctx, profile, inv.Exec)
	if err != nil {
		return "", err
	}
	return marshalResult(result)
}

func handleSelfEditModel(ctx context.Context, inv Invocation) (string, error) {
	result, err := EditModel(ctx, stringArg(inv.Args, "model"), inv.Exec)
	if err != nil {
		return "", err
	}
	return marshalResult(result)
}

func handleSelfEditWebSearch(ctx context.Context, inv Invocation) (string, error) {
	result, err := EditWebSearch(ctx, boolArg(inv.Args, "enabled"), inv.Exec)
	if err != nil {
		return "", err
	}
	return marshalResult(result)
}
