package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/chorus/internal/permissions"
)

// toolCategory maps tool names to permission categories. Tools absent
// from the map use their own name as the category, which makes unlisted
// tools an implicit deny under restrictive profiles.
var toolCategory = map[string]string{
	"create_file": "file",
	"str_replace": "file",
	"view":        "file",

	"bash": "bash",

	"git_init":          "git",
	"git_commit":        "git",
	"git_push":          "git",
	"git_branch":        "git",
	"git_checkout":      "git",
	"git_diff":          "git",
	"git_log":           "git",
	"git_merge_request": "git",

	"self_edit_system_prompt": "self_edit",
	"self_edit_docs":          "self_edit",
	"self_edit_permissions":   "self_edit",
	"self_edit_model":         "self_edit",
	"self_edit_web_search":    "self_edit",

	"claude_code": "claude_code",

	"send_to_agent":   "agent_comm",
	"read_agent_docs": "agent_comm",
	"list_agents":     "agent_comm",

	"run_concurrent": "run_concurrent",
	"run_background": "run_background",

	"list_models":    "info",
	"agent_info":     "info",
	"branch_status":  "info",
	"list_processes": "info",
}

const maxClaudeCodeActionLen = 100

// BuildAction derives the permission action string for a tool call, e.g.
// "tool:file:notes/plan.md" or "tool:git:commit {\"message\":\"fix\"}".
func BuildAction(toolName string, args map[string]any) string {
	category, ok := toolCategory[toolName]
	if !ok {
		category = toolName
	}

	var detail string
	switch category {
	case "file":
		detail = stringOr(args, "path", jsonArgs(args))
	case "bash":
		detail = stringOr(args, "command", jsonArgs(args))
	case "git":
		op := strings.TrimPrefix(toolName, "git_")
		detail = op + " " + jsonArgs(args)
	case "self_edit":
		detail = selfEditDetail(toolName, args)
	case "claude_code":
		task := stringOr(args, "task", "")
		if runes := []rune(task); len(runes) > maxClaudeCodeActionLen {
			task = string(runes[:maxClaudeCodeActionLen])
		}
		detail = task
	case "agent_comm":
		detail = agentCommDetail(toolName, args)
	case "run_concurrent", "run_background":
		detail = stringOr(args, "command", jsonArgs(args))
	case "info":
		detail = toolName
	default:
		detail = jsonArgs(args)
	}

	return permissions.FormatAction(category, detail)
}

func selfEditDetail(toolName string, args map[string]any) string {
	sub := strings.TrimPrefix(toolName, "self_edit_")
	switch sub {
	case "docs":
		return "docs " + stringOr(args, "path", "")
	case "system_prompt":
		return "system_prompt"
	case "permissions":
		return "permissions " + stringOr(args, "profile", "")
	case "model":
		return "model " + stringOr(args, "model", "")
	case "web_search":
		if enabled, ok := args["enabled"].(bool); ok {
			return fmt.Sprintf("web_search %t", enabled)
		}
		return "web_search"
	}
	return sub
}

func agentCommDetail(toolName string, args map[string]any) string {
	switch toolName {
	case "send_to_agent":
		return "send " + stringOr(args, "target_agent", "")
	case "read_agent_docs":
		return "read_docs " + stringOr(args, "target_agent", "")
	}
	return "list"
}

func stringOr(args map[string]any, key, fallback string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return fallback
}

func jsonArgs(args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(b)
}
