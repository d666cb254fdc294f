package tools

import (
	"strings"
	"testing"
)

func TestBuildAction(t *testing.T) {
	tests := []struct {
		name string
		tool string
		args map[string]any
		want string
	}{
		{
			"file tool uses path",
			"create_file",
			map[string]any{"path": "notes/plan.md", "content": "x"},
			"tool:file:notes/plan.md",
		},
		{
			"view uses path",
			"view",
			map[string]any{"path": "README.md"},
			"tool:file:README.md",
		},
		{
			"bash uses command",
			"bash",
			map[string]any{"command": "ls -la"},
			"tool:bash:ls -la",
		},
		{
			"git includes op and args json",
			"git_commit",
			map[string]any{"message": "fix"},
			`tool:git:commit {"message":"fix"}`,
		},
		{
			"git init empty args",
			"git_init",
			map[string]any{},
			"tool:git:init {}",
		},
		{
			"self edit system prompt",
			"self_edit_system_prompt",
			map[string]any{"new_prompt": "be terse"},
			"tool:self_edit:system_prompt",
		},
		{
			"self edit docs includes path",
			"self_edit_docs",
			map[string]any{"path": "howto.md", "content": "x"},
			"tool:self_edit:docs howto.md",
		},
		{
			"self edit permissions includes preset",
			"self_edit_permissions",
			map[string]any{"profile": "guarded"},
			"tool:self_edit:permissions guarded",
		},
		{
			"self edit model includes id",
			"self_edit_model",
			map[string]any{"model": "claude-sonnet-4-5"},
			"tool:self_edit:model claude-sonnet-4-5",
		},
		{
			"self edit web search includes flag",
			"self_edit_web_search",
			map[string]any{"enabled": true},
			"tool:self_edit:web_search true",
		},
		{
			"send to agent names target",
			"send_to_agent",
			map[string]any{"target_agent": "scout", "message": "ping"},
			"tool:agent_comm:send scout",
		},
		{
			"read agent docs names target",
			"read_agent_docs",
			map[string]any{"target_agent": "scout"},
			"tool:agent_comm:read_docs scout",
		},
		{
			"list agents",
			"list_agents",
			map[string]any{},
			"tool:agent_comm:list",
		},
		{
			"run concurrent uses command",
			"run_concurrent",
			map[string]any{"command": "npm test"},
			"tool:run_concurrent:npm test",
		},
		{
			"run background uses command",
			"run_background",
			map[string]any{"command": "python serve.py"},
			"tool:run_background:python serve.py",
		},
		{
			"info tools use tool name",
			"list_models",
			map[string]any{},
			"tool:info:list_models",
		},
		{
			"list processes is info",
			"list_processes",
			map[string]any{},
			"tool:info:list_processes",
		},
		{
			"branch status is info",
			"branch_status",
			map[string]any{},
			"tool:info:branch_status",
		},
		{
			"unlisted tool falls back to own name",
			"kill_process",
			map[string]any{"pid": float64(42)},
			`tool:kill_process:{"pid":42}`,
		},
		{
			"add process callbacks falls back to own name",
			"add_process_callbacks",
			map[string]any{"pid": float64(7), "instructions": "notify"},
			`tool:add_process_callbacks:{"instructions":"notify","pid":7}`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := BuildAction(tc.tool, tc.args)
			if got != tc.want {
				t.Errorf("BuildAction(%s) = %q, want %q", tc.tool, got, tc.want)
			}
		})
	}
}

func TestBuildActionClaudeCodeTruncation(t *testing.T) {
	task := strings.Repeat("x", 250)
	got := BuildAction("claude_code", map[string]any{"task": task})
	want := "tool:claude_code:" + strings.Repeat("x", 100)
	if got != want {
		t.Errorf("claude_code action not truncated to 100 chars: len=%d", len(got))
	}
}

func TestBuildActionWebSearchMissingFlag(t *testing.T) {
	got := BuildAction("self_edit_web_search", map[string]any{})
	if got != "tool:self_edit:web_search" {
		t.Errorf("BuildAction(self_edit_web_search, no args) = %q", got)
	}
}
