package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/haasonsaas/chorus/internal/llm"
)

func handleListModels(ctx context.Context, inv Invocation) (string, error) {
	if inv.Exec.ChorusHome == "" {
		return errorResult("No chorus_home configured"), nil
	}
	cached := llm.CachedModels(inv.Exec.ChorusHome)
	if len(cached) == 0 {
		return marshalResult(map[string]any{
			"models":  []string{},
			"message": "No models cached. Run /settings validate-keys to discover models.",
		})
	}
	return marshalResult(map[string]any{"models": cached, "count": len(cached)})
}

func handleAgentInfo(ctx context.Context, inv Invocation) (string, error) {
	info := map[string]any{
		"name":      inv.Exec.AgentName,
		"workspace": inv.Exec.Workspace,
	}
	if raw, err := os.ReadFile(filepath.Join(filepath.Dir(inv.Exec.Workspace), "agent.json")); err == nil {
		var data map[string]any
		if json.Unmarshal(raw, &data) == nil {
			info["model"] = data["model"]
			info["permissions"] = data["permissions"]
			info["web_search"] = data["web_search"]
		}
	}
	return marshalResult(info)
}

func handleBranchStatus(ctx context.Context, inv Invocation) (string, error) {
	if inv.Exec.Branches == nil {
		return errorResult("Branch supervisor not available."), nil
	}
	return marshalResult(map[string]any{"status": inv.Exec.Branches.StatusReport()})
}
