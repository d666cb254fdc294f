package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Claude Code delegation. Coding tasks are handed to the claude CLI as
// one-shot non-interactive runs inside the agent workspace. The tool is
// only registered when the binary is on PATH.

// ClaudeCodeResult is the structured result of a delegated coding task.
type ClaudeCodeResult struct {
	Task       string   `json:"task"`
	Success    bool     `json:"success"`
	Output     string   `json:"output"`
	CostUSD    *float64 `json:"cost_usd"`
	DurationMS int64    `json:"duration_ms"`
	NumTurns   int      `json:"num_turns"`
	Error      string   `json:"error,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
}

// ClaudeCodeAvailable reports whether the claude CLI is on PATH.
func ClaudeCodeAvailable() bool {
	_, err := exec.LookPath("claude")
	return err == nil
}

const (
	defaultClaudeCodeTimeout  = 600 * time.Second
	defaultClaudeCodeMaxTurns = 50
	claudeCodeMaxOutputLen    = 50_000
)

// ClaudeCodeOptions tune a single delegation. Zero values use defaults.
type ClaudeCodeOptions struct {
	MaxTurns int
	Timeout  time.Duration

	// Model is forwarded only when it is an Anthropic model; the claude
	// CLI cannot run others.
	Model string

	HostExecution bool
	AgentName     string
}

func truncateClaudeOutput(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	header := fmt.Sprintf("[truncated: showing last %d chars of %d chars]\n", maxLen, len(text))
	return header + text[len(text)-maxLen:]
}

// claudeCLIResult is the JSON document `claude --output-format json`
// prints on completion.
type claudeCLIResult struct {
	Result       string   `json:"result"`
	TotalCostUSD *float64 `json:"total_cost_usd"`
	DurationMS   int64    `json:"duration_ms"`
	NumTurns     int      `json:"num_turns"`
	SessionID    string   `json:"session_id"`
	IsError      bool     `json:"is_error"`
}

// ExecuteClaudeCode runs a coding task through the claude CLI. Failures
// come back inside the result; the error field is model-facing data.
func ExecuteClaudeCode(ctx context.Context, task, workspace string, opts ClaudeCodeOptions) *ClaudeCodeResult {
	if !ClaudeCodeAvailable() {
		return &ClaudeCodeResult{
			Task:  task,
			Error: "The claude CLI is not installed or not on PATH.",
		}
	}

	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultClaudeCodeMaxTurns
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultClaudeCodeTimeout
	}

	args := []string{"-p", task, "--output-format", "json", "--max-turns", strconv.Itoa(maxTurns)}
	if strings.HasPrefix(opts.Model, "claude") {
		args = append(args, "--model", opts.Model)
	}

	// Sandboxed runs only get ANTHROPIC_API_KEY on top of the allowlist.
	overrides := map[string]string{}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		overrides["ANTHROPIC_API_KEY"] = key
	}
	env := SanitizedEnv(workspace, overrides, opts.HostExecution, "")

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, "claude", args...)
	cmd.Dir = workspace
	cmd.Env = env
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		err := cmd.Process.Signal(syscall.SIGTERM)
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}
	cmd.WaitDelay = DefaultSigtermGrace

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	if runCtx.Err() != nil && ctx.Err() == nil {
		return &ClaudeCodeResult{
			Task:       task,
			DurationMS: elapsed,
			Error:      fmt.Sprintf("Timeout after %s", timeout),
		}
	}

	var parsed claudeCLIResult
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err != nil {
		// Not the JSON document we asked for; surface what we got.
		output := strings.TrimSpace(stdout.String())
		errText := ""
		if runErr != nil {
			errText = strings.TrimSpace(stderr.String())
			if errText == "" {
				errText = runErr.Error()
			}
		}
		return &ClaudeCodeResult{
			Task:       task,
			Success:    runErr == nil,
			Output:     truncateClaudeOutput(output, claudeCodeMaxOutputLen),
			DurationMS: elapsed,
			Error:      errText,
		}
	}

	result := &ClaudeCodeResult{
		Task:       task,
		Success:    !parsed.IsError && runErr == nil,
		Output:     truncateClaudeOutput(parsed.Result, claudeCodeMaxOutputLen),
		CostUSD:    parsed.TotalCostUSD,
		DurationMS: parsed.DurationMS,
		NumTurns:   parsed.NumTurns,
		SessionID:  parsed.SessionID,
	}
	if result.DurationMS == 0 {
		result.DurationMS = elapsed
	}
	if parsed.IsError {
		result.Error = strings.TrimSpace(parsed.Result)
	}
	return result
}

func handleClaudeCode(ctx context.Context, inv Invocation) (string, error) {
	result := ExecuteClaudeCode(ctx, stringArg(inv.Args, "task"), inv.Exec.Workspace, ClaudeCodeOptions{
		HostExecution: inv.Exec.HostExecution,
		AgentName:     inv.Exec.AgentName,
	})
	return marshalResult(result)
}
