package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/chorus/pkg/models"
)

// ErrNoSupervisor reports a process tool invoked without a supervisor
// wired into the execution context.
var ErrNoSupervisor = errors.New("process supervisor not available")

const killGrace = 5 * time.Second

// buildCallbacks runs the configured builder over the natural-language
// instructions. A missing builder is a wiring error, not a user error.
func buildCallbacks(ctx context.Context, exec ExecContext, instructions, command string) ([]*models.Callback, error) {
	if exec.BuildCallbacks == nil {
		return nil, errors.New("callback builder not configured")
	}
	return exec.BuildCallbacks(ctx, instructions, command)
}

func handleRunConcurrent(ctx context.Context, inv Invocation) (string, error) {
	command := stringArg(inv.Args, "command")
	instructions := stringArg(inv.Args, "instructions")

	if err := CheckBlocklist(command); err != nil {
		return errorResult(err.Error()), nil
	}
	if inv.Exec.Supervisor == nil {
		return "", ErrNoSupervisor
	}

	callbacks, err := buildCallbacks(ctx, inv.Exec, instructions, command)
	if err != nil {
		return "", fmt.Errorf("build callbacks: %w", err)
	}

	tracked, err := inv.Exec.Supervisor.Spawn(ctx, SpawnRequest{
		Command:         command,
		Dir:             inv.Exec.Workspace,
		Agent:           inv.Exec.AgentName,
		Kind:            models.ProcessConcurrent,
		Callbacks:       callbacks,
		Context:         instructions,
		RecursionDepth:  inv.Exec.HookDepth,
		SpawnedByBranch: inv.Exec.BranchID,
	})
	if err != nil {
		return "", err
	}

	return marshalResult(map[string]any{
		"pid":       tracked.PID,
		"status":    "running",
		"type":      "concurrent",
		"callbacks": tracked.Callbacks,
		"message": fmt.Sprintf(
			"Process started (PID %d). It runs alongside this branch. %d callback(s) configured.",
			tracked.PID, len(callbacks)),
	})
}

func handleRunBackground(ctx context.Context, inv Invocation) (string, error) {
	command := stringArg(inv.Args, "command")
	instructions := stringArg(inv.Args, "instructions")
	model := stringArg(inv.Args, "model")

	if err := CheckBlocklist(command); err != nil {
		return errorResult(err.Error()), nil
	}
	if inv.Exec.Supervisor == nil {
		return "", ErrNoSupervisor
	}

	callbacks, err := buildCallbacks(ctx, inv.Exec, instructions, command)
	if err != nil {
		return "", fmt.Errorf("build callbacks: %w", err)
	}

	tracked, err := inv.Exec.Supervisor.Spawn(ctx, SpawnRequest{
		Command:        command,
		Dir:            inv.Exec.Workspace,
		Agent:          inv.Exec.AgentName,
		Kind:           models.ProcessBackground,
		Callbacks:      callbacks,
		Context:        instructions,
		ModelForHooks:  model,
		RecursionDepth: inv.Exec.HookDepth,
	})
	if err != nil {
		return "", err
	}

	return marshalResult(map[string]any{
		"pid":       tracked.PID,
		"status":    "running",
		"type":      "background",
		"callbacks": tracked.Callbacks,
		"message": fmt.Sprintf(
			"Background process started (PID %d). It will continue after this branch ends. %d callback(s) configured.",
			tracked.PID, len(callbacks)),
	})
}

func handleListProcesses(ctx context.Context, inv Invocation) (string, error) {
	if inv.Exec.Supervisor == nil {
		return "", ErrNoSupervisor
	}
	processes := inv.Exec.Supervisor.List(inv.Exec.AgentName)
	return marshalResult(map[string]any{
		"processes": processes,
		"count":     len(processes),
	})
}

func handleKillProcess(ctx context.Context, inv Invocation) (string, error) {
	pid := intArg(inv.Args, "pid", 0)
	if inv.Exec.Supervisor == nil {
		return "", ErrNoSupervisor
	}
	if _, ok := inv.Exec.Supervisor.Get(pid); !ok {
		return errorResult(fmt.Sprintf("No tracked process with PID %d.", pid)), nil
	}
	if err := inv.Exec.Supervisor.Kill(ctx, pid, killGrace); err != nil {
		return "", err
	}
	return marshalResult(map[string]any{"pid": pid, "status": "killed"})
}

func handleAddProcessCallbacks(ctx context.Context, inv Invocation) (string, error) {
	pid := intArg(inv.Args, "pid", 0)
	instructions := stringArg(inv.Args, "instructions")

	if inv.Exec.Supervisor == nil {
		return "", ErrNoSupervisor
	}
	tracked, ok := inv.Exec.Supervisor.Get(pid)
	if !ok {
		return errorResult(fmt.Sprintf("No tracked process with PID %d.", pid)), nil
	}

	callbacks, err := buildCallbacks(ctx, inv.Exec, instructions, tracked.Command)
	if err != nil {
		return "", fmt.Errorf("build callbacks: %w", err)
	}
	if err := inv.Exec.Supervisor.AddCallbacks(ctx, pid, callbacks); err != nil {
		return "", err
	}

	return marshalResult(map[string]any{
		"pid":       pid,
		"added":     len(callbacks),
		"callbacks": callbacks,
	})
}
