package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/haasonsaas/chorus/internal/permissions"
)

// Errors surfaced by the bash executor.
var (
	ErrCommandBlocked = errors.New("command blocked by safety filter")
	ErrCommandDenied  = errors.New("permission denied")
)

// NeedsApprovalError reports a command the permission engine classified
// as Ask. The dispatch layer resolves these with the user before the
// executor ever runs; direct callers must treat it as a refusal.
type NeedsApprovalError struct {
	Command string
	Action  string
}

func (e *NeedsApprovalError) Error() string {
	return fmt.Sprintf("command needs approval: %s", e.Command)
}

// BashResult is the structured result of a bash execution.
type BashResult struct {
	Command    string `json:"command"`
	ExitCode   *int   `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	TimedOut   bool   `json:"timed_out"`
	DurationMS int64  `json:"duration_ms"`
	Truncated  bool   `json:"truncated"`
}

// allowedEnvVars are the only host variables carried into sandboxed
// subprocesses. Everything else (API keys in particular) is stripped.
var allowedEnvVars = map[string]bool{
	"PATH":       true,
	"HOME":       true,
	"USER":       true,
	"LANG":       true,
	"LC_ALL":     true,
	"TERM":       true,
	"SHELL":      true,
	"TMPDIR":     true,
	"SCOPE_PATH": true,
}

// SanitizedEnv builds the environment for a tool subprocess.
//
// Sandboxed (default): only allowlisted variables are carried over and
// HOME is jailed to the workspace. Host execution passes the full host
// environment through. A non-empty scopeHome overrides HOME either way
// so git and ssh can find credentials under the host user's home.
//
// PYTHONUNBUFFERED=1 is always set: piped Python output is otherwise
// fully buffered and output-match hooks would not see lines until exit.
func SanitizedEnv(workspace string, overrides map[string]string, hostExecution bool, scopeHome string) []string {
	env := make(map[string]string)
	if hostExecution {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				env[k] = v
			}
		}
	} else {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok && allowedEnvVars[k] {
				env[k] = v
			}
		}
		env["HOME"] = workspace
	}
	if scopeHome != "" {
		env["HOME"] = scopeHome
	}
	env["PYTHONUNBUFFERED"] = "1"
	for k, v := range overrides {
		env[k] = v
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// targetsScopePath reports whether a command or its workspace references
// the host scope path, which enables full environment passthrough.
func targetsScopePath(command, workspace, scopePath string) bool {
	if scopePath == "" {
		return false
	}
	if abs, err := filepath.Abs(workspace); err == nil && strings.HasPrefix(abs, scopePath) {
		return true
	}
	return strings.Contains(command, scopePath) ||
		strings.Contains(command, "$SCOPE_PATH") ||
		strings.Contains(command, "${SCOPE_PATH}")
}

// blockedPatterns is a best-effort catch for catastrophic commands. It is
// not a security boundary; the permission engine is.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-[^\s]*r[^\s]*f[^\s]*\s+/\s*$`),
	regexp.MustCompile(`rm\s+-[^\s]*f[^\s]*r[^\s]*\s+/\s*$`),
	regexp.MustCompile(`:\(\)\s*\{.*\}`),
	regexp.MustCompile(`dd\s+if=/dev/(zero|random)`),
	regexp.MustCompile(`mkfs`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
}

// CheckBlocklist returns ErrCommandBlocked if command matches a blocked
// pattern.
func CheckBlocklist(command string) error {
	for _, pattern := range blockedPatterns {
		if pattern.MatchString(command) {
			return fmt.Errorf("%w: %q", ErrCommandBlocked, command)
		}
	}
	return nil
}

// truncateOutput caps output at maxLen characters, keeping the tail.
func truncateOutput(output string, maxLen int) (string, bool) {
	if len(output) <= maxLen {
		return output, false
	}
	header := fmt.Sprintf("[Output truncated: showing last %d chars of %d chars]\n", maxLen, len(output))
	return header + output[len(output)-maxLen:], true
}

// Tracker follows running tool subprocesses per agent so they can be
// reported and killed in bulk when a branch is stopped.
type Tracker struct {
	mu        sync.Mutex
	processes map[string]map[int]*exec.Cmd
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{processes: make(map[string]map[int]*exec.Cmd)}
}

func (t *Tracker) register(agent string, cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.processes[agent] == nil {
		t.processes[agent] = make(map[int]*exec.Cmd)
	}
	t.processes[agent][cmd.Process.Pid] = cmd
}

func (t *Tracker) unregister(agent string, cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if procs := t.processes[agent]; procs != nil {
		delete(procs, cmd.Process.Pid)
	}
}

// Running returns the PIDs of commands still running for agent.
func (t *Tracker) Running(agent string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var pids []int
	for pid, cmd := range t.processes[agent] {
		if cmd.ProcessState == nil {
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)
	return pids
}

// KillAll kills every running command for agent and returns the count.
func (t *Tracker) KillAll(agent string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	killed := 0
	for _, cmd := range t.processes[agent] {
		if cmd.ProcessState == nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
			killed++
		}
	}
	delete(t.processes, agent)
	return killed
}

var defaultTracker = NewTracker()

// DefaultTracker returns the shared tracker used by ExecuteBash.
func DefaultTracker() *Tracker { return defaultTracker }

// Execution defaults.
const (
	DefaultBashTimeout  = 120 * time.Second
	DefaultMaxOutputLen = 50_000
	DefaultSigtermGrace = 5 * time.Second
)

// BashOptions tune a single execution. Zero values use the defaults.
type BashOptions struct {
	Timeout      time.Duration
	MaxOutputLen int
	SigtermGrace time.Duration
	EnvOverrides map[string]string
	AgentName    string

	// HostExecution passes the full host environment through instead of
	// the sandboxed allowlist.
	HostExecution bool

	// ScopePath is the host filesystem mount; commands targeting it get
	// host execution and HOME pointed at it automatically.
	ScopePath string
}

func (o *BashOptions) withDefaults() BashOptions {
	opts := BashOptions{}
	if o != nil {
		opts = *o
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultBashTimeout
	}
	if opts.MaxOutputLen <= 0 {
		opts.MaxOutputLen = DefaultMaxOutputLen
	}
	if opts.SigtermGrace <= 0 {
		opts.SigtermGrace = DefaultSigtermGrace
	}
	return opts
}

// ExecuteBash runs a shell command inside the workspace with a sanitized
// environment, timeout, and output truncation.
//
// The command is checked against the blocklist and the permission
// profile first. On timeout the process gets SIGTERM, then SIGKILL after
// the grace period, and the result reports timed_out with empty streams.
func ExecuteBash(ctx context.Context, command, workspace string, profile *permissions.Profile, options *BashOptions) (*BashResult, error) {
	if err := CheckBlocklist(command); err != nil {
		return nil, err
	}

	action := permissions.FormatAction("bash", command)
	switch profile.Check(action) {
	case permissions.Deny:
		return nil, fmt.Errorf("%w: %q", ErrCommandDenied, command)
	case permissions.Ask:
		return nil, &NeedsApprovalError{Command: command, Action: action}
	}

	opts := options.withDefaults()

	// Commands that target the host filesystem get the full environment
	// so git and ssh can resolve credentials.
	hostExec := opts.HostExecution
	scopeHome := ""
	if targetsScopePath(command, workspace, opts.ScopePath) {
		hostExec = true
		scopeHome = opts.ScopePath
	}
	env := SanitizedEnv(workspace, opts.EnvOverrides, hostExec, scopeHome)

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
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
	cmd.WaitDelay = opts.SigtermGrace

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}
	defaultTracker.register(opts.AgentName, cmd)
	waitErr := cmd.Wait()
	defaultTracker.unregister(opts.AgentName, cmd)
	elapsed := time.Since(start).Milliseconds()

	var exitCode *int
	if cmd.ProcessState != nil {
		code := cmd.ProcessState.ExitCode()
		exitCode = &code
	}

	if runCtx.Err() != nil && ctx.Err() == nil {
		return &BashResult{
			Command:    command,
			ExitCode:   exitCode,
			TimedOut:   true,
			DurationMS: elapsed,
		}, nil
	}
	if waitErr != nil {
		// ErrWaitDelay means the process exited but a descendant kept the
		// output pipe open past the grace period. The output collected so
		// far is still good.
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
			return nil, fmt.Errorf("run command: %w", waitErr)
		}
	}

	outStr, outTrunc := truncateOutput(stdout.String(), opts.MaxOutputLen)
	errStr, errTrunc := truncateOutput(stderr.String(), opts.MaxOutputLen)

	return &BashResult{
		Command:    command,
		ExitCode:   exitCode,
		Stdout:     outStr,
		Stderr:     errStr,
		TimedOut:   false,
		DurationMS: elapsed,
		Truncated:  outTrunc || errTrunc,
	}, nil
}

// handleBash runs the registered bash tool. The permission gate for
// registered tools lives in the dispatch layer, which has already
// resolved Allow/Ask/Deny for this exact command; the executor runs
// with the open profile so an approved Ask is not re-asked.
func handleBash(ctx context.Context, inv Invocation) (string, error) {
	command := stringArg(inv.Args, "command")
	timeout := time.Duration(intArg(inv.Args, "timeout", 0)) * time.Second

	result, err := ExecuteBash(ctx, command, inv.Exec.Workspace, openProfile, &BashOptions{
		Timeout:       timeout,
		AgentName:     inv.Exec.AgentName,
		HostExecution: inv.Exec.HostExecution,
		ScopePath:     inv.Exec.ScopePath,
	})
	if err != nil {
		return "", err
	}
	return marshalResult(result)
}
