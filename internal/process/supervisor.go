// Package process tracks agent-spawned subprocesses: a supervisor owns the
// process table and lifecycle, per-process monitors stream output to log
// files and a rolling tail, and a hook dispatcher evaluates callbacks
// attached to each process (on exit, on output match, on timeout) and
// executes their actions.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/haasonsaas/chorus/internal/store"
	"github.com/haasonsaas/chorus/internal/tools"
	"github.com/haasonsaas/chorus/pkg/models"
)

// DefaultKillGrace is how long Kill waits between SIGTERM and SIGKILL.
const DefaultKillGrace = 5 * time.Second

// ErrNotRunning reports an operation on a process that is unknown or has
// already reached a terminal state.
var ErrNotRunning = errors.New("process is not running")

var (
	stdbufOnce sync.Once
	stdbufPath string
)

// wrapStdbuf prefixes the command with stdbuf -oL so the child's stdout is
// line buffered and hooks see output in real time instead of only at exit.
// Commands run unwrapped on systems without stdbuf.
func wrapStdbuf(command string) string {
	stdbufOnce.Do(func() {
		if p, err := exec.LookPath("stdbuf"); err == nil {
			stdbufPath = p
		}
	})
	if stdbufPath == "" {
		return command
	}
	return "stdbuf -oL " + command
}

func processLogDir(home, agent string, pid int) string {
	return filepath.Join(home, "agents", agent, "processes", strconv.Itoa(pid))
}

// pidAlive reports whether signalling the PID would reach a process. EPERM
// counts as alive: the process exists but belongs to another user.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Config carries the supervisor's dependencies.
type Config struct {
	// Home is the chorus home directory; process logs live under
	// <home>/agents/<agent>/processes/<pid>/.
	Home  string
	Store store.Store

	// HostExecution forwards the full environment to spawned processes
	// instead of the sanitized allowlist.
	HostExecution bool

	Logger *slog.Logger
}

// Supervisor owns every tracked subprocess: the process table, the
// subprocess handles, and the per-process monitors. Line, exit, and spawn
// events are forwarded to the callbacks set via SetCallbacks, normally the
// hook dispatcher's.
type Supervisor struct {
	home          string
	store         store.Store
	hostExecution bool
	logger        *slog.Logger

	mu        sync.Mutex
	processes map[int]*models.TrackedProcess
	handles   map[int]*exec.Cmd
	monitors  map[int]*Monitor

	onLine           LineFunc
	onExit           ExitFunc
	onSpawn          SpawnFunc
	onCallbacksAdded func(pid int, callbacks []*models.Callback)
}

// NewSupervisor creates a supervisor. Store may be nil; process state is
// then kept in memory only.
func NewSupervisor(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		home:          cfg.Home,
		store:         cfg.Store,
		hostExecution: cfg.HostExecution,
		logger:        logger.With("component", "process-supervisor"),
		processes:     make(map[int]*models.TrackedProcess),
		handles:       make(map[int]*exec.Cmd),
		monitors:      make(map[int]*Monitor),
	}
}

// SetCallbacks wires the event consumers. Call before the first Spawn.
func (s *Supervisor) SetCallbacks(onLine LineFunc, onExit ExitFunc, onSpawn SpawnFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLine = onLine
	s.onExit = onExit
	s.onSpawn = onSpawn
}

// Spawn starts a shell subprocess and begins monitoring it. The tracked
// process is registered before the monitor starts so line and exit handlers
// can always resolve the PID, and the store row is inserted before any
// event can race a status update against it.
func (s *Supervisor) Spawn(ctx context.Context, req tools.SpawnRequest) (*models.TrackedProcess, error) {
	env := tools.SanitizedEnv(req.Dir, req.EnvOverrides, s.hostExecution, "")

	cmd := exec.Command("/bin/sh", "-c", wrapStdbuf(req.Command))
	cmd.Dir = req.Dir
	cmd.Env = env

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}
	// The child holds its own copies of the write ends; closing ours lets
	// the readers see EOF once the child (and its descendants) exit.
	stdoutW.Close()
	stderrW.Close()

	pid := cmd.Process.Pid
	tail := models.NewRollingTail(models.DefaultTailLines)
	tracked := &models.TrackedProcess{
		PID:                pid,
		Command:            req.Command,
		Dir:                req.Dir,
		Agent:              req.Agent,
		Kind:               req.Kind,
		Status:             models.ProcessRunning,
		StartedAt:          time.Now().UTC(),
		Context:            req.Context,
		ModelForHooks:      req.ModelForHooks,
		HookRecursionDepth: req.RecursionDepth,
		SpawnedByBranch:    req.SpawnedByBranch,
		Callbacks:          req.Callbacks,
		Tail:               tail,
	}

	mon := newMonitor(monitorConfig{
		PID:    pid,
		Cmd:    cmd,
		LogDir: processLogDir(s.home, req.Agent, pid),
		Stdout: stdoutR,
		Stderr: stderrR,
		Tail:   tail,
		OnLine: s.lineHandler(),
		OnExit: s.handleExit,
		Logger: s.logger,
	})
	tracked.StdoutLog = mon.StdoutLog()
	tracked.StderrLog = mon.StderrLog()

	s.mu.Lock()
	if len(req.Callbacks) > 0 && s.onLine == nil {
		s.logger.Warn("process has callbacks but no hook dispatcher is wired",
			"pid", pid, "callbacks", len(req.Callbacks))
	}
	s.processes[pid] = tracked
	s.handles[pid] = cmd
	s.monitors[pid] = mon
	s.mu.Unlock()

	s.persistProcess(ctx, tracked)

	if err := mon.Start(); err != nil {
		s.mu.Lock()
		delete(s.processes, pid)
		delete(s.handles, pid)
		delete(s.monitors, pid)
		s.mu.Unlock()
		_ = cmd.Process.Kill()
		go func() { _ = cmd.Wait() }()
		stdoutR.Close()
		stderrR.Close()
		s.persistStatus(ctx, pid, models.ProcessLost, nil)
		return nil, fmt.Errorf("start monitor: %w", err)
	}

	s.logger.Info("process spawned",
		"pid", pid,
		"kind", tracked.Kind,
		"agent", req.Agent,
		"command", req.Command,
		"callbacks", len(req.Callbacks))

	s.mu.Lock()
	onSpawn := s.onSpawn
	s.mu.Unlock()
	if onSpawn != nil {
		onSpawn(pid)
	}
	return tracked, nil
}

// lineHandler returns a LineFunc that forwards to the currently wired
// onLine callback.
func (s *Supervisor) lineHandler() LineFunc {
	return func(pid int, stream, line string) {
		s.mu.Lock()
		onLine := s.onLine
		s.mu.Unlock()
		if onLine != nil {
			onLine(pid, stream, line)
		}
	}
}

// handleExit records the terminal state once the monitor has drained both
// streams and reaped the process. A Kill in flight has already marked the
// status Killed; natural exits become Exited. The single persist here keeps
// the store row in step with memory.
func (s *Supervisor) handleExit(pid, code int) {
	s.mu.Lock()
	tracked := s.processes[pid]
	if tracked == nil {
		s.mu.Unlock()
		return
	}
	tracked.ExitCode = &code
	if tracked.Status != models.ProcessKilled {
		tracked.Status = models.ProcessExited
	}
	if mon := s.monitors[pid]; mon != nil {
		tracked.StdoutLog = mon.StdoutLog()
		tracked.StderrLog = mon.StderrLog()
	}
	status := tracked.Status
	onExit := s.onExit
	s.mu.Unlock()

	s.persistStatus(context.Background(), pid, status, &code)

	if onExit != nil {
		onExit(pid, code)
	}
	s.logger.Info("process exited", "pid", pid, "exit_code", code, "status", status)
}

// Kill terminates a running process: SIGTERM, a grace period, then SIGKILL.
// The status is marked Killed up front so the exit handler preserves it; if
// the process already exited the earlier status stands and ErrNotRunning is
// returned. grace <= 0 uses DefaultKillGrace.
func (s *Supervisor) Kill(ctx context.Context, pid int, grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	s.mu.Lock()
	tracked := s.processes[pid]
	cmd := s.handles[pid]
	mon := s.monitors[pid]
	if tracked == nil || cmd == nil || mon == nil || tracked.Status != models.ProcessRunning {
		s.mu.Unlock()
		return fmt.Errorf("kill pid %d: %w", pid, ErrNotRunning)
	}
	tracked.Status = models.ProcessKilled
	s.mu.Unlock()

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("sigterm failed", "pid", pid, "error", err)
	}

	select {
	case <-mon.Exited():
	case <-time.After(grace):
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Warn("sigkill failed", "pid", pid, "error", err)
		}
		<-mon.Exited()
	}

	s.logger.Info("process killed", "pid", pid)
	return nil
}

// KillAllForAgent kills every running process owned by the agent and
// returns how many were killed.
func (s *Supervisor) KillAllForAgent(ctx context.Context, agent string) int {
	s.mu.Lock()
	var pids []int
	for pid, tracked := range s.processes {
		if tracked.Agent == agent && tracked.Status == models.ProcessRunning {
			pids = append(pids, pid)
		}
	}
	s.mu.Unlock()

	sort.Ints(pids)
	count := 0
	for _, pid := range pids {
		if err := s.Kill(ctx, pid, DefaultKillGrace); err == nil {
			count++
		}
	}
	return count
}

// AddCallbacks appends callbacks to a running process and persists the new
// list. Terminal processes are rejected with ErrNotRunning. Newly added
// timeout triggers get watchers via the dispatcher's wiring.
func (s *Supervisor) AddCallbacks(ctx context.Context, pid int, callbacks []*models.Callback) error {
	s.mu.Lock()
	tracked := s.processes[pid]
	if tracked == nil || tracked.Status != models.ProcessRunning {
		s.mu.Unlock()
		return fmt.Errorf("add callbacks pid %d: %w", pid, ErrNotRunning)
	}
	tracked.Callbacks = append(tracked.Callbacks, callbacks...)
	payload, err := models.MarshalCallbacks(tracked.Callbacks)
	added := s.onCallbacksAdded
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal callbacks: %w", err)
	}

	if s.store != nil {
		if err := s.store.UpdateProcessCallbacks(ctx, pid, payload); err != nil {
			if errors.Is(err, models.ErrProcessNotFound) {
				return fmt.Errorf("add callbacks pid %d: %w", pid, ErrNotRunning)
			}
			return fmt.Errorf("persist callbacks: %w", err)
		}
	}

	if added != nil {
		added(pid, callbacks)
	}
	return nil
}

// List returns copies of the tracked processes, sorted by PID, optionally
// filtered by agent. An empty agent matches everything.
func (s *Supervisor) List(agent string) []*models.TrackedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.TrackedProcess, 0, len(s.processes))
	for _, tracked := range s.processes {
		if agent != "" && tracked.Agent != agent {
			continue
		}
		c := *tracked
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Get returns a copy of the tracked process for the PID.
func (s *Supervisor) Get(pid int) (*models.TrackedProcess, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracked, ok := s.processes[pid]
	if !ok {
		return nil, false
	}
	c := *tracked
	return &c, true
}

// callbackState snapshots the callback slice and the tracked process for
// event evaluation. The callback pointers are live; their counters are
// mutated only under the supervisor mutex.
func (s *Supervisor) callbackState(pid int) ([]*models.Callback, models.TrackedProcess, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracked, ok := s.processes[pid]
	if !ok {
		return nil, models.TrackedProcess{}, false
	}
	cbs := make([]*models.Callback, len(tracked.Callbacks))
	copy(cbs, tracked.Callbacks)
	return cbs, *tracked, true
}

// RecoverOnStartup marks every store row still in state Running as Lost.
// The monitor handles did not survive the restart, so even a PID that is
// still alive cannot be reattached; it is reported but never killed.
// Returns the number of rows marked lost.
func (s *Supervisor) RecoverOnStartup(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	rows, err := s.store.ListProcesses(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}

	lost := 0
	for i := range rows {
		row := &rows[i]
		if row.Status != models.ProcessRunning {
			continue
		}
		if pidAlive(row.PID) {
			s.logger.Warn("process still alive but unattached",
				"pid", row.PID, "command", row.Command)
		}
		if err := s.store.UpdateProcessStatus(ctx, row.PID, models.ProcessLost, nil); err != nil {
			s.logger.Warn("mark lost failed", "pid", row.PID, "error", err)
			continue
		}
		lost++
	}
	if lost > 0 {
		s.logger.Info("process recovery complete", "marked_lost", lost)
	}
	return lost, nil
}

func (s *Supervisor) persistProcess(ctx context.Context, tracked *models.TrackedProcess) {
	if s.store == nil {
		return
	}
	if err := s.store.InsertProcess(ctx, tracked); err != nil {
		s.logger.Warn("persist process failed", "pid", tracked.PID, "error", err)
	}
}

func (s *Supervisor) persistStatus(ctx context.Context, pid int, status models.ProcessStatus, exitCode *int) {
	if s.store == nil {
		return
	}
	if err := s.store.UpdateProcessStatus(ctx, pid, status, exitCode); err != nil {
		s.logger.Warn("persist process status failed", "pid", pid, "error", err)
	}
}
