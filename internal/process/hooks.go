package process

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/chorus/pkg/models"
)

// BranchSpawner starts a hook-reaction branch on an agent.
type BranchSpawner interface {
	SpawnHookBranch(ctx context.Context, agent, hookContext, model string, recursionDepth int) error
}

// KillBranchFunc stops the branch that spawned a process.
type KillBranchFunc func(agent string, branchID int64)

// InjectFunc delivers context into a running branch's conversation.
type InjectFunc func(agent string, branchID int64, context string)

// NotifyFunc sends a message to the agent's channel. tracked is a snapshot
// of the process at fire time.
type NotifyFunc func(agent, context string, tracked *models.TrackedProcess)

// Observer receives hook activity for metrics. Implementations must be
// safe for concurrent use; calls happen outside the supervisor mutex.
type Observer interface {
	HookFired(action models.CallbackAction)
	NotificationSuppressed()
}

// DispatcherConfig carries the dispatcher's dependencies. Zero values get
// defaults: 2s output delay, recursion depth 3, 3 concurrent hook branches.
type DispatcherConfig struct {
	Supervisor *Supervisor
	Spawner    BranchSpawner
	KillBranch KillBranchFunc
	Inject     InjectFunc
	Notify     NotifyFunc

	// DefaultOutputDelay is the debounce, in seconds, applied to output
	// match callbacks that do not set their own delay.
	DefaultOutputDelay float64

	// MaxRecursionDepth caps hook branch chains: a branch spawned by a
	// hook at this depth cannot spawn further hook branches.
	MaxRecursionDepth int

	// MaxConcurrentSpawns bounds simultaneous SpawnBranch actions.
	MaxConcurrentSpawns int

	// Observer, when set, is told about every fire and suppression.
	Observer Observer

	Logger *slog.Logger
}

// Dispatcher evaluates process callbacks against monitor events and runs
// their actions. Wire connects it to the supervisor; afterwards every
// line, exit, and spawn event flows through here.
type Dispatcher struct {
	pm         *Supervisor
	spawner    BranchSpawner
	killBranch KillBranchFunc
	inject     InjectFunc
	notify     NotifyFunc

	defaultOutputDelay float64
	maxRecursionDepth  int
	spawnSem           chan struct{}
	observer           Observer
	logger             *slog.Logger

	mu       sync.Mutex
	watchers map[int]chan struct{}

	// delays tracks in-flight delayed fires so tests can wait for them.
	delays sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Wire to attach it to the
// supervisor.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delay := cfg.DefaultOutputDelay
	if delay == 0 {
		delay = 2.0
	}
	depth := cfg.MaxRecursionDepth
	if depth == 0 {
		depth = 3
	}
	spawns := cfg.MaxConcurrentSpawns
	if spawns == 0 {
		spawns = 3
	}
	return &Dispatcher{
		pm:                 cfg.Supervisor,
		spawner:            cfg.Spawner,
		killBranch:         cfg.KillBranch,
		inject:             cfg.Inject,
		notify:             cfg.Notify,
		defaultOutputDelay: delay,
		maxRecursionDepth:  depth,
		spawnSem:           make(chan struct{}, spawns),
		observer:           cfg.Observer,
		logger:             logger.With("component", "hook-dispatcher"),
		watchers:           make(map[int]chan struct{}),
	}
}

// Wire registers the dispatcher's handlers with the supervisor.
func (d *Dispatcher) Wire() {
	d.pm.SetCallbacks(d.OnLine, d.OnExit, d.OnSpawn)
	d.pm.mu.Lock()
	d.pm.onCallbacksAdded = d.StartTimeoutWatchers
	d.pm.mu.Unlock()
}

// OnSpawn starts timeout watchers for the new process's callbacks.
func (d *Dispatcher) OnSpawn(pid int) {
	cbs, _, ok := d.pm.callbackState(pid)
	if !ok {
		return
	}
	d.StartTimeoutWatchers(pid, cbs)
}

// StartTimeoutWatchers launches a watcher for every timeout trigger in
// callbacks. Also invoked when callbacks are added to a running process.
func (d *Dispatcher) StartTimeoutWatchers(pid int, callbacks []*models.Callback) {
	for _, cb := range callbacks {
		if cb.Trigger == nil || cb.Trigger.Kind != models.TriggerOnTimeout || cb.Trigger.Seconds <= 0 {
			continue
		}
		if d.exhausted(cb) {
			continue
		}
		d.watchTimeout(pid, cb)
	}
}

func (d *Dispatcher) watchTimeout(pid int, cb *models.Callback) {
	d.mu.Lock()
	stop := d.watchers[pid]
	if stop == nil {
		stop = make(chan struct{})
		d.watchers[pid] = stop
	}
	d.mu.Unlock()

	go func() {
		select {
		case <-time.After(secondsToDuration(cb.Trigger.Seconds)):
		case <-stop:
			return
		}
		_, tracked, ok := d.pm.callbackState(pid)
		if !ok || tracked.Status != models.ProcessRunning {
			return
		}
		if d.exhausted(cb) {
			return
		}
		d.fire(pid, cb, "Process timed out")
	}()
}

// stopWatchers cancels every live timeout watcher for the PID.
func (d *Dispatcher) stopWatchers(pid int) {
	d.mu.Lock()
	stop := d.watchers[pid]
	delete(d.watchers, pid)
	d.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// OnLine evaluates output match callbacks against a single line. Matches
// with a positive delay debounce through delayedFire, which reports the
// output that followed; immediate matches fire with the line itself.
func (d *Dispatcher) OnLine(pid int, stream, line string) {
	cbs, _, ok := d.pm.callbackState(pid)
	if !ok {
		return
	}
	for _, cb := range cbs {
		if cb.Trigger == nil || cb.Trigger.Kind != models.TriggerOnOutputMatch {
			continue
		}
		if d.exhausted(cb) {
			continue
		}
		if cb.Trigger.Pattern == "" {
			continue
		}
		re, err := cb.Trigger.Regexp()
		if err != nil {
			d.logger.Warn("invalid callback pattern", "pid", pid, "pattern", cb.Trigger.Pattern, "error", err)
			continue
		}
		if !re.MatchString(line) {
			continue
		}
		delay := cb.OutputDelaySeconds
		if delay == 0 {
			delay = d.defaultOutputDelay
		}
		if delay > 0 {
			d.delays.Add(1)
			go d.delayedFire(pid, cb, line, delay)
		} else {
			d.fire(pid, cb, "Output matched: "+line)
		}
	}
}

// delayedFire waits out the debounce then fires with the matched line plus
// the output that accumulated during the delay.
func (d *Dispatcher) delayedFire(pid int, cb *models.Callback, triggerLine string, delaySeconds float64) {
	defer d.delays.Done()
	time.Sleep(secondsToDuration(delaySeconds))
	_, tracked, ok := d.pm.callbackState(pid)
	if !ok {
		return
	}
	recent := strings.Join(tracked.Tail.Last(20), "\n")
	ctx := fmt.Sprintf("Output matched pattern: %s\nRecent output after delay:\n%s", triggerLine, recent)
	d.fire(pid, cb, ctx)
}

// OnExit cancels timeout watchers and evaluates exit callbacks against the
// exit code.
func (d *Dispatcher) OnExit(pid, exitCode int) {
	d.stopWatchers(pid)

	cbs, tracked, ok := d.pm.callbackState(pid)
	if !ok {
		return
	}
	for _, cb := range cbs {
		if cb.Trigger == nil || cb.Trigger.Kind != models.TriggerOnExit {
			continue
		}
		if d.exhausted(cb) {
			continue
		}
		if !cb.Trigger.MatchesExit(exitCode) {
			continue
		}
		ctx := fmt.Sprintf("Process exited with code %d. Command: %s", exitCode, tracked.Command)
		d.fire(pid, cb, ctx)
	}
}

// fire runs one callback action. The counter increment, exhaustion
// re-check, and notify rate limit all happen under the supervisor mutex so
// concurrent events cannot double-fire a callback past its limit.
func (d *Dispatcher) fire(pid int, cb *models.Callback, eventContext string) {
	d.pm.mu.Lock()
	if cb.Exhausted() {
		d.pm.mu.Unlock()
		return
	}
	cb.FireCount++
	fireCount := cb.FireCount
	tracked := d.pm.processes[pid]
	if tracked == nil {
		d.pm.mu.Unlock()
		return
	}
	snap := *tracked

	full := eventContext
	if cb.ContextMessage != "" {
		if full != "" {
			full = cb.ContextMessage + "\n\n" + full
		} else {
			full = cb.ContextMessage
		}
	}

	if cb.Action == models.ActionNotifyChannel && cb.MinMessageInterval > 0 {
		now := time.Now()
		if !cb.LastNotifyAt.IsZero() && now.Sub(cb.LastNotifyAt) < secondsToDuration(cb.MinMessageInterval) {
			cb.SkippedFires++
			d.pm.mu.Unlock()
			if d.observer != nil {
				d.observer.NotificationSuppressed()
			}
			return
		}
		if cb.SkippedFires > 0 {
			full += fmt.Sprintf("\n\n(%d notification(s) suppressed)", cb.SkippedFires)
			cb.SkippedFires = 0
		}
		cb.LastNotifyAt = now
	}
	d.pm.mu.Unlock()

	if d.observer != nil {
		d.observer.HookFired(cb.Action)
	}
	d.logger.Info("firing callback",
		"action", cb.Action,
		"pid", pid,
		"fire", fireCount,
		"max_fires", cb.MaxFires)

	switch cb.Action {
	case models.ActionStopProcess:
		if err := d.pm.Kill(context.Background(), pid, DefaultKillGrace); err != nil {
			d.logger.Warn("stop process action failed", "pid", pid, "error", err)
		}

	case models.ActionStopBranch:
		if snap.SpawnedByBranch != 0 && d.killBranch != nil {
			d.killBranch(snap.Agent, snap.SpawnedByBranch)
		}

	case models.ActionInjectContext:
		if snap.SpawnedByBranch != 0 && d.inject != nil {
			d.inject(snap.Agent, snap.SpawnedByBranch, full)
		}

	case models.ActionNotifyChannel:
		if d.notify != nil {
			snapCopy := snap
			d.notify(snap.Agent, full, &snapCopy)
		}

	case models.ActionSpawnBranch:
		if snap.HookRecursionDepth >= d.maxRecursionDepth {
			d.logger.Warn("hook recursion depth limit reached", "pid", pid, "depth", snap.HookRecursionDepth)
			return
		}
		if d.spawner == nil {
			d.logger.Warn("no branch spawner wired for hook", "pid", pid)
			return
		}
		d.spawnSem <- struct{}{}
		defer func() { <-d.spawnSem }()

		recent := strings.Join(snap.Tail.Last(30), "\n")
		if recent == "" {
			recent = "(no output)"
		}
		exitPart := ""
		if snap.ExitCode != nil {
			exitPart = fmt.Sprintf(" (exit %d)", *snap.ExitCode)
		}
		hookContext := fmt.Sprintf("A process hook was triggered.\n\n"+
			"**Process:** PID %d\n"+
			"**Command:** `%s`\n"+
			"**Status:** %s%s\n"+
			"**Trigger context:** %s\n\n"+
			"**Recent output:**\n```\n%s\n```\n\n"+
			"Respond to this event as instructed.",
			pid, snap.Command, snap.Status, exitPart, full, recent)
		err := d.spawner.SpawnHookBranch(context.Background(), snap.Agent, hookContext, snap.ModelForHooks, snap.HookRecursionDepth+1)
		if err != nil {
			d.logger.Warn("hook branch spawn failed", "pid", pid, "error", err)
		}

	default:
		d.logger.Warn("unknown callback action", "pid", pid, "action", cb.Action)
	}
}

func (d *Dispatcher) exhausted(cb *models.Callback) bool {
	d.pm.mu.Lock()
	defer d.pm.mu.Unlock()
	return cb.Exhausted()
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
