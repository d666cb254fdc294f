package models

import (
	"encoding/json"
	"regexp"
	"sync"
	"time"
)

// ProcessStatus represents the state of a tracked subprocess. Status is
// monotonic: Running is the only non-terminal state.
type ProcessStatus string

const (
	ProcessRunning ProcessStatus = "running"
	ProcessExited  ProcessStatus = "exited"
	ProcessKilled  ProcessStatus = "killed"
	ProcessLost    ProcessStatus = "lost"
)

// Terminal reports whether the status is absorbing.
func (s ProcessStatus) Terminal() bool { return s != ProcessRunning }

// ProcessKind distinguishes how a tracked process was started.
type ProcessKind string

const (
	// ProcessConcurrent runs alongside the branch that spawned it.
	ProcessConcurrent ProcessKind = "concurrent"
	// ProcessBackground outlives its spawning branch.
	ProcessBackground ProcessKind = "background"
)

// TriggerKind tags the event variant a callback reacts to.
type TriggerKind string

const (
	TriggerOnExit        TriggerKind = "on_exit"
	TriggerOnOutputMatch TriggerKind = "on_output_match"
	TriggerOnTimeout     TriggerKind = "on_timeout"
)

// ExitFilter narrows OnExit triggers by exit code.
type ExitFilter string

const (
	ExitAny     ExitFilter = "any"
	ExitSuccess ExitFilter = "success"
	ExitFailure ExitFilter = "failure"
)

// Trigger describes the process event a callback fires on. Exactly one
// variant is meaningful per Kind: ExitFilter for OnExit, Pattern for
// OnOutputMatch, Seconds for OnTimeout. Always use via pointer; the cached
// compiled pattern makes Trigger non-copyable after first use.
type Trigger struct {
	Kind       TriggerKind `json:"kind"`
	ExitFilter ExitFilter  `json:"exit_filter,omitempty"`
	Pattern    string      `json:"pattern,omitempty"`
	Seconds    float64     `json:"seconds,omitempty"`

	compileOnce sync.Once
	compiled    *regexp.Regexp
	compileErr  error
}

// Regexp compiles Pattern lazily and caches the result for the lifetime of
// the trigger. Matching is single-line; patterns must not span lines.
func (t *Trigger) Regexp() (*regexp.Regexp, error) {
	t.compileOnce.Do(func() {
		t.compiled, t.compileErr = regexp.Compile(t.Pattern)
	})
	return t.compiled, t.compileErr
}

// MatchesExit reports whether the exit filter accepts an exit code.
func (t *Trigger) MatchesExit(code int) bool {
	switch t.ExitFilter {
	case ExitSuccess:
		return code == 0
	case ExitFailure:
		return code != 0
	default:
		return true
	}
}

// CallbackAction names the reaction dispatched when a trigger fires.
type CallbackAction string

const (
	ActionStopProcess   CallbackAction = "stop_process"
	ActionStopBranch    CallbackAction = "stop_branch"
	ActionInjectContext CallbackAction = "inject_context"
	ActionSpawnBranch   CallbackAction = "spawn_branch"
	ActionNotifyChannel CallbackAction = "notify_channel"
)

// Callback is a (trigger → action) rule attached to a tracked process.
// MaxFires = 0 means unlimited. LastNotifyAt and the fire bookkeeping are
// mutated by the hook dispatcher under its own lock.
type Callback struct {
	Trigger            *Trigger       `json:"trigger"`
	Action             CallbackAction `json:"action"`
	ContextMessage     string         `json:"context_message,omitempty"`
	OutputDelaySeconds float64        `json:"output_delay_seconds,omitempty"`
	MaxFires           int            `json:"max_fires"`
	FireCount          int            `json:"fire_count"`
	MinMessageInterval float64        `json:"min_message_interval,omitempty"`
	SkippedFires       int            `json:"skipped_fires,omitempty"`
	LastNotifyAt       time.Time      `json:"-"`
}

// Exhausted reports whether the callback has used up its fire budget.
func (c *Callback) Exhausted() bool {
	return c.MaxFires > 0 && c.FireCount >= c.MaxFires
}

// MarshalCallbacks encodes a callback list for the process store row.
func MarshalCallbacks(callbacks []*Callback) (string, error) {
	if len(callbacks) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(callbacks)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalCallbacks decodes a callback list from a store row. Empty input
// yields an empty list.
func UnmarshalCallbacks(data string) ([]*Callback, error) {
	if data == "" {
		return nil, nil
	}
	var callbacks []*Callback
	if err := json.Unmarshal([]byte(data), &callbacks); err != nil {
		return nil, err
	}
	return callbacks, nil
}

// DefaultTailLines is the rolling tail capacity for tracked processes.
const DefaultTailLines = 100

// RollingTail is a bounded FIFO of the most recent output lines from a
// subprocess. One writer (the output monitor); readers receive copies.
type RollingTail struct {
	mu    sync.RWMutex
	lines []string
	max   int
}

// NewRollingTail returns a tail holding at most max lines.
func NewRollingTail(max int) *RollingTail {
	if max <= 0 {
		max = DefaultTailLines
	}
	return &RollingTail{max: max}
}

// Append adds a line, evicting the oldest when full.
func (t *RollingTail) Append(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

// Lines returns a copy of the buffered lines, oldest first.
func (t *RollingTail) Lines() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}

// Last returns a copy of up to n most recent lines, oldest first.
func (t *RollingTail) Last(n int) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n <= 0 || len(t.lines) == 0 {
		return nil
	}
	if n > len(t.lines) {
		n = len(t.lines)
	}
	out := make([]string, n)
	copy(out, t.lines[len(t.lines)-n:])
	return out
}

// Len returns the number of buffered lines.
func (t *RollingTail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.lines)
}

// TrackedProcess is a subprocess owned by the process supervisor. The tail
// is runtime state and is not persisted; callbacks are persisted as JSON.
type TrackedProcess struct {
	PID                int           `json:"pid"`
	Command            string        `json:"command"`
	Dir                string        `json:"cwd"`
	Agent              string        `json:"agent"`
	Kind               ProcessKind   `json:"kind"`
	Status             ProcessStatus `json:"status"`
	ExitCode           *int          `json:"exit_code,omitempty"`
	StartedAt          time.Time     `json:"started_at"`
	StdoutLog          string        `json:"stdout_log,omitempty"`
	StderrLog          string        `json:"stderr_log,omitempty"`
	Context            string        `json:"context,omitempty"`
	ModelForHooks      string        `json:"model_for_hooks,omitempty"`
	HookRecursionDepth int           `json:"hook_recursion_depth,omitempty"`
	SpawnedByBranch    int64         `json:"spawned_by_branch,omitempty"`
	Callbacks          []*Callback   `json:"callbacks,omitempty"`

	Tail *RollingTail `json:"-"`
}
