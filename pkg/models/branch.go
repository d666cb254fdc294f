package models

import "time"

// BranchStatus represents the lifecycle state of an execution branch.
// Transitions are monotonic: Idle → Running → Completed, with
// WaitingPermission as a transient sub-state of Running. Completed is
// terminal.
type BranchStatus string

const (
	BranchIdle              BranchStatus = "idle"
	BranchRunning           BranchStatus = "running"
	BranchWaitingPermission BranchStatus = "waiting_for_permission"
	BranchCompleted         BranchStatus = "completed"
)

// Terminal reports whether the status is absorbing.
func (s BranchStatus) Terminal() bool { return s == BranchCompleted }

// BranchStep is one metered unit of work inside a branch. EndedAt is zero
// while the step is open.
type BranchStep struct {
	N           int       `json:"n"`
	Description string    `json:"description"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
}

// Closed reports whether the step has ended.
func (s BranchStep) Closed() bool { return !s.EndedAt.IsZero() }

// Duration returns the step's elapsed time, or time since start if open.
func (s BranchStep) Duration() time.Duration {
	if s.Closed() {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// BranchMetrics records the step history of one branch. Not goroutine-safe;
// the owning branch guards access.
type BranchMetrics struct {
	CreatedAt   time.Time    `json:"created_at"`
	CurrentStep string       `json:"current_step,omitempty"`
	Steps       []BranchStep `json:"steps,omitempty"`
}

// NewBranchMetrics returns metrics anchored at now.
func NewBranchMetrics() *BranchMetrics {
	return &BranchMetrics{CreatedAt: time.Now().UTC()}
}

// BeginStep closes the previous step, if open, and opens a new one.
func (m *BranchMetrics) BeginStep(description string) {
	now := time.Now().UTC()
	m.closeLast(now)
	m.Steps = append(m.Steps, BranchStep{
		N:           len(m.Steps) + 1,
		Description: description,
		StartedAt:   now,
	})
	m.CurrentStep = description
}

// Finalize closes the last open step. Safe to call multiple times.
func (m *BranchMetrics) Finalize() {
	m.closeLast(time.Now().UTC())
}

func (m *BranchMetrics) closeLast(now time.Time) {
	if n := len(m.Steps); n > 0 && !m.Steps[n-1].Closed() {
		m.Steps[n-1].EndedAt = now
	}
}

// StepNumber returns the index of the most recent step (0 when none).
func (m *BranchMetrics) StepNumber() int { return len(m.Steps) }

// Elapsed returns wall time since the branch was created.
func (m *BranchMetrics) Elapsed() time.Duration { return time.Since(m.CreatedAt) }
