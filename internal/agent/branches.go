package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/chorus/internal/store"
	"github.com/haasonsaas/chorus/pkg/models"
)

// DefaultCleanupAfter is how long completed branches linger before
// CleanupCompleted removes them.
const DefaultCleanupAfter = 10 * time.Minute

// DefaultFileLockTimeout bounds AcquireFileLock when no timeout is given.
const DefaultFileLockTimeout = 30 * time.Second

// noActiveBranches is the status report sentinel when nothing is running.
const noActiveBranches = "No active branches."

// Branch is one unit of agent execution: an initial message worked on by
// the tool loop, with its own lifecycle, metrics, and inject queue.
// Branches are created Idle, started by the supervisor, and end Completed
// whether the runner returns, panics, or is cancelled.
type Branch struct {
	ID    int64
	Agent string

	// InitialMessage is the user text the branch was created for.
	InitialMessage string

	mu          sync.Mutex
	status      models.BranchStatus
	summary     string
	isMain      bool
	completedAt time.Time
	metrics     *models.BranchMetrics
	externalIDs []string
	cancel      context.CancelFunc
	done        chan struct{}

	injectMu sync.Mutex
	injectQ  []models.Message
}

// Status returns the branch lifecycle state.
func (b *Branch) Status() models.BranchStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// SetStatus transitions the branch state. Terminal is absorbing: once the
// branch is Completed further transitions are ignored.
func (b *Branch) SetStatus(status models.BranchStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() {
		return
	}
	b.status = status
}

// Summary returns the short description of what the branch is doing.
func (b *Branch) Summary() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.summary
}

// SetSummary records a short description of the branch's work.
func (b *Branch) SetSummary(summary string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summary = summary
}

// IsMain reports whether this is the agent's main branch.
func (b *Branch) IsMain() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isMain
}

func (b *Branch) setMain(main bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isMain = main
}

// CompletedAt returns when the branch finished (zero while active).
func (b *Branch) CompletedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completedAt
}

// MetricsSnapshot returns a copy of the branch metrics.
func (b *Branch) MetricsSnapshot() models.BranchMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := *b.metrics
	snap.Steps = append([]models.BranchStep(nil), b.metrics.Steps...)
	return snap
}

// ExternalIDs returns the outbound message ids registered for this branch.
func (b *Branch) ExternalIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.externalIDs...)
}

func (b *Branch) addExternalID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.externalIDs = append(b.externalIDs, id)
}

// Inject enqueues a message for the branch's tool loop. Never blocks; the
// queue is unbounded and drained at iteration boundaries.
func (b *Branch) Inject(msg models.Message) {
	b.injectMu.Lock()
	defer b.injectMu.Unlock()
	b.injectQ = append(b.injectQ, msg)
}

// DrainInjected returns and clears the queued messages in FIFO order.
func (b *Branch) DrainInjected() []models.Message {
	b.injectMu.Lock()
	defer b.injectMu.Unlock()
	q := b.injectQ
	b.injectQ = nil
	return q
}

// beginStep opens a new metrics step; the step it closed, if any, is
// returned for persistence.
func (b *Branch) beginStep(description string) *models.BranchStep {
	b.mu.Lock()
	defer b.mu.Unlock()
	var closedIdx = -1
	if n := len(b.metrics.Steps); n > 0 && !b.metrics.Steps[n-1].Closed() {
		closedIdx = n - 1
	}
	b.metrics.BeginStep(description)
	if closedIdx < 0 {
		return nil
	}
	step := b.metrics.Steps[closedIdx]
	return &step
}

// complete marks the branch Completed, fixes completedAt, and finalizes
// metrics. Idempotent; returns the final closed step on the first call.
func (b *Branch) complete() *models.BranchStep {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() {
		return nil
	}
	b.status = models.BranchCompleted
	b.completedAt = time.Now().UTC()
	var closed *models.BranchStep
	if n := len(b.metrics.Steps); n > 0 && !b.metrics.Steps[n-1].Closed() {
		b.metrics.Finalize()
		step := b.metrics.Steps[n-1]
		closed = &step
	} else {
		b.metrics.Finalize()
	}
	return closed
}

// statusLine renders one report line, or ok false for terminal branches.
func (b *Branch) statusLine(currentID int64) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() {
		return "", false
	}
	marker := ""
	if b.ID == currentID {
		marker = " (this branch)"
	}
	summary := b.summary
	if summary == "" {
		summary = "Starting..."
	}
	return fmt.Sprintf("  #%d%s: %s — step %d, %.0fs elapsed, currently: %s [%s]",
		b.ID, marker, summary, b.metrics.StepNumber(), b.metrics.Elapsed().Seconds(),
		b.metrics.CurrentStep, b.status), true
}

// Runner is the work a branch executes. The context is cancelled when the
// branch is killed.
type Runner func(ctx context.Context, b *Branch) error

// fileLock is a per-path lock with timed acquisition. held and holder are
// guarded by the supervisor mutex; ch carries the actual exclusion.
type fileLock struct {
	ch     chan struct{}
	held   bool
	holder int64
}

// SupervisorConfig configures a branch Supervisor.
type SupervisorConfig struct {
	// Agent is the owning agent's name.
	Agent string

	// Store receives branch step metrics when set.
	Store store.Store

	// CleanupAfter is how long completed branches are kept; zero uses
	// DefaultCleanupAfter.
	CleanupAfter time.Duration

	Logger *slog.Logger
}

// Supervisor manages the execution branches of a single agent: creation,
// start and kill, reply routing by external message id, main branch
// selection, per-path file locks, and the status block injected into the
// agent's context.
type Supervisor struct {
	agent        string
	store        store.Store
	cleanupAfter time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	branches map[int64]*Branch
	external map[string]int64
	locks    map[string]*fileLock
	nextID   int64
	mainID   int64
}

// NewSupervisor creates a branch supervisor for one agent.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cleanupAfter := cfg.CleanupAfter
	if cleanupAfter <= 0 {
		cleanupAfter = DefaultCleanupAfter
	}
	return &Supervisor{
		agent:        cfg.Agent,
		store:        cfg.Store,
		cleanupAfter: cleanupAfter,
		logger:       logger.With("component", "branch-supervisor", "agent", cfg.Agent),
		branches:     make(map[int64]*Branch),
		external:     make(map[string]int64),
		locks:        make(map[string]*fileLock),
		nextID:       1,
	}
}

// Create registers a new Idle branch. When isMain is set the branch becomes
// the agent's main branch, replacing any previous one.
func (s *Supervisor) Create(initialMessage string, isMain bool) *Branch {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &Branch{
		ID:             s.nextID,
		Agent:          s.agent,
		InitialMessage: initialMessage,
		status:         models.BranchIdle,
		metrics:        models.NewBranchMetrics(),
	}
	s.nextID++
	s.branches[b.ID] = b
	if isMain {
		s.setMainLocked(b)
	}
	s.logger.Info("branch created", "branch", b.ID, "main", isMain)
	return b
}

// Start launches the branch's runner in its own goroutine. The wrapper
// recovers panics, absorbs cancellation, and always leaves the branch
// Completed with its metrics finalized and its file locks released.
func (s *Supervisor) Start(b *Branch, runner Runner) error {
	if runner == nil {
		return errors.New("start branch: runner is nil")
	}
	b.mu.Lock()
	if b.status.Terminal() {
		b.mu.Unlock()
		return fmt.Errorf("branch #%d already completed", b.ID)
	}
	if b.done != nil {
		b.mu.Unlock()
		return fmt.Errorf("branch #%d already started", b.ID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.cancel = cancel
	b.done = done
	b.status = models.BranchRunning
	b.mu.Unlock()

	go func() {
		defer close(done)
		defer s.completeBranch(b)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("branch panicked", "branch", b.ID, "panic", r)
			}
		}()
		if err := runner(ctx, b); err != nil {
			if errors.Is(err, context.Canceled) {
				s.logger.Info("branch cancelled", "branch", b.ID)
			} else {
				s.logger.Error("branch failed", "branch", b.ID, "error", err)
			}
		}
	}()
	return nil
}

// completeBranch runs the always-on completion path: terminal status,
// final step persistence, file lock release.
func (s *Supervisor) completeBranch(b *Branch) {
	finalStep := b.complete()
	if finalStep != nil && s.store != nil {
		if err := s.store.PersistBranchStep(context.Background(), s.agent, b.ID, *finalStep); err != nil {
			s.logger.Warn("failed to persist final branch step", "branch", b.ID, "error", err)
		}
	}
	s.ReleaseAllForBranch(b.ID)
	s.logger.Info("branch completed", "branch", b.ID)
}

// BeginStep opens a new metrics step on the branch and persists the step
// it closed.
func (s *Supervisor) BeginStep(ctx context.Context, b *Branch, description string) {
	closed := b.beginStep(description)
	if closed != nil && s.store != nil {
		if err := s.store.PersistBranchStep(ctx, s.agent, b.ID, *closed); err != nil {
			s.logger.Warn("failed to persist branch step", "branch", b.ID, "error", err)
		}
	}
}

// Kill cancels a branch and waits for its runner to finish. Returns false
// for unknown ids; killing a completed branch is a no-op returning true.
func (s *Supervisor) Kill(id int64) bool {
	s.mu.Lock()
	b := s.branches[id]
	s.mu.Unlock()
	if b == nil {
		return false
	}

	b.mu.Lock()
	if b.status.Terminal() {
		b.mu.Unlock()
		return true
	}
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	} else {
		// Created but never started; complete it directly.
		s.completeBranch(b)
	}
	s.logger.Info("branch killed", "branch", id)
	return true
}

// KillAll kills every non-terminal branch and returns how many.
func (s *Supervisor) KillAll() int {
	s.mu.Lock()
	var ids []int64
	for id, b := range s.branches {
		if !b.Status().Terminal() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Kill(id)
	}
	return len(ids)
}

// Get returns a branch by id.
func (s *Supervisor) Get(id int64) (*Branch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[id]
	return b, ok
}

// List returns all branches sorted by id.
func (s *Supervisor) List() []*Branch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Branch, 0, len(s.branches))
	for _, b := range s.branches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListActive returns the non-terminal branches sorted by id.
func (s *Supervisor) ListActive() []*Branch {
	var active []*Branch
	for _, b := range s.List() {
		if !b.Status().Terminal() {
			active = append(active, b)
		}
	}
	return active
}

// RegisterExternal binds an outbound message id to a branch so replies to
// that message can be routed back.
func (s *Supervisor) RegisterExternal(externalID string, branchID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.external[externalID] = branchID
	if b := s.branches[branchID]; b != nil {
		b.addExternalID(externalID)
	}
}

// Route returns the branch that produced an outbound message.
func (s *Supervisor) Route(externalID string) (*Branch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.external[externalID]
	if !ok {
		return nil, false
	}
	b, ok := s.branches[id]
	return b, ok
}

// SetMain marks a branch as the agent's main branch, replacing any
// previous one. Unknown ids are an error.
func (s *Supervisor) SetMain(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.branches[id]
	if b == nil {
		return fmt.Errorf("%w: #%d", models.ErrBranchNotFound, id)
	}
	s.setMainLocked(b)
	return nil
}

func (s *Supervisor) setMainLocked(b *Branch) {
	if prev := s.branches[s.mainID]; prev != nil && prev != b {
		prev.setMain(false)
	}
	s.mainID = b.ID
	b.setMain(true)
}

// Main returns the current main branch, or nil.
func (s *Supervisor) Main() *Branch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.branches[s.mainID]
}

// BreakMain clears the main branch selection.
func (s *Supervisor) BreakMain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.branches[s.mainID]; b != nil {
		b.setMain(false)
	}
	s.mainID = 0
}

// CleanupCompleted removes completed branches older than the cleanup
// window, along with their external id bindings. Returns how many were
// removed.
func (s *Supervisor) CleanupCompleted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	removed := 0
	for id, b := range s.branches {
		b.mu.Lock()
		expired := b.status.Terminal() && !b.completedAt.IsZero() && now.Sub(b.completedAt) > s.cleanupAfter
		b.mu.Unlock()
		if !expired {
			continue
		}
		delete(s.branches, id)
		if s.mainID == id {
			s.mainID = 0
		}
		removed++
	}
	if removed > 0 {
		for ext, id := range s.external {
			if _, ok := s.branches[id]; !ok {
				delete(s.external, ext)
			}
		}
		s.logger.Info("cleaned up completed branches", "count", removed)
	}
	return removed
}

// AcquireFileLock takes the per-path lock for a branch, waiting up to
// timeout (zero uses DefaultFileLockTimeout). Returns false on timeout.
// Locks on different paths are independent; ReleaseAllForBranch releases
// only the paths this branch holds.
func (s *Supervisor) AcquireFileLock(path string, branchID int64, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultFileLockTimeout
	}
	s.mu.Lock()
	l := s.locks[path]
	if l == nil {
		l = &fileLock{ch: make(chan struct{}, 1)}
		s.locks[path] = l
	}
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case l.ch <- struct{}{}:
	case <-timer.C:
		return false
	}

	s.mu.Lock()
	l.held = true
	l.holder = branchID
	s.mu.Unlock()
	return true
}

// ReleaseFileLock releases the per-path lock. Releasing an unheld path is
// a no-op.
func (s *Supervisor) ReleaseFileLock(path string) {
	s.mu.Lock()
	l := s.locks[path]
	if l == nil || !l.held {
		s.mu.Unlock()
		return
	}
	l.held = false
	l.holder = 0
	s.mu.Unlock()
	<-l.ch
}

// IsFileLocked reports whether a path is currently locked.
func (s *Supervisor) IsFileLocked(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.locks[path]
	return l != nil && l.held
}

// ReleaseAllForBranch releases every file lock held by the given branch.
func (s *Supervisor) ReleaseAllForBranch(branchID int64) {
	if branchID == 0 {
		return
	}
	s.mu.Lock()
	var release []*fileLock
	for _, l := range s.locks {
		if l.held && l.holder == branchID {
			l.held = false
			l.holder = 0
			release = append(release, l)
		}
	}
	s.mu.Unlock()

	for _, l := range release {
		<-l.ch
	}
	if len(release) > 0 {
		s.logger.Info("released file locks for branch", "branch", branchID, "count", len(release))
	}
}

// StatusReport renders the active-branch block with no current branch
// marked. Satisfies the branch_status tool's reporter interface.
func (s *Supervisor) StatusReport() string { return s.StatusReportFor(0) }

// StatusReportFor renders the active-branch block, marking currentID as
// this branch. Returns the no-branches sentinel when nothing is active.
func (s *Supervisor) StatusReportFor(currentID int64) string {
	lines := []string{"Active branches:"}
	for _, b := range s.List() {
		if line, ok := b.statusLine(currentID); ok {
			lines = append(lines, line)
		}
	}
	if len(lines) == 1 {
		return noActiveBranches
	}
	return strings.Join(lines, "\n")
}
