package process

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/chorus/internal/store"
	"github.com/haasonsaas/chorus/internal/tools"
	"github.com/haasonsaas/chorus/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type statusUpdate struct {
	pid    int
	status models.ProcessStatus
	code   *int
}

// fakeStore records process writes and serves canned rows for recovery
// tests. Unimplemented store methods panic if reached.
type fakeStore struct {
	store.Store

	mu           sync.Mutex
	inserted     []models.TrackedProcess
	statuses     []statusUpdate
	callbackJSON map[int]string
	rows         []models.TrackedProcess
	callbacksErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{callbackJSON: make(map[int]string)}
}

func (f *fakeStore) InsertProcess(ctx context.Context, proc *models.TrackedProcess) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, *proc)
	return nil
}

func (f *fakeStore) UpdateProcessStatus(ctx context.Context, pid int, status models.ProcessStatus, exitCode *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, statusUpdate{pid: pid, status: status, code: exitCode})
	return nil
}

func (f *fakeStore) UpdateProcessCallbacks(ctx context.Context, pid int, callbacksJSON string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callbacksErr != nil {
		return f.callbacksErr
	}
	f.callbackJSON[pid] = callbacksJSON
	return nil
}

func (f *fakeStore) ListProcesses(ctx context.Context, agent string) ([]models.TrackedProcess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.TrackedProcess, len(f.rows))
	copy(out, f.rows)
	return out, nil
}

func (f *fakeStore) lastStatus(t *testing.T, pid int) statusUpdate {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.statuses) - 1; i >= 0; i-- {
		if f.statuses[i].pid == pid {
			return f.statuses[i]
		}
	}
	t.Fatalf("no status update recorded for pid %d", pid)
	return statusUpdate{}
}

func newTestSupervisor(t *testing.T, st store.Store) *Supervisor {
	t.Helper()
	return NewSupervisor(Config{Home: t.TempDir(), Store: st, Logger: testLogger()})
}

func waitExit(t *testing.T, ch <-chan int) int {
	t.Helper()
	select {
	case code := <-ch:
		return code
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for process exit")
		return 0
	}
}

func spawn(t *testing.T, s *Supervisor, req tools.SpawnRequest) *models.TrackedProcess {
	t.Helper()
	if req.Dir == "" {
		req.Dir = t.TempDir()
	}
	if req.Agent == "" {
		req.Agent = "demo"
	}
	if req.Kind == "" {
		req.Kind = models.ProcessBackground
	}
	tracked, err := s.Spawn(context.Background(), req)
	if err != nil {
		t.Fatalf("Spawn(%q): %v", req.Command, err)
	}
	return tracked
}

func TestSpawnEchoLifecycle(t *testing.T) {
	st := newFakeStore()
	s := newTestSupervisor(t, st)
	exitCh := make(chan int, 1)
	s.SetCallbacks(nil, func(pid, code int) { exitCh <- code }, nil)

	tracked := spawn(t, s, tools.SpawnRequest{Command: "echo hello"})
	if code := waitExit(t, exitCh); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	got, ok := s.Get(tracked.PID)
	if !ok {
		t.Fatal("process not tracked after exit")
	}
	if got.Status != models.ProcessExited {
		t.Errorf("status = %s, want %s", got.Status, models.ProcessExited)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", got.ExitCode)
	}
	if got.Command != "echo hello" {
		t.Errorf("command = %q, want the unwrapped command", got.Command)
	}
	if lines := got.Tail.Lines(); len(lines) != 1 || lines[0] != "hello" {
		t.Errorf("tail = %v, want [hello]", lines)
	}

	data, err := os.ReadFile(got.StdoutLog)
	if err != nil {
		t.Fatalf("read stdout log: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("stdout log = %q, want %q", data, "hello\n")
	}

	st.mu.Lock()
	inserted := append([]models.TrackedProcess(nil), st.inserted...)
	st.mu.Unlock()
	if len(inserted) != 1 {
		t.Fatalf("inserted %d rows, want 1", len(inserted))
	}
	if inserted[0].Status != models.ProcessRunning {
		t.Errorf("inserted status = %s, want %s", inserted[0].Status, models.ProcessRunning)
	}
	last := st.lastStatus(t, tracked.PID)
	if last.status != models.ProcessExited || last.code == nil || *last.code != 0 {
		t.Errorf("persisted status = %s code %v, want exited 0", last.status, last.code)
	}
}

func TestSpawnStderrPrefix(t *testing.T) {
	s := newTestSupervisor(t, nil)
	exitCh := make(chan int, 1)
	s.SetCallbacks(nil, func(pid, code int) { exitCh <- code }, nil)

	tracked := spawn(t, s, tools.SpawnRequest{Command: "echo oops >&2"})
	waitExit(t, exitCh)

	got, _ := s.Get(tracked.PID)
	if lines := got.Tail.Lines(); len(lines) != 1 || lines[0] != "err: oops" {
		t.Errorf("tail = %v, want [err: oops]", lines)
	}
	data, err := os.ReadFile(got.StderrLog)
	if err != nil {
		t.Fatalf("read stderr log: %v", err)
	}
	if string(data) != "oops\n" {
		t.Errorf("stderr log = %q, want %q", data, "oops\n")
	}
}

func TestSpawnNonZeroExit(t *testing.T) {
	s := newTestSupervisor(t, nil)
	exitCh := make(chan int, 1)
	s.SetCallbacks(nil, func(pid, code int) { exitCh <- code }, nil)

	tracked := spawn(t, s, tools.SpawnRequest{Command: "false"})
	if code := waitExit(t, exitCh); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	got, _ := s.Get(tracked.PID)
	if got.Status != models.ProcessExited {
		t.Errorf("status = %s, want %s", got.Status, models.ProcessExited)
	}
}

func TestSpawnSanitizedEnv(t *testing.T) {
	s := newTestSupervisor(t, nil)
	exitCh := make(chan int, 2)
	s.SetCallbacks(nil, func(pid, code int) { exitCh <- code }, nil)

	dir := t.TempDir()
	tracked := spawn(t, s, tools.SpawnRequest{Command: "echo $HOME", Dir: dir})
	waitExit(t, exitCh)
	got, _ := s.Get(tracked.PID)
	if lines := got.Tail.Lines(); len(lines) != 1 || lines[0] != dir {
		t.Errorf("HOME = %v, want jailed to %q", lines, dir)
	}

	tracked = spawn(t, s, tools.SpawnRequest{
		Command:      "echo $CHORUS_TEST_FLAG",
		EnvOverrides: map[string]string{"CHORUS_TEST_FLAG": "on"},
	})
	waitExit(t, exitCh)
	got, _ = s.Get(tracked.PID)
	if lines := got.Tail.Lines(); len(lines) != 1 || lines[0] != "on" {
		t.Errorf("override = %v, want [on]", lines)
	}
}

func TestSpawnBadDir(t *testing.T) {
	st := newFakeStore()
	s := newTestSupervisor(t, st)

	_, err := s.Spawn(context.Background(), tools.SpawnRequest{
		Command: "echo hi",
		Dir:     "/nonexistent/path/for/chorus/test",
		Agent:   "demo",
		Kind:    models.ProcessBackground,
	})
	if err == nil {
		t.Fatal("Spawn into a missing dir should fail")
	}
	if got := s.List(""); len(got) != 0 {
		t.Errorf("tracked %d processes after failed spawn, want 0", len(got))
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.inserted) != 0 {
		t.Errorf("inserted %d rows after failed spawn, want 0", len(st.inserted))
	}
}

func TestKill(t *testing.T) {
	st := newFakeStore()
	s := newTestSupervisor(t, st)
	exitCh := make(chan int, 1)
	s.SetCallbacks(nil, func(pid, code int) { exitCh <- code }, nil)

	tracked := spawn(t, s, tools.SpawnRequest{Command: "exec sleep 30"})
	if err := s.Kill(context.Background(), tracked.PID, 2*time.Second); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitExit(t, exitCh)

	got, _ := s.Get(tracked.PID)
	if got.Status != models.ProcessKilled {
		t.Errorf("status = %s, want %s", got.Status, models.ProcessKilled)
	}
	if got.ExitCode == nil || *got.ExitCode != -1 {
		t.Errorf("exit code = %v, want -1 for a signaled process", got.ExitCode)
	}
	last := st.lastStatus(t, tracked.PID)
	if last.status != models.ProcessKilled {
		t.Errorf("persisted status = %s, want %s", last.status, models.ProcessKilled)
	}

	if err := s.Kill(context.Background(), tracked.PID, time.Second); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second Kill = %v, want ErrNotRunning", err)
	}
}

func TestKillUnknownPID(t *testing.T) {
	s := newTestSupervisor(t, nil)
	if err := s.Kill(context.Background(), 999999, time.Second); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Kill unknown pid = %v, want ErrNotRunning", err)
	}
}

func TestKillAllForAgent(t *testing.T) {
	s := newTestSupervisor(t, nil)
	exitCh := make(chan int, 3)
	s.SetCallbacks(nil, func(pid, code int) { exitCh <- code }, nil)

	spawn(t, s, tools.SpawnRequest{Command: "exec sleep 30", Agent: "worker"})
	spawn(t, s, tools.SpawnRequest{Command: "exec sleep 30", Agent: "worker"})
	other := spawn(t, s, tools.SpawnRequest{Command: "exec sleep 30", Agent: "other"})

	if n := s.KillAllForAgent(context.Background(), "worker"); n != 2 {
		t.Errorf("KillAllForAgent = %d, want 2", n)
	}
	waitExit(t, exitCh)
	waitExit(t, exitCh)

	got, _ := s.Get(other.PID)
	if got.Status != models.ProcessRunning {
		t.Errorf("other agent's process status = %s, want still running", got.Status)
	}

	if err := s.Kill(context.Background(), other.PID, time.Second); err != nil {
		t.Fatalf("cleanup kill: %v", err)
	}
	waitExit(t, exitCh)
}

func TestAddCallbacks(t *testing.T) {
	st := newFakeStore()
	s := newTestSupervisor(t, st)
	exitCh := make(chan int, 1)
	s.SetCallbacks(nil, func(pid, code int) { exitCh <- code }, nil)

	var addedPIDs []int
	var addedCount int
	s.mu.Lock()
	s.onCallbacksAdded = func(pid int, cbs []*models.Callback) {
		addedPIDs = append(addedPIDs, pid)
		addedCount = len(cbs)
	}
	s.mu.Unlock()

	tracked := spawn(t, s, tools.SpawnRequest{Command: "exec sleep 30"})
	cbs := []*models.Callback{{
		Trigger:  &models.Trigger{Kind: models.TriggerOnExit, ExitFilter: models.ExitAny},
		Action:   models.ActionNotifyChannel,
		MaxFires: 1,
	}}
	if err := s.AddCallbacks(context.Background(), tracked.PID, cbs); err != nil {
		t.Fatalf("AddCallbacks: %v", err)
	}

	got, _ := s.Get(tracked.PID)
	if len(got.Callbacks) != 1 {
		t.Fatalf("callbacks = %d, want 1", len(got.Callbacks))
	}
	st.mu.Lock()
	payload := st.callbackJSON[tracked.PID]
	st.mu.Unlock()
	if !strings.Contains(payload, "notify_channel") {
		t.Errorf("persisted callbacks = %q, want notify_channel entry", payload)
	}
	if len(addedPIDs) != 1 || addedPIDs[0] != tracked.PID || addedCount != 1 {
		t.Errorf("added hook saw pids %v count %d, want [%d] 1", addedPIDs, addedCount, tracked.PID)
	}

	if err := s.Kill(context.Background(), tracked.PID, time.Second); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitExit(t, exitCh)
	if err := s.AddCallbacks(context.Background(), tracked.PID, cbs); !errors.Is(err, ErrNotRunning) {
		t.Errorf("AddCallbacks after exit = %v, want ErrNotRunning", err)
	}
}

func TestAddCallbacksStoreConflict(t *testing.T) {
	st := newFakeStore()
	st.callbacksErr = models.ErrProcessNotFound
	s := newTestSupervisor(t, st)
	exitCh := make(chan int, 1)
	s.SetCallbacks(nil, func(pid, code int) { exitCh <- code }, nil)

	tracked := spawn(t, s, tools.SpawnRequest{Command: "exec sleep 30"})
	defer func() {
		s.Kill(context.Background(), tracked.PID, time.Second)
		waitExit(t, exitCh)
	}()

	cbs := []*models.Callback{{
		Trigger: &models.Trigger{Kind: models.TriggerOnExit, ExitFilter: models.ExitAny},
		Action:  models.ActionNotifyChannel,
	}}
	err := s.AddCallbacks(context.Background(), tracked.PID, cbs)
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("AddCallbacks with a terminal store row = %v, want ErrNotRunning", err)
	}
}

func TestListAndGetReturnCopies(t *testing.T) {
	s := newTestSupervisor(t, nil)
	exitCh := make(chan int, 2)
	s.SetCallbacks(nil, func(pid, code int) { exitCh <- code }, nil)

	a := spawn(t, s, tools.SpawnRequest{Command: "exec sleep 30", Agent: "a"})
	b := spawn(t, s, tools.SpawnRequest{Command: "exec sleep 30", Agent: "b"})
	defer func() {
		s.KillAllForAgent(context.Background(), "a")
		s.KillAllForAgent(context.Background(), "b")
		waitExit(t, exitCh)
		waitExit(t, exitCh)
	}()

	all := s.List("")
	if len(all) != 2 {
		t.Fatalf("List(\"\") = %d processes, want 2", len(all))
	}
	if all[0].PID > all[1].PID {
		t.Errorf("List not sorted by pid: %d, %d", all[0].PID, all[1].PID)
	}
	onlyA := s.List("a")
	if len(onlyA) != 1 || onlyA[0].PID != a.PID {
		t.Errorf("List(\"a\") = %+v, want just pid %d", onlyA, a.PID)
	}

	got, ok := s.Get(b.PID)
	if !ok {
		t.Fatal("Get returned no process")
	}
	got.Status = models.ProcessLost
	again, _ := s.Get(b.PID)
	if again.Status != models.ProcessRunning {
		t.Error("mutating a Get copy changed the tracked process")
	}

	if _, ok := s.Get(424242); ok {
		t.Error("Get of unknown pid reported ok")
	}
}

func TestRecoverOnStartup(t *testing.T) {
	st := newFakeStore()
	st.rows = []models.TrackedProcess{
		{PID: 1 << 30, Agent: "a", Command: "sleep 999", Status: models.ProcessRunning},
		{PID: os.Getpid(), Agent: "a", Command: "self", Status: models.ProcessRunning},
		{PID: 77, Agent: "a", Command: "done", Status: models.ProcessExited},
	}
	s := newTestSupervisor(t, st)

	lost, err := s.RecoverOnStartup(context.Background())
	if err != nil {
		t.Fatalf("RecoverOnStartup: %v", err)
	}
	if lost != 2 {
		t.Errorf("lost = %d, want 2", lost)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.statuses) != 2 {
		t.Fatalf("recorded %d status updates, want 2", len(st.statuses))
	}
	for _, u := range st.statuses {
		if u.status != models.ProcessLost || u.code != nil {
			t.Errorf("update %+v, want lost with nil code", u)
		}
		if u.pid == 77 {
			t.Error("exited row should not be touched by recovery")
		}
	}
}

func TestWrapStdbuf(t *testing.T) {
	wrapped := wrapStdbuf("echo hi")
	if _, err := exec.LookPath("stdbuf"); err == nil {
		if wrapped != "stdbuf -oL echo hi" {
			t.Errorf("wrapped = %q, want stdbuf prefix", wrapped)
		}
	} else if wrapped != "echo hi" {
		t.Errorf("wrapped = %q, want unmodified command", wrapped)
	}
}

func TestPidAlive(t *testing.T) {
	if !pidAlive(os.Getpid()) {
		t.Error("own pid reported dead")
	}
	if pidAlive(0) {
		t.Error("pid 0 reported alive")
	}
	if pidAlive(1 << 30) {
		t.Error("absurd pid reported alive")
	}
}
