package observability

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/chorus/internal/store"
	"github.com/haasonsaas/chorus/pkg/models"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open("", filepath.Join(t.TempDir(), "chorus.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInstrumentStore_RecordsQueryLatency(t *testing.T) {
	m := newTestMetrics(t)
	st := InstrumentStore(newTestStore(t), m)
	ctx := context.Background()

	agent := models.NewAgent("helper")
	agent.ChannelID = "chan-1"
	agent.GuildID = "guild-1"
	if err := st.RegisterAgent(ctx, agent); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if _, err := st.GetAgent(ctx, "helper"); err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if _, err := st.PersistMessage(ctx, &models.Message{
		Agent: "helper", Role: models.RoleUser, Content: "hi",
		Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("PersistMessage: %v", err)
	}

	// One histogram label set per distinct operation.
	if count := testutil.CollectAndCount(m.StoreQueryDuration); count != 3 {
		t.Errorf("operation label sets = %d, want 3", count)
	}
}

func TestInstrumentStore_ProcessSpawnAndExit(t *testing.T) {
	m := newTestMetrics(t)
	st := InstrumentStore(newTestStore(t), m)
	ctx := context.Background()

	proc := &models.TrackedProcess{
		PID: 4242, Agent: "helper", Command: "npm run dev",
		Kind: models.ProcessBackground, Status: models.ProcessRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := st.InsertProcess(ctx, proc); err != nil {
		t.Fatalf("InsertProcess: %v", err)
	}
	if got := testutil.ToFloat64(m.ProcessSpawnCounter.WithLabelValues("background")); got != 1 {
		t.Errorf("spawn count = %v, want 1", got)
	}

	code := 0
	if err := st.UpdateProcessStatus(ctx, 4242, models.ProcessExited, &code); err != nil {
		t.Fatalf("UpdateProcessStatus: %v", err)
	}
	if got := testutil.ToFloat64(m.ProcessExitCounter.WithLabelValues("exited")); got != 1 {
		t.Errorf("exit count = %v, want 1", got)
	}
}

func TestInstrumentStore_FailuresNotCounted(t *testing.T) {
	m := newTestMetrics(t)
	st := InstrumentStore(newTestStore(t), m)
	ctx := context.Background()

	// No such pid is tracked, so the update fails and no exit is counted.
	if err := st.UpdateProcessStatus(ctx, 7777, models.ProcessExited, nil); err == nil {
		t.Fatal("UpdateProcessStatus should fail for an untracked pid")
	}
	if count := testutil.CollectAndCount(m.ProcessExitCounter); count != 0 {
		t.Errorf("exit label sets = %d, want 0", count)
	}

	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	proc := &models.TrackedProcess{
		PID: 99, Agent: "helper", Command: "sleep 60",
		Kind: models.ProcessConcurrent, Status: models.ProcessRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := st.InsertProcess(ctx, proc); err == nil {
		t.Fatal("InsertProcess should fail on a closed store")
	}
	if count := testutil.CollectAndCount(m.ProcessSpawnCounter); count != 0 {
		t.Errorf("spawn label sets = %d, want 0", count)
	}
}

func TestInstrumentStore_NilMetricsPassthrough(t *testing.T) {
	st := newTestStore(t)
	if got := InstrumentStore(st, nil); got != st {
		t.Error("nil metrics should return the store unwrapped")
	}
	if got := InstrumentStore(nil, newTestMetrics(t)); got != nil {
		t.Error("nil store should stay nil")
	}
}
