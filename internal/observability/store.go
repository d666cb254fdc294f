package observability

import (
	"context"
	"time"

	"github.com/haasonsaas/chorus/internal/store"
	"github.com/haasonsaas/chorus/pkg/models"
)

// InstrumentStore wraps a store so every call records its latency under the
// method name. Process spawns and terminal status updates additionally feed
// the process counters, so process metrics need no hooks inside the
// supervisor itself. A nil metrics returns st unwrapped.
func InstrumentStore(st store.Store, metrics *Metrics) store.Store {
	if metrics == nil || st == nil {
		return st
	}
	return &instrumentedStore{inner: st, metrics: metrics}
}

type instrumentedStore struct {
	inner   store.Store
	metrics *Metrics
}

var _ store.Store = (*instrumentedStore)(nil)

// timer starts a latency observation; the returned func records it.
func (s *instrumentedStore) timer(operation string) func() {
	start := time.Now()
	return func() { s.metrics.RecordStoreQuery(operation, time.Since(start).Seconds()) }
}

func (s *instrumentedStore) RegisterAgent(ctx context.Context, agent *models.Agent) error {
	defer s.timer("RegisterAgent")()
	return s.inner.RegisterAgent(ctx, agent)
}

func (s *instrumentedStore) RemoveAgent(ctx context.Context, name string) error {
	defer s.timer("RemoveAgent")()
	return s.inner.RemoveAgent(ctx, name)
}

func (s *instrumentedStore) GetAgent(ctx context.Context, name string) (*models.Agent, error) {
	defer s.timer("GetAgent")()
	return s.inner.GetAgent(ctx, name)
}

func (s *instrumentedStore) GetAgentByChannel(ctx context.Context, channelID string) (*models.Agent, error) {
	defer s.timer("GetAgentByChannel")()
	return s.inner.GetAgentByChannel(ctx, channelID)
}

func (s *instrumentedStore) ListAgents(ctx context.Context, guildID string) ([]*models.Agent, error) {
	defer s.timer("ListAgents")()
	return s.inner.ListAgents(ctx, guildID)
}

func (s *instrumentedStore) UpdateAgentField(ctx context.Context, name, field, value string) error {
	defer s.timer("UpdateAgentField")()
	return s.inner.UpdateAgentField(ctx, name, field, value)
}

func (s *instrumentedStore) UpdateAgentChannel(ctx context.Context, name, channelID string) error {
	defer s.timer("UpdateAgentChannel")()
	return s.inner.UpdateAgentChannel(ctx, name, channelID)
}

func (s *instrumentedStore) LastClearTime(ctx context.Context, agent string) (time.Time, error) {
	defer s.timer("LastClearTime")()
	return s.inner.LastClearTime(ctx, agent)
}

func (s *instrumentedStore) SetLastClearTime(ctx context.Context, agent string, at time.Time) error {
	defer s.timer("SetLastClearTime")()
	return s.inner.SetLastClearTime(ctx, agent, at)
}

func (s *instrumentedStore) PersistMessage(ctx context.Context, msg *models.Message) (int64, error) {
	defer s.timer("PersistMessage")()
	return s.inner.PersistMessage(ctx, msg)
}

func (s *instrumentedStore) MessagesSince(ctx context.Context, agent string, since time.Time, branchID int64) ([]models.Message, error) {
	defer s.timer("MessagesSince")()
	return s.inner.MessagesSince(ctx, agent, since, branchID)
}

func (s *instrumentedStore) AllMessages(ctx context.Context, agent string) ([]models.Message, error) {
	defer s.timer("AllMessages")()
	return s.inner.AllMessages(ctx, agent)
}

func (s *instrumentedStore) SaveSession(ctx context.Context, snap *models.SessionSnapshot) error {
	defer s.timer("SaveSession")()
	return s.inner.SaveSession(ctx, snap)
}

func (s *instrumentedStore) ListSessions(ctx context.Context, agent string, limit int) ([]models.SessionSnapshot, error) {
	defer s.timer("ListSessions")()
	return s.inner.ListSessions(ctx, agent, limit)
}

func (s *instrumentedStore) GetSession(ctx context.Context, id string) (*models.SessionSnapshot, error) {
	defer s.timer("GetSession")()
	return s.inner.GetSession(ctx, id)
}

func (s *instrumentedStore) InsertProcess(ctx context.Context, proc *models.TrackedProcess) error {
	defer s.timer("InsertProcess")()
	err := s.inner.InsertProcess(ctx, proc)
	if err == nil {
		s.metrics.RecordProcessSpawn(string(proc.Kind))
	}
	return err
}

func (s *instrumentedStore) UpdateProcessStatus(ctx context.Context, pid int, status models.ProcessStatus, exitCode *int) error {
	defer s.timer("UpdateProcessStatus")()
	err := s.inner.UpdateProcessStatus(ctx, pid, status, exitCode)
	if err == nil && status.Terminal() {
		s.metrics.RecordProcessExit(string(status))
	}
	return err
}

func (s *instrumentedStore) UpdateProcessCallbacks(ctx context.Context, pid int, callbacksJSON string) error {
	defer s.timer("UpdateProcessCallbacks")()
	return s.inner.UpdateProcessCallbacks(ctx, pid, callbacksJSON)
}

func (s *instrumentedStore) ListProcesses(ctx context.Context, agent string) ([]models.TrackedProcess, error) {
	defer s.timer("ListProcesses")()
	return s.inner.ListProcesses(ctx, agent)
}

func (s *instrumentedStore) PersistBranchStep(ctx context.Context, agent string, branchID int64, step models.BranchStep) error {
	defer s.timer("PersistBranchStep")()
	return s.inner.PersistBranchStep(ctx, agent, branchID, step)
}

func (s *instrumentedStore) BranchSteps(ctx context.Context, agent string, branchID int64) ([]models.BranchStep, error) {
	defer s.timer("BranchSteps")()
	return s.inner.BranchSteps(ctx, agent, branchID)
}

func (s *instrumentedStore) LogSelfEdit(ctx context.Context, agent, editType, oldValue, newValue, userID string) error {
	defer s.timer("LogSelfEdit")()
	return s.inner.LogSelfEdit(ctx, agent, editType, oldValue, newValue, userID)
}

func (s *instrumentedStore) GetSetting(ctx context.Context, guildID, key string) (string, error) {
	defer s.timer("GetSetting")()
	return s.inner.GetSetting(ctx, guildID, key)
}

func (s *instrumentedStore) SetSetting(ctx context.Context, guildID, key, value string) error {
	defer s.timer("SetSetting")()
	return s.inner.SetSetting(ctx, guildID, key, value)
}

func (s *instrumentedStore) Close() error {
	defer s.timer("Close")()
	return s.inner.Close()
}
