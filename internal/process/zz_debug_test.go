package process

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/haasonsaas/chorus/internal/tools"
	"github.com/haasonsaas/chorus/pkg/models"
)

func TestZZDebugTimeoutWatcher(t *testing.T) {
	s := newTestSupervisor(t, nil)
	notifyCh := make(chan notifyCall, 1)
	d := NewDispatcher(DispatcherConfig{
		Supervisor: s,
		Notify: func(agent, context string, tracked *models.TrackedProcess) {
			notifyCh <- notifyCall{agent: agent, context: context, tracked: tracked}
		},
		Logger: testLogger(),
	})
	d.Wire()

	s.mu.Lock()
	fmt.Printf("DEBUG onCallbacksAdded set: %v\n", s.onCallbacksAdded != nil)
	s.mu.Unlock()

	tracked := spawn(t, s, tools.SpawnRequest{Command: "exec sleep 30"})
	defer s.Kill(context.Background(), tracked.PID, time.Second)

	cb := &models.Callback{
		Trigger:  &models.Trigger{Kind: models.TriggerOnTimeout, Seconds: 0.05},
		Action:   models.ActionNotifyChannel,
		MaxFires: 1,
	}
	fmt.Printf("DEBUG trigger kind=%q seconds=%v exhausted=%v action=%q\n", cb.Trigger.Kind, cb.Trigger.Seconds, cb.Exhausted(), cb.Action)

	err := s.AddCallbacks(context.Background(), tracked.PID, []*models.Callback{cb})
	if err != nil {
		t.Fatalf("AddCallbacks: %v", err)
	}

	d.mu.Lock()
	fmt.Printf("DEBUG watcher registered for pid %d: %v\n", tracked.PID, d.watchers[tracked.PID] != nil)
	d.mu.Unlock()

	time.Sleep(300 * time.Millisecond)
	_, snap, ok := s.callbackState(tracked.PID)
	fmt.Printf("DEBUG after sleep: ok=%v status=%q fireCount=%d\n", ok, snap.Status, cb.FireCount)

	select {
	case call := <-notifyCh:
		fmt.Printf("DEBUG got notify: %q\n", call.context)
	case <-time.After(2 * time.Second):
		fmt.Printf("DEBUG no notify\n")
	}
}
