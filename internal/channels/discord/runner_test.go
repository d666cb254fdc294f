package discord

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/chorus/internal/agent"
	"github.com/haasonsaas/chorus/internal/observability"
	"github.com/haasonsaas/chorus/pkg/models"
)

func TestRunBranch_RecordsBranchMetrics(t *testing.T) {
	a, mock := newTestAdapter(t)
	a.config.Metrics = observability.New(prometheus.NewRegistry())
	if _, err := a.agents.Create(context.Background(), "helper", "guild-1", "chan-1", agent.CreateOverrides{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	a.routeInbound(context.Background(), inboundMessage("m-1", "chan-1", "user-1", "check the build"))

	sup, ok := a.supervisorPeek("helper")
	if !ok {
		t.Fatal("expected a supervisor for the agent")
	}
	b, ok := sup.Route("m-1")
	if !ok {
		t.Fatal("expected the message id to route to the new branch")
	}

	// No API key is configured, so the run reports the missing key and
	// completes cleanly.
	waitUntil(t, "missing-key notice", func() bool {
		for _, c := range mock.sentContents() {
			if c == "No Anthropic API key configured." {
				return true
			}
		}
		return false
	})
	waitUntil(t, "branch terminal", func() bool { return b.Status().Terminal() })

	m := a.config.Metrics
	if got := testutil.ToFloat64(m.BranchStartedCounter.WithLabelValues("helper")); got != 1 {
		t.Errorf("branches started = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BranchCompletedCounter.WithLabelValues("helper", "completed")); got != 1 {
		t.Errorf("completed branches = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveBranches.WithLabelValues("helper")); got != 0 {
		t.Errorf("active gauge = %v, want 0", got)
	}
}

func TestSpawnHookBranch_RunsWithModelOverride(t *testing.T) {
	a, mock := newTestAdapter(t)
	if _, err := a.agents.Create(context.Background(), "helper", "guild-1", "chan-1", agent.CreateOverrides{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	hookContext := "Process 4242 exited with code 1.\nCommand: make watch"
	if err := a.SpawnHookBranch(context.Background(), "helper", hookContext, "gpt-4o", 1); err != nil {
		t.Fatalf("SpawnHookBranch: %v", err)
	}

	sup, ok := a.supervisorPeek("helper")
	if !ok {
		t.Fatal("expected a supervisor for the agent")
	}
	b, ok := sup.Get(1)
	if !ok {
		t.Fatal("expected the hook branch to exist")
	}
	if got, want := b.Summary(), branchSummary(hookContext); got != want {
		t.Errorf("summary = %q, want %q", got, want)
	}

	// The model override selects the OpenAI provider, which has no key
	// configured here, so the run reports that and completes.
	waitUntil(t, "missing-key notice", func() bool {
		for _, c := range mock.sentContents() {
			if c == "No OpenAI API key configured." {
				return true
			}
		}
		return false
	})
	waitUntil(t, "branch terminal", func() bool { return b.Status().Terminal() })

	msgs, err := a.store.AllMessages(context.Background(), "helper")
	if err != nil {
		t.Fatalf("AllMessages: %v", err)
	}
	var persisted bool
	for _, msg := range msgs {
		if msg.Role == models.RoleUser && msg.Content == hookContext && msg.BranchID == b.ID {
			persisted = true
		}
	}
	if !persisted {
		t.Error("expected the hook context persisted as a user message on the branch")
	}
}

func TestSpawnHookBranch_UnknownAgent(t *testing.T) {
	a, _ := newTestAdapter(t)
	if err := a.SpawnHookBranch(context.Background(), "ghost", "some context", "", 1); err == nil {
		t.Fatal("expected an error for an unknown agent")
	}
}
