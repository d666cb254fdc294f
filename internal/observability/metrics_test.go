package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/chorus/pkg/models"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return New(prometheus.NewRegistry())
}

func TestNew_IsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.BranchStarted("helper")
	m.LoopIteration("helper")
	m.RecordToolExecution("bash", "success", 0.1)
	m.RecordStoreQuery("GetAgent", 0.002)
	m.HookFired(models.ActionStopProcess)
	m.NotificationSuppressed()
	m.RecordProcessSpawn("background")
	m.RecordProcessExit("exited")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"chorus_branches_started_total",
		"chorus_active_branches",
		"chorus_loop_iterations_total",
		"chorus_tool_executions_total",
		"chorus_tool_execution_duration_seconds",
		"chorus_store_query_duration_seconds",
		"chorus_hook_fires_total",
		"chorus_suppressed_notifications_total",
		"chorus_process_spawns_total",
		"chorus_process_exits_total",
	} {
		if !names[want] {
			t.Errorf("registry missing %s", want)
		}
	}
}

func TestBranchLifecycle(t *testing.T) {
	m := newTestMetrics(t)

	m.BranchStarted("helper")
	m.BranchStarted("helper")
	m.BranchStarted("scout")
	m.BranchCompleted("helper", "completed")
	m.BranchCompleted("scout", "error")

	expected := `
		# HELP chorus_branches_started_total Total number of branch runs started by agent
		# TYPE chorus_branches_started_total counter
		chorus_branches_started_total{agent="helper"} 2
		chorus_branches_started_total{agent="scout"} 1
	`
	if err := testutil.CollectAndCompare(m.BranchStartedCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("started counter: %v", err)
	}

	expected = `
		# HELP chorus_branches_completed_total Total number of branch runs finished by agent and outcome
		# TYPE chorus_branches_completed_total counter
		chorus_branches_completed_total{agent="helper",status="completed"} 1
		chorus_branches_completed_total{agent="scout",status="error"} 1
	`
	if err := testutil.CollectAndCompare(m.BranchCompletedCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("completed counter: %v", err)
	}

	if got := testutil.ToFloat64(m.ActiveBranches.WithLabelValues("helper")); got != 1 {
		t.Errorf("helper active gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveBranches.WithLabelValues("scout")); got != 0 {
		t.Errorf("scout active gauge = %v, want 0", got)
	}
}

func TestRecordLLMRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordLLMRequest("anthropic", "claude-sonnet-4-5-20250929", "success", 1.2, models.Usage{
		InputTokens:         100,
		OutputTokens:        50,
		CacheReadTokens:     30,
		CacheCreationTokens: 10,
	})
	m.RecordLLMRequest("anthropic", "claude-sonnet-4-5-20250929", "error", 0.3, models.Usage{})

	expected := `
		# HELP chorus_llm_requests_total Total number of LLM requests by provider, model, and status
		# TYPE chorus_llm_requests_total counter
		chorus_llm_requests_total{model="claude-sonnet-4-5-20250929",provider="anthropic",status="error"} 1
		chorus_llm_requests_total{model="claude-sonnet-4-5-20250929",provider="anthropic",status="success"} 1
	`
	if err := testutil.CollectAndCompare(m.LLMRequestCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("request counter: %v", err)
	}

	expected = `
		# HELP chorus_llm_tokens_total Total number of tokens used by provider, model, and type
		# TYPE chorus_llm_tokens_total counter
		chorus_llm_tokens_total{model="claude-sonnet-4-5-20250929",provider="anthropic",type="cache_creation"} 10
		chorus_llm_tokens_total{model="claude-sonnet-4-5-20250929",provider="anthropic",type="cache_read"} 30
		chorus_llm_tokens_total{model="claude-sonnet-4-5-20250929",provider="anthropic",type="input"} 100
		chorus_llm_tokens_total{model="claude-sonnet-4-5-20250929",provider="anthropic",type="output"} 50
	`
	if err := testutil.CollectAndCompare(m.LLMTokensUsed, strings.NewReader(expected)); err != nil {
		t.Errorf("token counter: %v", err)
	}

	if count := testutil.CollectAndCount(m.LLMRequestDuration); count != 1 {
		t.Errorf("duration label sets = %d, want 1", count)
	}
}

func TestRecordToolExecution(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordToolExecution("bash", "success", 0.5)
	m.RecordToolExecution("bash", "success", 0.7)
	m.RecordToolExecution("web_fetch", "error", 2.0)

	expected := `
		# HELP chorus_tool_executions_total Total number of tool executions by tool name and status
		# TYPE chorus_tool_executions_total counter
		chorus_tool_executions_total{status="error",tool_name="web_fetch"} 1
		chorus_tool_executions_total{status="success",tool_name="bash"} 2
	`
	if err := testutil.CollectAndCompare(m.ToolExecutionCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("execution counter: %v", err)
	}

	if count := testutil.CollectAndCount(m.ToolExecutionDuration); count != 2 {
		t.Errorf("duration label sets = %d, want 2", count)
	}
}

func TestHookAndSuppressionCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.HookFired(models.ActionNotifyChannel)
	m.HookFired(models.ActionNotifyChannel)
	m.HookFired(models.ActionStopBranch)
	m.NotificationSuppressed()
	m.NotificationSuppressed()
	m.NotificationSuppressed()

	expected := `
		# HELP chorus_hook_fires_total Total number of hook callbacks fired by action
		# TYPE chorus_hook_fires_total counter
		chorus_hook_fires_total{action="notify_channel"} 2
		chorus_hook_fires_total{action="stop_branch"} 1
	`
	if err := testutil.CollectAndCompare(m.HookFireCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("hook counter: %v", err)
	}

	if got := testutil.ToFloat64(m.SuppressedNotifications); got != 3 {
		t.Errorf("suppressed = %v, want 3", got)
	}
}

func TestProcessCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordProcessSpawn(string(models.ProcessBackground))
	m.RecordProcessSpawn(string(models.ProcessConcurrent))
	m.RecordProcessExit(string(models.ProcessExited))
	m.RecordProcessExit(string(models.ProcessKilled))

	if got := testutil.ToFloat64(m.ProcessSpawnCounter.WithLabelValues("background")); got != 1 {
		t.Errorf("background spawns = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ProcessExitCounter.WithLabelValues("killed")); got != 1 {
		t.Errorf("killed exits = %v, want 1", got)
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics

	m.BranchStarted("helper")
	m.BranchCompleted("helper", "completed")
	m.LoopIteration("helper")
	m.RecordLLMRequest("anthropic", "claude", "success", 1, models.Usage{InputTokens: 1})
	m.RecordToolExecution("bash", "success", 0.1)
	m.RecordProcessSpawn("background")
	m.RecordProcessExit("exited")
	m.HookFired(models.ActionInjectContext)
	m.NotificationSuppressed()
	m.RecordStoreQuery("GetAgent", 0.001)
}
