package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/haasonsaas/chorus/pkg/models"
)

// Metrics provides a centralized interface for collecting runtime metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Branch lifecycle (starts, completions by outcome, live count)
//   - Agent loop iterations per agent
//   - LLM request performance, outcomes, and token usage
//   - Tool execution patterns and latencies
//   - Background process spawns and exits
//   - Hook callback activity
//   - Store query performance
//
// All record methods are no-ops on a nil receiver, so callers hold an
// optional *Metrics and record unconditionally.
//
// Usage:
//
//	metrics := observability.New(nil)
//	metrics.BranchStarted("helper")
//	defer metrics.BranchCompleted("helper", "completed")
type Metrics struct {
	// BranchStartedCounter counts branch runs started.
	// Labels: agent
	BranchStartedCounter *prometheus.CounterVec

	// BranchCompletedCounter counts branch runs finished by outcome.
	// Labels: agent, status (completed|cancelled|error)
	BranchCompletedCounter *prometheus.CounterVec

	// ActiveBranches is a gauge tracking branches currently running.
	// Labels: agent
	ActiveBranches *prometheus.GaugeVec

	// LoopIterationCounter counts agent loop iterations. One iteration is
	// one LLM round trip, including the tool calls it requested.
	// Labels: agent
	LoopIterationCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai), model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider (anthropic|openai), model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output|cache_read|cache_creation)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// ProcessSpawnCounter counts tracked subprocess spawns.
	// Labels: kind (concurrent|background)
	ProcessSpawnCounter *prometheus.CounterVec

	// ProcessExitCounter counts tracked subprocess terminations.
	// Labels: status (exited|killed|lost)
	ProcessExitCounter *prometheus.CounterVec

	// HookFireCounter counts hook callbacks fired by action.
	// Labels: action (stop_process|stop_branch|inject_context|spawn_branch|notify_channel)
	HookFireCounter *prometheus.CounterVec

	// SuppressedNotifications counts notify_channel fires skipped because
	// the owning branch was actively running.
	SuppressedNotifications prometheus.Counter

	// StoreQueryDuration measures store call latency in seconds.
	// Labels: operation (store method name, e.g. PersistMessage)
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	StoreQueryDuration *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics with reg. A nil reg
// registers with the default registry; tests pass an isolated
// prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		BranchStartedCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chorus_branches_started_total",
				Help: "Total number of branch runs started by agent",
			},
			[]string{"agent"},
		),

		BranchCompletedCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chorus_branches_completed_total",
				Help: "Total number of branch runs finished by agent and outcome",
			},
			[]string{"agent", "status"},
		),

		ActiveBranches: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chorus_active_branches",
				Help: "Current number of running branches by agent",
			},
			[]string{"agent"},
		),

		LoopIterationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chorus_loop_iterations_total",
				Help: "Total number of agent loop iterations by agent",
			},
			[]string{"agent"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chorus_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chorus_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chorus_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chorus_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chorus_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ProcessSpawnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chorus_process_spawns_total",
				Help: "Total number of tracked subprocess spawns by kind",
			},
			[]string{"kind"},
		),

		ProcessExitCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chorus_process_exits_total",
				Help: "Total number of tracked subprocess terminations by status",
			},
			[]string{"status"},
		),

		HookFireCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chorus_hook_fires_total",
				Help: "Total number of hook callbacks fired by action",
			},
			[]string{"action"},
		),

		SuppressedNotifications: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chorus_suppressed_notifications_total",
				Help: "Total number of channel notifications suppressed while the owning branch was running",
			},
		),

		StoreQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chorus_store_query_duration_seconds",
				Help:    "Duration of store calls in seconds by operation",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation"},
		),
	}
}

// BranchStarted records a branch run starting and bumps the live gauge.
//
// Example:
//
//	metrics.BranchStarted("helper")
func (m *Metrics) BranchStarted(agent string) {
	if m == nil {
		return
	}
	m.BranchStartedCounter.WithLabelValues(agent).Inc()
	m.ActiveBranches.WithLabelValues(agent).Inc()
}

// BranchCompleted records a branch run finishing and drops the live gauge.
// Status is one of completed, cancelled, or error.
//
// Example:
//
//	metrics.BranchCompleted("helper", "completed")
func (m *Metrics) BranchCompleted(agent, status string) {
	if m == nil {
		return
	}
	m.BranchCompletedCounter.WithLabelValues(agent, status).Inc()
	m.ActiveBranches.WithLabelValues(agent).Dec()
}

// LoopIteration records one agent loop iteration.
func (m *Metrics) LoopIteration(agent string) {
	if m == nil {
		return
	}
	m.LoopIterationCounter.WithLabelValues(agent).Inc()
}

// RecordLLMRequest records metrics for an LLM API request.
//
// Example:
//
//	start := time.Now()
//	resp, err := provider.Chat(ctx, req)
//	metrics.RecordLLMRequest("anthropic", req.Model, "success", time.Since(start).Seconds(), resp.Usage)
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, usage models.Usage) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if usage.InputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(usage.InputTokens))
	}
	if usage.OutputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(usage.OutputTokens))
	}
	if usage.CacheReadTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "cache_read").Add(float64(usage.CacheReadTokens))
	}
	if usage.CacheCreationTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "cache_creation").Add(float64(usage.CacheCreationTokens))
	}
}

// RecordToolExecution records metrics for a tool execution.
//
// Example:
//
//	start := time.Now()
//	out, err := registry.Execute(ctx, "bash", args, exec)
//	metrics.RecordToolExecution("bash", "success", time.Since(start).Seconds())
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordProcessSpawn counts a tracked subprocess spawn.
func (m *Metrics) RecordProcessSpawn(kind string) {
	if m == nil {
		return
	}
	m.ProcessSpawnCounter.WithLabelValues(kind).Inc()
}

// RecordProcessExit counts a tracked subprocess reaching a terminal status.
func (m *Metrics) RecordProcessExit(status string) {
	if m == nil {
		return
	}
	m.ProcessExitCounter.WithLabelValues(status).Inc()
}

// HookFired counts a hook callback firing its action.
func (m *Metrics) HookFired(action models.CallbackAction) {
	if m == nil {
		return
	}
	m.HookFireCounter.WithLabelValues(string(action)).Inc()
}

// NotificationSuppressed counts a notify_channel fire skipped because the
// owning branch was running.
func (m *Metrics) NotificationSuppressed() {
	if m == nil {
		return
	}
	m.SuppressedNotifications.Inc()
}

// RecordStoreQuery records the latency of one store call.
//
// Example:
//
//	start := time.Now()
//	id, err := st.PersistMessage(ctx, agent, msg)
//	metrics.RecordStoreQuery("PersistMessage", time.Since(start).Seconds())
func (m *Metrics) RecordStoreQuery(operation string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StoreQueryDuration.WithLabelValues(operation).Observe(durationSeconds)
}
