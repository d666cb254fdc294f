// Package agent implements the agent core: context assembly for LLM calls,
// the agentic tool loop, the per-agent branch supervisor with file locking,
// and agent lifecycle management (directories, identity files, runtime
// configuration).
//
// The tool loop is the heart of a turn. Each iteration drains injected
// messages, truncates the working context, calls the provider, and either
// returns the final text or executes the requested tool calls and feeds
// their results back. Permission checks, argument validation, parallel
// dispatch, and a consecutive-error circuit breaker all live here.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/haasonsaas/chorus/internal/llm"
	"github.com/haasonsaas/chorus/internal/permissions"
	"github.com/haasonsaas/chorus/internal/tools"
	"github.com/haasonsaas/chorus/pkg/models"
)

// DefaultMaxIterations bounds the tool loop when the request does not.
const DefaultMaxIterations = 25

// maxConsecutiveErrors trips the circuit breaker: this many error results
// (or output-limit truncations) in a row end the loop.
const maxConsecutiveErrors = 5

// maxTokensFeedback is appended as a user message when the model's response
// was cut off at the output token limit and its tool calls were discarded.
const maxTokensFeedback = "your previous response was cut off at max_tokens; " +
	"retry with shorter tool arguments or split the work"

// LoopConfig configures a Loop.
type LoopConfig struct {
	Registry *tools.Registry
	Logger   *slog.Logger
}

// Loop runs the agentic tool loop against a provider. One Loop is shared
// across branches; all per-run state lives in the request.
type Loop struct {
	registry *tools.Registry
	logger   *slog.Logger
}

// NewLoop creates a loop over the given tool registry.
func NewLoop(cfg LoopConfig) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = tools.NewRegistry()
	}
	return &Loop{
		registry: registry,
		logger:   logger.With("component", "tool-loop"),
	}
}

// LoopRequest carries the inputs for one loop run.
type LoopRequest struct {
	Provider llm.Provider

	// Messages is the assembled starting context. The slice is not
	// modified; the result carries the final conversation.
	Messages []models.Message

	Exec tools.ExecContext

	// SystemPrompt is prepended as a system message when Messages does not
	// already start with one.
	SystemPrompt string

	// Model overrides the provider default when non-empty.
	Model string

	// MaxIterations bounds the number of provider calls; <= 0 uses
	// DefaultMaxIterations.
	MaxIterations int

	// Ask resolves Ask permission decisions. Nil declines them.
	Ask AskFunc

	// Drain returns queued injected messages; called at the top of each
	// iteration. Nil means no injection source.
	Drain func() []models.Message

	// OnEvent observes loop progress. Optional.
	OnEvent EventFunc

	// WebSearch enables the provider's server-side web search tool,
	// subject to a one-time permission check.
	WebSearch bool
}

// LoopResult is the outcome of a loop run.
type LoopResult struct {
	// Text is the model's final message, or a terminal notice when the
	// loop was stopped by the iteration cap or the circuit breaker.
	Text string

	// Messages is the full working conversation including tool results.
	Messages []models.Message

	Usage         models.Usage
	Iterations    int
	ToolCallsMade int
}

// loopState carries the counters shared between the loop body and events.
type loopState struct {
	iteration     int
	toolCallsMade int
	toolsUsed     []string
	totalUsage    models.Usage
}

func (st *loopState) markToolUsed(name string) {
	if !slices.Contains(st.toolsUsed, name) {
		st.toolsUsed = append(st.toolsUsed, name)
	}
}

// Run executes the loop until the model answers without tool calls, the
// iteration cap is reached, or the circuit breaker trips. A non-nil error
// is returned only for provider failures and cancellation; tool errors are
// fed back to the model as results.
func (l *Loop) Run(ctx context.Context, req LoopRequest) (*LoopResult, error) {
	if req.Provider == nil {
		return nil, errors.New("tool loop: provider is nil")
	}
	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	working := slices.Clone(req.Messages)
	if req.SystemPrompt != "" && (len(working) == 0 || working[0].Role != models.RoleSystem) {
		working = append([]models.Message{{Role: models.RoleSystem, Content: req.SystemPrompt}}, working...)
	}

	specs := l.registry.Specs()
	budget := TokenBudget(req.Model)

	// The web search permission is resolved once, before the first call.
	webSearch := false
	if req.WebSearch && req.Provider.SupportsWebSearch() {
		webSearch = l.resolveWebSearch(ctx, req)
	}

	st := &loopState{}
	consecutiveErrors := 0
	truncationCause := false

	for iteration := 1; iteration <= maxIterations; iteration++ {
		st.iteration = iteration

		if req.Drain != nil {
			for _, injected := range req.Drain() {
				if injected.Role == "" {
					injected.Role = models.RoleUser
				}
				working = append(working, injected)
			}
		}

		l.emit(req, st, Event{Type: EventLLMCallStart})

		working = TruncateBlocks(working, budget)

		resp, err := req.Provider.Chat(ctx, &llm.Request{
			Messages:  working,
			Tools:     specs,
			Model:     req.Model,
			WebSearch: webSearch,
		})
		if err != nil {
			return nil, fmt.Errorf("llm call %d: %w", iteration, err)
		}

		st.totalUsage = st.totalUsage.Add(resp.Usage)
		l.emit(req, st, Event{Type: EventLLMCallComplete, DeltaUsage: resp.Usage})

		if resp.StopReason.Truncated() {
			// The response is incomplete; its tool calls cannot be trusted
			// and are dropped. Tell the model what happened instead.
			if resp.Text != "" {
				working = append(working, models.Message{Role: models.RoleAssistant, Content: resp.Text})
			}
			working = append(working, models.Message{Role: models.RoleUser, Content: maxTokensFeedback})
			consecutiveErrors++
			truncationCause = true
			l.logger.Warn("response truncated at output limit", "iteration", iteration, "model", resp.Model)
			if consecutiveErrors >= maxConsecutiveErrors {
				return l.finish(req, st, working, l.breakerText(truncationCause)), nil
			}
			continue
		}

		if len(resp.ToolCalls) == 0 {
			if len(resp.RawBlocks) > 0 {
				// Server-side tool output must round-trip verbatim before
				// the model can produce its final answer.
				working = append(working, models.Message{
					Role:      models.RoleAssistant,
					Content:   resp.Text,
					RawBlocks: resp.RawBlocks,
				})
				continue
			}
			return l.finish(req, st, working, resp.Text), nil
		}

		working = append(working, models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
			RawBlocks: resp.RawBlocks,
		})

		results := l.dispatch(ctx, req, st, resp.ToolCalls)

		tripped := false
		for i, tc := range resp.ToolCalls {
			working = append(working, models.Message{
				Role:       models.RoleTool,
				ToolCallID: tc.ID,
				Content:    results[i],
			})
			st.toolCallsMade++
			st.markToolUsed(tc.Name)
			if isErrorResult(results[i]) {
				consecutiveErrors++
				truncationCause = false
				if consecutiveErrors >= maxConsecutiveErrors {
					tripped = true
				}
			} else {
				consecutiveErrors = 0
			}
			st.totalUsage.CostUSD += extractCost(results[i])
		}
		if tripped {
			return l.finish(req, st, working, l.breakerText(truncationCause)), nil
		}
	}

	st.iteration = maxIterations
	text := fmt.Sprintf("Stopped after max iterations (%d). The task may be incomplete.", maxIterations)
	return l.finish(req, st, working, text), nil
}

// finish fires loop_complete and packages the result.
func (l *Loop) finish(req LoopRequest, st *loopState, working []models.Message, text string) *LoopResult {
	l.emit(req, st, Event{Type: EventLoopComplete})
	return &LoopResult{
		Text:          text,
		Messages:      working,
		Usage:         st.totalUsage,
		Iterations:    st.iteration,
		ToolCallsMade: st.toolCallsMade,
	}
}

// breakerText names the cause when the circuit breaker ends the loop.
func (l *Loop) breakerText(truncationCause bool) string {
	if truncationCause {
		return fmt.Sprintf("Stopped after %d consecutive responses were cut off at the output token limit. The task may be incomplete.",
			maxConsecutiveErrors)
	}
	return fmt.Sprintf("Stopped after %d consecutive tool errors. The task may be incomplete.",
		maxConsecutiveErrors)
}

func (l *Loop) emit(req LoopRequest, st *loopState, ev Event) {
	if req.OnEvent == nil {
		return
	}
	ev.Iteration = st.iteration
	ev.ToolCallsMade = st.toolCallsMade
	ev.ToolsUsed = slices.Clone(st.toolsUsed)
	ev.TotalUsage = st.totalUsage
	req.OnEvent(ev)
}

// dispatch executes the iteration's tool calls and returns their results
// in the original call order. When there are two or more calls and every
// one pre-resolves to Allow without prompting, they run concurrently;
// otherwise they run sequentially so Ask prompts stay ordered.
func (l *Loop) dispatch(ctx context.Context, req LoopRequest, st *loopState, calls []models.ToolCall) []string {
	results := make([]string, len(calls))

	if len(calls) >= 2 && l.allPreResolveAllow(req, calls) {
		for _, tc := range calls {
			l.emit(req, st, Event{Type: EventToolCallStart, ToolName: tc.Name, ToolArguments: tc.Arguments})
		}
		var wg sync.WaitGroup
		for i, tc := range calls {
			wg.Add(1)
			go func(i int, tc models.ToolCall) {
				defer wg.Done()
				results[i] = l.executeCall(ctx, req, tc)
			}(i, tc)
		}
		wg.Wait()
		for i, tc := range calls {
			l.emit(req, st, Event{
				Type:          EventToolCallComplete,
				ToolName:      tc.Name,
				ToolArguments: tc.Arguments,
				ToolError:     isErrorResult(results[i]),
			})
		}
		return results
	}

	for i, tc := range calls {
		l.emit(req, st, Event{Type: EventToolCallStart, ToolName: tc.Name, ToolArguments: tc.Arguments})
		results[i] = l.executeCall(ctx, req, tc)
		l.emit(req, st, Event{
			Type:          EventToolCallComplete,
			ToolName:      tc.Name,
			ToolArguments: tc.Arguments,
			ToolError:     isErrorResult(results[i]),
		})
	}
	return results
}

// allPreResolveAllow reports whether every call is a known tool whose
// action resolves to Allow under the profile, making the batch safe to run
// in parallel.
func (l *Loop) allPreResolveAllow(req LoopRequest, calls []models.ToolCall) bool {
	if req.Exec.Profile == nil {
		return false
	}
	for _, tc := range calls {
		if _, ok := l.registry.Get(tc.Name); !ok {
			return false
		}
		action := tools.BuildAction(tc.Name, tc.Arguments)
		if req.Exec.Profile.Check(action) != permissions.Allow {
			return false
		}
	}
	return true
}

// executeCall runs one tool call through lookup, permission check,
// validation, and the handler. Every failure mode returns an error result
// string; nothing escapes as a Go error.
func (l *Loop) executeCall(ctx context.Context, req LoopRequest, tc models.ToolCall) string {
	def, ok := l.registry.Get(tc.Name)
	if !ok {
		return errorResult(fmt.Sprintf("Unknown tool: %s", tc.Name))
	}

	action := tools.BuildAction(tc.Name, tc.Arguments)
	if req.Exec.Profile != nil {
		switch req.Exec.Profile.Check(action) {
		case permissions.Deny:
			l.logger.Info("permission denied", "tool", tc.Name, "action", action)
			return errorResult("Permission denied: " + action)
		case permissions.Ask:
			if req.Ask == nil {
				l.logger.Info("ask permission with no callback, denying", "tool", tc.Name, "action", action)
				return errorResult("Permission requires approval (no callback): " + action)
			}
			approved, err := req.Ask(ctx, tc.Name, marshalArgs(tc.Arguments))
			if err != nil {
				l.logger.Warn("permission prompt failed, declining", "tool", tc.Name, "error", err)
			}
			if err != nil || !approved {
				return errorResult("User declined: " + action)
			}
		}
	}

	result, err := l.registry.Execute(ctx, tc.Name, tc.Arguments, req.Exec)
	if err != nil {
		var verr *tools.ValidationError
		if errors.As(err, &verr) {
			return errorResult(verr.Error())
		}
		l.logger.Warn("tool failed", "tool", tc.Name, "error", err)
		return errorResult(fmt.Sprintf("%s. Provided arguments: %s; Expected parameters: %s",
			err, marshalArgs(tc.Arguments), def.Parameters))
	}
	return result
}

// resolveWebSearch performs the one-time web search permission check.
func (l *Loop) resolveWebSearch(ctx context.Context, req LoopRequest) bool {
	if req.Exec.Profile == nil {
		return true
	}
	action := permissions.FormatAction("web_search", "search")
	switch req.Exec.Profile.Check(action) {
	case permissions.Allow:
		return true
	case permissions.Ask:
		if req.Ask == nil {
			return false
		}
		approved, err := req.Ask(ctx, "web_search", "{}")
		return err == nil && approved
	default:
		return false
	}
}

// errorResult encodes an error message as the {"error": ...} result shape
// the model is taught to recognize.
func errorResult(msg string) string {
	data, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return `{"error": "internal error"}`
	}
	return string(data)
}

// isErrorResult reports whether a tool result is a JSON object carrying a
// top-level "error" key. Non-JSON results are never errors.
func isErrorResult(result string) bool {
	var body map[string]json.RawMessage
	if err := json.Unmarshal([]byte(result), &body); err != nil {
		return false
	}
	_, has := body["error"]
	return has
}

// extractCost pulls an optional cost_usd field out of a tool result.
func extractCost(result string) float64 {
	var body map[string]any
	if err := json.Unmarshal([]byte(result), &body); err != nil {
		return 0
	}
	cost, _ := body["cost_usd"].(float64)
	return cost
}

func marshalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}
