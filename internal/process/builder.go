package process

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/chorus/internal/llm"
	"github.com/haasonsaas/chorus/pkg/models"
)

const (
	builderTimeout            = 10 * time.Second
	defaultBuilderDelay       = 2.0
	defaultMinMessageInterval = 180.0
)

// Builder translates natural language instructions into structured process
// callbacks using a cheap sub-agent call. Failures never propagate: the
// fallback is a single notify-on-exit callback.
type Builder struct {
	defaultDelay float64
	timeout      time.Duration
	logger       *slog.Logger

	run func(ctx context.Context, systemPrompt string, messages []models.Message, modelOverride string, timeout time.Duration) llm.SubAgentResult
}

// NewBuilder creates a callback builder.
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		defaultDelay: defaultBuilderDelay,
		timeout:      builderTimeout,
		logger:       logger.With("component", "callback-builder"),
		run:          llm.RunSubAgent,
	}
}

// Build satisfies the spawn tools' callback builder contract. Blank
// instructions, sub-agent failures, and unparseable output all yield the
// default callback; the returned error is always nil.
func (b *Builder) Build(ctx context.Context, instructions, command string) ([]*models.Callback, error) {
	if strings.TrimSpace(instructions) == "" {
		return []*models.Callback{defaultCallback()}, nil
	}

	userMessage := fmt.Sprintf("Command: `%s`\nInstructions: %s", command, instructions)
	result := b.run(ctx, systemPrompt(), []models.Message{
		{Role: models.RoleUser, Content: userMessage},
	}, "", b.timeout)

	if !result.Success {
		b.logger.Warn("callback builder sub-agent failed", "error", result.Err)
		return []*models.Callback{defaultCallback()}, nil
	}

	callbacks := b.parseCallbacks(result.Output)
	if len(callbacks) == 0 {
		b.logger.Warn("callback builder returned no callbacks")
		return []*models.Callback{defaultCallback()}, nil
	}
	return callbacks, nil
}

// rawCallback mirrors models.Callback with pointer fields where absence
// and an explicit zero mean different defaults.
type rawCallback struct {
	Trigger            *models.Trigger `json:"trigger"`
	Action             string          `json:"action"`
	ContextMessage     string          `json:"context_message"`
	OutputDelaySeconds *float64        `json:"output_delay_seconds"`
	MaxFires           *int            `json:"max_fires"`
	MinMessageInterval *float64        `json:"min_message_interval"`
}

var knownTriggerKinds = map[models.TriggerKind]bool{
	models.TriggerOnExit:        true,
	models.TriggerOnOutputMatch: true,
	models.TriggerOnTimeout:     true,
}

var knownExitFilters = map[models.ExitFilter]bool{
	models.ExitAny:     true,
	models.ExitSuccess: true,
	models.ExitFailure: true,
}

var knownActions = map[models.CallbackAction]bool{
	models.ActionStopProcess:   true,
	models.ActionStopBranch:    true,
	models.ActionInjectContext: true,
	models.ActionSpawnBranch:   true,
	models.ActionNotifyChannel: true,
}

// parseCallbacks decodes the model's JSON output. Markdown code fences are
// tolerated, a bare object is treated as a one-element array, and invalid
// items are skipped rather than failing the batch.
func (b *Builder) parseCallbacks(raw string) []*models.Callback {
	text := stripCodeFence(raw)

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(text), &obj); err != nil {
			b.logger.Warn("callback builder output is not valid JSON")
			return nil
		}
		items = []json.RawMessage{json.RawMessage(text)}
	}

	var callbacks []*models.Callback
	for _, item := range items {
		cb, err := b.parseSingleCallback(item)
		if err != nil {
			b.logger.Warn("skipping invalid callback", "error", err)
			continue
		}
		callbacks = append(callbacks, cb)
	}
	return callbacks
}

func (b *Builder) parseSingleCallback(item json.RawMessage) (*models.Callback, error) {
	var raw rawCallback
	if err := json.Unmarshal(item, &raw); err != nil {
		return nil, err
	}

	trigger := raw.Trigger
	if trigger == nil {
		trigger = &models.Trigger{Kind: models.TriggerOnExit, ExitFilter: models.ExitAny}
	}
	if trigger.Kind == "" {
		trigger.Kind = models.TriggerOnExit
	}
	if trigger.ExitFilter == "" {
		trigger.ExitFilter = models.ExitAny
	}
	if !knownTriggerKinds[trigger.Kind] {
		return nil, fmt.Errorf("unknown trigger kind %q", trigger.Kind)
	}
	if !knownExitFilters[trigger.ExitFilter] {
		return nil, fmt.Errorf("unknown exit filter %q", trigger.ExitFilter)
	}

	action := models.CallbackAction(raw.Action)
	if action == "" {
		action = models.ActionSpawnBranch
	}
	if !knownActions[action] {
		return nil, fmt.Errorf("unknown action %q", action)
	}

	delay := 0.0
	if raw.OutputDelaySeconds != nil {
		delay = *raw.OutputDelaySeconds
	} else if trigger.Kind == models.TriggerOnOutputMatch {
		delay = b.defaultDelay
	}

	// Output match callbacks default to unlimited fires; exit and timeout
	// triggers fire once unless told otherwise.
	maxFires := 1
	if trigger.Kind == models.TriggerOnOutputMatch {
		maxFires = 0
	}
	if raw.MaxFires != nil {
		maxFires = *raw.MaxFires
	}

	minInterval := defaultMinMessageInterval
	if raw.MinMessageInterval != nil {
		minInterval = *raw.MinMessageInterval
	}

	return &models.Callback{
		Trigger:            trigger,
		Action:             action,
		ContextMessage:     raw.ContextMessage,
		OutputDelaySeconds: delay,
		MaxFires:           maxFires,
		MinMessageInterval: minInterval,
	}, nil
}

func stripCodeFence(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	lines = lines[1:]
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// defaultCallback returns a fresh notify-on-exit callback. A new value per
// call keeps fire bookkeeping from leaking across processes.
func defaultCallback() *models.Callback {
	return &models.Callback{
		Trigger:            &models.Trigger{Kind: models.TriggerOnExit, ExitFilter: models.ExitAny},
		Action:             models.ActionNotifyChannel,
		ContextMessage:     "Process completed",
		MaxFires:           1,
		MinMessageInterval: defaultMinMessageInterval,
	}
}

var (
	promptOnce sync.Once
	promptText string
)

const promptTemplate = `You are a callback configuration assistant. Given a user's natural language instructions about what should happen with a running process, you produce a JSON array of callback objects.

Each callback object follows this JSON Schema:

%s

Field notes:
- trigger.kind is one of "on_exit", "on_output_match", "on_timeout".
- trigger.exit_filter ("any"|"success"|"failure") applies to on_exit triggers.
- trigger.pattern is a regular expression matched against single output lines (on_output_match).
- trigger.seconds is the timeout in seconds (on_timeout).
- action is one of "stop_process", "stop_branch", "inject_context", "spawn_branch", "notify_channel".
- context_message is included in the notification or branch context when the action fires.
- output_delay_seconds: seconds to keep collecting output after a match before firing (default 2).
- max_fires: how many times this callback can fire; 0 means unlimited.
- min_message_interval: minimum seconds between channel notifications.

Common patterns:
- "notify me when it finishes" → on_exit(any) → notify_channel
- "if it fails, fix it" → on_exit(failure) → spawn_branch with context "Fix it"
- "stop if you see an error" → on_output_match("error|Error|ERROR") → stop_process
- "if compilation succeeds, continue" → on_exit(success) → inject_context
- "kill it after 5 minutes" → on_timeout(300) → stop_process

Respond ONLY with a JSON array. No explanation.`

// systemPrompt renders the builder prompt with the callback JSON Schema
// inlined so the model sees the exact wire format it must produce.
func systemPrompt() string {
	promptOnce.Do(func() {
		r := &jsonschema.Reflector{
			DoNotReference: true,
		}
		schema := r.Reflect(&models.Callback{})
		data, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			promptText = fmt.Sprintf(promptTemplate, "(schema unavailable)")
			return
		}
		promptText = fmt.Sprintf(promptTemplate, string(data))
	})
	return promptText
}
