package agent

import (
	"context"

	"github.com/haasonsaas/chorus/pkg/models"
)

// EventType tags a tool loop progress event.
type EventType string

const (
	EventLLMCallStart     EventType = "llm_call_start"
	EventLLMCallComplete  EventType = "llm_call_complete"
	EventToolCallStart    EventType = "tool_call_start"
	EventToolCallComplete EventType = "tool_call_complete"
	EventLoopComplete     EventType = "loop_complete"
)

// Event is one tool loop progress notification, delivered to the optional
// observer a channel adapter wires in to drive live status displays.
type Event struct {
	Type      EventType
	Iteration int

	// ToolName and ToolArguments are set on tool call events.
	ToolName      string
	ToolArguments map[string]any

	// ToolError reports whether the call produced an error result. Set on
	// tool_call_complete only.
	ToolError bool

	ToolCallsMade int
	ToolsUsed     []string

	// DeltaUsage is the usage of the call that just finished; TotalUsage is
	// the running sum. Both set on llm_call_complete and loop_complete.
	DeltaUsage models.Usage
	TotalUsage models.Usage
}

// EventFunc observes loop progress. Called synchronously from the loop
// goroutine; implementations must not block for long.
type EventFunc func(Event)

// AskFunc resolves an Ask permission decision with the user. It receives
// the tool name and the JSON-encoded arguments and reports approval.
// An error counts as a decline.
type AskFunc func(ctx context.Context, toolName, argsJSON string) (bool, error)
