package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is an LLM request to execute a named tool. Arguments are the
// decoded JSON object from the provider response.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult is the outcome of one tool execution, keyed back to its call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Message is one persisted conversation turn. BranchID scopes the message to
// an execution branch (0 = unscoped). RawBlocks preserves provider-specific
// content blocks opaquely so they can be re-sent verbatim on the next
// request (server-side tool results such as in-provider web search).
type Message struct {
	ID         string          `json:"id,omitempty"`
	Agent      string          `json:"agent,omitempty"`
	Role       Role            `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	BranchID   int64           `json:"branch_id,omitempty"`
	ExternalID string          `json:"external_id,omitempty"`
	RawBlocks  json.RawMessage `json:"raw_blocks,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Usage tracks token consumption and accumulated tool spend for one provider
// response or a whole loop run.
type Usage struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     int     `json:"cache_read_tokens,omitempty"`
	CostUSD             float64 `json:"cost_usd,omitempty"`
}

// Add returns the element-wise sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:         u.InputTokens + other.InputTokens,
		OutputTokens:        u.OutputTokens + other.OutputTokens,
		CacheCreationTokens: u.CacheCreationTokens + other.CacheCreationTokens,
		CacheReadTokens:     u.CacheReadTokens + other.CacheReadTokens,
		CostUSD:             u.CostUSD + other.CostUSD,
	}
}
