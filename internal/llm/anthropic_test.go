package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/chorus/pkg/models"
)

func TestNewAnthropicProvider(t *testing.T) {
	tests := []struct {
		name        string
		config      AnthropicConfig
		expectError bool
	}{
		{
			name: "valid config",
			config: AnthropicConfig{
				APIKey:       "test-key",
				MaxRetries:   3,
				RetryDelay:   time.Second,
				DefaultModel: "claude-sonnet-4-20250514",
			},
		},
		{
			name:        "missing API key",
			config:      AnthropicConfig{MaxRetries: 3},
			expectError: true,
		},
		{
			name:        "whitespace API key",
			config:      AnthropicConfig{APIKey: "   "},
			expectError: true,
		},
		{
			name:   "defaults applied",
			config: AnthropicConfig{APIKey: "test-key"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewAnthropicProvider(tt.config)

			if tt.expectError {
				if err == nil {
					t.Error("expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if provider.maxRetries <= 0 {
				t.Error("maxRetries should have default value")
			}
			if provider.retryDelay <= 0 {
				t.Error("retryDelay should have default value")
			}
			if provider.defaultModel == "" {
				t.Error("defaultModel should have default value")
			}
		})
	}
}

func TestAnthropicProviderIdentity(t *testing.T) {
	provider := newTestAnthropicProvider(t, "")

	if provider.Name() != "anthropic" {
		t.Errorf("expected name 'anthropic', got %q", provider.Name())
	}
	if !provider.SupportsWebSearch() {
		t.Error("expected SupportsWebSearch to return true")
	}
}

func newTestAnthropicProvider(t *testing.T, baseURL string) *AnthropicProvider {
	t.Helper()
	provider, err := NewAnthropicProvider(AnthropicConfig{
		APIKey:  "test-key",
		BaseURL: baseURL,
		// Keep retry sleeps out of tests.
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	return provider
}

func TestAnthropicConvertMessages(t *testing.T) {
	provider := newTestAnthropicProvider(t, "")

	messages := []models.Message{
		{Role: models.RoleSystem, Content: "You are helpful."},
		{Role: models.RoleSystem, Content: "Stay concise."},
		{Role: models.RoleUser, Content: "Run ls for me."},
		{
			Role:    models.RoleAssistant,
			Content: "Let me check.",
			ToolCalls: []models.ToolCall{
				{ID: "tc-1", Name: "bash", Arguments: map[string]any{"command": "ls"}},
			},
		},
		{Role: models.RoleTool, ToolCallID: "tc-1", Content: `{"stdout":"a.txt"}`},
		{Role: models.RoleAssistant, Content: "Found a.txt."},
	}

	system, converted, err := provider.convertMessages(messages)
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}

	if system != "You are helpful.\n\nStay concise." {
		t.Errorf("system prompt not concatenated: %q", system)
	}
	if len(converted) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(converted))
	}

	if converted[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("message 0: expected user role, got %q", converted[0].Role)
	}

	// Assistant turn with a tool call carries a text block plus a tool_use
	// block.
	assistant := converted[1]
	if assistant.Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("message 1: expected assistant role, got %q", assistant.Role)
	}
	if len(assistant.Content) != 2 {
		t.Fatalf("expected 2 content blocks, got %d", len(assistant.Content))
	}
	if assistant.Content[0].OfText == nil || assistant.Content[0].OfText.Text != "Let me check." {
		t.Error("first block should be the assistant text")
	}
	toolUse := assistant.Content[1].OfToolUse
	if toolUse == nil {
		t.Fatal("second block should be tool_use")
	}
	if toolUse.ID != "tc-1" || toolUse.Name != "bash" {
		t.Errorf("tool_use block mismatch: id=%q name=%q", toolUse.ID, toolUse.Name)
	}

	// Tool results are user messages with a tool_result block.
	toolMsg := converted[2]
	if toolMsg.Role != anthropic.MessageParamRoleUser {
		t.Errorf("tool result should map to user role, got %q", toolMsg.Role)
	}
	if len(toolMsg.Content) != 1 || toolMsg.Content[0].OfToolResult == nil {
		t.Fatal("expected a single tool_result block")
	}
	if toolMsg.Content[0].OfToolResult.ToolUseID != "tc-1" {
		t.Errorf("tool_result not keyed to call: %q", toolMsg.Content[0].OfToolResult.ToolUseID)
	}

	if converted[3].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("message 3: expected assistant role, got %q", converted[3].Role)
	}
}

func TestAnthropicConvertMessages_SkipsEmpty(t *testing.T) {
	provider := newTestAnthropicProvider(t, "")

	_, converted, err := provider.convertMessages([]models.Message{
		{Role: models.RoleUser, Content: ""},
		{Role: models.RoleUser, Content: "hello"},
	})
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}
	if len(converted) != 1 {
		t.Errorf("empty message should be dropped, got %d messages", len(converted))
	}
}

func TestAnthropicConvertTools(t *testing.T) {
	provider := newTestAnthropicProvider(t, "")

	tools := []ToolSpec{
		{
			Name:        "create_file",
			Description: "Create a file in the workspace",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		},
		{
			Name:       "bash",
			Parameters: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}}}`),
		},
	}

	converted, err := provider.convertTools(tools, true)
	if err != nil {
		t.Fatalf("convertTools: %v", err)
	}
	if len(converted) != 3 {
		t.Fatalf("expected 2 tools + web search, got %d", len(converted))
	}
	if converted[0].OfTool == nil || converted[0].OfTool.Name != "create_file" {
		t.Error("first tool should be create_file")
	}
	if converted[1].OfTool == nil || converted[1].OfTool.Name != "bash" {
		t.Error("second tool should be bash")
	}
	if converted[2].OfWebSearchTool20250305 == nil {
		t.Error("web search tool should be appended last")
	}
}

func TestAnthropicConvertTools_NoTools(t *testing.T) {
	provider := newTestAnthropicProvider(t, "")

	converted, err := provider.convertTools(nil, false)
	if err != nil {
		t.Fatalf("convertTools: %v", err)
	}
	if converted != nil {
		t.Errorf("expected nil for no tools, got %d entries", len(converted))
	}
}

func TestAnthropicConvertTools_InvalidSchema(t *testing.T) {
	provider := newTestAnthropicProvider(t, "")

	_, err := provider.convertTools([]ToolSpec{
		{Name: "broken", Parameters: json.RawMessage(`{not json`)},
	}, false)
	if err == nil {
		t.Fatal("expected error for invalid schema")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("error should name the tool: %v", err)
	}
}

func TestAnthropicChat_RoundTrip(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST request, got %s", r.Method)
		}
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			t.Errorf("expected /messages path, got %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") == "" {
			t.Error("missing x-api-key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-20250514",
			"content": [
				{"type": "text", "text": "Let me run that."},
				{"type": "tool_use", "id": "tu_1", "name": "bash", "input": {"command": "ls"}}
			],
			"stop_reason": "tool_use",
			"usage": {
				"input_tokens": 25,
				"output_tokens": 10,
				"cache_creation_input_tokens": 3,
				"cache_read_input_tokens": 7
			}
		}`)
	}))
	defer server.Close()

	provider := newTestAnthropicProvider(t, server.URL)

	resp, err := provider.Chat(context.Background(), &Request{
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "Be helpful."},
			{Role: models.RoleUser, Content: "Run ls."},
		},
		Tools: []ToolSpec{
			{Name: "bash", Description: "Run a command", Parameters: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}}}`)},
		},
		WebSearch: true,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	// Request side: system extracted, default max_tokens, web search tool
	// appended after the client tool.
	if gotBody["model"] != "claude-sonnet-4-20250514" {
		t.Errorf("request model = %v", gotBody["model"])
	}
	if gotBody["max_tokens"] != float64(defaultMaxTokens) {
		t.Errorf("request max_tokens = %v", gotBody["max_tokens"])
	}
	systemBlocks, ok := gotBody["system"].([]any)
	if !ok || len(systemBlocks) != 1 {
		t.Fatalf("system should be a single block, got %v", gotBody["system"])
	}
	if text := systemBlocks[0].(map[string]any)["text"]; text != "Be helpful." {
		t.Errorf("system text = %v", text)
	}
	wireTools, ok := gotBody["tools"].([]any)
	if !ok || len(wireTools) != 2 {
		t.Fatalf("expected 2 wire tools, got %v", gotBody["tools"])
	}
	if name := wireTools[0].(map[string]any)["name"]; name != "bash" {
		t.Errorf("first wire tool = %v", name)
	}
	if typ := wireTools[1].(map[string]any)["type"]; typ != "web_search_20250305" {
		t.Errorf("second wire tool type = %v", typ)
	}

	// Response side: normalized text, tool calls, usage, stop reason.
	if resp.Text != "Let me run that." {
		t.Errorf("Text = %q", resp.Text)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "tu_1" || tc.Name != "bash" || tc.Arguments["command"] != "ls" {
		t.Errorf("tool call mismatch: %+v", tc)
	}
	if resp.StopReason != "tool_use" {
		t.Errorf("StopReason = %q", resp.StopReason)
	}
	if resp.StopReason.Truncated() {
		t.Error("tool_use should not report truncation")
	}
	if resp.Usage.InputTokens != 25 || resp.Usage.OutputTokens != 10 {
		t.Errorf("usage mismatch: %+v", resp.Usage)
	}
	if resp.Usage.CacheCreationTokens != 3 || resp.Usage.CacheReadTokens != 7 {
		t.Errorf("cache usage mismatch: %+v", resp.Usage)
	}
	if resp.Model != "claude-sonnet-4-20250514" {
		t.Errorf("Model = %q", resp.Model)
	}
	if resp.RawBlocks != nil {
		t.Error("RawBlocks should be nil without server-side tool output")
	}
}

func TestAnthropicChat_MaxTokensStopReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_02",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-20250514",
			"content": [{"type": "text", "text": "Partial answ"}],
			"stop_reason": "max_tokens",
			"usage": {"input_tokens": 5, "output_tokens": 4096}
		}`)
	}))
	defer server.Close()

	provider := newTestAnthropicProvider(t, server.URL)
	resp, err := provider.Chat(context.Background(), &Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "Write an essay."}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !resp.StopReason.Truncated() {
		t.Error("max_tokens should report truncation")
	}
}

func TestAnthropicChat_WebSearchRawBlocks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_03",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-20250514",
			"content": [
				{"type": "server_tool_use", "id": "srvtoolu_1", "name": "web_search", "input": {"query": "golang fsnotify"}},
				{"type": "web_search_tool_result", "tool_use_id": "srvtoolu_1", "content": [
					{"type": "web_search_result", "url": "https://example.com", "title": "Example", "encrypted_content": "abc123", "page_age": null}
				]},
				{"type": "text", "text": "Here is what I found."}
			],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 50, "output_tokens": 30}
		}`)
	}))
	defer server.Close()

	provider := newTestAnthropicProvider(t, server.URL)
	resp, err := provider.Chat(context.Background(), &Request{
		Messages:  []models.Message{{Role: models.RoleUser, Content: "Search for golang fsnotify."}},
		WebSearch: true,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.Text != "Here is what I found." {
		t.Errorf("Text = %q", resp.Text)
	}
	if len(resp.ToolCalls) != 0 {
		t.Errorf("server tool use must not surface as a client tool call: %+v", resp.ToolCalls)
	}
	if resp.RawBlocks == nil {
		t.Fatal("RawBlocks should capture the full content on web search turns")
	}

	var blocks []json.RawMessage
	if err := json.Unmarshal(resp.RawBlocks, &blocks); err != nil {
		t.Fatalf("RawBlocks should be a JSON array: %v", err)
	}
	if len(blocks) != 3 {
		t.Errorf("expected all 3 blocks preserved, got %d", len(blocks))
	}

	// The preserved turn must convert back into assistant content blocks
	// for the next request.
	_, converted, err := provider.convertMessages([]models.Message{
		{Role: models.RoleAssistant, RawBlocks: resp.RawBlocks},
		{Role: models.RoleUser, Content: "Summarize that."},
	})
	if err != nil {
		t.Fatalf("convertMessages with raw blocks: %v", err)
	}
	if len(converted) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(converted))
	}
	if converted[0].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("raw block turn should stay assistant, got %q", converted[0].Role)
	}
	if len(converted[0].Content) != 3 {
		t.Errorf("expected 3 resent blocks, got %d", len(converted[0].Content))
	}
}

func TestAnthropicIsRetryableError(t *testing.T) {
	provider := newTestAnthropicProvider(t, "")

	tests := []struct {
		name  string
		err   error
		retry bool
	}{
		{name: "nil error", err: nil, retry: false},
		{name: "rate limit", err: errors.New("rate_limit exceeded"), retry: true},
		{name: "429 status", err: errors.New("HTTP 429 too many requests"), retry: true},
		{name: "500 error", err: errors.New("HTTP 500 internal server error"), retry: true},
		{name: "529 overloaded", err: errors.New("529 overloaded_error"), retry: true},
		{name: "timeout", err: errors.New("request timeout"), retry: true},
		{name: "deadline exceeded", err: errors.New("context deadline exceeded"), retry: true},
		{name: "connection reset", err: errors.New("connection reset by peer"), retry: true},
		{name: "invalid API key", err: errors.New("invalid API key"), retry: false},
		{name: "validation error", err: errors.New("validation failed"), retry: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := provider.isRetryableError(tt.err); got != tt.retry {
				t.Errorf("expected retry=%v, got %v for: %v", tt.retry, got, tt.err)
			}
		})
	}
}

func TestAnthropicWrapError(t *testing.T) {
	provider := newTestAnthropicProvider(t, "")

	apiErr := &anthropic.Error{StatusCode: 429, RequestID: "req_123"}
	wrapped := provider.wrapError(apiErr, "claude-sonnet-4-20250514")

	providerErr, ok := GetProviderError(wrapped)
	if !ok {
		t.Fatalf("expected ProviderError, got %T", wrapped)
	}
	if providerErr.Provider != "anthropic" {
		t.Errorf("Provider = %q", providerErr.Provider)
	}
	if providerErr.Status != 429 {
		t.Errorf("Status = %d", providerErr.Status)
	}
	if providerErr.RequestID != "req_123" {
		t.Errorf("RequestID = %q", providerErr.RequestID)
	}

	// Already-wrapped errors pass through unchanged.
	if again := provider.wrapError(wrapped, "claude-sonnet-4-20250514"); again != wrapped {
		t.Error("wrapError should not double-wrap")
	}
}
