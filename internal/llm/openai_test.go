package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/chorus/pkg/models"
)

func newTestOpenAIProvider(baseURL string) *OpenAIProvider {
	return NewOpenAIProvider(OpenAIConfig{
		APIKey:     "test-key",
		BaseURL:    baseURL,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	})
}

func TestOpenAIProviderIdentity(t *testing.T) {
	provider := newTestOpenAIProvider("")

	if provider.Name() != "openai" {
		t.Errorf("expected name 'openai', got %q", provider.Name())
	}
	if provider.SupportsWebSearch() {
		t.Error("expected SupportsWebSearch to return false")
	}
}

func TestOpenAIChat_NoAPIKey(t *testing.T) {
	provider := NewOpenAIProvider(OpenAIConfig{})

	_, err := provider.Chat(context.Background(), &Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestOpenAIConvertMessages(t *testing.T) {
	provider := newTestOpenAIProvider("")

	messages := []models.Message{
		{Role: models.RoleSystem, Content: "You are helpful."},
		{Role: models.RoleUser, Content: "Run ls for me."},
		{
			Role:    models.RoleAssistant,
			Content: "Let me check.",
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "bash", Arguments: map[string]any{"command": "ls"}},
			},
		},
		{Role: models.RoleTool, ToolCallID: "call_1", Content: `{"stdout":"a.txt"}`},
	}

	converted := provider.convertMessages(messages)
	if len(converted) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(converted))
	}

	// System messages pass through natively.
	if converted[0].Role != openai.ChatMessageRoleSystem || converted[0].Content != "You are helpful." {
		t.Errorf("system message mismatch: %+v", converted[0])
	}

	assistant := converted[2]
	if assistant.Role != openai.ChatMessageRoleAssistant {
		t.Errorf("assistant role = %q", assistant.Role)
	}
	if len(assistant.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(assistant.ToolCalls))
	}
	tc := assistant.ToolCalls[0]
	if tc.ID != "call_1" || tc.Type != openai.ToolTypeFunction || tc.Function.Name != "bash" {
		t.Errorf("tool call mismatch: %+v", tc)
	}

	// Arguments serialize to a JSON string, not an object.
	var args map[string]any
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
		t.Fatalf("arguments should be a JSON string: %v", err)
	}
	if args["command"] != "ls" {
		t.Errorf("arguments = %v", args)
	}

	toolMsg := converted[3]
	if toolMsg.Role != openai.ChatMessageRoleTool {
		t.Errorf("tool role = %q", toolMsg.Role)
	}
	if toolMsg.ToolCallID != "call_1" {
		t.Errorf("ToolCallID = %q", toolMsg.ToolCallID)
	}
}

func TestOpenAIConvertTools(t *testing.T) {
	provider := newTestOpenAIProvider("")

	tools := []ToolSpec{
		{
			Name:        "bash",
			Description: "Run a shell command",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}}}`),
		},
		{Name: "broken", Parameters: json.RawMessage(`{not json`)},
	}

	converted := provider.convertTools(tools)
	if len(converted) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(converted))
	}
	if converted[0].Type != openai.ToolTypeFunction || converted[0].Function.Name != "bash" {
		t.Errorf("first tool mismatch: %+v", converted[0])
	}

	// A tool with an unparsable schema degrades to an empty object schema
	// instead of breaking the rest.
	schemaMap, ok := converted[1].Function.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("fallback schema should be a map, got %T", converted[1].Function.Parameters)
	}
	if schemaMap["type"] != "object" {
		t.Errorf("fallback schema = %v", schemaMap)
	}
}

func TestOpenAIChat_RoundTrip(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("expected /chat/completions path, got %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o",
			"choices": [{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_9",
						"type": "function",
						"function": {"name": "bash", "arguments": "{\"command\":\"ls\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 6, "total_tokens": 18}
		}`)
	}))
	defer server.Close()

	provider := newTestOpenAIProvider(server.URL + "/v1")

	resp, err := provider.Chat(context.Background(), &Request{
		Model: "gpt-4o",
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "Be helpful."},
			{Role: models.RoleUser, Content: "Run ls."},
		},
		Tools: []ToolSpec{
			{Name: "bash", Description: "Run a command", Parameters: json.RawMessage(`{"type":"object"}`)},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if gotBody["model"] != "gpt-4o" {
		t.Errorf("request model = %v", gotBody["model"])
	}
	wireMessages, ok := gotBody["messages"].([]any)
	if !ok || len(wireMessages) != 2 {
		t.Fatalf("expected 2 wire messages, got %v", gotBody["messages"])
	}
	if role := wireMessages[0].(map[string]any)["role"]; role != "system" {
		t.Errorf("first wire message role = %v", role)
	}

	if resp.Text != "" {
		t.Errorf("Text = %q", resp.Text)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_9" || tc.Name != "bash" || tc.Arguments["command"] != "ls" {
		t.Errorf("tool call mismatch: %+v", tc)
	}
	if resp.StopReason != "tool_calls" {
		t.Errorf("StopReason = %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 6 {
		t.Errorf("usage mismatch: %+v", resp.Usage)
	}
	if resp.Model != "gpt-4o" {
		t.Errorf("Model = %q", resp.Model)
	}
}

func TestOpenAIChat_LengthStopReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-2",
			"object": "chat.completion",
			"model": "gpt-4o",
			"choices": [{
				"index": 0,
				"message": {"role": "assistant", "content": "Partial answ"},
				"finish_reason": "length"
			}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 4096, "total_tokens": 4101}
		}`)
	}))
	defer server.Close()

	provider := newTestOpenAIProvider(server.URL + "/v1")
	resp, err := provider.Chat(context.Background(), &Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "Write an essay."}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !resp.StopReason.Truncated() {
		t.Error("length should report truncation")
	}
}

func TestOpenAIListModels_FiltersToChatModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models") {
			t.Errorf("expected /models path, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"object": "list",
			"data": [
				{"id": "gpt-4o", "object": "model"},
				{"id": "text-embedding-3-small", "object": "model"},
				{"id": "o1-preview", "object": "model"},
				{"id": "whisper-1", "object": "model"},
				{"id": "chatgpt-4o-latest", "object": "model"}
			]
		}`)
	}))
	defer server.Close()

	provider := newTestOpenAIProvider(server.URL + "/v1")
	ids, err := provider.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}

	want := []string{"chatgpt-4o-latest", "gpt-4o", "o1-preview"}
	if len(ids) != len(want) {
		t.Fatalf("expected %d chat models, got %v", len(want), ids)
	}
	for i, id := range want {
		if ids[i] != id {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], id)
		}
	}
}

func TestIsOpenAIChatModel(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"gpt-4o", true},
		{"gpt-4o-mini", true},
		{"chatgpt-4o-latest", true},
		{"o1-preview", true},
		{"o3-mini", true},
		{"o4-mini", true},
		{"claude-sonnet-4-20250514", false},
		{"text-embedding-3-small", false},
		{"whisper-1", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsOpenAIChatModel(tt.id); got != tt.want {
			t.Errorf("IsOpenAIChatModel(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
