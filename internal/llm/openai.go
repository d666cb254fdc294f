package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/chorus/pkg/models"
)

// openAIChatPrefixes identify chat-capable OpenAI models; the models API
// also lists embeddings, TTS, and other non-chat models.
var openAIChatPrefixes = []string{"gpt-", "chatgpt-", "o1-", "o3-", "o4-"}

// IsOpenAIChatModel reports whether a model identifier names an OpenAI
// chat model.
func IsOpenAIChatModel(id string) bool {
	for _, prefix := range openAIChatPrefixes {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}

// OpenAIConfig holds configuration for the OpenAI provider.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key. May be empty for delayed
	// configuration; calls fail until one is set.
	APIKey string

	// BaseURL overrides the default API base URL. Used by tests and
	// OpenAI-compatible endpoints.
	BaseURL string

	// DefaultModel is used when Request.Model is empty. Defaults to
	// gpt-4o.
	DefaultModel string

	// MaxRetries is the number of retry attempts for transient failures.
	// Defaults to 3.
	MaxRetries int

	// RetryDelay is the base delay between retries, doubled each attempt.
	// Defaults to 1 second.
	RetryDelay time.Duration
}

// OpenAIProvider adapts the neutral conversation model to the OpenAI Chat
// Completions API. System messages pass through natively, assistant tool
// calls become function-typed tool_calls with JSON-string arguments, and
// tool messages keep the tool role with tool_call_id.
type OpenAIProvider struct {
	client       *openai.Client
	apiKey       string
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// NewOpenAIProvider creates an OpenAI provider. An empty API key yields a
// provider whose calls fail until configured, which lets wiring proceed
// before keys are known.
func NewOpenAIProvider(config OpenAIConfig) *OpenAIProvider {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}

	p := &OpenAIProvider{
		apiKey:       config.APIKey,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}
	if config.APIKey != "" {
		clientConfig := openai.DefaultConfig(config.APIKey)
		if config.BaseURL != "" {
			clientConfig.BaseURL = config.BaseURL
		}
		p.client = openai.NewClientWithConfig(clientConfig)
	}
	return p
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string {
	return ProviderOpenAI
}

// SupportsWebSearch reports false; there is no server-side web search
// tool on the Chat Completions API.
func (p *OpenAIProvider) SupportsWebSearch() bool {
	return false
}

// Chat sends one conversation turn to the Chat Completions API and
// returns the normalized response.
func (p *OpenAIProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	if p.client == nil {
		return nil, errors.New("OpenAI API key not configured")
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: p.convertMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	var resp openai.ChatCompletionResponse
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		var err error
		resp, err = p.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			lastErr = err
			if !p.isRetryableError(err) {
				break
			}
			continue
		}
		return p.parseResponse(&resp)
	}
	return nil, NewProviderError(ProviderOpenAI, model, lastErr)
}

// Ping validates the API key by listing models.
func (p *OpenAIProvider) Ping(ctx context.Context) error {
	if p.client == nil {
		return errors.New("OpenAI API key not configured")
	}
	if _, err := p.client.ListModels(ctx); err != nil {
		return NewProviderError(ProviderOpenAI, "", err)
	}
	return nil
}

// ListModels queries the models API and filters to chat-capable models,
// sorted ascending.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]string, error) {
	if p.client == nil {
		return nil, errors.New("OpenAI API key not configured")
	}
	list, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, NewProviderError(ProviderOpenAI, "", err)
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		if IsOpenAIChatModel(m.ID) {
			ids = append(ids, m.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// convertMessages translates neutral messages to OpenAI format. System
// messages pass through; assistant tool calls serialize arguments to JSON
// strings; tool messages keep the tool role with its tool_call_id.
func (p *OpenAIProvider) convertMessages(messages []models.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))

	for _, msg := range messages {
		switch {
		case msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				oaiMsg.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				}
			}
			result = append(result, oaiMsg)

		case msg.Role == models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		default:
			// system, user, plain assistant
			result = append(result, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}

	return result
}

// convertTools translates tool specs to OpenAI function format. A tool
// with an unparsable schema degrades to an empty object schema so the
// remaining tools still work.
func (p *OpenAIProvider) convertTools(tools []ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Parameters, &schemaMap); err != nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

// parseResponse normalizes an API response.
func (p *OpenAIProvider) parseResponse(resp *openai.ChatCompletionResponse) (*Response, error) {
	if len(resp.Choices) == 0 {
		return nil, errors.New("empty response: no choices")
	}
	choice := resp.Choices[0]

	var toolCalls []models.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("invalid tool call arguments for %s: %w", tc.Function.Name, err)
			}
		}
		toolCalls = append(toolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	return &Response{
		Text:       choice.Message.Content,
		ToolCalls:  toolCalls,
		StopReason: StopReason(choice.FinishReason),
		Usage: models.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		Model: resp.Model,
	}, nil
}

// isRetryableError reports whether an error is transient.
func (p *OpenAIProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := strings.ToLower(err.Error())

	if strings.Contains(errMsg, "rate limit") || strings.Contains(errMsg, "429") {
		return true
	}
	if strings.Contains(errMsg, "500") ||
		strings.Contains(errMsg, "502") ||
		strings.Contains(errMsg, "503") ||
		strings.Contains(errMsg, "504") {
		return true
	}
	if strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded") {
		return true
	}
	return false
}
