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

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/chorus/pkg/models"
)

const (
	// defaultMaxTokens caps response length when the request does not
	// specify one.
	defaultMaxTokens = 4096

	// keyProbeModel is the cheapest Anthropic model, used for the 1-token
	// key validation call.
	keyProbeModel = "claude-3-haiku-20240307"
)

// knownAnthropicModels is the fallback catalogue used when the models API
// is unreachable or returns nothing. The API does not reliably list every
// model a key can use.
var knownAnthropicModels = []string{
	"claude-opus-4-20250514",
	"claude-sonnet-4-20250514",
	"claude-haiku-4-20250506",
	"claude-3-5-sonnet-20241022",
	"claude-3-5-haiku-20241022",
	"claude-3-opus-20240229",
	"claude-3-haiku-20240307",
}

// AnthropicConfig holds configuration for the Anthropic provider.
type AnthropicConfig struct {
	// APIKey is the Anthropic API key. Required.
	APIKey string

	// BaseURL overrides the default API base URL. Used by tests and
	// proxied deployments.
	BaseURL string

	// DefaultModel is used when Request.Model is empty.
	// Defaults to claude-sonnet-4-20250514.
	DefaultModel string

	// MaxRetries is the number of retry attempts for transient failures.
	// Defaults to 3.
	MaxRetries int

	// RetryDelay is the base delay between retries, doubled each attempt.
	// Defaults to 1 second.
	RetryDelay time.Duration
}

// AnthropicProvider adapts the neutral conversation model to the Anthropic
// Messages API.
//
// Translation rules:
//   - system messages are extracted and concatenated into a single system
//     block carrying an ephemeral cache_control marker
//   - assistant messages with tool calls become [{text?}, {tool_use...}]
//     content blocks
//   - tool messages become user messages with a tool_result block
//   - assistant messages carrying RawBlocks are resent verbatim so that
//     server-side tool output (web search) round-trips unchanged
//
// The last client tool also carries cache_control so the tool table is
// cached across turns.
type AnthropicProvider struct {
	client       anthropic.Client
	apiKey       string
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// NewAnthropicProvider creates an Anthropic provider.
//
// Returns an error when the API key is missing; all other config fields
// fall back to defaults.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("anthropic API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		apiKey:       config.APIKey,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return ProviderAnthropic
}

// SupportsWebSearch reports true: Anthropic runs web search server-side.
func (p *AnthropicProvider) SupportsWebSearch() bool {
	return true
}

// Chat sends one conversation turn to the Messages API and returns the
// normalized response. Transient failures are retried with exponential
// backoff; the final error is wrapped with status and request ID.
func (p *AnthropicProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	system, messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("failed to convert messages: %w", err)
	}
	tools, err := p.convertTools(req.Tools, req.WebSearch)
	if err != nil {
		return nil, fmt.Errorf("failed to convert tools: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: system, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		}
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

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

		msg, err := p.client.Messages.New(ctx, params)
		if err != nil {
			lastErr = err
			if !p.isRetryableError(err) {
				break
			}
			continue
		}
		return p.parseResponse(msg)
	}
	return nil, p.wrapError(lastErr, model)
}

// Ping validates the API key with a 1-token request against the cheapest
// model.
func (p *AnthropicProvider) Ping(ctx context.Context) error {
	_, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(keyProbeModel),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("hi")),
		},
	})
	if err != nil {
		return p.wrapError(err, keyProbeModel)
	}
	return nil
}

// ListModels queries the models API. On failure or an empty result it
// falls back to knownAnthropicModels so discovery still produces a usable
// catalogue.
func (p *AnthropicProvider) ListModels(ctx context.Context) ([]string, error) {
	page, err := p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(100),
	})
	if err != nil || page == nil || len(page.Data) == 0 {
		return append([]string(nil), knownAnthropicModels...), nil
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// convertMessages translates neutral messages to Anthropic format and
// extracts the system prompt.
//
// Returns:
//   - string: system messages concatenated with blank lines
//   - []anthropic.MessageParam: the remaining conversation turns
func (p *AnthropicProvider) convertMessages(messages []models.Message) (string, []anthropic.MessageParam, error) {
	var systemParts []string
	var result []anthropic.MessageParam

	for _, msg := range messages {
		switch {
		case msg.Role == models.RoleSystem:
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}

		case msg.Role == models.RoleAssistant && len(msg.RawBlocks) > 0:
			// Preserved provider blocks (web search turns) go back verbatim.
			blocks, err := rawBlockParams(msg.RawBlocks)
			if err != nil {
				return "", nil, fmt.Errorf("invalid raw content blocks: %w", err)
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))

		case msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			result = append(result, anthropic.NewAssistantMessage(content...))

		case msg.Role == models.RoleTool:
			// Tool results become user messages with tool_result blocks.
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))

		case msg.Role == models.RoleAssistant:
			if msg.Content != "" {
				result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
			}

		default:
			if msg.Content != "" {
				result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		}
	}

	return strings.Join(systemParts, "\n\n"), result, nil
}

// rawBlockParams decodes preserved response blocks and converts them back
// into request params.
func rawBlockParams(raw json.RawMessage) ([]anthropic.ContentBlockParamUnion, error) {
	var blocks []anthropic.ContentBlockUnion
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, err
	}
	params := make([]anthropic.ContentBlockParamUnion, 0, len(blocks))
	for _, block := range blocks {
		params = append(params, block.ToParam())
	}
	return params, nil
}

// convertTools translates tool specs to Anthropic format. The last client
// tool carries an ephemeral cache_control marker; when webSearch is set
// the server-side web search tool is appended after it.
func (p *AnthropicProvider) convertTools(tools []ToolSpec, webSearch bool) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 && !webSearch {
		return nil, nil
	}

	result := make([]anthropic.ToolUnionParam, 0, len(tools)+1)
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.Parameters) > 0 {
			if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("tool %s has invalid schema: %w", tool.Name, err)
			}
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("failed to build tool param for %s", tool.Name)
		}
		if tool.Description != "" {
			toolParam.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, toolParam)
	}

	if n := len(result); n > 0 && result[n-1].OfTool != nil {
		result[n-1].OfTool.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}

	if webSearch {
		result = append(result, anthropic.ToolUnionParam{
			OfWebSearchTool20250305: &anthropic.WebSearchTool20250305Param{},
		})
	}

	return result, nil
}

// parseResponse normalizes an API response. When the response carries
// server-side tool blocks (web search), every content block is captured
// verbatim into RawBlocks for the next turn.
func (p *AnthropicProvider) parseResponse(msg *anthropic.Message) (*Response, error) {
	var textParts []string
	var toolCalls []models.ToolCall
	hasWebSearch := false

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			textParts = append(textParts, block.Text)
		case "tool_use":
			var args map[string]any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", block.Name, err)
				}
			}
			toolCalls = append(toolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		case "server_tool_use", "web_search_tool_result":
			hasWebSearch = true
		}
	}

	var rawBlocks json.RawMessage
	if hasWebSearch {
		parts := make([]json.RawMessage, 0, len(msg.Content))
		for _, block := range msg.Content {
			parts = append(parts, json.RawMessage(block.RawJSON()))
		}
		data, err := json.Marshal(parts)
		if err != nil {
			return nil, fmt.Errorf("failed to capture raw content blocks: %w", err)
		}
		rawBlocks = data
	}

	return &Response{
		Text:       strings.Join(textParts, "\n\n"),
		ToolCalls:  toolCalls,
		StopReason: StopReason(msg.StopReason),
		Usage: models.Usage{
			InputTokens:         int(msg.Usage.InputTokens),
			OutputTokens:        int(msg.Usage.OutputTokens),
			CacheCreationTokens: int(msg.Usage.CacheCreationInputTokens),
			CacheReadTokens:     int(msg.Usage.CacheReadInputTokens),
		},
		Model:     string(msg.Model),
		RawBlocks: rawBlocks,
	}, nil
}

// isRetryableError reports whether an error is transient. Rate limits,
// server errors, timeouts, and connection failures are retried; auth and
// validation errors are not.
func (p *AnthropicProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := strings.ToLower(err.Error())

	if strings.Contains(errMsg, "rate_limit") ||
		strings.Contains(errMsg, "rate limit") ||
		strings.Contains(errMsg, "429") ||
		strings.Contains(errMsg, "too many requests") {
		return true
	}

	if strings.Contains(errMsg, "500") ||
		strings.Contains(errMsg, "502") ||
		strings.Contains(errMsg, "503") ||
		strings.Contains(errMsg, "504") ||
		strings.Contains(errMsg, "529") ||
		strings.Contains(errMsg, "internal server error") ||
		strings.Contains(errMsg, "overloaded") ||
		strings.Contains(errMsg, "service unavailable") {
		return true
	}

	if strings.Contains(errMsg, "timeout") ||
		strings.Contains(errMsg, "deadline exceeded") {
		return true
	}

	if strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "no such host") {
		return true
	}

	return false
}

// wrapError attaches provider context to an API failure.
func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return NewProviderError(ProviderAnthropic, model, err).
			WithStatus(apiErr.StatusCode).
			WithRequestID(apiErr.RequestID)
	}
	return NewProviderError(ProviderAnthropic, model, err)
}
