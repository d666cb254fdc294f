// Package llm adapts the provider-neutral conversation model to concrete
// LLM provider APIs. Messages keep neutral roles (system, user, assistant,
// tool) plus structured tool calls; each adapter translates them into its
// wire format and normalizes responses back into a common Response.
//
// Two adapters are provided: Anthropic (Messages API) and OpenAI (Chat
// Completions). The package also hosts the interjection router, API key
// validation with model discovery, and a lightweight sub-agent runner for
// cheap one-shot calls.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/chorus/pkg/models"
)

// Provider identifiers. Stable, lowercase, used in config and logs.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Provider is a chat-capable LLM backend.
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// SupportsWebSearch reports whether the provider can run web search
	// server-side during a chat turn.
	SupportsWebSearch() bool

	// Chat sends one conversation turn and returns the complete response.
	// Transient failures (rate limits, 5xx, timeouts) are retried with
	// backoff before an error is returned.
	Chat(ctx context.Context, req *Request) (*Response, error)
}

// ModelSource is the discovery-facing side of a provider: key validation
// and model listing. Both concrete providers implement it.
type ModelSource interface {
	Name() string

	// Ping makes a minimal API call to check that the configured key works.
	Ping(ctx context.Context) error

	// ListModels returns the chat-capable model identifiers the key can
	// reach, sorted ascending.
	ListModels(ctx context.Context) ([]string, error)
}

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string

	// Parameters is a JSON-Schema object describing the tool's arguments.
	Parameters json.RawMessage
}

// Request is a single chat turn.
type Request struct {
	Messages []models.Message
	Tools    []ToolSpec

	// Model overrides the provider default when non-empty.
	Model string

	// MaxTokens caps the response length; <= 0 uses the provider default.
	MaxTokens int

	// WebSearch asks the provider to expose its server-side web search
	// tool alongside Tools. Ignored by providers without one.
	WebSearch bool
}

// StopReason is the provider-reported reason a response ended.
type StopReason string

// Truncated reports whether the response was cut off by the output token
// limit: "max_tokens" on Anthropic, "length" on OpenAI.
func (r StopReason) Truncated() bool {
	return r == "max_tokens" || r == "length"
}

// Response is a normalized provider response.
type Response struct {
	// Text is the concatenated text content. Empty when the model produced
	// only tool calls.
	Text string

	ToolCalls  []models.ToolCall
	StopReason StopReason
	Usage      models.Usage

	// Model is the concrete model that produced the response.
	Model string

	// RawBlocks holds the provider's verbatim content blocks when the
	// response contains server-side tool output (web search). Non-nil
	// blocks must be resent unchanged on the assistant's next turn.
	RawBlocks json.RawMessage
}

// New constructs a provider by name.
//
// Parameters:
//   - name: ProviderAnthropic or ProviderOpenAI
//   - apiKey: provider API key (required for Anthropic)
//   - defaultModel: model used when Request.Model is empty
func New(name, apiKey, defaultModel string) (Provider, error) {
	switch name {
	case ProviderAnthropic:
		return NewAnthropicProvider(AnthropicConfig{APIKey: apiKey, DefaultModel: defaultModel})
	case ProviderOpenAI:
		return NewOpenAIProvider(OpenAIConfig{APIKey: apiKey, DefaultModel: defaultModel}), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
}

// ProviderForModel reports which provider serves a model identifier.
// OpenAI chat model prefixes (gpt-, chatgpt-, o1-, o3-, o4-) map to
// OpenAI; everything else maps to Anthropic.
func ProviderForModel(model string) string {
	if IsOpenAIChatModel(model) {
		return ProviderOpenAI
	}
	return ProviderAnthropic
}
