package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/chorus/pkg/models"
)

// Cheapest chat models per provider, used for routing and sub-agents.
const (
	cheapModelAnthropic = "claude-haiku-4-5-20251001"
	cheapModelOpenAI    = "gpt-4o-mini"
)

// routerSystemPrompt instructs the classifier model. The wire protocol is
// a single word: INJECT or NEW_BRANCH.
const routerSystemPrompt = "You are a message router. Your ONLY job is to classify whether a new user message " +
	"is a follow-up to the currently running branch or a completely unrelated new request.\n\n" +
	"Respond with EXACTLY one word:\n" +
	"- INJECT — if the message is a follow-up, correction, " +
	"clarification, or addition to the current work\n" +
	"- NEW_BRANCH — if the message is clearly unrelated to the current work\n\n" +
	"When in doubt, respond INJECT."

// RouteDecision is the routing outcome for a message that arrived while
// an agent's main branch was already running.
type RouteDecision int

const (
	// RouteInject merges the message into the running branch at its next
	// iteration boundary.
	RouteInject RouteDecision = iota

	// RouteNewBranch starts a fresh branch for an unrelated request.
	RouteNewBranch
)

func (d RouteDecision) String() string {
	if d == RouteNewBranch {
		return "new_branch"
	}
	return "inject"
}

// Router classifies interjected messages with a cheap model.
type Router struct {
	provider Provider
	model    string
}

// NewRouter creates a router on an explicit provider and model.
func NewRouter(provider Provider, model string) *Router {
	return &Router{provider: provider, model: model}
}

// NewRouterFromKeys creates a router on the cheapest available model:
// Anthropic Haiku when an Anthropic key is present, otherwise OpenAI
// gpt-4o-mini. Returns an error when neither key is available.
func NewRouterFromKeys(anthropicKey, openaiKey string) (*Router, error) {
	if anthropicKey != "" {
		provider, err := NewAnthropicProvider(AnthropicConfig{
			APIKey:       anthropicKey,
			DefaultModel: cheapModelAnthropic,
		})
		if err != nil {
			return nil, err
		}
		return NewRouter(provider, cheapModelAnthropic), nil
	}
	if openaiKey != "" {
		provider := NewOpenAIProvider(OpenAIConfig{
			APIKey:       openaiKey,
			DefaultModel: cheapModelOpenAI,
		})
		return NewRouter(provider, cheapModelOpenAI), nil
	}
	return nil, errors.New("no API key available for router: need an Anthropic or OpenAI key")
}

// Route asks the model whether to inject a message into the running
// branch or start a new one. Any failure (provider error, empty response,
// unexpected text) resolves to RouteInject.
func (r *Router) Route(ctx context.Context, message, branchSummary, currentStep string) RouteDecision {
	userContent := fmt.Sprintf(
		"Current branch: %s\nCurrent step: %s\nNew message: %s",
		branchSummary, currentStep, message,
	)

	resp, err := r.provider.Chat(ctx, &Request{
		Model: r.model,
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: routerSystemPrompt},
			{Role: models.RoleUser, Content: userContent},
		},
	})
	if err != nil {
		return RouteInject
	}

	text := strings.ToUpper(strings.TrimSpace(resp.Text))
	if strings.Contains(text, "NEW_BRANCH") {
		return RouteNewBranch
	}
	return RouteInject
}
